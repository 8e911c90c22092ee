package temporal

import (
	"context"
	"time"
)

// Scheduler manages Temporal schedules for address history syncing.
// Each watched address gets its own schedule that triggers the SyncAddressWorkflow.
type Scheduler interface {
	// UpsertWatchSchedule creates the schedule for an address, or updates
	// its interval when it already exists.
	UpsertWatchSchedule(ctx context.Context, network, address string, interval time.Duration) error

	// DeleteWatchSchedule deletes the schedule for an address.
	// This stops the address from being synced.
	DeleteWatchSchedule(ctx context.Context, network, address string) error
}

// ScheduleID returns the Temporal schedule ID for a watched address.
func ScheduleID(network, address string) string {
	return "sync-address-" + network + "-" + address
}
