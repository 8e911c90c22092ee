package temporal

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockScheduler keeps schedules in memory. Failures can be injected per
// operation with Fail.
type MockScheduler struct {
	mu        sync.Mutex
	intervals map[string]time.Duration
	failures  map[string]error
	calls     []string
}

func NewMockScheduler() *MockScheduler {
	return &MockScheduler{
		intervals: make(map[string]time.Duration),
		failures:  make(map[string]error),
	}
}

// Fail makes op ("upsert" or "delete") return err until cleared with nil.
func (m *MockScheduler) Fail(op string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.failures, op)
		return
	}
	m.failures[op] = err
}

func (m *MockScheduler) UpsertWatchSchedule(ctx context.Context, network, address string, interval time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ScheduleID(network, address)
	m.calls = append(m.calls, "upsert "+id)
	if err := m.failures["upsert"]; err != nil {
		return err
	}
	m.intervals[id] = interval
	return nil
}

func (m *MockScheduler) DeleteWatchSchedule(ctx context.Context, network, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := ScheduleID(network, address)
	m.calls = append(m.calls, "delete "+id)
	if err := m.failures["delete"]; err != nil {
		return err
	}
	if _, ok := m.intervals[id]; !ok {
		return fmt.Errorf("schedule %q not found", id)
	}
	delete(m.intervals, id)
	return nil
}

// Interval reports the address's schedule interval and whether it exists.
func (m *MockScheduler) Interval(network, address string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	interval, ok := m.intervals[ScheduleID(network, address)]
	return interval, ok
}

// Calls lists every operation attempted, as "upsert <id>" or "delete <id>".
func (m *MockScheduler) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}
