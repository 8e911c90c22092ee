package temporal

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.temporal.io/sdk/client"
)

// Client is the Scheduler backed by a Temporal cluster.
type Client struct {
	client    client.Client
	taskQueue string
	logger    *slog.Logger
}

// NewClient connects to Temporal. Schedules it creates start workflows on
// taskQueue.
func NewClient(host, namespace, taskQueue string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c, err := dial(host, namespace, logger)
	if err != nil {
		return nil, err
	}
	return &Client{client: c, taskQueue: taskQueue, logger: logger}, nil
}

func dial(host, namespace string, logger *slog.Logger) (client.Client, error) {
	logger.Info("connecting to temporal", "host", host, "namespace", namespace)
	c, err := client.Dial(client.Options{
		HostPort:  host,
		Namespace: namespace,
		Logger:    newTemporalLogger(logger),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to temporal at %s: %w", host, err)
	}
	return c, nil
}

func everyInterval(interval time.Duration) []client.ScheduleIntervalSpec {
	return []client.ScheduleIntervalSpec{{Every: interval}}
}

// UpsertWatchSchedule creates the address's schedule, or replaces the
// interval of the existing one.
func (c *Client) UpsertWatchSchedule(ctx context.Context, network, address string, interval time.Duration) error {
	id := ScheduleID(network, address)
	log := c.logger.With("schedule_id", id, "interval", interval)

	handle := c.client.ScheduleClient().GetHandle(ctx, id)
	if _, err := handle.Describe(ctx); err != nil {
		_, err := c.client.ScheduleClient().Create(ctx, client.ScheduleOptions{
			ID:   id,
			Spec: client.ScheduleSpec{Intervals: everyInterval(interval)},
			Action: &client.ScheduleWorkflowAction{
				ID:        id,
				Workflow:  SyncAddressWorkflowName,
				TaskQueue: c.taskQueue,
				Args:      []interface{}{SyncAddressInput{Network: network, Address: address}},
			},
			Memo: map[string]interface{}{
				"network":    network,
				"address":    address,
				"created_by": "ethgate",
			},
		})
		if err != nil {
			log.Error("failed to create schedule", "error", err)
			return fmt.Errorf("failed to create schedule %q: %w", id, err)
		}
		log.Info("watch schedule created")
		return nil
	}

	err := handle.Update(ctx, client.ScheduleUpdateOptions{
		DoUpdate: func(in client.ScheduleUpdateInput) (*client.ScheduleUpdate, error) {
			schedule := in.Description.Schedule
			schedule.Spec.Intervals = everyInterval(interval)
			return &client.ScheduleUpdate{Schedule: &schedule}, nil
		},
	})
	if err != nil {
		log.Error("failed to update schedule", "error", err)
		return fmt.Errorf("failed to update schedule %q: %w", id, err)
	}
	log.Info("watch schedule updated")
	return nil
}

// DeleteWatchSchedule removes the address's schedule.
func (c *Client) DeleteWatchSchedule(ctx context.Context, network, address string) error {
	id := ScheduleID(network, address)
	if err := c.client.ScheduleClient().GetHandle(ctx, id).Delete(ctx); err != nil {
		c.logger.Error("failed to delete schedule", "schedule_id", id, "error", err)
		return fmt.Errorf("failed to delete schedule %q: %w", id, err)
	}
	c.logger.Info("watch schedule deleted", "schedule_id", id)
	return nil
}

// SetWatchSchedulePaused pauses or unpauses the address's schedule. A
// paused watch is skipped by the workflow either way; pausing the schedule
// also stops the empty runs.
func (c *Client) SetWatchSchedulePaused(ctx context.Context, network, address string, paused bool) error {
	id := ScheduleID(network, address)
	handle := c.client.ScheduleClient().GetHandle(ctx, id)

	var err error
	if paused {
		err = handle.Pause(ctx, client.SchedulePauseOptions{Note: "watch paused"})
	} else {
		err = handle.Unpause(ctx, client.ScheduleUnpauseOptions{Note: "watch resumed"})
	}
	if err != nil {
		return fmt.Errorf("failed to set paused=%t on schedule %q: %w", paused, id, err)
	}
	c.logger.Info("watch schedule state changed", "schedule_id", id, "paused", paused)
	return nil
}

// SyncNow runs one SyncAddressWorkflow outside the schedule and waits for
// its result.
func (c *Client) SyncNow(ctx context.Context, network, address string) (*SyncAddressResult, error) {
	run, err := c.client.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        ScheduleID(network, address) + "-manual",
		TaskQueue: c.taskQueue,
	}, SyncAddressWorkflowName, SyncAddressInput{Network: network, Address: address})
	if err != nil {
		return nil, fmt.Errorf("failed to start sync workflow: %w", err)
	}

	var result SyncAddressResult
	if err := run.Get(ctx, &result); err != nil {
		return nil, fmt.Errorf("sync workflow %s failed: %w", run.GetID(), err)
	}
	return &result, nil
}

// SDKClient exposes the SDK client for schedule listing and inspection.
func (c *Client) SDKClient() client.Client {
	return c.client
}

func (c *Client) TaskQueue() string {
	return c.taskQueue
}

func (c *Client) Close() {
	c.client.Close()
}

// temporalLogger routes SDK log lines through slog.
type temporalLogger struct {
	logger *slog.Logger
}

func newTemporalLogger(logger *slog.Logger) *temporalLogger {
	return &temporalLogger{logger: logger.With("source", "temporal_sdk")}
}

func (l *temporalLogger) Debug(msg string, keyvals ...interface{}) { l.logger.Debug(msg, keyvals...) }
func (l *temporalLogger) Info(msg string, keyvals ...interface{})  { l.logger.Info(msg, keyvals...) }
func (l *temporalLogger) Warn(msg string, keyvals ...interface{})  { l.logger.Warn(msg, keyvals...) }
func (l *temporalLogger) Error(msg string, keyvals ...interface{}) { l.logger.Error(msg, keyvals...) }
