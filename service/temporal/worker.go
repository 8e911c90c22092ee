package temporal

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"github.com/brojonat/ethgate/service/metrics"
)

// WorkerConfig wires a sync worker to its cluster and dependencies.
type WorkerConfig struct {
	TemporalHost      string
	TemporalNamespace string
	TaskQueue         string

	// Concurrency caps; zero means 10.
	MaxConcurrentActivities int
	MaxConcurrentWorkflows  int

	Store     StoreInterface
	History   HistorySource
	Publisher PublisherInterface // optional
	Metrics   *metrics.Metrics   // optional
	Logger    *slog.Logger
}

// Worker executes SyncAddressWorkflow and its activities.
type Worker struct {
	client   client.Client
	worker   worker.Worker
	logger   *slog.Logger
	stop     chan interface{}
	stopOnce sync.Once
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Store == nil || cfg.History == nil {
		return nil, errors.New("store and history source are required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxConcurrentActivities <= 0 {
		cfg.MaxConcurrentActivities = 10
	}
	if cfg.MaxConcurrentWorkflows <= 0 {
		cfg.MaxConcurrentWorkflows = 10
	}
	logger := cfg.Logger.With("component", "temporal_worker", "task_queue", cfg.TaskQueue)

	c, err := dial(cfg.TemporalHost, cfg.TemporalNamespace, logger)
	if err != nil {
		return nil, err
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{
		MaxConcurrentActivityExecutionSize:     cfg.MaxConcurrentActivities,
		MaxConcurrentWorkflowTaskExecutionSize: cfg.MaxConcurrentWorkflows,
	})
	register(w, NewActivities(cfg.Store, cfg.History, cfg.Publisher, cfg.Metrics, logger))

	return &Worker{
		client: c,
		worker: w,
		logger: logger,
		stop:   make(chan interface{}),
	}, nil
}

// registry is the part of worker.Worker that register needs.
type registry interface {
	RegisterWorkflow(w interface{})
	RegisterActivity(a interface{})
}

// register adds the sync workflow and its activities. Activities are
// registered by method name, which is what the workflow executes.
func register(r registry, acts *Activities) {
	r.RegisterWorkflow(SyncAddressWorkflow)
	r.RegisterActivity(acts.GetSyncCursor)
	r.RegisterActivity(acts.FetchHistory)
	r.RegisterActivity(acts.WriteTransactions)
	r.RegisterActivity(acts.AdvanceCursor)
}

// Start polls the task queue until Stop is called.
func (w *Worker) Start() error {
	w.logger.Info("temporal worker polling")
	if err := w.worker.Run(w.stop); err != nil {
		return fmt.Errorf("worker stopped with error: %w", err)
	}
	return nil
}

// Stop ends Start and closes the connection. It is safe to call twice.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.client.Close()
		w.logger.Info("temporal worker stopped")
	})
}
