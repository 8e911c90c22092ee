// Package engine runs requests through an ordered chain of middleware units,
// tracks the chain head by polling, and gates consumer calls until the first
// block has been observed.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/metrics"
)

// ErrNoRoute is returned when no unit answers a request.
var ErrNoRoute = errors.New("no middleware answered the request")

// DefaultPollInterval is used when Config.PollInterval is zero.
const DefaultPollInterval = 4 * time.Second

// Config configures an Engine.
type Config struct {
	Network      string
	PollInterval time.Duration
	// Autostart starts polling from New.
	Autostart bool
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Engine dispatches requests through a fixed list of units.
type Engine struct {
	units    []Middleware
	network  string
	interval time.Duration
	logger   *slog.Logger
	metrics  *metrics.Metrics

	ready  *Barrier
	blocks *Broadcaster

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
	seen    bool
	height  uint64
	latest  Block

	// serializes block notifications so observers see heights in order
	observeMu sync.Mutex
}

// New builds an engine over units, in dispatch order. The order cannot be
// changed afterwards.
func New(cfg Config, units ...Middleware) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := cfg.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	e := &Engine{
		units:    append([]Middleware(nil), units...),
		network:  cfg.Network,
		interval: interval,
		logger:   logger,
		metrics:  cfg.Metrics,
		ready:    NewBarrier(),
		blocks:   NewBroadcaster(logger),
	}

	for _, u := range e.units {
		if a, ok := u.(Attachable); ok {
			a.Attach(e)
		}
	}

	if cfg.Autostart {
		e.Start()
	}
	return e
}

// Units returns the unit names in dispatch order.
func (e *Engine) Units() []string {
	names := make([]string, len(e.units))
	for i, u := range e.units {
		names[i] = u.Name()
	}
	return names
}

type forwarded struct {
	observer ResponseObserver
	req      jsonrpc.Request
	note     any
}

// Dispatch walks the chain until a unit answers or fails. The request
// reaching the end unanswered fails with ErrNoRoute.
func (e *Engine) Dispatch(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error) {
	start := time.Now()

	var trail []forwarded
	current := req

	for _, u := range e.units {
		out, err := u.Handle(ctx, current)
		if err != nil {
			err = fmt.Errorf("%s: %w", u.Name(), err)
			e.settle(ctx, trail, nil, err)
			e.record(req.Method, u.Name(), "error", start)
			return nil, err
		}

		if out.Answered() {
			e.settle(ctx, trail, out.resp, nil)
			status := "success"
			if out.resp.Error != nil {
				status = "rpc_error"
			}
			e.record(req.Method, u.Name(), status, start)
			return out.resp, nil
		}

		if obs, ok := u.(ResponseObserver); ok {
			trail = append(trail, forwarded{observer: obs, req: current, note: out.note})
		}
		if next, ok := out.Request(); ok {
			current = next
		}
	}

	err := fmt.Errorf("%w: %s", ErrNoRoute, req.Method)
	e.settle(ctx, trail, nil, err)
	e.record(req.Method, "none", "no_route", start)
	return nil, err
}

// settle notifies forwarding units of the final answer, innermost first.
func (e *Engine) settle(ctx context.Context, trail []forwarded, resp *jsonrpc.Response, err error) {
	for i := len(trail) - 1; i >= 0; i-- {
		trail[i].observer.ObserveResponse(ctx, trail[i].req, trail[i].note, resp, err)
	}
}

func (e *Engine) record(method, unit, status string, start time.Time) {
	if e.metrics != nil {
		e.metrics.RecordDispatch(method, unit, status, time.Since(start).Seconds())
	}
}

// Start begins block polling. Calling Start on a running engine is a no-op.
func (e *Engine) Start() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.running = true

	e.logger.Info("engine started", "network", e.network, "interval", e.interval, "units", len(e.units))
	go e.poll(ctx, e.done)
}

// Stop halts polling and waits for the poll loop to exit. Calls queued on
// the readiness barrier stay queued. Calling Stop twice is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.running = false
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	cancel()
	<-done
	e.logger.Info("engine stopped", "network", e.network)
}

// Close is Stop.
func (e *Engine) Close() error {
	e.Stop()
	return nil
}

// Running reports whether polling is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

func (e *Engine) poll(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		if err := e.PollOnce(ctx); err != nil && ctx.Err() == nil {
			e.logger.WarnContext(ctx, "block poll failed", "network", e.network, "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// MaxBackfill bounds how many skipped heights PollOnce fetches before
// observing a head that moved by more than one block.
const MaxBackfill = 16

type blockHeader struct {
	Number     string `json:"number"`
	Hash       string `json:"hash"`
	ParentHash string `json:"parentHash"`
}

func (e *Engine) fetchHeader(ctx context.Context, tag string) (Block, error) {
	var header *blockHeader
	if err := Call(ctx, e, jsonrpc.NewRequest("eth_getBlockByNumber", tag, false), &header); err != nil {
		return Block{}, fmt.Errorf("failed to fetch block %s: %w", tag, err)
	}
	if header == nil {
		return Block{}, fmt.Errorf("block %s not available", tag)
	}
	height, err := jsonrpc.ParseUint64(header.Number)
	if err != nil {
		return Block{}, fmt.Errorf("invalid block number %q: %w", header.Number, err)
	}
	return Block{Height: height, Hash: header.Hash, ParentHash: header.ParentHash}, nil
}

// PollOnce fetches the latest block through the chain and observes it. When
// the head skipped heights, up to MaxBackfill of the blocks just below it are
// observed first so observers can follow parent hashes.
func (e *Engine) PollOnce(ctx context.Context) error {
	latest, err := e.fetchHeader(ctx, "latest")
	if err != nil {
		return err
	}

	e.mu.Lock()
	seen, height := e.seen, e.height
	e.mu.Unlock()

	if seen && latest.Height > height+1 {
		from := height + 1
		if latest.Height-from > MaxBackfill {
			from = latest.Height - MaxBackfill
		}
		for n := from; n < latest.Height; n++ {
			b, err := e.fetchHeader(ctx, jsonrpc.EncodeUint64(n))
			if err != nil || b.Height != n {
				e.logger.DebugContext(ctx, "backfill stopped", "network", e.network, "height", n, "error", err)
				break
			}
			e.ObserveBlock(ctx, b)
		}
	}

	e.ObserveBlock(ctx, latest)
	return nil
}

// ObserveBlock records a block-change event. Heights below the current chain
// height are ignored. A block at the current height with a new hash replaces
// the head and is passed to ReorgObservers. The first event opens the
// readiness barrier. It reports whether the event advanced the chain height.
func (e *Engine) ObserveBlock(ctx context.Context, b Block) bool {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()

	e.mu.Lock()
	if e.seen && b.Height <= e.height {
		replaced := b.Height == e.height && b.Hash != "" && e.latest.Hash != "" && b.Hash != e.latest.Hash
		if replaced {
			e.latest = b
		}
		e.mu.Unlock()
		if replaced {
			e.logger.WarnContext(ctx, "head replaced", "network", e.network, "height", b.Height, "hash", b.Hash)
			for _, u := range e.units {
				if obs, ok := u.(ReorgObserver); ok {
					obs.ObserveReorg(ctx, b)
				}
			}
		}
		return false
	}
	e.seen = true
	e.height = b.Height
	e.latest = b
	e.mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordBlock(e.network, b.Height)
	}
	e.logger.DebugContext(ctx, "new block", "network", e.network, "height", b.Height)

	for _, u := range e.units {
		if obs, ok := u.(BlockObserver); ok {
			obs.ObserveBlock(ctx, b)
		}
	}

	if e.ready.Open() {
		e.logger.InfoContext(ctx, "engine ready", "network", e.network, "height", b.Height)
	}
	e.blocks.Publish(b)
	return true
}

// ChainHeight returns the highest block height observed.
func (e *Engine) ChainHeight() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.height
}

// LatestBlock returns the most recent block event and whether one exists.
func (e *Engine) LatestBlock() (Block, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, e.seen
}

// Ready reports whether the readiness barrier is open.
func (e *Engine) Ready() bool {
	return e.ready.IsOpen()
}

// WaitReady blocks until the first block has been observed or ctx is done.
func (e *Engine) WaitReady(ctx context.Context) error {
	if e.ready.IsOpen() {
		return nil
	}
	if e.metrics != nil {
		e.metrics.RecordReadinessWait(e.network)
	}
	return e.ready.Wait(ctx)
}

// Subscribe registers for block-change events.
func (e *Engine) Subscribe(buffer int) *Subscription {
	return e.blocks.Subscribe(buffer)
}
