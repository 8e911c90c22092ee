package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/indexer"
	"github.com/brojonat/ethgate/service/jsonrpc"
	"github.com/brojonat/ethgate/service/metrics"
	"github.com/brojonat/ethgate/service/middleware"
)

// MaxConcurrentRequests bounds the per-address lookups in flight at once.
const MaxConcurrentRequests = 3

// Addresses is the address list of one side of a transaction.
type Addresses struct {
	Addresses []string `json:"addresses"`
}

// TransactionRecord is a normalized history entry. Confirmations is derived
// from the chain height when the record was read and goes stale with it.
type TransactionRecord struct {
	BlockHeight   uint64    `json:"blockHeight"`
	TxID          string    `json:"txId"`
	Confirmations uint64    `json:"confirmations"`
	From          Addresses `json:"from"`
	To            Addresses `json:"to"`
	Data          string    `json:"data"`
	Value         string    `json:"value,omitempty"`
	Timestamp     int64     `json:"timestamp,omitempty"`
}

// Aggregator collects the history of several addresses through the
// eth_listTransactions method of a dispatch chain.
type Aggregator struct {
	d           engine.Dispatcher
	logger      *slog.Logger
	concurrency int
	network     string
	metrics     *metrics.Metrics

	// highest block height seen in indexer records
	raised atomic.Uint64
}

// NewAggregator creates an aggregator dispatching through d.
func NewAggregator(d engine.Dispatcher, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{d: d, logger: logger, concurrency: MaxConcurrentRequests}
}

// WithMetrics records every Collect under network in m.
func (a *Aggregator) WithMetrics(network string, m *metrics.Metrics) *Aggregator {
	a.network = network
	a.metrics = m
	return a
}

func (a *Aggregator) record(status string, records int, started time.Time) {
	if a.metrics != nil {
		a.metrics.RecordHistoryFetch(a.network, status, records, time.Since(started).Seconds())
	}
}

// ChainHeight is the larger of the engine's height and any height seen in
// indexer records.
func (a *Aggregator) ChainHeight() uint64 {
	return max(a.d.ChainHeight(), a.raised.Load())
}

// raise lifts the local height to at least h and returns the chain height.
func (a *Aggregator) raise(h uint64) uint64 {
	for {
		cur := a.raised.Load()
		if h <= cur || a.raised.CompareAndSwap(cur, h) {
			break
		}
	}
	return a.ChainHeight()
}

// Collect returns the transactions of addresses from minHeight on. Results
// are grouped per address in the order the lookups complete; within an
// address they keep the indexer's order. A minHeight beyond the known chain
// height yields nothing without asking the indexer. Any lookup failure other
// than "no transactions" fails the whole call.
func (a *Aggregator) Collect(ctx context.Context, addresses []string, minHeight uint64) ([]TransactionRecord, error) {
	started := time.Now()
	if minHeight > 0 && minHeight > a.ChainHeight() {
		a.logger.DebugContext(ctx, "min height beyond chain height",
			"min_height", minHeight,
			"chain_height", a.ChainHeight(),
		)
		a.record("skipped", 0, started)
		return []TransactionRecord{}, nil
	}

	valid := make([]string, 0, len(addresses))
	for _, addr := range addresses {
		if strings.TrimSpace(addr) == "" {
			a.logger.WarnContext(ctx, "skipping empty address in history request")
			continue
		}
		valid = append(valid, addr)
	}

	var (
		mu      sync.Mutex
		batches [][]TransactionRecord
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.concurrency)
	for _, addr := range valid {
		g.Go(func() error {
			recs, err := a.collectOne(gctx, addr, minHeight)
			if err != nil {
				return err
			}
			mu.Lock()
			batches = append(batches, recs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		a.record("error", 0, started)
		return nil, err
	}

	out := []TransactionRecord{}
	for _, b := range batches {
		out = append(out, b...)
	}
	a.record("success", len(out), started)
	return out, nil
}

func (a *Aggregator) collectOne(ctx context.Context, address string, minHeight uint64) ([]TransactionRecord, error) {
	// The end block follows the same height the Collect guard used, so a
	// start raised past the engine's height still gets a valid range.
	var end any
	if h := a.ChainHeight(); h > 0 {
		end = h
	}
	req := jsonrpc.NewRequest(middleware.MethodListTransactions, jsonrpc.PrefixHex(address), minHeight, end, "asc")

	var raw []indexer.RawTransaction
	if err := engine.Call(ctx, a.d, req, &raw); err != nil {
		if indexer.IsNoTransactions(err) {
			a.logger.DebugContext(ctx, "no transactions found", "address", address)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list transactions for %s: %w", address, err)
	}

	seen := make(map[string]bool, len(raw))
	recs := make([]TransactionRecord, 0, len(raw))
	for _, r := range raw {
		rec, err := a.normalize(r)
		if err != nil {
			return nil, fmt.Errorf("address %s: %w", address, err)
		}
		if seen[rec.TxID] {
			continue
		}
		seen[rec.TxID] = true
		recs = append(recs, rec)
	}
	return recs, nil
}

func (a *Aggregator) normalize(r indexer.RawTransaction) (TransactionRecord, error) {
	height, err := jsonrpc.ParseUint64(r.BlockNumber)
	if err != nil {
		return TransactionRecord{}, fmt.Errorf("invalid block number %q for %s: %w", r.BlockNumber, r.Hash, err)
	}
	chain := a.raise(height)

	rec := TransactionRecord{
		BlockHeight:   height,
		TxID:          bareHex(r.Hash),
		Confirmations: chain - height,
		From:          Addresses{Addresses: addressList(r.From)},
		To:            Addresses{Addresses: addressList(r.To)},
		Data:          bareHex(r.Input),
		Value:         r.Value,
	}
	if len(rec.To.Addresses) == 0 && r.ContractAddress != "" {
		rec.To.Addresses = addressList(r.ContractAddress)
	}
	if ts, err := jsonrpc.ParseUint64(r.TimeStamp); err == nil {
		rec.Timestamp = int64(ts)
	}
	return rec, nil
}

// bareHex lower-cases s and drops its 0x prefix.
func bareHex(s string) string {
	return strings.ToLower(jsonrpc.UnprefixHex(s))
}

func addressList(addr string) []string {
	if addr == "" {
		return []string{}
	}
	return []string{bareHex(addr)}
}
