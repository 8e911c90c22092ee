package indexer

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/brojonat/ethgate/service/jsonrpc"
)

// SortDescending requests newest-first ordering from Collect.
const SortDescending = "desc"

// History merges the two directional feeds of a Finder.
type History struct {
	finder Finder
	logger *slog.Logger
}

// NewHistory wraps finder.
func NewHistory(finder Finder, logger *slog.Logger) *History {
	if logger == nil {
		logger = slog.Default()
	}
	return &History{finder: finder, logger: logger}
}

// Collect fetches the outgoing and incoming transactions of address and
// merges them: duplicates (self transfers appear in both feeds) are dropped
// and the result is ordered by block and position in block. A Finder that
// is also a Lister is asked once for both sides; otherwise the two
// directions are fetched in parallel. A direction with no transactions
// contributes nothing; any other failure fails the call.
func (h *History) Collect(ctx context.Context, address string, startBlock, endBlock uint64, order string) ([]RawTransaction, error) {
	var outgoing, incoming []RawTransaction

	if lister, ok := h.finder.(Lister); ok {
		recs, err := lister.List(ctx, address, startBlock, endBlock)
		if err != nil && !IsNoTransactions(err) {
			return nil, &Error{Address: address, Direction: DirectionBoth, Err: err}
		}
		for _, rec := range recs {
			if strings.EqualFold(rec.From, address) {
				outgoing = append(outgoing, rec)
			} else {
				incoming = append(incoming, rec)
			}
		}
	} else {
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error {
			recs, err := h.find(gctx, address, DirectionFrom, startBlock, endBlock)
			outgoing = recs
			return err
		})
		g.Go(func() error {
			recs, err := h.find(gctx, address, DirectionTo, startBlock, endBlock)
			incoming = recs
			return err
		})
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	merged := Merge(outgoing, incoming)
	if order == SortDescending {
		for i, j := 0, len(merged)-1; i < j; i, j = i+1, j-1 {
			merged[i], merged[j] = merged[j], merged[i]
		}
	}

	h.logger.DebugContext(ctx, "collected address history",
		"address", address,
		"outgoing", len(outgoing),
		"incoming", len(incoming),
		"merged", len(merged),
	)
	return merged, nil
}

func (h *History) find(ctx context.Context, address string, dir Direction, startBlock, endBlock uint64) ([]RawTransaction, error) {
	recs, err := h.finder.Find(ctx, address, dir, startBlock, endBlock)
	if err != nil {
		if IsNoTransactions(err) {
			return nil, nil
		}
		return nil, &Error{Address: address, Direction: dir, Err: err}
	}
	return recs, nil
}

// Merge concatenates feeds, keeps the first record per hash and orders the
// result by (block, transaction index). The sort is stable so records the
// explorer could not number keep their relative order.
func Merge(feeds ...[]RawTransaction) []RawTransaction {
	seen := make(map[string]bool)
	var merged []RawTransaction
	for _, feed := range feeds {
		for _, rec := range feed {
			key := strings.ToLower(jsonrpc.UnprefixHex(rec.Hash))
			if seen[key] {
				continue
			}
			seen[key] = true
			merged = append(merged, rec)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		bi, bj := position(merged[i].BlockNumber), position(merged[j].BlockNumber)
		if bi != bj {
			return bi < bj
		}
		return position(merged[i].TransactionIndex) < position(merged[j].TransactionIndex)
	})
	return merged
}

func position(v string) uint64 {
	n, err := jsonrpc.ParseUint64(v)
	if err != nil {
		return 0
	}
	return n
}
