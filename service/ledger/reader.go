package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"

	"golang.org/x/sync/errgroup"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// Chain is the engine surface used by Reader and Transactor. *engine.Engine
// and *Pipeline satisfy it.
type Chain interface {
	engine.Dispatcher
	Start()
	Stop()
	Close() error
	WaitReady(ctx context.Context) error
	LatestBlock() (engine.Block, bool)
	Subscribe(buffer int) *engine.Subscription
}

// Info describes the network a reader is attached to.
type Info struct {
	Blockchain  string `json:"blockchain"`
	Network     string `json:"network"`
	ChainID     uint64 `json:"chainId"`
	BlockHeight uint64 `json:"blockHeight"`
}

// Reader is the read API over a chain. Every call waits for the first
// observed block before it is answered.
type Reader struct {
	network    string
	constants  Constants
	chain      Chain
	aggregator *Aggregator
	logger     *slog.Logger
}

// NewReader wraps chain.
func NewReader(network string, constants Constants, chain Chain, logger *slog.Logger) *Reader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reader{
		network:    network,
		constants:  constants,
		chain:      chain,
		aggregator: NewAggregator(chain, logger),
		logger:     logger,
	}
}

// Network returns the network name.
func (r *Reader) Network() string { return r.network }

// Start begins block polling.
func (r *Reader) Start() { r.chain.Start() }

// Stop halts block polling. Pending calls stay queued until Start.
func (r *Reader) Stop() { r.chain.Stop() }

// Close stops the reader for good.
func (r *Reader) Close() error { return r.chain.Close() }

// Ready reports whether a block has been observed.
func (r *Reader) Ready() bool {
	_, ok := r.chain.LatestBlock()
	return ok
}

// ChainHeight returns the highest known block height.
func (r *Reader) ChainHeight() uint64 { return r.aggregator.ChainHeight() }

// Dispatch sends req through the chain once it is ready.
func (r *Reader) Dispatch(ctx context.Context, req jsonrpc.Request) (*jsonrpc.Response, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return nil, err
	}
	return r.chain.Dispatch(ctx, req)
}

// Info returns the network description and current height.
func (r *Reader) Info(ctx context.Context) (Info, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return Info{}, err
	}
	return Info{
		Blockchain:  Blockchain,
		Network:     r.network,
		ChainID:     r.constants.ChainID,
		BlockHeight: r.ChainHeight(),
	}, nil
}

// LatestBlock returns the most recent block event.
func (r *Reader) LatestBlock(ctx context.Context) (engine.Block, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return engine.Block{}, err
	}
	b, _ := r.chain.LatestBlock()
	if h := r.ChainHeight(); h > b.Height {
		b = engine.Block{Height: h}
	}
	return b, nil
}

// Transactions looks up transactions by id, preserving the order of ids.
// Unknown ids yield a JSON null.
func (r *Reader) Transactions(ctx context.Context, ids []string) ([]json.RawMessage, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return nil, err
	}

	out := make([]json.RawMessage, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(MaxConcurrentRequests)
	for i, id := range ids {
		g.Go(func() error {
			var tx json.RawMessage
			req := jsonrpc.NewRequest("eth_getTransactionByHash", jsonrpc.PrefixHex(id))
			if err := engine.Call(gctx, r.chain, req, &tx); err != nil {
				return fmt.Errorf("failed to get transaction %s: %w", id, err)
			}
			if len(tx) == 0 {
				tx = json.RawMessage("null")
			}
			out[i] = tx
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Propagate broadcasts a signed raw transaction and returns its id.
func (r *Reader) Propagate(ctx context.Context, rawHex string) (string, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return "", err
	}
	var hash string
	if err := engine.Call(ctx, r.chain, jsonrpc.NewRequest("eth_sendRawTransaction", jsonrpc.PrefixHex(rawHex)), &hash); err != nil {
		return "", fmt.Errorf("failed to propagate transaction: %w", err)
	}
	r.logger.InfoContext(ctx, "propagated transaction", "tx_id", hash)
	return bareHex(hash), nil
}

// AddressTransactions returns the history of addresses from minHeight on.
// Zero means from the beginning.
func (r *Reader) AddressTransactions(ctx context.Context, addresses []string, minHeight uint64) ([]TransactionRecord, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return nil, err
	}
	return r.aggregator.Collect(ctx, addresses, minHeight)
}

// Balance returns the balance of address in wei.
func (r *Reader) Balance(ctx context.Context, address string) (*big.Int, error) {
	if err := r.chain.WaitReady(ctx); err != nil {
		return nil, err
	}
	return balance(ctx, r.chain, address)
}

// Blocks subscribes to block-change events.
func (r *Reader) Blocks(buffer int) *engine.Subscription {
	return r.chain.Subscribe(buffer)
}

func balance(ctx context.Context, d engine.Dispatcher, address string) (*big.Int, error) {
	var hex string
	if err := engine.Call(ctx, d, jsonrpc.NewRequest("eth_getBalance", jsonrpc.PrefixHex(address), "latest"), &hex); err != nil {
		return nil, fmt.Errorf("failed to get balance of %s: %w", address, err)
	}
	wei, err := jsonrpc.ParseBig(hex)
	if err != nil {
		return nil, fmt.Errorf("invalid balance %q: %w", hex, err)
	}
	return wei, nil
}
