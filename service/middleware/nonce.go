package middleware

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/core/types"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

// NonceTracker answers pending transaction counts for addresses that have
// submitted through this engine, so back-to-back submissions get distinct
// nonces before the node's mempool view catches up. Counters reset on every
// new block.
type NonceTracker struct {
	logger *slog.Logger

	mu     sync.Mutex
	nonces map[string]uint64
}

// NewNonceTracker creates an empty tracker.
func NewNonceTracker(logger *slog.Logger) *NonceTracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &NonceTracker{logger: logger, nonces: make(map[string]uint64)}
}

func (n *NonceTracker) Name() string { return "nonce" }

func (n *NonceTracker) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	addr, ok := pendingCountAddress(req)
	if !ok {
		return engine.Forward(), nil
	}

	n.mu.Lock()
	nonce, known := n.nonces[addr]
	n.mu.Unlock()

	if !known {
		return engine.Forward(), nil
	}
	return engine.AnswerResult(jsonrpc.EncodeUint64(nonce))
}

// ObserveResponse learns counters from successful answers only.
func (n *NonceTracker) ObserveResponse(ctx context.Context, req jsonrpc.Request, _ any, resp *jsonrpc.Response, err error) {
	if err != nil || resp == nil || resp.Error != nil {
		return
	}

	switch req.Method {
	case "eth_getTransactionCount":
		addr, ok := pendingCountAddress(req)
		if !ok {
			return
		}
		var hex string
		if err := resp.Decode(&hex); err != nil {
			return
		}
		nonce, err := jsonrpc.ParseUint64(hex)
		if err != nil {
			return
		}
		n.raise(addr, nonce)

	case "eth_sendRawTransaction":
		raw, ok := req.StringParam(0)
		if !ok {
			return
		}
		sender, next, err := decodeSender(raw)
		if err != nil {
			n.logger.DebugContext(ctx, "could not decode submitted transaction", "error", err)
			return
		}
		n.raise(sender, next)
	}
}

// ObserveBlock drops all counters; the node's view is authoritative again.
func (n *NonceTracker) ObserveBlock(ctx context.Context, b engine.Block) {
	n.mu.Lock()
	defer n.mu.Unlock()
	clear(n.nonces)
}

// ObserveReorg drops all counters; transactions in the replaced block may
// be back in the pool or gone.
func (n *NonceTracker) ObserveReorg(ctx context.Context, b engine.Block) {
	n.ObserveBlock(ctx, b)
}

func (n *NonceTracker) raise(addr string, nonce uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.nonces[addr]; !ok || nonce > cur {
		n.nonces[addr] = nonce
	}
}

func pendingCountAddress(req jsonrpc.Request) (string, bool) {
	if req.Method != "eth_getTransactionCount" {
		return "", false
	}
	tag, _ := req.StringParam(1)
	if tag != "pending" {
		return "", false
	}
	addr, ok := req.StringParam(0)
	if !ok || addr == "" {
		return "", false
	}
	return strings.ToLower(jsonrpc.PrefixHex(addr)), true
}

// decodeSender recovers the sender of a raw signed transaction and returns
// the nonce its next transaction should use.
func decodeSender(raw string) (string, uint64, error) {
	b, err := jsonrpc.DecodeBytes(raw)
	if err != nil {
		return "", 0, err
	}
	var tx types.Transaction
	if err := tx.UnmarshalBinary(b); err != nil {
		return "", 0, err
	}
	from, err := types.Sender(types.LatestSignerForChainID(tx.ChainId()), &tx)
	if err != nil {
		return "", 0, err
	}
	return strings.ToLower(from.Hex()), tx.Nonce() + 1, nil
}
