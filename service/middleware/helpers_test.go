package middleware

import (
	"context"
	"crypto/ecdsa"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// nodeHandler returns a result or a protocol error for one call.
type nodeHandler func(req jsonrpc.Request) (any, *jsonrpc.Error)

// fakeNode is a terminal unit that answers from scripted handlers and
// records every request that reaches it.
type fakeNode struct {
	mu       sync.Mutex
	handlers map[string]nodeHandler
	calls    []jsonrpc.Request
}

func newFakeNode() *fakeNode {
	return &fakeNode{handlers: make(map[string]nodeHandler)}
}

func (n *fakeNode) on(method string, h nodeHandler) *fakeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[method] = h
	return n
}

func (n *fakeNode) result(method string, v any) *fakeNode {
	return n.on(method, func(jsonrpc.Request) (any, *jsonrpc.Error) { return v, nil })
}

func (n *fakeNode) Name() string { return "node" }

func (n *fakeNode) Handle(ctx context.Context, req jsonrpc.Request) (engine.Outcome, error) {
	n.mu.Lock()
	n.calls = append(n.calls, req)
	h, ok := n.handlers[req.Method]
	n.mu.Unlock()
	if !ok {
		return engine.Forward(), nil
	}
	v, rpcErr := h(req)
	if rpcErr != nil {
		return engine.Answer(&jsonrpc.Response{Error: rpcErr}), nil
	}
	return engine.AnswerResult(v)
}

func (n *fakeNode) count(method string) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	c := 0
	for _, r := range n.calls {
		if r.Method == method {
			c++
		}
	}
	return c
}

func (n *fakeNode) last(method string) (jsonrpc.Request, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i := len(n.calls) - 1; i >= 0; i-- {
		if n.calls[i].Method == method {
			return n.calls[i], true
		}
	}
	return jsonrpc.Request{}, false
}

func newEngine(units ...engine.Middleware) *engine.Engine {
	return engine.New(engine.Config{Logger: testLogger()}, units...)
}

// testWallet signs with an in-memory key.
type testWallet struct {
	key *ecdsa.PrivateKey
}

func newTestWallet(t *testing.T) *testWallet {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return &testWallet{key: key}
}

func (w *testWallet) Address() common.Address {
	return crypto.PubkeyToAddress(w.key.PublicKey)
}

func (w *testWallet) SignTx(tx *types.Transaction, chainID *big.Int) (*types.Transaction, error) {
	return types.SignTx(tx, types.NewEIP155Signer(chainID), w.key)
}

func (w *testWallet) SignMessage(msg []byte) ([]byte, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg), w.key)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// signedRaw builds a raw signed transfer from w with nonce.
func signedRaw(t *testing.T, w *testWallet, nonce uint64, chainID int64) string {
	t.Helper()
	to := common.HexToAddress("0x2222222222222222222222222222222222222222")
	tx := types.NewTx(&types.LegacyTx{Nonce: nonce, To: &to, Value: big.NewInt(1), Gas: TransferGas, GasPrice: big.NewInt(1e9)})
	signed, err := w.SignTx(tx, big.NewInt(chainID))
	require.NoError(t, err)
	raw, err := signed.MarshalBinary()
	require.NoError(t, err)
	return jsonrpc.PrefixHex(common.Bytes2Hex(raw))
}
