package ledger

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

func newTestReader(t *testing.T, node *scriptedNode) (*Reader, *engine.Engine) {
	t.Helper()
	e := newChain(t, node)
	return NewReader("goerli", Networks["goerli"], e, testLogger()), e
}

func TestReader_CallsWaitForFirstBlock(t *testing.T) {
	r, e := newTestReader(t, newScriptedNode())
	ctx := context.Background()

	done := make(chan Info, 1)
	go func() {
		info, err := r.Info(ctx)
		assert.NoError(t, err)
		done <- info
	}()

	select {
	case <-done:
		t.Fatal("Info answered before any block was observed")
	case <-time.After(30 * time.Millisecond):
	}
	assert.False(t, r.Ready())

	e.ObserveBlock(ctx, engine.Block{Height: 42})

	select {
	case info := <-done:
		assert.Equal(t, Info{Blockchain: "ethereum", Network: "goerli", ChainID: 5, BlockHeight: 42}, info)
	case <-time.After(time.Second):
		t.Fatal("Info not released by the first block")
	}

	// later calls are answered straight away
	b, err := r.LatestBlock(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), b.Height)
}

func TestReader_GatedCallHonoursContext(t *testing.T) {
	r, _ := newTestReader(t, newScriptedNode())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := r.Balance(ctx, "0xabc")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReader_TransactionsPreserveOrder(t *testing.T) {
	node := newScriptedNode().on("eth_getTransactionByHash", func(req jsonrpc.Request) (any, *jsonrpc.Error) {
		hash, _ := req.StringParam(0)
		if hash == "0xdead" {
			return nil, nil
		}
		return map[string]any{"hash": hash}, nil
	})
	r, e := newTestReader(t, node)
	ctx := context.Background()
	e.ObserveBlock(ctx, engine.Block{Height: 1})

	ids := []string{"0x01", "02", "0xdead", "0x04", "0x05"}
	txs, err := r.Transactions(ctx, ids)
	require.NoError(t, err)

	require.Len(t, txs, len(ids))
	for i, want := range []string{"0x01", "0x02", "", "0x04", "0x05"} {
		if want == "" {
			assert.JSONEq(t, `null`, string(txs[i]))
			continue
		}
		var tx struct{ Hash string }
		require.NoError(t, json.Unmarshal(txs[i], &tx))
		assert.Equal(t, want, tx.Hash)
	}
}

func TestReader_PropagateAndBalance(t *testing.T) {
	node := newScriptedNode().
		result("eth_sendRawTransaction", "0xABC123").
		result("eth_getBalance", "0x2a")
	r, e := newTestReader(t, node)
	ctx := context.Background()
	e.ObserveBlock(ctx, engine.Block{Height: 1})

	id, err := r.Propagate(ctx, "f86b01")
	require.NoError(t, err)
	assert.Equal(t, "abc123", id)
	assert.Equal(t, []any{"0xf86b01"}, node.requests("eth_sendRawTransaction")[0].Params)

	bal, err := r.Balance(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, int64(42), bal.Int64())
	assert.Equal(t, []any{"0xabc", "latest"}, node.requests("eth_getBalance")[0].Params)
}

func TestReader_ProtocolErrorsSurface(t *testing.T) {
	node := newScriptedNode().on("eth_sendRawTransaction", func(jsonrpc.Request) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: -32000, Message: "nonce too low"}
	})
	r, e := newTestReader(t, node)
	ctx := context.Background()
	e.ObserveBlock(ctx, engine.Block{Height: 1})

	_, err := r.Propagate(ctx, "0x00")

	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.Equal(t, "nonce too low", rpcErr.Message)
}

func TestReader_Blocks(t *testing.T) {
	r, e := newTestReader(t, newScriptedNode())
	sub := r.Blocks(4)
	defer sub.Unsubscribe()

	e.ObserveBlock(context.Background(), engine.Block{Height: 7, Hash: "0x07"})

	select {
	case b := <-sub.C:
		assert.Equal(t, uint64(7), b.Height)
	case <-time.After(time.Second):
		t.Fatal("no block event")
	}
}
