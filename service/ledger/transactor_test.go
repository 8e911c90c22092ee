package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/engine"
	"github.com/brojonat/ethgate/service/jsonrpc"
)

const payee = "2222222222222222222222222222222222222222"

// sendNode answers eth_sendTransaction with reject until it returns nil.
func sendNode(reject func(attempt int) *jsonrpc.Error) *scriptedNode {
	var mu sync.Mutex
	attempt := 0
	return newScriptedNode().
		result("eth_getBlockByNumber", map[string]any{"number": "0x64", "hash": "0x64"}).
		result("eth_gasPrice", "0x3e8").
		on("eth_sendTransaction", func(req jsonrpc.Request) (any, *jsonrpc.Error) {
			mu.Lock()
			attempt++
			n := attempt
			mu.Unlock()
			if err := reject(n); err != nil {
				return nil, err
			}
			return "0xABCDEF", nil
		})
}

func newTestTransactor(t *testing.T, node *scriptedNode, cfg TransactorConfig) (*Transactor, *engine.Engine) {
	t.Helper()
	e := newChain(t, node)
	e.ObserveBlock(context.Background(), engine.Block{Height: 100})
	w, err := KeyWalletFromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)
	if cfg.ChainID == 0 {
		cfg.ChainID = 5
	}
	return NewTransactor(e, w, cfg, testLogger()), e
}

func sentGasPrices(t *testing.T, node *scriptedNode) []int64 {
	t.Helper()
	var prices []int64
	for _, req := range node.requests("eth_sendTransaction") {
		tx := req.Params[0].(map[string]any)
		p, err := jsonrpc.ParseBig(tx["gasPrice"])
		require.NoError(t, err)
		prices = append(prices, p.Int64())
	}
	return prices
}

func underpriced(int) *jsonrpc.Error {
	return &jsonrpc.Error{Code: -32000, Message: "replacement transaction underpriced"}
}

func TestTransactor_RejectsRecipientCount(t *testing.T) {
	node := sendNode(func(int) *jsonrpc.Error { return nil })
	tr, e := newTestTransactor(t, node, TransactorConfig{})

	for _, to := range [][]Output{nil, {{Address: payee}, {Address: payee}}} {
		_, err := tr.Send(context.Background(), SendRequest{To: to})
		assert.True(t, errors.Is(err, ErrUnsupportedRecipientCount))
	}
	assert.Empty(t, node.calls)
	assert.False(t, e.Running())
}

func TestTransactor_SendBuildsTransfer(t *testing.T) {
	node := sendNode(func(int) *jsonrpc.Error { return nil })
	tr, _ := newTestTransactor(t, node, TransactorConfig{})

	res, err := tr.Send(context.Background(), SendRequest{
		To:   []Output{{Address: payee, Amount: big.NewInt(100)}},
		Data: "cafe",
	})
	require.NoError(t, err)

	assert.Equal(t, "abcdef", res.TxID)
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, int64(1000), res.GasPrice.Int64())

	reqs := node.requests("eth_sendTransaction")
	require.Len(t, reqs, 1)
	assert.Equal(t, map[string]any{
		"from":     "0x7e5f4552091a69125d5dfcb7b8c2659029395bdf",
		"to":       "0x" + payee,
		"value":    "0x64",
		"gas":      "0x5208",
		"gasPrice": "0x3e8",
		"chainId":  "0x5",
		"data":     "0xcafe",
	}, reqs[0].Params[0])
}

func TestTransactor_EscalatesOnUnderpriced(t *testing.T) {
	node := sendNode(func(n int) *jsonrpc.Error {
		if n <= 2 {
			return underpriced(n)
		}
		return nil
	})
	tr, _ := newTestTransactor(t, node, TransactorConfig{})

	res, err := tr.Send(context.Background(), SendRequest{To: []Output{{Address: payee, Amount: big.NewInt(1)}}})
	require.NoError(t, err)

	assert.Equal(t, 3, res.Attempts)
	assert.Equal(t, []int64{1000, 1101, 1212}, sentGasPrices(t, node))
}

func TestTransactor_OtherFailuresAreNotRetried(t *testing.T) {
	node := sendNode(func(int) *jsonrpc.Error {
		return &jsonrpc.Error{Code: -32000, Message: "insufficient funds for gas * price + value"}
	})
	tr, _ := newTestTransactor(t, node, TransactorConfig{})

	_, err := tr.Send(context.Background(), SendRequest{To: []Output{{Address: payee}}, GasPrice: big.NewInt(500)})

	var rpcErr *jsonrpc.Error
	require.ErrorAs(t, err, &rpcErr)
	assert.False(t, IsUnderpriced(err))
	assert.Equal(t, 1, node.count("eth_sendTransaction"))
	assert.Equal(t, 0, node.count("eth_gasPrice"), "explicit price skips the lookup")
}

func TestTransactor_StopsAtMaxAttempts(t *testing.T) {
	node := sendNode(underpriced)
	tr, _ := newTestTransactor(t, node, TransactorConfig{MaxAttempts: 3})

	_, err := tr.Send(context.Background(), SendRequest{To: []Output{{Address: payee}}})

	assert.True(t, errors.Is(err, ErrUnderpriced))
	assert.Equal(t, 3, node.count("eth_sendTransaction"))
}

func TestTransactor_StopsAtPriceCeiling(t *testing.T) {
	node := sendNode(underpriced)
	tr, _ := newTestTransactor(t, node, TransactorConfig{MaxGasPrice: big.NewInt(1150)})

	_, err := tr.Send(context.Background(), SendRequest{To: []Output{{Address: payee}}})

	assert.True(t, errors.Is(err, ErrUnderpriced))
	assert.Equal(t, []int64{1000, 1101}, sentGasPrices(t, node))
}

func TestTransactor_GasPriceMemo(t *testing.T) {
	node := sendNode(func(int) *jsonrpc.Error { return nil })
	tr, _ := newTestTransactor(t, node, TransactorConfig{})
	now := time.Unix(1_700_000_000, 0)
	tr.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		p, err := tr.suggestedGasPrice(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1000), p.Int64())
	}
	assert.Equal(t, 1, node.count("eth_gasPrice"))

	now = now.Add(GasPriceTTL)
	_, err := tr.suggestedGasPrice(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, node.count("eth_gasPrice"))
}

func TestTransactor_GasPriceRefreshesCoalesce(t *testing.T) {
	release := make(chan struct{})
	node := newScriptedNode().on("eth_gasPrice", func(jsonrpc.Request) (any, *jsonrpc.Error) {
		<-release
		return "0x7", nil
	})
	tr, _ := newTestTransactor(t, node, TransactorConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p, err := tr.suggestedGasPrice(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, int64(7), p.Int64())
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, 1, node.count("eth_gasPrice"))
}

func TestTransactor_GasPriceSurvivesFirstCallerCancel(t *testing.T) {
	release := make(chan struct{})
	node := newScriptedNode().on("eth_gasPrice", func(jsonrpc.Request) (any, *jsonrpc.Error) {
		<-release
		return "0x9", nil
	})
	tr, _ := newTestTransactor(t, node, TransactorConfig{})

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	firstDone := make(chan error, 1)
	go func() {
		_, err := tr.suggestedGasPrice(firstCtx)
		firstDone <- err
	}()
	require.Eventually(t, func() bool { return node.count("eth_gasPrice") == 1 }, time.Second, 5*time.Millisecond)

	type result struct {
		price *big.Int
		err   error
	}
	secondDone := make(chan result, 1)
	go func() {
		p, err := tr.suggestedGasPrice(context.Background())
		secondDone <- result{p, err}
	}()

	cancelFirst()
	assert.ErrorIs(t, <-firstDone, context.Canceled)

	close(release)
	r := <-secondDone
	require.NoError(t, r.err)
	assert.Equal(t, int64(9), r.price.Int64())
	assert.Equal(t, 1, node.count("eth_gasPrice"))

	p, ok := tr.cachedGasPrice()
	require.True(t, ok)
	assert.Equal(t, int64(9), p.Int64())
}

func TestTransactor_Balance(t *testing.T) {
	node := newScriptedNode().result("eth_getBalance", "0xde0b6b3a7640000")
	tr, _ := newTestTransactor(t, node, TransactorConfig{})

	bal, err := tr.Balance(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "1000000000000000000", bal.String())
	req := node.requests("eth_getBalance")[0]
	assert.Equal(t, []any{"0x7e5f4552091a69125d5dfcb7b8c2659029395bdf", "latest"}, req.Params)
}

func TestEscalate(t *testing.T) {
	price := big.NewInt(0)
	for i := 0; i < 5; i++ {
		next := escalate(price)
		assert.Equal(t, 1, next.Cmp(price))
		price = next
	}
	assert.Equal(t, int64(1101), escalate(big.NewInt(1000)).Int64())
}

func TestIsUnderpriced(t *testing.T) {
	assert.True(t, IsUnderpriced(&jsonrpc.Error{Message: "transaction underpriced"}))
	assert.True(t, IsUnderpriced(errors.New("Replacement Transaction Underpriced")))
	assert.True(t, IsUnderpriced(ErrUnderpriced))
	assert.False(t, IsUnderpriced(errors.New("nonce too low")))
	assert.False(t, IsUnderpriced(nil))
}
