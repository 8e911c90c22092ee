package ledger

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/indexer"
)

func TestNewNetwork_Validation(t *testing.T) {
	rpc := newFakeRPC()

	_, err := NewNetwork(NetworkConfig{Name: "mainnet"})
	assert.Error(t, err, "rpc is required")

	_, err = NewNetwork(NetworkConfig{Name: "nowhere", RPC: rpc})
	assert.Error(t, err, "unknown network without constants")

	_, err = NewNetwork(NetworkConfig{Name: "mainnet", RPC: rpc, GasPriority: "whenever"})
	assert.Error(t, err)

	n, err := NewNetwork(NetworkConfig{Name: "nowhere", RPC: rpc, Constants: &Constants{ChainID: 99}})
	require.NoError(t, err)
	assert.Equal(t, Constants{ChainID: 99, Curve: Curve}, n.Constants())

	n, err = NewNetwork(NetworkConfig{Name: "sepolia", RPC: rpc})
	require.NoError(t, err)
	assert.Equal(t, uint64(11155111), n.Constants().ChainID)
	assert.Equal(t, "sepolia", n.Name())
}

func TestGasPriority_Presets(t *testing.T) {
	want := map[GasPriority]int64{
		GasLow:        2e9,
		GasMediumLow:  5e9,
		GasMediumHigh: 10e9,
		GasHigh:       20e9,
		GasTop:        40e9,
	}
	for p, wei := range want {
		price, err := p.Price()
		require.NoError(t, err)
		assert.Equal(t, wei, price.Int64(), p)
	}

	price, err := GasPriority("").Price()
	assert.NoError(t, err)
	assert.Nil(t, price)
}

func TestNetwork_EngineUnitOrder(t *testing.T) {
	n, err := NewNetwork(NetworkConfig{Name: "goerli", RPC: newFakeRPC(), Logger: testLogger()})
	require.NoError(t, err)
	p, err := n.NewEngine(nil)
	require.NoError(t, err)
	defer p.Close()
	assert.Equal(t, []string{"fixture", "nonce", "sanitizer", "cache", "filter", "gasprice", "transport"}, p.Units())

	withAll, err := NewNetwork(NetworkConfig{Name: "goerli", RPC: newFakeRPC(), Finder: &recordingFinder{}, Logger: testLogger()})
	require.NoError(t, err)
	key, err := GenerateKey()
	require.NoError(t, err)
	w, err := KeyWalletFromBytes(key.Priv)
	require.NoError(t, err)
	p2, err := withAll.NewEngine(w)
	require.NoError(t, err)
	defer p2.Close()
	assert.Equal(t, []string{"fixture", "nonce", "sanitizer", "cache", "filter", "signer", "gasprice", "history", "transport"}, p2.Units())

	require.NoError(t, p2.Close())
	require.NoError(t, p2.Close(), "close is idempotent")
}

// chainRPC is a fake endpoint at height 100 that rejects the first raw
// submission as underpriced.
func chainRPC() (*fakeRPC, func() []*types.Transaction) {
	var mu sync.Mutex
	var sent []*types.Transaction
	rpc := newFakeRPC().
		on("eth_getBlockByNumber", func(args []interface{}) (any, error) {
			return map[string]any{"number": "0x64", "hash": "0xb100", "parentHash": "0xb099"}, nil
		}).
		on("eth_getTransactionCount", func(args []interface{}) (any, error) {
			return "0x3", nil
		}).
		on("eth_getBalance", func(args []interface{}) (any, error) {
			return "0x3e8", nil
		}).
		on("eth_sendRawTransaction", func(args []interface{}) (any, error) {
			b, err := hexutil.Decode(args[0].(string))
			if err != nil {
				return nil, err
			}
			var tx types.Transaction
			if err := tx.UnmarshalBinary(b); err != nil {
				return nil, err
			}
			mu.Lock()
			defer mu.Unlock()
			sent = append(sent, &tx)
			if len(sent) == 1 {
				return nil, &remoteError{code: -32000, msg: "transaction underpriced"}
			}
			return tx.Hash().Hex(), nil
		})
	return rpc, func() []*types.Transaction {
		mu.Lock()
		defer mu.Unlock()
		return append([]*types.Transaction(nil), sent...)
	}
}

func TestNetwork_TransactorEndToEnd(t *testing.T) {
	rpc, sent := chainRPC()
	n, err := NewNetwork(NetworkConfig{Name: "goerli", RPC: rpc, PollInterval: time.Hour, Logger: testLogger()})
	require.NoError(t, err)
	w, err := KeyWalletFromHex("0x0000000000000000000000000000000000000000000000000000000000000001")
	require.NoError(t, err)

	tr, err := n.CreateTransactor(w, TransactorConfig{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	res, err := tr.Send(ctx, SendRequest{
		To:       []Output{{Address: "2222222222222222222222222222222222222222", Amount: big.NewInt(5)}},
		GasPrice: big.NewInt(1e9),
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)

	txs := sent()
	require.Len(t, txs, 2)
	assert.Equal(t, int64(1e9), txs[0].GasPrice().Int64())
	assert.Equal(t, escalate(big.NewInt(1e9)), txs[1].GasPrice())
	assert.Equal(t, bareHex(txs[1].Hash().Hex()), res.TxID)
	for _, tx := range txs {
		assert.Equal(t, uint64(3), tx.Nonce(), "a rejected submission does not consume the nonce")
		assert.Equal(t, int64(5), tx.ChainId().Int64())
		assert.Equal(t, int64(5), tx.Value().Int64())
		from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(5)), tx)
		require.NoError(t, err)
		assert.Equal(t, w.Address(), from)
	}
	assert.Equal(t, 1, rpc.count("eth_getTransactionCount"), "the second attempt uses the tracked nonce")

	bal, err := tr.Balance(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), bal.Int64())
}

func TestNetwork_ReaderEndToEnd(t *testing.T) {
	rpc, _ := chainRPC()
	finder := &recordingFinder{records: map[string][]indexer.RawTransaction{
		"0xabc": {{BlockNumber: "80", Hash: "0x01", From: "0xabc", To: "0xdef"}},
	}}
	n, err := NewNetwork(NetworkConfig{Name: "goerli", RPC: rpc, Finder: finder, PollInterval: time.Hour, Logger: testLogger()})
	require.NoError(t, err)

	r, err := n.CreateBlockchainAPI()
	require.NoError(t, err)
	defer r.Close()
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	info, err := r.Info(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), info.BlockHeight)

	recs, err := r.AddressTransactions(ctx, []string{"0xabc"}, 50)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(20), recs[0].Confirmations)

	recs, err = r.AddressTransactions(ctx, []string{"0xabc"}, 101)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
