package db

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAddress = "7e5f4552091a69125d5dfcb7b8c2659029395bdf"

func txParams(id string, height int64) CreateTransactionParams {
	return CreateTransactionParams{
		Network:     "sepolia",
		Address:     testAddress,
		TxID:        id,
		BlockHeight: height,
		From:        testAddress,
		To:          []string{"2222222222222222222222222222222222222222"},
		Value:       "1000",
	}
}

func TestUpsertTransactions(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	blockTime := time.Now().UTC().Truncate(time.Second)

	first := txParams("aa01", 10)
	first.BlockTime = &blockTime
	inserted, err := store.UpsertTransactions(ctx, []CreateTransactionParams{first, txParams("aa02", 11)})
	require.NoError(t, err)
	assert.Len(t, inserted, 2)

	t.Run("existing records are skipped", func(t *testing.T) {
		inserted, err := store.UpsertTransactions(ctx, []CreateTransactionParams{txParams("aa02", 11), txParams("aa03", 12)})
		require.NoError(t, err)
		require.Len(t, inserted, 1)
		assert.Equal(t, "aa03", inserted[0].TxID)
	})

	t.Run("get stored record", func(t *testing.T) {
		txn, err := store.GetTransaction(ctx, "sepolia", testAddress, "aa01")
		require.NoError(t, err)
		assert.Equal(t, int64(10), txn.BlockHeight)
		assert.Equal(t, []string{"2222222222222222222222222222222222222222"}, txn.To)
		assert.Equal(t, "1000", txn.Value)
		require.NotNil(t, txn.BlockTime)
		assert.WithinDuration(t, blockTime, *txn.BlockTime, time.Second)
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := store.GetTransaction(ctx, "sepolia", testAddress, "ffff")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("empty batch", func(t *testing.T) {
		inserted, err := store.UpsertTransactions(ctx, nil)
		require.NoError(t, err)
		assert.Empty(t, inserted)
	})
}

func TestListTransactions(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	var params []CreateTransactionParams
	for i := int64(1); i <= 5; i++ {
		params = append(params, txParams(fmt.Sprintf("ab%02d", i), i*10))
	}
	other := txParams("cc01", 30)
	other.Network = "mainnet"
	params = append(params, other)
	_, err := store.UpsertTransactions(ctx, params)
	require.NoError(t, err)

	txns, err := store.ListTransactions(ctx, ListTransactionsParams{Network: "sepolia", Address: testAddress, Limit: 2})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(50), txns[0].BlockHeight, "newest first")
	assert.Equal(t, int64(40), txns[1].BlockHeight)

	txns, err = store.ListTransactions(ctx, ListTransactionsParams{Network: "sepolia", Address: testAddress, Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, txns, 2)
	assert.Equal(t, int64(30), txns[0].BlockHeight)

	txns, err = store.ListTransactions(ctx, ListTransactionsParams{Network: "sepolia", Address: testAddress, MinHeight: 35})
	require.NoError(t, err)
	assert.Len(t, txns, 2)

	count, err := store.CountTransactions(ctx, "sepolia", testAddress)
	require.NoError(t, err)
	assert.Equal(t, int64(5), count)
}

func TestWatches(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()

	w, err := store.CreateWatch(ctx, CreateWatchParams{Network: "sepolia", Address: testAddress, SyncInterval: time.Minute, StartHeight: 100})
	require.NoError(t, err)
	assert.Equal(t, time.Minute, w.SyncInterval)
	assert.Equal(t, int64(100), w.LastHeight)
	assert.Equal(t, "active", w.Status)
	assert.Nil(t, w.LastSyncTime)

	t.Run("cursor only moves forward", func(t *testing.T) {
		now := time.Now().UTC()
		w, err := store.AdvanceCursor(ctx, "sepolia", testAddress, 150, now)
		require.NoError(t, err)
		assert.Equal(t, int64(150), w.LastHeight)
		require.NotNil(t, w.LastSyncTime)

		w, err = store.AdvanceCursor(ctx, "sepolia", testAddress, 120, now)
		require.NoError(t, err)
		assert.Equal(t, int64(150), w.LastHeight)
	})

	t.Run("re-registering keeps the cursor", func(t *testing.T) {
		require.NoError(t, store.UpdateWatchStatus(ctx, "sepolia", testAddress, "paused"))
		w, err := store.CreateWatch(ctx, CreateWatchParams{Network: "sepolia", Address: testAddress, SyncInterval: 2 * time.Minute})
		require.NoError(t, err)
		assert.Equal(t, int64(150), w.LastHeight)
		assert.Equal(t, 2*time.Minute, w.SyncInterval)
		assert.Equal(t, "active", w.Status)
	})

	t.Run("list and delete", func(t *testing.T) {
		watches, err := store.ListWatches(ctx, "sepolia")
		require.NoError(t, err)
		assert.Len(t, watches, 1)

		require.NoError(t, store.DeleteWatch(ctx, "sepolia", testAddress))
		_, err = store.GetWatch(ctx, "sepolia", testAddress)
		assert.ErrorIs(t, err, ErrNotFound)
		assert.ErrorIs(t, store.DeleteWatch(ctx, "sepolia", testAddress), ErrNotFound)
	})

	t.Run("advancing a missing watch", func(t *testing.T) {
		_, err := store.AdvanceCursor(ctx, "sepolia", "ffff", 1, time.Now())
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestDeleteTransactionsOlderThan(t *testing.T) {
	store := NewTestStore(t)

	ctx := context.Background()
	_, err := store.UpsertTransactions(ctx, []CreateTransactionParams{txParams("dd01", 1), txParams("dd02", 2)})
	require.NoError(t, err)
	store.Backdate(t, "dd01", time.Now().Add(-48*time.Hour))

	n, err := store.DeleteTransactionsOlderThan(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetTransaction(ctx, "sepolia", testAddress, "dd01")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.GetTransaction(ctx, "sepolia", testAddress, "dd02")
	assert.NoError(t, err)

	n, err = store.DeleteTransactionsOlderThan(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestIntervalConversion(t *testing.T) {
	for _, d := range []time.Duration{0, 15 * time.Second, time.Minute, 36 * time.Hour} {
		assert.Equal(t, d, durationFromPgInterval(pgIntervalFromDuration(d)))
	}
	assert.Nil(t, timePtrFromPgTimestamptz(timestamptzFromTimePtr(nil)))
}
