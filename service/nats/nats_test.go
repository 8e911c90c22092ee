package nats

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/engine"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFromDBTransaction(t *testing.T) {
	blockTime := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	event := FromDBTransaction(&db.Transaction{
		Network:     "sepolia",
		Address:     "abc",
		TxID:        "ff01",
		BlockHeight: 42,
		From:        "abc",
		To:          []string{"def"},
		Value:       "1000",
		BlockTime:   &blockTime,
	})

	assert.Equal(t, "ff01", event.TxID)
	assert.Equal(t, int64(42), event.BlockHeight)
	assert.Equal(t, []string{"def"}, event.To)
	assert.Equal(t, &blockTime, event.BlockTime)
	assert.WithinDuration(t, time.Now(), event.PublishedAt, 5*time.Second)
	assert.Equal(t, "txns.abc", TransactionSubject(event.Address))
}

func TestBlockRelay_PublishesUntilCancelled(t *testing.T) {
	pub := NewMockPublisher()
	b := engine.NewBroadcaster(testLogger())
	sub := b.Subscribe(4)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewBlockRelay("goerli", pub, testLogger()).Run(ctx, sub)
		close(done)
	}()

	b.Publish(engine.Block{Height: 1, Hash: "0x01"})
	b.Publish(engine.Block{Height: 2, Hash: "0x02", ParentHash: "0x01"})

	require.Eventually(t, func() bool { return len(pub.Blocks()) == 2 }, time.Second, 5*time.Millisecond)
	blocks := pub.Blocks()
	assert.Equal(t, "goerli", blocks[0].Network)
	assert.Equal(t, uint64(2), blocks[1].Height)
	assert.Equal(t, "0x01", blocks[1].ParentHash)
	assert.Equal(t, "blocks.goerli", BlockSubject(blocks[0].Network))

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop")
	}
	assert.Equal(t, 0, b.Len(), "relay unsubscribes on exit")
}

func TestBlockRelay_PublishErrorsDoNotStopRelay(t *testing.T) {
	pub := NewMockPublisher()
	pub.FailWith(errors.New("nats down"))
	b := engine.NewBroadcaster(testLogger())
	sub := b.Subscribe(4)

	done := make(chan struct{})
	go func() {
		NewBlockRelay("goerli", pub, testLogger()).Run(context.Background(), sub)
		close(done)
	}()

	b.Publish(engine.Block{Height: 1})
	require.Eventually(t, func() bool { return len(sub.C) == 0 }, time.Second, 5*time.Millisecond)
	pub.FailWith(nil)
	b.Publish(engine.Block{Height: 2})
	require.Eventually(t, func() bool {
		for _, blk := range pub.Blocks() {
			if blk.Height == 2 {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)

	sub.Unsubscribe()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("relay did not stop after the subscription closed")
	}
}

func TestMockPublisher(t *testing.T) {
	pub := NewMockPublisher()
	ctx := context.Background()

	require.NoError(t, pub.PublishTransaction(ctx, &TransactionEvent{TxID: "1", Address: "a"}))
	require.NoError(t, pub.PublishBlock(ctx, &BlockEvent{Network: "goerli", Height: 9}))
	require.NoError(t, pub.PublishTransactionBatch(ctx, []*TransactionEvent{{TxID: "2", Address: "b"}, {TxID: "3", Address: "a"}}))

	subjects := make([]string, 0)
	for _, msg := range pub.Messages() {
		subjects = append(subjects, msg.Subject)
	}
	assert.Equal(t, []string{"txns.a", "blocks.goerli", "txns.b", "txns.a"}, subjects)
	assert.Len(t, pub.Transactions(), 3)
	assert.Len(t, pub.Transactions("a"), 2)
	assert.Len(t, pub.Blocks(), 1)

	pub.FailBatchWith(errors.New("boom"))
	assert.Error(t, pub.PublishTransactionBatch(ctx, []*TransactionEvent{{TxID: "4", Address: "a"}}))
	assert.Len(t, pub.Transactions(), 3, "a failed batch records nothing")

	require.NoError(t, pub.Close())
	assert.True(t, pub.Closed())
}
