package temporal

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/ledger"
	natspkg "github.com/brojonat/ethgate/service/nats"
)

const testAddress = "7e5f4552091a69125d5dfcb7b8c2659029395bdf"

// Mock Store
type MockStore struct {
	mock.Mock
}

func (m *MockStore) GetWatch(ctx context.Context, network, address string) (*db.Watch, error) {
	args := m.Called(ctx, network, address)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Watch), args.Error(1)
}

func (m *MockStore) UpsertTransactions(ctx context.Context, params []db.CreateTransactionParams) ([]*db.Transaction, error) {
	args := m.Called(ctx, params)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*db.Transaction), args.Error(1)
}

func (m *MockStore) AdvanceCursor(ctx context.Context, network, address string, height int64, syncedAt time.Time) (*db.Watch, error) {
	args := m.Called(ctx, network, address, height, syncedAt)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*db.Watch), args.Error(1)
}

// Mock history source
type MockHistory struct {
	mock.Mock
}

func (m *MockHistory) Network() string { return "sepolia" }

func (m *MockHistory) ChainHeight() uint64 { return 500 }

func (m *MockHistory) AddressTransactions(ctx context.Context, addresses []string, minHeight uint64) ([]ledger.TransactionRecord, error) {
	args := m.Called(ctx, addresses, minHeight)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]ledger.TransactionRecord), args.Error(1)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func record(id string, height uint64) ledger.TransactionRecord {
	return ledger.TransactionRecord{
		BlockHeight: height,
		TxID:        id,
		From:        ledger.Addresses{Addresses: []string{testAddress}},
		To:          ledger.Addresses{Addresses: []string{"2222222222222222222222222222222222222222"}},
		Value:       "1000",
		Timestamp:   1_700_000_000,
	}
}

func TestActivities_GetSyncCursor(t *testing.T) {
	t.Run("watched address", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetWatch", mock.Anything, "sepolia", testAddress).Return(&db.Watch{LastHeight: 120, Status: db.WatchActive}, nil)
		acts := NewActivities(store, new(MockHistory), nil, nil, testLogger())

		res, err := acts.GetSyncCursor(context.Background(), GetSyncCursorInput{Network: "sepolia", Address: testAddress})
		require.NoError(t, err)
		assert.True(t, res.Found)
		assert.Equal(t, int64(120), res.LastHeight)
		assert.Equal(t, db.WatchActive, res.Status)
	})

	t.Run("unwatched address", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetWatch", mock.Anything, "sepolia", testAddress).Return(nil, db.ErrNotFound)
		acts := NewActivities(store, new(MockHistory), nil, nil, testLogger())

		res, err := acts.GetSyncCursor(context.Background(), GetSyncCursorInput{Network: "sepolia", Address: testAddress})
		require.NoError(t, err)
		assert.False(t, res.Found)
	})

	t.Run("database error", func(t *testing.T) {
		store := new(MockStore)
		store.On("GetWatch", mock.Anything, "sepolia", testAddress).Return(nil, errors.New("connection refused"))
		acts := NewActivities(store, new(MockHistory), nil, nil, testLogger())

		_, err := acts.GetSyncCursor(context.Background(), GetSyncCursorInput{Network: "sepolia", Address: testAddress})
		assert.Error(t, err)
	})
}

func TestActivities_FetchHistory(t *testing.T) {
	history := new(MockHistory)
	history.On("AddressTransactions", mock.Anything, []string{testAddress}, uint64(121)).
		Return([]ledger.TransactionRecord{record("aa", 130), record("bb", 125)}, nil)
	acts := NewActivities(new(MockStore), history, nil, nil, testLogger())

	res, err := acts.FetchHistory(context.Background(), FetchHistoryInput{Network: "sepolia", Address: testAddress, MinHeight: 121})
	require.NoError(t, err)
	assert.Len(t, res.Records, 2)
	assert.Equal(t, uint64(130), res.NewestHeight)
	assert.Equal(t, uint64(500), res.ChainHeight)
	history.AssertExpectations(t)

	_, err = acts.FetchHistory(context.Background(), FetchHistoryInput{Network: "mainnet", Address: testAddress})
	assert.ErrorContains(t, err, "invalid network")

	failing := new(MockHistory)
	failing.On("AddressTransactions", mock.Anything, mock.Anything, mock.Anything).Return(nil, errors.New("indexer down"))
	acts = NewActivities(new(MockStore), failing, nil, nil, testLogger())
	_, err = acts.FetchHistory(context.Background(), FetchHistoryInput{Network: "sepolia", Address: testAddress})
	assert.ErrorContains(t, err, "indexer down")
}

func TestActivities_WriteTransactions(t *testing.T) {
	store := new(MockStore)
	store.On("UpsertTransactions", mock.Anything, mock.MatchedBy(func(p []db.CreateTransactionParams) bool {
		return len(p) == 2 &&
			p[0].TxID == "aa" && p[0].Address == testAddress && p[0].Network == "sepolia" &&
			p[0].From == testAddress && p[0].BlockHeight == 130 &&
			p[0].BlockTime != nil && p[0].BlockTime.Equal(time.Unix(1_700_000_000, 0))
	})).Return([]*db.Transaction{{TxID: "aa", Address: testAddress, Network: "sepolia"}}, nil)

	pub := natspkg.NewMockPublisher()
	acts := NewActivities(store, new(MockHistory), pub, nil, testLogger())

	res, err := acts.WriteTransactions(context.Background(), WriteTransactionsInput{
		Network: "sepolia",
		Address: testAddress,
		Records: []ledger.TransactionRecord{record("aa", 130), record("bb", 125)},
	})
	require.NoError(t, err)
	assert.Equal(t, &WriteTransactionsResult{Written: 1, Skipped: 1}, res)

	events := pub.Transactions()
	require.Len(t, events, 1, "only new rows are published")
	assert.Equal(t, "aa", events[0].TxID)
	store.AssertExpectations(t)
}

func TestActivities_WriteTransactions_PublishFailureIsTolerated(t *testing.T) {
	store := new(MockStore)
	store.On("UpsertTransactions", mock.Anything, mock.Anything).
		Return([]*db.Transaction{{TxID: "aa", Address: testAddress}}, nil)
	pub := natspkg.NewMockPublisher()
	pub.FailBatchWith(errors.New("nats down"))
	acts := NewActivities(store, new(MockHistory), pub, nil, testLogger())

	res, err := acts.WriteTransactions(context.Background(), WriteTransactionsInput{
		Network: "sepolia",
		Address: testAddress,
		Records: []ledger.TransactionRecord{record("aa", 130)},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Written)
}

func TestActivities_WriteTransactions_DatabaseError(t *testing.T) {
	store := new(MockStore)
	store.On("UpsertTransactions", mock.Anything, mock.Anything).Return(nil, errors.New("disk full"))
	acts := NewActivities(store, new(MockHistory), nil, nil, testLogger())

	_, err := acts.WriteTransactions(context.Background(), WriteTransactionsInput{
		Network: "sepolia",
		Address: testAddress,
		Records: []ledger.TransactionRecord{record("aa", 130)},
	})
	assert.ErrorContains(t, err, "disk full")
}

func TestActivities_AdvanceCursor(t *testing.T) {
	store := new(MockStore)
	store.On("AdvanceCursor", mock.Anything, "sepolia", testAddress, int64(130), mock.Anything).
		Return(&db.Watch{LastHeight: 130}, nil).Once()
	store.On("AdvanceCursor", mock.Anything, "sepolia", "gone", mock.Anything, mock.Anything).
		Return(nil, db.ErrNotFound)
	acts := NewActivities(store, new(MockHistory), nil, nil, testLogger())

	require.NoError(t, acts.AdvanceCursor(context.Background(), AdvanceCursorInput{Network: "sepolia", Address: testAddress, Height: 130}))
	assert.NoError(t, acts.AdvanceCursor(context.Background(), AdvanceCursorInput{Network: "sepolia", Address: "gone", Height: 1}),
		"a watch removed mid-sync is not an error")
	store.AssertExpectations(t)
}

func TestMockScheduler(t *testing.T) {
	s := NewMockScheduler()
	ctx := context.Background()

	require.NoError(t, s.UpsertWatchSchedule(ctx, "sepolia", testAddress, time.Minute))
	require.NoError(t, s.UpsertWatchSchedule(ctx, "sepolia", testAddress, 2*time.Minute))
	interval, ok := s.Interval("sepolia", testAddress)
	assert.True(t, ok)
	assert.Equal(t, 2*time.Minute, interval)

	s.Fail("delete", errors.New("unavailable"))
	assert.Error(t, s.DeleteWatchSchedule(ctx, "sepolia", testAddress))
	s.Fail("delete", nil)

	require.NoError(t, s.DeleteWatchSchedule(ctx, "sepolia", testAddress))
	_, ok = s.Interval("sepolia", testAddress)
	assert.False(t, ok)
	assert.Error(t, s.DeleteWatchSchedule(ctx, "sepolia", testAddress))
	assert.Len(t, s.Calls(), 5)

	assert.Equal(t, "sync-address-sepolia-"+testAddress, ScheduleID("sepolia", testAddress))
}
