package temporal

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.temporal.io/sdk/testsuite"

	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/ledger"
)

func newWorkflowEnv() (*testsuite.TestWorkflowEnvironment, *Activities) {
	testSuite := &testsuite.WorkflowTestSuite{}
	env := testSuite.NewTestWorkflowEnvironment()

	// Activities are registered before they are mocked
	activities := &Activities{}
	register(env, activities)
	return env, activities
}

func TestSyncAddressWorkflow(t *testing.T) {
	input := SyncAddressInput{Network: "sepolia", Address: testAddress}

	t.Run("syncs new records and advances the cursor", func(t *testing.T) {
		env, acts := newWorkflowEnv()
		env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
			Return(&GetSyncCursorResult{Found: true, LastHeight: 120}, nil)
		env.OnActivity(acts.FetchHistory, mock.Anything, FetchHistoryInput{Network: "sepolia", Address: testAddress, MinHeight: 121}).
			Return(&FetchHistoryResult{
				Records:      []ledger.TransactionRecord{record("aa", 130), record("bb", 125)},
				ChainHeight:  140,
				NewestHeight: 130,
			}, nil)
		env.OnActivity(acts.WriteTransactions, mock.Anything, mock.Anything).
			Return(&WriteTransactionsResult{Written: 2}, nil)
		env.OnActivity(acts.AdvanceCursor, mock.Anything, AdvanceCursorInput{Network: "sepolia", Address: testAddress, Height: 130}).
			Return(nil)

		env.ExecuteWorkflow(SyncAddressWorkflow, input)
		require.NoError(t, env.GetWorkflowError())

		var result SyncAddressResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, uint64(121), result.FromHeight)
		assert.Equal(t, uint64(140), result.ChainHeight)
		assert.Equal(t, 2, result.TransactionCount)
		assert.Equal(t, 2, result.Written)
		assert.Equal(t, int64(130), result.CursorHeight)
		assert.Nil(t, result.Error)
		env.AssertExpectations(t)
	})

	t.Run("first sync starts from genesis", func(t *testing.T) {
		env, acts := newWorkflowEnv()
		env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
			Return(&GetSyncCursorResult{Found: true}, nil)
		env.OnActivity(acts.FetchHistory, mock.Anything, FetchHistoryInput{Network: "sepolia", Address: testAddress, MinHeight: 0}).
			Return(&FetchHistoryResult{ChainHeight: 140}, nil)

		env.ExecuteWorkflow(SyncAddressWorkflow, input)
		require.NoError(t, env.GetWorkflowError())

		var result SyncAddressResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.Equal(t, 0, result.TransactionCount)
		assert.Equal(t, int64(0), result.CursorHeight)
	})

	t.Run("unwatched address ends early", func(t *testing.T) {
		env, acts := newWorkflowEnv()
		env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
			Return(&GetSyncCursorResult{Found: false}, nil)

		env.ExecuteWorkflow(SyncAddressWorkflow, input)
		require.NoError(t, env.GetWorkflowError())

		var result SyncAddressResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Unwatched)
	})

	t.Run("paused watch is skipped", func(t *testing.T) {
		env, acts := newWorkflowEnv()
		env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
			Return(&GetSyncCursorResult{Found: true, Status: db.WatchPaused, LastHeight: 50}, nil)

		env.ExecuteWorkflow(SyncAddressWorkflow, input)
		require.NoError(t, env.GetWorkflowError())

		var result SyncAddressResult
		require.NoError(t, env.GetWorkflowResult(&result))
		assert.True(t, result.Paused)
		assert.Equal(t, int64(50), result.CursorHeight)
	})

	t.Run("fetch failure fails the run", func(t *testing.T) {
		env, acts := newWorkflowEnv()
		env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
			Return(&GetSyncCursorResult{Found: true, LastHeight: 10}, nil)
		env.OnActivity(acts.FetchHistory, mock.Anything, mock.Anything).
			Return(nil, errors.New("indexer down"))

		env.ExecuteWorkflow(SyncAddressWorkflow, input)
		assert.Error(t, env.GetWorkflowError())
	})

	t.Run("write failure leaves the cursor alone", func(t *testing.T) {
		env, acts := newWorkflowEnv()
		env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
			Return(&GetSyncCursorResult{Found: true, LastHeight: 10}, nil)
		env.OnActivity(acts.FetchHistory, mock.Anything, mock.Anything).
			Return(&FetchHistoryResult{Records: []ledger.TransactionRecord{record("aa", 20)}, NewestHeight: 20}, nil)
		env.OnActivity(acts.WriteTransactions, mock.Anything, mock.Anything).
			Return(nil, errors.New("database error"))

		env.ExecuteWorkflow(SyncAddressWorkflow, input)
		assert.Error(t, env.GetWorkflowError())
	})
}

func TestSyncAddressWorkflow_ActivityRetries(t *testing.T) {
	env, acts := newWorkflowEnv()

	env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
		Return(&GetSyncCursorResult{Found: true, LastHeight: 10}, nil)

	// Fail twice then succeed
	callCount := 0
	env.OnActivity(acts.FetchHistory, mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		callCount++
		if callCount < 3 {
			panic("transient error") // Temporal retries on panics
		}
	}).Return(&FetchHistoryResult{ChainHeight: 50}, nil)

	env.ExecuteWorkflow(SyncAddressWorkflow, SyncAddressInput{Network: "sepolia", Address: testAddress})

	assert.NoError(t, env.GetWorkflowError())
	assert.Equal(t, 3, callCount)
}

func TestSyncAddressWorkflow_CompletesWithoutTimers(t *testing.T) {
	env, acts := newWorkflowEnv()
	startTime := env.Now()

	env.OnActivity(acts.GetSyncCursor, mock.Anything, mock.Anything).
		Return(&GetSyncCursorResult{Found: true}, nil)
	env.OnActivity(acts.FetchHistory, mock.Anything, mock.Anything).
		Return(&FetchHistoryResult{}, nil)

	env.ExecuteWorkflow(SyncAddressWorkflow, SyncAddressInput{Network: "sepolia", Address: testAddress})

	assert.Less(t, env.Now().Sub(startTime), 30*time.Second)
	assert.NoError(t, env.GetWorkflowError())
}
