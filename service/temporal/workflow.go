package temporal

import (
	"fmt"
	"time"

	"github.com/brojonat/ethgate/service/db"

	temporalsdk "go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"
)

// SyncAddressWorkflowName is the registered name schedules start.
const SyncAddressWorkflowName = "SyncAddressWorkflow"

var a *Activities // for type-safe activity invocation

// SyncAddressWorkflow syncs one watched address's history into the database.
// It is triggered by a Temporal schedule at the watch's interval.
//
// The workflow performs these steps:
// 1. Read the watch's cursor (GetSyncCursor activity)
// 2. Fetch records above the cursor from the ledger (FetchHistory activity)
// 3. Write new records and publish them (WriteTransactions activity)
// 4. Move the cursor to the newest stored block (AdvanceCursor activity)
func SyncAddressWorkflow(ctx workflow.Context, input SyncAddressInput) (*SyncAddressResult, error) {
	logger := workflow.GetLogger(ctx)
	logger.Info("SyncAddressWorkflow started", "address", input.Address, "network", input.Network)

	result := &SyncAddressResult{
		Address:  input.Address,
		Network:  input.Network,
		SyncTime: workflow.Now(ctx),
	}

	ctx = workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: 120 * time.Second,
		RetryPolicy: &temporalsdk.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	fail := func(step string, err error) (*SyncAddressResult, error) {
		errMsg := fmt.Sprintf("failed to %s: %v", step, err)
		result.Error = &errMsg
		return result, fmt.Errorf("failed to %s: %w", step, err)
	}

	// Step 1: cursor
	var cursor *GetSyncCursorResult
	err := workflow.ExecuteActivity(ctx, a.GetSyncCursor, GetSyncCursorInput{
		Network: input.Network,
		Address: input.Address,
	}).Get(ctx, &cursor)
	if err != nil {
		return fail("get sync cursor", err)
	}
	if !cursor.Found {
		result.Unwatched = true
		return result, nil
	}
	result.CursorHeight = cursor.LastHeight
	if cursor.Status == db.WatchPaused {
		logger.Info("watch is paused", "address", input.Address)
		result.Paused = true
		return result, nil
	}

	// Step 2: fetch everything after the last stored block
	if cursor.LastHeight > 0 {
		result.FromHeight = uint64(cursor.LastHeight) + 1
	}
	var fetched *FetchHistoryResult
	err = workflow.ExecuteActivity(ctx, a.FetchHistory, FetchHistoryInput{
		Network:   input.Network,
		Address:   input.Address,
		MinHeight: result.FromHeight,
	}).Get(ctx, &fetched)
	if err != nil {
		return fail("fetch history", err)
	}
	result.ChainHeight = fetched.ChainHeight
	result.TransactionCount = len(fetched.Records)

	if len(fetched.Records) == 0 {
		logger.Info("no new transactions found", "address", input.Address)
		return result, nil
	}

	// Step 3: write and publish
	var written *WriteTransactionsResult
	err = workflow.ExecuteActivity(ctx, a.WriteTransactions, WriteTransactionsInput{
		Network: input.Network,
		Address: input.Address,
		Records: fetched.Records,
	}).Get(ctx, &written)
	if err != nil {
		return fail("write transactions", err)
	}
	result.Written = written.Written
	result.Skipped = written.Skipped

	// Step 4: cursor
	newest := int64(fetched.NewestHeight)
	if newest > cursor.LastHeight {
		err = workflow.ExecuteActivity(ctx, a.AdvanceCursor, AdvanceCursorInput{
			Network: input.Network,
			Address: input.Address,
			Height:  newest,
		}).Get(ctx, nil)
		if err != nil {
			return fail("advance cursor", err)
		}
		result.CursorHeight = newest
	}

	logger.Info("SyncAddressWorkflow completed successfully",
		"address", input.Address,
		"transaction_count", result.TransactionCount,
		"written", result.Written,
		"skipped", result.Skipped,
		"cursor_height", result.CursorHeight,
	)
	return result, nil
}
