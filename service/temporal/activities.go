package temporal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brojonat/ethgate/service/db"
	"github.com/brojonat/ethgate/service/ledger"
	"github.com/brojonat/ethgate/service/metrics"
	natspkg "github.com/brojonat/ethgate/service/nats"
)

// SyncAddressInput identifies the watched address to sync.
type SyncAddressInput struct {
	Network string `json:"network"`
	Address string `json:"address"` // lowercase, without 0x
}

// SyncAddressResult contains the result of one sync run.
type SyncAddressResult struct {
	Address          string    `json:"address"`
	Network          string    `json:"network"`
	FromHeight       uint64    `json:"from_height"`
	ChainHeight      uint64    `json:"chain_height"`
	TransactionCount int       `json:"transaction_count"`
	Written          int       `json:"written"`
	Skipped          int       `json:"skipped"`
	CursorHeight     int64     `json:"cursor_height"`
	SyncTime         time.Time `json:"sync_time"`
	Unwatched        bool      `json:"unwatched,omitempty"`
	Paused           bool      `json:"paused,omitempty"`
	Error            *string   `json:"error,omitempty"`
}

// GetSyncCursorInput contains parameters for the GetSyncCursor activity.
type GetSyncCursorInput struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

// GetSyncCursorResult reports the highest stored block of a watch. Found is
// false when the address is no longer watched.
type GetSyncCursorResult struct {
	Found      bool   `json:"found"`
	Status     string `json:"status,omitempty"`
	LastHeight int64  `json:"last_height"`
}

// FetchHistoryInput contains parameters for the FetchHistory activity.
type FetchHistoryInput struct {
	Network   string `json:"network"`
	Address   string `json:"address"`
	MinHeight uint64 `json:"min_height"`
}

// FetchHistoryResult contains the records found at or above MinHeight.
type FetchHistoryResult struct {
	Records      []ledger.TransactionRecord `json:"records"`
	ChainHeight  uint64                     `json:"chain_height"`
	NewestHeight uint64                     `json:"newest_height"`
}

// WriteTransactionsInput contains parameters for the WriteTransactions activity.
type WriteTransactionsInput struct {
	Network string                     `json:"network"`
	Address string                     `json:"address"`
	Records []ledger.TransactionRecord `json:"records"`
}

// WriteTransactionsResult contains the result of writing transactions.
type WriteTransactionsResult struct {
	Written int `json:"written"`
	Skipped int `json:"skipped"` // Already existed in DB
}

// AdvanceCursorInput contains parameters for the AdvanceCursor activity.
type AdvanceCursorInput struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Height  int64  `json:"height"`
}

// StoreInterface defines the database operations needed by activities.
// This allows for easy mocking in tests.
type StoreInterface interface {
	GetWatch(ctx context.Context, network, address string) (*db.Watch, error)
	UpsertTransactions(ctx context.Context, params []db.CreateTransactionParams) ([]*db.Transaction, error)
	AdvanceCursor(ctx context.Context, network, address string, height int64, syncedAt time.Time) (*db.Watch, error)
}

// HistorySource defines the ledger operations needed by activities.
// *ledger.Reader satisfies it.
type HistorySource interface {
	Network() string
	ChainHeight() uint64
	AddressTransactions(ctx context.Context, addresses []string, minHeight uint64) ([]ledger.TransactionRecord, error)
}

// PublisherInterface defines the NATS publishing operations needed by activities.
// This allows for easy mocking in tests.
type PublisherInterface interface {
	PublishTransactionBatch(ctx context.Context, events []*natspkg.TransactionEvent) error
}

// Activities holds the dependencies needed by Temporal activities.
type Activities struct {
	store     StoreInterface
	history   HistorySource
	publisher PublisherInterface
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewActivities creates a new Activities instance with explicit dependencies.
// If metrics is nil, no metrics will be recorded. If publisher is nil,
// nothing is published.
func NewActivities(
	store StoreInterface,
	history HistorySource,
	publisher PublisherInterface,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Activities {
	if logger == nil {
		logger = slog.Default()
	}
	return &Activities{
		store:     store,
		history:   history,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
	}
}

func (a *Activities) observe(activity, address string, start time.Time) {
	if a.metrics != nil {
		a.metrics.RecordActivityDuration(activity, address, time.Since(start).Seconds())
	}
}

// GetSyncCursor reads the watch's cursor from the database.
func (a *Activities) GetSyncCursor(ctx context.Context, input GetSyncCursorInput) (*GetSyncCursorResult, error) {
	start := time.Now()
	defer a.observe("GetSyncCursor", input.Address, start)

	w, err := a.store.GetWatch(ctx, input.Network, input.Address)
	if a.metrics != nil {
		a.metrics.RecordDBQuery("get_watch", "watches", time.Since(start).Seconds(), err)
	}
	if errors.Is(err, db.ErrNotFound) {
		a.logger.InfoContext(ctx, "address is no longer watched", "address", input.Address, "network", input.Network)
		return &GetSyncCursorResult{Found: false}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get watch: %w", err)
	}
	return &GetSyncCursorResult{Found: true, Status: w.Status, LastHeight: w.LastHeight}, nil
}

// FetchHistory asks the ledger for the address's records at or above
// MinHeight.
func (a *Activities) FetchHistory(ctx context.Context, input FetchHistoryInput) (*FetchHistoryResult, error) {
	start := time.Now()
	defer a.observe("FetchHistory", input.Address, start)

	if a.history.Network() != input.Network {
		return nil, fmt.Errorf("invalid network: %s (worker serves %s)", input.Network, a.history.Network())
	}

	a.logger.DebugContext(ctx, "fetching address history",
		"address", input.Address,
		"min_height", input.MinHeight,
	)

	records, err := a.history.AddressTransactions(ctx, []string{input.Address}, input.MinHeight)
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to fetch history",
			"address", input.Address,
			"error", err,
		)
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	result := &FetchHistoryResult{
		Records:     records,
		ChainHeight: a.history.ChainHeight(),
	}
	for _, r := range records {
		if r.BlockHeight > result.NewestHeight {
			result.NewestHeight = r.BlockHeight
		}
	}

	a.logger.InfoContext(ctx, "fetched address history",
		"address", input.Address,
		"count", len(records),
		"newest_height", result.NewestHeight,
	)
	return result, nil
}

// WriteTransactions writes records to the database and publishes the ones
// that were new. Publishing is best-effort.
func (a *Activities) WriteTransactions(ctx context.Context, input WriteTransactionsInput) (*WriteTransactionsResult, error) {
	start := time.Now()
	defer a.observe("WriteTransactions", input.Address, start)

	params := make([]db.CreateTransactionParams, 0, len(input.Records))
	for _, r := range input.Records {
		params = append(params, toCreateParams(input.Network, input.Address, r))
	}

	queryStart := time.Now()
	inserted, err := a.store.UpsertTransactions(ctx, params)
	if a.metrics != nil {
		a.metrics.RecordDBQuery("upsert_transactions", "transactions", time.Since(queryStart).Seconds(), err)
	}
	if err != nil {
		a.logger.ErrorContext(ctx, "failed to write transactions",
			"address", input.Address,
			"error", err,
		)
		return nil, fmt.Errorf("failed to write transactions: %w", err)
	}

	result := &WriteTransactionsResult{
		Written: len(inserted),
		Skipped: len(params) - len(inserted),
	}

	a.logger.InfoContext(ctx, "wrote transactions to database",
		"address", input.Address,
		"written", result.Written,
		"skipped", result.Skipped,
	)

	if a.metrics != nil {
		a.metrics.RecordTransactionsWritten(input.Address, result.Written)
		a.metrics.RecordTransactionsSkipped(input.Address, "already_exists", result.Skipped)
	}

	if len(inserted) > 0 && a.publisher != nil {
		events := make([]*natspkg.TransactionEvent, 0, len(inserted))
		for _, txn := range inserted {
			events = append(events, natspkg.FromDBTransaction(txn))
		}
		if err := a.publisher.PublishTransactionBatch(ctx, events); err != nil {
			a.logger.ErrorContext(ctx, "failed to publish transactions to NATS",
				"address", input.Address,
				"count", len(events),
				"error", err,
			)
		}
	}

	return result, nil
}

// AdvanceCursor records the sync in the watch's cursor.
func (a *Activities) AdvanceCursor(ctx context.Context, input AdvanceCursorInput) error {
	start := time.Now()
	defer a.observe("AdvanceCursor", input.Address, start)

	_, err := a.store.AdvanceCursor(ctx, input.Network, input.Address, input.Height, time.Now().UTC())
	if a.metrics != nil {
		a.metrics.RecordDBQuery("advance_cursor", "watches", time.Since(start).Seconds(), err)
	}
	if errors.Is(err, db.ErrNotFound) {
		a.logger.InfoContext(ctx, "watch removed during sync", "address", input.Address)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

func toCreateParams(network, address string, r ledger.TransactionRecord) db.CreateTransactionParams {
	p := db.CreateTransactionParams{
		Network:     network,
		Address:     address,
		TxID:        r.TxID,
		BlockHeight: int64(r.BlockHeight),
		To:          r.To.Addresses,
		Value:       r.Value,
		Data:        r.Data,
	}
	if len(r.From.Addresses) > 0 {
		p.From = r.From.Addresses[0]
	}
	if r.Timestamp > 0 {
		t := time.Unix(r.Timestamp, 0).UTC()
		p.BlockTime = &t
	}
	return p
}
