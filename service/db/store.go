package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// ErrNotFound is returned when a watch or transaction does not exist.
var ErrNotFound = errors.New("not found")

// Store provides database operations for the service.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store with the given database connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate creates the tables the store needs. It is safe to run repeatedly.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Transaction is a synced history record for one watched address.
type Transaction struct {
	Network     string
	Address     string // watched address, lowercase without prefix
	TxID        string
	BlockHeight int64
	From        string
	To          []string
	Value       string // wei, decimal
	Data        string
	BlockTime   *time.Time
	CreatedAt   time.Time
}

// CreateTransactionParams contains the parameters for storing a transaction.
type CreateTransactionParams struct {
	Network     string
	Address     string
	TxID        string
	BlockHeight int64
	From        string
	To          []string
	Value       string
	Data        string
	BlockTime   *time.Time
}

// ListTransactionsParams selects an address's stored history, newest first.
type ListTransactionsParams struct {
	Network   string
	Address   string
	MinHeight int64
	Limit     int32
	Offset    int32
}

const transactionColumns = `network, address, tx_id, block_height, from_address, to_addresses, value, data, block_time, created_at`

// UpsertTransactions stores the given records in one batch. Records already
// present are left untouched. It returns the rows that were new.
func (s *Store) UpsertTransactions(ctx context.Context, params []CreateTransactionParams) ([]*Transaction, error) {
	if len(params) == 0 {
		return nil, nil
	}

	batch := &pgx.Batch{}
	for _, p := range params {
		to := p.To
		if to == nil {
			to = []string{}
		}
		batch.Queue(`
			INSERT INTO transactions (network, address, tx_id, block_height, from_address, to_addresses, value, data, block_time)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (network, address, tx_id) DO NOTHING
			RETURNING `+transactionColumns,
			p.Network, p.Address, p.TxID, p.BlockHeight, p.From, to, p.Value, p.Data, timestamptzFromTimePtr(p.BlockTime),
		)
	}

	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	var inserted []*Transaction
	for i := range params {
		rows, err := results.Query()
		if err != nil {
			return inserted, fmt.Errorf("failed to insert transaction %s: %w", params[i].TxID, err)
		}
		created, err := pgx.CollectRows(rows, scanTransaction)
		if err != nil {
			return inserted, fmt.Errorf("failed to insert transaction %s: %w", params[i].TxID, err)
		}
		inserted = append(inserted, created...)
	}
	return inserted, nil
}

// GetTransaction retrieves one stored record.
func (s *Store) GetTransaction(ctx context.Context, network, address, txID string) (*Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionColumns+` FROM transactions WHERE network = $1 AND address = $2 AND tx_id = $3`,
		network, address, txID)
	if err != nil {
		return nil, err
	}
	txn, err := pgx.CollectExactlyOneRow(rows, scanTransaction)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return txn, nil
}

// ListTransactions retrieves an address's stored history with pagination.
func (s *Store) ListTransactions(ctx context.Context, params ListTransactionsParams) ([]*Transaction, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+transactionColumns+`
		FROM transactions
		WHERE network = $1 AND address = $2 AND block_height >= $3
		ORDER BY block_height DESC, tx_id
		LIMIT $4 OFFSET $5`,
		params.Network, params.Address, params.MinHeight, limit, params.Offset)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanTransaction)
}

// CountTransactions counts the stored records of an address.
func (s *Store) CountTransactions(ctx context.Context, network, address string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM transactions WHERE network = $1 AND address = $2`,
		network, address).Scan(&n)
	return n, err
}

// DeleteTransactionsOlderThan removes records created before the given time.
func (s *Store) DeleteTransactionsOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM transactions WHERE created_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Watch statuses.
const (
	WatchActive = "active"
	WatchPaused = "paused"
)

// Watch is an address whose history is synced on a schedule. LastHeight is
// the sync cursor: the highest block already stored.
type Watch struct {
	Network      string
	Address      string
	SyncInterval time.Duration
	LastHeight   int64
	LastSyncTime *time.Time
	Status       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// CreateWatchParams contains the parameters for registering a watch.
type CreateWatchParams struct {
	Network      string
	Address      string
	SyncInterval time.Duration
	StartHeight  int64
}

const watchColumns = `network, address, sync_interval, last_height, last_sync_time, status, created_at, updated_at`

// CreateWatch registers an address. Registering it again updates the
// interval and reactivates it without moving the cursor.
func (s *Store) CreateWatch(ctx context.Context, params CreateWatchParams) (*Watch, error) {
	rows, err := s.pool.Query(ctx, `
		INSERT INTO watches (network, address, sync_interval, last_height)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (network, address) DO UPDATE
		SET sync_interval = EXCLUDED.sync_interval, status = 'active', updated_at = NOW()
		RETURNING `+watchColumns,
		params.Network, params.Address, pgIntervalFromDuration(params.SyncInterval), params.StartHeight)
	if err != nil {
		return nil, err
	}
	return pgx.CollectExactlyOneRow(rows, scanWatch)
}

// GetWatch retrieves a watch, or ErrNotFound.
func (s *Store) GetWatch(ctx context.Context, network, address string) (*Watch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+watchColumns+` FROM watches WHERE network = $1 AND address = $2`,
		network, address)
	if err != nil {
		return nil, err
	}
	w, err := pgx.CollectExactlyOneRow(rows, scanWatch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return w, nil
}

// ListWatches lists all watches of a network.
func (s *Store) ListWatches(ctx context.Context, network string) ([]*Watch, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+watchColumns+` FROM watches WHERE network = $1 ORDER BY created_at`,
		network)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, scanWatch)
}

// AdvanceCursor records a completed sync. The cursor never moves backwards.
func (s *Store) AdvanceCursor(ctx context.Context, network, address string, height int64, syncedAt time.Time) (*Watch, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE watches
		SET last_height = GREATEST(last_height, $3), last_sync_time = $4, updated_at = NOW()
		WHERE network = $1 AND address = $2
		RETURNING `+watchColumns,
		network, address, height, syncedAt)
	if err != nil {
		return nil, err
	}
	w, err := pgx.CollectExactlyOneRow(rows, scanWatch)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return w, err
}

// UpdateWatchStatus sets a watch's status to WatchActive or WatchPaused.
func (s *Store) UpdateWatchStatus(ctx context.Context, network, address, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE watches SET status = $3, updated_at = NOW() WHERE network = $1 AND address = $2`,
		network, address, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteWatch removes a watch. Its stored history is kept.
func (s *Store) DeleteWatch(ctx context.Context, network, address string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM watches WHERE network = $1 AND address = $2`, network, address)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanTransaction(row pgx.CollectableRow) (*Transaction, error) {
	var (
		t         Transaction
		blockTime pgtype.Timestamptz
	)
	err := row.Scan(&t.Network, &t.Address, &t.TxID, &t.BlockHeight, &t.From, &t.To, &t.Value, &t.Data, &blockTime, &t.CreatedAt)
	if err != nil {
		return nil, err
	}
	t.BlockTime = timePtrFromPgTimestamptz(blockTime)
	return &t, nil
}

func scanWatch(row pgx.CollectableRow) (*Watch, error) {
	var (
		w        Watch
		interval pgtype.Interval
		lastSync pgtype.Timestamptz
	)
	err := row.Scan(&w.Network, &w.Address, &interval, &w.LastHeight, &lastSync, &w.Status, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		return nil, err
	}
	w.SyncInterval = durationFromPgInterval(interval)
	w.LastSyncTime = timePtrFromPgTimestamptz(lastSync)
	return &w, nil
}

func pgIntervalFromDuration(d time.Duration) pgtype.Interval {
	return pgtype.Interval{
		Microseconds: d.Microseconds(),
		Valid:        true,
	}
}

func durationFromPgInterval(i pgtype.Interval) time.Duration {
	if !i.Valid {
		return 0
	}
	return time.Duration(i.Microseconds)*time.Microsecond +
		time.Duration(i.Days)*24*time.Hour
}

func timestamptzFromTimePtr(t *time.Time) pgtype.Timestamptz {
	if t == nil {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: *t, Valid: true}
}

func timePtrFromPgTimestamptz(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}
