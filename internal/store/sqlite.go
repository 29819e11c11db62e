package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS transaction_dupcheck_log (
  key           TEXT PRIMARY KEY,
  arrived_at_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS transaction_dupcheck_log_arrived_at_idx
  ON transaction_dupcheck_log (arrived_at_ms);
`

// SQLStore keeps dedup claims in a database/sql handle using SQLite syntax.
// Arrival times are stored as Unix milliseconds.
type SQLStore struct {
	db *sql.DB
}

// Compile-time check that SQLStore implements the dedup store interfaces.
var (
	_ dedup.Store     = (*SQLStore)(nil)
	_ dedup.Inspector = (*SQLStore)(nil)
	_ dedup.Pinger    = (*SQLStore)(nil)
)

// NewSQLiteStore opens (or creates) the SQLite database at path and applies the schema.
func NewSQLiteStore(ctx context.Context, path string) (*SQLStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite open: %w", err)
	}
	// one writer connection keeps the upsert serialized
	db.SetMaxOpenConns(1)

	s := NewSQLStore(db)
	if err := s.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing handle. The schema is not applied.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db}
}

// EnsureSchema creates the claim table. Safe to run multiple times.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("sqlite schema: %w", err)
	}
	return nil
}

// PutIfStale implements dedup.Store with an upsert guarded by the stale predicate.
// A live claim leaves the row untouched and reports zero affected rows.
func (s *SQLStore) PutIfStale(ctx context.Context, rec dedup.Record, cond dedup.Condition) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO transaction_dupcheck_log (key, arrived_at_ms) VALUES (?, ?)
		ON CONFLICT (key) DO UPDATE
		  SET arrived_at_ms = excluded.arrived_at_ms
		  WHERE transaction_dupcheck_log.arrived_at_ms < ?`,
		string(rec.Key), rec.ArrivedAt.UnixMilli(), cond.WindowStart.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("sqlite claim: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlite claim rows affected: %w", err)
	}
	if n == 0 {
		return dedup.ErrConditionFailed
	}
	return nil
}

// Lookup implements dedup.Inspector.
func (s *SQLStore) Lookup(ctx context.Context, key dedup.Key) (dedup.Record, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx,
		`SELECT arrived_at_ms FROM transaction_dupcheck_log WHERE key = ?`, string(key),
	).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return dedup.Record{}, false, nil
	}
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("sqlite lookup: %w", err)
	}
	return dedup.Record{Key: key, ArrivedAt: time.UnixMilli(ms).UTC()}, true, nil
}

// PurgeBefore deletes claims that arrived before cutoff.
func (s *SQLStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM transaction_dupcheck_log WHERE arrived_at_ms < ?`, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return result.RowsAffected()
}

// Ping implements dedup.Pinger.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
