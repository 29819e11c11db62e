package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aws-solutions-library-samples/guidance-for-payment-systems-using-event-driven-architecture-on-aws/internal/dedup"
)

// schemaSQL is embedded so the service can self-bootstrap its database schema.
//
//go:embed schema.sql
var schemaSQL string

// PostgresStore keeps dedup claims in Postgres.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// Compile-time check that PostgresStore implements the dedup store interfaces.
var (
	_ dedup.Store     = (*PostgresStore)(nil)
	_ dedup.Inspector = (*PostgresStore)(nil)
	_ dedup.Pinger    = (*PostgresStore)(nil)
)

// NewPostgresStore creates a connection pool and fails fast if DB is unreachable.
func NewPostgresStore(ctx context.Context, dbURL string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, fmt.Errorf("postgres connect: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}

	return &PostgresStore{pool: pool}, nil
}

// EnsureSchema applies schema.sql. Safe to run multiple times.
func (p *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, schemaSQL)
	return err
}

// Ping is used by readiness endpoint to validate DB connectivity.
func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the connection pool.
func (p *PostgresStore) Close() error {
	p.pool.Close()
	return nil
}

// PutIfStale claims rec.Key in a single statement.
//
// The upsert only overwrites when the existing row arrived before the window
// start; Postgres evaluates the WHERE clause under the row lock taken by
// ON CONFLICT, so two concurrent first claims cannot both succeed.
func (p *PostgresStore) PutIfStale(ctx context.Context, rec dedup.Record, cond dedup.Condition) error {
	// RETURNING 1 only when a row was written; a live claim returns no rows.
	var one int
	err := p.pool.QueryRow(ctx, `
		INSERT INTO transaction_dupcheck_log(key, arrived_at)
		VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE
		  SET arrived_at = EXCLUDED.arrived_at
		  WHERE transaction_dupcheck_log.arrived_at < $3
		RETURNING 1
	`, string(rec.Key), rec.ArrivedAt.UTC(), cond.WindowStart.UTC()).Scan(&one)

	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return dedup.ErrConditionFailed
	}
	return fmt.Errorf("postgres claim: %w", err)
}

// Lookup returns the stored claim for key.
func (p *PostgresStore) Lookup(ctx context.Context, key dedup.Key) (dedup.Record, bool, error) {
	var arrivedAt time.Time
	err := p.pool.QueryRow(ctx, `
		SELECT arrived_at
		FROM transaction_dupcheck_log
		WHERE key = $1
	`, string(key)).Scan(&arrivedAt)

	if errors.Is(err, pgx.ErrNoRows) {
		return dedup.Record{}, false, nil
	}
	if err != nil {
		return dedup.Record{}, false, fmt.Errorf("postgres lookup: %w", err)
	}
	return dedup.Record{Key: key, ArrivedAt: arrivedAt.UTC()}, true, nil
}

// PurgeBefore deletes claims that arrived before cutoff and returns how many were removed.
// Purging is housekeeping; claims older than every window are already ignored.
func (p *PostgresStore) PurgeBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx, `
		DELETE FROM transaction_dupcheck_log
		WHERE arrived_at < $1
	`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("postgres purge: %w", err)
	}
	return tag.RowsAffected(), nil
}
