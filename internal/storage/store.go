// Package storage is the PostgreSQL source of truth for jobs, workers and
// named leases. Every mutation is a single-row conditional update guarded by
// the current lease owner; nothing here coordinates through process memory.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/SirClappington/leaseq/internal/retry"
)

type Store struct {
	db    *sql.DB
	now   func() time.Time
	retry retry.Policy
}

type Option func(*Store)

// WithClock replaces the database clock used for scheduling and lease math.
// Every process sharing the database must agree on time, so this is meant for
// tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithRetryPolicy sets the backoff applied when a failed job is rescheduled.
func WithRetryPolicy(p retry.Policy) Option {
	return func(s *Store) { s.retry = p }
}

func New(db *sql.DB, opts ...Option) *Store {
	s := &Store{db: db, retry: retry.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a pgx pool and a database/sql handle sharing it.
func Connect(ctx context.Context, dsn string) (*pgxpool.Pool, *sql.DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("open pgx pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, wrapErr("ping postgres", err)
	}
	return pool, stdlib.OpenDBFromPool(pool), nil
}

// DB exposes the handle for migrations and health checks.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Ping(ctx context.Context) error {
	return wrapErr("ping", s.db.PingContext(ctx))
}

// clock returns the time every lease and schedule comparison of one call is
// made against. Without WithClock it is the database's statement timestamp,
// so lease safety does not depend on the clocks of the calling processes.
// The result is truncated to the precision of timestamptz.
func (s *Store) clock(ctx context.Context) (time.Time, error) {
	if s.now != nil {
		return s.now().UTC().Truncate(time.Microsecond), nil
	}
	var now time.Time
	if err := s.db.QueryRowContext(ctx, `SELECT statement_timestamp()`).Scan(&now); err != nil {
		return time.Time{}, wrapErr("read database clock", err)
	}
	return now.UTC().Truncate(time.Microsecond), nil
}
