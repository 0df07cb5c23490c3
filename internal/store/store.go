// Package store provides the data access layer over Postgres via pgx.
// Queries are raw SQL constants on domain-grouped files (escrow.go,
// invoice.go, transaction.go); dynamically-filtered list queries are built
// with squirrel. Conditional UPDATE ... WHERE status = <expected> is the
// optimistic re-validation device the monitors rely on: a lost race shows up
// as zero rows affected, never as a silent overwrite.
package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is the central data access object.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a Store backed by pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool returns the underlying pgxpool for callers that need it directly
// (the job queue shares the same pool).
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

// PoolSettings tunes Connect.
type PoolSettings struct {
	MaxConns           int32
	MaxConnIdleTime    time.Duration
	StatementTimeoutMS int
}

// Connect creates and validates a pgxpool. Retries up to 10 times with linear
// backoff to handle container-orchestration startup races where Postgres is
// not immediately ready.
func Connect(ctx context.Context, databaseURL string, settings PoolSettings) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	// Per-query statement timeout prevents runaway queries from holding
	// connections indefinitely.
	if settings.StatementTimeoutMS > 0 {
		poolCfg.ConnConfig.RuntimeParams["statement_timeout"] = strconv.Itoa(settings.StatementTimeoutMS)
	}
	if settings.MaxConns > 0 {
		poolCfg.MaxConns = settings.MaxConns
	}
	if settings.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = settings.MaxConnIdleTime
	}

	var (
		pool    *pgxpool.Pool
		connErr error
	)
	for attempt := 1; attempt <= 10; attempt++ {
		pool, connErr = pgxpool.NewWithConfig(ctx, poolCfg)
		if connErr == nil {
			if connErr = pool.Ping(ctx); connErr == nil {
				return pool, nil
			}
			pool.Close()
		}
		// time.NewTimer (not time.After) to avoid leaking the timer if ctx is
		// cancelled before the timer fires.
		timer := time.NewTimer(time.Duration(attempt) * time.Second)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
	return nil, fmt.Errorf("database unavailable after retries: %w", connErr)
}

// rowsAffected runs an Exec and reports whether any row changed.
func (s *Store) rowsAffected(ctx context.Context, sql string, args ...any) (bool, error) {
	tag, err := s.pool.Exec(ctx, sql, args...)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}
