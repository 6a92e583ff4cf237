// Package store is the PostgreSQL persistence layer.
//
// It owns the schema (see migrations/), the pgx connection pool, and
// every SQL statement in the system. The vector extension provides
// cosine search over chunk embeddings; the French text-search
// configuration provides the lexical index; LISTEN/NOTIFY drives the
// feedback analyser.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when a referenced entity does not exist.
var ErrNotFound = errors.New("not found")

// Store provides access to the database.
type Store struct {
	pool *pgxpool.Pool
}

// New connects a pool using the given DSN.
func New(ctx context.Context, dsn string, maxConns, minConns int) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}

	s := &Store{pool: pool}
	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return s, nil
}

// NewFromPool wraps an existing pool (used by tests).
func NewFromPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for read models and listeners.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity with a short timeout.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// WithTx runs fn inside a transaction, rolling back on error.
func (s *Store) WithTx(ctx context.Context, fn func(pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// AdvisoryLock keys for single-instance background roles.
const (
	LockQualityScheduler int64 = 815001
)

// WithLeaderLock runs fn only if the advisory lock is free, holding it
// for the duration. Returns false without error when another instance
// holds the lock.
func (s *Store) WithLeaderLock(ctx context.Context, key int64, fn func(context.Context) error) (bool, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire connection for leader lock: %w", err)
	}
	defer conn.Release()

	acquired, err := TryAdvisoryLock(ctx, conn, key)
	if err != nil || !acquired {
		return false, err
	}
	defer func() {
		_ = AdvisoryUnlock(ctx, conn, key)
	}()

	return true, fn(ctx)
}

// TryAdvisoryLock attempts a session-scoped advisory lock on the given
// connection. Used for leader election by the quality scheduler.
func TryAdvisoryLock(ctx context.Context, conn *pgxpool.Conn, key int64) (bool, error) {
	var acquired bool
	err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, key).Scan(&acquired)
	if err != nil {
		return false, fmt.Errorf("failed to acquire advisory lock %d: %w", key, err)
	}
	return acquired, nil
}

// AdvisoryUnlock releases a session-scoped advisory lock.
func AdvisoryUnlock(ctx context.Context, conn *pgxpool.Conn, key int64) error {
	_, err := conn.Exec(ctx, `SELECT pg_advisory_unlock($1)`, key)
	return err
}
