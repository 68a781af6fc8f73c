// Package store provides the data access layer for the tasks table. Fixed
// queries run through pgx against the pool; the dynamic filtered list query
// is built with squirrel and executed through the stdlib adapter.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// Store is the data access object for the tasks table. It is safe for
// concurrent use; Reconnect swaps the underlying pool atomically.
type Store struct {
	mu   sync.RWMutex
	cfg  *pgxpool.Config
	pool *pgxpool.Pool
	db   *sql.DB
}

// New creates a Store backed by pool. The pool's own config is retained so
// that Reconnect can re-establish an equivalent connection later.
func New(pool *pgxpool.Pool) *Store {
	return &Store{
		cfg:  pool.Config(),
		pool: pool,
		db:   stdlib.OpenDBFromPool(pool),
	}
}

// Connect dials dsn and returns a Store wrapping the new pool.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return New(pool), nil
}

// Reconnect closes the current pool and dials a fresh one with the same
// configuration. A connection carried or broken across a process boundary
// must never be reused; callers invoke this to start clean.
func (s *Store) Reconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pool, err := pgxpool.NewWithConfig(ctx, s.cfg.Copy())
	if err != nil {
		return fmt.Errorf("reconnect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("reconnect ping: %w", err)
	}

	old, oldDB := s.pool, s.db
	s.pool = pool
	s.db = stdlib.OpenDBFromPool(pool)
	if oldDB != nil {
		_ = oldDB.Close()
	}
	old.Close()
	return nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		_ = s.db.Close()
	}
	s.pool.Close()
}

// Pool returns the current pgx pool, e.g. for health checks.
func (s *Store) Pool() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

func (s *Store) conn() *pgxpool.Pool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pool
}

func (s *Store) sqlDB() *sql.DB {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.db
}
