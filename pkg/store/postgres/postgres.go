// Package postgres backs the author and package stores with PostgreSQL.
// Every contract that must hold under concurrency (quota consumption,
// version reservation, resolve-once, the rename cooldown) is expressed as a
// single guarded UPDATE or a short transaction rather than a read-modify-
// write in application code.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/platinummonkey/hangar/pkg/store"
)

// Config holds connection settings.
type Config struct {
	URL          string
	MaxOpenConns int
	MaxIdleConns int
	ConnTimeout  time.Duration
}

// Store implements store.AuthorStore and store.PackageStore on PostgreSQL.
type Store struct {
	db *sql.DB
}

var (
	_ store.AuthorStore  = (*Store)(nil)
	_ store.PackageStore = (*Store)(nil)
)

// Open connects, configures the pool and ensures the schema exists.
func Open(cfg Config) (*Store, error) {
	db, err := sql.Open("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)

	timeout := cfg.ConnTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// NewWithDB wraps an existing handle; tests use this with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health probes.
func (s *Store) DB() *sql.DB {
	return s.db
}

// HealthCheck verifies connectivity.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// isUniqueViolation reports whether err is a unique constraint violation,
// returning the violated constraint name.
func isUniqueViolation(err error) (string, bool) {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return pqErr.Constraint, true
	}
	return "", false
}
