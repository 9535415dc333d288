// Package storage persists decision traces.
//
// Traces are append-only. The current trace of a user is the one with the
// latest generated_at, insertion order breaking ties. Older traces stay
// available for audit until an explicit PruneSuperseded or Purge removes them.
package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"spendsense/internal/config"
	"spendsense/internal/model"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("storage: backend not configured")
	// ErrNotFound is returned when a user has no stored trace.
	ErrNotFound = errors.New("storage: trace not found")
	// ErrDuplicateTrace is returned when a trace id was already stored.
	ErrDuplicateTrace = errors.New("storage: duplicate trace id")
)

// TraceStore is the trace store contract shared by every backend.
// Writes for one user are serialised; writes for different users are not.
type TraceStore interface {
	Append(ctx context.Context, trace model.DecisionTrace) error
	Latest(ctx context.Context, userID string) (model.DecisionTrace, error)
	History(ctx context.Context, userID string, limit int) ([]model.DecisionTrace, error)
	List(ctx context.Context, filter model.TraceFilter) ([]model.DecisionTrace, error)
	Purge(ctx context.Context, userID string) (int64, error)
	PruneSuperseded(ctx context.Context, before time.Time) (int64, error)
}

// AdvisoryLocker exposes cross-process lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// NewPool configures a PostgreSQL connection pool from runtime settings.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database dsn: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		poolConfig.MinConns = int32(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	return pool, nil
}
