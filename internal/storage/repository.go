package storage

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"spendsense/internal/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	lockUserSQL = `SELECT pg_advisory_xact_lock(hashtextextended($1, 0));`

	insertTraceSQL = `INSERT INTO decision_traces (
        trace_id,
        user_id,
        generated_at,
        persona,
        consent_granted,
        trace_complete,
        document
    ) VALUES (
        $1,$2,$3,$4,$5,$6,$7
    );`

	historySQL = `SELECT document
    FROM decision_traces
    WHERE user_id = $1
    ORDER BY generated_at DESC, seq DESC
    LIMIT $2;`

	listCurrentSQL = `SELECT document FROM (
        SELECT DISTINCT ON (user_id) user_id, persona, document
        FROM decision_traces
        WHERE ($1 = '' OR user_id = $1)
        ORDER BY user_id, generated_at DESC, seq DESC
    ) latest
    WHERE ($2 = '' OR persona = $2)
      AND ($3 = '' OR document->'recommendations' @> jsonb_build_array(jsonb_build_object('id', $3::text)))
    ORDER BY user_id
    LIMIT $4;`

	purgeUserSQL = `DELETE FROM decision_traces WHERE user_id = $1;`

	pruneSupersededSQL = `DELETE FROM decision_traces t
    WHERE t.generated_at < $1
      AND EXISTS (
        SELECT 1 FROM decision_traces newer
        WHERE newer.user_id = t.user_id
          AND (newer.generated_at, newer.seq) > (t.generated_at, t.seq)
      );`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_xact_lock($1);`
)

// Pool is the subset of pgxpool.Pool the store needs.
type Pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// PostgresStore keeps traces as JSONB documents in PostgreSQL.
type PostgresStore struct {
	pool Pool
}

// NewPostgresStore wires a pgx pool into a PostgresStore.
func NewPostgresStore(pool Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

func (s *PostgresStore) getPool() (Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// Migrate creates the trace table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate decision_traces: %w", err)
	}
	return nil
}

// TryAdvisoryLock takes a transaction-scoped advisory lock and holds it until
// unlock is called.
func (s *PostgresStore) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("begin lock transaction: %w", err)
	}

	var acquired bool
	if err := tx.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		// the lock is released with the transaction
		_ = tx.Rollback(ctxUnlock)
	}
	return unlock, true, nil
}

// withUserLock runs fn in a transaction holding the user's advisory lock, so
// concurrent writers for one user are serialised.
func (s *PostgresStore) withUserLock(ctx context.Context, userID string, fn func(tx pgx.Tx) error) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(context.WithoutCancel(ctx)) }()

	if _, err := tx.Exec(ctx, lockUserSQL, userID); err != nil {
		return fmt.Errorf("lock user %s: %w", userID, err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Append inserts a trace.
func (s *PostgresStore) Append(ctx context.Context, trace model.DecisionTrace) error {
	rec, err := newRecord(trace)
	if err != nil {
		return err
	}
	return s.withUserLock(ctx, rec.UserID, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, insertTraceSQL,
			rec.TraceID,
			rec.UserID,
			rec.GeneratedAt,
			rec.Persona,
			rec.ConsentGranted,
			rec.TraceComplete,
			rec.Document,
		)
		if err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return fmt.Errorf("%w: %s", ErrDuplicateTrace, rec.TraceID)
			}
			return fmt.Errorf("insert trace: %w", err)
		}
		return nil
	})
}

// Latest returns the user's current trace.
func (s *PostgresStore) Latest(ctx context.Context, userID string) (model.DecisionTrace, error) {
	traces, err := s.History(ctx, userID, 1)
	if err != nil {
		return model.DecisionTrace{}, err
	}
	if len(traces) == 0 {
		return model.DecisionTrace{}, ErrNotFound
	}
	return traces[0], nil
}

// History lists the user's traces, newest first. limit <= 0 returns all.
func (s *PostgresStore) History(ctx context.Context, userID string, limit int) ([]model.DecisionTrace, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, historySQL, userID, sqlLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list trace history: %w", err)
	}
	return collectTraces(rows)
}

// List returns the current trace of every user matching filter.
func (s *PostgresStore) List(ctx context.Context, filter model.TraceFilter) ([]model.DecisionTrace, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, listCurrentSQL, filter.UserID, filter.Persona, filter.Content, sqlLimit(filter.Limit))
	if err != nil {
		return nil, fmt.Errorf("list current traces: %w", err)
	}
	return collectTraces(rows)
}

// Purge deletes every trace of the user.
func (s *PostgresStore) Purge(ctx context.Context, userID string) (int64, error) {
	var removed int64
	err := s.withUserLock(ctx, userID, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, purgeUserSQL, userID)
		if err != nil {
			return fmt.Errorf("purge traces: %w", err)
		}
		removed = tag.RowsAffected()
		return nil
	})
	return removed, err
}

// PruneSuperseded deletes non-current traces generated before the cutoff.
func (s *PostgresStore) PruneSuperseded(ctx context.Context, before time.Time) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	tag, err := pool.Exec(ctx, pruneSupersededSQL, before.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune superseded traces: %w", err)
	}
	return tag.RowsAffected(), nil
}

func collectTraces(rows pgx.Rows) ([]model.DecisionTrace, error) {
	defer rows.Close()

	traces := make([]model.DecisionTrace, 0)
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		trace, err := decodeTrace(doc)
		if err != nil {
			return nil, err
		}
		traces = append(traces, trace)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return traces, nil
}

// sqlLimit maps "no limit" to NULL, which LIMIT treats as unbounded.
func sqlLimit(limit int) any {
	if limit <= 0 {
		return nil
	}
	return limit
}

var (
	_ TraceStore     = (*PostgresStore)(nil)
	_ AdvisoryLocker = (*PostgresStore)(nil)
)
