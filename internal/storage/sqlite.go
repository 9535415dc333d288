package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-sqlite3"

	"spendsense/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS decision_traces (
    seq             INTEGER PRIMARY KEY AUTOINCREMENT,
    trace_id        TEXT    NOT NULL UNIQUE,
    user_id         TEXT    NOT NULL,
    generated_at_ns INTEGER NOT NULL,
    persona         TEXT    NOT NULL,
    consent_granted INTEGER NOT NULL,
    trace_complete  INTEGER NOT NULL,
    document        TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS decision_traces_user_current_idx
    ON decision_traces (user_id, generated_at_ns DESC, seq DESC);
`

const (
	sqliteInsertSQL = `INSERT INTO decision_traces
    (trace_id, user_id, generated_at_ns, persona, consent_granted, trace_complete, document)
    VALUES (?, ?, ?, ?, ?, ?, ?)`

	sqliteHistorySQL = `SELECT document FROM decision_traces
    WHERE user_id = ?
    ORDER BY generated_at_ns DESC, seq DESC
    LIMIT ?`

	sqliteCurrentSQL = `SELECT document FROM decision_traces t
    WHERE NOT EXISTS (
        SELECT 1 FROM decision_traces n
        WHERE n.user_id = t.user_id
          AND (n.generated_at_ns > t.generated_at_ns
               OR (n.generated_at_ns = t.generated_at_ns AND n.seq > t.seq))
    )
      AND (? = '' OR t.user_id = ?)
      AND (? = '' OR t.persona = ?)
    ORDER BY t.user_id`

	sqlitePurgeSQL = `DELETE FROM decision_traces WHERE user_id = ?`

	sqlitePruneSQL = `DELETE FROM decision_traces
    WHERE generated_at_ns < ?
      AND EXISTS (
        SELECT 1 FROM decision_traces n
        WHERE n.user_id = decision_traces.user_id
          AND (n.generated_at_ns > decision_traces.generated_at_ns
               OR (n.generated_at_ns = decision_traces.generated_at_ns AND n.seq > decision_traces.seq))
      )`
)

// SQLiteStore keeps traces in a local SQLite file.
type SQLiteStore struct {
	db    *sql.DB
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewSQLiteStore opens (and creates when missing) the database at path.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite.path is required")
	}
	if !isMemoryPath(path) {
		if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return &SQLiteStore{db: db, locks: make(map[string]*sync.Mutex)}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) userLock(userID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[userID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[userID] = l
	}
	return l
}

// Append inserts a trace.
func (s *SQLiteStore) Append(ctx context.Context, trace model.DecisionTrace) error {
	rec, err := newRecord(trace)
	if err != nil {
		return err
	}
	l := s.userLock(rec.UserID)
	l.Lock()
	defer l.Unlock()

	_, err = s.db.ExecContext(ctx, sqliteInsertSQL,
		rec.TraceID,
		rec.UserID,
		rec.GeneratedAt.UnixNano(),
		rec.Persona,
		rec.ConsentGranted,
		rec.TraceComplete,
		string(rec.Document),
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return fmt.Errorf("%w: %s", ErrDuplicateTrace, rec.TraceID)
		}
		return fmt.Errorf("insert trace: %w", err)
	}
	return nil
}

// Latest returns the user's current trace.
func (s *SQLiteStore) Latest(ctx context.Context, userID string) (model.DecisionTrace, error) {
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
func (s *SQLiteStore) History(ctx context.Context, userID string, limit int) ([]model.DecisionTrace, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, sqliteHistorySQL, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list trace history: %w", err)
	}
	return scanDocuments(rows, model.TraceFilter{})
}

// List returns the current trace of every user matching filter.
func (s *SQLiteStore) List(ctx context.Context, filter model.TraceFilter) ([]model.DecisionTrace, error) {
	rows, err := s.db.QueryContext(ctx, sqliteCurrentSQL,
		filter.UserID, filter.UserID,
		filter.Persona, filter.Persona,
	)
	if err != nil {
		return nil, fmt.Errorf("list current traces: %w", err)
	}
	return scanDocuments(rows, filter)
}

// Purge deletes every trace of the user.
func (s *SQLiteStore) Purge(ctx context.Context, userID string) (int64, error) {
	l := s.userLock(userID)
	l.Lock()
	defer l.Unlock()

	res, err := s.db.ExecContext(ctx, sqlitePurgeSQL, userID)
	if err != nil {
		return 0, fmt.Errorf("purge traces: %w", err)
	}
	return res.RowsAffected()
}

// PruneSuperseded deletes non-current traces generated before the cutoff.
func (s *SQLiteStore) PruneSuperseded(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, sqlitePruneSQL, before.UTC().UnixNano())
	if err != nil {
		return 0, fmt.Errorf("prune superseded traces: %w", err)
	}
	return res.RowsAffected()
}

// scanDocuments decodes every row; the content filter and limit are applied
// in Go since the document is stored as plain text.
func scanDocuments(rows *sql.Rows, filter model.TraceFilter) ([]model.DecisionTrace, error) {
	defer rows.Close()

	traces := make([]model.DecisionTrace, 0)
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("scan trace: %w", err)
		}
		trace, err := decodeTrace([]byte(doc))
		if err != nil {
			return nil, err
		}
		if !filter.Matches(trace) {
			continue
		}
		traces = append(traces, trace)
		if filter.Limit > 0 && len(traces) == filter.Limit {
			break
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return traces, nil
}

func isMemoryPath(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

var _ TraceStore = (*SQLiteStore)(nil)
