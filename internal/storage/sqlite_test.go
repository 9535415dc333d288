package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsense/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "db", "traces.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	in := sampleTrace("u1", "t1", baseTime, "high_utilization", "hu_utilization_basics", "hu_autopay")
	require.NoError(t, store.Append(ctx, in))

	out, err := store.Latest(ctx, "u1")
	require.NoError(t, err)
	if diff := cmp.Diff(in, out); diff != "" {
		t.Fatalf("读取的 trace 与写入不一致 (-want +got):\n%s", diff)
	}

	assert.ErrorIs(t, store.Append(ctx, in), ErrDuplicateTrace)

	_, err = store.Latest(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteStoreHistoryAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Append(ctx, sampleTrace("u1", "old", baseTime, "general", "gen_budget_basics")))
	require.NoError(t, store.Append(ctx, sampleTrace("u1", "new", baseTime.Add(time.Hour), "high_utilization", "hu_autopay")))
	require.NoError(t, store.Append(ctx, sampleTrace("u1", "tie", baseTime.Add(time.Hour), "high_utilization", "hu_autopay")))
	require.NoError(t, store.Append(ctx, sampleTrace("u2", "other", baseTime, "savings_builder")))

	history, err := store.History(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "tie", history[0].TraceID)
	assert.Equal(t, "old", history[2].TraceID)

	limited, err := store.History(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	current, err := store.List(ctx, model.TraceFilter{})
	require.NoError(t, err)
	require.Len(t, current, 2)
	assert.Equal(t, "tie", current[0].TraceID)
	assert.Equal(t, "other", current[1].TraceID)

	byContent, err := store.List(ctx, model.TraceFilter{Content: "gen_budget_basics"})
	require.NoError(t, err)
	assert.Empty(t, byContent)

	byPersona, err := store.List(ctx, model.TraceFilter{Persona: "savings_builder"})
	require.NoError(t, err)
	require.Len(t, byPersona, 1)
	assert.Equal(t, "u2", byPersona[0].UserID)
}

func TestSQLiteStorePurgeAndPrune(t *testing.T) {
	ctx := context.Background()
	store := newTestSQLiteStore(t)

	require.NoError(t, store.Append(ctx, sampleTrace("u1", "a", baseTime, "general")))
	require.NoError(t, store.Append(ctx, sampleTrace("u1", "b", baseTime.Add(time.Hour), "general")))
	require.NoError(t, store.Append(ctx, sampleTrace("u2", "c", baseTime, "general")))

	removed, err := Sweep(ctx, store, Retention{Mode: RetentionMVP}, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	current, err := store.Latest(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, "c", current.TraceID)

	purged, err := store.Purge(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), purged)
	_, err = store.Latest(ctx, "u1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNewSQLiteStoreRequiresPath(t *testing.T) {
	_, err := NewSQLiteStore(context.Background(), "")
	assert.Error(t, err)
}
