package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsense/internal/model"
	"spendsense/internal/storage"
)

type stubSource struct {
	histories map[string]model.AccountHistory
}

func (s stubSource) Load(_ context.Context, userID string) (model.AccountHistory, error) {
	h, ok := s.histories[userID]
	if !ok {
		return model.AccountHistory{}, errors.New("unknown user")
	}
	return h, nil
}

type blockingSource struct{}

func (blockingSource) Load(ctx context.Context, _ string) (model.AccountHistory, error) {
	<-ctx.Done()
	return model.AccountHistory{}, ctx.Err()
}

type panickingSource struct{}

func (panickingSource) Load(context.Context, string) (model.AccountHistory, error) {
	panic("ledger exploded")
}

// flakyWriter fails the first failures appends and records the rest.
type flakyWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []model.DecisionTrace
}

func (w *flakyWriter) Append(_ context.Context, trace model.DecisionTrace) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.calls++
	if w.calls <= w.failures {
		return errors.New("disk full")
	}
	w.written = append(w.written, trace)
	return nil
}

// stallingWriter blocks the first append until its deadline and records the rest.
type stallingWriter struct {
	mu      sync.Mutex
	calls   int
	written []model.DecisionTrace
}

func (w *stallingWriter) Append(ctx context.Context, trace model.DecisionTrace) error {
	w.mu.Lock()
	w.calls++
	first := w.calls == 1
	w.mu.Unlock()
	if first {
		<-ctx.Done()
		return ctx.Err()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.written = append(w.written, trace)
	return nil
}

func newTestRunner(t *testing.T, source HistorySource, store TraceWriter, opts Options) *Runner {
	t.Helper()
	return NewRunner(newTestEngine(t), source, store, opts, zerolog.Nop())
}

func TestRunnerWritesTrace(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	source := stubSource{histories: map[string]model.AccountHistory{
		"user-1": conflictHistory("user-1", true),
	}}
	runner := newTestRunner(t, source, store, Options{})

	trace, err := runner.Run(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, trace.Evaluation.TraceComplete)
	assert.Equal(t, model.StageLoad, trace.Evaluation.StagesCompleted[0])
	assert.GreaterOrEqual(t, trace.Evaluation.LatencyMS, int64(0))

	stored, err := store.Latest(ctx, "user-1")
	require.NoError(t, err)
	if diff := cmp.Diff(trace, stored); diff != "" {
		t.Fatalf("存储的 trace 与返回值不一致 (-returned +stored):\n%s", diff)
	}
	assert.Equal(t, 1.0, Explainability(stored))
}

func TestRunnerConsentRevokedIsComplete(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	source := stubSource{histories: map[string]model.AccountHistory{
		"user-2": conflictHistory("user-2", false),
	}}

	trace, err := newTestRunner(t, source, store, Options{}).Run(ctx, "user-2")
	require.NoError(t, err)
	assert.True(t, trace.Evaluation.TraceComplete)
	assert.Empty(t, trace.Recommendations)
	assert.Equal(t, model.VerdictFailed, trace.Guardrails.ConsentCheck)

	stored, err := store.Latest(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, trace.TraceID, stored.TraceID)
}

func TestRunnerFaultStillWritesIncompleteTrace(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	h := conflictHistory("user-3", true)
	h.Transactions[0].Date = time.Time{}
	source := stubSource{histories: map[string]model.AccountHistory{"user-3": h}}

	trace, err := newTestRunner(t, source, store, Options{}).Run(ctx, "user-3")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPipelineFault)
	assert.False(t, trace.Evaluation.TraceComplete)
	assert.Equal(t, []string{model.StageLoad}, trace.Evaluation.StagesCompleted)

	stored, err := store.Latest(ctx, "user-3")
	require.NoError(t, err)
	assert.False(t, stored.Evaluation.TraceComplete)
	assert.True(t, strings.HasPrefix(stored.Evaluation.Fault, "signals: "))
}

func TestRunnerLoadFaults(t *testing.T) {
	cases := []struct {
		name   string
		source HistorySource
		user   string
	}{
		{name: "未知用户", source: stubSource{}, user: "ghost"},
		{name: "历史属于其他用户", source: stubSource{histories: map[string]model.AccountHistory{
			"alice": conflictHistory("bob", true),
		}}, user: "alice"},
		{name: "数据源 panic", source: panickingSource{}, user: "user-5"},
		{name: "未配置数据源", source: nil, user: "user-6"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			store := storage.NewMemoryStore()

			trace, err := newTestRunner(t, tc.source, store, Options{}).Run(ctx, tc.user)
			require.Error(t, err)

			var fe *FaultError
			require.ErrorAs(t, err, &fe)
			assert.Equal(t, model.StageLoad, fe.Stage)
			assert.Empty(t, trace.Evaluation.StagesCompleted)
			assert.Equal(t, tc.user, trace.UserID)

			stored, err := store.Latest(ctx, tc.user)
			require.NoError(t, err)
			assert.False(t, stored.Evaluation.TraceComplete)
		})
	}
}

func TestRunnerTimeout(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	runner := newTestRunner(t, blockingSource{}, store, Options{Timeout: 20 * time.Millisecond})

	trace, err := runner.Run(ctx, "slow-user")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPipelineFault)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, trace.Evaluation.TraceComplete)

	// the trace is written even though the run context expired
	stored, err := store.Latest(ctx, "slow-user")
	require.NoError(t, err)
	assert.Equal(t, trace.TraceID, stored.TraceID)
}

func TestRunnerWriteFailureRetriesIncompleteMarker(t *testing.T) {
	source := stubSource{histories: map[string]model.AccountHistory{
		"user-7": conflictHistory("user-7", true),
	}}
	writer := &flakyWriter{failures: 1}

	trace, err := newTestRunner(t, source, writer, Options{}).Run(context.Background(), "user-7")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPipelineFault)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, model.StagePersist, fe.Stage)

	assert.Equal(t, 2, writer.calls)
	require.Len(t, writer.written, 1)
	marker := writer.written[0]
	assert.Equal(t, trace.TraceID, marker.TraceID)
	assert.False(t, marker.Evaluation.TraceComplete)
	assert.True(t, strings.HasPrefix(marker.Evaluation.Fault, "persist: "))
	assert.False(t, trace.Evaluation.TraceComplete)
}

func TestRunnerWriteTimeoutStillStoresIncompleteMarker(t *testing.T) {
	source := stubSource{histories: map[string]model.AccountHistory{
		"user-8": conflictHistory("user-8", true),
	}}
	writer := &stallingWriter{}
	opts := Options{Timeout: time.Second, WriteTimeout: 50 * time.Millisecond}

	trace, err := newTestRunner(t, source, writer, opts).Run(context.Background(), "user-8")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	assert.Equal(t, 2, writer.calls)
	require.Len(t, writer.written, 1, "超时后仍应写入不完整标记")
	assert.Equal(t, trace.TraceID, writer.written[0].TraceID)
	assert.False(t, writer.written[0].Evaluation.TraceComplete)
}

func TestRunnerWriteFailureAfterFaultDoesNotRetry(t *testing.T) {
	writer := &flakyWriter{failures: 5}

	_, err := newTestRunner(t, stubSource{}, writer, Options{}).Run(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, 1, writer.calls)

	var fe *FaultError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, model.StageLoad, fe.Stage)
}

func TestRunnerConcurrentUsers(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	histories := make(map[string]model.AccountHistory)
	users := []string{"u1", "u2", "u3", "u4"}
	for _, u := range users {
		histories[u] = conflictHistory(u, true)
	}
	runner := newTestRunner(t, stubSource{histories: histories}, store, Options{})

	var wg sync.WaitGroup
	for _, u := range users {
		for i := 0; i < 3; i++ {
			wg.Add(1)
			go func(user string) {
				defer wg.Done()
				_, err := runner.Run(ctx, user)
				assert.NoError(t, err)
			}(u)
		}
	}
	wg.Wait()

	for _, u := range users {
		history, err := store.History(ctx, u, 0)
		require.NoError(t, err)
		assert.Len(t, history, 3)
		for _, trace := range history {
			assert.Equal(t, u, trace.UserID)
		}
	}
}
