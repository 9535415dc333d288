package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spendsense/internal/alerting"
	"spendsense/internal/config"
	"spendsense/internal/model"
	"spendsense/internal/pipeline"
	"spendsense/internal/storage"
)

var tick = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)

type staticUsers []string

func (u staticUsers) Users(context.Context) ([]string, error) { return u, nil }

type failingUsers struct{}

func (failingUsers) Users(context.Context) ([]string, error) { return nil, errors.New("ledger offline") }

// fakeRunner appends a trace per run and faults the users listed in faults.
type fakeRunner struct {
	store    storage.TraceStore
	faults   map[string]string
	inFlight atomic.Int32
	peak     atomic.Int32
	mu       sync.Mutex
	runs     []string
}

func (r *fakeRunner) Run(ctx context.Context, userID string) (model.DecisionTrace, error) {
	n := r.inFlight.Add(1)
	defer r.inFlight.Add(-1)
	for {
		peak := r.peak.Load()
		if n <= peak || r.peak.CompareAndSwap(peak, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	r.mu.Lock()
	r.runs = append(r.runs, userID)
	seq := len(r.runs)
	r.mu.Unlock()

	trace := model.DecisionTrace{
		TraceID:     fmt.Sprintf("trace-%s-%d", userID, seq),
		UserID:      userID,
		GeneratedAt: tick.Add(time.Duration(seq) * time.Second),
	}
	stage, faulted := r.faults[userID]
	trace.Evaluation.TraceComplete = !faulted
	if r.store != nil {
		if err := r.store.Append(ctx, trace); err != nil {
			return trace, err
		}
	}
	if faulted {
		return trace, &pipeline.FaultError{UserID: userID, Stage: stage, Err: errors.New("boom")}
	}
	return trace, nil
}

type recordingNotifier struct {
	notes []alerting.Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.notes = append(n.notes, note)
	return nil
}

type lockedStore struct {
	*storage.MemoryStore
	acquired bool
	unlocked int
}

func (s *lockedStore) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	if !s.acquired {
		return nil, false, nil
	}
	return func() { s.unlocked++ }, true, nil
}

func testConfig() *config.Config {
	return &config.Config{
		Pipeline:  config.PipelineConfig{Workers: 2},
		Retention: config.RetentionConfig{Mode: "mvp"},
		Scheduler: config.SchedulerConfig{AdvisoryLockKey: 42},
		Alerting:  config.AlertingConfig{Enabled: true, Channels: []string{"log"}},
	}
}

func TestProcessTickRegeneratesEveryUser(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	// an older trace for alice is superseded by this tick and pruned in mvp mode
	require.NoError(t, store.Append(ctx, model.DecisionTrace{TraceID: "old", UserID: "alice", GeneratedAt: tick.Add(-time.Hour)}))

	runner := &fakeRunner{store: store, faults: map[string]string{"carol": model.StageSignals}}
	notifier := &recordingNotifier{}
	svc := New(testConfig(), nil, staticUsers{"alice", "bob", "carol", "dave", "erin"}, runner, store, notifier, zerolog.Nop())

	summary, err := svc.ProcessTick(ctx, tick)
	require.NoError(t, err)
	assert.Equal(t, 5, summary.Users)
	assert.Equal(t, 4, summary.Complete)
	assert.Equal(t, int64(1), summary.Pruned)
	assert.LessOrEqual(t, runner.peak.Load(), int32(2), "并发数不应超过 workers")

	require.Len(t, summary.Faults, 1)
	fault := summary.Faults[0]
	assert.Equal(t, "carol", fault.UserID)
	assert.Contains(t, fault.TraceID, "trace-carol-")
	assert.Equal(t, model.StageSignals, fault.Stage)
	assert.Equal(t, "boom", fault.Error)

	require.Len(t, notifier.notes, 1, "存在故障时应发送一次告警")
	assert.Equal(t, 5, notifier.notes[0].Users)
	assert.Equal(t, []string{"log"}, notifier.notes[0].Channels)

	history, err := store.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.NotEqual(t, "old", history[0].TraceID)
}

func TestProcessTickWithoutFaultsDoesNotNotify(t *testing.T) {
	store := storage.NewMemoryStore()
	notifier := &recordingNotifier{}
	svc := New(testConfig(), nil, staticUsers{"alice"}, &fakeRunner{store: store}, store, notifier, zerolog.Nop())

	summary, err := svc.ProcessTick(context.Background(), tick)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Complete)
	assert.Empty(t, notifier.notes)
}

func TestProcessTickSkipsWhenLockHeld(t *testing.T) {
	store := &lockedStore{MemoryStore: storage.NewMemoryStore()}
	runner := &fakeRunner{store: store}
	svc := New(testConfig(), nil, staticUsers{"alice"}, runner, store, nil, zerolog.Nop())

	summary, err := svc.ProcessTick(context.Background(), tick)
	require.NoError(t, err)
	assert.Zero(t, summary.Users)
	assert.Empty(t, runner.runs, "锁被占用时不应执行")

	store.acquired = true
	_, err = svc.ProcessTick(context.Background(), tick)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, runner.runs)
	assert.Equal(t, 1, store.unlocked)
}

func TestRegenerateErrors(t *testing.T) {
	store := storage.NewMemoryStore()
	svc := New(testConfig(), nil, failingUsers{}, &fakeRunner{}, store, nil, zerolog.Nop())
	_, err := svc.ProcessTick(context.Background(), tick)
	assert.ErrorContains(t, err, "ledger offline")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	svc = New(testConfig(), nil, staticUsers{"alice", "bob"}, &fakeRunner{}, store, nil, zerolog.Nop())
	_, err = svc.Regenerate(ctx, tick)
	assert.ErrorIs(t, err, context.Canceled)

	svc = New(testConfig(), nil, nil, nil, store, nil, zerolog.Nop())
	_, err = svc.Regenerate(context.Background(), tick)
	assert.Error(t, err)

	assert.Error(t, svc.Run(context.Background()), "未配置 scheduler 时应报错")
}

func TestDescribeFault(t *testing.T) {
	f := describeFault("u", "t", errors.New("plain"))
	assert.Equal(t, "run", f.Stage)
	assert.Equal(t, "plain", f.Error)

	joined := errors.Join(&pipeline.FaultError{UserID: "u", Stage: model.StagePersist, Err: errors.New("disk full")}, errors.New("other"))
	f = describeFault("u", "t", joined)
	assert.Equal(t, model.StagePersist, f.Stage)
	assert.Equal(t, "disk full", f.Error)
}

func TestRetentionPolicy(t *testing.T) {
	policy := RetentionPolicy(config.RetentionConfig{Mode: "production", MinAge: storage.MinProductionAge})
	assert.Equal(t, storage.RetentionProduction, policy.Mode)
	assert.NoError(t, policy.Validate())
}
