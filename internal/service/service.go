// Package service runs periodic regeneration of decision traces.
package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"spendsense/internal/alerting"
	"spendsense/internal/config"
	"spendsense/internal/model"
	"spendsense/internal/pipeline"
	"spendsense/internal/scheduler"
	"spendsense/internal/storage"
)

// UserLister enumerates the users to regenerate.
type UserLister interface {
	Users(ctx context.Context) ([]string, error)
}

// TraceRunner runs the pipeline for one user.
type TraceRunner interface {
	Run(ctx context.Context, userID string) (model.DecisionTrace, error)
}

// Summary describes one regeneration sweep.
type Summary struct {
	Tick     time.Time
	Users    int
	Complete int
	Faults   []alerting.Fault
	Pruned   int64
}

// Service orchestrates regeneration, retention, and alerting.
type Service struct {
	scheduler *scheduler.Scheduler
	users     UserLister
	runner    TraceRunner
	store     storage.TraceStore
	notifier  alerting.Notifier
	logger    zerolog.Logger

	retention storage.Retention
	workers   int
	channels  []string
	alertsOn  bool
	locker    storage.AdvisoryLocker
	lockKey   int64
	now       func() time.Time
}

// New constructs the regeneration service.
func New(cfg *config.Config, sched *scheduler.Scheduler, users UserLister, runner TraceRunner, store storage.TraceStore, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	workers := cfg.Pipeline.Workers
	if workers <= 0 {
		workers = 1
	}

	return &Service{
		scheduler: sched,
		users:     users,
		runner:    runner,
		store:     store,
		notifier:  notifier,
		logger:    logger.With().Str("component", "service").Logger(),
		retention: RetentionPolicy(cfg.Retention),
		workers:   workers,
		channels:  cfg.Alerting.Channels,
		alertsOn:  cfg.Alerting.Enabled,
		locker:    locker,
		lockKey:   cfg.Scheduler.AdvisoryLockKey,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RetentionPolicy maps the retention section onto the store policy.
func RetentionPolicy(cfg config.RetentionConfig) storage.Retention {
	return storage.Retention{Mode: storage.RetentionMode(cfg.Mode), MinAge: cfg.MinAge}
}

// Run begins the periodic regeneration loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, tick time.Time) error {
		_, err := s.ProcessTick(ctx, tick)
		return err
	})
}

// ProcessTick 执行一次完整的再生成批次：全部用户、保留期清理、故障告警。
func (s *Service) ProcessTick(ctx context.Context, tick time.Time) (Summary, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return Summary{Tick: tick}, err
	}
	if !proceed {
		s.logger.Debug().Time("tick", tick).Msg("skip tick because advisory lock held elsewhere")
		return Summary{Tick: tick}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	summary, err := s.Regenerate(ctx, tick)
	if err != nil {
		return summary, err
	}

	var sweepErr error
	if s.store != nil {
		pruned, err := storage.Sweep(ctx, s.store, s.retention, s.now())
		if err != nil {
			sweepErr = err
			s.logger.Error().Err(err).Time("tick", tick).Msg("retention sweep failed")
		}
		summary.Pruned = pruned
	}

	s.logger.Info().Time("tick", tick).
		Int("users", summary.Users).
		Int("complete", summary.Complete).
		Int("faulted", len(summary.Faults)).
		Int64("pruned", summary.Pruned).
		Msg("regeneration sweep finished")

	s.notify(ctx, summary)
	return summary, sweepErr
}

// Regenerate runs the pipeline for every listed user with bounded
// concurrency. A fault for one user never stops the others.
func (s *Service) Regenerate(ctx context.Context, tick time.Time) (Summary, error) {
	summary := Summary{Tick: tick}
	if s.users == nil || s.runner == nil {
		return summary, fmt.Errorf("regeneration not configured")
	}
	users, err := s.users.Users(ctx)
	if err != nil {
		return summary, fmt.Errorf("list users: %w", err)
	}
	summary.Users = len(users)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(s.workers)
	for _, userID := range users {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			trace, err := s.runner.Run(ctx, userID)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				summary.Faults = append(summary.Faults, describeFault(userID, trace.TraceID, err))
				return nil
			}
			summary.Complete++
			return nil
		})
	}
	_ = g.Wait()
	slices.SortFunc(summary.Faults, func(a, b alerting.Fault) int {
		return strings.Compare(a.UserID, b.UserID)
	})

	if err := ctx.Err(); err != nil {
		return summary, err
	}
	return summary, nil
}

func (s *Service) notify(ctx context.Context, summary Summary) {
	if !s.alertsOn || s.notifier == nil || len(summary.Faults) == 0 {
		return
	}
	note := alerting.Notification{
		Tick:     summary.Tick,
		Users:    summary.Users,
		Faults:   summary.Faults,
		Pruned:   summary.Pruned,
		Channels: s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Time("tick", summary.Tick).Msg("failed to dispatch alert")
	}
}

func describeFault(userID, traceID string, err error) alerting.Fault {
	f := alerting.Fault{UserID: userID, TraceID: traceID, Stage: "run", Error: err.Error()}
	var fe *pipeline.FaultError
	if errors.As(err, &fe) {
		f.Stage = fe.Stage
		f.Error = fe.Err.Error()
	}
	return f
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
