package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"spendsense/internal/alerting"
	"spendsense/internal/config"
	"spendsense/internal/ledger"
	"spendsense/internal/pipeline"
	"spendsense/internal/rules"
	"spendsense/internal/scheduler"
	"spendsense/internal/service"
	"spendsense/internal/signals"
	"spendsense/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{
		Config: cfg,
		Logger: logger.With().Str("component", "app").Logger(),
		Out:    os.Stdout,
	}
}

func (a *App) signalOptions() signals.Options {
	s := a.Config.Signals
	return signals.Options{
		WindowDays:           s.WindowDays,
		AmountTolerance:      s.AmountTolerance,
		MinIncomeHistoryDays: s.MinIncomeHistoryDays,
		MinRecurringCharges:  s.MinRecurringCharges,
	}
}

func (a *App) newEngine() (*pipeline.Engine, error) {
	rs, err := rules.Load(a.Config.Rules.Path)
	if err != nil {
		return nil, err
	}
	return pipeline.NewEngine(rs, a.signalOptions())
}

// newRunner wires the engine to the ledger. store may be nil for dry runs.
func (a *App) newRunner(store pipeline.TraceWriter) (*pipeline.Runner, *ledger.DirSource, error) {
	engine, err := a.newEngine()
	if err != nil {
		return nil, nil, err
	}
	source, err := ledger.NewDirSource(a.Config.Ledger.Dir, a.Logger)
	if err != nil {
		return nil, nil, err
	}
	runner := pipeline.NewRunner(engine, source, store, pipeline.Options{
		Timeout:      a.Config.Pipeline.Timeout,
		WriteTimeout: a.Config.Pipeline.WriteTimeout,
	}, a.Logger)
	a.Logger.Debug().Str("ruleset_version", engine.RulesetVersion()).Msg("pipeline ready")
	return runner, source, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var notifiers alerting.Multi
	for _, channel := range a.Config.Alerting.Channels {
		switch channel {
		case "telegram":
			if a.Config.Alerting.Telegram.Enabled {
				cfg := a.Config.Alerting.Telegram
				notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
			}
		case "log":
			notifiers = append(notifiers, alerting.NewLogNotifier(a.Logger))
		default:
			a.Logger.Warn().Str("channel", channel).Msg("unknown alert channel ignored")
		}
	}
	switch len(notifiers) {
	case 0:
		return nil
	case 1:
		return notifiers[0]
	default:
		return notifiers
	}
}

func (a *App) openStore(ctx context.Context) (storage.TraceStore, func(), error) {
	var (
		store  storage.TraceStore
		closer func()
	)
	switch a.Config.Store.Backend {
	case "memory":
		store, closer = storage.NewMemoryStore(), func() {}
	case "postgres":
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, err
		}
		pg := storage.NewPostgresStore(pool)
		if a.Config.Database.AutoMigrate {
			if err := pg.Migrate(ctx); err != nil {
				pg.Close()
				return nil, nil, err
			}
		}
		store, closer = pg, pg.Close
	case "sqlite":
		lite, err := storage.NewSQLiteStore(ctx, a.Config.SQLite.Path)
		if err != nil {
			return nil, nil, err
		}
		store = lite
		closer = func() {
			if err := lite.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close sqlite store")
			}
		}
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", a.Config.Store.Backend)
	}

	if !a.Config.Store.Cache {
		return store, closer, nil
	}

	rc := a.Config.Redis
	client := redis.NewClient(&redis.Options{Addr: rc.Addr, Password: rc.Password, DB: rc.DB})
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		a.Logger.Warn().Err(err).Str("addr", rc.Addr).Msg("redis unreachable; reads fall back to the store")
	}
	cached := storage.NewCachedStore(store, client, storage.CacheOptions{Prefix: rc.Prefix, TTL: rc.TTL}, a.Logger)
	return cached, func() {
		_ = client.Close()
		closer()
	}, nil
}

// Run executes the long-running regeneration service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	runner, source, err := a.newRunner(store)
	if err != nil {
		return err
	}

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		Immediate:    true,
	}, a.Logger)

	svc := service.New(a.Config, sched, source, runner, store, a.newNotifier(), a.Logger)

	a.Logger.Info().
		Str("backend", a.Config.Store.Backend).
		Dur("interval", a.Config.Scheduler.Interval).
		Msg("starting regeneration service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("regeneration service stopped")
	return nil
}

// GenerateOptions configure a one-off pipeline run.
type GenerateOptions struct {
	UserIDs []string
	All     bool
	DryRun  bool
	JSON    bool
}

// ShowOptions configure the show command.
type ShowOptions struct {
	UserID  string
	Persona string
	Content string
	Limit   int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	UserID string
	Limit  int
	JSON   bool
}

// ExportOptions hold parameters for exporting current traces.
type ExportOptions struct {
	Persona   string
	PNGPath   string
	CSVPath   string
	MaxTraces int
}
