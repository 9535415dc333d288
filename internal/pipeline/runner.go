package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"spendsense/internal/model"
)

// HistorySource supplies one user's account history.
type HistorySource interface {
	Load(ctx context.Context, userID string) (model.AccountHistory, error)
}

// TraceWriter appends assembled traces to the trace store.
type TraceWriter interface {
	Append(ctx context.Context, trace model.DecisionTrace) error
}

// Options tune a Runner.
type Options struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DefaultOptions returns the production run limits.
func DefaultOptions() Options {
	return Options{Timeout: 30 * time.Second, WriteTimeout: 5 * time.Second}
}

// Runner executes the pipeline for one user end to end.
type Runner struct {
	engine *Engine
	source HistorySource
	store  TraceWriter
	opts   Options
	now    func() time.Time
	logger zerolog.Logger
}

// NewRunner constructs a runner. store may be nil for dry runs.
func NewRunner(engine *Engine, source HistorySource, store TraceWriter, opts Options, logger zerolog.Logger) *Runner {
	def := DefaultOptions()
	if opts.Timeout <= 0 {
		opts.Timeout = def.Timeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = def.WriteTimeout
	}
	return &Runner{
		engine: engine,
		source: source,
		store:  store,
		opts:   opts,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Run loads the user's history, evaluates every stage under the run timeout
// and writes the trace. A fault or timeout still writes a trace marked
// trace_complete=false and returns a *FaultError.
func (r *Runner) Run(ctx context.Context, userID string) (model.DecisionTrace, error) {
	started := r.now()
	trace := r.engine.newTrace(userID, started)

	runCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()

	runErr := r.evaluate(runCtx, userID, &trace)
	trace.Evaluation.LatencyMS = r.now().Sub(started).Milliseconds()

	if err := r.persist(ctx, &trace); err != nil {
		if runErr == nil {
			runErr = err
		} else {
			runErr = errors.Join(runErr, err)
		}
	}

	log := r.logger.With().
		Str("user_id", trace.UserID).
		Str("trace_id", trace.TraceID).
		Logger()
	if runErr != nil {
		log.Error().Err(runErr).
			Strs("stages_completed", trace.Evaluation.StagesCompleted).
			Msg("pipeline run faulted")
		return trace, runErr
	}

	if trace.Evaluation.Explainability < 1 {
		log.Warn().Float64("explainability", trace.Evaluation.Explainability).Msg("trace carries unresolvable citations")
	}
	log.Info().
		Str("persona", trace.Persona.Assigned).
		Bool("consent", trace.ConsentGranted).
		Int("recommendations", len(trace.Recommendations)).
		Int("excluded", len(trace.Guardrails.ExcludedOffers)).
		Int("tone_failures", len(trace.Guardrails.ToneFailures)).
		Int("binding_failures", len(trace.Evaluation.BindingFailures)).
		Int64("latency_ms", trace.Evaluation.LatencyMS).
		Msg("decision trace recorded")
	return trace, nil
}

func (r *Runner) evaluate(ctx context.Context, userID string, trace *model.DecisionTrace) error {
	var h model.AccountHistory
	err := runStage(ctx, func() error {
		if r.source == nil {
			return errors.New("history source not configured")
		}
		loaded, err := r.source.Load(ctx, userID)
		if err != nil {
			return fmt.Errorf("load history: %w", err)
		}
		if loaded.UserID != userID {
			return fmt.Errorf("history belongs to %q, not %q", loaded.UserID, userID)
		}
		h = loaded
		return nil
	})
	if err != nil {
		trace.Evaluation.Fault = fmt.Sprintf("%s: %v", model.StageLoad, err)
		return fault(userID, model.StageLoad, err)
	}
	trace.Evaluation.StagesCompleted = append(trace.Evaluation.StagesCompleted, model.StageLoad)

	return r.engine.run(ctx, h, trace)
}

// persist writes the trace even when the run context is already done. When
// the write of a complete trace fails, one incomplete marker is attempted.
func (r *Runner) persist(ctx context.Context, trace *model.DecisionTrace) error {
	if r.store == nil {
		return nil
	}
	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
	defer cancel()

	err := r.store.Append(writeCtx, *trace)
	if err == nil {
		return nil
	}
	writeErr := fault(trace.UserID, model.StagePersist, err)
	if !trace.Evaluation.TraceComplete {
		return writeErr
	}

	trace.Evaluation.TraceComplete = false
	trace.Evaluation.Fault = fmt.Sprintf("%s: %v", model.StagePersist, err)
	retryCtx, cancelRetry := context.WithTimeout(context.WithoutCancel(ctx), r.opts.WriteTimeout)
	defer cancelRetry()
	if retryErr := r.store.Append(retryCtx, *trace); retryErr != nil {
		r.logger.Error().Err(retryErr).Str("trace_id", trace.TraceID).Msg("incomplete trace marker not written")
	}
	return writeErr
}
