// Package pipeline composes the decision stages into one traced run.
//
// Stage order is fixed: signals, persona, recommendations, guardrails,
// assemble. Engine.Evaluate is a pure function of the history, the ruleset
// and the generation time apart from the trace id. Runner adds the scoped
// history load, the whole-run timeout and the trace write.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"spendsense/internal/guardrail"
	"spendsense/internal/model"
	"spendsense/internal/persona"
	"spendsense/internal/recommend"
	"spendsense/internal/rules"
	"spendsense/internal/signals"
)

// Engine holds the stage implementations built from one ruleset.
type Engine struct {
	ruleset   *rules.Ruleset
	opts      signals.Options
	assigner  *persona.Assigner
	generator *recommend.Generator
	validator *guardrail.Validator
	newID     func() string
}

// NewEngine wires every stage from rs.
func NewEngine(rs *rules.Ruleset, opts signals.Options) (*Engine, error) {
	if rs == nil {
		return nil, errors.New("pipeline: ruleset is required")
	}
	assigner, err := persona.NewAssigner(rs)
	if err != nil {
		return nil, err
	}
	return &Engine{
		ruleset:   rs,
		opts:      opts,
		assigner:  assigner,
		generator: recommend.NewGenerator(rs),
		validator: guardrail.NewValidator(rs),
		newID:     uuid.NewString,
	}, nil
}

// RulesetVersion returns the version stamped on every trace.
func (e *Engine) RulesetVersion() string {
	return e.ruleset.Version
}

// Evaluate runs every stage over h. On failure it returns the partial trace,
// marked incomplete, together with a *FaultError.
func (e *Engine) Evaluate(ctx context.Context, h model.AccountHistory, at time.Time) (model.DecisionTrace, error) {
	trace := e.newTrace(h.UserID, at)
	started := time.Now()
	err := e.run(ctx, h, &trace)
	trace.Evaluation.LatencyMS = time.Since(started).Milliseconds()
	return trace, err
}

func (e *Engine) newTrace(userID string, at time.Time) model.DecisionTrace {
	return model.DecisionTrace{
		TraceID:         e.newID(),
		UserID:          userID,
		GeneratedAt:     at.UTC(),
		RulesetVersion:  e.ruleset.Version,
		Recommendations: []model.Recommendation{},
		Guardrails: model.GuardrailResult{
			EligibilityFilters: []string{},
			ExcludedOffers:     []model.Rejection{},
			ToneFailures:       []model.Rejection{},
			ToneRewrites:       []model.ToneRewrite{},
		},
		Evaluation: model.Evaluation{
			StagesCompleted: []string{},
			BindingFailures: []model.BindingFailure{},
		},
	}
}

// run executes the five stages, recording each one that completes.
func (e *Engine) run(ctx context.Context, h model.AccountHistory, trace *model.DecisionTrace) error {
	trace.ConsentGranted = h.ConsentGranted

	var (
		assignment model.PersonaAssignment
		generated  recommend.Result
	)
	stages := []struct {
		name string
		fn   func() error
	}{
		{model.StageSignals, func() error {
			if err := h.Validate(); err != nil {
				return err
			}
			b, err := signals.Extract(ctx, h, e.opts)
			if err != nil {
				return err
			}
			trace.Signals = b
			return nil
		}},
		{model.StagePersona, func() error {
			assignment = e.assigner.Assign(trace.Signals, trace.GeneratedAt)
			trace.Persona = assignment
			return nil
		}},
		{model.StageRecommend, func() error {
			generated = e.generator.Generate(assignment, trace.Signals)
			trace.Evaluation.BindingFailures = generated.Dropped
			return nil
		}},
		{model.StageGuardrails, func() error {
			out := e.validator.Validate(guardrail.Input{
				Signals:         trace.Signals,
				Recommendations: generated.Recommendations,
				ConsentGranted:  h.ConsentGranted,
			})
			if !guardrail.Conserved(len(generated.Recommendations), out) {
				return fmt.Errorf("guardrails lost recommendations: %d in, %d out, %d excluded, %d tone failures",
					len(generated.Recommendations), len(out.Recommendations), len(out.Result.ExcludedOffers), len(out.Result.ToneFailures))
			}
			trace.Recommendations = out.Recommendations
			trace.Guardrails = out.Result
			return nil
		}},
		{model.StageAssemble, func() error {
			trace.Evaluation.Coverage = assignment.Assigned != "" && len(generated.Recommendations) > 0
			trace.Evaluation.Explainability = Explainability(*trace)
			return nil
		}},
	}

	for _, st := range stages {
		if err := runStage(ctx, st.fn); err != nil {
			trace.Evaluation.TraceComplete = false
			trace.Evaluation.Fault = fmt.Sprintf("%s: %v", st.name, err)
			return fault(trace.UserID, st.name, err)
		}
		trace.Evaluation.StagesCompleted = append(trace.Evaluation.StagesCompleted, st.name)
	}
	trace.Evaluation.TraceComplete = true
	return nil
}

// runStage refuses to start once ctx is done and turns panics into errors.
func runStage(ctx context.Context, fn func() error) (err error) {
	if err := ctx.Err(); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn()
}
