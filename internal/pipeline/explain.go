package pipeline

import (
	"errors"
	"strings"

	"spendsense/internal/model"
	"spendsense/internal/signals"
)

// ErrRecommendationNotFound is returned for an id the trace did not emit.
var ErrRecommendationNotFound = errors.New("recommendation not found in trace")

// Explainability is the fraction of emitted recommendations whose citations
// all resolve to the same rendered value in the trace's own signals and
// appear in the rationale. A trace without recommendations scores 1.
func Explainability(t model.DecisionTrace) float64 {
	if len(t.Recommendations) == 0 {
		return 1
	}
	fs := signals.Fields(t.Signals)
	explained := 0
	for _, rec := range t.Recommendations {
		if Explained(rec, fs) {
			explained++
		}
	}
	return float64(explained) / float64(len(t.Recommendations))
}

// Explained reports whether rec cites at least one signal and every citation
// can be traced back to fs.
func Explained(rec model.Recommendation, fs signals.FieldSet) bool {
	if len(rec.Citations) == 0 {
		return false
	}
	for _, c := range rec.Citations {
		v, ok := fs.Lookup(c.Field)
		if !ok || v.Render() != c.Value {
			return false
		}
		if !strings.Contains(rec.Rationale, c.Value) {
			return false
		}
	}
	return true
}

// ExplanationContext is the only part of a trace handed to the
// conversational explanation surface.
type ExplanationContext struct {
	Title     string `json:"title"`
	Rationale string `json:"rationale"`
}

// Explain returns the explanation context of one emitted recommendation.
func Explain(t model.DecisionTrace, recommendationID string) (ExplanationContext, error) {
	rec, ok := t.Recommendation(recommendationID)
	if !ok {
		return ExplanationContext{}, ErrRecommendationNotFound
	}
	return ExplanationContext{Title: rec.Title, Rationale: rec.Rationale}, nil
}
