// Package persona assigns exactly one persona to a signal bundle.
package persona

import (
	"errors"
	"time"

	"spendsense/internal/model"
	"spendsense/internal/rules"
	"spendsense/internal/signals"
)

// NoCriteriaMet is recorded when the default persona is assigned.
const NoCriteriaMet = "no persona criteria matched"

// Assigner evaluates the persona table of a ruleset.
type Assigner struct {
	personas []rules.Persona
	fallback rules.Persona
}

// NewAssigner builds an assigner over the ruleset's persona table.
func NewAssigner(rs *rules.Ruleset) (*Assigner, error) {
	if rs == nil {
		return nil, errors.New("persona: ruleset is required")
	}
	fallback, ok := rs.DefaultPersona()
	if !ok {
		return nil, errors.New("persona: ruleset has no default persona")
	}
	evaluated := make([]rules.Persona, 0, len(rs.Personas))
	for _, p := range rs.Personas {
		if !p.Default {
			evaluated = append(evaluated, p)
		}
	}
	return &Assigner{personas: evaluated, fallback: fallback}, nil
}

// Assign evaluates every persona predicate and resolves conflicts by priority.
// Equal priorities go to the persona declared first in the table.
func (a *Assigner) Assign(b model.BehavioralSignals, at time.Time) model.PersonaAssignment {
	fs := signals.Fields(b)

	var (
		candidates []string
		winner     *rules.Persona
		winnerMet  []string
	)
	for i := range a.personas {
		p := &a.personas[i]
		met, ok := evaluate(*p, fs)
		if !ok {
			continue
		}
		candidates = append(candidates, p.ID)
		if winner == nil || p.Priority > winner.Priority {
			winner = p
			winnerMet = met
		}
	}

	if winner == nil {
		return model.PersonaAssignment{
			Assigned:    a.fallback.ID,
			CriteriaMet: []string{NoCriteriaMet},
			Candidates:  []string{a.fallback.ID},
			Timestamp:   at,
		}
	}
	return model.PersonaAssignment{
		Assigned:    winner.ID,
		CriteriaMet: winnerMet,
		Candidates:  candidates,
		Timestamp:   at,
	}
}

// evaluate returns the descriptions of the clauses that held and whether the
// persona's predicate is satisfied.
func evaluate(p rules.Persona, fs signals.FieldSet) ([]string, bool) {
	var met []string
	for _, c := range p.Criteria {
		if c.Eval(fs) {
			met = append(met, c.Describe())
		}
	}
	switch p.Match {
	case rules.MatchAny:
		return met, len(met) > 0
	default:
		return met, len(p.Criteria) > 0 && len(met) == len(p.Criteria)
	}
}
