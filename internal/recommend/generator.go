// Package recommend binds catalog templates to concrete signal values.
package recommend

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"spendsense/internal/model"
	"spendsense/internal/rules"
	"spendsense/internal/signals"
)

// ErrBindingFailure is returned when a template cites a field that is
// undefined or marked insufficient.
var ErrBindingFailure = errors.New("template binding failed")

// Result is the generator stage output.
type Result struct {
	Recommendations []model.Recommendation
	Dropped         []model.BindingFailure
}

// Generator turns the assigned persona's catalog into recommendations.
type Generator struct {
	rules *rules.Ruleset
}

// NewGenerator returns a generator over the ruleset's catalog.
func NewGenerator(rs *rules.Ruleset) *Generator {
	return &Generator{rules: rs}
}

// Generate binds every template of the assigned persona in catalog order.
// Templates that cannot be fully bound are dropped and reported, never emitted.
func (g *Generator) Generate(assignment model.PersonaAssignment, b model.BehavioralSignals) Result {
	fs := signals.Fields(b)
	res := Result{
		Recommendations: []model.Recommendation{},
		Dropped:         []model.BindingFailure{},
	}
	for _, tmpl := range g.rules.Templates(assignment.Assigned) {
		rec, err := Bind(tmpl, fs, g.rules.DefaultDisclaimer)
		if err != nil {
			res.Dropped = append(res.Dropped, model.BindingFailure{TemplateID: tmpl.ID, Reason: err.Error()})
			continue
		}
		res.Recommendations = append(res.Recommendations, rec)
	}
	return res
}

// Bind substitutes every placeholder of tmpl with the rendered signal value.
func Bind(tmpl rules.Template, fs signals.FieldSet, defaultDisclaimer string) (model.Recommendation, error) {
	resolve := func(path string) (string, bool) {
		v, ok := fs.Lookup(path)
		if !ok {
			return "", false
		}
		return v.Render(), true
	}

	rawDisclaimer := tmpl.Disclaimer
	if rawDisclaimer == "" {
		rawDisclaimer = defaultDisclaimer
	}

	var missing []string
	bind := func(s string) string {
		out, miss, _ := rules.Substitute(s, resolve)
		missing = append(missing, miss...)
		return out
	}
	title := bind(tmpl.Title)
	rationale := bind(tmpl.Rationale)
	disclaimer := bind(rawDisclaimer)

	if len(missing) > 0 {
		slices.Sort(missing)
		return model.Recommendation{}, fmt.Errorf("%w: %s cites %s", ErrBindingFailure, tmpl.ID, strings.Join(slices.Compact(missing), ", "))
	}

	cited := rules.Placeholders(tmpl.Rationale)
	if len(cited) == 0 {
		return model.Recommendation{}, fmt.Errorf("%w: %s rationale cites no signal", ErrBindingFailure, tmpl.ID)
	}

	citations := make([]model.Citation, 0, len(cited))
	seen := make(map[string]bool, len(cited))
	for _, path := range cited {
		if seen[path] {
			continue
		}
		seen[path] = true
		v, _ := fs.Lookup(path)
		citations = append(citations, model.Citation{Field: path, Value: v.Render()})
	}

	sources := rules.Placeholders(tmpl.Title + " " + tmpl.Rationale + " " + rawDisclaimer)
	slices.Sort(sources)

	return model.Recommendation{
		ID:                 tmpl.ID,
		Kind:               tmpl.Kind,
		Title:              title,
		Rationale:          rationale,
		Disclaimer:         disclaimer,
		SourceSignals:      slices.Compact(sources),
		Citations:          citations,
		Partner:            tmpl.Partner,
		Category:           tmpl.Category,
		Risk:               tmpl.Risk,
		EligibilityFilters: []string{},
	}, nil
}
