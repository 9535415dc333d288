// Package rules holds the read-only tables that drive persona assignment,
// recommendation templates and guardrails. A Ruleset is loaded once, validated,
// and passed explicitly into the pipeline.
package rules

import (
	"regexp"
	"slices"

	"spendsense/internal/model"
)

// Persona match modes.
const (
	MatchAll = "all"
	MatchAny = "any"
)

// Ruleset is the complete rule configuration of one deployment.
type Ruleset struct {
	Version           string                `yaml:"version"`
	DefaultDisclaimer string                `yaml:"default_disclaimer"`
	Personas          []Persona             `yaml:"personas"`
	Catalog           map[string][]Template `yaml:"catalog"`
	Eligibility       []EligibilityFilter   `yaml:"eligibility"`
	Tone              []ToneRule            `yaml:"tone"`
	Predatory         Predatory             `yaml:"predatory"`
}

// Persona is a named predicate over the signal bundle. Table order is the
// tie-break when priorities are equal: the earlier persona wins.
type Persona struct {
	ID       string   `yaml:"id"`
	Name     string   `yaml:"name"`
	Priority int      `yaml:"priority"`
	Match    string   `yaml:"match"`
	Criteria []Clause `yaml:"criteria"`
	Default  bool     `yaml:"default"`
}

// Template is one catalog entry. Rationale, title and disclaimer may cite
// signal fields as {field.path} placeholders.
type Template struct {
	ID         string                   `yaml:"id"`
	Kind       model.RecommendationKind `yaml:"kind"`
	Title      string                   `yaml:"title"`
	Rationale  string                   `yaml:"rationale"`
	Disclaimer string                   `yaml:"disclaimer"`
	Partner    string                   `yaml:"partner"`
	Category   string                   `yaml:"category"`
	Risk       string                   `yaml:"risk"`
}

// EligibilityFilter must hold for every recommendation it applies to.
type EligibilityFilter struct {
	Name      string    `yaml:"name"`
	AppliesTo AppliesTo `yaml:"applies_to"`
	Require   []Clause  `yaml:"require"`
}

// AppliesTo selects recommendations by kind, category and risk. Empty lists
// match anything; an entirely empty selector matches every partner offer.
type AppliesTo struct {
	Kinds      []model.RecommendationKind `yaml:"kinds"`
	Categories []string                   `yaml:"categories"`
	Risks      []string                   `yaml:"risks"`
}

// Matches reports whether the selector covers rec.
func (a AppliesTo) Matches(rec model.Recommendation) bool {
	kinds := a.Kinds
	if len(kinds) == 0 {
		kinds = []model.RecommendationKind{model.KindPartnerOffer}
	}
	if !slices.Contains(kinds, rec.Kind) {
		return false
	}
	if len(a.Categories) > 0 && !slices.Contains(a.Categories, rec.Category) {
		return false
	}
	if len(a.Risks) > 0 && !slices.Contains(a.Risks, rec.Risk) {
		return false
	}
	return true
}

// ToneRule bans a phrase. Without a replacement the recommendation fails.
type ToneRule struct {
	Phrase      string `yaml:"phrase"`
	Replacement string `yaml:"replacement"`
}

// Predatory lists partner product categories that are never shown.
type Predatory struct {
	BlockedCategories []string `yaml:"blocked_categories"`
}

// Blocked reports whether category is on the blocklist.
func (p Predatory) Blocked(category string) bool {
	return category != "" && slices.Contains(p.BlockedCategories, category)
}

// DefaultPersona returns the fallback persona.
func (r *Ruleset) DefaultPersona() (Persona, bool) {
	for _, p := range r.Personas {
		if p.Default {
			return p, true
		}
	}
	return Persona{}, false
}

// Templates returns the ordered catalog entries of a persona.
func (r *Ruleset) Templates(persona string) []Template {
	return r.Catalog[persona]
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+(?:\.[a-z_]+)+)\}`)

// Placeholders lists the field paths cited in s, in order of appearance.
func Placeholders(s string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(s, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, m[1])
	}
	return out
}

// Substitute replaces every placeholder in s using resolve. ok is false when
// any placeholder could not be resolved.
func Substitute(s string, resolve func(path string) (string, bool)) (string, []string, bool) {
	var missing []string
	out := placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		path := token[1 : len(token)-1]
		v, ok := resolve(path)
		if !ok {
			missing = append(missing, path)
			return token
		}
		return v
	})
	return out, missing, len(missing) == 0
}
