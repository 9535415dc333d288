package rules

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"spendsense/internal/model"
	"spendsense/internal/signals"
)

//go:embed default_rules.yaml
var defaultRules []byte

// Catalog size bounds per persona.
const (
	minEducation = 3
	maxEducation = 5
	minOffers    = 1
	maxOffers    = 3
)

// Default returns the embedded production ruleset.
func Default() (*Ruleset, error) {
	return Parse(defaultRules)
}

// Load reads a ruleset file, or the embedded default when path is empty.
func Load(path string) (*Ruleset, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read ruleset: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML ruleset. Unknown keys are rejected.
func Parse(data []byte) (*Ruleset, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var rs Ruleset
	if err := dec.Decode(&rs); err != nil {
		return nil, fmt.Errorf("decode ruleset: %w", err)
	}
	for i := range rs.Personas {
		if rs.Personas[i].Match == "" {
			rs.Personas[i].Match = MatchAll
		}
	}
	if err := rs.Validate(); err != nil {
		return nil, err
	}
	return &rs, nil
}

// Validate checks the structural invariants the pipeline relies on.
func (r *Ruleset) Validate() error {
	var errs []error
	if r.Version == "" {
		errs = append(errs, errors.New("ruleset: version is required"))
	}

	ids := make(map[string]bool)
	defaults := 0
	for _, p := range r.Personas {
		if p.ID == "" {
			errs = append(errs, errors.New("persona: id is required"))
			continue
		}
		if ids[p.ID] {
			errs = append(errs, fmt.Errorf("persona %s: duplicate id", p.ID))
		}
		ids[p.ID] = true
		if p.Default {
			defaults++
			continue
		}
		if p.Match != MatchAll && p.Match != MatchAny {
			errs = append(errs, fmt.Errorf("persona %s: match must be %q or %q", p.ID, MatchAll, MatchAny))
		}
		if len(p.Criteria) == 0 {
			errs = append(errs, fmt.Errorf("persona %s: at least one criterion is required", p.ID))
		}
		for _, c := range p.Criteria {
			if err := c.validate(); err != nil {
				errs = append(errs, fmt.Errorf("persona %s: %w", p.ID, err))
			}
		}
	}
	if defaults != 1 {
		errs = append(errs, fmt.Errorf("ruleset: exactly one default persona required, found %d", defaults))
	}

	templateIDs := make(map[string]bool)
	for _, p := range r.Personas {
		var education, offers int
		for _, t := range r.Catalog[p.ID] {
			if templateIDs[t.ID] {
				errs = append(errs, fmt.Errorf("template %s: duplicate id", t.ID))
			}
			templateIDs[t.ID] = true
			switch t.Kind {
			case model.KindEducation:
				education++
			case model.KindPartnerOffer:
				offers++
				if t.Partner == "" || t.Category == "" {
					errs = append(errs, fmt.Errorf("template %s: partner offers need partner and category", t.ID))
				}
				if !r.hasEligibilityFor(t) {
					errs = append(errs, fmt.Errorf("template %s: no eligibility filter applies", t.ID))
				}
			default:
				errs = append(errs, fmt.Errorf("template %s: unknown kind %q", t.ID, t.Kind))
			}
			for _, field := range Placeholders(t.Title + " " + t.Rationale + " " + t.Disclaimer) {
				if _, err := signals.FieldKind(field); err != nil {
					errs = append(errs, fmt.Errorf("template %s: %w", t.ID, err))
				}
			}
			if len(Placeholders(t.Rationale)) == 0 {
				errs = append(errs, fmt.Errorf("template %s: rationale cites no signal", t.ID))
			}
		}
		if education < minEducation || education > maxEducation {
			errs = append(errs, fmt.Errorf("catalog %s: %d education items, want %d-%d", p.ID, education, minEducation, maxEducation))
		}
		if offers < minOffers || offers > maxOffers {
			errs = append(errs, fmt.Errorf("catalog %s: %d partner offers, want %d-%d", p.ID, offers, minOffers, maxOffers))
		}
	}
	for persona := range r.Catalog {
		if !ids[persona] {
			errs = append(errs, fmt.Errorf("catalog %s: unknown persona", persona))
		}
	}

	for _, f := range r.Eligibility {
		if f.Name == "" || len(f.Require) == 0 {
			errs = append(errs, fmt.Errorf("eligibility filter %q: name and require are mandatory", f.Name))
		}
		for _, c := range f.Require {
			if err := c.validate(); err != nil {
				errs = append(errs, fmt.Errorf("eligibility filter %s: %w", f.Name, err))
			}
		}
	}
	for _, t := range r.Tone {
		if t.Phrase == "" {
			errs = append(errs, errors.New("tone: empty banned phrase"))
		}
	}

	return errors.Join(errs...)
}

func (r *Ruleset) hasEligibilityFor(t Template) bool {
	probe := model.Recommendation{Kind: t.Kind, Category: t.Category, Risk: t.Risk}
	for _, f := range r.Eligibility {
		if f.AppliesTo.Matches(probe) {
			return true
		}
	}
	return false
}
