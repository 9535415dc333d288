// Package guardrail filters generated recommendations before release.
//
// Checks run in a fixed order: consent, eligibility, tone, predatory-offer
// exclusion. Every candidate that enters Validate leaves it either in the
// released set, in ExcludedOffers, or in ToneFailures.
package guardrail

import (
	"fmt"
	"regexp"
	"slices"
	"strings"

	"spendsense/internal/model"
	"spendsense/internal/rules"
	"spendsense/internal/signals"
)

// Rejection reasons.
const (
	ReasonConsentAbsent  = "consent_absent"
	ReasonNoEligibility  = "eligibility: no filter applies"
	reasonEligibility    = "eligibility:%s: %s"
	reasonPredatory      = "predatory_category:%s"
	reasonBannedPhrase   = "tone:banned_phrase:%s"
	reasonCitationErased = "tone:rewrite_removed_citation:%s"
	reasonRewriteBanned  = "tone:rewrite_introduced_banned_phrase:%s"
)

// Input is everything the guardrail stage looks at.
type Input struct {
	Signals         model.BehavioralSignals
	Recommendations []model.Recommendation
	ConsentGranted  bool
}

// Output is the released set plus the recorded verdicts.
type Output struct {
	Recommendations []model.Recommendation
	Result          model.GuardrailResult
}

type toneRule struct {
	rules.ToneRule
	pattern *regexp.Regexp
}

// Validator applies the guardrail tables of a ruleset.
type Validator struct {
	eligibility []rules.EligibilityFilter
	tone        []toneRule
	predatory   rules.Predatory
}

// NewValidator compiles the tone table of rs.
func NewValidator(rs *rules.Ruleset) *Validator {
	tone := make([]toneRule, 0, len(rs.Tone))
	for _, t := range rs.Tone {
		tone = append(tone, toneRule{
			ToneRule: t,
			pattern:  tonePattern(t.Phrase),
		})
	}
	return &Validator{
		eligibility: rs.Eligibility,
		tone:        tone,
		predatory:   rs.Predatory,
	}
}

// tonePattern matches phrase case-insensitively as whole words, so "lazy"
// does not fire inside "Blazy Pizza".
func tonePattern(phrase string) *regexp.Regexp {
	expr := regexp.QuoteMeta(phrase)
	if startsWithWord(phrase) {
		expr = `\b` + expr
	}
	if endsWithWord(phrase) {
		expr += `\b`
	}
	return regexp.MustCompile(`(?i)` + expr)
}

func startsWithWord(s string) bool {
	return s != "" && isWordByte(s[0])
}

func endsWithWord(s string) bool {
	return s != "" && isWordByte(s[len(s)-1])
}

func isWordByte(b byte) bool {
	return b == '_' || b >= '0' && b <= '9' || b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z'
}

// Validate runs every check and returns the survivors.
func (v *Validator) Validate(in Input) Output {
	res := model.GuardrailResult{
		ConsentCheck:       model.VerdictPassed,
		EligibilityFilters: []string{},
		ToneValidation:     model.VerdictPassed,
		ExcludedOffers:     []model.Rejection{},
		ToneFailures:       []model.Rejection{},
		ToneRewrites:       []model.ToneRewrite{},
	}

	if !in.ConsentGranted {
		res.ConsentCheck = model.VerdictFailed
		for _, rec := range in.Recommendations {
			res.ExcludedOffers = append(res.ExcludedOffers, model.Rejection{RecommendationID: rec.ID, Reason: ReasonConsentAbsent})
		}
		return Output{Recommendations: []model.Recommendation{}, Result: res}
	}

	fs := signals.Fields(in.Signals)
	candidates := v.checkEligibility(clone(in.Recommendations), fs, &res)
	candidates = v.checkTone(candidates, &res)
	candidates = v.checkPredatory(candidates, &res)

	return Output{Recommendations: candidates, Result: res}
}

func (v *Validator) checkEligibility(recs []model.Recommendation, fs signals.FieldSet, res *model.GuardrailResult) []model.Recommendation {
	used := make(map[string]bool)
	out := recs[:0]
	for _, rec := range recs {
		applied := []string{}
		reason := ""
		for _, f := range v.eligibility {
			if !f.AppliesTo.Matches(rec) {
				continue
			}
			applied = append(applied, f.Name)
			used[f.Name] = true
			if failed, ok := firstFailing(f.Require, fs); !ok {
				reason = fmt.Sprintf(reasonEligibility, f.Name, failed.Describe())
				break
			}
		}
		if reason == "" && rec.Kind == model.KindPartnerOffer && len(applied) == 0 {
			reason = ReasonNoEligibility
		}
		if reason != "" {
			res.ExcludedOffers = append(res.ExcludedOffers, model.Rejection{RecommendationID: rec.ID, Reason: reason})
			continue
		}
		rec.EligibilityFilters = applied
		out = append(out, rec)
	}

	for _, f := range v.eligibility {
		if used[f.Name] {
			res.EligibilityFilters = append(res.EligibilityFilters, f.Name)
		}
	}
	return out
}

func firstFailing(clauses []rules.Clause, fs signals.FieldSet) (rules.Clause, bool) {
	for _, c := range clauses {
		if !c.Eval(fs) {
			return c, false
		}
	}
	return rules.Clause{}, true
}

func (v *Validator) checkTone(recs []model.Recommendation, res *model.GuardrailResult) []model.Recommendation {
	out := recs[:0]
	for _, rec := range recs {
		rewritten, rewrites, reason := v.rewrite(rec)
		if reason != "" {
			res.ToneValidation = model.VerdictFailed
			res.ToneFailures = append(res.ToneFailures, model.Rejection{RecommendationID: rec.ID, Reason: reason})
			continue
		}
		res.ToneRewrites = append(res.ToneRewrites, rewrites...)
		out = append(out, rewritten)
	}
	return out
}

// rewrite applies substitutions to the text fields of rec. A non-empty reason
// means the recommendation fails tone validation.
func (v *Validator) rewrite(rec model.Recommendation) (model.Recommendation, []model.ToneRewrite, string) {
	fields := []*string{&rec.Title, &rec.Rationale, &rec.Disclaimer}

	for _, t := range v.tone {
		if t.Replacement != "" {
			continue
		}
		for _, f := range fields {
			if t.pattern.MatchString(*f) {
				return rec, nil, fmt.Sprintf(reasonBannedPhrase, t.Phrase)
			}
		}
	}

	var rewrites []model.ToneRewrite
	for _, t := range v.tone {
		if t.Replacement == "" {
			continue
		}
		hit := false
		for _, f := range fields {
			if t.pattern.MatchString(*f) {
				*f = t.pattern.ReplaceAllLiteralString(*f, t.Replacement)
				hit = true
			}
		}
		if hit {
			rewrites = append(rewrites, model.ToneRewrite{RecommendationID: rec.ID, Phrase: t.Phrase, Replacement: t.Replacement})
		}
	}
	if len(rewrites) == 0 {
		return rec, nil, ""
	}

	for _, t := range v.tone {
		for _, f := range fields {
			if t.pattern.MatchString(*f) {
				return rec, nil, fmt.Sprintf(reasonRewriteBanned, t.Phrase)
			}
		}
	}
	for _, c := range rec.Citations {
		if !strings.Contains(rec.Rationale, c.Value) {
			return rec, nil, fmt.Sprintf(reasonCitationErased, c.Field)
		}
	}
	return rec, rewrites, ""
}

func (v *Validator) checkPredatory(recs []model.Recommendation, res *model.GuardrailResult) []model.Recommendation {
	out := recs[:0]
	for _, rec := range recs {
		if rec.Kind == model.KindPartnerOffer && v.predatory.Blocked(rec.Category) {
			res.ExcludedOffers = append(res.ExcludedOffers, model.Rejection{
				RecommendationID: rec.ID,
				Reason:           fmt.Sprintf(reasonPredatory, rec.Category),
			})
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Conserved reports whether every one of in candidates is accounted for.
func Conserved(in int, out Output) bool {
	return in == len(out.Recommendations)+len(out.Result.ExcludedOffers)+len(out.Result.ToneFailures)
}

func clone(recs []model.Recommendation) []model.Recommendation {
	out := make([]model.Recommendation, len(recs))
	for i, rec := range recs {
		rec.SourceSignals = slices.Clone(rec.SourceSignals)
		rec.Citations = slices.Clone(rec.Citations)
		out[i] = rec
	}
	return out
}
