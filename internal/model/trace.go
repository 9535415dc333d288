package model

import "time"

// RecommendationKind distinguishes educational content from partner offers.
type RecommendationKind string

const (
	KindEducation    RecommendationKind = "education"
	KindPartnerOffer RecommendationKind = "partner_offer"
)

// Verdict is the outcome of a single guardrail check.
type Verdict string

const (
	VerdictPassed Verdict = "passed"
	VerdictFailed Verdict = "failed"
)

// Pipeline stage names recorded in Evaluation.StagesCompleted.
const (
	StageLoad       = "load"
	StageSignals    = "signals"
	StagePersona    = "persona"
	StageRecommend  = "recommendations"
	StageGuardrails = "guardrails"
	StageAssemble   = "assemble"
	StagePersist    = "persist"
)

// PersonaAssignment is the persona stage output.
type PersonaAssignment struct {
	Assigned    string    `json:"assigned"`
	CriteriaMet []string  `json:"criteria_met"`
	Candidates  []string  `json:"candidates"`
	Timestamp   time.Time `json:"timestamp"`
}

// Citation ties a rendered value in a rationale back to a signal field.
type Citation struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// Recommendation is one bound catalog template.
type Recommendation struct {
	ID                 string             `json:"id"`
	Kind               RecommendationKind `json:"kind"`
	Title              string             `json:"title"`
	Rationale          string             `json:"rationale"`
	Disclaimer         string             `json:"disclaimer,omitempty"`
	SourceSignals      []string           `json:"source_signals"`
	Citations          []Citation         `json:"citations"`
	Partner            string             `json:"partner,omitempty"`
	Category           string             `json:"category,omitempty"`
	Risk               string             `json:"risk,omitempty"`
	EligibilityFilters []string           `json:"eligibility_filters"`
}

// Rejection records why a recommendation did not survive the guardrails.
type Rejection struct {
	RecommendationID string `json:"recommendation_id"`
	Reason           string `json:"reason"`
}

// ToneRewrite records a banned phrase replaced by its approved substitute.
type ToneRewrite struct {
	RecommendationID string `json:"recommendation_id"`
	Phrase           string `json:"phrase"`
	Replacement      string `json:"replacement"`
}

// GuardrailResult is the guardrail stage output.
type GuardrailResult struct {
	ConsentCheck       Verdict       `json:"consent_check"`
	EligibilityFilters []string      `json:"eligibility_filters"`
	ToneValidation     Verdict       `json:"tone_validation"`
	ExcludedOffers     []Rejection   `json:"excluded_offers"`
	ToneFailures       []Rejection   `json:"tone_failures"`
	ToneRewrites       []ToneRewrite `json:"tone_rewrites"`
}

// BindingFailure records a catalog template that could not cite a value.
type BindingFailure struct {
	TemplateID string `json:"template_id"`
	Reason     string `json:"reason"`
}

// Evaluation carries timing and quality metadata of one run.
type Evaluation struct {
	LatencyMS       int64            `json:"latency_ms"`
	Coverage        bool             `json:"coverage"`
	Explainability  float64          `json:"explainability"`
	TraceComplete   bool             `json:"trace_complete"`
	StagesCompleted []string         `json:"stages_completed"`
	Fault           string           `json:"fault,omitempty"`
	BindingFailures []BindingFailure `json:"binding_failures"`
}

// DecisionTrace is the immutable record of one pipeline run for one user.
type DecisionTrace struct {
	TraceID         string            `json:"trace_id"`
	UserID          string            `json:"user_id"`
	GeneratedAt     time.Time         `json:"generated_at"`
	ConsentGranted  bool              `json:"consent_granted"`
	RulesetVersion  string            `json:"ruleset_version"`
	Signals         BehavioralSignals `json:"signals"`
	Persona         PersonaAssignment `json:"persona"`
	Recommendations []Recommendation  `json:"recommendations"`
	Guardrails      GuardrailResult   `json:"guardrails"`
	Evaluation      Evaluation        `json:"evaluation"`
}

// Recommendation returns the emitted recommendation with the given id.
func (t DecisionTrace) Recommendation(id string) (Recommendation, bool) {
	for _, rec := range t.Recommendations {
		if rec.ID == id {
			return rec, true
		}
	}
	return Recommendation{}, false
}

// TraceFilter narrows browse queries over current traces.
type TraceFilter struct {
	UserID  string
	Persona string
	Content string
	Limit   int
}

// Matches reports whether the trace satisfies every populated filter field.
func (f TraceFilter) Matches(t DecisionTrace) bool {
	if f.UserID != "" && t.UserID != f.UserID {
		return false
	}
	if f.Persona != "" && t.Persona.Assigned != f.Persona {
		return false
	}
	if f.Content != "" {
		if _, ok := t.Recommendation(f.Content); !ok {
			return false
		}
	}
	return true
}
