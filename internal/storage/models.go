package storage

import (
	"encoding/json"
	"fmt"
	"time"

	"spendsense/internal/model"
)

// TraceRecord is the row shape shared by the SQL backends. Document holds the
// full trace as JSON; the other columns are indexed copies for filtering.
type TraceRecord struct {
	TraceID        string
	UserID         string
	GeneratedAt    time.Time
	Persona        string
	ConsentGranted bool
	TraceComplete  bool
	Document       []byte
}

func newRecord(trace model.DecisionTrace) (TraceRecord, error) {
	if trace.TraceID == "" || trace.UserID == "" {
		return TraceRecord{}, fmt.Errorf("trace requires trace_id and user_id")
	}
	doc, err := json.Marshal(trace)
	if err != nil {
		return TraceRecord{}, fmt.Errorf("encode trace %s: %w", trace.TraceID, err)
	}
	return TraceRecord{
		TraceID:        trace.TraceID,
		UserID:         trace.UserID,
		GeneratedAt:    trace.GeneratedAt.UTC(),
		Persona:        trace.Persona.Assigned,
		ConsentGranted: trace.ConsentGranted,
		TraceComplete:  trace.Evaluation.TraceComplete,
		Document:       doc,
	}, nil
}

func decodeTrace(doc []byte) (model.DecisionTrace, error) {
	var trace model.DecisionTrace
	if err := json.Unmarshal(doc, &trace); err != nil {
		return model.DecisionTrace{}, fmt.Errorf("decode trace: %w", err)
	}
	return trace, nil
}

// copyTrace returns a deep copy so callers never share slices with the store.
func copyTrace(trace model.DecisionTrace) (model.DecisionTrace, error) {
	doc, err := json.Marshal(trace)
	if err != nil {
		return model.DecisionTrace{}, fmt.Errorf("encode trace %s: %w", trace.TraceID, err)
	}
	return decodeTrace(doc)
}
