package storage

import (
	"context"
	"fmt"
	"time"
)

// RetentionMode selects how superseded traces are aged out.
type RetentionMode string

const (
	// RetentionMVP prunes superseded traces on every sweep.
	RetentionMVP RetentionMode = "mvp"
	// RetentionProduction keeps superseded traces for at least MinAge.
	RetentionProduction RetentionMode = "production"
)

// MinProductionAge is the shortest audit window allowed in production mode.
const MinProductionAge = 90 * 24 * time.Hour

// Retention configures Sweep.
type Retention struct {
	Mode   RetentionMode `mapstructure:"mode"`
	MinAge time.Duration `mapstructure:"min_age"`
}

// Validate checks the retention policy.
func (r Retention) Validate() error {
	switch r.Mode {
	case RetentionMVP:
		return nil
	case RetentionProduction:
		if r.MinAge < MinProductionAge {
			return fmt.Errorf("retention.min_age must be at least %s in production mode", MinProductionAge)
		}
		return nil
	default:
		return fmt.Errorf("retention.mode must be %q or %q", RetentionMVP, RetentionProduction)
	}
}

// Cutoff returns the generated_at bound below which superseded traces may go.
func (r Retention) Cutoff(now time.Time) time.Time {
	if r.Mode == RetentionProduction {
		return now.Add(-r.MinAge)
	}
	// strictly after now so that every superseded trace qualifies
	return now.Add(time.Nanosecond)
}

// Sweep prunes superseded traces according to the policy. The current trace
// of a user is never removed.
func Sweep(ctx context.Context, store TraceStore, policy Retention, now time.Time) (int64, error) {
	if err := policy.Validate(); err != nil {
		return 0, err
	}
	removed, err := store.PruneSuperseded(ctx, policy.Cutoff(now))
	if err != nil {
		return 0, fmt.Errorf("retention sweep: %w", err)
	}
	return removed, nil
}
