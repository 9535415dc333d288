package pipeline

import (
	"errors"
	"fmt"
)

// ErrPipelineFault marks a run that could not complete. The trace written for
// such a run carries trace_complete=false.
var ErrPipelineFault = errors.New("pipeline fault")

// FaultError reports the stage a run failed in.
type FaultError struct {
	UserID string
	Stage  string
	Err    error
}

func (e *FaultError) Error() string {
	return fmt.Sprintf("pipeline fault for user %s at %s: %v", e.UserID, e.Stage, e.Err)
}

// Unwrap exposes both ErrPipelineFault and the underlying cause.
func (e *FaultError) Unwrap() []error {
	return []error{ErrPipelineFault, e.Err}
}

func fault(userID, stage string, err error) *FaultError {
	return &FaultError{UserID: userID, Stage: stage, Err: err}
}
