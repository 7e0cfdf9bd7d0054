package models

import (
	"errors"
	"fmt"
)

// Turn error taxonomy. Only ErrStatePersistence and unexpected failures
// surface as errors from a turn; the others are recorded in traces as
// ordinary state machine transitions.
var (
	ErrExtractionFailure  = errors.New("extraction failure")
	ErrValidationRejected = errors.New("validation rejected")
	ErrAmbiguousMatch     = errors.New("ambiguous match")
	ErrStatePersistence   = errors.New("state persistence failure")
	ErrAttemptsExhausted  = errors.New("attempts exhausted")
)

// FailureKind returns the trace label for a taxonomy error.
func FailureKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrExtractionFailure):
		return "extraction-failure"
	case errors.Is(err, ErrValidationRejected):
		return "validation-rejected"
	case errors.Is(err, ErrAmbiguousMatch):
		return "ambiguous-match"
	case errors.Is(err, ErrStatePersistence):
		return "state-persistence-failure"
	case errors.Is(err, ErrAttemptsExhausted):
		return "attempts-exhausted"
	default:
		return "unexpected"
	}
}

// TurnError wraps a failure with the session it happened in.
type TurnError struct {
	Kind      error
	SessionID string
	Op        string
	Err       error
}

func (e *TurnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: session %s: %v", e.Op, e.SessionID, e.Kind)
	}
	return fmt.Sprintf("%s: session %s: %v: %v", e.Op, e.SessionID, e.Kind, e.Err)
}

// Unwrap exposes both the taxonomy kind and the cause to errors.Is.
func (e *TurnError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
