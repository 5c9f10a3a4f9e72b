package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is a generic sentinel for missing resources.
	ErrNotFound = errors.New("not found")
	// ErrInvalidArgument is a generic sentinel for invalid input.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrDuplicateFeedback marks a feedback id that was already applied.
	ErrDuplicateFeedback = errors.New("duplicate feedback")
	// ErrUnknownUser marks feedback from a user the authority store does not know.
	ErrUnknownUser = errors.New("unknown user")
)

// PlanGenerationError means every language-model provider failed while
// generating a plan. Fatal for the request, surfaced as degraded-service.
type PlanGenerationError struct {
	Attempts int
	Err      error
}

func (e *PlanGenerationError) Error() string {
	return fmt.Sprintf("plan generation failed after %d provider attempts: %v", e.Attempts, e.Err)
}

func (e *PlanGenerationError) Unwrap() error { return e.Err }

// MaxRetriesError means no candidate plan passed validation within the retry
// budget. Fatal for the request, surfaced as degraded-service.
type MaxRetriesError struct {
	Retries    int
	LastReason string
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("plan rejected after %d retries: %s", e.Retries, e.LastReason)
}

// InsufficientEvidenceError means synthesis had no usable expert opinion.
// Fatal for the request, surfaced as "unable to answer".
type InsufficientEvidenceError struct {
	Requested int
	Usable    int
}

func (e *InsufficientEvidenceError) Error() string {
	return fmt.Sprintf("insufficient evidence: %d of %d experts usable", e.Usable, e.Requested)
}
