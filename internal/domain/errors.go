package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for policy-level conditions. Callers branch with errors.Is.
var (
	// ErrEmptyKeywordSet means no candidate survived scoring and filtering.
	// The caller should widen the candidate pool, never submit an empty plan.
	ErrEmptyKeywordSet = errors.New("no keyword candidates survived filtering")

	// ErrUnsatisfiableBudget means the sum of per-group floors exceeds the
	// daily budget. The caller must raise the budget or drop groups.
	ErrUnsatisfiableBudget = errors.New("sum of group budget floors exceeds total budget")

	// ErrInvariantViolation marks corrupted state that must never be patched
	// silently. Wrapped with detail via invariant().
	ErrInvariantViolation = errors.New("invariant violation")
)

// ValidationError reports bad or out-of-range input data. It is fatal to the
// current operation and never retried blindly.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// TransientPlatformError wraps a retryable failure from the ads platform or
// the AI content service (network, rate limit, 5xx).
type TransientPlatformError struct {
	Op  string
	Err error
}

func (e *TransientPlatformError) Error() string {
	return fmt.Sprintf("transient platform error in %s: %v", e.Op, e.Err)
}

func (e *TransientPlatformError) Unwrap() error { return e.Err }

// IsTransient reports whether err (anywhere in its chain) is retryable.
func IsTransient(err error) bool {
	var te *TransientPlatformError
	return errors.As(err, &te)
}

func invariant(detail string) error {
	return fmt.Errorf("%w: %s", ErrInvariantViolation, detail)
}
