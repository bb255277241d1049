package model

import (
	"errors"
	"fmt"
)

// Error taxonomy for pipeline stages. Stage handlers classify every failure
// into one of these categories to pick retry behavior.

// ErrInsufficient signals a comparables sample below the configured minimum.
// It is a valid result, not a failure: the scorer handles it.
var ErrInsufficient = errors.New("insufficient comparables sample")

// ErrNotFound is returned by repositories when an entity does not exist.
var ErrNotFound = errors.New("not found")

// TransientError wraps I/O failures worth retrying with backoff: DB
// deadlocks, broker unavailability, collaborator 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %s: %v", e.Op, e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err as retryable. Returns nil for nil err.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Op: op, Err: err}
}

// ExtractError is a deterministic inability to parse a raw document. Recorded
// on the RawListing, never retried.
type ExtractError struct {
	Source string
	Reason string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.Source, e.Reason)
}

// InvariantError reports a violated data-model contract (duplicate cycle,
// orphan raw row, approval below threshold). Non-retryable.
type InvariantError struct {
	Invariant string
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant %s violated: %s", e.Invariant, e.Detail)
}

// ExternalServiceError reports an LLM or notification collaborator failure.
// The pipeline continues with degraded output.
type ExternalServiceError struct {
	Service string
	Err     error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("external service %s: %v", e.Service, e.Err)
}
func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsRetryable reports whether a stage error should be redelivered with
// backoff. Extract and invariant failures are permanent; everything wrapped
// as transient (and external-service failures) is retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ese *ExternalServiceError
	if errors.As(err, &ese) {
		return true
	}
	var xe *ExtractError
	var ie *InvariantError
	if errors.As(err, &xe) || errors.As(err, &ie) {
		return false
	}
	return false
}
