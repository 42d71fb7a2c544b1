package agentflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deepnoodle-ai/agentflow/retry"
)

// Error type constants for classification and matching
const (
	// ErrorTypeAll acts as a wildcard that matches any error except fatal errors
	ErrorTypeAll = "all"

	// ErrorTypeQuotaExceeded indicates the quota governor denied a call. These
	// errors are deferred until the window frees capacity.
	ErrorTypeQuotaExceeded = "quota_exceeded"

	// ErrorTypeTransient indicates an agent failure that may succeed on retry.
	// Unknown errors are classified as transient so that retries are allowed
	// by default. If an error should NOT be retried, the agent should return
	// an error built with NewFatalError.
	ErrorTypeTransient = "transient"

	// ErrorTypeTimeout matches a node-level deadline exceeded error
	ErrorTypeTimeout = "timeout"

	// ErrorTypeFatal indicates an agent failure that must not be retried.
	ErrorTypeFatal = "fatal"

	// ErrorTypeSchema indicates a payload failed schema validation.
	ErrorTypeSchema = "schema_validation"

	// ErrorTypeNoViableTransition indicates no outgoing edge condition held.
	ErrorTypeNoViableTransition = "no_viable_transition"

	// ErrorTypePersistence indicates the durable event write failed.
	ErrorTypePersistence = "persistence"
)

// WorkflowError represents a structured error with classification
// It supports Go's error wrapping patterns with Unwrap() method
type WorkflowError struct {
	Type       string        `json:"type"`
	Cause      string        `json:"cause"`
	Details    any           `json:"details,omitempty"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
	Wrapped    error         `json:"-"` // Original error being wrapped
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	return fmt.Sprintf("%s: %s", e.Type, e.Cause)
}

// Unwrap implements the error unwrapping interface for Go's errors.Is and errors.As
func (e *WorkflowError) Unwrap() error {
	return e.Wrapped
}

// Retriable reports whether the supervisor may attempt the node again.
func (e *WorkflowError) Retriable() bool {
	switch e.Type {
	case ErrorTypeQuotaExceeded, ErrorTypeTransient, ErrorTypeTimeout:
		return true
	default:
		return false
	}
}

// IsRecoverable implements retry.RecoverableError.
func (e *WorkflowError) IsRecoverable() bool {
	return e.Retriable()
}

// Delay implements retry.Delayer so quota denials wait for the window to
// roll over instead of the exponential backoff.
func (e *WorkflowError) Delay() (time.Duration, bool) {
	if e.Type == ErrorTypeQuotaExceeded && e.RetryAfter > 0 {
		return e.RetryAfter, true
	}
	return 0, false
}

// NewWorkflowError creates a new WorkflowError with the specified type and cause.
// The type can be any user-defined string e.g. "network-error". The important
// thing is that it may be used to match against the type used in a catch config.
func NewWorkflowError(errorType, cause string) *WorkflowError {
	return &WorkflowError{
		Type:  errorType,
		Cause: cause,
	}
}

// NewTransientError marks an agent error as retriable.
func NewTransientError(err error) *WorkflowError {
	return &WorkflowError{Type: ErrorTypeTransient, Cause: err.Error(), Wrapped: err}
}

// NewFatalError marks an agent error as not retriable.
func NewFatalError(err error) *WorkflowError {
	return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
}

// ClassifyError attempts to classify a regular error into a WorkflowError
func ClassifyError(err error) *WorkflowError {
	// If the error is already a WorkflowError, return it
	var workflowError *WorkflowError
	if errors.As(err, &workflowError) {
		return workflowError
	}
	var schemaErr *SchemaError
	if errors.As(err, &schemaErr) {
		return &WorkflowError{Type: ErrorTypeSchema, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &WorkflowError{Type: ErrorTypeTimeout, Cause: err.Error(), Wrapped: err}
	}
	if errors.Is(err, context.Canceled) {
		return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
	}
	// Agents may also speak the retry package's vocabulary
	var recoverable retry.RecoverableError
	if errors.As(err, &recoverable) && !recoverable.IsRecoverable() {
		return &WorkflowError{Type: ErrorTypeFatal, Cause: err.Error(), Wrapped: err}
	}
	return &WorkflowError{
		Type:    ErrorTypeTransient,
		Cause:   err.Error(),
		Wrapped: err,
	}
}

// MatchesErrorType checks if an error matches a specified error type pattern
func MatchesErrorType(err error, errorType string) bool {
	wErr := ClassifyError(err)
	// Fatal errors are only matched by the ErrorTypeFatal pattern
	if wErr.Type == ErrorTypeFatal {
		return errorType == ErrorTypeFatal
	}
	if errorType == ErrorTypeAll {
		return true
	}
	return wErr.Type == errorType
}
