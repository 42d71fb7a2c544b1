package retry

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"
)

// RecoverableError is implemented by errors that declare whether another
// attempt may succeed.
type RecoverableError interface {
	error
	IsRecoverable() bool
}

// IsRecoverable checks if an error can be retried
func IsRecoverable(err error) bool {
	if err == nil {
		return false
	}
	var recoverable RecoverableError
	if errors.As(err, &recoverable) {
		return recoverable.IsRecoverable()
	}
	return isRecoverableByType(err)
}

// Reasoning services signal overload in a handful of well known ways.
var recoverablePatterns = []string{
	"connection refused",
	"connection reset",
	"timeout",
	"temporary failure",
	"rate limit",
	"too many requests",
	"overloaded",
	"service unavailable",
	"bad gateway",
	"gateway timeout",
}

func isRecoverableByType(err error) bool {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return isRecoverableByType(urlErr.Err)
	}

	msg := strings.ToLower(err.Error())
	for _, pattern := range recoverablePatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

// Recoverable wraps an error so that IsRecoverable reports true.
type Recoverable struct {
	err error
}

func (e *Recoverable) Error() string { return e.err.Error() }
func (e *Recoverable) IsRecoverable() bool { return true }
func (e *Recoverable) Unwrap() error { return e.err }

// NewRecoverableError marks err as safe to retry.
func NewRecoverableError(err error) *Recoverable {
	return &Recoverable{err: err}
}

// NonRecoverable wraps an error that should not be retried.
type NonRecoverable struct {
	err error
}

func (e *NonRecoverable) Error() string { return e.err.Error() }
func (e *NonRecoverable) IsRecoverable() bool { return false }
func (e *NonRecoverable) Unwrap() error { return e.err }

// NewNonRecoverableError marks err as permanent.
func NewNonRecoverableError(err error) *NonRecoverable {
	return &NonRecoverable{err: err}
}
