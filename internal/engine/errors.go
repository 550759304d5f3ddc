package engine

import (
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies sync failures so callers can pick the right recovery
// path: retry with backoff, refresh credentials, wait out a rate limit, park
// the record, or stop entirely.
type ErrorKind int

const (
	// KindNetwork is a transient transport failure, retryable with backoff.
	KindNetwork ErrorKind = iota
	// KindAuth means the bearer credential was rejected; one refresh and a
	// single retry before surfacing.
	KindAuth
	// KindRateLimit means the remote asked us to slow down; retried after
	// the indicated delay, never immediately.
	KindRateLimit
	// KindConflict is not a failure: the record diverged and is routed to
	// the conflict resolver.
	KindConflict
	// KindValidation is permanent; the offending change record is parked
	// rather than retried forever.
	KindValidation
	// KindStorage is a local store failure; triggers rollback if mid-apply.
	KindStorage
	// KindMigration is fatal at startup; sync does not begin.
	KindMigration
)

// String returns the taxonomy name for the kind.
func (k ErrorKind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindAuth:
		return "auth"
	case KindRateLimit:
		return "rate-limit"
	case KindConflict:
		return "conflict"
	case KindValidation:
		return "validation"
	case KindStorage:
		return "storage"
	case KindMigration:
		return "migration"
	default:
		return "unknown"
	}
}

// SyncError wraps a failure with its taxonomy kind. RetryAfter is only set
// for rate-limit errors that carried an explicit delay.
type SyncError struct {
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

// Error implements the error interface.
func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s error", e.Kind)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// NewError wraps err with the given kind.
func NewError(kind ErrorKind, err error) *SyncError {
	return &SyncError{Kind: kind, Err: err}
}

// Errorf wraps a formatted error with the given kind.
func Errorf(kind ErrorKind, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// NewRateLimitError wraps err as a rate-limit error with the delay the
// remote indicated (zero if none was given).
func NewRateLimitError(err error, retryAfter time.Duration) *SyncError {
	return &SyncError{Kind: KindRateLimit, RetryAfter: retryAfter, Err: err}
}

// KindOf extracts the ErrorKind from err. Errors outside the taxonomy are
// treated as network errors: the safe default is to retry with backoff.
func KindOf(err error) ErrorKind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindNetwork
}

// IsRetryable reports whether err should be retried at all.
// Validation and migration failures are permanent; auth is handled by the
// refresh-once path, not by blind retry.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindRateLimit, KindStorage:
		return true
	}
	return false
}

// RetryDelayOf returns the remote-indicated delay for rate-limit errors,
// or zero when the caller should use its own backoff schedule.
func RetryDelayOf(err error) time.Duration {
	var se *SyncError
	if errors.As(err, &se) {
		return se.RetryAfter
	}
	return 0
}
