package engine

import (
	"context"
	"time"
)

// BackoffPolicy parameterizes the shared retry helper. The same policy is
// used by the remote adapter for individual calls and by the orchestrator
// for per-record push retries, so the doubling schedule lives in one place.
type BackoffPolicy struct {
	// BaseDelay is the wait before the first retry.
	BaseDelay time.Duration
	// MaxDelay caps the doubling schedule.
	MaxDelay time.Duration
	// MaxAttempts bounds total attempts (initial call included).
	MaxAttempts int
}

// DefaultBackoff returns the policy used when none is configured.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    30 * time.Second,
		MaxAttempts: 5,
	}
}

// DelayFor returns the wait before attempt n (0-based: DelayFor(0) is the
// wait after the first failure).
func (p BackoffPolicy) DelayFor(attempt int) time.Duration {
	d := p.BaseDelay
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// Retry runs fn up to p.MaxAttempts times, sleeping between attempts.
//
// Non-retryable errors (validation, migration, auth) return immediately.
// Rate-limit errors honor the remote-indicated delay instead of the doubling
// schedule. Context cancellation aborts the wait and returns ctx.Err().
func Retry(ctx context.Context, p BackoffPolicy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p = DefaultBackoff()
	}

	var lastErr error
	for attempt := 0; attempt < p.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}

		delay := p.DelayFor(attempt)
		if ra := RetryDelayOf(lastErr); ra > 0 {
			delay = ra
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}
