package engine

import (
	"context"
	"errors"
	"testing"
	"time"
)

// TestDelayFor_DoublesAndCaps verifies the doubling schedule.
func TestDelayFor_DoublesAndCaps(t *testing.T) {
	p := BackoffPolicy{BaseDelay: 100 * time.Millisecond, MaxDelay: 500 * time.Millisecond, MaxAttempts: 10}

	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{3, 500 * time.Millisecond},
		{8, 500 * time.Millisecond},
	}
	for _, tc := range cases {
		if got := p.DelayFor(tc.attempt); got != tc.want {
			t.Errorf("DelayFor(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

// TestRetry_SucceedsAfterTransientFailures verifies retryable errors are
// retried up to the attempt budget.
func TestRetry_SucceedsAfterTransientFailures(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 5}

	calls := 0
	err := Retry(context.Background(), p, func() error {
		calls++
		if calls < 3 {
			return Errorf(KindNetwork, "connection reset")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestRetry_NonRetryableReturnsImmediately verifies validation errors are
// not retried.
func TestRetry_NonRetryableReturnsImmediately(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 5}

	calls := 0
	err := Retry(context.Background(), p, func() error {
		calls++
		return Errorf(KindValidation, "bad payload")
	})
	if err == nil {
		t.Fatal("Retry() should have failed")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if KindOf(err) != KindValidation {
		t.Errorf("kind = %v, want validation", KindOf(err))
	}
}

// TestRetry_ExhaustsAttempts verifies the last error surfaces after the
// attempt budget runs out.
func TestRetry_ExhaustsAttempts(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, MaxAttempts: 3}

	calls := 0
	wantErr := Errorf(KindNetwork, "still down")
	err := Retry(context.Background(), p, func() error {
		calls++
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Errorf("err = %v, want the last failure", err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

// TestRetry_HonorsRateLimitDelay verifies a remote-indicated delay replaces
// the doubling schedule.
func TestRetry_HonorsRateLimitDelay(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, MaxAttempts: 2}

	start := time.Now()
	calls := 0
	err := Retry(context.Background(), p, func() error {
		calls++
		if calls == 1 {
			return NewRateLimitError(errors.New("slow down"), 50*time.Millisecond)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Retry() failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("elapsed = %v, want at least the remote-indicated 50ms", elapsed)
	}
}

// TestRetry_ContextCancellation verifies cancellation aborts the wait.
func TestRetry_ContextCancellation(t *testing.T) {
	p := BackoffPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour, MaxAttempts: 5}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := Retry(ctx, p, func() error {
		return Errorf(KindNetwork, "down")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}
