package remote

import (
	"context"
	"sync"
	"time"

	"github.com/volunteerkit/volsync/internal/engine"
	"github.com/volunteerkit/volsync/internal/entity"
)

// Throttled decorates an engine.Remote with a minimum gap between calls so a
// burst of batches cannot trip the remote's rate limiter in the first place.
// The wait respects context cancellation.
type Throttled struct {
	inner  engine.Remote
	minGap time.Duration

	mu       sync.Mutex
	lastCall time.Time
}

// Throttle wraps inner with a minimum inter-call gap. A non-positive gap
// returns inner unchanged.
func Throttle(inner engine.Remote, minGap time.Duration) engine.Remote {
	if minGap <= 0 {
		return inner
	}
	return &Throttled{inner: inner, minGap: minGap}
}

func (t *Throttled) Pull(ctx context.Context, et entity.Type, sinceToken string) ([]engine.RemoteRow, string, error) {
	if err := t.wait(ctx); err != nil {
		return nil, "", err
	}
	return t.inner.Pull(ctx, et, sinceToken)
}

func (t *Throttled) Push(ctx context.Context, et entity.Type, records []*engine.ChangeRecord) (*engine.PushResult, error) {
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.inner.Push(ctx, et, records)
}

func (t *Throttled) wait(ctx context.Context) error {
	t.mu.Lock()
	now := time.Now()
	next := t.lastCall.Add(t.minGap)
	if next.Before(now) {
		next = now
	}
	t.lastCall = next
	t.mu.Unlock()

	d := time.Until(next)
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
