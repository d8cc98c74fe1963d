package resolver

import (
	"context"
	"time"
)

// Backoff decides how long to wait between attempts. attempt is 1-based and
// names the attempt that just failed.
type Backoff interface {
	Wait(ctx context.Context, attempt int) error
}

// FixedBackoff waits the same delay after every failed attempt.
type FixedBackoff struct {
	Delay time.Duration
}

func (b FixedBackoff) Wait(ctx context.Context, _ int) error {
	if b.Delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(b.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
