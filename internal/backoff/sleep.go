package backoff

import (
	"context"
	"time"
)

// SleepWithContext waits for d, returning early with ctx.Err() if the
// context ends first. Non-positive durations return immediately.
func SleepWithContext(ctx context.Context, d time.Duration) error {
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
