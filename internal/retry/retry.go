// Package retry implements the bounded, jittered backoff policy spec §7
// assigns to ConcurrentMutation and LockUnavailable: retry internally up to
// N attempts (default 3) with base delay 50ms, then surface.
package retry

import (
	"context"
	"math/rand"
	"time"

	"github.com/agrofin/lpce/internal/lpceerr"
)

// Policy configures the backoff.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Default matches spec §7's recommended N=3, base 50ms.
var Default = Policy{MaxAttempts: 3, BaseDelay: 50 * time.Millisecond}

// Do calls fn until it succeeds, returns a non-retryable error, or the
// attempt budget is exhausted. ctx cancellation aborts immediately without
// committing a further attempt (spec §5 cancellation guarantees).
func Do(ctx context.Context, p Policy, fn func() error) error {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
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
		if !lpceerr.IsRetryable(lastErr) {
			return lastErr
		}
		if attempt == p.MaxAttempts-1 {
			break
		}
		delay := jittered(p.BaseDelay, attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return lastErr
}

// jittered doubles the base delay per attempt and adds up to 50% random
// jitter, so concurrent retriers on the same pool don't thunder in lockstep.
func jittered(base time.Duration, attempt int) time.Duration {
	backoff := base << attempt
	jitter := time.Duration(rand.Int63n(int64(backoff)/2 + 1))
	return backoff + jitter
}
