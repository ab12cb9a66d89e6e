// Package backoff implements the bounded-exponential-backoff-with-jitter
// primitive shared by every retry loop in the core: the sqlite backend's
// busy-retry, the coordinator's layer-boundary persistence retry, and
// step-level retry policies. One primitive, reused rather than
// reimplemented per caller, grounded in the token-bucket-adjacent shape of
// golang.org/x/time/rate already wired for outbound HTTP rate limiting.
package backoff

import (
	"context"
	"math/rand"
	"time"
)

// Delay returns the backoff duration for the given 0-indexed attempt:
// base*2^attempt plus a uniformly random jitter in [0, base*2^attempt].
func Delay(attempt int, base time.Duration) time.Duration {
	d := base * time.Duration(uint64(1)<<uint(attempt))
	jitter := time.Duration(rand.Int63n(int64(d) + 1))
	return d + jitter
}

// Wait blocks for Delay(attempt, base) or until ctx is done, whichever
// comes first, returning ctx.Err() in the latter case.
func Wait(ctx context.Context, attempt int, base time.Duration) error {
	select {
	case <-time.After(Delay(attempt, base)):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
