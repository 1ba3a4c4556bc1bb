package workflow

import (
	"math/rand"
	"time"
)

// backoff computes the delay before retrying a failed stage using
// exponential backoff with jitter:
//
//	delay = min(base * 2^(attempt-1), max) + jitter(0, base)
//
// The jitter spreads synchronized retries from concurrent workers.
func (e *Engine) backoff(attempt int) time.Duration {
	return computeBackoff(attempt, e.cfg.BackoffBase, e.cfg.BackoffMax)
}

func computeBackoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	// Shift overflows past ~60 doublings; the cap makes large
	// exponents irrelevant anyway.
	exp := attempt - 1
	if exp > 20 {
		exp = 20
	}
	delay := base * (1 << exp)
	if delay > maxDelay {
		delay = maxDelay
	}
	jitter := time.Duration(rand.Int63n(int64(base))) // #nosec G404 -- retry timing, not security
	return delay + jitter
}
