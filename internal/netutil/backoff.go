package netutil

import (
	"math/rand/v2"
	"time"
)

// Backoff computes a capped exponential delay for the given 1-based attempt:
// base * 2^(attempt-1), clamped to cap. Attempt values below 1 are treated
// as 1.
func Backoff(base, cap time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 1 {
		attempt = 1
	}

	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if cap > 0 && d >= cap {
			return cap
		}
	}
	if cap > 0 && d > cap {
		return cap
	}
	return d
}

// BackoffJitter is Backoff with up to 25% random jitter added, so that many
// callers retrying from the same failure do not stampede in lockstep.
func BackoffJitter(base, cap time.Duration, attempt int) time.Duration {
	d := Backoff(base, cap, attempt)
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1))
	if cap > 0 && d+jitter > cap {
		return cap
	}
	return d + jitter
}
