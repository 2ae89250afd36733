package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Jitter returns an exponential delay for the given attempt (1-based), capped at max,
// with the upper half randomised so retrying callers spread out.
func Jitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if exp > float64(max) {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
