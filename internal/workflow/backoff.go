package workflow

import (
	"math"
	"math/rand"
	"time"
)

// backoffDelay returns the full-jitter delay before retry number attempt
// (1-based): a uniform draw from [0, min(max, base*2^(attempt-1))]. Full
// jitter keeps colliding retries from re-colliding.
func backoffDelay(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceil := float64(base) * math.Pow(2, float64(attempt-1))
	if ceil > float64(max) {
		ceil = float64(max)
	}
	return time.Duration(rand.Int63n(int64(ceil) + 1))
}
