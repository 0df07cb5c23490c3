package txsync

import (
	"math/rand/v2"
	"time"
)

// BackoffDelay computes the wait before retry attempt (0-based): exponential
// in the attempt number with ±25% jitter, capped at max. Jitter keeps a batch
// of transactions submitted together from hammering Horizon in lockstep.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	d := base << uint(attempt)
	if d <= 0 || d > max {
		d = max
	}
	jittered := time.Duration(float64(d) * (0.75 + 0.5*rand.Float64()))
	if jittered > max {
		jittered = max
	}
	return jittered
}
