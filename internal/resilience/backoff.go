package resilience

import (
	"math/rand/v2"
	"time"
)

// maxBackoff caps retry delays so a retried upstream call stays inside the
// caller's request budget.
const maxBackoff = 5 * time.Second

// Backoff returns the exponential delay before retry number attempt, spread by
// ±jitterPct (0.2 means 20%).
func Backoff(base time.Duration, attempt int, jitterPct float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	if jitterPct <= 0 {
		return d
	}
	delta := (rand.Float64()*2 - 1) * float64(d) * jitterPct
	return d + time.Duration(delta)
}
