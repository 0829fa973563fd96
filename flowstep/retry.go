package flowstep

import (
	"math"
	"math/rand"
	"time"
)

// RetryPolicy governs how many times and how far apart a run step's callback
// is re-attempted after a failure. The zero value means "no retry": the step
// fails on the first error.
type RetryPolicy struct {
	MaxAttempts int
	Retryable   func(err error) bool

	MinBackoff time.Duration // default 1s
	MaxBackoff time.Duration // default 30s
	JitterFrac float64       // default 0.20
}

func shouldRetry(r RetryPolicy, attempts int, err error) bool {
	if IsNonRecoverable(err) {
		return false
	}
	if r.MaxAttempts <= 0 || attempts >= r.MaxAttempts {
		return false
	}
	if r.Retryable == nil {
		return true
	}
	return r.Retryable(err)
}

func computeBackoff(r RetryPolicy, attempts int) time.Duration {
	minB := r.MinBackoff
	maxB := r.MaxBackoff
	j := r.JitterFrac
	if minB <= 0 {
		minB = 1 * time.Second
	}
	if maxB <= 0 {
		maxB = 30 * time.Second
	}
	if j <= 0 {
		j = 0.20
	}
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(minB) * math.Pow(2, float64(attempts-1)))
	if d > maxB {
		d = maxB
	}
	delta := float64(d) * j
	low := float64(d) - delta
	high := float64(d) + delta
	if low < 0 {
		low = 0
	}
	return time.Duration(low + rand.Float64()*(high-low))
}

// rate converts a Job's RateLimit/Throttle configuration ("N per unit") into
// the minimum start-to-start spacing, per spec §9: ms = UNIT / R.
func rate(n int, unit time.Duration) time.Duration {
	if n <= 0 {
		return 0
	}
	return unit / time.Duration(n)
}
