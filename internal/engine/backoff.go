package engine

import (
	"math"
	"time"
)

// BackoffPolicy shapes the delay before a transiently failed operation is
// retried.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff starts at one second and doubles up to five minutes.
var DefaultBackoff = BackoffPolicy{
	Initial:    time.Second,
	Max:        5 * time.Minute,
	Multiplier: 2,
}

// Backoff returns the delay after the given attempt (1-based):
// min(Initial * Multiplier^(attempt-1), Max).
func Backoff(attempt int, p BackoffPolicy) time.Duration {
	if p.Initial <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	d := float64(p.Initial) * math.Pow(mult, float64(attempt-1))
	if p.Max > 0 && d >= float64(p.Max) {
		return p.Max
	}
	if d >= math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}
	return time.Duration(d)
}
