package fallback

import (
	"math/rand"
	"time"
)

// BackoffStrategy computes the wait before retry number attempt (1-based:
// attempt 1 is the wait after the first failed call).
type BackoffStrategy interface {
	Next(attempt int) time.Duration
}

// LinearBackoff waits Base*attempt
type LinearBackoff struct {
	Base time.Duration
	Max  time.Duration
}

// Next implements BackoffStrategy
func (b LinearBackoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := b.Base * time.Duration(attempt)
	if b.Max > 0 && delay > b.Max {
		delay = b.Max
	}
	return delay
}

// ExponentialBackoff waits Base*Factor^(attempt-1), capped at Max, with
// optional +/- Jitter (0.0 to 1.0).
type ExponentialBackoff struct {
	Base   time.Duration
	Max    time.Duration
	Factor float64
	Jitter float64
}

// Next implements BackoffStrategy
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	factor := b.Factor
	if factor <= 0 {
		factor = 2
	}

	delay := float64(b.Base)
	for i := 1; i < attempt; i++ {
		delay *= factor
		if b.Max > 0 && delay > float64(b.Max) {
			break
		}
	}
	if b.Max > 0 && delay > float64(b.Max) {
		delay = float64(b.Max)
	}

	if b.Jitter > 0 {
		delay += delay * (rand.Float64()*2 - 1) * b.Jitter
	}
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}

// NewBackoff builds the strategy named by kind ("linear" or "exponential")
func NewBackoff(kind string, base, max time.Duration, jitter float64) BackoffStrategy {
	if kind == "linear" {
		return LinearBackoff{Base: base, Max: max}
	}
	return ExponentialBackoff{Base: base, Max: max, Factor: 2, Jitter: jitter}
}
