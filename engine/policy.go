package engine

import (
	"math/rand"
	"time"
)

// BackoffPolicy is a pure function from attempt count to retry delay and
// terminal dead-letter decision. The delay for attempt n is
// Base * 2^(n-1), capped at Cap, with optional random jitter to avoid
// thundering-herd retries when many jobs fail simultaneously.
type BackoffPolicy struct {
	Base        time.Duration // delay after the first failed attempt
	Cap         time.Duration // maximum delay regardless of attempt count
	MaxAttempts int           // attempts at or beyond this are terminal
	Jitter      float64       // fraction of the delay added randomly, 0 disables

	// Injectable for testing
	randFloat func() float64
}

// DefaultBackoffPolicy returns the production policy: 10s doubling up to
// 10m, five attempts, 10% jitter.
func DefaultBackoffPolicy() BackoffPolicy {
	return BackoffPolicy{
		Base:        10 * time.Second,
		Cap:         10 * time.Minute,
		MaxAttempts: 5,
		Jitter:      0.1,
	}
}

// NextDelay returns the delay to apply after the given (1-based) failed
// attempt. Attempts below 1 are treated as 1.
func (p BackoffPolicy) NextDelay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	delay := p.Base
	for i := 1; i < attempts; i++ {
		delay *= 2
		if delay >= p.Cap {
			delay = p.Cap
			break
		}
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	if p.Jitter > 0 {
		rf := p.randFloat
		if rf == nil {
			rf = rand.Float64
		}
		delay += time.Duration(rf() * p.Jitter * float64(delay))
		// Jitter never pushes past the cap: a capped delay stays the cap.
		if delay > p.Cap {
			delay = p.Cap
		}
	}

	return delay
}

// IsTerminal reports whether a job with the given attempt count has
// exhausted its retry budget and must be dead-lettered on failure.
func (p BackoffPolicy) IsTerminal(attempts int) bool {
	return attempts >= p.MaxAttempts
}
