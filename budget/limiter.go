// Package budget provides call-rate gating for job execution against
// external services.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ferrule/conveyor/errors"
)

// Limiter enforces max calls per time window using a sliding window
// algorithm. It satisfies the engine's RateLimiter interface, so attaching
// one to a poller gates its claim cycles.
type Limiter struct {
	maxCalls  int
	window    time.Duration
	mu        sync.Mutex
	callTimes []time.Time
	timeNow   func() time.Time // Injectable for testing
}

// NewLimiter creates a rate limiter allowing maxCalls per window.
func NewLimiter(maxCalls int, window time.Duration) *Limiter {
	return NewLimiterWithClock(maxCalls, window, time.Now)
}

// NewLimiterWithClock creates a rate limiter with an injectable clock (for
// testing).
func NewLimiterWithClock(maxCalls int, window time.Duration, timeNow func() time.Time) *Limiter {
	return &Limiter{
		maxCalls:  maxCalls,
		window:    window,
		callTimes: make([]time.Time, 0, maxCalls),
		timeNow:   timeNow,
	}
}

// Allow checks if a call is allowed under the rate limit, recording it when
// allowed. Returns an error when the limit is exceeded.
func (r *Limiter) Allow() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) >= r.maxCalls {
		err := errors.Newf("rate limit exceeded: %d calls in window (limit: %d)",
			len(r.callTimes), r.maxCalls)
		err = errors.WithDetail(err, fmt.Sprintf("Window: %s", r.window))
		err = errors.WithDetail(err, fmt.Sprintf("Max calls per window: %d", r.maxCalls))
		return err
	}

	r.callTimes = append(r.callTimes, now)
	return nil
}

// Wait blocks until a call is allowed under the rate limit. Returns an
// error if the context is cancelled first.
func (r *Limiter) Wait(ctx context.Context) error {
	for {
		if err := r.Allow(); err == nil {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
			// Retry after short delay
		}
	}
}

// removeExpiredCalls removes call timestamps outside the sliding window.
// Must be called with lock held.
func (r *Limiter) removeExpiredCalls(now time.Time) {
	cutoff := now.Add(-r.window)

	// Timestamps are ordered, so expired entries sit at the front.
	expired := 0
	for _, callTime := range r.callTimes {
		if !callTime.After(cutoff) {
			expired++
		} else {
			break
		}
	}

	r.callTimes = r.callTimes[expired:]
}

// NextFree returns the earliest time a new call will be allowed. When
// capacity is available it returns now. Handlers use this as the resume
// time for a throttle deferral.
func (r *Limiter) NextFree() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	if len(r.callTimes) < r.maxCalls {
		return now
	}
	return r.callTimes[0].Add(r.window)
}

// Reset clears the rate limiter state.
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.callTimes = r.callTimes[:0]
}

// Stats returns current call counts: calls recorded in the window and
// remaining capacity.
func (r *Limiter) Stats() (callsInWindow int, remaining int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.timeNow()
	r.removeExpiredCalls(now)

	callsInWindow = len(r.callTimes)
	remaining = r.maxCalls - callsInWindow
	if remaining < 0 {
		remaining = 0
	}

	return callsInWindow, remaining
}
