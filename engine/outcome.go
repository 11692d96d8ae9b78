package engine

import (
	"time"
)

// OutcomeKind classifies how a handler execution resolved.
type OutcomeKind string

const (
	// OutcomeSuccess marks terminal success.
	OutcomeSuccess OutcomeKind = "success"

	// OutcomeRetry marks a transient failure (network timeout, temporary
	// resource exhaustion, pool-acquire timeout). Rescheduled with
	// exponential backoff; counts toward dead-lettering.
	OutcomeRetry OutcomeKind = "retryable_failure"

	// OutcomePermanent marks a failure that retrying can never fix
	// (malformed payload, unknown job type). Dead-lettered immediately.
	OutcomePermanent OutcomeKind = "permanent_failure"

	// OutcomeThrottle is not a failure: a deliberate "try again at time T"
	// signal from a gating policy (e.g. an external budget limiter). Does
	// not consume a retry attempt and does not record an error.
	OutcomeThrottle OutcomeKind = "throttle_reschedule"
)

// Outcome is the tagged result of one handler execution. Failure
// classification is a first-class value, never inferred from error types or
// panics escaping the handler.
type Outcome struct {
	kind    OutcomeKind
	err     error
	nextRun time.Time
}

// Success returns a terminal-success outcome.
func Success() Outcome {
	return Outcome{kind: OutcomeSuccess}
}

// Retry returns a retryable-failure outcome carrying the cause.
func Retry(err error) Outcome {
	return Outcome{kind: OutcomeRetry, err: err}
}

// Permanent returns a permanent-failure outcome carrying the cause.
func Permanent(err error) Outcome {
	return Outcome{kind: OutcomePermanent, err: err}
}

// Throttle returns a non-failure deferral to the given time. The engine
// reschedules without touching attempts or last_error.
func Throttle(nextRun time.Time) Outcome {
	return Outcome{kind: OutcomeThrottle, nextRun: nextRun.UTC()}
}

// Kind returns the outcome classification.
func (o Outcome) Kind() OutcomeKind { return o.kind }

// Err returns the failure cause for retryable/permanent outcomes, nil otherwise.
func (o Outcome) Err() error { return o.err }

// NextRun returns the caller-specified time for throttle outcomes.
func (o Outcome) NextRun() time.Time { return o.nextRun }

// IsFailure reports whether the outcome counts against the job's retry budget.
func (o Outcome) IsFailure() bool {
	return o.kind == OutcomeRetry || o.kind == OutcomePermanent
}
