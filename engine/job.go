// Package engine provides durable asynchronous job execution with leased
// claims, retry/backoff, dead-lettering, and pooled long-lived resources.
//
// ARCHITECTURE: Generic job system with handler-based execution
// - Infrastructure (engine) is domain-agnostic
// - Domain packages provide handlers and payloads
// - Type identifies which handler executes the job
// - Payload contains handler-specific data (domain logic controls structure)
package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ferrule/conveyor/errors"
)

// Status represents the derived state of a job.
//
// Status is not stored as a column; it is computed from the outcome and
// lease fields so the row can never disagree with itself.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusDead       Status = "dead"
)

// IsValidStatus returns true if the status string is a valid Status
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusDead:
		return true
	default:
		return false
	}
}

// MaxPayloadBytes bounds the size of an enqueued payload. The engine never
// inspects payload contents, only size and JSON well-formedness.
const MaxPayloadBytes = 256 * 1024

// Job is the unit of durable work.
//
// Lifecycle: enqueued pending -> claimed (lease taken, attempts incremented)
// -> resolved to completed, rescheduled pending, or dead. A lease held past
// its duration is reclaimable by any worker; reclaim is not a failure.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Type        string          `json:"type"`              // "feed.refresh", "listing.screenshot"
	Payload     json.RawMessage `json:"payload,omitempty"` // Handler-specific data (domain-owned)
	RunAt       time.Time       `json:"run_at"`
	LockedAt    *time.Time      `json:"locked_at,omitempty"`
	LockedBy    string          `json:"locked_by,omitempty"`
	Attempts    int             `json:"attempts"`
	LastError   string          `json:"last_error,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// NewJob creates a job for the given queue and type. A zero runAt means
// eligible immediately. The payload may be nil; when present it must be
// valid JSON no larger than MaxPayloadBytes.
func NewJob(queue, jobType string, payload json.RawMessage, runAt time.Time) (*Job, error) {
	if queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}
	if len(payload) > MaxPayloadBytes {
		return nil, errors.Newf("payload exceeds %d bytes", MaxPayloadBytes)
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, errors.New("payload is not valid JSON")
	}

	now := time.Now().UTC()
	if runAt.IsZero() {
		runAt = now
	}

	return &Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		Type:      jobType,
		Payload:   payload,
		RunAt:     runAt.UTC(),
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// StatusAt derives the job's state as of now, given the lease duration in
// effect. Terminal outcomes win over lease state.
func (j *Job) StatusAt(now time.Time, leaseDuration time.Duration) Status {
	switch {
	case j.CompletedAt != nil:
		return StatusCompleted
	case j.FailedAt != nil:
		return StatusDead
	case j.LeaseActive(now, leaseDuration):
		return StatusInProgress
	default:
		return StatusPending
	}
}

// LeaseActive reports whether the job carries a live lease: a lease is valid
// while now < lockedAt + leaseDuration. An expired lease makes the row
// reclaimable without any explicit release.
func (j *Job) LeaseActive(now time.Time, leaseDuration time.Duration) bool {
	return j.LockedAt != nil && now.Before(j.LockedAt.Add(leaseDuration))
}
