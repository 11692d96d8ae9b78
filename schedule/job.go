// Package schedule provides recurring enqueue definitions: interval and
// cron schedules that feed the job engine.
package schedule

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ferrule/conveyor/errors"
)

// State constants for scheduled jobs
const (
	StateActive  = "active"  // Schedule fires on its cadence
	StatePaused  = "paused"  // Temporarily suspended by the operator
	StateDeleted = "deleted" // Soft-deleted, retained for audit
)

// Job is a recurring enqueue definition. Exactly one of IntervalSeconds or
// CronExpr drives the cadence. The ticker inserts an ordinary engine job
// each time NextRunAt comes due, then advances NextRunAt.
type Job struct {
	ID              string
	Queue           string
	JobType         string
	Payload         json.RawMessage
	IntervalSeconds int
	CronExpr        string
	State           string
	NextRunAt       *time.Time
	LastRunAt       *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewIntervalJob creates an active schedule firing every interval, first
// firing one interval from now.
func NewIntervalJob(queue, jobType string, payload json.RawMessage, interval time.Duration) (*Job, error) {
	if interval < time.Second {
		return nil, errors.Newf("interval must be at least one second, got %s", interval)
	}
	job, err := newJob(queue, jobType, payload)
	if err != nil {
		return nil, err
	}

	job.IntervalSeconds = int(interval / time.Second)
	next := job.CreatedAt.Add(interval)
	job.NextRunAt = &next
	return job, nil
}

// NewCronJob creates an active schedule driven by a standard 5-field cron
// expression.
func NewCronJob(queue, jobType string, payload json.RawMessage, cronExpr string) (*Job, error) {
	sched, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid cron expression %q", cronExpr)
	}
	job, err := newJob(queue, jobType, payload)
	if err != nil {
		return nil, err
	}

	job.CronExpr = cronExpr
	next := sched.Next(job.CreatedAt)
	job.NextRunAt = &next
	return job, nil
}

func newJob(queue, jobType string, payload json.RawMessage) (*Job, error) {
	if queue == "" {
		return nil, errors.New("queue cannot be empty")
	}
	if jobType == "" {
		return nil, errors.New("jobType cannot be empty")
	}
	if len(payload) > 0 && !json.Valid(payload) {
		return nil, errors.New("payload is not valid JSON")
	}

	now := time.Now().UTC()
	return &Job{
		ID:        uuid.NewString(),
		Queue:     queue,
		JobType:   jobType,
		Payload:   payload,
		State:     StateActive,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// NextAfter returns the run time following now. Cron schedules follow the
// expression; interval schedules fire one interval from now, so a schedule
// that missed ticks (daemon down) fires once and resumes its cadence rather
// than flooding the queue with the backlog.
func (j *Job) NextAfter(now time.Time) (time.Time, error) {
	if j.CronExpr != "" {
		sched, err := cron.ParseStandard(j.CronExpr)
		if err != nil {
			return time.Time{}, errors.Wrapf(err, "invalid cron expression %q", j.CronExpr)
		}
		return sched.Next(now).UTC(), nil
	}
	if j.IntervalSeconds <= 0 {
		return time.Time{}, errors.Newf("scheduled job %s has neither cron nor interval", j.ID)
	}
	return now.Add(time.Duration(j.IntervalSeconds) * time.Second).UTC(), nil
}
