package schedule

import (
	"context"
	"database/sql"
	"time"

	"github.com/ferrule/conveyor/errors"
)

// Store handles persistence of scheduled jobs.
type Store struct {
	db *sql.DB
}

// NewStore creates a new schedule store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateJob persists a new scheduled job.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO scheduled_jobs (
			id, queue, job_type, payload, interval_seconds, cron_expr,
			state, next_run_at, last_run_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}
	cronExpr := sql.NullString{String: job.CronExpr, Valid: job.CronExpr != ""}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Queue,
		job.JobType,
		payload,
		job.IntervalSeconds,
		cronExpr,
		job.State,
		nullableTime(job.NextRunAt),
		nullableTime(job.LastRunAt),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		return errors.Wrapf(err, "failed to create scheduled job %s", job.ID)
	}

	return nil
}

// GetJob retrieves a scheduled job by ID.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	query := scheduledJobSelect + ` WHERE id = ?`

	job, err := scanScheduledJob(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "scheduled job %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get scheduled job %s", id)
	}
	return job, nil
}

// ListJobs returns all non-deleted scheduled jobs, oldest first.
func (s *Store) ListJobs(ctx context.Context) ([]*Job, error) {
	query := scheduledJobSelect + ` WHERE state != ? ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StateDeleted)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list scheduled jobs")
	}
	defer rows.Close()

	return collectScheduledJobs(rows)
}

// ListDue returns active schedules whose next_run_at is at or before now.
func (s *Store) ListDue(ctx context.Context, now time.Time) ([]*Job, error) {
	query := scheduledJobSelect + `
		WHERE state = ? AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`

	rows, err := s.db.QueryContext(ctx, query, StateActive, now.UTC())
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due scheduled jobs")
	}
	defer rows.Close()

	return collectScheduledJobs(rows)
}

// NextDue returns the soonest active schedule, or nil when none exist.
func (s *Store) NextDue(ctx context.Context) (*Job, error) {
	query := scheduledJobSelect + `
		WHERE state = ? AND next_run_at IS NOT NULL
		ORDER BY next_run_at ASC LIMIT 1`

	job, err := scanScheduledJob(s.db.QueryRowContext(ctx, query, StateActive))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to get next scheduled job")
	}
	return job, nil
}

// MarkRun records a firing: last_run_at = ranAt, next_run_at = nextRun.
func (s *Store) MarkRun(ctx context.Context, id string, ranAt, nextRun time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET last_run_at = ?, next_run_at = ?, updated_at = ?
		WHERE id = ?
	`, ranAt.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to mark scheduled job %s as run", id)
	}
	return requireScheduledRow(res, id)
}

// SetState transitions a schedule between active, paused, and deleted.
func (s *Store) SetState(ctx context.Context, id, state string) error {
	switch state {
	case StateActive, StatePaused, StateDeleted:
	default:
		return errors.Newf("unknown scheduled job state: %s", state)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs SET state = ?, updated_at = ? WHERE id = ?
	`, state, time.Now().UTC(), id)
	if err != nil {
		return errors.Wrapf(err, "failed to set scheduled job %s state", id)
	}
	return requireScheduledRow(res, id)
}

const scheduledJobSelect = `
	SELECT id, queue, job_type, payload, interval_seconds, cron_expr,
	       state, next_run_at, last_run_at, created_at, updated_at
	FROM scheduled_jobs`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanScheduledJob(row rowScanner) (*Job, error) {
	var job Job
	var payload, cronExpr sql.NullString
	var nextRunAt, lastRunAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.JobType,
		&payload,
		&job.IntervalSeconds,
		&cronExpr,
		&job.State,
		&nextRunAt,
		&lastRunAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if payload.Valid {
		job.Payload = []byte(payload.String)
	}
	if cronExpr.Valid {
		job.CronExpr = cronExpr.String
	}
	if nextRunAt.Valid {
		t := nextRunAt.Time
		job.NextRunAt = &t
	}
	if lastRunAt.Valid {
		t := lastRunAt.Time
		job.LastRunAt = &t
	}

	return &job, nil
}

func collectScheduledJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		job, err := scanScheduledJob(rows)
		if err != nil {
			return nil, errors.Wrap(err, "failed to scan scheduled job")
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating scheduled jobs")
	}
	return jobs, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func requireScheduledRow(res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "scheduled job %s", id)
	}
	return nil
}
