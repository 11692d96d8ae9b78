package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ferrule/conveyor/errors"
)

// Store owns every mutation of a job row. The jobs table is the only
// cross-process shared state; all coordination happens through the four
// explicit operations below (Enqueue, ClaimNext, Complete,
// Reschedule/Defer/DeadLetter), never through ad hoc updates.
type Store struct {
	db      *sql.DB
	timeNow func() time.Time // Injectable for testing
}

// NewStore creates a job store with the real clock.
func NewStore(db *sql.DB) *Store {
	return NewStoreWithClock(db, time.Now)
}

// NewStoreWithClock creates a job store with an injectable clock (for testing
// lease expiry without sleeping).
func NewStoreWithClock(db *sql.DB, timeNow func() time.Time) *Store {
	return &Store{db: db, timeNow: timeNow}
}

// Enqueue persists a new pending job and returns it. Always succeeds while
// storage is reachable; idempotency of the effect is the handler's
// responsibility, not the store's.
func (s *Store) Enqueue(ctx context.Context, job *Job) error {
	query := `
		INSERT INTO jobs (
			id, queue, job_type, payload, run_at,
			attempts, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`

	payload := sql.NullString{String: string(job.Payload), Valid: len(job.Payload) > 0}

	_, err := s.db.ExecContext(ctx, query,
		job.ID,
		job.Queue,
		job.Type,
		payload,
		job.RunAt.UTC(),
		job.CreatedAt.UTC(),
		job.UpdatedAt.UTC(),
	)
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue job")
		err = errors.WithDetail(err, fmt.Sprintf("Job ID: %s", job.ID))
		err = errors.WithDetail(err, fmt.Sprintf("Queue: %s", job.Queue))
		err = errors.WithDetail(err, fmt.Sprintf("Type: %s", job.Type))
		return err
	}

	return nil
}

// ClaimNext atomically claims one eligible job from the given queues for
// workerID and returns it, or (nil, nil) when nothing is claimable.
//
// Eligible means not completed, not dead, run_at due, and either unleased or
// carrying a lease older than leaseDuration (a crashed worker's orphan).
// Selection order is run_at ascending, created_at ascending — FIFO under
// equal scheduling.
//
// The whole claim is one conditional UPDATE, so concurrent callers racing
// the same row can never both win: SQLite serializes writers, and the
// eligibility predicate is re-checked inside the statement.
//
// Attempts increment only when the row carries no lease. Reclaiming a stale
// lease keeps the count: that execution window already paid its increment,
// and reclaim is not itself a failure. The attempt_charged flag records which
// case this claim was, so Defer knows whether an attempt is refundable.
func (s *Store) ClaimNext(ctx context.Context, queues []string, workerID string, leaseDuration time.Duration) (*Job, error) {
	if len(queues) == 0 {
		return nil, errors.New("no queues given")
	}
	if workerID == "" {
		return nil, errors.New("workerID cannot be empty")
	}

	now := s.timeNow().UTC()
	staleBefore := now.Add(-leaseDuration)

	placeholders := strings.Repeat("?,", len(queues))
	placeholders = placeholders[:len(placeholders)-1]

	query := `
		UPDATE jobs
		SET locked_at = ?,
		    locked_by = ?,
		    attempts = CASE WHEN locked_at IS NULL THEN attempts + 1 ELSE attempts END,
		    attempt_charged = CASE WHEN locked_at IS NULL THEN 1 ELSE 0 END,
		    updated_at = ?
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue IN (` + placeholders + `)
			  AND completed_at IS NULL
			  AND failed_at IS NULL
			  AND run_at <= ?
			  AND (locked_at IS NULL OR locked_at <= ?)
			ORDER BY run_at ASC, created_at ASC
			LIMIT 1
		)
		RETURNING ` + StandardJobSelectColumns()

	args := []interface{}{now, workerID, now}
	for _, q := range queues {
		args = append(args, q)
	}
	args = append(args, now, staleBefore)

	var job Job
	err := ScanJobFromRow(s.db.QueryRowContext(ctx, query, args...), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil // Nothing eligible - this is not an error
	}
	if err != nil {
		err = errors.Wrap(err, "failed to claim job")
		err = errors.WithDetail(err, fmt.Sprintf("Queues: %s", strings.Join(queues, ",")))
		err = errors.WithDetail(err, fmt.Sprintf("Worker: %s", workerID))
		return nil, err
	}

	return &job, nil
}

// Complete clears the lease and marks terminal success. The row is retained
// for audit until pruned.
func (s *Store) Complete(ctx context.Context, jobID string) error {
	now := s.timeNow().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET locked_at = NULL,
		    locked_by = NULL,
		    completed_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, now, now, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to complete job %s", jobID)
	}

	return requireRowAffected(res, jobID)
}

// Reschedule clears the lease and returns the job to pending with a new
// run_at, recording the failure that caused the requeue. The attempt charged
// at claim time stands: this is the retry path.
func (s *Store) Reschedule(ctx context.Context, jobID string, nextRunAt time.Time, jobErr error) error {
	if jobErr == nil {
		return errors.New("reschedule requires the causing error; use Defer for non-failure reschedules")
	}

	now := s.timeNow().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET locked_at = NULL,
		    locked_by = NULL,
		    last_error = ?,
		    run_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, jobErr.Error(), nextRunAt.UTC(), now, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to reschedule job %s", jobID)
	}

	return requireRowAffected(res, jobID)
}

// Defer clears the lease and moves run_at forward without failure
// semantics: last_error is untouched and the attempt charged at claim time
// is handed back, so a throttled job makes no progress toward dead-letter.
// The refund only applies when this lease actually charged an attempt - a
// throttle after reclaiming a stale lease keeps the crashed execution's
// charge. This is the store half of a handler's throttle-reschedule outcome.
func (s *Store) Defer(ctx context.Context, jobID string, nextRunAt time.Time) error {
	now := s.timeNow().UTC()

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET locked_at = NULL,
		    locked_by = NULL,
		    attempts = CASE WHEN attempt_charged = 1 AND attempts > 0 THEN attempts - 1 ELSE attempts END,
		    attempt_charged = 0,
		    run_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, nextRunAt.UTC(), now, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to defer job %s", jobID)
	}

	return requireRowAffected(res, jobID)
}

// DeadLetter clears the lease and marks terminal failure. Dead rows are
// excluded from every future claim.
func (s *Store) DeadLetter(ctx context.Context, jobID string, jobErr error) error {
	now := s.timeNow().UTC()

	errMsg := "unknown error"
	if jobErr != nil {
		errMsg = jobErr.Error()
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs
		SET locked_at = NULL,
		    locked_by = NULL,
		    last_error = ?,
		    failed_at = ?,
		    updated_at = ?
		WHERE id = ?
		  AND completed_at IS NULL
		  AND failed_at IS NULL
	`, errMsg, now, now, jobID)
	if err != nil {
		return errors.Wrapf(err, "failed to dead-letter job %s", jobID)
	}

	return requireRowAffected(res, jobID)
}

// GetJob retrieves a job by ID.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs WHERE id = ?`

	var job Job
	err := ScanJobFromRow(s.db.QueryRowContext(ctx, query, jobID), &job)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(errors.ErrNotFound, "job %s", jobID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to get job %s", jobID)
	}

	return &job, nil
}

// ListJobs returns up to limit jobs in the derived status, newest first.
// A nil status returns jobs regardless of state.
func (s *Store) ListJobs(ctx context.Context, status *Status, leaseDuration time.Duration, limit int) ([]*Job, error) {
	base := `SELECT ` + StandardJobSelectColumns() + ` FROM jobs`

	var where string
	var args []interface{}

	now := s.timeNow().UTC()
	staleBefore := now.Add(-leaseDuration)

	if status != nil {
		switch *status {
		case StatusCompleted:
			where = ` WHERE completed_at IS NOT NULL`
		case StatusDead:
			where = ` WHERE failed_at IS NOT NULL`
		case StatusInProgress:
			where = ` WHERE completed_at IS NULL AND failed_at IS NULL AND locked_at > ?`
			args = append(args, staleBefore)
		case StatusPending:
			where = ` WHERE completed_at IS NULL AND failed_at IS NULL
				AND (locked_at IS NULL OR locked_at <= ?)`
			args = append(args, staleBefore)
		default:
			return nil, errors.Newf("unknown status: %s", *status)
		}
	}

	query := base + where + ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list jobs")
	}
	defer rows.Close()

	return scanJobs(rows)
}

// Stats summarizes the table by derived status for operational visibility
// (dead-letter counts and queue backlog are the engine's only user-visible
// failure surface).
type Stats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Dead       int `json:"dead"`
	Total      int `json:"total"`
}

// GetStats returns per-status counts given the lease duration in effect.
func (s *Store) GetStats(ctx context.Context, leaseDuration time.Duration) (*Stats, error) {
	now := s.timeNow().UTC()
	staleBefore := now.Add(-leaseDuration)

	query := `
		SELECT
			COUNT(*) FILTER (WHERE completed_at IS NULL AND failed_at IS NULL
				AND (locked_at IS NULL OR locked_at <= ?)),
			COUNT(*) FILTER (WHERE completed_at IS NULL AND failed_at IS NULL
				AND locked_at > ?),
			COUNT(*) FILTER (WHERE completed_at IS NOT NULL),
			COUNT(*) FILTER (WHERE failed_at IS NOT NULL),
			COUNT(*)
		FROM jobs
	`

	var st Stats
	err := s.db.QueryRowContext(ctx, query, staleBefore, staleBefore).Scan(
		&st.Pending, &st.InProgress, &st.Completed, &st.Dead, &st.Total,
	)
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect job stats")
	}

	return &st, nil
}

// PruneOldJobs removes completed and dead jobs older than the retention
// window. Returns the number of rows removed.
func (s *Store) PruneOldJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := s.timeNow().UTC().Add(-olderThan)

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE (completed_at IS NOT NULL OR failed_at IS NOT NULL)
		  AND updated_at < ?
	`, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "failed to prune old jobs")
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "failed to get rows affected")
	}

	return int(rows), nil
}

// scanJobs is a helper that scans multiple jobs from query rows
func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		var job Job
		if err := ScanJobFromRows(rows, &job); err != nil {
			return nil, errors.Wrap(err, "failed to scan job")
		}
		jobs = append(jobs, &job)
	}

	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "error iterating jobs")
	}

	return jobs, nil
}

// requireRowAffected converts a zero-row UPDATE into ErrNotFound: the job
// either does not exist or already reached a terminal state.
func requireRowAffected(res sql.Result, jobID string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to get rows affected")
	}
	if rows == 0 {
		return errors.Wrapf(errors.ErrNotFound, "job %s (missing or terminal)", jobID)
	}
	return nil
}
