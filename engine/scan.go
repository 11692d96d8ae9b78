package engine

import (
	"database/sql"
)

// JobScanArgs holds the nullable column targets needed when scanning a job
// row. Optional columns land here first, then ProcessJobScanArgs moves them
// onto the Job.
type JobScanArgs struct {
	Payload     sql.NullString
	LockedAt    sql.NullTime
	LockedBy    sql.NullString
	LastError   sql.NullString
	CompletedAt sql.NullTime
	FailedAt    sql.NullTime
}

// GetJobScanArgs returns a JobScanArgs struct with all variables ready for scanning
func GetJobScanArgs() *JobScanArgs {
	return &JobScanArgs{}
}

// GetJobScanTargets returns scan destinations for the job and scan args,
// in the order of StandardJobSelectColumns.
func GetJobScanTargets(job *Job, args *JobScanArgs) []interface{} {
	return []interface{}{
		&job.ID,
		&job.Queue,
		&job.Type,
		&args.Payload,
		&job.RunAt,
		&args.LockedAt,
		&args.LockedBy,
		&job.Attempts,
		&args.LastError,
		&args.CompletedAt,
		&args.FailedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	}
}

// ProcessJobScanArgs moves scanned nullable values onto the job struct.
func ProcessJobScanArgs(job *Job, args *JobScanArgs) {
	if args.Payload.Valid {
		job.Payload = []byte(args.Payload.String)
	}
	if args.LockedAt.Valid {
		t := args.LockedAt.Time
		job.LockedAt = &t
	}
	if args.LockedBy.Valid {
		job.LockedBy = args.LockedBy.String
	}
	if args.LastError.Valid {
		job.LastError = args.LastError.String
	}
	if args.CompletedAt.Valid {
		t := args.CompletedAt.Time
		job.CompletedAt = &t
	}
	if args.FailedAt.Valid {
		t := args.FailedAt.Time
		job.FailedAt = &t
	}
}

// ScanJobFromRow scans a single job from a sql.Row
func ScanJobFromRow(row *sql.Row, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := row.Scan(targets...); err != nil {
		return err
	}

	ProcessJobScanArgs(job, args)
	return nil
}

// ScanJobFromRows scans a single job from sql.Rows (for use in loops)
func ScanJobFromRows(rows *sql.Rows, job *Job) error {
	args := GetJobScanArgs()
	targets := GetJobScanTargets(job, args)

	if err := rows.Scan(targets...); err != nil {
		return err
	}

	ProcessJobScanArgs(job, args)
	return nil
}

// StandardJobSelectColumns returns the standard column list for job SELECT queries
func StandardJobSelectColumns() string {
	return `id, queue, job_type, payload, run_at,
		locked_at, locked_by, attempts, last_error,
		completed_at, failed_at, created_at, updated_at`
}
