package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// JobStatus is the lifecycle state of a backup job. Transitions are
// pending -> running -> completed | failed; there is no resume, a retry is a
// new job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether the status is a final one.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobKind distinguishes full from incremental backup runs.
type JobKind string

const (
	KindFull        JobKind = "full"
	KindIncremental JobKind = "incremental"
)

// Job is one backup job row.
type Job struct {
	ID              string    `json:"id"`
	Mailbox         string    `json:"mailbox"`
	Kind            JobKind   `json:"kind"`
	Status          JobStatus `json:"status"`
	StartDate       time.Time `json:"start_date,omitzero"`
	EndDate         time.Time `json:"end_date,omitzero"`
	TotalEmails     int       `json:"total_emails"`
	ProcessedEmails int       `json:"processed_emails"`
	FailedEmails    int       `json:"failed_emails"`
	ErrorMessage    string    `json:"error_message,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	CompletedAt     time.Time `json:"completed_at,omitzero"`
}

// CreateJob inserts a new job row.
func (s *Store) CreateJob(ctx context.Context, job *Job) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO backup_jobs
		(id, mailbox, kind, status, start_date, end_date, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, job.ID, job.Mailbox, job.Kind, job.Status,
		nullUnix(job.StartDate), nullUnix(job.EndDate), job.CreatedAt.Unix())
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// UpdateJobStatus moves a job to a new status. Terminal statuses also set
// completed_at; a non-empty message replaces the stored error message.
func (s *Store) UpdateJobStatus(ctx context.Context, jobID string, status JobStatus, errorMessage string) error {
	var completedAt sql.NullInt64
	if status.Terminal() {
		completedAt = sql.NullInt64{Int64: time.Now().Unix(), Valid: true}
	}

	_, err := s.DB.ExecContext(ctx, `
		UPDATE backup_jobs
		SET status = ?,
		    error_message = CASE WHEN ? != '' THEN ? ELSE error_message END,
		    completed_at = COALESCE(?, completed_at)
		WHERE id = ?
	`, status, errorMessage, errorMessage, completedAt, jobID)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// UpdateJobCounters flushes the in-memory progress counters onto the job row
// so terminal state survives a process restart.
func (s *Store) UpdateJobCounters(ctx context.Context, jobID string, total, processed, failed int) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE backup_jobs
		SET total_emails = ?, processed_emails = ?, failed_emails = ?
		WHERE id = ?
	`, total, processed, failed, jobID)
	if err != nil {
		return fmt.Errorf("update job counters: %w", err)
	}
	return nil
}

// GetJob loads one job; returns nil when no row exists.
func (s *Store) GetJob(ctx context.Context, jobID string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, mailbox, kind, status, start_date, end_date,
		       total_emails, processed_emails, failed_emails,
		       error_message, created_at, completed_at
		FROM backup_jobs WHERE id = ?
	`, jobID)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// ActiveJobForMailbox returns a pending or running job for the mailbox, or
// nil when none exists.
func (s *Store) ActiveJobForMailbox(ctx context.Context, mailbox string) (*Job, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, mailbox, kind, status, start_date, end_date,
		       total_emails, processed_emails, failed_emails,
		       error_message, created_at, completed_at
		FROM backup_jobs
		WHERE mailbox = ? AND status IN (?, ?)
		ORDER BY created_at DESC LIMIT 1
	`, mailbox, JobPending, JobRunning)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("active job for %s: %w", mailbox, err)
	}
	return job, nil
}

// ListJobs returns recent jobs, newest first. An empty mailbox lists all
// mailboxes.
func (s *Store) ListJobs(ctx context.Context, mailbox string, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
		SELECT id, mailbox, kind, status, start_date, end_date,
		       total_emails, processed_emails, failed_emails,
		       error_message, created_at, completed_at
		FROM backup_jobs`
	args := []any{}
	if mailbox != "" {
		query += " WHERE mailbox = ?"
		args = append(args, mailbox)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("list jobs: %w", err)
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// DeleteJobsBefore removes job rows for the mailbox created strictly before
// the cutoff. Returns the number of rows removed.
func (s *Store) DeleteJobsBefore(ctx context.Context, mailbox string, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `
		DELETE FROM backup_jobs WHERE mailbox = ? AND created_at < ?
	`, mailbox, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var job Job
	var start, end, completed sql.NullInt64
	var created int64
	if err := row.Scan(&job.ID, &job.Mailbox, &job.Kind, &job.Status,
		&start, &end,
		&job.TotalEmails, &job.ProcessedEmails, &job.FailedEmails,
		&job.ErrorMessage, &created, &completed); err != nil {
		return nil, err
	}
	job.StartDate = unixTime(start)
	job.EndDate = unixTime(end)
	job.CreatedAt = time.Unix(created, 0).UTC()
	job.CompletedAt = unixTime(completed)
	return &job, nil
}
