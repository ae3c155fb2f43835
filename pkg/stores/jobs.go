package stores

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/marquee-labs/marquee/pkg/queue"
)

const jobColumns = `id, kind, payload, idempotency_key, status, attempts, max_attempts, run_at, lease_until, last_error, created_at, updated_at`

// InsertJobs stores new jobs, skipping any whose idempotency key was already used.
func (s *SQLiteStore) InsertJobs(ctx context.Context, jobs []*queue.Job) (int, error) {
	if len(jobs) == 0 {
		return 0, nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?, NULL, '', ?, ?)
		ON CONFLICT(idempotency_key) DO NOTHING
	`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare job insert: %w", err)
	}
	defer stmt.Close()

	now := s.now()
	inserted := 0
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		if job.IdempotencyKey == "" {
			job.IdempotencyKey = job.ID
		}
		if job.RunAt.IsZero() {
			job.RunAt = now
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = 5
		}
		job.Status = queue.JobStatusQueued
		job.CreatedAt = now
		job.UpdatedAt = now

		result, err := stmt.ExecContext(ctx,
			job.ID,
			job.Kind,
			string(job.Payload),
			job.IdempotencyKey,
			string(job.Status),
			job.MaxAttempts,
			toMillis(job.RunAt),
			toMillis(now),
			toMillis(now),
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert job %s: %w", job.IdempotencyKey, err)
		}
		n, err := rowsAffected(result)
		if err != nil {
			return 0, err
		}
		inserted += int(n)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit jobs: %w", err)
	}
	return inserted, nil
}

// ClaimJobs leases due jobs of kind in one statement.
func (s *SQLiteStore) ClaimJobs(ctx context.Context, kind string, limit int, lease time.Duration, now time.Time) ([]*queue.Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	nowMs := toMillis(now)
	query := `
		UPDATE jobs
		SET status = 'running', attempts = attempts + 1, lease_until = ?, updated_at = ?
		WHERE id IN (
			SELECT id FROM jobs
			WHERE kind = ?
			  AND ((status = 'queued' AND run_at <= ?) OR (status = 'running' AND lease_until <= ?))
			ORDER BY run_at ASC, created_at ASC
			LIMIT ?
		)
		RETURNING ` + jobColumns

	rows, err := s.db.QueryContext(ctx, query, toMillis(now.Add(lease)), nowMs, kind, nowMs, nowMs, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	return collect(rows, "claimed jobs", scanJob)
}

// CompleteJob marks a job done
func (s *SQLiteStore) CompleteJob(ctx context.Context, id string) error {
	return s.finishJob(ctx, id, `status = 'done', lease_until = NULL, updated_at = ?`, toMillis(s.now()))
}

// RetryJob returns a job to the queue
func (s *SQLiteStore) RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error {
	return s.finishJob(ctx, id,
		`status = 'queued', lease_until = NULL, run_at = ?, last_error = ?, updated_at = ?`,
		toMillis(runAt), lastError, toMillis(s.now()))
}

// KillJob marks a job dead
func (s *SQLiteStore) KillJob(ctx context.Context, id string, lastError string) error {
	return s.finishJob(ctx, id,
		`status = 'dead', lease_until = NULL, last_error = ?, updated_at = ?`,
		lastError, toMillis(s.now()))
}

func (s *SQLiteStore) finishJob(ctx context.Context, id, set string, args ...interface{}) error {
	args = append(args, id)
	result, err := s.db.ExecContext(ctx, `UPDATE jobs SET `+set+` WHERE id = ?`, args...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("job not found: %s", id)
	}
	return nil
}

// CountJobs counts jobs by kind and status. An empty kind matches every kind.
func (s *SQLiteStore) CountJobs(ctx context.Context, kind string, status queue.JobStatus) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM jobs WHERE (? = '' OR kind = ?) AND status = ?`,
		kind, kind, string(status)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return count, nil
}

func scanJob(row rowScanner) (*queue.Job, error) {
	job := &queue.Job{}
	var (
		payload    string
		status     string
		runAt      int64
		leaseUntil sql.NullInt64
		createdAt  int64
		updatedAt  int64
	)

	err := row.Scan(
		&job.ID,
		&job.Kind,
		&payload,
		&job.IdempotencyKey,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&runAt,
		&leaseUntil,
		&job.LastError,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = []byte(payload)
	job.Status = queue.JobStatus(status)
	job.RunAt = fromMillis(runAt)
	job.LeaseUntil = timePtr(leaseUntil)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)

	return job, nil
}
