package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// JobStatus is the delivery state of a job.
type JobStatus string

const (
	// JobStatusQueued means the job waits for RunAt.
	JobStatusQueued JobStatus = "queued"

	// JobStatusRunning means a worker holds the lease. An expired lease makes
	// the job claimable again.
	JobStatusRunning JobStatus = "running"

	// JobStatusDone means the handler returned without error.
	JobStatusDone JobStatus = "done"

	// JobStatusDead means the job exhausted its attempts or failed permanently.
	JobStatusDead JobStatus = "dead"
)

// IsTerminal returns true if the job will not be delivered again.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusDone || s == JobStatusDead
}

// Validate checks if the job status is valid.
func (s JobStatus) Validate() error {
	switch s {
	case JobStatusQueued, JobStatusRunning, JobStatusDone, JobStatusDead:
		return nil
	default:
		return fmt.Errorf("invalid job status: %s", s)
	}
}

// Job is one durable unit of background work.
type Job struct {
	ID             string          `json:"id"`
	Kind           string          `json:"kind"`
	Payload        json.RawMessage `json:"payload"`
	IdempotencyKey string          `json:"idempotency_key"`
	Status         JobStatus       `json:"status"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"max_attempts"`
	RunAt          time.Time       `json:"run_at"`
	LeaseUntil     *time.Time      `json:"lease_until,omitempty"`
	LastError      string          `json:"last_error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// Decode unmarshals the job payload into v.
func (j *Job) Decode(v interface{}) error {
	if err := json.Unmarshal(j.Payload, v); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// Store persists jobs. Implementations must make ClaimJobs atomic so that a
// job is leased to one worker at a time.
type Store interface {
	// InsertJobs stores new jobs, silently skipping any whose idempotency key
	// already exists. It returns the number of jobs inserted.
	InsertJobs(ctx context.Context, jobs []*Job) (int, error)

	// ClaimJobs leases up to limit due jobs of kind until now+lease. Jobs whose
	// lease expired are reclaimed. Attempts is incremented on every claim.
	ClaimJobs(ctx context.Context, kind string, limit int, lease time.Duration, now time.Time) ([]*Job, error)

	// CompleteJob marks a job done.
	CompleteJob(ctx context.Context, id string) error

	// RetryJob puts a job back in the queue to run at runAt.
	RetryJob(ctx context.Context, id string, runAt time.Time, lastError string) error

	// KillJob marks a job dead.
	KillJob(ctx context.Context, id string, lastError string) error

	// CountJobs returns the number of jobs of kind in status. An empty kind counts all kinds.
	CountJobs(ctx context.Context, kind string, status JobStatus) (int64, error)
}

// Handler processes one job. A returned error schedules another attempt
// unless engine.IsRetryable rejects it (a permanent error) or the attempts are
// used up, in which case the job is dead.
type Handler func(ctx context.Context, job *Job) error
