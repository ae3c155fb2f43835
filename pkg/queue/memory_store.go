package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is a process-local Store. Jobs are lost on restart.
type MemoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*Job
	keys  map[string]string
	order []string
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*Job),
		keys: make(map[string]string),
	}
}

// InsertJobs implements Store.
func (m *MemoryStore) InsertJobs(_ context.Context, jobs []*Job) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	inserted := 0
	for _, job := range jobs {
		if job.ID == "" {
			job.ID = uuid.New().String()
		}
		if job.IdempotencyKey == "" {
			job.IdempotencyKey = job.ID
		}
		if _, dup := m.keys[job.IdempotencyKey]; dup {
			continue
		}
		if job.RunAt.IsZero() {
			job.RunAt = now
		}
		if job.MaxAttempts <= 0 {
			job.MaxAttempts = 5
		}
		job.Status = JobStatusQueued
		job.CreatedAt = now
		job.UpdatedAt = now

		stored := *job
		m.jobs[job.ID] = &stored
		m.keys[job.IdempotencyKey] = job.ID
		m.order = append(m.order, job.ID)
		inserted++
	}
	return inserted, nil
}

// ClaimJobs implements Store.
func (m *MemoryStore) ClaimJobs(_ context.Context, kind string, limit int, lease time.Duration, now time.Time) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	due := []*Job{}
	for _, id := range m.order {
		job := m.jobs[id]
		if job.Kind != kind {
			continue
		}
		queued := job.Status == JobStatusQueued && !job.RunAt.After(now)
		expired := job.Status == JobStatusRunning && job.LeaseUntil != nil && !job.LeaseUntil.After(now)
		if queued || expired {
			due = append(due, job)
		}
	}
	sort.SliceStable(due, func(i, j int) bool { return due[i].RunAt.Before(due[j].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]*Job, 0, len(due))
	leaseUntil := now.Add(lease)
	for _, job := range due {
		job.Status = JobStatusRunning
		job.Attempts++
		job.LeaseUntil = &leaseUntil
		job.UpdatedAt = now
		c := *job
		claimed = append(claimed, &c)
	}
	return claimed, nil
}

// CompleteJob implements Store.
func (m *MemoryStore) CompleteJob(_ context.Context, id string) error {
	return m.update(id, func(job *Job) {
		job.Status = JobStatusDone
		job.LeaseUntil = nil
	})
}

// RetryJob implements Store.
func (m *MemoryStore) RetryJob(_ context.Context, id string, runAt time.Time, lastError string) error {
	return m.update(id, func(job *Job) {
		job.Status = JobStatusQueued
		job.LeaseUntil = nil
		job.RunAt = runAt
		job.LastError = lastError
	})
}

// KillJob implements Store.
func (m *MemoryStore) KillJob(_ context.Context, id string, lastError string) error {
	return m.update(id, func(job *Job) {
		job.Status = JobStatusDead
		job.LeaseUntil = nil
		job.LastError = lastError
	})
}

// CountJobs implements Store.
func (m *MemoryStore) CountJobs(_ context.Context, kind string, status JobStatus) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, job := range m.jobs {
		if (kind == "" || job.Kind == kind) && job.Status == status {
			n++
		}
	}
	return n, nil
}

// Jobs returns a copy of every job of kind in insertion order.
func (m *MemoryStore) Jobs(kind string) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []*Job{}
	for _, id := range m.order {
		if job := m.jobs[id]; kind == "" || job.Kind == kind {
			c := *job
			out = append(out, &c)
		}
	}
	return out
}

func (m *MemoryStore) update(id string, fn func(job *Job)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return fmt.Errorf("job not found: %s", id)
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}
