package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingObserver records job outcomes.
type recordingObserver struct {
	mu       sync.Mutex
	outcomes []string
}

func (o *recordingObserver) ObserveJob(kind, outcome string, _ time.Duration) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.outcomes = append(o.outcomes, kind+":"+outcome)
}

func TestDispatcher_EnqueueIsIdempotent(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, Config{})
	ctx := context.Background()

	ok, err := d.Enqueue(ctx, "catalog.reevaluate", map[string]string{"runId": "r-1"}, "reevaluate:r-1")
	if err != nil || !ok {
		t.Fatalf("expected first enqueue to succeed, got %v, %v", ok, err)
	}

	ok, err = d.Enqueue(ctx, "catalog.reevaluate", map[string]string{"runId": "r-1"}, "reevaluate:r-1")
	if err != nil || ok {
		t.Fatalf("expected duplicate key to be dropped, got %v, %v", ok, err)
	}

	n, err := d.EnqueueBulk(ctx, []engine.JobRequest{
		{Kind: "catalog.evaluate_item", Payload: map[string]string{"itemId": "a"}, IdempotencyKey: "evaluate:r-1:a"},
		{Kind: "catalog.evaluate_item", Payload: map[string]string{"itemId": "a"}, IdempotencyKey: "evaluate:r-1:a"},
		{Kind: "catalog.evaluate_item", Payload: map[string]string{"itemId": "b"}, IdempotencyKey: "evaluate:r-1:b"},
	})
	if err != nil {
		t.Fatalf("failed to enqueue bulk: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 new jobs, got %d", n)
	}
}

func TestDispatcher_RunPending(t *testing.T) {
	store := NewMemoryStore()
	obs := &recordingObserver{}
	d := NewDispatcher(store, Config{}, WithObserver(obs))
	ctx := context.Background()

	var seen []string
	err := d.Register("catalog.evaluate_item", 10, func(_ context.Context, job *Job) error {
		var payload struct {
			ItemID string `json:"itemId"`
		}
		if err := job.Decode(&payload); err != nil {
			return err
		}
		seen = append(seen, payload.ItemID)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	for _, id := range []string{"a", "b", "c"} {
		if _, err := d.Enqueue(ctx, "catalog.evaluate_item", map[string]string{"itemId": id}, "evaluate:r:"+id); err != nil {
			t.Fatalf("failed to enqueue: %v", err)
		}
	}

	attempts, err := d.RunPending(ctx)
	if err != nil {
		t.Fatalf("RunPending failed: %v", err)
	}
	if attempts != 3 || len(seen) != 3 {
		t.Fatalf("expected 3 attempts, got %d (seen %v)", attempts, seen)
	}

	done, _ := store.CountJobs(ctx, "catalog.evaluate_item", JobStatusDone)
	if done != 3 {
		t.Errorf("expected 3 done jobs, got %d", done)
	}
	if len(obs.outcomes) != 3 || obs.outcomes[0] != "catalog.evaluate_item:done" {
		t.Errorf("unexpected observed outcomes: %v", obs.outcomes)
	}
}

func TestDispatcher_RetryAndDeadLetter(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		maxAttempts int
		wantStatus  JobStatus
		wantCalls   int32
	}{
		{
			name:        "transient error is retried until success",
			err:         engine.NewInfrastructureError("store", errors.New("database is locked")),
			maxAttempts: 5,
			wantStatus:  JobStatusDone,
			wantCalls:   3,
		},
		{
			name:        "transient error exhausts attempts",
			err:         engine.NewTransientError("still down", nil),
			maxAttempts: 2,
			wantStatus:  JobStatusDead,
			wantCalls:   2,
		},
		{
			name:        "permanent error is not retried",
			err:         engine.NewPermanentError("bad payload", nil).WithCode(engine.ErrCodeInvalidPayload),
			maxAttempts: 5,
			wantStatus:  JobStatusDead,
			wantCalls:   1,
		},
		{
			name:        "wrapped driver error is retried",
			err:         fmt.Errorf("failed to get run: %w", errors.New("database is locked (5) (SQLITE_BUSY)")),
			maxAttempts: 5,
			wantStatus:  JobStatusDone,
			wantCalls:   3,
		},
		{
			name:        "handler deadline is retried",
			err:         context.DeadlineExceeded,
			maxAttempts: 5,
			wantStatus:  JobStatusDone,
			wantCalls:   3,
		},
		{
			name:        "plain error exhausts attempts",
			err:         errors.New("unclassified"),
			maxAttempts: 2,
			wantStatus:  JobStatusDead,
			wantCalls:   2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore()
			clock := newFakeClock()
			d := NewDispatcher(store, Config{MaxAttempts: tt.maxAttempts}, WithClock(clock.Now))
			ctx := context.Background()

			var calls int32
			_ = d.Register("work", 1, func(_ context.Context, _ *Job) error {
				// Fails twice, then succeeds.
				if atomic.AddInt32(&calls, 1) <= 2 {
					return tt.err
				}
				return nil
			})

			if _, err := d.Enqueue(ctx, "work", nil, "k"); err != nil {
				t.Fatalf("failed to enqueue: %v", err)
			}

			for i := 0; i < 5; i++ {
				if _, err := d.RunPending(ctx); err != nil {
					t.Fatalf("RunPending failed: %v", err)
				}
				clock.Advance(2 * time.Minute)
			}

			jobs := store.Jobs("work")
			if len(jobs) != 1 {
				t.Fatalf("expected 1 job, got %d", len(jobs))
			}
			if jobs[0].Status != tt.wantStatus {
				t.Errorf("expected status %s, got %s", tt.wantStatus, jobs[0].Status)
			}
			if got := atomic.LoadInt32(&calls); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
		})
	}
}

func TestDispatcher_PanicKillsJob(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, Config{})
	ctx := context.Background()

	_ = d.Register("explode", 1, func(_ context.Context, _ *Job) error {
		panic("boom")
	})
	_, _ = d.Enqueue(ctx, "explode", nil, "explode-1")

	if _, err := d.RunPending(ctx); err != nil {
		t.Fatalf("RunPending failed: %v", err)
	}

	jobs := store.Jobs("explode")
	if jobs[0].Status != JobStatusDead || jobs[0].LastError == "" {
		t.Errorf("expected dead job with error, got %+v", jobs[0])
	}
}

func TestDispatcher_LaneConcurrency(t *testing.T) {
	store := NewMemoryStore()
	d := NewDispatcher(store, Config{PollInterval: 5 * time.Millisecond})
	ctx := context.Background()

	var (
		active    int32
		maxActive int32
		finished  int32
	)
	err := d.Register("serial", 1, func(_ context.Context, _ *Job) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		atomic.AddInt32(&finished, 1)
		return nil
	})
	if err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	for _, key := range []string{"a", "b", "c", "d", "e"} {
		_, _ = d.Enqueue(ctx, "serial", nil, key)
	}

	if err := d.Start(ctx); err != nil {
		t.Fatalf("failed to start: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&finished) < 5 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	d.Stop()

	if got := atomic.LoadInt32(&finished); got != 5 {
		t.Fatalf("expected 5 jobs to finish, got %d", got)
	}
	if got := atomic.LoadInt32(&maxActive); got != 1 {
		t.Errorf("lane with concurrency 1 ran %d jobs at once", got)
	}

	if err := d.Register("late", 1, func(context.Context, *Job) error { return nil }); err == nil {
		t.Error("expected Register after Start to fail")
	}
}

func TestDispatcher_ScheduleRepeatingRejectsInvalidInterval(t *testing.T) {
	d := NewDispatcher(NewMemoryStore(), Config{})
	if err := d.ScheduleRepeating("catalog.watchdog", 0); err == nil {
		t.Error("expected error for zero interval")
	}
	if err := d.ScheduleRepeating("catalog.watchdog", time.Minute); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestCalculateBackoff(t *testing.T) {
	transient := engine.NewTransientError("x", nil)

	prev := time.Duration(0)
	for attempt := 0; attempt < 5; attempt++ {
		d := calculateBackoff(attempt, transient)
		if d <= prev {
			t.Errorf("attempt %d: backoff %s did not grow past %s", attempt, d, prev)
		}
		prev = d
	}

	capped := calculateBackoff(30, transient)
	if capped > time.Minute+time.Minute/8 {
		t.Errorf("expected backoff to be capped near 1m, got %s", capped)
	}

	throttled := calculateBackoff(0, engine.NewThrottledError("slow down", nil))
	if throttled <= calculateBackoff(0, transient) {
		t.Error("throttled errors should back off longer")
	}

	seen := map[time.Duration]bool{}
	for i := 0; i < 50; i++ {
		d := calculateBackoff(2, transient)
		if d < 4*time.Second || d >= 4*time.Second+time.Second/2 {
			t.Fatalf("jittered backoff %s outside [4s, 4.5s)", d)
		}
		seen[d] = true
	}
	if len(seen) < 2 {
		t.Error("expected jitter to vary the backoff")
	}
}
