package activation

import (
	"testing"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/lock"
	"github.com/marquee-labs/marquee/pkg/queue"
)

func TestWatchdog_SkipsWhenLockHeld(t *testing.T) {
	h := newHarness(t)
	policy := h.createPolicy("v1")
	h.seedItems(1)
	h.prepare(policy, 10)

	ok, err := h.store.TryAcquireLock(h.ctx, WatchdogLockKey, time.Hour)
	if err != nil || !ok {
		t.Fatalf("failed to take the watchdog lock: %v, %v", ok, err)
	}

	report, err := h.svc.RunWatchdog(h.ctx)
	if err != nil {
		t.Fatalf("expected lock loss to be silent, got %v", err)
	}
	if report.Acquired || len(report.Checks) != 0 {
		t.Errorf("expected an empty report, got %+v", report)
	}
}

func TestWatchdog_SingletonAcrossInstances(t *testing.T) {
	h := newHarness(t)
	shared := lock.NewMemoryLocker()
	shared.SetClock(h.clock.Now)
	lockA, lockB := shared.Holder("a"), shared.Holder("b")

	a := NewService(h.store, h.dispatcher, lockA, DefaultConfig(), WithClock(h.clock.Now))
	b := NewService(h.store, h.dispatcher, lockB, DefaultConfig(), WithClock(h.clock.Now))

	// A tick of instance a is in flight.
	if ok, err := lockA.TryAcquireLock(h.ctx, WatchdogLockKey, DefaultConfig().Watchdog.LockTTL); err != nil || !ok {
		t.Fatalf("failed to take the watchdog lock: %v, %v", ok, err)
	}
	rb, err := b.RunWatchdog(h.ctx)
	if err != nil || rb.Acquired {
		t.Fatalf("expected second instance to skip, got %+v, %v", rb, err)
	}
	if ra, err := a.RunWatchdog(h.ctx); err != nil || ra.Acquired {
		t.Fatalf("expected the held lock to block a second tick, got %+v, %v", ra, err)
	}

	h.clock.Advance(DefaultConfig().Watchdog.LockTTL)
	rb, err = b.RunWatchdog(h.ctx)
	if err != nil || !rb.Acquired {
		t.Fatalf("expected lock to be free after ttl, got %+v, %v", rb, err)
	}

	// b released at the end of its tick, so a does not wait for the ttl.
	ra, err := a.RunWatchdog(h.ctx)
	if err != nil || !ra.Acquired {
		t.Fatalf("expected the released lock to be acquired, got %+v, %v", ra, err)
	}
}

func TestWatchdog_ReleaseKeepsForeignLock(t *testing.T) {
	h := newHarness(t)
	shared := lock.NewMemoryLocker()
	shared.SetClock(h.clock.Now)
	other := shared.Holder("other")

	svc := NewService(h.store, h.dispatcher, shared, DefaultConfig(), WithClock(h.clock.Now))
	if ok, _ := other.TryAcquireLock(h.ctx, WatchdogLockKey, time.Hour); !ok {
		t.Fatal("failed to take the watchdog lock")
	}
	if r, err := svc.RunWatchdog(h.ctx); err != nil || r.Acquired {
		t.Fatalf("expected the tick to skip, got %+v, %v", r, err)
	}
	if ok, _ := shared.TryAcquireLock(h.ctx, WatchdogLockKey, time.Minute); ok {
		t.Error("a skipped tick must not release another holder's lock")
	}
}

func TestWatchdog_FinalizesEmptySnapshot(t *testing.T) {
	h := newHarness(t)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 10)
	if res.TotalReadySnapshot != 0 {
		t.Fatalf("expected empty snapshot, got %d", res.TotalReadySnapshot)
	}

	// The orchestrator finds no items and finalizes immediately.
	h.runPending()

	status, err := h.svc.GetStatus(h.ctx, res.RunID, nil)
	if err != nil {
		t.Fatalf("failed to get status: %v", err)
	}
	if status.Run.Status != engine.RunStatusPrepared {
		t.Fatalf("expected prepared run, got %s", status.Run.Status)
	}
	if status.Coverage != 0 || !containsReason(status.BlockingReasons, engine.BlockingCoverageNotMet) {
		t.Errorf("expected zero coverage to block promotion, got %+v", status)
	}
}

func TestWatchdog_CountsErrorsTowardCompletion(t *testing.T) {
	h := newHarness(t)
	h.seedItems(3)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 10)
	h.runPending()

	// One item vanished after the cutoff and fails on redelivery.
	if err := h.svc.EvaluateItem(h.ctx, res.RunID, "tt-gone", policy.Version); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	// Simulate a lost evaluation row so processed + errors still reaches the total.
	if err := h.store.UpsertEvaluation(h.ctx, &engine.MediaCatalogEvaluation{
		ItemID:        itemID(3),
		PolicyVersion: policy.Version,
		RunID:         "another-run",
		Status:        "eligible",
		EvaluatedAt:   h.clock.Now(),
	}); err != nil {
		t.Fatalf("failed to overwrite evaluation: %v", err)
	}

	report := h.watchdog()
	if len(report.Checks) != 1 || report.Checks[0].Outcome != CheckFinalized {
		t.Fatalf("expected finalize with 2 processed and 1 error, got %+v", report.Checks)
	}

	run := h.getRun(res.RunID)
	if run.Status != engine.RunStatusPrepared || run.Processed != 2 || run.Errors != 1 {
		t.Errorf("unexpected run: status=%s processed=%d errors=%d", run.Status, run.Processed, run.Errors)
	}
}

func TestWatchdog_ResumesStalledDispatch(t *testing.T) {
	h := newHarness(t)
	h.seedItems(4)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 2)

	cfg := h.svc.Config().Watchdog

	report := h.watchdog()
	if report.Checks[0].Outcome != CheckDispatching || report.Checks[0].Resumed {
		t.Fatalf("expected a fresh run to be left alone, got %+v", report.Checks[0])
	}

	h.clock.Advance(cfg.StaleAfter)
	report = h.watchdog()
	if report.Checks[0].Outcome != CheckDispatching || !report.Checks[0].Resumed {
		t.Fatalf("expected stalled dispatch to be resumed, got %+v", report.Checks[0])
	}

	report = h.watchdog()
	if report.Checks[0].Resumed {
		t.Error("expected the resume from the same cursor to be enqueued once")
	}

	jobs := 0
	for _, status := range []queue.JobStatus{queue.JobStatusQueued, queue.JobStatusRunning, queue.JobStatusDone, queue.JobStatusDead} {
		n, err := h.store.CountJobs(h.ctx, KindReevaluate, status)
		if err != nil {
			t.Fatalf("failed to count jobs: %v", err)
		}
		jobs += int(n)
	}
	if jobs != 2 {
		t.Errorf("expected the original and one resume job, got %d", jobs)
	}

	// Both orchestrator deliveries run; the second finds the dispatch complete.
	h.runPending()
	report = h.watchdog()
	if report.Checks[0].Outcome != CheckFinalized {
		t.Fatalf("expected the resumed run to finalize, got %+v", report.Checks[0])
	}
	if run := h.getRun(res.RunID); run.Processed != 4 {
		t.Errorf("expected every item evaluated once, processed=%d", run.Processed)
	}
}

func TestWatchdog_StuckThenFailed(t *testing.T) {
	h := newHarness(t)
	h.seedItems(3)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 10)

	// Dispatch without running the item jobs.
	if err := h.svc.Dispatch(h.ctx, res.RunID, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	cfg := h.svc.Config().Watchdog

	report := h.watchdog()
	if report.Checks[0].Outcome != CheckEvaluating {
		t.Fatalf("expected evaluating, got %+v", report.Checks[0])
	}

	h.clock.Advance(cfg.StaleAfter)
	report = h.watchdog()
	if report.Checks[0].Outcome != CheckStuck {
		t.Fatalf("expected stuck, got %+v", report.Checks[0])
	}

	h.clock.Advance(cfg.FailAfter)
	report = h.watchdog()
	if report.Checks[0].Outcome != CheckFailed {
		t.Fatalf("expected failed, got %+v", report.Checks[0])
	}

	run := h.getRun(res.RunID)
	if run.Status != engine.RunStatusFailed || run.FinishedAt == nil {
		t.Fatalf("expected failed run with finish time, got %s", run.Status)
	}
	if len(run.ErrorSample) == 0 || run.ErrorSample[0].Code != ErrCodeRunStalled {
		t.Errorf("expected a stall error in the sample, got %+v", run.ErrorSample)
	}

	// Failed runs are no longer watched.
	report = h.watchdog()
	if len(report.Checks) != 0 {
		t.Errorf("expected no running runs, got %+v", report.Checks)
	}
	if h.metrics.checks[string(CheckFailed)] != 1 {
		t.Errorf("expected one failed check recorded, got %d", h.metrics.checks[string(CheckFailed)])
	}
}
