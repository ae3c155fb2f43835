package activation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
)

// hookQueue calls afterBulk after every successful EnqueueBulk.
type hookQueue struct {
	engine.Queue
	calls     int
	afterBulk func(call int)
}

func (q *hookQueue) EnqueueBulk(ctx context.Context, reqs []engine.JobRequest) (int, error) {
	n, err := q.Queue.EnqueueBulk(ctx, reqs)
	if err != nil {
		return n, err
	}
	q.calls++
	if q.afterBulk != nil {
		q.afterBulk(q.calls)
	}
	return n, nil
}

func TestDispatch_PagesByCursor(t *testing.T) {
	h := newHarness(t)
	h.seedItems(5)

	// Items updated after the cutoff or not ready are outside the snapshot.
	late := &engine.CatalogItem{
		Item:              eligibility.Item{ID: "tt0003a", OriginCountries: []string{"US"}, OriginalLanguage: "en"},
		IngestionComplete: true,
		UpdatedAt:         h.clock.Now().Add(time.Hour),
	}
	incomplete := &engine.CatalogItem{
		Item:      eligibility.Item{ID: "tt0003b", OriginCountries: []string{"US"}, OriginalLanguage: "en"},
		UpdatedAt: h.clock.Now().Add(-time.Hour),
	}
	if err := h.store.UpsertCatalogItems(h.ctx, []*engine.CatalogItem{late, incomplete}); err != nil {
		t.Fatalf("failed to seed items: %v", err)
	}

	policy := h.createPolicy("v1")
	res := h.prepare(policy, 2)
	if res.TotalReadySnapshot != 5 {
		t.Fatalf("expected 5 ready items, got %d", res.TotalReadySnapshot)
	}

	q := &hookQueue{Queue: h.dispatcher}
	svc := NewService(h.store, q, h.store, DefaultConfig(), WithClock(h.clock.Now))
	if err := svc.Dispatch(h.ctx, res.RunID, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if q.calls != 3 {
		t.Errorf("expected 3 pages of at most 2 items, got %d", q.calls)
	}
	run := h.getRun(res.RunID)
	if run.Cursor != itemID(5) || !run.DispatchComplete() {
		t.Errorf("expected dispatch complete at %s, got cursor %q complete=%v", itemID(5), run.Cursor, run.DispatchComplete())
	}

	jobs, err := h.store.CountJobs(h.ctx, KindEvaluateItem, queue.JobStatusQueued)
	if err != nil || jobs != 5 {
		t.Errorf("expected 5 queued item jobs, got %d, %v", jobs, err)
	}

	// A second delivery of the orchestrator finds the dispatch complete.
	if err := svc.Dispatch(h.ctx, res.RunID, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}
	if q.calls != 3 {
		t.Errorf("expected no new pages on redelivery, got %d calls", q.calls)
	}
}

func TestDispatch_HandsOffAfterPageBudget(t *testing.T) {
	h := newHarness(t)
	h.seedItems(7)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 2)

	cfg := DefaultConfig()
	cfg.PagesPerJob = 2
	q := &hookQueue{Queue: h.dispatcher}
	svc := NewService(h.store, q, h.store, cfg, WithClock(h.clock.Now))
	if err := svc.Dispatch(h.ctx, res.RunID, 0); err != nil {
		t.Fatalf("dispatch failed: %v", err)
	}

	if q.calls != 2 {
		t.Errorf("expected the budget to stop dispatch after 2 pages, got %d", q.calls)
	}
	run := h.getRun(res.RunID)
	if run.Cursor != itemID(4) || run.DispatchComplete() {
		t.Fatalf("expected cursor %s with dispatch pending, got %q complete=%v", itemID(4), run.Cursor, run.DispatchComplete())
	}

	// The prepare job plus the follow-up keyed by the persisted cursor.
	queued, err := h.store.CountJobs(h.ctx, KindReevaluate, queue.JobStatusQueued)
	if err != nil || queued != 2 {
		t.Fatalf("expected 2 queued orchestrator jobs, got %d, %v", queued, err)
	}
	if added, err := h.dispatcher.Enqueue(h.ctx, KindReevaluate, reevaluatePayload{RunID: res.RunID}, resumeKey(res.RunID, itemID(4))); err != nil || added {
		t.Errorf("expected the follow-up to hold the resume key, added=%v err=%v", added, err)
	}

	h.runPending()
	run = h.getRun(res.RunID)
	if !run.DispatchComplete() || run.Cursor != itemID(7) {
		t.Errorf("expected every item dispatched, got cursor %q complete=%v", run.Cursor, run.DispatchComplete())
	}
	counters, err := h.store.CountRunEvaluations(h.ctx, res.RunID)
	if err != nil || counters.Processed != 7 {
		t.Errorf("expected 7 evaluations, got %d, %v", counters.Processed, err)
	}
}

func TestDispatch_StopsAfterCancel(t *testing.T) {
	h := newHarness(t)
	h.seedItems(6)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 2)

	q := &hookQueue{Queue: h.dispatcher}
	svc := NewService(h.store, q, h.store, DefaultConfig(), WithClock(h.clock.Now))
	q.afterBulk = func(call int) {
		if call == 2 {
			if r, err := svc.Cancel(h.ctx, res.RunID); err != nil || !r.Success {
				t.Errorf("expected cancel to succeed, got %+v, %v", r, err)
			}
		}
	}

	if err := svc.Dispatch(h.ctx, res.RunID, 0); err != nil {
		t.Fatalf("expected silent stop after cancel, got %v", err)
	}
	if q.calls != 2 {
		t.Errorf("expected dispatch to stop after 2 pages, got %d", q.calls)
	}

	run := h.getRun(res.RunID)
	if run.Status != engine.RunStatusCancelled {
		t.Fatalf("expected cancelled run, got %s", run.Status)
	}
	if run.Cursor != itemID(2) {
		t.Errorf("expected cursor of the last persisted page %s, got %q", itemID(2), run.Cursor)
	}
	if run.DispatchComplete() {
		t.Error("cancelled run must not be marked dispatched")
	}

	// Item jobs already enqueued no-op once they see the cancellation.
	h.runPending()
	evals, err := h.store.ListEvaluationsByVersion(h.ctx, policy.Version, engine.ListOptions{})
	if err != nil {
		t.Fatalf("failed to list evaluations: %v", err)
	}
	if len(evals) != 0 {
		t.Errorf("expected no evaluations after cancel, got %d", len(evals))
	}
}

func TestCancel_KeepsCursorAndCounters(t *testing.T) {
	h := newHarness(t)
	h.seedItems(5)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 2)

	for _, id := range []string{itemID(1), itemID(2)} {
		if err := h.svc.EvaluateItem(h.ctx, res.RunID, id, policy.Version); err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
	}
	cursor := itemID(2)
	if err := h.store.UpdateRun(h.ctx, res.RunID, engine.RunPatch{Cursor: &cursor}); err != nil {
		t.Fatalf("failed to set cursor: %v", err)
	}
	if _, err := h.svc.finalize(h.ctx, res.RunID); err != nil {
		t.Fatalf("finalize failed: %v", err)
	}

	out, err := h.svc.Cancel(h.ctx, res.RunID)
	if err != nil || !out.Success {
		t.Fatalf("expected cancel to succeed, got %+v, %v", out, err)
	}
	if out.Run.Cursor != cursor || out.Run.Processed != 2 || out.Run.Eligible != 2 {
		t.Errorf("expected cursor and counters to survive cancel, got cursor=%q counters=%+v", out.Run.Cursor, out.Run.RunCounters)
	}
}

func TestEvaluateItem_RecordsErrors(t *testing.T) {
	h := newHarness(t)
	h.seedItems(1)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 10)

	if err := h.svc.EvaluateItem(h.ctx, res.RunID, "tt-missing", policy.Version); err != nil {
		t.Fatalf("expected item failure to be swallowed, got %v", err)
	}
	if err := h.svc.EvaluateItem(h.ctx, res.RunID, itemID(1), 99); err != nil {
		t.Fatalf("expected item failure to be swallowed, got %v", err)
	}

	run := h.getRun(res.RunID)
	if run.Errors != 2 || len(run.ErrorSample) != 2 {
		t.Fatalf("expected 2 recorded errors, got %d (%d sampled)", run.Errors, len(run.ErrorSample))
	}
	newest := run.ErrorSample[0]
	if newest.ItemID != itemID(1) || newest.Code != engine.ErrCodeNotFound {
		t.Errorf("expected newest error for %s with NOT_FOUND, got %+v", itemID(1), newest)
	}
	if run.ErrorSample[1].ItemID != "tt-missing" {
		t.Errorf("expected oldest error for tt-missing, got %+v", run.ErrorSample[1])
	}
	if h.metrics.errors[engine.ErrCodeNotFound] != 2 {
		t.Errorf("expected 2 NOT_FOUND errors recorded, got %d", h.metrics.errors[engine.ErrCodeNotFound])
	}
}

func TestEvaluateItem_RedeliveryDoesNotDoubleCount(t *testing.T) {
	h := newHarness(t)
	h.seedItems(2)
	policy := h.createPolicy("v1")
	res := h.prepare(policy, 10)

	for i := 0; i < 3; i++ {
		if err := h.svc.EvaluateItem(h.ctx, res.RunID, itemID(1), policy.Version); err != nil {
			t.Fatalf("evaluate failed: %v", err)
		}
	}

	counters, err := h.store.CountRunEvaluations(h.ctx, res.RunID)
	if err != nil {
		t.Fatalf("failed to count evaluations: %v", err)
	}
	if counters.Processed != 1 || counters.Eligible != 1 {
		t.Errorf("expected one processed item, got %+v", counters)
	}
}

func TestEvaluateItem_WritesEvaluation(t *testing.T) {
	h := newHarness(t)
	quality, popularity, freshness := 1.0, 0.5, 0.0
	items := []*engine.CatalogItem{
		{
			Item: eligibility.Item{
				ID:               "ru-hit",
				OriginCountries:  []string{"RU"},
				OriginalLanguage: "ru",
				Signals:          eligibility.Signals{Votes: map[string]int64{"imdb": 100000}},
				Stats:            &eligibility.Stats{QualityScore: &quality, PopularityScore: &popularity, FreshnessScore: &freshness},
			},
			IngestionComplete: true,
			UpdatedAt:         h.clock.Now().Add(-time.Hour),
		},
	}
	if err := h.store.UpsertCatalogItems(h.ctx, items); err != nil {
		t.Fatalf("failed to seed items: %v", err)
	}

	minVotes := int64(50000)
	cfg := allowPolicy()
	cfg.AllowedLanguages = append(cfg.AllowedLanguages, "ru")
	cfg.BreakoutRules = []eligibility.BreakoutRule{{
		ID:           "popular-ru",
		Priority:     1,
		Requirements: eligibility.BreakoutRequirements{MinImdbVotes: &minVotes},
	}}
	policy := &engine.Policy{Name: "breakout", Config: cfg, Checksum: "breakout"}
	if err := h.store.CreatePolicy(h.ctx, policy); err != nil {
		t.Fatalf("failed to create policy: %v", err)
	}
	res := h.prepare(policy, 10)

	if err := h.svc.EvaluateItem(h.ctx, res.RunID, "ru-hit", policy.Version); err != nil {
		t.Fatalf("evaluate failed: %v", err)
	}

	evals, err := h.store.ListEvaluationsByVersion(h.ctx, policy.Version, engine.ListOptions{})
	if err != nil || len(evals) != 1 {
		t.Fatalf("expected one evaluation, got %d, %v", len(evals), err)
	}
	eval := evals[0]
	if eval.Status != eligibility.StatusEligible || eval.BreakoutRuleID != "popular-ru" || eval.RunID != res.RunID {
		t.Errorf("unexpected evaluation: %+v", eval)
	}
	if len(eval.Reasons) != 1 || eval.Reasons[0] != eligibility.ReasonBreakoutAllowed {
		t.Errorf("expected [BREAKOUT_ALLOWED], got %v", eval.Reasons)
	}
	if eval.RelevanceScore != 60 {
		t.Errorf("expected relevance 60, got %d", eval.RelevanceScore)
	}
}

func TestHandlers_RejectInvalidPayload(t *testing.T) {
	h := newHarness(t)

	job := &queue.Job{ID: "j-1", Kind: KindEvaluateItem, Payload: json.RawMessage(`{"runId":""}`)}
	err := h.svc.handleEvaluateItem(h.ctx, job)
	if err == nil || engine.IsRetryable(err) {
		t.Fatalf("expected permanent payload error, got %v", err)
	}

	job = &queue.Job{ID: "j-2", Kind: KindReevaluate, Payload: json.RawMessage(`not json`)}
	if err := h.svc.handleReevaluate(h.ctx, job); err == nil || engine.IsRetryable(err) {
		t.Fatalf("expected permanent payload error, got %v", err)
	}
}

// busyError carries SQLite's SQLITE_BUSY result code like the driver error.
type busyError struct{}

func (busyError) Error() string { return "database is locked (5) (SQLITE_BUSY)" }
func (busyError) Code() int { return 5 }

func TestThrottleBusy(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantThrottled bool
	}{
		{name: "busy store", err: fmt.Errorf("failed to get run: %w", busyError{}), wantThrottled: true},
		{name: "classified busy", err: engine.NewInfrastructureError("get run", busyError{}), wantThrottled: true},
		{name: "other failure", err: errors.New("boom")},
		{name: "success"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := throttleBusy(func(context.Context, *queue.Job) error { return tt.err })
			err := h(context.Background(), &queue.Job{ID: "j-1"})
			if !errors.Is(err, tt.err) {
				t.Fatalf("expected the handler error to be kept in the chain, got %v", err)
			}
			if got := engine.IsThrottled(err); got != tt.wantThrottled {
				t.Errorf("IsThrottled() = %v, want %v", got, tt.wantThrottled)
			}
			if err != nil && !engine.IsRetryable(err) {
				t.Errorf("expected %v to be retried", err)
			}
		})
	}
}
