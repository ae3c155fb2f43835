package activation

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/stores"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// fakeClock is a manually advanced clock shared by the store, queue and service.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
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

// recordingSink collects published events.
type recordingSink struct {
	mu     sync.Mutex
	events []telemetry.Event
}

func (r *recordingSink) Publish(event telemetry.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *recordingSink) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	types := make([]string, 0, len(r.events))
	for _, e := range r.events {
		types = append(types, e.Type)
	}
	return types
}

// recordingRecorder counts metric calls.
type recordingRecorder struct {
	mu          sync.Mutex
	evaluations map[string]int
	errors      map[string]int
	transitions map[string]int
	checks      map[string]int
	active      int
}

func newRecordingRecorder() *recordingRecorder {
	return &recordingRecorder{
		evaluations: map[string]int{},
		errors:      map[string]int{},
		transitions: map[string]int{},
		checks:      map[string]int{},
	}
}

func (r *recordingRecorder) RecordItemEvaluation(status string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.evaluations[status]++
}

func (r *recordingRecorder) RecordItemError(code string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors[code]++
}

func (r *recordingRecorder) RecordRunTransition(status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions[status]++
}

func (r *recordingRecorder) RecordWatchdogCheck(outcome string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[outcome]++
}

func (r *recordingRecorder) SetActiveRuns(count int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = count
}

type harness struct {
	t          *testing.T
	ctx        context.Context
	store      *stores.SQLiteStore
	dispatcher *queue.Dispatcher
	svc        *Service
	clock      *fakeClock
	events     *recordingSink
	metrics    *recordingRecorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	dispatcher := queue.NewDispatcher(store, queue.Config{}, queue.WithClock(clock.Now))

	h := &harness{
		t:          t,
		ctx:        ctx,
		store:      store,
		dispatcher: dispatcher,
		clock:      clock,
		events:     &recordingSink{},
		metrics:    newRecordingRecorder(),
	}

	all := append([]Option{
		WithLogger(zerolog.New(nil).Level(zerolog.Disabled)),
		WithClock(clock.Now),
		WithEvents(h.events),
		WithRecorder(h.metrics),
	}, opts...)
	h.svc = NewService(store, dispatcher, store, DefaultConfig(), all...)

	if err := h.svc.Register(dispatcher); err != nil {
		t.Fatalf("failed to register lanes: %v", err)
	}
	return h
}

func itemID(i int) string {
	return fmt.Sprintf("tt%04d", i)
}

// seedItems stores n ready items that are eligible under allowPolicy.
func (h *harness) seedItems(n int) {
	h.t.Helper()

	items := make([]*engine.CatalogItem, 0, n)
	for i := 1; i <= n; i++ {
		items = append(items, &engine.CatalogItem{
			Item: eligibility.Item{
				ID:               itemID(i),
				OriginCountries:  []string{"US"},
				OriginalLanguage: "en",
			},
			Title:             fmt.Sprintf("Title %d", i),
			IngestionComplete: true,
			UpdatedAt:         h.clock.Now().Add(-time.Hour),
		})
	}
	if err := h.store.UpsertCatalogItems(h.ctx, items); err != nil {
		h.t.Fatalf("failed to seed items: %v", err)
	}
}

func allowPolicy() eligibility.PolicyConfig {
	return eligibility.PolicyConfig{
		AllowedCountries: []string{"US"},
		BlockedCountries: []string{"RU"},
		AllowedLanguages: []string{"en"},
		BlockMode:        eligibility.BlockModeAny,
		EligibilityMode:  eligibility.EligibilityModeStrict,
	}
}

func (h *harness) createPolicy(name string) *engine.Policy {
	h.t.Helper()

	policy := &engine.Policy{Name: name, Config: allowPolicy(), Checksum: "sum-" + name}
	if err := h.store.CreatePolicy(h.ctx, policy); err != nil {
		h.t.Fatalf("failed to create policy: %v", err)
	}
	return policy
}

func (h *harness) prepare(policy *engine.Policy, batchSize int) *PrepareResult {
	h.t.Helper()

	res, err := h.svc.Prepare(h.ctx, policy.ID, PrepareOptions{BatchSize: batchSize, CreatedBy: "tester"})
	if err != nil {
		h.t.Fatalf("prepare failed: %v", err)
	}
	if !res.Success {
		h.t.Fatalf("prepare refused: %s", res.Error)
	}
	return res
}

func (h *harness) runPending() {
	h.t.Helper()
	if _, err := h.dispatcher.RunPending(h.ctx); err != nil {
		h.t.Fatalf("RunPending failed: %v", err)
	}
}

func (h *harness) getRun(id string) *engine.Run {
	h.t.Helper()
	run, err := h.store.GetRun(h.ctx, id)
	if err != nil {
		h.t.Fatalf("failed to get run: %v", err)
	}
	return run
}

// watchdog runs one tick after the previous tick's lock has expired.
func (h *harness) watchdog() *WatchdogReport {
	h.t.Helper()
	h.clock.Advance(h.svc.Config().Watchdog.LockTTL)
	report, err := h.svc.RunWatchdog(h.ctx)
	if err != nil {
		h.t.Fatalf("watchdog failed: %v", err)
	}
	return report
}

func containsReason(reasons []engine.BlockingReason, want engine.BlockingReason) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}

func TestRegister(t *testing.T) {
	r := &recordingRegistrar{lanes: map[string]int{}}
	svc := NewService(nil, nil, nil, Config{})

	if err := svc.Register(r); err != nil {
		t.Fatalf("failed to register: %v", err)
	}

	want := map[string]int{KindReevaluate: 1, KindEvaluateItem: DefaultItemConcurrency, KindWatchdog: 1}
	for kind, concurrency := range want {
		if r.lanes[kind] != concurrency {
			t.Errorf("expected %s concurrency %d, got %d", kind, concurrency, r.lanes[kind])
		}
	}
	if r.scheduled[KindWatchdog] != 60*time.Second {
		t.Errorf("expected watchdog every 60s, got %s", r.scheduled[KindWatchdog])
	}
}

type recordingRegistrar struct {
	lanes     map[string]int
	scheduled map[string]time.Duration
}

func (r *recordingRegistrar) Register(kind string, concurrency int, _ queue.Handler) error {
	r.lanes[kind] = concurrency
	return nil
}

func (r *recordingRegistrar) ScheduleRepeating(kind string, interval time.Duration) error {
	if r.scheduled == nil {
		r.scheduled = map[string]time.Duration{}
	}
	r.scheduled[kind] = interval
	return nil
}
