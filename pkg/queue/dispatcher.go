package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/engine"
)

// Job outcomes reported to an Observer.
const (
	OutcomeDone  = "done"
	OutcomeRetry = "retry"
	OutcomeDead  = "dead"
)

// Observer is notified after every job attempt.
type Observer interface {
	ObserveJob(kind, outcome string, duration time.Duration)
}

// Config holds dispatcher configuration.
type Config struct {
	// PollInterval is how long an idle worker waits before claiming again.
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`

	// LeaseTTL bounds a single attempt. An attempt that outlives its lease may
	// be delivered again to another worker.
	LeaseTTL time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`

	// MaxAttempts is the default attempt budget of new jobs.
	MaxAttempts int `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"gte=0"`
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger.With().Str("component", "queue").Logger() }
}

// WithObserver reports job outcomes to o.
func WithObserver(o Observer) Option {
	return func(d *Dispatcher) { d.observer = o }
}

// WithClock replaces the clock used for leases and scheduling.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

type lane struct {
	kind        string
	concurrency int
	handler     Handler
}

// Dispatcher runs registered handlers against jobs claimed from a Store.
type Dispatcher struct {
	store    Store
	cfg      Config
	logger   zerolog.Logger
	observer Observer
	now      func() time.Time
	cron     *cron.Cron

	mu      sync.Mutex
	lanes   map[string]*lane
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

var _ engine.Queue = (*Dispatcher)(nil)

// NewDispatcher creates a dispatcher backed by store.
func NewDispatcher(store Store, cfg Config, opts ...Option) *Dispatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}

	d := &Dispatcher{
		store:  store,
		cfg:    cfg,
		logger: zerolog.Nop(),
		now:    time.Now,
		cron:   cron.New(),
		lanes:  make(map[string]*lane),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Register adds a lane for kind served by concurrency workers.
// Lanes must be registered before Start.
func (d *Dispatcher) Register(kind string, concurrency int, handler Handler) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("cannot register %s: dispatcher already started", kind)
	}
	if _, exists := d.lanes[kind]; exists {
		return fmt.Errorf("handler already registered for %s", kind)
	}
	if handler == nil {
		return fmt.Errorf("handler for %s is nil", kind)
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	d.lanes[kind] = &lane{kind: kind, concurrency: concurrency, handler: handler}
	return nil
}

// Enqueue stores one job. It returns false if the idempotency key was already used.
func (d *Dispatcher) Enqueue(ctx context.Context, kind string, payload interface{}, idempotencyKey string) (bool, error) {
	n, err := d.EnqueueBulk(ctx, []engine.JobRequest{{
		Kind:           kind,
		Payload:        payload,
		IdempotencyKey: idempotencyKey,
	}})
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// EnqueueBulk stores jobs in one batch and returns how many were new.
func (d *Dispatcher) EnqueueBulk(ctx context.Context, reqs []engine.JobRequest) (int, error) {
	if len(reqs) == 0 {
		return 0, nil
	}

	now := d.now()
	jobs := make([]*Job, 0, len(reqs))
	for _, req := range reqs {
		payload, err := encodePayload(req.Payload)
		if err != nil {
			return 0, engine.NewPermanentError("failed to encode job payload", err).
				WithCode(engine.ErrCodeInvalidPayload).
				WithDetail("kind", req.Kind)
		}
		jobs = append(jobs, &Job{
			Kind:           req.Kind,
			Payload:        payload,
			IdempotencyKey: req.IdempotencyKey,
			MaxAttempts:    d.cfg.MaxAttempts,
			RunAt:          now,
		})
	}

	n, err := d.store.InsertJobs(ctx, jobs)
	if err != nil {
		return 0, engine.NewInfrastructureError("enqueue", err)
	}
	return n, nil
}

// ScheduleRepeating enqueues a kind job every interval while the dispatcher runs.
func (d *Dispatcher) ScheduleRepeating(kind string, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("invalid interval for %s: %s", kind, interval)
	}

	_, err := d.cron.AddFunc(fmt.Sprintf("@every %s", interval), func() {
		tick := d.now().Truncate(interval).UnixMilli()
		key := fmt.Sprintf("%s:tick:%d", kind, tick)
		if _, err := d.Enqueue(context.Background(), kind, map[string]int64{"tick": tick}, key); err != nil {
			d.logger.Warn().Err(err).Str("kind", kind).Msg("Failed to enqueue scheduled job")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule %s: %w", kind, err)
	}
	return nil
}

// Start launches the lane workers and the scheduler.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.started {
		return fmt.Errorf("dispatcher already started")
	}
	d.started = true

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for _, l := range d.sortedLanes() {
		for i := 0; i < l.concurrency; i++ {
			d.wg.Add(1)
			go d.worker(runCtx, l)
		}
		d.logger.Info().Str("kind", l.kind).Int("concurrency", l.concurrency).Msg("Lane started")
	}

	d.cron.Start()
	return nil
}

// Stop stops the scheduler and waits for in-flight jobs to finish.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.mu.Unlock()

	<-d.cron.Stop().Done()
	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

// RunPending processes due jobs on the calling goroutine until no lane has
// work left. It returns the number of attempts made.
func (d *Dispatcher) RunPending(ctx context.Context) (int, error) {
	d.mu.Lock()
	lanes := d.sortedLanes()
	d.mu.Unlock()

	attempts := 0
	for {
		progressed := false
		for _, l := range lanes {
			if err := ctx.Err(); err != nil {
				return attempts, err
			}
			ok, err := d.processNext(ctx, l)
			if err != nil {
				return attempts, err
			}
			if ok {
				attempts++
				progressed = true
			}
		}
		if !progressed {
			return attempts, nil
		}
	}
}

func (d *Dispatcher) worker(ctx context.Context, l *lane) {
	defer d.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ok, err := d.processNext(ctx, l)
		if err != nil && ctx.Err() == nil {
			d.logger.Warn().Err(err).Str("kind", l.kind).Msg("Failed to claim job")
		}
		if ok {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// processNext claims and executes at most one job of the lane.
func (d *Dispatcher) processNext(ctx context.Context, l *lane) (bool, error) {
	jobs, err := d.store.ClaimJobs(ctx, l.kind, 1, d.cfg.LeaseTTL, d.now())
	if err != nil {
		return false, err
	}
	if len(jobs) == 0 {
		return false, nil
	}

	d.execute(ctx, l, jobs[0])
	return true, nil
}

func (d *Dispatcher) execute(ctx context.Context, l *lane, job *Job) {
	start := time.Now()
	logger := d.logger.With().
		Str("kind", job.Kind).
		Str("job_id", job.ID).
		Int("attempt", job.Attempts).
		Logger()

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.LeaseTTL)
	err := invoke(jobCtx, l.handler, job)
	cancel()

	// Bookkeeping must land even while shutting down.
	storeCtx := context.WithoutCancel(ctx)

	var outcome string
	switch {
	case err == nil:
		outcome = OutcomeDone
		if cerr := d.store.CompleteJob(storeCtx, job.ID); cerr != nil {
			logger.Error().Err(cerr).Msg("Failed to complete job")
		}
	case engine.IsRetryable(err) && job.Attempts < job.MaxAttempts:
		outcome = OutcomeRetry
		delay := calculateBackoff(job.Attempts-1, err)
		logger.Warn().Err(err).Dur("backoff", delay).Msg("Job failed, retrying")
		if rerr := d.store.RetryJob(storeCtx, job.ID, d.now().Add(delay), err.Error()); rerr != nil {
			logger.Error().Err(rerr).Msg("Failed to reschedule job")
		}
	default:
		outcome = OutcomeDead
		logger.Error().Err(err).Msg("Job failed permanently")
		if kerr := d.store.KillJob(storeCtx, job.ID, err.Error()); kerr != nil {
			logger.Error().Err(kerr).Msg("Failed to mark job dead")
		}
	}

	if d.observer != nil {
		d.observer.ObserveJob(job.Kind, outcome, time.Since(start))
	}
}

// invoke runs the handler, converting a panic into a permanent error.
func invoke(ctx context.Context, h Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = engine.NewPermanentError(fmt.Sprintf("handler panicked: %v", r), nil).
				WithCode(engine.ErrCodeInternal).
				WithResource(job.ID)
		}
	}()
	return h(ctx, job)
}

func (d *Dispatcher) sortedLanes() []*lane {
	lanes := make([]*lane, 0, len(d.lanes))
	for _, l := range d.lanes {
		lanes = append(lanes, l)
	}
	sort.Slice(lanes, func(i, j int) bool { return lanes[i].kind < lanes[j].kind })
	return lanes
}

func encodePayload(payload interface{}) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage(`{}`), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
