package activation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/stores"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// Job kinds handled by the service.
const (
	KindReevaluate   = "catalog.reevaluate"
	KindEvaluateItem = "catalog.evaluate_item"
	KindWatchdog     = "catalog.watchdog"
)

// WatchdogLockKey is the distributed lock that keeps the watchdog a singleton.
const WatchdogLockKey = "watchdog:catalog-runs"

const tracerName = "github.com/marquee-labs/marquee/pkg/activation"

// Store is everything the workflow needs from persistence.
type Store interface {
	engine.PolicyStore
	engine.RunStore
	engine.EvaluationStore
	engine.ItemSource
}

// Registrar is the part of the dispatcher used to wire the job lanes.
type Registrar interface {
	Register(kind string, concurrency int, handler queue.Handler) error
	ScheduleRepeating(kind string, interval time.Duration) error
}

// EventSink receives run lifecycle events.
type EventSink interface {
	Publish(event telemetry.Event) error
}

// Recorder receives workflow metrics.
type Recorder interface {
	RecordItemEvaluation(status string, duration time.Duration)
	RecordItemError(code string)
	RecordRunTransition(status string)
	RecordWatchdogCheck(outcome string)
	SetActiveRuns(count int)
}

// Archiver stores a rendered diff report and returns where it was written.
type Archiver interface {
	Archive(ctx context.Context, report *DiffReport) (string, error)
}

// Config holds workflow defaults.
type Config struct {
	// DefaultBatchSize is the orchestrator page size when Prepare gets none.
	DefaultBatchSize int `yaml:"default_batch_size" env:"DEFAULT_BATCH_SIZE" validate:"gte=0,lte=10000"`

	// CoverageThreshold is the minimum processed/total ratio for promotion.
	CoverageThreshold float64 `yaml:"coverage_threshold" env:"COVERAGE_THRESHOLD" validate:"gte=0,lte=1"`

	// MaxErrors is the maximum number of item errors allowed for promotion.
	MaxErrors int64 `yaml:"max_errors" env:"MAX_ERRORS" validate:"gte=0"`

	// SampleSize is the default number of diff samples per class.
	SampleSize int `yaml:"sample_size" env:"SAMPLE_SIZE" validate:"gte=0,lte=1000"`

	// ItemConcurrency is the worker count of the evaluate-item lane.
	ItemConcurrency int `yaml:"item_concurrency" env:"ITEM_CONCURRENCY" validate:"gte=0"`

	// PagesPerJob is how many pages one orchestrator job dispatches before it
	// hands the rest of the snapshot to a follow-up job.
	PagesPerJob int `yaml:"pages_per_job" env:"PAGES_PER_JOB" validate:"gte=0"`

	Watchdog WatchdogConfig `yaml:"watchdog" envPrefix:"WATCHDOG_"`
}

// WatchdogConfig controls run reconciliation.
type WatchdogConfig struct {
	// Interval between watchdog ticks.
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`

	// LockTTL bounds how long one instance holds the watchdog lock.
	LockTTL time.Duration `yaml:"lock_ttl" env:"LOCK_TTL"`

	// StaleAfter is how long a run may go without activity before its
	// dispatch is resumed from the cursor.
	StaleAfter time.Duration `yaml:"stale_after" env:"STALE_AFTER"`

	// FailAfter is how long a run may go without progress before it is failed.
	FailAfter time.Duration `yaml:"fail_after" env:"FAIL_AFTER"`
}

// Default configuration values.
const (
	DefaultBatchSize         = 500
	DefaultCoverageThreshold = 1.0
	DefaultSampleSize        = 50
	DefaultItemConcurrency   = 10
	DefaultPagesPerJob       = 20
	MaxSampleSize            = 1000
)

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		DefaultBatchSize:  DefaultBatchSize,
		CoverageThreshold: DefaultCoverageThreshold,
		MaxErrors:         0,
		SampleSize:        DefaultSampleSize,
		ItemConcurrency:   DefaultItemConcurrency,
		PagesPerJob:       DefaultPagesPerJob,
		Watchdog: WatchdogConfig{
			Interval:   60 * time.Second,
			LockTTL:    55 * time.Second,
			StaleAfter: 5 * time.Minute,
			FailAfter:  30 * time.Minute,
		},
	}
}

// withDefaults fills zero durations and sizes. Thresholds are taken as given
// because zero is a meaningful value for them.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.DefaultBatchSize <= 0 {
		c.DefaultBatchSize = def.DefaultBatchSize
	}
	if c.SampleSize <= 0 {
		c.SampleSize = def.SampleSize
	}
	if c.ItemConcurrency <= 0 {
		c.ItemConcurrency = def.ItemConcurrency
	}
	if c.PagesPerJob <= 0 {
		c.PagesPerJob = def.PagesPerJob
	}
	if c.Watchdog.Interval <= 0 {
		c.Watchdog.Interval = def.Watchdog.Interval
	}
	if c.Watchdog.LockTTL <= 0 {
		c.Watchdog.LockTTL = def.Watchdog.LockTTL
	}
	if c.Watchdog.StaleAfter <= 0 {
		c.Watchdog.StaleAfter = def.Watchdog.StaleAfter
	}
	if c.Watchdog.FailAfter <= 0 {
		c.Watchdog.FailAfter = def.Watchdog.FailAfter
	}
	return c
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets the service logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Service) { s.logger = logger.With().Str("component", "activation").Logger() }
}

// WithEvents publishes run lifecycle events to sink.
func WithEvents(sink EventSink) Option {
	return func(s *Service) { s.events = sink }
}

// WithRecorder reports workflow metrics to r.
func WithRecorder(r Recorder) Option {
	return func(s *Service) { s.metrics = r }
}

// WithArchiver archives the diff report after every successful promotion.
func WithArchiver(a Archiver) Option {
	return func(s *Service) { s.archiver = a }
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

// WithClock replaces the wall clock.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service implements the prepare, promote and cancel workflow together with
// the background jobs that drive a run to completion.
type Service struct {
	store    Store
	queue    engine.Queue
	locker   engine.Locker
	cfg      Config
	logger   zerolog.Logger
	events   EventSink
	metrics  Recorder
	archiver Archiver
	tracer   trace.Tracer
	now      func() time.Time

	// Policies are immutable once created, so versions are cached forever.
	policyMu sync.RWMutex
	policies map[int]*engine.Policy
}

// NewService creates a workflow service.
func NewService(store Store, q engine.Queue, locker engine.Locker, cfg Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		queue:    q,
		locker:   locker,
		cfg:      cfg.withDefaults(),
		logger:   zerolog.Nop(),
		tracer:   otel.Tracer(tracerName),
		now:      time.Now,
		policies: make(map[int]*engine.Policy),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Service) Config() Config {
	return s.cfg
}

// Register wires the orchestrator, item and watchdog lanes and schedules the watchdog.
func (s *Service) Register(r Registrar) error {
	if err := r.Register(KindReevaluate, 1, throttleBusy(s.handleReevaluate)); err != nil {
		return fmt.Errorf("failed to register %s: %w", KindReevaluate, err)
	}
	if err := r.Register(KindEvaluateItem, s.cfg.ItemConcurrency, throttleBusy(s.handleEvaluateItem)); err != nil {
		return fmt.Errorf("failed to register %s: %w", KindEvaluateItem, err)
	}
	if err := r.Register(KindWatchdog, 1, throttleBusy(s.handleWatchdog)); err != nil {
		return fmt.Errorf("failed to register %s: %w", KindWatchdog, err)
	}
	if err := r.ScheduleRepeating(KindWatchdog, s.cfg.Watchdog.Interval); err != nil {
		return fmt.Errorf("failed to schedule watchdog: %w", err)
	}
	return nil
}

// throttleBusy marks handler failures caused by a locked SQLite database as
// throttled, so the queue waits longer before the next attempt.
func throttleBusy(h queue.Handler) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		err := h(ctx, job)
		if err == nil || engine.IsThrottled(err) || !stores.IsBusy(err) {
			return err
		}
		return engine.NewThrottledError("database busy", err).
			WithCode(engine.ErrCodeInfrastructure).
			WithResource(job.ID)
	}
}

// policyVersion returns a policy by version through the cache.
func (s *Service) policyVersion(ctx context.Context, version int) (*engine.Policy, error) {
	s.policyMu.RLock()
	p, ok := s.policies[version]
	s.policyMu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := s.store.GetPolicyByVersion(ctx, version)
	if err != nil {
		return nil, err
	}

	s.policyMu.Lock()
	s.policies[version] = p
	s.policyMu.Unlock()
	return p, nil
}

func (s *Service) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return s.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

func (s *Service) publish(event telemetry.Event) {
	if s.events == nil {
		return
	}
	if event.Source == "" {
		event.Source = "activation"
	}
	if event.Level == "" {
		event.Level = telemetry.EventLevelInfo
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = s.now()
	}
	if err := s.events.Publish(event); err != nil {
		s.logger.Warn().Err(err).Str("type", event.Type).Msg("Failed to publish event")
	}
}

func (s *Service) recordTransition(status engine.RunStatus) {
	if s.metrics != nil {
		s.metrics.RecordRunTransition(string(status))
	}
}

func runAttrs(run *engine.Run) []attribute.KeyValue {
	return []attribute.KeyValue{
		telemetry.AttrRunID.String(run.ID),
		telemetry.AttrPolicyVersion.Int(run.PolicyVersion),
		telemetry.AttrRunStatus.String(string(run.Status)),
	}
}

func statusPtr(s engine.RunStatus) *engine.RunStatus {
	return &s
}
