package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for catalog runs and the job queue.
// A Metrics built from a disabled config records nothing.
type Metrics struct {
	config MetricsConfig

	// Item metrics
	itemEvaluations  *prometheus.CounterVec
	itemDuration     prometheus.Histogram
	itemErrors       *prometheus.CounterVec
	lintWarnings     *prometheus.CounterVec

	// Run metrics
	runTransitions *prometheus.CounterVec
	activeRuns     prometheus.Gauge

	// Watchdog metrics
	watchdogChecks *prometheus.CounterVec

	// Queue metrics
	jobs        *prometheus.CounterVec
	jobDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}
	if cfg.Path == "" {
		cfg.Path = "/metrics"
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		itemEvaluations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "item_evaluations_total",
				Help:      "Total number of catalog item evaluations by resulting status",
			},
			[]string{"status"},
		),
		itemDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "item_evaluation_duration_seconds",
				Help:      "Duration of a single item evaluation in seconds",
				Buckets:   buckets,
			},
		),
		itemErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "item_errors_total",
				Help:      "Total number of item evaluation failures by error code",
			},
			[]string{"code"},
		),
		lintWarnings: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "policy_lint_warnings_total",
				Help:      "Total number of advisory policy lint warnings by rule",
			},
			[]string{"rule"},
		),

		runTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "run_transitions_total",
				Help:      "Total number of run status transitions by target status",
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Number of runs in the running state seen by the last watchdog pass",
			},
		),

		watchdogChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watchdog_checks_total",
				Help:      "Total number of watchdog run checks by outcome",
			},
			[]string{"outcome"},
		),

		jobs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_total",
				Help:      "Total number of job attempts by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		jobDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "job_duration_seconds",
				Help:      "Duration of job attempts in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.itemEvaluations,
		m.itemDuration,
		m.itemErrors,
		m.lintWarnings,
		m.runTransitions,
		m.activeRuns,
		m.watchdogChecks,
		m.jobs,
		m.jobDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m, nil
}

// RecordItemEvaluation counts one evaluation with its resulting status.
func (m *Metrics) RecordItemEvaluation(status string, duration time.Duration) {
	if m.itemEvaluations == nil {
		return
	}
	m.itemEvaluations.WithLabelValues(status).Inc()
	m.itemDuration.Observe(duration.Seconds())
}

// RecordItemError counts one failed item evaluation.
func (m *Metrics) RecordItemError(code string) {
	if m.itemErrors == nil {
		return
	}
	m.itemErrors.WithLabelValues(code).Inc()
}

// RecordRunTransition counts a run entering status.
func (m *Metrics) RecordRunTransition(status string) {
	if m.runTransitions == nil {
		return
	}
	m.runTransitions.WithLabelValues(status).Inc()
}

// RecordWatchdogCheck counts one watchdog check of a running run.
func (m *Metrics) RecordWatchdogCheck(outcome string) {
	if m.watchdogChecks == nil {
		return
	}
	m.watchdogChecks.WithLabelValues(outcome).Inc()
}

// SetActiveRuns sets the number of running runs.
func (m *Metrics) SetActiveRuns(count int) {
	if m.activeRuns == nil {
		return
	}
	m.activeRuns.Set(float64(count))
}

// RecordLintWarning counts one advisory policy lint warning.
func (m *Metrics) RecordLintWarning(rule string) {
	if m.lintWarnings == nil {
		return
	}
	m.lintWarnings.WithLabelValues(rule).Inc()
}

// ObserveJob records one job attempt.
func (m *Metrics) ObserveJob(kind, outcome string, duration time.Duration) {
	if m.jobs == nil {
		return
	}
	m.jobs.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Registry returns the metrics registry, or nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Serve exposes the metrics endpoint until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context) error {
	if !m.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(m.config.Path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
