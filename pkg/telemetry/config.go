package telemetry

import (
	"fmt"
	"slices"
	"time"
)

var (
	logLevels     = []string{"trace", "debug", "info", "warn", "error", "fatal", "disabled"}
	logFormats    = []string{"console", "json"}
	spanExporters = []string{"otlp", "stdout", "none"}
)

// Config is the telemetry section of the marquee config file. Environment
// variables use the TELEMETRY_ prefix, e.g. TELEMETRY_LOG_LEVEL.
type Config struct {
	ServiceName    string `yaml:"service_name" env:"SERVICE_NAME"`
	ServiceVersion string `yaml:"service_version" env:"SERVICE_VERSION"`
	Environment    string `yaml:"environment" env:"ENVIRONMENT"`

	Logging LoggingConfig `yaml:"logging" envPrefix:"LOG_"`
	Tracing TracingConfig `yaml:"tracing" envPrefix:"TRACING_"`
	Metrics MetricsConfig `yaml:"metrics" envPrefix:"METRICS_"`
	Events  EventsConfig  `yaml:"events" envPrefix:"EVENTS_"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" env:"LEVEL" validate:"omitempty,oneof=trace debug info warn error fatal disabled"`
	Format string `yaml:"format" env:"FORMAT" validate:"omitempty,oneof=console json"`

	// Output is stderr, stdout or a file path.
	Output string `yaml:"output" env:"OUTPUT"`

	EnableCaller bool `yaml:"enable_caller" env:"CALLER"`

	// With sampling on, each second logs SamplingInitial messages and then
	// every SamplingThereafter-th one.
	EnableSampling     bool `yaml:"enable_sampling" env:"SAMPLING"`
	SamplingInitial    int  `yaml:"sampling_initial" env:"SAMPLING_INITIAL" validate:"gte=0"`
	SamplingThereafter int  `yaml:"sampling_thereafter" env:"SAMPLING_THEREAFTER" validate:"gte=0"`
}

type TracingConfig struct {
	Enabled  bool   `yaml:"enabled" env:"ENABLED"`
	Exporter string `yaml:"exporter" env:"EXPORTER" validate:"omitempty,oneof=otlp stdout none"`

	// Endpoint is the OTLP/gRPC collector, e.g. "otel-collector:4317".
	Endpoint string            `yaml:"endpoint" env:"ENDPOINT"`
	Headers  map[string]string `yaml:"headers" env:"HEADERS"`
	Insecure bool              `yaml:"insecure" env:"INSECURE"`

	SamplingRate       float64       `yaml:"sampling_rate" env:"SAMPLING_RATE" validate:"gte=0,lte=1"`
	MaxExportBatchSize int           `yaml:"max_export_batch_size" env:"MAX_EXPORT_BATCH_SIZE"`
	ExportTimeout      time.Duration `yaml:"export_timeout" env:"EXPORT_TIMEOUT"`
}

type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled" env:"ENABLED"`
	ListenAddress string `yaml:"listen_address" env:"LISTEN_ADDRESS"`
	Path          string `yaml:"path" env:"PATH"`
	Namespace     string `yaml:"namespace" env:"NAMESPACE"`

	// DefaultHistogramBuckets bound the item evaluation and job duration
	// histograms, in seconds.
	DefaultHistogramBuckets []float64 `yaml:"histogram_buckets" env:"HISTOGRAM_BUCKETS"`
}

type EventsConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`

	// EnableAsync queues events for a delivery goroutine. Otherwise Publish
	// delivers on the caller's goroutine and the buffer settings are unused.
	EnableAsync   bool          `yaml:"enable_async" env:"ASYNC"`
	BufferSize    int           `yaml:"buffer_size" env:"BUFFER_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
	MaxBatchSize  int           `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`

	// Persist writes every event to the run event log and promotions,
	// cancellations and policy creation to the audit trail.
	Persist bool `yaml:"persist" env:"PERSIST"`
}

// DefaultConfig logs to the console, records metrics and persists events.
// Tracing is off.
func DefaultConfig() *Config {
	return &Config{
		ServiceName:    "marquee",
		ServiceVersion: "dev",
		Environment:    "development",
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "console",
			Output:             "stderr",
			SamplingInitial:    100,
			SamplingThereafter: 100,
		},
		Tracing: TracingConfig{
			Exporter:           "none",
			SamplingRate:       1.0,
			MaxExportBatchSize: 512,
			ExportTimeout:      30 * time.Second,
			Headers:            map[string]string{},
			Insecure:           true,
		},
		Metrics: MetricsConfig{
			Enabled:                 true,
			ListenAddress:           ":9090",
			Path:                    "/metrics",
			Namespace:               "marquee",
			DefaultHistogramBuckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		Events: EventsConfig{
			Enabled:       true,
			EnableAsync:   true,
			BufferSize:    1000,
			FlushInterval: time.Second,
			MaxBatchSize:  100,
			Persist:       true,
		},
	}
}

// ProductionConfig logs sampled JSON to stdout and exports 10% of traces over
// OTLP with TLS. The collector endpoint must still be set.
func ProductionConfig() *Config {
	cfg := DefaultConfig()
	cfg.Environment = "production"
	cfg.Logging.Format = "json"
	cfg.Logging.Output = "stdout"
	cfg.Logging.EnableSampling = true
	cfg.Tracing = TracingConfig{
		Enabled:            true,
		Exporter:           "otlp",
		SamplingRate:       0.1,
		MaxExportBatchSize: cfg.Tracing.MaxExportBatchSize,
		ExportTimeout:      cfg.Tracing.ExportTimeout,
		Headers:            map[string]string{},
	}
	return cfg
}

// Validate reports the first setting NewTelemetry could not build from.
func (c *Config) Validate() error {
	switch {
	case c.ServiceName == "":
		return fmt.Errorf("service name is required")
	case !slices.Contains(logLevels, c.Logging.Level):
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	case !slices.Contains(logFormats, c.Logging.Format):
		return fmt.Errorf("invalid log format: %s (must be 'console' or 'json')", c.Logging.Format)
	case c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1:
		return fmt.Errorf("trace sampling rate must be between 0 and 1, got: %f", c.Tracing.SamplingRate)
	case c.Metrics.Enabled && c.Metrics.ListenAddress == "":
		return fmt.Errorf("metrics listen address is required when metrics are enabled")
	case c.Events.Enabled && c.Events.EnableAsync && c.Events.BufferSize <= 0:
		return fmt.Errorf("event buffer size must be positive, got: %d", c.Events.BufferSize)
	}

	if !c.Tracing.Enabled {
		return nil
	}
	if !slices.Contains(spanExporters, c.Tracing.Exporter) {
		return fmt.Errorf("invalid trace exporter: %s", c.Tracing.Exporter)
	}
	if c.Tracing.Exporter == "otlp" && c.Tracing.Endpoint == "" {
		return fmt.Errorf("trace endpoint is required for the otlp exporter")
	}
	return nil
}
