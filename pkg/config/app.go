package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/marquee-labs/marquee/pkg/activation"
	"github.com/marquee-labs/marquee/pkg/lock"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/report"
	"github.com/marquee-labs/marquee/pkg/stores"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "MARQUEE_"

// AppConfig is the complete configuration of a Marquee process.
type AppConfig struct {
	Database   stores.Config     `yaml:"database" envPrefix:"DATABASE_"`
	Queue      queue.Config      `yaml:"queue" envPrefix:"QUEUE_"`
	Activation activation.Config `yaml:"activation" envPrefix:"ACTIVATION_"`
	Lock       lock.Config       `yaml:"lock" envPrefix:"LOCK_"`
	Archive    report.Config     `yaml:"archive" envPrefix:"ARCHIVE_"`
	Telemetry  telemetry.Config  `yaml:"telemetry" envPrefix:"TELEMETRY_"`

	// PolicyDir holds policy documents imported at startup.
	PolicyDir string `yaml:"policy_dir" env:"POLICY_DIR"`

	// WatchPolicies keeps importing documents as they change under PolicyDir.
	WatchPolicies bool `yaml:"watch_policies" env:"WATCH_POLICIES"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *AppConfig {
	return &AppConfig{
		Database: stores.Config{
			Path:         "marquee.db",
			MaxOpenConns: 25,
			MaxIdleConns: 5,
			BusyTimeout:  5 * time.Second,
		},
		Queue: queue.Config{
			PollInterval: 500 * time.Millisecond,
			LeaseTTL:     5 * time.Minute,
			MaxAttempts:  5,
		},
		Activation: activation.DefaultConfig(),
		Lock: lock.Config{
			Backend:   lock.BackendSQLite,
			KeyPrefix: "marquee:",
		},
		Archive:   report.Config{Backend: report.BackendNone},
		Telemetry: *telemetry.DefaultConfig(),
	}
}

var structValidator = validator.New()

// Validate checks struct tags on every section, then the telemetry rules.
func (c *AppConfig) Validate() error {
	if err := structValidator.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("failed to validate configuration: %w", err)
		}
		msgs := make([]string, 0, len(fieldErrs))
		for _, fe := range fieldErrs {
			msgs = append(msgs, fmt.Sprintf("%s failed on %s", strings.TrimPrefix(fe.Namespace(), "AppConfig."), fe.Tag()))
		}
		return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
	}
	if err := c.Telemetry.Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	return nil
}
