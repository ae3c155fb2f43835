package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"

	"github.com/marquee-labs/marquee/pkg/activation"
	"github.com/marquee-labs/marquee/pkg/config"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/lock"
	"github.com/marquee-labs/marquee/pkg/policy"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/report"
	"github.com/marquee-labs/marquee/pkg/stores"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

var (
	_ activation.Recorder  = (*telemetry.Metrics)(nil)
	_ queue.Observer       = (*telemetry.Metrics)(nil)
	_ policy.LintRecorder  = (*telemetry.Metrics)(nil)
	_ activation.EventSink = (*telemetry.EventPublisher)(nil)
	_ activation.Store     = (*stores.SQLiteStore)(nil)
	_ queue.Store          = (*stores.SQLiteStore)(nil)
	_ lock.SQLiteLocker    = (*stores.SQLiteStore)(nil)
	_ telemetry.EventStore = (*stores.SQLiteStore)(nil)
)

// app holds the components shared by every command.
type app struct {
	cfg        *config.AppConfig
	tel        *telemetry.Telemetry
	logger     zerolog.Logger
	store      *stores.SQLiteStore
	locker     lock.Locker
	dispatcher *queue.Dispatcher
	service    *activation.Service
	linter     *policy.Linter
	registry   *policy.Registry
}

// openApp loads the configuration and wires the store, queue and workflow.
// Callers must call close.
func openApp(ctx context.Context, version string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if verbose {
		cfg.Telemetry.Logging.Level = "debug"
	}
	if version != "" {
		cfg.Telemetry.ServiceVersion = version
	}

	tel, err := telemetry.NewTelemetry(&cfg.Telemetry)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	a := &app{
		cfg:    cfg,
		tel:    tel,
		logger: tel.Logger.Zerolog(),
	}

	if err := a.openStore(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	if err := a.wire(ctx); err != nil {
		a.close(ctx)
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	store, err := stores.NewSQLiteStore(a.cfg.Database)
	if err != nil {
		return err
	}
	if err := store.Init(ctx); err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	a.store = store
	if err := store.Migrate(ctx); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	a.tel.PersistTo(store)
	return nil
}

func (a *app) wire(ctx context.Context) error {
	locker, err := lock.New(ctx, a.cfg.Lock, a.store)
	if err != nil {
		return fmt.Errorf("failed to open lock backend: %w", err)
	}
	a.locker = locker

	archiver, err := report.New(ctx, a.cfg.Archive)
	if err != nil {
		return fmt.Errorf("failed to open diff archive: %w", err)
	}

	a.dispatcher = queue.NewDispatcher(a.store, a.cfg.Queue,
		queue.WithLogger(a.logger),
		queue.WithObserver(a.tel.Metrics),
	)

	opts := []activation.Option{
		activation.WithLogger(a.logger),
		activation.WithEvents(a.tel.Events),
		activation.WithRecorder(a.tel.Metrics),
		activation.WithTracer(a.tel.Tracer.Tracer()),
	}
	if archiver != nil {
		opts = append(opts, activation.WithArchiver(archiver))
	}
	a.service = activation.NewService(a.store, a.dispatcher, a.locker, a.cfg.Activation, opts...)
	if err := a.service.Register(a.dispatcher); err != nil {
		return fmt.Errorf("failed to register job handlers: %w", err)
	}

	a.linter, err = policy.NewLinter(ctx, a.logger, policy.WithLintRecorder(a.tel.Metrics))
	if err != nil {
		return fmt.Errorf("failed to compile lint rules: %w", err)
	}
	a.registry = policy.NewRegistry(a.store,
		policy.WithLinter(a.linter),
		policy.WithEvents(a.tel.Events),
		policy.WithLogger(a.logger),
	)
	return nil
}

// close releases everything openApp acquired. Errors are logged.
func (a *app) close(ctx context.Context) {
	if c, ok := a.locker.(io.Closer); ok {
		if err := c.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close lock backend")
		}
	}
	// Drain events before the store they are persisted to goes away.
	if err := a.tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to shut down telemetry")
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close database")
		}
	}
}

// operation starts an instrumented command operation. Callers must End it.
func (a *app) operation(ctx context.Context, name string, attrs ...attribute.KeyValue) *telemetry.InstrumentedContext {
	return telemetry.StartOperation(a.tel.WithContext(ctx), name, attrs...)
}

// resolvePolicyID accepts a policy id or a version number.
func (a *app) resolvePolicyID(ctx context.Context, ref string) (string, error) {
	version, err := strconv.Atoi(ref)
	if err != nil {
		return ref, nil
	}
	p, err := a.registry.GetVersion(ctx, version)
	if err != nil {
		return "", err
	}
	return p.ID, nil
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// failureError turns a business refusal into a command error.
func failureError(f *activation.Failure) error {
	if f == nil {
		return errors.New("operation failed")
	}
	return errors.New(f.String())
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return formatTime(*t)
}

func formatReasons(reasons []engine.BlockingReason) string {
	if len(reasons) == 0 {
		return "none"
	}
	parts := make([]string, len(reasons))
	for i, r := range reasons {
		parts[i] = string(r)
	}
	return strings.Join(parts, ", ")
}
