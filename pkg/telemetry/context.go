package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry is the observability bundle built once per process from the
// telemetry section of the marquee config.
type Telemetry struct {
	Logger  *Logger
	Tracer  *Tracer
	Metrics *Metrics
	Events  *EventPublisher
	Config  *Config
}

type telemetryContextKey struct{}

// NewTelemetry validates cfg and builds each component. Nothing is started;
// Metrics.Serve and PersistTo are left to the caller.
func NewTelemetry(cfg *Config) (*Telemetry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	tel := &Telemetry{Config: cfg}
	var err error
	if tel.Logger, err = NewLogger(cfg.Logging); err != nil {
		return nil, err
	}
	if tel.Tracer, err = NewTracer(cfg.Tracing, cfg.ServiceName, cfg.ServiceVersion, cfg.Environment); err != nil {
		return nil, err
	}
	if tel.Metrics, err = NewMetrics(cfg.Metrics); err != nil {
		return nil, err
	}
	if tel.Events, err = NewEventPublisher(cfg.Events); err != nil {
		return nil, err
	}
	return tel, nil
}

// EventStore is where PersistTo writes the run event log and audit trail.
type EventStore interface {
	EventAppender
	AuditWriter
}

// PersistTo subscribes the event log and audit writers. It does nothing when
// events.persist is off.
func (t *Telemetry) PersistTo(store EventStore) {
	if !t.Config.Events.Persist {
		return
	}
	logger := t.Logger.NewComponentLogger("events").Zerolog()
	t.Events.Subscribe(PersistEvents(store, logger), nil)
	t.Events.Subscribe(AuditEvents(store, logger), AuditFilter())
}

// WithContext stores t and its logger in ctx for StartOperation.
func (t *Telemetry) WithContext(ctx context.Context) context.Context {
	return t.Logger.WithContext(context.WithValue(ctx, telemetryContextKey{}, t))
}

func fromContext(ctx context.Context) *Telemetry {
	t, _ := ctx.Value(telemetryContextKey{}).(*Telemetry)
	return t
}

// Shutdown drains queued events, then flushes spans.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	evErr := t.Events.Shutdown(ctx)
	return errors.Join(evErr, t.Tracer.Shutdown(ctx))
}

// InstrumentedContext is one traced CLI operation such as "cli.run.prepare".
// Ctx carries the span and Logger; pass it to the service calls made by the
// operation.
type InstrumentedContext struct {
	Ctx    context.Context
	Span   trace.Span
	Logger *Logger
	Timer  *Timer
}

// StartOperation opens a span named operation and a logger tagged with it.
// If ctx carries no Telemetry, Span is nil and Logger comes from FromContext.
func StartOperation(ctx context.Context, operation string, attrs ...attribute.KeyValue) *InstrumentedContext {
	ic := &InstrumentedContext{Ctx: ctx, Timer: NewTimer()}

	tel := fromContext(ctx)
	if tel == nil {
		ic.Logger = FromContext(ctx)
		return ic
	}

	spanCtx, span := tel.Tracer.StartSpan(ctx, operation, attrs...)
	ic.Span = span
	ic.Logger = tel.Logger.WithField("operation", operation)
	if sc := span.SpanContext(); sc.IsValid() {
		ic.Logger = ic.Logger.WithField("trace_id", sc.TraceID().String())
	}
	ic.Ctx = ic.Logger.WithContext(spanCtx)
	return ic
}

// End closes the span with the operation's result.
func (ic *InstrumentedContext) End(err error) {
	if ic.Span != nil {
		EndSpan(ic.Span, err)
	}
}
