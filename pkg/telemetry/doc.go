// Package telemetry wires logging, tracing, metrics and run events for marquee.
//
// Logging uses zerolog. Packages that take a zerolog.Logger directly get it
// from Logger.Zerolog:
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	logger := tel.Logger.NewComponentLogger("activation").Zerolog()
//
// Tracing uses OpenTelemetry with an OTLP/gRPC or stdout exporter. The tracer
// is installed as the global provider so libraries that call otel.Tracer pick
// it up.
//
// Metrics are Prometheus collectors on a private registry. Metrics satisfies
// both the activation service's recorder and the queue's job observer, and
// Serve exposes the registry over HTTP.
//
// Events describe run lifecycle changes (run.prepared, run.promoted, ...) and
// per-item failures. The EventPublisher delivers them to subscribers in
// publish order; PersistTo adds subscribers that append every event to the
// run event log and record promotions, cancellations and policy creation in
// the audit trail.
package telemetry
