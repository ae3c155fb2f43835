package telemetry

import (
	"context"
	"errors"
	"testing"
)

func TestStartOperation(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false
	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to build telemetry: %v", err)
	}
	defer tel.Shutdown(context.Background())

	op := StartOperation(tel.WithContext(context.Background()), "cli.run.promote", AttrRunID.String("r-1"))
	if op.Span == nil {
		t.Fatal("expected a span when telemetry is in the context")
	}
	if FromContext(op.Ctx) != op.Logger {
		t.Error("operation context should carry the operation logger")
	}
	op.End(errors.New("run is not ready"))

	bare := StartOperation(context.Background(), "cli.diff")
	if bare.Span != nil {
		t.Error("expected no span without telemetry")
	}
	bare.End(nil)
}

func TestNewTelemetry_RejectsInvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracing.Enabled = true
	cfg.Tracing.Exporter = "zipkin"
	if _, err := NewTelemetry(cfg); err == nil {
		t.Error("expected unsupported exporter to be rejected")
	}
}
