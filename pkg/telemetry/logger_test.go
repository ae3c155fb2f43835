package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func TestLevelOrInfo(t *testing.T) {
	tests := []struct {
		in   string
		want zerolog.Level
	}{
		{"debug", zerolog.DebugLevel},
		{"warn", zerolog.WarnLevel},
		{"disabled", zerolog.Disabled},
		{"", zerolog.InfoLevel},
		{"loud", zerolog.InfoLevel},
	}

	for _, tt := range tests {
		if got := levelOrInfo(tt.in); got != tt.want {
			t.Errorf("levelOrInfo(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

func TestLogger_RunFields(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, LoggingConfig{Level: "info", Format: "json"})

	logger.NewComponentLogger("activation").
		WithRunID("r-1").
		WithPolicyVersion(3).
		Infof("promoted %d items", 12)
	logger.Debugf("dropped below level")

	var line map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected exactly one JSON line, got %q: %v", buf.String(), err)
	}
	if line["run_id"] != "r-1" || line["policy_version"] != float64(3) || line["component"] != "activation" {
		t.Errorf("unexpected fields: %v", line)
	}
	if line["message"] != "promoted 12 items" {
		t.Errorf("unexpected message: %v", line["message"])
	}
}

func TestFromContext(t *testing.T) {
	logger := newLogger(&bytes.Buffer{}, LoggingConfig{})
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Error("expected the stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Error("expected a fallback logger")
	}
}
