package telemetry

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/stores"
)

func setupStore(t *testing.T) *stores.SQLiteStore {
	t.Helper()

	store, err := stores.NewSQLiteStore(stores.Config{Path: ":memory:"})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to init store: %v", err)
	}
	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestToStoreEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	row := ToStoreEvent(Event{
		ID:            "e-1",
		Timestamp:     ts,
		Type:          EventTypeItemFailed,
		Source:        "activation",
		RunID:         "r-1",
		ItemID:        "tt1",
		PolicyVersion: 4,
		Level:         EventLevelWarning,
		Message:       "Item tt1 failed",
		Data:          map[string]interface{}{"code": "NOT_FOUND"},
	})

	if row.RunID == nil || *row.RunID != "r-1" || row.ItemID == nil || *row.ItemID != "tt1" {
		t.Fatalf("expected run and item ids, got %+v", row)
	}
	if row.Level != stores.EventLevelWarning {
		t.Errorf("expected warning level, got %s", row.Level)
	}

	var data map[string]interface{}
	if row.Data == nil || json.Unmarshal([]byte(*row.Data), &data) != nil {
		t.Fatalf("expected JSON data, got %v", row.Data)
	}
	if data["code"] != "NOT_FOUND" || data["policy_version"] != float64(4) {
		t.Errorf("unexpected data: %v", data)
	}

	bare := ToStoreEvent(Event{Type: EventTypeRunPrepared})
	if bare.RunID != nil || bare.ItemID != nil || bare.Data != nil {
		t.Errorf("expected empty optional fields, got %+v", bare)
	}
}

func TestPersistTo(t *testing.T) {
	store := setupStore(t)
	cfg := DefaultConfig()
	cfg.Events.EnableAsync = false
	cfg.Metrics.Enabled = false
	cfg.Logging.Level = "disabled"

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	tel.PersistTo(store)

	_ = tel.Events.Publish(Event{Type: EventTypeRunPrepared, Source: "activation", RunID: "r-1", Message: "prepared"})
	_ = tel.Events.Publish(Event{
		Type:    EventTypeRunPromoted,
		Source:  "activation",
		RunID:   "r-1",
		Message: "promoted",
		Data:    map[string]interface{}{"promoted_by": "ops"},
	})
	_ = tel.Events.Publish(Event{
		Type:    EventTypePolicyCreated,
		Source:  "policy",
		Message: "created",
		Data:    map[string]interface{}{"policy_id": "p-1"},
	})

	ctx := context.Background()
	runID := "r-1"
	events, err := store.GetEvents(ctx, &runID, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to get events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events for the run, got %d", len(events))
	}

	entries, err := store.ListAuditEntries(ctx, nil, nil, 10, 0)
	if err != nil {
		t.Fatalf("failed to list audit entries: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected promotion and policy creation to be audited, got %d", len(entries))
	}

	byAction := map[string]*stores.AuditEntry{}
	for _, e := range entries {
		byAction[e.Action] = e
	}
	promoted := byAction[EventTypeRunPromoted]
	if promoted == nil || promoted.Actor != "ops" || promoted.TargetID == nil || *promoted.TargetID != "r-1" {
		t.Errorf("unexpected promotion entry: %+v", promoted)
	}
	created := byAction[EventTypePolicyCreated]
	if created == nil || created.Actor != "system" || created.TargetID == nil || *created.TargetID != "p-1" {
		t.Errorf("unexpected policy entry: %+v", created)
	}
}

type failingAppender struct{}

func (failingAppender) AppendEvent(context.Context, *stores.Event) error {
	return context.DeadlineExceeded
}

func TestPersistEvents_LogsFailures(t *testing.T) {
	sub := PersistEvents(failingAppender{}, zerolog.New(nil).Level(zerolog.Disabled))
	// Must not panic or block.
	sub(Event{Type: EventTypeRunPrepared})
}
