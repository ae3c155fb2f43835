package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/marquee-labs/marquee/pkg/stores"
)

// EventAppender persists events to the run event log.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *stores.Event) error
}

// AuditWriter persists audit trail entries.
type AuditWriter interface {
	CreateAuditEntry(ctx context.Context, entry *stores.AuditEntry) error
}

// auditedTypes are the events that change what the catalog serves.
var auditedTypes = []string{
	EventTypePolicyCreated,
	EventTypeRunPromoted,
	EventTypeRunCancelled,
}

// sinkTimeout bounds a single write from a subscriber.
const sinkTimeout = 5 * time.Second

// PersistEvents returns a subscriber that appends every event to the event log.
// Write failures are logged and the event is dropped.
func PersistEvents(store EventAppender, logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()

		if err := store.AppendEvent(ctx, ToStoreEvent(event)); err != nil {
			logger.Warn().Err(err).Str("type", event.Type).Msg("Failed to persist event")
		}
	}
}

// AuditEvents returns a subscriber that records policy creation, promotion and
// cancellation in the audit trail. Subscribe it with AuditFilter.
func AuditEvents(store AuditWriter, logger zerolog.Logger) EventSubscriber {
	return func(event Event) {
		ctx, cancel := context.WithTimeout(context.Background(), sinkTimeout)
		defer cancel()

		entry := &stores.AuditEntry{
			Action:    event.Type,
			Actor:     auditActor(event.Data),
			Details:   encodeData(event.Data),
			Timestamp: event.Timestamp,
		}
		if event.RunID != "" {
			entry.TargetID = &event.RunID
		} else if id, ok := event.Data["policy_id"].(string); ok {
			entry.TargetID = &id
		}

		if err := store.CreateAuditEntry(ctx, entry); err != nil {
			logger.Warn().Err(err).Str("type", event.Type).Msg("Failed to write audit entry")
		}
	}
}

// AuditFilter accepts the event types recorded by AuditEvents.
func AuditFilter() EventFilter {
	return FilterByType(auditedTypes...)
}

// ToStoreEvent converts an event to its event log row.
func ToStoreEvent(event Event) *stores.Event {
	row := &stores.Event{
		EventID:   event.ID,
		Type:      event.Type,
		Source:    event.Source,
		Level:     stores.EventLevel(event.Level),
		Message:   event.Message,
		Timestamp: event.Timestamp,
	}
	if event.RunID != "" {
		runID := event.RunID
		row.RunID = &runID
	}
	if event.ItemID != "" {
		itemID := event.ItemID
		row.ItemID = &itemID
	}

	data := event.Data
	if event.PolicyVersion != 0 {
		data = make(map[string]interface{}, len(event.Data)+1)
		for k, v := range event.Data {
			data[k] = v
		}
		data["policy_version"] = event.PolicyVersion
	}
	row.Data = encodeData(data)
	return row
}

func auditActor(data map[string]interface{}) string {
	for _, key := range []string{"actor", "promoted_by", "created_by"} {
		if actor, ok := data[key].(string); ok && actor != "" {
			return actor
		}
	}
	return "system"
}

func encodeData(data map[string]interface{}) *string {
	if len(data) == 0 {
		return nil
	}
	b, err := json.Marshal(data)
	if err != nil {
		return nil
	}
	s := string(b)
	return &s
}
