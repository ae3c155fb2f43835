package stores

import (
	"context"
	"fmt"
)

// AppendEvent appends event to the run event log and sets its row id.
func (s *SQLiteStore) AppendEvent(ctx context.Context, event *Event) error {
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO events (event_id, type, source, run_id, item_id, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, event.EventID, event.Type, event.Source, event.RunID, event.ItemID,
		event.Level, event.Message, event.Data, toMillis(event.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to append %s event: %w", event.Type, err)
	}

	if event.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get event id: %w", err)
	}
	return nil
}

// GetEvents lists events newest first. A nil runID or eventType matches any.
func (s *SQLiteStore) GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, type, source, run_id, item_id, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, runID, runID, eventType, eventType, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}

	return collect(rows, "events", func(r rowScanner) (*Event, error) {
		e := &Event{}
		var ts int64
		if err := r.Scan(&e.ID, &e.EventID, &e.Type, &e.Source, &e.RunID, &e.ItemID,
			&e.Level, &e.Message, &e.Data, &ts); err != nil {
			return nil, err
		}
		e.Timestamp = fromMillis(ts)
		return e, nil
	})
}

// CreateAuditEntry records a promotion, cancellation or policy creation.
// A zero Timestamp is set from the store clock.
func (s *SQLiteStore) CreateAuditEntry(ctx context.Context, entry *AuditEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	result, err := s.db.ExecContext(ctx, `
		INSERT INTO audit (action, actor, target_id, details, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Action, entry.Actor, entry.TargetID, entry.Details, toMillis(entry.Timestamp))
	if err != nil {
		return fmt.Errorf("failed to record %s audit entry: %w", entry.Action, err)
	}

	if entry.ID, err = result.LastInsertId(); err != nil {
		return fmt.Errorf("failed to get audit entry id: %w", err)
	}
	return nil
}

// ListAuditEntries lists audit entries newest first. A nil action or actor
// matches any.
func (s *SQLiteStore) ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, action, actor, target_id, details, timestamp
		FROM audit
		WHERE (? IS NULL OR action = ?)
		  AND (? IS NULL OR actor = ?)
		ORDER BY timestamp DESC, id DESC
		LIMIT ? OFFSET ?
	`, action, action, actor, actor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit entries: %w", err)
	}

	return collect(rows, "audit entries", func(r rowScanner) (*AuditEntry, error) {
		a := &AuditEntry{}
		var ts int64
		if err := r.Scan(&a.ID, &a.Action, &a.Actor, &a.TargetID, &a.Details, &ts); err != nil {
			return nil, err
		}
		a.Timestamp = fromMillis(ts)
		return a, nil
	})
}
