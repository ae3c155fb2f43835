package stores

import (
	"context"
	"database/sql"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
)

// EventLevel represents the severity level of an event
type EventLevel string

const (
	EventLevelDebug   EventLevel = "debug"
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event represents an append-only run event
type Event struct {
	ID        int64      `json:"id"`
	EventID   string     `json:"event_id"`
	Type      string     `json:"type"`
	Source    string     `json:"source"`
	RunID     *string    `json:"run_id,omitempty"`
	ItemID    *string    `json:"item_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Data      *string    `json:"data,omitempty"` // JSON blob
	Timestamp time.Time  `json:"timestamp"`
}

// AuditEntry represents an audit trail entry
type AuditEntry struct {
	ID        int64     `json:"id"`
	Action    string    `json:"action"`              // e.g., "policy.created", "run.promoted"
	Actor     string    `json:"actor"`               // user or system identifier
	TargetID  *string   `json:"target_id,omitempty"` // policy or run ID
	Details   *string   `json:"details,omitempty"`   // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Transaction support
	BeginTx(ctx context.Context) (*sql.Tx, error)

	// Policy operations
	engine.PolicyStore
	CreatePolicy(ctx context.Context, policy *engine.Policy) error
	GetPolicyByChecksum(ctx context.Context, checksum string) (*engine.Policy, error)
	ListPolicies(ctx context.Context, opts engine.ListOptions) ([]*engine.Policy, error)

	// Catalog operations
	engine.ItemSource
	UpsertCatalogItems(ctx context.Context, items []*engine.CatalogItem) error

	// Evaluation and run operations
	engine.EvaluationStore
	engine.RunStore

	// Job queue and locks
	queue.Store
	engine.Locker

	// Event operations
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, runID *string, eventType *string, limit, offset int) ([]*Event, error)

	// Audit operations
	CreateAuditEntry(ctx context.Context, entry *AuditEntry) error
	ListAuditEntries(ctx context.Context, action *string, actor *string, limit, offset int) ([]*AuditEntry, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

// Compile-time check that SQLiteStore implements Store
var _ Store = (*SQLiteStore)(nil)
