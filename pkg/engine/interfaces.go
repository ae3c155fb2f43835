package engine

import (
	"context"
	"time"
)

// PolicyStore reads versioned policies.
type PolicyStore interface {
	// GetPolicy returns a policy by id, or a NOT_FOUND error.
	GetPolicy(ctx context.Context, id string) (*Policy, error)

	// GetPolicyByVersion returns a policy by version, or a NOT_FOUND error.
	GetPolicyByVersion(ctx context.Context, version int) (*Policy, error)

	// GetActivePolicy returns the active policy, or nil when none is active.
	GetActivePolicy(ctx context.Context) (*Policy, error)
}

// RunStore persists catalog evaluation runs. Every mutation is a single atomic
// statement; terminal runs are never modified.
type RunStore interface {
	CreateRun(ctx context.Context, input CreateRunInput) (*Run, error)

	// GetRun returns a run with its status normalized, or a NOT_FOUND error.
	GetRun(ctx context.Context, id string) (*Run, error)

	// UpdateRun applies a partial update. It returns an INVALID_STATE error if the
	// run is already terminal.
	UpdateRun(ctx context.Context, id string, patch RunPatch) error

	// RecordRunError increments the error counter and prepends to the bounded sample.
	RecordRunError(ctx context.Context, id string, runErr RunError) error

	ListRuns(ctx context.Context, opts ListOptions) ([]*Run, error)
	ListRunsByPolicy(ctx context.Context, policyID string) ([]*Run, error)
	ListRunsByStatus(ctx context.Context, status RunStatus) ([]*Run, error)

	// PromoteRun activates the run's policy and marks the run promoted in one
	// transaction. It returns a CONFLICT error if the run is no longer promotable.
	PromoteRun(ctx context.Context, input PromoteRunInput) (*Run, error)
}

// EvaluationStore persists evaluation snapshots keyed by (item, policy version).
type EvaluationStore interface {
	UpsertEvaluation(ctx context.Context, eval *MediaCatalogEvaluation) error
	BulkUpsertEvaluations(ctx context.Context, evals []*MediaCatalogEvaluation) error
	ListEvaluationsByVersion(ctx context.Context, version int, opts ListOptions) ([]*MediaCatalogEvaluation, error)

	// CountRunEvaluations aggregates the rows last written by a run.
	CountRunEvaluations(ctx context.Context, runID string) (RunCounters, error)

	// CountDiff compares two snapshots in one aggregate query. A nil oldVersion
	// is an empty snapshot.
	CountDiff(ctx context.Context, oldVersion *int, newVersion int) (DiffCounts, error)

	// ListDiffSamples returns up to limit items of one class, highest trending score first.
	ListDiffSamples(ctx context.Context, oldVersion *int, newVersion int, class DiffClass, limit int) ([]DiffSample, error)
}

// ItemSource pages through ready catalog items.
type ItemSource interface {
	CountReadyItems(ctx context.Context, cutoff time.Time) (int64, error)

	// ListReadyItems returns up to limit ready items with id > cursor, ordered by id.
	ListReadyItems(ctx context.Context, cutoff time.Time, cursor string, limit int) ([]*CatalogItem, error)

	GetCatalogItem(ctx context.Context, id string) (*CatalogItem, error)
}

// JobRequest is one unit of work to enqueue.
type JobRequest struct {
	Kind           string
	Payload        interface{}
	IdempotencyKey string
}

// Queue enqueues background work. Requests with an idempotency key that was
// already used are dropped.
type Queue interface {
	// Enqueue returns false if the key was already used.
	Enqueue(ctx context.Context, kind string, payload interface{}, idempotencyKey string) (bool, error)

	// EnqueueBulk returns the number of newly enqueued jobs.
	EnqueueBulk(ctx context.Context, reqs []JobRequest) (int, error)
}

// Locker is a short-lived distributed mutex used for singleton tasks.
type Locker interface {
	// TryAcquireLock sets key if it is absent or expired. It returns false
	// without error when another holder owns the lock.
	TryAcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release drops key if this holder still owns it. Releasing a lock that
	// expired or passed to another holder is not an error.
	Release(ctx context.Context, key string) error
}
