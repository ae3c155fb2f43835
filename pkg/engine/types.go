package engine

import (
	"time"

	"github.com/marquee-labs/marquee/pkg/eligibility"
)

// Policy is an immutable, versioned eligibility configuration.
type Policy struct {
	// ID is the unique identifier for this policy.
	ID string `json:"id"`

	// Version is assigned monotonically when the policy is created.
	Version int `json:"version"`

	// Name is a human-readable label.
	Name string `json:"name"`

	// Description explains the intent of this version.
	Description string `json:"description,omitempty"`

	// Config is the rule set evaluated against catalog items.
	Config eligibility.PolicyConfig `json:"config"`

	// Checksum is the SHA-256 of the canonical config document.
	Checksum string `json:"checksum"`

	// IsActive is true for at most one policy at a time.
	IsActive bool `json:"is_active"`

	// CreatedBy identifies who created the policy.
	CreatedBy string `json:"created_by,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	ActivatedAt *time.Time `json:"activated_at,omitempty"`
}

// CatalogItem is a catalog entry as stored by the ingestion pipeline.
type CatalogItem struct {
	eligibility.Item

	// Title is used for display in diff samples.
	Title string `json:"title"`

	// IngestionComplete is false while upstream enrichment is still running.
	IngestionComplete bool `json:"ingestion_complete"`

	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// IsReady reports whether the item counts toward a run with the given snapshot cutoff.
func (c *CatalogItem) IsReady(cutoff time.Time) bool {
	return c.IngestionComplete && c.DeletedAt == nil && !c.UpdatedAt.After(cutoff)
}

// MediaCatalogEvaluation is the persisted evaluation of one item under one policy version.
type MediaCatalogEvaluation struct {
	ItemID        string `json:"item_id"`
	PolicyVersion int    `json:"policy_version"`

	// RunID is the run that last wrote this row.
	RunID string `json:"run_id"`

	Status         eligibility.Status   `json:"status"`
	Reasons        []eligibility.Reason `json:"reasons"`
	RelevanceScore int                  `json:"relevance_score"`
	BreakoutRuleID string               `json:"breakout_rule_id,omitempty"`
	EvaluatedAt    time.Time            `json:"evaluated_at"`
}

// RunError is one entry of a run's bounded error sample.
type RunError struct {
	ItemID  string    `json:"item_id"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// MaxRunErrorSample is the number of most recent errors kept on a run.
const MaxRunErrorSample = 10

// RunCounters are the evaluation counts of a run, always derived from evaluation rows.
type RunCounters struct {
	Processed  int64 `json:"processed"`
	Eligible   int64 `json:"eligible"`
	Ineligible int64 `json:"ineligible"`
	Pending    int64 `json:"pending"`
}

// Run is one attempt to re-evaluate the catalog against a policy version.
type Run struct {
	// ID is the unique identifier for this run.
	ID string `json:"id"`

	PolicyID      string    `json:"policy_id"`
	PolicyVersion int       `json:"policy_version"`
	Status        RunStatus `json:"status"`

	// SnapshotCutoff is frozen at prepare time. Items updated later are not part of the run.
	SnapshotCutoff time.Time `json:"snapshot_cutoff"`

	// TotalReadySnapshot is the number of ready items at SnapshotCutoff.
	TotalReadySnapshot int64 `json:"total_ready_snapshot"`

	// Cursor is the id of the last dispatched item.
	Cursor    string `json:"cursor,omitempty"`
	BatchSize int    `json:"batch_size"`

	RunCounters

	// Errors counts per-item failures; ErrorSample keeps the newest ones first.
	Errors      int64      `json:"errors"`
	ErrorSample []RunError `json:"error_sample,omitempty"`

	CreatedBy           string     `json:"created_by,omitempty"`
	StartedAt           time.Time  `json:"started_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
	DispatchCompletedAt *time.Time `json:"dispatch_completed_at,omitempty"`
	LastProgressAt      *time.Time `json:"last_progress_at,omitempty"`
	FinishedAt          *time.Time `json:"finished_at,omitempty"`

	PromotedAt *time.Time `json:"promoted_at,omitempty"`
	PromotedBy string     `json:"promoted_by,omitempty"`

	// PreviousPolicyVersion is the version that was active when this run was promoted.
	PreviousPolicyVersion *int `json:"previous_policy_version,omitempty"`
}

// Coverage returns processed/total in 0..1. An empty snapshot has zero coverage.
func (r *Run) Coverage() float64 {
	if r.TotalReadySnapshot <= 0 {
		return 0
	}
	c := float64(r.Processed) / float64(r.TotalReadySnapshot)
	if c > 1 {
		return 1
	}
	return c
}

// DispatchComplete reports whether the orchestrator has walked past the last page.
func (r *Run) DispatchComplete() bool {
	return r.DispatchCompletedAt != nil
}

// CreateRunInput holds the fields fixed when a run is created.
type CreateRunInput struct {
	PolicyID           string
	PolicyVersion      int
	SnapshotCutoff     time.Time
	TotalReadySnapshot int64
	BatchSize          int
	CreatedBy          string
}

// RunPatch is a partial update of a non-terminal run. Nil fields are left untouched.
type RunPatch struct {
	// ExpectStatus makes the update conditional on the run's current status.
	ExpectStatus *RunStatus

	Status              *RunStatus
	Cursor              *string
	Counters            *RunCounters
	DispatchCompletedAt *time.Time
	LastProgressAt      *time.Time
	FinishedAt          *time.Time
}

// PromoteRunInput describes an atomic promotion.
type PromoteRunInput struct {
	RunID      string
	PromotedBy string
	PromotedAt time.Time
}

// DiffCounts are the per-class totals of a snapshot comparison.
type DiffCounts struct {
	Regressions     int64 `json:"regressions"`
	Improvements    int64 `json:"improvements"`
	Unchanged       int64 `json:"unchanged"`
	StillIneligible int64 `json:"still_ineligible"`
}

// Total returns the number of items compared.
func (c DiffCounts) Total() int64 {
	return c.Regressions + c.Improvements + c.Unchanged + c.StillIneligible
}

// DiffSample is one item of a diff class, ranked by trending score.
type DiffSample struct {
	ItemID        string               `json:"item_id"`
	Title         string               `json:"title,omitempty"`
	OldStatus     string               `json:"old_status"`
	NewStatus     string               `json:"new_status"`
	NewReasons    []eligibility.Reason `json:"new_reasons,omitempty"`
	TrendingScore float64              `json:"trending_score"`
}

// ListOptions pages through list queries.
type ListOptions struct {
	Limit  int
	Offset int
}
