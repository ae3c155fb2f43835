package engine

import (
	"fmt"
	"strings"
)

// RunStatus represents the lifecycle state of a catalog evaluation run.
type RunStatus string

const (
	// RunStatusRunning indicates items are still being dispatched or evaluated.
	RunStatusRunning RunStatus = "running"

	// RunStatusPrepared indicates every ready item has been accounted for and
	// the run is waiting for promotion or cancellation.
	RunStatusPrepared RunStatus = "prepared"

	// RunStatusPromoted indicates the run's policy was activated.
	RunStatusPromoted RunStatus = "promoted"

	// RunStatusCancelled indicates the run was cancelled by an operator.
	RunStatusCancelled RunStatus = "cancelled"

	// RunStatusFailed indicates the watchdog gave up on a stalled run.
	RunStatusFailed RunStatus = "failed"
)

// Legacy spellings written by earlier versions of the run table.
const (
	legacyRunStatusPending   = "pending"
	legacyRunStatusSuccess   = "success"
	legacyRunStatusCompleted = "completed"
)

// NormalizeRunStatus translates a stored status into the canonical set.
// Legacy values are mapped on read only and are never written back.
func NormalizeRunStatus(raw string) (RunStatus, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(RunStatusRunning), legacyRunStatusPending:
		return RunStatusRunning, nil
	case string(RunStatusPrepared), legacyRunStatusSuccess, legacyRunStatusCompleted:
		return RunStatusPrepared, nil
	case string(RunStatusPromoted):
		return RunStatusPromoted, nil
	case string(RunStatusCancelled), "canceled":
		return RunStatusCancelled, nil
	case string(RunStatusFailed):
		return RunStatusFailed, nil
	default:
		return "", fmt.Errorf("invalid run status: %q", raw)
	}
}

// StoredSpellings returns every stored value that normalizes to s.
func StoredSpellings(s RunStatus) []string {
	switch s {
	case RunStatusRunning:
		return []string{string(RunStatusRunning), legacyRunStatusPending}
	case RunStatusPrepared:
		return []string{string(RunStatusPrepared), legacyRunStatusSuccess, legacyRunStatusCompleted}
	default:
		return []string{string(s)}
	}
}

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusPromoted || s == RunStatusCancelled || s == RunStatusFailed
}

// IsActive returns true while items may still be written for the run.
func (s RunStatus) IsActive() bool {
	return s == RunStatusRunning
}

// IsPromotable returns true if the run is in the ready state.
func (s RunStatus) IsPromotable() bool {
	return s == RunStatusPrepared
}

// IsCancellable returns true if Cancel may be applied.
func (s RunStatus) IsCancellable() bool {
	return s == RunStatusRunning || s == RunStatusPrepared
}

// IsDiffable returns true if the run's snapshot is complete enough to diff.
func (s RunStatus) IsDiffable() bool {
	return s == RunStatusPrepared || s == RunStatusPromoted
}

// Validate checks if the run status is one of the canonical values.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusPrepared, RunStatusPromoted,
		RunStatusCancelled, RunStatusFailed:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// BlockingReason explains why a run cannot be promoted yet.
type BlockingReason string

const (
	// BlockingRunNotSuccess means the run is not in the prepared state.
	BlockingRunNotSuccess BlockingReason = "RUN_NOT_SUCCESS"

	// BlockingCoverageNotMet means processed/total is below the threshold.
	BlockingCoverageNotMet BlockingReason = "COVERAGE_NOT_MET"

	// BlockingErrorsExceeded means more item errors were recorded than allowed.
	BlockingErrorsExceeded BlockingReason = "ERRORS_EXCEEDED"

	// BlockingAlreadyPromoted means the run has already been promoted.
	BlockingAlreadyPromoted BlockingReason = "ALREADY_PROMOTED"
)

// DiffClass is the classification of one item between two evaluation snapshots.
type DiffClass string

const (
	DiffRegression      DiffClass = "regression"
	DiffImprovement     DiffClass = "improvement"
	DiffUnchanged       DiffClass = "unchanged"
	DiffStillIneligible DiffClass = "stillIneligible"
)

// Validate checks if the diff class is known.
func (c DiffClass) Validate() error {
	switch c {
	case DiffRegression, DiffImprovement, DiffUnchanged, DiffStillIneligible:
		return nil
	default:
		return fmt.Errorf("invalid diff class: %s", c)
	}
}

// SnapshotStatusNone is the virtual status of an item missing from a snapshot.
const SnapshotStatusNone = "none"

// ClassifyTransition classifies an item by its old and new snapshot status.
// Statuses are the evaluation status strings, or SnapshotStatusNone.
func ClassifyTransition(oldStatus, newStatus string) DiffClass {
	wasEligible := oldStatus == "eligible"
	isEligible := newStatus == "eligible"

	switch {
	case wasEligible && isEligible:
		return DiffUnchanged
	case wasEligible && isNotEligible(newStatus):
		return DiffRegression
	case isNotEligible(oldStatus) && isEligible:
		return DiffImprovement
	default:
		return DiffStillIneligible
	}
}

// isNotEligible matches the statuses that count as "not shown" in a diff.
// Review is not one of them, so eligible -> review classifies as stillIneligible.
func isNotEligible(status string) bool {
	return status == "ineligible" || status == "pending" || status == SnapshotStatusNone
}
