package activation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// FailureCode identifies a business rule that refused an operation.
type FailureCode string

const (
	FailurePolicyAlreadyActive FailureCode = "POLICY_ALREADY_ACTIVE"
	FailureRunInProgress       FailureCode = "RUN_IN_PROGRESS"
	FailureAlreadyPromoted     FailureCode = "ALREADY_PROMOTED"
	FailureRunNotReady         FailureCode = "RUN_NOT_READY"
	FailurePromotionBlocked    FailureCode = "PROMOTION_BLOCKED"
	FailureConflict            FailureCode = "CONFLICT"
	FailureRunNotCancellable   FailureCode = "RUN_NOT_CANCELLABLE"
	FailureRunNotDiffable      FailureCode = "RUN_NOT_DIFFABLE"
)

// Failure is a structured refusal. Callers are expected to poll or retry.
type Failure struct {
	Code            FailureCode             `json:"code"`
	Message         string                  `json:"message"`
	BlockingReasons []engine.BlockingReason `json:"blocking_reasons,omitempty"`
}

func (f *Failure) String() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Thresholds gate promotion.
type Thresholds struct {
	CoverageThreshold float64 `json:"coverage_threshold"`
	MaxErrors         int64   `json:"max_errors"`
}

// PrepareOptions configures a new run.
type PrepareOptions struct {
	// BatchSize is the orchestrator page size. Zero uses the configured default.
	BatchSize int
	CreatedBy string
}

// PrepareResult is returned by Prepare.
type PrepareResult struct {
	Success            bool      `json:"success"`
	RunID              string    `json:"run_id,omitempty"`
	TotalReadySnapshot int64     `json:"total_ready_snapshot"`
	SnapshotCutoff     time.Time `json:"snapshot_cutoff"`
	Error              *Failure  `json:"error,omitempty"`
}

// RunStatusReport is returned by GetStatus.
type RunStatusReport struct {
	Run             *engine.Run             `json:"run"`
	Coverage        float64                 `json:"coverage"`
	ReadyToPromote  bool                    `json:"ready_to_promote"`
	BlockingReasons []engine.BlockingReason `json:"blocking_reasons"`
}

// PromoteOptions configures a promotion. Nil Thresholds use the configured defaults.
type PromoteOptions struct {
	Thresholds *Thresholds
	PromotedBy string
}

// RunResult is returned by Promote and Cancel.
type RunResult struct {
	Success bool        `json:"success"`
	Run     *engine.Run `json:"run,omitempty"`
	Error   *Failure    `json:"error,omitempty"`
}

// DefaultThresholds returns the configured promotion thresholds.
func (s *Service) DefaultThresholds() Thresholds {
	return Thresholds{
		CoverageThreshold: s.cfg.CoverageThreshold,
		MaxErrors:         s.cfg.MaxErrors,
	}
}

// Prepare creates a RUNNING run for policyID and enqueues its orchestrator job.
func (s *Service) Prepare(ctx context.Context, policyID string, opts PrepareOptions) (res *PrepareResult, err error) {
	ctx, span := s.startSpan(ctx, "activation.prepare", telemetry.AttrPolicyID.String(policyID))
	defer func() { telemetry.EndSpan(span, err) }()

	policy, err := s.store.GetPolicy(ctx, policyID)
	if err != nil {
		return nil, err
	}
	if policy.IsActive {
		return &PrepareResult{Error: &Failure{
			Code:    FailurePolicyAlreadyActive,
			Message: fmt.Sprintf("policy %s version %d is already active", policy.ID, policy.Version),
		}}, nil
	}

	runs, err := s.store.ListRunsByPolicy(ctx, policy.ID)
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.Status.IsActive() {
			return &PrepareResult{Error: &Failure{
				Code:    FailureRunInProgress,
				Message: fmt.Sprintf("run %s is still running for policy %s", run.ID, policy.ID),
			}}, nil
		}
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.DefaultBatchSize
	}

	cutoff := s.now()
	total, err := s.store.CountReadyItems(ctx, cutoff)
	if err != nil {
		return nil, err
	}

	run, err := s.store.CreateRun(ctx, engine.CreateRunInput{
		PolicyID:           policy.ID,
		PolicyVersion:      policy.Version,
		SnapshotCutoff:     cutoff,
		TotalReadySnapshot: total,
		BatchSize:          batchSize,
		CreatedBy:          opts.CreatedBy,
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(runAttrs(run)...)

	logger := s.logger.With().
		Str("run_id", run.ID).
		Int("policy_version", run.PolicyVersion).
		Logger()

	// A run whose orchestrator job could not be enqueued is still picked up
	// by the watchdog once it goes stale.
	if _, err := s.queue.Enqueue(ctx, KindReevaluate, reevaluatePayload{
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		BatchSize:     batchSize,
	}, reevaluateKey(run.ID)); err != nil {
		logger.Error().Err(err).Msg("Failed to enqueue orchestrator")
		return nil, err
	}

	logger.Info().
		Int64("total_ready_snapshot", total).
		Time("snapshot_cutoff", cutoff).
		Msg("Run prepared")

	s.recordTransition(engine.RunStatusRunning)
	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeRunPrepared,
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		Message:       fmt.Sprintf("Run %s started for policy version %d", run.ID, run.PolicyVersion),
		Data: map[string]interface{}{
			"total_ready_snapshot": total,
			"batch_size":           batchSize,
			"created_by":           opts.CreatedBy,
		},
	})

	return &PrepareResult{
		Success:            true,
		RunID:              run.ID,
		TotalReadySnapshot: total,
		SnapshotCutoff:     cutoff,
	}, nil
}

// GetStatus reports a run's coverage and whether it may be promoted.
// A nil th uses the configured defaults.
func (s *Service) GetStatus(ctx context.Context, runID string, th *Thresholds) (*RunStatusReport, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	thresholds := s.resolveThresholds(th)
	reasons := BlockingReasons(run, thresholds)
	return &RunStatusReport{
		Run:             run,
		Coverage:        run.Coverage(),
		ReadyToPromote:  len(reasons) == 0,
		BlockingReasons: reasons,
	}, nil
}

// BlockingReasons lists every condition that prevents promoting run.
// Each reason depends only on its own condition.
func BlockingReasons(run *engine.Run, th Thresholds) []engine.BlockingReason {
	reasons := []engine.BlockingReason{}
	if !run.Status.IsPromotable() {
		reasons = append(reasons, engine.BlockingRunNotSuccess)
	}
	if run.Coverage() < th.CoverageThreshold {
		reasons = append(reasons, engine.BlockingCoverageNotMet)
	}
	if run.Errors > th.MaxErrors {
		reasons = append(reasons, engine.BlockingErrorsExceeded)
	}
	if run.PromotedAt != nil {
		reasons = append(reasons, engine.BlockingAlreadyPromoted)
	}
	return reasons
}

// Promote activates the run's policy once every blocking reason is cleared.
func (s *Service) Promote(ctx context.Context, runID string, opts PromoteOptions) (res *RunResult, err error) {
	ctx, span := s.startSpan(ctx, "activation.promote", telemetry.AttrRunID.String(runID))
	defer func() { telemetry.EndSpan(span, err) }()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}

	thresholds := s.resolveThresholds(opts.Thresholds)
	span.SetAttributes(thresholdAttrs(thresholds)...)
	reasons := BlockingReasons(run, thresholds)

	switch {
	case run.PromotedAt != nil || run.Status == engine.RunStatusPromoted:
		return refused(run, FailureAlreadyPromoted, "run has already been promoted", reasons), nil
	case !run.Status.IsPromotable():
		return refused(run, FailureRunNotReady, fmt.Sprintf("run is %s, expected %s", run.Status, engine.RunStatusPrepared), reasons), nil
	case len(reasons) > 0:
		return refused(run, FailurePromotionBlocked, fmt.Sprintf(
			"coverage %.4f (threshold %.4f), errors %d (max %d)",
			run.Coverage(), thresholds.CoverageThreshold, run.Errors, thresholds.MaxErrors), reasons), nil
	}

	promoted, err := s.store.PromoteRun(ctx, engine.PromoteRunInput{
		RunID:      run.ID,
		PromotedBy: opts.PromotedBy,
		PromotedAt: s.now(),
	})
	if err != nil {
		if engine.IsConflict(err) {
			current, gerr := s.store.GetRun(ctx, run.ID)
			if gerr != nil {
				current = run
			}
			if current.PromotedAt != nil {
				return refused(current, FailureAlreadyPromoted, "run has already been promoted", BlockingReasons(current, thresholds)), nil
			}
			return refused(current, FailureConflict, err.Error(), BlockingReasons(current, thresholds)), nil
		}
		return nil, err
	}
	span.SetAttributes(runAttrs(promoted)...)

	logger := s.logger.With().Str("run_id", promoted.ID).Int("policy_version", promoted.PolicyVersion).Logger()
	event := logger.Info().Str("promoted_by", promoted.PromotedBy)
	if promoted.PreviousPolicyVersion != nil {
		event = event.Int("previous_policy_version", *promoted.PreviousPolicyVersion)
	}
	event.Msg("Run promoted")

	s.recordTransition(engine.RunStatusPromoted)
	data := map[string]interface{}{"promoted_by": promoted.PromotedBy}
	if promoted.PreviousPolicyVersion != nil {
		data["previous_policy_version"] = *promoted.PreviousPolicyVersion
	}
	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeRunPromoted,
		RunID:         promoted.ID,
		PolicyVersion: promoted.PolicyVersion,
		Message:       fmt.Sprintf("Policy version %d activated by run %s", promoted.PolicyVersion, promoted.ID),
		Data:          data,
	})

	if s.archiver != nil {
		if location, aerr := s.ArchiveDiff(ctx, promoted.ID, 0); aerr != nil {
			logger.Warn().Err(aerr).Msg("Failed to archive diff report")
		} else if location != "" {
			logger.Info().Str("location", location).Msg("Diff report archived")
		}
	}

	return &RunResult{Success: true, Run: promoted}, nil
}

// Cancel stops a RUNNING or PREPARED run. The cursor and counters are kept.
func (s *Service) Cancel(ctx context.Context, runID string) (res *RunResult, err error) {
	ctx, span := s.startSpan(ctx, "activation.cancel", telemetry.AttrRunID.String(runID))
	defer func() { telemetry.EndSpan(span, err) }()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsCancellable() {
		return refused(run, FailureRunNotCancellable, fmt.Sprintf("run is %s", run.Status), nil), nil
	}

	finishedAt := s.now()
	err = s.store.UpdateRun(ctx, run.ID, engine.RunPatch{
		ExpectStatus: statusPtr(run.Status),
		Status:       statusPtr(engine.RunStatusCancelled),
		FinishedAt:   &finishedAt,
	})
	if err != nil {
		if engine.IsInvalidState(err) {
			current, gerr := s.store.GetRun(ctx, run.ID)
			if gerr != nil {
				return nil, gerr
			}
			return refused(current, FailureRunNotCancellable, fmt.Sprintf("run is %s", current.Status), nil), nil
		}
		return nil, err
	}

	cancelled, err := s.store.GetRun(ctx, run.ID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("previous_status", string(run.Status)).
		Str("cursor", cancelled.Cursor).
		Msg("Run cancelled")

	s.recordTransition(engine.RunStatusCancelled)
	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeRunCancelled,
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		Message:       fmt.Sprintf("Run %s cancelled", run.ID),
		Data: map[string]interface{}{
			"previous_status": string(run.Status),
			"cursor":          cancelled.Cursor,
			"processed":       cancelled.Processed,
		},
	})

	return &RunResult{Success: true, Run: cancelled}, nil
}

// ListRuns lists runs, most recently started first.
func (s *Service) ListRuns(ctx context.Context, opts engine.ListOptions) ([]*engine.Run, error) {
	return s.store.ListRuns(ctx, opts)
}

func (s *Service) resolveThresholds(th *Thresholds) Thresholds {
	if th == nil {
		return s.DefaultThresholds()
	}
	return *th
}

func refused(run *engine.Run, code FailureCode, message string, reasons []engine.BlockingReason) *RunResult {
	return &RunResult{
		Run: run,
		Error: &Failure{
			Code:            code,
			Message:         message,
			BlockingReasons: reasons,
		},
	}
}

func thresholdAttrs(th Thresholds) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Float64("promotion.coverage_threshold", th.CoverageThreshold),
		attribute.Int64("promotion.max_errors", th.MaxErrors),
	}
}
