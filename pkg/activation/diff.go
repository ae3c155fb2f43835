package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// diffClasses is the order in which samples are collected and rendered.
var diffClasses = []engine.DiffClass{
	engine.DiffRegression,
	engine.DiffImprovement,
	engine.DiffUnchanged,
	engine.DiffStillIneligible,
}

// DiffReport compares the evaluation snapshot of a run's policy version with a baseline.
type DiffReport struct {
	RunID    string `json:"run_id"`
	PolicyID string `json:"policy_id"`

	// NewVersion is the run's policy version.
	NewVersion int `json:"new_version"`

	// OldVersion is the baseline. Nil means an empty baseline, where every item is "none".
	OldVersion *int `json:"old_version,omitempty"`

	Counts     engine.DiffCounts                        `json:"counts"`
	Samples    map[engine.DiffClass][]engine.DiffSample `json:"samples"`
	SampleSize int                                      `json:"sample_size"`
	ComputedAt time.Time                                `json:"computed_at"`
}

// TopRegressions returns the highest trending items that would stop being eligible.
func (r *DiffReport) TopRegressions() []engine.DiffSample {
	return r.Samples[engine.DiffRegression]
}

// TopImprovements returns the highest trending items that would become eligible.
func (r *DiffReport) TopImprovements() []engine.DiffSample {
	return r.Samples[engine.DiffImprovement]
}

// DiffResult is returned by ComputeDiff.
type DiffResult struct {
	Success bool        `json:"success"`
	Report  *DiffReport `json:"report,omitempty"`
	Error   *Failure    `json:"error,omitempty"`
}

// ComputeDiff compares a PREPARED or PROMOTED run with its baseline. A
// promoted run is compared with the version it replaced; a prepared run is
// compared with the currently active version. sampleSize <= 0 uses the
// configured default.
func (s *Service) ComputeDiff(ctx context.Context, runID string, sampleSize int) (res *DiffResult, err error) {
	ctx, span := s.startSpan(ctx, "activation.diff", telemetry.AttrRunID.String(runID))
	defer func() { telemetry.EndSpan(span, err) }()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !run.Status.IsDiffable() {
		return &DiffResult{Error: &Failure{
			Code:    FailureRunNotDiffable,
			Message: fmt.Sprintf("run is %s, expected %s or %s", run.Status, engine.RunStatusPrepared, engine.RunStatusPromoted),
		}}, nil
	}
	span.SetAttributes(runAttrs(run)...)

	oldVersion, err := s.baselineVersion(ctx, run)
	if err != nil {
		return nil, err
	}

	if sampleSize <= 0 {
		sampleSize = s.cfg.SampleSize
	}
	if sampleSize > MaxSampleSize {
		sampleSize = MaxSampleSize
	}

	counts, err := s.store.CountDiff(ctx, oldVersion, run.PolicyVersion)
	if err != nil {
		return nil, err
	}

	report := &DiffReport{
		RunID:      run.ID,
		PolicyID:   run.PolicyID,
		NewVersion: run.PolicyVersion,
		OldVersion: oldVersion,
		Counts:     counts,
		Samples:    make(map[engine.DiffClass][]engine.DiffSample, len(diffClasses)),
		SampleSize: sampleSize,
		ComputedAt: s.now(),
	}
	for _, class := range diffClasses {
		samples, err := s.store.ListDiffSamples(ctx, oldVersion, run.PolicyVersion, class, sampleSize)
		if err != nil {
			return nil, err
		}
		report.Samples[class] = samples
	}

	s.logger.Debug().
		Str("run_id", run.ID).
		Int64("regressions", counts.Regressions).
		Int64("improvements", counts.Improvements).
		Int64("unchanged", counts.Unchanged).
		Int64("still_ineligible", counts.StillIneligible).
		Msg("Diff computed")

	return &DiffResult{Success: true, Report: report}, nil
}

// ArchiveDiff computes the run's diff and hands it to the configured archiver.
// It returns an empty location when no archiver is configured.
func (s *Service) ArchiveDiff(ctx context.Context, runID string, sampleSize int) (string, error) {
	if s.archiver == nil {
		return "", nil
	}

	res, err := s.ComputeDiff(ctx, runID, sampleSize)
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", engine.NewPermanentError(res.Error.Message, nil).
			WithCode(engine.ErrCodeInvalidState).
			WithResource(runID).
			WithOperation("archive_diff")
	}

	location, err := s.archiver.Archive(ctx, res.Report)
	if err != nil {
		return "", fmt.Errorf("failed to archive diff of run %s: %w", runID, err)
	}
	return location, nil
}

func (s *Service) baselineVersion(ctx context.Context, run *engine.Run) (*int, error) {
	if run.Status == engine.RunStatusPromoted {
		return run.PreviousPolicyVersion, nil
	}

	active, err := s.store.GetActivePolicy(ctx)
	if err != nil {
		return nil, err
	}
	if active == nil {
		return nil, nil
	}
	version := active.Version
	return &version, nil
}
