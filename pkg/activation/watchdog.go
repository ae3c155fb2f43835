package activation

import (
	"context"
	"fmt"
	"time"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

// CheckOutcome is what the watchdog concluded about one running run.
type CheckOutcome string

const (
	// CheckFinalized means every snapshot item was accounted for and the run is now PREPARED.
	CheckFinalized CheckOutcome = "finalized"

	// CheckDispatching means the orchestrator has not reached the end of the snapshot.
	CheckDispatching CheckOutcome = "dispatching"

	// CheckEvaluating means dispatch is complete and item jobs are still landing.
	CheckEvaluating CheckOutcome = "evaluating"

	// CheckStuck means dispatch is complete but no progress was seen for StaleAfter.
	CheckStuck CheckOutcome = "stuck"

	// CheckFailed means the run made no progress for FailAfter and was failed.
	CheckFailed CheckOutcome = "failed"

	// CheckSkipped means the run left the running state during the check.
	CheckSkipped CheckOutcome = "skipped"
)

// ErrCodeRunStalled is recorded on a run failed by the watchdog.
const ErrCodeRunStalled = "RUN_STALLED"

// RunCheck is the watchdog result for one run.
type RunCheck struct {
	RunID    string             `json:"run_id"`
	Outcome  CheckOutcome       `json:"outcome"`
	Counters engine.RunCounters `json:"counters"`
	Errors   int64              `json:"errors"`
	Total    int64              `json:"total"`

	// Resumed is true when a new orchestrator job was enqueued from the cursor.
	Resumed bool `json:"resumed,omitempty"`
}

// WatchdogReport is the result of one watchdog tick.
type WatchdogReport struct {
	// Acquired is false when another instance holds the watchdog lock.
	Acquired bool       `json:"acquired"`
	Checks   []RunCheck `json:"checks,omitempty"`
}

func (s *Service) handleWatchdog(ctx context.Context, _ *queue.Job) error {
	_, err := s.RunWatchdog(ctx)
	return err
}

// RunWatchdog reconciles every RUNNING run once. Instances that lose the
// lock return an empty report without error. The winner releases the lock
// when the tick ends; LockTTL only bounds a tick whose instance died.
func (s *Service) RunWatchdog(ctx context.Context) (report *WatchdogReport, err error) {
	ctx, span := s.startSpan(ctx, "activation.watchdog")
	defer func() { telemetry.EndSpan(span, err) }()

	acquired, err := s.locker.TryAcquireLock(ctx, WatchdogLockKey, s.cfg.Watchdog.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire watchdog lock: %w", err)
	}
	if !acquired {
		s.logger.Debug().Msg("Watchdog lock held elsewhere, skipping tick")
		return &WatchdogReport{Acquired: false}, nil
	}
	defer func() {
		if rerr := s.locker.Release(context.WithoutCancel(ctx), WatchdogLockKey); rerr != nil {
			s.logger.Warn().Err(rerr).Msg("Failed to release watchdog lock")
		}
	}()

	runs, err := s.store.ListRunsByStatus(ctx, engine.RunStatusRunning)
	if err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.SetActiveRuns(len(runs))
	}

	report = &WatchdogReport{Acquired: true, Checks: make([]RunCheck, 0, len(runs))}
	for _, run := range runs {
		check, err := s.checkRun(ctx, run)
		if err != nil {
			s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Watchdog check failed")
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordWatchdogCheck(string(check.Outcome))
		}
		report.Checks = append(report.Checks, check)
	}

	if len(report.Checks) > 0 {
		s.logger.Info().Int("runs", len(report.Checks)).Msg("Watchdog tick complete")
	}
	return report, nil
}

func (s *Service) checkRun(ctx context.Context, run *engine.Run) (RunCheck, error) {
	counters, err := s.store.CountRunEvaluations(ctx, run.ID)
	if err != nil {
		return RunCheck{}, err
	}

	check := RunCheck{
		RunID:    run.ID,
		Counters: counters,
		Errors:   run.Errors,
		Total:    run.TotalReadySnapshot,
	}
	logger := s.logger.With().Str("run_id", run.ID).Logger()

	now := s.now()
	lastActivity := run.StartedAt
	if run.LastProgressAt != nil && run.LastProgressAt.After(lastActivity) {
		lastActivity = *run.LastProgressAt
	}

	progressed := counters != run.RunCounters
	if progressed {
		lastActivity = now
	}

	finalized, err := s.finalizeWith(ctx, run, counters, progressed)
	if err != nil {
		return check, err
	}
	if finalized {
		check.Outcome = CheckFinalized
		return check, nil
	}

	idle := now.Sub(lastActivity)
	if idle >= s.cfg.Watchdog.FailAfter {
		if err := s.failRun(ctx, run, idle); err != nil {
			if engine.IsInvalidState(err) {
				check.Outcome = CheckSkipped
				return check, nil
			}
			return check, err
		}
		check.Outcome = CheckFailed
		return check, nil
	}

	if !run.DispatchComplete() {
		check.Outcome = CheckDispatching
		if idle >= s.cfg.Watchdog.StaleAfter {
			resumed, err := s.queue.Enqueue(ctx, KindReevaluate, reevaluatePayload{
				RunID:         run.ID,
				PolicyVersion: run.PolicyVersion,
				BatchSize:     run.BatchSize,
			}, resumeKey(run.ID, run.Cursor))
			if err != nil {
				return check, err
			}
			check.Resumed = resumed
			if resumed {
				logger.Warn().Str("cursor", run.Cursor).Dur("idle", idle).Msg("Dispatch stalled, resuming from cursor")
			}
		}
		return check, nil
	}

	if idle >= s.cfg.Watchdog.StaleAfter {
		check.Outcome = CheckStuck
		logger.Warn().
			Int64("processed", counters.Processed).
			Int64("errors", run.Errors).
			Int64("total", run.TotalReadySnapshot).
			Dur("idle", idle).
			Msg("Run is stuck")
		return check, nil
	}

	check.Outcome = CheckEvaluating
	return check, nil
}

// finalize recomputes a run's counters and moves it to PREPARED when every
// snapshot item was either processed or recorded as an error.
func (s *Service) finalize(ctx context.Context, runID string) (bool, error) {
	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	if !run.Status.IsActive() {
		return false, nil
	}

	counters, err := s.store.CountRunEvaluations(ctx, run.ID)
	if err != nil {
		return false, err
	}
	return s.finalizeWith(ctx, run, counters, counters != run.RunCounters)
}

func (s *Service) finalizeWith(ctx context.Context, run *engine.Run, counters engine.RunCounters, progressed bool) (bool, error) {
	now := s.now()
	patch := engine.RunPatch{ExpectStatus: statusPtr(engine.RunStatusRunning)}
	if progressed {
		patch.Counters = &counters
		patch.LastProgressAt = &now
	}

	complete := counters.Processed+run.Errors >= run.TotalReadySnapshot
	if complete {
		patch.Counters = &counters
		patch.Status = statusPtr(engine.RunStatusPrepared)
		patch.FinishedAt = &now
	}

	if patch.Counters == nil {
		return false, nil
	}

	if err := s.store.UpdateRun(ctx, run.ID, patch); err != nil {
		if engine.IsInvalidState(err) {
			return false, nil
		}
		return false, err
	}
	if !complete {
		return false, nil
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Int64("processed", counters.Processed).
		Int64("eligible", counters.Eligible).
		Int64("ineligible", counters.Ineligible).
		Int64("pending", counters.Pending).
		Int64("errors", run.Errors).
		Int64("total", run.TotalReadySnapshot).
		Msg("Run prepared for promotion")

	s.recordTransition(engine.RunStatusPrepared)
	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeRunFinalized,
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		Message:       fmt.Sprintf("Run %s processed %d of %d items", run.ID, counters.Processed, run.TotalReadySnapshot),
		Data: map[string]interface{}{
			"processed":  counters.Processed,
			"eligible":   counters.Eligible,
			"ineligible": counters.Ineligible,
			"pending":    counters.Pending,
			"errors":     run.Errors,
		},
	})
	return true, nil
}

func (s *Service) failRun(ctx context.Context, run *engine.Run, idle time.Duration) error {
	message := fmt.Sprintf("no progress for %s", idle.Round(time.Second))
	if err := s.store.RecordRunError(ctx, run.ID, engine.RunError{
		Code:    ErrCodeRunStalled,
		Message: message,
		At:      s.now(),
	}); err != nil {
		return err
	}

	finishedAt := s.now()
	if err := s.store.UpdateRun(ctx, run.ID, engine.RunPatch{
		ExpectStatus: statusPtr(engine.RunStatusRunning),
		Status:       statusPtr(engine.RunStatusFailed),
		FinishedAt:   &finishedAt,
	}); err != nil {
		return err
	}

	s.logger.Error().Str("run_id", run.ID).Str("cursor", run.Cursor).Msg("Run failed: " + message)
	s.recordTransition(engine.RunStatusFailed)
	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeRunFailed,
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		Level:         telemetry.EventLevelError,
		Message:       fmt.Sprintf("Run %s failed: %s", run.ID, message),
		Data:          map[string]interface{}{"cursor": run.Cursor},
	})
	return nil
}
