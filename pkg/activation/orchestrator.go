package activation

import (
	"context"
	"fmt"

	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

type reevaluatePayload struct {
	RunID         string `json:"runId"`
	PolicyVersion int    `json:"policyVersion"`
	BatchSize     int    `json:"batchSize"`
}

type evaluateItemPayload struct {
	RunID         string `json:"runId"`
	ItemID        string `json:"itemId"`
	PolicyVersion int    `json:"policyVersion"`
}

func reevaluateKey(runID string) string {
	return "reevaluate:" + runID
}

func resumeKey(runID, cursor string) string {
	return fmt.Sprintf("reevaluate:%s:resume:%s", runID, cursor)
}

func evaluateItemKey(runID, itemID string) string {
	return fmt.Sprintf("evaluate:%s:%s", runID, itemID)
}

func invalidPayload(job *queue.Job, err error) error {
	return engine.NewPermanentError("invalid job payload", err).
		WithCode(engine.ErrCodeInvalidPayload).
		WithResource(job.ID).
		WithDetail("kind", job.Kind)
}

func (s *Service) handleReevaluate(ctx context.Context, job *queue.Job) error {
	var p reevaluatePayload
	if err := job.Decode(&p); err != nil {
		return invalidPayload(job, err)
	}
	if p.RunID == "" {
		return invalidPayload(job, fmt.Errorf("runId is required"))
	}
	return s.Dispatch(ctx, p.RunID, p.BatchSize)
}

// Dispatch walks the run's snapshot from its cursor and enqueues one
// evaluate-item job per ready item. The run is reloaded before every page,
// so a cancelled run stops at the next page boundary without error. After
// PagesPerJob pages the remaining snapshot goes to a follow-up orchestrator
// job keyed by the persisted cursor.
func (s *Service) Dispatch(ctx context.Context, runID string, batchSize int) (err error) {
	ctx, span := s.startSpan(ctx, "activation.dispatch", telemetry.AttrRunID.String(runID))
	defer func() { telemetry.EndSpan(span, err) }()

	logger := s.logger.With().Str("run_id", runID).Logger()
	pages := 0
	dispatched := 0

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		run, err := s.store.GetRun(ctx, runID)
		if err != nil {
			if engine.IsNotFound(err) {
				logger.Warn().Msg("Run not found, dropping orchestrator job")
				return nil
			}
			return err
		}
		if !run.Status.IsActive() {
			logger.Debug().Str("status", string(run.Status)).Msg("Run no longer running, stopping dispatch")
			return nil
		}
		if run.DispatchComplete() {
			return nil
		}

		size := batchSize
		if size <= 0 {
			size = run.BatchSize
		}
		if size <= 0 {
			size = s.cfg.DefaultBatchSize
		}

		items, err := s.store.ListReadyItems(ctx, run.SnapshotCutoff, run.Cursor, size)
		if err != nil {
			return err
		}

		if len(items) == 0 {
			return s.completeDispatch(ctx, run, pages, dispatched)
		}

		reqs := make([]engine.JobRequest, 0, len(items))
		for _, item := range items {
			reqs = append(reqs, engine.JobRequest{
				Kind: KindEvaluateItem,
				Payload: evaluateItemPayload{
					RunID:         run.ID,
					ItemID:        item.ID,
					PolicyVersion: run.PolicyVersion,
				},
				IdempotencyKey: evaluateItemKey(run.ID, item.ID),
			})
		}
		if _, err := s.queue.EnqueueBulk(ctx, reqs); err != nil {
			return err
		}

		cursor := items[len(items)-1].ID
		now := s.now()
		err = s.store.UpdateRun(ctx, run.ID, engine.RunPatch{
			ExpectStatus:   statusPtr(engine.RunStatusRunning),
			Cursor:         &cursor,
			LastProgressAt: &now,
		})
		if err != nil {
			if engine.IsInvalidState(err) {
				logger.Debug().Msg("Run left running state mid-page, stopping dispatch")
				return nil
			}
			return err
		}

		pages++
		dispatched += len(items)
		logger.Debug().Str("cursor", cursor).Int("page_size", len(items)).Msg("Page dispatched")

		if pages >= s.cfg.PagesPerJob {
			return s.continueDispatch(ctx, run, cursor, batchSize, dispatched)
		}
	}
}

// continueDispatch enqueues the orchestrator job that resumes from cursor.
// The resume key makes a redelivered job's continuation a no-op.
func (s *Service) continueDispatch(ctx context.Context, run *engine.Run, cursor string, batchSize, dispatched int) error {
	_, err := s.queue.Enqueue(ctx, KindReevaluate, reevaluatePayload{
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		BatchSize:     batchSize,
	}, resumeKey(run.ID, cursor))
	if err != nil {
		return err
	}

	s.logger.Debug().
		Str("run_id", run.ID).
		Str("cursor", cursor).
		Int("items", dispatched).
		Msg("Page budget spent, continuing dispatch in a new job")
	return nil
}

// completeDispatch marks the run's dispatch complete and attempts an
// immediate finalize. The watchdog retries the finalize if this one is early.
func (s *Service) completeDispatch(ctx context.Context, run *engine.Run, pages, dispatched int) error {
	now := s.now()
	err := s.store.UpdateRun(ctx, run.ID, engine.RunPatch{
		ExpectStatus:        statusPtr(engine.RunStatusRunning),
		DispatchCompletedAt: &now,
	})
	if err != nil {
		if engine.IsInvalidState(err) {
			return nil
		}
		return err
	}

	s.logger.Info().
		Str("run_id", run.ID).
		Str("cursor", run.Cursor).
		Int("pages", pages).
		Int("items", dispatched).
		Msg("Run dispatch complete")

	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeRunDispatched,
		RunID:         run.ID,
		PolicyVersion: run.PolicyVersion,
		Message:       fmt.Sprintf("All items of run %s dispatched", run.ID),
		Data: map[string]interface{}{
			"total_ready_snapshot": run.TotalReadySnapshot,
			"cursor":               run.Cursor,
		},
	})

	if _, err := s.finalize(ctx, run.ID); err != nil {
		s.logger.Warn().Err(err).Str("run_id", run.ID).Msg("Early finalize failed, leaving it to the watchdog")
	}
	return nil
}
