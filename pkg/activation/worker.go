package activation

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
	"github.com/marquee-labs/marquee/pkg/queue"
	"github.com/marquee-labs/marquee/pkg/telemetry"
)

func (s *Service) handleEvaluateItem(ctx context.Context, job *queue.Job) error {
	var p evaluateItemPayload
	if err := job.Decode(&p); err != nil {
		return invalidPayload(job, err)
	}
	if p.RunID == "" || p.ItemID == "" {
		return invalidPayload(job, fmt.Errorf("runId and itemId are required"))
	}
	return s.EvaluateItem(ctx, p.RunID, p.ItemID, p.PolicyVersion)
}

// EvaluateItem evaluates one item for a run and upserts the evaluation row.
// Failures are recorded on the run and do not fail the caller; only a
// failure to load or update the run itself is returned.
func (s *Service) EvaluateItem(ctx context.Context, runID, itemID string, policyVersion int) (err error) {
	ctx, span := s.startSpan(ctx, "activation.evaluate_item",
		telemetry.AttrRunID.String(runID),
		telemetry.AttrItemID.String(itemID),
	)
	defer func() { telemetry.EndSpan(span, err) }()

	run, err := s.store.GetRun(ctx, runID)
	if err != nil {
		if engine.IsNotFound(err) {
			return nil
		}
		return err
	}
	if !run.Status.IsActive() {
		return nil
	}
	if policyVersion == 0 {
		policyVersion = run.PolicyVersion
	}

	start := time.Now()
	eval, evalErr := s.evaluate(ctx, run, itemID, policyVersion)
	if evalErr == nil {
		evalErr = s.store.UpsertEvaluation(ctx, eval)
	}
	if evalErr != nil {
		return s.recordItemError(ctx, run, itemID, evalErr)
	}

	if s.metrics != nil {
		s.metrics.RecordItemEvaluation(string(eval.Status), time.Since(start))
	}
	return nil
}

func (s *Service) evaluate(ctx context.Context, run *engine.Run, itemID string, policyVersion int) (eval *engine.MediaCatalogEvaluation, err error) {
	item, err := s.store.GetCatalogItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	policy, err := s.policyVersion(ctx, policyVersion)
	if err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			err = engine.NewPermanentError(fmt.Sprintf("evaluation panicked: %v", r), nil).
				WithCode(engine.ErrCodeEvaluation).
				WithResource(itemID)
		}
	}()

	result := eligibility.Evaluate(item.Item, policy.Config)
	return &engine.MediaCatalogEvaluation{
		ItemID:         item.ID,
		PolicyVersion:  policy.Version,
		RunID:          run.ID,
		Status:         result.Status,
		Reasons:        result.Reasons,
		RelevanceScore: eligibility.RelevanceScore(item.Stats),
		BreakoutRuleID: result.BreakoutRuleID,
		EvaluatedAt:    s.now(),
	}, nil
}

// recordItemError appends a per-item failure to the run's error sample.
func (s *Service) recordItemError(ctx context.Context, run *engine.Run, itemID string, cause error) error {
	code := engine.CodeOf(cause, engine.ErrCodeEvaluation)
	trace.SpanFromContext(ctx).SetAttributes(telemetry.AttrErrorCode.String(code))
	s.logger.Warn().
		Err(cause).
		Str("run_id", run.ID).
		Str("item_id", itemID).
		Str("code", code).
		Msg("Item evaluation failed")

	err := s.store.RecordRunError(ctx, run.ID, engine.RunError{
		ItemID:  itemID,
		Code:    code,
		Message: cause.Error(),
		At:      s.now(),
	})
	if err != nil {
		if engine.IsInvalidState(err) {
			// The run finished while this item was in flight.
			return nil
		}
		return err
	}

	if s.metrics != nil {
		s.metrics.RecordItemError(code)
	}
	s.publish(telemetry.Event{
		Type:          telemetry.EventTypeItemFailed,
		RunID:         run.ID,
		ItemID:        itemID,
		PolicyVersion: run.PolicyVersion,
		Level:         telemetry.EventLevelWarning,
		Message:       fmt.Sprintf("Item %s failed: %s", itemID, cause.Error()),
		Data:          map[string]interface{}{"code": code},
	})
	return nil
}
