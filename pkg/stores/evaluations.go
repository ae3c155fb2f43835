package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/marquee-labs/marquee/pkg/eligibility"
	"github.com/marquee-labs/marquee/pkg/engine"
)

const upsertEvaluationQuery = `
	INSERT INTO media_catalog_evaluations (
		item_id, policy_version, run_id, status, reasons, relevance_score, breakout_rule_id, evaluated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(item_id, policy_version) DO UPDATE SET
		run_id = excluded.run_id,
		status = excluded.status,
		reasons = excluded.reasons,
		relevance_score = excluded.relevance_score,
		breakout_rule_id = excluded.breakout_rule_id,
		evaluated_at = excluded.evaluated_at
`

// snapshotPairsCTE reconciles two version snapshots by item id. An item
// missing from one side gets the status 'none'. Parameters: old version, new version.
const snapshotPairsCTE = `
	WITH old_snapshot AS (
		SELECT item_id, status FROM media_catalog_evaluations WHERE policy_version = ?
	),
	new_snapshot AS (
		SELECT item_id, status, reasons FROM media_catalog_evaluations WHERE policy_version = ?
	),
	pairs AS (
		SELECT
			COALESCE(o.item_id, n.item_id) AS item_id,
			COALESCE(o.status, 'none') AS old_status,
			COALESCE(n.status, 'none') AS new_status,
			n.reasons AS new_reasons
		FROM old_snapshot o
		FULL OUTER JOIN new_snapshot n ON o.item_id = n.item_id
	),
	classified AS (
		SELECT
			item_id, old_status, new_status, new_reasons,
			CASE
				WHEN old_status = 'eligible' AND new_status = 'eligible' THEN 'unchanged'
				WHEN old_status = 'eligible' AND new_status IN ('ineligible', 'pending', 'none') THEN 'regression'
				WHEN old_status IN ('ineligible', 'pending', 'none') AND new_status = 'eligible' THEN 'improvement'
				ELSE 'stillIneligible'
			END AS class
		FROM pairs
	)
`

// UpsertEvaluation inserts or overwrites the evaluation of an item under a policy version.
func (s *SQLiteStore) UpsertEvaluation(ctx context.Context, eval *engine.MediaCatalogEvaluation) error {
	args, err := s.evaluationArgs(eval)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, upsertEvaluationQuery, args...); err != nil {
		return fmt.Errorf("failed to upsert evaluation: %w", err)
	}
	return nil
}

// BulkUpsertEvaluations upserts evaluations in a single transaction.
func (s *SQLiteStore) BulkUpsertEvaluations(ctx context.Context, evals []*engine.MediaCatalogEvaluation) error {
	if len(evals) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, upsertEvaluationQuery)
	if err != nil {
		return fmt.Errorf("failed to prepare evaluation upsert: %w", err)
	}
	defer stmt.Close()

	for _, eval := range evals {
		args, err := s.evaluationArgs(eval)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return fmt.Errorf("failed to upsert evaluation of %s: %w", eval.ItemID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit evaluations: %w", err)
	}
	return nil
}

func (s *SQLiteStore) evaluationArgs(eval *engine.MediaCatalogEvaluation) ([]interface{}, error) {
	if err := eval.Status.Validate(); err != nil {
		return nil, engine.NewPermanentError("invalid evaluation status", err).WithCode(engine.ErrCodeValidation).WithResource(eval.ItemID)
	}
	if eval.EvaluatedAt.IsZero() {
		eval.EvaluatedAt = s.now()
	}

	reasons := eval.Reasons
	if reasons == nil {
		reasons = []eligibility.Reason{}
	}
	rawReasons, err := json.Marshal(reasons)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal reasons: %w", err)
	}

	return []interface{}{
		eval.ItemID,
		eval.PolicyVersion,
		eval.RunID,
		string(eval.Status),
		string(rawReasons),
		eval.RelevanceScore,
		nullString(eval.BreakoutRuleID),
		toMillis(eval.EvaluatedAt),
	}, nil
}

// ListEvaluationsByVersion pages through the snapshot of one policy version, ordered by item id.
func (s *SQLiteStore) ListEvaluationsByVersion(ctx context.Context, version int, opts engine.ListOptions) ([]*engine.MediaCatalogEvaluation, error) {
	limit, offset := pageBounds(opts)
	query := `
		SELECT item_id, policy_version, run_id, status, reasons, relevance_score, breakout_rule_id, evaluated_at
		FROM media_catalog_evaluations
		WHERE policy_version = ?
		ORDER BY item_id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, version, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list evaluations: %w", err)
	}
	defer rows.Close()

	evals := []*engine.MediaCatalogEvaluation{}
	for rows.Next() {
		eval := &engine.MediaCatalogEvaluation{}
		var (
			status      string
			reasons     string
			breakoutID  sql.NullString
			evaluatedAt int64
		)
		err := rows.Scan(
			&eval.ItemID,
			&eval.PolicyVersion,
			&eval.RunID,
			&status,
			&reasons,
			&eval.RelevanceScore,
			&breakoutID,
			&evaluatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan evaluation: %w", err)
		}
		if err := json.Unmarshal([]byte(reasons), &eval.Reasons); err != nil {
			return nil, fmt.Errorf("failed to decode reasons of %s: %w", eval.ItemID, err)
		}
		eval.Status = eligibility.Status(status)
		eval.BreakoutRuleID = breakoutID.String
		eval.EvaluatedAt = fromMillis(evaluatedAt)
		evals = append(evals, eval)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating evaluations: %w", err)
	}

	return evals, nil
}

// CountRunEvaluations derives a run's counters from the rows it last wrote.
func (s *SQLiteStore) CountRunEvaluations(ctx context.Context, runID string) (engine.RunCounters, error) {
	query := `
		SELECT
			COUNT(*),
			COALESCE(SUM(status = 'eligible'), 0),
			COALESCE(SUM(status = 'ineligible'), 0),
			COALESCE(SUM(status = 'pending'), 0)
		FROM media_catalog_evaluations
		WHERE run_id = ?
	`

	var c engine.RunCounters
	err := s.db.QueryRowContext(ctx, query, runID).Scan(&c.Processed, &c.Eligible, &c.Ineligible, &c.Pending)
	if err != nil {
		return engine.RunCounters{}, fmt.Errorf("failed to count run evaluations: %w", err)
	}
	return c, nil
}

// CountDiff classifies every item of the two snapshots in one aggregate query.
func (s *SQLiteStore) CountDiff(ctx context.Context, oldVersion *int, newVersion int) (engine.DiffCounts, error) {
	query := snapshotPairsCTE + `
		SELECT class, COUNT(*) FROM classified GROUP BY class
	`

	rows, err := s.db.QueryContext(ctx, query, versionArg(oldVersion), newVersion)
	if err != nil {
		return engine.DiffCounts{}, fmt.Errorf("failed to count diff: %w", err)
	}
	defer rows.Close()

	var counts engine.DiffCounts
	for rows.Next() {
		var (
			class string
			n     int64
		)
		if err := rows.Scan(&class, &n); err != nil {
			return engine.DiffCounts{}, fmt.Errorf("failed to scan diff count: %w", err)
		}
		switch engine.DiffClass(class) {
		case engine.DiffRegression:
			counts.Regressions = n
		case engine.DiffImprovement:
			counts.Improvements = n
		case engine.DiffUnchanged:
			counts.Unchanged = n
		case engine.DiffStillIneligible:
			counts.StillIneligible = n
		}
	}

	if err := rows.Err(); err != nil {
		return engine.DiffCounts{}, fmt.Errorf("error iterating diff counts: %w", err)
	}

	return counts, nil
}

// ListDiffSamples returns up to limit items of one class ranked by trending score,
// highest first. Items without a catalog row rank with a score of 0.
func (s *SQLiteStore) ListDiffSamples(ctx context.Context, oldVersion *int, newVersion int, class engine.DiffClass, limit int) ([]engine.DiffSample, error) {
	if err := class.Validate(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		return []engine.DiffSample{}, nil
	}

	query := snapshotPairsCTE + `
		SELECT
			c.item_id,
			COALESCE(ci.title, ''),
			c.old_status,
			c.new_status,
			c.new_reasons,
			COALESCE(ci.trending_score, 0) AS trending
		FROM classified c
		LEFT JOIN catalog_items ci ON ci.id = c.item_id
		WHERE c.class = ?
		ORDER BY trending DESC, c.item_id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query, versionArg(oldVersion), newVersion, string(class), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list diff samples: %w", err)
	}
	defer rows.Close()

	samples := []engine.DiffSample{}
	for rows.Next() {
		var (
			sample  engine.DiffSample
			reasons sql.NullString
		)
		err := rows.Scan(
			&sample.ItemID,
			&sample.Title,
			&sample.OldStatus,
			&sample.NewStatus,
			&reasons,
			&sample.TrendingScore,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan diff sample: %w", err)
		}
		if reasons.Valid {
			if err := json.Unmarshal([]byte(reasons.String), &sample.NewReasons); err != nil {
				return nil, fmt.Errorf("failed to decode reasons of %s: %w", sample.ItemID, err)
			}
		}
		samples = append(samples, sample)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating diff samples: %w", err)
	}

	return samples, nil
}

// versionArg binds a missing version as NULL, which matches no snapshot row.
func versionArg(version *int) sql.NullInt64 {
	if version == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*version), Valid: true}
}
