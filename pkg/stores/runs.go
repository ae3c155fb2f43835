package stores

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/marquee-labs/marquee/pkg/engine"
)

const runColumns = `
	id, policy_id, policy_version, status, snapshot_cutoff, total_ready_snapshot, cursor, batch_size,
	processed, eligible, ineligible, pending, errors, error_sample, created_by,
	started_at, updated_at, dispatch_completed_at, last_progress_at, finished_at,
	promoted_at, promoted_by, previous_policy_version`

// notTerminal guards every run mutation. It lists the stored spellings of
// the terminal statuses so legacy rows are covered too.
const notTerminal = `status NOT IN ('promoted', 'cancelled', 'canceled', 'failed')`

// recordRunErrorQuery prepends the new error to the sample and keeps the
// newest MaxRunErrorSample entries in one statement.
const recordRunErrorQuery = `
	UPDATE catalog_evaluation_runs
	SET errors = errors + 1,
		error_sample = (
			SELECT json_group_array(json(entry) ORDER BY pos)
			FROM (
				SELECT entry, pos FROM (
					SELECT ? AS entry, -1 AS pos
					UNION ALL
					SELECT value AS entry, key AS pos FROM json_each(catalog_evaluation_runs.error_sample)
				)
				ORDER BY pos
				LIMIT ?
			)
		),
		updated_at = ?
	WHERE id = ? AND ` + notTerminal

// CreateRun creates a new RUNNING run with zeroed counters
func (s *SQLiteStore) CreateRun(ctx context.Context, input engine.CreateRunInput) (*engine.Run, error) {
	now := s.now()
	run := &engine.Run{
		ID:                 uuid.New().String(),
		PolicyID:           input.PolicyID,
		PolicyVersion:      input.PolicyVersion,
		Status:             engine.RunStatusRunning,
		SnapshotCutoff:     input.SnapshotCutoff,
		TotalReadySnapshot: input.TotalReadySnapshot,
		BatchSize:          input.BatchSize,
		CreatedBy:          input.CreatedBy,
		StartedAt:          now,
		UpdatedAt:          now,
	}

	query := `
		INSERT INTO catalog_evaluation_runs (
			id, policy_id, policy_version, status, snapshot_cutoff, total_ready_snapshot,
			batch_size, created_by, started_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.PolicyID,
		run.PolicyVersion,
		string(run.Status),
		toMillis(run.SnapshotCutoff),
		run.TotalReadySnapshot,
		run.BatchSize,
		run.CreatedBy,
		toMillis(run.StartedAt),
		toMillis(run.UpdatedAt),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	return run, nil
}

// GetRun retrieves a run by ID with its status normalized
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*engine.Run, error) {
	return getRun(ctx, s.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func getRun(ctx context.Context, q queryRower, id string) (*engine.Run, error) {
	row := q.QueryRowContext(ctx, `SELECT `+runColumns+` FROM catalog_evaluation_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewNotFoundError("run", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// UpdateRun applies a partial update to a non-terminal run
func (s *SQLiteStore) UpdateRun(ctx context.Context, id string, patch engine.RunPatch) error {
	sets := []string{"updated_at = ?"}
	args := []interface{}{toMillis(s.now())}

	if patch.Status != nil {
		if err := patch.Status.Validate(); err != nil {
			return err
		}
		sets = append(sets, "status = ?")
		args = append(args, string(*patch.Status))
	}
	if patch.Cursor != nil {
		sets = append(sets, "cursor = ?")
		args = append(args, *patch.Cursor)
	}
	if patch.Counters != nil {
		sets = append(sets, "processed = ?", "eligible = ?", "ineligible = ?", "pending = ?")
		args = append(args,
			patch.Counters.Processed,
			patch.Counters.Eligible,
			patch.Counters.Ineligible,
			patch.Counters.Pending,
		)
	}
	if patch.DispatchCompletedAt != nil {
		sets = append(sets, "dispatch_completed_at = ?")
		args = append(args, toMillis(*patch.DispatchCompletedAt))
	}
	if patch.LastProgressAt != nil {
		sets = append(sets, "last_progress_at = ?")
		args = append(args, toMillis(*patch.LastProgressAt))
	}
	if patch.FinishedAt != nil {
		sets = append(sets, "finished_at = ?")
		args = append(args, toMillis(*patch.FinishedAt))
	}

	query := `UPDATE catalog_evaluation_runs SET ` + strings.Join(sets, ", ") +
		` WHERE id = ? AND ` + notTerminal
	args = append(args, id)

	if patch.ExpectStatus != nil {
		spellings := engine.StoredSpellings(*patch.ExpectStatus)
		query += ` AND status IN (` + placeholders(len(spellings)) + `)`
		for _, sp := range spellings {
			args = append(args, sp)
		}
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.explainUnchangedRun(ctx, id, "update")
	}

	return nil
}

// RecordRunError increments the run's error counter and prepends runErr to
// the bounded error sample.
func (s *SQLiteStore) RecordRunError(ctx context.Context, id string, runErr engine.RunError) error {
	if runErr.At.IsZero() {
		runErr.At = s.now()
	}
	entry, err := json.Marshal(runErr)
	if err != nil {
		return fmt.Errorf("failed to marshal run error: %w", err)
	}

	result, err := s.db.ExecContext(ctx, recordRunErrorQuery,
		string(entry),
		engine.MaxRunErrorSample,
		toMillis(s.now()),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to record run error: %w", err)
	}

	n, err := rowsAffected(result)
	if err != nil {
		return err
	}
	if n == 0 {
		return s.explainUnchangedRun(ctx, id, "record_error")
	}

	return nil
}

// explainUnchangedRun turns a zero-row update into NOT_FOUND or INVALID_STATE.
func (s *SQLiteStore) explainUnchangedRun(ctx context.Context, id, operation string) error {
	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return engine.NewPermanentError(fmt.Sprintf("run is %s", run.Status), nil).
		WithCode(engine.ErrCodeInvalidState).
		WithResource(id).
		WithOperation(operation)
}

// ListRuns lists runs, most recently started first
func (s *SQLiteStore) ListRuns(ctx context.Context, opts engine.ListOptions) ([]*engine.Run, error) {
	limit, offset := pageBounds(opts)
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM catalog_evaluation_runs ORDER BY started_at DESC, id ASC LIMIT ? OFFSET ?`,
		limit, offset)
}

// ListRunsByPolicy lists every run of a policy, most recently started first
func (s *SQLiteStore) ListRunsByPolicy(ctx context.Context, policyID string) ([]*engine.Run, error) {
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM catalog_evaluation_runs WHERE policy_id = ? ORDER BY started_at DESC, id ASC`,
		policyID)
}

// ListRunsByStatus lists runs whose stored status normalizes to status
func (s *SQLiteStore) ListRunsByStatus(ctx context.Context, status engine.RunStatus) ([]*engine.Run, error) {
	spellings := engine.StoredSpellings(status)
	args := make([]interface{}, 0, len(spellings))
	for _, sp := range spellings {
		args = append(args, sp)
	}
	return s.queryRuns(ctx,
		`SELECT `+runColumns+` FROM catalog_evaluation_runs WHERE status IN (`+placeholders(len(spellings))+`) ORDER BY started_at ASC, id ASC`,
		args...)
}

func (s *SQLiteStore) queryRuns(ctx context.Context, query string, args ...interface{}) ([]*engine.Run, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	return collect(rows, "runs", scanRun)
}

// PromoteRun activates the run's policy and marks the run promoted in one
// transaction. The previously active version is recorded on the run.
func (s *SQLiteStore) PromoteRun(ctx context.Context, input engine.PromoteRunInput) (*engine.Run, error) {
	if input.PromotedAt.IsZero() {
		input.PromotedAt = s.now()
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	run, err := getRun(ctx, tx, input.RunID)
	if err != nil {
		return nil, err
	}
	if run.PromotedAt != nil || !run.Status.IsPromotable() {
		return nil, engine.NewConflictError(fmt.Sprintf("run is %s and cannot be promoted", run.Status), nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(run.ID).
			WithOperation("promote")
	}

	var previous sql.NullInt64
	err = tx.QueryRowContext(ctx, `SELECT version FROM policies WHERE is_active = 1`).Scan(&previous)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("failed to read active policy: %w", err)
	}

	promotedAt := toMillis(input.PromotedAt)

	if _, err := tx.ExecContext(ctx,
		`UPDATE policies SET is_active = 0 WHERE is_active = 1 AND id != ?`, run.PolicyID); err != nil {
		return nil, fmt.Errorf("failed to deactivate policies: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE policies SET is_active = 1, activated_at = ? WHERE id = ?`, promotedAt, run.PolicyID)
	if err != nil {
		return nil, fmt.Errorf("failed to activate policy: %w", err)
	}
	if n, err := rowsAffected(result); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, engine.NewNotFoundError("policy", run.PolicyID)
	}

	spellings := engine.StoredSpellings(engine.RunStatusPrepared)
	args := []interface{}{
		string(engine.RunStatusPromoted),
		promotedAt,
		input.PromotedBy,
		previous,
		promotedAt,
		run.ID,
	}
	for _, sp := range spellings {
		args = append(args, sp)
	}
	result, err = tx.ExecContext(ctx, `
		UPDATE catalog_evaluation_runs
		SET status = ?, promoted_at = ?, promoted_by = ?, previous_policy_version = ?, updated_at = ?
		WHERE id = ? AND promoted_at IS NULL AND status IN (`+placeholders(len(spellings))+`)`,
		args...)
	if err != nil {
		return nil, fmt.Errorf("failed to mark run promoted: %w", err)
	}
	if n, err := rowsAffected(result); err != nil {
		return nil, err
	} else if n == 0 {
		return nil, engine.NewConflictError("run was modified concurrently", nil).
			WithCode(engine.ErrCodeConflict).
			WithResource(run.ID).
			WithOperation("promote")
	}

	promoted, err := getRun(ctx, tx, run.ID)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit promotion: %w", err)
	}

	return promoted, nil
}

func scanRun(row rowScanner) (*engine.Run, error) {
	run := &engine.Run{}
	var (
		status              string
		snapshotCutoff      int64
		errorSample         string
		startedAt           int64
		updatedAt           int64
		dispatchCompletedAt sql.NullInt64
		lastProgressAt      sql.NullInt64
		finishedAt          sql.NullInt64
		promotedAt          sql.NullInt64
		promotedBy          sql.NullString
		previousVersion     sql.NullInt64
	)

	err := row.Scan(
		&run.ID,
		&run.PolicyID,
		&run.PolicyVersion,
		&status,
		&snapshotCutoff,
		&run.TotalReadySnapshot,
		&run.Cursor,
		&run.BatchSize,
		&run.Processed,
		&run.Eligible,
		&run.Ineligible,
		&run.Pending,
		&run.Errors,
		&errorSample,
		&run.CreatedBy,
		&startedAt,
		&updatedAt,
		&dispatchCompletedAt,
		&lastProgressAt,
		&finishedAt,
		&promotedAt,
		&promotedBy,
		&previousVersion,
	)
	if err != nil {
		return nil, err
	}

	run.Status, err = engine.NormalizeRunStatus(status)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", run.ID, err)
	}
	if err := json.Unmarshal([]byte(errorSample), &run.ErrorSample); err != nil {
		return nil, fmt.Errorf("failed to decode error sample of run %s: %w", run.ID, err)
	}

	run.SnapshotCutoff = fromMillis(snapshotCutoff)
	run.StartedAt = fromMillis(startedAt)
	run.UpdatedAt = fromMillis(updatedAt)
	run.DispatchCompletedAt = timePtr(dispatchCompletedAt)
	run.LastProgressAt = timePtr(lastProgressAt)
	run.FinishedAt = timePtr(finishedAt)
	run.PromotedAt = timePtr(promotedAt)
	run.PromotedBy = promotedBy.String
	if previousVersion.Valid {
		v := int(previousVersion.Int64)
		run.PreviousPolicyVersion = &v
	}

	return run, nil
}
