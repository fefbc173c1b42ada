package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"computed-field-engine/internal/models"
)

// PgRepository persists the outbox in Postgres. Claims rely on
// FOR UPDATE SKIP LOCKED so each due task is handed to exactly one
// worker.
type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPg(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

const taskColumns = `
	id, run_id, origin_run_ids, base_id, seed_table_id, seed_record_ids,
	seed_field_id, change_type, steps, edges, status, attempts, max_attempts,
	next_run_at, plan_hash, estimated_complexity, dirty_stats,
	run_total_steps, run_completed_steps_before, affected_table_ids,
	affected_field_ids, sync_max_level, last_error, created_at, updated_at`

func (r *PgRepository) Enqueue(ctx context.Context, t *models.ComputeTask) (bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return false, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Replayed tasks insert fresh; continuations with a committed prefix
	// are not coalescing targets, their replayed prefix would skip any
	// merged-in records.
	if len(t.OriginRunIDs) == 0 {
		row := tx.QueryRow(ctx, `
			SELECT `+taskColumns+`
			FROM compute_tasks
			WHERE plan_hash = $1 AND status = 'pending' AND run_completed_steps_before = 0
			LIMIT 1
			FOR UPDATE
		`, t.PlanHash)
		existing, err := scanTask(row)
		switch {
		case err == nil:
			mergeScope(existing, t)
			if err := updateScope(ctx, tx, existing); err != nil {
				return false, err
			}
			if err := tx.Commit(ctx); err != nil {
				return false, fmt.Errorf("commit coalesce: %w", err)
			}
			return true, nil
		case errors.Is(err, pgx.ErrNoRows):
			// fall through to insert
		default:
			return false, fmt.Errorf("query pending by hash: %w", err)
		}
	}

	if err := insertTask(ctx, tx, t); err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit enqueue: %w", err)
	}
	return false, nil
}

func (r *PgRepository) ClaimDue(ctx context.Context, limit int, now time.Time) ([]*models.ComputeTask, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id FROM compute_tasks
			WHERE status = 'pending' AND next_run_at <= $2
			ORDER BY next_run_at, id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE compute_tasks t
		SET status = 'running', updated_at = $2
		FROM due WHERE t.id = due.id
		RETURNING `+taskColumns,
		limit, now)
	if err != nil {
		return nil, fmt.Errorf("claim due tasks: %w", err)
	}
	defer rows.Close()

	var out []*models.ComputeTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (r *PgRepository) MarkDone(ctx context.Context, taskID string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM compute_tasks WHERE id = $1`, taskID)
	if err != nil {
		return fmt.Errorf("mark done: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) Reschedule(ctx context.Context, taskID string, attempts int, nextRunAt time.Time, lastError string) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE compute_tasks
		SET status = 'pending', attempts = $2, next_run_at = $3,
		    last_error = NULLIF($4, ''), updated_at = now()
		WHERE id = $1
	`, taskID, attempts, nextRunAt, lastError)
	if err != nil {
		return fmt.Errorf("reschedule: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) RecordProgress(ctx context.Context, taskID string, completedBefore int) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE compute_tasks
		SET run_completed_steps_before = $2, updated_at = now()
		WHERE id = $1
	`, taskID, completedBefore)
	if err != nil {
		return fmt.Errorf("record progress: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) MarkFailed(ctx context.Context, t *models.ComputeTask, reason string) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin fail tx: %w", err)
	}
	defer tx.Rollback(ctx)

	stored := t.Clone()
	stored.Status = models.TaskFailed
	taskJSON, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("marshal dead letter task: %w", err)
	}
	dlID := stored.ID + "-dl-" + stored.RunID
	if _, err := tx.Exec(ctx, `
		INSERT INTO dead_letters (id, task, final_run_id, failure_reason, created_at)
		VALUES ($1, $2, $3, $4, now())
	`, dlID, taskJSON, stored.RunID, reason); err != nil {
		return fmt.Errorf("insert dead letter: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM compute_tasks WHERE id = $1`, t.ID); err != nil {
		return fmt.Errorf("delete failed task: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fail: %w", err)
	}
	return nil
}

func (r *PgRepository) Task(ctx context.Context, taskID string) (*models.ComputeTask, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM compute_tasks WHERE id = $1`, taskID)
	t, err := scanTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

func (r *PgRepository) DeadLetters(ctx context.Context, limit int) ([]*models.DeadLetter, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, task, final_run_id, failure_reason, created_at
		FROM dead_letters ORDER BY created_at LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query dead letters: %w", err)
	}
	defer rows.Close()

	var out []*models.DeadLetter
	for rows.Next() {
		dl, err := scanDeadLetter(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, dl)
	}
	return out, rows.Err()
}

func (r *PgRepository) DeadLetter(ctx context.Context, id string) (*models.DeadLetter, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, task, final_run_id, failure_reason, created_at
		FROM dead_letters WHERE id = $1
	`, id)
	dl, err := scanDeadLetter(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return dl, err
}

func (r *PgRepository) DeleteDeadLetter(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM dead_letters WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete dead letter: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PgRepository) SweepStale(ctx context.Context, now time.Time, olderThan time.Duration) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE compute_tasks
		SET status = 'pending', next_run_at = $1, updated_at = $1
		WHERE status = 'running' AND updated_at < $2
	`, now, now.Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("sweep stale: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) DueDepth(ctx context.Context, now time.Time) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM compute_tasks
		WHERE status = 'pending' AND next_run_at <= $1
	`, now).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("due depth: %w", err)
	}
	return n, nil
}

func insertTask(ctx context.Context, tx pgx.Tx, t *models.ComputeTask) error {
	steps, edges, err := marshalPlan(t)
	if err != nil {
		return err
	}
	originJSON, _ := json.Marshal(t.OriginRunIDs)
	seedJSON, _ := json.Marshal(t.SeedRecordIDs)
	statsJSON, _ := json.Marshal(t.DirtyStats)
	tablesJSON, _ := json.Marshal(t.AffectedTableIDs)
	fieldsJSON, _ := json.Marshal(t.AffectedFieldIDs)

	_, err = tx.Exec(ctx, `
		INSERT INTO compute_tasks (
			id, run_id, origin_run_ids, base_id, seed_table_id, seed_record_ids,
			seed_field_id, change_type, steps, edges, status, attempts, max_attempts,
			next_run_at, plan_hash, estimated_complexity, dirty_stats,
			run_total_steps, run_completed_steps_before, affected_table_ids,
			affected_field_ids, sync_max_level, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 'pending', 0, $11,
			$12, $13, $14, $15, $16, 0, $17, $18, $19, now(), now()
		)
	`, t.ID, t.RunID, originJSON, t.BaseID, t.SeedTableID, seedJSON,
		t.SeedFieldID, t.ChangeType, steps, edges, t.MaxAttempts,
		t.NextRunAt, t.PlanHash, t.EstimatedComplexity, statsJSON,
		t.RunTotalSteps, tablesJSON, fieldsJSON, t.SyncMaxLevel)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

func updateScope(ctx context.Context, tx pgx.Tx, t *models.ComputeTask) error {
	steps, _, err := marshalPlan(t)
	if err != nil {
		return err
	}
	seedJSON, _ := json.Marshal(t.SeedRecordIDs)
	statsJSON, _ := json.Marshal(t.DirtyStats)
	_, err = tx.Exec(ctx, `
		UPDATE compute_tasks
		SET seed_record_ids = $2, steps = $3, estimated_complexity = $4,
		    dirty_stats = $5, updated_at = now()
		WHERE id = $1
	`, t.ID, seedJSON, steps, t.EstimatedComplexity, statsJSON)
	if err != nil {
		return fmt.Errorf("extend task scope: %w", err)
	}
	return nil
}

func marshalPlan(t *models.ComputeTask) (steps, edges []byte, err error) {
	steps, err = json.Marshal(t.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal steps: %w", err)
	}
	edges, err = json.Marshal(t.Edges)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal edges: %w", err)
	}
	return steps, edges, nil
}

func scanTask(row pgx.Row) (*models.ComputeTask, error) {
	t := &models.ComputeTask{}
	var originJSON, seedJSON, stepsJSON, edgesJSON, statsJSON, tablesJSON, fieldsJSON []byte
	var lastErr pgtype.Text
	err := row.Scan(
		&t.ID, &t.RunID, &originJSON, &t.BaseID, &t.SeedTableID, &seedJSON,
		&t.SeedFieldID, &t.ChangeType, &stepsJSON, &edgesJSON, &t.Status,
		&t.Attempts, &t.MaxAttempts, &t.NextRunAt, &t.PlanHash,
		&t.EstimatedComplexity, &statsJSON, &t.RunTotalSteps,
		&t.RunCompletedStepsBefore, &tablesJSON, &fieldsJSON,
		&t.SyncMaxLevel, &lastErr, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{originJSON, &t.OriginRunIDs},
		{seedJSON, &t.SeedRecordIDs},
		{stepsJSON, &t.Steps},
		{edgesJSON, &t.Edges},
		{statsJSON, &t.DirtyStats},
		{tablesJSON, &t.AffectedTableIDs},
		{fieldsJSON, &t.AffectedFieldIDs},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("unmarshal task column: %w", err)
		}
	}
	if lastErr.Valid {
		t.LastError = &lastErr.String
	}
	return t, nil
}

func scanDeadLetter(row pgx.Row) (*models.DeadLetter, error) {
	dl := &models.DeadLetter{}
	var taskJSON []byte
	if err := row.Scan(&dl.ID, &taskJSON, &dl.FinalRunID, &dl.FailureReason, &dl.CreatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(taskJSON, &dl.Task); err != nil {
		return nil, fmt.Errorf("unmarshal dead letter task: %w", err)
	}
	return dl, nil
}
