package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulseworks/pulse/internal/model"
)

// CreateRun inserts a pending automation run keyed by
// (automation_id, triggering_key). The insert uses ON CONFLICT DO NOTHING:
// when the key already exists the trigger was already handled and
// ErrDuplicateRun is returned. This is the sole deduplication mechanism —
// callers never take external locks.
func (db *DB) CreateRun(ctx context.Context, automationID uuid.UUID, clientID, triggeringKey string) (model.AutomationRun, error) {
	run := model.AutomationRun{
		ID:            uuid.New(),
		AutomationID:  automationID,
		ClientID:      clientID,
		TriggeringKey: triggeringKey,
		Status:        model.RunPending,
		CreatedAt:     time.Now().UTC(),
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO automation_runs (id, automation_id, client_id, triggering_key, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (automation_id, triggering_key) DO NOTHING`,
		run.ID, run.AutomationID, run.ClientID, run.TriggeringKey, string(run.Status), run.CreatedAt,
	)
	if err != nil {
		return model.AutomationRun{}, fmt.Errorf("storage: create run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.AutomationRun{}, fmt.Errorf("storage: run for (%s, %s): %w",
			automationID, triggeringKey, ErrDuplicateRun)
	}
	return run, nil
}

// GetRun retrieves a run by ID.
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (model.AutomationRun, error) {
	var r model.AutomationRun
	err := db.pool.QueryRow(ctx,
		`SELECT id, automation_id, client_id, triggering_key, status, started_at, completed_at, created_at
		 FROM automation_runs WHERE id = $1`, id,
	).Scan(&r.ID, &r.AutomationID, &r.ClientID, &r.TriggeringKey, &r.Status,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutomationRun{}, fmt.Errorf("storage: run %s: %w", id, ErrNotFound)
		}
		return model.AutomationRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return r, nil
}

// ClaimPendingRun atomically moves the oldest pending run to running and
// returns it. FOR UPDATE SKIP LOCKED lets concurrent workers claim disjoint
// runs without coordination. Returns ErrNotFound when no pending run exists.
func (db *DB) ClaimPendingRun(ctx context.Context) (model.AutomationRun, error) {
	var r model.AutomationRun
	err := db.pool.QueryRow(ctx,
		`UPDATE automation_runs SET status = 'running', started_at = now()
		 WHERE id = (
		     SELECT id FROM automation_runs
		     WHERE status = 'pending'
		     ORDER BY created_at
		     FOR UPDATE SKIP LOCKED
		     LIMIT 1
		 )
		 RETURNING id, automation_id, client_id, triggering_key, status, started_at, completed_at, created_at`,
	).Scan(&r.ID, &r.AutomationID, &r.ClientID, &r.TriggeringKey, &r.Status,
		&r.StartedAt, &r.CompletedAt, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutomationRun{}, ErrNotFound
		}
		return model.AutomationRun{}, fmt.Errorf("storage: claim pending run: %w", err)
	}
	return r, nil
}

// CompleteRun marks a running run as succeeded, failed or skipped.
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE automation_runs SET status = $2, completed_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("storage: complete run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: run %s not running: %w", id, ErrNotFound)
	}
	return nil
}

// SkipPendingRuns marks every pending run of an automation as skipped. Used
// when an automation is disabled between run creation and pickup. Running
// runs are never interrupted here; cancellation takes effect only between
// steps.
func (db *DB) SkipPendingRuns(ctx context.Context, automationID uuid.UUID) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE automation_runs SET status = 'skipped', completed_at = now()
		 WHERE automation_id = $1 AND status = 'pending'`, automationID,
	)
	if err != nil {
		return 0, fmt.Errorf("storage: skip pending runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListRunsByAutomation returns runs for a definition, newest first.
func (db *DB) ListRunsByAutomation(ctx context.Context, automationID uuid.UUID, limit int) ([]model.AutomationRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, automation_id, client_id, triggering_key, status, started_at, completed_at, created_at
		 FROM automation_runs WHERE automation_id = $1
		 ORDER BY created_at DESC LIMIT $2`, automationID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.AutomationRun
	for rows.Next() {
		var r model.AutomationRun
		if err := rows.Scan(&r.ID, &r.AutomationID, &r.ClientID, &r.TriggeringKey,
			&r.Status, &r.StartedAt, &r.CompletedAt, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// InsertStepResult records the terminal outcome of one workflow step.
func (db *DB) InsertStepResult(ctx context.Context, res model.StepResult) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step_index, outcome, detail, retry_count, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (run_id, step_index) DO UPDATE
		 SET outcome = EXCLUDED.outcome, detail = EXCLUDED.detail,
		     retry_count = EXCLUDED.retry_count, completed_at = EXCLUDED.completed_at`,
		res.RunID, res.StepIndex, string(res.Outcome), res.Detail, res.RetryCount, res.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert step result: %w", err)
	}
	return nil
}

// ListStepResults returns the recorded step outcomes for a run in step order.
func (db *DB) ListStepResults(ctx context.Context, runID uuid.UUID) ([]model.StepResult, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT run_id, step_index, outcome, detail, retry_count, completed_at
		 FROM run_steps WHERE run_id = $1 ORDER BY step_index`, runID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list step results: %w", err)
	}
	defer rows.Close()

	var results []model.StepResult
	for rows.Next() {
		var s model.StepResult
		if err := rows.Scan(&s.RunID, &s.StepIndex, &s.Outcome, &s.Detail,
			&s.RetryCount, &s.CompletedAt); err != nil {
			return nil, fmt.Errorf("storage: scan step result: %w", err)
		}
		results = append(results, s)
	}
	return results, rows.Err()
}
