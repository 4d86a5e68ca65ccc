package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulseworks/pulse/internal/model"
)

// CreateAutomation validates and inserts an automation definition.
func (db *DB) CreateAutomation(ctx context.Context, d model.AutomationDefinition) (model.AutomationDefinition, error) {
	if err := d.Validate(); err != nil {
		return model.AutomationDefinition{}, err
	}
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	now := time.Now().UTC()
	d.CreatedAt = now
	d.UpdatedAt = now

	trigger, steps, err := marshalDefinition(d)
	if err != nil {
		return model.AutomationDefinition{}, err
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO automations (id, name, trigger, steps, enabled, client_id, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		d.ID, d.Name, trigger, steps, d.Enabled, d.ClientID, d.CreatedAt, d.UpdatedAt,
	)
	if err != nil {
		return model.AutomationDefinition{}, fmt.Errorf("storage: create automation: %w", err)
	}
	return d, nil
}

// GetAutomation retrieves a definition by ID.
func (db *DB) GetAutomation(ctx context.Context, id uuid.UUID) (model.AutomationDefinition, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT id, name, trigger, steps, enabled, client_id, last_evaluated_at, created_at, updated_at
		 FROM automations WHERE id = $1`, id,
	)
	d, err := scanAutomation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.AutomationDefinition{}, fmt.Errorf("storage: automation %s: %w", id, ErrNotFound)
		}
		return model.AutomationDefinition{}, fmt.Errorf("storage: get automation: %w", err)
	}
	return d, nil
}

// UpdateAutomation replaces a definition's mutable fields after validation.
func (db *DB) UpdateAutomation(ctx context.Context, d model.AutomationDefinition) error {
	if err := d.Validate(); err != nil {
		return err
	}
	trigger, steps, err := marshalDefinition(d)
	if err != nil {
		return err
	}
	tag, err := db.pool.Exec(ctx,
		`UPDATE automations SET name = $2, trigger = $3, steps = $4, enabled = $5, updated_at = now()
		 WHERE id = $1`,
		d.ID, d.Name, trigger, steps, d.Enabled,
	)
	if err != nil {
		return fmt.Errorf("storage: update automation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: automation %s: %w", d.ID, ErrNotFound)
	}
	return nil
}

// ListAutomations returns all definitions, newest first.
func (db *DB) ListAutomations(ctx context.Context) ([]model.AutomationDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, trigger, steps, enabled, client_id, last_evaluated_at, created_at, updated_at
		 FROM automations ORDER BY created_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list automations: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// ActiveDefinitions returns enabled definitions as a point-in-time slice.
// One query = one snapshot: definitions added mid-pass are picked up only on
// the next evaluation pass.
func (db *DB) ActiveDefinitions(ctx context.Context) ([]model.AutomationDefinition, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, trigger, steps, enabled, client_id, last_evaluated_at, created_at, updated_at
		 FROM automations WHERE enabled = true ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: active definitions: %w", err)
	}
	defer rows.Close()
	return scanAutomations(rows)
}

// TouchAutomationEvaluated records when a definition was last evaluated.
// Best-effort bookkeeping; evaluation correctness never depends on it.
func (db *DB) TouchAutomationEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE automations SET last_evaluated_at = $2 WHERE id = $1`, id, at,
	)
	if err != nil {
		return fmt.Errorf("storage: touch automation: %w", err)
	}
	return nil
}

func marshalDefinition(d model.AutomationDefinition) ([]byte, []byte, error) {
	trigger, err := json.Marshal(d.Trigger)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: marshal trigger: %w", err)
	}
	steps, err := json.Marshal(d.Steps)
	if err != nil {
		return nil, nil, fmt.Errorf("storage: marshal steps: %w", err)
	}
	return trigger, steps, nil
}

func scanAutomation(row pgx.Row) (model.AutomationDefinition, error) {
	var (
		d       model.AutomationDefinition
		trigger []byte
		steps   []byte
	)
	if err := row.Scan(
		&d.ID, &d.Name, &trigger, &steps, &d.Enabled, &d.ClientID,
		&d.LastEvaluatedAt, &d.CreatedAt, &d.UpdatedAt,
	); err != nil {
		return model.AutomationDefinition{}, err
	}
	if err := json.Unmarshal(trigger, &d.Trigger); err != nil {
		return model.AutomationDefinition{}, fmt.Errorf("unmarshal trigger: %w", err)
	}
	if err := json.Unmarshal(steps, &d.Steps); err != nil {
		return model.AutomationDefinition{}, fmt.Errorf("unmarshal steps: %w", err)
	}
	return d, nil
}

func scanAutomations(rows pgx.Rows) ([]model.AutomationDefinition, error) {
	var defs []model.AutomationDefinition
	for rows.Next() {
		d, err := scanAutomation(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan automation: %w", err)
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}
