package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pulseworks/pulse/internal/model"
)

// GetSnapshot retrieves the current entity state for a client.
func (db *DB) GetSnapshot(ctx context.Context, clientID string) (model.ClientSnapshot, error) {
	var s model.ClientSnapshot
	err := db.pool.QueryRow(ctx,
		`SELECT client_id, name, stage, attributes, updated_at
		 FROM client_snapshots WHERE client_id = $1`, clientID,
	).Scan(&s.ClientID, &s.Name, &s.Stage, &s.Attributes, &s.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ClientSnapshot{}, fmt.Errorf("storage: snapshot for %s: %w", clientID, ErrNotFound)
		}
		return model.ClientSnapshot{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	return s, nil
}

// UpsertSnapshot creates or replaces a client snapshot (CRUD surface path).
func (db *DB) UpsertSnapshot(ctx context.Context, s model.ClientSnapshot) error {
	if s.Attributes == nil {
		s.Attributes = map[string]any{}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO client_snapshots (client_id, name, stage, attributes, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (client_id) DO UPDATE
		 SET name = EXCLUDED.name, stage = EXCLUDED.stage,
		     attributes = EXCLUDED.attributes, updated_at = now()`,
		s.ClientID, s.Name, s.Stage, s.Attributes,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert snapshot: %w", err)
	}
	return nil
}

// MutateSnapshotFields merges fields into a client's attributes (and stage,
// when present under the "stage" key), but only if every expected value still
// holds. Concurrent automations write last-write-wins per field; the expect
// map lets a step detect that a more recent legitimate change landed first,
// in which case ErrPreconditionFailed is returned and nothing is written.
func (db *DB) MutateSnapshotFields(ctx context.Context, clientID string, fields map[string]any, expect map[string]any) error {
	if len(fields) == 0 {
		return nil
	}
	// Concurrent automations mutating the same client can deadlock on the
	// row lock; those conflicts are transient.
	return WithRetry(ctx, 3, 10*time.Millisecond, func() error {
		return db.mutateSnapshotFields(ctx, clientID, fields, expect)
	})
}

func (db *DB) mutateSnapshotFields(ctx context.Context, clientID string, fields map[string]any, expect map[string]any) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin mutate: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var (
		stage      string
		attributes map[string]any
	)
	err = tx.QueryRow(ctx,
		`SELECT stage, attributes FROM client_snapshots WHERE client_id = $1 FOR UPDATE`,
		clientID,
	).Scan(&stage, &attributes)
	if errors.Is(err, pgx.ErrNoRows) {
		// First mutation for this client creates the snapshot row.
		if _, err := tx.Exec(ctx,
			`INSERT INTO client_snapshots (client_id) VALUES ($1) ON CONFLICT DO NOTHING`, clientID,
		); err != nil {
			return fmt.Errorf("storage: create snapshot row: %w", err)
		}
		err = tx.QueryRow(ctx,
			`SELECT stage, attributes FROM client_snapshots WHERE client_id = $1 FOR UPDATE`,
			clientID,
		).Scan(&stage, &attributes)
	}
	if err != nil {
		return fmt.Errorf("storage: lock snapshot: %w", err)
	}
	if attributes == nil {
		attributes = map[string]any{}
	}

	for field, want := range expect {
		var got any
		if field == "stage" {
			got = stage
		} else {
			got = attributes[field]
		}
		if fmt.Sprint(got) != fmt.Sprint(want) {
			return fmt.Errorf("storage: field %q is %v, expected %v: %w",
				field, got, want, ErrPreconditionFailed)
		}
	}

	for field, value := range fields {
		if field == "stage" {
			stage = fmt.Sprint(value)
			continue
		}
		attributes[field] = value
	}

	if _, err := tx.Exec(ctx,
		`UPDATE client_snapshots SET stage = $2, attributes = $3, updated_at = $4
		 WHERE client_id = $1`,
		clientID, stage, attributes, time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("storage: mutate snapshot: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit mutate: %w", err)
	}
	return nil
}
