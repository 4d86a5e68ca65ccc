package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// APIKey is a stored API key record. The plaintext key is never persisted.
type APIKey struct {
	KeyID     uuid.UUID
	Name      string
	KeyHash   string
	Disabled  bool
	CreatedAt time.Time
}

// CreateAPIKey stores a new API key hash.
func (db *DB) CreateAPIKey(ctx context.Context, name, keyHash string) (APIKey, error) {
	k := APIKey{
		KeyID:     uuid.New(),
		Name:      name,
		KeyHash:   keyHash,
		CreatedAt: time.Now().UTC(),
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO api_keys (key_id, name, key_hash, created_at) VALUES ($1, $2, $3, $4)`,
		k.KeyID, k.Name, k.KeyHash, k.CreatedAt,
	)
	if err != nil {
		return APIKey{}, fmt.Errorf("storage: create api key: %w", err)
	}
	return k, nil
}

// GetAPIKeyByName retrieves an API key by its name, disabled or not.
// Used by the bootstrap path to make key seeding idempotent across restarts.
func (db *DB) GetAPIKeyByName(ctx context.Context, name string) (APIKey, error) {
	var k APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT key_id, name, key_hash, disabled, created_at
		 FROM api_keys WHERE name = $1 ORDER BY created_at LIMIT 1`, name,
	).Scan(&k.KeyID, &k.Name, &k.KeyHash, &k.Disabled, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, fmt.Errorf("storage: api key %q: %w", name, ErrNotFound)
		}
		return APIKey{}, fmt.Errorf("storage: get api key by name: %w", err)
	}
	return k, nil
}

// GetAPIKey retrieves an active API key by ID.
func (db *DB) GetAPIKey(ctx context.Context, keyID uuid.UUID) (APIKey, error) {
	var k APIKey
	err := db.pool.QueryRow(ctx,
		`SELECT key_id, name, key_hash, disabled, created_at
		 FROM api_keys WHERE key_id = $1 AND disabled = false`, keyID,
	).Scan(&k.KeyID, &k.Name, &k.KeyHash, &k.Disabled, &k.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return APIKey{}, fmt.Errorf("storage: api key %s: %w", keyID, ErrNotFound)
		}
		return APIKey{}, fmt.Errorf("storage: get api key: %w", err)
	}
	return k, nil
}
