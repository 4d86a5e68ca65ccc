package storage

import (
	"context"
	"fmt"

	"github.com/pulseworks/pulse/internal/model"
)

// AppendChatEntry logs one side of an assistant exchange.
func (db *DB) AppendChatEntry(ctx context.Context, clientID string, role model.ChatRole, content string) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO chat_log (client_id, role, content) VALUES ($1, $2, $3)`,
		clientID, string(role), content,
	)
	if err != nil {
		return fmt.Errorf("storage: append chat entry: %w", err)
	}
	return nil
}

// ListChatEntries returns the most recent entries for a client, oldest first.
func (db *DB) ListChatEntries(ctx context.Context, clientID string, limit int) ([]model.ChatEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, client_id, role, content, created_at FROM (
		     SELECT id, client_id, role, content, created_at
		     FROM chat_log WHERE client_id = $1
		     ORDER BY id DESC LIMIT $2
		 ) recent ORDER BY id ASC`, clientID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list chat entries: %w", err)
	}
	defer rows.Close()

	var entries []model.ChatEntry
	for rows.Next() {
		var e model.ChatEntry
		if err := rows.Scan(&e.ID, &e.ClientID, &e.Role, &e.Content, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan chat entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
