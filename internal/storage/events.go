package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/pulseworks/pulse/internal/model"
)

// AppendEvent validates and inserts a single event. This is the only mutation
// path for the event log; stored events are read-only everywhere else.
// The database assigns seq; the returned event carries it.
func (db *DB) AppendEvent(ctx context.Context, e model.Event) (model.Event, error) {
	if err := model.ValidateEvent(e); err != nil {
		return model.Event{}, err
	}
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	e.CreatedAt = time.Now().UTC()

	err := db.pool.QueryRow(ctx,
		`INSERT INTO events (id, client_id, event_type, payload, occurred_at, source, supersedes, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING seq`,
		e.ID, e.ClientID, string(e.EventType), e.Payload, e.OccurredAt, e.Source, e.Supersedes, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return model.Event{}, fmt.Errorf("storage: append event: %w", err)
	}
	return e, nil
}

// ReadEventsSince returns up to limit events for a client with seq > sinceSeq,
// in canonical timeline order. The last event's seq is the next cursor, so
// reads are finite and restartable.
func (db *DB) ReadEventsSince(ctx context.Context, clientID string, sinceSeq int64, limit int) ([]model.Event, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := db.pool.Query(ctx,
		`SELECT id, seq, client_id, event_type, payload, occurred_at, source, supersedes, created_at
		 FROM events WHERE client_id = $1 AND seq > $2
		 ORDER BY seq ASC, id ASC
		 LIMIT $3`, clientID, sinceSeq, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read events since: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// alwaysIncludedTypes are event types read regardless of the lookback window:
// they carry open state (tickets, proposals) the context fold cannot
// reconstruct from a bounded window alone.
var alwaysIncludedTypes = []string{
	string(model.EventTicketUpdate),
	string(model.EventProposalChange),
}

// ReadEventsForContext returns the events a context build folds over: all
// events with occurred_at <= asOf that either fall inside the lookback window
// or carry open state. Canonical timeline order.
func (db *DB) ReadEventsForContext(ctx context.Context, clientID string, asOf time.Time, lookback time.Duration) ([]model.Event, error) {
	windowStart := asOf.Add(-lookback)
	rows, err := db.pool.Query(ctx,
		`SELECT id, seq, client_id, event_type, payload, occurred_at, source, supersedes, created_at
		 FROM events
		 WHERE client_id = $1 AND occurred_at <= $2
		   AND (occurred_at >= $3 OR event_type = ANY($4))
		 ORDER BY seq ASC, id ASC`,
		clientID, asOf, windowStart, alwaysIncludedTypes,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: read events for context: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// ListActiveClientIDs returns the distinct clients with any event since the
// given horizon. Feeds the tick-driven evaluation pass.
func (db *DB) ListActiveClientIDs(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT client_id FROM events WHERE occurred_at >= $1`, since,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active clients: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan client id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanEvents(rows pgx.Rows) ([]model.Event, error) {
	var events []model.Event
	for rows.Next() {
		var e model.Event
		if err := rows.Scan(
			&e.ID, &e.Seq, &e.ClientID, &e.EventType, &e.Payload,
			&e.OccurredAt, &e.Source, &e.Supersedes, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
