package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordConditionResult stores the latest boolean result of a condition or
// score trigger for one (automation, client) pair and reports whether this
// call claimed a false→true transition.
//
// The first observation seeds the row: an initial true counts as a transition
// (the condition became true as far as the engine can tell). Afterwards the
// UPDATE only succeeds when the stored value differs, so N concurrent
// evaluators observing the same flip race on one row version and exactly one
// sees claimed=true. transitionSeq increments on each false→true flip and
// feeds the triggering key.
func (db *DB) RecordConditionResult(ctx context.Context, automationID uuid.UUID, clientID string, result bool) (claimed bool, transitionSeq int64, err error) {
	initialTransitions := 0
	if result {
		initialTransitions = 1
	}
	var transitions int64
	err = db.pool.QueryRow(ctx,
		`INSERT INTO condition_states (automation_id, client_id, last_result, transitions, updated_at)
		 VALUES ($1, $2, $3, $4, now())
		 ON CONFLICT (automation_id, client_id) DO UPDATE
		 SET last_result = EXCLUDED.last_result,
		     transitions = condition_states.transitions + CASE WHEN EXCLUDED.last_result THEN 1 ELSE 0 END,
		     updated_at = now()
		 WHERE condition_states.last_result IS DISTINCT FROM EXCLUDED.last_result
		 RETURNING transitions`,
		automationID, clientID, result, initialTransitions,
	).Scan(&transitions)
	if errors.Is(err, pgx.ErrNoRows) {
		// No row returned: the stored value already matched, nothing changed.
		return false, 0, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("storage: record condition result: %w", err)
	}
	return result, transitions, nil
}
