// Package adapter defines the contracts toward external collaborators:
// communication channels, calendar scheduling, generic outbound calls and
// model scoring. The core requires only that each call be idempotent given
// the supplied idempotency key and return a bounded-time outcome.
package adapter

import (
	"context"
	"errors"
	"time"

	"github.com/pulseworks/pulse/internal/model"
)

var (
	// ErrTransient marks a failure worth retrying with backoff: network
	// errors, adapter-side 5xx responses, timeouts.
	ErrTransient = errors.New("adapter: transient failure")

	// ErrUpstream marks a collaborator that is categorically unavailable or
	// has exhausted retries. Surfaced to the caller, never retried
	// automatically.
	ErrUpstream = errors.New("adapter: upstream unavailable")
)

// Communication is an outbound message to send on a client's behalf.
type Communication struct {
	ClientID string
	Channel  string // email, whatsapp, ...
	Subject  string
	Body     string
}

// FollowUp is a calendar entry to schedule.
type FollowUp struct {
	ClientID string
	Title    string
	Due      time.Time
}

// CommunicationSender delivers outbound communications. Implementations must
// treat two calls with the same idempotency key as one: the second call
// returns the original result without duplicating the external effect.
type CommunicationSender interface {
	Send(ctx context.Context, idempotencyKey string, c Communication) (string, error)
}

// FollowUpScheduler creates calendar entries, idempotent per key.
type FollowUpScheduler interface {
	Schedule(ctx context.Context, idempotencyKey string, f FollowUp) (string, error)
}

// Caller invokes an arbitrary named external adapter, idempotent per key.
type Caller interface {
	Call(ctx context.Context, idempotencyKey, target string, params map[string]string) (string, error)
}

// Scorer returns a numeric score for a client context from a named model.
// The engine stays deterministic: all learning lives behind this interface.
type Scorer interface {
	Score(ctx context.Context, modelName string, c model.ClientContext) (float64, error)
}
