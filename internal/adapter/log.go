package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/pulseworks/pulse/internal/model"
)

// LogAdapters is the development implementation of the side-effect adapters:
// it records each call instead of reaching an external system. Idempotency is
// honored by remembering results per key, which makes the replay guarantees
// observable in tests.
type LogAdapters struct {
	logger *slog.Logger

	mu   sync.Mutex
	seen map[string]string
}

// NewLogAdapters creates a LogAdapters.
func NewLogAdapters(logger *slog.Logger) *LogAdapters {
	return &LogAdapters{logger: logger, seen: make(map[string]string)}
}

func (a *LogAdapters) replay(key, result string) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if prior, ok := a.seen[key]; ok {
		return prior, true
	}
	a.seen[key] = result
	return result, false
}

// Send logs an outbound communication.
func (a *LogAdapters) Send(_ context.Context, idempotencyKey string, c Communication) (string, error) {
	result, replayed := a.replay(idempotencyKey, "msg-"+idempotencyKey)
	if replayed {
		return result, nil
	}
	a.logger.Info("adapter: send communication",
		"client_id", c.ClientID, "channel", c.Channel, "subject", c.Subject)
	return result, nil
}

// Schedule logs a follow-up.
func (a *LogAdapters) Schedule(_ context.Context, idempotencyKey string, f FollowUp) (string, error) {
	result, replayed := a.replay(idempotencyKey, "followup-"+idempotencyKey)
	if replayed {
		return result, nil
	}
	a.logger.Info("adapter: schedule follow-up",
		"client_id", f.ClientID, "title", f.Title, "due", f.Due)
	return result, nil
}

// Call logs a generic adapter call.
func (a *LogAdapters) Call(_ context.Context, idempotencyKey, target string, params map[string]string) (string, error) {
	result, replayed := a.replay(idempotencyKey, fmt.Sprintf("call-%s-%s", target, idempotencyKey))
	if replayed {
		return result, nil
	}
	a.logger.Info("adapter: external call", "target", target, "params", params)
	return result, nil
}

// NoopScorer always returns zero. Used when no scoring model is configured;
// score triggers simply never cross their threshold.
type NoopScorer struct{}

// Score implements Scorer.
func (NoopScorer) Score(context.Context, string, model.ClientContext) (float64, error) {
	return 0, nil
}
