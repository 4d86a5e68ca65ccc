// Package assistant exposes the client context to a conversational model:
// it grounds each question in a freshly built (or cached) context, keeps the
// prompt within a byte budget and logs both sides of every exchange.
package assistant

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/pulseworks/pulse/internal/model"
)

// chatAppendAttempts bounds the retries of a chat-log write. The log is the
// conversational record, so a transient storage failure is retried rather
// than dropped; exhausting the attempts loses the entry and is reported.
const chatAppendAttempts = 3

// ContextSource builds the client context a question is grounded in.
// A zero asOf means the current view, which implementations may cache.
type ContextSource interface {
	Build(ctx context.Context, clientID string, asOf time.Time) (model.ClientContext, error)
}

// ChatStore persists the exchange log.
type ChatStore interface {
	AppendChatEntry(ctx context.Context, clientID string, role model.ChatRole, content string) error
	ListChatEntries(ctx context.Context, clientID string, limit int) ([]model.ChatEntry, error)
}

// Gateway answers questions about a client. Generation is never retried
// automatically: a failed upstream surfaces to the caller, who decides
// whether to ask again.
type Gateway struct {
	contexts       ContextSource
	chat           ChatStore
	generator      Generator
	logger         *slog.Logger
	modelName      string
	maxPromptBytes int
	chatBackoff    time.Duration
}

// NewGateway creates a Gateway.
func NewGateway(contexts ContextSource, chat ChatStore, generator Generator, logger *slog.Logger, modelName string, maxPromptBytes int) *Gateway {
	return &Gateway{
		contexts:       contexts,
		chat:           chat,
		generator:      generator,
		logger:         logger,
		modelName:      modelName,
		maxPromptBytes: maxPromptBytes,
		chatBackoff:    50 * time.Millisecond,
	}
}

// Answer grounds the question in the client's context and returns the
// model's reply. Both question and reply are appended to the chat log;
// a failed log write is retried with backoff but never fatal, so an
// upstream answer is never discarded over a logging problem.
func (g *Gateway) Answer(ctx context.Context, clientID, question string) (model.AssistantReply, error) {
	cx, err := g.contexts.Build(ctx, clientID, time.Time{})
	if err != nil {
		return model.AssistantReply{}, fmt.Errorf("assistant: build context: %w", err)
	}

	system := buildPrompt(cx, g.maxPromptBytes)

	g.logChatEntry(ctx, clientID, model.ChatRoleUser, question)

	reply, err := g.generator.Generate(ctx, system, question)
	if err != nil {
		return model.AssistantReply{}, fmt.Errorf("assistant: generate: %w", err)
	}

	g.logChatEntry(ctx, clientID, model.ChatRoleAssistant, reply)

	g.logger.Info("assistant exchange",
		"client_id", clientID, "prompt_bytes", len(system), "reply_bytes", len(reply))

	return model.AssistantReply{
		ClientID:  clientID,
		Message:   question,
		Reply:     reply,
		Model:     g.modelName,
		ContextAt: cx.AsOf,
	}, nil
}

// logChatEntry appends one side of the exchange, retrying with full-jitter
// backoff so a transient storage hiccup does not lose the entry.
func (g *Gateway) logChatEntry(ctx context.Context, clientID string, role model.ChatRole, content string) {
	for attempt := 1; ; attempt++ {
		err := g.chat.AppendChatEntry(ctx, clientID, role, content)
		if err == nil {
			return
		}
		if attempt == chatAppendAttempts {
			g.logger.Error("append chat entry",
				"client_id", clientID, "role", role, "attempts", attempt, "error", err)
			return
		}
		ceil := g.chatBackoff << (attempt - 1)
		select {
		case <-ctx.Done():
			g.logger.Error("append chat entry",
				"client_id", clientID, "role", role, "attempts", attempt, "error", err)
			return
		case <-time.After(rand.N(ceil + 1)):
		}
	}
}

// History returns the most recent exchange entries for a client, oldest first.
func (g *Gateway) History(ctx context.Context, clientID string, limit int) ([]model.ChatEntry, error) {
	return g.chat.ListChatEntries(ctx, clientID, limit)
}
