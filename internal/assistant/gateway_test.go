package assistant

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseworks/pulse/internal/adapter"
	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
	"github.com/pulseworks/pulse/internal/testutil"
)

type fakeContexts struct {
	cx  model.ClientContext
	err error
}

func (f fakeContexts) Build(_ context.Context, clientID string, asOf time.Time) (model.ClientContext, error) {
	if f.err != nil {
		return model.ClientContext{}, f.err
	}
	cx := f.cx
	cx.ClientID = clientID
	cx.AsOf = asOf
	return cx, nil
}

type fakeChat struct {
	entries   []model.ChatEntry
	appendErr error // every append fails when set
	failEach  int   // transient failures injected before each entry lands
	failed    int
	attempts  int
}

func (f *fakeChat) AppendChatEntry(_ context.Context, clientID string, role model.ChatRole, content string) error {
	f.attempts++
	if f.appendErr != nil {
		return f.appendErr
	}
	if f.failed < f.failEach {
		f.failed++
		return errors.New("storage hiccup")
	}
	f.failed = 0
	f.entries = append(f.entries, model.ChatEntry{
		ID: int64(len(f.entries) + 1), ClientID: clientID, Role: role, Content: content,
	})
	return nil
}

func (f *fakeChat) ListChatEntries(_ context.Context, clientID string, limit int) ([]model.ChatEntry, error) {
	var out []model.ChatEntry
	for _, e := range f.entries {
		if e.ClientID == clientID {
			out = append(out, e)
		}
	}
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

type stubGenerator struct {
	reply      string
	err        error
	lastSystem string
	lastPrompt string
	calls      int
}

func (s *stubGenerator) Generate(_ context.Context, system, question string) (string, error) {
	s.calls++
	s.lastSystem = system
	s.lastPrompt = question
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func newTestGateway(contexts ContextSource, chat ChatStore, gen Generator) *Gateway {
	return NewGateway(contexts, chat, gen, testutil.TestLogger(), "llama3", 1<<16)
}

func TestAnswerGroundsQuestionInContext(t *testing.T) {
	gen := &stubGenerator{reply: "They raised pricing concerns on email."}
	chat := &fakeChat{}
	g := newTestGateway(fakeContexts{cx: model.ClientContext{
		ClientName:   "Acme Corp",
		CurrentStage: "negotiation",
		Metrics:      model.ContextMetrics{DaysSinceLastContact: 2},
	}}, chat, gen)

	reply, err := g.Answer(context.Background(), "acme", "what is blocking the deal?")
	require.NoError(t, err)

	assert.Equal(t, "acme", reply.ClientID)
	assert.Equal(t, "what is blocking the deal?", reply.Message)
	assert.Equal(t, gen.reply, reply.Reply)
	assert.Equal(t, "llama3", reply.Model)
	assert.Contains(t, gen.lastSystem, "Acme Corp")
	assert.Contains(t, gen.lastSystem, "negotiation")
	assert.Equal(t, "what is blocking the deal?", gen.lastPrompt)
}

func TestAnswerLogsBothSidesOfExchange(t *testing.T) {
	gen := &stubGenerator{reply: "Nothing urgent."}
	chat := &fakeChat{}
	g := newTestGateway(fakeContexts{}, chat, gen)

	_, err := g.Answer(context.Background(), "acme", "anything open?")
	require.NoError(t, err)

	require.Len(t, chat.entries, 2)
	assert.Equal(t, model.ChatRoleUser, chat.entries[0].Role)
	assert.Equal(t, "anything open?", chat.entries[0].Content)
	assert.Equal(t, model.ChatRoleAssistant, chat.entries[1].Role)
	assert.Equal(t, "Nothing urgent.", chat.entries[1].Content)
}

func TestAnswerRetriesChatLogWrites(t *testing.T) {
	gen := &stubGenerator{reply: "all clear"}
	chat := &fakeChat{failEach: 1}
	g := newTestGateway(fakeContexts{}, chat, gen)
	g.chatBackoff = time.Millisecond

	reply, err := g.Answer(context.Background(), "acme", "status?")
	require.NoError(t, err)
	assert.Equal(t, "all clear", reply.Reply)

	require.Len(t, chat.entries, 2, "both sides logged despite one failure each")
	assert.Equal(t, model.ChatRoleUser, chat.entries[0].Role)
	assert.Equal(t, model.ChatRoleAssistant, chat.entries[1].Role)
	assert.Equal(t, 4, chat.attempts)
}

func TestAnswerChatLogFailureIsNotFatal(t *testing.T) {
	gen := &stubGenerator{reply: "fine"}
	chat := &fakeChat{appendErr: errors.New("chat table unavailable")}
	g := newTestGateway(fakeContexts{}, chat, gen)
	g.chatBackoff = time.Millisecond

	reply, err := g.Answer(context.Background(), "acme", "status?")
	require.NoError(t, err)
	assert.Equal(t, "fine", reply.Reply)
	assert.Equal(t, 6, chat.attempts, "retries are bounded")
}

func TestAnswerPropagatesUpstreamFailure(t *testing.T) {
	gen := &stubGenerator{err: adapter.ErrUpstream}
	g := newTestGateway(fakeContexts{}, &fakeChat{}, gen)

	_, err := g.Answer(context.Background(), "acme", "status?")
	require.Error(t, err)
	assert.ErrorIs(t, err, adapter.ErrUpstream)
	assert.Equal(t, 1, gen.calls, "generation is never retried automatically")
}

func TestAnswerUnknownClient(t *testing.T) {
	g := newTestGateway(fakeContexts{err: storage.ErrNotFound}, &fakeChat{}, &stubGenerator{})

	_, err := g.Answer(context.Background(), "ghost", "hello?")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHistoryReturnsRecentEntries(t *testing.T) {
	chat := &fakeChat{}
	g := newTestGateway(fakeContexts{}, chat, &stubGenerator{reply: "ok"})

	for range 3 {
		_, err := g.Answer(context.Background(), "acme", "ping")
		require.NoError(t, err)
	}

	entries, err := g.History(context.Background(), "acme", 4)
	require.NoError(t, err)
	assert.Len(t, entries, 4)
	assert.Equal(t, model.ChatRoleAssistant, entries[len(entries)-1].Role)
}
