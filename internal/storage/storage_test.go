package storage_test

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
	"github.com/pulseworks/pulse/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(ctx, testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func commEvent(clientID string, occurredAt time.Time) model.Event {
	return model.Event{
		ClientID:  clientID,
		EventType: model.EventCommunication,
		Payload: map[string]any{
			"channel": "email", "direction": "inbound", "summary": "hello",
		},
		OccurredAt: occurredAt,
		Source:     "test",
	}
}

func TestAppendEventAssignsSeq(t *testing.T) {
	ctx := context.Background()
	clientID := "seq-" + uuid.NewString()

	first, err := testDB.AppendEvent(ctx, commEvent(clientID, time.Now().UTC()))
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, first.ID)
	assert.Positive(t, first.Seq)

	second, err := testDB.AppendEvent(ctx, commEvent(clientID, time.Now().UTC()))
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)
}

func TestAppendEventRejectsInvalid(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.AppendEvent(ctx, model.Event{
		ClientID:  "x",
		EventType: model.EventCommunication,
		Payload:   map[string]any{"channel": "email"},
	})
	assert.ErrorIs(t, err, model.ErrValidation)

	_, err = testDB.AppendEvent(ctx, model.Event{
		ClientID: "x", EventType: "banana", Payload: map[string]any{},
	})
	assert.ErrorIs(t, err, model.ErrValidation)
}

func TestReadEventsSinceCursor(t *testing.T) {
	ctx := context.Background()
	clientID := "cursor-" + uuid.NewString()

	var seqs []int64
	for range 5 {
		e, err := testDB.AppendEvent(ctx, commEvent(clientID, time.Now().UTC()))
		require.NoError(t, err)
		seqs = append(seqs, e.Seq)
	}

	page, err := testDB.ReadEventsSince(ctx, clientID, 0, 3)
	require.NoError(t, err)
	require.Len(t, page, 3)
	assert.Equal(t, seqs[:3], []int64{page[0].Seq, page[1].Seq, page[2].Seq})

	rest, err := testDB.ReadEventsSince(ctx, clientID, page[2].Seq, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, seqs[3], rest[0].Seq)
}

func TestReadEventsForContextWindow(t *testing.T) {
	ctx := context.Background()
	clientID := "window-" + uuid.NewString()
	now := time.Now().UTC()

	// An old communication outside the lookback window.
	_, err := testDB.AppendEvent(ctx, commEvent(clientID, now.Add(-96*time.Hour)))
	require.NoError(t, err)

	// An equally old ticket update: open state is always included.
	_, err = testDB.AppendEvent(ctx, model.Event{
		ClientID:   clientID,
		EventType:  model.EventTicketUpdate,
		Payload:    map[string]any{"ticket_id": "T-9", "status": "open"},
		OccurredAt: now.Add(-96 * time.Hour),
		Source:     "test",
	})
	require.NoError(t, err)

	// A recent communication and a future-dated one.
	_, err = testDB.AppendEvent(ctx, commEvent(clientID, now.Add(-time.Hour)))
	require.NoError(t, err)
	_, err = testDB.AppendEvent(ctx, commEvent(clientID, now.Add(time.Hour)))
	require.NoError(t, err)

	events, err := testDB.ReadEventsForContext(ctx, clientID, now, 48*time.Hour)
	require.NoError(t, err)
	require.Len(t, events, 2, "old comm excluded, old ticket and recent comm included, future excluded")
	assert.Equal(t, model.EventTicketUpdate, events[0].EventType)
	assert.Equal(t, model.EventCommunication, events[1].EventType)
}

func TestListActiveClientIDs(t *testing.T) {
	ctx := context.Background()
	activeID := "active-" + uuid.NewString()
	staleID := "stale-" + uuid.NewString()
	now := time.Now().UTC()

	_, err := testDB.AppendEvent(ctx, commEvent(activeID, now))
	require.NoError(t, err)
	_, err = testDB.AppendEvent(ctx, commEvent(staleID, now.Add(-30*24*time.Hour)))
	require.NoError(t, err)

	ids, err := testDB.ListActiveClientIDs(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Contains(t, ids, activeID)
	assert.NotContains(t, ids, staleID)
}

func createTestAutomation(t *testing.T) model.AutomationDefinition {
	t.Helper()
	def, err := testDB.CreateAutomation(context.Background(), model.AutomationDefinition{
		Name:    "test automation " + uuid.NewString(),
		Enabled: true,
		Trigger: model.TriggerSpec{
			Kind:      model.TriggerEvent,
			EventType: model.EventCommunication,
			Predicate: &model.Predicate{
				All: []model.Condition{{Field: "payload.direction", Op: model.OpEq, Value: "inbound"}},
			},
		},
		Steps: []model.WorkflowStep{
			{Type: model.StepSendCommunication, Params: map[string]string{
				"channel": "email", "subject": "hi", "body": "hello ${context.client_name}",
			}},
		},
	})
	require.NoError(t, err)
	return def
}

func TestAutomationRoundtrip(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)

	got, err := testDB.GetAutomation(ctx, def.ID)
	require.NoError(t, err)
	assert.Equal(t, def.Name, got.Name)
	assert.Equal(t, model.TriggerEvent, got.Trigger.Kind)
	require.NotNil(t, got.Trigger.Predicate)
	assert.Equal(t, "payload.direction", got.Trigger.Predicate.All[0].Field)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, "hello ${context.client_name}", got.Steps[0].Params["body"])

	got.Enabled = false
	require.NoError(t, testDB.UpdateAutomation(ctx, got))

	updated, err := testDB.GetAutomation(ctx, def.ID)
	require.NoError(t, err)
	assert.False(t, updated.Enabled)

	active, err := testDB.ActiveDefinitions(ctx)
	require.NoError(t, err)
	for _, d := range active {
		assert.NotEqual(t, def.ID, d.ID, "disabled definitions are not active")
	}
}

func TestGetAutomationNotFound(t *testing.T) {
	_, err := testDB.GetAutomation(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestCreateRunDeduplicatesConcurrently(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)
	key := "evt:" + uuid.NewString()

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = testDB.CreateRun(ctx, def.ID, "acme", key)
		}()
	}
	wg.Wait()

	var created, duplicates int
	for _, err := range errs {
		switch {
		case err == nil:
			created++
		default:
			require.ErrorIs(t, err, storage.ErrDuplicateRun)
			duplicates++
		}
	}
	assert.Equal(t, 1, created, "exactly one goroutine wins the insert")
	assert.Equal(t, n-1, duplicates)
}

func TestClaimAndCompleteRun(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)

	run, err := testDB.CreateRun(ctx, def.ID, "acme", "evt:"+uuid.NewString())
	require.NoError(t, err)
	assert.Equal(t, model.RunPending, run.Status)

	// Drain whatever other tests left pending until our run comes up.
	var claimed model.AutomationRun
	for {
		claimed, err = testDB.ClaimPendingRun(ctx)
		require.NoError(t, err)
		require.NoError(t, testDB.CompleteRun(ctx, claimed.ID, model.RunSucceeded))
		if claimed.ID == run.ID {
			break
		}
	}
	assert.Equal(t, model.RunRunning, claimed.Status)
	require.NotNil(t, claimed.StartedAt)

	got, err := testDB.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RunSucceeded, got.Status)
	assert.NotNil(t, got.CompletedAt)

	// Completing a non-running run is rejected.
	err = testDB.CompleteRun(ctx, run.ID, model.RunFailed)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestSkipPendingRuns(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)

	for range 3 {
		_, err := testDB.CreateRun(ctx, def.ID, "acme", "evt:"+uuid.NewString())
		require.NoError(t, err)
	}

	skipped, err := testDB.SkipPendingRuns(ctx, def.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, skipped)

	runs, err := testDB.ListRunsByAutomation(ctx, def.ID, 10)
	require.NoError(t, err)
	require.Len(t, runs, 3)
	for _, r := range runs {
		assert.Equal(t, model.RunSkipped, r.Status)
	}
}

func TestStepResultsRoundtrip(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)
	run, err := testDB.CreateRun(ctx, def.ID, "acme", "evt:"+uuid.NewString())
	require.NoError(t, err)

	res := model.StepResult{
		RunID: run.ID, StepIndex: 0, Outcome: model.StepSucceeded,
		Detail: "msg-1", RetryCount: 2, CompletedAt: time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertStepResult(ctx, res))

	// Upsert: a crash-retry overwrites the same step index.
	res.Detail = "msg-2"
	require.NoError(t, testDB.InsertStepResult(ctx, res))

	results, err := testDB.ListStepResults(ctx, run.ID)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "msg-2", results[0].Detail)
	assert.Equal(t, 2, results[0].RetryCount)
}

func TestRecordConditionResultTransitions(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)
	clientID := "cond-" + uuid.NewString()

	// Initial observation of true counts as a transition.
	claimed, seq, err := testDB.RecordConditionResult(ctx, def.ID, clientID, true)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.EqualValues(t, 1, seq)

	// Repeat observation of the same value claims nothing.
	claimed, _, err = testDB.RecordConditionResult(ctx, def.ID, clientID, true)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Falling back to false changes the row but is never a claim.
	claimed, _, err = testDB.RecordConditionResult(ctx, def.ID, clientID, false)
	require.NoError(t, err)
	assert.False(t, claimed)

	// The next false→true flip is claimed with an incremented sequence.
	claimed, seq, err = testDB.RecordConditionResult(ctx, def.ID, clientID, true)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.EqualValues(t, 2, seq)
}

func TestRecordConditionResultStartsFalse(t *testing.T) {
	ctx := context.Background()
	def := createTestAutomation(t)
	clientID := "cond-" + uuid.NewString()

	claimed, _, err := testDB.RecordConditionResult(ctx, def.ID, clientID, false)
	require.NoError(t, err)
	assert.False(t, claimed, "seeding with false is not a transition")

	claimed, seq, err := testDB.RecordConditionResult(ctx, def.ID, clientID, true)
	require.NoError(t, err)
	assert.True(t, claimed)
	assert.EqualValues(t, 1, seq)
}

func TestSnapshotUpsertAndGet(t *testing.T) {
	ctx := context.Background()
	clientID := "snap-" + uuid.NewString()

	_, err := testDB.GetSnapshot(ctx, clientID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.UpsertSnapshot(ctx, model.ClientSnapshot{
		ClientID: clientID, Name: "Acme Corp", Stage: "lead",
	}))

	s, err := testDB.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", s.Name)
	assert.Equal(t, "lead", s.Stage)
}

func TestMutateSnapshotFields(t *testing.T) {
	ctx := context.Background()
	clientID := "mutate-" + uuid.NewString()

	require.NoError(t, testDB.UpsertSnapshot(ctx, model.ClientSnapshot{
		ClientID: clientID, Name: "Acme Corp", Stage: "lead",
	}))

	// Unconditional stage change plus a custom attribute.
	err := testDB.MutateSnapshotFields(ctx, clientID,
		map[string]any{"stage": "negotiation", "owner": "sam"}, nil)
	require.NoError(t, err)

	s, err := testDB.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, "negotiation", s.Stage)
	assert.Equal(t, "sam", s.Attributes["owner"])

	// Expectation holds: the write lands.
	err = testDB.MutateSnapshotFields(ctx, clientID,
		map[string]any{"stage": "won"}, map[string]any{"stage": "negotiation"})
	require.NoError(t, err)

	// Expectation stale: nothing changes.
	err = testDB.MutateSnapshotFields(ctx, clientID,
		map[string]any{"stage": "lost"}, map[string]any{"stage": "negotiation"})
	assert.ErrorIs(t, err, storage.ErrPreconditionFailed)

	s, err = testDB.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, "won", s.Stage)
}

func TestMutateSnapshotCreatesMissingRow(t *testing.T) {
	ctx := context.Background()
	clientID := "fresh-" + uuid.NewString()

	err := testDB.MutateSnapshotFields(ctx, clientID, map[string]any{"stage": "lead"}, nil)
	require.NoError(t, err)

	s, err := testDB.GetSnapshot(ctx, clientID)
	require.NoError(t, err)
	assert.Equal(t, "lead", s.Stage)
}

func TestChatLogRoundtrip(t *testing.T) {
	ctx := context.Background()
	clientID := "chat-" + uuid.NewString()

	require.NoError(t, testDB.AppendChatEntry(ctx, clientID, model.ChatRoleUser, "what is open?"))
	require.NoError(t, testDB.AppendChatEntry(ctx, clientID, model.ChatRoleAssistant, "two tickets"))
	require.NoError(t, testDB.AppendChatEntry(ctx, clientID, model.ChatRoleUser, "thanks"))

	entries, err := testDB.ListChatEntries(ctx, clientID, 2)
	require.NoError(t, err)
	require.Len(t, entries, 2, "limit keeps the most recent entries")
	assert.Equal(t, model.ChatRoleAssistant, entries[0].Role)
	assert.Equal(t, "thanks", entries[1].Content)
}

func TestAPIKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	name := "key-" + uuid.NewString()

	created, err := testDB.CreateAPIKey(ctx, name, "salt$hash")
	require.NoError(t, err)

	byID, err := testDB.GetAPIKey(ctx, created.KeyID)
	require.NoError(t, err)
	assert.Equal(t, name, byID.Name)
	assert.Equal(t, "salt$hash", byID.KeyHash)

	byName, err := testDB.GetAPIKeyByName(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, created.KeyID, byName.KeyID)

	_, err = testDB.GetAPIKey(ctx, uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = testDB.GetAPIKeyByName(ctx, "missing-"+uuid.NewString())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
