package contextbuilder

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
)

// fakeEventStore serves a fixed event list, pre-sorted by seq.
type fakeEventStore struct {
	events   []model.Event
	snapshot *model.ClientSnapshot
}

func (f *fakeEventStore) ReadEventsForContext(_ context.Context, clientID string, asOf time.Time, _ time.Duration) ([]model.Event, error) {
	var out []model.Event
	for _, e := range f.events {
		if e.ClientID == clientID && !e.OccurredAt.After(asOf) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *fakeEventStore) GetSnapshot(_ context.Context, clientID string) (model.ClientSnapshot, error) {
	if f.snapshot == nil || f.snapshot.ClientID != clientID {
		return model.ClientSnapshot{}, fmt.Errorf("snapshot %q: %w", clientID, storage.ErrNotFound)
	}
	return *f.snapshot, nil
}

func at(day int, hour int) time.Time {
	return time.Date(2025, 6, day, hour, 0, 0, 0, time.UTC)
}

func evt(seq int64, clientID string, typ model.EventType, occurred time.Time, payload map[string]any) model.Event {
	return model.Event{
		ID: uuid.New(), Seq: seq, ClientID: clientID, EventType: typ,
		Payload: payload, OccurredAt: occurred,
	}
}

func TestBuildFoldsTimeline(t *testing.T) {
	store := &fakeEventStore{
		snapshot: &model.ClientSnapshot{ClientID: "acme", Name: "Acme Corp", Stage: "lead"},
		events: []model.Event{
			evt(1, "acme", model.EventCommunication, at(1, 9), map[string]any{
				"channel": "email", "direction": "inbound", "summary": "pricing question",
			}),
			evt(2, "acme", model.EventStageMove, at(1, 10), map[string]any{
				"from_stage": "lead", "to_stage": "qualified",
			}),
			evt(3, "acme", model.EventProposalChange, at(2, 9), map[string]any{
				"proposal_id": "P-1", "action": "created", "title": "Annual plan", "amount": 12000.0,
			}),
			evt(4, "acme", model.EventProposalChange, at(2, 10), map[string]any{
				"proposal_id": "P-2", "action": "created", "amount": 3000.0,
			}),
			evt(5, "acme", model.EventTicketUpdate, at(3, 9), map[string]any{
				"ticket_id": "T-1", "status": "open", "subject": "login broken",
			}),
			evt(6, "acme", model.EventTicketUpdate, at(3, 12), map[string]any{
				"ticket_id": "T-2", "status": "open", "subject": "billing question",
			}),
			evt(7, "acme", model.EventTicketUpdate, at(4, 9), map[string]any{
				"ticket_id": "T-1", "status": "closed",
			}),
			evt(8, "acme", model.EventProposalChange, at(4, 10), map[string]any{
				"proposal_id": "P-2", "action": "rejected",
			}),
			evt(9, "acme", model.EventCampaignTouch, at(5, 9), map[string]any{
				"campaign_id": "spring-launch",
			}),
			evt(10, "acme", model.EventCampaignTouch, at(5, 10), map[string]any{
				"campaign_id": "spring-launch",
			}),
		},
	}

	b := NewBuilder(store, 90*24*time.Hour)
	asOf := at(10, 0)
	cx, err := b.Build(context.Background(), "acme", asOf)
	require.NoError(t, err)

	assert.Equal(t, "Acme Corp", cx.ClientName)
	assert.Equal(t, "qualified", cx.CurrentStage, "stage_move overrides snapshot stage")

	// T-1 was closed; only T-2 remains open.
	require.Len(t, cx.OpenTickets, 1)
	assert.Equal(t, "T-2", cx.OpenTickets[0].TicketID)

	// P-2 was rejected; pipeline value covers P-1 only.
	require.Len(t, cx.ActiveProposals, 1)
	assert.Equal(t, "P-1", cx.ActiveProposals[0].ProposalID)
	assert.Equal(t, 12000.0, cx.Metrics.PipelineValue)

	assert.Equal(t, 2, cx.CampaignExposure["spring-launch"])
	assert.Equal(t, 10, cx.Metrics.EventCount)
	// June 1 09:00 → June 10 00:00 is 8 full days.
	assert.Equal(t, 8, cx.Metrics.DaysSinceLastContact)
	require.Len(t, cx.RecentCommunications, 1)
}

func TestBuildSkipsSupersededEvents(t *testing.T) {
	wrong := evt(1, "acme", model.EventProposalChange, at(1, 9), map[string]any{
		"proposal_id": "P-1", "action": "created", "amount": 99000.0,
	})
	correctedID := wrong.ID
	correction := evt(2, "acme", model.EventProposalChange, at(1, 10), map[string]any{
		"proposal_id": "P-1", "action": "created", "amount": 9900.0,
	})
	correction.Supersedes = &correctedID

	store := &fakeEventStore{events: []model.Event{wrong, correction}}
	b := NewBuilder(store, 90*24*time.Hour)

	cx, err := b.Build(context.Background(), "acme", at(2, 0))
	require.NoError(t, err)

	// The superseded amount contributes nothing; only the correction counts.
	assert.Equal(t, 9900.0, cx.Metrics.PipelineValue)
	assert.Equal(t, 1, cx.Metrics.EventCount)
}

func TestBuildZeroAsOfMeansNow(t *testing.T) {
	store := &fakeEventStore{events: []model.Event{
		evt(1, "acme", model.EventStageMove, at(1, 9), map[string]any{"to_stage": "qualified"}),
	}}
	b := NewBuilder(store, 90*24*time.Hour)

	cx, err := b.Build(context.Background(), "acme", time.Time{})
	require.NoError(t, err)
	assert.Equal(t, "qualified", cx.CurrentStage)
	assert.WithinDuration(t, time.Now().UTC(), cx.AsOf, time.Second)
}

func TestBuildUnknownClient(t *testing.T) {
	b := NewBuilder(&fakeEventStore{}, 90*24*time.Hour)
	_, err := b.Build(context.Background(), "ghost", time.Now().UTC())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestBuildSnapshotOnlyClient(t *testing.T) {
	store := &fakeEventStore{snapshot: &model.ClientSnapshot{ClientID: "acme", Name: "Acme Corp"}}
	b := NewBuilder(store, 90*24*time.Hour)

	cx, err := b.Build(context.Background(), "acme", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", cx.ClientName)
	assert.Zero(t, cx.Metrics.EventCount)
	assert.Equal(t, -1, cx.Metrics.DaysSinceLastContact)
}

func TestBuildBoundsRecentCommunications(t *testing.T) {
	store := &fakeEventStore{}
	base := at(1, 0)
	for i := 0; i < model.MaxRecentCommunications+5; i++ {
		store.events = append(store.events, evt(int64(i+1), "acme", model.EventCommunication,
			base.Add(time.Duration(i)*time.Hour), map[string]any{
				"channel": "email", "direction": "outbound", "summary": fmt.Sprintf("msg %d", i),
			}))
	}
	b := NewBuilder(store, 90*24*time.Hour)

	cx, err := b.Build(context.Background(), "acme", at(20, 0))
	require.NoError(t, err)
	require.Len(t, cx.RecentCommunications, model.MaxRecentCommunications)
	// Oldest entries fall off; the newest survives as the last element.
	assert.Equal(t, fmt.Sprintf("msg %d", model.MaxRecentCommunications+4),
		cx.RecentCommunications[len(cx.RecentCommunications)-1].Summary)
}

func TestBuildIncorporatesAppendedEvent(t *testing.T) {
	// The accumulation property: building after one more event reflects it.
	store := &fakeEventStore{events: []model.Event{
		evt(1, "acme", model.EventTicketUpdate, at(1, 9), map[string]any{
			"ticket_id": "T-1", "status": "open",
		}),
	}}
	b := NewBuilder(store, 90*24*time.Hour)

	before, err := b.Build(context.Background(), "acme", at(2, 0))
	require.NoError(t, err)
	require.Len(t, before.OpenTickets, 1)

	store.events = append(store.events, evt(2, "acme", model.EventTicketUpdate, at(2, 9), map[string]any{
		"ticket_id": "T-1", "status": "closed",
	}))

	after, err := b.Build(context.Background(), "acme", at(3, 0))
	require.NoError(t, err)
	assert.Empty(t, after.OpenTickets)
	assert.Equal(t, before.Metrics.EventCount+1, after.Metrics.EventCount)
}
