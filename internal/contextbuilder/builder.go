// Package contextbuilder folds a client's event log into a point-in-time
// ClientContext. The fold is a pure reduction over events ordered by sequence
// number; the result is disposable and reproducible, never a source of truth.
package contextbuilder

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
)

// EventStore is the storage surface the builder needs.
type EventStore interface {
	ReadEventsForContext(ctx context.Context, clientID string, asOf time.Time, lookback time.Duration) ([]model.Event, error)
	GetSnapshot(ctx context.Context, clientID string) (model.ClientSnapshot, error)
}

// Builder builds client contexts by replaying events over the lookback
// window. Open tickets and proposals are read regardless of the window, so
// state opened before the cutoff is never silently dropped.
type Builder struct {
	store    EventStore
	lookback time.Duration
}

// NewBuilder creates a Builder with the given lookback window.
func NewBuilder(store EventStore, lookback time.Duration) *Builder {
	return &Builder{store: store, lookback: lookback}
}

// Build folds the client's events as of the given instant; a zero asOf means
// now. A client with no events and no snapshot yields storage.ErrNotFound.
func (b *Builder) Build(ctx context.Context, clientID string, asOf time.Time) (model.ClientContext, error) {
	if asOf.IsZero() {
		asOf = time.Now().UTC()
	}
	snap, snapErr := b.store.GetSnapshot(ctx, clientID)
	if snapErr != nil && !errors.Is(snapErr, storage.ErrNotFound) {
		return model.ClientContext{}, fmt.Errorf("contextbuilder: load snapshot: %w", snapErr)
	}

	events, err := b.store.ReadEventsForContext(ctx, clientID, asOf, b.lookback)
	if err != nil {
		return model.ClientContext{}, fmt.Errorf("contextbuilder: read events: %w", err)
	}
	if len(events) == 0 && snapErr != nil {
		return model.ClientContext{}, fmt.Errorf("contextbuilder: client %q: %w", clientID, storage.ErrNotFound)
	}

	cx := model.ClientContext{
		ClientID:             clientID,
		AsOf:                 asOf,
		OpenTickets:          []model.TicketRef{},
		ActiveProposals:      []model.ProposalRef{},
		RecentCommunications: []model.CommunicationRef{},
		CampaignExposure:     map[string]int{},
		UpcomingActivities:   []model.ActivityRef{},
		Metrics:              model.ContextMetrics{DaysSinceLastContact: -1},
	}
	if snapErr == nil {
		cx.ClientName = snap.Name
		cx.CurrentStage = snap.Stage
	}

	fold(&cx, events, asOf)
	return cx, nil
}

// fold replays events in sequence order. A superseded event contributes
// nothing: corrections replace their target entirely during replay while the
// log itself keeps both records.
func fold(cx *model.ClientContext, events []model.Event, asOf time.Time) {
	superseded := make(map[uuid.UUID]bool)
	for _, e := range events {
		if e.Supersedes != nil {
			superseded[*e.Supersedes] = true
		}
	}

	tickets := make(map[string]model.TicketRef)
	proposals := make(map[string]model.ProposalRef)
	var lastContact time.Time

	for _, e := range events {
		if superseded[e.ID] {
			continue
		}
		cx.Metrics.EventCount++
		if e.OccurredAt.After(cx.Metrics.LastEventAt) {
			cx.Metrics.LastEventAt = e.OccurredAt
		}

		switch e.EventType {
		case model.EventCommunication:
			cx.RecentCommunications = append(cx.RecentCommunications, model.CommunicationRef{
				Channel:    e.PayloadString("channel"),
				Direction:  e.PayloadString("direction"),
				Summary:    e.PayloadString("summary"),
				OccurredAt: e.OccurredAt,
			})
			if e.OccurredAt.After(lastContact) {
				lastContact = e.OccurredAt
			}

		case model.EventStageMove:
			cx.CurrentStage = e.PayloadString("to_stage")

		case model.EventTicketUpdate:
			id := e.PayloadString("ticket_id")
			if e.PayloadString("status") == "closed" {
				delete(tickets, id)
				break
			}
			ref := model.TicketRef{
				TicketID:  id,
				Status:    e.PayloadString("status"),
				Subject:   e.PayloadString("subject"),
				UpdatedAt: e.OccurredAt,
			}
			if ref.Subject == "" {
				ref.Subject = tickets[id].Subject
			}
			tickets[id] = ref

		case model.EventProposalChange:
			id := e.PayloadString("proposal_id")
			action := e.PayloadString("action")
			switch action {
			case "accepted", "rejected", "withdrawn":
				delete(proposals, id)
			default:
				ref := model.ProposalRef{
					ProposalID: id,
					Title:      e.PayloadString("title"),
					LastAction: action,
					UpdatedAt:  e.OccurredAt,
				}
				if amt, ok := e.PayloadNumber("amount"); ok {
					ref.Amount = amt
				} else {
					ref.Amount = proposals[id].Amount
				}
				if ref.Title == "" {
					ref.Title = proposals[id].Title
				}
				proposals[id] = ref
			}

		case model.EventCalendarActivity:
			if raw := e.PayloadString("scheduled_for"); raw != "" {
				if at, err := time.Parse(time.RFC3339, raw); err == nil && !at.Before(asOf) {
					cx.UpcomingActivities = append(cx.UpcomingActivities, model.ActivityRef{
						Kind:         e.PayloadString("kind"),
						Title:        e.PayloadString("title"),
						ScheduledFor: at,
					})
				}
			}

		case model.EventCampaignTouch:
			cx.CampaignExposure[e.PayloadString("campaign_id")]++
		}
	}

	if n := len(cx.RecentCommunications); n > model.MaxRecentCommunications {
		cx.RecentCommunications = cx.RecentCommunications[n-model.MaxRecentCommunications:]
	}
	if !lastContact.IsZero() {
		cx.Metrics.DaysSinceLastContact = int(asOf.Sub(lastContact).Hours() / 24)
	}

	for _, t := range tickets {
		cx.OpenTickets = append(cx.OpenTickets, t)
	}
	sort.Slice(cx.OpenTickets, func(i, j int) bool {
		return cx.OpenTickets[i].TicketID < cx.OpenTickets[j].TicketID
	})

	for _, p := range proposals {
		cx.ActiveProposals = append(cx.ActiveProposals, p)
		cx.Metrics.PipelineValue += p.Amount
	}
	sort.Slice(cx.ActiveProposals, func(i, j int) bool {
		return cx.ActiveProposals[i].ProposalID < cx.ActiveProposals[j].ProposalID
	})

	sort.Slice(cx.UpcomingActivities, func(i, j int) bool {
		return cx.UpcomingActivities[i].ScheduledFor.Before(cx.UpcomingActivities[j].ScheduledFor)
	})
}
