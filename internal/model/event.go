package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes a client event.
type EventType string

const (
	EventCommunication    EventType = "communication"
	EventProposalChange   EventType = "proposal_change"
	EventStageMove        EventType = "stage_move"
	EventTicketUpdate     EventType = "ticket_update"
	EventCalendarActivity EventType = "calendar_activity"
	EventCampaignTouch    EventType = "campaign_touch"
)

// Event is an append-only record of something that happened to a client.
// Source of truth. Never mutated or deleted; corrections are modeled as new
// events carrying a Supersedes pointer to the event they replace.
//
// Seq is assigned by the database on insert and defines the canonical
// timeline order; readers break ties by event ID.
type Event struct {
	ID         uuid.UUID      `json:"id"`
	Seq        int64          `json:"seq"`
	ClientID   string         `json:"client_id"`
	EventType  EventType      `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt time.Time      `json:"occurred_at"`
	Source     string         `json:"source"`
	Supersedes *uuid.UUID     `json:"supersedes,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// CommunicationPayload is the payload shape for communication events.
type CommunicationPayload struct {
	Channel   string `json:"channel"`   // email, phone, whatsapp, meeting
	Direction string `json:"direction"` // inbound, outbound
	Summary   string `json:"summary"`
}

// ProposalChangePayload is the payload shape for proposal_change events.
type ProposalChangePayload struct {
	ProposalID string  `json:"proposal_id"`
	Action     string  `json:"action"` // created, updated, sent, accepted, rejected, withdrawn
	Title      string  `json:"title,omitempty"`
	Amount     float64 `json:"amount,omitempty"`
}

// StageMovePayload is the payload shape for stage_move events.
type StageMovePayload struct {
	FromStage string `json:"from_stage,omitempty"`
	ToStage   string `json:"to_stage"`
}

// TicketUpdatePayload is the payload shape for ticket_update events.
type TicketUpdatePayload struct {
	TicketID string `json:"ticket_id"`
	Status   string `json:"status"` // open, pending, closed
	Subject  string `json:"subject,omitempty"`
}

// CalendarActivityPayload is the payload shape for calendar_activity events.
type CalendarActivityPayload struct {
	Kind         string    `json:"kind"` // meeting, call, task
	Title        string    `json:"title"`
	ScheduledFor time.Time `json:"scheduled_for,omitempty"`
}

// CampaignTouchPayload is the payload shape for campaign_touch events.
type CampaignTouchPayload struct {
	CampaignID string `json:"campaign_id"`
	Channel    string `json:"channel,omitempty"`
}

// requiredPayloadFields maps each event type to the payload fields that must
// be present and non-empty for the event to be accepted.
var requiredPayloadFields = map[EventType][]string{
	EventCommunication:    {"channel", "direction", "summary"},
	EventProposalChange:   {"proposal_id", "action"},
	EventStageMove:        {"to_stage"},
	EventTicketUpdate:     {"ticket_id", "status"},
	EventCalendarActivity: {"kind", "title"},
	EventCampaignTouch:    {"campaign_id"},
}

// ValidateEvent checks that an event is well-formed before it is stored.
// Returns an error wrapping ErrValidation on any violation.
func ValidateEvent(e Event) error {
	if e.ClientID == "" {
		return fmt.Errorf("%w: client_id is required", ErrValidation)
	}
	required, ok := requiredPayloadFields[e.EventType]
	if !ok {
		return fmt.Errorf("%w: unknown event_type %q", ErrValidation, e.EventType)
	}
	for _, field := range required {
		v, present := e.Payload[field]
		if !present {
			return fmt.Errorf("%w: %s payload missing required field %q", ErrValidation, e.EventType, field)
		}
		if s, isStr := v.(string); isStr && s == "" {
			return fmt.Errorf("%w: %s payload field %q is empty", ErrValidation, e.EventType, field)
		}
	}
	return nil
}

// PayloadString returns a string payload field, or "" when absent or not a string.
func (e Event) PayloadString(field string) string {
	s, _ := e.Payload[field].(string)
	return s
}

// PayloadNumber returns a numeric payload field. JSON decoding produces
// float64; integers stored directly are converted.
func (e Event) PayloadNumber(field string) (float64, bool) {
	switch v := e.Payload[field].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}
