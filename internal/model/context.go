// Package model defines the core domain types for Pulse.
//
// Types correspond directly to database tables and event payloads. Strong
// typing (UUIDs, time.Time, enums) is used throughout; interface{} is limited
// to JSONB payload maps.
package model

import "time"

// MaxRecentCommunications caps the recent-communication window in a built
// context. Older entries fall off; the event log retains everything.
const MaxRecentCommunications = 20

// ClientContext is a derived, point-in-time view over a client's events and
// current entity state. It is disposable: never persisted as source of truth,
// only cached with a TTL, and always reproducible by replaying the event log.
type ClientContext struct {
	ClientID             string             `json:"client_id"`
	AsOf                 time.Time          `json:"as_of"`
	ClientName           string             `json:"client_name,omitempty"`
	CurrentStage         string             `json:"current_stage,omitempty"`
	OpenTickets          []TicketRef        `json:"open_tickets"`
	ActiveProposals      []ProposalRef      `json:"active_proposals"`
	RecentCommunications []CommunicationRef `json:"recent_communications"`
	CampaignExposure     map[string]int     `json:"campaign_exposure"`
	UpcomingActivities   []ActivityRef      `json:"upcoming_activities"`
	Metrics              ContextMetrics     `json:"metrics"`
}

// TicketRef is an open support ticket as seen by the context fold.
type TicketRef struct {
	TicketID  string    `json:"ticket_id"`
	Status    string    `json:"status"`
	Subject   string    `json:"subject,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProposalRef is a proposal still in play (not accepted, rejected or withdrawn).
type ProposalRef struct {
	ProposalID string    `json:"proposal_id"`
	Title      string    `json:"title,omitempty"`
	Amount     float64   `json:"amount,omitempty"`
	LastAction string    `json:"last_action"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// CommunicationRef is one entry in the bounded recent-communications window.
type CommunicationRef struct {
	Channel    string    `json:"channel"`
	Direction  string    `json:"direction"`
	Summary    string    `json:"summary"`
	OccurredAt time.Time `json:"occurred_at"`
}

// ActivityRef is a calendar activity scheduled at or after the context's AsOf.
type ActivityRef struct {
	Kind         string    `json:"kind"`
	Title        string    `json:"title"`
	ScheduledFor time.Time `json:"scheduled_for"`
}

// ContextMetrics are cheap aggregates derived during the fold.
type ContextMetrics struct {
	DaysSinceLastContact int       `json:"days_since_last_contact"` // -1 when no communication exists
	EventCount           int       `json:"event_count"`
	LastEventAt          time.Time `json:"last_event_at"`
	PipelineValue        float64   `json:"pipeline_value"` // sum of active proposal amounts
}

// ClientSnapshot is the current mutable entity state for a client, maintained
// by the CRUD surface and the mutate-entity workflow step.
type ClientSnapshot struct {
	ClientID   string         `json:"client_id"`
	Name       string         `json:"name"`
	Stage      string         `json:"stage,omitempty"`
	Attributes map[string]any `json:"attributes"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// ChatRole identifies which side of an assistant exchange a log entry records.
type ChatRole string

const (
	ChatRoleUser      ChatRole = "user"
	ChatRoleAssistant ChatRole = "assistant"
)

// ChatEntry is one logged assistant exchange message, kept for future scoring.
type ChatEntry struct {
	ID        int64     `json:"id"`
	ClientID  string    `json:"client_id"`
	Role      ChatRole  `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}
