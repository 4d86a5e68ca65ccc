package model

import (
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error with enough structure for the caller to
// render a message without leaking internal state.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_UNAVAILABLE"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// AuthTokenRequest is the request body for POST /auth/token.
type AuthTokenRequest struct {
	KeyID  uuid.UUID `json:"key_id"`
	APIKey string    `json:"api_key"`
}

// AuthTokenResponse is the response body for POST /auth/token.
type AuthTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AppendEventRequest is the request body for POST /v1/events.
type AppendEventRequest struct {
	ClientID   string         `json:"client_id"`
	EventType  EventType      `json:"event_type"`
	Payload    map[string]any `json:"payload"`
	OccurredAt *time.Time     `json:"occurred_at,omitempty"` // defaults to now
	Source     string         `json:"source,omitempty"`
	Supersedes *uuid.UUID     `json:"supersedes,omitempty"`
}

// EventPage is a cursor page of events; Cursor restarts the read.
type EventPage struct {
	Events []Event `json:"events"`
	Cursor int64   `json:"cursor"`
}

// CreateAutomationRequest is the request body for POST /v1/automations.
type CreateAutomationRequest struct {
	Name     string         `json:"name"`
	Trigger  TriggerSpec    `json:"trigger"`
	Steps    []WorkflowStep `json:"steps"`
	Enabled  *bool          `json:"enabled,omitempty"` // defaults to true
	ClientID string         `json:"client_id,omitempty"`
}

// UpdateAutomationRequest is the request body for PATCH /v1/automations/{id}.
// Nil fields are left unchanged.
type UpdateAutomationRequest struct {
	Name    *string         `json:"name,omitempty"`
	Trigger *TriggerSpec    `json:"trigger,omitempty"`
	Steps   *[]WorkflowStep `json:"steps,omitempty"`
	Enabled *bool           `json:"enabled,omitempty"`
}

// AssistantRequest is the request body for POST /v1/clients/{id}/assistant.
type AssistantRequest struct {
	Message string `json:"message"`
}

// AssistantReply is the response body for the assistant endpoint.
type AssistantReply struct {
	ClientID  string    `json:"client_id"`
	Message   string    `json:"message"`
	Reply     string    `json:"reply"`
	Model     string    `json:"model,omitempty"`
	ContextAt time.Time `json:"context_at"`
}

// WebhookFireRequest is the request body for POST /v1/webhooks/{source}.
// The adapter supplies the triggering key; the evaluator applies the same
// uniqueness rule as every other trigger kind.
type WebhookFireRequest struct {
	ClientID      string `json:"client_id"`
	TriggeringKey string `json:"triggering_key"`
}
