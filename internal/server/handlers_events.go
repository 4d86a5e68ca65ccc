package server

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/pulseworks/pulse/internal/model"
)

const (
	defaultEventPageSize = 100
	maxEventPageSize     = 1000
)

// HandleAppendEvent handles POST /v1/events: validates and appends one event,
// then kicks the event-driven trigger pass. The pass runs detached from the
// request so append latency never includes context builds; the uniqueness
// constraint makes a lost pass recoverable by the next tick.
func (h *Handlers) HandleAppendEvent(w http.ResponseWriter, r *http.Request) {
	var req model.AppendEventRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	occurredAt := time.Now().UTC()
	if req.OccurredAt != nil {
		occurredAt = req.OccurredAt.UTC()
	}
	e := model.Event{
		ClientID:   req.ClientID,
		EventType:  req.EventType,
		Payload:    req.Payload,
		OccurredAt: occurredAt,
		Source:     req.Source,
		Supersedes: req.Supersedes,
	}

	stored, err := h.db.AppendEvent(r.Context(), e)
	if err != nil {
		if errors.Is(err, model.ErrValidation) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("append event", "client_id", req.ClientID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to append event")
		return
	}

	h.contexts.Invalidate(stored.ClientID)

	go func(e model.Event) {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), 30*time.Second)
		defer cancel()
		if err := h.evaluator.OnEvent(ctx, e); err != nil {
			h.logger.Error("event-driven trigger pass", "event_id", e.ID, "error", err)
		}
	}(stored)

	writeJSON(w, r, http.StatusCreated, stored)
}

// HandleListClientEvents handles GET /v1/clients/{client_id}/events with a
// sequence-number cursor.
func (h *Handlers) HandleListClientEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is required")
		return
	}

	sinceSeq := int64(0)
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "cursor must be a non-negative integer")
			return
		}
		sinceSeq = n
	}
	limit := defaultEventPageSize
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxEventPageSize {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"limit must be between 1 and "+strconv.Itoa(maxEventPageSize))
			return
		}
		limit = n
	}

	events, err := h.db.ReadEventsSince(r.Context(), clientID, sinceSeq, limit)
	if err != nil {
		h.logger.Error("list client events", "client_id", clientID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to read events")
		return
	}

	cursor := sinceSeq
	if len(events) > 0 {
		cursor = events[len(events)-1].Seq
	}
	writeJSON(w, r, http.StatusOK, model.EventPage{Events: events, Cursor: cursor})
}
