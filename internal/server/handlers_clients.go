package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/pulseworks/pulse/internal/adapter"
	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
)

// HandleGetClientContext handles GET /v1/clients/{client_id}/context: returns
// the point-in-time aggregated view, cached with a TTL.
func (h *Handlers) HandleGetClientContext(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is required")
		return
	}

	// A zero asOf is the current (cacheable) view; an explicit as_of is a
	// point-in-time request and always builds fresh.
	var asOf time.Time
	if raw := r.URL.Query().Get("as_of"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "as_of must be RFC 3339")
			return
		}
		asOf = t.UTC()
	}

	cx, err := h.contexts.Build(r.Context(), clientID, asOf)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown client "+clientID)
			return
		}
		h.logger.Error("build client context", "client_id", clientID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to build context")
		return
	}
	writeJSON(w, r, http.StatusOK, cx)
}

// HandleAssistant handles POST /v1/clients/{client_id}/assistant: grounds the
// question in the client's context and returns the model's reply.
func (h *Handlers) HandleAssistant(w http.ResponseWriter, r *http.Request) {
	clientID := r.PathValue("client_id")
	if clientID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is required")
		return
	}

	var req model.AssistantRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "message is required")
		return
	}

	reply, err := h.gateway.Answer(r.Context(), clientID, req.Message)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown client "+clientID)
		case errors.Is(err, adapter.ErrUpstream):
			writeError(w, r, http.StatusBadGateway, model.ErrCodeUpstream, "language model unavailable")
		default:
			h.logger.Error("assistant exchange", "client_id", clientID, "error", err)
			writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "assistant request failed")
		}
		return
	}
	writeJSON(w, r, http.StatusOK, reply)
}
