package server

import (
	"net/http"
	"strings"

	"github.com/pulseworks/pulse/internal/model"
)

// HandleWebhook handles POST /v1/webhooks/{source}: fires webhook-kind
// triggers registered for the source. The caller supplies the triggering key,
// so a retried delivery with the same key is deduplicated exactly like every
// other trigger kind.
func (h *Handlers) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	source := r.PathValue("source")
	if source == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "source is required")
		return
	}

	var req model.WebhookFireRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if req.ClientID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "client_id is required")
		return
	}
	if strings.TrimSpace(req.TriggeringKey) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "triggering_key is required")
		return
	}

	fired, err := h.evaluator.FireWebhook(r.Context(), source, req.ClientID, req.TriggeringKey)
	if err != nil {
		h.logger.Error("fire webhook", "source", source, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to fire webhook")
		return
	}
	writeJSON(w, r, http.StatusAccepted, map[string]any{"source": source, "fired": fired})
}
