package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
)

// HandleCreateAutomation handles POST /v1/automations.
func (h *Handlers) HandleCreateAutomation(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAutomationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	def := model.AutomationDefinition{
		Name:     req.Name,
		Trigger:  req.Trigger,
		Steps:    req.Steps,
		Enabled:  true,
		ClientID: req.ClientID,
	}
	if req.Enabled != nil {
		def.Enabled = *req.Enabled
	}
	if err := def.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	created, err := h.db.CreateAutomation(r.Context(), def)
	if err != nil {
		h.logger.Error("create automation", "name", req.Name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to create automation")
		return
	}
	writeJSON(w, r, http.StatusCreated, created)
}

// HandleGetAutomation handles GET /v1/automations/{automation_id}.
func (h *Handlers) HandleGetAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}
	def, err := h.db.GetAutomation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown automation")
			return
		}
		h.logger.Error("get automation", "automation_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load automation")
		return
	}
	writeJSON(w, r, http.StatusOK, def)
}

// HandleListAutomations handles GET /v1/automations.
func (h *Handlers) HandleListAutomations(w http.ResponseWriter, r *http.Request) {
	defs, err := h.db.ListAutomations(r.Context())
	if err != nil {
		h.logger.Error("list automations", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list automations")
		return
	}
	writeJSON(w, r, http.StatusOK, defs)
}

// HandleUpdateAutomation handles PATCH /v1/automations/{automation_id}.
// Disabling an automation also marks its still-pending runs skipped; a run
// already claimed by a worker finishes its current step first.
func (h *Handlers) HandleUpdateAutomation(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}

	var req model.UpdateAutomationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	def, err := h.db.GetAutomation(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown automation")
			return
		}
		h.logger.Error("get automation", "automation_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load automation")
		return
	}

	if req.Name != nil {
		def.Name = *req.Name
	}
	if req.Trigger != nil {
		def.Trigger = *req.Trigger
	}
	if req.Steps != nil {
		def.Steps = *req.Steps
	}
	disabling := false
	if req.Enabled != nil {
		disabling = def.Enabled && !*req.Enabled
		def.Enabled = *req.Enabled
	}
	if err := def.Validate(); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if err := h.db.UpdateAutomation(r.Context(), def); err != nil {
		h.logger.Error("update automation", "automation_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to update automation")
		return
	}

	if disabling {
		skipped, err := h.db.SkipPendingRuns(r.Context(), id)
		if err != nil {
			h.logger.Error("skip pending runs", "automation_id", id, "error", err)
		} else if skipped > 0 {
			h.logger.Info("pending runs skipped on disable", "automation_id", id, "count", skipped)
		}
	}

	updated, err := h.db.GetAutomation(r.Context(), id)
	if err != nil {
		writeJSON(w, r, http.StatusOK, def)
		return
	}
	writeJSON(w, r, http.StatusOK, updated)
}

// HandleListRuns handles GET /v1/automations/{automation_id}/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	id, ok := automationID(w, r)
	if !ok {
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 500 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 500")
			return
		}
		limit = n
	}

	runs, err := h.db.ListRunsByAutomation(r.Context(), id, limit)
	if err != nil {
		h.logger.Error("list runs", "automation_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to list runs")
		return
	}
	writeJSON(w, r, http.StatusOK, runs)
}

// HandleGetRun handles GET /v1/runs/{run_id}: the run plus its step results.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
		return
	}

	run, err := h.db.GetRun(r.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown run")
			return
		}
		h.logger.Error("get run", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load run")
		return
	}
	steps, err := h.db.ListStepResults(r.Context(), id)
	if err != nil {
		h.logger.Error("list step results", "run_id", id, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to load step results")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"run": run, "steps": steps})
}

func automationID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("automation_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "automation_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}
