package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/pulseworks/pulse/internal/assistant"
	"github.com/pulseworks/pulse/internal/auth"
	"github.com/pulseworks/pulse/internal/contextbuilder"
	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
	"github.com/pulseworks/pulse/internal/trigger"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	jwtMgr              *auth.JWTManager
	contexts            *contextbuilder.CachedBuilder
	evaluator           *trigger.Evaluator
	gateway             *assistant.Gateway
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
}

// HandlersDeps holds all dependencies for constructing Handlers.
type HandlersDeps struct {
	DB                  *storage.DB
	JWTMgr              *auth.JWTManager
	Contexts            *contextbuilder.CachedBuilder
	Evaluator           *trigger.Evaluator
	Gateway             *assistant.Gateway
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		jwtMgr:              d.JWTMgr,
		contexts:            d.Contexts,
		evaluator:           d.Evaluator,
		gateway:             d.Gateway,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
	}
}

// HandleAuthToken handles POST /auth/token: exchanges an API key for a
// short-lived JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	key, err := h.db.GetAPIKey(r.Context(), req.KeyID)
	if err != nil {
		// Constant-time-ish behavior for unknown key IDs.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyAPIKey(req.APIKey, key.KeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(key.KeyID, key.Name)
	if err != nil {
		h.logger.Error("issue token", "key_id", key.KeyID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	dbStatus := "ok"
	if err := h.db.Ping(r.Context()); err != nil {
		status = http.StatusServiceUnavailable
		dbStatus = "unreachable"
	}
	writeJSON(w, r, status, map[string]any{
		"status":         dbStatus,
		"version":        h.version,
		"uptime_seconds": int(time.Since(h.startedAt).Seconds()),
	})
}
