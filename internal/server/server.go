package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/ratelimit"
)

// Server is the Pulse HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
type ServerConfig struct {
	Handlers *Handlers
	Logger   *slog.Logger
	Limiter  ratelimit.Limiter // nil disables rate limiting

	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	h := cfg.Handlers

	limiter := cfg.Limiter
	if limiter == nil {
		limiter = ratelimit.NoopLimiter{}
	}
	onLimited := func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "too many requests")
	}
	// Credential guessing and external deliveries are limited by IP; ingest
	// is limited per API key.
	authRL := ratelimit.Middleware(limiter, "auth", ratelimit.IPKeyFunc, onLimited)
	hookRL := ratelimit.Middleware(limiter, "hook", ratelimit.IPKeyFunc, onLimited)
	ingestRL := ratelimit.Middleware(limiter, "ingest", keyIDKeyFunc, onLimited)

	mux := http.NewServeMux()

	// Auth endpoint (no auth required).
	mux.Handle("POST /auth/token", authRL(http.HandlerFunc(h.HandleAuthToken)))

	// Event log.
	mux.Handle("POST /v1/events", ingestRL(http.HandlerFunc(h.HandleAppendEvent)))
	mux.HandleFunc("GET /v1/clients/{client_id}/events", h.HandleListClientEvents)

	// Context and assistant.
	mux.HandleFunc("GET /v1/clients/{client_id}/context", h.HandleGetClientContext)
	mux.HandleFunc("POST /v1/clients/{client_id}/assistant", h.HandleAssistant)

	// Automations and runs.
	mux.HandleFunc("POST /v1/automations", h.HandleCreateAutomation)
	mux.HandleFunc("GET /v1/automations", h.HandleListAutomations)
	mux.HandleFunc("GET /v1/automations/{automation_id}", h.HandleGetAutomation)
	mux.HandleFunc("PATCH /v1/automations/{automation_id}", h.HandleUpdateAutomation)
	mux.HandleFunc("GET /v1/automations/{automation_id}/runs", h.HandleListRuns)
	mux.HandleFunc("GET /v1/runs/{run_id}", h.HandleGetRun)

	// External trigger intake.
	mux.Handle("POST /v1/webhooks/{source}", hookRL(http.HandlerFunc(h.HandleWebhook)))

	// Health (no auth).
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → security headers → tracing → logging → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = authMiddleware(h.jwtMgr, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = tracingMiddleware(handler)
	handler = securityHeadersMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// keyIDKeyFunc rate-limits authenticated routes per API key, falling back to
// the client IP when no claims are present.
func keyIDKeyFunc(r *http.Request) string {
	if claims := ClaimsFromContext(r.Context()); claims != nil {
		return claims.KeyID.String()
	}
	return ratelimit.IPKeyFunc(r)
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
