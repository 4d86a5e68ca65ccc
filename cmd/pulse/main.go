package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/pulseworks/pulse/internal/adapter"
	"github.com/pulseworks/pulse/internal/assistant"
	"github.com/pulseworks/pulse/internal/auth"
	"github.com/pulseworks/pulse/internal/config"
	"github.com/pulseworks/pulse/internal/contextbuilder"
	"github.com/pulseworks/pulse/internal/ratelimit"
	"github.com/pulseworks/pulse/internal/server"
	"github.com/pulseworks/pulse/internal/storage"
	"github.com/pulseworks/pulse/internal/telemetry"
	"github.com/pulseworks/pulse/internal/trigger"
	"github.com/pulseworks/pulse/internal/workflow"
	"github.com/pulseworks/pulse/migrations"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	os.Exit(run0())
}

func run0() int {
	level := slog.LevelInfo
	if os.Getenv("PULSE_LOG_LEVEL") == "debug" {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, logger); err != nil {
		slog.Error("fatal error", "error", err)
		return 1
	}
	return 0
}

func run(ctx context.Context, logger *slog.Logger) error {
	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	slog.Info("pulse starting", "version", version, "port", cfg.Port)

	otelShutdown, err := telemetry.Init(ctx, cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	db, err := storage.New(ctx, cfg.DatabaseURL, logger)
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer db.Close()

	// RunMigrations tracks applied files in schema_migrations and skips
	// duplicates, so errors here indicate real failures.
	if err := db.RunMigrations(ctx, migrations.FS); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	jwtMgr, err := auth.NewJWTManager(cfg.JWTPrivateKeyPath, cfg.JWTPublicKeyPath, cfg.JWTExpiration)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}

	if err := seedBootstrapKey(ctx, db, cfg.BootstrapAPIKey, logger); err != nil {
		return fmt.Errorf("bootstrap key: %w", err)
	}

	// Context builder with TTL cache; contexts are disposable and always
	// reproducible from the event log.
	builder := contextbuilder.NewBuilder(db, cfg.ContextLookback)
	contexts := contextbuilder.NewCachedBuilder(builder, cfg.ContextCacheTTL)
	defer contexts.Close()

	generator, scorer := newLLMAdapters(cfg, logger)

	gateway := assistant.NewGateway(contexts, db, generator, logger, cfg.OllamaModel, cfg.MaxPromptBytes)

	evaluator := trigger.New(db, contexts, scorer, logger, cfg.TickInterval, cfg.ClientHorizon)
	go evaluator.Run(ctx)

	// Workflow executor and polling worker.
	adapters := newStepAdapters(cfg, logger)
	executor := workflow.NewExecutor(db, contexts, adapters, logger,
		cfg.StepTimeout, cfg.StepMaxAttempts, cfg.StepBackoffBase, cfg.StepBackoffMax)
	worker := workflow.NewWorker(db, executor, logger, cfg.WorkerPollInterval, cfg.WorkerConcurrency)
	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		worker.Run(ctx)
	}()

	var limiter ratelimit.Limiter = ratelimit.NoopLimiter{}
	if cfg.RateLimitEnabled {
		memLimiter := ratelimit.NewMemoryLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
		defer func() { _ = memLimiter.Close() }()
		limiter = memLimiter
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.RateLimitRPS, "burst", cfg.RateLimitBurst)
	} else {
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Handlers: server.NewHandlers(server.HandlersDeps{
			DB:                  db,
			JWTMgr:              jwtMgr,
			Contexts:            contexts,
			Evaluator:           evaluator,
			Gateway:             gateway,
			Logger:              logger,
			Version:             version,
			MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		}),
		Logger:       logger,
		Limiter:      limiter,
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	// Graceful shutdown: stop accepting HTTP requests first (in-flight appends
	// may still create runs), then wait for the worker to finish claimed runs.
	slog.Info("pulse shutting down")

	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := srv.Shutdown(httpCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}
	httpCancel()

	select {
	case <-workerDone:
	case <-time.After(30 * time.Second):
		slog.Warn("worker did not drain in time")
	}

	slog.Info("pulse stopped")
	return nil
}

// seedBootstrapKey creates a named API key from PULSE_BOOTSTRAP_API_KEY if it
// doesn't exist yet. Idempotent across restarts; the key ID needed for
// /auth/token is logged once on creation.
func seedBootstrapKey(ctx context.Context, db *storage.DB, plaintext string, logger *slog.Logger) error {
	if plaintext == "" {
		return nil
	}
	if existing, err := db.GetAPIKeyByName(ctx, "bootstrap"); err == nil {
		logger.Info("bootstrap key present", "key_id", existing.KeyID)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := auth.HashAPIKey(plaintext)
	if err != nil {
		return err
	}
	key, err := db.CreateAPIKey(ctx, "bootstrap", hash)
	if err != nil {
		return err
	}
	logger.Info("bootstrap key created", "key_id", key.KeyID)
	return nil
}

// newLLMAdapters selects the assistant generator and score adapter.
// Ollama is preferred for production: client data stays on-premises.
func newLLMAdapters(cfg config.Config, logger *slog.Logger) (assistant.Generator, adapter.Scorer) {
	switch cfg.LLMProvider {
	case "ollama":
		logger.Info("llm provider: ollama", "url", cfg.OllamaURL, "model", cfg.OllamaModel)
		return assistant.NewOllamaGenerator(cfg.OllamaURL, cfg.OllamaModel, cfg.LLMTimeout), adapter.NoopScorer{}
	default:
		logger.Warn("llm provider: noop (assistant and score triggers disabled)")
		return noopGenerator{}, adapter.NoopScorer{}
	}
}

// newStepAdapters wires the workflow step collaborators. Targets for
// call_adapter steps come from PULSE_ADAPTER_<NAME>=<url> environment
// variables; communication and calendar delivery default to log adapters
// until a real channel integration is configured.
func newStepAdapters(cfg config.Config, logger *slog.Logger) workflow.Adapters {
	log := adapter.NewLogAdapters(logger)
	return workflow.Adapters{
		Sender:    log,
		Scheduler: log,
		Caller:    adapter.NewHTTPCaller(adapterTargetsFromEnv(), cfg.StepTimeout),
	}
}

func adapterTargetsFromEnv() map[string]string {
	const prefix = "PULSE_ADAPTER_"
	targets := make(map[string]string)
	for _, kv := range os.Environ() {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(k, prefix) || v == "" {
			continue
		}
		name := strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(k, prefix)), "_", "-")
		targets[name] = v
	}
	return targets
}

// noopGenerator fails every generation with a clear upstream error.
type noopGenerator struct{}

func (noopGenerator) Generate(context.Context, string, string) (string, error) {
	return "", fmt.Errorf("%w: no language model configured", adapter.ErrUpstream)
}
