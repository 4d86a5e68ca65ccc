package trigger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/pulseworks/pulse/internal/adapter"
	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
	"github.com/pulseworks/pulse/internal/telemetry"
)

// Store is the storage surface the evaluator needs. *storage.DB satisfies it;
// tests use in-memory fakes.
type Store interface {
	ActiveDefinitions(ctx context.Context) ([]model.AutomationDefinition, error)
	CreateRun(ctx context.Context, automationID uuid.UUID, clientID, triggeringKey string) (model.AutomationRun, error)
	RecordConditionResult(ctx context.Context, automationID uuid.UUID, clientID string, result bool) (claimed bool, transitionSeq int64, err error)
	ListActiveClientIDs(ctx context.Context, since time.Time) ([]string, error)
	TouchAutomationEvaluated(ctx context.Context, id uuid.UUID, at time.Time) error
}

// ContextSource builds client contexts for condition and score evaluation.
// A zero asOf means the current view, which implementations may cache.
type ContextSource interface {
	Build(ctx context.Context, clientID string, asOf time.Time) (model.ClientContext, error)
}

// Evaluator decides which automations fire. It never coordinates through
// locks: the run-key uniqueness constraint in storage is the only
// deduplication mechanism, so any number of evaluator instances may run
// event-driven and tick-driven passes concurrently.
type Evaluator struct {
	store         Store
	contexts      ContextSource
	scorer        adapter.Scorer
	logger        *slog.Logger
	tickInterval  time.Duration
	clientHorizon time.Duration

	runsCreated metric.Int64Counter
	dedupSkips  metric.Int64Counter
}

// New creates an Evaluator.
func New(store Store, contexts ContextSource, scorer adapter.Scorer, logger *slog.Logger, tickInterval, clientHorizon time.Duration) *Evaluator {
	meter := telemetry.Meter("pulse/trigger")
	created, _ := meter.Int64Counter("pulse.trigger.runs_created",
		metric.WithDescription("Automation runs created by the evaluator"))
	skipped, _ := meter.Int64Counter("pulse.trigger.dedup_skips",
		metric.WithDescription("Firing attempts rejected by the run-key uniqueness constraint"))
	return &Evaluator{
		store:         store,
		contexts:      contexts,
		scorer:        scorer,
		logger:        logger,
		tickInterval:  tickInterval,
		clientHorizon: clientHorizon,
		runsCreated:   created,
		dedupSkips:    skipped,
	}
}

// Run drives the tick-driven pass until ctx is canceled.
func (ev *Evaluator) Run(ctx context.Context) {
	ticker := time.NewTicker(ev.tickInterval)
	defer ticker.Stop()

	ev.logger.Info("trigger evaluator started", "tick_interval", ev.tickInterval)
	for {
		select {
		case <-ctx.Done():
			ev.logger.Info("trigger evaluator stopping", "reason", ctx.Err())
			return
		case now := <-ticker.C:
			if err := ev.Tick(ctx, now.UTC()); err != nil {
				ev.logger.Error("tick pass failed", "error", err)
			}
		}
	}
}

// OnEvent runs the event-driven pass for one freshly appended event: only
// event-pattern triggers for this event's type and condition triggers whose
// field the event can affect are evaluated, so unrelated automations are
// never rescanned.
func (ev *Evaluator) OnEvent(ctx context.Context, e model.Event) error {
	defs, err := ev.store.ActiveDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load definitions: %w", err)
	}

	// Built at most once per event, shared across condition triggers.
	var (
		built    bool
		clientCx model.ClientContext
	)
	buildContext := func() (model.ClientContext, error) {
		if !built {
			cx, err := ev.contexts.Build(ctx, e.ClientID, time.Time{})
			if err != nil {
				return model.ClientContext{}, err
			}
			clientCx, built = cx, true
		}
		return clientCx, nil
	}

	for _, def := range defs {
		if def.ClientID != "" && def.ClientID != e.ClientID {
			continue
		}
		switch def.Trigger.Kind {
		case model.TriggerEvent:
			if def.Trigger.EventType != e.EventType {
				continue
			}
			if def.Trigger.Predicate != nil {
				matched := EvalPredicate(*def.Trigger.Predicate, func(path string) (any, bool) {
					return ResolveEventField(e, path)
				})
				if !matched {
					continue
				}
			}
			ev.fire(ctx, def, e.ClientID, "evt:"+e.ID.String())

		case model.TriggerCondition:
			if !conditionTouches(*def.Trigger.Condition, e.EventType) {
				continue
			}
			cx, err := buildContext()
			if err != nil {
				ev.logger.Error("build context for condition", "client_id", e.ClientID, "error", err)
				continue
			}
			ev.checkCondition(ctx, def, cx)
		}
	}
	return nil
}

// Tick runs the tick-driven pass: due time schedules, plus condition and
// score re-checks against current aggregated state (covers conditions that
// become true without a discrete event, e.g. "no contact in 30 days").
func (ev *Evaluator) Tick(ctx context.Context, now time.Time) error {
	defs, err := ev.store.ActiveDefinitions(ctx)
	if err != nil {
		return fmt.Errorf("trigger: load definitions: %w", err)
	}
	if len(defs) == 0 {
		return nil
	}

	var activeClients []string
	clientsLoaded := false
	loadClients := func() ([]string, error) {
		if !clientsLoaded {
			ids, err := ev.store.ListActiveClientIDs(ctx, now.Add(-ev.clientHorizon))
			if err != nil {
				return nil, err
			}
			activeClients, clientsLoaded = ids, true
		}
		return activeClients, nil
	}

	// One context build per client per pass, shared across definitions.
	contexts := make(map[string]model.ClientContext)
	buildContext := func(clientID string) (model.ClientContext, error) {
		if cx, ok := contexts[clientID]; ok {
			return cx, nil
		}
		cx, err := ev.contexts.Build(ctx, clientID, time.Time{})
		if err != nil {
			return model.ClientContext{}, err
		}
		contexts[clientID] = cx
		return cx, nil
	}

	for _, def := range defs {
		switch def.Trigger.Kind {
		case model.TriggerTime:
			ev.tickTime(ctx, def, now, loadClients)
		case model.TriggerCondition, model.TriggerScore:
			clients := []string{def.ClientID}
			if def.ClientID == "" {
				all, err := loadClients()
				if err != nil {
					ev.logger.Error("list active clients", "error", err)
					continue
				}
				clients = all
			}
			for _, clientID := range clients {
				cx, err := buildContext(clientID)
				if err != nil {
					if errors.Is(err, storage.ErrNotFound) {
						continue
					}
					ev.logger.Error("build context for tick", "client_id", clientID, "error", err)
					continue
				}
				if def.Trigger.Kind == model.TriggerScore {
					ev.checkScore(ctx, def, cx)
				} else {
					ev.checkCondition(ctx, def, cx)
				}
			}
		}
		if err := ev.store.TouchAutomationEvaluated(ctx, def.ID, now); err != nil {
			ev.logger.Warn("touch automation", "automation_id", def.ID, "error", err)
		}
	}
	return nil
}

// FireWebhook handles a webhook trigger: the external adapter supplies a
// pre-formed triggering key and the same deduplication rule applies.
func (ev *Evaluator) FireWebhook(ctx context.Context, sourceID, clientID, key string) (int, error) {
	defs, err := ev.store.ActiveDefinitions(ctx)
	if err != nil {
		return 0, fmt.Errorf("trigger: load definitions: %w", err)
	}
	fired := 0
	for _, def := range defs {
		if def.Trigger.Kind != model.TriggerWebhook || def.Trigger.SourceID != sourceID {
			continue
		}
		if def.ClientID != "" && def.ClientID != clientID {
			continue
		}
		if ev.fire(ctx, def, clientID, fmt.Sprintf("hook:%s:%s", sourceID, key)) {
			fired++
		}
	}
	return fired, nil
}

// tickTime fires a time trigger for its scheduled occurrence. The key embeds
// the deterministic occurrence time, so every instance attempting this tick
// races on the same run key and the constraint keeps exactly one.
func (ev *Evaluator) tickTime(ctx context.Context, def model.AutomationDefinition, now time.Time, loadClients func() ([]string, error)) {
	sched, err := ParseSchedule(def.Trigger.Schedule)
	if err != nil {
		ev.logger.Warn("unparseable schedule", "automation_id", def.ID, "schedule", def.Trigger.Schedule)
		return
	}
	occ := sched.Occurrence(now)
	// UpdatedAt moves on create and on every enable toggle: an occurrence
	// that passed before the definition was (re-)enabled never fires.
	if occ.Before(def.UpdatedAt) {
		return
	}

	clients := []string{def.ClientID}
	if def.ClientID == "" {
		all, err := loadClients()
		if err != nil {
			ev.logger.Error("list active clients", "error", err)
			return
		}
		clients = all
	}
	for _, clientID := range clients {
		key := fmt.Sprintf("tick:%s:%s", clientID, occ.Format(time.RFC3339))
		ev.fire(ctx, def, clientID, key)
	}
}

// checkCondition evaluates a condition against a built context and fires only
// on a claimed false→true transition: a condition that stays true across many
// ticks fires once, not once per tick.
func (ev *Evaluator) checkCondition(ctx context.Context, def model.AutomationDefinition, cx model.ClientContext) {
	result := EvalCondition(*def.Trigger.Condition, func(path string) (any, bool) {
		return ResolveContextField(cx, path)
	})
	ev.fireOnTransition(ctx, def, cx.ClientID, result, "cond")
}

// checkScore asks the scoring adapter for the client's score and applies the
// same transition semantics as conditions.
func (ev *Evaluator) checkScore(ctx context.Context, def model.AutomationDefinition, cx model.ClientContext) {
	score, err := ev.scorer.Score(ctx, def.Trigger.ModelName, cx)
	if err != nil {
		ev.logger.Warn("score adapter failed",
			"automation_id", def.ID, "client_id", cx.ClientID, "error", err)
		return
	}
	ev.fireOnTransition(ctx, def, cx.ClientID, score >= def.Trigger.Threshold, "score")
}

func (ev *Evaluator) fireOnTransition(ctx context.Context, def model.AutomationDefinition, clientID string, result bool, keyPrefix string) {
	claimed, seq, err := ev.store.RecordConditionResult(ctx, def.ID, clientID, result)
	if err != nil {
		ev.logger.Error("record condition result",
			"automation_id", def.ID, "client_id", clientID, "error", err)
		return
	}
	if !claimed {
		return
	}
	ev.fire(ctx, def, clientID, fmt.Sprintf("%s:%s:%d", keyPrefix, clientID, seq))
}

// fire attempts to create the run for (definition, key). A duplicate key
// means the trigger was already handled — success by dedup, logged at debug.
func (ev *Evaluator) fire(ctx context.Context, def model.AutomationDefinition, clientID, key string) bool {
	run, err := ev.store.CreateRun(ctx, def.ID, clientID, key)
	if err != nil {
		if errors.Is(err, storage.ErrDuplicateRun) {
			ev.dedupSkips.Add(ctx, 1)
			ev.logger.Debug("trigger already handled",
				"automation_id", def.ID, "triggering_key", key)
			return false
		}
		ev.logger.Error("create run",
			"automation_id", def.ID, "triggering_key", key, "error", err)
		return false
	}
	ev.runsCreated.Add(ctx, 1)
	ev.logger.Info("automation fired",
		"automation_id", def.ID, "automation", def.Name,
		"client_id", clientID, "run_id", run.ID, "triggering_key", key)
	return true
}
