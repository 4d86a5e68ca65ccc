// Package workflow executes automation runs: ordered steps with per-step
// idempotency keys, bounded retries on transient adapter failures, and
// resumption from recorded step results after a crash.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/pulseworks/pulse/internal/adapter"
	"github.com/pulseworks/pulse/internal/model"
	"github.com/pulseworks/pulse/internal/storage"
	"github.com/pulseworks/pulse/internal/telemetry"
)

// RunStore is the storage surface the executor needs.
type RunStore interface {
	GetAutomation(ctx context.Context, id uuid.UUID) (model.AutomationDefinition, error)
	CompleteRun(ctx context.Context, id uuid.UUID, status model.RunStatus) error
	InsertStepResult(ctx context.Context, res model.StepResult) error
	ListStepResults(ctx context.Context, runID uuid.UUID) ([]model.StepResult, error)
	MutateSnapshotFields(ctx context.Context, clientID string, fields map[string]any, expect map[string]any) error
	AppendEvent(ctx context.Context, e model.Event) (model.Event, error)
}

// ContextSource builds the client context steps interpolate from.
// A zero asOf means the current view, which implementations may cache.
type ContextSource interface {
	Build(ctx context.Context, clientID string, asOf time.Time) (model.ClientContext, error)
}

// Adapters bundles the external collaborators steps call out to.
type Adapters struct {
	Sender    adapter.CommunicationSender
	Scheduler adapter.FollowUpScheduler
	Caller    adapter.Caller
}

// Executor runs one claimed automation run to completion. Steps execute in
// definition order; each step is attempted up to MaxAttempts times with
// full-jitter backoff on transient failures, and a failed step halts the run
// with the remaining steps unexecuted.
type Executor struct {
	store    RunStore
	contexts ContextSource
	adapters Adapters
	logger   *slog.Logger

	stepTimeout time.Duration
	maxAttempts int
	backoffBase time.Duration
	backoffMax  time.Duration

	runsCompleted metric.Int64Counter
	stepRetries   metric.Int64Counter
}

// NewExecutor creates an Executor.
func NewExecutor(store RunStore, contexts ContextSource, adapters Adapters, logger *slog.Logger, stepTimeout time.Duration, maxAttempts int, backoffBase, backoffMax time.Duration) *Executor {
	meter := telemetry.Meter("pulse/workflow")
	completed, _ := meter.Int64Counter("pulse.workflow.runs_completed",
		metric.WithDescription("Automation runs driven to a terminal status"))
	retries, _ := meter.Int64Counter("pulse.workflow.step_retries",
		metric.WithDescription("Step attempts beyond the first"))
	return &Executor{
		store:         store,
		contexts:      contexts,
		adapters:      adapters,
		logger:        logger,
		stepTimeout:   stepTimeout,
		maxAttempts:   maxAttempts,
		backoffBase:   backoffBase,
		backoffMax:    backoffMax,
		runsCompleted: completed,
		stepRetries:   retries,
	}
}

// Execute drives one claimed run to a terminal status. Previously recorded
// step results are replayed, not re-executed, so re-running a partially
// completed run never repeats an external effect.
func (ex *Executor) Execute(ctx context.Context, run model.AutomationRun) error {
	logger := ex.logger.With("run_id", run.ID, "automation_id", run.AutomationID, "client_id", run.ClientID)

	def, err := ex.store.GetAutomation(ctx, run.AutomationID)
	if err != nil {
		return ex.finish(ctx, logger, run, model.RunFailed, fmt.Errorf("workflow: load definition: %w", err))
	}
	if !def.Enabled {
		return ex.finish(ctx, logger, run, model.RunSkipped, nil)
	}

	cx, err := ex.contexts.Build(ctx, run.ClientID, time.Time{})
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			return ex.finish(ctx, logger, run, model.RunFailed, fmt.Errorf("workflow: build context: %w", err))
		}
		cx = model.ClientContext{ClientID: run.ClientID, AsOf: time.Now().UTC()}
	}

	prior, err := ex.store.ListStepResults(ctx, run.ID)
	if err != nil {
		return ex.finish(ctx, logger, run, model.RunFailed, fmt.Errorf("workflow: load step results: %w", err))
	}
	done := make(map[int]model.StepResult, len(prior))
	for _, res := range prior {
		done[res.StepIndex] = res
	}

	outputs := make([]string, len(def.Steps))
	for i, step := range def.Steps {
		if i > 0 {
			// A mid-run disable stops before the next step, never mid-step.
			current, err := ex.store.GetAutomation(ctx, run.AutomationID)
			if err == nil && !current.Enabled {
				logger.Info("automation disabled mid-run", "completed_steps", i)
				return ex.finish(ctx, logger, run, model.RunSkipped, nil)
			}
		}

		if res, ok := done[i]; ok && res.Outcome == model.StepSucceeded {
			outputs[i] = res.Detail
			continue
		}

		params, err := expandParams(step.Params, cx, outputs[:i])
		if err != nil {
			ex.recordStep(ctx, logger, run.ID, i, model.StepFailed, err.Error(), 0)
			return ex.finish(ctx, logger, run, model.RunFailed, fmt.Errorf("workflow: step %d: %w", i, err))
		}

		output, retries, err := ex.runStep(ctx, run, i, step.Type, params, &cx)
		if err != nil {
			ex.recordStep(ctx, logger, run.ID, i, model.StepFailed, err.Error(), retries)
			return ex.finish(ctx, logger, run, model.RunFailed, fmt.Errorf("workflow: step %d (%s): %w", i, step.Type, err))
		}
		outputs[i] = output
		ex.recordStep(ctx, logger, run.ID, i, model.StepSucceeded, output, retries)
	}

	return ex.finish(ctx, logger, run, model.RunSucceeded, nil)
}

// runStep attempts one step with bounded retries. Only transient adapter
// failures and per-attempt timeouts are retried; anything else is final on
// the first attempt.
func (ex *Executor) runStep(ctx context.Context, run model.AutomationRun, idx int, typ model.StepType, params map[string]string, cx *model.ClientContext) (string, int, error) {
	key := fmt.Sprintf("%s:%d", run.ID, idx)

	var lastErr error
	for attempt := 1; attempt <= ex.maxAttempts; attempt++ {
		if attempt > 1 {
			ex.stepRetries.Add(ctx, 1)
			delay := backoffDelay(attempt-1, ex.backoffBase, ex.backoffMax)
			select {
			case <-ctx.Done():
				return "", attempt - 1, ctx.Err()
			case <-time.After(delay):
			}
		}

		stepCtx, cancel := context.WithTimeout(ctx, ex.stepTimeout)
		output, err := ex.invoke(stepCtx, run, key, typ, params, cx)
		cancel()
		if err == nil {
			return output, attempt - 1, nil
		}
		lastErr = err
		if !errors.Is(err, adapter.ErrTransient) && !errors.Is(err, context.DeadlineExceeded) {
			return "", attempt - 1, err
		}
		ex.logger.Warn("step attempt failed",
			"run_id", run.ID, "step", idx, "attempt", attempt, "error", err)
	}
	return "", ex.maxAttempts - 1, fmt.Errorf("retries exhausted: %w", lastErr)
}

// invoke dispatches one step attempt. Steps that change client state append
// the corresponding event so the event log stays the source of truth.
func (ex *Executor) invoke(ctx context.Context, run model.AutomationRun, key string, typ model.StepType, params map[string]string, cx *model.ClientContext) (string, error) {
	switch typ {
	case model.StepSendCommunication:
		id, err := ex.adapters.Sender.Send(ctx, key, adapter.Communication{
			ClientID: run.ClientID,
			Channel:  params["channel"],
			Subject:  params["subject"],
			Body:     params["body"],
		})
		if err != nil {
			return "", err
		}
		ex.appendEvent(ctx, run, model.EventCommunication, map[string]any{
			"channel":   params["channel"],
			"direction": "outbound",
			"summary":   summaryOf(params),
		})
		return id, nil

	case model.StepMutateEntity:
		return ex.mutateEntity(ctx, run, params, cx)

	case model.StepScheduleFollowUp:
		due, err := parseDue(params)
		if err != nil {
			return "", err
		}
		id, err := ex.adapters.Scheduler.Schedule(ctx, key, adapter.FollowUp{
			ClientID: run.ClientID,
			Title:    params["title"],
			Due:      due,
		})
		if err != nil {
			return "", err
		}
		ex.appendEvent(ctx, run, model.EventCalendarActivity, map[string]any{
			"kind":          "task",
			"title":         params["title"],
			"scheduled_for": due.Format(time.RFC3339),
		})
		return id, nil

	case model.StepCallAdapter:
		target := params["target"]
		if target == "" {
			return "", fmt.Errorf("call_adapter step requires a target param")
		}
		args := make(map[string]string, len(params))
		for k, v := range params {
			if k != "target" {
				args[k] = v
			}
		}
		return ex.adapters.Caller.Call(ctx, key, target, args)

	default:
		return "", fmt.Errorf("unknown step type %q", typ)
	}
}

// mutateEntity applies a field change to the client snapshot with an optional
// compare-and-set precondition. Stage changes additionally append a
// stage_move event so the timeline, not the snapshot, remains canonical.
func (ex *Executor) mutateEntity(ctx context.Context, run model.AutomationRun, params map[string]string, cx *model.ClientContext) (string, error) {
	field := params["field"]
	value := params["value"]
	if field == "" {
		return "", fmt.Errorf("mutate_entity step requires a field param")
	}

	var expect map[string]any
	if want, ok := params["expect"]; ok {
		expect = map[string]any{field: want}
	}
	if err := ex.store.MutateSnapshotFields(ctx, run.ClientID, map[string]any{field: value}, expect); err != nil {
		if errors.Is(err, storage.ErrPreconditionFailed) {
			return "", fmt.Errorf("%s precondition failed: %w", field, err)
		}
		return "", fmt.Errorf("%w: mutate snapshot: %v", adapter.ErrTransient, err)
	}

	if field == "stage" {
		payload := map[string]any{"to_stage": value}
		if cx.CurrentStage != "" {
			payload["from_stage"] = cx.CurrentStage
		}
		ex.appendEvent(ctx, run, model.EventStageMove, payload)
		cx.CurrentStage = value
	}
	return field + "=" + value, nil
}

// appendEvent records a derived event for an already-applied external effect.
// Failure here is logged, not returned: the effect happened, and failing the
// step would retry the adapter for nothing.
func (ex *Executor) appendEvent(ctx context.Context, run model.AutomationRun, typ model.EventType, payload map[string]any) {
	_, err := ex.store.AppendEvent(ctx, model.Event{
		ClientID:   run.ClientID,
		EventType:  typ,
		Payload:    payload,
		OccurredAt: time.Now().UTC(),
		Source:     "automation:" + run.AutomationID.String(),
	})
	if err != nil {
		ex.logger.Error("append derived event",
			"run_id", run.ID, "event_type", typ, "error", err)
	}
}

func (ex *Executor) recordStep(ctx context.Context, logger *slog.Logger, runID uuid.UUID, idx int, outcome model.StepOutcome, detail string, retries int) {
	err := ex.store.InsertStepResult(ctx, model.StepResult{
		RunID:       runID,
		StepIndex:   idx,
		Outcome:     outcome,
		Detail:      detail,
		RetryCount:  retries,
		CompletedAt: time.Now().UTC(),
	})
	if err != nil {
		logger.Error("record step result", "step", idx, "error", err)
	}
}

func (ex *Executor) finish(ctx context.Context, logger *slog.Logger, run model.AutomationRun, status model.RunStatus, cause error) error {
	if err := ex.store.CompleteRun(ctx, run.ID, status); err != nil {
		logger.Error("complete run", "status", status, "error", err)
		if cause == nil {
			cause = err
		}
	}
	ex.runsCompleted.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	if cause != nil {
		logger.Error("run failed", "status", status, "error", cause)
	} else {
		logger.Info("run completed", "status", status)
	}
	return cause
}

func summaryOf(params map[string]string) string {
	if s := params["subject"]; s != "" {
		return s
	}
	body := params["body"]
	if len(body) > 140 {
		return body[:140]
	}
	if body == "" {
		return "(automated message)"
	}
	return body
}

func parseDue(params map[string]string) (time.Time, error) {
	if raw, ok := params["due"]; ok && raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid due time %q: %v", raw, err)
		}
		return t.UTC(), nil
	}
	if raw, ok := params["due_in"]; ok && raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid due_in duration %q: %v", raw, err)
		}
		return time.Now().UTC().Add(d), nil
	}
	return time.Time{}, fmt.Errorf("schedule_follow_up step requires due or due_in")
}
