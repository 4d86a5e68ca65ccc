package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerKind discriminates the TriggerSpec tagged union.
type TriggerKind string

const (
	TriggerTime      TriggerKind = "time"      // cron-like schedule
	TriggerEvent     TriggerKind = "event"     // event type + payload predicate
	TriggerCondition TriggerKind = "condition" // declarative condition over built context
	TriggerWebhook   TriggerKind = "webhook"   // fired by an external adapter with a pre-formed key
	TriggerScore     TriggerKind = "score"     // external model score crossing a threshold
)

// TriggerSpec is a tagged variant describing when an automation fires.
// Only the fields relevant to Kind are set; definitions are data, not code.
type TriggerSpec struct {
	Kind TriggerKind `json:"kind"`

	// Time triggers.
	Schedule string `json:"schedule,omitempty"` // "@every <dur>" or "@daily HH:MM" (UTC)

	// Event triggers.
	EventType EventType  `json:"event_type,omitempty"`
	Predicate *Predicate `json:"predicate,omitempty"` // optional payload filter

	// Condition and score triggers are re-checked on ticks; both fire once
	// per false→true transition, not once per tick.
	Condition *Condition `json:"condition,omitempty"`

	// Webhook triggers.
	SourceID string `json:"source_id,omitempty"`

	// Score triggers.
	ModelName string  `json:"model_name,omitempty"`
	Threshold float64 `json:"threshold,omitempty"`
}

// ConditionOp enumerates the operators the condition interpreter understands.
type ConditionOp string

const (
	OpEq       ConditionOp = "eq"
	OpNe       ConditionOp = "ne"
	OpGt       ConditionOp = "gt"
	OpGte      ConditionOp = "gte"
	OpLt       ConditionOp = "lt"
	OpLte      ConditionOp = "lte"
	OpContains ConditionOp = "contains"
	OpExists   ConditionOp = "exists"
	OpAbsent   ConditionOp = "absent"
)

// Condition is one leaf of the declarative expression tree: a field path, an
// operator and a literal. Field paths resolve against the built client
// context (e.g. "metrics.days_since_last_contact", "current_stage") or, for
// event predicates, against the event payload (e.g. "payload.status").
type Condition struct {
	Field string      `json:"field"`
	Op    ConditionOp `json:"op"`
	Value any         `json:"value,omitempty"`
}

// Predicate combines conditions: all of All must hold, and at least one of
// Any when Any is non-empty. An empty predicate matches everything.
type Predicate struct {
	All []Condition `json:"all,omitempty"`
	Any []Condition `json:"any,omitempty"`
}

// StepType enumerates workflow step kinds.
type StepType string

const (
	StepSendCommunication StepType = "send_communication"
	StepMutateEntity      StepType = "mutate_entity"
	StepScheduleFollowUp  StepType = "schedule_follow_up"
	StepCallAdapter       StepType = "call_adapter"
)

// WorkflowStep is one ordered step of an automation. Params are plain strings;
// values may reference the built context and prior step outputs with
// ${context.<field>} and ${steps.<n>.output} placeholders.
type WorkflowStep struct {
	Type   StepType          `json:"type"`
	Params map[string]string `json:"params,omitempty"`
}

// AutomationDefinition is a named trigger plus an ordered workflow.
type AutomationDefinition struct {
	ID              uuid.UUID      `json:"id"`
	Name            string         `json:"name"`
	Trigger         TriggerSpec    `json:"trigger"`
	Steps           []WorkflowStep `json:"steps"`
	Enabled         bool           `json:"enabled"`
	ClientID        string         `json:"client_id,omitempty"` // optional scope; empty means all clients
	LastEvaluatedAt *time.Time     `json:"last_evaluated_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// RunStatus is the lifecycle state of an automation run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunSkipped   RunStatus = "skipped"
)

// AutomationRun is one execution instance of an automation. The pair
// (AutomationID, TriggeringKey) is unique: inserting an existing pair is
// rejected by the database, which is the sole firing deduplication mechanism.
type AutomationRun struct {
	ID            uuid.UUID  `json:"id"`
	AutomationID  uuid.UUID  `json:"automation_id"`
	ClientID      string     `json:"client_id"`
	TriggeringKey string     `json:"triggering_key"`
	Status        RunStatus  `json:"status"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// StepOutcome is the terminal state of one executed workflow step.
type StepOutcome string

const (
	StepSucceeded StepOutcome = "succeeded"
	StepFailed    StepOutcome = "failed"
)

// StepResult records the outcome of one step of a run.
type StepResult struct {
	RunID       uuid.UUID   `json:"run_id"`
	StepIndex   int         `json:"step_index"`
	Outcome     StepOutcome `json:"outcome"`
	Detail      string      `json:"detail,omitempty"` // step output or final error text
	RetryCount  int         `json:"retry_count"`
	CompletedAt time.Time   `json:"completed_at"`
}

var validOps = map[ConditionOp]bool{
	OpEq: true, OpNe: true, OpGt: true, OpGte: true, OpLt: true, OpLte: true,
	OpContains: true, OpExists: true, OpAbsent: true,
}

var validStepTypes = map[StepType]bool{
	StepSendCommunication: true,
	StepMutateEntity:      true,
	StepScheduleFollowUp:  true,
	StepCallAdapter:       true,
}

// Validate checks a condition leaf independently of any evaluator.
func (c Condition) Validate() error {
	if c.Field == "" {
		return fmt.Errorf("%w: condition field is required", ErrValidation)
	}
	if !validOps[c.Op] {
		return fmt.Errorf("%w: unknown condition op %q", ErrValidation, c.Op)
	}
	if c.Op != OpExists && c.Op != OpAbsent && c.Value == nil {
		return fmt.Errorf("%w: condition op %q requires a value", ErrValidation, c.Op)
	}
	return nil
}

// Validate checks every leaf of a predicate.
func (p Predicate) Validate() error {
	for i, c := range p.All {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("all[%d]: %w", i, err)
		}
	}
	for i, c := range p.Any {
		if err := c.Validate(); err != nil {
			return fmt.Errorf("any[%d]: %w", i, err)
		}
	}
	return nil
}

// Validate rejects trigger specs whose variant fields do not match the kind.
func (t TriggerSpec) Validate() error {
	switch t.Kind {
	case TriggerTime:
		if t.Schedule == "" {
			return fmt.Errorf("%w: time trigger requires a schedule", ErrValidation)
		}
	case TriggerEvent:
		if _, ok := requiredPayloadFields[t.EventType]; !ok {
			return fmt.Errorf("%w: event trigger has unknown event_type %q", ErrValidation, t.EventType)
		}
		if t.Predicate != nil {
			if err := t.Predicate.Validate(); err != nil {
				return err
			}
		}
	case TriggerCondition:
		if t.Condition == nil {
			return fmt.Errorf("%w: condition trigger requires a condition", ErrValidation)
		}
		if err := t.Condition.Validate(); err != nil {
			return err
		}
	case TriggerWebhook:
		if t.SourceID == "" {
			return fmt.Errorf("%w: webhook trigger requires a source_id", ErrValidation)
		}
	case TriggerScore:
		if t.ModelName == "" {
			return fmt.Errorf("%w: score trigger requires a model_name", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown trigger kind %q", ErrValidation, t.Kind)
	}
	return nil
}

// Validate checks an automation definition before it is stored.
func (d AutomationDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("%w: automation name is required", ErrValidation)
	}
	if err := d.Trigger.Validate(); err != nil {
		return err
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("%w: automation requires at least one step", ErrValidation)
	}
	for i, s := range d.Steps {
		if !validStepTypes[s.Type] {
			return fmt.Errorf("%w: step %d has unknown type %q", ErrValidation, i, s.Type)
		}
	}
	return nil
}
