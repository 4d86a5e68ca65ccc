package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDefinition() AutomationDefinition {
	return AutomationDefinition{
		Name: "stale deal nudge",
		Trigger: TriggerSpec{
			Kind: TriggerCondition,
			Condition: &Condition{
				Field: "metrics.days_since_last_contact",
				Op:    OpGt,
				Value: 30,
			},
		},
		Steps: []WorkflowStep{
			{Type: StepSendCommunication, Params: map[string]string{"channel": "email"}},
		},
		Enabled: true,
	}
}

func TestAutomationDefinitionValidate(t *testing.T) {
	require.NoError(t, validDefinition().Validate())

	t.Run("missing name", func(t *testing.T) {
		d := validDefinition()
		d.Name = ""
		assert.ErrorIs(t, d.Validate(), ErrValidation)
	})

	t.Run("no steps", func(t *testing.T) {
		d := validDefinition()
		d.Steps = nil
		assert.ErrorIs(t, d.Validate(), ErrValidation)
	})

	t.Run("unknown step type", func(t *testing.T) {
		d := validDefinition()
		d.Steps = []WorkflowStep{{Type: "launch_rocket"}}
		assert.ErrorIs(t, d.Validate(), ErrValidation)
	})
}

func TestTriggerSpecValidate(t *testing.T) {
	tests := []struct {
		name    string
		trigger TriggerSpec
		wantErr bool
	}{
		{"time with schedule", TriggerSpec{Kind: TriggerTime, Schedule: "@every 1h"}, false},
		{"time without schedule", TriggerSpec{Kind: TriggerTime}, true},
		{"event with known type", TriggerSpec{Kind: TriggerEvent, EventType: EventProposalChange}, false},
		{"event with unknown type", TriggerSpec{Kind: TriggerEvent, EventType: "bogus"}, true},
		{"condition without condition", TriggerSpec{Kind: TriggerCondition}, true},
		{"webhook without source", TriggerSpec{Kind: TriggerWebhook}, true},
		{"webhook with source", TriggerSpec{Kind: TriggerWebhook, SourceID: "stripe"}, false},
		{"score without model", TriggerSpec{Kind: TriggerScore, Threshold: 0.8}, true},
		{"score with model", TriggerSpec{Kind: TriggerScore, ModelName: "churn-v2", Threshold: 0.8}, false},
		{"unknown kind", TriggerSpec{Kind: "psychic"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.trigger.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConditionValidate(t *testing.T) {
	assert.NoError(t, Condition{Field: "current_stage", Op: OpEq, Value: "lead"}.Validate())
	assert.NoError(t, Condition{Field: "client_name", Op: OpExists}.Validate())

	assert.ErrorIs(t, Condition{Op: OpEq, Value: "x"}.Validate(), ErrValidation)
	assert.ErrorIs(t, Condition{Field: "f", Op: "??", Value: "x"}.Validate(), ErrValidation)
	// Comparison ops need a literal to compare against.
	assert.ErrorIs(t, Condition{Field: "f", Op: OpGt}.Validate(), ErrValidation)
}

func TestPredicateValidate(t *testing.T) {
	p := Predicate{
		All: []Condition{{Field: "payload.status", Op: OpEq, Value: "open"}},
		Any: []Condition{{Field: "payload.amount", Op: OpGt, Value: 1000}},
	}
	require.NoError(t, p.Validate())

	p.Any = append(p.Any, Condition{Op: OpEq, Value: 1})
	assert.ErrorIs(t, p.Validate(), ErrValidation)
}
