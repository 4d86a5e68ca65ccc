package trigger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulseworks/pulse/internal/model"
)

func sampleContext() model.ClientContext {
	return model.ClientContext{
		ClientID:     "acme",
		ClientName:   "Acme Corp",
		CurrentStage: "negotiation",
		OpenTickets: []model.TicketRef{
			{TicketID: "T-1", Status: "open"},
		},
		ActiveProposals: []model.ProposalRef{
			{ProposalID: "P-1", Amount: 12000},
			{ProposalID: "P-2", Amount: 3000},
		},
		CampaignExposure: map[string]int{"spring-launch": 3},
		Metrics: model.ContextMetrics{
			DaysSinceLastContact: 45,
			EventCount:           12,
			PipelineValue:        15000,
		},
	}
}

func evalOnContext(t *testing.T, c model.Condition) bool {
	t.Helper()
	cx := sampleContext()
	return EvalCondition(c, func(path string) (any, bool) {
		return ResolveContextField(cx, path)
	})
}

func TestEvalConditionAgainstContext(t *testing.T) {
	tests := []struct {
		name string
		cond model.Condition
		want bool
	}{
		{"stage eq", model.Condition{Field: "current_stage", Op: model.OpEq, Value: "negotiation"}, true},
		{"stage ne", model.Condition{Field: "current_stage", Op: model.OpNe, Value: "lead"}, true},
		{"days gt", model.Condition{Field: "metrics.days_since_last_contact", Op: model.OpGt, Value: 30}, true},
		{"days gt false", model.Condition{Field: "metrics.days_since_last_contact", Op: model.OpGt, Value: 60}, false},
		{"tickets gte", model.Condition{Field: "open_tickets.count", Op: model.OpGte, Value: 1}, true},
		{"pipeline lte", model.Condition{Field: "metrics.pipeline_value", Op: model.OpLte, Value: 15000}, true},
		{"name contains", model.Condition{Field: "client_name", Op: model.OpContains, Value: "Acme"}, true},
		{"campaign exists", model.Condition{Field: "campaign_exposure.spring-launch", Op: model.OpExists}, true},
		{"campaign absent", model.Condition{Field: "campaign_exposure.winter-push", Op: model.OpAbsent}, true},
		{"campaign touches gt", model.Condition{Field: "campaign_exposure.spring-launch", Op: model.OpGt, Value: 2}, true},
		{"unknown field is false", model.Condition{Field: "made.up", Op: model.OpEq, Value: 1}, false},
		{"unknown field absent", model.Condition{Field: "made.up", Op: model.OpAbsent}, true},
		// JSON decoding yields float64 values; the comparison must coerce.
		{"numeric string literal", model.Condition{Field: "metrics.event_count", Op: model.OpEq, Value: "12"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, evalOnContext(t, tt.cond))
		})
	}
}

func TestEvalConditionAgainstEvent(t *testing.T) {
	e := model.Event{
		ClientID:   "acme",
		EventType:  model.EventProposalChange,
		Source:     "crm",
		OccurredAt: time.Now(),
		Payload: map[string]any{
			"proposal_id": "P-9",
			"action":      "accepted",
			"amount":      25000.0,
		},
	}
	resolve := func(path string) (any, bool) { return ResolveEventField(e, path) }

	assert.True(t, EvalCondition(model.Condition{Field: "payload.action", Op: model.OpEq, Value: "accepted"}, resolve))
	assert.True(t, EvalCondition(model.Condition{Field: "payload.amount", Op: model.OpGt, Value: 10000}, resolve))
	assert.True(t, EvalCondition(model.Condition{Field: "event_type", Op: model.OpEq, Value: "proposal_change"}, resolve))
	assert.False(t, EvalCondition(model.Condition{Field: "payload.missing", Op: model.OpEq, Value: "x"}, resolve))
}

func TestEvalPredicate(t *testing.T) {
	cx := sampleContext()
	resolve := func(path string) (any, bool) { return ResolveContextField(cx, path) }

	t.Run("empty predicate matches", func(t *testing.T) {
		assert.True(t, EvalPredicate(model.Predicate{}, resolve))
	})

	t.Run("all must hold", func(t *testing.T) {
		p := model.Predicate{All: []model.Condition{
			{Field: "current_stage", Op: model.OpEq, Value: "negotiation"},
			{Field: "open_tickets.count", Op: model.OpGt, Value: 5},
		}}
		assert.False(t, EvalPredicate(p, resolve))
	})

	t.Run("any needs one", func(t *testing.T) {
		p := model.Predicate{Any: []model.Condition{
			{Field: "current_stage", Op: model.OpEq, Value: "lead"},
			{Field: "metrics.pipeline_value", Op: model.OpGt, Value: 10000},
		}}
		assert.True(t, EvalPredicate(p, resolve))
	})
}

func TestConditionTouches(t *testing.T) {
	stage := model.Condition{Field: "current_stage", Op: model.OpEq, Value: "won"}
	assert.True(t, conditionTouches(stage, model.EventStageMove))
	assert.False(t, conditionTouches(stage, model.EventCampaignTouch))

	campaign := model.Condition{Field: "campaign_exposure.spring-launch", Op: model.OpGt, Value: 1}
	assert.True(t, conditionTouches(campaign, model.EventCampaignTouch))
	assert.False(t, conditionTouches(campaign, model.EventStageMove))

	// Fields without a mapping react to everything (e.g. event_count).
	count := model.Condition{Field: "metrics.event_count", Op: model.OpGt, Value: 10}
	assert.True(t, conditionTouches(count, model.EventCommunication))
	assert.True(t, conditionTouches(count, model.EventTicketUpdate))
}

func TestResolveContextFieldCounts(t *testing.T) {
	cx := sampleContext()

	v, ok := ResolveContextField(cx, "active_proposals.count")
	require.True(t, ok)
	assert.Equal(t, 2.0, v)

	_, ok = ResolveContextField(cx, "campaign_exposure.unknown")
	assert.False(t, ok)
}
