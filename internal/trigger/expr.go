// Package trigger evaluates automation triggers against events and built
// client contexts and turns matches into deduplicated automation runs.
//
// Conditions are data, not code: a small (field, operator, literal)
// expression tree interpreted here, so definitions can be validated and
// tested independently of the evaluator.
package trigger

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pulseworks/pulse/internal/model"
)

// ResolveContextField resolves a condition field path against a built client
// context. Supported roots: client_name, current_stage, open_tickets.count,
// active_proposals.count, recent_communications.count, metrics.*,
// campaign_exposure.<campaign_id>. Returns (nil, false) for unknown paths or
// absent map keys.
func ResolveContextField(c model.ClientContext, path string) (any, bool) {
	switch path {
	case "client_name":
		return c.ClientName, true
	case "current_stage":
		return c.CurrentStage, true
	case "open_tickets.count":
		return float64(len(c.OpenTickets)), true
	case "active_proposals.count":
		return float64(len(c.ActiveProposals)), true
	case "recent_communications.count":
		return float64(len(c.RecentCommunications)), true
	case "metrics.days_since_last_contact":
		return float64(c.Metrics.DaysSinceLastContact), true
	case "metrics.event_count":
		return float64(c.Metrics.EventCount), true
	case "metrics.pipeline_value":
		return c.Metrics.PipelineValue, true
	}
	if campaign, ok := strings.CutPrefix(path, "campaign_exposure."); ok {
		touches, present := c.CampaignExposure[campaign]
		if !present {
			return nil, false
		}
		return float64(touches), true
	}
	return nil, false
}

// ResolveEventField resolves a predicate field path against an event.
// Supported: event_type, source, client_id, payload.<field>.
func ResolveEventField(e model.Event, path string) (any, bool) {
	switch path {
	case "event_type":
		return string(e.EventType), true
	case "source":
		return e.Source, true
	case "client_id":
		return e.ClientID, true
	}
	if field, ok := strings.CutPrefix(path, "payload."); ok {
		v, present := e.Payload[field]
		return v, present
	}
	return nil, false
}

// EvalCondition applies one condition leaf to a resolved value. The resolve
// function abstracts over context vs. event field resolution.
func EvalCondition(c model.Condition, resolve func(string) (any, bool)) bool {
	got, present := resolve(c.Field)
	switch c.Op {
	case model.OpExists:
		return present
	case model.OpAbsent:
		return !present
	}
	if !present {
		return false
	}

	switch c.Op {
	case model.OpEq:
		return compareEq(got, c.Value)
	case model.OpNe:
		return !compareEq(got, c.Value)
	case model.OpContains:
		gs, ok1 := got.(string)
		ws, ok2 := c.Value.(string)
		return ok1 && ok2 && strings.Contains(gs, ws)
	case model.OpGt, model.OpGte, model.OpLt, model.OpLte:
		gn, ok1 := toNumber(got)
		wn, ok2 := toNumber(c.Value)
		if !ok1 || !ok2 {
			return false
		}
		switch c.Op {
		case model.OpGt:
			return gn > wn
		case model.OpGte:
			return gn >= wn
		case model.OpLt:
			return gn < wn
		default:
			return gn <= wn
		}
	}
	return false
}

// EvalPredicate applies a predicate: every All condition must hold, and at
// least one Any condition when Any is non-empty. An empty predicate matches.
func EvalPredicate(p model.Predicate, resolve func(string) (any, bool)) bool {
	for _, c := range p.All {
		if !EvalCondition(c, resolve) {
			return false
		}
	}
	if len(p.Any) == 0 {
		return true
	}
	for _, c := range p.Any {
		if EvalCondition(c, resolve) {
			return true
		}
	}
	return false
}

func compareEq(got, want any) bool {
	if gn, ok1 := toNumber(got); ok1 {
		if wn, ok2 := toNumber(want); ok2 {
			return gn == wn
		}
	}
	return fmt.Sprint(got) == fmt.Sprint(want)
}

// toNumber coerces JSON-decoded and native numeric values to float64.
func toNumber(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// conditionTouchedBy maps condition field roots to the event types whose
// arrival can change them. The event-driven pass uses it to evaluate only the
// condition triggers affected by a new event instead of rescanning all of
// them; anything unmapped is left to the tick-driven pass.
var conditionTouchedBy = map[string][]model.EventType{
	"current_stage":               {model.EventStageMove},
	"open_tickets.count":          {model.EventTicketUpdate},
	"active_proposals.count":      {model.EventProposalChange},
	"metrics.pipeline_value":      {model.EventProposalChange},
	"recent_communications.count": {model.EventCommunication},
	"campaign_exposure":           {model.EventCampaignTouch},
}

// conditionTouches reports whether an event of the given type can affect the
// condition's field. metrics.event_count and days-since style fields react to
// every event type.
func conditionTouches(c model.Condition, et model.EventType) bool {
	root := c.Field
	if strings.HasPrefix(root, "campaign_exposure.") {
		root = "campaign_exposure"
	}
	types, ok := conditionTouchedBy[root]
	if !ok {
		return true
	}
	for _, t := range types {
		if t == et {
			return true
		}
	}
	return false
}
