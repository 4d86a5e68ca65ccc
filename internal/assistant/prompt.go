package assistant

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulseworks/pulse/internal/model"
)

// buildPrompt renders the client context into a system prompt bounded by
// maxBytes. The sections are ordered by usefulness; when over budget the
// oldest recent communications are dropped first, then the prompt is cut at
// the byte limit as a last resort.
func buildPrompt(cx model.ClientContext, maxBytes int) string {
	comms := cx.RecentCommunications
	for {
		p := renderPrompt(cx, comms)
		if len(p) <= maxBytes || len(comms) == 0 {
			if len(p) > maxBytes {
				p = p[:maxBytes]
			}
			return p
		}
		comms = comms[1:]
	}
}

func renderPrompt(cx model.ClientContext, comms []model.CommunicationRef) string {
	var b strings.Builder
	b.WriteString("You are a client relationship assistant. Answer using only the context below.\n\n")

	fmt.Fprintf(&b, "Client: %s", cx.ClientID)
	if cx.ClientName != "" {
		fmt.Fprintf(&b, " (%s)", cx.ClientName)
	}
	b.WriteByte('\n')
	if cx.CurrentStage != "" {
		fmt.Fprintf(&b, "Pipeline stage: %s\n", cx.CurrentStage)
	}
	if cx.Metrics.DaysSinceLastContact >= 0 {
		fmt.Fprintf(&b, "Days since last contact: %d\n", cx.Metrics.DaysSinceLastContact)
	}
	if cx.Metrics.PipelineValue > 0 {
		fmt.Fprintf(&b, "Open pipeline value: %.2f\n", cx.Metrics.PipelineValue)
	}

	if len(cx.OpenTickets) > 0 {
		b.WriteString("\nOpen tickets:\n")
		for _, t := range cx.OpenTickets {
			fmt.Fprintf(&b, "- [%s] %s: %s\n", t.Status, t.TicketID, t.Subject)
		}
	}
	if len(cx.ActiveProposals) > 0 {
		b.WriteString("\nActive proposals:\n")
		for _, p := range cx.ActiveProposals {
			fmt.Fprintf(&b, "- %s (%s, %.2f): last action %s\n", p.Title, p.ProposalID, p.Amount, p.LastAction)
		}
	}
	if len(cx.UpcomingActivities) > 0 {
		b.WriteString("\nUpcoming activities:\n")
		for _, a := range cx.UpcomingActivities {
			fmt.Fprintf(&b, "- %s %q at %s\n", a.Kind, a.Title, a.ScheduledFor.Format(time.RFC3339))
		}
	}
	if len(comms) > 0 {
		b.WriteString("\nRecent communications (oldest first):\n")
		for _, c := range comms {
			fmt.Fprintf(&b, "- %s %s %s: %s\n", c.OccurredAt.Format("2006-01-02"), c.Direction, c.Channel, c.Summary)
		}
	}
	return b.String()
}
