package grouper

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talonsec/talon-stack/triage/internal/models"
)

// Adjudicator decides whether a malicious event continues the scenario a
// candidate ticket describes.
type Adjudicator interface {
	Continues(ctx context.Context, event *models.Event, scenario string) (bool, string, error)
}

// Reasoner is the reasoning-model boundary adjudication calls.
type Reasoner interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// LLMAdjudicator adjudicates via the external reasoning model.
type LLMAdjudicator struct {
	reasoner Reasoner
}

// NewLLMAdjudicator creates an LLMAdjudicator.
func NewLLMAdjudicator(reasoner Reasoner) *LLMAdjudicator {
	return &LLMAdjudicator{reasoner: reasoner}
}

const adjudicateSystemPrompt = `You are a security incident analyst. You are given a new malicious event and the summary of an open incident scenario. Decide whether the new event is a continuation of that scenario: same attack, same actor, or a direct next step.

Respond with a JSON object only:
{"continues": true|false, "reason": "<one sentence>"}

Be conservative: if the event plausibly belongs to a different incident, answer false.`

// judgment is the JSON structure the model is instructed to return.
type judgment struct {
	Continues bool   `json:"continues"`
	Reason    string `json:"reason"`
}

// Continues asks the model whether event continues scenario. A malformed
// model response is treated as a non-affirmative judgment rather than an
// error: a wrong attach is worse than a spurious new ticket, and retrying a
// deterministic parse failure would not converge.
func (a *LLMAdjudicator) Continues(ctx context.Context, event *models.Event, scenario string) (bool, string, error) {
	user := buildJudgmentPrompt(event, scenario)

	content, err := a.reasoner.Complete(ctx, adjudicateSystemPrompt, user)
	if err != nil {
		return false, "", fmt.Errorf("adjudicate event %s: %w", event.ID, err)
	}

	j, ok := parseJudgment(content)
	if !ok {
		return false, "unparseable adjudication response", nil
	}
	return j.Continues, j.Reason, nil
}

func buildJudgmentPrompt(event *models.Event, scenario string) string {
	var b strings.Builder

	b.WriteString("## New malicious event\n")
	fmt.Fprintf(&b, "time: %s\nhost: %s\ntype: %s\nsummary: %s\n",
		event.Timestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		event.HostID, event.Type, event.SummaryText)
	if event.Rationale != "" {
		fmt.Fprintf(&b, "classification rationale: %s\n", event.Rationale)
	}

	b.WriteString("\n## Open incident scenario\n")
	b.WriteString(scenario)
	b.WriteString("\n")

	return b.String()
}

func parseJudgment(content string) (*judgment, bool) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var j judgment
	if err := json.Unmarshal([]byte(trimmed), &j); err != nil {
		return nil, false
	}
	return &j, true
}
