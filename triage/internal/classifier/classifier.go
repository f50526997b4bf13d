// Package classifier turns an event plus its context window into a verdict
// from the external reasoning model. One model call per invocation; retry
// policy lives in the orchestrator, not here.
package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

// Reasoner is the reasoning-model boundary the classifier calls.
type Reasoner interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Classifier produces classification verdicts.
type Classifier struct {
	reasoner Reasoner
}

// New creates a Classifier.
func New(reasoner Reasoner) *Classifier {
	return &Classifier{reasoner: reasoner}
}

// verdict is the JSON structure the model is instructed to return.
type verdict struct {
	Classification string `json:"classification"`
	Rationale      string `json:"rationale"`
}

// Classify judges the anchor event against its context window. The
// classification domain is closed; anything the model returns outside it is a
// malformed response. Uncertain is passed through verbatim and is excluded
// from grouping downstream.
func (c *Classifier) Classify(ctx context.Context, event *models.Event, window models.ContextWindow) (models.Classification, string, error) {
	user := buildUserPrompt(event, window)

	content, err := c.reasoner.Complete(ctx, systemPrompt, user)
	if err != nil {
		return models.ClassificationUnset, "", fmt.Errorf("classify event %s: %w", event.ID, err)
	}

	v, err := parseVerdict(content)
	if err != nil {
		return models.ClassificationUnset, "", fmt.Errorf("classify event %s: %w", event.ID, err)
	}

	return v.classification(), v.Rationale, nil
}

func (v *verdict) classification() models.Classification {
	return models.Classification(strings.ToLower(strings.TrimSpace(v.Classification)))
}

// parseVerdict decodes the model output. Models occasionally wrap JSON in
// code fences even in JSON mode, so those are stripped before decoding.
func parseVerdict(content string) (*verdict, error) {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	var v verdict
	if err := json.Unmarshal([]byte(trimmed), &v); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrMalformedResponse, err)
	}
	if !v.classification().Valid() {
		return nil, fmt.Errorf("%w: unknown classification %q", faults.ErrMalformedResponse, v.Classification)
	}
	return &v, nil
}
