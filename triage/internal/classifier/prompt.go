package classifier

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/talonsec/talon-stack/triage/internal/models"
)

const (
	// contextSummaryLimit bounds each context entry's summary text.
	contextSummaryLimit = 200

	// contextAttrLimit bounds each carried attribute value.
	contextAttrLimit = 120
)

// contextAttrKeys is the fixed attribute subset carried for context events.
// Everything else is dropped so the prompt stays bounded no matter how noisy
// the window is.
var contextAttrKeys = []string{
	"proc_name", "proc_path", "cmd_line",
	"parent_proc_name", "parent_cmd_line",
	"remote_ip", "remote_port", "dns_name", "direction",
	"file_name", "file_path",
	"reg_key_path", "reg_value_name",
}

const systemPrompt = "You are a tier-3 threat hunter specialized in contextual anomaly detection. " +
	"You distinguish true threats from benign administrative activity by reading the anchor event " +
	"within its surrounding host activity. Respond only with the requested JSON object."

// buildUserPrompt renders the anchor event with its full attributes plus a
// bounded representation of each context event.
func buildUserPrompt(event *models.Event, window models.ContextWindow) string {
	var b strings.Builder

	b.WriteString("Classify the anchor event as malicious, benign, or uncertain, ")
	b.WriteString("using the surrounding events on the same host for context. ")
	b.WriteString("Only the anchor is being judged.\n\n")

	b.WriteString("[Anchor event]\n")
	anchor := map[string]interface{}{
		"event_id":   event.ID,
		"host_id":    event.HostID,
		"timestamp":  event.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		"event_type": string(event.Type),
		"summary":    event.SummaryText,
		"attributes": cleanAttributes(event.RawAttributes),
	}
	if data, err := json.MarshalIndent(anchor, "", "  "); err == nil {
		b.Write(data)
	}
	b.WriteString("\n\n[Surrounding events, same host]\n")

	if len(window) == 0 {
		b.WriteString("(none observed in the window)\n")
	}
	for _, ev := range window {
		offset := ev.Timestamp.Sub(event.Timestamp).Seconds()
		b.WriteString(fmt.Sprintf("- [%+.0fs] [%s] %s", offset, ev.Type, truncate(ev.SummaryText, contextSummaryLimit)))
		if attrs := contextAttributes(ev.RawAttributes); attrs != "" {
			b.WriteString(" {")
			b.WriteString(attrs)
			b.WriteString("}")
		}
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with a JSON object: ")
	b.WriteString(`{"classification": "malicious"|"benign"|"uncertain", "rationale": "why, referencing the context"}`)
	return b.String()
}

// cleanAttributes normalizes placeholder "no value" markers to nil so the
// model sees explicit nulls rather than sentinel strings.
func cleanAttributes(attrs map[string]interface{}) map[string]interface{} {
	if attrs == nil {
		return nil
	}
	out := make(map[string]interface{}, len(attrs))
	for k, v := range attrs {
		switch v {
		case "-", "", -1, float64(-1):
			out[k] = nil
		default:
			out[k] = v
		}
	}
	return out
}

// contextAttributes renders the fixed attribute subset for a context event.
func contextAttributes(attrs map[string]interface{}) string {
	if len(attrs) == 0 {
		return ""
	}
	parts := make([]string, 0, len(contextAttrKeys))
	for _, key := range contextAttrKeys {
		v, ok := attrs[key]
		if !ok || v == nil || v == "" || v == "-" {
			continue
		}
		parts = append(parts, fmt.Sprintf("%s=%s", key, truncate(fmt.Sprint(v), contextAttrLimit)))
	}
	sort.Strings(parts)
	return strings.Join(parts, ", ")
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
