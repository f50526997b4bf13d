package grouper

import (
	"fmt"
	"strings"

	"github.com/talonsec/talon-stack/triage/internal/models"
)

// scenarioSummaryLimit bounds a ticket's scenario narrative. When the bound is
// exceeded, the oldest lines are dropped first so the recent tail of the
// incident survives.
const scenarioSummaryLimit = 4096

// scenarioLine renders one event as a narrative line.
func scenarioLine(event *models.Event) string {
	return fmt.Sprintf("[%s] %s %s: %s",
		event.Timestamp.UTC().Format("2006-01-02T15:04:05Z"),
		event.HostID, event.Type, event.SummaryText)
}

// appendScenarioLine appends event to an existing narrative, enforcing the
// size bound by evicting the oldest lines.
func appendScenarioLine(summary string, event *models.Event) string {
	line := scenarioLine(event)
	if summary == "" {
		return boundScenario(line)
	}
	return boundScenario(summary + "\n" + line)
}

// mergeScenarios concatenates narratives in the given order (callers pass
// ticket summaries ordered by ticket creation time), deduplicating identical
// lines and enforcing the size bound.
func mergeScenarios(summaries ...string) string {
	seen := make(map[string]struct{})
	var lines []string
	for _, s := range summaries {
		for _, line := range strings.Split(s, "\n") {
			if line == "" {
				continue
			}
			if _, ok := seen[line]; ok {
				continue
			}
			seen[line] = struct{}{}
			lines = append(lines, line)
		}
	}
	return boundScenario(strings.Join(lines, "\n"))
}

func boundScenario(s string) string {
	for len(s) > scenarioSummaryLimit {
		i := strings.IndexByte(s, '\n')
		if i < 0 {
			// Single oversized line; keep the tail.
			return s[len(s)-scenarioSummaryLimit:]
		}
		s = s[i+1:]
	}
	return s
}
