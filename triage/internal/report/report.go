// Package report persists triage run reports: one row per batch run plus one
// row per event outcome. Reports are the audit trail for what the pipeline
// decided and why, independent of the searchable event store.
package report

import (
	"context"
	"time"

	"github.com/talonsec/talon-stack/triage/internal/models"
)

// RunStatus is the lifecycle state of a triage run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one pipeline invocation over a batch of events.
type Run struct {
	ID          string     `json:"run_id"`
	BatchID     string     `json:"batch_id"`
	Status      RunStatus  `json:"status"`
	TotalEvents int        `json:"total_events"`
	Malicious   int        `json:"malicious"`
	Benign      int        `json:"benign"`
	Uncertain   int        `json:"uncertain"`
	Failed      int        `json:"failed"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Outcome is the per-event result of a run.
type Outcome struct {
	RunID          string                `json:"run_id"`
	EventID        string                `json:"event_id"`
	Classification models.Classification `json:"classification,omitempty"`
	Rationale      string                `json:"rationale,omitempty"`
	TicketID       string                `json:"ticket_id,omitempty"`
	GroupDecision  string                `json:"group_decision,omitempty"`
	Attempts       int                   `json:"attempts"`
	FailureReason  string                `json:"failure_reason,omitempty"`
}

// Repository is the persistence surface for run reports.
type Repository interface {
	CreateRun(ctx context.Context, run *Run) error
	FinishRun(ctx context.Context, run *Run) error
	RecordOutcomes(ctx context.Context, runID string, outcomes []Outcome) error
	GetRun(ctx context.Context, runID string) (*Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]Outcome, error)
}
