package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// TriageClient talks to the triage service.
type TriageClient struct {
	baseURL string
	client  *http.Client
}

// NewTriageClient creates a TriageClient pointing at the given base URL.
// Batch submission is synchronous server-side, so the timeout is generous.
func NewTriageClient(baseURL string) *TriageClient {
	return &TriageClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

// Run is a triage run report.
type Run struct {
	ID          string     `json:"run_id"`
	BatchID     string     `json:"batch_id"`
	Status      string     `json:"status"`
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
	EventID        string `json:"event_id"`
	Classification string `json:"classification,omitempty"`
	Rationale      string `json:"rationale,omitempty"`
	TicketID       string `json:"ticket_id,omitempty"`
	GroupDecision  string `json:"group_decision,omitempty"`
	Attempts       int    `json:"attempts"`
	FailureReason  string `json:"failure_reason,omitempty"`
}

// RunReport bundles a run and its outcomes.
type RunReport struct {
	Run      *Run      `json:"run"`
	Outcomes []Outcome `json:"outcomes"`
}

// SubmitBatch submits a batch for triage and waits for the run report.
func (c *TriageClient) SubmitBatch(batchID string, eventIDs []string) (*RunReport, error) {
	body, err := json.Marshal(map[string]interface{}{
		"batch_id":  batchID,
		"event_ids": eventIDs,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.baseURL+"/api/v1/batches", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("triage service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var report RunReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &report, nil
}

// GetRun fetches a past run report.
func (c *TriageClient) GetRun(runID string) (*RunReport, error) {
	resp, err := c.client.Get(c.baseURL + "/api/v1/runs/" + runID)
	if err != nil {
		return nil, fmt.Errorf("triage service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var report RunReport
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &report, nil
}
