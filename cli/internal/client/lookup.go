package client

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// LookupClient talks to the lookup service.
type LookupClient struct {
	baseURL string
	client  *http.Client
}

// NewLookupClient creates a LookupClient pointing at the given base URL.
func NewLookupClient(baseURL string) *LookupClient {
	return &LookupClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// SimilarRequest is the body of POST /api/v1/similar.
type SimilarRequest struct {
	Text     string `json:"text,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	TicketID string `json:"ticket_id,omitempty"`
	TopK     int    `json:"top_k,omitempty"`
}

// SimilarTicket is one similarity result.
type SimilarTicket struct {
	TicketID     string    `json:"ticket_id"`
	Score        float64   `json:"similarity_score"`
	Status       string    `json:"status"`
	Summary      string    `json:"scenario_summary"`
	Members      int       `json:"member_count"`
	ResolvedFrom string    `json:"resolved_from,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// FindSimilar queries the lookup service for similar incidents.
func (c *LookupClient) FindSimilar(req SimilarRequest) ([]SimilarTicket, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	resp, err := c.client.Post(c.baseURL+"/api/v1/similar", "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("lookup service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeAPIError(resp)
	}

	var parsed struct {
		Results []SimilarTicket `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return parsed.Results, nil
}

// Ticket is a ticket as returned by the lookup API.
type Ticket struct {
	ID              string    `json:"ticket_id"`
	Status          string    `json:"status"`
	MemberEventIDs  []string  `json:"member_event_ids"`
	ScenarioSummary string    `json:"scenario_summary"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// GetTicket fetches a ticket, resolved through merge redirects. The second
// return value names the requested id when it was redirected.
func (c *LookupClient) GetTicket(id string) (*Ticket, string, error) {
	resp, err := c.client.Get(c.baseURL + "/api/v1/tickets/" + id)
	if err != nil {
		return nil, "", fmt.Errorf("lookup service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, "", decodeAPIError(resp)
	}

	var parsed struct {
		Ticket       *Ticket `json:"ticket"`
		ResolvedFrom string  `json:"resolved_from"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, "", fmt.Errorf("decode response: %w", err)
	}
	return parsed.Ticket, parsed.ResolvedFrom, nil
}

func decodeAPIError(resp *http.Response) error {
	var apiErr struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Error != "" {
		return fmt.Errorf("%s (status %d)", apiErr.Error, resp.StatusCode)
	}
	return fmt.Errorf("request failed with status %d", resp.StatusCode)
}
