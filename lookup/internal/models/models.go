// Package models defines the lookup API's view of incident tickets.
package models

import "time"

// Ticket is an incident ticket as stored in the ticket index.
type Ticket struct {
	ID                string    `json:"ticket_id"`
	Status            string    `json:"status"`
	MemberEventIDs    []string  `json:"member_event_ids"`
	ScenarioSummary   string    `json:"scenario_summary"`
	ScenarioEmbedding []float32 `json:"scenario_embedding,omitempty"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	RedirectTo        string    `json:"redirect_to,omitempty"`
}

// SimilarTicket is one similarity match, resolved to its live root ticket.
type SimilarTicket struct {
	TicketID string  `json:"ticket_id"`
	Score    float64 `json:"similarity_score"`
	Status   string  `json:"status"`
	Summary  string  `json:"scenario_summary"`
	Members  int     `json:"member_count"`

	// ResolvedFrom is set when the matched ticket had been merged and the
	// result was followed to its surviving root.
	ResolvedFrom string `json:"resolved_from,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}
