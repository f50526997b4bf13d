// Package models defines the documents moved through the triage pipeline:
// telemetry events, their ephemeral context windows, incident tickets, and
// similarity candidates.
package models

import "time"

// EventType identifies the telemetry category of an event.
type EventType string

const (
	EventTypeProcess  EventType = "process"
	EventTypeNetwork  EventType = "network"
	EventTypeFile     EventType = "file"
	EventTypeRegistry EventType = "registry"
)

// Classification is the closed verdict set produced by the threat classifier.
// The zero value means the event has not been classified yet.
type Classification string

const (
	ClassificationUnset     Classification = ""
	ClassificationMalicious Classification = "malicious"
	ClassificationBenign    Classification = "benign"
	ClassificationUncertain Classification = "uncertain"
)

// Valid reports whether c is a member of the closed classification set.
// The unset zero value is not a valid terminal classification.
func (c Classification) Valid() bool {
	switch c {
	case ClassificationMalicious, ClassificationBenign, ClassificationUncertain:
		return true
	}
	return false
}

// Event is an atomic endpoint/network observation. Raw fields are immutable
// after ingestion; only the classifier sets Classification/Rationale and only
// the grouping engine sets TicketID.
type Event struct {
	ID             string                 `json:"event_id"`
	HostID         string                 `json:"host_id"`
	Timestamp      time.Time              `json:"timestamp"`
	Type           EventType              `json:"event_type"`
	RawAttributes  map[string]interface{} `json:"raw_attributes,omitempty"`
	SummaryText    string                 `json:"summary_text,omitempty"`
	Classification Classification         `json:"classification,omitempty"`
	Rationale      string                 `json:"rationale,omitempty"`
	TicketID       string                 `json:"ticket_id,omitempty"`

	// Embedding of SummaryText; recomputed only if the summary changes.
	Embedding []float32 `json:"embedding,omitempty"`
}

// ContextWindow is the ordered (timestamp ascending) set of events on the
// same host within the half-window around an anchor event. It is never
// persisted and never contains the anchor itself.
type ContextWindow []Event

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketStatusOpen   TicketStatus = "open"
	TicketStatusClosed TicketStatus = "closed"
)

// Ticket is an incident record unifying one or more malicious events believed
// to share a single attack scenario.
type Ticket struct {
	ID                string       `json:"ticket_id"`
	Status            TicketStatus `json:"status"`
	MemberEventIDs    []string     `json:"member_event_ids"`
	ScenarioSummary   string       `json:"scenario_summary"`
	ScenarioEmbedding []float32    `json:"scenario_embedding,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`

	// RedirectTo points at the surviving ticket after a merge. Lookups for
	// this id must be resolved through the redirect chain to its root.
	RedirectTo string `json:"redirect_to,omitempty"`

	// Optimistic-concurrency guard from the store. Nil for tickets that have
	// not been read from the store yet.
	SeqNo       *int64 `json:"-"`
	PrimaryTerm *int64 `json:"-"`
}

// HasMember reports whether eventID is already in the member set.
func (t *Ticket) HasMember(eventID string) bool {
	for _, id := range t.MemberEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// AddMember appends eventID to the member set if not already present.
// Returns true if the set changed.
func (t *Ticket) AddMember(eventID string) bool {
	if t.HasMember(eventID) {
		return false
	}
	t.MemberEventIDs = append(t.MemberEventIDs, eventID)
	return true
}

// CandidateKind distinguishes what a similarity candidate references.
type CandidateKind string

const (
	CandidateTicket CandidateKind = "ticket"
	CandidateEvent  CandidateKind = "event"
)

// SimilarityCandidate is a transient retrieval result: either an open ticket
// (primary) or a historical reference event (bootstrap fallback), with its
// similarity score and a text excerpt for adjudication.
type SimilarityCandidate struct {
	Kind     CandidateKind `json:"kind"`
	TicketID string        `json:"ticket_id,omitempty"`
	EventID  string        `json:"event_id,omitempty"`
	Score    float64       `json:"similarity_score"`
	Excerpt  string        `json:"source_excerpt"`

	// UpdatedAt breaks score ties in favor of the most recently touched
	// source (ticket update time, or event time for fallback candidates).
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}
