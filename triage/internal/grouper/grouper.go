// Package grouper assigns malicious events to incident tickets. Each grouping
// run takes one event plus its retrieved similarity candidates and ends in
// exactly one of: attach to an existing ticket, merge several tickets and
// attach to the survivor, or open a new ticket. Concurrent runs against the
// same ticket are serialized with per-ticket locks and optimistic writes.
package grouper

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

// Store is the persistence surface the engine needs.
type Store interface {
	GetEvent(ctx context.Context, id string) (*models.Event, error)
	UpdateEventTicket(ctx context.Context, eventID, ticketID string) error
	GetTicket(ctx context.Context, id string) (*models.Ticket, error)
	CreateTicket(ctx context.Context, t *models.Ticket) error
	PutTicket(ctx context.Context, t *models.Ticket) error
}

// Embedder turns scenario text into a vector for ticket retrieval.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// DecisionKind is the terminal outcome of a grouping run.
type DecisionKind string

const (
	DecisionAttached  DecisionKind = "attached"
	DecisionMerged    DecisionKind = "merged"
	DecisionNewTicket DecisionKind = "new_ticket"
	DecisionNoop      DecisionKind = "noop"
)

// Decision records how an event was grouped.
type Decision struct {
	Kind     DecisionKind `json:"kind"`
	TicketID string       `json:"ticket_id"`

	// MergedTicketIDs lists the tickets closed into TicketID, set only for
	// merge decisions.
	MergedTicketIDs []string `json:"merged_ticket_ids,omitempty"`

	// Reason carries the adjudicator's explanation for attach/merge.
	Reason string `json:"reason,omitempty"`
}

// Engine is the grouping engine.
type Engine struct {
	store       Store
	adjudicator Adjudicator
	embedder    Embedder
	locks       Locker
	log         *logging.Logger

	// MaxConflictRetries bounds optimistic-write retries per operation.
	MaxConflictRetries int

	// MaxRedirectDepth bounds redirect-chain resolution; a longer chain is
	// treated as a corrupt store.
	MaxRedirectDepth int
}

// New creates an Engine with defaults filled in.
func New(store Store, adjudicator Adjudicator, embedder Embedder, locks Locker, log *logging.Logger) *Engine {
	return &Engine{
		store:              store,
		adjudicator:        adjudicator,
		embedder:           embedder,
		locks:              locks,
		log:                log,
		MaxConflictRetries: 3,
		MaxRedirectDepth:   16,
	}
}

// Group runs the grouping state machine for one malicious event. Candidates
// come from the retriever and may reference stale or since-merged tickets;
// Group resolves them to live roots before adjudication. Group is idempotent:
// an event that already carries a ticket id is a no-op.
func (e *Engine) Group(ctx context.Context, event *models.Event, candidates []models.SimilarityCandidate) (*Decision, error) {
	if event.Classification != models.ClassificationMalicious {
		return nil, fmt.Errorf("group event %s: classification is %q, only malicious events are grouped", event.ID, event.Classification)
	}

	if event.TicketID != "" {
		return e.reconfirm(ctx, event)
	}

	roots, err := e.resolveCandidates(ctx, candidates)
	if err != nil {
		return nil, fmt.Errorf("group event %s: %w", event.ID, err)
	}

	affirmed, reason, err := e.adjudicate(ctx, event, roots)
	if err != nil {
		return nil, fmt.Errorf("group event %s: %w", event.ID, err)
	}

	switch len(affirmed) {
	case 0:
		return e.openTicket(ctx, event)
	case 1:
		return e.attach(ctx, event, affirmed[0].ID, reason)
	default:
		return e.merge(ctx, event, affirmed, reason)
	}
}

// reconfirm handles the idempotent re-delivery path: the event is already
// grouped, but its ticket may have been merged away since, in which case the
// back-reference is repointed at the live root.
func (e *Engine) reconfirm(ctx context.Context, event *models.Event) (*Decision, error) {
	root, err := e.resolveRoot(ctx, event.TicketID)
	if err != nil {
		return nil, fmt.Errorf("group event %s: %w", event.ID, err)
	}
	if root.ID != event.TicketID {
		if err := e.store.UpdateEventTicket(ctx, event.ID, root.ID); err != nil {
			return nil, fmt.Errorf("group event %s: repoint to merged ticket: %w", event.ID, err)
		}
		event.TicketID = root.ID
	}
	e.log.DebugContext(ctx, "event already grouped",
		logging.EventID(event.ID), logging.TicketID(root.ID))
	return &Decision{Kind: DecisionNoop, TicketID: root.ID}, nil
}

// rootCandidate is a similarity candidate resolved to a live root ticket.
type rootCandidate struct {
	ticket *models.Ticket
	score  float64
}

// resolveCandidates maps retrieval candidates to distinct open root tickets,
// keeping the best score per root. Event candidates resolve through their
// owning ticket; ungrouped event candidates carry no attachable ticket and
// are dropped.
func (e *Engine) resolveCandidates(ctx context.Context, candidates []models.SimilarityCandidate) ([]rootCandidate, error) {
	byRoot := make(map[string]int)
	var roots []rootCandidate

	for _, c := range candidates {
		ticketID := c.TicketID
		if c.Kind == models.CandidateEvent && ticketID == "" {
			ev, err := e.store.GetEvent(ctx, c.EventID)
			if err != nil {
				if errors.Is(err, faults.ErrNotFound) {
					continue
				}
				return nil, err
			}
			ticketID = ev.TicketID
		}
		if ticketID == "" {
			continue
		}

		root, err := e.resolveRoot(ctx, ticketID)
		if err != nil {
			if errors.Is(err, faults.ErrNotFound) {
				e.log.WarnContext(ctx, "candidate references missing ticket",
					logging.TicketID(ticketID))
				continue
			}
			return nil, err
		}
		if root.Status != models.TicketStatusOpen {
			continue
		}

		if i, ok := byRoot[root.ID]; ok {
			if c.Score > roots[i].score {
				roots[i].score = c.Score
			}
			continue
		}
		byRoot[root.ID] = len(roots)
		roots = append(roots, rootCandidate{ticket: root, score: c.Score})
	}

	sort.SliceStable(roots, func(i, j int) bool {
		if roots[i].score != roots[j].score {
			return roots[i].score > roots[j].score
		}
		// Equal scores: prefer the most recently updated ticket.
		return roots[i].ticket.UpdatedAt.After(roots[j].ticket.UpdatedAt)
	})
	return roots, nil
}

// adjudicate asks the model about every distinct root. All roots are judged,
// not just the best-scoring one: multiple affirmations are the signal that
// separate tickets describe one incident and should merge.
func (e *Engine) adjudicate(ctx context.Context, event *models.Event, roots []rootCandidate) ([]*models.Ticket, string, error) {
	var affirmed []*models.Ticket
	var reason string

	for _, rc := range roots {
		continues, why, err := e.adjudicator.Continues(ctx, event, rc.ticket.ScenarioSummary)
		if err != nil {
			return nil, "", err
		}
		if !continues {
			continue
		}
		affirmed = append(affirmed, rc.ticket)
		if reason == "" {
			reason = why
		}
	}
	return affirmed, reason, nil
}

// openTicket creates a fresh single-member ticket for the event.
func (e *Engine) openTicket(ctx context.Context, event *models.Event) (*Decision, error) {
	summary := appendScenarioLine("", event)
	vec, err := e.embedder.Embed(ctx, summary)
	if err != nil {
		return nil, fmt.Errorf("group event %s: embed scenario: %w", event.ID, err)
	}

	now := time.Now().UTC()
	t := &models.Ticket{
		ID:                uuid.Must(uuid.NewV7()).String(),
		Status:            models.TicketStatusOpen,
		MemberEventIDs:    []string{event.ID},
		ScenarioSummary:   summary,
		ScenarioEmbedding: vec,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.store.CreateTicket(ctx, t); err != nil {
		return nil, fmt.Errorf("group event %s: create ticket: %w", event.ID, err)
	}
	if err := e.finalize(ctx, event, t.ID); err != nil {
		return nil, err
	}

	e.log.InfoContext(ctx, "opened ticket",
		logging.EventID(event.ID), logging.TicketID(t.ID))
	return &Decision{Kind: DecisionNewTicket, TicketID: t.ID}, nil
}

// attach adds the event to an existing ticket under its lock. The ticket may
// have been merged away between adjudication and locking, in which case the
// redirect is followed and the attach re-attempted against the new root.
func (e *Engine) attach(ctx context.Context, event *models.Event, ticketID, reason string) (*Decision, error) {
	for depth := 0; depth <= e.MaxRedirectDepth; depth++ {
		release, err := e.locks.Acquire(ctx, ticketID)
		if err != nil {
			return nil, fmt.Errorf("group event %s: %w", event.ID, err)
		}

		redirected, err := e.attachLocked(ctx, event, ticketID)
		release()
		if err != nil {
			return nil, fmt.Errorf("group event %s: %w", event.ID, err)
		}
		if redirected != "" {
			ticketID = redirected
			continue
		}

		if err := e.finalize(ctx, event, ticketID); err != nil {
			return nil, err
		}
		e.log.InfoContext(ctx, "attached event",
			logging.EventID(event.ID), logging.TicketID(ticketID))
		return &Decision{Kind: DecisionAttached, TicketID: ticketID, Reason: reason}, nil
	}
	return nil, fmt.Errorf("group event %s: %w: redirect chain exceeds depth %d", event.ID, faults.ErrInvariantViolation, e.MaxRedirectDepth)
}

// attachLocked mutates the ticket under an already-held lock. A non-empty
// redirected return means the ticket was merged away and the caller must
// retry against the returned root.
func (e *Engine) attachLocked(ctx context.Context, event *models.Event, ticketID string) (redirected string, err error) {
	for attempt := 0; attempt <= e.MaxConflictRetries; attempt++ {
		t, err := e.store.GetTicket(ctx, ticketID)
		if err != nil {
			return "", err
		}
		if t.RedirectTo != "" {
			return t.RedirectTo, nil
		}
		if t.Status != models.TicketStatusOpen {
			return "", fmt.Errorf("%w: ticket %s is closed without redirect", faults.ErrInvariantViolation, t.ID)
		}
		if t.HasMember(event.ID) {
			return "", nil
		}

		t.AddMember(event.ID)
		t.ScenarioSummary = appendScenarioLine(t.ScenarioSummary, event)
		vec, err := e.embedder.Embed(ctx, t.ScenarioSummary)
		if err != nil {
			return "", fmt.Errorf("embed scenario: %w", err)
		}
		t.ScenarioEmbedding = vec
		t.UpdatedAt = time.Now().UTC()

		err = e.store.PutTicket(ctx, t)
		if err == nil {
			return "", nil
		}
		if !errors.Is(err, faults.ErrConflict) {
			return "", err
		}
		e.log.WarnContext(ctx, "ticket write conflict, retrying",
			logging.TicketID(ticketID), logging.Attempt(attempt+1))
	}
	return "", fmt.Errorf("%w: ticket %s write conflicts exhausted retries", faults.ErrStoreUnavailable, ticketID)
}

// merge unifies all affirmed tickets under the earliest-created survivor,
// closes the rest with redirects, repoints their member events, and attaches
// the new event to the survivor. Locks are taken in sorted id order.
func (e *Engine) merge(ctx context.Context, event *models.Event, affirmed []*models.Ticket, reason string) (*Decision, error) {
	ids := make([]string, 0, len(affirmed))
	for _, t := range affirmed {
		ids = append(ids, t.ID)
	}
	sort.Strings(ids)

	for attempt := 0; attempt <= e.MaxConflictRetries; attempt++ {
		decision, retry, err := e.mergeOnce(ctx, event, ids, reason)
		if err != nil {
			return nil, fmt.Errorf("group event %s: %w", event.ID, err)
		}
		if retry {
			continue
		}
		return decision, nil
	}
	return nil, fmt.Errorf("group event %s: %w: merge conflicts exhausted retries", event.ID, faults.ErrStoreUnavailable)
}

// mergeOnce attempts one merge pass under locks. retry is true when a
// concurrent merge changed the root set and the pass must be re-run.
func (e *Engine) mergeOnce(ctx context.Context, event *models.Event, ids []string, reason string) (_ *Decision, retry bool, err error) {
	var releases []func()
	defer func() {
		for i := len(releases) - 1; i >= 0; i-- {
			releases[i]()
		}
	}()
	for _, id := range ids {
		release, err := e.locks.Acquire(ctx, id)
		if err != nil {
			return nil, false, err
		}
		releases = append(releases, release)
	}

	// Fresh reads under the locks. A concurrent merge may have redirected
	// one of the roots; the lock set no longer matches, so start over.
	tickets := make([]*models.Ticket, 0, len(ids))
	seen := make(map[string]struct{})
	for _, id := range ids {
		t, err := e.store.GetTicket(ctx, id)
		if err != nil {
			return nil, false, err
		}
		if t.RedirectTo != "" {
			return nil, true, nil
		}
		if _, ok := seen[t.ID]; ok {
			continue
		}
		seen[t.ID] = struct{}{}
		tickets = append(tickets, t)
	}
	if len(tickets) == 1 {
		// Concurrent merges already collapsed the set.
		redirected, err := e.attachLocked(ctx, event, tickets[0].ID)
		if err != nil {
			return nil, false, err
		}
		if redirected != "" {
			return nil, true, nil
		}
		if err := e.finalize(ctx, event, tickets[0].ID); err != nil {
			return nil, false, err
		}
		return &Decision{Kind: DecisionAttached, TicketID: tickets[0].ID, Reason: reason}, false, nil
	}

	sort.SliceStable(tickets, func(i, j int) bool {
		if !tickets[i].CreatedAt.Equal(tickets[j].CreatedAt) {
			return tickets[i].CreatedAt.Before(tickets[j].CreatedAt)
		}
		return tickets[i].ID < tickets[j].ID
	})
	survivor, losers := tickets[0], tickets[1:]

	summaries := make([]string, 0, len(tickets))
	for _, t := range tickets {
		summaries = append(summaries, t.ScenarioSummary)
	}
	for _, loser := range losers {
		for _, id := range loser.MemberEventIDs {
			survivor.AddMember(id)
		}
	}
	survivor.AddMember(event.ID)
	survivor.ScenarioSummary = appendScenarioLine(mergeScenarios(summaries...), event)

	vec, err := e.embedder.Embed(ctx, survivor.ScenarioSummary)
	if err != nil {
		return nil, false, fmt.Errorf("embed scenario: %w", err)
	}
	survivor.ScenarioEmbedding = vec

	now := time.Now().UTC()
	survivor.UpdatedAt = now
	if err := e.store.PutTicket(ctx, survivor); err != nil {
		if errors.Is(err, faults.ErrConflict) {
			return nil, true, nil
		}
		return nil, false, err
	}

	mergedIDs := make([]string, 0, len(losers))
	for _, loser := range losers {
		loser.Status = models.TicketStatusClosed
		loser.RedirectTo = survivor.ID
		loser.UpdatedAt = now
		if err := e.store.PutTicket(ctx, loser); err != nil {
			return nil, false, fmt.Errorf("close merged ticket %s: %w", loser.ID, err)
		}
		for _, memberID := range loser.MemberEventIDs {
			if err := e.store.UpdateEventTicket(ctx, memberID, survivor.ID); err != nil {
				return nil, false, fmt.Errorf("repoint event %s: %w", memberID, err)
			}
		}
		mergedIDs = append(mergedIDs, loser.ID)
	}

	if err := e.finalize(ctx, event, survivor.ID); err != nil {
		return nil, false, err
	}

	e.log.InfoContext(ctx, "merged tickets",
		logging.EventID(event.ID), logging.TicketID(survivor.ID),
		"merged_ticket_ids", mergedIDs)
	return &Decision{
		Kind:            DecisionMerged,
		TicketID:        survivor.ID,
		MergedTicketIDs: mergedIDs,
		Reason:          reason,
	}, false, nil
}

// finalize writes the event back-reference and verifies the bidirectional
// membership invariant before the decision is reported.
func (e *Engine) finalize(ctx context.Context, event *models.Event, ticketID string) error {
	if err := e.store.UpdateEventTicket(ctx, event.ID, ticketID); err != nil {
		return fmt.Errorf("group event %s: set ticket reference: %w", event.ID, err)
	}
	event.TicketID = ticketID

	t, err := e.store.GetTicket(ctx, ticketID)
	if err != nil {
		return fmt.Errorf("group event %s: verify ticket: %w", event.ID, err)
	}
	if !t.HasMember(event.ID) {
		return fmt.Errorf("group event %s: %w: ticket %s does not list event as member", event.ID, faults.ErrInvariantViolation, ticketID)
	}
	return nil
}

// resolveRoot follows the redirect chain from id to its live root.
func (e *Engine) resolveRoot(ctx context.Context, id string) (*models.Ticket, error) {
	for depth := 0; depth <= e.MaxRedirectDepth; depth++ {
		t, err := e.store.GetTicket(ctx, id)
		if err != nil {
			return nil, err
		}
		if t.RedirectTo == "" {
			return t, nil
		}
		id = t.RedirectTo
	}
	return nil, fmt.Errorf("%w: redirect chain from %s exceeds depth %d", faults.ErrInvariantViolation, id, e.MaxRedirectDepth)
}
