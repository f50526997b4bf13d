package grouper

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

type fakeStore struct {
	mu      sync.Mutex
	events  map[string]*models.Event
	tickets map[string]*models.Ticket

	// putConflicts injects that many ErrConflict results on PutTicket
	// before writes start succeeding.
	putConflicts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		events:  make(map[string]*models.Event),
		tickets: make(map[string]*models.Ticket),
	}
}

func (s *fakeStore) GetEvent(_ context.Context, id string) (*models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, fmt.Errorf("%w: event %s", faults.ErrNotFound, id)
	}
	cp := *ev
	return &cp, nil
}

func (s *fakeStore) UpdateEventTicket(_ context.Context, eventID, ticketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev, ok := s.events[eventID]
	if !ok {
		return fmt.Errorf("%w: event %s", faults.ErrNotFound, eventID)
	}
	ev.TicketID = ticketID
	return nil
}

func (s *fakeStore) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("%w: ticket %s", faults.ErrNotFound, id)
	}
	cp := *t
	cp.MemberEventIDs = append([]string(nil), t.MemberEventIDs...)
	return &cp, nil
}

func (s *fakeStore) CreateTicket(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tickets[t.ID]; ok {
		return fmt.Errorf("%w: ticket %s", faults.ErrConflict, t.ID)
	}
	cp := *t
	s.tickets[t.ID] = &cp
	return nil
}

func (s *fakeStore) PutTicket(_ context.Context, t *models.Ticket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.putConflicts > 0 {
		s.putConflicts--
		return fmt.Errorf("%w: ticket %s", faults.ErrConflict, t.ID)
	}
	cp := *t
	cp.MemberEventIDs = append([]string(nil), t.MemberEventIDs...)
	s.tickets[t.ID] = &cp
	return nil
}

// fakeAdjudicator affirms the scenarios whose summary contains any of the
// affirm markers, recording every call.
type fakeAdjudicator struct {
	mu      sync.Mutex
	affirm  []string
	calls   []string
	failErr error
}

func (a *fakeAdjudicator) Continues(_ context.Context, _ *models.Event, scenario string) (bool, string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls = append(a.calls, scenario)
	if a.failErr != nil {
		return false, "", a.failErr
	}
	for _, marker := range a.affirm {
		if strings.Contains(scenario, marker) {
			return true, "same scenario", nil
		}
	}
	return false, "different scenario", nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.calls++
	e.mu.Unlock()
	return []float32{float32(len(text)), 1, 2}, nil
}

// memLocker is a process-local Locker for tests.
type memLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMemLocker() *memLocker {
	return &memLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *memLocker) Acquire(_ context.Context, key string) (func(), error) {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()
	m.Lock()
	return m.Unlock, nil
}

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

func maliciousEvent(id, host string) *models.Event {
	return &models.Event{
		ID:             id,
		HostID:         host,
		Timestamp:      time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
		Type:           models.EventTypeProcess,
		SummaryText:    "powershell spawned from winword",
		Classification: models.ClassificationMalicious,
	}
}

func openTicketWith(store *fakeStore, id string, created time.Time, eventIDs ...string) *models.Ticket {
	t := &models.Ticket{
		ID:              id,
		Status:          models.TicketStatusOpen,
		MemberEventIDs:  eventIDs,
		ScenarioSummary: "scenario " + id,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
	store.tickets[id] = t
	for _, evID := range eventIDs {
		store.events[evID] = &models.Event{
			ID: evID, HostID: "h1",
			Classification: models.ClassificationMalicious,
			TicketID:       id,
		}
	}
	return t
}

func newTestEngine(store *fakeStore, adj *fakeAdjudicator) *Engine {
	return New(store, adj, &fakeEmbedder{}, newMemLocker(), testLogger())
}

func TestGroupOpensTicketWithoutCandidates(t *testing.T) {
	store := newFakeStore()
	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	eng := newTestEngine(store, &fakeAdjudicator{})
	d, err := eng.Group(context.Background(), ev, nil)
	require.NoError(t, err)

	assert.Equal(t, DecisionNewTicket, d.Kind)
	require.NotEmpty(t, d.TicketID)

	created := store.tickets[d.TicketID]
	require.NotNil(t, created)
	assert.Equal(t, models.TicketStatusOpen, created.Status)
	assert.Equal(t, []string{"e1"}, created.MemberEventIDs)
	assert.Contains(t, created.ScenarioSummary, "powershell spawned from winword")
	assert.NotEmpty(t, created.ScenarioEmbedding)
	assert.Equal(t, d.TicketID, store.events["e1"].TicketID)
}

func TestGroupAttachesOnSingleAffirmation(t *testing.T) {
	store := newFakeStore()
	before := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	openTicketWith(store, "t1", before, "e0")

	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{affirm: []string{"scenario t1"}}
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.91, Excerpt: "scenario t1"},
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionAttached, d.Kind)
	assert.Equal(t, "t1", d.TicketID)
	assert.Equal(t, "same scenario", d.Reason)

	updated := store.tickets["t1"]
	assert.Equal(t, []string{"e0", "e1"}, updated.MemberEventIDs)
	assert.Contains(t, updated.ScenarioSummary, "powershell spawned from winword")
	assert.True(t, updated.UpdatedAt.After(before), "updated_at must advance")
	assert.NotEmpty(t, updated.ScenarioEmbedding, "scenario embedding recomputed")
	assert.Equal(t, "t1", store.events["e1"].TicketID)
}

func TestGroupMergesOnMultipleAffirmations(t *testing.T) {
	store := newFakeStore()
	older := time.Date(2026, 3, 14, 8, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	openTicketWith(store, "t1", older, "e0")
	openTicketWith(store, "t2", newer, "e5")

	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{affirm: []string{"scenario t1", "scenario t2"}}
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t2", Score: 0.95},
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.90},
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionMerged, d.Kind)
	assert.Equal(t, "t1", d.TicketID, "earliest-created ticket survives")
	assert.Equal(t, []string{"t2"}, d.MergedTicketIDs)

	survivor := store.tickets["t1"]
	assert.ElementsMatch(t, []string{"e0", "e5", "e1"}, survivor.MemberEventIDs)
	assert.Equal(t, models.TicketStatusOpen, survivor.Status)

	loser := store.tickets["t2"]
	assert.Equal(t, models.TicketStatusClosed, loser.Status)
	assert.Equal(t, "t1", loser.RedirectTo)

	// Every member event points at the survivor.
	for _, id := range []string{"e0", "e5", "e1"} {
		assert.Equal(t, "t1", store.events[id].TicketID, "event %s", id)
	}
}

func TestGroupIsIdempotentForGroupedEvent(t *testing.T) {
	store := newFakeStore()
	openTicketWith(store, "t1", time.Now().UTC(), "e1")
	ev := store.events["e1"]
	ev.SummaryText = "already grouped"

	adj := &fakeAdjudicator{}
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.99},
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionNoop, d.Kind)
	assert.Equal(t, "t1", d.TicketID)
	assert.Empty(t, adj.calls, "no adjudication on re-delivery")
	assert.Equal(t, []string{"e1"}, store.tickets["t1"].MemberEventIDs)
}

func TestGroupRepointsThroughRedirectOnRedelivery(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	openTicketWith(store, "t1", now, "e1")
	survivor := openTicketWith(store, "t9", now.Add(-time.Hour), "e8")
	survivor.AddMember("e1")
	store.tickets["t1"].Status = models.TicketStatusClosed
	store.tickets["t1"].RedirectTo = "t9"

	ev := store.events["e1"]
	eng := newTestEngine(store, &fakeAdjudicator{})

	d, err := eng.Group(context.Background(), ev, nil)
	require.NoError(t, err)

	assert.Equal(t, DecisionNoop, d.Kind)
	assert.Equal(t, "t9", d.TicketID)
	assert.Equal(t, "t9", store.events["e1"].TicketID)
}

func TestGroupOpensTicketWhenAllCandidatesDenied(t *testing.T) {
	store := newFakeStore()
	openTicketWith(store, "t1", time.Now().UTC(), "e0")
	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{} // affirms nothing
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.85},
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionNewTicket, d.Kind)
	assert.NotEqual(t, "t1", d.TicketID)
	assert.Len(t, adj.calls, 1)
	assert.Equal(t, []string{"e0"}, store.tickets["t1"].MemberEventIDs, "denied ticket untouched")
}

func TestGroupRejectsNonMaliciousEvent(t *testing.T) {
	store := newFakeStore()
	ev := maliciousEvent("e1", "h1")
	ev.Classification = models.ClassificationBenign
	store.events[ev.ID] = ev

	eng := newTestEngine(store, &fakeAdjudicator{})
	_, err := eng.Group(context.Background(), ev, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "only malicious")
}

func TestGroupRetriesAttachOnWriteConflict(t *testing.T) {
	store := newFakeStore()
	openTicketWith(store, "t1", time.Now().UTC().Add(-time.Hour), "e0")
	store.putConflicts = 1

	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{affirm: []string{"scenario t1"}}
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAttached, d.Kind)
	assert.True(t, store.tickets["t1"].HasMember("e1"))
}

func TestGroupResolvesEventCandidateToOwningTicket(t *testing.T) {
	store := newFakeStore()
	openTicketWith(store, "t1", time.Now().UTC().Add(-time.Hour), "e0")
	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{affirm: []string{"scenario t1"}}
	eng := newTestEngine(store, adj)

	// Bootstrap fallback: the candidate is a reference event, not a ticket.
	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateEvent, EventID: "e0", Score: 0.88},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionAttached, d.Kind)
	assert.Equal(t, "t1", d.TicketID)
}

func TestGroupDropsUngroupedEventCandidates(t *testing.T) {
	store := newFakeStore()
	store.events["loner"] = &models.Event{
		ID: "loner", Classification: models.ClassificationMalicious,
	}
	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{}
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateEvent, EventID: "loner", Score: 0.9},
	})
	require.NoError(t, err)
	assert.Equal(t, DecisionNewTicket, d.Kind)
	assert.Empty(t, adj.calls, "no ticket means nothing to adjudicate")
}

func TestGroupDedupesCandidatesSharingRoot(t *testing.T) {
	store := newFakeStore()
	now := time.Now().UTC()
	openTicketWith(store, "t1", now.Add(-2*time.Hour), "e0")
	// t2 was merged into t1 earlier.
	openTicketWith(store, "t2", now.Add(-time.Hour), "e5")
	store.tickets["t2"].Status = models.TicketStatusClosed
	store.tickets["t2"].RedirectTo = "t1"

	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{affirm: []string{"scenario t1"}}
	eng := newTestEngine(store, adj)

	d, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.9},
		{Kind: models.CandidateTicket, TicketID: "t2", Score: 0.95},
	})
	require.NoError(t, err)

	assert.Equal(t, DecisionAttached, d.Kind, "same root must not look like a merge")
	assert.Equal(t, "t1", d.TicketID)
	assert.Len(t, adj.calls, 1, "one adjudication per distinct root")
}

func TestGroupTieBreaksEqualScoresByRecency(t *testing.T) {
	store := newFakeStore()
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	openTicketWith(store, "t-stale", now.Add(-3*time.Hour), "e0")
	openTicketWith(store, "t-fresh", now.Add(-2*time.Hour), "e5")
	store.tickets["t-stale"].UpdatedAt = now.Add(-2 * time.Hour)
	store.tickets["t-fresh"].UpdatedAt = now.Add(-time.Minute)

	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{}
	eng := newTestEngine(store, adj)

	_, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t-stale", Score: 0.85, Excerpt: "scenario t-stale"},
		{Kind: models.CandidateTicket, TicketID: "t-fresh", Score: 0.85, Excerpt: "scenario t-fresh"},
	})
	require.NoError(t, err)

	require.Len(t, adj.calls, 2)
	assert.Equal(t, "scenario t-fresh", adj.calls[0], "equal scores adjudicate the recently updated ticket first")
}

func TestGroupPropagatesAdjudicationFault(t *testing.T) {
	store := newFakeStore()
	openTicketWith(store, "t1", time.Now().UTC(), "e0")
	ev := maliciousEvent("e1", "h1")
	store.events[ev.ID] = ev

	adj := &fakeAdjudicator{failErr: fmt.Errorf("%w: model timeout", faults.ErrClassifierUnavailable)}
	eng := newTestEngine(store, adj)

	_, err := eng.Group(context.Background(), ev, []models.SimilarityCandidate{
		{Kind: models.CandidateTicket, TicketID: "t1", Score: 0.9},
	})
	require.Error(t, err)
	assert.True(t, faults.Transient(err))
}

func TestGroupMergeIsCommutative(t *testing.T) {
	// The surviving ticket depends on creation time, not candidate order.
	for name, order := range map[string][]string{
		"t1 first": {"t1", "t2"},
		"t2 first": {"t2", "t1"},
	} {
		t.Run(name, func(t *testing.T) {
			store := newFakeStore()
			openTicketWith(store, "t1", time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC), "e0")
			openTicketWith(store, "t2", time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC), "e5")

			ev := maliciousEvent("e1", "h1")
			store.events[ev.ID] = ev

			adj := &fakeAdjudicator{affirm: []string{"scenario t1", "scenario t2"}}
			eng := newTestEngine(store, adj)

			var cands []models.SimilarityCandidate
			for i, id := range order {
				cands = append(cands, models.SimilarityCandidate{
					Kind: models.CandidateTicket, TicketID: id, Score: 0.9 - float64(i)*0.01,
				})
			}
			d, err := eng.Group(context.Background(), ev, cands)
			require.NoError(t, err)
			assert.Equal(t, DecisionMerged, d.Kind)
			assert.Equal(t, "t1", d.TicketID)
		})
	}
}

func TestAppendScenarioLineBoundsSummary(t *testing.T) {
	summary := "oldest line marker"
	for i := 0; i < 200; i++ {
		ev := maliciousEvent(fmt.Sprintf("e%d", i), "h1")
		ev.SummaryText = fmt.Sprintf("activity line %d with some padding text", i)
		summary = appendScenarioLine(summary, ev)
	}

	assert.LessOrEqual(t, len(summary), scenarioSummaryLimit)
	assert.NotContains(t, summary, "oldest line marker", "oldest lines evicted first")
	assert.Contains(t, summary, "activity line 199", "newest line retained")
}

func TestMergeScenariosDeduplicatesLines(t *testing.T) {
	merged := mergeScenarios("a\nb", "b\nc")
	assert.Equal(t, "a\nb\nc", merged)
}
