package service

import (
	"context"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talonsec/talon-stack/common/logging"
	"github.com/talonsec/talon-stack/lookup/internal/client"
	"github.com/talonsec/talon-stack/lookup/internal/models"
)

type fakeStore struct {
	tickets map[string]*models.Ticket
	events  map[string]*client.EventQueryInfo
	hits    []client.TicketHit

	gotVector []float32
	gotK      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		tickets: make(map[string]*models.Ticket),
		events:  make(map[string]*client.EventQueryInfo),
	}
}

func (s *fakeStore) GetTicket(_ context.Context, id string) (*models.Ticket, error) {
	t, ok := s.tickets[id]
	if !ok {
		return nil, fmt.Errorf("ticket %s: %w", id, client.ErrNotFound)
	}
	return t, nil
}

func (s *fakeStore) GetEventQueryInfo(_ context.Context, eventID string) (*client.EventQueryInfo, error) {
	ev, ok := s.events[eventID]
	if !ok {
		return nil, fmt.Errorf("event %s: %w", eventID, client.ErrNotFound)
	}
	return ev, nil
}

func (s *fakeStore) QuerySimilarTickets(_ context.Context, vector []float32, k int, _ float64) ([]client.TicketHit, error) {
	s.gotVector = vector
	s.gotK = k
	return s.hits, nil
}

type fakeEmbedder struct {
	vec   []float32
	calls int
}

func (e *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	e.calls++
	return e.vec, nil
}

func testLogger() *logging.Logger {
	return logging.New(slog.LevelError, "text")
}

func openTicket(id, summary string) *models.Ticket {
	return &models.Ticket{
		ID:              id,
		Status:          "open",
		MemberEventIDs:  []string{"e1", "e2"},
		ScenarioSummary: summary,
		UpdatedAt:       time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC),
	}
}

func TestFindSimilarByText(t *testing.T) {
	store := newFakeStore()
	store.tickets["t1"] = openTicket("t1", "lateral movement on h1")
	store.hits = []client.TicketHit{{Score: 0.9, Ticket: *store.tickets["t1"]}}

	emb := &fakeEmbedder{vec: []float32{1, 2, 3}}
	svc := New(store, emb, testLogger(), Config{TopK: 5})

	results, err := svc.FindSimilar(context.Background(), Query{Text: "powershell from winword"})
	require.NoError(t, err)

	assert.Equal(t, 1, emb.calls)
	assert.Equal(t, []float32{1, 2, 3}, store.gotVector)
	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].TicketID)
	assert.Equal(t, 0.9, results[0].Score)
	assert.Equal(t, 2, results[0].Members)
	assert.Empty(t, results[0].ResolvedFrom)
}

func TestFindSimilarByEventUsesStoredEmbedding(t *testing.T) {
	store := newFakeStore()
	store.events["e1"] = &client.EventQueryInfo{
		SummaryText: "some activity",
		Embedding:   []float32{4, 5, 6},
	}

	emb := &fakeEmbedder{vec: []float32{9, 9, 9}}
	svc := New(store, emb, testLogger(), Config{})

	_, err := svc.FindSimilar(context.Background(), Query{EventID: "e1"})
	require.NoError(t, err)

	assert.Zero(t, emb.calls, "stored embedding must not be recomputed")
	assert.Equal(t, []float32{4, 5, 6}, store.gotVector)
}

func TestFindSimilarByTicketUsesStoredScenarioEmbedding(t *testing.T) {
	store := newFakeStore()
	anchor := openTicket("t1", "beaconing cluster")
	anchor.ScenarioEmbedding = []float32{7, 8, 9}
	store.tickets["t1"] = anchor
	neighbor := openTicket("t2", "similar beaconing")
	store.tickets["t2"] = neighbor
	store.hits = []client.TicketHit{
		{Score: 1.0, Ticket: *anchor},
		{Score: 0.82, Ticket: *neighbor},
	}

	emb := &fakeEmbedder{vec: []float32{9, 9, 9}}
	svc := New(store, emb, testLogger(), Config{TopK: 5})

	results, err := svc.FindSimilar(context.Background(), Query{TicketID: "t1"})
	require.NoError(t, err)

	assert.Zero(t, emb.calls, "stored scenario embedding must not be recomputed")
	assert.Equal(t, []float32{7, 8, 9}, store.gotVector)
	require.Len(t, results, 1, "the anchor itself is excluded")
	assert.Equal(t, "t2", results[0].TicketID)
}

func TestFindSimilarByTicketAnchorsOnMergeSurvivor(t *testing.T) {
	store := newFakeStore()
	survivor := openTicket("t1", "surviving scenario")
	survivor.ScenarioEmbedding = []float32{1, 1, 1}
	store.tickets["t1"] = survivor
	merged := openTicket("t2", "merged away")
	merged.Status = "closed"
	merged.RedirectTo = "t1"
	store.tickets["t2"] = merged
	store.hits = []client.TicketHit{{Score: 0.95, Ticket: *survivor}}

	svc := New(store, &fakeEmbedder{}, testLogger(), Config{TopK: 5})

	results, err := svc.FindSimilar(context.Background(), Query{TicketID: "t2"})
	require.NoError(t, err)

	assert.Equal(t, []float32{1, 1, 1}, store.gotVector, "anchor resolves to the survivor's embedding")
	assert.Empty(t, results, "the survivor is the anchor root and is excluded")
}

func TestFindSimilarByTicketNotFound(t *testing.T) {
	svc := New(newFakeStore(), &fakeEmbedder{}, testLogger(), Config{})

	_, err := svc.FindSimilar(context.Background(), Query{TicketID: "missing"})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFindSimilarResolvesMergeRedirects(t *testing.T) {
	store := newFakeStore()
	root := openTicket("t1", "surviving scenario")
	merged := openTicket("t2", "merged away")
	merged.Status = "closed"
	merged.RedirectTo = "t1"
	store.tickets["t1"] = root
	store.tickets["t2"] = merged

	// Both the root and the closed ticket match; they must collapse into
	// one result under the root.
	store.hits = []client.TicketHit{
		{Score: 0.95, Ticket: *merged},
		{Score: 0.90, Ticket: *root},
	}

	svc := New(store, &fakeEmbedder{vec: []float32{1}}, testLogger(), Config{})
	results, err := svc.FindSimilar(context.Background(), Query{Text: "q"})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "t1", results[0].TicketID)
	assert.Equal(t, 0.95, results[0].Score, "best score across duplicates wins")
	assert.Equal(t, "t2", results[0].ResolvedFrom)
}

func TestFindSimilarRejectsEmptyQuery(t *testing.T) {
	svc := New(newFakeStore(), &fakeEmbedder{}, testLogger(), Config{})
	_, err := svc.FindSimilar(context.Background(), Query{})
	require.ErrorIs(t, err, ErrEmptyQuery)
}

func TestFindSimilarCapsTopK(t *testing.T) {
	store := newFakeStore()
	svc := New(store, &fakeEmbedder{vec: []float32{1}}, testLogger(), Config{TopK: 5})

	_, err := svc.FindSimilar(context.Background(), Query{Text: "q", TopK: 50})
	require.NoError(t, err)
	assert.Equal(t, 5, store.gotK, "client-requested k is capped at the configured maximum")
}

func TestGetTicketFollowsRedirects(t *testing.T) {
	store := newFakeStore()
	root := openTicket("t1", "root")
	mergedA := openTicket("t2", "merged")
	mergedA.RedirectTo = "t3"
	mergedB := openTicket("t3", "intermediate")
	mergedB.RedirectTo = "t1"
	store.tickets["t1"] = root
	store.tickets["t2"] = mergedA
	store.tickets["t3"] = mergedB

	svc := New(store, &fakeEmbedder{}, testLogger(), Config{})
	got, resolvedFrom, err := svc.GetTicket(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.ID)
	assert.Equal(t, "t2", resolvedFrom)
}

func TestGetTicketNotFound(t *testing.T) {
	svc := New(newFakeStore(), &fakeEmbedder{}, testLogger(), Config{})
	_, _, err := svc.GetTicket(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}
