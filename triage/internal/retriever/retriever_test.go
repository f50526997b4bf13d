package retriever

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talonsec/talon-stack/triage/internal/faults"
	"github.com/talonsec/talon-stack/triage/internal/models"
)

type fakeSimilarityStore struct {
	tickets []models.SimilarityCandidate
	events  []models.SimilarityCandidate
	err     error

	ticketCalls int
	eventCalls  int
	gotFloor    float64
}

func (f *fakeSimilarityStore) QuerySimilarTickets(ctx context.Context, vector []float32, k int, floor float64) ([]models.SimilarityCandidate, error) {
	f.ticketCalls++
	f.gotFloor = floor
	if f.err != nil {
		return nil, f.err
	}
	return f.tickets, nil
}

func (f *fakeSimilarityStore) QuerySimilarEvents(ctx context.Context, vector []float32, k int, floor float64) ([]models.SimilarityCandidate, error) {
	f.eventCalls++
	if f.err != nil {
		return nil, f.err
	}
	return f.events, nil
}

type countingEmbedder struct {
	vec   []float32
	err   error
	calls int
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.vec, nil
}

func maliciousEvent(id string) *models.Event {
	return &models.Event{
		ID:             id,
		HostID:         "host-1",
		Classification: models.ClassificationMalicious,
		SummaryText:    "encoded powershell from office process",
	}
}

func newTestCache(t *testing.T) *EmbeddingCache {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewEmbeddingCache(client, time.Hour)
}

func TestRetrievePrimaryTickets(t *testing.T) {
	store := &fakeSimilarityStore{
		tickets: []models.SimilarityCandidate{
			{Kind: models.CandidateTicket, TicketID: "t-low", Score: 0.4, Excerpt: "a"},
			{Kind: models.CandidateTicket, TicketID: "t-high", Score: 0.9, Excerpt: "b"},
		},
	}
	embedder := &countingEmbedder{vec: []float32{1, 0}}
	r := New(store, embedder, newTestCache(t), Config{TopK: 5, Floor: 0.3})

	candidates, err := r.Retrieve(context.Background(), maliciousEvent("ev-1"))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "t-high", candidates[0].TicketID, "most similar first")
	assert.Equal(t, 0, store.eventCalls, "fallback must not run when tickets match")
	assert.Equal(t, 0.3, store.gotFloor)
}

func TestRetrieveFallbackToEvents(t *testing.T) {
	store := &fakeSimilarityStore{
		events: []models.SimilarityCandidate{
			{Kind: models.CandidateEvent, EventID: "ref-1", Score: 0.7, Excerpt: "ref"},
		},
	}
	r := New(store, &countingEmbedder{vec: []float32{1, 0}}, newTestCache(t), Config{})

	candidates, err := r.Retrieve(context.Background(), maliciousEvent("ev-1"))
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, models.CandidateEvent, candidates[0].Kind)
	assert.Equal(t, 1, store.ticketCalls)
	assert.Equal(t, 1, store.eventCalls)
}

func TestRetrieveEmptyIndex(t *testing.T) {
	r := New(&fakeSimilarityStore{}, &countingEmbedder{vec: []float32{1, 0}}, newTestCache(t), Config{})

	candidates, err := r.Retrieve(context.Background(), maliciousEvent("ev-1"))
	require.NoError(t, err, "empty index must not be an error")
	assert.Empty(t, candidates)
}

func TestRetrievePreconditions(t *testing.T) {
	r := New(&fakeSimilarityStore{}, &countingEmbedder{vec: []float32{1, 0}}, newTestCache(t), Config{})

	benign := maliciousEvent("ev-1")
	benign.Classification = models.ClassificationBenign
	_, err := r.Retrieve(context.Background(), benign)
	assert.Error(t, err)

	noSummary := maliciousEvent("ev-2")
	noSummary.SummaryText = ""
	_, err = r.Retrieve(context.Background(), noSummary)
	assert.Error(t, err)
}

func TestEmbeddingCachedAcrossCalls(t *testing.T) {
	store := &fakeSimilarityStore{}
	embedder := &countingEmbedder{vec: []float32{0.5, 0.5}}
	r := New(store, embedder, newTestCache(t), Config{})

	ev := maliciousEvent("ev-1")
	_, err := r.Retrieve(context.Background(), ev)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), ev)
	require.NoError(t, err)

	assert.Equal(t, 1, embedder.calls, "second retrieval must hit the cache")
}

func TestEmbedderFailurePropagates(t *testing.T) {
	embedder := &countingEmbedder{err: fmt.Errorf("embed: %w", faults.ErrClassifierUnavailable)}
	r := New(&fakeSimilarityStore{}, embedder, newTestCache(t), Config{})

	_, err := r.Retrieve(context.Background(), maliciousEvent("ev-1"))
	require.Error(t, err)
	assert.True(t, faults.Transient(err))
}

func TestRetrieveTieBreaksByRecency(t *testing.T) {
	older := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	newer := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	store := &fakeSimilarityStore{
		tickets: []models.SimilarityCandidate{
			{Kind: models.CandidateTicket, TicketID: "t-stale", Score: 0.8, UpdatedAt: older},
			{Kind: models.CandidateTicket, TicketID: "t-fresh", Score: 0.8, UpdatedAt: newer},
		},
	}
	r := New(store, &countingEmbedder{vec: []float32{1}}, newTestCache(t), Config{TopK: 5})

	candidates, err := r.Retrieve(context.Background(), maliciousEvent("ev-1"))
	require.NoError(t, err)
	require.Len(t, candidates, 2)
	assert.Equal(t, "t-fresh", candidates[0].TicketID, "equal scores break toward the recently updated ticket")
}

func TestRetrieveTopKBound(t *testing.T) {
	store := &fakeSimilarityStore{}
	for i := 0; i < 10; i++ {
		store.tickets = append(store.tickets, models.SimilarityCandidate{
			Kind:     models.CandidateTicket,
			TicketID: fmt.Sprintf("t-%d", i),
			Score:    float64(i) / 10,
		})
	}
	r := New(store, &countingEmbedder{vec: []float32{1}}, newTestCache(t), Config{TopK: 3})

	candidates, err := r.Retrieve(context.Background(), maliciousEvent("ev-1"))
	require.NoError(t, err)
	assert.Len(t, candidates, 3)
	assert.Equal(t, "t-9", candidates[0].TicketID)
}
