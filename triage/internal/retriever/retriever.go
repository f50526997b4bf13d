// Package retriever finds the historical incidents most similar to a newly
// classified malicious event. Open tickets are the primary corpus; when none
// qualifies, historical event embeddings bootstrap grouping for scenarios
// that have no ticket yet.
package retriever

import (
	"context"
	"fmt"
	"sort"

	"github.com/talonsec/talon-stack/triage/internal/models"
)

// SimilarityStore is the vector-query slice of the store.
type SimilarityStore interface {
	QuerySimilarTickets(ctx context.Context, vector []float32, k int, floor float64) ([]models.SimilarityCandidate, error)
	QuerySimilarEvents(ctx context.Context, vector []float32, k int, floor float64) ([]models.SimilarityCandidate, error)
}

// Embedder maps summary text to a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Config holds retrieval tuning.
type Config struct {
	// TopK bounds the candidate list handed to adjudication.
	TopK int

	// Floor discards weak matches before adjudication so the reasoning model
	// is not flooded with noise.
	Floor float64
}

// Retriever performs embedding + approximate nearest-neighbor retrieval.
type Retriever struct {
	store    SimilarityStore
	embedder Embedder
	cache    *EmbeddingCache
	cfg      Config
}

// New creates a Retriever with defaults filled in.
func New(store SimilarityStore, embedder Embedder, cache *EmbeddingCache, cfg Config) *Retriever {
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	if cfg.Floor < 0 {
		cfg.Floor = 0
	}
	return &Retriever{store: store, embedder: embedder, cache: cache, cfg: cfg}
}

// Embedding returns the event's summary embedding, consulting the cache
// before the embedding model.
func (r *Retriever) Embedding(ctx context.Context, event *models.Event) ([]float32, error) {
	if len(event.Embedding) > 0 {
		return event.Embedding, nil
	}
	if vec, ok := r.cache.Get(ctx, event.ID); ok {
		return vec, nil
	}

	vec, err := r.embedder.Embed(ctx, event.SummaryText)
	if err != nil {
		return nil, fmt.Errorf("embed event %s: %w", event.ID, err)
	}

	// Best effort; a dead cache must not fail retrieval.
	_ = r.cache.Put(ctx, event.ID, vec)
	return vec, nil
}

// Retrieve returns up to TopK similarity candidates for a malicious event,
// most similar first. An empty index or no candidate above the floor yields
// an empty slice.
func (r *Retriever) Retrieve(ctx context.Context, event *models.Event) ([]models.SimilarityCandidate, error) {
	if event.Classification != models.ClassificationMalicious {
		return nil, fmt.Errorf("event %s is not classified malicious", event.ID)
	}
	if event.SummaryText == "" {
		return nil, fmt.Errorf("event %s has no summary text to embed", event.ID)
	}

	vec, err := r.Embedding(ctx, event)
	if err != nil {
		return nil, err
	}

	candidates, err := r.store.QuerySimilarTickets(ctx, vec, r.cfg.TopK, r.cfg.Floor)
	if err != nil {
		return nil, fmt.Errorf("retrieve tickets for event %s: %w", event.ID, err)
	}

	if len(candidates) == 0 {
		candidates, err = r.store.QuerySimilarEvents(ctx, vec, r.cfg.TopK, r.cfg.Floor)
		if err != nil {
			return nil, fmt.Errorf("retrieve reference events for event %s: %w", event.ID, err)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		// Equal scores: prefer the most recently updated source.
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	if len(candidates) > r.cfg.TopK {
		candidates = candidates[:r.cfg.TopK]
	}
	return candidates, nil
}
