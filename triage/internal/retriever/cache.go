package retriever

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// EmbeddingCache keeps per-event embeddings in Redis so repeated retrieval
// calls for the same event do not re-invoke the embedding model. Cache
// failures degrade to a recompute, never to a retrieval failure.
type EmbeddingCache struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewEmbeddingCache creates a cache. A nil client disables caching.
func NewEmbeddingCache(client *redis.Client, ttl time.Duration) *EmbeddingCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &EmbeddingCache{redis: client, ttl: ttl}
}

func (c *EmbeddingCache) key(eventID string) string {
	return "talon:embedding:" + eventID
}

// Get returns the cached vector for eventID, or (nil, false) on miss.
func (c *EmbeddingCache) Get(ctx context.Context, eventID string) ([]float32, bool) {
	if c.redis == nil {
		return nil, false
	}

	data, err := c.redis.Get(ctx, c.key(eventID)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false
	}
	if err != nil {
		return nil, false
	}

	var vec []float32
	if err := json.Unmarshal([]byte(data), &vec); err != nil {
		return nil, false
	}
	return vec, true
}

// Put stores the vector for eventID with the cache TTL.
func (c *EmbeddingCache) Put(ctx context.Context, eventID string, vec []float32) error {
	if c.redis == nil {
		return nil
	}

	data, err := json.Marshal(vec)
	if err != nil {
		return fmt.Errorf("marshal embedding: %w", err)
	}
	return c.redis.Set(ctx, c.key(eventID), data, c.ttl).Err()
}
