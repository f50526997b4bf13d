// Package store is the boundary to the searchable event/ticket store. It
// wraps OpenSearch with typed queries: keyword+range filters for context
// windows, knn vector search for similarity retrieval, and
// optimistic-concurrency document replace for tickets.
package store

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/talonsec/talon-stack/triage/internal/faults"
)

// Config holds OpenSearch connection and index settings.
type Config struct {
	URL      string
	Username string
	Password string
	Insecure bool

	// EventIndex holds telemetry events, TicketIndex holds incident tickets.
	EventIndex  string
	TicketIndex string

	// EmbeddingDims is the knn_vector dimension for both indices.
	EmbeddingDims int
}

// Store provides typed access to the event and ticket indices.
type Store struct {
	client *opensearch.Client
	cfg    Config
}

// New creates a Store and verifies connectivity.
func New(cfg Config) (*Store, error) {
	httpClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				InsecureSkipVerify: cfg.Insecure,
			},
		},
	}

	osCfg := opensearch.Config{
		Addresses: []string{cfg.URL},
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: httpClient.Transport,
	}

	client, err := opensearch.NewClient(osCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create opensearch client: %w", err)
	}

	info, err := client.Info()
	if err != nil {
		return nil, fmt.Errorf("failed to ping opensearch: %w", err)
	}
	defer info.Body.Close()

	if info.IsError() {
		return nil, fmt.Errorf("opensearch returned error: %s", info.Status())
	}

	return &Store{client: client, cfg: cfg}, nil
}

// Client exposes the underlying OpenSearch client.
func (s *Store) Client() *opensearch.Client {
	return s.client
}

// Ping reports whether the store is reachable.
func (s *Store) Ping(ctx context.Context) error {
	info, err := s.client.Info(s.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("%w: %v", faults.ErrStoreUnavailable, err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("%w: %s", faults.ErrStoreUnavailable, info.Status())
	}
	return nil
}

// EnsureIndices creates the event and ticket indices with knn mappings when
// they do not exist yet. Safe to call on every startup.
func (s *Store) EnsureIndices(ctx context.Context) error {
	indices := map[string]map[string]interface{}{
		s.cfg.EventIndex:  s.eventMappings(),
		s.cfg.TicketIndex: s.ticketMappings(),
	}

	for name, mappings := range indices {
		exists, err := s.client.Indices.Exists([]string{name}, s.client.Indices.Exists.WithContext(ctx))
		if err != nil {
			return fmt.Errorf("%w: check index %s: %v", faults.ErrStoreUnavailable, name, err)
		}
		exists.Body.Close()
		if exists.StatusCode == http.StatusOK {
			continue
		}

		body := map[string]interface{}{
			"settings": map[string]interface{}{
				"index.knn": true,
			},
			"mappings": mappings,
		}
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}

		res, err := s.client.Indices.Create(
			name,
			s.client.Indices.Create.WithContext(ctx),
			s.client.Indices.Create.WithBody(bytes.NewReader(payload)),
		)
		if err != nil {
			return fmt.Errorf("%w: create index %s: %v", faults.ErrStoreUnavailable, name, err)
		}
		defer res.Body.Close()

		if res.IsError() {
			detail, _ := io.ReadAll(res.Body)
			return fmt.Errorf("create index %s: %s - %s", name, res.Status(), string(detail))
		}
	}

	return nil
}

func (s *Store) eventMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"event_id":       map[string]interface{}{"type": "keyword"},
			"host_id":        map[string]interface{}{"type": "keyword"},
			"timestamp":      map[string]interface{}{"type": "date"},
			"event_type":     map[string]interface{}{"type": "keyword"},
			"summary_text":   map[string]interface{}{"type": "text"},
			"classification": map[string]interface{}{"type": "keyword"},
			"rationale":      map[string]interface{}{"type": "text"},
			"ticket_id":      map[string]interface{}{"type": "keyword"},
			"raw_attributes": map[string]interface{}{"type": "object", "enabled": true},
			"embedding": map[string]interface{}{
				"type":      "knn_vector",
				"dimension": s.cfg.EmbeddingDims,
			},
		},
	}
}

func (s *Store) ticketMappings() map[string]interface{} {
	return map[string]interface{}{
		"properties": map[string]interface{}{
			"ticket_id":        map[string]interface{}{"type": "keyword"},
			"status":           map[string]interface{}{"type": "keyword"},
			"member_event_ids": map[string]interface{}{"type": "keyword"},
			"scenario_summary": map[string]interface{}{"type": "text"},
			"redirect_to":      map[string]interface{}{"type": "keyword"},
			"created_at":       map[string]interface{}{"type": "date"},
			"updated_at":       map[string]interface{}{"type": "date"},
			"scenario_embedding": map[string]interface{}{
				"type":      "knn_vector",
				"dimension": s.cfg.EmbeddingDims,
			},
		},
	}
}

// searchResult is the subset of the OpenSearch search response we consume.
type searchResult struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

// search executes a raw query body against an index with store-fault mapping.
func (s *Store) search(ctx context.Context, index string, query map[string]interface{}) (*searchResult, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(query); err != nil {
		return nil, fmt.Errorf("encode query: %w", err)
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(index),
		s.client.Search.WithBody(&buf),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %v", faults.ErrStoreUnavailable, index, err)
	}
	defer res.Body.Close()

	if res.IsError() {
		if res.StatusCode == http.StatusNotFound {
			// Index not created yet behaves like an empty result set.
			return &searchResult{}, nil
		}
		return nil, fmt.Errorf("%w: search %s: %s", faults.ErrStoreUnavailable, index, res.Status())
	}

	var parsed searchResult
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	return &parsed, nil
}
