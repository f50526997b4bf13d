package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"
	"github.com/talonsec/talon-stack/lookup/internal/models"
)

// ErrNotFound is returned when a document does not exist.
var ErrNotFound = errors.New("not found")

// Config holds OpenSearch connection settings for the lookup service.
type Config struct {
	URL         string
	Username    string
	Password    string
	Insecure    bool
	EventIndex  string
	TicketIndex string
}

// OpenSearchClient provides read access to the ticket and event indices.
type OpenSearchClient struct {
	client *opensearch.Client
	cfg    Config
}

// NewOpenSearchClient creates a client and verifies connectivity.
func NewOpenSearchClient(cfg Config) (*OpenSearchClient, error) {
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

	return &OpenSearchClient{client: client, cfg: cfg}, nil
}

// Ping reports whether the store is reachable.
func (c *OpenSearchClient) Ping(ctx context.Context) error {
	info, err := c.client.Info(c.client.Info.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("opensearch unreachable: %w", err)
	}
	defer info.Body.Close()
	if info.IsError() {
		return fmt.Errorf("opensearch unreachable: %s", info.Status())
	}
	return nil
}

// GetTicket retrieves one ticket document.
func (c *OpenSearchClient) GetTicket(ctx context.Context, id string) (*models.Ticket, error) {
	req := opensearchapi.GetRequest{Index: c.cfg.TicketIndex, DocumentID: id}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, fmt.Errorf("get ticket %s: %w", id, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("ticket %s: %w", id, ErrNotFound)
	}
	if res.IsError() {
		return nil, fmt.Errorf("get ticket %s: %s", id, res.Status())
	}

	var doc struct {
		Source models.Ticket `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode ticket %s: %w", id, err)
	}
	return &doc.Source, nil
}

// EventQueryInfo is the slice of an event the lookup service needs to build
// a similarity query.
type EventQueryInfo struct {
	SummaryText string    `json:"summary_text"`
	Embedding   []float32 `json:"embedding"`
}

// GetEventQueryInfo retrieves an event's summary and stored embedding.
func (c *OpenSearchClient) GetEventQueryInfo(ctx context.Context, eventID string) (*EventQueryInfo, error) {
	req := opensearchapi.GetRequest{Index: c.cfg.EventIndex, DocumentID: eventID}
	res, err := req.Do(ctx, c.client)
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", eventID, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("event %s: %w", eventID, ErrNotFound)
	}
	if res.IsError() {
		return nil, fmt.Errorf("get event %s: %s", eventID, res.Status())
	}

	var doc struct {
		Source EventQueryInfo `json:"_source"`
	}
	if err := json.NewDecoder(res.Body).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode event %s: %w", eventID, err)
	}
	return &doc.Source, nil
}

// TicketHit is one raw knn match before redirect resolution.
type TicketHit struct {
	Score  float64
	Ticket models.Ticket
}

// QuerySimilarTickets runs a knn query over scenario embeddings.
func (c *OpenSearchClient) QuerySimilarTickets(ctx context.Context, vector []float32, k int, floor float64) ([]TicketHit, error) {
	query := map[string]interface{}{
		"size":      k,
		"min_score": floor,
		"query": map[string]interface{}{
			"knn": map[string]interface{}{
				"scenario_embedding": map[string]interface{}{
					"vector": vector,
					"k":      k,
				},
			},
		},
	}

	body, err := json.Marshal(query)
	if err != nil {
		return nil, fmt.Errorf("marshal query: %w", err)
	}

	res, err := c.client.Search(
		c.client.Search.WithContext(ctx),
		c.client.Search.WithIndex(c.cfg.TicketIndex),
		c.client.Search.WithBody(bytes.NewReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("search tickets: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		// Index not created yet; nothing to match.
		return nil, nil
	}
	if res.IsError() {
		return nil, fmt.Errorf("search tickets: %s", res.Status())
	}

	var result struct {
		Hits struct {
			Hits []struct {
				ID     string        `json:"_id"`
				Score  float64       `json:"_score"`
				Source models.Ticket `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode search response: %w", err)
	}

	hits := make([]TicketHit, 0, len(result.Hits.Hits))
	for _, h := range result.Hits.Hits {
		t := h.Source
		t.ID = h.ID
		hits = append(hits, TicketHit{Score: h.Score, Ticket: t})
	}
	return hits, nil
}
