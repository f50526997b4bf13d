package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/talonsec/talon-stack/triage/internal/faults"
)

// EmbedderConfig holds configuration for the embedding model client.
type EmbedderConfig struct {
	BaseURL string
	APIKey  string
	Model   string

	// Dimensions is the fixed vector size requested from the model.
	Dimensions int

	Timeout time.Duration
}

// Embedder maps summary text to a fixed-dimension normalized vector.
type Embedder struct {
	cfg        EmbedderConfig
	httpClient *http.Client
}

// NewEmbedder creates an embedding model client.
func NewEmbedder(cfg EmbedderConfig) *Embedder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 256
	}
	return &Embedder{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Dimensions returns the configured vector size.
func (e *Embedder) Dimensions() int {
	return e.cfg.Dimensions
}

type embedRequest struct {
	Model      string `json:"model"`
	Input      string `json:"input"`
	Dimensions int    `json:"dimensions"`
}

type embedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed returns the embedding vector for text. Transport failures and 5xx
// responses are transient model faults; an empty or wrong-size vector is a
// malformed response.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(embedRequest{
		Model:      e.cfg.Model,
		Input:      text,
		Dimensions: e.cfg.Dimensions,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.cfg.APIKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, transportFault(faults.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", faults.ErrClassifierUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, statusFault(faults.ErrClassifierUnavailable, resp.StatusCode, body)
	}

	var parsed embedResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", faults.ErrMalformedResponse, err)
	}
	if len(parsed.Data) == 0 || len(parsed.Data[0].Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", faults.ErrMalformedResponse)
	}

	vec := parsed.Data[0].Embedding
	if len(vec) != e.cfg.Dimensions {
		return nil, fmt.Errorf("%w: expected %d dimensions, got %d", faults.ErrMalformedResponse, e.cfg.Dimensions, len(vec))
	}

	return vec, nil
}
