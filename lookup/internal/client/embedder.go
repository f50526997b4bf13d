package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EmbedderConfig holds the embedding model endpoint settings.
type EmbedderConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimensions int
	Timeout    time.Duration
}

// EmbedderClient embeds free-text queries with the same model the triage
// pipeline uses, so query vectors live in the same space as ticket vectors.
type EmbedderClient struct {
	cfg        EmbedderConfig
	httpClient *http.Client
}

// NewEmbedderClient creates an embedding client.
func NewEmbedderClient(cfg EmbedderConfig) *EmbedderClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = 256
	}
	return &EmbedderClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Embed maps text to a query vector.
func (c *EmbedderClient) Embed(ctx context.Context, text string) ([]float32, error) {
	payload := map[string]interface{}{
		"model":      c.cfg.Model,
		"input":      text,
		"dimensions": c.cfg.Dimensions,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call embedding model: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return nil, fmt.Errorf("embedding model returned %d: %s", res.StatusCode, msg)
	}

	var parsed struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode embedding response: %w", err)
	}
	if len(parsed.Data) == 0 {
		return nil, fmt.Errorf("embedding response contains no vectors")
	}
	return parsed.Data[0].Embedding, nil
}
