// Package llm contains thin HTTP adapters for the external reasoning and
// embedding models. Both are treated as black-box collaborators: one call per
// invocation, no internal retries, bounded timeouts. Transient transport
// failures map onto the faults taxonomy so the orchestration layer can decide
// what to retry.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/talonsec/talon-stack/triage/internal/faults"
)

// ReasonerConfig holds configuration for the reasoning model client.
type ReasonerConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
}

// Reasoner invokes a chat-completions style reasoning model endpoint.
type Reasoner struct {
	cfg        ReasonerConfig
	httpClient *http.Client
}

// NewReasoner creates a reasoning model client.
func NewReasoner(cfg ReasonerConfig) *Reasoner {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1024
	}
	return &Reasoner{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	MaxTokens      int             `json:"max_tokens"`
	Temperature    float64         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends one system+user prompt pair to the model and returns the raw
// response content. The model is asked for a JSON object response; parsing
// that content is the caller's concern.
func (r *Reasoner) Complete(ctx context.Context, system, user string) (string, error) {
	reqBody := chatRequest{
		Model: r.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:      r.cfg.MaxTokens,
		Temperature:    r.cfg.Temperature,
		ResponseFormat: &responseFormat{Type: "json_object"},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.BaseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", transportFault(faults.ErrClassifierUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: read response: %v", faults.ErrClassifierUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", statusFault(faults.ErrClassifierUnavailable, resp.StatusCode, body)
	}

	var parsed chatResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", fmt.Errorf("%w: %v", faults.ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("%w: no choices in response", faults.ErrMalformedResponse)
	}

	return parsed.Choices[0].Message.Content, nil
}

// transportFault wraps connection-level failures as the given transient fault.
// Context cancellation is surfaced as-is so callers can tell shutdown apart
// from model trouble.
func transportFault(kind error, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", kind, err)
	}
	return fmt.Errorf("%w: %v", kind, err)
}

// statusFault maps a non-200 status to the taxonomy: 429 and 5xx are
// transient, anything else is a hard request error.
func statusFault(kind error, status int, body []byte) error {
	var ae apiError
	detail := string(body)
	if err := json.Unmarshal(body, &ae); err == nil && ae.Error.Message != "" {
		detail = ae.Error.Message
	}
	if status == http.StatusTooManyRequests || status >= 500 {
		return fmt.Errorf("%w: status %d: %s", kind, status, detail)
	}
	return fmt.Errorf("model request failed with status %d: %s", status, detail)
}
