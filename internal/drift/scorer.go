package drift

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
)

// MessagesScorer executes scoring prompts against a messages-API endpoint.
// It shares the upstream the proxy already talks to, so no extra credentials
// or endpoints are needed.
type MessagesScorer struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewMessagesScorer creates a scorer. The client's timeout is left to the
// caller's context; pass a client with sane transport settings.
func NewMessagesScorer(baseURL, apiKey, model string, client *http.Client) *MessagesScorer {
	if client == nil {
		client = http.DefaultClient
	}
	return &MessagesScorer{baseURL: baseURL, apiKey: apiKey, model: model, client: client}
}

type scorerRequest struct {
	Model     string           `json:"model"`
	MaxTokens int              `json:"max_tokens"`
	Messages  []scorerMessage  `json:"messages"`
}

type scorerMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Complete sends the prompt as a single user message and returns the first
// text block of the response. Cancellation of ctx aborts the call; an
// aborted exchange must never mutate state, so errors surface to the caller
// which maps them to the fallback result.
func (s *MessagesScorer) Complete(ctx context.Context, prompt string) (string, error) {
	payload, err := json.Marshal(scorerRequest{
		Model:     s.model,
		MaxTokens: 1024,
		Messages:  []scorerMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("scorer: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/messages", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("scorer: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("anthropic-version", "2023-06-01")
	if s.apiKey != "" {
		req.Header.Set("x-api-key", s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("scorer: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("scorer: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("scorer: upstream status %d", resp.StatusCode)
	}

	text := gjson.GetBytes(body, "content.0.text").String()
	if text == "" {
		return "", fmt.Errorf("scorer: empty response content")
	}
	return text, nil
}
