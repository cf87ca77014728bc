// Package memoryapi is the client for the external memory service, which
// returns ranked prior-session summaries for a project and instruction. The
// service is a black-box collaborator: every failure here degrades to "no
// memories", never to a failed proxied request.
package memoryapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Memory is one ranked prior-session summary.
type Memory struct {
	ID      string  `json:"id"`
	Title   string  `json:"title"`
	Summary string  `json:"summary"`
	Score   float64 `json:"score"`
	Files   []string `json:"files,omitempty"`
}

// Fetcher is the interface the preprocessor consumes.
type Fetcher interface {
	Fetch(ctx context.Context, projectPath, instruction string, files []string) ([]Memory, error)
}

// Client talks HTTP to the memory service. Concurrent fetches for the same
// project+instruction are deduplicated with singleflight: overlapping
// retries of one turn should cost one backend query, not three.
type Client struct {
	baseURL string
	apiKey  string
	client  *http.Client
	group   singleflight.Group
}

// New creates a memory client. Empty baseURL yields nil: memory injection
// disabled.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	if baseURL == "" {
		return nil
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: timeout},
	}
}

type fetchResponse struct {
	Memories []Memory `json:"memories"`
}

// Fetch returns ranked memories for the project and instruction. A nil
// client returns no memories.
func (c *Client) Fetch(ctx context.Context, projectPath, instruction string, files []string) ([]Memory, error) {
	if c == nil {
		return nil, nil
	}

	key := projectPath + "\x00" + instruction
	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		return c.fetch(ctx, projectPath, instruction, files)
	})
	if err != nil {
		return nil, err
	}
	return v.([]Memory), nil
}

func (c *Client) fetch(ctx context.Context, projectPath, instruction string, files []string) ([]Memory, error) {
	q := url.Values{}
	q.Set("project", projectPath)
	q.Set("q", instruction)
	for _, f := range files {
		q.Add("file", f)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/memories?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("memoryapi: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("memoryapi: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("memoryapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("memoryapi: status %d", resp.StatusCode)
	}

	var decoded fetchResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("memoryapi: decode response: %w", err)
	}
	log.WithFields(log.Fields{"project": projectPath, "count": len(decoded.Memories)}).Debug("memories fetched")
	return decoded.Memories, nil
}
