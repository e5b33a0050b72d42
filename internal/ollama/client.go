// Package ollama talks to a local Ollama server for answer generation.
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client wraps Ollama API interactions
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new Ollama client. Generation can be slow on local
// hardware, so timeout defaults to five minutes.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// GenerateRequest represents a generation request
type GenerateRequest struct {
	Model   string         `json:"model"`
	Prompt  string         `json:"prompt"`
	System  string         `json:"system,omitempty"`
	Stream  bool           `json:"stream"`
	Options map[string]any `json:"options,omitempty"`
}

// GenerateResponse is one line of the streamed generation response
type GenerateResponse struct {
	Model     string `json:"model"`
	CreatedAt string `json:"created_at"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
}

// Generate returns the full answer for req.
func (c *Client) Generate(ctx context.Context, req GenerateRequest) (string, error) {
	var result strings.Builder
	err := c.GenerateStream(ctx, req, func(chunk string) {
		result.WriteString(chunk)
	})
	if err != nil {
		return "", err
	}
	return result.String(), nil
}

// GenerateStream calls onChunk for every piece of the answer as it arrives.
func (c *Client) GenerateStream(ctx context.Context, req GenerateRequest, onChunk func(string)) error {
	req.Stream = true

	jsonData, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(jsonData))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("ollama API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	decoder := json.NewDecoder(resp.Body)
	for {
		var genResp GenerateResponse
		if err := decoder.Decode(&genResp); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("failed to decode response: %w", err)
		}

		if genResp.Response != "" {
			onChunk(genResp.Response)
		}
		if genResp.Done {
			return nil
		}
	}
}
