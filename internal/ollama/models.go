package ollama

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
)

// ErrNoModels is returned when the server has no usable chat model.
var ErrNoModels = errors.New("no chat models available")

// ModelInfo represents information about an Ollama model
type ModelInfo struct {
	Name       string `json:"name"`
	Size       int64  `json:"size"`
	ModifiedAt string `json:"modified_at"`
}

// preferredFamilies are tried in order when no chat model is configured.
var preferredFamilies = []string{
	"llama3.2",
	"llama3.1",
	"qwen2.5",
	"mistral",
	"gemma",
	"llama3",
}

// ListModels lists all available Ollama models
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("ollama API error: %d - %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result struct {
		Models []ModelInfo `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return result.Models, nil
}

// PickModel returns configured when the server has it. Otherwise it picks
// the first installed model of a preferred family, then the largest one.
// Embedding-only models are never picked.
func (c *Client) PickModel(ctx context.Context, configured string) (string, error) {
	models, err := c.ListModels(ctx)
	if err != nil {
		return "", err
	}

	var chat []ModelInfo
	for _, m := range models {
		if configured != "" && (m.Name == configured || strings.TrimSuffix(m.Name, ":latest") == configured) {
			return m.Name, nil
		}
		if !strings.Contains(strings.ToLower(m.Name), "embed") {
			chat = append(chat, m)
		}
	}
	if len(chat) == 0 {
		return "", ErrNoModels
	}

	for _, family := range preferredFamilies {
		for _, m := range chat {
			if strings.Contains(strings.ToLower(m.Name), family) {
				return m.Name, nil
			}
		}
	}

	sort.SliceStable(chat, func(i, j int) bool {
		return chat[i].Size > chat[j].Size
	})
	return chat[0].Name, nil
}
