package rag

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"
)

// NoRelevantContent is returned by GetContextForQuery when nothing matches.
const NoRelevantContent = "No relevant content found in the uploaded manuals."

// ContextBuilder formats search hits for a language model
type ContextBuilder struct {
	maxTokens int
}

// NewContextBuilder creates a new context builder
func NewContextBuilder(maxTokens int) *ContextBuilder {
	if maxTokens <= 0 {
		maxTokens = 2000 // Default
	}
	return &ContextBuilder{
		maxTokens: maxTokens,
	}
}

// BuildContext renders hits as cited excerpts: title, page, content.
func (cb *ContextBuilder) BuildContext(hits []SearchHit) string {
	if len(hits) == 0 {
		return NoRelevantContent
	}

	parts := []string{"## Relevant Manual Excerpts:"}
	for i, hit := range hits {
		parts = append(parts, fmt.Sprintf("\n### [%d] %s, page %d:", i+1, hit.Chunk.DocumentTitle, hit.Chunk.Page))
		parts = append(parts, hit.Chunk.Content)
	}

	text := strings.Join(parts, "\n")

	// Rough estimate of ~4 characters per token.
	maxChars := cb.maxTokens * 4
	if len(text) > maxChars {
		cut := maxChars
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "\n\n[Context truncated...]"
	}

	return text
}

// BuildPrompt creates a complete prompt with context and user question
func (cb *ContextBuilder) BuildPrompt(excerpts, question string) string {
	var parts []string

	parts = append(parts, "You are an assistant for practitioners working from their own workshop manuals.")
	parts = append(parts, "Answer using the manual excerpts below and cite them as [n] with the page number.")
	parts = append(parts, "")

	if excerpts != "" && excerpts != NoRelevantContent {
		parts = append(parts, excerpts)
		parts = append(parts, "")
	} else {
		parts = append(parts, "No manual excerpts matched this question.")
		parts = append(parts, "")
	}

	parts = append(parts, "## Question:")
	parts = append(parts, question)
	parts = append(parts, "")
	parts = append(parts, "If the excerpts do not answer the question, say so instead of guessing.")

	return strings.Join(parts, "\n")
}

// ContextHits searches with the context limit.
func (s *Store) ContextHits(ctx context.Context, query string) ([]SearchHit, error) {
	return s.Search(ctx, query, s.opts.ContextLimit)
}

// GetContextForQuery searches with the context limit and formats the hits.
func (s *Store) GetContextForQuery(ctx context.Context, query string) (string, error) {
	hits, err := s.ContextHits(ctx, query)
	if err != nil {
		return "", err
	}
	return s.BuildContext(hits), nil
}

// BuildContext formats hits as cited manual excerpts.
func (s *Store) BuildContext(hits []SearchHit) string {
	return s.builder.BuildContext(hits)
}

// BuildPrompt wraps context and question into the prompt for the answer step.
func (s *Store) BuildPrompt(excerpts, question string) string {
	return s.builder.BuildPrompt(excerpts, question)
}

// ChunkIDs lists the chunk ids behind hits, for citing sources.
func ChunkIDs(hits []SearchHit) []string {
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.Chunk.ID)
	}
	return ids
}
