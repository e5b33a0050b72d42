// Package ollamatest provides a fake Ollama server for tests.
package ollamatest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
)

// Vocabulary is the term list the fake embeds over. A vector holds one count
// per term plus a constant final component, so no vector is all zeros.
var Vocabulary = []string{"stress", "headache", "digestion", "sleep", "neck"}

// Answer is what the fake generate endpoint streams back, in pieces.
var Answer = []string{"Hold ", "LI4 ", "firmly."}

// Server is a running fake.
type Server struct {
	*httptest.Server

	// FailEmbeddings makes the embeddings endpoint answer 500.
	FailEmbeddings atomic.Bool
	EmbedCalls     atomic.Int32
	// LastPrompt is the most recent generate prompt.
	LastPrompt atomic.Value
}

// NewServer starts a fake serving /api/embeddings, /api/generate and
// /api/tags. It is closed when the test ends.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{}
	s.LastPrompt.Store("")

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/embeddings", s.embed)
	mux.HandleFunc("POST /api/generate", s.generate)
	mux.HandleFunc("GET /api/tags", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"nomic-embed-text:latest","size":270000000},{"name":"llama3.2:latest","size":2000000000}]}`)
	})

	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

// Embed returns the vector the fake produces for text.
func Embed(text string) []float32 {
	lower := strings.ToLower(text)
	vec := make([]float32, len(Vocabulary)+1)
	for i, w := range Vocabulary {
		vec[i] = float32(strings.Count(lower, w))
	}
	vec[len(Vocabulary)] = 1.0 / 3
	return vec
}

func (s *Server) embed(w http.ResponseWriter, r *http.Request) {
	s.EmbedCalls.Add(1)
	if s.FailEmbeddings.Load() {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
		return
	}
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{"embedding": Embed(req.Prompt)})
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Model  string `json:"model"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.LastPrompt.Store(req.Prompt)

	enc := json.NewEncoder(w)
	for _, part := range Answer {
		enc.Encode(map[string]any{"model": req.Model, "response": part, "done": false})
	}
	enc.Encode(map[string]any{"model": req.Model, "response": "", "done": true})
}

// Prompt returns the most recent generate prompt.
func (s *Server) Prompt() string {
	return s.LastPrompt.Load().(string)
}
