package rag

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/embeddings"
	"github.com/manualrag/cli/internal/logger"
)

// Method names the path that produced a hit.
type Method string

const (
	MethodSemantic Method = "semantic"
	MethodKeyword  Method = "keyword"
)

// Keyword scoring weights.
const (
	keywordMatchScore = 10
	queryWordScore    = 5
	howToBonus        = 5
	pointCodeBonus    = 8
)

// queryPointRe is the case-insensitive point code pattern for queries.
var queryPointRe = regexp.MustCompile(`(?i)\b[a-z]{2,3}\s?\d{1,3}\b`)

// SearchHit is one ranked chunk.
type SearchHit struct {
	Chunk  db.DocumentChunk `json:"chunk"`
	Score  float64          `json:"score"`
	Method Method           `json:"method"`
}

// Search ranks chunks for query. When any stored chunk carries a vector the
// query is embedded and ranked by cosine similarity; otherwise, or when the
// query cannot be embedded, chunks are scored by keywords.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []SearchHit{}, nil
	}
	if limit <= 0 {
		limit = s.opts.DefaultLimit
	}

	logger.Section("Search")

	chunks, err := s.allChunks(ctx)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		logger.Debug("store is empty")
		return []SearchHit{}, nil
	}

	if s.embedder != nil && countEmbedded(chunks) > 0 {
		res := s.embedder.CreateEmbedding(ctx, query)
		if res.OK() {
			hits := semanticSearch(res.Vector, chunks, limit)
			logger.Debug("semantic search: %d hits (query vector from cache: %v)", len(hits), res.FromCache)
			return hits, nil
		}
		logger.Warn("query embedding failed, using keyword search: %v", res.Err)
	}

	hits := keywordSearch(query, chunks, limit)
	logger.Debug("keyword search: %d hits", len(hits))
	return hits, nil
}

func semanticSearch(query []float32, chunks []db.DocumentChunk, limit int) []SearchHit {
	var (
		candidates [][]float32
		owners     []int
	)
	for i, c := range chunks {
		if c.HasEmbedding() {
			candidates = append(candidates, c.Embedding)
			owners = append(owners, i)
		}
	}

	matches := embeddings.FindSimilarChunks(query, candidates, limit)
	hits := make([]SearchHit, 0, len(matches))
	for _, m := range matches {
		hits = append(hits, SearchHit{
			Chunk:  chunks[owners[m.Index]],
			Score:  m.Score,
			Method: MethodSemantic,
		})
	}
	return hits
}

// keywordSearch scores every chunk against the query:
// +10 when one of the chunk keywords occurs in the query,
// +5 per query word found in the content,
// +5 for procedure chunks when the query asks "how",
// +8 for point chunks when the query names a point code.
// Zero scores are dropped.
func keywordSearch(query string, chunks []db.DocumentChunk, limit int) []SearchHit {
	lowerQuery := strings.ToLower(query)
	words := queryWords(query)
	asksHow := strings.Contains(lowerQuery, "how")
	namesPoint := queryPointRe.MatchString(query)

	var hits []SearchHit
	for _, c := range chunks {
		score := 0
		for _, kw := range c.Keywords {
			if strings.Contains(lowerQuery, strings.ToLower(kw)) {
				score += keywordMatchScore
				break
			}
		}

		content := strings.ToLower(c.Content)
		for _, w := range words {
			if strings.Contains(content, w) {
				score += queryWordScore
			}
		}

		if c.ContentType == db.ContentProcedure && asksHow {
			score += howToBonus
		}
		if c.ContentType == db.ContentPoints && namesPoint {
			score += pointCodeBonus
		}

		if score > 0 {
			hits = append(hits, SearchHit{Chunk: c, Score: float64(score), Method: MethodKeyword})
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	if hits == nil {
		hits = []SearchHit{}
	}
	return hits
}

// queryWords lowercases the query and keeps distinct words longer than two
// characters, trimmed of surrounding punctuation.
func queryWords(query string) []string {
	var words []string
	seen := make(map[string]bool)
	for _, w := range strings.Fields(strings.ToLower(query)) {
		w = strings.Trim(w, ".,!?;:\"'()[]")
		if len(w) > 2 && !seen[w] {
			seen[w] = true
			words = append(words, w)
		}
	}
	return words
}
