package rag

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/embeddings"
)

const twoPageManual = "--- Page 1 ---\nTest for Stress: Apply pressure to GV20 for 2 minutes.\n--- Page 2 ---\nShort."

// bagOfWords embeds text as term counts over a tiny vocabulary, plus a
// constant third component so no vector is all zeros.
type bagOfWords struct {
	failing atomic.Bool
	calls   atomic.Int32
}

var bowVocab = []string{"stress", "headache", "digestion", "sleep", "neck"}

func (p *bagOfWords) Model() string { return "bow" }

func (p *bagOfWords) Embed(_ context.Context, text string) ([]float32, error) {
	p.calls.Add(1)
	if p.failing.Load() {
		return nil, errors.New("connection refused")
	}
	lower := strings.ToLower(text)
	vec := make([]float32, len(bowVocab)+1)
	for i, w := range bowVocab {
		vec[i] = float32(strings.Count(lower, w))
	}
	vec[len(bowVocab)] = 1.0 / 3
	return vec, nil
}

func newService(p embeddings.Provider) *embeddings.Service {
	return embeddings.NewService(p, embeddings.NewCache(embeddings.CacheConfig{}), embeddings.ServiceConfig{})
}

func newTestStore(kv db.KV, embedder Embedder) *Store {
	return NewStore(kv, embedder, DefaultOptions())
}

func page(n int, text string) string {
	return fmt.Sprintf("--- Page %d ---\n%s\n", n, text)
}

var manual = page(1, "Stress release: hold the frontal eminences until the pulses synchronise. Breathe slowly while holding.") +
	page(2, "For a headache, hold LI4 firmly for one minute on each hand. Repeat if the tension returns.") +
	page(3, "Digestion improves when the stomach meridian is balanced before meals and after sleep.")

func TestIngest_TwoPageManual(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), newService(&bagOfWords{}))

	id, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
	require.NoError(t, err)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.EmbeddedChunks)

	chunks, err := s.Chunks(ctx, id)
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, db.ContentProcedure, chunks[0].ContentType)
	assert.Contains(t, chunks[0].Keywords, "GV20")
	assert.Contains(t, chunks[0].Keywords, "test")

	doc, err := s.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "stress", doc.Title)
	assert.Equal(t, 2, doc.PageCount)
	assert.Equal(t, 1, doc.ChunkCount)
	assert.Equal(t, "manual", doc.DocType)
	assert.Equal(t, "Test for Stress: Apply pressure to GV20 for 2 minutes. Short.", doc.Summary)
}

func TestIngest_Validation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), nil)

	_, err := s.IngestText(ctx, "empty.txt", "  \n ", "manual")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.IngestText(ctx, "", "some text", "manual")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = s.IngestText(ctx, "cover.txt", "--- Page 1 ---\nShort.", "manual")
	assert.ErrorIs(t, err, ErrNoChunks)

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestIngest_Metadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), nil)
	s.now = func() time.Time { return time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC) }

	id, err := s.Ingest(ctx, IngestRequest{
		FileName: "tfh-manual.pdf",
		Text:     manual,
		DocType:  "pdf",
		Title:    "Touch for Health",
		Tags:     []string{"kinesiology"},
	})
	require.NoError(t, err)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, id, docs[0].ID)
	assert.Equal(t, "Touch for Health", docs[0].Title)
	assert.Equal(t, []string{"kinesiology"}, docs[0].Tags)
	assert.Equal(t, 3, docs[0].PageCount)
	assert.Equal(t, 0, docs[0].EmbeddedChunks)
	assert.True(t, docs[0].UploadedAt.Equal(time.Date(2025, 5, 4, 12, 0, 0, 0, time.UTC)))
	assert.LessOrEqual(t, len(docs[0].Summary), summaryLength)

	_, err = s.GetDocument(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = s.Chunks(ctx, "missing")
	assert.ErrorIs(t, err, ErrDocumentNotFound)
}

func TestSearch_KeywordFallbackWithoutEmbeddings(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), nil)
	_, err := s.IngestText(ctx, "manual.txt", manual, "manual")
	require.NoError(t, err)

	hits, err := s.Search(ctx, "LI4 headache", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)

	found := false
	for _, h := range hits {
		assert.Equal(t, MethodKeyword, h.Method)
		assert.Greater(t, h.Score, 0.0)
		if containsString(h.Chunk.Keywords, "LI4") {
			found = true
		}
	}
	assert.True(t, found, "chunk tagged LI4 must be returned")
	assert.Contains(t, hits[0].Chunk.Keywords, "LI4")
}

func TestSearch_DegradesWhenProviderFails(t *testing.T) {
	ctx := context.Background()
	provider := &bagOfWords{}
	provider.failing.Store(true)
	s := newTestStore(db.NewMemory(), newService(provider))

	id, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
	require.NoError(t, err)
	_, err = uuid.Parse(id)
	require.NoError(t, err)

	hits, err := s.Search(ctx, "GV20", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, MethodKeyword, hits[0].Method)
	assert.Equal(t, id, hits[0].Chunk.DocumentID)
	assert.False(t, hits[0].Chunk.HasEmbedding())
}

func TestSearch_Semantic(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), newService(&bagOfWords{}))
	_, err := s.IngestText(ctx, "manual.txt", manual, "manual")
	require.NoError(t, err)

	hits, err := s.Search(ctx, "what helps digestion", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, MethodSemantic, hits[0].Method)
	assert.Equal(t, 3, hits[0].Chunk.Page)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestSearch_FallsBackWhenQueryEmbeddingFails(t *testing.T) {
	ctx := context.Background()
	provider := &bagOfWords{}
	s := newTestStore(db.NewMemory(), newService(provider))
	_, err := s.IngestText(ctx, "manual.txt", manual, "manual")
	require.NoError(t, err)

	provider.failing.Store(true)
	hits, err := s.Search(ctx, "neck tension relief", 5)

	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, MethodKeyword, hits[0].Method)
	assert.Equal(t, 2, hits[0].Chunk.Page)
}

func TestSearch_GlobalVectorCheck(t *testing.T) {
	ctx := context.Background()
	provider := &bagOfWords{}
	s := newTestStore(db.NewMemory(), newService(provider))

	provider.failing.Store(true)
	_, err := s.IngestText(ctx, "old.txt", page(1, "Sleep improves when the neck is relaxed before bed every night."), "manual")
	require.NoError(t, err)
	provider.failing.Store(false)
	_, err = s.IngestText(ctx, "new.txt", page(1, "Headache relief comes from calm breathing and a short walk outside."), "manual")
	require.NoError(t, err)

	hits, err := s.Search(ctx, "sleep", 5)
	require.NoError(t, err)
	require.Len(t, hits, 1, "only vector-bearing chunks rank on the semantic path")
	assert.Equal(t, MethodSemantic, hits[0].Method)
}

func TestSearch_EmptyInputs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), newService(&bagOfWords{}))

	hits, err := s.Search(ctx, "anything", 5)
	require.NoError(t, err)
	assert.NotNil(t, hits)
	assert.Empty(t, hits)

	_, err = s.IngestText(ctx, "manual.txt", manual, "manual")
	require.NoError(t, err)
	hits, err = s.Search(ctx, "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestKeywordSearch_Scoring(t *testing.T) {
	chunks := []db.DocumentChunk{
		{ID: "proc", Content: "Muscle test procedure for the neck.", ContentType: db.ContentProcedure, Keywords: []string{"test", "neck"}},
		{ID: "points", Content: "Hold LI4 and ST36.", ContentType: db.ContentPoints, Keywords: []string{"LI4", "ST36"}},
		{ID: "none", Content: "Unrelated words about rain.", ContentType: db.ContentGeneral},
		{ID: "general", Content: "The neck can stiffen in cold weather.", ContentType: db.ContentGeneral},
	}

	hits := keywordSearch("How do I test the neck?", chunks, 10)
	scores := map[string]float64{}
	for _, h := range hits {
		scores[h.Chunk.ID] = h.Score
	}

	// proc: keyword 10 + "test" 5 + "the" 5 + "neck" 5 + how 5
	assert.Equal(t, 30.0, scores["proc"])
	// general: "the" 5 + "neck" 5
	assert.Equal(t, 10.0, scores["general"])
	assert.NotContains(t, scores, "points")
	assert.NotContains(t, scores, "none")
	assert.Equal(t, "proc", hits[0].Chunk.ID)

	hits = keywordSearch("li4", chunks, 10)
	require.Len(t, hits, 1)
	// keyword 10 + "li4" 5 + point bonus 8
	assert.Equal(t, 23.0, hits[0].Score)

	assert.Len(t, keywordSearch("neck", chunks, 1), 1)
	assert.Empty(t, keywordSearch("zebra", chunks, 5))
}

func TestQueryWords(t *testing.T) {
	assert.Equal(t, []string{"how", "hold", "li4"}, queryWords("How to hold LI4? hold, LI4!"))
}

func TestGetContextForQuery(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), nil)

	got, err := s.GetContextForQuery(ctx, "headache")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantContent, got)

	_, err = s.Ingest(ctx, IngestRequest{FileName: "m.txt", Title: "Touch for Health", Text: manual})
	require.NoError(t, err)

	got, err = s.GetContextForQuery(ctx, "LI4 headache")
	require.NoError(t, err)
	assert.Contains(t, got, "## Relevant Manual Excerpts:")
	assert.Contains(t, got, "[1] Touch for Health, page 2:")
	assert.Contains(t, got, "hold LI4 firmly")
	assert.LessOrEqual(t, strings.Count(got, "### ["), 3)

	got, err = s.GetContextForQuery(ctx, "zebra crossing")
	require.NoError(t, err)
	assert.Equal(t, NoRelevantContent, got)
}

func TestBuildContext_TruncatesOnRuneBoundary(t *testing.T) {
	hits := []SearchHit{{Chunk: db.DocumentChunk{ID: "d_p1_c0", DocumentTitle: "Heilkunde", Page: 1, Content: strings.Repeat("€", 40)}}}

	for tokens := 15; tokens <= 18; tokens++ {
		got := NewContextBuilder(tokens).BuildContext(hits)

		require.True(t, strings.HasSuffix(got, "\n\n[Context truncated...]"), "tokens=%d", tokens)
		kept := strings.TrimSuffix(got, "\n\n[Context truncated...]")
		assert.True(t, utf8.ValidString(got), "tokens=%d", tokens)
		assert.LessOrEqual(t, len(kept), tokens*4)
		assert.Greater(t, len(kept), tokens*4-utf8.UTFMax)
	}
}

func TestBuildPrompt(t *testing.T) {
	s := newTestStore(db.NewMemory(), nil)

	prompt := s.BuildPrompt("## Relevant Manual Excerpts:\nHold LI4.", "What helps a headache?")
	assert.Contains(t, prompt, "Hold LI4.")
	assert.Contains(t, prompt, "## Question:\nWhat helps a headache?")

	prompt = s.BuildPrompt(NoRelevantContent, "Anything?")
	assert.Contains(t, prompt, "No manual excerpts matched this question.")
	assert.NotContains(t, prompt, NoRelevantContent)
}

func TestDeleteDocument_Cascades(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(db.NewMemory(), nil)

	keep, err := s.IngestText(ctx, "keep.txt", page(1, "For a headache, hold LI4 firmly for one minute on each hand today."), "manual")
	require.NoError(t, err)
	drop, err := s.IngestText(ctx, "drop.txt", twoPageManual, "manual")
	require.NoError(t, err)

	ids, err := s.ChunkIDsForKeyword(ctx, "GV20")
	require.NoError(t, err)
	assert.Equal(t, []string{db.ChunkID(drop, 1, 0)}, ids)

	ok, err := s.DeleteDocument(ctx, drop)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.GetDocument(ctx, drop)
	assert.ErrorIs(t, err, ErrDocumentNotFound)
	_, err = s.Chunks(ctx, drop)
	assert.ErrorIs(t, err, ErrDocumentNotFound)

	ids, err = s.ChunkIDsForKeyword(ctx, "GV20")
	require.NoError(t, err)
	assert.Empty(t, ids)

	ids, err = s.ChunkIDsForKeyword(ctx, "LI4")
	require.NoError(t, err)
	assert.Equal(t, []string{db.ChunkID(keep, 1, 0)}, ids)

	hits, err := s.Search(ctx, "GV20 stress", 5)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, drop, h.Chunk.DocumentID)
	}

	ok, err = s.DeleteDocument(ctx, drop)
	require.NoError(t, err)
	assert.False(t, ok)
}

// refusingKV rejects the first n chunk writes with err.
type refusingKV struct {
	*db.Memory
	refuse int
	err    error
}

func (r *refusingKV) Set(ctx context.Context, collection, key string, value []byte) error {
	if collection == db.CollectionChunks && r.refuse > 0 {
		r.refuse--
		return r.err
	}
	return r.Memory.Set(ctx, collection, key, value)
}

func TestIngest_SafetyValve(t *testing.T) {
	tooLarge := fmt.Errorf("quota exceeded: %w", db.ErrValueTooLarge)
	ctx := context.Background()

	t.Run("compressed vectors", func(t *testing.T) {
		s := newTestStore(&refusingKV{Memory: db.NewMemory(), refuse: 1, err: tooLarge}, newService(&bagOfWords{}))

		id, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
		require.NoError(t, err)

		chunks, err := s.Chunks(ctx, id)
		require.NoError(t, err)
		require.True(t, chunks[0].HasEmbedding())
		last := chunks[0].Embedding[len(chunks[0].Embedding)-1]
		assert.InDelta(t, 0.33, last, 1e-6)
	})

	t.Run("stripped vectors", func(t *testing.T) {
		s := newTestStore(&refusingKV{Memory: db.NewMemory(), refuse: 2, err: tooLarge}, newService(&bagOfWords{}))

		id, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
		require.NoError(t, err)

		doc, err := s.GetDocument(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, 0, doc.EmbeddedChunks)

		hits, err := s.Search(ctx, "GV20", 5)
		require.NoError(t, err)
		require.Len(t, hits, 1)
		assert.Equal(t, MethodKeyword, hits[0].Method)
	})

	t.Run("nothing fits", func(t *testing.T) {
		s := newTestStore(&refusingKV{Memory: db.NewMemory(), refuse: 3, err: tooLarge}, newService(&bagOfWords{}))

		_, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
		assert.ErrorIs(t, err, db.ErrValueTooLarge)
	})

	t.Run("backend failure is not degraded", func(t *testing.T) {
		kv := &refusingKV{Memory: db.NewMemory(), refuse: 1, err: errors.New("disk full")}
		s := newTestStore(kv, newService(&bagOfWords{}))

		_, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
		assert.ErrorContains(t, err, "disk full")
		stats, _ := s.Stats(ctx)
		assert.Zero(t, stats.Documents)
	})

	t.Run("payload limit", func(t *testing.T) {
		opts := DefaultOptions()
		opts.MaxChunkPayloadBytes = 10
		s := NewStore(db.NewMemory(), newService(&bagOfWords{}), opts)

		_, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
		assert.ErrorIs(t, err, db.ErrValueTooLarge)
	})
}

func TestNewStore_ZeroOptions(t *testing.T) {
	s := NewStore(db.NewMemory(), nil, Options{})

	_, err := s.IngestText(context.Background(), "stress.txt", twoPageManual, "manual")
	require.NoError(t, err)

	stats, err := s.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Chunks)
}

// indexFailingKV accepts allow keyword index writes, then fails the rest.
type indexFailingKV struct {
	*db.Memory
	allow int
}

func (f *indexFailingKV) Set(ctx context.Context, collection, key string, value []byte) error {
	if collection == db.CollectionKeywordIndex {
		if f.allow <= 0 {
			return errors.New("index unavailable")
		}
		f.allow--
	}
	return f.Memory.Set(ctx, collection, key, value)
}

func TestIngest_RollsBackOnIndexFailure(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(&indexFailingKV{Memory: db.NewMemory(), allow: 2}, nil)

	_, err := s.IngestText(ctx, "stress.txt", twoPageManual, "manual")
	require.ErrorContains(t, err, "index unavailable")

	stats, err := s.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Documents)
	assert.Zero(t, stats.Chunks)
	assert.Zero(t, stats.Keywords)

	docs, err := s.ListDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
