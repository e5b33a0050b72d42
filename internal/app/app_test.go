package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manualrag/cli/config"
	"github.com/manualrag/cli/internal/dedup"
	"github.com/manualrag/cli/internal/documents"
	"github.com/manualrag/cli/internal/ollama/ollamatest"
)

const manual = "--- Page 1 ---\nStress release: hold the frontal eminences until the pulses synchronise. Breathe slowly.\n" +
	"--- Page 2 ---\nFor a headache, hold LI4 firmly for one minute on each hand. Repeat if the tension returns.\n"

func testConfig(t *testing.T, ollamaURL string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	cfg.Paths.DataDir = t.TempDir()
	cfg.Ollama.BaseURL = ollamaURL
	cfg.Embeddings.BatchDelay = 0
	cfg.Cache.Persist = false
	return cfg
}

func newTestApp(t *testing.T, cfg *config.Config) *App {
	t.Helper()
	a, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestIngestFile(t *testing.T) {
	fake := ollamatest.NewServer(t)
	a := newTestApp(t, testConfig(t, fake.URL))
	ctx := context.Background()

	res, err := a.IngestFile(ctx, writeFile(t, "points.txt", manual), IngestOptions{Tags: []string{"kinesiology"}})
	require.NoError(t, err)
	assert.False(t, res.Skipped)
	assert.Equal(t, dedup.TypeNone, res.Check.Type)
	require.NotEmpty(t, res.DocumentID)

	doc, err := a.Store.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Equal(t, "points.txt", doc.FileName)
	assert.Equal(t, "points", doc.Title)
	assert.Equal(t, "text", doc.DocType)
	assert.Equal(t, []string{"kinesiology"}, doc.Tags)
	assert.Equal(t, 2, doc.PageCount)
	assert.Equal(t, doc.ChunkCount, doc.EmbeddedChunks)

	fps, err := a.Dedup.List(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, 1)
}

func TestIngestFile_Unsupported(t *testing.T) {
	fake := ollamatest.NewServer(t)
	a := newTestApp(t, testConfig(t, fake.URL))

	_, err := a.IngestFile(context.Background(), writeFile(t, "notes.docx", manual), IngestOptions{})
	assert.ErrorIs(t, err, documents.ErrUnsupportedType)
}

func TestIngestText_Duplicates(t *testing.T) {
	fake := ollamatest.NewServer(t)
	ctx := context.Background()

	t.Run("advisory by default", func(t *testing.T) {
		a := newTestApp(t, testConfig(t, fake.URL))
		_, err := a.IngestText(ctx, "points.txt", manual, IngestOptions{})
		require.NoError(t, err)

		res, err := a.IngestText(ctx, "points.txt", manual, IngestOptions{})
		require.NoError(t, err)
		assert.True(t, res.Check.IsDuplicate)
		assert.Equal(t, dedup.TypeExactFile, res.Check.Type)
		assert.NotEmpty(t, res.DocumentID)

		docs, err := a.Store.ListDocuments(ctx)
		require.NoError(t, err)
		assert.Len(t, docs, 2)
	})

	t.Run("skipped on request", func(t *testing.T) {
		a := newTestApp(t, testConfig(t, fake.URL))
		_, err := a.IngestText(ctx, "points.txt", manual, IngestOptions{})
		require.NoError(t, err)

		res, err := a.IngestText(ctx, "copy of points.txt", manual, IngestOptions{SkipDuplicates: true})
		require.NoError(t, err)
		assert.True(t, res.Skipped)
		assert.Equal(t, dedup.TypeExactContent, res.Check.Type)
		assert.Empty(t, res.DocumentID)

		docs, err := a.Store.ListDocuments(ctx)
		require.NoError(t, err)
		assert.Len(t, docs, 1)
	})
}

func TestIngestText_ProviderDown(t *testing.T) {
	fake := ollamatest.NewServer(t)
	fake.FailEmbeddings.Store(true)
	a := newTestApp(t, testConfig(t, fake.URL))
	ctx := context.Background()

	res, err := a.IngestText(ctx, "points.txt", manual, IngestOptions{})
	require.NoError(t, err)

	doc, err := a.Store.GetDocument(ctx, res.DocumentID)
	require.NoError(t, err)
	assert.Zero(t, doc.EmbeddedChunks)

	hits, err := a.Store.Search(ctx, "LI4 headache", 5)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Contains(t, hits[0].Chunk.Content, "LI4")
}

func TestAsk(t *testing.T) {
	fake := ollamatest.NewServer(t)
	a := newTestApp(t, testConfig(t, fake.URL))
	ctx := context.Background()

	_, err := a.IngestText(ctx, "points.txt", manual, IngestOptions{})
	require.NoError(t, err)

	var streamed []string
	answer, err := a.Ask(ctx, "What helps a headache?", func(s string) { streamed = append(streamed, s) })
	require.NoError(t, err)

	assert.Equal(t, "Hold LI4 firmly.", answer)
	assert.Equal(t, ollamatest.Answer, streamed)
	assert.Contains(t, fake.Prompt(), "hold LI4 firmly")
	assert.Contains(t, fake.Prompt(), "What helps a headache?")
}

func TestClose_PersistsCache(t *testing.T) {
	fake := ollamatest.NewServer(t)
	cfg := testConfig(t, fake.URL)
	cfg.Cache.Persist = true
	ctx := context.Background()

	a, err := New(ctx, cfg)
	require.NoError(t, err)
	_, err = a.IngestText(ctx, "points.txt", manual, IngestOptions{})
	require.NoError(t, err)
	cached := a.Cache.Len()
	require.Positive(t, cached)
	require.NoError(t, a.Close())
	assert.FileExists(t, cfg.CachePath())

	reopened := newTestApp(t, cfg)
	assert.Equal(t, cached, reopened.Cache.Len())
}

func TestNew_CorruptCacheIgnored(t *testing.T) {
	fake := ollamatest.NewServer(t)
	cfg := testConfig(t, fake.URL)
	cfg.Cache.Persist = true
	require.NoError(t, os.WriteFile(cfg.CachePath(), []byte("{not json"), 0o600))

	a := newTestApp(t, cfg)
	assert.Zero(t, a.Cache.Len())
}

func TestNew_UnknownBackend(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Storage.Backend = "cassandra"

	_, err := New(context.Background(), cfg)
	assert.ErrorContains(t, err, fmt.Sprintf("failed to open %s storage", "cassandra"))
}
