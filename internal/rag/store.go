package rag

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/documents"
	"github.com/manualrag/cli/internal/embeddings"
	"github.com/manualrag/cli/internal/logger"
)

var (
	ErrInvalidInput     = errors.New("invalid input")
	ErrNoChunks         = errors.New("document produced no chunks")
	ErrDocumentNotFound = errors.New("document not found")
)

const summaryLength = 200

// Embedder is the part of embeddings.Service the store depends on.
type Embedder interface {
	CreateEmbedding(ctx context.Context, text string) embeddings.Result
	CreateBatchEmbeddings(ctx context.Context, texts []string) []embeddings.Result
}

// Options tunes chunking, search and persistence.
type Options struct {
	MaxChunkLength int
	// MinPageLength drops shorter pages; negative keeps every page.
	MinPageLength int
	DefaultLimit   int
	ContextLimit   int
	// VectorDecimals is the precision vectors are stored with.
	VectorDecimals int
	// FallbackDecimals is used when the chunk payload is too large.
	FallbackDecimals int
	// MaxChunkPayloadBytes caps one document's encoded chunk list; 0 is unlimited.
	MaxChunkPayloadBytes int
}

// DefaultOptions returns the stock settings.
func DefaultOptions() Options {
	return Options{
		MaxChunkLength:       500,
		MinPageLength:        50,
		DefaultLimit:         5,
		ContextLimit:         3,
		VectorDecimals:       6,
		FallbackDecimals:     2,
		MaxChunkPayloadBytes: 4 << 20,
	}
}

// IngestRequest describes one document to ingest
type IngestRequest struct {
	FileName string
	Text     string
	DocType  string
	Title    string
	Tags     []string
}

// Stats counts what the store holds.
type Stats struct {
	Documents      int `json:"documents"`
	Chunks         int `json:"chunks"`
	Keywords       int `json:"keywords"`
	EmbeddedChunks int `json:"embeddedChunks"`
}

// Store owns documents, their chunks and the keyword index. A nil embedder
// disables vectors; everything stays keyword-searchable.
type Store struct {
	kv       db.KV
	embedder Embedder
	chunker  *documents.Chunker
	builder  *ContextBuilder
	opts     Options

	// mu serializes writers; the keyword index is read-modify-write.
	mu  sync.Mutex
	now func() time.Time
}

// NewStore creates a document store
func NewStore(kv db.KV, embedder Embedder, opts Options) *Store {
	d := DefaultOptions()
	if opts.MaxChunkLength <= 0 {
		opts.MaxChunkLength = d.MaxChunkLength
	}
	if opts.MinPageLength == 0 {
		opts.MinPageLength = d.MinPageLength
	}
	if opts.DefaultLimit <= 0 {
		opts.DefaultLimit = d.DefaultLimit
	}
	if opts.ContextLimit <= 0 {
		opts.ContextLimit = d.ContextLimit
	}
	if opts.VectorDecimals <= 0 {
		opts.VectorDecimals = d.VectorDecimals
	}
	if opts.FallbackDecimals <= 0 {
		opts.FallbackDecimals = d.FallbackDecimals
	}
	return &Store{
		kv:       kv,
		embedder: embedder,
		chunker:  documents.NewChunker(opts.MaxChunkLength, opts.MinPageLength),
		builder:  NewContextBuilder(0),
		opts:     opts,
		now:      time.Now,
	}
}

// IngestText ingests raw page-marked text under fileName.
func (s *Store) IngestText(ctx context.Context, fileName, rawText, docType string) (string, error) {
	return s.Ingest(ctx, IngestRequest{FileName: fileName, Text: rawText, DocType: docType})
}

// Ingest chunks the text, attaches whatever embeddings succeed and persists
// the document, its chunks and their keyword index entries.
func (s *Store) Ingest(ctx context.Context, req IngestRequest) (string, error) {
	if strings.TrimSpace(req.Text) == "" {
		return "", fmt.Errorf("%w: document text is empty", ErrInvalidInput)
	}
	if strings.TrimSpace(req.FileName) == "" {
		return "", fmt.Errorf("%w: file name is required", ErrInvalidInput)
	}

	logger.Section("Ingest")

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(req.FileName), filepath.Ext(req.FileName))
	}

	docID := uuid.NewString()
	chunks := s.chunker.Chunk(docID, title, req.Text)
	if len(chunks) == 0 {
		return "", fmt.Errorf("%s: %w", req.FileName, ErrNoChunks)
	}
	logger.Debug("%s: %d chunks", req.FileName, len(chunks))

	s.attachEmbeddings(ctx, chunks)

	s.mu.Lock()
	defer s.mu.Unlock()

	chunks, err := s.persistChunks(ctx, docID, chunks)
	if err != nil {
		return "", err
	}

	doc := db.StoredDocument{
		ID:             docID,
		FileName:       req.FileName,
		Title:          title,
		UploadedAt:     s.now().UTC(),
		PageCount:      len(documents.SplitPages(req.Text)),
		ChunkCount:     len(chunks),
		EmbeddedChunks: countEmbedded(chunks),
		DocType:        req.DocType,
		Tags:           req.Tags,
		Summary:        documents.Summarize(req.Text, summaryLength),
	}
	if err := db.SetJSON(ctx, s.kv, db.CollectionDocuments, docID, doc); err != nil {
		_ = s.kv.Delete(ctx, db.CollectionChunks, docID)
		return "", fmt.Errorf("failed to save document: %w", err)
	}

	if err := s.indexChunks(ctx, chunks); err != nil {
		s.rollback(ctx, docID)
		return "", fmt.Errorf("failed to update keyword index: %w", err)
	}

	logger.Info("ingested %s as %s: %d chunks, %d with vectors", req.FileName, docID, doc.ChunkCount, doc.EmbeddedChunks)
	return docID, nil
}

func (s *Store) attachEmbeddings(ctx context.Context, chunks []db.DocumentChunk) {
	if s.embedder == nil {
		return
	}

	texts := make([]string, len(chunks))
	for i, c := range chunks {
		texts[i] = c.Content
	}

	failed := 0
	for i, res := range s.embedder.CreateBatchEmbeddings(ctx, texts) {
		if !res.OK() {
			failed++
			continue
		}
		chunks[i].Embedding = embeddings.Compress(res.Vector, s.opts.VectorDecimals)
	}
	if failed > 0 {
		logger.Warn("%d of %d chunks have no embedding and will be keyword-only", failed, len(chunks))
	}
}

// persistChunks writes the chunk list, degrading step by step when it does
// not fit: first vectors at FallbackDecimals, then no vectors at all.
func (s *Store) persistChunks(ctx context.Context, docID string, chunks []db.DocumentChunk) ([]db.DocumentChunk, error) {
	attempts := []struct {
		name    string
		prepare func([]db.DocumentChunk) []db.DocumentChunk
	}{
		{"full", func(c []db.DocumentChunk) []db.DocumentChunk { return c }},
		{"compressed", func(c []db.DocumentChunk) []db.DocumentChunk { return withVectors(c, s.opts.FallbackDecimals) }},
		{"stripped", func(c []db.DocumentChunk) []db.DocumentChunk { return withVectors(c, -1) }},
	}

	var lastErr error
	for i, attempt := range attempts {
		if i > 0 && countEmbedded(chunks) == 0 {
			break
		}
		candidate := attempt.prepare(chunks)

		data, err := json.Marshal(candidate)
		if err != nil {
			lastErr = fmt.Errorf("failed to encode chunks: %w", err)
			logger.Warn("chunks of %s could not be encoded (%s vectors): %v", docID, attempt.name, err)
			continue
		}
		if s.opts.MaxChunkPayloadBytes > 0 && len(data) > s.opts.MaxChunkPayloadBytes {
			lastErr = fmt.Errorf("chunk payload is %d bytes, limit %d: %w", len(data), s.opts.MaxChunkPayloadBytes, db.ErrValueTooLarge)
			logger.Warn("chunks of %s exceed the payload limit with %s vectors", docID, attempt.name)
			continue
		}

		err = s.kv.Set(ctx, db.CollectionChunks, docID, data)
		if err == nil {
			if i > 0 {
				logger.Warn("stored %s with %s vectors", docID, attempt.name)
			}
			return candidate, nil
		}
		if !errors.Is(err, db.ErrValueTooLarge) {
			return nil, fmt.Errorf("failed to save chunks: %w", err)
		}
		lastErr = err
		logger.Warn("storage refused chunks of %s with %s vectors: %v", docID, attempt.name, err)
	}
	return nil, fmt.Errorf("failed to save chunks: %w", lastErr)
}

// withVectors copies chunks with vectors rounded to decimals, or removed
// when decimals is negative.
func withVectors(chunks []db.DocumentChunk, decimals int) []db.DocumentChunk {
	out := make([]db.DocumentChunk, len(chunks))
	copy(out, chunks)
	for i := range out {
		if decimals < 0 {
			out[i].Embedding = nil
		} else if out[i].HasEmbedding() {
			out[i].Embedding = embeddings.Compress(out[i].Embedding, decimals)
		}
	}
	return out
}

func countEmbedded(chunks []db.DocumentChunk) int {
	n := 0
	for _, c := range chunks {
		if c.HasEmbedding() {
			n++
		}
	}
	return n
}

// indexChunks adds the chunks to the keyword index. Caller holds mu.
func (s *Store) indexChunks(ctx context.Context, chunks []db.DocumentChunk) error {
	additions := make(map[string][]string)
	for _, c := range chunks {
		for _, kw := range c.Keywords {
			additions[kw] = append(additions[kw], c.ID)
		}
	}

	for kw, ids := range additions {
		existing, err := db.GetJSON[[]string](ctx, s.kv, db.CollectionKeywordIndex, kw)
		if err != nil && !errors.Is(err, db.ErrNotFound) {
			return err
		}
		if err := db.SetJSON(ctx, s.kv, db.CollectionKeywordIndex, kw, append(existing, ids...)); err != nil {
			return err
		}
	}
	return nil
}

// rollback removes a half-ingested document along with any index entries
// already written for it. Caller holds mu.
func (s *Store) rollback(ctx context.Context, docID string) {
	err := errors.Join(
		s.kv.Delete(ctx, db.CollectionChunks, docID),
		s.kv.Delete(ctx, db.CollectionDocuments, docID),
		s.rebuildIndex(ctx),
	)
	if err != nil {
		logger.Warn("rollback of %s incomplete: %v", docID, err)
	}
}

// rebuildIndex recomputes the keyword index from the stored chunks and drops
// keywords no chunk carries anymore. Caller holds mu.
func (s *Store) rebuildIndex(ctx context.Context) error {
	chunks, err := s.allChunks(ctx)
	if err != nil {
		return err
	}

	index := make(map[string][]string)
	for _, c := range chunks {
		for _, kw := range c.Keywords {
			index[kw] = append(index[kw], c.ID)
		}
	}

	records, err := s.kv.Scan(ctx, db.CollectionKeywordIndex)
	if err != nil {
		return err
	}
	for _, r := range records {
		if _, ok := index[r.Key]; !ok {
			if err := s.kv.Delete(ctx, db.CollectionKeywordIndex, r.Key); err != nil {
				return err
			}
		}
	}
	for kw, ids := range index {
		if err := db.SetJSON(ctx, s.kv, db.CollectionKeywordIndex, kw, ids); err != nil {
			return err
		}
	}
	return nil
}

// DeleteDocument removes a document, its chunks and their index entries.
// It reports false when the document does not exist.
func (s *Store) DeleteDocument(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.kv.Get(ctx, db.CollectionDocuments, id); err != nil {
		if errors.Is(err, db.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("failed to load document: %w", err)
	}

	if err := s.kv.Delete(ctx, db.CollectionChunks, id); err != nil {
		return false, fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := s.kv.Delete(ctx, db.CollectionDocuments, id); err != nil {
		return false, fmt.Errorf("failed to delete document: %w", err)
	}
	if err := s.rebuildIndex(ctx); err != nil {
		return true, fmt.Errorf("failed to rebuild keyword index: %w", err)
	}

	logger.Info("deleted document %s", id)
	return true, nil
}

// GetDocument returns one document's metadata.
func (s *Store) GetDocument(ctx context.Context, id string) (db.StoredDocument, error) {
	doc, err := db.GetJSON[db.StoredDocument](ctx, s.kv, db.CollectionDocuments, id)
	if errors.Is(err, db.ErrNotFound) {
		return doc, fmt.Errorf("%s: %w", id, ErrDocumentNotFound)
	}
	return doc, err
}

// ListDocuments returns all documents, oldest upload first.
func (s *Store) ListDocuments(ctx context.Context) ([]db.StoredDocument, error) {
	docs, err := db.ScanJSON[db.StoredDocument](ctx, s.kv, db.CollectionDocuments)
	if err != nil {
		return nil, fmt.Errorf("failed to list documents: %w", err)
	}
	sort.SliceStable(docs, func(i, j int) bool {
		return docs[i].UploadedAt.Before(docs[j].UploadedAt)
	})
	return docs, nil
}

// Chunks returns the chunks of one document in page order.
func (s *Store) Chunks(ctx context.Context, docID string) ([]db.DocumentChunk, error) {
	chunks, err := db.GetJSON[[]db.DocumentChunk](ctx, s.kv, db.CollectionChunks, docID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%s: %w", docID, ErrDocumentNotFound)
	}
	return chunks, err
}

// ChunkIDsForKeyword looks a keyword up in the index.
func (s *Store) ChunkIDsForKeyword(ctx context.Context, keyword string) ([]string, error) {
	ids, err := db.GetJSON[[]string](ctx, s.kv, db.CollectionKeywordIndex, keyword)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil
	}
	return ids, err
}

// allChunks flattens every document's chunks in document id order.
func (s *Store) allChunks(ctx context.Context) ([]db.DocumentChunk, error) {
	lists, err := db.ScanJSON[[]db.DocumentChunk](ctx, s.kv, db.CollectionChunks)
	if err != nil {
		return nil, fmt.Errorf("failed to load chunks: %w", err)
	}
	var out []db.DocumentChunk
	for _, l := range lists {
		out = append(out, l...)
	}
	return out, nil
}

// Stats counts documents, chunks, index keywords and chunks with vectors.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	docs, err := s.kv.Scan(ctx, db.CollectionDocuments)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count documents: %w", err)
	}
	keywords, err := s.kv.Scan(ctx, db.CollectionKeywordIndex)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count keywords: %w", err)
	}
	chunks, err := s.allChunks(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Documents:      len(docs),
		Chunks:         len(chunks),
		Keywords:       len(keywords),
		EmbeddedChunks: countEmbedded(chunks),
	}, nil
}
