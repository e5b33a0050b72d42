// Package app wires storage, embeddings, the document store and the
// dedup manager from one configuration and owns their lifetime.
package app

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/manualrag/cli/config"
	"github.com/manualrag/cli/internal/db"
	"github.com/manualrag/cli/internal/dedup"
	"github.com/manualrag/cli/internal/documents"
	"github.com/manualrag/cli/internal/embeddings"
	"github.com/manualrag/cli/internal/logger"
	"github.com/manualrag/cli/internal/ollama"
	"github.com/manualrag/cli/internal/rag"
)

// App holds the wired components
type App struct {
	Config     *config.Config
	KV         db.KV
	Cache      *embeddings.Cache
	Embeddings *embeddings.Service
	Store      *rag.Store
	Dedup      *dedup.Manager
	Ollama     *ollama.Client
}

// New opens the configured backend and builds every component on top of it.
// A persisted embedding cache is loaded when cache.persist is set; an
// unreadable snapshot is logged and replaced by an empty cache.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	kv, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Storage.Backend, err)
	}

	cache := embeddings.NewCache(embeddings.CacheConfig{
		MaxEntries:           cfg.Cache.MaxEntries,
		MaxMemoryBytes:       int64(cfg.Cache.MaxMemoryMB) << 20,
		CompressionThreshold: cfg.Cache.CompressionThreshold,
		CompressionDecimals:  cfg.Cache.CompressionDecimals,
		EntryOverhead:        embeddings.DefaultCacheConfig().EntryOverhead,
	})
	if cfg.Cache.Persist {
		if err := cache.LoadFile(cfg.CachePath()); err != nil {
			logger.Warn("ignoring embedding cache at %s: %v", cfg.CachePath(), err)
			cache.Clear()
		} else {
			logger.Debug("loaded %d cached embeddings", cache.Len())
		}
	}

	provider := embeddings.NewOllamaProvider(cfg.Ollama.BaseURL, cfg.Embeddings.Model)
	service := embeddings.NewService(provider, cache, embeddings.ServiceConfig{
		Timeout:    cfg.Embeddings.Timeout,
		BatchDelay: cfg.Embeddings.BatchDelay,
	})

	store := rag.NewStore(kv, service, rag.Options{
		MaxChunkLength:       cfg.Chunking.MaxChunkLength,
		MinPageLength:        cfg.Chunking.MinPageLength,
		DefaultLimit:         cfg.Search.DefaultLimit,
		ContextLimit:         cfg.Search.ContextLimit,
		VectorDecimals:       cfg.Search.VectorDecimals,
		FallbackDecimals:     cfg.Search.FallbackDecimals,
		MaxChunkPayloadBytes: cfg.Search.MaxChunkPayloadBytes,
	})

	manager := dedup.NewManager(kv, dedup.Config{
		PrefixLength:     cfg.Dedup.PrefixLength,
		SimilarThreshold: cfg.Dedup.SimilarThreshold,
		OverlapThreshold: cfg.Dedup.OverlapThreshold,
		PointCountWeight: cfg.Dedup.PointCountWeight,
		ProtocolWeight:   cfg.Dedup.ProtocolWeight,
		FileNameWeight:   cfg.Dedup.FileNameWeight,
	})

	return &App{
		Config:     cfg,
		KV:         kv,
		Cache:      cache,
		Embeddings: service,
		Store:      store,
		Dedup:      manager,
		Ollama:     ollama.NewClient(cfg.Ollama.BaseURL, cfg.Ollama.Timeout),
	}, nil
}

// Close persists the embedding cache when configured and closes storage.
func (a *App) Close() error {
	var errs []error
	if a.Config.Cache.Persist {
		if err := a.Cache.SaveFile(a.Config.CachePath()); err != nil {
			errs = append(errs, err)
		}
	}
	if err := a.KV.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close storage: %w", err))
	}
	return errors.Join(errs...)
}

// RunOptimizer runs cache maintenance until ctx is done.
func (a *App) RunOptimizer(ctx context.Context) error {
	return a.Cache.RunOptimizer(ctx, a.Config.Cache.OptimizeInterval)
}

// IngestOptions controls one import
type IngestOptions struct {
	Title   string
	DocType string
	Tags    []string
	// SkipDuplicates refuses documents the dedup check flags.
	SkipDuplicates bool
}

// IngestResult reports what happened to one document. DocumentID is empty
// when the document was skipped.
type IngestResult struct {
	DocumentID string            `json:"documentId,omitempty"`
	FileName   string            `json:"fileName"`
	Skipped    bool              `json:"skipped"`
	Check      dedup.CheckResult `json:"dedup"`
}

// IngestFile loads a supported file from disk and ingests it.
func (a *App) IngestFile(ctx context.Context, path string, opts IngestOptions) (IngestResult, error) {
	if opts.DocType == "" {
		docType, err := documents.DocType(path)
		if err != nil {
			return IngestResult{}, err
		}
		opts.DocType = docType
	}

	parsed, err := documents.Load(path)
	if err != nil {
		return IngestResult{}, fmt.Errorf("%s: %w", filepath.Base(path), err)
	}
	return a.IngestText(ctx, filepath.Base(path), parsed.Text, opts)
}

// IngestText checks text against the fingerprint history, stores it and
// records its fingerprint. The dedup check is advisory unless
// opts.SkipDuplicates is set.
func (a *App) IngestText(ctx context.Context, fileName, text string, opts IngestOptions) (IngestResult, error) {
	result := IngestResult{FileName: fileName}

	check, err := a.Dedup.CheckDuplicate(ctx, fileName, text, nil)
	if err != nil {
		return result, err
	}
	result.Check = check

	if check.IsDuplicate {
		logger.Warn("%s looks like a duplicate (%s, %.0f%%): %s",
			fileName, check.Type, check.Similarity, strings.Join(check.Recommendations, " "))
		if opts.SkipDuplicates {
			result.Skipped = true
			return result, nil
		}
	}

	id, err := a.Store.Ingest(ctx, rag.IngestRequest{
		FileName: fileName,
		Text:     text,
		DocType:  opts.DocType,
		Title:    opts.Title,
		Tags:     opts.Tags,
	})
	if err != nil {
		return result, err
	}
	result.DocumentID = id

	if err := a.Dedup.Store(ctx, check.Fingerprint); err != nil {
		return result, err
	}
	return result, nil
}

// Ask answers question from the best matching manual excerpts. Answer text
// is passed to onChunk as it streams in and also returned whole.
func (a *App) Ask(ctx context.Context, question string, onChunk func(string)) (string, error) {
	excerpts, err := a.Store.GetContextForQuery(ctx, question)
	if err != nil {
		return "", err
	}

	model, err := a.Ollama.PickModel(ctx, a.Config.Ollama.ChatModel)
	if err != nil {
		return "", fmt.Errorf("failed to pick a chat model: %w", err)
	}
	logger.Debug("answering with %s", model)

	var answer strings.Builder
	err = a.Ollama.GenerateStream(ctx, ollama.GenerateRequest{
		Model:  model,
		Prompt: a.Store.BuildPrompt(excerpts, question),
	}, func(chunk string) {
		answer.WriteString(chunk)
		if onChunk != nil {
			onChunk(chunk)
		}
	})
	if err != nil {
		return answer.String(), err
	}
	return answer.String(), nil
}
