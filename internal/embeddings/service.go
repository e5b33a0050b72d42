package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/manualrag/cli/internal/logger"
)

// ErrEmptyText is returned for blank input; the provider is never called.
var ErrEmptyText = errors.New("text cannot be empty")

// Result is the outcome of one embedding request. Exactly one of Vector
// and Err is set.
type Result struct {
	Vector    []float32
	FromCache bool
	Err       error
}

// OK reports whether a vector was produced.
func (r Result) OK() bool {
	return r.Err == nil && len(r.Vector) > 0
}

// ServiceConfig tunes provider calls.
type ServiceConfig struct {
	// Timeout bounds every provider call.
	Timeout time.Duration
	// BatchDelay is the minimum spacing between provider calls.
	BatchDelay time.Duration
}

// Service puts the cache in front of a provider. One instance serves one
// model; the model name is part of every cache key.
type Service struct {
	provider Provider
	cache    *Cache
	timeout  time.Duration
	limiter  *rate.Limiter
}

// NewService wires a provider to a cache.
func NewService(provider Provider, cache *Cache, cfg ServiceConfig) *Service {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	s := &Service{
		provider: provider,
		cache:    cache,
		timeout:  cfg.Timeout,
	}
	if cfg.BatchDelay > 0 {
		s.limiter = rate.NewLimiter(rate.Every(cfg.BatchDelay), 1)
	}
	return s
}

// Model returns the embedding model name
func (s *Service) Model() string {
	return s.provider.Model()
}

// Cache returns the backing cache
func (s *Service) Cache() *Cache {
	return s.cache
}

// CacheKey derives the content-addressed key for text under model.
func CacheKey(model, text string) string {
	sum := sha256.Sum256([]byte(text))
	return model + ":" + hex.EncodeToString(sum[:])
}

// CreateEmbedding returns the cached vector for text or asks the provider.
func (s *Service) CreateEmbedding(ctx context.Context, text string) Result {
	text = strings.TrimSpace(text)
	if text == "" {
		return Result{Err: ErrEmptyText}
	}

	key := CacheKey(s.provider.Model(), text)
	if vec, ok := s.cache.Get(key); ok {
		return Result{Vector: vec, FromCache: true}
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return Result{Err: err}
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	vec, err := s.provider.Embed(callCtx, text)
	if err != nil {
		return Result{Err: fmt.Errorf("%w: %w", ErrProvider, err)}
	}
	if len(vec) == 0 {
		return Result{Err: fmt.Errorf("%w: empty embedding returned", ErrProvider)}
	}

	s.cache.Set(key, vec)
	return Result{Vector: vec}
}

// CreateBatchEmbeddings embeds texts one after another. results[i] belongs
// to texts[i]; a failed item does not stop the rest. Once ctx is done the
// remaining items fail with the context error.
func (s *Service) CreateBatchEmbeddings(ctx context.Context, texts []string) []Result {
	results := make([]Result, len(texts))
	var hits, failed int

	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			for j := i; j < len(texts); j++ {
				results[j] = Result{Err: err}
			}
			failed += len(texts) - i
			break
		}

		results[i] = s.CreateEmbedding(ctx, text)
		switch {
		case !results[i].OK():
			failed++
			logger.Debug("embedding %d/%d failed: %v", i+1, len(texts), results[i].Err)
		case results[i].FromCache:
			hits++
		}
	}

	logger.Debug("batch embeddings: %d items, %d from cache, %d failed", len(texts), hits, failed)
	return results
}
