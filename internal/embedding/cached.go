package embedding

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/contract-insights/backend/pkg/logger"
)

// VectorCache stores embeddings by model and text.
type VectorCache interface {
	GetEmbeddings(ctx context.Context, model string, texts []string) ([][]float32, error)
	SetEmbeddings(ctx context.Context, model string, texts []string, vecs [][]float32, ttl time.Duration) error
}

// CacheObserver receives hit and miss counts; the metrics package implements it.
type CacheObserver interface {
	ObserveCache(cache string, hits, misses int)
}

// CachedEmbedder serves repeated texts from a cache and forwards only misses to
// the wrapped embedder. Cache failures degrade to a direct call.
type CachedEmbedder struct {
	next     Embedder
	cache    VectorCache
	ttl      time.Duration
	observer CacheObserver
}

func NewCachedEmbedder(next Embedder, cache VectorCache, ttl time.Duration, observer CacheObserver) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache, ttl: ttl, observer: observer}
}

func (c *CachedEmbedder) Name() string   { return c.next.Name() }
func (c *CachedEmbedder) Dimension() int { return c.next.Dimension() }

func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	cached, err := c.cache.GetEmbeddings(ctx, c.Name(), texts)
	if err != nil {
		logger.Warn("Embedding cache unavailable", zap.Error(err))
		return c.next.Embed(ctx, texts)
	}

	out := make([][]float32, len(texts))
	var (
		missTexts []string
		missIdx   []int
	)
	for i, v := range cached {
		if len(v) == c.Dimension() {
			out[i] = v
			continue
		}
		missTexts = append(missTexts, texts[i])
		missIdx = append(missIdx, i)
	}

	if c.observer != nil {
		c.observer.ObserveCache("embedding", len(texts)-len(missTexts), len(missTexts))
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	fresh, err := c.next.Embed(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	if len(fresh) != len(missTexts) {
		return nil, fmt.Errorf("embedder %s returned %d vectors for %d texts", c.Name(), len(fresh), len(missTexts))
	}
	for j, i := range missIdx {
		out[i] = fresh[j]
	}

	if err := c.cache.SetEmbeddings(ctx, c.Name(), missTexts, fresh, c.ttl); err != nil {
		logger.Warn("Failed to cache embeddings", zap.Error(err))
	}
	return out, nil
}
