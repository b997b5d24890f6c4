package embedding

import (
	"context"
	"hash/fnv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"agent-router/internal/domain"
)

// CachedEmbedder wraps a domain.EmbeddingProvider with an LRU cache for
// single-text queries (routing queries). Batch calls pass through uncached:
// they are registration-time work where freshness matters more than speed.
type CachedEmbedder struct {
	inner domain.EmbeddingProvider
	cache *lru.Cache[uint64, []float32]

	mu   sync.Mutex
	hits uint64
	miss uint64
}

// NewCachedEmbedder wraps inner with an LRU embedding cache of maxSize
// entries. If maxSize <= 0, the inner provider is returned directly.
func NewCachedEmbedder(inner domain.EmbeddingProvider, maxSize int) domain.EmbeddingProvider {
	if maxSize <= 0 {
		return inner
	}
	cache, err := lru.New[uint64, []float32](maxSize)
	if err != nil {
		return inner
	}
	return &CachedEmbedder{inner: inner, cache: cache}
}

// Embed implements domain.EmbeddingProvider.
// Single-text calls are cached; batch (len > 1) calls pass through.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) != 1 {
		return c.inner.Embed(ctx, texts)
	}

	key := hashText(texts[0])
	if vec, ok := c.cache.Get(key); ok {
		c.count(true)
		return [][]float32{vec}, nil
	}
	c.count(false)

	result, err := c.inner.Embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(result) == 1 {
		c.cache.Add(key, result[0])
	}
	return result, nil
}

// Stats returns cache hit/miss counts.
func (c *CachedEmbedder) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.miss
}

func (c *CachedEmbedder) count(hit bool) {
	c.mu.Lock()
	if hit {
		c.hits++
	} else {
		c.miss++
	}
	c.mu.Unlock()
}

// Dimensions implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Dimensions() int { return c.inner.Dimensions() }

// Name implements domain.EmbeddingProvider.
func (c *CachedEmbedder) Name() string { return c.inner.Name() }

// hashText returns an FNV-1a hash of the input text.
func hashText(s string) uint64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	return h.Sum64()
}

// Compile-time interface check.
var _ domain.EmbeddingProvider = (*CachedEmbedder)(nil)
