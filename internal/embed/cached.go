package embed

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// CachedProvider wraps an embedding provider with an in-process
// LRU+TTL cache. Keys include the model name so switching models never
// serves stale vectors.
type CachedProvider struct {
	inner Provider
	cache *expirable.LRU[string, []float32]
}

// WithCache wraps a Provider with an expiring LRU cache of at most
// size entries. A zero ttl keeps entries until evicted by size.
func WithCache(p Provider, size int, ttl time.Duration) *CachedProvider {
	if size <= 0 {
		size = 1024
	}
	return &CachedProvider{
		inner: p,
		cache: expirable.NewLRU[string, []float32](size, nil, ttl),
	}
}

func (c *CachedProvider) key(text string) string {
	sum := sha256.Sum256([]byte(c.inner.Model() + "\x00" + text))
	return hex.EncodeToString(sum[:])
}

// Embed returns a cached vector when present, otherwise delegates and
// caches the result.
func (c *CachedProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	key := c.key(text)
	if cached, ok := c.cache.Get(key); ok {
		return cloneVector(cached), nil
	}

	embedding, err := c.inner.Embed(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Add(key, cloneVector(embedding))
	return embedding, nil
}

// EmbedBatch embeds only the cache misses, preserving input order.
func (c *CachedProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	results := make([][]float32, len(texts))
	var missIdx []int
	var missTexts []string

	for i, text := range texts {
		if cached, ok := c.cache.Get(c.key(text)); ok {
			results[i] = cloneVector(cached)
		} else {
			missIdx = append(missIdx, i)
			missTexts = append(missTexts, text)
		}
	}
	if len(missTexts) == 0 {
		return results, nil
	}

	embeddings, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for i, idx := range missIdx {
		results[idx] = embeddings[i]
		c.cache.Add(c.key(missTexts[i]), cloneVector(embeddings[i]))
	}
	return results, nil
}

// Model returns the inner provider's model name.
func (c *CachedProvider) Model() string { return c.inner.Model() }

// Dimensions returns the inner provider's vector dimensionality.
func (c *CachedProvider) Dimensions() int { return c.inner.Dimensions() }

// Ping delegates to the inner provider.
func (c *CachedProvider) Ping(ctx context.Context) error { return c.inner.Ping(ctx) }

// Len reports the number of cached embeddings.
func (c *CachedProvider) Len() int { return c.cache.Len() }

// Purge removes all cached embeddings.
func (c *CachedProvider) Purge() { c.cache.Purge() }

func cloneVector(v []float32) []float32 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
