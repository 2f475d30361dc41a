package cache

import "context"

// embedder is the subset of internal/service.Embedder this decorator wraps.
type embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	EmbedSingle(ctx context.Context, text string) ([]float32, error)
}

// CachedEmbedder wraps an Embedder with an EmbeddingCache, so repeated or
// near-repeated queries (the common case for decontextualized follow-up
// questions) skip the network round-trip entirely.
type CachedEmbedder struct {
	next  embedder
	cache *EmbeddingCache
}

// NewCachedEmbedder wraps next with cache. A nil cache disables caching.
func NewCachedEmbedder(next embedder, cache *EmbeddingCache) *CachedEmbedder {
	return &CachedEmbedder{next: next, cache: cache}
}

// EmbedSingle returns the cached vector for text if present, else embeds and
// caches the result.
func (c *CachedEmbedder) EmbedSingle(ctx context.Context, text string) ([]float32, error) {
	if c.cache == nil {
		return c.next.EmbedSingle(ctx, text)
	}
	key := EmbeddingQueryHash(text)
	if vec, ok := c.cache.Get(key); ok {
		return vec, nil
	}
	vec, err := c.next.EmbedSingle(ctx, text)
	if err != nil {
		return nil, err
	}
	c.cache.Set(key, vec)
	return vec, nil
}

// Embed embeds a batch, bypassing the cache. Batches only occur during
// ingestion-side document embedding, which this service does not perform
// (spec Non-goals: building the vector index) — query-time embedding always
// goes through EmbedSingle.
func (c *CachedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	return c.next.Embed(ctx, texts)
}
