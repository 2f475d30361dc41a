// Package cache provides in-memory caching for the RAG pipeline.
//
// EmbeddingCache stores query→vector mappings to avoid redundant embedding
// calls for repeated or similar queries. Backed by hashicorp/golang-lru's
// expirable LRU, replacing the teacher's hand-rolled map+mutex+cleanup-
// goroutine with the same TTL-keyed lookup shape.
package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// embeddingCacheSize bounds memory use independent of TTL.
const embeddingCacheSize = 4096

// EmbeddingCache caches query embedding vectors keyed by normalized query hash.
type EmbeddingCache struct {
	lru *lru.LRU[string, []float32]
	ttl time.Duration
}

// DefaultEmbeddingTTL is 15 minutes unless overridden by EMBEDDING_CACHE_TTL env var.
func DefaultEmbeddingTTL() time.Duration {
	if v := os.Getenv("EMBEDDING_CACHE_TTL"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 15 * time.Minute
}

// NewEmbeddingCache creates an EmbeddingCache with the given TTL.
func NewEmbeddingCache(ttl time.Duration) *EmbeddingCache {
	return &EmbeddingCache{
		lru: lru.NewLRU[string, []float32](embeddingCacheSize, nil, ttl),
		ttl: ttl,
	}
}

// Get returns a cached embedding vector if present and not expired.
func (c *EmbeddingCache) Get(queryHash string) ([]float32, bool) {
	vec, ok := c.lru.Get(queryHash)
	if ok {
		slog.Info("[EMBED-CACHE] hit", "query_hash", queryHash)
	}
	return vec, ok
}

// Set stores an embedding vector in the cache.
func (c *EmbeddingCache) Set(queryHash string, vec []float32) {
	c.lru.Add(queryHash, vec)
	slog.Info("[EMBED-CACHE] set", "query_hash", queryHash, "vec_dim", len(vec), "ttl_s", int(c.ttl.Seconds()))
}

// Len returns the number of entries currently cached.
func (c *EmbeddingCache) Len() int {
	return c.lru.Len()
}

// Stop is a no-op kept for interface parity with the teacher's cache
// lifecycle (the expirable LRU manages its own background eviction and
// needs no explicit shutdown, but callers that defer Stop() still work).
func (c *EmbeddingCache) Stop() {}

// EmbeddingQueryHash returns a deterministic cache key for a query string.
// Normalizes by lowercasing and trimming whitespace before hashing.
func EmbeddingQueryHash(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	h := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("emb:%x", h[:16])
}
