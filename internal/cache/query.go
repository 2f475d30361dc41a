// Package cache provides in-memory query result caching for the RAG pipeline.
package cache

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/rattsbas/aegis/internal/model"
)

// queryCacheSize bounds memory use independent of TTL.
const queryCacheSize = 2048

// QueryCache caches a RAGResult by (mode, query). The service is stateless
// per request — there is no per-user scoping, only per-query-shape.
type QueryCache struct {
	lru *lru.LRU[string, *model.RAGResult]
	ttl time.Duration
}

// New creates a QueryCache with the given TTL.
func New(ttl time.Duration) *QueryCache {
	return &QueryCache{
		lru: lru.NewLRU[string, *model.RAGResult](queryCacheSize, nil, ttl),
		ttl: ttl,
	}
}

// Get returns a cached RAGResult if present and not expired.
func (c *QueryCache) Get(mode model.Mode, query string) (*model.RAGResult, bool) {
	key := cacheKey(mode, query)
	result, ok := c.lru.Get(key)
	if ok {
		slog.Info("[CACHE] hit", "mode", mode)
	}
	return result, ok
}

// Set stores a RAGResult in the cache.
func (c *QueryCache) Set(mode model.Mode, query string, result *model.RAGResult) {
	key := cacheKey(mode, query)
	c.lru.Add(key, result)
	slog.Info("[CACHE] set", "mode", mode, "ttl_s", int(c.ttl.Seconds()), "total_entries", c.Len())
}

// Len returns the number of entries in the cache.
func (c *QueryCache) Len() int {
	return c.lru.Len()
}

// Stop is a no-op kept for interface parity; the expirable LRU manages its
// own eviction.
func (c *QueryCache) Stop() {}

// cacheKey builds a deterministic key: "qc:{mode}:{sha256(query)}"
func cacheKey(mode model.Mode, query string) string {
	h := sha256.Sum256([]byte(query))
	return fmt.Sprintf("qc:%s:%x", mode, h[:8])
}
