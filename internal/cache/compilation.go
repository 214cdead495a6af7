// Copyright 2025 James Ross
package cache

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/flyingrobots/constellation/internal/pipeline"
)

// compilationEntry pairs a compiled output with the hashes it is valid for.
type compilationEntry struct {
	SourceHash   string
	RegistryHash string
	Output       *pipeline.LoadedPipeline
}

// CompilationStats are the compile-cache layer counters.
type CompilationStats struct {
	Hits          int64 `json:"hits"`
	Misses        int64 `json:"misses"`
	Invalidations int64 `json:"invalidations"`
}

// CompilationCache caches compiler output keyed by dag name, validated
// against source and registry hashes. CompilationOutput holds closures and
// is not serializable, so the backing store must be in-memory.
type CompilationCache struct {
	backend Backend
	ttl     time.Duration

	hits          atomic.Int64
	misses        atomic.Int64
	invalidations atomic.Int64
}

// NewCompilationCache wraps an in-memory backend. ttl bounds entry life.
func NewCompilationCache(backend Backend, ttl time.Duration) *CompilationCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &CompilationCache{backend: backend, ttl: ttl}
}

// Get returns the cached output only when both hashes match the stored
// entry. A hash mismatch counts as a miss (and an invalidation) without
// evicting: the entry stays valid for its own hash pair.
func (c *CompilationCache) Get(ctx context.Context, dagName, sourceHash, registryHash string) (*pipeline.LoadedPipeline, bool) {
	entry, ok := c.backend.Get(ctx, dagName)
	if !ok {
		c.misses.Add(1)
		obs.CompileCacheMisses.Inc()
		return nil, false
	}
	ce, ok := entry.Value.(*compilationEntry)
	if !ok {
		c.misses.Add(1)
		obs.CompileCacheMisses.Inc()
		return nil, false
	}
	if ce.SourceHash != sourceHash || ce.RegistryHash != registryHash {
		c.invalidations.Add(1)
		c.misses.Add(1)
		obs.CompileCacheMisses.Inc()
		return nil, false
	}
	c.hits.Add(1)
	obs.CompileCacheHits.Inc()
	return ce.Output, true
}

// Put stores a compilation output under its dag name.
func (c *CompilationCache) Put(ctx context.Context, dagName, sourceHash, registryHash string, output *pipeline.LoadedPipeline) error {
	return c.backend.Set(ctx, dagName, &compilationEntry{
		SourceHash:   sourceHash,
		RegistryHash: registryHash,
		Output:       output,
	}, c.ttl)
}

// Invalidate drops a dag's cached output.
func (c *CompilationCache) Invalidate(ctx context.Context, dagName string) bool {
	if c.backend.Delete(ctx, dagName) {
		c.invalidations.Add(1)
		return true
	}
	return false
}

// Stats snapshots the layer counters.
func (c *CompilationCache) Stats() CompilationStats {
	return CompilationStats{
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Invalidations: c.invalidations.Load(),
	}
}
