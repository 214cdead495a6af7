// Copyright 2025 James Ross
package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/constellation/internal/obs"
)

// MemoryBackend is the in-process Backend. With MaxSize > 0 eviction is LRU:
// every hit moves the entry to the front of an intrusive list and inserts
// into a full cache evict from the tail.
type MemoryBackend struct {
	name    string
	maxSize int

	mu      sync.Mutex
	entries map[string]*list.Element
	lru     *list.List // front = most recent

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	flightMu sync.Mutex
	inflight map[string]*flight

	now func() time.Time
}

type lruEntry struct {
	key   string
	entry Entry
}

type flight struct {
	done  chan struct{}
	value interface{}
	err   error
}

// NewMemoryBackend builds a backend. maxSize <= 0 disables the size bound.
func NewMemoryBackend(name string, maxSize int) *MemoryBackend {
	return &MemoryBackend{
		name:     name,
		maxSize:  maxSize,
		entries:  make(map[string]*list.Element),
		lru:      list.New(),
		inflight: make(map[string]*flight),
		now:      time.Now,
	}
}

func (b *MemoryBackend) Name() string { return b.name }

func (b *MemoryBackend) Get(_ context.Context, key string) (*Entry, bool) {
	b.mu.Lock()
	elem, ok := b.entries[key]
	if !ok {
		b.mu.Unlock()
		b.misses.Add(1)
		obs.CacheMisses.WithLabelValues(b.name).Inc()
		return nil, false
	}
	le := elem.Value.(*lruEntry)
	if le.entry.Expired(b.now()) {
		b.removeLocked(key, elem)
		b.evictions.Add(1)
		obs.CacheEvictions.WithLabelValues(b.name).Inc()
		b.mu.Unlock()
		b.misses.Add(1)
		obs.CacheMisses.WithLabelValues(b.name).Inc()
		return nil, false
	}
	b.lru.MoveToFront(elem)
	entry := le.entry
	b.mu.Unlock()
	b.hits.Add(1)
	obs.CacheHits.WithLabelValues(b.name).Inc()
	return &entry, true
}

func (b *MemoryBackend) Set(_ context.Context, key string, value interface{}, ttl time.Duration) error {
	now := b.now()
	entry := Entry{
		Value:           value,
		CreatedAtMillis: now.UnixMilli(),
		ExpiresAtMillis: now.Add(ttl).UnixMilli(),
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if elem, ok := b.entries[key]; ok {
		elem.Value.(*lruEntry).entry = entry
		b.lru.MoveToFront(elem)
		return nil
	}
	if b.maxSize > 0 && len(b.entries) >= b.maxSize {
		// Evict from the tail until there is room.
		for len(b.entries) >= b.maxSize {
			tail := b.lru.Back()
			if tail == nil {
				break
			}
			le := tail.Value.(*lruEntry)
			b.removeLocked(le.key, tail)
			b.evictions.Add(1)
			obs.CacheEvictions.WithLabelValues(b.name).Inc()
		}
	}
	b.entries[key] = b.lru.PushFront(&lruEntry{key: key, entry: entry})
	return nil
}

func (b *MemoryBackend) Delete(_ context.Context, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elem, ok := b.entries[key]
	if !ok {
		return false
	}
	b.removeLocked(key, elem)
	return true
}

// Contains reports liveness without counting a hit or a miss. Finding an
// expired entry removes it as a side effect.
func (b *MemoryBackend) Contains(_ context.Context, key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elem, ok := b.entries[key]
	if !ok {
		return false
	}
	if elem.Value.(*lruEntry).entry.Expired(b.now()) {
		b.removeLocked(key, elem)
		b.evictions.Add(1)
		obs.CacheEvictions.WithLabelValues(b.name).Inc()
		return false
	}
	return true
}

func (b *MemoryBackend) Clear(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = make(map[string]*list.Element)
	b.lru.Init()
	return nil
}

func (b *MemoryBackend) Stats() Stats {
	b.mu.Lock()
	size := int64(len(b.entries))
	b.mu.Unlock()
	return Stats{
		Hits:      b.hits.Load(),
		Misses:    b.misses.Load(),
		Evictions: b.evictions.Load(),
		Size:      size,
		MaxSize:   int64(b.maxSize),
	}
}

// GetOrCompute returns the cached value or computes it once. Concurrent
// callers for the same missing key share the single in-flight computation.
func (b *MemoryBackend) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFn) (interface{}, error) {
	if entry, ok := b.Get(ctx, key); ok {
		return entry.Value, nil
	}

	b.flightMu.Lock()
	if f, running := b.inflight[key]; running {
		b.flightMu.Unlock()
		select {
		case <-f.done:
			return f.value, f.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f := &flight{done: make(chan struct{})}
	b.inflight[key] = f
	b.flightMu.Unlock()

	// Double-check under the flight: another caller may have set the key
	// between our miss and the flight registration.
	if entry, ok := b.Get(ctx, key); ok {
		f.value = entry.Value
	} else {
		f.value, f.err = compute(ctx)
		if f.err == nil {
			f.err = b.Set(ctx, key, f.value, ttl)
		}
	}

	b.flightMu.Lock()
	delete(b.inflight, key)
	b.flightMu.Unlock()
	close(f.done)
	return f.value, f.err
}

// ForceCleanup scans and removes expired entries, returning the count.
func (b *MemoryBackend) ForceCleanup() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()
	removed := 0
	for key, elem := range b.entries {
		if elem.Value.(*lruEntry).entry.Expired(now) {
			b.removeLocked(key, elem)
			b.evictions.Add(1)
			obs.CacheEvictions.WithLabelValues(b.name).Inc()
			removed++
		}
	}
	return removed
}

func (b *MemoryBackend) removeLocked(key string, elem *list.Element) {
	delete(b.entries, key)
	b.lru.Remove(elem)
}
