// Copyright 2025 James Ross
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/obs"
)

// ByteStore is the subclass hook surface for distributed backends: raw
// byte-level I/O against an external store.
type ByteStore interface {
	GetBytes(ctx context.Context, key string) ([]byte, bool, error)
	SetBytes(ctx context.Context, key string, data []byte, ttl time.Duration) error
	DeleteKey(ctx context.Context, key string) (bool, error)
	ClearAll(ctx context.Context) error
}

// Serde converts cached values to and from bytes.
type Serde interface {
	Encode(v interface{}) ([]byte, error)
	Decode(data []byte) (interface{}, error)
}

// JSONSerde handles cvalue.Value and map[string]cvalue.Value natively and
// falls back to a generic JSON envelope for everything else.
type JSONSerde struct{}

type serdeEnvelope struct {
	K string          `json:"k"`
	D json.RawMessage `json:"d"`
}

func (JSONSerde) Encode(v interface{}) ([]byte, error) {
	switch tv := v.(type) {
	case cvalue.Value:
		raw, err := cvalue.EncodeTagged(tv)
		if err != nil {
			return nil, err
		}
		return json.Marshal(serdeEnvelope{K: "value", D: raw})
	case map[string]cvalue.Value:
		raw, err := cvalue.EncodeTagged(cvalue.Map(tv))
		if err != nil {
			return nil, err
		}
		return json.Marshal(serdeEnvelope{K: "valuemap", D: raw})
	default:
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("generic encode: %w", err)
		}
		return json.Marshal(serdeEnvelope{K: "raw", D: raw})
	}
}

func (JSONSerde) Decode(data []byte) (interface{}, error) {
	var env serdeEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.K {
	case "value":
		return cvalue.DecodeTagged(env.D)
	case "valuemap":
		v, err := cvalue.DecodeTagged(env.D)
		if err != nil {
			return nil, err
		}
		m, ok := v.AsMap()
		if !ok {
			return nil, fmt.Errorf("valuemap payload is not a map")
		}
		return m, nil
	case "raw":
		var out interface{}
		if err := json.Unmarshal(env.D, &out); err != nil {
			return nil, err
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown serde envelope kind %q", env.K)
}

// wireEntry carries entry metadata alongside the encoded value.
type wireEntry struct {
	Value           json.RawMessage `json:"value"`
	CreatedAtMillis int64           `json:"createdAtMillis"`
	ExpiresAtMillis int64           `json:"expiresAtMillis"`
}

// DistributedBackend adapts a ByteStore + Serde pair to the Backend SPI.
// Hit/miss/eviction accounting lives here; the store only moves bytes.
type DistributedBackend struct {
	name  string
	store ByteStore
	serde Serde

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64

	flightMu sync.Mutex
	inflight map[string]*flight

	now func() time.Time
}

// NewDistributedBackend wires a byte store behind the Backend SPI. serde
// defaults to JSONSerde.
func NewDistributedBackend(name string, store ByteStore, serde Serde) *DistributedBackend {
	if serde == nil {
		serde = JSONSerde{}
	}
	return &DistributedBackend{
		name:     name,
		store:    store,
		serde:    serde,
		inflight: make(map[string]*flight),
		now:      time.Now,
	}
}

func (b *DistributedBackend) Name() string { return b.name }

func (b *DistributedBackend) Get(ctx context.Context, key string) (*Entry, bool) {
	data, found, err := b.store.GetBytes(ctx, key)
	if err != nil || !found {
		b.misses.Add(1)
		obs.CacheMisses.WithLabelValues(b.name).Inc()
		return nil, false
	}
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		b.misses.Add(1)
		obs.CacheMisses.WithLabelValues(b.name).Inc()
		return nil, false
	}
	entry := Entry{CreatedAtMillis: w.CreatedAtMillis, ExpiresAtMillis: w.ExpiresAtMillis}
	if entry.Expired(b.now()) {
		if ok, _ := b.store.DeleteKey(ctx, key); ok {
			b.evictions.Add(1)
			obs.CacheEvictions.WithLabelValues(b.name).Inc()
		}
		b.misses.Add(1)
		obs.CacheMisses.WithLabelValues(b.name).Inc()
		return nil, false
	}
	v, err := b.serde.Decode(w.Value)
	if err != nil {
		b.misses.Add(1)
		obs.CacheMisses.WithLabelValues(b.name).Inc()
		return nil, false
	}
	entry.Value = v
	b.hits.Add(1)
	obs.CacheHits.WithLabelValues(b.name).Inc()
	return &entry, true
}

func (b *DistributedBackend) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	raw, err := b.serde.Encode(value)
	if err != nil {
		return err
	}
	now := b.now()
	data, err := json.Marshal(wireEntry{
		Value:           raw,
		CreatedAtMillis: now.UnixMilli(),
		ExpiresAtMillis: now.Add(ttl).UnixMilli(),
	})
	if err != nil {
		return err
	}
	return b.store.SetBytes(ctx, key, data, ttl)
}

func (b *DistributedBackend) Delete(ctx context.Context, key string) bool {
	ok, err := b.store.DeleteKey(ctx, key)
	return err == nil && ok
}

func (b *DistributedBackend) Contains(ctx context.Context, key string) bool {
	data, found, err := b.store.GetBytes(ctx, key)
	if err != nil || !found {
		return false
	}
	var w wireEntry
	if err := json.Unmarshal(data, &w); err != nil {
		return false
	}
	entry := Entry{CreatedAtMillis: w.CreatedAtMillis, ExpiresAtMillis: w.ExpiresAtMillis}
	if entry.Expired(b.now()) {
		if ok, _ := b.store.DeleteKey(ctx, key); ok {
			b.evictions.Add(1)
			obs.CacheEvictions.WithLabelValues(b.name).Inc()
		}
		return false
	}
	return true
}

func (b *DistributedBackend) Clear(ctx context.Context) error {
	return b.store.ClearAll(ctx)
}

func (b *DistributedBackend) Stats() Stats {
	return Stats{
		Hits:      b.hits.Load(),
		Misses:    b.misses.Load(),
		Evictions: b.evictions.Load(),
	}
}

func (b *DistributedBackend) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute ComputeFn) (interface{}, error) {
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
