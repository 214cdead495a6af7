// Copyright 2025 James Ross
package suspension

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store persists suspended executions by handle. Implementations are safe
// for concurrent use. TTL eviction is lazy: expired entries are dropped on
// save and load scans.
type Store interface {
	Save(r *Record) (Handle, error)
	Replace(h Handle, r *Record) error
	Load(h Handle) (*Record, bool)
	Delete(h Handle) bool
	List(f Filter) []Summary
	Sweep() int
}

// MemoryStore keeps encoded records in memory. Records are stored through
// the codec so a broken codec surfaces at save time, not at resume time.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[Handle][]byte
	codec   Codec
	ttl     time.Duration
	// verified is set after the first successful round-trip check.
	verified bool
	now      func() time.Time
}

// NewMemoryStore builds a store with the given codec (JSONCodec if nil).
// ttl <= 0 disables eviction.
func NewMemoryStore(codec Codec, ttl time.Duration) *MemoryStore {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &MemoryStore{
		entries: make(map[Handle][]byte),
		codec:   codec,
		ttl:     ttl,
		now:     time.Now,
	}
}

// Save allocates a fresh handle and stores the record.
func (s *MemoryStore) Save(r *Record) (Handle, error) {
	h := Handle(uuid.NewString())
	if err := s.put(h, r); err != nil {
		return "", err
	}
	return h, nil
}

// Replace overwrites an existing handle's record (re-suspension path).
func (s *MemoryStore) Replace(h Handle, r *Record) error {
	s.mu.RLock()
	_, ok := s.entries[h]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return s.put(h, r)
}

func (s *MemoryStore) put(h Handle, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.verified {
		if err := VerifyRoundTrip(s.codec, r); err != nil {
			return err
		}
		s.verified = true
	}
	data, err := s.codec.Encode(r)
	if err != nil {
		return err
	}
	s.evictExpiredLocked()
	s.entries[h] = data
	return nil
}

func (s *MemoryStore) Load(h Handle) (*Record, bool) {
	s.mu.Lock()
	s.evictExpiredLocked()
	data, ok := s.entries[h]
	s.mu.Unlock()
	if !ok {
		return nil, false
	}
	r, err := s.codec.Decode(data)
	if err != nil {
		return nil, false
	}
	return r, true
}

func (s *MemoryStore) Delete(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entries[h]; !ok {
		return false
	}
	delete(s.entries, h)
	return true
}

func (s *MemoryStore) List(f Filter) []Summary {
	s.mu.Lock()
	s.evictExpiredLocked()
	handles := make([]Handle, 0, len(s.entries))
	blobs := make(map[Handle][]byte, len(s.entries))
	for h, data := range s.entries {
		handles = append(handles, h)
		blobs[h] = data
	}
	s.mu.Unlock()

	out := make([]Summary, 0, len(handles))
	for _, h := range handles {
		r, err := s.codec.Decode(blobs[h])
		if err != nil {
			continue
		}
		sum := Summarize(h, r)
		if f.Match(sum) {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

// Sweep removes every expired entry and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.evictExpiredLocked()
}

func (s *MemoryStore) evictExpiredLocked() int {
	if s.ttl <= 0 {
		return 0
	}
	cutoff := s.now().Add(-s.ttl).UnixMilli()
	dropped := 0
	for h, data := range s.entries {
		r, err := s.codec.Decode(data)
		if err != nil || r.CreatedAtMillis < cutoff {
			delete(s.entries, h)
			dropped++
		}
	}
	return dropped
}

// FSStore persists suspensions as <root>/suspensions/<handle>.json using the
// same atomic-rename discipline as the filesystem pipeline store. Readers
// ignore files that do not match the final-name pattern.
type FSStore struct {
	mu     sync.Mutex
	root   string
	codec  Codec
	ttl    time.Duration
	logger *zap.Logger
	now    func() time.Time
}

// NewFSStore creates <root>/suspensions if needed.
func NewFSStore(root string, codec Codec, ttl time.Duration, logger *zap.Logger) (*FSStore, error) {
	if codec == nil {
		codec = JSONCodec{}
	}
	dir := filepath.Join(root, "suspensions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create suspension dir: %w", err)
	}
	return &FSStore{root: dir, codec: codec, ttl: ttl, logger: logger, now: time.Now}, nil
}

func (s *FSStore) path(h Handle) string {
	return filepath.Join(s.root, string(h)+".json")
}

func (s *FSStore) Save(r *Record) (Handle, error) {
	h := Handle(uuid.NewString())
	if err := s.write(h, r); err != nil {
		return "", err
	}
	s.Sweep()
	return h, nil
}

func (s *FSStore) Replace(h Handle, r *Record) error {
	if _, err := os.Stat(s.path(h)); err != nil {
		return fmt.Errorf("%w: %s", ErrNotFound, h)
	}
	return s.write(h, r)
}

func (s *FSStore) write(h Handle, r *Record) error {
	data, err := s.codec.Encode(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, s.path(h))
}

func (s *FSStore) Load(h Handle) (*Record, bool) {
	data, err := os.ReadFile(s.path(h))
	if err != nil {
		return nil, false
	}
	r, err := s.codec.Decode(data)
	if err != nil {
		return nil, false
	}
	if s.expired(r) {
		s.Delete(h)
		return nil, false
	}
	return r, true
}

func (s *FSStore) Delete(h Handle) bool {
	err := os.Remove(s.path(h))
	return err == nil
}

func (s *FSStore) List(f Filter) []Summary {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil
	}
	var out []Summary
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		h := Handle(strings.TrimSuffix(name, ".json"))
		r, ok := s.Load(h)
		if !ok {
			continue
		}
		sum := Summarize(h, r)
		if f.Match(sum) {
			out = append(out, sum)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out
}

func (s *FSStore) Sweep() int {
	if s.ttl <= 0 {
		return 0
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return 0
	}
	dropped := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".") {
			continue
		}
		h := Handle(strings.TrimSuffix(name, ".json"))
		data, err := os.ReadFile(s.path(h))
		if err != nil {
			continue
		}
		r, err := s.codec.Decode(data)
		if err != nil || s.expired(r) {
			if s.Delete(h) {
				dropped++
			}
		}
	}
	if dropped > 0 && s.logger != nil {
		s.logger.Debug("swept expired suspensions", zap.Int("count", dropped))
	}
	return dropped
}

func (s *FSStore) expired(r *Record) bool {
	return s.ttl > 0 && r.CreatedAtMillis < s.now().Add(-s.ttl).UnixMilli()
}
