// Copyright 2025 James Ross
package events

import (
	"math/rand/v2"
	"sync"
	"time"
)

// ExecutionStatus is the terminal disposition of a recorded execution.
type ExecutionStatus string

const (
	ExecCompleted ExecutionStatus = "completed"
	ExecFailed    ExecutionStatus = "failed"
	ExecSuspended ExecutionStatus = "suspended"
)

// ExecutionRecord is one row of observable execution history.
type ExecutionRecord struct {
	ID             string          `json:"id"`
	Pipeline       string          `json:"pipeline,omitempty"`
	StructuralHash string          `json:"structuralHash"`
	Status         ExecutionStatus `json:"status"`
	Error          string          `json:"error,omitempty"`
	StartedAt      time.Time       `json:"startedAt"`
	DurationMs     int64           `json:"durationMs"`
}

// ExecutionStorage keeps a bounded in-memory ring of execution records,
// optionally sampling to keep high-QPS deployments cheap. Suspended and
// failed executions are always recorded; sampling only thins successes.
type ExecutionStorage struct {
	mu         sync.RWMutex
	records    []ExecutionRecord
	next       int
	filled     bool
	maxRecords int
	sampleRate float64
}

// NewExecutionStorage bounds history at maxRecords (default 1000) with the
// given success sample rate in (0,1].
func NewExecutionStorage(maxRecords int, sampleRate float64) *ExecutionStorage {
	if maxRecords <= 0 {
		maxRecords = 1000
	}
	if sampleRate <= 0 || sampleRate > 1 {
		sampleRate = 1.0
	}
	return &ExecutionStorage{
		records:    make([]ExecutionRecord, maxRecords),
		maxRecords: maxRecords,
		sampleRate: sampleRate,
	}
}

// Record stores one finished execution, subject to sampling.
func (s *ExecutionStorage) Record(rec ExecutionRecord) {
	if rec.Status == ExecCompleted && s.sampleRate < 1.0 && rand.Float64() >= s.sampleRate {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[s.next] = rec
	s.next++
	if s.next == s.maxRecords {
		s.next = 0
		s.filled = true
	}
}

// Get finds a record by execution id.
func (s *ExecutionStorage) Get(id string) (ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, true
		}
	}
	return ExecutionRecord{}, false
}

// List returns up to limit records, newest first.
func (s *ExecutionStorage) List(limit int) []ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := s.next
	if s.filled {
		size = s.maxRecords
	}
	if limit <= 0 || limit > size {
		limit = size
	}
	out := make([]ExecutionRecord, 0, limit)
	for i := 0; i < limit; i++ {
		idx := s.next - 1 - i
		if idx < 0 {
			idx += s.maxRecords
		}
		out = append(out, s.records[idx])
	}
	return out
}

// Len reports the stored record count.
func (s *ExecutionStorage) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.filled {
		return s.maxRecords
	}
	return s.next
}
