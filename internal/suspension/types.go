// Copyright 2025 James Ross
package suspension

import (
	"time"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
)

// Handle is the opaque identifier bound to one stored suspension (UUIDv4).
type Handle string

// Record is a durable partial execution: what was provided, what finished,
// and what is still owed. Invariant: no missing input is also provided, and
// every pending output transitively depends on at least one missing input.
type Record struct {
	StructuralHash  string                      `json:"structuralHash"`
	ProvidedInputs  map[string]cvalue.Value     `json:"providedInputs"`
	ComputedNodes   map[dag.NodeID]cvalue.Value `json:"computedNodes"`
	MissingInputs   map[string]cvalue.Type      `json:"missingInputs"`
	PendingOutputs  []string                    `json:"pendingOutputs"`
	ResumptionCount int                         `json:"resumptionCount"`
	CreatedAtMillis int64                       `json:"createdAtMillis"`
}

// Summary is the listing row exposed over the API.
type Summary struct {
	Handle          Handle                 `json:"executionId"`
	StructuralHash  string                 `json:"structuralHash"`
	ResumptionCount int                    `json:"resumptionCount"`
	MissingInputs   map[string]cvalue.Type `json:"missingInputs"`
	PendingOutputs  []string               `json:"pendingOutputs"`
	CreatedAt       time.Time              `json:"createdAt"`
}

// Summarize builds the API view of a stored record.
func Summarize(h Handle, r *Record) Summary {
	return Summary{
		Handle:          h,
		StructuralHash:  r.StructuralHash,
		ResumptionCount: r.ResumptionCount,
		MissingInputs:   r.MissingInputs,
		PendingOutputs:  r.PendingOutputs,
		CreatedAt:       time.UnixMilli(r.CreatedAtMillis),
	}
}

// Filter is a conjunction of optional predicates over suspension summaries.
type Filter struct {
	StructuralHash     string
	MissingInput       string
	MinResumptionCount int
	CreatedAfter       time.Time
	CreatedBefore      time.Time
}

// Match reports whether a summary satisfies every set predicate.
func (f Filter) Match(s Summary) bool {
	if f.StructuralHash != "" && s.StructuralHash != f.StructuralHash {
		return false
	}
	if f.MissingInput != "" {
		if _, ok := s.MissingInputs[f.MissingInput]; !ok {
			return false
		}
	}
	if f.MinResumptionCount > 0 && s.ResumptionCount < f.MinResumptionCount {
		return false
	}
	if !f.CreatedAfter.IsZero() && !s.CreatedAt.After(f.CreatedAfter) {
		return false
	}
	if !f.CreatedBefore.IsZero() && !s.CreatedAt.Before(f.CreatedBefore) {
		return false
	}
	return true
}
