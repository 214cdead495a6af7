// Copyright 2025 James Ross
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/events"
	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/suspension"
	"go.uber.org/zap"
)

// ResumeResult reports the outcome of one resume operation.
type ResumeResult struct {
	Completed       bool
	Outputs         map[string]cvalue.Value
	Suspended       *suspension.Summary
	ResumptionCount int
}

// Resumer continues suspended executions. For each handle at most one
// resume is in flight: the per-handle lock is attempted without blocking and
// a busy handle yields ErrResumeInProgress.
type Resumer struct {
	store     suspension.Store
	pipelines pipeline.Store
	exec      *Executor
	bus       *events.Bus
	logger    *zap.Logger

	mu    sync.Mutex
	locks map[suspension.Handle]*sync.Mutex
}

// NewResumer wires the resume path. bus may be nil.
func NewResumer(store suspension.Store, pipelines pipeline.Store, exec *Executor, bus *events.Bus, logger *zap.Logger) *Resumer {
	return &Resumer{
		store:     store,
		pipelines: pipelines,
		exec:      exec,
		bus:       bus,
		logger:    logger,
		locks:     make(map[suspension.Handle]*sync.Mutex),
	}
}

func (r *Resumer) handleLock(h suspension.Handle) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[h]
	if !ok {
		l = &sync.Mutex{}
		r.locks[h] = l
	}
	return l
}

func (r *Resumer) dropLock(h suspension.Handle) {
	r.mu.Lock()
	delete(r.locks, h)
	r.mu.Unlock()
}

// Resume merges additional inputs and resolved node values into the stored
// record, validates the combination, and re-invokes the runtime.
//
// Outcomes: completed deletes the stored entry and returns outputs; failure
// deletes the entry and returns the error; re-suspension replaces the entry
// under the same handle with resumptionCount+1.
func (r *Resumer) Resume(ctx context.Context, h suspension.Handle, additional map[string]cvalue.Value, resolved map[dag.NodeID]cvalue.Value, opts Options) (*ResumeResult, error) {
	lock := r.handleLock(h)
	if !lock.TryLock() {
		return nil, suspension.ErrResumeInProgress
	}
	defer lock.Unlock()

	rec, ok := r.store.Load(h)
	if !ok {
		return nil, suspension.ErrNotFound
	}

	img, ok := r.pipelines.Get(rec.StructuralHash)
	if !ok {
		return nil, &Error{Kind: KindPipelineChanged}
	}

	if err := r.validate(img, rec, additional, resolved); err != nil {
		return nil, err
	}

	inputs := make(map[string]cvalue.Value, len(rec.ProvidedInputs)+len(additional))
	for k, v := range rec.ProvidedInputs {
		inputs[k] = v
	}
	for k, v := range additional {
		inputs[k] = v
	}
	precomputed := make(map[dag.NodeID]cvalue.Value, len(rec.ComputedNodes)+len(resolved))
	for k, v := range rec.ComputedNodes {
		precomputed[k] = v
	}
	for k, v := range resolved {
		precomputed[k] = v
	}

	opts.AllowSuspend = true
	opts.ExecutionID = string(h)
	nextCount := rec.ResumptionCount + 1

	obs.SuspensionsResumed.Inc()
	if r.bus != nil {
		ev := events.NewEvent(events.ExecutionResumed)
		ev.StructuralHash = rec.StructuralHash
		ev.ExecutionID = string(h)
		r.bus.Publish(ev)
	}

	result, err := r.exec.Continue(ctx, img, inputs, precomputed, nextCount, opts)
	if err != nil {
		// Failure is terminal for the stored entry.
		r.store.Delete(h)
		r.dropLock(h)
		return nil, err
	}

	if result.Suspended() {
		if err := r.store.Replace(h, result.Suspension); err != nil {
			return nil, fmt.Errorf("replace suspension: %w", err)
		}
		sum := suspension.Summarize(h, result.Suspension)
		return &ResumeResult{Suspended: &sum, ResumptionCount: nextCount}, nil
	}

	r.store.Delete(h)
	r.dropLock(h)
	return &ResumeResult{Completed: true, Outputs: result.Outputs, ResumptionCount: nextCount}, nil
}

func (r *Resumer) validate(img *pipeline.Image, rec *suspension.Record, additional map[string]cvalue.Value, resolved map[dag.NodeID]cvalue.Value) error {
	for name, v := range additional {
		if _, already := rec.ProvidedInputs[name]; already {
			return &Error{Kind: KindAlreadyProvided, Input: name}
		}
		t, missing := rec.MissingInputs[name]
		if !missing {
			return &Error{Kind: KindUnknownInput, Input: name}
		}
		if !t.Matches(v) {
			return newTypeMismatch(name, t.String(), v.Kind().String())
		}
	}
	for id, v := range resolved {
		factory, exists := img.Factories[id]
		if !exists {
			return &Error{Kind: KindAlreadyResolved, Node: id}
		}
		if _, computed := rec.ComputedNodes[id]; computed {
			return &Error{Kind: KindAlreadyResolved, Node: id}
		}
		if out := factory.OutputType(); !out.Matches(v) {
			return newTypeMismatch(string(id), out.String(), v.Kind().String())
		}
	}
	return nil
}
