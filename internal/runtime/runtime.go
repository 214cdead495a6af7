// Copyright 2025 James Ross
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/events"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/obs"
	"github.com/flyingrobots/constellation/internal/pipeline"
	"github.com/flyingrobots/constellation/internal/suspension"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Options controls one execution.
type Options struct {
	Timeout      time.Duration
	Deadline     time.Time
	PriorityHint int
	AllowSuspend bool
	// PipelineName labels metrics and events; empty is fine for anonymous runs.
	PipelineName string
	ExecutionID  string
}

// Result is either completed outputs or a suspension record, never both.
type Result struct {
	Outputs    map[string]cvalue.Value
	Suspension *suspension.Record
}

// Suspended reports whether the execution parked instead of completing.
func (r *Result) Suspended() bool { return r.Suspension != nil }

// Config sizes the executor's shared resources.
type Config struct {
	// DefaultTimeout applies when Options carries neither timeout nor deadline.
	DefaultTimeout time.Duration
	// MaxConcurrentNodes caps in-flight node tasks across all executions.
	// Zero means unbounded.
	MaxConcurrentNodes int
	SlotPoolSize       int
	StatePoolSize      int
}

// Executor schedules DAG nodes over goroutines with one-shot completion
// slots. Safe for concurrent use; one Executor serves all executions.
type Executor struct {
	logger         *zap.Logger
	defaultTimeout time.Duration
	sched          *scheduler
	slots          *slotPool
	states         *statePool
	bus            *events.Bus
}

// NewExecutor builds an executor. bus may be nil.
func NewExecutor(cfg Config, logger *zap.Logger, bus *events.Bus) *Executor {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	return &Executor{
		logger:         logger,
		defaultTimeout: cfg.DefaultTimeout,
		sched:          newScheduler(cfg.MaxConcurrentNodes),
		slots:          newSlotPool(cfg.SlotPoolSize),
		states:         newStatePool(cfg.StatePoolSize),
		bus:            bus,
	}
}

// Execute runs an image from scratch.
func (e *Executor) Execute(ctx context.Context, img *pipeline.Image, inputs map[string]cvalue.Value, opts Options) (*Result, error) {
	return e.run(ctx, img, inputs, nil, 0, opts)
}

// Continue re-runs an image from a suspension's accumulated state. The
// caller has already merged additional inputs and resolved nodes.
func (e *Executor) Continue(ctx context.Context, img *pipeline.Image, inputs map[string]cvalue.Value, precomputed map[dag.NodeID]cvalue.Value, resumptionCount int, opts Options) (*Result, error) {
	return e.run(ctx, img, inputs, precomputed, resumptionCount, opts)
}

func (e *Executor) run(ctx context.Context, img *pipeline.Image, inputs map[string]cvalue.Value, precomputed map[dag.NodeID]cvalue.Value, resumptionCount int, opts Options) (*Result, error) {
	if opts.ExecutionID == "" {
		opts.ExecutionID = uuid.NewString()
	}
	spec := img.Spec

	// Type-check provided inputs against declarations. Undeclared extras are
	// ignored; they cannot flow anywhere.
	provided := make(map[string]cvalue.Value, len(inputs))
	for _, decl := range spec.Inputs {
		v, ok := inputs[decl.Name]
		if !ok {
			continue
		}
		if !decl.Type.Matches(v) {
			return nil, newTypeMismatch(decl.Name, decl.Type.String(), v.Kind().String())
		}
		provided[decl.Name] = v
	}

	missing := make(map[string]cvalue.Type)
	for _, decl := range spec.Inputs {
		if _, ok := provided[decl.Name]; !ok {
			missing[decl.Name] = decl.Type
		}
	}

	if len(missing) > 0 && !opts.AllowSuspend {
		// Report deterministically: first missing in declaration order.
		for _, decl := range spec.Inputs {
			if _, ok := missing[decl.Name]; ok {
				return nil, newMissingInput(decl.Name)
			}
		}
	}

	// blocked marks nodes whose transitive dependency set intersects the
	// missing inputs, accounting for already-computed upstream values.
	blocked := e.blockedNodes(spec, missing, precomputed)

	pendingOutputs := make([]string, 0)
	for _, name := range spec.OutOrder {
		if e.refBlocked(spec, spec.Outputs[name], missing, blocked, precomputed) {
			pendingOutputs = append(pendingOutputs, name)
		}
	}

	start := time.Now()
	obs.ExecutionsStarted.WithLabelValues(opts.PipelineName).Inc()
	e.publish(events.Event{
		Type: events.ExecutionStarted, Pipeline: opts.PipelineName,
		StructuralHash: img.StructuralHash, ExecutionID: opts.ExecutionID,
	})

	deadline := opts.Deadline
	if deadline.IsZero() {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = e.defaultTimeout
		}
		deadline = time.Now().Add(timeout)
	}
	execCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	computed, err := e.runNodes(execCtx, img, provided, precomputed, blocked, opts)
	if err != nil {
		terminal := e.classify(err)
		obs.ExecutionsCompleted.WithLabelValues(opts.PipelineName, "failed").Inc()
		obs.ExecutionDuration.WithLabelValues(opts.PipelineName).Observe(time.Since(start).Seconds())
		e.publish(events.Event{
			Type: events.ExecutionFailed, Pipeline: opts.PipelineName,
			StructuralHash: img.StructuralHash, ExecutionID: opts.ExecutionID,
			Error: terminal.Error(), DurationMs: time.Since(start).Milliseconds(),
		})
		return nil, terminal
	}

	if len(pendingOutputs) > 0 {
		rec := &suspension.Record{
			StructuralHash:  img.StructuralHash,
			ProvidedInputs:  provided,
			ComputedNodes:   computed,
			MissingInputs:   missing,
			PendingOutputs:  pendingOutputs,
			ResumptionCount: resumptionCount,
			CreatedAtMillis: time.Now().UnixMilli(),
		}
		obs.ExecutionsCompleted.WithLabelValues(opts.PipelineName, "suspended").Inc()
		obs.SuspensionsCreated.Inc()
		e.publish(events.Event{
			Type: events.ExecutionSuspended, Pipeline: opts.PipelineName,
			StructuralHash: img.StructuralHash, ExecutionID: opts.ExecutionID,
			DurationMs: time.Since(start).Milliseconds(),
		})
		return &Result{Suspension: rec}, nil
	}

	outputs := make(map[string]cvalue.Value, len(spec.Outputs))
	for _, name := range spec.OutOrder {
		ref := spec.Outputs[name]
		switch ref.Kind {
		case dag.RefPipelineInput:
			outputs[name] = provided[ref.Name]
		case dag.RefNodeOutput:
			outputs[name] = computed[ref.Node]
		}
	}

	obs.ExecutionsCompleted.WithLabelValues(opts.PipelineName, "completed").Inc()
	obs.ExecutionDuration.WithLabelValues(opts.PipelineName).Observe(time.Since(start).Seconds())
	e.publish(events.Event{
		Type: events.ExecutionCompleted, Pipeline: opts.PipelineName,
		StructuralHash: img.StructuralHash, ExecutionID: opts.ExecutionID,
		DurationMs: time.Since(start).Milliseconds(),
	})
	return &Result{Outputs: outputs}, nil
}

// blockedNodes computes which nodes cannot run because a transitive
// dependency is a missing pipeline input. A precomputed node is never
// blocked, and neither is anything that only depends on precomputed values.
func (e *Executor) blockedNodes(spec *dag.Spec, missing map[string]cvalue.Type, precomputed map[dag.NodeID]cvalue.Value) map[dag.NodeID]bool {
	blocked := make(map[dag.NodeID]bool)
	if len(missing) == 0 {
		return blocked
	}
	memo := make(map[dag.NodeID]int) // 0 unknown, 1 blocked, 2 clear
	var visit func(id dag.NodeID) bool
	visit = func(id dag.NodeID) bool {
		switch memo[id] {
		case 1:
			return true
		case 2:
			return false
		}
		if _, ok := precomputed[id]; ok {
			memo[id] = 2
			return false
		}
		for _, ref := range spec.Nodes[id].Inputs {
			switch ref.Kind {
			case dag.RefPipelineInput:
				if _, miss := missing[ref.Name]; miss {
					memo[id] = 1
					return true
				}
			case dag.RefNodeOutput:
				if visit(ref.Node) {
					memo[id] = 1
					return true
				}
			}
		}
		memo[id] = 2
		return false
	}
	for _, id := range spec.NodeOrder {
		if visit(id) {
			blocked[id] = true
		}
	}
	return blocked
}

func (e *Executor) refBlocked(spec *dag.Spec, ref dag.InputRef, missing map[string]cvalue.Type, blocked map[dag.NodeID]bool, precomputed map[dag.NodeID]cvalue.Value) bool {
	switch ref.Kind {
	case dag.RefPipelineInput:
		_, miss := missing[ref.Name]
		return miss
	case dag.RefNodeOutput:
		if _, ok := precomputed[ref.Node]; ok {
			return false
		}
		return blocked[ref.Node]
	}
	return false
}

// runNodes executes every unblocked node and returns the full computed map
// (precomputed values included). The first failure cancels the execution.
func (e *Executor) runNodes(ctx context.Context, img *pipeline.Image, provided map[string]cvalue.Value, precomputed map[dag.NodeID]cvalue.Value, blocked map[dag.NodeID]bool, opts Options) (map[dag.NodeID]cvalue.Value, error) {
	spec := img.Spec
	st := e.states.acquire()
	defer e.states.release(st)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	// One slot per runnable node; precomputed nodes get pre-resolved slots
	// so downstream awaits return immediately.
	var runnable []dag.NodeID
	for _, id := range spec.NodeOrder {
		s := e.slots.acquire()
		st.slots[id] = s
		if v, ok := precomputed[id]; ok {
			s.resolve(v)
			continue
		}
		if !blocked[id] {
			runnable = append(runnable, id)
		}
	}
	defer func() {
		for _, s := range st.slots {
			e.slots.release(s)
		}
	}()

	// Launch in declaration order; the scheduler breaks capacity ties by
	// priority hint then arrival order.
	for _, id := range runnable {
		id := id
		node := spec.Nodes[id]
		factory := img.Factories[id]
		st.wg.Add(1)
		go func() {
			defer st.wg.Done()
			out := st.slots[id]

			args := make(map[string]cvalue.Value, len(node.Inputs))
			for param, ref := range node.Inputs {
				switch ref.Kind {
				case dag.RefPipelineInput:
					args[param] = provided[ref.Name]
				case dag.RefNodeOutput:
					v, err := st.slots[ref.Node].await(runCtx)
					if err != nil {
						out.fail(err)
						return
					}
					args[param] = v
				}
			}

			// Waiting happens above, outside the scheduler, so parked nodes
			// never hold an execution slot.
			if err := e.sched.acquire(runCtx, opts.PriorityHint); err != nil {
				out.fail(err)
				return
			}
			obs.SchedulerInFlight.Inc()
			v, err := e.invoke(runCtx, id, factory, args, opts)
			obs.SchedulerInFlight.Dec()
			e.sched.release()

			if err != nil {
				failure := newModuleFailure(id, factory.Name(), err)
				if _, isTyped := AsError(err); isTyped || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					out.fail(err)
					cancel(err)
					return
				}
				out.fail(failure)
				cancel(failure)
				return
			}
			out.resolve(v)
			e.publish(events.Event{
				Type: events.NodeCompleted, Pipeline: opts.PipelineName,
				StructuralHash: img.StructuralHash, ExecutionID: opts.ExecutionID,
				Node: string(id), Module: factory.Name(),
			})
		}()
	}

	st.wg.Wait()

	if cause := context.Cause(runCtx); cause != nil {
		return nil, cause
	}

	computed := make(map[dag.NodeID]cvalue.Value, len(spec.Nodes))
	for id, s := range st.slots {
		if s.ready() && s.err == nil {
			computed[id] = s.val
		}
	}
	return computed, nil
}

// invoke instantiates and calls one module with panic containment, metrics
// and an optional trace span.
func (e *Executor) invoke(ctx context.Context, id dag.NodeID, factory modules.Factory, args map[string]cvalue.Value, opts Options) (v cvalue.Value, err error) {
	instance, err := factory.New(modules.ExecContext{Logger: e.logger, ExecutionID: opts.ExecutionID})
	if err != nil {
		return cvalue.Null(), fmt.Errorf("instantiate: %w", err)
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("module panic: %v", r)
		}
	}()

	spanCtx, span := obs.StartModuleSpan(ctx, factory.Name(), string(id))
	start := time.Now()
	v, err = instance.Invoke(spanCtx, args)
	obs.ModuleDuration.WithLabelValues(factory.Name()).Observe(time.Since(start).Seconds())
	if err != nil {
		obs.ModuleInvocations.WithLabelValues(factory.Name(), "failure").Inc()
		obs.RecordError(spanCtx, err)
		span.End()
		return cvalue.Null(), err
	}
	obs.ModuleInvocations.WithLabelValues(factory.Name(), "success").Inc()
	obs.SetSpanSuccess(spanCtx)
	span.End()

	if out := factory.OutputType(); !out.Matches(v) {
		return cvalue.Null(), fmt.Errorf("module %q returned %s, declared %s",
			factory.Name(), v.Kind().String(), out.String())
	}
	return v, nil
}

// classify maps a raw failure onto the terminal error taxonomy.
func (e *Executor) classify(err error) error {
	if typed, ok := AsError(err); ok {
		return typed
	}
	if errors.Is(err, context.DeadlineExceeded) {
		// Whose deadline: ours or the caller's? Either way the budget ran out.
		return &Error{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Kind: KindCancelled, Err: err}
	}
	return err
}

func (e *Executor) publish(ev events.Event) {
	if e.bus == nil {
		return
	}
	full := events.NewEvent(ev.Type)
	full.Pipeline = ev.Pipeline
	full.StructuralHash = ev.StructuralHash
	full.ExecutionID = ev.ExecutionID
	full.Node = ev.Node
	full.Module = ev.Module
	full.Error = ev.Error
	full.DurationMs = ev.DurationMs
	e.bus.Publish(full)
}

// execState is the pooled per-execution bookkeeping container.
type execState struct {
	slots map[dag.NodeID]*slot
	wg    sync.WaitGroup
}

// statePool bounds retained execState containers.
type statePool struct {
	free chan *execState
}

func newStatePool(size int) *statePool {
	if size <= 0 {
		size = 128
	}
	return &statePool{free: make(chan *execState, size)}
}

func (p *statePool) acquire() *execState {
	select {
	case st := <-p.free:
		return st
	default:
		return &execState{slots: make(map[dag.NodeID]*slot)}
	}
}

func (p *statePool) release(st *execState) {
	for id := range st.slots {
		delete(st.slots, id)
	}
	select {
	case p.free <- st:
	default:
	}
}
