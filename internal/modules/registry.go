// Copyright 2025 James Ross
package modules

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"go.uber.org/zap"
)

// Param is one named, typed module parameter.
type Param struct {
	Name string
	Type cvalue.Type
}

// ExecContext carries per-execution collaborators into module instances.
type ExecContext struct {
	Logger      *zap.Logger
	ExecutionID string
}

// Instance is one instantiated module ready to be invoked by the runtime.
// Invoke must honor ctx cancellation on any internal blocking.
type Instance interface {
	Invoke(ctx context.Context, args map[string]cvalue.Value) (cvalue.Value, error)
}

// Factory (the uninitialized form of a module) carries the signature and
// produces instances bound to an execution.
type Factory interface {
	Name() string
	Params() []Param
	OutputType() cvalue.Type
	New(ec ExecContext) (Instance, error)
}

// instanceFunc adapts a plain function to Instance.
type instanceFunc func(ctx context.Context, args map[string]cvalue.Value) (cvalue.Value, error)

func (f instanceFunc) Invoke(ctx context.Context, args map[string]cvalue.Value) (cvalue.Value, error) {
	return f(ctx, args)
}

// funcFactory builds stateless factories from Go functions.
type funcFactory struct {
	name   string
	params []Param
	out    cvalue.Type
	fn     instanceFunc
}

func (f *funcFactory) Name() string            { return f.name }
func (f *funcFactory) Params() []Param         { return f.params }
func (f *funcFactory) OutputType() cvalue.Type { return f.out }
func (f *funcFactory) New(ExecContext) (Instance, error) {
	return f.fn, nil
}

// NewFactory wraps a function as a stateless module factory.
func NewFactory(name string, params []Param, out cvalue.Type, fn func(ctx context.Context, args map[string]cvalue.Value) (cvalue.Value, error)) Factory {
	return &funcFactory{name: name, params: params, out: out, fn: fn}
}

// snapshot is the immutable lookup state swapped atomically on registration.
type snapshot struct {
	byName map[string]Factory
	// byShort resolves namespace-stripped names; first registration wins so
	// short-name resolution stays stable across later registrations.
	byShort map[string]Factory
}

// Registry resolves module factories by full or short name. Reads take no
// locks; registration copies the snapshot under a mutex and swaps it in.
type Registry struct {
	mu   sync.Mutex
	snap atomic.Pointer[snapshot]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{byName: map[string]Factory{}, byShort: map[string]Factory{}})
	return r
}

// Register adds a factory under its full name, and under its stripped short
// name unless another module already claimed it.
func (r *Registry) Register(f Factory) error {
	name := f.Name()
	if name == "" {
		return fmt.Errorf("%w: empty module name", ErrInvalidModule)
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	cur := r.snap.Load()
	if _, exists := cur.byName[name]; exists {
		return fmt.Errorf("%w: %q", ErrModuleExists, name)
	}

	next := &snapshot{
		byName:  make(map[string]Factory, len(cur.byName)+1),
		byShort: make(map[string]Factory, len(cur.byShort)+1),
	}
	for k, v := range cur.byName {
		next.byName[k] = v
	}
	for k, v := range cur.byShort {
		next.byShort[k] = v
	}
	next.byName[name] = f
	if short := ShortName(name); short != name {
		if _, taken := next.byShort[short]; !taken {
			next.byShort[short] = f
		}
	}
	r.snap.Store(next)
	return nil
}

// MustRegister panics on registration failure. For builtin wiring in main.
func (r *Registry) MustRegister(f Factory) {
	if err := r.Register(f); err != nil {
		panic(err)
	}
}

// Get resolves a factory by exact name, falling back to the short-name index.
func (r *Registry) Get(name string) (Factory, bool) {
	snap := r.snap.Load()
	if f, ok := snap.byName[name]; ok {
		return f, true
	}
	f, ok := snap.byShort[name]
	return f, ok
}

// List returns the registered full names, unordered.
func (r *Registry) List() []string {
	snap := r.snap.Load()
	out := make([]string, 0, len(snap.byName))
	for name := range snap.byName {
		out = append(out, name)
	}
	return out
}

// Len returns the number of registered full names.
func (r *Registry) Len() int {
	return len(r.snap.Load().byName)
}

// InitModules resolves every node's module, failing if any is unregistered.
func (r *Registry) InitModules(spec *dag.Spec) (map[dag.NodeID]Factory, error) {
	out := make(map[dag.NodeID]Factory, len(spec.Nodes))
	for id, node := range spec.Nodes {
		f, ok := r.Get(node.Module)
		if !ok {
			return nil, fmt.Errorf("%w: %q (node %q)", ErrModuleNotFound, node.Module, id)
		}
		out[id] = f
	}
	return out, nil
}

// ShortName strips the namespace from a dotted module name: "math.Add"
// becomes "Add". Names without a dot are returned unchanged.
func ShortName(name string) string {
	if i := strings.LastIndex(name, "."); i >= 0 && i+1 < len(name) {
		return name[i+1:]
	}
	return name
}
