// Copyright 2025 James Ross
package pipeline

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/modules"
)

// Image is an immutable compiled pipeline: the graph, the resolved module
// factories, and the content-addressing hashes. Never mutate after creation.
type Image struct {
	StructuralHash string
	SyntacticHash  string
	Spec           *dag.Spec
	Factories      map[dag.NodeID]modules.Factory
}

// LoadedPipeline is what the compiler emits: an image plus non-fatal
// diagnostics.
type LoadedPipeline struct {
	Image    *Image
	Warnings []string
}

// NewImage validates the spec, resolves factories against the registry,
// type-checks every edge, and computes the structural hash.
func NewImage(spec *dag.Spec, reg *modules.Registry, syntacticHash string) (*Image, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	factories, err := reg.InitModules(spec)
	if err != nil {
		return nil, err
	}
	if err := checkSignatures(spec, factories); err != nil {
		return nil, err
	}
	img := &Image{
		StructuralHash: structuralHash(spec, factories),
		SyntacticHash:  syntacticHash,
		Spec:           spec,
		Factories:      factories,
	}
	return img, nil
}

// checkSignatures verifies every node's inputs line up with its module's
// declared parameters, and that each supplied reference's type is assignable
// to the parameter type.
func checkSignatures(spec *dag.Spec, factories map[dag.NodeID]modules.Factory) error {
	for _, id := range spec.NodeOrder {
		node := spec.Nodes[id]
		f := factories[id]
		params := f.Params()
		if len(params) != len(node.Inputs) {
			return fmt.Errorf("%w: node %q supplies %d args, module %q takes %d",
				ErrSignatureMismatch, id, len(node.Inputs), f.Name(), len(params))
		}
		for _, p := range params {
			ref, ok := node.Inputs[p.Name]
			if !ok {
				return fmt.Errorf("%w: node %q missing arg %q for module %q",
					ErrSignatureMismatch, id, p.Name, f.Name())
			}
			got, err := refType(spec, factories, ref)
			if err != nil {
				return err
			}
			if !got.AssignableTo(p.Type) {
				return fmt.Errorf("%w: node %q arg %q: have %s, module %q wants %s",
					ErrSignatureMismatch, id, p.Name, got.String(), f.Name(), p.Type.String())
			}
		}
	}
	return nil
}

func refType(spec *dag.Spec, factories map[dag.NodeID]modules.Factory, ref dag.InputRef) (cvalue.Type, error) {
	switch ref.Kind {
	case dag.RefPipelineInput:
		t, ok := spec.InputType(ref.Name)
		if !ok {
			return cvalue.Type{}, fmt.Errorf("%w: input %q", dag.ErrUnresolvedRef, ref.Name)
		}
		return t, nil
	case dag.RefNodeOutput:
		f, ok := factories[ref.Node]
		if !ok {
			return cvalue.Type{}, fmt.Errorf("%w: node %q", dag.ErrUnresolvedRef, ref.Node)
		}
		return f.OutputType(), nil
	}
	return cvalue.Type{}, fmt.Errorf("%w: kind %q", dag.ErrUnresolvedRef, ref.Kind)
}

// OutputType resolves a declared output's static type.
func (img *Image) OutputType(name string) (cvalue.Type, bool) {
	ref, ok := img.Spec.Outputs[name]
	if !ok {
		return cvalue.Type{}, false
	}
	t, err := refType(img.Spec, img.Factories, ref)
	if err != nil {
		return cvalue.Type{}, false
	}
	return t, true
}

// structuralHash is SHA-256 over the canonical spec serialization plus the
// sorted module factory identifiers.
func structuralHash(spec *dag.Spec, factories map[dag.NodeID]modules.Factory) string {
	canonical, err := spec.MarshalCanonical()
	if err != nil {
		// MarshalCanonical only fails on unencodable refs, which Validate
		// has already excluded.
		panic(fmt.Sprintf("canonical spec serialization: %v", err))
	}
	ids := make([]string, 0, len(factories))
	for _, f := range factories {
		ids = append(ids, FactoryIdentifier(f))
	}
	sort.Strings(ids)

	h := sha256.New()
	h.Write(canonical)
	for _, id := range ids {
		h.Write([]byte{0})
		h.Write([]byte(id))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FactoryIdentifier renders a module's full signature, the unit of identity
// structural hashing uses for module code.
func FactoryIdentifier(f modules.Factory) string {
	var sb strings.Builder
	sb.WriteString(f.Name())
	sb.WriteByte('(')
	for i, p := range f.Params() {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(p.Name)
		sb.WriteByte(':')
		sb.WriteString(p.Type.String())
	}
	sb.WriteString(")->")
	sb.WriteString(f.OutputType().String())
	return sb.String()
}

// RegistryHash fingerprints a registry's full contents. The syntactic fast
// path and the compilation cache key on it so a module signature change
// invalidates both.
func RegistryHash(reg *modules.Registry) string {
	names := reg.List()
	sort.Strings(names)
	h := sha256.New()
	for _, name := range names {
		f, ok := reg.Get(name)
		if !ok {
			continue
		}
		h.Write([]byte(FactoryIdentifier(f)))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// SyntacticHash fingerprints pipeline source text.
func SyntacticHash(source string) string {
	sum := sha256.Sum256([]byte(source))
	return hex.EncodeToString(sum[:])
}
