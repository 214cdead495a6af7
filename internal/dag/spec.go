// Copyright 2025 James Ross
package dag

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/flyingrobots/constellation/internal/cvalue"
)

// NodeID identifies a node inside one DagSpec.
type NodeID string

// RefKind discriminates the two input sources an edge can draw from.
type RefKind string

const (
	RefPipelineInput RefKind = "input"
	RefNodeOutput    RefKind = "node"
)

// InputRef names where a parameter value comes from: a declared pipeline
// input or the output of an upstream node.
type InputRef struct {
	Kind RefKind `json:"kind"`
	Name string  `json:"name,omitempty"`
	Node NodeID  `json:"node,omitempty"`
}

// FromInput references a declared pipeline input.
func FromInput(name string) InputRef { return InputRef{Kind: RefPipelineInput, Name: name} }

// FromNode references an upstream node's output.
func FromNode(id NodeID) InputRef { return InputRef{Kind: RefNodeOutput, Node: id} }

// InputDecl is one declared pipeline input. Declaration order is preserved.
type InputDecl struct {
	Name string      `json:"name"`
	Type cvalue.Type `json:"type"`
}

// NodeSpec binds a module to its parameter sources.
type NodeSpec struct {
	Module string              `json:"module"`
	Inputs map[string]InputRef `json:"inputs"`
}

// Spec is the compiled dataflow graph. Nodes must form a DAG, every InputRef
// must resolve, and every output must reference a node or declared input.
type Spec struct {
	Name      string              `json:"name,omitempty"`
	Inputs    []InputDecl         `json:"inputs"`
	Nodes     map[NodeID]NodeSpec `json:"nodes"`
	NodeOrder []NodeID            `json:"nodeOrder"`
	Outputs   map[string]InputRef `json:"outputs"`
	OutOrder  []string            `json:"outputOrder"`
}

// InputType looks up a declared pipeline input's type.
func (s *Spec) InputType(name string) (cvalue.Type, bool) {
	for _, d := range s.Inputs {
		if d.Name == name {
			return d.Type, true
		}
	}
	return cvalue.Type{}, false
}

// Validate checks the structural invariants: node order covers the node set,
// every reference resolves, outputs are declared, and the graph is acyclic.
func (s *Spec) Validate() error {
	if len(s.NodeOrder) != len(s.Nodes) {
		return fmt.Errorf("%w: node order lists %d of %d nodes", ErrInvalidDag, len(s.NodeOrder), len(s.Nodes))
	}
	seenInputs := make(map[string]bool, len(s.Inputs))
	for _, d := range s.Inputs {
		if d.Name == "" {
			return fmt.Errorf("%w: empty input name", ErrInvalidDag)
		}
		if seenInputs[d.Name] {
			return fmt.Errorf("%w: duplicate input %q", ErrInvalidDag, d.Name)
		}
		seenInputs[d.Name] = true
	}
	for _, id := range s.NodeOrder {
		node, ok := s.Nodes[id]
		if !ok {
			return fmt.Errorf("%w: node order references unknown node %q", ErrInvalidDag, id)
		}
		if node.Module == "" {
			return fmt.Errorf("%w: node %q has no module", ErrInvalidDag, id)
		}
		for param, ref := range node.Inputs {
			if err := s.checkRef(ref); err != nil {
				return fmt.Errorf("node %q param %q: %w", id, param, err)
			}
		}
	}
	if len(s.OutOrder) != len(s.Outputs) {
		return fmt.Errorf("%w: output order lists %d of %d outputs", ErrInvalidDag, len(s.OutOrder), len(s.Outputs))
	}
	for _, name := range s.OutOrder {
		ref, ok := s.Outputs[name]
		if !ok {
			return fmt.Errorf("%w: output order references unknown output %q", ErrInvalidDag, name)
		}
		if err := s.checkRef(ref); err != nil {
			return fmt.Errorf("output %q: %w", name, err)
		}
	}
	if _, err := s.TopoOrder(); err != nil {
		return err
	}
	return nil
}

func (s *Spec) checkRef(ref InputRef) error {
	switch ref.Kind {
	case RefPipelineInput:
		if _, ok := s.InputType(ref.Name); !ok {
			return fmt.Errorf("%w: undeclared pipeline input %q", ErrUnresolvedRef, ref.Name)
		}
	case RefNodeOutput:
		if _, ok := s.Nodes[ref.Node]; !ok {
			return fmt.Errorf("%w: unknown node %q", ErrUnresolvedRef, ref.Node)
		}
	default:
		return fmt.Errorf("%w: unknown ref kind %q", ErrUnresolvedRef, ref.Kind)
	}
	return nil
}

// TopoOrder returns nodes in a topological order using Kahn's algorithm.
// Among simultaneously-ready nodes, declaration order wins so the order is
// deterministic. Returns ErrCyclicDag if the graph has a cycle.
func (s *Spec) TopoOrder() ([]NodeID, error) {
	inDegree := make(map[NodeID]int, len(s.Nodes))
	dependents := make(map[NodeID][]NodeID, len(s.Nodes))
	for _, id := range s.NodeOrder {
		inDegree[id] = 0
	}
	for _, id := range s.NodeOrder {
		for _, ref := range s.Nodes[id].Inputs {
			if ref.Kind == RefNodeOutput {
				inDegree[id]++
				dependents[ref.Node] = append(dependents[ref.Node], id)
			}
		}
	}

	declIndex := make(map[NodeID]int, len(s.NodeOrder))
	for i, id := range s.NodeOrder {
		declIndex[id] = i
	}

	var ready []NodeID
	for _, id := range s.NodeOrder {
		if inDegree[id] == 0 {
			ready = append(ready, id)
		}
	}

	order := make([]NodeID, 0, len(s.Nodes))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return declIndex[ready[i]] < declIndex[ready[j]] })
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)
		for _, dep := range dependents[id] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = append(ready, dep)
			}
		}
	}

	if len(order) != len(s.Nodes) {
		return nil, ErrCyclicDag
	}
	return order, nil
}

// Upstream returns the node dependencies of id (deduplicated).
func (s *Spec) Upstream(id NodeID) []NodeID {
	node, ok := s.Nodes[id]
	if !ok {
		return nil
	}
	seen := make(map[NodeID]bool)
	var out []NodeID
	for _, ref := range node.Inputs {
		if ref.Kind == RefNodeOutput && !seen[ref.Node] {
			seen[ref.Node] = true
			out = append(out, ref.Node)
		}
	}
	return out
}

// TransitiveInputs returns the set of pipeline input names a node depends on,
// directly or through upstream nodes.
func (s *Spec) TransitiveInputs(id NodeID) map[string]bool {
	out := make(map[string]bool)
	visited := make(map[NodeID]bool)
	var walk func(NodeID)
	walk = func(n NodeID) {
		if visited[n] {
			return
		}
		visited[n] = true
		for _, ref := range s.Nodes[n].Inputs {
			switch ref.Kind {
			case RefPipelineInput:
				out[ref.Name] = true
			case RefNodeOutput:
				walk(ref.Node)
			}
		}
	}
	walk(id)
	return out
}

// RefTransitiveInputs resolves the pipeline inputs a reference ultimately
// depends on; for a pipeline-input ref that is the input itself.
func (s *Spec) RefTransitiveInputs(ref InputRef) map[string]bool {
	switch ref.Kind {
	case RefPipelineInput:
		return map[string]bool{ref.Name: true}
	case RefNodeOutput:
		return s.TransitiveInputs(ref.Node)
	}
	return nil
}

// MarshalCanonical emits a deterministic JSON rendering with sorted node and
// output keys. Structural hashing consumes these bytes; two specs with the
// same graph produce the same bytes regardless of map iteration order.
func (s *Spec) MarshalCanonical() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(`{"inputs":[`)
	for i, d := range s.Inputs {
		if i > 0 {
			buf.WriteByte(',')
		}
		fmt.Fprintf(&buf, `{"name":%q,"type":%q}`, d.Name, d.Type.String())
	}
	buf.WriteString(`],"nodes":{`)
	nodeIDs := make([]string, 0, len(s.Nodes))
	for id := range s.Nodes {
		nodeIDs = append(nodeIDs, string(id))
	}
	sort.Strings(nodeIDs)
	for i, id := range nodeIDs {
		if i > 0 {
			buf.WriteByte(',')
		}
		node := s.Nodes[NodeID(id)]
		fmt.Fprintf(&buf, `%q:{"module":%q,"inputs":{`, id, node.Module)
		params := make([]string, 0, len(node.Inputs))
		for p := range node.Inputs {
			params = append(params, p)
		}
		sort.Strings(params)
		for j, p := range params {
			if j > 0 {
				buf.WriteByte(',')
			}
			ref := node.Inputs[p]
			rb, err := json.Marshal(ref)
			if err != nil {
				return nil, err
			}
			fmt.Fprintf(&buf, `%q:%s`, p, rb)
		}
		buf.WriteString(`}}`)
	}
	buf.WriteString(`},"outputs":{`)
	outNames := make([]string, 0, len(s.Outputs))
	for name := range s.Outputs {
		outNames = append(outNames, name)
	}
	sort.Strings(outNames)
	for i, name := range outNames {
		if i > 0 {
			buf.WriteByte(',')
		}
		rb, err := json.Marshal(s.Outputs[name])
		if err != nil {
			return nil, err
		}
		fmt.Fprintf(&buf, `%q:%s`, name, rb)
	}
	buf.WriteString(`}}`)
	return buf.Bytes(), nil
}
