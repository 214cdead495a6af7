// Copyright 2025 James Ross
package dag

import (
	"testing"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// diamond builds a -> (b, c) -> d over one pipeline input.
func diamond() *Spec {
	return &Spec{
		Inputs: []InputDecl{{Name: "x", Type: cvalue.Int64Type}},
		Nodes: map[NodeID]NodeSpec{
			"a": {Module: "m", Inputs: map[string]InputRef{"in": FromInput("x")}},
			"b": {Module: "m", Inputs: map[string]InputRef{"in": FromNode("a")}},
			"c": {Module: "m", Inputs: map[string]InputRef{"in": FromNode("a")}},
			"d": {Module: "m2", Inputs: map[string]InputRef{"l": FromNode("b"), "r": FromNode("c")}},
		},
		NodeOrder: []NodeID{"a", "b", "c", "d"},
		Outputs:   map[string]InputRef{"out": FromNode("d")},
		OutOrder:  []string{"out"},
	}
}

func TestValidateOK(t *testing.T) {
	require.NoError(t, diamond().Validate())
}

func TestValidateRejectsUnresolvedRefs(t *testing.T) {
	s := diamond()
	s.Nodes["b"] = NodeSpec{Module: "m", Inputs: map[string]InputRef{"in": FromNode("ghost")}}
	err := s.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrUnresolvedRef)

	s = diamond()
	s.Nodes["a"] = NodeSpec{Module: "m", Inputs: map[string]InputRef{"in": FromInput("nope")}}
	assert.ErrorIs(t, s.Validate(), ErrUnresolvedRef)
}

func TestValidateRejectsCycle(t *testing.T) {
	s := diamond()
	s.Nodes["a"] = NodeSpec{Module: "m", Inputs: map[string]InputRef{"in": FromNode("d")}}
	assert.ErrorIs(t, s.Validate(), ErrCyclicDag)
}

func TestValidateRejectsUndeclaredOutput(t *testing.T) {
	s := diamond()
	s.Outputs["bad"] = FromNode("ghost")
	s.OutOrder = append(s.OutOrder, "bad")
	assert.ErrorIs(t, s.Validate(), ErrUnresolvedRef)
}

func TestTopoOrderRespectsDeclarationTieBreak(t *testing.T) {
	s := diamond()
	order, err := s.TopoOrder()
	require.NoError(t, err)
	require.Len(t, order, 4)
	assert.Equal(t, NodeID("a"), order[0])
	// b and c are ready together; declaration order puts b first.
	assert.Equal(t, NodeID("b"), order[1])
	assert.Equal(t, NodeID("c"), order[2])
	assert.Equal(t, NodeID("d"), order[3])
}

func TestTransitiveInputs(t *testing.T) {
	s := diamond()
	deps := s.TransitiveInputs("d")
	assert.True(t, deps["x"])

	s.Inputs = append(s.Inputs, InputDecl{Name: "y", Type: cvalue.BoolType})
	s.Nodes["e"] = NodeSpec{Module: "m", Inputs: map[string]InputRef{"in": FromInput("y")}}
	s.NodeOrder = append(s.NodeOrder, "e")
	deps = s.TransitiveInputs("e")
	assert.True(t, deps["y"])
	assert.False(t, deps["x"])
}

func TestMarshalCanonicalDeterministic(t *testing.T) {
	a, err := diamond().MarshalCanonical()
	require.NoError(t, err)
	b, err := diamond().MarshalCanonical()
	require.NoError(t, err)
	assert.Equal(t, a, b)
}
