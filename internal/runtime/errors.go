// Copyright 2025 James Ross
package runtime

import (
	"errors"
	"fmt"

	"github.com/flyingrobots/constellation/internal/dag"
)

// Kind is the user-visible error taxonomy for execution failures. The names
// surface verbatim in JSON error bodies.
type Kind string

const (
	KindModuleFailure   Kind = "ModuleFailure"
	KindMissingInput    Kind = "MissingInput"
	KindTypeMismatch    Kind = "TypeMismatch"
	KindTimeout         Kind = "Timeout"
	KindCancelled       Kind = "Cancelled"
	KindAlreadyProvided Kind = "AlreadyProvided"
	KindUnknownInput    Kind = "UnknownInput"
	KindAlreadyResolved Kind = "AlreadyResolved"
	KindPipelineChanged Kind = "PipelineChanged"
)

// Error is a typed execution failure.
type Error struct {
	Kind     Kind
	Node     dag.NodeID
	Module   string
	Input    string
	Expected string
	Actual   string
	Err      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindModuleFailure:
		return fmt.Sprintf("module failure at node %q (%s): %v", e.Node, e.Module, e.Err)
	case KindMissingInput:
		return fmt.Sprintf("missing required input %q", e.Input)
	case KindTypeMismatch:
		return fmt.Sprintf("type mismatch for %q: expected %s, got %s", e.Input, e.Expected, e.Actual)
	case KindAlreadyProvided:
		return fmt.Sprintf("input %q was already provided", e.Input)
	case KindUnknownInput:
		return fmt.Sprintf("unknown input %q", e.Input)
	case KindAlreadyResolved:
		return fmt.Sprintf("node %q is not awaiting resolution", e.Node)
	case KindPipelineChanged:
		return "pipeline is no longer present under its recorded structural hash"
	case KindTimeout:
		return "execution deadline exceeded"
	case KindCancelled:
		return "execution cancelled"
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches on kind so callers can compare against kind sentinels.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return te.Kind == e.Kind
	}
	return false
}

// AsError extracts a typed execution error, if err carries one.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func newModuleFailure(node dag.NodeID, module string, cause error) *Error {
	return &Error{Kind: KindModuleFailure, Node: node, Module: module, Err: cause}
}

func newMissingInput(name string) *Error {
	return &Error{Kind: KindMissingInput, Input: name}
}

func newTypeMismatch(name, expected, actual string) *Error {
	return &Error{Kind: KindTypeMismatch, Input: name, Expected: expected, Actual: actual}
}
