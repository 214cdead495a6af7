// Copyright 2025 James Ross
package compiler

import (
	"fmt"
	"strings"

	"github.com/flyingrobots/constellation/internal/cvalue"
	"github.com/flyingrobots/constellation/internal/dag"
	"github.com/flyingrobots/constellation/internal/modules"
	"github.com/flyingrobots/constellation/internal/pipeline"
)

// Message is one compiler diagnostic with a source position.
type Message struct {
	Line int    `json:"line"`
	Col  int    `json:"col"`
	Msg  string `json:"msg"`
}

// CompileError aggregates diagnostics for a failed compilation.
type CompileError struct {
	Messages []Message `json:"messages"`
}

func (e *CompileError) Error() string {
	if len(e.Messages) == 0 {
		return "compile error"
	}
	parts := make([]string, len(e.Messages))
	for i, m := range e.Messages {
		parts[i] = fmt.Sprintf("%d:%d: %s", m.Line, m.Col, m.Msg)
	}
	return "compile error: " + strings.Join(parts, "; ")
}

// Compiler turns dataflow source into a LoadedPipeline. The language is
// line oriented:
//
//	in name:Type
//	binding = module(arg, ...)
//	out name = expr            # expr: ident, call, or `ident when cond`
//
// Arguments are identifiers naming pipeline inputs or earlier bindings.
// `x when cond` gates x on a Bool, lowered onto the core.gate module.
type Compiler struct {
	registry *modules.Registry
}

// New builds a compiler over the module registry.
func New(registry *modules.Registry) *Compiler {
	return &Compiler{registry: registry}
}

// Compile parses, type-checks and assembles an image. name is the optional
// pipeline alias recorded on the spec.
func (c *Compiler) Compile(source, name string) (*pipeline.LoadedPipeline, error) {
	spec, warnings, err := c.parse(source, name)
	if err != nil {
		return nil, err
	}
	img, err := pipeline.NewImage(spec, c.registry, pipeline.SyntacticHash(source))
	if err != nil {
		return nil, &CompileError{Messages: []Message{{Line: 1, Col: 1, Msg: err.Error()}}}
	}
	return &pipeline.LoadedPipeline{Image: img, Warnings: warnings}, nil
}

type binding struct {
	line int
}

func (c *Compiler) parse(source, name string) (*dag.Spec, []string, error) {
	spec := &dag.Spec{
		Name:    name,
		Nodes:   make(map[dag.NodeID]dag.NodeSpec),
		Outputs: make(map[string]dag.InputRef),
	}
	var msgs []Message
	bindings := make(map[string]binding) // node bindings by name
	inputUsed := make(map[string]bool)
	inputLine := make(map[string]int)

	fail := func(line, col int, format string, args ...interface{}) {
		msgs = append(msgs, Message{Line: line, Col: col, Msg: fmt.Sprintf(format, args...)})
	}

	// resolveIdent maps an identifier to an InputRef, marking input usage.
	resolveIdent := func(ident string, line, col int) (dag.InputRef, bool) {
		if _, ok := bindings[ident]; ok {
			return dag.FromNode(dag.NodeID(ident)), true
		}
		if _, ok := spec.InputType(ident); ok {
			inputUsed[ident] = true
			return dag.FromInput(ident), true
		}
		fail(line, col, "undefined identifier %q", ident)
		return dag.InputRef{}, false
	}

	addNode := func(id string, module string, args []string, line, col int) bool {
		f, ok := c.registry.Get(module)
		if !ok {
			fail(line, col, "unknown module %q", module)
			return false
		}
		params := f.Params()
		if len(args) != len(params) {
			fail(line, col, "module %q takes %d arguments, got %d", module, len(params), len(args))
			return false
		}
		inputs := make(map[string]dag.InputRef, len(args))
		ok = true
		for i, arg := range args {
			ref, resolved := resolveIdent(arg, line, col)
			if !resolved {
				ok = false
				continue
			}
			inputs[params[i].Name] = ref
		}
		if !ok {
			return false
		}
		spec.Nodes[dag.NodeID(id)] = dag.NodeSpec{Module: f.Name(), Inputs: inputs}
		spec.NodeOrder = append(spec.NodeOrder, dag.NodeID(id))
		bindings[id] = binding{line: line}
		return true
	}

	lines := strings.Split(source, "\n")
	for ln, raw := range lines {
		line := ln + 1
		text := strings.TrimSpace(raw)
		if text == "" || strings.HasPrefix(text, "#") || strings.HasPrefix(text, "//") {
			continue
		}
		// Statements may be separated by semicolons on one line.
		for _, stmt := range strings.Split(text, ";") {
			stmt = strings.TrimSpace(stmt)
			if stmt == "" {
				continue
			}
			c.parseStatement(spec, stmt, line, bindings, inputLine, addNode, resolveIdent, fail)
		}
	}

	var warnings []string
	for _, decl := range spec.Inputs {
		if !inputUsed[decl.Name] {
			warnings = append(warnings, fmt.Sprintf("input %q is declared but never used (line %d)", decl.Name, inputLine[decl.Name]))
		}
	}

	if len(msgs) > 0 {
		return nil, nil, &CompileError{Messages: msgs}
	}
	if len(spec.Outputs) == 0 {
		return nil, nil, &CompileError{Messages: []Message{{Line: len(lines), Col: 1, Msg: "pipeline declares no outputs"}}}
	}
	return spec, warnings, nil
}

func (c *Compiler) parseStatement(
	spec *dag.Spec,
	stmt string,
	line int,
	bindings map[string]binding,
	inputLine map[string]int,
	addNode func(id, module string, args []string, line, col int) bool,
	resolveIdent func(ident string, line, col int) (dag.InputRef, bool),
	fail func(line, col int, format string, args ...interface{}),
) {
	switch {
	case strings.HasPrefix(stmt, "in "):
		rest := strings.TrimSpace(stmt[3:])
		nameType := strings.SplitN(rest, ":", 2)
		if len(nameType) != 2 {
			fail(line, 1, "malformed input declaration %q, want `in name:Type`", stmt)
			return
		}
		iname := strings.TrimSpace(nameType[0])
		if !isIdent(iname) {
			fail(line, 1, "invalid input name %q", iname)
			return
		}
		if _, dup := spec.InputType(iname); dup {
			fail(line, 1, "duplicate input %q", iname)
			return
		}
		t, err := cvalue.ParseType(strings.TrimSpace(nameType[1]))
		if err != nil {
			fail(line, 1, "invalid input type: %v", err)
			return
		}
		spec.Inputs = append(spec.Inputs, dag.InputDecl{Name: iname, Type: t})
		inputLine[iname] = line

	case strings.HasPrefix(stmt, "out "):
		rest := strings.TrimSpace(stmt[4:])
		eq := strings.Index(rest, "=")
		if eq < 0 {
			fail(line, 1, "malformed output %q, want `out name = expr`", stmt)
			return
		}
		oname := strings.TrimSpace(rest[:eq])
		if !isIdent(oname) {
			fail(line, 1, "invalid output name %q", oname)
			return
		}
		if _, dup := spec.Outputs[oname]; dup {
			fail(line, 1, "duplicate output %q", oname)
			return
		}
		expr := strings.TrimSpace(rest[eq+1:])
		ref, ok := c.parseExpr(spec, expr, oname, line, bindings, addNode, resolveIdent, fail)
		if !ok {
			return
		}
		spec.Outputs[oname] = ref
		spec.OutOrder = append(spec.OutOrder, oname)

	default:
		eq := strings.Index(stmt, "=")
		if eq < 0 {
			fail(line, 1, "unrecognized statement %q", stmt)
			return
		}
		bname := strings.TrimSpace(stmt[:eq])
		if !isIdent(bname) {
			fail(line, 1, "invalid binding name %q", bname)
			return
		}
		if _, dup := bindings[bname]; dup {
			fail(line, 1, "duplicate binding %q", bname)
			return
		}
		if _, dup := spec.InputType(bname); dup {
			fail(line, 1, "binding %q shadows a pipeline input", bname)
			return
		}
		expr := strings.TrimSpace(stmt[eq+1:])
		module, args, ok := splitCall(expr)
		if !ok {
			fail(line, 1, "binding %q must be a module call", bname)
			return
		}
		addNode(bname, module, args, line, eq+2)
	}
}

// parseExpr lowers an output expression to an InputRef, synthesizing nodes
// for calls and `when` gates. outName seeds synthesized node ids.
func (c *Compiler) parseExpr(
	spec *dag.Spec,
	expr, outName string,
	line int,
	bindings map[string]binding,
	addNode func(id, module string, args []string, line, col int) bool,
	resolveIdent func(ident string, line, col int) (dag.InputRef, bool),
	fail func(line, col int, format string, args ...interface{}),
) (dag.InputRef, bool) {
	if idx := strings.Index(expr, " when "); idx >= 0 {
		valueExpr := strings.TrimSpace(expr[:idx])
		condIdent := strings.TrimSpace(expr[idx+len(" when "):])
		if !isIdent(condIdent) {
			fail(line, 1, "gate condition must be an identifier, got %q", condIdent)
			return dag.InputRef{}, false
		}
		valueRef, ok := c.parseExpr(spec, valueExpr, outName+"_value", line, bindings, addNode, resolveIdent, fail)
		if !ok {
			return dag.InputRef{}, false
		}
		condRef, ok := resolveIdent(condIdent, line, 1)
		if !ok {
			return dag.InputRef{}, false
		}
		gateID := gateNodeID(spec, outName)
		spec.Nodes[dag.NodeID(gateID)] = dag.NodeSpec{
			Module: "core.gate",
			Inputs: map[string]dag.InputRef{"value": valueRef, "cond": condRef},
		}
		spec.NodeOrder = append(spec.NodeOrder, dag.NodeID(gateID))
		bindings[gateID] = binding{line: line}
		return dag.FromNode(dag.NodeID(gateID)), true
	}

	if isIdent(expr) {
		return resolveIdent(expr, line, 1)
	}

	module, args, ok := splitCall(expr)
	if !ok {
		fail(line, 1, "malformed expression %q", expr)
		return dag.InputRef{}, false
	}
	nodeID := outName
	if _, taken := bindings[nodeID]; taken {
		nodeID = outName + "_out"
	}
	if !addNode(nodeID, module, args, line, 1) {
		return dag.InputRef{}, false
	}
	return dag.FromNode(dag.NodeID(nodeID)), true
}

func gateNodeID(spec *dag.Spec, outName string) string {
	id := outName
	for {
		if _, taken := spec.Nodes[dag.NodeID(id)]; !taken {
			return id
		}
		id += "_gate"
	}
}

// splitCall parses `module(arg1, arg2)`; module names may be dotted.
func splitCall(expr string) (string, []string, bool) {
	open := strings.Index(expr, "(")
	if open <= 0 || !strings.HasSuffix(expr, ")") {
		return "", nil, false
	}
	module := strings.TrimSpace(expr[:open])
	if !isModuleName(module) {
		return "", nil, false
	}
	inner := strings.TrimSpace(expr[open+1 : len(expr)-1])
	if inner == "" {
		return module, nil, true
	}
	parts := strings.Split(inner, ",")
	args := make([]string, 0, len(parts))
	for _, p := range parts {
		arg := strings.TrimSpace(p)
		if !isIdent(arg) {
			return "", nil, false
		}
		args = append(args, arg)
	}
	return module, args, true
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for i, c := range s {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c == '_':
		case c >= '0' && c <= '9':
			if i == 0 {
				return false
			}
		default:
			return false
		}
	}
	return true
}

func isModuleName(s string) bool {
	if s == "" {
		return false
	}
	for _, part := range strings.Split(s, ".") {
		if !isIdent(part) {
			return false
		}
	}
	return true
}
