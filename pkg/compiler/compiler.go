// Package compiler lowers a node graph into the evaluator's flat
// instruction stream.
//
// Compilation is a fixed pipeline: mark the nodes reachable from the
// declared graph outputs, schedule them in dependency order, assign each
// produced value a scratch-stack offset, and emit one instruction per
// scheduled node. The result is an immutable vm.Expression; the graph can
// be discarded afterwards.
package compiler

import (
	"log/slog"
	"math"

	"github.com/procgraph/fieldvm/pkg/graph"
	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

// Option configures a compilation.
type Option func(*compilation)

// WithLogger enables debug logging of the compilation pipeline.
func WithLogger(l *slog.Logger) Option {
	return func(c *compilation) { c.logger = l }
}

// socketKey identifies one output socket of one node instance.
type socketKey struct {
	node   int
	output int
}

type compilation struct {
	g      *graph.NodeGraph
	logger *slog.Logger

	code    []uint32
	nextOff int
	offsets map[socketKey]int
	strings []string
	strIdx  map[string]uint32
}

// Compile lowers a node graph into an executable Expression. Nodes not
// contributing to any declared output are dropped; the remaining nodes are
// scheduled in dependency order, with graph insertion order breaking ties.
func Compile(g *graph.NodeGraph, opts ...Option) (*vm.Expression, error) {
	c := &compilation{
		g:       g,
		offsets: make(map[socketKey]int),
		strIdx:  make(map[string]uint32),
	}
	for _, opt := range opts {
		opt(c)
	}

	reachable := c.markReachable()
	order, err := c.schedule(reachable)
	if err != nil {
		return nil, err
	}
	if c.logger != nil {
		c.logger.Debug("scheduled graph", "nodes", len(g.Nodes()), "reachable", len(order))
	}

	for _, n := range order {
		if err := c.emitNode(n); err != nil {
			return nil, err
		}
	}

	outputs, err := c.bindOutputs()
	if err != nil {
		return nil, err
	}
	return vm.NewExpression(c.code, c.nextOff, outputs, c.strings), nil
}

// markReachable walks input links backwards from the bound graph outputs
// and returns the set of live node indices.
func (c *compilation) markReachable() map[int]bool {
	reachable := make(map[int]bool)
	var visit func(n *graph.NodeInstance)
	visit = func(n *graph.NodeInstance) {
		if reachable[n.Index()] {
			return
		}
		reachable[n.Index()] = true
		for i := range n.Type().Inputs() {
			if l := n.InputLink(i); l != nil {
				visit(l.FromNode)
			}
		}
	}
	for _, o := range c.g.Outputs() {
		if o.Source != nil {
			visit(o.Source.Node)
		}
	}
	return reachable
}

// schedule produces a topological order of the reachable nodes. Among
// nodes whose dependencies are all satisfied, the one added to the graph
// first is scheduled first, so compilation of the same graph is
// deterministic.
func (c *compilation) schedule(reachable map[int]bool) ([]*graph.NodeInstance, error) {
	nodes := c.g.Nodes()
	indegree := make(map[int]int, len(reachable))
	for idx := range reachable {
		n := nodes[idx]
		deps := make(map[int]bool)
		for i := range n.Type().Inputs() {
			if l := n.InputLink(i); l != nil {
				deps[l.FromNode.Index()] = true
			}
		}
		indegree[idx] = len(deps)
	}

	scheduled := make(map[int]bool, len(reachable))
	order := make([]*graph.NodeInstance, 0, len(reachable))
	for len(order) < len(reachable) {
		picked := -1
		for _, n := range nodes {
			idx := n.Index()
			if reachable[idx] && !scheduled[idx] && indegree[idx] == 0 {
				picked = idx
				break
			}
		}
		if picked < 0 {
			return nil, types.NewError(types.ErrStructural, "graph contains a dependency cycle")
		}
		scheduled[picked] = true
		order = append(order, nodes[picked])

		// release dependents
		for idx := range reachable {
			if scheduled[idx] {
				continue
			}
			n := nodes[idx]
			deps := make(map[int]bool)
			for i := range n.Type().Inputs() {
				if l := n.InputLink(i); l != nil {
					deps[l.FromNode.Index()] = true
				}
			}
			remaining := 0
			for d := range deps {
				if !scheduled[d] {
					remaining++
				}
			}
			indegree[idx] = remaining
		}
	}
	return order, nil
}

// alloc reserves a scratch-stack region for one value of the given type.
func (c *compilation) alloc(t *types.TypeSpec) int {
	off := c.nextOff
	c.nextOff += t.SlotCount()
	return off
}

func (c *compilation) intern(s string) uint32 {
	if idx, ok := c.strIdx[s]; ok {
		return idx
	}
	idx := uint32(len(c.strings))
	c.strings = append(c.strings, s)
	c.strIdx[s] = idx
	return idx
}

// emitValue emits a VALUE_* instruction materializing a constant into a
// fresh stack slot and returns its offset.
func (c *compilation) emitValue(v types.Constant) int {
	off := c.alloc(v.Type)
	switch v.Type {
	case types.TString:
		c.code = append(c.code, uint32(vm.OpValueString), c.intern(v.Str), uint32(off))
	case types.TInt:
		c.code = append(c.code, uint32(vm.OpValueInt))
		c.code = append(c.code, v.Slots()...)
		c.code = append(c.code, uint32(off))
	case types.TFloat3:
		c.code = append(c.code, uint32(vm.OpValueFloat3))
		c.code = append(c.code, v.Slots()...)
		c.code = append(c.code, uint32(off))
	case types.TFloat4:
		c.code = append(c.code, uint32(vm.OpValueFloat4))
		c.code = append(c.code, v.Slots()...)
		c.code = append(c.code, uint32(off))
	case types.TMatrix44:
		c.code = append(c.code, uint32(vm.OpValueMatrix44))
		c.code = append(c.code, v.Slots()...)
		c.code = append(c.code, uint32(off))
	default:
		c.code = append(c.code, uint32(vm.OpValueFloat), math.Float32bits(v.Float), uint32(off))
	}
	return off
}

// emitConversion emits a converter instruction from a source offset to a
// fresh slot of the target type.
func (c *compilation) emitConversion(n *graph.NodeInstance, socket string, from, to *types.TypeSpec, srcOff int) (int, error) {
	name, ok := graph.ConversionOp(from, to)
	if !ok {
		return 0, types.NewError(types.ErrTypeMismatch, "no conversion from %s to %s",
			from.Name(), to.Name()).WithNode(n.Name()).WithSocket(socket)
	}
	op, ok := vm.OpcodeByName(name)
	if !ok {
		return 0, types.NewError(types.ErrUnresolvedInput, "converter %q has no opcode", name).
			WithNode(n.Name()).WithSocket(socket)
	}
	off := c.alloc(to)
	c.code = append(c.code, uint32(op), uint32(srcOff), uint32(off))
	return off, nil
}

// resolveInput yields the stack offset feeding one linkable input: the
// linked socket's offset (converting if the types differ), or a VALUE_*
// instruction materializing the explicit constant or socket default.
func (c *compilation) resolveInput(n *graph.NodeInstance, idx int, input graph.NodeInput) (int, error) {
	if l := n.InputLink(idx); l != nil {
		srcOut, srcIdx, ok := l.FromNode.Type().FindOutput(l.FromSocket)
		if !ok {
			return 0, types.NewError(types.ErrUnresolvedInput, "link source socket %q vanished", l.FromSocket).
				WithNode(n.Name()).WithSocket(input.Name)
		}
		srcOff, ok := c.offsets[socketKey{l.FromNode.Index(), srcIdx}]
		if !ok {
			return 0, types.NewError(types.ErrUnresolvedInput, "link source %q not scheduled", l.FromNode.Name()).
				WithNode(n.Name()).WithSocket(input.Name)
		}
		if srcOut.Type != input.Type {
			return c.emitConversion(n, input.Name, srcOut.Type, input.Type, srcOff)
		}
		return srcOff, nil
	}
	if v := n.InputValue(idx); v != nil {
		return c.emitValue(*v), nil
	}
	return c.emitValue(input.Default), nil
}

// emitNode resolves a node's inputs, allocates its output slots, and
// appends its instruction. Inline constant operands are encoded in the
// operand order declared by the opcode table.
func (c *compilation) emitNode(n *graph.NodeInstance) error {
	op, ok := vm.OpcodeByName(n.Type().Name())
	if !ok {
		return types.NewError(types.ErrUnresolvedInput, "node type %q has no opcode", n.Type().Name()).
			WithNode(n.Name())
	}
	info := op.Info()

	// Resolve inputs before reserving the instruction words: resolution
	// may emit VALUE_* and conversion instructions of its own.
	words := make([]uint32, 0, info.Words()-1)
	inIdx, outIdx := 0, 0
	inputs := n.Type().Inputs()
	for _, arg := range info.Args {
		switch arg.Kind {
		case vm.ArgIn:
			off, err := c.resolveInput(n, inIdx, inputs[inIdx])
			if err != nil {
				return err
			}
			words = append(words, uint32(off))
			inIdx++
		case vm.ArgOut:
			out := n.Type().Outputs()[outIdx]
			off := c.alloc(out.Type)
			c.offsets[socketKey{n.Index(), outIdx}] = off
			words = append(words, uint32(off))
			outIdx++
		default:
			v := n.InputValue(inIdx)
			if v == nil {
				def := inputs[inIdx].Default
				v = &def
			}
			switch arg.Kind {
			case vm.ArgConstString:
				words = append(words, c.intern(v.Str))
			default:
				words = append(words, v.Slots()...)
			}
			inIdx++
		}
	}
	c.code = append(c.code, uint32(op))
	c.code = append(c.code, words...)
	return nil
}

// bindOutputs maps each declared graph output to its final stack offset,
// materializing the declared default for outputs left unbound.
func (c *compilation) bindOutputs() ([]vm.Output, error) {
	outs := make([]vm.Output, 0, len(c.g.Outputs()))
	for _, o := range c.g.Outputs() {
		var off int
		if o.Source != nil {
			_, srcIdx, ok := o.Source.Node.Type().FindOutput(o.Source.Socket)
			if !ok {
				return nil, types.NewError(types.ErrUnresolvedInput, "output source socket %q vanished", o.Source.Socket).
					WithSocket(o.Name)
			}
			off, ok = c.offsets[socketKey{o.Source.Node.Index(), srcIdx}]
			if !ok {
				return nil, types.NewError(types.ErrUnresolvedInput, "output source %q not scheduled", o.Source.Node.Name()).
					WithSocket(o.Name)
			}
		} else {
			off = c.emitValue(o.Default)
		}
		outs = append(outs, vm.Output{Name: o.Name, Type: o.Type, Offset: off})
	}
	return outs, nil
}
