// Package fieldvm compiles node graphs describing procedural fields,
// textures, force fields, and similar spatial functions, into small
// expression programs and evaluates them at high sample rates.
//
// A field is authored as a typed dataflow graph (pkg/graph), compiled
// into a flat instruction stream (pkg/compiler), and evaluated either by
// the portable stack interpreter (pkg/vm) or by the ahead-of-time
// dual-value backend (pkg/dual), which also yields the two screen-space
// partial derivatives of every output.
//
// # Quick Start
//
//	g := fieldvm.NewTextureGraph()
//	tex, _ := g.AddNode("TEX_PROC_CLOUDS")
//	co, _ := g.AddNode("TEX_COORD")
//	g.Connect(co.Output("value"), tex, "position")
//	g.SetOutputLink("color", tex, "color")
//
//	expr, err := fieldvm.Compile(g)
//	ctx := vm.NewContext()
//	ctx.Eval(nil, &vm.EvalData{Texture: vm.TextureData{Co: p}}, expr, nil)
//	color := ctx.OutputFloat4(expr, "color")
//
// # Concurrency
//
// Compiled expressions are immutable and safe to share. Evaluation state
// lives in per-goroutine contexts (vm.EvalContext, dual.Instance).
package fieldvm

import (
	"context"

	"github.com/procgraph/fieldvm/pkg/compiler"
	"github.com/procgraph/fieldvm/pkg/dual"
	"github.com/procgraph/fieldvm/pkg/graph"
	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

// Version returns the current version of FieldVM.
func Version() string {
	return "v0.1.0-dev"
}

// Compile lowers a node graph into an executable stack-machine expression.
func Compile(g *graph.NodeGraph, opts ...compiler.Option) (*vm.Expression, error) {
	return compiler.Compile(g, opts...)
}

// CompileDual compiles a node graph for the dual-value backend: the
// resulting expression computes values together with their screen-space
// partial derivatives.
func CompileDual(ctx context.Context, b *dual.Backend, g *graph.NodeGraph, opts ...compiler.Option) (*dual.Expression, error) {
	expr, err := compiler.Compile(g, opts...)
	if err != nil {
		return nil, err
	}
	return b.Compile(ctx, expr)
}

// MustCompile is like Compile but panics on error. It simplifies safe
// initialization of global variables.
func MustCompile(g *graph.NodeGraph) *vm.Expression {
	expr, err := Compile(g)
	if err != nil {
		panic("fieldvm: Compile: " + err.Error())
	}
	return expr
}

// NewTextureGraph creates a graph with the standard texture outputs
// declared: "color" (float4, defaulting to opaque black) and "normal"
// (float3, defaulting to zero).
func NewTextureGraph(opts ...graph.Option) *graph.NodeGraph {
	g := graph.New(opts...)
	// the declared types match their defaults, so AddOutput cannot fail
	_ = g.AddOutput("color", types.TFloat4, types.Float4Const(0, 0, 0, 1))
	_ = g.AddOutput("normal", types.TFloat3, types.Float3Const(0, 0, 0))
	return g
}

// NewForceFieldGraph creates a graph with the standard force-field
// outputs declared: "force" and "impulse", both float3 and defaulting to
// zero.
func NewForceFieldGraph(opts ...graph.Option) *graph.NodeGraph {
	g := graph.New(opts...)
	_ = g.AddOutput("force", types.TFloat3, types.Float3Const(0, 0, 0))
	_ = g.AddOutput("impulse", types.TFloat3, types.Float3Const(0, 0, 0))
	return g
}
