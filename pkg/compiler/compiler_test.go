package compiler_test

import (
	"testing"

	"github.com/procgraph/fieldvm/pkg/compiler"
	"github.com/procgraph/fieldvm/pkg/graph"
	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

func mustNode(t *testing.T, g *graph.NodeGraph, typeName string) *graph.NodeInstance {
	t.Helper()
	n, err := g.AddNode(typeName)
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func compile(t *testing.T, g *graph.NodeGraph) *vm.Expression {
	t.Helper()
	expr, err := compiler.Compile(g)
	if err != nil {
		t.Fatal(err)
	}
	return expr
}

func evalOutput(t *testing.T, expr *vm.Expression, name string) float32 {
	t.Helper()
	ctx := vm.NewContext()
	if err := ctx.Eval(nil, &vm.EvalData{}, expr, nil); err != nil {
		t.Fatal(err)
	}
	return ctx.OutputFloat(expr, name)
}

// opcodesOf walks the instruction stream and collects its opcodes.
func opcodesOf(t *testing.T, expr *vm.Expression) map[vm.Opcode]int {
	t.Helper()
	seen := make(map[vm.Opcode]int)
	code := expr.Code()
	pc := 0
	for pc < len(code) {
		op := vm.Opcode(code[pc])
		info := op.Info()
		if info == nil {
			t.Fatalf("invalid opcode %d at pc %d", code[pc], pc)
		}
		seen[op]++
		pc += info.Words()
	}
	return seen
}

func TestCompilePassThrough(t *testing.T) {
	for _, v := range []float32{0, 1, -3.5, 1e30} {
		g := graph.New()
		g.AddOutput("value", types.TFloat, types.FloatConst(0))
		pass := mustNode(t, g, "PASS_FLOAT")
		if err := pass.SetInput("value", types.FloatConst(v)); err != nil {
			t.Fatal(err)
		}
		if err := g.SetOutputLink("value", pass, "value"); err != nil {
			t.Fatal(err)
		}
		if got := evalOutput(t, compile(t, g), "value"); got != v {
			t.Fatalf("pass-through of %g evaluated to %g", v, got)
		}
	}
}

func TestCompileArithmetic(t *testing.T) {
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	add := mustNode(t, g, "ADD_FLOAT")
	add.SetInput("value_a", types.FloatConst(2))
	add.SetInput("value_b", types.FloatConst(3))
	mul := mustNode(t, g, "MUL_FLOAT")
	if err := g.AddLink(add, "value", mul, "value_a", false); err != nil {
		t.Fatal(err)
	}
	mul.SetInput("value_b", types.FloatConst(4))
	if err := g.SetOutputLink("value", mul, "value"); err != nil {
		t.Fatal(err)
	}
	if got := evalOutput(t, compile(t, g), "value"); got != 20 {
		t.Fatalf("(2+3)*4 = %g, want 20", got)
	}
}

func TestCompileUnboundOutputDefault(t *testing.T) {
	g := graph.New()
	g.AddOutput("color", types.TFloat4, types.Float4Const(0, 0, 0, 1))
	// a node exists but nothing is bound to the output
	mustNode(t, g, "TEX_COORD")

	expr := compile(t, g)
	ctx := vm.NewContext()
	if err := ctx.Eval(nil, &vm.EvalData{}, expr, nil); err != nil {
		t.Fatal(err)
	}
	got := ctx.OutputFloat4(expr, "color")
	if got != (types.Float4{X: 0, Y: 0, Z: 0, W: 1}) {
		t.Fatalf("unbound output = %v, want declared default", got)
	}
}

func TestCompileDeadCodeElimination(t *testing.T) {
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	pass := mustNode(t, g, "PASS_FLOAT")
	pass.SetInput("value", types.FloatConst(7))
	if err := g.SetOutputLink("value", pass, "value"); err != nil {
		t.Fatal(err)
	}
	// dangling: contributes to no output
	sine := mustNode(t, g, "SINE")
	sine.SetInput("value", types.FloatConst(1))

	seen := opcodesOf(t, compile(t, g))
	if seen[vm.OpSine] != 0 {
		t.Fatal("unreachable SINE node must be dropped")
	}
	if seen[vm.OpPassFloat] != 1 {
		t.Fatal("reachable PASS_FLOAT node must survive")
	}
}

func TestCompileCycle(t *testing.T) {
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	a := mustNode(t, g, "ADD_FLOAT")
	b := mustNode(t, g, "ADD_FLOAT")
	if err := g.AddLink(a, "value", b, "value_a", false); err != nil {
		t.Fatal(err)
	}
	if err := g.AddLink(b, "value", a, "value_a", false); err != nil {
		t.Fatal(err)
	}
	if err := g.SetOutputLink("value", b, "value"); err != nil {
		t.Fatal(err)
	}

	_, err := compiler.Compile(g)
	if !types.IsCode(err, types.ErrStructural) {
		t.Fatalf("expected %s for a cyclic graph, got %v", types.ErrStructural, err)
	}
}

func TestCompileDeterministic(t *testing.T) {
	build := func() *graph.NodeGraph {
		g := graph.New()
		g.AddOutput("value", types.TFloat, types.FloatConst(0))
		add := mustNode(t, g, "ADD_FLOAT")
		sub := mustNode(t, g, "SUB_FLOAT")
		add.SetInput("value_a", types.FloatConst(1))
		add.SetInput("value_b", types.FloatConst(2))
		sub.SetInput("value_b", types.FloatConst(3))
		g.AddLink(add, "value", sub, "value_a", false)
		g.SetOutputLink("value", sub, "value")
		return g
	}

	first := compile(t, build())
	for i := 0; i < 10; i++ {
		next := compile(t, build())
		if len(next.Code()) != len(first.Code()) {
			t.Fatal("compilation is not deterministic")
		}
		for j := range first.Code() {
			if next.Code()[j] != first.Code()[j] {
				t.Fatalf("instruction stream differs at word %d", j)
			}
		}
	}
}

func TestCompileInsertionOrderTieBreak(t *testing.T) {
	// two independent chains; the one added first must be emitted first
	g := graph.New()
	g.AddOutput("a", types.TFloat, types.FloatConst(0))
	g.AddOutput("b", types.TFloat, types.FloatConst(0))
	sine := mustNode(t, g, "SINE")
	cosine := mustNode(t, g, "COSINE")
	sine.SetInput("value", types.FloatConst(1))
	cosine.SetInput("value", types.FloatConst(1))
	g.SetOutputLink("a", cosine, "value")
	g.SetOutputLink("b", sine, "value")

	expr := compile(t, g)
	code := expr.Code()
	pc := 0
	var order []vm.Opcode
	for pc < len(code) {
		op := vm.Opcode(code[pc])
		if op == vm.OpSine || op == vm.OpCosine {
			order = append(order, op)
		}
		pc += op.Info().Words()
	}
	if len(order) != 2 || order[0] != vm.OpSine || order[1] != vm.OpCosine {
		t.Fatalf("expected SINE before COSINE per insertion order, got %v", order)
	}
}

func TestCompileImplicitConversion(t *testing.T) {
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	co := mustNode(t, g, "TEX_COORD")
	pass := mustNode(t, g, "PASS_FLOAT")
	if err := g.AddLink(co, "value", pass, "value", true); err != nil {
		t.Fatal(err)
	}
	g.SetOutputLink("value", pass, "value")

	seen := opcodesOf(t, compile(t, g))
	if seen[vm.OpFloat3ToFloat] != 1 {
		t.Fatal("expected an implicit FLOAT3_TO_FLOAT conversion instruction")
	}
}

func TestCompileStringInterning(t *testing.T) {
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	lookup := mustNode(t, g, "OBJECT_LOOKUP")
	lookup.SetInput("name", types.StringConst("emitter"))
	conv := mustNode(t, g, "INT_TO_FLOAT")
	if err := g.AddLink(lookup, "object", conv, "value", false); err != nil {
		t.Fatal(err)
	}
	g.SetOutputLink("value", conv, "value")

	expr := compile(t, g)
	if len(expr.Strings()) != 1 || expr.Strings()[0] != "emitter" {
		t.Fatalf("string table = %v, want [emitter]", expr.Strings())
	}
}

func TestCompileDefaultInputs(t *testing.T) {
	// an unset linkable input falls back to the socket default (zero)
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	add := mustNode(t, g, "ADD_FLOAT")
	add.SetInput("value_a", types.FloatConst(5))
	g.SetOutputLink("value", add, "value")

	if got := evalOutput(t, compile(t, g), "value"); got != 5 {
		t.Fatalf("5 + default(0) = %g, want 5", got)
	}
}

func TestCompileMultiOutputNode(t *testing.T) {
	g := graph.New()
	g.AddOutput("dir", types.TFloat3, types.Float3Const(0, 0, 0))
	g.AddOutput("len", types.TFloat, types.FloatConst(0))
	n := mustNode(t, g, "NORMALIZE_FLOAT3")
	n.SetInput("value", types.Float3Const(3, 0, 4))
	g.SetOutputLink("dir", n, "vector")
	g.SetOutputLink("len", n, "length")

	expr := compile(t, g)
	ctx := vm.NewContext()
	if err := ctx.Eval(nil, &vm.EvalData{}, expr, nil); err != nil {
		t.Fatal(err)
	}
	if got := ctx.OutputFloat(expr, "len"); got != 5 {
		t.Fatalf("length = %g, want 5", got)
	}
	dir := ctx.OutputFloat3(expr, "dir")
	if dir.X != 0.6 || dir.Z != 0.8 {
		t.Fatalf("direction = %v", dir)
	}
}
