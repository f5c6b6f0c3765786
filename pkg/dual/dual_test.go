package dual_test

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/procgraph/fieldvm/pkg/compiler"
	"github.com/procgraph/fieldvm/pkg/dual"
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

func newInstance(t *testing.T, expr *vm.Expression) (*dual.Instance, func()) {
	t.Helper()
	ctx := context.Background()
	b, err := dual.NewBackend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	de, err := b.Compile(ctx, expr)
	if err != nil {
		b.Close(ctx)
		t.Fatal(err)
	}
	in, err := de.NewInstance(ctx, b)
	if err != nil {
		b.Close(ctx)
		t.Fatal(err)
	}
	return in, func() { b.Close(ctx) }
}

func almostEqual(a, b float32) bool {
	if a == b {
		return true
	}
	d := math.Abs(float64(a) - float64(b))
	return d < 1e-5 || d < 1e-4*math.Max(math.Abs(float64(a)), math.Abs(float64(b)))
}

// sameFloat is the backend-agreement comparison: both backends run the
// same kernels, so results are identical floats, or both NaN.
func sameFloat(a, b float32) bool {
	return a == b || (math.IsNaN(float64(a)) && math.IsNaN(float64(b)))
}

// coordSquaredX builds a graph computing x*x of the texture coordinate.
func coordSquaredX(t *testing.T) *vm.Expression {
	t.Helper()
	g := graph.New()
	g.AddOutput("value", types.TFloat, types.FloatConst(0))
	co := mustNode(t, g, "TEX_COORD")
	getx := mustNode(t, g, "GET_ELEM_FLOAT3")
	getx.SetInput("index", types.IntConst(0))
	if err := g.AddLink(co, "value", getx, "value", false); err != nil {
		t.Fatal(err)
	}
	mul := mustNode(t, g, "MUL_FLOAT")
	g.AddLink(getx, "value", mul, "value_a", false)
	g.AddLink(getx, "value", mul, "value_b", false)
	if err := g.SetOutputLink("value", mul, "value"); err != nil {
		t.Fatal(err)
	}
	expr, err := compiler.Compile(g)
	if err != nil {
		t.Fatal(err)
	}
	return expr
}

func TestDualMatchesInterpreter(t *testing.T) {
	expr := coordSquaredX(t)
	in, done := newInstance(t, expr)
	defer done()

	ictx := vm.NewContext()
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 200; i++ {
		x := rng.Float32()*20 - 10
		data := &vm.EvalData{}
		data.Texture.Co = types.Float3{X: x, Y: 1, Z: 2}

		if err := ictx.Eval(nil, data, expr, nil); err != nil {
			t.Fatal(err)
		}
		want := ictx.OutputFloat(expr, "value")

		res := []dual.Result{{Value: make([]float32, 1)}}
		if err := in.Evaluate(context.Background(), nil, data, res); err != nil {
			t.Fatal(err)
		}
		if got := res[0].Value[0]; !almostEqual(got, want) {
			t.Fatalf("x=%g: dual=%g interpreter=%g", x, got, want)
		}
	}
}

func TestDualDerivative(t *testing.T) {
	// d(x*x)/dx = 2x when the coordinate derivative along x is (1,0,0)
	expr := coordSquaredX(t)
	in, done := newInstance(t, expr)
	defer done()

	for _, x := range []float32{0, 0.5, -1.25, 3} {
		data := &vm.EvalData{}
		data.Texture.Co = types.Float3{X: x}
		data.Texture.DxT = types.Float3{X: 1}
		data.Texture.DyT = types.Float3{Y: 1}

		res := []dual.Result{{
			Value: make([]float32, 1),
			Dx:    make([]float32, 1),
			Dy:    make([]float32, 1),
		}}
		if err := in.Evaluate(context.Background(), nil, data, res); err != nil {
			t.Fatal(err)
		}
		if !almostEqual(res[0].Value[0], x*x) {
			t.Fatalf("value at x=%g: got %g", x, res[0].Value[0])
		}
		if !almostEqual(res[0].Dx[0], 2*x) {
			t.Fatalf("dx at x=%g: got %g, want %g", x, res[0].Dx[0], 2*x)
		}
		// the coordinate does not vary along y in this setup
		if !almostEqual(res[0].Dy[0], 0) {
			t.Fatalf("dy at x=%g: got %g, want 0", x, res[0].Dy[0])
		}
	}
}

func TestDualGetDerivative(t *testing.T) {
	// GET_DERIVATIVE_FLOAT3 exposes the coordinate derivative as a value
	g := graph.New()
	g.AddOutput("value", types.TFloat3, types.Float3Const(0, 0, 0))
	co := mustNode(t, g, "TEX_COORD")
	d := mustNode(t, g, "GET_DERIVATIVE_FLOAT3")
	d.SetInput("axis", types.IntConst(0))
	if err := g.AddLink(co, "value", d, "value", false); err != nil {
		t.Fatal(err)
	}
	if err := g.SetOutputLink("value", d, "value"); err != nil {
		t.Fatal(err)
	}
	expr, err := compiler.Compile(g)
	if err != nil {
		t.Fatal(err)
	}

	in, done := newInstance(t, expr)
	defer done()

	data := &vm.EvalData{}
	data.Texture.Co = types.Float3{X: 5, Y: 6, Z: 7}
	data.Texture.DxT = types.Float3{X: 0.25, Y: -1, Z: 2}

	res := []dual.Result{{Value: make([]float32, 3), Dx: make([]float32, 3)}}
	if err := in.Evaluate(context.Background(), nil, data, res); err != nil {
		t.Fatal(err)
	}
	want := data.Texture.DxT
	got := types.Float3{X: res[0].Value[0], Y: res[0].Value[1], Z: res[0].Value[2]}
	if got != want {
		t.Fatalf("derivative value = %v, want %v", got, want)
	}
	// the derivative of a derivative is not tracked
	for i, v := range res[0].Dx {
		if v != 0 {
			t.Fatalf("second-order slot %d = %g, want 0", i, v)
		}
	}

	// the interpreter backend yields zero for the same node
	ictx := vm.NewContext()
	if err := ictx.Eval(nil, data, expr, nil); err != nil {
		t.Fatal(err)
	}
	if zero := ictx.OutputFloat3(expr, "value"); zero != (types.Float3{}) {
		t.Fatalf("interpreter GET_DERIVATIVE = %v, want zero", zero)
	}
}

func TestDualOpFamilies(t *testing.T) {
	// scalar chains over several op families must agree with the interpreter
	build := func(t *testing.T, opType string) *vm.Expression {
		t.Helper()
		g := graph.New()
		g.AddOutput("value", types.TFloat, types.FloatConst(0))
		co := mustNode(t, g, "TEX_COORD")
		getx := mustNode(t, g, "GET_ELEM_FLOAT3")
		getx.SetInput("index", types.IntConst(0))
		g.AddLink(co, "value", getx, "value", false)
		n := mustNode(t, g, opType)
		info := n.Type()
		bound := false
		for _, inSock := range info.Inputs() {
			if inSock.Type == types.TFloat && !bound {
				g.AddLink(getx, "value", n, inSock.Name, false)
				bound = true
			} else if inSock.Type == types.TFloat {
				n.SetInput(inSock.Name, types.FloatConst(0.75))
			}
		}
		if err := g.SetOutputLink("value", n, info.Outputs()[0].Name); err != nil {
			t.Fatal(err)
		}
		expr, err := compiler.Compile(g)
		if err != nil {
			t.Fatal(err)
		}
		return expr
	}

	ops := []string{
		"ADD_FLOAT", "SUB_FLOAT", "MUL_FLOAT", "DIV_FLOAT",
		"SINE", "COSINE", "TANGENT", "ARCSINE", "ARCCOSINE", "ARCTANGENT",
		"POWER", "LOGARITHM", "MINIMUM", "MAXIMUM",
		"MODULO", "ABSOLUTE", "SQRT", "ROUND",
		"LESS_THAN", "GREATER_THAN", "CLAMP",
	}
	rng := rand.New(rand.NewSource(7))
	for _, opName := range ops {
		t.Run(opName, func(t *testing.T) {
			expr := build(t, opName)
			in, done := newInstance(t, expr)
			defer done()
			ictx := vm.NewContext()
			for i := 0; i < 1000; i++ {
				x := rng.Float32()*8 - 4
				data := &vm.EvalData{}
				data.Texture.Co = types.Float3{X: x}

				if err := ictx.Eval(nil, data, expr, nil); err != nil {
					t.Fatal(err)
				}
				want := ictx.OutputFloat(expr, "value")

				res := []dual.Result{{Value: make([]float32, 1)}}
				if err := in.Evaluate(context.Background(), nil, data, res); err != nil {
					t.Fatal(err)
				}
				if got := res[0].Value[0]; !sameFloat(got, want) {
					t.Fatalf("x=%g: dual=%g interpreter=%g", x, got, want)
				}
			}
		})
	}
}

// checkEquivalence compiles the graph once and compares every declared
// output of the two backends over 1000 randomized inputs.
func checkEquivalence(t *testing.T, g *graph.NodeGraph, globals *vm.EvalGlobals, sample func(d *vm.EvalData)) {
	t.Helper()
	expr, err := compiler.Compile(g)
	if err != nil {
		t.Fatal(err)
	}
	in, done := newInstance(t, expr)
	defer done()

	outs := expr.Outputs()
	want := make([][]float32, len(outs))
	res := make([]dual.Result, len(outs))
	for i, o := range outs {
		want[i] = make([]float32, o.Type.SlotCount())
		res[i] = dual.Result{Value: make([]float32, o.Type.SlotCount())}
	}

	ictx := vm.NewContext()
	for i := 0; i < 1000; i++ {
		data := &vm.EvalData{}
		sample(data)
		if err := ictx.Eval(globals, data, expr, want); err != nil {
			t.Fatal(err)
		}
		if err := in.Evaluate(context.Background(), globals, data, res); err != nil {
			t.Fatal(err)
		}
		for oi, o := range outs {
			for s := 0; s < o.Type.SlotCount(); s++ {
				if !sameFloat(res[oi].Value[s], want[oi][s]) {
					t.Fatalf("sample %d output %q slot %d: dual=%g interpreter=%g",
						i, o.Name, s, res[oi].Value[s], want[oi][s])
				}
			}
		}
	}
}

func TestDualBackendEquivalence(t *testing.T) {
	rng := rand.New(rand.NewSource(99))
	randCo := func(d *vm.EvalData) {
		d.Texture.Co = types.Float3{
			X: rng.Float32()*16 - 8,
			Y: rng.Float32()*16 - 8,
			Z: rng.Float32()*16 - 8,
		}
	}

	t.Run("vector", func(t *testing.T) {
		g := graph.New()
		g.AddOutput("dir", types.TFloat3, types.Float3Const(0, 0, 0))
		g.AddOutput("len", types.TFloat, types.FloatConst(0))
		g.AddOutput("crossed", types.TFloat3, types.Float3Const(0, 0, 0))
		g.AddOutput("dot", types.TFloat, types.FloatConst(0))
		co := mustNode(t, g, "TEX_COORD")
		norm := mustNode(t, g, "NORMALIZE_FLOAT3")
		if err := g.AddLink(co, "value", norm, "value", false); err != nil {
			t.Fatal(err)
		}
		cross := mustNode(t, g, "CROSS_FLOAT3")
		g.AddLink(co, "value", cross, "value_a", false)
		cross.SetInput("value_b", types.Float3Const(0.3, -1.2, 2))
		dot := mustNode(t, g, "DOT_FLOAT3")
		g.AddLink(co, "value", dot, "value_a", false)
		dot.SetInput("value_b", types.Float3Const(1, 0.5, -0.25))
		g.SetOutputLink("dir", norm, "vector")
		g.SetOutputLink("len", norm, "length")
		g.SetOutputLink("crossed", cross, "value")
		g.SetOutputLink("dot", dot, "value")
		checkEquivalence(t, g, nil, randCo)
	})

	t.Run("matrix", func(t *testing.T) {
		g := graph.New()
		g.AddOutput("moved", types.TFloat3, types.Float3Const(0, 0, 0))
		g.AddOutput("det", types.TFloat, types.FloatConst(0))
		g.AddOutput("euler", types.TFloat3, types.Float3Const(0, 0, 0))
		g.AddOutput("scale", types.TFloat3, types.Float3Const(0, 0, 0))
		co := mustNode(t, g, "TEX_COORD")
		rot := mustNode(t, g, "EULER_TO_MATRIX44")
		rot.SetInput("order", types.IntConst(0))
		if err := g.AddLink(co, "value", rot, "euler", false); err != nil {
			t.Fatal(err)
		}
		inv := mustNode(t, g, "INVERT_MATRIX44")
		g.AddLink(rot, "matrix", inv, "value", false)
		off := mustNode(t, g, "AXISANGLE_TO_MATRIX44")
		off.SetInput("axis", types.Float3Const(0, 0, 1))
		off.SetInput("angle", types.FloatConst(0.6))
		mul := mustNode(t, g, "MUL_MATRIX44")
		g.AddLink(inv, "value", mul, "value_a", false)
		g.AddLink(off, "matrix", mul, "value_b", false)
		moved := mustNode(t, g, "MUL_MATRIX44_FLOAT3")
		g.AddLink(mul, "value", moved, "value_a", false)
		g.AddLink(co, "value", moved, "value_b", false)
		det := mustNode(t, g, "DETERMINANT_MATRIX44")
		g.AddLink(mul, "value", det, "value", false)
		eul := mustNode(t, g, "MATRIX44_TO_EULER")
		eul.SetInput("order", types.IntConst(3))
		g.AddLink(mul, "value", eul, "matrix", false)
		scl := mustNode(t, g, "MATRIX44_TO_SCALE")
		g.AddLink(mul, "value", scl, "matrix", false)
		g.SetOutputLink("moved", moved, "value")
		g.SetOutputLink("det", det, "value")
		g.SetOutputLink("euler", eul, "euler")
		g.SetOutputLink("scale", scl, "scale")
		checkEquivalence(t, g, nil, randCo)
	})

	t.Run("color", func(t *testing.T) {
		g := graph.New()
		g.AddOutput("color", types.TFloat4, types.Float4Const(0, 0, 0, 1))
		g.AddOutput("clamped", types.TFloat, types.FloatConst(0))
		co := mustNode(t, g, "TEX_COORD")
		getx := mustNode(t, g, "GET_ELEM_FLOAT3")
		getx.SetInput("index", types.IntConst(0))
		g.AddLink(co, "value", getx, "value", false)
		cl := mustNode(t, g, "CLAMP")
		g.AddLink(getx, "value", cl, "value", false)
		c1 := mustNode(t, g, "FLOAT3_TO_FLOAT4")
		g.AddLink(co, "value", c1, "value", false)
		mix := mustNode(t, g, "MIX_RGB")
		mix.SetInput("mode", types.IntConst(4)) // screen
		g.AddLink(cl, "value", mix, "factor", false)
		g.AddLink(c1, "value", mix, "color1", false)
		mix.SetInput("color2", types.Float4Const(0.2, 0.4, 0.8, 1))
		g.SetOutputLink("color", mix, "color")
		g.SetOutputLink("clamped", cl, "value")
		checkEquivalence(t, g, nil, randCo)
	})

	t.Run("texture", func(t *testing.T) {
		g := graph.New()
		g.AddOutput("cloudColor", types.TFloat4, types.Float4Const(0, 0, 0, 1))
		g.AddOutput("cloudNormal", types.TFloat3, types.Float3Const(0, 0, 0))
		g.AddOutput("voroColor", types.TFloat4, types.Float4Const(0, 0, 0, 1))
		g.AddOutput("voroNormal", types.TFloat3, types.Float3Const(0, 0, 0))
		co := mustNode(t, g, "TEX_COORD")
		cl := mustNode(t, g, "TEX_PROC_CLOUDS")
		cl.SetInput("depth", types.IntConst(2))
		cl.SetInput("noise_hard", types.IntConst(1))
		cl.SetInput("nabla", types.FloatConst(0.025))
		cl.SetInput("size", types.FloatConst(0.35))
		if err := g.AddLink(co, "value", cl, "position", false); err != nil {
			t.Fatal(err)
		}
		vo := mustNode(t, g, "TEX_PROC_VORONOI")
		vo.SetInput("distance_metric", types.IntConst(4)) // minkowski
		vo.SetInput("color_type", types.IntConst(1))
		vo.SetInput("minkowski_exponent", types.FloatConst(2.5))
		vo.SetInput("nabla", types.FloatConst(0.05))
		vo.SetInput("w1", types.FloatConst(1))
		vo.SetInput("w2", types.FloatConst(0.5))
		vo.SetInput("w3", types.FloatConst(0.25))
		vo.SetInput("w4", types.FloatConst(0.125))
		vo.SetInput("scale", types.FloatConst(1))
		vo.SetInput("noise_size", types.FloatConst(0.25))
		g.AddLink(co, "value", vo, "position", false)
		g.SetOutputLink("cloudColor", cl, "color")
		g.SetOutputLink("cloudNormal", cl, "normal")
		g.SetOutputLink("voroColor", vo, "color")
		g.SetOutputLink("voroNormal", vo, "normal")
		checkEquivalence(t, g, nil, randCo)
	})

	t.Run("random", func(t *testing.T) {
		g := graph.New()
		g.AddOutput("fromFloat", types.TFloat, types.FloatConst(0))
		g.AddOutput("fromInt", types.TFloat, types.FloatConst(0))
		co := mustNode(t, g, "TEX_COORD")
		getx := mustNode(t, g, "GET_ELEM_FLOAT3")
		getx.SetInput("index", types.IntConst(0))
		g.AddLink(co, "value", getx, "value", false)
		fr := mustNode(t, g, "FLOAT_TO_RANDOM")
		g.AddLink(getx, "value", fr, "value", false)
		fi := mustNode(t, g, "FLOAT_TO_INT")
		g.AddLink(getx, "value", fi, "value", false)
		ir := mustNode(t, g, "INT_TO_RANDOM")
		g.AddLink(fi, "value", ir, "value", false)
		g.SetOutputLink("fromFloat", fr, "frandom")
		g.SetOutputLink("fromInt", ir, "frandom")
		checkEquivalence(t, g, nil, func(d *vm.EvalData) {
			randCo(d)
			d.Seed = rng.Uint64()
		})
	})

	t.Run("object", func(t *testing.T) {
		globals := vm.NewGlobals()
		globals.AddObject(vm.Object{
			Name: "anchor",
			Transform: vm.MulM44(
				vm.EulerMatrix(types.Float3{X: 0.4, Y: -0.2, Z: 1.1}, vm.EulerXYZ),
				vm.LocMatrix(types.Float3{X: 2, Y: -3, Z: 0.5})),
		})
		g := graph.New()
		g.AddOutput("moved", types.TFloat3, types.Float3Const(0, 0, 0))
		g.AddOutput("det", types.TFloat, types.FloatConst(0))
		lk := mustNode(t, g, "OBJECT_LOOKUP")
		lk.SetInput("name", types.StringConst("anchor"))
		tr := mustNode(t, g, "OBJECT_TRANSFORM")
		if err := g.AddLink(lk, "object", tr, "object", false); err != nil {
			t.Fatal(err)
		}
		co := mustNode(t, g, "TEX_COORD")
		mv := mustNode(t, g, "MUL_MATRIX44_FLOAT3")
		g.AddLink(tr, "matrix", mv, "value_a", false)
		g.AddLink(co, "value", mv, "value_b", false)
		det := mustNode(t, g, "DETERMINANT_MATRIX44")
		g.AddLink(tr, "matrix", det, "value", false)
		g.SetOutputLink("moved", mv, "value")
		g.SetOutputLink("det", det, "value")
		checkEquivalence(t, g, globals, randCo)
	})
}

func TestEvaluateAfterCloseFaults(t *testing.T) {
	expr := coordSquaredX(t)
	in, done := newInstance(t, expr)
	defer done()

	if err := in.Close(context.Background()); err != nil {
		t.Fatal(err)
	}
	res := []dual.Result{{Value: make([]float32, 1)}}
	err := in.Evaluate(context.Background(), nil, &vm.EvalData{}, res)
	if !types.IsCode(err, types.ErrEvalFault) {
		t.Fatalf("expected %s, got %v", types.ErrEvalFault, err)
	}
}

func TestTranslateRejectsUnknownOpcode(t *testing.T) {
	ctx := context.Background()
	b, err := dual.NewBackend(ctx)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close(ctx)

	bad := vm.NewExpression([]uint32{99999}, 1, nil, nil)
	if _, err := b.Compile(ctx, bad); !types.IsCode(err, types.ErrUnknownOpcode) {
		t.Fatalf("expected %s, got %v", types.ErrUnknownOpcode, err)
	}
}
