package vm_test

import (
	"math"
	"testing"

	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

func almostEqual(t *testing.T, got, want, tol float32, what string) {
	t.Helper()
	if diff := float64(got - want); math.Abs(diff) > float64(tol) {
		t.Fatalf("%s: got %g, want %g (tolerance %g)", what, got, want, tol)
	}
}

func TestDivSafe(t *testing.T) {
	tests := []struct {
		name string
		a, b float32
		want float32
	}{
		{"normal", 6, 2, 3},
		{"zero divisor", 1, 0, 0},
		{"zero over zero", 0, 0, 0},
		{"negative", -6, 2, -3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := vm.DivSafe(tt.a, tt.b); got != tt.want {
				t.Fatalf("DivSafe(%g, %g) = %g, want %g", tt.a, tt.b, got, tt.want)
			}
		})
	}
}

func TestPowSafe(t *testing.T) {
	tests := []struct {
		name string
		a, b float32
		want float32
	}{
		{"positive base", 2, 3, 8},
		{"negative base", -2, 3, 0},
		{"zero base", 0, 2, 0},
		{"base one", 1, 100, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			almostEqual(t, vm.PowSafe(tt.a, tt.b), tt.want, 1e-5, "PowSafe")
		})
	}
}

func TestLogSafe(t *testing.T) {
	almostEqual(t, vm.LogSafe(8, 2), 3, 1e-5, "log2(8)")
	if got := vm.LogSafe(-1, 2); got != 0 {
		t.Fatalf("LogSafe(-1, 2) = %g, want 0", got)
	}
	if got := vm.LogSafe(8, -2); got != 0 {
		t.Fatalf("LogSafe(8, -2) = %g, want 0", got)
	}
}

func TestSqrtSafe(t *testing.T) {
	almostEqual(t, vm.SqrtSafe(9), 3, 1e-6, "sqrt(9)")
	if got := vm.SqrtSafe(-1); got != 0 {
		t.Fatalf("SqrtSafe(-1) = %g, want 0", got)
	}
}

func TestRoundHalfUp(t *testing.T) {
	tests := []struct {
		in, want float32
	}{
		{2.5, 3},
		{-2.5, -2},
		{2.4, 2},
		{-2.4, -2},
		{-2.6, -3},
		{0, 0},
	}
	for _, tt := range tests {
		if got := vm.RoundHalfUp(tt.in); got != tt.want {
			t.Fatalf("RoundHalfUp(%g) = %g, want %g", tt.in, got, tt.want)
		}
	}
}

func TestHashRandomDeterministic(t *testing.T) {
	a := vm.HashRandom(12345, 42)
	b := vm.HashRandom(12345, 42)
	if a != b {
		t.Fatalf("same inputs produced %d and %d", a, b)
	}
	if vm.HashRandom(12345, 43) == a {
		t.Fatal("different seeds should not collide on this input")
	}
}

func TestRandomFloatRange(t *testing.T) {
	for i := uint32(0); i < 10000; i++ {
		f := vm.RandomFloat(vm.HashRandom(i, 7))
		if f < 0 || f >= 1 {
			t.Fatalf("RandomFloat out of [0,1): %g at input %d", f, i)
		}
	}
	if vm.RandomFloat(0) != 0 {
		t.Fatalf("RandomFloat(0) = %g, want 0", vm.RandomFloat(0))
	}
	// raw values near 2^32 must not round up to 1.0
	for _, r := range []uint32{
		0xffffffff, 0xffffff81, 0xffffff80, 0xffffff00, 1 << 31,
	} {
		if f := vm.RandomFloat(r); f < 0 || f >= 1 {
			t.Fatalf("RandomFloat(%#x) = %g, out of [0,1)", r, f)
		}
	}
}

func TestNormalizeV3(t *testing.T) {
	v, l := vm.NormalizeV3(types.Float3{X: 3, Y: 4, Z: 0})
	almostEqual(t, l, 5, 1e-5, "length")
	almostEqual(t, v.X, 0.6, 1e-5, "x")
	almostEqual(t, v.Y, 0.8, 1e-5, "y")

	v, l = vm.NormalizeV3(types.Float3{})
	if l != 0 || v != (types.Float3{}) {
		t.Fatalf("normalize of zero vector: got %v length %g, want zero", v, l)
	}
}

func TestEulerMatrixRoundtrip(t *testing.T) {
	orders := []int32{vm.EulerXYZ, vm.EulerXZY, vm.EulerYXZ, vm.EulerYZX, vm.EulerZXY, vm.EulerZYX}
	angles := types.Float3{X: 0.3, Y: -0.4, Z: 0.5}
	for _, order := range orders {
		m := vm.EulerMatrix(angles, order)
		got := vm.MatrixEuler(m, order)
		m2 := vm.EulerMatrix(got, order)
		// Compare via the matrices: euler triples are not unique, the
		// rotations must be.
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				almostEqual(t, m2[i][j], m[i][j], 1e-4, "rotation element")
			}
		}
	}
}

func TestAxisAngleRoundtrip(t *testing.T) {
	axisIn, _ := vm.NormalizeV3(types.Float3{X: 1, Y: 2, Z: 3})
	m := vm.AxisAngleMatrix(axisIn, 0.8)
	axis, angle := vm.MatrixAxisAngle(m)
	almostEqual(t, angle, 0.8, 1e-4, "angle")
	almostEqual(t, axis.X, axisIn.X, 1e-4, "axis x")
	almostEqual(t, axis.Y, axisIn.Y, 1e-4, "axis y")
	almostEqual(t, axis.Z, axisIn.Z, 1e-4, "axis z")
}

func TestAxisAngleZeroAxis(t *testing.T) {
	m := vm.AxisAngleMatrix(types.Float3{}, 1.5)
	if m != types.Identity44() {
		t.Fatal("zero axis should produce the identity")
	}
}

func TestInvertM44(t *testing.T) {
	m := vm.MulM44(vm.EulerMatrix(types.Float3{X: 0.2, Y: 0.3, Z: 0.4}, vm.EulerXYZ),
		vm.LocMatrix(types.Float3{X: 1, Y: -2, Z: 3}))
	inv := vm.InvertM44Safe(m)
	prod := vm.MulM44(m, inv)
	id := types.Identity44()
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			almostEqual(t, prod[i][j], id[i][j], 1e-4, "product element")
		}
	}
}

func TestInvertM44Singular(t *testing.T) {
	var m types.Matrix44 // all zeros, not invertible
	if got := vm.InvertM44Safe(m); got != types.Identity44() {
		t.Fatal("singular matrix should fall back to the identity")
	}
}

func TestTransformPointTranslation(t *testing.T) {
	m := vm.LocMatrix(types.Float3{X: 10, Y: 20, Z: 30})
	p := vm.TransformPoint(m, types.Float3{X: 1, Y: 2, Z: 3})
	almostEqual(t, p.X, 11, 1e-5, "x")
	almostEqual(t, p.Y, 22, 1e-5, "y")
	almostEqual(t, p.Z, 33, 1e-5, "z")
}

func TestMixRGBBlend(t *testing.T) {
	c1 := types.Float4{X: 1, Y: 0, Z: 0, W: 0.5}
	c2 := types.Float4{X: 0, Y: 1, Z: 0, W: 1}
	got := vm.MixRGB(vm.MixBlend, 0.5, c1, c2)
	almostEqual(t, got.X, 0.5, 1e-5, "r")
	almostEqual(t, got.Y, 0.5, 1e-5, "g")
	almostEqual(t, got.Z, 0, 1e-5, "b")
	if got.W != c1.W {
		t.Fatalf("mix must keep the first color's alpha, got %g", got.W)
	}

	// factor clamps to [0,1]
	got = vm.MixRGB(vm.MixBlend, 2, c1, c2)
	almostEqual(t, got.Y, 1, 1e-5, "overdriven factor clamps")
}

func TestTurbulenceRangeAndDeterminism(t *testing.T) {
	p := types.Float3{X: 0.37, Y: -1.2, Z: 4.5}
	a := vm.Turbulence(p, 3, false)
	b := vm.Turbulence(p, 3, false)
	if a != b {
		t.Fatalf("turbulence not deterministic: %g vs %g", a, b)
	}
	for i := 0; i < 500; i++ {
		q := types.Float3{X: float32(i) * 0.13, Y: float32(i) * -0.07, Z: float32(i) * 0.29}
		v := vm.Turbulence(q, 2, true)
		if v < 0 || v > 1 {
			t.Fatalf("turbulence out of [0,1]: %g at %v", v, q)
		}
	}
}

func TestVoronoiDeterminism(t *testing.T) {
	p := types.Float3{X: 1.5, Y: 2.5, Z: -0.5}
	i1, c1, n1 := vm.VoronoiTex(p, vm.VoronoiDistance, vm.VoronoiIntensity, 2.5, 0.025, 1, 0, 0, 0, 1, 0.25)
	i2, c2, n2 := vm.VoronoiTex(p, vm.VoronoiDistance, vm.VoronoiIntensity, 2.5, 0.025, 1, 0, 0, 0, 1, 0.25)
	if i1 != i2 || c1 != c2 || n1 != n2 {
		t.Fatal("voronoi evaluation not deterministic")
	}
}
