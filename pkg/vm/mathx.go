package vm

import (
	"math"

	"github.com/procgraph/fieldvm/pkg/types"
)

// Numeric policy kernels. Evaluation runs unattended inside sampling
// loops, so domain faults never trap: they resolve to 0.

// DivSafe returns a/b, or 0 when b is 0.
func DivSafe(a, b float32) float32 {
	if b == 0 {
		return 0
	}
	return a / b
}

// PowSafe returns a^b, or 0 when a < 0.
func PowSafe(a, b float32) float32 {
	if a < 0 {
		return 0
	}
	return float32(math.Pow(float64(a), float64(b)))
}

// LogSafe returns log_b(a), or 0 when a < 0 or b < 0.
func LogSafe(a, b float32) float32 {
	if a < 0 || b < 0 {
		return 0
	}
	return DivSafe(float32(math.Log(float64(a))), float32(math.Log(float64(b))))
}

// SqrtSafe returns sqrt(a), or 0 when a < 0.
func SqrtSafe(a float32) float32 {
	if a < 0 {
		return 0
	}
	return float32(math.Sqrt(float64(a)))
}

// RoundHalfUp rounds with floor(x+0.5) semantics: RoundHalfUp(2.5) == 3,
// RoundHalfUp(-2.5) == -2.
func RoundHalfUp(x float32) float32 {
	return float32(math.Floor(float64(x) + 0.5))
}

// ModSafe returns fmod(a, b), or 0 when b is 0.
func ModSafe(a, b float32) float32 {
	if b == 0 {
		return 0
	}
	return float32(math.Mod(float64(a), float64(b)))
}

// Clamp01 clamps x to [0, 1].
func Clamp01(x float32) float32 {
	if x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

func minf(a, b float32) float32 {
	if a < b {
		return a
	}
	return b
}

func maxf(a, b float32) float32 {
	if a > b {
		return a
	}
	return b
}

// ── hash-based random ─────────────────────────────────────────────────────

func hashCombine(h, k uint32) uint32 {
	return h ^ (k + 0x9e3779b9 + (h << 6) + (h >> 2))
}

func hashFinal(u uint32) uint32 {
	u ^= u >> 16
	u *= 0x85ebca6b
	u ^= u >> 13
	u *= 0xc2b2ae35
	u ^= u >> 16
	return u
}

// HashRandom derives a 32-bit random value from an input bit pattern and a
// caller-supplied 64-bit seed. Equal inputs and seeds always produce equal
// outputs, across both backends.
func HashRandom(bits uint32, seed uint64) uint32 {
	h := hashCombine(bits, uint32(seed))
	h = hashCombine(h, uint32(seed>>32))
	return hashFinal(h)
}

// RandomFloat maps a 32-bit random value into [0, 1). Only the top 24
// bits are used, so the quotient is exact in float32 and can never round
// up to 1.
func RandomFloat(r uint32) float32 {
	return float32(r>>8) * (1.0 / (1 << 24))
}

// ── float3 helpers ────────────────────────────────────────────────────────

// NormalizeV3 returns the unit vector and the original length; a zero
// vector normalizes to zero.
func NormalizeV3(v types.Float3) (types.Float3, float32) {
	l := float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
	f := float32(0)
	if l > 0 {
		f = 1 / l
	}
	return types.Float3{X: v.X * f, Y: v.Y * f, Z: v.Z * f}, l
}

// LengthV3 returns the euclidean length of v.
func LengthV3(v types.Float3) float32 {
	return float32(math.Sqrt(float64(v.X*v.X + v.Y*v.Y + v.Z*v.Z)))
}

// CrossV3 returns the cross product a x b.
func CrossV3(a, b types.Float3) types.Float3 {
	return types.Float3{
		X: a.Y*b.Z - a.Z*b.Y,
		Y: a.Z*b.X - a.X*b.Z,
		Z: a.X*b.Y - a.Y*b.X,
	}
}

// DotV3 returns the dot product of a and b.
func DotV3(a, b types.Float3) float32 {
	return a.X*b.X + a.Y*b.Y + a.Z*b.Z
}

// MixRGB blend modes, matching the classic ramp-blend set.
const (
	MixBlend = iota
	MixAdd
	MixMult
	MixSub
	MixScreen
	MixDiv
	MixDiff
	MixDark
	MixLight
)

// MixRGB blends col2 over col1 by fac using the given mode. The result
// alpha is col1's alpha; fac is clamped to [0, 1].
func MixRGB(mode int32, fac float32, col1, col2 types.Float4) types.Float4 {
	t := Clamp01(fac)
	mt := 1 - t
	blend := func(a, b float32) float32 {
		switch mode {
		case MixAdd:
			return a + t*b
		case MixMult:
			return a * (mt + t*b)
		case MixSub:
			return a - t*b
		case MixScreen:
			return 1 - (mt+t*(1-b))*(1-a)
		case MixDiv:
			if b != 0 {
				return mt*a + t*a/b
			}
			return a
		case MixDiff:
			return mt*a + t*float32(math.Abs(float64(a-b)))
		case MixDark:
			return minf(a, mt*a+t*b)
		case MixLight:
			return maxf(a, t*b)
		default: // MixBlend
			return mt*a + t*b
		}
	}
	return types.Float4{
		X: blend(col1.X, col2.X),
		Y: blend(col1.Y, col2.Y),
		Z: blend(col1.Z, col2.Z),
		W: col1.W,
	}
}

// ── matrix helpers ────────────────────────────────────────────────────────

// Matrices are row-major with row-vector application: v' = v*M, so
// composing MulM44(a, b) applies a first, then b.

// AddM44 returns a + b componentwise.
func AddM44(a, b types.Matrix44) types.Matrix44 {
	var r types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = a[i][j] + b[i][j]
		}
	}
	return r
}

// SubM44 returns a - b componentwise.
func SubM44(a, b types.Matrix44) types.Matrix44 {
	var r types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = a[i][j] - b[i][j]
		}
	}
	return r
}

// MulM44 returns the matrix product a*b.
func MulM44(a, b types.Matrix44) types.Matrix44 {
	var r types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			var s float32
			for k := 0; k < 4; k++ {
				s += a[i][k] * b[k][j]
			}
			r[i][j] = s
		}
	}
	return r
}

// ScaleM44 returns m scaled componentwise by f.
func ScaleM44(m types.Matrix44, f float32) types.Matrix44 {
	var r types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = m[i][j] * f
		}
	}
	return r
}

// TransposeM44 returns the transpose of m.
func TransposeM44(m types.Matrix44) types.Matrix44 {
	var r types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			r[i][j] = m[j][i]
		}
	}
	return r
}

// DeterminantM44 returns the determinant of m.
func DeterminantM44(m types.Matrix44) float32 {
	d := float64(0)
	for c := 0; c < 4; c++ {
		sign := 1.0
		if c%2 == 1 {
			sign = -1.0
		}
		d += sign * float64(m[0][c]) * det3(m, c)
	}
	return float32(d)
}

// det3 is the 3x3 minor of m excluding row 0 and column skip.
func det3(m types.Matrix44, skip int) float64 {
	var c [3]int
	n := 0
	for j := 0; j < 4; j++ {
		if j != skip {
			c[n] = j
			n++
		}
	}
	a := func(r, i int) float64 { return float64(m[r][c[i]]) }
	return a(1, 0)*(a(2, 1)*a(3, 2)-a(2, 2)*a(3, 1)) -
		a(1, 1)*(a(2, 0)*a(3, 2)-a(2, 2)*a(3, 0)) +
		a(1, 2)*(a(2, 0)*a(3, 1)-a(2, 1)*a(3, 0))
}

// InvertM44Safe inverts m. A singular matrix is nudged on the diagonal and
// retried; if that still fails the identity is returned, so evaluation
// never faults on degenerate transforms.
func InvertM44Safe(m types.Matrix44) types.Matrix44 {
	if r, ok := invertM44(m); ok {
		return r
	}
	for i := 0; i < 4; i++ {
		m[i][i] += 1e-8
	}
	if r, ok := invertM44(m); ok {
		return r
	}
	return types.Identity44()
}

func invertM44(m types.Matrix44) (types.Matrix44, bool) {
	// Gauss-Jordan with partial pivoting on a 4x8 augmented matrix.
	var a [4][8]float64
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			a[i][j] = float64(m[i][j])
		}
		a[i][4+i] = 1
	}
	for col := 0; col < 4; col++ {
		pivot := col
		for r := col + 1; r < 4; r++ {
			if math.Abs(a[r][col]) > math.Abs(a[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(a[pivot][col]) < 1e-12 {
			return types.Matrix44{}, false
		}
		a[col], a[pivot] = a[pivot], a[col]
		inv := 1 / a[col][col]
		for j := 0; j < 8; j++ {
			a[col][j] *= inv
		}
		for r := 0; r < 4; r++ {
			if r == col {
				continue
			}
			f := a[r][col]
			for j := 0; j < 8; j++ {
				a[r][j] -= f * a[col][j]
			}
		}
	}
	var out types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			out[i][j] = float32(a[i][4+j])
		}
	}
	return out, true
}

// TransformPoint applies m to a point (w = 1): r = v*m + translation.
func TransformPoint(m types.Matrix44, v types.Float3) types.Float3 {
	return types.Float3{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z + m[3][0],
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z + m[3][1],
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z + m[3][2],
	}
}

// TransformV4 applies m to a homogeneous 4-vector.
func TransformV4(m types.Matrix44, v types.Float4) types.Float4 {
	return types.Float4{
		X: m[0][0]*v.X + m[1][0]*v.Y + m[2][0]*v.Z + m[3][0]*v.W,
		Y: m[0][1]*v.X + m[1][1]*v.Y + m[2][1]*v.Z + m[3][1]*v.W,
		Z: m[0][2]*v.X + m[1][2]*v.Y + m[2][2]*v.Z + m[3][2]*v.W,
		W: m[0][3]*v.X + m[1][3]*v.Y + m[2][3]*v.Z + m[3][3]*v.W,
	}
}

// MatrixLoc extracts the translation row.
func MatrixLoc(m types.Matrix44) types.Float3 {
	return types.Float3{X: m[3][0], Y: m[3][1], Z: m[3][2]}
}

// LocMatrix builds a translation matrix.
func LocMatrix(loc types.Float3) types.Matrix44 {
	m := types.Identity44()
	m[3][0], m[3][1], m[3][2] = loc.X, loc.Y, loc.Z
	return m
}

// MatrixScale extracts the per-axis scale as basis row lengths.
func MatrixScale(m types.Matrix44) types.Float3 {
	row := func(i int) float32 {
		return float32(math.Sqrt(float64(m[i][0]*m[i][0] + m[i][1]*m[i][1] + m[i][2]*m[i][2])))
	}
	return types.Float3{X: row(0), Y: row(1), Z: row(2)}
}

// ScaleMatrix builds a scale matrix.
func ScaleMatrix(s types.Float3) types.Matrix44 {
	m := types.Identity44()
	m[0][0], m[1][1], m[2][2] = s.X, s.Y, s.Z
	return m
}

// ── euler orders ──────────────────────────────────────────────────────────

// Euler rotation orders for MATRIX44_TO_EULER / EULER_TO_MATRIX44.
const (
	EulerXYZ = iota
	EulerXZY
	EulerYXZ
	EulerYZX
	EulerZXY
	EulerZYX
)

var eulOrders = [6]struct {
	i, j, k int
	parity  bool
}{
	{0, 1, 2, false}, // XYZ
	{0, 2, 1, true},  // XZY
	{1, 0, 2, true},  // YXZ
	{1, 2, 0, false}, // YZX
	{2, 0, 1, false}, // ZXY
	{2, 1, 0, true},  // ZYX
}

func eulOrder(order int32) (int, int, int, bool) {
	if order < 0 || order > 5 {
		order = EulerXYZ
	}
	o := eulOrders[order]
	return o.i, o.j, o.k, o.parity
}

// EulerMatrix builds a rotation matrix from euler angles in the given
// order (Shoemake's parametrization).
func EulerMatrix(e types.Float3, order int32) types.Matrix44 {
	i, j, k, parity := eulOrder(order)
	ev := [3]float64{float64(e.X), float64(e.Y), float64(e.Z)}
	ti, tj, th := ev[i], ev[j], ev[k]
	if parity {
		ti, tj, th = -ti, -tj, -th
	}
	ci, cj, ch := math.Cos(ti), math.Cos(tj), math.Cos(th)
	si, sj, sh := math.Sin(ti), math.Sin(tj), math.Sin(th)
	cc, cs, sc, ss := ci*ch, ci*sh, si*ch, si*sh

	m := types.Identity44()
	m[i][i] = float32(cj * ch)
	m[j][i] = float32(sj*sc - cs)
	m[k][i] = float32(sj*cc + ss)
	m[i][j] = float32(cj * sh)
	m[j][j] = float32(sj*ss + cc)
	m[k][j] = float32(sj*cs - sc)
	m[i][k] = float32(-sj)
	m[j][k] = float32(cj * si)
	m[k][k] = float32(cj * ci)
	return m
}

// MatrixEuler extracts euler angles in the given order from the rotation
// part of m.
func MatrixEuler(m types.Matrix44, order int32) types.Float3 {
	i, j, k, parity := eulOrder(order)
	cy := math.Hypot(float64(m[i][i]), float64(m[i][j]))

	var e [3]float64
	if cy > 1e-8 {
		e[i] = math.Atan2(float64(m[j][k]), float64(m[k][k]))
		e[j] = math.Atan2(float64(-m[i][k]), cy)
		e[k] = math.Atan2(float64(m[i][j]), float64(m[i][i]))
	} else {
		e[i] = math.Atan2(float64(-m[k][j]), float64(m[j][j]))
		e[j] = math.Atan2(float64(-m[i][k]), cy)
		e[k] = 0
	}
	if parity {
		e[0], e[1], e[2] = -e[0], -e[1], -e[2]
	}
	return types.Float3{X: float32(e[0]), Y: float32(e[1]), Z: float32(e[2])}
}

// AxisAngleMatrix builds a rotation matrix from an axis and angle
// (Rodrigues). A zero axis yields the identity.
func AxisAngleMatrix(axis types.Float3, angle float32) types.Matrix44 {
	n, l := NormalizeV3(axis)
	if l == 0 {
		return types.Identity44()
	}
	c := float64(math.Cos(float64(angle)))
	s := float64(math.Sin(float64(angle)))
	t := 1 - c
	x, y, z := float64(n.X), float64(n.Y), float64(n.Z)

	m := types.Identity44()
	m[0][0] = float32(t*x*x + c)
	m[0][1] = float32(t*x*y + s*z)
	m[0][2] = float32(t*x*z - s*y)
	m[1][0] = float32(t*x*y - s*z)
	m[1][1] = float32(t*y*y + c)
	m[1][2] = float32(t*y*z + s*x)
	m[2][0] = float32(t*x*z + s*y)
	m[2][1] = float32(t*y*z - s*x)
	m[2][2] = float32(t*z*z + c)
	return m
}

// MatrixAxisAngle extracts a rotation axis and angle from the rotation
// part of m, via the quaternion form. The identity rotation reports the
// Y axis with angle 0, so the axis is always usable.
func MatrixAxisAngle(m types.Matrix44) (types.Float3, float32) {
	// rotation matrix -> quaternion (trace method)
	var qw, qx, qy, qz float64
	tr := float64(m[0][0] + m[1][1] + m[2][2])
	if tr > 0 {
		s := math.Sqrt(tr+1) * 2
		qw = s / 4
		qx = float64(m[1][2]-m[2][1]) / s
		qy = float64(m[2][0]-m[0][2]) / s
		qz = float64(m[0][1]-m[1][0]) / s
	} else if m[0][0] > m[1][1] && m[0][0] > m[2][2] {
		s := math.Sqrt(float64(1+m[0][0]-m[1][1]-m[2][2])) * 2
		qw = float64(m[1][2]-m[2][1]) / s
		qx = s / 4
		qy = float64(m[1][0]+m[0][1]) / s
		qz = float64(m[2][0]+m[0][2]) / s
	} else if m[1][1] > m[2][2] {
		s := math.Sqrt(float64(1+m[1][1]-m[0][0]-m[2][2])) * 2
		qw = float64(m[2][0]-m[0][2]) / s
		qx = float64(m[1][0]+m[0][1]) / s
		qy = s / 4
		qz = float64(m[2][1]+m[1][2]) / s
	} else {
		s := math.Sqrt(float64(1+m[2][2]-m[0][0]-m[1][1])) * 2
		qw = float64(m[0][1]-m[1][0]) / s
		qx = float64(m[2][0]+m[0][2]) / s
		qy = float64(m[2][1]+m[1][2]) / s
		qz = s / 4
	}
	if qw < 0 {
		qw, qx, qy, qz = -qw, -qx, -qy, -qz
	}
	if qw > 1 {
		qw = 1
	}
	angle := 2 * math.Acos(qw)
	sl := math.Sqrt(qx*qx + qy*qy + qz*qz)
	if sl < 1e-8 {
		return types.Float3{Y: 1}, 0
	}
	return types.Float3{
		X: float32(qx / sl),
		Y: float32(qy / sl),
		Z: float32(qz / sl),
	}, float32(angle)
}
