package types

import "math"

// Float3 is a 3-component float vector (positions, normals, colors).
type Float3 struct {
	X, Y, Z float32
}

// Float4 is a 4-component float vector (RGBA colors, homogeneous points).
type Float4 struct {
	X, Y, Z, W float32
}

// Matrix44 is a 4x4 float matrix stored row-major, with the translation in
// row 3. Transforms apply as v' = v*M, matching the row-vector convention
// of the node operations.
type Matrix44 [4][4]float32

// Identity44 returns the identity matrix.
func Identity44() Matrix44 {
	return Matrix44{
		{1, 0, 0, 0},
		{0, 1, 0, 0},
		{0, 0, 1, 0},
		{0, 0, 0, 1},
	}
}

// Constant is a typed literal value. It is attached to node inputs via
// NodeGraph.SetInputValue, used for NodeType input defaults, and for
// declared graph output defaults.
type Constant struct {
	Type *TypeSpec

	Float float32
	Int   int32
	Vec3  Float3
	Vec4  Float4
	Mat   Matrix44
	Str   string
}

// FloatConst returns a float constant.
func FloatConst(v float32) Constant { return Constant{Type: TFloat, Float: v} }

// IntConst returns an int constant.
func IntConst(v int32) Constant { return Constant{Type: TInt, Int: v} }

// Float3Const returns a float3 constant.
func Float3Const(x, y, z float32) Constant {
	return Constant{Type: TFloat3, Vec3: Float3{x, y, z}}
}

// Float4Const returns a float4 constant.
func Float4Const(x, y, z, w float32) Constant {
	return Constant{Type: TFloat4, Vec4: Float4{x, y, z, w}}
}

// Matrix44Const returns a matrix constant.
func Matrix44Const(m Matrix44) Constant { return Constant{Type: TMatrix44, Mat: m} }

// StringConst returns a string constant.
func StringConst(s string) Constant { return Constant{Type: TString, Str: s} }

// Slots encodes the constant into 32-bit stack-slot words. String
// constants are not slot-encodable here; the compiler interns them into
// the expression's string table and stores the table index instead.
func (c Constant) Slots() []uint32 {
	switch c.Type {
	case TFloat:
		return []uint32{math.Float32bits(c.Float)}
	case TInt:
		return []uint32{uint32(c.Int)}
	case TFloat3:
		return []uint32{
			math.Float32bits(c.Vec3.X),
			math.Float32bits(c.Vec3.Y),
			math.Float32bits(c.Vec3.Z),
		}
	case TFloat4:
		return []uint32{
			math.Float32bits(c.Vec4.X),
			math.Float32bits(c.Vec4.Y),
			math.Float32bits(c.Vec4.Z),
			math.Float32bits(c.Vec4.W),
		}
	case TMatrix44:
		out := make([]uint32, 0, 16)
		for i := 0; i < 4; i++ {
			for j := 0; j < 4; j++ {
				out = append(out, math.Float32bits(c.Mat[i][j]))
			}
		}
		return out
	default:
		return nil
	}
}
