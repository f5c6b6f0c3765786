package vm

import (
	"math"

	"github.com/procgraph/fieldvm/pkg/types"
)

// EvalContext is the per-call, per-thread scratch buffer of the stack
// machine. It must never be shared between concurrent evaluations; create
// one context per worker goroutine and reuse it across calls.
type EvalContext struct {
	stack []float32
}

// NewContext creates an empty evaluation context. The scratch buffer grows
// to the required expression stack size on first use and is reused
// afterwards, so steady-state evaluation does not allocate.
func NewContext() *EvalContext {
	return &EvalContext{}
}

func (ctx *EvalContext) ensure(size int) {
	if cap(ctx.stack) < size {
		ctx.stack = make([]float32, size)
	}
	ctx.stack = ctx.stack[:size]
}

// Slot accessors. Ints and string-table indexes are stored bit-for-bit
// inside float32 slots; they only ever round-trip through loadI/storeI.

func (ctx *EvalContext) loadF(off uint32) float32 { return ctx.stack[off] }

func (ctx *EvalContext) storeF(off uint32, v float32) { ctx.stack[off] = v }

func (ctx *EvalContext) loadI(off uint32) int32 {
	return int32(math.Float32bits(ctx.stack[off]))
}

func (ctx *EvalContext) storeI(off uint32, v int32) {
	ctx.stack[off] = math.Float32frombits(uint32(v))
}

func (ctx *EvalContext) loadV3(off uint32) types.Float3 {
	return types.Float3{X: ctx.stack[off], Y: ctx.stack[off+1], Z: ctx.stack[off+2]}
}

func (ctx *EvalContext) storeV3(off uint32, v types.Float3) {
	ctx.stack[off], ctx.stack[off+1], ctx.stack[off+2] = v.X, v.Y, v.Z
}

func (ctx *EvalContext) loadV4(off uint32) types.Float4 {
	return types.Float4{X: ctx.stack[off], Y: ctx.stack[off+1], Z: ctx.stack[off+2], W: ctx.stack[off+3]}
}

func (ctx *EvalContext) storeV4(off uint32, v types.Float4) {
	ctx.stack[off], ctx.stack[off+1], ctx.stack[off+2], ctx.stack[off+3] = v.X, v.Y, v.Z, v.W
}

func (ctx *EvalContext) loadM44(off uint32) types.Matrix44 {
	var m types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m[i][j] = ctx.stack[off+uint32(i*4+j)]
		}
	}
	return m
}

func (ctx *EvalContext) storeM44(off uint32, m types.Matrix44) {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			ctx.stack[off+uint32(i*4+j)] = m[i][j]
		}
	}
}

func (ctx *EvalContext) storeRaw(off uint32, words []uint32) {
	for i, w := range words {
		ctx.stack[off+uint32(i)] = math.Float32frombits(w)
	}
}

func (ctx *EvalContext) zero(off uint32, slots int) {
	for i := 0; i < slots; i++ {
		ctx.stack[off+uint32(i)] = 0
	}
}

// Eval runs one linear pass over the expression's instruction stream and
// copies each declared output into the corresponding caller-provided slot
// buffer. results must have one entry per declared output, each sized
// Output.Type.SlotCount(); a nil entry skips that output.
//
// globals may be nil when the expression references no external objects.
// Evaluation never fails on numeric edge cases; the only possible error is
// an opcode outside the closed table, which indicates a broken caching or
// versioning contract and must be treated as fatal by the caller.
func (ctx *EvalContext) Eval(globals *EvalGlobals, data *EvalData, expr *Expression, results [][]float32) error {
	ctx.ensure(expr.stackSize)
	code := expr.code

	pc := 0
	for pc < len(code) {
		op := Opcode(code[pc])
		a := code[pc+1:]

		switch op {
		case OpNoop:

		case OpValueFloat, OpValueInt, OpValueString:
			ctx.storeRaw(a[1], a[0:1])
		case OpValueFloat3:
			ctx.storeRaw(a[3], a[0:3])
		case OpValueFloat4:
			ctx.storeRaw(a[4], a[0:4])
		case OpValueMatrix44:
			ctx.storeRaw(a[16], a[0:16])

		case OpPassFloat, OpPassInt:
			ctx.stack[a[1]] = ctx.stack[a[0]]
		case OpPassFloat3:
			ctx.storeV3(a[1], ctx.loadV3(a[0]))
		case OpPassFloat4:
			ctx.storeV4(a[1], ctx.loadV4(a[0]))
		case OpPassMatrix44:
			ctx.storeM44(a[1], ctx.loadM44(a[0]))

		case OpSetFloat3:
			ctx.storeV3(a[3], types.Float3{X: ctx.loadF(a[0]), Y: ctx.loadF(a[1]), Z: ctx.loadF(a[2])})
		case OpGetElemFloat3:
			idx := int32(a[0])
			if idx < 0 || idx > 2 {
				idx = 0
			}
			ctx.storeF(a[2], ctx.stack[a[1]+uint32(idx)])
		case OpSetFloat4:
			ctx.storeV4(a[4], types.Float4{X: ctx.loadF(a[0]), Y: ctx.loadF(a[1]), Z: ctx.loadF(a[2]), W: ctx.loadF(a[3])})
		case OpGetElemFloat4:
			idx := int32(a[0])
			if idx < 0 || idx > 3 {
				idx = 0
			}
			ctx.storeF(a[2], ctx.stack[a[1]+uint32(idx)])

		case OpFloatToInt:
			ctx.storeI(a[1], int32(ctx.loadF(a[0])))
		case OpIntToFloat:
			ctx.storeF(a[1], float32(ctx.loadI(a[0])))
		case OpFloatToFloat3:
			f := ctx.loadF(a[0])
			ctx.storeV3(a[1], types.Float3{X: f, Y: f, Z: f})
		case OpFloat3ToFloat:
			v := ctx.loadV3(a[0])
			ctx.storeF(a[1], (v.X+v.Y+v.Z)/3)
		case OpFloatToFloat4:
			f := ctx.loadF(a[0])
			ctx.storeV4(a[1], types.Float4{X: f, Y: f, Z: f, W: 1})
		case OpFloat4ToFloat3:
			v := ctx.loadV4(a[0])
			ctx.storeV3(a[1], types.Float3{X: v.X, Y: v.Y, Z: v.Z})
		case OpFloat3ToFloat4:
			v := ctx.loadV3(a[0])
			ctx.storeV4(a[1], types.Float4{X: v.X, Y: v.Y, Z: v.Z, W: 1})

		case OpAddFloat:
			ctx.storeF(a[2], ctx.loadF(a[0])+ctx.loadF(a[1]))
		case OpSubFloat:
			ctx.storeF(a[2], ctx.loadF(a[0])-ctx.loadF(a[1]))
		case OpMulFloat:
			ctx.storeF(a[2], ctx.loadF(a[0])*ctx.loadF(a[1]))
		case OpDivFloat:
			ctx.storeF(a[2], DivSafe(ctx.loadF(a[0]), ctx.loadF(a[1])))
		case OpSine:
			ctx.storeF(a[1], float32(math.Sin(float64(ctx.loadF(a[0])))))
		case OpCosine:
			ctx.storeF(a[1], float32(math.Cos(float64(ctx.loadF(a[0])))))
		case OpTangent:
			ctx.storeF(a[1], float32(math.Tan(float64(ctx.loadF(a[0])))))
		case OpArcsine:
			ctx.storeF(a[1], float32(math.Asin(float64(ctx.loadF(a[0])))))
		case OpArccosine:
			ctx.storeF(a[1], float32(math.Acos(float64(ctx.loadF(a[0])))))
		case OpArctangent:
			ctx.storeF(a[1], float32(math.Atan(float64(ctx.loadF(a[0])))))
		case OpPower:
			ctx.storeF(a[2], PowSafe(ctx.loadF(a[0]), ctx.loadF(a[1])))
		case OpLogarithm:
			ctx.storeF(a[2], LogSafe(ctx.loadF(a[0]), ctx.loadF(a[1])))
		case OpMinimum:
			ctx.storeF(a[2], minf(ctx.loadF(a[0]), ctx.loadF(a[1])))
		case OpMaximum:
			ctx.storeF(a[2], maxf(ctx.loadF(a[0]), ctx.loadF(a[1])))
		case OpRound:
			ctx.storeF(a[1], RoundHalfUp(ctx.loadF(a[0])))
		case OpLessThan:
			ctx.storeF(a[2], b2f(ctx.loadF(a[0]) < ctx.loadF(a[1])))
		case OpGreaterThan:
			ctx.storeF(a[2], b2f(ctx.loadF(a[0]) > ctx.loadF(a[1])))
		case OpModulo:
			ctx.storeF(a[2], ModSafe(ctx.loadF(a[0]), ctx.loadF(a[1])))
		case OpAbsolute:
			ctx.storeF(a[1], float32(math.Abs(float64(ctx.loadF(a[0])))))
		case OpClamp:
			ctx.storeF(a[1], Clamp01(ctx.loadF(a[0])))
		case OpSqrt:
			ctx.storeF(a[1], SqrtSafe(ctx.loadF(a[0])))

		case OpAddFloat3:
			va, vb := ctx.loadV3(a[0]), ctx.loadV3(a[1])
			ctx.storeV3(a[2], types.Float3{X: va.X + vb.X, Y: va.Y + vb.Y, Z: va.Z + vb.Z})
		case OpSubFloat3:
			va, vb := ctx.loadV3(a[0]), ctx.loadV3(a[1])
			ctx.storeV3(a[2], types.Float3{X: va.X - vb.X, Y: va.Y - vb.Y, Z: va.Z - vb.Z})
		case OpMulFloat3:
			va, vb := ctx.loadV3(a[0]), ctx.loadV3(a[1])
			ctx.storeV3(a[2], types.Float3{X: va.X * vb.X, Y: va.Y * vb.Y, Z: va.Z * vb.Z})
		case OpDivFloat3:
			va, vb := ctx.loadV3(a[0]), ctx.loadV3(a[1])
			ctx.storeV3(a[2], types.Float3{X: DivSafe(va.X, vb.X), Y: DivSafe(va.Y, vb.Y), Z: DivSafe(va.Z, vb.Z)})
		case OpMulFloat3Float:
			va, f := ctx.loadV3(a[0]), ctx.loadF(a[1])
			ctx.storeV3(a[2], types.Float3{X: va.X * f, Y: va.Y * f, Z: va.Z * f})
		case OpDivFloat3Float:
			va, f := ctx.loadV3(a[0]), ctx.loadF(a[1])
			ctx.storeV3(a[2], types.Float3{X: DivSafe(va.X, f), Y: DivSafe(va.Y, f), Z: DivSafe(va.Z, f)})
		case OpAverageFloat3:
			va, vb := ctx.loadV3(a[0]), ctx.loadV3(a[1])
			ctx.storeV3(a[2], types.Float3{X: 0.5 * (va.X + vb.X), Y: 0.5 * (va.Y + vb.Y), Z: 0.5 * (va.Z + vb.Z)})
		case OpDotFloat3:
			ctx.storeF(a[2], DotV3(ctx.loadV3(a[0]), ctx.loadV3(a[1])))
		case OpCrossFloat3:
			ctx.storeV3(a[2], CrossV3(ctx.loadV3(a[0]), ctx.loadV3(a[1])))
		case OpNormalizeFloat3:
			vec, l := NormalizeV3(ctx.loadV3(a[0]))
			ctx.storeV3(a[1], vec)
			ctx.storeF(a[2], l)
		case OpLengthFloat3:
			ctx.storeF(a[1], LengthV3(ctx.loadV3(a[0])))
		case OpMixRGB:
			ctx.storeV4(a[4], MixRGB(int32(a[0]), ctx.loadF(a[1]), ctx.loadV4(a[2]), ctx.loadV4(a[3])))

		case OpAddMatrix44:
			ctx.storeM44(a[2], AddM44(ctx.loadM44(a[0]), ctx.loadM44(a[1])))
		case OpSubMatrix44:
			ctx.storeM44(a[2], SubM44(ctx.loadM44(a[0]), ctx.loadM44(a[1])))
		case OpMulMatrix44:
			ctx.storeM44(a[2], MulM44(ctx.loadM44(a[0]), ctx.loadM44(a[1])))
		case OpMulMatrix44Float:
			ctx.storeM44(a[2], ScaleM44(ctx.loadM44(a[0]), ctx.loadF(a[1])))
		case OpDivMatrix44Float:
			ctx.storeM44(a[2], ScaleM44(ctx.loadM44(a[0]), DivSafe(1, ctx.loadF(a[1]))))
		case OpNegateMatrix44:
			ctx.storeM44(a[1], ScaleM44(ctx.loadM44(a[0]), -1))
		case OpTransposeMatrix44:
			ctx.storeM44(a[1], TransposeM44(ctx.loadM44(a[0])))
		case OpInvertMatrix44:
			ctx.storeM44(a[1], InvertM44Safe(ctx.loadM44(a[0])))
		case OpDeterminantMatrix44:
			ctx.storeF(a[1], DeterminantM44(ctx.loadM44(a[0])))
		case OpMulMatrix44Float3:
			ctx.storeV3(a[2], TransformPoint(ctx.loadM44(a[0]), ctx.loadV3(a[1])))
		case OpMulMatrix44Float4:
			ctx.storeV4(a[2], TransformV4(ctx.loadM44(a[0]), ctx.loadV4(a[1])))
		case OpMatrix44ToLoc:
			ctx.storeV3(a[1], MatrixLoc(ctx.loadM44(a[0])))
		case OpLocToMatrix44:
			ctx.storeM44(a[1], LocMatrix(ctx.loadV3(a[0])))
		case OpMatrix44ToEuler:
			ctx.storeV3(a[2], MatrixEuler(ctx.loadM44(a[1]), int32(a[0])))
		case OpEulerToMatrix44:
			ctx.storeM44(a[2], EulerMatrix(ctx.loadV3(a[1]), int32(a[0])))
		case OpMatrix44ToAxisAngle:
			axis, angle := MatrixAxisAngle(ctx.loadM44(a[0]))
			ctx.storeV3(a[1], axis)
			ctx.storeF(a[2], angle)
		case OpAxisAngleToMatrix44:
			ctx.storeM44(a[2], AxisAngleMatrix(ctx.loadV3(a[0]), ctx.loadF(a[1])))
		case OpMatrix44ToScale:
			ctx.storeV3(a[1], MatrixScale(ctx.loadM44(a[0])))
		case OpScaleToMatrix44:
			ctx.storeM44(a[1], ScaleMatrix(ctx.loadV3(a[0])))

		case OpIntToRandom:
			r := HashRandom(uint32(ctx.loadI(a[0])), data.Seed)
			ctx.storeI(a[1], int32(r))
			ctx.storeF(a[2], RandomFloat(r))
		case OpFloatToRandom:
			r := HashRandom(math.Float32bits(ctx.loadF(a[0])), data.Seed)
			ctx.storeI(a[1], int32(r))
			ctx.storeF(a[2], RandomFloat(r))
		case OpTexProcClouds:
			depth, hard := int32(a[0]), int32(a[1]) != 0
			nabla := math.Float32frombits(a[2])
			intensity, normal := CloudsTex(ctx.loadV3(a[3]), ctx.loadF(a[4]), depth, hard, nabla)
			ctx.storeV4(a[5], types.Float4{X: intensity, Y: intensity, Z: intensity, W: 1})
			ctx.storeV3(a[6], normal)
		case OpTexProcVoronoi:
			metric, colorType := int32(a[0]), int32(a[1])
			exponent := math.Float32frombits(a[2])
			nabla := math.Float32frombits(a[3])
			_, color, normal := VoronoiTex(ctx.loadV3(a[4]), metric, colorType, exponent, nabla,
				ctx.loadF(a[5]), ctx.loadF(a[6]), ctx.loadF(a[7]), ctx.loadF(a[8]),
				ctx.loadF(a[9]), ctx.loadF(a[10]))
			ctx.storeV4(a[11], color)
			ctx.storeV3(a[12], normal)

		case OpTexCoord:
			ctx.storeV3(a[0], data.Texture.Co)
		case OpEffectorPosition:
			ctx.storeV3(a[0], data.Effector.Position)
		case OpEffectorVelocity:
			ctx.storeV3(a[0], data.Effector.Velocity)
		case OpObjectTransform:
			ctx.storeM44(a[1], globals.Object(int(ctx.loadI(a[0]))).Transform)
		case OpObjectLookup:
			ctx.storeI(a[1], int32(globals.Lookup(expr.stringAt(int(a[0])))))

		case OpGetDerivativeFloat:
			// the interpreter carries no derivatives
			ctx.zero(a[2], 1)
		case OpGetDerivativeFloat3:
			ctx.zero(a[2], 3)
		case OpGetDerivativeFloat4:
			ctx.zero(a[2], 4)

		default:
			return types.NewError(types.ErrUnknownOpcode,
				"opcode %d at pc %d is outside the evaluator's closed table", code[pc], pc)
		}

		info := op.Info()
		pc += info.Words()
	}

	for i, o := range expr.outputs {
		if i >= len(results) || results[i] == nil {
			continue
		}
		copy(results[i], ctx.stack[o.Offset:o.Offset+o.Type.SlotCount()])
	}
	return nil
}

func b2f(v bool) float32 {
	if v {
		return 1
	}
	return 0
}

// OutputFloat reads a declared float output after an Eval call.
func (ctx *EvalContext) OutputFloat(expr *Expression, name string) float32 {
	if o, ok := expr.Output(name); ok {
		return ctx.loadF(uint32(o.Offset))
	}
	return 0
}

// OutputFloat3 reads a declared float3 output after an Eval call.
func (ctx *EvalContext) OutputFloat3(expr *Expression, name string) types.Float3 {
	if o, ok := expr.Output(name); ok {
		return ctx.loadV3(uint32(o.Offset))
	}
	return types.Float3{}
}

// OutputFloat4 reads a declared float4 output after an Eval call.
func (ctx *EvalContext) OutputFloat4(expr *Expression, name string) types.Float4 {
	if o, ok := expr.Output(name); ok {
		return ctx.loadV4(uint32(o.Offset))
	}
	return types.Float4{}
}
