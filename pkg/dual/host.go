package dual

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

const hostModuleName = "fieldvm"

// Kernel import symbols: one value function per opcode, plus a derivative
// function for every opcode with a forward-mode rule. Emitted modules
// import only the symbols their instruction stream uses.

func valueSymbol(op vm.Opcode) string { return "V__" + op.String() }
func derivSymbol(op vm.Opcode) string { return "D__" + op.String() }

// registerKernels exports the per-opcode kernels on the host module. The
// derivative special forms are resolved into memory copies at translation
// time and never get a symbol.
func registerKernels(b wazero.HostModuleBuilder) wazero.HostModuleBuilder {
	for _, op := range vm.Opcodes() {
		switch op {
		case vm.OpGetDerivativeFloat, vm.OpGetDerivativeFloat3, vm.OpGetDerivativeFloat4:
			continue
		}
		b = b.NewFunctionBuilder().WithFunc(valueKernel(op)).Export(valueSymbol(op))
		if derivable[op] {
			b = b.NewFunctionBuilder().WithFunc(derivKernel(op)).Export(derivSymbol(op))
		}
	}
	return b
}

func valueKernel(op vm.Opcode) func(context.Context, api.Module, uint32) {
	return func(ctx context.Context, m api.Module, pc uint32) {
		execValue(ctx, m, op, pc)
	}
}

func derivKernel(op vm.Opcode) func(context.Context, api.Module, uint32, uint32) {
	return func(ctx context.Context, m api.Module, derivBase, pc uint32) {
		execDeriv(ctx, m, op, derivBase, pc)
	}
}

// evalState carries the per-call data the host kernels need: the source
// instruction stream and string table, the caller's globals and input
// record, and the x-derivative bank base used to tell the two derivative
// passes apart. It travels through the call's context.
type evalState struct {
	code    []uint32
	strings []string
	globals *vm.EvalGlobals
	data    *vm.EvalData
	dxBase  uint32
}

type stateKey struct{}

func withState(ctx context.Context, st *evalState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

func stateFrom(ctx context.Context) *evalState {
	return ctx.Value(stateKey{}).(*evalState)
}

func (st *evalState) stringAt(i int) string {
	if i < 0 || i >= len(st.strings) {
		return ""
	}
	return st.strings[i]
}

// bank is a slot-addressed view of one region of the module memory, laid
// out exactly like the interpreter's scratch stack.
type bank struct {
	mem  api.Memory
	base uint32
}

func (b bank) loadBits(off uint32) uint32 {
	bits, _ := b.mem.ReadUint32Le(b.base + off*4)
	return bits
}

func (b bank) storeBits(off uint32, bits uint32) {
	b.mem.WriteUint32Le(b.base+off*4, bits)
}

func (b bank) loadF(off uint32) float32     { return math.Float32frombits(b.loadBits(off)) }
func (b bank) storeF(off uint32, v float32) { b.storeBits(off, math.Float32bits(v)) }
func (b bank) loadI(off uint32) int32       { return int32(b.loadBits(off)) }
func (b bank) storeI(off uint32, v int32)   { b.storeBits(off, uint32(v)) }

func (b bank) loadV3(off uint32) types.Float3 {
	return types.Float3{X: b.loadF(off), Y: b.loadF(off + 1), Z: b.loadF(off + 2)}
}

func (b bank) storeV3(off uint32, v types.Float3) {
	b.storeF(off, v.X)
	b.storeF(off+1, v.Y)
	b.storeF(off+2, v.Z)
}

func (b bank) loadV4(off uint32) types.Float4 {
	return types.Float4{X: b.loadF(off), Y: b.loadF(off + 1), Z: b.loadF(off + 2), W: b.loadF(off + 3)}
}

func (b bank) storeV4(off uint32, v types.Float4) {
	b.storeF(off, v.X)
	b.storeF(off+1, v.Y)
	b.storeF(off+2, v.Z)
	b.storeF(off+3, v.W)
}

func (b bank) loadM44(off uint32) types.Matrix44 {
	var m types.Matrix44
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			m[i][j] = b.loadF(off + uint32(i*4+j))
		}
	}
	return m
}

func (b bank) storeM44(off uint32, m types.Matrix44) {
	for i := 0; i < 4; i++ {
		for j := 0; j < 4; j++ {
			b.storeF(off+uint32(i*4+j), m[i][j])
		}
	}
}

func (b bank) storeRaw(off uint32, words []uint32) {
	for i, w := range words {
		b.storeBits(off+uint32(i), w)
	}
}

// execValue runs one instruction's value computation against the value
// bank. The opcode comes from the registered kernel symbol; pc locates the
// instruction's operand words.
func execValue(ctx context.Context, m api.Module, op vm.Opcode, pc uint32) {
	st := stateFrom(ctx)
	code := st.code
	a := code[pc+1:]
	v := bank{mem: m.Memory()}

	switch op {
	case vm.OpNoop:

	case vm.OpValueFloat, vm.OpValueInt, vm.OpValueString:
		v.storeRaw(a[1], a[0:1])
	case vm.OpValueFloat3:
		v.storeRaw(a[3], a[0:3])
	case vm.OpValueFloat4:
		v.storeRaw(a[4], a[0:4])
	case vm.OpValueMatrix44:
		v.storeRaw(a[16], a[0:16])

	case vm.OpPassFloat, vm.OpPassInt:
		v.storeBits(a[1], v.loadBits(a[0]))
	case vm.OpPassFloat3:
		v.storeV3(a[1], v.loadV3(a[0]))
	case vm.OpPassFloat4:
		v.storeV4(a[1], v.loadV4(a[0]))
	case vm.OpPassMatrix44:
		v.storeM44(a[1], v.loadM44(a[0]))

	case vm.OpSetFloat3:
		v.storeV3(a[3], types.Float3{X: v.loadF(a[0]), Y: v.loadF(a[1]), Z: v.loadF(a[2])})
	case vm.OpGetElemFloat3:
		v.storeF(a[2], v.loadF(a[1]+elemIndex(a[0], 2)))
	case vm.OpSetFloat4:
		v.storeV4(a[4], types.Float4{X: v.loadF(a[0]), Y: v.loadF(a[1]), Z: v.loadF(a[2]), W: v.loadF(a[3])})
	case vm.OpGetElemFloat4:
		v.storeF(a[2], v.loadF(a[1]+elemIndex(a[0], 3)))

	case vm.OpFloatToInt:
		v.storeI(a[1], int32(v.loadF(a[0])))
	case vm.OpIntToFloat:
		v.storeF(a[1], float32(v.loadI(a[0])))
	case vm.OpFloatToFloat3:
		f := v.loadF(a[0])
		v.storeV3(a[1], types.Float3{X: f, Y: f, Z: f})
	case vm.OpFloat3ToFloat:
		p := v.loadV3(a[0])
		v.storeF(a[1], (p.X+p.Y+p.Z)/3)
	case vm.OpFloatToFloat4:
		f := v.loadF(a[0])
		v.storeV4(a[1], types.Float4{X: f, Y: f, Z: f, W: 1})
	case vm.OpFloat4ToFloat3:
		p := v.loadV4(a[0])
		v.storeV3(a[1], types.Float3{X: p.X, Y: p.Y, Z: p.Z})
	case vm.OpFloat3ToFloat4:
		p := v.loadV3(a[0])
		v.storeV4(a[1], types.Float4{X: p.X, Y: p.Y, Z: p.Z, W: 1})

	case vm.OpAddFloat:
		v.storeF(a[2], v.loadF(a[0])+v.loadF(a[1]))
	case vm.OpSubFloat:
		v.storeF(a[2], v.loadF(a[0])-v.loadF(a[1]))
	case vm.OpMulFloat:
		v.storeF(a[2], v.loadF(a[0])*v.loadF(a[1]))
	case vm.OpDivFloat:
		v.storeF(a[2], vm.DivSafe(v.loadF(a[0]), v.loadF(a[1])))
	case vm.OpSine:
		v.storeF(a[1], sinf(v.loadF(a[0])))
	case vm.OpCosine:
		v.storeF(a[1], cosf(v.loadF(a[0])))
	case vm.OpTangent:
		v.storeF(a[1], float32(math.Tan(float64(v.loadF(a[0])))))
	case vm.OpArcsine:
		v.storeF(a[1], float32(math.Asin(float64(v.loadF(a[0])))))
	case vm.OpArccosine:
		v.storeF(a[1], float32(math.Acos(float64(v.loadF(a[0])))))
	case vm.OpArctangent:
		v.storeF(a[1], float32(math.Atan(float64(v.loadF(a[0])))))
	case vm.OpPower:
		v.storeF(a[2], vm.PowSafe(v.loadF(a[0]), v.loadF(a[1])))
	case vm.OpLogarithm:
		v.storeF(a[2], vm.LogSafe(v.loadF(a[0]), v.loadF(a[1])))
	case vm.OpMinimum:
		x, y := v.loadF(a[0]), v.loadF(a[1])
		if y < x {
			x = y
		}
		v.storeF(a[2], x)
	case vm.OpMaximum:
		x, y := v.loadF(a[0]), v.loadF(a[1])
		if y > x {
			x = y
		}
		v.storeF(a[2], x)
	case vm.OpRound:
		v.storeF(a[1], vm.RoundHalfUp(v.loadF(a[0])))
	case vm.OpLessThan:
		v.storeF(a[2], b2f(v.loadF(a[0]) < v.loadF(a[1])))
	case vm.OpGreaterThan:
		v.storeF(a[2], b2f(v.loadF(a[0]) > v.loadF(a[1])))
	case vm.OpModulo:
		v.storeF(a[2], vm.ModSafe(v.loadF(a[0]), v.loadF(a[1])))
	case vm.OpAbsolute:
		v.storeF(a[1], float32(math.Abs(float64(v.loadF(a[0])))))
	case vm.OpClamp:
		v.storeF(a[1], vm.Clamp01(v.loadF(a[0])))
	case vm.OpSqrt:
		v.storeF(a[1], vm.SqrtSafe(v.loadF(a[0])))

	case vm.OpAddFloat3:
		v.storeV3(a[2], v3add(v.loadV3(a[0]), v.loadV3(a[1])))
	case vm.OpSubFloat3:
		v.storeV3(a[2], v3sub(v.loadV3(a[0]), v.loadV3(a[1])))
	case vm.OpMulFloat3:
		v.storeV3(a[2], v3mul(v.loadV3(a[0]), v.loadV3(a[1])))
	case vm.OpDivFloat3:
		x, y := v.loadV3(a[0]), v.loadV3(a[1])
		v.storeV3(a[2], types.Float3{X: vm.DivSafe(x.X, y.X), Y: vm.DivSafe(x.Y, y.Y), Z: vm.DivSafe(x.Z, y.Z)})
	case vm.OpMulFloat3Float:
		v.storeV3(a[2], v3scale(v.loadV3(a[0]), v.loadF(a[1])))
	case vm.OpDivFloat3Float:
		x, f := v.loadV3(a[0]), v.loadF(a[1])
		v.storeV3(a[2], types.Float3{X: vm.DivSafe(x.X, f), Y: vm.DivSafe(x.Y, f), Z: vm.DivSafe(x.Z, f)})
	case vm.OpAverageFloat3:
		v.storeV3(a[2], v3scale(v3add(v.loadV3(a[0]), v.loadV3(a[1])), 0.5))
	case vm.OpDotFloat3:
		v.storeF(a[2], vm.DotV3(v.loadV3(a[0]), v.loadV3(a[1])))
	case vm.OpCrossFloat3:
		v.storeV3(a[2], vm.CrossV3(v.loadV3(a[0]), v.loadV3(a[1])))
	case vm.OpNormalizeFloat3:
		vec, l := vm.NormalizeV3(v.loadV3(a[0]))
		v.storeV3(a[1], vec)
		v.storeF(a[2], l)
	case vm.OpLengthFloat3:
		v.storeF(a[1], vm.LengthV3(v.loadV3(a[0])))
	case vm.OpMixRGB:
		v.storeV4(a[4], vm.MixRGB(int32(a[0]), v.loadF(a[1]), v.loadV4(a[2]), v.loadV4(a[3])))

	case vm.OpAddMatrix44:
		v.storeM44(a[2], vm.AddM44(v.loadM44(a[0]), v.loadM44(a[1])))
	case vm.OpSubMatrix44:
		v.storeM44(a[2], vm.SubM44(v.loadM44(a[0]), v.loadM44(a[1])))
	case vm.OpMulMatrix44:
		v.storeM44(a[2], vm.MulM44(v.loadM44(a[0]), v.loadM44(a[1])))
	case vm.OpMulMatrix44Float:
		v.storeM44(a[2], vm.ScaleM44(v.loadM44(a[0]), v.loadF(a[1])))
	case vm.OpDivMatrix44Float:
		v.storeM44(a[2], vm.ScaleM44(v.loadM44(a[0]), vm.DivSafe(1, v.loadF(a[1]))))
	case vm.OpNegateMatrix44:
		v.storeM44(a[1], vm.ScaleM44(v.loadM44(a[0]), -1))
	case vm.OpTransposeMatrix44:
		v.storeM44(a[1], vm.TransposeM44(v.loadM44(a[0])))
	case vm.OpInvertMatrix44:
		v.storeM44(a[1], vm.InvertM44Safe(v.loadM44(a[0])))
	case vm.OpDeterminantMatrix44:
		v.storeF(a[1], vm.DeterminantM44(v.loadM44(a[0])))
	case vm.OpMulMatrix44Float3:
		v.storeV3(a[2], vm.TransformPoint(v.loadM44(a[0]), v.loadV3(a[1])))
	case vm.OpMulMatrix44Float4:
		v.storeV4(a[2], vm.TransformV4(v.loadM44(a[0]), v.loadV4(a[1])))
	case vm.OpMatrix44ToLoc:
		v.storeV3(a[1], vm.MatrixLoc(v.loadM44(a[0])))
	case vm.OpLocToMatrix44:
		v.storeM44(a[1], vm.LocMatrix(v.loadV3(a[0])))
	case vm.OpMatrix44ToEuler:
		v.storeV3(a[2], vm.MatrixEuler(v.loadM44(a[1]), int32(a[0])))
	case vm.OpEulerToMatrix44:
		v.storeM44(a[2], vm.EulerMatrix(v.loadV3(a[1]), int32(a[0])))
	case vm.OpMatrix44ToAxisAngle:
		axis, angle := vm.MatrixAxisAngle(v.loadM44(a[0]))
		v.storeV3(a[1], axis)
		v.storeF(a[2], angle)
	case vm.OpAxisAngleToMatrix44:
		v.storeM44(a[2], vm.AxisAngleMatrix(v.loadV3(a[0]), v.loadF(a[1])))
	case vm.OpMatrix44ToScale:
		v.storeV3(a[1], vm.MatrixScale(v.loadM44(a[0])))
	case vm.OpScaleToMatrix44:
		v.storeM44(a[1], vm.ScaleMatrix(v.loadV3(a[0])))

	case vm.OpIntToRandom:
		r := vm.HashRandom(uint32(v.loadI(a[0])), st.data.Seed)
		v.storeI(a[1], int32(r))
		v.storeF(a[2], vm.RandomFloat(r))
	case vm.OpFloatToRandom:
		r := vm.HashRandom(v.loadBits(a[0]), st.data.Seed)
		v.storeI(a[1], int32(r))
		v.storeF(a[2], vm.RandomFloat(r))
	case vm.OpTexProcClouds:
		depth, hard := int32(a[0]), int32(a[1]) != 0
		nabla := math.Float32frombits(a[2])
		intensity, normal := vm.CloudsTex(v.loadV3(a[3]), v.loadF(a[4]), depth, hard, nabla)
		v.storeV4(a[5], types.Float4{X: intensity, Y: intensity, Z: intensity, W: 1})
		v.storeV3(a[6], normal)
	case vm.OpTexProcVoronoi:
		metric, colorType := int32(a[0]), int32(a[1])
		exponent := math.Float32frombits(a[2])
		nabla := math.Float32frombits(a[3])
		_, color, normal := vm.VoronoiTex(v.loadV3(a[4]), metric, colorType, exponent, nabla,
			v.loadF(a[5]), v.loadF(a[6]), v.loadF(a[7]), v.loadF(a[8]),
			v.loadF(a[9]), v.loadF(a[10]))
		v.storeV4(a[11], color)
		v.storeV3(a[12], normal)

	case vm.OpTexCoord:
		v.storeV3(a[0], st.data.Texture.Co)
	case vm.OpEffectorPosition:
		v.storeV3(a[0], st.data.Effector.Position)
	case vm.OpEffectorVelocity:
		v.storeV3(a[0], st.data.Effector.Velocity)
	case vm.OpObjectTransform:
		v.storeM44(a[1], st.globals.Object(int(v.loadI(a[0]))).Transform)
	case vm.OpObjectLookup:
		v.storeI(a[1], int32(st.globals.Lookup(st.stringAt(int(a[0])))))

	default:
		panic(types.NewError(types.ErrUnknownOpcode,
			"opcode %d at pc %d is outside the closed table", uint32(op), pc))
	}
}

// derivable lists the opcodes with a forward-mode derivative rule in
// execDeriv. Everything else has its derivative outputs zero-filled by
// the translated code.
var derivable = map[vm.Opcode]bool{
	vm.OpPassFloat: true, vm.OpPassFloat3: true, vm.OpPassFloat4: true,
	vm.OpSetFloat3: true, vm.OpGetElemFloat3: true,
	vm.OpSetFloat4: true, vm.OpGetElemFloat4: true,
	vm.OpFloatToFloat3: true, vm.OpFloat3ToFloat: true, vm.OpFloatToFloat4: true,
	vm.OpFloat4ToFloat3: true, vm.OpFloat3ToFloat4: true,
	vm.OpAddFloat: true, vm.OpSubFloat: true, vm.OpMulFloat: true, vm.OpDivFloat: true,
	vm.OpSine: true, vm.OpCosine: true, vm.OpTangent: true,
	vm.OpArcsine: true, vm.OpArccosine: true, vm.OpArctangent: true,
	vm.OpPower: true, vm.OpLogarithm: true,
	vm.OpMinimum: true, vm.OpMaximum: true, vm.OpModulo: true,
	vm.OpAbsolute: true, vm.OpClamp: true, vm.OpSqrt: true,
	vm.OpAddFloat3: true, vm.OpSubFloat3: true, vm.OpMulFloat3: true, vm.OpDivFloat3: true,
	vm.OpMulFloat3Float: true, vm.OpDivFloat3Float: true, vm.OpAverageFloat3: true,
	vm.OpDotFloat3: true, vm.OpCrossFloat3: true,
	vm.OpNormalizeFloat3: true, vm.OpLengthFloat3: true,
	vm.OpTexCoord: true,
}

// execDeriv runs one instruction's forward-mode derivative computation
// into the bank at derivBase, reading operand values from the value bank
// and operand derivatives from the same derivative bank. The translated
// code calls it twice per instruction, once per screen axis.
func execDeriv(ctx context.Context, m api.Module, op vm.Opcode, derivBase, pc uint32) {
	st := stateFrom(ctx)
	code := st.code
	a := code[pc+1:]
	v := bank{mem: m.Memory()}
	d := bank{mem: m.Memory(), base: derivBase}

	switch op {
	case vm.OpPassFloat:
		d.storeF(a[1], d.loadF(a[0]))
	case vm.OpPassFloat3:
		d.storeV3(a[1], d.loadV3(a[0]))
	case vm.OpPassFloat4:
		d.storeV4(a[1], d.loadV4(a[0]))

	case vm.OpSetFloat3:
		d.storeV3(a[3], types.Float3{X: d.loadF(a[0]), Y: d.loadF(a[1]), Z: d.loadF(a[2])})
	case vm.OpGetElemFloat3:
		d.storeF(a[2], d.loadF(a[1]+elemIndex(a[0], 2)))
	case vm.OpSetFloat4:
		d.storeV4(a[4], types.Float4{X: d.loadF(a[0]), Y: d.loadF(a[1]), Z: d.loadF(a[2]), W: d.loadF(a[3])})
	case vm.OpGetElemFloat4:
		d.storeF(a[2], d.loadF(a[1]+elemIndex(a[0], 3)))

	case vm.OpFloatToFloat3:
		df := d.loadF(a[0])
		d.storeV3(a[1], types.Float3{X: df, Y: df, Z: df})
	case vm.OpFloat3ToFloat:
		dv := d.loadV3(a[0])
		d.storeF(a[1], (dv.X+dv.Y+dv.Z)/3)
	case vm.OpFloatToFloat4:
		df := d.loadF(a[0])
		d.storeV4(a[1], types.Float4{X: df, Y: df, Z: df, W: 0})
	case vm.OpFloat4ToFloat3:
		dv := d.loadV4(a[0])
		d.storeV3(a[1], types.Float3{X: dv.X, Y: dv.Y, Z: dv.Z})
	case vm.OpFloat3ToFloat4:
		dv := d.loadV3(a[0])
		d.storeV4(a[1], types.Float4{X: dv.X, Y: dv.Y, Z: dv.Z, W: 0})

	case vm.OpAddFloat:
		d.storeF(a[2], d.loadF(a[0])+d.loadF(a[1]))
	case vm.OpSubFloat:
		d.storeF(a[2], d.loadF(a[0])-d.loadF(a[1]))
	case vm.OpMulFloat:
		x, y := v.loadF(a[0]), v.loadF(a[1])
		d.storeF(a[2], x*d.loadF(a[1])+y*d.loadF(a[0]))
	case vm.OpDivFloat:
		x, y := v.loadF(a[0]), v.loadF(a[1])
		if y == 0 {
			d.storeF(a[2], 0)
		} else {
			d.storeF(a[2], (d.loadF(a[0])*y-x*d.loadF(a[1]))/(y*y))
		}
	case vm.OpSine:
		d.storeF(a[1], d.loadF(a[0])*cosf(v.loadF(a[0])))
	case vm.OpCosine:
		d.storeF(a[1], -d.loadF(a[0])*sinf(v.loadF(a[0])))
	case vm.OpTangent:
		c := cosf(v.loadF(a[0]))
		if c == 0 {
			d.storeF(a[1], 0)
		} else {
			d.storeF(a[1], d.loadF(a[0])/(c*c))
		}
	case vm.OpArcsine:
		x := v.loadF(a[0])
		if t := 1 - x*x; t > 0 {
			d.storeF(a[1], d.loadF(a[0])/float32(math.Sqrt(float64(t))))
		} else {
			d.storeF(a[1], 0)
		}
	case vm.OpArccosine:
		x := v.loadF(a[0])
		if t := 1 - x*x; t > 0 {
			d.storeF(a[1], -d.loadF(a[0])/float32(math.Sqrt(float64(t))))
		} else {
			d.storeF(a[1], 0)
		}
	case vm.OpArctangent:
		x := v.loadF(a[0])
		d.storeF(a[1], d.loadF(a[0])/(1+x*x))
	case vm.OpPower:
		x, y := v.loadF(a[0]), v.loadF(a[1])
		if x <= 0 {
			d.storeF(a[2], 0)
		} else {
			lnx := float32(math.Log(float64(x)))
			d.storeF(a[2], vm.PowSafe(x, y)*(y*d.loadF(a[0])/x+lnx*d.loadF(a[1])))
		}
	case vm.OpLogarithm:
		x, y := v.loadF(a[0]), v.loadF(a[1])
		if x <= 0 || y <= 0 {
			d.storeF(a[2], 0)
			break
		}
		lny := float32(math.Log(float64(y)))
		if lny == 0 {
			d.storeF(a[2], 0)
			break
		}
		lnx := float32(math.Log(float64(x)))
		d.storeF(a[2], d.loadF(a[0])/(x*lny)-lnx*d.loadF(a[1])/(y*lny*lny))
	case vm.OpMinimum:
		if v.loadF(a[0]) < v.loadF(a[1]) {
			d.storeF(a[2], d.loadF(a[0]))
		} else {
			d.storeF(a[2], d.loadF(a[1]))
		}
	case vm.OpMaximum:
		if v.loadF(a[0]) > v.loadF(a[1]) {
			d.storeF(a[2], d.loadF(a[0]))
		} else {
			d.storeF(a[2], d.loadF(a[1]))
		}
	case vm.OpModulo:
		if v.loadF(a[1]) == 0 {
			d.storeF(a[2], 0)
		} else {
			d.storeF(a[2], d.loadF(a[0]))
		}
	case vm.OpAbsolute:
		if v.loadF(a[0]) < 0 {
			d.storeF(a[1], -d.loadF(a[0]))
		} else {
			d.storeF(a[1], d.loadF(a[0]))
		}
	case vm.OpClamp:
		x := v.loadF(a[0])
		if x <= 0 || x >= 1 {
			d.storeF(a[1], 0)
		} else {
			d.storeF(a[1], d.loadF(a[0]))
		}
	case vm.OpSqrt:
		x := v.loadF(a[0])
		if x <= 0 {
			d.storeF(a[1], 0)
		} else {
			d.storeF(a[1], d.loadF(a[0])/(2*float32(math.Sqrt(float64(x)))))
		}

	case vm.OpAddFloat3:
		d.storeV3(a[2], v3add(d.loadV3(a[0]), d.loadV3(a[1])))
	case vm.OpSubFloat3:
		d.storeV3(a[2], v3sub(d.loadV3(a[0]), d.loadV3(a[1])))
	case vm.OpMulFloat3:
		x, y := v.loadV3(a[0]), v.loadV3(a[1])
		d.storeV3(a[2], v3add(v3mul(x, d.loadV3(a[1])), v3mul(y, d.loadV3(a[0]))))
	case vm.OpDivFloat3:
		x, y := v.loadV3(a[0]), v.loadV3(a[1])
		dx, dy := d.loadV3(a[0]), d.loadV3(a[1])
		d.storeV3(a[2], types.Float3{
			X: divDeriv(x.X, y.X, dx.X, dy.X),
			Y: divDeriv(x.Y, y.Y, dx.Y, dy.Y),
			Z: divDeriv(x.Z, y.Z, dx.Z, dy.Z),
		})
	case vm.OpMulFloat3Float:
		x, f := v.loadV3(a[0]), v.loadF(a[1])
		d.storeV3(a[2], v3add(v3scale(d.loadV3(a[0]), f), v3scale(x, d.loadF(a[1]))))
	case vm.OpDivFloat3Float:
		x, f := v.loadV3(a[0]), v.loadF(a[1])
		dx, df := d.loadV3(a[0]), d.loadF(a[1])
		d.storeV3(a[2], types.Float3{
			X: divDeriv(x.X, f, dx.X, df),
			Y: divDeriv(x.Y, f, dx.Y, df),
			Z: divDeriv(x.Z, f, dx.Z, df),
		})
	case vm.OpAverageFloat3:
		d.storeV3(a[2], v3scale(v3add(d.loadV3(a[0]), d.loadV3(a[1])), 0.5))
	case vm.OpDotFloat3:
		x, y := v.loadV3(a[0]), v.loadV3(a[1])
		d.storeF(a[2], vm.DotV3(d.loadV3(a[0]), y)+vm.DotV3(x, d.loadV3(a[1])))
	case vm.OpCrossFloat3:
		x, y := v.loadV3(a[0]), v.loadV3(a[1])
		d.storeV3(a[2], v3add(vm.CrossV3(d.loadV3(a[0]), y), vm.CrossV3(x, d.loadV3(a[1]))))
	case vm.OpNormalizeFloat3:
		x := v.loadV3(a[0])
		dx := d.loadV3(a[0])
		l := vm.LengthV3(x)
		if l == 0 {
			d.storeV3(a[1], types.Float3{})
			d.storeF(a[2], 0)
			break
		}
		dl := vm.DotV3(x, dx) / l
		n := v3scale(x, 1/l)
		d.storeV3(a[1], v3scale(v3sub(dx, v3scale(n, dl)), 1/l))
		d.storeF(a[2], dl)
	case vm.OpLengthFloat3:
		x := v.loadV3(a[0])
		l := vm.LengthV3(x)
		if l == 0 {
			d.storeF(a[1], 0)
		} else {
			d.storeF(a[1], vm.DotV3(x, d.loadV3(a[0]))/l)
		}

	case vm.OpTexCoord:
		if derivBase == st.dxBase {
			d.storeV3(a[0], st.data.Texture.DxT)
		} else {
			d.storeV3(a[0], st.data.Texture.DyT)
		}
	}
}

func elemIndex(word uint32, max int32) uint32 {
	idx := int32(word)
	if idx < 0 || idx > max {
		idx = 0
	}
	return uint32(idx)
}

func divDeriv(x, y, dx, dy float32) float32 {
	if y == 0 {
		return 0
	}
	return (dx*y - x*dy) / (y * y)
}

func b2f(v bool) float32 {
	if v {
		return 1
	}
	return 0
}

func sinf(x float32) float32 { return float32(math.Sin(float64(x))) }
func cosf(x float32) float32 { return float32(math.Cos(float64(x))) }

func v3add(a, b types.Float3) types.Float3 {
	return types.Float3{X: a.X + b.X, Y: a.Y + b.Y, Z: a.Z + b.Z}
}

func v3sub(a, b types.Float3) types.Float3 {
	return types.Float3{X: a.X - b.X, Y: a.Y - b.Y, Z: a.Z - b.Z}
}

func v3mul(a, b types.Float3) types.Float3 {
	return types.Float3{X: a.X * b.X, Y: a.Y * b.Y, Z: a.Z * b.Z}
}

func v3scale(a types.Float3, f float32) types.Float3 {
	return types.Float3{X: a.X * f, Y: a.Y * f, Z: a.Z * f}
}
