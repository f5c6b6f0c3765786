// Package vm implements the FieldVM stack machine.
//
// The package defines the compiled Expression artifact, the closed opcode
// set with its operand metadata, the interpreter (EvalContext), and the
// shared operation library used by both the interpreter and the native
// dual-value backend.
//
// An Expression executes as one linear pass over its instruction stream
// against a pre-sized scratch buffer. There are no branches and no loops;
// every stack slot is written exactly once, so execution order is exactly
// program order.
//
// # Concurrency
//
// A compiled Expression is immutable and safe to share across any number
// of goroutines; each concurrent evaluation must use its own EvalContext.
package vm

import (
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/procgraph/fieldvm/pkg/types"
)

// Opcode identifies one primitive evaluator operation.
type Opcode uint32

// The closed opcode set. The numeric values are part of the cache contract:
// an Expression compiled with one opcode table must never be evaluated
// against another.
const (
	OpNoop Opcode = iota

	// value and pass-through
	OpValueFloat
	OpValueInt
	OpValueFloat3
	OpValueFloat4
	OpValueMatrix44
	OpValueString
	OpPassFloat
	OpPassInt
	OpPassFloat3
	OpPassFloat4
	OpPassMatrix44

	// component access
	OpSetFloat3
	OpGetElemFloat3
	OpSetFloat4
	OpGetElemFloat4

	// implicit conversions
	OpFloatToInt
	OpIntToFloat
	OpFloatToFloat3
	OpFloat3ToFloat
	OpFloatToFloat4
	OpFloat4ToFloat3
	OpFloat3ToFloat4

	// scalar math
	OpAddFloat
	OpSubFloat
	OpMulFloat
	OpDivFloat
	OpSine
	OpCosine
	OpTangent
	OpArcsine
	OpArccosine
	OpArctangent
	OpPower
	OpLogarithm
	OpMinimum
	OpMaximum
	OpRound
	OpLessThan
	OpGreaterThan
	OpModulo
	OpAbsolute
	OpClamp
	OpSqrt

	// float3 algebra
	OpAddFloat3
	OpSubFloat3
	OpMulFloat3
	OpDivFloat3
	OpMulFloat3Float
	OpDivFloat3Float
	OpAverageFloat3
	OpDotFloat3
	OpCrossFloat3
	OpNormalizeFloat3
	OpLengthFloat3
	OpMixRGB

	// matrix algebra
	OpAddMatrix44
	OpSubMatrix44
	OpMulMatrix44
	OpMulMatrix44Float
	OpDivMatrix44Float
	OpNegateMatrix44
	OpTransposeMatrix44
	OpInvertMatrix44
	OpDeterminantMatrix44
	OpMulMatrix44Float3
	OpMulMatrix44Float4
	OpMatrix44ToLoc
	OpLocToMatrix44
	OpMatrix44ToEuler
	OpEulerToMatrix44
	OpMatrix44ToAxisAngle
	OpAxisAngleToMatrix44
	OpMatrix44ToScale
	OpScaleToMatrix44

	// random and procedural noise
	OpIntToRandom
	OpFloatToRandom
	OpTexProcClouds
	OpTexProcVoronoi

	// evaluation context access
	OpTexCoord
	OpEffectorPosition
	OpEffectorVelocity
	OpObjectTransform
	OpObjectLookup

	// derivative special forms (dual backend; the interpreter yields zeros)
	OpGetDerivativeFloat
	OpGetDerivativeFloat3
	OpGetDerivativeFloat4

	opCount
)

// ArgKind classifies one operand word (or word group) of an instruction.
type ArgKind uint8

const (
	// ArgIn is a stack offset read by the operation.
	ArgIn ArgKind = iota
	// ArgOut is a stack offset written by the operation.
	ArgOut
	// ArgConstFloat is an inline float32 bit pattern.
	ArgConstFloat
	// ArgConstInt is an inline int32.
	ArgConstInt
	// ArgConstString is an inline string-table index.
	ArgConstString
	// ArgConstValue is an inline literal payload, Type.SlotCount() words.
	ArgConstValue
)

// OpArg describes one operand of an opcode.
type OpArg struct {
	Name string
	Kind ArgKind
	Type *types.TypeSpec
}

// OpInfo describes an opcode: its stable name (the node type name it is
// emitted for) and its operand layout in instruction-stream order.
type OpInfo struct {
	Name string
	Args []OpArg
}

// Words returns the number of instruction words the operand occupies.
func (a OpArg) Words() int {
	if a.Kind == ArgConstValue {
		return a.Type.SlotCount()
	}
	return 1
}

// Words returns the instruction length in words, including the opcode word.
func (info *OpInfo) Words() int {
	n := 1
	for _, a := range info.Args {
		n += a.Words()
	}
	return n
}

func in(name string, t *types.TypeSpec) OpArg  { return OpArg{name, ArgIn, t} }
func out(name string, t *types.TypeSpec) OpArg { return OpArg{name, ArgOut, t} }
func cf(name string) OpArg                     { return OpArg{name, ArgConstFloat, types.TFloat} }
func ci(name string) OpArg                     { return OpArg{name, ArgConstInt, types.TInt} }
func cs(name string) OpArg                     { return OpArg{name, ArgConstString, types.TString} }
func cv(name string, t *types.TypeSpec) OpArg  { return OpArg{name, ArgConstValue, t} }

func unaryF(name string) OpInfo {
	return OpInfo{name, []OpArg{in("value", types.TFloat), out("value", types.TFloat)}}
}

func binaryF(name string) OpInfo {
	return OpInfo{name, []OpArg{in("value_a", types.TFloat), in("value_b", types.TFloat), out("value", types.TFloat)}}
}

func binaryV3(name string) OpInfo {
	return OpInfo{name, []OpArg{in("value_a", types.TFloat3), in("value_b", types.TFloat3), out("value", types.TFloat3)}}
}

func passOp(name string, t *types.TypeSpec) OpInfo {
	return OpInfo{name, []OpArg{in("value", t), out("value", t)}}
}

func convOp(name string, from, to *types.TypeSpec) OpInfo {
	return OpInfo{name, []OpArg{in("value", from), out("value", to)}}
}

// opInfos is the closed operand-layout table, indexed by Opcode.
var opInfos = [opCount]OpInfo{
	OpNoop: {Name: "NOOP"},

	OpValueFloat:    {Name: "VALUE_FLOAT", Args: []OpArg{cv("value", types.TFloat), out("value", types.TFloat)}},
	OpValueInt:      {Name: "VALUE_INT", Args: []OpArg{cv("value", types.TInt), out("value", types.TInt)}},
	OpValueFloat3:   {Name: "VALUE_FLOAT3", Args: []OpArg{cv("value", types.TFloat3), out("value", types.TFloat3)}},
	OpValueFloat4:   {Name: "VALUE_FLOAT4", Args: []OpArg{cv("value", types.TFloat4), out("value", types.TFloat4)}},
	OpValueMatrix44: {Name: "VALUE_MATRIX44", Args: []OpArg{cv("value", types.TMatrix44), out("value", types.TMatrix44)}},
	OpValueString:   {Name: "VALUE_STRING", Args: []OpArg{cs("value"), out("value", types.TString)}},
	OpPassFloat:     passOp("PASS_FLOAT", types.TFloat),
	OpPassInt:       passOp("PASS_INT", types.TInt),
	OpPassFloat3:    passOp("PASS_FLOAT3", types.TFloat3),
	OpPassFloat4:    passOp("PASS_FLOAT4", types.TFloat4),
	OpPassMatrix44:  passOp("PASS_MATRIX44", types.TMatrix44),

	OpSetFloat3: {Name: "SET_FLOAT3", Args: []OpArg{
		in("value_x", types.TFloat), in("value_y", types.TFloat), in("value_z", types.TFloat),
		out("value", types.TFloat3)}},
	OpGetElemFloat3: {Name: "GET_ELEM_FLOAT3", Args: []OpArg{
		ci("index"), in("value", types.TFloat3), out("value", types.TFloat)}},
	OpSetFloat4: {Name: "SET_FLOAT4", Args: []OpArg{
		in("value_x", types.TFloat), in("value_y", types.TFloat), in("value_z", types.TFloat), in("value_w", types.TFloat),
		out("value", types.TFloat4)}},
	OpGetElemFloat4: {Name: "GET_ELEM_FLOAT4", Args: []OpArg{
		ci("index"), in("value", types.TFloat4), out("value", types.TFloat)}},

	OpFloatToInt:     convOp("FLOAT_TO_INT", types.TFloat, types.TInt),
	OpIntToFloat:     convOp("INT_TO_FLOAT", types.TInt, types.TFloat),
	OpFloatToFloat3:  convOp("FLOAT_TO_FLOAT3", types.TFloat, types.TFloat3),
	OpFloat3ToFloat:  convOp("FLOAT3_TO_FLOAT", types.TFloat3, types.TFloat),
	OpFloatToFloat4:  convOp("FLOAT_TO_FLOAT4", types.TFloat, types.TFloat4),
	OpFloat4ToFloat3: convOp("FLOAT4_TO_FLOAT3", types.TFloat4, types.TFloat3),
	OpFloat3ToFloat4: convOp("FLOAT3_TO_FLOAT4", types.TFloat3, types.TFloat4),

	OpAddFloat:    binaryF("ADD_FLOAT"),
	OpSubFloat:    binaryF("SUB_FLOAT"),
	OpMulFloat:    binaryF("MUL_FLOAT"),
	OpDivFloat:    binaryF("DIV_FLOAT"),
	OpSine:        unaryF("SINE"),
	OpCosine:      unaryF("COSINE"),
	OpTangent:     unaryF("TANGENT"),
	OpArcsine:     unaryF("ARCSINE"),
	OpArccosine:   unaryF("ARCCOSINE"),
	OpArctangent:  unaryF("ARCTANGENT"),
	OpPower:       binaryF("POWER"),
	OpLogarithm:   binaryF("LOGARITHM"),
	OpMinimum:     binaryF("MINIMUM"),
	OpMaximum:     binaryF("MAXIMUM"),
	OpRound:       unaryF("ROUND"),
	OpLessThan:    binaryF("LESS_THAN"),
	OpGreaterThan: binaryF("GREATER_THAN"),
	OpModulo:      binaryF("MODULO"),
	OpAbsolute:    unaryF("ABSOLUTE"),
	OpClamp:       unaryF("CLAMP"),
	OpSqrt:        unaryF("SQRT"),

	OpAddFloat3: binaryV3("ADD_FLOAT3"),
	OpSubFloat3: binaryV3("SUB_FLOAT3"),
	OpMulFloat3: binaryV3("MUL_FLOAT3"),
	OpDivFloat3: binaryV3("DIV_FLOAT3"),
	OpMulFloat3Float: {Name: "MUL_FLOAT3_FLOAT", Args: []OpArg{
		in("value_a", types.TFloat3), in("value_b", types.TFloat), out("value", types.TFloat3)}},
	OpDivFloat3Float: {Name: "DIV_FLOAT3_FLOAT", Args: []OpArg{
		in("value_a", types.TFloat3), in("value_b", types.TFloat), out("value", types.TFloat3)}},
	OpAverageFloat3: binaryV3("AVERAGE_FLOAT3"),
	OpDotFloat3: {Name: "DOT_FLOAT3", Args: []OpArg{
		in("value_a", types.TFloat3), in("value_b", types.TFloat3), out("value", types.TFloat)}},
	OpCrossFloat3: binaryV3("CROSS_FLOAT3"),
	OpNormalizeFloat3: {Name: "NORMALIZE_FLOAT3", Args: []OpArg{
		in("value", types.TFloat3), out("vector", types.TFloat3), out("length", types.TFloat)}},
	OpLengthFloat3: {Name: "LENGTH_FLOAT3", Args: []OpArg{
		in("value", types.TFloat3), out("length", types.TFloat)}},
	OpMixRGB: {Name: "MIX_RGB", Args: []OpArg{
		ci("mode"), in("factor", types.TFloat), in("color1", types.TFloat4), in("color2", types.TFloat4),
		out("color", types.TFloat4)}},

	OpAddMatrix44: {Name: "ADD_MATRIX44", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TMatrix44), out("value", types.TMatrix44)}},
	OpSubMatrix44: {Name: "SUB_MATRIX44", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TMatrix44), out("value", types.TMatrix44)}},
	OpMulMatrix44: {Name: "MUL_MATRIX44", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TMatrix44), out("value", types.TMatrix44)}},
	OpMulMatrix44Float: {Name: "MUL_MATRIX44_FLOAT", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TFloat), out("value", types.TMatrix44)}},
	OpDivMatrix44Float: {Name: "DIV_MATRIX44_FLOAT", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TFloat), out("value", types.TMatrix44)}},
	OpNegateMatrix44:    passOp("NEGATE_MATRIX44", types.TMatrix44),
	OpTransposeMatrix44: passOp("TRANSPOSE_MATRIX44", types.TMatrix44),
	OpInvertMatrix44:    passOp("INVERT_MATRIX44", types.TMatrix44),
	OpDeterminantMatrix44: {Name: "DETERMINANT_MATRIX44", Args: []OpArg{
		in("value", types.TMatrix44), out("value", types.TFloat)}},
	OpMulMatrix44Float3: {Name: "MUL_MATRIX44_FLOAT3", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TFloat3), out("value", types.TFloat3)}},
	OpMulMatrix44Float4: {Name: "MUL_MATRIX44_FLOAT4", Args: []OpArg{
		in("value_a", types.TMatrix44), in("value_b", types.TFloat4), out("value", types.TFloat4)}},
	OpMatrix44ToLoc: {Name: "MATRIX44_TO_LOC", Args: []OpArg{
		in("matrix", types.TMatrix44), out("loc", types.TFloat3)}},
	OpLocToMatrix44: {Name: "LOC_TO_MATRIX44", Args: []OpArg{
		in("loc", types.TFloat3), out("matrix", types.TMatrix44)}},
	OpMatrix44ToEuler: {Name: "MATRIX44_TO_EULER", Args: []OpArg{
		ci("order"), in("matrix", types.TMatrix44), out("euler", types.TFloat3)}},
	OpEulerToMatrix44: {Name: "EULER_TO_MATRIX44", Args: []OpArg{
		ci("order"), in("euler", types.TFloat3), out("matrix", types.TMatrix44)}},
	OpMatrix44ToAxisAngle: {Name: "MATRIX44_TO_AXISANGLE", Args: []OpArg{
		in("matrix", types.TMatrix44), out("axis", types.TFloat3), out("angle", types.TFloat)}},
	OpAxisAngleToMatrix44: {Name: "AXISANGLE_TO_MATRIX44", Args: []OpArg{
		in("axis", types.TFloat3), in("angle", types.TFloat), out("matrix", types.TMatrix44)}},
	OpMatrix44ToScale: {Name: "MATRIX44_TO_SCALE", Args: []OpArg{
		in("matrix", types.TMatrix44), out("scale", types.TFloat3)}},
	OpScaleToMatrix44: {Name: "SCALE_TO_MATRIX44", Args: []OpArg{
		in("scale", types.TFloat3), out("matrix", types.TMatrix44)}},

	OpIntToRandom: {Name: "INT_TO_RANDOM", Args: []OpArg{
		in("value", types.TInt), out("irandom", types.TInt), out("frandom", types.TFloat)}},
	OpFloatToRandom: {Name: "FLOAT_TO_RANDOM", Args: []OpArg{
		in("value", types.TFloat), out("irandom", types.TInt), out("frandom", types.TFloat)}},
	OpTexProcClouds: {Name: "TEX_PROC_CLOUDS", Args: []OpArg{
		ci("depth"), ci("noise_hard"), cf("nabla"),
		in("position", types.TFloat3), in("size", types.TFloat),
		out("color", types.TFloat4), out("normal", types.TFloat3)}},
	OpTexProcVoronoi: {Name: "TEX_PROC_VORONOI", Args: []OpArg{
		ci("distance_metric"), ci("color_type"), cf("minkowski_exponent"), cf("nabla"),
		in("position", types.TFloat3),
		in("w1", types.TFloat), in("w2", types.TFloat), in("w3", types.TFloat), in("w4", types.TFloat),
		in("scale", types.TFloat), in("noise_size", types.TFloat),
		out("color", types.TFloat4), out("normal", types.TFloat3)}},

	OpTexCoord:         {Name: "TEX_COORD", Args: []OpArg{out("value", types.TFloat3)}},
	OpEffectorPosition: {Name: "EFFECTOR_POSITION", Args: []OpArg{out("value", types.TFloat3)}},
	OpEffectorVelocity: {Name: "EFFECTOR_VELOCITY", Args: []OpArg{out("value", types.TFloat3)}},
	OpObjectTransform: {Name: "OBJECT_TRANSFORM", Args: []OpArg{
		in("object", types.TInt), out("matrix", types.TMatrix44)}},
	OpObjectLookup: {Name: "OBJECT_LOOKUP", Args: []OpArg{
		cs("name"), out("object", types.TInt)}},

	OpGetDerivativeFloat: {Name: "GET_DERIVATIVE_FLOAT", Args: []OpArg{
		ci("axis"), in("value", types.TFloat), out("value", types.TFloat)}},
	OpGetDerivativeFloat3: {Name: "GET_DERIVATIVE_FLOAT3", Args: []OpArg{
		ci("axis"), in("value", types.TFloat3), out("value", types.TFloat3)}},
	OpGetDerivativeFloat4: {Name: "GET_DERIVATIVE_FLOAT4", Args: []OpArg{
		ci("axis"), in("value", types.TFloat4), out("value", types.TFloat4)}},
}

var opByName map[string]Opcode

func init() {
	opByName = make(map[string]Opcode, opCount)
	for op := Opcode(0); op < opCount; op++ {
		if opInfos[op].Name != "" {
			opByName[opInfos[op].Name] = op
		}
	}
}

// Opcodes returns the closed opcode table in numeric order, excluding the
// NOOP placeholder.
func Opcodes() []Opcode {
	ops := make([]Opcode, 0, opCount-1)
	for op := OpNoop + 1; op < opCount; op++ {
		ops = append(ops, op)
	}
	return ops
}

// Info returns the operand-layout metadata for an opcode, or nil for an
// opcode outside the closed table.
func (op Opcode) Info() *OpInfo {
	if op >= opCount {
		return nil
	}
	return &opInfos[op]
}

// String returns the opcode's stable name.
func (op Opcode) String() string {
	if info := op.Info(); info != nil && info.Name != "" {
		return info.Name
	}
	return fmt.Sprintf("OP(%d)", uint32(op))
}

// OpcodeByName resolves a stable opcode name. The boolean is false for
// names outside the closed table.
func OpcodeByName(name string) (Opcode, bool) {
	op, ok := opByName[name]
	return op, ok
}

// Disassemble writes a readable listing of the instruction stream to w.
func (e *Expression) Disassemble(w io.Writer) error {
	code := e.code
	pc := 0
	for pc < len(code) {
		op := Opcode(code[pc])
		info := op.Info()
		if info == nil || info.Name == "" {
			return types.NewError(types.ErrUnknownOpcode, "unknown opcode %d at pc %d", code[pc], pc)
		}
		var b strings.Builder
		fmt.Fprintf(&b, "%04d  %-22s", pc, info.Name)
		i := pc + 1
		for _, a := range info.Args {
			switch a.Kind {
			case ArgIn:
				fmt.Fprintf(&b, " %s=@%d", a.Name, code[i])
			case ArgOut:
				fmt.Fprintf(&b, " %s=>@%d", a.Name, code[i])
			case ArgConstFloat:
				fmt.Fprintf(&b, " %s=%g", a.Name, math.Float32frombits(code[i]))
			case ArgConstInt:
				fmt.Fprintf(&b, " %s=%d", a.Name, int32(code[i]))
			case ArgConstString:
				fmt.Fprintf(&b, " %s=%q", a.Name, e.stringAt(int(code[i])))
			case ArgConstValue:
				fmt.Fprintf(&b, " %s=%s", a.Name, formatConstWords(a.Type, code[i:i+a.Words()]))
			}
			i += a.Words()
		}
		b.WriteByte('\n')
		if _, err := io.WriteString(w, b.String()); err != nil {
			return err
		}
		pc = i
	}
	return nil
}

func formatConstWords(t *types.TypeSpec, words []uint32) string {
	switch t.Kind() {
	case types.KindInt:
		return fmt.Sprintf("%d", int32(words[0]))
	case types.KindFloat:
		return fmt.Sprintf("%g", math.Float32frombits(words[0]))
	default:
		parts := make([]string, len(words))
		for i, wrd := range words {
			parts[i] = fmt.Sprintf("%g", math.Float32frombits(wrd))
		}
		return "[" + strings.Join(parts, " ") + "]"
	}
}
