package vm

import (
	"github.com/procgraph/fieldvm/pkg/types"
)

// Output describes one declared output of a compiled Expression: its name,
// type, and the scratch-stack offset where the final value resides.
type Output struct {
	Name   string
	Type   *types.TypeSpec
	Offset int
}

// Expression is the compiled, immutable artifact produced from a node
// graph: an ordered instruction stream, the total scratch-stack size it
// requires, the offsets of its declared outputs, and an interned string
// table.
//
// An Expression can be evaluated any number of times, concurrently, as
// long as each evaluation uses its own EvalContext.
type Expression struct {
	code      []uint32
	stackSize int
	outputs   []Output
	strings   []string
}

// NewExpression assembles an Expression. The slices are owned by the
// Expression afterwards and must not be mutated by the caller.
func NewExpression(code []uint32, stackSize int, outputs []Output, strtab []string) *Expression {
	return &Expression{code: code, stackSize: stackSize, outputs: outputs, strings: strtab}
}

// Code returns the raw instruction stream. Callers must not mutate it.
func (e *Expression) Code() []uint32 { return e.code }

// StackSize returns the scratch-stack slot count required for evaluation.
func (e *Expression) StackSize() int { return e.stackSize }

// Outputs returns the declared outputs in declaration order.
func (e *Expression) Outputs() []Output { return e.outputs }

// Output returns the declared output with the given name.
func (e *Expression) Output(name string) (Output, bool) {
	for _, o := range e.outputs {
		if o.Name == name {
			return o, true
		}
	}
	return Output{}, false
}

// Strings returns the interned string table.
func (e *Expression) Strings() []string { return e.strings }

func (e *Expression) stringAt(i int) string {
	if i < 0 || i >= len(e.strings) {
		return ""
	}
	return e.strings[i]
}

// Object is one entry in the EvalGlobals table of external objects.
type Object struct {
	Name      string
	Transform types.Matrix44
}

// EvalGlobals is caller-supplied, read-only context data referenced during
// evaluation: a table of external objects addressed by index (and, through
// OBJECT_LOOKUP, by name). It is not owned by the Expression and must
// outlive any evaluation call that references it.
type EvalGlobals struct {
	objects []Object
	names   map[string]int
}

// NewGlobals creates an empty globals table.
func NewGlobals() *EvalGlobals {
	return &EvalGlobals{names: make(map[string]int)}
}

// AddObject appends an object and returns its index.
func (g *EvalGlobals) AddObject(obj Object) int {
	idx := len(g.objects)
	g.objects = append(g.objects, obj)
	if obj.Name != "" {
		g.names[obj.Name] = idx
	}
	return idx
}

// Object returns the object at index, or a zero Object with an identity
// transform when the index is out of range.
func (g *EvalGlobals) Object(idx int) Object {
	if g == nil || idx < 0 || idx >= len(g.objects) {
		return Object{Transform: types.Identity44()}
	}
	return g.objects[idx]
}

// Lookup resolves an object name to its index, or -1.
func (g *EvalGlobals) Lookup(name string) int {
	if g == nil {
		return -1
	}
	if idx, ok := g.names[name]; ok {
		return idx
	}
	return -1
}

// TextureData is the per-sample input of a texture evaluation: the sample
// coordinate and its two screen-space partials.
type TextureData struct {
	Co  types.Float3
	DxT types.Float3
	DyT types.Float3
}

// EffectorData is the per-point input of a force-field evaluation.
type EffectorData struct {
	Position types.Float3
	Velocity types.Float3
}

// EvalData is the per-call input record read by the context opcodes
// (TEX_COORD, EFFECTOR_*) and the random seed used by the random opcodes.
type EvalData struct {
	Texture  TextureData
	Effector EffectorData
	Seed     uint64
}
