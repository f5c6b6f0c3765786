// Package graph implements the typed dataflow node graph that FieldVM
// compiles into executable Expressions.
//
// A NodeGraph is built by external node-authoring code (for example the
// script layer, or a conversion table from a visual node editor) out of
// NodeInstances and Links, then handed to the compiler exactly once. Node
// operation signatures (NodeTypes) live in a Registry that is populated
// once at start-up and read-only afterwards.
package graph

import (
	"sort"
	"sync"

	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

// ValueKind describes how a node input may receive its value.
type ValueKind uint8

const (
	// MayBeLinked inputs accept a link, an explicit constant, or fall
	// back to the socket default.
	MayBeLinked ValueKind = iota
	// MustBeConstant inputs are baked into the instruction stream at
	// compile time and can never be linked.
	MustBeConstant
)

// NodeInput is one named, typed input socket of a NodeType.
type NodeInput struct {
	Name    string
	Type    *types.TypeSpec
	Kind    ValueKind
	Default types.Constant
}

// NodeOutput is one named, typed output socket of a NodeType.
type NodeOutput struct {
	Name string
	Type *types.TypeSpec
}

// NodeType is an immutable operation signature: a unique name plus ordered
// input and output sockets. NodeTypes are registered once into a Registry
// and never mutated afterwards.
type NodeType struct {
	name    string
	inputs  []NodeInput
	outputs []NodeOutput
}

// NewNodeType constructs a NodeType. The socket slices are copied.
func NewNodeType(name string, inputs []NodeInput, outputs []NodeOutput) *NodeType {
	nt := &NodeType{name: name}
	nt.inputs = append(nt.inputs, inputs...)
	nt.outputs = append(nt.outputs, outputs...)
	return nt
}

// Name returns the type's unique name.
func (nt *NodeType) Name() string { return nt.name }

// Inputs returns the ordered input sockets.
func (nt *NodeType) Inputs() []NodeInput { return nt.inputs }

// Outputs returns the ordered output sockets.
func (nt *NodeType) Outputs() []NodeOutput { return nt.outputs }

// FindInput returns the input socket with the given name.
func (nt *NodeType) FindInput(name string) (NodeInput, int, bool) {
	for i, in := range nt.inputs {
		if in.Name == name {
			return in, i, true
		}
	}
	return NodeInput{}, -1, false
}

// FindOutput returns the output socket with the given name.
func (nt *NodeType) FindOutput(name string) (NodeOutput, int, bool) {
	for i, out := range nt.outputs {
		if out.Name == name {
			return out, i, true
		}
	}
	return NodeOutput{}, -1, false
}

// Registry is an explicit NodeType catalog. Register all types before the
// first lookup; lookups are safe for concurrent use once registration is
// complete.
type Registry struct {
	mu     sync.RWMutex
	byName map[string]*NodeType
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]*NodeType)}
}

// Register adds a NodeType. Registering a duplicate name is an error.
func (r *Registry) Register(nt *NodeType) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byName[nt.name]; ok {
		return types.NewError(types.ErrUnknownNodeType, "node type %q already registered", nt.name)
	}
	r.byName[nt.name] = nt
	return nil
}

// NodeType looks up a registered type by name.
func (r *Registry) NodeType(name string) (*NodeType, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	nt, ok := r.byName[name]
	return nt, ok
}

// Names returns all registered type names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.byName))
	for n := range r.byName {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

var (
	standardOnce sync.Once
	standardReg  *Registry
)

// Standard returns the process-wide registry holding one NodeType per
// opcode in the evaluator's closed table. It is populated exactly once on
// first use and read-only afterwards.
func Standard() *Registry {
	standardOnce.Do(func() {
		standardReg = NewRegistry()
		registerOpcodeNodeTypes(standardReg)
	})
	return standardReg
}

// registerOpcodeNodeTypes derives one NodeType per opcode from the
// evaluator's operand metadata: const operands become must-be-constant
// inputs, stack inputs become linkable inputs with zero defaults.
func registerOpcodeNodeTypes(r *Registry) {
	for _, op := range vm.Opcodes() {
		info := op.Info()
		var inputs []NodeInput
		var outputs []NodeOutput
		for _, arg := range info.Args {
			switch arg.Kind {
			case vm.ArgIn:
				inputs = append(inputs, NodeInput{
					Name:    arg.Name,
					Type:    arg.Type,
					Kind:    MayBeLinked,
					Default: defaultConstant(arg.Type),
				})
			case vm.ArgOut:
				outputs = append(outputs, NodeOutput{Name: arg.Name, Type: arg.Type})
			default:
				inputs = append(inputs, NodeInput{
					Name:    arg.Name,
					Type:    arg.Type,
					Kind:    MustBeConstant,
					Default: defaultConstant(arg.Type),
				})
			}
		}
		// preserving the opcode table's argument order keeps emission trivial
		_ = r.Register(NewNodeType(op.String(), inputs, outputs))
	}
}

func defaultConstant(t *types.TypeSpec) types.Constant {
	switch t {
	case types.TInt:
		return types.IntConst(0)
	case types.TFloat3:
		return types.Float3Const(0, 0, 0)
	case types.TFloat4:
		return types.Float4Const(0, 0, 0, 1)
	case types.TMatrix44:
		return types.Matrix44Const(types.Identity44())
	case types.TString:
		return types.StringConst("")
	default:
		return types.FloatConst(0)
	}
}

// conversion table: (from, to) -> converter node type name
var conversions = map[[2]*types.TypeSpec]string{
	{types.TFloat, types.TInt}:     "FLOAT_TO_INT",
	{types.TInt, types.TFloat}:     "INT_TO_FLOAT",
	{types.TFloat, types.TFloat3}:  "FLOAT_TO_FLOAT3",
	{types.TFloat3, types.TFloat}:  "FLOAT3_TO_FLOAT",
	{types.TFloat, types.TFloat4}:  "FLOAT_TO_FLOAT4",
	{types.TFloat4, types.TFloat3}: "FLOAT4_TO_FLOAT3",
	{types.TFloat3, types.TFloat4}: "FLOAT3_TO_FLOAT4",
}

// ConversionOp returns the converter node type name for an implicit
// conversion from one TypeSpec to another, if one is registered.
func ConversionOp(from, to *types.TypeSpec) (string, bool) {
	name, ok := conversions[[2]*types.TypeSpec{from, to}]
	return name, ok
}
