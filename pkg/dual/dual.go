// Package dual implements the ahead-of-time dual-value backend.
//
// Where the interpreter computes plain values, this backend computes each
// value together with its two screen-space partial derivatives, the way a
// renderer needs them for filtering and bump mapping. A compiled
// vm.Expression is translated into a WebAssembly module, a straight-line
// sequence of calls specialized per instruction, and compiled to native
// code by the wazero runtime. The module's linear memory holds three
// banks with the interpreter's exact stack layout: values, x derivatives,
// and y derivatives.
//
// Operations without a derivative rule have their derivative slots
// zero-filled, and the derivative special forms are resolved at
// translation time into plain bank-to-bank copies.
package dual

import (
	"context"
	"log/slog"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

// Backend owns a wazero runtime with the evaluation kernels installed.
// One Backend serves any number of expressions; Close releases all native
// code it compiled.
type Backend struct {
	rt     wazero.Runtime
	logger *slog.Logger
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithLogger enables debug logging of translation and compilation.
func WithLogger(l *slog.Logger) BackendOption {
	return func(b *Backend) { b.logger = l }
}

// NewBackend creates a runtime and registers the host kernels.
func NewBackend(ctx context.Context, opts ...BackendOption) (*Backend, error) {
	b := &Backend{rt: wazero.NewRuntime(ctx)}
	for _, opt := range opts {
		opt(b)
	}
	_, err := registerKernels(b.rt.NewHostModuleBuilder(hostModuleName)).Instantiate(ctx)
	if err != nil {
		b.rt.Close(ctx)
		return nil, types.NewError(types.ErrStructural, "host kernel setup failed").WithCause(err)
	}
	return b, nil
}

// Close releases the runtime and all expressions compiled through it.
func (b *Backend) Close(ctx context.Context) error {
	return b.rt.Close(ctx)
}

// Expression is a dual-value compilation of one vm.Expression. It is
// immutable and safe to share; evaluation goes through per-goroutine
// Instances.
type Expression struct {
	src      *vm.Expression
	compiled wazero.CompiledModule
	layout   memLayout
}

// Compile translates and natively compiles an expression for dual-value
// evaluation.
func (b *Backend) Compile(ctx context.Context, expr *vm.Expression) (*Expression, error) {
	wasm, lay, err := translate(expr)
	if err != nil {
		return nil, err
	}
	if b.logger != nil {
		b.logger.Debug("translated expression", "bytes", len(wasm), "stack_slots", expr.StackSize())
	}
	compiled, err := b.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, types.NewError(types.ErrStructural, "native compilation failed").WithCause(err)
	}
	return &Expression{src: expr, compiled: compiled, layout: lay}, nil
}

// Source returns the stack-machine expression this was compiled from.
func (e *Expression) Source() *vm.Expression { return e.src }

// Instance is one instantiation of a compiled dual expression: native
// code plus a private linear memory. Like vm.EvalContext it must not be
// shared between concurrent evaluations; create one per worker goroutine
// and reuse it across calls.
type Instance struct {
	expr *Expression
	mod  api.Module
	eval api.Function
	mem  api.Memory
}

// NewInstance instantiates the compiled module with its own memory.
func (e *Expression) NewInstance(ctx context.Context, b *Backend) (*Instance, error) {
	mod, err := b.rt.InstantiateModule(ctx, e.compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, types.NewError(types.ErrStructural, "instantiation failed").WithCause(err)
	}
	return &Instance{
		expr: e,
		mod:  mod,
		eval: mod.ExportedFunction("eval"),
		mem:  mod.Memory(),
	}, nil
}

// Close releases the instance's memory.
func (in *Instance) Close(ctx context.Context) error {
	return in.mod.Close(ctx)
}

// Result receives one declared output of a dual evaluation. Each non-nil
// slice must be sized Output.Type.SlotCount(); nil slices skip that
// component.
type Result struct {
	Value []float32
	Dx    []float32
	Dy    []float32
}

// Evaluate runs the expression once and copies each declared output's
// value and derivatives into the corresponding Result. results must have
// one entry per declared output.
func (in *Instance) Evaluate(ctx context.Context, globals *vm.EvalGlobals, data *vm.EvalData, results []Result) error {
	st := &evalState{
		code:    in.expr.src.Code(),
		strings: in.expr.src.Strings(),
		globals: globals,
		data:    data,
		dxBase:  in.expr.layout.dxBase,
	}
	if _, err := in.eval.Call(withState(ctx, st)); err != nil {
		return types.NewError(types.ErrEvalFault, "dual evaluation trapped").WithCause(err)
	}

	lay := in.expr.layout
	for i, o := range in.expr.src.Outputs() {
		if i >= len(results) {
			break
		}
		in.readBank(0, o, results[i].Value)
		in.readBank(lay.dxBase, o, results[i].Dx)
		in.readBank(lay.dyBase, o, results[i].Dy)
	}
	return nil
}

func (in *Instance) readBank(base uint32, o vm.Output, dst []float32) {
	if dst == nil {
		return
	}
	b := bank{mem: in.mem, base: base}
	for s := 0; s < o.Type.SlotCount() && s < len(dst); s++ {
		dst[s] = b.loadF(uint32(o.Offset) + uint32(s))
	}
}
