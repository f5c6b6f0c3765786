package dual

import (
	"github.com/procgraph/fieldvm/pkg/types"
	"github.com/procgraph/fieldvm/pkg/vm"
)

// memLayout places the three evaluation banks inside the module's linear
// memory. All bases are byte offsets; slot n of a bank lives at
// base + 4*n, matching the interpreter's stack layout.
type memLayout struct {
	bankBytes uint32
	dxBase    uint32
	dyBase    uint32
	pages     uint32
}

const wasmPageSize = 65536

func layoutFor(expr *vm.Expression) memLayout {
	bank := uint32(expr.StackSize()) * 4
	total := 3 * bank
	pages := (total + wasmPageSize - 1) / wasmPageSize
	if pages == 0 {
		pages = 1
	}
	return memLayout{bankBytes: bank, dxBase: bank, dyBase: 2 * bank, pages: pages}
}

func appendUleb(b []byte, v uint32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		if v != 0 {
			c |= 0x80
		}
		b = append(b, c)
		if v == 0 {
			return b
		}
	}
}

func appendSleb(b []byte, v int32) []byte {
	for {
		c := byte(v & 0x7f)
		v >>= 7
		done := (v == 0 && c&0x40 == 0) || (v == -1 && c&0x40 != 0)
		if !done {
			c |= 0x80
		}
		b = append(b, c)
		if done {
			return b
		}
	}
}

// bodyEmitter assembles the straight-line function body: one instruction
// stream position per node, specialized at translation time.
type bodyEmitter struct {
	buf []byte
}

func (e *bodyEmitter) i32Const(v uint32) {
	e.buf = append(e.buf, 0x41)
	e.buf = appendSleb(e.buf, int32(v))
}

func (e *bodyEmitter) call(funcIdx uint32) {
	e.buf = append(e.buf, 0x10)
	e.buf = appendUleb(e.buf, funcIdx)
}

// memFillZero zeroes size bytes at dest.
func (e *bodyEmitter) memFillZero(dest, size uint32) {
	e.i32Const(dest)
	e.i32Const(0)
	e.i32Const(size)
	e.buf = append(e.buf, 0xfc, 0x0b, 0x00)
}

// memCopy copies size bytes from src to dest within the module memory.
func (e *bodyEmitter) memCopy(dest, src, size uint32) {
	e.i32Const(dest)
	e.i32Const(src)
	e.i32Const(size)
	e.buf = append(e.buf, 0xfc, 0x0a, 0x00, 0x00)
}

// Type indices inside the emitted module.
const (
	typeValueKernel = 0 // (i32) -> ()
	typeDerivKernel = 1 // (i32, i32) -> ()
	typeEval        = 2 // () -> ()
)

// importTable assigns a contiguous function index to every kernel symbol
// the body references, in first-use order. The exported eval function
// follows the imports.
type importTable struct {
	syms  []importSym
	index map[string]uint32
}

type importSym struct {
	name    string
	typeIdx byte
}

func (t *importTable) get(name string, typeIdx byte) uint32 {
	if idx, ok := t.index[name]; ok {
		return idx
	}
	if t.index == nil {
		t.index = make(map[string]uint32)
	}
	idx := uint32(len(t.syms))
	t.syms = append(t.syms, importSym{name: name, typeIdx: typeIdx})
	t.index[name] = idx
	return idx
}

// translate lowers a compiled Expression into a WebAssembly module whose
// exported eval function runs the expression once against the module's
// linear memory. Every instruction becomes a call to its opcode's imported
// value kernel plus either two calls to its derivative kernel, one per
// screen axis, or, for operations without a derivative rule, zero fills of
// the derivative banks. The derivative special forms become plain memory
// copies resolved here, at translation time.
func translate(expr *vm.Expression) ([]byte, memLayout, error) {
	lay := layoutFor(expr)
	code := expr.Code()

	var body bodyEmitter
	var imports importTable
	pc := 0
	for pc < len(code) {
		op := vm.Opcode(code[pc])
		info := op.Info()
		if info == nil || info.Name == "" {
			return nil, lay, types.NewError(types.ErrUnknownOpcode,
				"opcode %d at pc %d is outside the closed table", code[pc], pc)
		}
		a := code[pc+1:]

		switch op {
		case vm.OpNoop:

		case vm.OpGetDerivativeFloat, vm.OpGetDerivativeFloat3, vm.OpGetDerivativeFloat4:
			size := uint32(info.Args[2].Type.SlotCount()) * 4
			src := lay.dxBase
			if int32(a[0]) != 0 {
				src = lay.dyBase
			}
			body.memCopy(a[2]*4, src+a[1]*4, size)
			body.memFillZero(lay.dxBase+a[2]*4, size)
			body.memFillZero(lay.dyBase+a[2]*4, size)

		default:
			body.i32Const(uint32(pc))
			body.call(imports.get(valueSymbol(op), typeValueKernel))
			if derivable[op] {
				deriv := imports.get(derivSymbol(op), typeDerivKernel)
				body.i32Const(lay.dxBase)
				body.i32Const(uint32(pc))
				body.call(deriv)
				body.i32Const(lay.dyBase)
				body.i32Const(uint32(pc))
				body.call(deriv)
			} else {
				wi := 0
				for _, arg := range info.Args {
					if arg.Kind == vm.ArgOut {
						size := uint32(arg.Type.SlotCount()) * 4
						body.memFillZero(lay.dxBase+a[wi]*4, size)
						body.memFillZero(lay.dyBase+a[wi]*4, size)
					}
					wi += arg.Words()
				}
			}
		}
		pc += info.Words()
	}
	body.buf = append(body.buf, 0x0b)

	return assembleModule(body.buf, lay, imports), lay, nil
}

func assembleModule(body []byte, lay memLayout, imports importTable) []byte {
	mod := []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00}

	section := func(id byte, payload []byte) {
		mod = append(mod, id)
		mod = appendUleb(mod, uint32(len(payload)))
		mod = append(mod, payload...)
	}
	str := func(b []byte, s string) []byte {
		b = appendUleb(b, uint32(len(s)))
		return append(b, s...)
	}

	// types: (i32)->(), (i32,i32)->(), ()->()
	var typeSec []byte
	typeSec = appendUleb(typeSec, 3)
	typeSec = append(typeSec, 0x60, 0x01, 0x7f, 0x00)
	typeSec = append(typeSec, 0x60, 0x02, 0x7f, 0x7f, 0x00)
	typeSec = append(typeSec, 0x60, 0x00, 0x00)
	section(0x01, typeSec)

	var importSec []byte
	importSec = appendUleb(importSec, uint32(len(imports.syms)))
	for _, sym := range imports.syms {
		importSec = str(importSec, hostModuleName)
		importSec = str(importSec, sym.name)
		importSec = append(importSec, 0x00, sym.typeIdx)
	}
	section(0x02, importSec)

	var funcSec []byte
	funcSec = appendUleb(funcSec, 1)
	funcSec = appendUleb(funcSec, typeEval)
	section(0x03, funcSec)

	var memSec []byte
	memSec = appendUleb(memSec, 1)
	memSec = append(memSec, 0x00)
	memSec = appendUleb(memSec, lay.pages)
	section(0x05, memSec)

	var exportSec []byte
	exportSec = appendUleb(exportSec, 2)
	exportSec = str(exportSec, "eval")
	exportSec = append(exportSec, 0x00)
	exportSec = appendUleb(exportSec, uint32(len(imports.syms)))
	exportSec = str(exportSec, "memory")
	exportSec = append(exportSec, 0x02, 0x00)
	section(0x07, exportSec)

	var codeSec []byte
	codeSec = appendUleb(codeSec, 1)
	codeSec = appendUleb(codeSec, uint32(len(body)+1)) // +1 for the empty locals vector
	codeSec = append(codeSec, 0x00)
	codeSec = append(codeSec, body...)
	section(0x0a, codeSec)

	return mod
}
