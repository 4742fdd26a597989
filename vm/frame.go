package vm

import "github.com/vesper-lang/vesper/pkg/bytecode"

// frame is one activation of a bytecode function. Locals, args and the
// evaluation stack are rented from the VM's pool; the caller link forms the
// VM call stack. A sequence's frame has a nil caller and lives on the heap,
// anchored by its Sequence, until completion.
type frame struct {
	fn  *Function
	ip  int
	img *bytecode.Image

	localsLease *Lease
	argsLease   *Lease
	evalLease   *Lease

	locals []Value
	args   []Value
	eval   []Value
	sp     int // next free eval slot

	varArgs *Array

	// cells holds the shared upvalue cells created for locals of this
	// frame that inner closures captured. Lazily allocated; nil for
	// frames that never build closures.
	cells map[uint16]*Cell

	caller *frame

	// seq is non-nil when this frame belongs to a suspended/running
	// sequence rather than the main call stack.
	seq *Sequence
}

// newFrame rents buffers for an activation of fn and binds the call
// arguments per the call protocol: missing args read as Undefined, excess
// args go to varArgs when declared, and are dropped otherwise.
func newFrame(p *Pool, fn *Function, argv []Value) *frame {
	desc := fn.Desc
	nargs := int(desc.NumArgs)
	argSlots := nargs
	if desc.HasVarArgs {
		argSlots++ // trailing slot holds the varargs array
	}

	f := &frame{
		fn:          fn,
		img:         fn.Image,
		ip:          int(desc.Entry),
		localsLease: p.Acquire(int(desc.NumLocals)),
		argsLease:   p.Acquire(argSlots),
		evalLease:   p.Acquire(p.MaxSize()),
	}
	f.locals = f.localsLease.Values()
	f.args = f.argsLease.Values()
	f.eval = f.evalLease.Values()
	f.bindArgs(argv)
	return f
}

// bindArgs fills the argument slots from argv.
func (f *frame) bindArgs(argv []Value) {
	desc := f.fn.Desc
	nargs := int(desc.NumArgs)
	for i := 0; i < nargs; i++ {
		if i < len(argv) {
			f.args[i] = argv[i]
		} else {
			f.args[i] = Undefined
		}
	}
	if desc.HasVarArgs {
		rest := NewArray()
		if len(argv) > nargs {
			rest.Elems = append(rest.Elems, argv[nargs:]...)
		}
		f.varArgs = rest
		f.args[nargs] = NewArrayValue(rest)
	}
}

// release returns every rented buffer. Idempotent, so unwinding can call it
// unconditionally.
func (f *frame) release() {
	f.localsLease.Release()
	f.argsLease.Release()
	f.evalLease.Release()
	f.locals = nil
	f.args = nil
	f.eval = nil
}

// push appends to the evaluation stack.
func (f *frame) push(v Value) error {
	if f.sp >= len(f.eval) {
		return runtimeErrorf("evaluation stack overflow")
	}
	f.eval[f.sp] = v
	f.sp++
	return nil
}

// pop removes and returns the top of the evaluation stack.
func (f *frame) pop() (Value, error) {
	if f.sp == 0 {
		return Undefined, runtimeErrorf("evaluation stack underflow")
	}
	f.sp--
	v := f.eval[f.sp]
	f.eval[f.sp] = Value{}
	return v, nil
}

// peek returns the top of the evaluation stack without removing it.
func (f *frame) peek() (Value, error) {
	if f.sp == 0 {
		return Undefined, runtimeErrorf("evaluation stack underflow")
	}
	return f.eval[f.sp-1], nil
}

// cellFor returns the shared cell for a local slot, creating it from the
// slot's current value on first capture. Reads and writes of a captured
// slot go through the cell from then on, so the defining frame and every
// closure observe the same storage.
func (f *frame) cellFor(slot uint16) *Cell {
	if f.cells == nil {
		f.cells = make(map[uint16]*Cell)
	}
	if c, ok := f.cells[slot]; ok {
		return c
	}
	c := &Cell{V: f.locals[slot]}
	f.cells[slot] = c
	return c
}

// closeCell severs the shared cell for a local slot, copying the cell's
// value back into the plain slot. The next capture gets a fresh cell; this
// is what gives foreach its per-iteration bindings.
func (f *frame) closeCell(slot uint16) {
	if f.cells == nil {
		return
	}
	if c, ok := f.cells[slot]; ok {
		f.locals[slot] = c.V
		delete(f.cells, slot)
	}
}

// getLocal reads a local, through its cell when captured.
func (f *frame) getLocal(slot uint16) Value {
	if f.cells != nil {
		if c, ok := f.cells[slot]; ok {
			return c.V
		}
	}
	return f.locals[slot]
}

// setLocal writes a local, through its cell when captured.
func (f *frame) setLocal(slot uint16, v Value) {
	if f.cells != nil {
		if c, ok := f.cells[slot]; ok {
			c.V = v
			return
		}
	}
	f.locals[slot] = v
}
