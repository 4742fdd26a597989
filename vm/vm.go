package vm

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/vesper-lang/vesper/pkg/bytecode"
)

// maxCallDepth bounds the VM call stack. Tail calls reuse the current frame
// and do not count against it.
const maxCallDepth = 1024

// DebugHook is implemented by an attached debugger. The VM consults it on
// Breakpoint and DebugCheckpoint instructions; OnBreak blocks until the
// debugger resumes execution.
type DebugHook interface {
	// WantsStop reports whether a checkpoint at this code offset should
	// stop (breakpoint set, or a step in progress).
	WantsStop(offset int) bool

	// OnBreak is called with the VM stopped at offset. forced is true for
	// the unconditional Breakpoint instruction.
	OnBreak(vm *VM, offset int, forced bool)
}

// VM is a single-threaded stack machine executing program images. Each VM
// owns its global object and buffer pool; instances share no mutable state,
// so separate host threads may each own one.
type VM struct {
	globals *Object
	pool    *Pool

	frame *frame // current frame, nil when idle
	depth int

	hook DebugHook

	arrayProto  map[string]NativeFn
	stringProto map[string]NativeFn
	objectProto map[string]NativeFn
}

// New creates a VM with a default pool and the built-in globals installed.
func New() *VM {
	vm := &VM{
		globals: NewObject(),
		pool:    NewPool(defaultPoolEntries, defaultPoolSize),
	}
	vm.installBuiltins()
	return vm
}

// NewWithPool creates a VM with explicit pool geometry.
func NewWithPool(maxPooled, maxSize int) *VM {
	vm := &VM{
		globals: NewObject(),
		pool:    NewPool(maxPooled, maxSize),
	}
	vm.installBuiltins()
	return vm
}

// Globals returns the VM's global object. Writes persist across calls.
func (vm *VM) Globals() *Object { return vm.globals }

// Global reads a global by name, Undefined when missing.
func (vm *VM) Global(name string) Value {
	v, _ := vm.globals.Get(NewString(name))
	return v
}

// SetGlobal writes a global by name.
func (vm *VM) SetGlobal(name string, v Value) {
	vm.globals.Set(NewString(name), v)
}

// RegisterNative exposes a host function as a global.
func (vm *VM) RegisterNative(name string, fn NativeFn) {
	vm.SetGlobal(name, NewFunctionValue(&Function{Name: name, Native: fn}))
}

// SetDebugHook attaches (or detaches, with nil) a debugger.
func (vm *VM) SetDebugHook(h DebugHook) { vm.hook = h }

// Pool exposes the VM's buffer pool for instrumentation.
func (vm *VM) Pool() *Pool { return vm.pool }

// Depth returns the current call stack depth.
func (vm *VM) Depth() int { return vm.depth }

// Execute runs an image's entry function and returns its result.
func (vm *VM) Execute(img *bytecode.Image) (Value, error) {
	if len(img.Functions) == 0 {
		return Undefined, runtimeErrorf("image has no functions")
	}
	main := &Function{
		Name:  img.Functions[0].DebugName,
		Image: img,
		Desc:  &img.Functions[0],
	}
	return vm.CallValue(NewFunctionValue(main), nil)
}

// CallValue invokes any callable value with the given arguments. This is
// the embedder entry point and the path meta-method dispatch takes.
func (vm *VM) CallValue(callee Value, args []Value) (Value, error) {
	v, err := vm.callValue(callee, args)
	if err != nil {
		return Undefined, asEngineError(err)
	}
	return v, nil
}

// CallMember resolves recv.name and invokes it with the receiver as the
// first argument.
func (vm *VM) CallMember(recv Value, name string, args ...Value) (Value, error) {
	callee, err := vm.resolveMember(recv, name)
	if err != nil {
		return Undefined, err
	}
	full := make([]Value, 0, len(args)+1)
	full = append(full, recv)
	full = append(full, args...)
	return vm.CallValue(callee, full)
}

// callValue dispatches natives directly and runs closures on a fresh root
// frame.
func (vm *VM) callValue(callee Value, args []Value) (Value, error) {
	if !callee.IsFunction() {
		if callee.IsObject() {
			if meta, ok := callee.Object().metaLookup("__call"); ok {
				full := append([]Value{callee}, args...)
				return vm.callValue(meta, full)
			}
		}
		return Undefined, typeErrorf("value of type %s is not callable", callee.Kind())
	}
	fn := callee.Function()
	if fn.IsNative() {
		v, err := fn.Native(vm, args)
		if err != nil {
			return Undefined, asEngineError(err)
		}
		return v, nil
	}
	if fn.Desc.IsSequence {
		return newSequenceValue(vm, fn, args), nil
	}
	if vm.depth >= maxCallDepth {
		return Undefined, runtimeErrorf("stack overflow")
	}
	f := newFrame(vm.pool, fn, args)
	vm.depth++
	v, suspended, err := vm.run(f)
	if suspended {
		// Only sequence frames may suspend, and they are never started
		// through callValue.
		return Undefined, runtimeErrorf("unexpected suspend outside sequence")
	}
	return v, err
}

// ---------------------------------------------------------------------------
// Execution loop
// ---------------------------------------------------------------------------

// run executes the frame chain rooted at f until the root returns or (for
// sequence roots) suspends. Nested bytecode calls swap frames instead of
// recursing, so script recursion depth never grows the Go stack.
func (vm *VM) run(root *frame) (result Value, suspended bool, err error) {
	f := root
	prev := vm.frame
	vm.frame = f
	defer func() { vm.frame = prev }()

	for {
		code := f.img.Code
		if f.ip < 0 || f.ip >= len(code) {
			return Undefined, false, vm.fail(f, f.ip, runtimeErrorf("instruction pointer out of range"))
		}
		instrOff := f.ip
		op := bytecode.Opcode(code[f.ip])
		f.ip++

		var ierr error
		switch op {

		// ------------------------------------------------------------
		// Stack shuffling
		// ------------------------------------------------------------
		case bytecode.OpDup:
			var v Value
			if v, ierr = f.peek(); ierr == nil {
				ierr = f.push(v)
			}

		case bytecode.OpDup2:
			if f.sp < 2 {
				ierr = runtimeErrorf("evaluation stack underflow")
				break
			}
			a, b := f.eval[f.sp-2], f.eval[f.sp-1]
			if ierr = f.push(a); ierr == nil {
				ierr = f.push(b)
			}

		case bytecode.OpDrop:
			_, ierr = f.pop()

		case bytecode.OpSwap:
			if f.sp < 2 {
				ierr = runtimeErrorf("evaluation stack underflow")
				break
			}
			f.eval[f.sp-1], f.eval[f.sp-2] = f.eval[f.sp-2], f.eval[f.sp-1]

		case bytecode.OpSwap1For2:
			if f.sp < 3 {
				ierr = runtimeErrorf("evaluation stack underflow")
				break
			}
			a, b, c := f.eval[f.sp-3], f.eval[f.sp-2], f.eval[f.sp-1]
			f.eval[f.sp-3], f.eval[f.sp-2], f.eval[f.sp-1] = c, a, b

		// ------------------------------------------------------------
		// Constants
		// ------------------------------------------------------------
		case bytecode.OpLdUndef:
			ierr = f.push(Undefined)
		case bytecode.OpLdNull:
			ierr = f.push(Null)
		case bytecode.OpLdTrue:
			ierr = f.push(True)
		case bytecode.OpLdFalse:
			ierr = f.push(False)

		case bytecode.OpLdNum:
			idx := f.readU32()
			if int(idx) >= len(f.img.Numbers) {
				ierr = runtimeErrorf("number constant %d out of range", idx)
				break
			}
			ierr = f.push(NewNumber(f.img.Numbers[idx]))

		case bytecode.OpLdStr:
			idx := f.readU32()
			if int(idx) >= len(f.img.Strings) {
				ierr = runtimeErrorf("string constant %d out of range", idx)
				break
			}
			ierr = f.push(NewString(f.img.Strings[idx]))

		// ------------------------------------------------------------
		// Globals
		// ------------------------------------------------------------
		case bytecode.OpLdGlobal:
			ierr = f.push(NewObjectValue(vm.globals))

		case bytecode.OpLdGlobalFld:
			name := f.img.StringAt(f.readU32())
			v, _ := vm.globals.Get(NewString(name))
			ierr = f.push(v)

		// ------------------------------------------------------------
		// Locals and arguments
		// ------------------------------------------------------------
		case bytecode.OpLdLocF:
			slot := f.readU16()
			ierr = f.push(f.getLocal(slot))

		case bytecode.OpStLocF:
			slot := f.readU16()
			var v Value
			if v, ierr = f.pop(); ierr == nil {
				f.setLocal(slot, v)
			}

		case bytecode.OpLdArgF:
			slot := f.readU16()
			if int(slot) >= len(f.args) {
				ierr = f.push(Undefined)
			} else {
				ierr = f.push(f.args[slot])
			}

		case bytecode.OpStArgF:
			slot := f.readU16()
			var v Value
			if v, ierr = f.pop(); ierr == nil && int(slot) < len(f.args) {
				f.args[slot] = v
			}

		case bytecode.OpCloseLoc:
			f.closeCell(f.readU16())

		// ------------------------------------------------------------
		// Fields and indexing
		// ------------------------------------------------------------
		case bytecode.OpLdFld:
			name := f.img.StringAt(f.readU32())
			var recv Value
			if recv, ierr = f.pop(); ierr != nil {
				break
			}
			var v Value
			if v, ierr = vm.getField(recv, name); ierr == nil {
				ierr = f.push(v)
			}

		case bytecode.OpStFld:
			name := f.img.StringAt(f.readU32())
			var recv, v Value
			if recv, ierr = f.pop(); ierr != nil {
				break
			}
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			ierr = vm.setField(recv, name, v)

		case bytecode.OpLdArr:
			var idx, cont Value
			if idx, ierr = f.pop(); ierr != nil {
				break
			}
			if cont, ierr = f.pop(); ierr != nil {
				break
			}
			var v Value
			if v, ierr = vm.getIndex(cont, idx); ierr == nil {
				ierr = f.push(v)
			}

		case bytecode.OpStArr:
			var idx, cont, v Value
			if idx, ierr = f.pop(); ierr != nil {
				break
			}
			if cont, ierr = f.pop(); ierr != nil {
				break
			}
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			ierr = vm.setIndex(cont, idx, v)

		case bytecode.OpLdArrF:
			slot := f.readU16()
			idx := f.readU32()
			cont := f.getLocal(slot)
			if !cont.IsArray() {
				ierr = typeErrorf("cannot index %s with a static array index", cont.Kind())
				break
			}
			ierr = f.push(cont.Array().Get(int(idx)))

		case bytecode.OpStArrF:
			slot := f.readU16()
			idx := f.readU32()
			cont := f.getLocal(slot)
			var v Value
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			if !cont.IsArray() {
				ierr = typeErrorf("cannot index %s with a static array index", cont.Kind())
				break
			}
			ierr = cont.Array().Set(int(idx), v)

		// ------------------------------------------------------------
		// Upvalues
		// ------------------------------------------------------------
		case bytecode.OpLdUp:
			snapshot := NewArray()
			for _, c := range f.fn.Upvalues {
				snapshot.Add(c.V)
			}
			ierr = f.push(NewArrayValue(snapshot))

		case bytecode.OpLdUpValue:
			slot := f.readU16()
			if int(slot) >= len(f.fn.Upvalues) {
				ierr = runtimeErrorf("upvalue %d out of range", slot)
				break
			}
			ierr = f.push(f.fn.Upvalues[slot].V)

		case bytecode.OpStUpValue:
			slot := f.readU16()
			var v Value
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			if int(slot) >= len(f.fn.Upvalues) {
				ierr = runtimeErrorf("upvalue %d out of range", slot)
				break
			}
			f.fn.Upvalues[slot].V = v

		// ------------------------------------------------------------
		// Sequences
		// ------------------------------------------------------------
		case bytecode.OpSeqResume:
			// First instruction after a suspend point: the value of the
			// yield expression for the resumed body.
			ierr = f.push(Undefined)

		case bytecode.OpSeqSuspend:
			var v Value
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			if f.seq == nil {
				ierr = runtimeErrorf("yield outside sequence")
				break
			}
			f.seq.last = v
			f.seq.state = SeqSuspended
			return v, true, nil

		// ------------------------------------------------------------
		// Constructors
		// ------------------------------------------------------------
		case bytecode.OpNewObject:
			ierr = f.push(NewObjectValue(NewObject()))

		case bytecode.OpNewArray:
			n := int(f.readU32())
			if f.sp < n {
				ierr = runtimeErrorf("evaluation stack underflow")
				break
			}
			elems := make([]Value, n)
			copy(elems, f.eval[f.sp-n:f.sp])
			for i := f.sp - n; i < f.sp; i++ {
				f.eval[i] = Value{}
			}
			f.sp -= n
			ierr = f.push(NewArrayValue(&Array{Elems: elems}))

		case bytecode.OpSlice:
			var end, start, cont Value
			if end, ierr = f.pop(); ierr != nil {
				break
			}
			if start, ierr = f.pop(); ierr != nil {
				break
			}
			if cont, ierr = f.pop(); ierr != nil {
				break
			}
			var v Value
			if v, ierr = vm.slice(cont, start, end); ierr == nil {
				ierr = f.push(v)
			}

		// ------------------------------------------------------------
		// Arithmetic
		// ------------------------------------------------------------
		case bytecode.OpAdd, bytecode.OpSub, bytecode.OpMul, bytecode.OpDiv,
			bytecode.OpMod, bytecode.OpExp:
			var b, a Value
			if b, ierr = f.pop(); ierr != nil {
				break
			}
			if a, ierr = f.pop(); ierr != nil {
				break
			}
			var v Value
			if v, ierr = vm.arith(op, a, b); ierr == nil {
				ierr = f.push(v)
			}

		case bytecode.OpNeg:
			var a Value
			if a, ierr = f.pop(); ierr != nil {
				break
			}
			switch {
			case a.IsNumber():
				ierr = f.push(NewNumber(-a.Number()))
			case a.IsObject():
				if meta, ok := a.Object().metaLookup("__neg"); ok {
					var v Value
					if v, ierr = vm.callValue(meta, []Value{a}); ierr == nil {
						ierr = f.push(v)
					}
					break
				}
				ierr = typeErrorf("cannot negate %s", a.Kind())
			default:
				ierr = typeErrorf("cannot negate %s", a.Kind())
			}

		// ------------------------------------------------------------
		// Comparison
		// ------------------------------------------------------------
		case bytecode.OpEq, bytecode.OpNeq:
			var b, a Value
			if b, ierr = f.pop(); ierr != nil {
				break
			}
			if a, ierr = f.pop(); ierr != nil {
				break
			}
			var eq bool
			if eq, ierr = vm.valuesEqual(a, b); ierr == nil {
				if op == bytecode.OpNeq {
					eq = !eq
				}
				ierr = f.push(NewBool(eq))
			}

		case bytecode.OpGt, bytecode.OpGte, bytecode.OpLt, bytecode.OpLte:
			var b, a Value
			if b, ierr = f.pop(); ierr != nil {
				break
			}
			if a, ierr = f.pop(); ierr != nil {
				break
			}
			var v Value
			if v, ierr = vm.compare(op, a, b); ierr == nil {
				ierr = f.push(v)
			}

		// ------------------------------------------------------------
		// Logical and bitwise
		// ------------------------------------------------------------
		case bytecode.OpNot:
			var a Value
			if a, ierr = f.pop(); ierr == nil {
				ierr = f.push(NewBool(!a.Truthy()))
			}

		case bytecode.OpBitLShift, bytecode.OpBitRShift, bytecode.OpBitAnd,
			bytecode.OpBitOr, bytecode.OpBitXor:
			var b, a Value
			if b, ierr = f.pop(); ierr != nil {
				break
			}
			if a, ierr = f.pop(); ierr != nil {
				break
			}
			if !a.IsNumber() || !b.IsNumber() {
				ierr = typeErrorf("bitwise operation on %s and %s", a.Kind(), b.Kind())
				break
			}
			x, y := toInt32(a.Number()), toInt32(b.Number())
			var r int32
			switch op {
			case bytecode.OpBitLShift:
				r = x << (uint32(y) & 31)
			case bytecode.OpBitRShift:
				r = x >> (uint32(y) & 31)
			case bytecode.OpBitAnd:
				r = x & y
			case bytecode.OpBitOr:
				r = x | y
			case bytecode.OpBitXor:
				r = x ^ y
			}
			ierr = f.push(NewNumber(float64(r)))

		case bytecode.OpBitNot:
			var a Value
			if a, ierr = f.pop(); ierr != nil {
				break
			}
			if !a.IsNumber() {
				ierr = typeErrorf("bitwise operation on %s", a.Kind())
				break
			}
			ierr = f.push(NewNumber(float64(^toInt32(a.Number()))))

		// ------------------------------------------------------------
		// Membership
		// ------------------------------------------------------------
		case bytecode.OpIn, bytecode.OpNotIn:
			var cont, key Value
			if cont, ierr = f.pop(); ierr != nil {
				break
			}
			if key, ierr = f.pop(); ierr != nil {
				break
			}
			var in bool
			if in, ierr = vm.contains(cont, key); ierr == nil {
				if op == bytecode.OpNotIn {
					in = !in
				}
				ierr = f.push(NewBool(in))
			}

		// ------------------------------------------------------------
		// Control flow
		// ------------------------------------------------------------
		case bytecode.OpJmp:
			f.ip = int(f.readU32())

		case bytecode.OpJmpTrue, bytecode.OpJmpFalse:
			target := int(f.readU32())
			var v Value
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			if v.Truthy() == (op == bytecode.OpJmpTrue) {
				f.ip = target
			}

		case bytecode.OpJmpTrueP, bytecode.OpJmpFalseP:
			target := int(f.readU32())
			var v Value
			if v, ierr = f.peek(); ierr != nil {
				break
			}
			if v.Truthy() == (op == bytecode.OpJmpTrueP) {
				f.ip = target
			}

		case bytecode.OpJmpTable:
			base := int(int32(f.readU32()))
			count := int(f.readU32())
			def := int(f.readU32())
			targets := make([]int, count)
			for i := range targets {
				targets[i] = int(f.readU32())
			}
			var v Value
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			f.ip = def
			if v.IsNumber() {
				n := v.Number()
				if n == math.Trunc(n) {
					idx := int(n) - base
					if idx >= 0 && idx < count {
						f.ip = targets[idx]
					}
				}
			}

		// ------------------------------------------------------------
		// Calls
		// ------------------------------------------------------------
		case bytecode.OpClosure:
			idx := f.readU32()
			if int(idx) >= len(f.img.Functions) {
				ierr = runtimeErrorf("function %d out of range", idx)
				break
			}
			desc := &f.img.Functions[idx]
			ups := make([]*Cell, len(desc.Captures))
			for i, c := range desc.Captures {
				switch c.Source {
				case bytecode.CaptureLocal:
					ups[i] = f.cellFor(c.Index)
				case bytecode.CaptureUpvalue:
					if int(c.Index) >= len(f.fn.Upvalues) {
						ierr = runtimeErrorf("capture upvalue %d out of range", c.Index)
					} else {
						ups[i] = f.fn.Upvalues[c.Index]
					}
				}
			}
			if ierr != nil {
				break
			}
			ierr = f.push(NewFunctionValue(&Function{
				Name:     desc.DebugName,
				Image:    f.img,
				Desc:     desc,
				Upvalues: ups,
			}))

		case bytecode.OpCall, bytecode.OpInstanceCall:
			var name string
			if op == bytecode.OpInstanceCall {
				name = f.img.StringAt(f.readU32())
			}
			argc := int(f.readU32())
			if f.sp < argc+1 {
				ierr = runtimeErrorf("evaluation stack underflow")
				break
			}
			argv := make([]Value, argc)
			copy(argv, f.eval[f.sp-argc:f.sp])
			for i := f.sp - argc; i < f.sp; i++ {
				f.eval[i] = Value{}
			}
			f.sp -= argc
			var callee Value
			if callee, ierr = f.pop(); ierr != nil {
				break
			}
			if op == bytecode.OpInstanceCall {
				recv := callee
				if callee, ierr = vm.resolveMember(recv, name); ierr != nil {
					break
				}
				argv = append([]Value{recv}, argv...)
			}

			var pushed bool
			if pushed, ierr = vm.dispatchCall(&f, callee, argv); ierr != nil || pushed {
				break
			}

		case bytecode.OpTailCall:
			argc := int(f.readU32())
			if f.sp < argc+1 {
				ierr = runtimeErrorf("evaluation stack underflow")
				break
			}
			argv := make([]Value, argc)
			copy(argv, f.eval[f.sp-argc:f.sp])
			f.sp -= argc
			var callee Value
			if callee, ierr = f.pop(); ierr != nil {
				break
			}

			fn := callee.Function()
			if callee.IsFunction() && !fn.IsNative() && !fn.Desc.IsSequence {
				// Reuse the current frame in place.
				f.fn = fn
				f.img = fn.Image
				f.cells = nil
				f.sp = 0
				f.varArgs = nil
				argSlots := int(fn.Desc.NumArgs)
				if fn.Desc.HasVarArgs {
					argSlots++
				}
				f.argsLease.Grow(argSlots)
				f.args = f.argsLease.Values()
				f.localsLease.Grow(int(fn.Desc.NumLocals))
				f.locals = f.localsLease.Values()
				f.bindArgs(argv)
				f.ip = int(fn.Desc.Entry)
				break
			}

			// Natives, sequences and meta-callables cannot reuse the
			// frame: perform an ordinary call, then return its result.
			var v Value
			if v, ierr = vm.callValue(callee, argv); ierr != nil {
				break
			}
			var done bool
			if result, done, ierr = vm.doReturn(&f, v); done {
				return result, false, ierr
			}

		case bytecode.OpEnter:
			n := int(f.readU32())
			f.localsLease.Grow(n)
			f.locals = f.localsLease.Values()

		case bytecode.OpVarArgs:
			fixed := int(f.readU32())
			if f.varArgs == nil {
				rest := NewArray()
				if len(f.args) > fixed {
					rest.Elems = append(rest.Elems, f.args[fixed:]...)
				}
				f.varArgs = rest
			}

		case bytecode.OpRet:
			var v Value
			if v, ierr = f.pop(); ierr != nil {
				break
			}
			var done bool
			if result, done, ierr = vm.doReturn(&f, v); done {
				return result, false, ierr
			}

		// ------------------------------------------------------------
		// In-place increment/decrement
		// ------------------------------------------------------------
		case bytecode.OpIncF, bytecode.OpDecF:
			slot := f.readU16()
			v := f.getLocal(slot)
			if !v.IsNumber() {
				ierr = typeErrorf("cannot increment %s", v.Kind())
				break
			}
			delta := 1.0
			if op == bytecode.OpDecF {
				delta = -1
			}
			f.setLocal(slot, NewNumber(v.Number()+delta))

		// ------------------------------------------------------------
		// Debug traps
		// ------------------------------------------------------------
		case bytecode.OpBreakpoint:
			if vm.hook != nil {
				vm.hook.OnBreak(vm, instrOff, true)
			}

		case bytecode.OpDebugCheckpoint:
			if vm.hook != nil && vm.hook.WantsStop(instrOff) {
				vm.hook.OnBreak(vm, instrOff, false)
			}

		default:
			ierr = runtimeErrorf("illegal opcode %d", byte(op))
		}

		if ierr == nil {
			continue
		}

		// Instruction failed: annotate and unwind the handler stack.
		e := vm.fail(f, instrOff, ierr)
		for {
			if h := findHandler(f.fn.Desc, uint32(instrOff)); h != nil {
				f.sp = int(h.EvalDepth)
				target := h.Catch
				if target < 0 {
					target = h.Finally
				}
				if perr := f.push(e.ThrownValue()); perr != nil {
					return Undefined, false, vm.fail(f, instrOff, perr)
				}
				f.ip = int(target)
				break
			}
			// No handler in this frame: pop it and keep unwinding.
			if f.caller == nil {
				if f.seq != nil {
					f.seq.state = SeqErrored
					f.seq.last = Undefined
				} else {
					vm.depth--
				}
				f.release()
				return Undefined, false, e
			}
			caller := f.caller
			f.release()
			vm.depth--
			f = caller
			vm.frame = f
			instrOff = f.ip
		}
		vm.frame = f
	}
}

// doReturn implements Ret: tear down the frame and deliver the value to the
// caller, or finish the run when the root frame returns. done reports that
// run should exit with result.
func (vm *VM) doReturn(fp **frame, v Value) (Value, bool, error) {
	f := *fp
	if f.caller == nil {
		if f.seq != nil {
			f.seq.state = SeqCompleted
			f.seq.last = Undefined
		} else {
			vm.depth--
		}
		f.release()
		return v, true, nil
	}
	caller := f.caller
	f.release()
	vm.depth--
	*fp = caller
	vm.frame = caller
	if err := caller.push(v); err != nil {
		return Undefined, true, err
	}
	return Undefined, false, nil
}

// dispatchCall implements Call/InstanceCall once the callee and argument
// vector are in hand. For bytecode closures it pushes a frame and returns
// pushed=true; natives and sequence constructors complete inline.
func (vm *VM) dispatchCall(fp **frame, callee Value, argv []Value) (bool, error) {
	f := *fp
	if !callee.IsFunction() {
		if callee.IsObject() {
			if meta, ok := callee.Object().metaLookup("__call"); ok {
				full := append([]Value{callee}, argv...)
				v, err := vm.callValue(meta, full)
				if err != nil {
					return false, err
				}
				return false, f.push(v)
			}
		}
		return false, typeErrorf("value of type %s is not callable", callee.Kind())
	}
	fn := callee.Function()
	if fn.IsNative() {
		v, err := fn.Native(vm, argv)
		if err != nil {
			return false, asEngineError(err)
		}
		return false, f.push(v)
	}
	if fn.Desc.IsSequence {
		return false, f.push(newSequenceValue(vm, fn, argv))
	}
	if vm.depth >= maxCallDepth {
		return false, runtimeErrorf("stack overflow")
	}
	nf := newFrame(vm.pool, fn, argv)
	nf.caller = f
	vm.depth++
	*fp = nf
	vm.frame = nf
	return true, nil
}

// fail converts an instruction error to *Error and stamps the source
// position of the failing instruction from the image debug tables.
func (vm *VM) fail(f *frame, instrOff int, err error) *Error {
	e := asEngineError(err)
	if e.File == "" && e.Line == 0 && f.img != nil {
		if fileIdx, line, ok := f.img.Debug.PositionFor(uint32(instrOff)); ok {
			e.File = f.img.StringAt(fileIdx)
			e.Line = int(line)
		}
	}
	return e
}

// findHandler picks the innermost handler record covering ip: the covering
// record with the greatest Start, breaking ties toward the narrower range.
func findHandler(desc *bytecode.FuncDesc, ip uint32) *bytecode.HandlerRecord {
	var best *bytecode.HandlerRecord
	for i := range desc.Handlers {
		h := &desc.Handlers[i]
		if !h.Covers(ip) {
			continue
		}
		if best == nil || h.Start > best.Start ||
			(h.Start == best.Start && h.End < best.End) {
			best = h
		}
	}
	return best
}

// ---------------------------------------------------------------------------
// Operand readers
// ---------------------------------------------------------------------------

func (f *frame) readU32() uint32 {
	v := binary.LittleEndian.Uint32(f.img.Code[f.ip:])
	f.ip += 4
	return v
}

func (f *frame) readU16() uint16 {
	v := binary.LittleEndian.Uint16(f.img.Code[f.ip:])
	f.ip += 2
	return v
}

// ---------------------------------------------------------------------------
// Operator semantics
// ---------------------------------------------------------------------------

var metaNames = map[bytecode.Opcode]string{
	bytecode.OpAdd: "__add",
	bytecode.OpSub: "__sub",
	bytecode.OpMul: "__mul",
	bytecode.OpDiv: "__div",
	bytecode.OpMod: "__mod",
	bytecode.OpExp: "__exp",
	bytecode.OpGt:  "__gt",
	bytecode.OpGte: "__gte",
	bytecode.OpLt:  "__lt",
	bytecode.OpLte: "__lte",
}

// binaryMeta dispatches an operator through an operand's prototype chain.
func (vm *VM) binaryMeta(op bytecode.Opcode, a, b Value) (Value, bool, error) {
	name := metaNames[op]
	if name == "" {
		return Undefined, false, nil
	}
	for _, operand := range [2]Value{a, b} {
		if !operand.IsObject() {
			continue
		}
		if meta, ok := operand.Object().metaLookup(name); ok {
			v, err := vm.callValue(meta, []Value{a, b})
			return v, true, err
		}
	}
	return Undefined, false, nil
}

// arith implements Add/Sub/Mul/Div/Mod/Exp with double semantics; Add is
// overloaded for string concatenation when either operand is a string.
func (vm *VM) arith(op bytecode.Opcode, a, b Value) (Value, error) {
	if op == bytecode.OpAdd && (a.IsString() || b.IsString()) {
		return NewString(ToString(a) + ToString(b)), nil
	}
	if a.IsNumber() && b.IsNumber() {
		x, y := a.Number(), b.Number()
		switch op {
		case bytecode.OpAdd:
			return NewNumber(x + y), nil
		case bytecode.OpSub:
			return NewNumber(x - y), nil
		case bytecode.OpMul:
			return NewNumber(x * y), nil
		case bytecode.OpDiv:
			return NewNumber(x / y), nil
		case bytecode.OpMod:
			return NewNumber(math.Mod(x, y)), nil
		case bytecode.OpExp:
			return NewNumber(math.Pow(x, y)), nil
		}
	}
	if v, ok, err := vm.binaryMeta(op, a, b); ok || err != nil {
		return v, err
	}
	return Undefined, typeErrorf("cannot apply %s to %s and %s", op, a.Kind(), b.Kind())
}

// valuesEqual implements Eq with __eq meta dispatch.
func (vm *VM) valuesEqual(a, b Value) (bool, error) {
	for _, operand := range [2]Value{a, b} {
		if !operand.IsObject() {
			continue
		}
		if meta, ok := operand.Object().metaLookup("__eq"); ok {
			v, err := vm.callValue(meta, []Value{a, b})
			if err != nil {
				return false, err
			}
			return v.Truthy(), nil
		}
	}
	return Equal(a, b), nil
}

// compare implements ordered comparison: numbers numerically, strings
// lexicographically, anything else through a meta-method or TypeError.
func (vm *VM) compare(op bytecode.Opcode, a, b Value) (Value, error) {
	var c int
	switch {
	case a.IsNumber() && b.IsNumber():
		x, y := a.Number(), b.Number()
		switch {
		case x < y:
			c = -1
		case x > y:
			c = 1
		}
	case a.IsString() && b.IsString():
		c = strings.Compare(a.Str(), b.Str())
	default:
		if v, ok, err := vm.binaryMeta(op, a, b); ok || err != nil {
			return v, err
		}
		return Undefined, typeErrorf("cannot order %s and %s", a.Kind(), b.Kind())
	}
	switch op {
	case bytecode.OpGt:
		return NewBool(c > 0), nil
	case bytecode.OpGte:
		return NewBool(c >= 0), nil
	case bytecode.OpLt:
		return NewBool(c < 0), nil
	default:
		return NewBool(c <= 0), nil
	}
}

// contains implements In: string-key (any-key) lookup for objects, linear
// search for arrays, substring for strings.
func (vm *VM) contains(cont, key Value) (bool, error) {
	switch cont.Kind() {
	case KindObject:
		if meta, ok := cont.Object().metaLookup("__in"); ok {
			v, err := vm.callValue(meta, []Value{key, cont})
			if err != nil {
				return false, err
			}
			return v.Truthy(), nil
		}
		_, found := cont.Object().Get(key)
		return found, nil
	case KindArray:
		return cont.Array().Contains(key), nil
	case KindString:
		if !key.IsString() {
			return false, typeErrorf("cannot search a string for %s", key.Kind())
		}
		return strings.Contains(cont.Str(), key.Str()), nil
	default:
		return false, typeErrorf("cannot apply 'in' to %s", cont.Kind())
	}
}

// getField implements LdFld: prototype-chain lookup for objects with
// __get fallback, builtin members for arrays and strings. Missing object
// keys read as Undefined.
func (vm *VM) getField(recv Value, name string) (Value, error) {
	switch recv.Kind() {
	case KindObject:
		obj := recv.Object()
		if v, found := obj.Get(NewString(name)); found {
			return v, nil
		}
		if meta, ok := obj.metaLookup("__get"); ok {
			return vm.callValue(meta, []Value{recv, NewString(name)})
		}
		if fn, ok := vm.objectProto[name]; ok {
			return NewFunctionValue(&Function{Name: name, Native: fn}), nil
		}
		return Undefined, nil
	case KindArray:
		if name == "length" {
			return NewNumber(float64(recv.Array().Len())), nil
		}
		if fn, ok := vm.arrayProto[name]; ok {
			return NewFunctionValue(&Function{Name: name, Native: fn}), nil
		}
		return Undefined, nil
	case KindString:
		if name == "length" {
			return NewNumber(float64(len(recv.Str()))), nil
		}
		if fn, ok := vm.stringProto[name]; ok {
			return NewFunctionValue(&Function{Name: name, Native: fn}), nil
		}
		return Undefined, nil
	case KindUndefined, KindNull:
		return Undefined, typeErrorf("cannot read field %q of %s", name, recv.Kind())
	default:
		return Undefined, nil
	}
}

// setField implements StFld.
func (vm *VM) setField(recv Value, name string, v Value) error {
	if !recv.IsObject() {
		return typeErrorf("cannot write field %q of %s", name, recv.Kind())
	}
	obj := recv.Object()
	if _, own := obj.GetOwn(NewString(name)); !own {
		if meta, ok := obj.metaLookup("__set"); ok {
			_, err := vm.callValue(meta, []Value{recv, NewString(name), v})
			return err
		}
	}
	return obj.Set(NewString(name), v)
}

// getIndex implements LdArr.
func (vm *VM) getIndex(cont, idx Value) (Value, error) {
	switch cont.Kind() {
	case KindArray:
		if !idx.IsNumber() {
			return Undefined, typeErrorf("array index must be a number, not %s", idx.Kind())
		}
		return cont.Array().Get(int(idx.Number())), nil
	case KindObject:
		obj := cont.Object()
		if v, found := obj.Get(idx); found {
			return v, nil
		}
		if meta, ok := obj.metaLookup("__getIndex"); ok {
			return vm.callValue(meta, []Value{cont, idx})
		}
		return Undefined, nil
	case KindString:
		if !idx.IsNumber() {
			return Undefined, typeErrorf("string index must be a number, not %s", idx.Kind())
		}
		i := int(idx.Number())
		s := cont.Str()
		if i < 0 || i >= len(s) {
			return Undefined, nil
		}
		return NewString(s[i : i+1]), nil
	default:
		return Undefined, typeErrorf("cannot index %s", cont.Kind())
	}
}

// setIndex implements StArr.
func (vm *VM) setIndex(cont, idx, v Value) error {
	switch cont.Kind() {
	case KindArray:
		if !idx.IsNumber() {
			return typeErrorf("array index must be a number, not %s", idx.Kind())
		}
		return cont.Array().Set(int(idx.Number()), v)
	case KindObject:
		obj := cont.Object()
		if _, own := obj.GetOwn(idx); !own {
			if meta, ok := obj.metaLookup("__setIndex"); ok {
				_, err := vm.callValue(meta, []Value{cont, idx, v})
				return err
			}
		}
		return obj.Set(idx, v)
	default:
		return typeErrorf("cannot index %s", cont.Kind())
	}
}

// slice implements the Slice instruction for arrays and strings.
func (vm *VM) slice(cont, start, end Value) (Value, error) {
	toIdx := func(v Value, def int) (int, error) {
		if v.IsUndefined() || v.IsNull() {
			return def, nil
		}
		if !v.IsNumber() {
			return 0, typeErrorf("slice bound must be a number, not %s", v.Kind())
		}
		return int(v.Number()), nil
	}
	switch cont.Kind() {
	case KindArray:
		arr := cont.Array()
		s, err := toIdx(start, 0)
		if err != nil {
			return Undefined, err
		}
		e, err := toIdx(end, arr.Len())
		if err != nil {
			return Undefined, err
		}
		return NewArrayValue(arr.Slice(s, e)), nil
	case KindString:
		str := cont.Str()
		s, err := toIdx(start, 0)
		if err != nil {
			return Undefined, err
		}
		e, err := toIdx(end, len(str))
		if err != nil {
			return Undefined, err
		}
		if s < 0 {
			s = 0
		}
		if e > len(str) {
			e = len(str)
		}
		if s >= e {
			return NewString(""), nil
		}
		return NewString(str[s:e]), nil
	default:
		return Undefined, typeErrorf("cannot slice %s", cont.Kind())
	}
}

// resolveMember resolves recv.name to a callable for InstanceCall.
func (vm *VM) resolveMember(recv Value, name string) (Value, error) {
	v, err := vm.getField(recv, name)
	if err != nil {
		return Undefined, err
	}
	if v.IsUndefined() {
		return Undefined, typeErrorf("%s has no method %q", recv.Kind(), name)
	}
	if !v.IsFunction() && !v.IsObject() {
		return Undefined, typeErrorf("field %q of %s is not callable", name, recv.Kind())
	}
	return v, nil
}

// StackFrameInfo describes one frame for debugger stack traces.
type StackFrameInfo struct {
	Function string
	File     string
	Line     int
	Offset   int
}

// StackTrace walks the current frame chain, resolving positions through the
// image debug tables.
func (vm *VM) StackTrace() []StackFrameInfo {
	var out []StackFrameInfo
	for f := vm.frame; f != nil; f = f.caller {
		info := StackFrameInfo{Offset: f.ip}
		if f.fn != nil {
			info.Function = f.fn.Name
			if info.Function == "" {
				info.Function = "<anonymous>"
			}
		}
		if f.img != nil {
			if fileIdx, line, ok := f.img.Debug.PositionFor(uint32(f.ip)); ok {
				info.File = f.img.StringAt(fileIdx)
				info.Line = int(line)
			}
		}
		out = append(out, info)
	}
	return out
}

// describe renders a value for print and the debugger.
func describe(v Value) string {
	switch v.Kind() {
	case KindArray:
		parts := make([]string, v.Array().Len())
		for i, e := range v.Array().Elems {
			parts[i] = describe(e)
		}
		return "[" + strings.Join(parts, ", ") + "]"
	case KindObject:
		var parts []string
		v.Object().Each(func(k, val Value) bool {
			parts = append(parts, fmt.Sprintf("%s: %s", ToString(k), describe(val)))
			return true
		})
		return "{" + strings.Join(parts, ", ") + "}"
	case KindString:
		return v.Str()
	default:
		return ToString(v)
	}
}
