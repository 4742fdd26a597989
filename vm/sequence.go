package vm

// SeqState tracks a sequence through its lifecycle.
type SeqState int

const (
	SeqInitial SeqState = iota
	SeqSuspended
	SeqRunning
	SeqCompleted
	SeqErrored
)

var seqStateNames = [...]string{
	SeqInitial:   "initial",
	SeqSuspended: "suspended",
	SeqRunning:   "running",
	SeqCompleted: "completed",
	SeqErrored:   "errored",
}

func (s SeqState) String() string {
	if int(s) < len(seqStateNames) {
		return seqStateNames[s]
	}
	return "unknown"
}

// Sequence is a generator instance. Its frame lives on the heap, anchored
// here and never placed on the main call stack; locals and eval stack stay
// rented from the pool until the sequence completes or errors, at which
// point the buffers are returned.
type Sequence struct {
	vm    *VM
	fn    *Function
	args  []Value
	frame *frame
	state SeqState
	last  Value
}

// State returns the sequence's lifecycle state.
func (s *Sequence) State() SeqState { return s.state }

// Current returns the most recently yielded value, Undefined before the
// first yield and after completion.
func (s *Sequence) Current() Value { return s.last }

// MoveNext advances the sequence to its next yield. It returns true with a
// fresh value available via Current, or false when the body has returned.
func (s *Sequence) MoveNext() (bool, error) {
	switch s.state {
	case SeqCompleted, SeqErrored:
		s.last = Undefined
		return false, nil
	case SeqRunning:
		return false, runtimeErrorf("sequence is already running")
	case SeqInitial:
		s.frame = newFrame(s.vm.pool, s.fn, s.args)
		s.frame.seq = s
		s.args = nil
	}

	s.state = SeqRunning
	_, suspended, err := s.vm.run(s.frame)
	if err != nil {
		// run marked the state and released the frame.
		s.frame = nil
		return false, err
	}
	if !suspended {
		// Ret: completed; buffers already returned.
		s.frame = nil
		s.last = Undefined
		return false, nil
	}
	return true, nil
}

// newSequenceValue wraps a sequence function invocation as the script-level
// enumerator object exposing getEnumerator, moveNext and current.
func newSequenceValue(vm *VM, fn *Function, args []Value) Value {
	seq := &Sequence{
		vm:   vm,
		fn:   fn,
		args: append([]Value(nil), args...),
	}

	obj := NewObject()
	obj.UserData = seq

	obj.Set(NewString("getEnumerator"), NewFunctionValue(&Function{
		Name: "getEnumerator",
		Native: func(vm *VM, argv []Value) (Value, error) {
			if len(argv) == 0 {
				return Undefined, typeErrorf("getEnumerator requires a receiver")
			}
			return argv[0], nil
		},
	}))

	obj.Set(NewString("moveNext"), NewFunctionValue(&Function{
		Name: "moveNext",
		Native: func(vm *VM, argv []Value) (Value, error) {
			s, err := sequenceOf(argv)
			if err != nil {
				return Undefined, err
			}
			ok, err := s.MoveNext()
			if err != nil {
				return Undefined, err
			}
			return NewBool(ok), nil
		},
	}))

	obj.Set(NewString("current"), NewFunctionValue(&Function{
		Name: "current",
		Native: func(vm *VM, argv []Value) (Value, error) {
			s, err := sequenceOf(argv)
			if err != nil {
				return Undefined, err
			}
			return s.Current(), nil
		},
	}))

	obj.Lock()
	return NewObjectValue(obj)
}

// sequenceOf extracts the *Sequence anchored by a sequence object receiver.
func sequenceOf(argv []Value) (*Sequence, error) {
	if len(argv) == 0 || !argv[0].IsObject() {
		return nil, typeErrorf("sequence method requires a sequence receiver")
	}
	s, ok := argv[0].Object().UserData.(*Sequence)
	if !ok {
		return nil, typeErrorf("receiver is not a sequence")
	}
	return s, nil
}

// ---------------------------------------------------------------------------
// Generic enumeration
// ---------------------------------------------------------------------------

// enumeratorFor builds the enumerator the foreach lowering consumes:
// sequence objects enumerate themselves, arrays enumerate elements, objects
// enumerate {key, value} pairs, strings enumerate one-character strings.
// Objects exposing their own getEnumerator are deferred to it.
func (vm *VM) enumeratorFor(v Value) (Value, error) {
	switch v.Kind() {
	case KindObject:
		obj := v.Object()
		if fn, found := obj.Get(NewString("getEnumerator")); found && fn.IsFunction() {
			return vm.CallValue(fn, []Value{v})
		}
		pairs := make([]Value, 0, obj.Len())
		obj.Each(func(k, val Value) bool {
			pair := NewObject()
			pair.Set(NewString("key"), k)
			pair.Set(NewString("value"), val)
			pairs = append(pairs, NewObjectValue(pair))
			return true
		})
		return newSliceEnumerator(pairs), nil
	case KindArray:
		elems := append([]Value(nil), v.Array().Elems...)
		return newSliceEnumerator(elems), nil
	case KindString:
		s := v.Str()
		elems := make([]Value, len(s))
		for i := range s {
			elems[i] = NewString(s[i : i+1])
		}
		return newSliceEnumerator(elems), nil
	default:
		return Undefined, typeErrorf("%s is not enumerable", v.Kind())
	}
}

// newSliceEnumerator wraps a snapshot of values as an enumerator object.
func newSliceEnumerator(elems []Value) Value {
	pos := -1

	obj := NewObject()
	obj.Set(NewString("getEnumerator"), NewFunctionValue(&Function{
		Name: "getEnumerator",
		Native: func(vm *VM, argv []Value) (Value, error) {
			if len(argv) == 0 {
				return Undefined, typeErrorf("getEnumerator requires a receiver")
			}
			return argv[0], nil
		},
	}))
	obj.Set(NewString("moveNext"), NewFunctionValue(&Function{
		Name: "moveNext",
		Native: func(vm *VM, argv []Value) (Value, error) {
			if pos+1 >= len(elems) {
				pos = len(elems)
				return False, nil
			}
			pos++
			return True, nil
		},
	}))
	obj.Set(NewString("current"), NewFunctionValue(&Function{
		Name: "current",
		Native: func(vm *VM, argv []Value) (Value, error) {
			if pos < 0 || pos >= len(elems) {
				return Undefined, nil
			}
			return elems[pos], nil
		},
	}))
	obj.Lock()
	return NewObjectValue(obj)
}
