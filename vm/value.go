// Package vm implements the Vesper virtual machine: the runtime value
// model, the stack machine executing program images, the sequence runtime,
// and the cooperative async scheduler.
package vm

import (
	"math"
	"strconv"

	"github.com/vesper-lang/vesper/pkg/bytecode"
)

// Kind tags a runtime value.
type Kind uint8

const (
	KindUndefined Kind = iota
	KindNull
	KindBool
	KindNumber
	KindString
	KindObject
	KindArray
	KindFunction
)

var kindNames = [...]string{
	KindUndefined: "undefined",
	KindNull:      "null",
	KindBool:      "bool",
	KindNumber:    "number",
	KindString:    "string",
	KindObject:    "object",
	KindArray:     "array",
	KindFunction:  "function",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Value is a tagged runtime value. Only the field matching the kind is
// populated; constructors keep the rest zeroed so Value is usable as a map
// key with Go equality matching script equality.
type Value struct {
	kind Kind
	b    bool
	num  float64
	str  string
	obj  *Object
	arr  *Array
	fn   *Function
}

// Singletons.
var (
	Undefined = Value{kind: KindUndefined}
	Null      = Value{kind: KindNull}
	True      = Value{kind: KindBool, b: true}
	False     = Value{kind: KindBool}
)

// NewBool returns the boolean singleton for b.
func NewBool(b bool) Value {
	if b {
		return True
	}
	return False
}

// NewNumber wraps an IEEE-754 double.
func NewNumber(f float64) Value {
	return Value{kind: KindNumber, num: f}
}

// NewString wraps immutable text.
func NewString(s string) Value {
	return Value{kind: KindString, str: s}
}

// NewObjectValue wraps a shared object reference.
func NewObjectValue(o *Object) Value {
	return Value{kind: KindObject, obj: o}
}

// NewArrayValue wraps a shared array reference.
func NewArrayValue(a *Array) Value {
	return Value{kind: KindArray, arr: a}
}

// NewFunctionValue wraps a callable.
func NewFunctionValue(f *Function) Value {
	return Value{kind: KindFunction, fn: f}
}

// Kind returns the value's tag.
func (v Value) Kind() Kind { return v.kind }

func (v Value) IsUndefined() bool { return v.kind == KindUndefined }
func (v Value) IsNull() bool      { return v.kind == KindNull }
func (v Value) IsBool() bool      { return v.kind == KindBool }
func (v Value) IsNumber() bool    { return v.kind == KindNumber }
func (v Value) IsString() bool    { return v.kind == KindString }
func (v Value) IsObject() bool    { return v.kind == KindObject }
func (v Value) IsArray() bool     { return v.kind == KindArray }
func (v Value) IsFunction() bool  { return v.kind == KindFunction }

// Bool returns the boolean payload.
func (v Value) Bool() bool { return v.b }

// Number returns the numeric payload.
func (v Value) Number() float64 { return v.num }

// Str returns the string payload.
func (v Value) Str() string { return v.str }

// Object returns the object payload, nil for non-objects.
func (v Value) Object() *Object { return v.obj }

// Array returns the array payload, nil for non-arrays.
func (v Value) Array() *Array { return v.arr }

// Function returns the function payload, nil for non-functions.
func (v Value) Function() *Function { return v.fn }

// Truthy reports whether the value counts as true in a condition:
// undefined, null and false are falsy, everything else is truthy.
func (v Value) Truthy() bool {
	switch v.kind {
	case KindUndefined, KindNull:
		return false
	case KindBool:
		return v.b
	default:
		return true
	}
}

// Equal implements script equality: value-wise for primitives, identity for
// object/array/function references. Undefined compares equal only to itself.
func Equal(a, b Value) bool {
	if a.kind != b.kind {
		return false
	}
	switch a.kind {
	case KindUndefined, KindNull:
		return true
	case KindBool:
		return a.b == b.b
	case KindNumber:
		return a.num == b.num
	case KindString:
		return a.str == b.str
	case KindObject:
		return a.obj == b.obj
	case KindArray:
		return a.arr == b.arr
	case KindFunction:
		return a.fn == b.fn
	}
	return false
}

// FormatNumber renders a number the way Add concatenation and ToString do:
// integral values print without a fraction, everything else uses the
// shortest round-trip form.
func FormatNumber(f float64) string {
	if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1e15 {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// ToString renders any value as text. Containers render shallowly; this is
// the coercion used by string concatenation, not a serializer.
func ToString(v Value) string {
	switch v.kind {
	case KindUndefined:
		return "undefined"
	case KindNull:
		return "null"
	case KindBool:
		if v.b {
			return "true"
		}
		return "false"
	case KindNumber:
		return FormatNumber(v.num)
	case KindString:
		return v.str
	case KindObject:
		return "object"
	case KindArray:
		return "array"
	case KindFunction:
		if v.fn != nil && v.fn.Name != "" {
			return "function " + v.fn.Name
		}
		return "function"
	}
	return "unknown"
}

// toInt32 truncates a double through 32-bit signed integer semantics for
// the bitwise operators.
func toInt32(f float64) int32 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return int32(int64(math.Trunc(f)))
}

// ---------------------------------------------------------------------------
// Functions
// ---------------------------------------------------------------------------

// NativeFn is a host function callable from script. For instance calls the
// receiver arrives as args[0].
type NativeFn func(vm *VM, args []Value) (Value, error)

// Function is a callable descriptor: either a native host function or a
// bytecode entry point packaged with its captured upvalues and program
// image.
type Function struct {
	Name string

	// Native host function; nil for bytecode closures.
	Native NativeFn

	// Bytecode closure fields.
	Image    *bytecode.Image
	Desc     *bytecode.FuncDesc
	Upvalues []*Cell
}

// IsNative reports whether the function dispatches to the host.
func (f *Function) IsNative() bool { return f.Native != nil }

// Cell is a heap-allocated one-slot box shared by every closure (and the
// defining frame) that captured the same variable.
type Cell struct {
	V Value
}
