package vm

import (
	"fmt"
	"os"
	"strings"
)

// installBuiltins wires the built-in member tables and the core globals.
// Member natives receive the receiver as args[0].
func (vm *VM) installBuiltins() {
	vm.arrayProto = map[string]NativeFn{
		"add": func(vm *VM, args []Value) (Value, error) {
			arr, err := arrayReceiver(args)
			if err != nil {
				return Undefined, err
			}
			for _, v := range args[1:] {
				arr.Add(v)
			}
			if len(args) == 0 {
				return Undefined, nil
			}
			return args[0], nil
		},
		"contains": func(vm *VM, args []Value) (Value, error) {
			arr, err := arrayReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if len(args) < 2 {
				return False, nil
			}
			return NewBool(arr.Contains(args[1])), nil
		},
		"removeAt": func(vm *VM, args []Value) (Value, error) {
			arr, err := arrayReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if len(args) < 2 || !args[1].IsNumber() {
				return Undefined, typeErrorf("removeAt expects a numeric index")
			}
			i := int(args[1].Number())
			if i < 0 || i >= arr.Len() {
				return Undefined, runtimeErrorf("array index %d out of range (length %d)", i, arr.Len())
			}
			v := arr.Elems[i]
			arr.Elems = append(arr.Elems[:i], arr.Elems[i+1:]...)
			return v, nil
		},
		"getEnumerator": func(vm *VM, args []Value) (Value, error) {
			if len(args) == 0 {
				return Undefined, typeErrorf("getEnumerator requires a receiver")
			}
			return vm.enumeratorFor(args[0])
		},
	}

	vm.stringProto = map[string]NativeFn{
		"toUpper": func(vm *VM, args []Value) (Value, error) {
			s, err := stringReceiver(args)
			if err != nil {
				return Undefined, err
			}
			return NewString(strings.ToUpper(s)), nil
		},
		"toLower": func(vm *VM, args []Value) (Value, error) {
			s, err := stringReceiver(args)
			if err != nil {
				return Undefined, err
			}
			return NewString(strings.ToLower(s)), nil
		},
		"contains": func(vm *VM, args []Value) (Value, error) {
			s, err := stringReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if len(args) < 2 || !args[1].IsString() {
				return False, nil
			}
			return NewBool(strings.Contains(s, args[1].Str())), nil
		},
		"split": func(vm *VM, args []Value) (Value, error) {
			s, err := stringReceiver(args)
			if err != nil {
				return Undefined, err
			}
			sep := " "
			if len(args) > 1 && args[1].IsString() {
				sep = args[1].Str()
			}
			parts := strings.Split(s, sep)
			out := NewArray()
			for _, p := range parts {
				out.Add(NewString(p))
			}
			return NewArrayValue(out), nil
		},
		"getEnumerator": func(vm *VM, args []Value) (Value, error) {
			if len(args) == 0 {
				return Undefined, typeErrorf("getEnumerator requires a receiver")
			}
			return vm.enumeratorFor(args[0])
		},
	}

	vm.objectProto = map[string]NativeFn{
		"setPrototype": func(vm *VM, args []Value) (Value, error) {
			obj, err := objectReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if len(args) < 2 {
				return Undefined, typeErrorf("setPrototype expects a prototype")
			}
			switch args[1].Kind() {
			case KindNull, KindUndefined:
				if err := obj.SetPrototype(nil); err != nil {
					return Undefined, err
				}
			case KindObject:
				if err := obj.SetPrototype(args[1].Object()); err != nil {
					return Undefined, err
				}
			default:
				return Undefined, typeErrorf("prototype must be an object or null, not %s", args[1].Kind())
			}
			return args[0], nil
		},
		"getPrototype": func(vm *VM, args []Value) (Value, error) {
			obj, err := objectReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if obj.Prototype() == nil {
				return Null, nil
			}
			return NewObjectValue(obj.Prototype()), nil
		},
		"lock": func(vm *VM, args []Value) (Value, error) {
			obj, err := objectReceiver(args)
			if err != nil {
				return Undefined, err
			}
			obj.Lock()
			return args[0], nil
		},
		"keys": func(vm *VM, args []Value) (Value, error) {
			obj, err := objectReceiver(args)
			if err != nil {
				return Undefined, err
			}
			return NewArrayValue(NewArray(obj.Keys()...)), nil
		},
		"has": func(vm *VM, args []Value) (Value, error) {
			obj, err := objectReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if len(args) < 2 {
				return False, nil
			}
			_, found := obj.Get(args[1])
			return NewBool(found), nil
		},
		"remove": func(vm *VM, args []Value) (Value, error) {
			obj, err := objectReceiver(args)
			if err != nil {
				return Undefined, err
			}
			if len(args) < 2 {
				return Undefined, nil
			}
			obj.Delete(args[1])
			return args[0], nil
		},
		"getEnumerator": func(vm *VM, args []Value) (Value, error) {
			if len(args) == 0 {
				return Undefined, typeErrorf("getEnumerator requires a receiver")
			}
			return vm.enumeratorFor(args[0])
		},
	}

	vm.RegisterNative("print", func(vm *VM, args []Value) (Value, error) {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = describe(a)
		}
		fmt.Fprintln(os.Stdout, strings.Join(parts, " "))
		return Undefined, nil
	})

	// error(v) raises v as a script error. Rethrowing a caught engine
	// error object re-raises the original, preserving kind and cause.
	vm.RegisterNative("error", func(vm *VM, args []Value) (Value, error) {
		v := Undefined
		if len(args) > 0 {
			v = args[0]
		}
		return Undefined, NewThrown(v)
	})

	vm.RegisterNative("typeof", func(vm *VM, args []Value) (Value, error) {
		if len(args) == 0 {
			return NewString(KindUndefined.String()), nil
		}
		return NewString(args[0].Kind().String()), nil
	})

	vm.RegisterNative("length", func(vm *VM, args []Value) (Value, error) {
		if len(args) == 0 {
			return Undefined, runtimeErrorf("length expects 1 argument")
		}
		switch args[0].Kind() {
		case KindArray:
			return NewNumber(float64(args[0].Array().Len())), nil
		case KindString:
			return NewNumber(float64(len(args[0].Str()))), nil
		case KindObject:
			return NewNumber(float64(args[0].Object().Len())), nil
		default:
			return Undefined, typeErrorf("%s has no length", args[0].Kind())
		}
	})

	vm.RegisterNative("range", func(vm *VM, args []Value) (Value, error) {
		var start, stop float64
		step := 1.0
		switch len(args) {
		case 1:
			if !args[0].IsNumber() {
				return Undefined, typeErrorf("range expects numbers")
			}
			stop = args[0].Number()
		case 2, 3:
			if !args[0].IsNumber() || !args[1].IsNumber() {
				return Undefined, typeErrorf("range expects numbers")
			}
			start, stop = args[0].Number(), args[1].Number()
			if len(args) == 3 {
				if !args[2].IsNumber() || args[2].Number() == 0 {
					return Undefined, typeErrorf("range step must be a non-zero number")
				}
				step = args[2].Number()
			}
		default:
			return Undefined, runtimeErrorf("range expects 1 to 3 arguments")
		}
		out := NewArray()
		if step > 0 {
			for v := start; v < stop; v += step {
				out.Add(NewNumber(v))
			}
		} else {
			for v := start; v > stop; v += step {
				out.Add(NewNumber(v))
			}
		}
		return NewArrayValue(out), nil
	})
}

func arrayReceiver(args []Value) (*Array, error) {
	if len(args) == 0 || !args[0].IsArray() {
		return nil, typeErrorf("array method requires an array receiver")
	}
	return args[0].Array(), nil
}

func stringReceiver(args []Value) (string, error) {
	if len(args) == 0 || !args[0].IsString() {
		return "", typeErrorf("string method requires a string receiver")
	}
	return args[0].Str(), nil
}

func objectReceiver(args []Value) (*Object, error) {
	if len(args) == 0 || !args[0].IsObject() {
		return nil, typeErrorf("object method requires an object receiver")
	}
	return args[0].Object(), nil
}
