package vm_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/vesper-lang/vesper/compiler"
	"github.com/vesper-lang/vesper/pkg/bytecode"
	"github.com/vesper-lang/vesper/pkg/codegen"
	"github.com/vesper-lang/vesper/vm"
)

// compile lowers source through the full front-end.
func compile(t *testing.T, source string) *bytecode.Image {
	t.Helper()
	mod, err := compiler.Parse("test.vs", source)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	img, err := codegen.Compile(mod)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return img
}

// runOn executes source on the given VM.
func runOn(t *testing.T, machine *vm.VM, source string) vm.Value {
	t.Helper()
	v, err := machine.Execute(compile(t, source))
	if err != nil {
		t.Fatalf("execute failed: %v", err)
	}
	return v
}

// run executes source on a fresh VM.
func run(t *testing.T, source string) vm.Value {
	t.Helper()
	return runOn(t, vm.New(), source)
}

// runErr executes source expecting an engine error.
func runErr(t *testing.T, source string) *vm.Error {
	t.Helper()
	_, err := vm.New().Execute(compile(t, source))
	if err == nil {
		t.Fatalf("expected error for %q", source)
	}
	var e *vm.Error
	if !errors.As(err, &e) {
		t.Fatalf("error type = %T, want *vm.Error (%v)", err, err)
	}
	return e
}

func wantNumber(t *testing.T, v vm.Value, want float64) {
	t.Helper()
	if !v.IsNumber() || v.Number() != want {
		t.Fatalf("got %s (%s), want %v", vm.ToString(v), v.Kind(), want)
	}
}

func wantString(t *testing.T, v vm.Value, want string) {
	t.Helper()
	if !v.IsString() || v.Str() != want {
		t.Fatalf("got %s (%s), want %q", vm.ToString(v), v.Kind(), want)
	}
}

func TestArithmetic(t *testing.T) {
	tests := []struct {
		source string
		want   float64
	}{
		{"return 1 + 2;", 3},
		{"return 10 - 4;", 6},
		{"return 6 * 7;", 42},
		{"return 9 / 2;", 4.5},
		{"return 9 % 4;", 1},
		{"return 2 ** 10;", 1024},
		{"return -(3 + 4);", -7},
		{"var a = 5; return a * a;", 25},
		{"return 1 + 2 * 3;", 7},
	}
	for _, tt := range tests {
		wantNumber(t, run(t, tt.source), tt.want)
	}
}

func TestStringConcatOverload(t *testing.T) {
	wantString(t, run(t, `return "x=" + 42;`), "x=42")
	wantString(t, run(t, `return 1 + "2";`), "12")
	wantString(t, run(t, `return "a" + "b";`), "ab")
	// Number formatting: non-integral values keep their fraction.
	wantString(t, run(t, `return "" + 2.5;`), "2.5")
}

func TestComparisonAndLogic(t *testing.T) {
	tests := []struct {
		source string
		want   bool
	}{
		{"return 1 < 2;", true},
		{"return 2 <= 1;", false},
		{`return "abc" < "abd";`, true},
		{"return 1 == 1;", true},
		{`return "a" == "a";`, true},
		{"return undefined == undefined;", true},
		{"return undefined == null;", false},
		{"return !false;", true},
		{"return true && false;", false},
		{"return false || true;", true},
		{"return 1 == 1 ? true : false;", true},
	}
	for _, tt := range tests {
		v := run(t, tt.source)
		if !v.IsBool() || v.Bool() != tt.want {
			t.Errorf("%s = %s, want %v", tt.source, vm.ToString(v), tt.want)
		}
	}
}

func TestShortCircuitSkipsEvaluation(t *testing.T) {
	machine := vm.New()
	calls := 0
	machine.RegisterNative("boom", func(_ *vm.VM, _ []vm.Value) (vm.Value, error) {
		calls++
		return vm.True, nil
	})
	v := runOn(t, machine, `
		var no = false;
		var yes = true;
		var a = no && boom();
		var b = yes || boom();
		return a == false && b == true;
	`)
	if calls != 0 {
		t.Errorf("short-circuit operand evaluated %d times", calls)
	}
	if !v.Bool() {
		t.Error("short-circuit expressions did not keep the deciding operand's value")
	}
}

func TestBitwise(t *testing.T) {
	tests := []struct {
		source string
		want   float64
	}{
		{"return 1 << 4;", 16},
		{"return 256 >> 4;", 16},
		{"return 6 & 3;", 2},
		{"return 6 | 3;", 7},
		{"return 6 ^ 3;", 5},
		{"return ~0;", -1},
		// Coercion truncates through 32-bit signed integers.
		{"return 3.7 & 3;", 3},
	}
	for _, tt := range tests {
		wantNumber(t, run(t, tt.source), tt.want)
	}
}

func TestMembership(t *testing.T) {
	v := run(t, `
		var o = {x: 1};
		var a = [10, 20];
		return ["x" in o, "y" in o, 20 in a, 30 in a, "el" in "hello", "z" !in o];
	`)
	want := []bool{true, false, true, false, true, true}
	arr := v.Array()
	if arr == nil || arr.Len() != len(want) {
		t.Fatalf("got %s", vm.ToString(v))
	}
	for i, w := range want {
		if arr.Get(i).Bool() != w {
			t.Errorf("membership[%d] = %v, want %v", i, arr.Get(i).Bool(), w)
		}
	}
}

func TestGlobalsPersistAcrossCalls(t *testing.T) {
	machine := vm.New()
	runOn(t, machine, `global.counter = 10;`)
	v := runOn(t, machine, `return global.counter + 1;`)
	wantNumber(t, v, 11)
	if got := machine.Global("counter"); got.Number() != 10 {
		t.Errorf("host read of global = %v", vm.ToString(got))
	}
}

func TestFreeIdentifierReadsGlobal(t *testing.T) {
	machine := vm.New()
	machine.SetGlobal("x", vm.NewNumber(99))
	v := runOn(t, machine, `
		var f = fun () -> x;
		return f();
	`)
	wantNumber(t, v, 99)
}

func TestNativeFunctions(t *testing.T) {
	machine := vm.New()
	machine.RegisterNative("twice", func(_ *vm.VM, args []vm.Value) (vm.Value, error) {
		return vm.NewNumber(args[0].Number() * 2), nil
	})
	wantNumber(t, runOn(t, machine, `return twice(21);`), 42)
}

func TestHostInvokeCallable(t *testing.T) {
	machine := vm.New()
	runOn(t, machine, `global.add = fun (a, b) -> a + b;`)
	v, err := machine.CallValue(machine.Global("add"), []vm.Value{vm.NewNumber(2), vm.NewNumber(3)})
	if err != nil {
		t.Fatalf("CallValue failed: %v", err)
	}
	wantNumber(t, v, 5)
}

func TestControlFlow(t *testing.T) {
	wantNumber(t, run(t, `
		var total = 0;
		for (var i = 1; i <= 10; i++) {
			if (i % 2 == 0) {
				continue;
			}
			total += i;
		}
		return total;
	`), 25)

	wantNumber(t, run(t, `
		var n = 0;
		while (true) {
			n++;
			if (n == 7) {
				break;
			}
		}
		return n;
	`), 7)

	wantNumber(t, run(t, `
		var n = 10;
		do {
			n--;
		} while (n > 3);
		return n;
	`), 3)
}

func TestForeachOverContainers(t *testing.T) {
	wantNumber(t, run(t, `
		var total = 0;
		foreach (var x in [1, 2, 3, 4]) {
			total += x;
		}
		return total;
	`), 10)

	wantString(t, run(t, `
		var out = "";
		foreach (var c in "abc") {
			out += c;
		}
		return out;
	`), "abc")

	wantNumber(t, run(t, `
		var o = {a: 1, b: 2};
		var total = 0;
		foreach (var pair in o) {
			total += pair.value;
		}
		return total;
	`), 3)
}

func TestPrototypeChain(t *testing.T) {
	// Spec scenario: lookup reads through, write shadows.
	machine := vm.New()
	wantNumber(t, runOn(t, machine, `
		var a = {x: 1};
		var b = {};
		b.setPrototype(a);
		global.a = a;
		global.b = b;
		return b.x;
	`), 1)

	wantNumber(t, runOn(t, machine, `
		global.b.x = 2;
		return global.b.x;
	`), 2)
	wantNumber(t, runOn(t, machine, `return global.a.x;`), 1)
}

func TestLockedObject(t *testing.T) {
	e := runErr(t, `
		var o = {x: 1};
		o.lock();
		o.y = 2;
	`)
	if e.Kind != vm.RuntimeError {
		t.Errorf("error kind = %s, want RuntimeError", e.Kind)
	}
	// Existing keys may still be updated.
	wantNumber(t, run(t, `
		var o = {x: 1};
		o.lock();
		o.x = 5;
		return o.x;
	`), 5)
}

func TestMetaMethods(t *testing.T) {
	wantNumber(t, run(t, `
		var proto = {
			__add: fun (a, b) -> a.v + b.v,
		};
		var x = {v: 3};
		var y = {v: 4};
		x.setPrototype(proto);
		return x + y;
	`), 7)

	v := run(t, `
		var proto = {
			__eq: fun (a, b) -> a.id == b.id,
		};
		var x = {id: 9};
		var y = {id: 9};
		x.setPrototype(proto);
		return x == y;
	`)
	if !v.Bool() {
		t.Error("__eq meta-method not dispatched")
	}
}

func TestTypeErrors(t *testing.T) {
	tests := []string{
		`return {} - 1;`,
		`return [] < [];`,
		`return undefined.x;`,
		`var f = 3; f();`,
		`return 1 & "a";`,
	}
	for _, src := range tests {
		e := runErr(t, src)
		if e.Kind != vm.TypeError {
			t.Errorf("%s: kind = %s, want TypeError", src, e.Kind)
		}
	}
}

func TestArrays(t *testing.T) {
	wantNumber(t, run(t, `
		var a = [1, 2, 3];
		a.add(4);
		return a.length + a[3];
	`), 8)

	// Out-of-range read is undefined.
	v := run(t, `var a = [1]; return a[5];`)
	if !v.IsUndefined() {
		t.Errorf("out-of-range read = %s", vm.ToString(v))
	}

	// Out-of-range write fails (documented policy).
	e := runErr(t, `var a = [1]; a[5] = 2;`)
	if e.Kind != vm.RuntimeError {
		t.Errorf("out-of-range write kind = %s", e.Kind)
	}
}

func TestSlices(t *testing.T) {
	v := run(t, `
		var a = [1, 2, 3, 4, 5];
		return a[1:3];
	`)
	if v.Array().Len() != 2 || v.Array().Get(0).Number() != 2 {
		t.Errorf("slice = %s", vm.ToString(v))
	}
	wantString(t, run(t, `return "hello"[1:4];`), "ell")
	v = run(t, `var a = [1, 2]; return a[:];`)
	if v.Array().Len() != 2 {
		t.Errorf("open slice = %s", vm.ToString(v))
	}
}

func TestVarArgs(t *testing.T) {
	wantNumber(t, run(t, `
		fun total(first, rest...) {
			var sum = first;
			foreach (var x in rest) {
				sum += x;
			}
			return sum;
		}
		return total(1, 2, 3, 4);
	`), 10)

	// Missing arguments read as undefined; excess without varargs dropped.
	v := run(t, `
		fun f(a, b) { return b; }
		return f(1);
	`)
	if !v.IsUndefined() {
		t.Errorf("missing arg = %s", vm.ToString(v))
	}
	wantNumber(t, run(t, `
		fun f(a) { return a; }
		return f(1, 2, 3);
	`), 1)
}

func TestTailCallDeepRecursion(t *testing.T) {
	// Spec scenario: 100000 levels of tail recursion complete without
	// frame growth.
	wantNumber(t, run(t, `
		fun f(n, acc) {
			return n == 0 ? acc : f(n - 1, acc + n);
		}
		return f(100000, 0);
	`), 5000050000)
}

func TestDeepRecursionOverflows(t *testing.T) {
	e := runErr(t, `
		fun f(n) {
			if (n == 0) {
				return 0;
			}
			return 1 + f(n - 1);
		}
		return f(100000);
	`)
	if e.Kind != vm.RuntimeError || !strings.Contains(e.Message, "stack overflow") {
		t.Errorf("got %v, want stack overflow", e)
	}
}

func TestCallDepthRestored(t *testing.T) {
	machine := vm.New()
	runOn(t, machine, `
		fun f(n) {
			return n == 0 ? 0 : f(n - 1);
		}
		f(10);
	`)
	if machine.Depth() != 0 {
		t.Errorf("call depth after execution = %d, want 0", machine.Depth())
	}
}

func TestDeterministicExecution(t *testing.T) {
	src := `
		var out = "";
		var o = {b: 1, a: 2, c: 3};
		foreach (var pair in o) {
			out += pair.key;
		}
		return out;
	`
	first := run(t, src)
	for i := 0; i < 5; i++ {
		if got := run(t, src); got.Str() != first.Str() {
			t.Fatalf("iteration order varies: %q vs %q", got.Str(), first.Str())
		}
	}
	// Insertion order, not sorted order.
	wantString(t, first, "bac")
}

// runImage executes a hand-assembled single-function image.
func runImage(t *testing.T, numbers []float64, numArgs, numLocals uint16, args []vm.Value, build func(l *bytecode.List)) vm.Value {
	t.Helper()
	l := bytecode.NewList()
	build(l)
	res, err := bytecode.Link(l)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	img := &bytecode.Image{
		Numbers:   numbers,
		Functions: []bytecode.FuncDesc{{Entry: 0, NumArgs: numArgs, NumLocals: numLocals, DebugName: "raw"}},
		Code:      res.Code,
	}
	machine := vm.New()
	fn := vm.NewFunctionValue(&vm.Function{Name: "raw", Image: img, Desc: &img.Functions[0]})
	v, err := machine.CallValue(fn, args)
	if err != nil {
		t.Fatalf("call failed: %v", err)
	}
	return v
}

// TestStackAndStaticOps exercises the shuffle and static-index opcodes the
// code generator does not currently emit.
func TestStackAndStaticOps(t *testing.T) {
	v := runImage(t, []float64{1, 2, 3}, 0, 0, nil, func(l *bytecode.List) {
		l.Emit(bytecode.OpEnter, 0)
		l.Emit(bytecode.OpLdNum, 0)
		l.Emit(bytecode.OpLdNum, 1)
		l.Emit(bytecode.OpLdNum, 2)
		l.Emit(bytecode.OpSwap1For2) // 1 2 3 -> 3 1 2
		l.Emit(bytecode.OpNewArray, 3)
		l.Emit(bytecode.OpRet)
	})
	arr := v.Array()
	want := []float64{3, 1, 2}
	for i, w := range want {
		if arr.Get(i).Number() != w {
			t.Errorf("elem %d = %v, want %v", i, arr.Get(i).Number(), w)
		}
	}

	// Dup2 duplicates the top pair.
	v = runImage(t, []float64{5, 6}, 0, 0, nil, func(l *bytecode.List) {
		l.Emit(bytecode.OpEnter, 0)
		l.Emit(bytecode.OpLdNum, 0)
		l.Emit(bytecode.OpLdNum, 1)
		l.Emit(bytecode.OpDup2) // 5 6 5 6
		l.Emit(bytecode.OpAdd)  // 5 6 11
		l.Emit(bytecode.OpNewArray, 3)
		l.Emit(bytecode.OpRet)
	})
	if vals := v.Array(); vals.Get(2).Number() != 11 || vals.Get(0).Number() != 5 {
		t.Errorf("Dup2/Add result = %s", vm.ToString(v))
	}

	// StArgF writes an argument slot in place.
	v = runImage(t, []float64{7}, 1, 0, []vm.Value{vm.NewNumber(1)}, func(l *bytecode.List) {
		l.Emit(bytecode.OpEnter, 0)
		l.Emit(bytecode.OpLdNum, 0)
		l.Emit(bytecode.OpStArgF, 0)
		l.Emit(bytecode.OpLdArgF, 0)
		l.Emit(bytecode.OpRet)
	})
	wantNumber(t, v, 7)

	// LdArrF/StArrF index an array local with a static index.
	v = runImage(t, []float64{9, 42}, 0, 1, nil, func(l *bytecode.List) {
		l.Emit(bytecode.OpEnter, 1)
		l.Emit(bytecode.OpLdNum, 0)
		l.Emit(bytecode.OpNewArray, 1)
		l.Emit(bytecode.OpStLocF, 0)
		l.Emit(bytecode.OpLdNum, 1)
		l.Emit(bytecode.OpStArrF, 0, 0)
		l.Emit(bytecode.OpLdArrF, 0, 0)
		l.Emit(bytecode.OpRet)
	})
	wantNumber(t, v, 42)
}

func TestJmpTableDispatch(t *testing.T) {
	// The front-end has no switch statement; exercise JmpTable at the
	// bytecode level. table(base=10): 10 -> 100, 11 -> 200, else -> -1.
	l := bytecode.NewList()
	c10 := l.NewLabel()
	c11 := l.NewLabel()
	def := l.NewLabel()

	l.Emit(bytecode.OpEnter, 0)
	l.Emit(bytecode.OpLdArgF, 0)
	l.Emit(bytecode.OpJmpTable, 10, 2, def, c10, c11)
	l.MarkLabel(c10)
	l.Emit(bytecode.OpLdNum, 0)
	l.Emit(bytecode.OpRet)
	l.MarkLabel(c11)
	l.Emit(bytecode.OpLdNum, 1)
	l.Emit(bytecode.OpRet)
	l.MarkLabel(def)
	l.Emit(bytecode.OpLdNum, 2)
	l.Emit(bytecode.OpRet)

	res, err := bytecode.Link(l)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}
	img := &bytecode.Image{
		Numbers:   []float64{100, 200, -1},
		Functions: []bytecode.FuncDesc{{Entry: 0, NumArgs: 1, DebugName: "switch"}},
		Code:      res.Code,
	}

	machine := vm.New()
	fn := vm.NewFunctionValue(&vm.Function{Name: "switch", Image: img, Desc: &img.Functions[0]})
	tests := []struct{ arg, want float64 }{
		{10, 100}, {11, 200}, {9, -1}, {12, -1}, {10.5, -1},
	}
	for _, tt := range tests {
		v, err := machine.CallValue(fn, []vm.Value{vm.NewNumber(tt.arg)})
		if err != nil {
			t.Fatalf("call failed: %v", err)
		}
		wantNumber(t, v, tt.want)
	}
}
