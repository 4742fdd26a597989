package vm_test

import (
	"testing"

	"github.com/vesper-lang/vesper/vm"
)

// TestForLoopSharesOneCell is the spec's capture scenario: a for loop's
// variable is one shared cell, so every closure made in the body observes
// the final value.
func TestForLoopSharesOneCell(t *testing.T) {
	v := run(t, `
		var fs = [];
		for (var i = 0; i < 3; i++) {
			fs.add(fun () -> i);
		}
		return [fs[0](), fs[1](), fs[2]()];
	`)
	arr := v.Array()
	for k := 0; k < 3; k++ {
		if got := arr.Get(k).Number(); got != 3 {
			t.Errorf("fs[%d]() = %v, want 3 (shared cell)", k, got)
		}
	}
}

// TestForeachBindsPerIteration: foreach severs the loop variable's cell on
// every iteration, so each closure keeps its own value.
func TestForeachBindsPerIteration(t *testing.T) {
	v := run(t, `
		var fs = [];
		foreach (var i in [0, 1, 2]) {
			fs.add(fun () -> i);
		}
		return [fs[0](), fs[1](), fs[2]()];
	`)
	arr := v.Array()
	for k := 0; k < 3; k++ {
		if got := arr.Get(k).Number(); got != float64(k) {
			t.Errorf("fs[%d]() = %v, want %d (fresh binding)", k, got, k)
		}
	}
}

// TestUpvaluesAreSharedCells: two closures capturing the same local see
// each other's writes.
func TestUpvaluesAreSharedCells(t *testing.T) {
	v := run(t, `
		var n = 0;
		var write = fun (x) { n = x; };
		var read = fun () -> n;
		write(42);
		return read();
	`)
	if v.Number() != 42 {
		t.Errorf("read() = %v, want 42", vm.ToString(v))
	}
}

func TestEnclosingFrameSeesClosureWrites(t *testing.T) {
	v := run(t, `
		var n = 1;
		var bump = fun () { n = n + 10; };
		bump();
		return n;
	`)
	if v.Number() != 11 {
		t.Errorf("n = %v, want 11", vm.ToString(v))
	}
}

func TestCounterClosure(t *testing.T) {
	v := run(t, `
		fun makeCounter() {
			var n = 0;
			return fun () {
				n = n + 1;
				return n;
			};
		}
		var c1 = makeCounter();
		var c2 = makeCounter();
		c1();
		c1();
		return [c1(), c2()];
	`)
	arr := v.Array()
	if arr.Get(0).Number() != 3 || arr.Get(1).Number() != 1 {
		t.Errorf("counters = %s, want [3, 1]", vm.ToString(v))
	}
}

// TestTransitiveCaptureRuntime: an inner function referencing an
// outer-outer local threads the same cell through every level.
func TestTransitiveCaptureRuntime(t *testing.T) {
	v := run(t, `
		fun outer() {
			var x = 5;
			fun middle() {
				fun inner() { x = x + 1; return x; }
				return inner;
			}
			var f = middle();
			f();
			f();
			return [f(), x];
		}
		return outer();
	`)
	arr := v.Array()
	if arr.Get(0).Number() != 8 || arr.Get(1).Number() != 8 {
		t.Errorf("transitive capture = %s, want [8, 8]", vm.ToString(v))
	}
}

func TestCapturedParameterPromotion(t *testing.T) {
	v := run(t, `
		fun adder(base) {
			return fun (x) -> base + x;
		}
		var add5 = adder(5);
		return add5(3);
	`)
	if v.Number() != 8 {
		t.Errorf("add5(3) = %v, want 8", vm.ToString(v))
	}
}

func TestRecursiveNamedFunction(t *testing.T) {
	v := run(t, `
		fun fib(n) {
			if (n < 2) {
				return n;
			}
			return fib(n - 1) + fib(n - 2);
		}
		return fib(15);
	`)
	if v.Number() != 610 {
		t.Errorf("fib(15) = %v, want 610", vm.ToString(v))
	}
}
