package vm_test

import (
	"strings"
	"testing"

	"github.com/vesper-lang/vesper/vm"
)

// TestCatchBindsThrownValue is the spec scenario:
// try { error("x") } catch (e) { e } evaluates to the string "x".
func TestCatchBindsThrownValue(t *testing.T) {
	v := run(t, `
		try {
			error("x");
		} catch (e) {
			return e;
		}
	`)
	wantString(t, v, "x")
}

func TestCatchBindsNonStringValues(t *testing.T) {
	v := run(t, `
		try {
			error({code: 404});
		} catch (e) {
			return e.code;
		}
	`)
	wantNumber(t, v, 404)
}

func TestEngineErrorsCarryKind(t *testing.T) {
	v := run(t, `
		try {
			var x = {} - 1;
		} catch (e) {
			return e.kind;
		}
	`)
	wantString(t, v, "TypeError")
}

func TestUncaughtErrorReachesEmbedder(t *testing.T) {
	e := runErr(t, `error("unhandled");`)
	if e.Kind != vm.RuntimeError || e.Message != "unhandled" {
		t.Errorf("got %v", e)
	}
	if e.File != "test.vs" || e.Line == 0 {
		t.Errorf("error lacks source position: file=%q line=%d", e.File, e.Line)
	}
}

func TestErrorUnwindsNestedFrames(t *testing.T) {
	v := run(t, `
		fun level3() { error("deep"); }
		fun level2() { return level3(); }
		fun level1() { return level2(); }
		try {
			level1();
		} catch (e) {
			return e;
		}
	`)
	wantString(t, v, "deep")
}

func TestFinallyRunsOnNormalPath(t *testing.T) {
	v := run(t, `
		var log = [];
		try {
			log.add("try");
		} finally {
			log.add("finally");
		}
		return log;
	`)
	arr := v.Array()
	if arr.Len() != 2 || arr.Get(1).Str() != "finally" {
		t.Errorf("log = %s", vm.ToString(v))
	}
}

func TestFinallyRunsOnErrorPath(t *testing.T) {
	machine := vm.New()
	_, err := machine.Execute(compile(t, `
		global.log = [];
		try {
			global.log.add("try");
			error("boom");
		} finally {
			global.log.add("finally");
		}
	`))
	if err == nil {
		t.Fatal("error should propagate after finally")
	}
	log := machine.Global("log").Array()
	if log.Len() != 2 || log.Get(1).Str() != "finally" {
		t.Errorf("finally did not run on the error path: %s", vm.ToString(machine.Global("log")))
	}
}

func TestFinallyRunsOnReturnPath(t *testing.T) {
	machine := vm.New()
	v := runOn(t, machine, `
		global.cleaned = false;
		fun f() {
			try {
				return 42;
			} finally {
				global.cleaned = true;
			}
		}
		return f();
	`)
	wantNumber(t, v, 42)
	if !machine.Global("cleaned").Truthy() {
		t.Error("finally skipped on return")
	}
}

func TestFinallyRunsOnBreak(t *testing.T) {
	v := run(t, `
		var log = [];
		for (var i = 0; i < 5; i++) {
			try {
				if (i == 1) {
					break;
				}
				log.add("body" + i);
			} finally {
				log.add("fin" + i);
			}
		}
		return log;
	`)
	got := make([]string, v.Array().Len())
	for i := range got {
		got[i] = v.Array().Get(i).Str()
	}
	want := "body0,fin0,fin1"
	if strings.Join(got, ",") != want {
		t.Errorf("log = %v, want %s", got, want)
	}
}

func TestCatchThenFinallyOrder(t *testing.T) {
	v := run(t, `
		var log = [];
		try {
			error("e");
		} catch (e) {
			log.add("catch");
		} finally {
			log.add("finally");
		}
		return log;
	`)
	got := v.Array()
	if got.Len() != 2 || got.Get(0).Str() != "catch" || got.Get(1).Str() != "finally" {
		t.Errorf("order = %s", vm.ToString(v))
	}
}

func TestErrorInCatchStillRunsFinally(t *testing.T) {
	machine := vm.New()
	_, err := machine.Execute(compile(t, `
		global.log = [];
		try {
			error("first");
		} catch (e) {
			error("second");
		} finally {
			global.log.add("finally");
		}
	`))
	if err == nil || !strings.Contains(err.Error(), "second") {
		t.Fatalf("expected the catch-body error to propagate, got %v", err)
	}
	if machine.Global("log").Array().Len() != 1 {
		t.Error("finally skipped when catch body failed")
	}
}

func TestRethrowPreservesKind(t *testing.T) {
	e := runErr(t, `
		try {
			var x = {} - 1;
		} catch (e) {
			error(e);
		}
	`)
	if e.Kind != vm.TypeError {
		t.Errorf("rethrown kind = %s, want TypeError", e.Kind)
	}
}

func TestCatchCoversTailPositionCall(t *testing.T) {
	v := run(t, `
		fun boom() { error("x"); }
		fun safe() {
			try {
				return boom();
			} catch (e) {
				return "caught:" + e;
			}
		}
		return safe();
	`)
	wantString(t, v, "caught:x")
}

func TestNestedTryInnermostWins(t *testing.T) {
	v := run(t, `
		try {
			try {
				error("inner");
			} catch (e) {
				return "caught-inner:" + e;
			}
		} catch (e) {
			return "caught-outer:" + e;
		}
	`)
	wantString(t, v, "caught-inner:inner")
}

func TestHostErrorWrapsCause(t *testing.T) {
	machine := vm.New()
	machine.RegisterNative("fail", func(_ *vm.VM, _ []vm.Value) (vm.Value, error) {
		return vm.Undefined, errTest
	})
	_, err := machine.Execute(compile(t, `fail();`))
	e, ok := err.(*vm.Error)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if e.Kind != vm.HostError {
		t.Errorf("kind = %s, want HostError", e.Kind)
	}
	if e.Cause != errTest {
		t.Errorf("cause = %v, want original host error", e.Cause)
	}
}

var errTest = &testError{"host exploded"}

type testError struct{ msg string }

func (e *testError) Error() string { return e.msg }

func TestPoolBalancedAfterUnwind(t *testing.T) {
	machine := vm.New()
	machine.Execute(compile(t, `
		fun f(n) {
			if (n == 0) {
				error("bottom");
			}
			return f(n - 1) + 1;
		}
		f(50);
	`))
	acquired, released := machine.Pool().Balance()
	if acquired != released {
		t.Errorf("pool unbalanced after unwinding: acquired=%d released=%d", acquired, released)
	}
	if machine.Depth() != 0 {
		t.Errorf("call depth after unwinding = %d", machine.Depth())
	}
}
