package codegen

import (
	"bytes"
	"errors"
	"testing"

	"github.com/vesper-lang/vesper/compiler"
	"github.com/vesper-lang/vesper/pkg/bytecode"
)

func compileSource(t *testing.T, source string) *bytecode.Image {
	t.Helper()
	mod, err := compiler.Parse("test.vs", source)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	img, err := Compile(mod)
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	return img
}

func compileErr(t *testing.T, source string) error {
	t.Helper()
	mod, err := compiler.Parse("test.vs", source)
	if err != nil {
		return err
	}
	_, err = Compile(mod)
	if err == nil {
		t.Fatalf("expected compile error for %q", source)
	}
	return err
}

func TestConstantFoldingEquivalence(t *testing.T) {
	// 3+4*2 and 11 must compile to identical bytecode (same pools, same
	// instruction stream).
	a := compileSource(t, "var x = 3 + 4 * 2;")
	b := compileSource(t, "var x = 11;")

	da, err := a.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	db, err := b.Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(da, db) {
		t.Errorf("folded programs differ:\n%s\nvs\n%s", a.Disassemble(), b.Disassemble())
	}
}

func TestDeterministicOutput(t *testing.T) {
	src := `
		var a = 1;
		fun add(x, y) { return x + y; }
		var b = add(a, 2) > 2 ? "big" : "small";
	`
	d1, err := compileSource(t, src).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	d2, err := compileSource(t, src).Serialize()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(d1, d2) {
		t.Error("compiling the same source twice produced different images")
	}
}

func TestDeadBranchElimination(t *testing.T) {
	img := compileSource(t, `
		if (false) {
			var unreachable = "gone";
		}
		var x = 1;
	`)
	for _, s := range img.Strings {
		if s == "gone" {
			t.Error("dead branch still present in string pool")
		}
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name   string
		source string
	}{
		{"yield outside sequence", `fun f() { yield 1; }`},
		{"break outside loop", `break;`},
		{"continue outside loop", `continue;`},
		{"duplicate declaration", `var a = 1; var a = 2;`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := compileErr(t, tt.source)
			var ce *CompileError
			if !errors.As(err, &ce) {
				t.Fatalf("error type = %T, want *CompileError (%v)", err, err)
			}
			if ce.File != "test.vs" || ce.Line == 0 {
				t.Errorf("error lacks position: %+v", ce)
			}
		})
	}
}

func TestCaptureDescriptors(t *testing.T) {
	img := compileSource(t, `
		var counter = fun () {
			var n = 0;
			return fun () {
				n = n + 1;
				return n;
			};
		};
	`)
	// Functions: main, counter, inner.
	if len(img.Functions) != 3 {
		t.Fatalf("got %d functions, want 3", len(img.Functions))
	}
	inner := img.Functions[2]
	if inner.NumUpvalues != 1 || len(inner.Captures) != 1 {
		t.Fatalf("inner captures = %+v", inner.Captures)
	}
	if inner.Captures[0].Source != bytecode.CaptureLocal {
		t.Errorf("inner capture source = %v, want local", inner.Captures[0].Source)
	}
}

func TestTransitiveCapture(t *testing.T) {
	img := compileSource(t, `
		fun outer() {
			var x = 1;
			fun middle() {
				fun inner() { return x; }
				return inner;
			}
			return middle;
		}
	`)
	// main, outer, middle, inner
	if len(img.Functions) != 4 {
		t.Fatalf("got %d functions, want 4", len(img.Functions))
	}
	middle := img.Functions[2]
	inner := img.Functions[3]
	if len(middle.Captures) != 1 || middle.Captures[0].Source != bytecode.CaptureLocal {
		t.Errorf("middle should capture x from its parent's locals: %+v", middle.Captures)
	}
	if len(inner.Captures) != 1 || inner.Captures[0].Source != bytecode.CaptureUpvalue {
		t.Errorf("inner should re-capture x through middle's upvalues: %+v", inner.Captures)
	}
}

func TestHandlerRecords(t *testing.T) {
	img := compileSource(t, `
		try {
			var a = 1;
		} catch (e) {
			var b = 2;
		} finally {
			var c = 3;
		}
	`)
	main := img.Functions[0]
	if len(main.Handlers) != 2 {
		t.Fatalf("got %d handler records, want 2", len(main.Handlers))
	}
	var sawCatch, sawFinally bool
	for _, h := range main.Handlers {
		if h.Catch >= 0 {
			sawCatch = true
		}
		if h.Finally >= 0 {
			sawFinally = true
			if h.End <= h.Start {
				t.Errorf("finally range [%d,%d) is empty", h.Start, h.End)
			}
		}
		if h.End <= h.Start {
			t.Errorf("handler range [%d,%d) is empty", h.Start, h.End)
		}
	}
	if !sawCatch || !sawFinally {
		t.Errorf("records missing catch or finally: %+v", main.Handlers)
	}
}

func TestTailCallEmission(t *testing.T) {
	img := compileSource(t, `
		fun loop(n) {
			return loop(n - 1);
		}
	`)
	if !containsOp(t, img, bytecode.OpTailCall) {
		t.Error("tail-position self call did not emit TailCall")
	}
}

func TestFinallyCancelsTailCall(t *testing.T) {
	img := compileSource(t, `
		fun guarded(n) {
			try {
				return guarded(n - 1);
			} finally {
				var x = 1;
			}
		}
	`)
	if containsOp(t, img, bytecode.OpTailCall) {
		t.Error("return inside finally-protected range must not emit TailCall")
	}
}

func TestCatchCancelsTailCall(t *testing.T) {
	// Replacing the frame would discard the catch handler covering the
	// call site.
	img := compileSource(t, `
		fun g(n) {
			try {
				return g(n - 1);
			} catch (e) {
				return 0;
			}
		}
	`)
	if containsOp(t, img, bytecode.OpTailCall) {
		t.Error("return inside a try body must not emit TailCall")
	}
}

func TestSequenceFlagAndYield(t *testing.T) {
	img := compileSource(t, `
		seq gen() {
			yield 1;
			yield 2;
		}
	`)
	var seqFn *bytecode.FuncDesc
	for i := range img.Functions {
		if img.Functions[i].IsSequence {
			seqFn = &img.Functions[i]
		}
	}
	if seqFn == nil {
		t.Fatal("no function marked as sequence")
	}
	if !containsOp(t, img, bytecode.OpSeqSuspend) || !containsOp(t, img, bytecode.OpSeqResume) {
		t.Error("yield did not lower to SeqSuspend/SeqResume")
	}
}

func TestForeachLowersToEnumerator(t *testing.T) {
	img := compileSource(t, `
		foreach (var x in [1, 2, 3]) {
			var y = x;
		}
	`)
	wantStrings := map[string]bool{"getEnumerator": false, "moveNext": false, "current": false}
	for _, s := range img.Strings {
		if _, ok := wantStrings[s]; ok {
			wantStrings[s] = true
		}
	}
	for name, seen := range wantStrings {
		if !seen {
			t.Errorf("foreach lowering missing %q in string pool", name)
		}
	}
	if !containsOp(t, img, bytecode.OpCloseLoc) {
		t.Error("foreach did not sever the loop variable's cell at iteration end")
	}
}

func TestVarArgsFunction(t *testing.T) {
	img := compileSource(t, `
		fun collect(first, rest...) {
			return rest;
		}
	`)
	fn := img.Functions[1]
	if !fn.HasVarArgs {
		t.Fatal("function not marked varargs")
	}
	if fn.NumArgs != 1 {
		t.Errorf("fixed arg count = %d, want 1", fn.NumArgs)
	}
	if !containsOp(t, img, bytecode.OpVarArgs) {
		t.Error("missing VarArgs prologue")
	}
}

func TestDebugTables(t *testing.T) {
	img := compileSource(t, `
		var a = 1;
		var b = 2;
	`)
	if img.Debug == nil {
		t.Fatal("debug tables missing")
	}
	if len(img.Debug.Statements) < 2 {
		t.Errorf("statement table = %+v", img.Debug.Statements)
	}
	if len(img.Debug.FuncNames) == 0 {
		t.Error("function name table empty")
	}
	if _, line, ok := img.Debug.PositionFor(img.Functions[0].Entry); !ok || line == 0 {
		t.Error("entry has no source position")
	}
}

func containsOp(t *testing.T, img *bytecode.Image, op bytecode.Opcode) bool {
	t.Helper()
	instrs, err := bytecode.Decode(img.Code)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	for _, in := range instrs {
		if in.Op == op {
			return true
		}
	}
	return false
}
