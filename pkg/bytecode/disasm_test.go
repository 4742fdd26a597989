package bytecode

import (
	"strings"
	"testing"
)

func TestDisassembleListsFunctionsAndPools(t *testing.T) {
	l := NewList()
	l.Emit(OpLdNum, 0)
	l.Emit(OpLdStr, 1)
	l.Emit(OpAdd)
	l.Emit(OpRet)
	res, err := Link(l)
	if err != nil {
		t.Fatalf("Link failed: %v", err)
	}

	img := &Image{
		Numbers:   []float64{42},
		Strings:   []string{"main.vs", "suffix"},
		Functions: []FuncDesc{{Entry: 0, DebugName: "main"}},
		Code:      res.Code,
	}

	out := img.Disassemble()
	for _, want := range []string{"main", "LdNum 0", "; 42", `"suffix"`, "Add", "Ret"} {
		if !strings.Contains(out, want) {
			t.Errorf("disassembly missing %q:\n%s", want, out)
		}
	}
}

func TestDisassembleAnnotatesHandlers(t *testing.T) {
	img := &Image{
		Functions: []FuncDesc{{
			Entry:     0,
			DebugName: "guarded",
			Handlers:  []HandlerRecord{{Start: 0, End: 1, Catch: 1, Finally: -1}},
		}},
		Code: []byte{byte(OpLdUndef), byte(OpRet)},
	}
	out := img.Disassemble()
	if !strings.Contains(out, "handler") {
		t.Errorf("disassembly missing handler annotation:\n%s", out)
	}
}
