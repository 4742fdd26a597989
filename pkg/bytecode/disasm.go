package bytecode

import (
	"fmt"
	"strings"
)

// Disassemble returns a human-readable listing of the whole image.
func (img *Image) Disassemble() string {
	var sb strings.Builder

	sb.WriteString(fmt.Sprintf("; Vesper image v%d\n", ImageVersion))
	sb.WriteString(fmt.Sprintf("; %d numbers, %d strings, %d functions, %d code bytes\n",
		len(img.Numbers), len(img.Strings), len(img.Functions), len(img.Code)))

	if len(img.Numbers) > 0 {
		sb.WriteString("\n; Numbers:\n")
		for i, n := range img.Numbers {
			sb.WriteString(fmt.Sprintf(";   [%3d] %v\n", i, n))
		}
	}
	if len(img.Strings) > 0 {
		sb.WriteString("\n; Strings:\n")
		for i, s := range img.Strings {
			display := s
			if len(display) > 40 {
				display = display[:37] + "..."
			}
			display = strings.ReplaceAll(display, "\n", "\\n")
			display = strings.ReplaceAll(display, "\t", "\\t")
			sb.WriteString(fmt.Sprintf(";   [%3d] %q\n", i, display))
		}
	}

	instrs, err := Decode(img.Code)
	if err != nil {
		sb.WriteString(fmt.Sprintf("\n; decode error: %v\n", err))
		return sb.String()
	}

	// Compute each instruction's offset so function entries can be located.
	offsets := make([]uint32, len(instrs))
	var pc uint32
	for i, in := range instrs {
		offsets[i] = pc
		pc += uint32(in.Op.EncodedLen(len(in.Operands)))
	}
	entryFuncs := make(map[uint32][]int)
	for fi, fn := range img.Functions {
		entryFuncs[fn.Entry] = append(entryFuncs[fn.Entry], fi)
	}

	sb.WriteString("\n")
	for i, in := range instrs {
		for _, fi := range entryFuncs[offsets[i]] {
			fn := &img.Functions[fi]
			name := fn.DebugName
			if name == "" {
				name = fmt.Sprintf("fn#%d", fi)
			}
			sb.WriteString(fmt.Sprintf("\n; === %s (args=%d locals=%d upvalues=%d",
				name, fn.NumArgs, fn.NumLocals, fn.NumUpvalues))
			if fn.HasVarArgs {
				sb.WriteString(" varargs")
			}
			if fn.IsSequence {
				sb.WriteString(" seq")
			}
			sb.WriteString(") ===\n")
			for _, c := range fn.Captures {
				sb.WriteString(fmt.Sprintf(";   capture %s #%d\n", c.Source, c.Index))
			}
			for _, h := range fn.Handlers {
				sb.WriteString(fmt.Sprintf(";   handler [%04d,%04d) catch=%d finally=%d\n",
					h.Start, h.End, h.Catch, h.Finally))
			}
		}
		sb.WriteString(fmt.Sprintf("%04d  %s\n", offsets[i], img.formatInstr(in)))
	}
	return sb.String()
}

// formatInstr renders one instruction, annotating pool references.
func (img *Image) formatInstr(in Instr) string {
	s := in.String()
	switch in.Op {
	case OpLdNum:
		if i := int(in.Operands[0]); i < len(img.Numbers) {
			s += fmt.Sprintf("  ; %v", img.Numbers[i])
		}
	case OpLdStr, OpLdFld, OpStFld, OpLdGlobalFld:
		if i := int(in.Operands[0]); i < len(img.Strings) {
			s += fmt.Sprintf("  ; %q", img.Strings[i])
		}
	case OpInstanceCall:
		if i := int(in.Operands[0]); i < len(img.Strings) {
			s += fmt.Sprintf("  ; .%s/%d", img.Strings[i], in.Operands[1])
		}
	case OpClosure:
		if i := int(in.Operands[0]); i < len(img.Functions) {
			name := img.Functions[i].DebugName
			if name != "" {
				s += fmt.Sprintf("  ; %s", name)
			}
		}
	}
	return s
}
