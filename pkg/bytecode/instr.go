package bytecode

import (
	"encoding/binary"
	"fmt"
)

// Instr is one instruction in unlinked form. Jump operands hold symbolic
// label ids until Link resolves them to byte offsets.
type Instr struct {
	Op       Opcode
	Operands []int32
}

// String formats the instruction mnemonically.
func (in Instr) String() string {
	s := in.Op.String()
	for _, operand := range in.Operands {
		s += fmt.Sprintf(" %d", operand)
	}
	return s
}

// List is a growable instruction list with emit helpers, produced by the
// code generator and consumed by Link.
type List struct {
	Instrs    []Instr
	nextLabel int32
}

// NewList creates an empty instruction list.
func NewList() *List {
	return &List{Instrs: make([]Instr, 0, 64)}
}

// Emit appends an instruction.
func (l *List) Emit(op Opcode, operands ...int32) {
	l.Instrs = append(l.Instrs, Instr{Op: op, Operands: operands})
}

// NewLabel allocates a fresh label id.
func (l *List) NewLabel() int32 {
	id := l.nextLabel
	l.nextLabel++
	return id
}

// MarkLabel emits the label pseudo-instruction binding id to the current
// position.
func (l *List) MarkLabel(id int32) {
	l.Emit(OpLabel, id)
}

// Append concatenates another list, renumbering its labels so the two
// label spaces cannot collide. It returns the base added to the appended
// list's label ids, so callers can translate recorded labels.
func (l *List) Append(other *List) int32 {
	base := l.nextLabel
	for _, in := range other.Instrs {
		shifted := in
		if in.Op == OpLabel || in.Op.IsJump() {
			shifted.Operands = append([]int32(nil), in.Operands...)
			relabelOperands(&shifted, base)
		}
		l.Instrs = append(l.Instrs, shifted)
	}
	l.nextLabel += other.nextLabel
	return base
}

func relabelOperands(in *Instr, base int32) {
	info := GetOpcodeInfo(in.Op)
	for i := range in.Operands {
		kind := OperandU32
		if i < len(info.Operands) {
			kind = info.Operands[i]
		} else if info.Variadic {
			kind = info.Operands[len(info.Operands)-1]
		}
		if kind == OperandLabel {
			in.Operands[i] += base
		}
	}
}

// ---------------------------------------------------------------------------
// Linking
// ---------------------------------------------------------------------------

// LinkResult carries the linked byte stream plus the debug tables stripped
// out of the pseudo-instruction stream.
type LinkResult struct {
	Code   []byte
	Debug  *DebugInfo
	Labels map[int32]uint32 // label id -> byte offset (for the disassembler)
}

// Link assigns byte offsets to every instruction, resolves label operands,
// erases pseudo-ops, and encodes the executable stream. Debug pseudo-ops are
// collected into DebugInfo tables keyed by instruction offset.
func Link(list *List) (*LinkResult, error) {
	// First pass: compute offsets. Pseudo-ops occupy zero bytes.
	offsets := make([]uint32, len(list.Instrs))
	labels := make(map[int32]uint32)
	var pc uint32
	for i, in := range list.Instrs {
		offsets[i] = pc
		if in.Op == OpLabel {
			if len(in.Operands) != 1 {
				return nil, fmt.Errorf("bytecode: label with %d operands", len(in.Operands))
			}
			if _, dup := labels[in.Operands[0]]; dup {
				return nil, fmt.Errorf("bytecode: duplicate label %d", in.Operands[0])
			}
			labels[in.Operands[0]] = pc
			continue
		}
		if in.Op.IsPseudo() {
			continue
		}
		pc += uint32(in.Op.EncodedLen(len(in.Operands)))
	}

	// Second pass: encode, resolving labels, and strip debug tables.
	code := make([]byte, 0, pc)
	debug := &DebugInfo{}
	var scopeStack []int

	for i, in := range list.Instrs {
		off := offsets[i]
		switch in.Op {
		case OpLabel:
			continue

		case OpDbgPosition:
			debug.Positions = append(debug.Positions, PositionEntry{
				Offset: off, File: uint32(in.Operands[0]), Line: uint32(in.Operands[1]),
			})
			continue

		case OpDbgStmt:
			debug.Statements = append(debug.Statements, StatementEntry{
				Offset: off, Line: uint32(in.Operands[0]),
			})
			continue

		case OpDbgScopeIn:
			debug.Scopes = append(debug.Scopes, ScopeEntry{
				ID: uint32(in.Operands[0]), Start: off, End: off,
			})
			scopeStack = append(scopeStack, len(debug.Scopes)-1)
			continue

		case OpDbgScopeOut:
			if len(scopeStack) == 0 {
				return nil, fmt.Errorf("bytecode: unbalanced scope pseudo-op at offset %d", off)
			}
			idx := scopeStack[len(scopeStack)-1]
			scopeStack = scopeStack[:len(scopeStack)-1]
			debug.Scopes[idx].End = off
			continue

		case OpDbgFunc:
			debug.FuncNames = append(debug.FuncNames, FuncNameEntry{
				Function: uint32(in.Operands[0]), Name: uint32(in.Operands[1]),
			})
			continue
		}

		code = append(code, byte(in.Op))
		info := GetOpcodeInfo(in.Op)
		for oi, operand := range in.Operands {
			kind := OperandU32
			if oi < len(info.Operands) {
				kind = info.Operands[oi]
			} else if info.Variadic {
				kind = info.Operands[len(info.Operands)-1]
			} else {
				return nil, fmt.Errorf("bytecode: %s has %d operands, expected %d",
					in.Op, len(in.Operands), len(info.Operands))
			}

			value := uint32(operand)
			if kind == OperandLabel {
				target, ok := labels[operand]
				if !ok {
					return nil, fmt.Errorf("bytecode: %s references undefined label %d", in.Op, operand)
				}
				value = target
			}

			switch kind {
			case OperandU16:
				if operand < 0 || operand > 0xFFFF {
					return nil, fmt.Errorf("bytecode: %s slot operand %d out of range", in.Op, operand)
				}
				code = binary.LittleEndian.AppendUint16(code, uint16(value))
			default:
				code = binary.LittleEndian.AppendUint32(code, value)
			}
		}
	}

	if len(scopeStack) != 0 {
		return nil, fmt.Errorf("bytecode: %d scopes left open", len(scopeStack))
	}
	if debug.Empty() {
		debug = nil
	}
	return &LinkResult{Code: code, Debug: debug, Labels: labels}, nil
}

// ---------------------------------------------------------------------------
// Decoding
// ---------------------------------------------------------------------------

// Decode disassembles a linked byte stream back into instructions. Jump
// operands come back as absolute byte offsets (there are no labels in linked
// code). Decode(Encode(x)) re-encodes to the identical byte stream.
func Decode(code []byte) ([]Instr, error) {
	var out []Instr
	pos := 0
	for pos < len(code) {
		op := Opcode(code[pos])
		if op.IsPseudo() {
			return nil, fmt.Errorf("bytecode: pseudo-op %s in linked code at offset %d", op, pos)
		}
		info, ok := opcodeInfoTable[op]
		if !ok {
			return nil, fmt.Errorf("bytecode: unknown opcode %d at offset %d", byte(op), pos)
		}
		pos++

		in := Instr{Op: op}
		count := len(info.Operands)
		for oi := 0; oi < count; oi++ {
			kind := info.Operands[len(info.Operands)-1]
			if oi < len(info.Operands) {
				kind = info.Operands[oi]
			}
			operand, n, err := decodeOperand(code, pos, kind)
			if err != nil {
				return nil, fmt.Errorf("bytecode: %s at offset %d: %w", op, pos, err)
			}
			in.Operands = append(in.Operands, operand)
			pos += n

			// JmpTable: operand 1 is the target count; extend with that many
			// trailing label operands.
			if info.Variadic && oi == 1 {
				count += int(operand)
			}
		}
		out = append(out, in)
	}
	return out, nil
}

func decodeOperand(code []byte, pos int, kind OperandKind) (int32, int, error) {
	w := kind.Width()
	if pos+w > len(code) {
		return 0, 0, fmt.Errorf("truncated operand")
	}
	if kind == OperandU16 {
		return int32(binary.LittleEndian.Uint16(code[pos:])), 2, nil
	}
	return int32(binary.LittleEndian.Uint32(code[pos:])), 4, nil
}

// Encode re-encodes decoded instructions. Operands must already be absolute
// offsets; pseudo-ops are rejected.
func Encode(instrs []Instr) ([]byte, error) {
	var code []byte
	for _, in := range instrs {
		if in.Op.IsPseudo() {
			return nil, fmt.Errorf("bytecode: cannot encode pseudo-op %s", in.Op)
		}
		info := GetOpcodeInfo(in.Op)
		code = append(code, byte(in.Op))
		for oi, operand := range in.Operands {
			kind := OperandU32
			if oi < len(info.Operands) {
				kind = info.Operands[oi]
			} else if info.Variadic {
				kind = info.Operands[len(info.Operands)-1]
			}
			if kind == OperandU16 {
				code = binary.LittleEndian.AppendUint16(code, uint16(operand))
			} else {
				code = binary.LittleEndian.AppendUint32(code, uint32(operand))
			}
		}
	}
	return code, nil
}
