// Package bytecode defines the Vesper instruction set, the instruction
// encoder/linker, and the program image format executed by the VM.
package bytecode

import "fmt"

// Opcode represents a bytecode instruction.
//
// The numbering splits into three bands: executable opcodes live in
// [0, 200), the label pseudo-op is 200, and debug/meta pseudo-ops are above
// 200. Pseudo-ops have zero encoded length and are erased by the linker.
type Opcode byte

const (
	// ========================================================================
	// Stack shuffling (0-9)
	// ========================================================================

	OpDup       Opcode = 0 // a -> a a
	OpDup2      Opcode = 1 // a b -> a b a b
	OpDrop      Opcode = 2 // a ->
	OpSwap      Opcode = 3 // a b -> b a
	OpSwap1For2 Opcode = 4 // a b c -> c a b

	// ========================================================================
	// Constants (10-19)
	// ========================================================================

	OpLdUndef Opcode = 10 // Push undefined
	OpLdNull  Opcode = 11 // Push null
	OpLdTrue  Opcode = 12 // Push true
	OpLdFalse Opcode = 13 // Push false
	OpLdNum   Opcode = 14 // Push number pool entry: LdNum <index:u32>
	OpLdStr   Opcode = 15 // Push string pool entry: LdStr <index:u32>

	// ========================================================================
	// Globals (20-24)
	// ========================================================================

	OpLdGlobal    Opcode = 20 // Push the global object
	OpLdGlobalFld Opcode = 21 // Push global field by name: LdGlobalFld <str:u32>

	// ========================================================================
	// Locals and arguments (25-34)
	// ========================================================================

	OpLdLocF   Opcode = 25 // Push local: LdLocF <slot:u16>
	OpStLocF   Opcode = 26 // Pop into local: StLocF <slot:u16>
	OpLdArgF   Opcode = 27 // Push argument: LdArgF <slot:u16>
	OpStArgF   Opcode = 28 // Pop into argument: StArgF <slot:u16>
	OpCloseLoc Opcode = 29 // Sever the shared cell of local <slot:u16>

	// ========================================================================
	// Fields and indexing (35-44)
	// ========================================================================

	OpLdFld  Opcode = 35 // obj -> obj.name: LdFld <str:u32>
	OpStFld  Opcode = 36 // value obj -> ; obj.name = value: StFld <str:u32>
	OpLdArr  Opcode = 37 // container index -> container[index]
	OpStArr  Opcode = 38 // value container index -> ; container[index] = value
	OpLdArrF Opcode = 39 // Static index into array local: LdArrF <slot:u16> <index:u32>
	OpStArrF Opcode = 40 // Static store into array local: StArrF <slot:u16> <index:u32>

	// ========================================================================
	// Upvalues (45-49)
	// ========================================================================

	OpLdUp      Opcode = 45 // Push the current upvalue array
	OpLdUpValue Opcode = 46 // Push upvalue cell content: LdUpValue <slot:u16>
	OpStUpValue Opcode = 47 // Pop into upvalue cell: StUpValue <slot:u16>

	// ========================================================================
	// Sequences (50-54)
	// ========================================================================

	OpSeqResume  Opcode = 50 // Resume point after a suspend; pushes the resume value
	OpSeqSuspend Opcode = 51 // Pop yield value and suspend the sequence frame

	// ========================================================================
	// Constructors (55-59)
	// ========================================================================

	OpNewObject Opcode = 55 // Push a fresh object
	OpNewArray  Opcode = 56 // Pop n values into a fresh array: NewArray <n:u32>
	OpSlice     Opcode = 57 // container start end -> container[start:end]

	// ========================================================================
	// Arithmetic (60-69)
	// ========================================================================

	OpAdd Opcode = 60 // Also string concatenation when either operand is a string
	OpSub Opcode = 61
	OpMul Opcode = 62
	OpDiv Opcode = 63
	OpMod Opcode = 64
	OpExp Opcode = 65
	OpNeg Opcode = 66

	// ========================================================================
	// Comparison (70-79)
	// ========================================================================

	OpEq  Opcode = 70
	OpNeq Opcode = 71
	OpGt  Opcode = 72
	OpGte Opcode = 73
	OpLt  Opcode = 74
	OpLte Opcode = 75

	// ========================================================================
	// Logical and bitwise (80-89)
	// ========================================================================

	OpNot       Opcode = 80
	OpBitLShift Opcode = 81
	OpBitRShift Opcode = 82
	OpBitAnd    Opcode = 83
	OpBitOr    Opcode = 84
	OpBitXor    Opcode = 85
	OpBitNot    Opcode = 86

	// ========================================================================
	// Membership (90-94)
	// ========================================================================

	OpIn    Opcode = 90 // key container -> bool
	OpNotIn Opcode = 91

	// ========================================================================
	// Control flow (100-119)
	// ========================================================================

	OpJmp       Opcode = 100 // Jmp <target:u32>
	OpJmpTrue   Opcode = 101 // Pop; jump if truthy
	OpJmpFalse  Opcode = 102 // Pop; jump if falsy
	OpJmpTrueP  Opcode = 103 // Peek; jump if truthy (short-circuit ||)
	OpJmpFalseP Opcode = 104 // Peek; jump if falsy (short-circuit &&)
	OpJmpTable  Opcode = 105 // JmpTable <base:u32> <count:u32> <default:u32> <target:u32>*

	// ========================================================================
	// Calls (120-139)
	// ========================================================================

	OpClosure      Opcode = 120 // Build closure for function: Closure <func:u32>
	OpCall         Opcode = 121 // Call <argc:u32>
	OpTailCall     Opcode = 122 // TailCall <argc:u32>: reuse the current frame
	OpInstanceCall Opcode = 123 // InstanceCall <name:u32> <argc:u32>
	OpEnter        Opcode = 124 // Enter <localCount:u32>: size the locals array
	OpRet          Opcode = 125 // Pop return value, tear down the frame
	OpVarArgs      Opcode = 126 // VarArgs <fixedArgc:u32>: pack trailing args

	// ========================================================================
	// In-place increment/decrement (140-144)
	// ========================================================================

	OpIncF Opcode = 140 // IncF <slot:u16>
	OpDecF Opcode = 141 // DecF <slot:u16>

	// ========================================================================
	// Debug traps (150-154)
	// ========================================================================

	OpBreakpoint      Opcode = 150 // Unconditional debugger stop
	OpDebugCheckpoint Opcode = 151 // Stop only if an attached debugger wants to

	// ========================================================================
	// Pseudo-ops: label at 200, debug/meta above. Linker erases all of them.
	// ========================================================================

	OpLabel Opcode = 200 // Label <id:label>

	OpDbgPosition Opcode = 201 // DbgPosition <file:u32> <line:u32>
	OpDbgStmt     Opcode = 202 // DbgStmt <line:u32>: statement boundary
	OpDbgScopeIn  Opcode = 203 // DbgScopeIn <id:u32>
	OpDbgScopeOut Opcode = 204 // DbgScopeOut <id:u32>
	OpDbgFunc     Opcode = 205 // DbgFunc <func:u32> <name:u32>
)

// OperandKind describes how a single operand is encoded.
type OperandKind uint8

const (
	OperandU32   OperandKind = iota // little-endian 32-bit index or jump target
	OperandU16                      // little-endian 16-bit slot
	OperandLabel                    // symbolic label; u32 byte offset after linking
)

// Width returns the encoded width in bytes.
func (k OperandKind) Width() int {
	if k == OperandU16 {
		return 2
	}
	return 4
}

// OpcodeInfo provides metadata about each opcode.
type OpcodeInfo struct {
	Name     string
	Operands []OperandKind
	Variadic bool // JmpTable carries count trailing label operands
}

var opcodeInfoTable = map[Opcode]OpcodeInfo{
	OpDup:       {Name: "Dup"},
	OpDup2:      {Name: "Dup2"},
	OpDrop:      {Name: "Drop"},
	OpSwap:      {Name: "Swap"},
	OpSwap1For2: {Name: "Swap1For2"},

	OpLdUndef: {Name: "LdUndef"},
	OpLdNull:  {Name: "LdNull"},
	OpLdTrue:  {Name: "LdTrue"},
	OpLdFalse: {Name: "LdFalse"},
	OpLdNum:   {Name: "LdNum", Operands: []OperandKind{OperandU32}},
	OpLdStr:   {Name: "LdStr", Operands: []OperandKind{OperandU32}},

	OpLdGlobal:    {Name: "LdGlobal"},
	OpLdGlobalFld: {Name: "LdGlobalFld", Operands: []OperandKind{OperandU32}},

	OpLdLocF:   {Name: "LdLocF", Operands: []OperandKind{OperandU16}},
	OpStLocF:   {Name: "StLocF", Operands: []OperandKind{OperandU16}},
	OpLdArgF:   {Name: "LdArgF", Operands: []OperandKind{OperandU16}},
	OpStArgF:   {Name: "StArgF", Operands: []OperandKind{OperandU16}},
	OpCloseLoc: {Name: "CloseLoc", Operands: []OperandKind{OperandU16}},

	OpLdFld:  {Name: "LdFld", Operands: []OperandKind{OperandU32}},
	OpStFld:  {Name: "StFld", Operands: []OperandKind{OperandU32}},
	OpLdArr:  {Name: "LdArr"},
	OpStArr:  {Name: "StArr"},
	OpLdArrF: {Name: "LdArrF", Operands: []OperandKind{OperandU16, OperandU32}},
	OpStArrF: {Name: "StArrF", Operands: []OperandKind{OperandU16, OperandU32}},

	OpLdUp:      {Name: "LdUp"},
	OpLdUpValue: {Name: "LdUpValue", Operands: []OperandKind{OperandU16}},
	OpStUpValue: {Name: "StUpValue", Operands: []OperandKind{OperandU16}},

	OpSeqResume:  {Name: "SeqResume"},
	OpSeqSuspend: {Name: "SeqSuspend"},

	OpNewObject: {Name: "NewObject"},
	OpNewArray:  {Name: "NewArray", Operands: []OperandKind{OperandU32}},
	OpSlice:     {Name: "Slice"},

	OpAdd: {Name: "Add"},
	OpSub: {Name: "Sub"},
	OpMul: {Name: "Mul"},
	OpDiv: {Name: "Div"},
	OpMod: {Name: "Mod"},
	OpExp: {Name: "Exp"},
	OpNeg: {Name: "Neg"},

	OpEq:  {Name: "Eq"},
	OpNeq: {Name: "Neq"},
	OpGt:  {Name: "Gt"},
	OpGte: {Name: "Gte"},
	OpLt:  {Name: "Lt"},
	OpLte: {Name: "Lte"},

	OpNot:       {Name: "Not"},
	OpBitLShift: {Name: "BitLShift"},
	OpBitRShift: {Name: "BitRShift"},
	OpBitAnd:    {Name: "BitAnd"},
	OpBitOr:     {Name: "BitOr"},
	OpBitXor:    {Name: "BitXor"},
	OpBitNot:    {Name: "BitNot"},

	OpIn:    {Name: "In"},
	OpNotIn: {Name: "NotIn"},

	OpJmp:       {Name: "Jmp", Operands: []OperandKind{OperandLabel}},
	OpJmpTrue:   {Name: "JmpTrue", Operands: []OperandKind{OperandLabel}},
	OpJmpFalse:  {Name: "JmpFalse", Operands: []OperandKind{OperandLabel}},
	OpJmpTrueP:  {Name: "JmpTrueP", Operands: []OperandKind{OperandLabel}},
	OpJmpFalseP: {Name: "JmpFalseP", Operands: []OperandKind{OperandLabel}},
	OpJmpTable:  {Name: "JmpTable", Operands: []OperandKind{OperandU32, OperandU32, OperandLabel}, Variadic: true},

	OpClosure:      {Name: "Closure", Operands: []OperandKind{OperandU32}},
	OpCall:         {Name: "Call", Operands: []OperandKind{OperandU32}},
	OpTailCall:     {Name: "TailCall", Operands: []OperandKind{OperandU32}},
	OpInstanceCall: {Name: "InstanceCall", Operands: []OperandKind{OperandU32, OperandU32}},
	OpEnter:        {Name: "Enter", Operands: []OperandKind{OperandU32}},
	OpRet:          {Name: "Ret"},
	OpVarArgs:      {Name: "VarArgs", Operands: []OperandKind{OperandU32}},

	OpIncF: {Name: "IncF", Operands: []OperandKind{OperandU16}},
	OpDecF: {Name: "DecF", Operands: []OperandKind{OperandU16}},

	OpBreakpoint:      {Name: "Breakpoint"},
	OpDebugCheckpoint: {Name: "DebugCheckpoint"},

	OpLabel: {Name: "Label", Operands: []OperandKind{OperandLabel}},

	OpDbgPosition: {Name: "DbgPosition", Operands: []OperandKind{OperandU32, OperandU32}},
	OpDbgStmt:     {Name: "DbgStmt", Operands: []OperandKind{OperandU32}},
	OpDbgScopeIn:  {Name: "DbgScopeIn", Operands: []OperandKind{OperandU32}},
	OpDbgScopeOut: {Name: "DbgScopeOut", Operands: []OperandKind{OperandU32}},
	OpDbgFunc:     {Name: "DbgFunc", Operands: []OperandKind{OperandU32, OperandU32}},
}

// GetOpcodeInfo returns metadata for an opcode.
func GetOpcodeInfo(op Opcode) OpcodeInfo {
	if info, ok := opcodeInfoTable[op]; ok {
		return info
	}
	return OpcodeInfo{Name: fmt.Sprintf("UNKNOWN(%d)", byte(op))}
}

// String returns the human-readable name of an opcode.
func (op Opcode) String() string {
	return GetOpcodeInfo(op).Name
}

// IsPseudo reports whether the opcode is erased during linking.
func (op Opcode) IsPseudo() bool {
	return op >= OpLabel
}

// IsDebugMeta reports whether the opcode is a debug/meta pseudo-op.
func (op Opcode) IsDebugMeta() bool {
	return op > OpLabel
}

// IsJump reports whether the opcode takes label operands.
func (op Opcode) IsJump() bool {
	return op >= OpJmp && op <= OpJmpTable
}

// EncodedLen returns the encoded length of an instruction with the given
// operand count: the opcode byte plus operand payloads, minimum 1. Pseudo-ops
// have length 0.
func (op Opcode) EncodedLen(operandCount int) int {
	if op.IsPseudo() {
		return 0
	}
	info := GetOpcodeInfo(op)
	n := 1
	for i := 0; i < operandCount; i++ {
		n += operandWidth(info, i)
	}
	return n
}

// operandWidth returns the width of operand i, extending the last declared
// kind for variadic opcodes.
func operandWidth(info OpcodeInfo, i int) int {
	if len(info.Operands) == 0 {
		return 0
	}
	if i >= len(info.Operands) {
		if info.Variadic {
			return info.Operands[len(info.Operands)-1].Width()
		}
		return 0
	}
	return info.Operands[i].Width()
}

// AllOpcodes returns every defined opcode, for metadata tests.
func AllOpcodes() []Opcode {
	ops := make([]Opcode, 0, len(opcodeInfoTable))
	for op := range opcodeInfoTable {
		ops = append(ops, op)
	}
	return ops
}
