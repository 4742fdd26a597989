// Package codegen lowers the expression tree into linked program images:
// it resolves scopes, assigns local and upvalue slots, lowers control flow
// to labeled jumps, records handler ranges for try/catch/finally, folds
// constants, and interleaves debug pseudo-instructions that the linker
// strips into offset-keyed tables.
package codegen

import (
	"fmt"
	"math"

	"github.com/vesper-lang/vesper/pkg/ast"
	"github.com/vesper-lang/vesper/pkg/bytecode"
)

// CompileError is a lexical, syntactic or semantic failure during code
// generation. It is surfaced to the embedder and never thrown from the VM.
type CompileError struct {
	Message string
	File    string
	Line    int
}

// Error implements the error interface.
func (e *CompileError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("compile error: %s at %s:%d", e.Message, e.File, e.Line)
	}
	return fmt.Sprintf("compile error: %s", e.Message)
}

func errorf(pos ast.Pos, format string, args ...any) *CompileError {
	return &CompileError{Message: fmt.Sprintf(format, args...), File: pos.File, Line: pos.Line}
}

// ---------------------------------------------------------------------------
// Compiler state
// ---------------------------------------------------------------------------

// Compiler lowers one module into an image. Not reusable across modules.
type Compiler struct {
	numbers   []float64
	numberMap map[uint64]int32
	strings   []string
	stringMap map[string]int32

	funcs []*funcState
}

// upvalEntry tracks one captured variable of a function.
type upvalEntry struct {
	name string
	ref  bytecode.CaptureRef
}

// handlerLabels is a handler record in symbolic (pre-link) form.
type handlerLabels struct {
	start, end     int32
	catch, finally int32 // label ids, -1 when absent
}

// loopInfo tracks break/continue targets and how many finally contexts were
// active when the loop began, so jumps out of the loop replay the right
// finally bodies.
type loopInfo struct {
	breakLabel    int32
	continueLabel int32
	finallyDepth  int
}

// funcState is the per-function compilation state.
type funcState struct {
	parent *funcState
	index  int32
	name   string
	pos    ast.Pos

	list       *bytecode.List
	entryLabel int32
	enterInstr int // index of the Enter instruction, patched with the local count

	params     map[string]uint16
	numArgs    uint16
	hasVarArgs bool
	isSequence bool

	scopes    []map[string]uint16
	nextLocal uint16

	upvals   []upvalEntry
	handlers []handlerLabels
	loops    []*loopInfo
	finallys []*ast.BlockStmt
	tryDepth int

	// debug emission state
	lastFile string
	lastLine int
	scopeIDs int32
}

// Compile lowers a module to a linked program image. Function 0 is the
// module body.
func Compile(mod *ast.Module) (*bytecode.Image, error) {
	c := &Compiler{
		numberMap: make(map[uint64]int32),
		stringMap: make(map[string]int32),
	}

	main := c.newFunc(nil, "main", mod.Pos, nil, false, false)
	body := &ast.BlockStmt{Pos: mod.Pos, Stmts: mod.Stmts}
	if err := c.compileFuncBody(main, body); err != nil {
		return nil, err
	}
	return c.assemble()
}

// newFunc allocates a function state and its slot in the function table.
func (c *Compiler) newFunc(parent *funcState, name string, pos ast.Pos, params []string, varArgs, isSeq bool) *funcState {
	fs := &funcState{
		parent:     parent,
		index:      int32(len(c.funcs)),
		name:       name,
		pos:        pos,
		list:       bytecode.NewList(),
		params:     make(map[string]uint16),
		numArgs:    uint16(len(params)),
		hasVarArgs: varArgs,
		isSequence: isSeq,
		lastLine:   -1,
	}
	if varArgs {
		// The trailing parameter collects excess arguments; its slot sits
		// just past the fixed parameters.
		fs.numArgs--
		for i, p := range params[:len(params)-1] {
			fs.params[p] = uint16(i)
		}
		fs.params[params[len(params)-1]] = fs.numArgs
	} else {
		for i, p := range params {
			fs.params[p] = uint16(i)
		}
	}
	fs.entryLabel = fs.list.NewLabel()
	c.funcs = append(c.funcs, fs)
	return fs
}

// compileFuncBody emits the prologue, statements and epilogue of fs.
func (c *Compiler) compileFuncBody(fs *funcState, body *ast.BlockStmt) error {
	fs.list.MarkLabel(fs.entryLabel)
	fs.list.Emit(bytecode.OpDbgFunc, fs.index, c.stringIdx(fs.name))
	c.emitPosition(fs, fs.pos)

	fs.enterInstr = len(fs.list.Instrs)
	fs.list.Emit(bytecode.OpEnter, 0) // patched below
	if fs.hasVarArgs {
		fs.list.Emit(bytecode.OpVarArgs, int32(fs.numArgs))
	}

	fs.pushScope()

	// Parameters referenced by nested functions are promoted to locals so
	// that capture cells can form around them.
	captured := nestedCapturedNames(body)
	for i := uint16(0); i <= fs.numArgs; i++ {
		for name, slot := range fs.params {
			if slot != i || !captured[name] {
				continue
			}
			local, err := fs.declareLocal(name, fs.pos)
			if err != nil {
				return err
			}
			fs.list.Emit(bytecode.OpLdArgF, int32(slot))
			fs.list.Emit(bytecode.OpStLocF, int32(local))
		}
	}

	for _, stmt := range body.Stmts {
		if err := c.compileStmt(fs, stmt); err != nil {
			return err
		}
	}
	fs.popScope()

	// Implicit return of undefined; unreachable after an explicit return.
	fs.list.Emit(bytecode.OpLdUndef)
	fs.list.Emit(bytecode.OpRet)

	fs.list.Instrs[fs.enterInstr].Operands[0] = int32(fs.nextLocal)
	return nil
}

// ---------------------------------------------------------------------------
// Scopes and slots
// ---------------------------------------------------------------------------

func (fs *funcState) pushScope() {
	fs.scopes = append(fs.scopes, make(map[string]uint16))
}

func (fs *funcState) popScope() {
	fs.scopes = fs.scopes[:len(fs.scopes)-1]
}

// declareLocal assigns the next monotonically increasing slot. Slots are
// never reused within a function, so shared capture cells cannot alias
// across sibling scopes.
func (fs *funcState) declareLocal(name string, pos ast.Pos) (uint16, error) {
	top := fs.scopes[len(fs.scopes)-1]
	if _, dup := top[name]; dup {
		return 0, errorf(pos, "duplicate declaration of %q", name)
	}
	slot := fs.nextLocal
	fs.nextLocal++
	top[name] = slot
	return slot, nil
}

// hiddenLocal allocates an unnamed slot for lowering temporaries.
func (fs *funcState) hiddenLocal() uint16 {
	slot := fs.nextLocal
	fs.nextLocal++
	return slot
}

func (fs *funcState) lookupLocal(name string) (uint16, bool) {
	for i := len(fs.scopes) - 1; i >= 0; i-- {
		if slot, ok := fs.scopes[i][name]; ok {
			return slot, true
		}
	}
	return 0, false
}

// refKind says how an identifier reference resolved.
type refKind int

const (
	refLocal refKind = iota
	refArg
	refUpvalue
	refGlobal
)

// resolve resolves a name: local first, then parameter, then upvalue
// (capturing transitively through every enclosing function), else global.
func (c *Compiler) resolve(fs *funcState, name string) (refKind, uint16) {
	if slot, ok := fs.lookupLocal(name); ok {
		return refLocal, slot
	}
	if slot, ok := fs.params[name]; ok {
		return refArg, slot
	}
	if idx, ok := c.resolveUpvalue(fs, name); ok {
		return refUpvalue, idx
	}
	return refGlobal, 0
}

// resolveUpvalue walks enclosing functions for a local to capture. Every
// intermediate function gains a pass-through upvalue, which is what builds
// the shared cell chain at runtime.
func (c *Compiler) resolveUpvalue(fs *funcState, name string) (uint16, bool) {
	if fs.parent == nil {
		return 0, false
	}
	if slot, ok := fs.parent.lookupLocal(name); ok {
		return fs.addUpvalue(name, bytecode.CaptureLocal, slot), true
	}
	if idx, ok := c.resolveUpvalue(fs.parent, name); ok {
		return fs.addUpvalue(name, bytecode.CaptureUpvalue, idx), true
	}
	return 0, false
}

// addUpvalue appends a capture in capture order, deduplicating by name.
func (fs *funcState) addUpvalue(name string, src bytecode.CaptureSource, index uint16) uint16 {
	for i, u := range fs.upvals {
		if u.name == name {
			return uint16(i)
		}
	}
	fs.upvals = append(fs.upvals, upvalEntry{
		name: name,
		ref:  bytecode.CaptureRef{Source: src, Index: index},
	})
	return uint16(len(fs.upvals) - 1)
}

// ---------------------------------------------------------------------------
// Constant pools
// ---------------------------------------------------------------------------

func (c *Compiler) numberIdx(f float64) int32 {
	bits := math.Float64bits(f)
	if idx, ok := c.numberMap[bits]; ok {
		return idx
	}
	idx := int32(len(c.numbers))
	c.numbers = append(c.numbers, f)
	c.numberMap[bits] = idx
	return idx
}

func (c *Compiler) stringIdx(s string) int32 {
	if idx, ok := c.stringMap[s]; ok {
		return idx
	}
	idx := int32(len(c.strings))
	c.strings = append(c.strings, s)
	c.stringMap[s] = idx
	return idx
}

// ---------------------------------------------------------------------------
// Debug pseudo-instructions
// ---------------------------------------------------------------------------

func (c *Compiler) emitPosition(fs *funcState, pos ast.Pos) {
	if pos.Line == 0 || (pos.File == fs.lastFile && pos.Line == fs.lastLine) {
		return
	}
	fs.lastFile = pos.File
	fs.lastLine = pos.Line
	fs.list.Emit(bytecode.OpDbgPosition, c.stringIdx(pos.File), int32(pos.Line))
}

func (c *Compiler) emitStmtMark(fs *funcState, pos ast.Pos) {
	c.emitPosition(fs, pos)
	fs.list.Emit(bytecode.OpDbgStmt, int32(pos.Line))
	// Statement boundaries double as debugger stop points; the checkpoint
	// is a single hook-is-nil check when no debugger is attached.
	fs.list.Emit(bytecode.OpDebugCheckpoint)
}

// ---------------------------------------------------------------------------
// Statements
// ---------------------------------------------------------------------------

func (c *Compiler) compileStmt(fs *funcState, stmt ast.Stmt) error {
	switch s := stmt.(type) {
	case *ast.BlockStmt:
		return c.compileBlock(fs, s)

	case *ast.VarDecl:
		c.emitStmtMark(fs, s.Pos)
		for i, name := range s.Names {
			slot, err := fs.declareLocal(name, s.Pos)
			if err != nil {
				return err
			}
			if i < len(s.Inits) && s.Inits[i] != nil {
				if err := c.compileExpr(fs, s.Inits[i]); err != nil {
					return err
				}
				fs.list.Emit(bytecode.OpStLocF, int32(slot))
			}
		}
		return nil

	case *ast.ExprStmt:
		c.emitStmtMark(fs, s.Pos)
		return c.compileExprStmt(fs, s)

	case *ast.IfStmt:
		return c.compileIf(fs, s)

	case *ast.WhileStmt:
		return c.compileWhile(fs, s)

	case *ast.DoWhileStmt:
		return c.compileDoWhile(fs, s)

	case *ast.ForStmt:
		return c.compileFor(fs, s)

	case *ast.ForeachStmt:
		return c.compileForeach(fs, s)

	case *ast.BreakStmt:
		c.emitStmtMark(fs, s.Pos)
		if len(fs.loops) == 0 {
			return errorf(s.Pos, "break outside loop")
		}
		loop := fs.loops[len(fs.loops)-1]
		if err := c.inlineFinallys(fs, loop.finallyDepth); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpJmp, loop.breakLabel)
		return nil

	case *ast.ContinueStmt:
		c.emitStmtMark(fs, s.Pos)
		if len(fs.loops) == 0 {
			return errorf(s.Pos, "continue outside loop")
		}
		loop := fs.loops[len(fs.loops)-1]
		if err := c.inlineFinallys(fs, loop.finallyDepth); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpJmp, loop.continueLabel)
		return nil

	case *ast.ReturnStmt:
		return c.compileReturn(fs, s)

	case *ast.TryStmt:
		return c.compileTry(fs, s)

	case *ast.ImportStmt:
		// Module resolution belongs to the embedder; the marker emits
		// nothing.
		return nil

	case *ast.ExportStmt:
		return c.compileExport(fs, s)

	default:
		return errorf(stmt.Position(), "unsupported statement %T", stmt)
	}
}

func (c *Compiler) compileBlock(fs *funcState, block *ast.BlockStmt) error {
	fs.scopeIDs++
	id := fs.scopeIDs
	fs.list.Emit(bytecode.OpDbgScopeIn, id)
	fs.pushScope()
	for _, stmt := range block.Stmts {
		if err := c.compileStmt(fs, stmt); err != nil {
			return err
		}
	}
	fs.popScope()
	fs.list.Emit(bytecode.OpDbgScopeOut, id)
	return nil
}

// compileExprStmt discards the expression result, with peepholes for
// statement-level assignment and increment of locals.
func (c *Compiler) compileExprStmt(fs *funcState, s *ast.ExprStmt) error {
	switch e := s.Expr.(type) {
	case *ast.FunctionExpr:
		if e.Name != "" {
			// Named function statement: declare before compiling the body
			// so the function can recurse through its own cell.
			slot, err := fs.declareLocal(e.Name, e.Pos)
			if err != nil {
				return err
			}
			if err := c.compileExpr(fs, e); err != nil {
				return err
			}
			fs.list.Emit(bytecode.OpStLocF, int32(slot))
			return nil
		}

	case *ast.AssignExpr:
		return c.compileAssign(fs, e, true)

	case *ast.IncDecExpr:
		if kind, slot := c.resolve(fs, e.Target.Name); kind == refLocal {
			op := bytecode.OpIncF
			if e.Decrement {
				op = bytecode.OpDecF
			}
			fs.list.Emit(op, int32(slot))
			return nil
		}
	}

	if err := c.compileExpr(fs, s.Expr); err != nil {
		return err
	}
	fs.list.Emit(bytecode.OpDrop)
	return nil
}

func (c *Compiler) compileIf(fs *funcState, s *ast.IfStmt) error {
	c.emitStmtMark(fs, s.Pos)
	cond := foldExpr(s.Cond)

	// Dead-branch elimination for constant conditions.
	if truthy, known := constTruthiness(cond); known {
		if truthy {
			return c.compileStmt(fs, s.Then)
		}
		if s.Else != nil {
			return c.compileStmt(fs, s.Else)
		}
		return nil
	}

	if err := c.compileExpr(fs, cond); err != nil {
		return err
	}
	elseLabel := fs.list.NewLabel()
	fs.list.Emit(bytecode.OpJmpFalse, elseLabel)
	if err := c.compileStmt(fs, s.Then); err != nil {
		return err
	}
	if s.Else == nil {
		fs.list.MarkLabel(elseLabel)
		return nil
	}
	endLabel := fs.list.NewLabel()
	fs.list.Emit(bytecode.OpJmp, endLabel)
	fs.list.MarkLabel(elseLabel)
	if err := c.compileStmt(fs, s.Else); err != nil {
		return err
	}
	fs.list.MarkLabel(endLabel)
	return nil
}

func (c *Compiler) compileWhile(fs *funcState, s *ast.WhileStmt) error {
	c.emitStmtMark(fs, s.Pos)
	start := fs.list.NewLabel()
	end := fs.list.NewLabel()

	fs.list.MarkLabel(start)
	if err := c.compileExpr(fs, foldExpr(s.Cond)); err != nil {
		return err
	}
	fs.list.Emit(bytecode.OpJmpFalse, end)

	fs.loops = append(fs.loops, &loopInfo{breakLabel: end, continueLabel: start, finallyDepth: len(fs.finallys)})
	err := c.compileStmt(fs, s.Body)
	fs.loops = fs.loops[:len(fs.loops)-1]
	if err != nil {
		return err
	}

	fs.list.Emit(bytecode.OpJmp, start)
	fs.list.MarkLabel(end)
	return nil
}

func (c *Compiler) compileDoWhile(fs *funcState, s *ast.DoWhileStmt) error {
	c.emitStmtMark(fs, s.Pos)
	start := fs.list.NewLabel()
	cond := fs.list.NewLabel()
	end := fs.list.NewLabel()

	fs.list.MarkLabel(start)
	fs.loops = append(fs.loops, &loopInfo{breakLabel: end, continueLabel: cond, finallyDepth: len(fs.finallys)})
	err := c.compileStmt(fs, s.Body)
	fs.loops = fs.loops[:len(fs.loops)-1]
	if err != nil {
		return err
	}

	fs.list.MarkLabel(cond)
	if err := c.compileExpr(fs, foldExpr(s.Cond)); err != nil {
		return err
	}
	fs.list.Emit(bytecode.OpJmpTrue, start)
	fs.list.MarkLabel(end)
	return nil
}

func (c *Compiler) compileFor(fs *funcState, s *ast.ForStmt) error {
	c.emitStmtMark(fs, s.Pos)
	fs.pushScope()
	defer fs.popScope()

	if s.Init != nil {
		if err := c.compileStmt(fs, s.Init); err != nil {
			return err
		}
	}

	condLabel := fs.list.NewLabel()
	postLabel := fs.list.NewLabel()
	end := fs.list.NewLabel()

	fs.list.MarkLabel(condLabel)
	if s.Cond != nil {
		if err := c.compileExpr(fs, foldExpr(s.Cond)); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpJmpFalse, end)
	}

	fs.loops = append(fs.loops, &loopInfo{breakLabel: end, continueLabel: postLabel, finallyDepth: len(fs.finallys)})
	err := c.compileStmt(fs, s.Body)
	fs.loops = fs.loops[:len(fs.loops)-1]
	if err != nil {
		return err
	}

	fs.list.MarkLabel(postLabel)
	if s.Post != nil {
		if err := c.compileStmt(fs, s.Post); err != nil {
			return err
		}
	}
	fs.list.Emit(bytecode.OpJmp, condLabel)
	fs.list.MarkLabel(end)
	return nil
}

// compileForeach lowers to getEnumerator/moveNext/current. The loop
// variable is a fresh binding every iteration: its capture cell is severed
// at iteration end, so closures made in the body each keep that iteration's
// value.
func (c *Compiler) compileForeach(fs *funcState, s *ast.ForeachStmt) error {
	c.emitStmtMark(fs, s.Pos)
	fs.pushScope()
	defer fs.popScope()

	if err := c.compileExpr(fs, s.Expr); err != nil {
		return err
	}
	enumSlot := fs.hiddenLocal()
	fs.list.Emit(bytecode.OpInstanceCall, c.stringIdx("getEnumerator"), 0)
	fs.list.Emit(bytecode.OpStLocF, int32(enumSlot))

	itemSlot, err := fs.declareLocal(s.Name, s.Pos)
	if err != nil {
		return err
	}

	start := fs.list.NewLabel()
	next := fs.list.NewLabel()
	end := fs.list.NewLabel()

	fs.list.MarkLabel(start)
	fs.list.Emit(bytecode.OpLdLocF, int32(enumSlot))
	fs.list.Emit(bytecode.OpInstanceCall, c.stringIdx("moveNext"), 0)
	fs.list.Emit(bytecode.OpJmpFalse, end)

	fs.list.Emit(bytecode.OpLdLocF, int32(enumSlot))
	fs.list.Emit(bytecode.OpInstanceCall, c.stringIdx("current"), 0)
	fs.list.Emit(bytecode.OpStLocF, int32(itemSlot))

	fs.loops = append(fs.loops, &loopInfo{breakLabel: end, continueLabel: next, finallyDepth: len(fs.finallys)})
	err = c.compileStmt(fs, s.Body)
	fs.loops = fs.loops[:len(fs.loops)-1]
	if err != nil {
		return err
	}

	fs.list.MarkLabel(next)
	fs.list.Emit(bytecode.OpCloseLoc, int32(itemSlot))
	fs.list.Emit(bytecode.OpJmp, start)
	fs.list.MarkLabel(end)
	fs.list.Emit(bytecode.OpCloseLoc, int32(itemSlot))
	return nil
}

// compileReturn handles tail-call recognition and finally replay. A return
// whose value is a call in tail position emits TailCall; any active finally
// cancels the optimization.
func (c *Compiler) compileReturn(fs *funcState, s *ast.ReturnStmt) error {
	c.emitStmtMark(fs, s.Pos)

	if len(fs.finallys) > 0 {
		if s.Value != nil {
			if err := c.compileExpr(fs, s.Value); err != nil {
				return err
			}
		} else {
			fs.list.Emit(bytecode.OpLdUndef)
		}
		tmp := fs.hiddenLocal()
		fs.list.Emit(bytecode.OpStLocF, int32(tmp))
		if err := c.inlineFinallys(fs, 0); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpLdLocF, int32(tmp))
		fs.list.Emit(bytecode.OpRet)
		return nil
	}

	if s.Value == nil {
		fs.list.Emit(bytecode.OpLdUndef)
		fs.list.Emit(bytecode.OpRet)
		return nil
	}
	if fs.tryDepth > 0 {
		// A tail call would replace this frame and discard the handler
		// records protecting the call site.
		if err := c.compileExpr(fs, s.Value); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpRet)
		return nil
	}
	return c.compileTailExpr(fs, s.Value)
}

// compileTailExpr compiles a return-position expression. Calls become
// TailCall; ternaries stay in tail position on both branches; anything else
// evaluates and returns normally.
func (c *Compiler) compileTailExpr(fs *funcState, expr ast.Expr) error {
	switch e := foldExpr(expr).(type) {
	case *ast.CallExpr:
		if err := c.compileExpr(fs, e.Callee); err != nil {
			return err
		}
		for _, a := range e.Args {
			if err := c.compileExpr(fs, a); err != nil {
				return err
			}
		}
		fs.list.Emit(bytecode.OpTailCall, int32(len(e.Args)))
		return nil

	case *ast.TernaryExpr:
		elseLabel := fs.list.NewLabel()
		if err := c.compileExpr(fs, e.Cond); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpJmpFalse, elseLabel)
		if err := c.compileTailExpr(fs, e.Then); err != nil {
			return err
		}
		fs.list.MarkLabel(elseLabel)
		return c.compileTailExpr(fs, e.Else)

	default:
		if err := c.compileExpr(fs, e); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpRet)
		return nil
	}
}

// inlineFinallys replays the finally bodies from the innermost down to
// depth, for returns and break/continue that leave protected regions.
func (c *Compiler) inlineFinallys(fs *funcState, depth int) error {
	for i := len(fs.finallys) - 1; i >= depth; i-- {
		body := fs.finallys[i]
		// The replayed body must not re-trigger itself through nested
		// returns; compile it with the shallower finally stack.
		saved := fs.finallys
		fs.finallys = fs.finallys[:i]
		err := c.compileBlock(fs, body)
		fs.finallys = saved
		if err != nil {
			return err
		}
	}
	return nil
}

// compileTry installs handler records over the protected ranges. Catch
// handlers enter with the error value pushed; finally handlers enter the
// rethrow stub, which replays the finally body and re-raises the saved
// error through the error global.
func (c *Compiler) compileTry(fs *funcState, s *ast.TryStmt) error {
	c.emitStmtMark(fs, s.Pos)

	startLabel := fs.list.NewLabel()
	tryEndLabel := fs.list.NewLabel()
	endAllLabel := fs.list.NewLabel()
	catchLabel := int32(-1)
	catchEndLabel := int32(-1)
	finallyLabel := int32(-1)

	if s.Catch != nil {
		catchLabel = fs.list.NewLabel()
		catchEndLabel = fs.list.NewLabel()
	}
	if s.Finally != nil {
		finallyLabel = fs.list.NewLabel()
	}

	fs.list.MarkLabel(startLabel)
	fs.tryDepth++
	if s.Finally != nil {
		fs.finallys = append(fs.finallys, s.Finally)
	}
	err := c.compileBlock(fs, s.Body)
	fs.tryDepth--
	if s.Finally != nil {
		fs.finallys = fs.finallys[:len(fs.finallys)-1]
	}
	if err != nil {
		return err
	}
	fs.list.MarkLabel(tryEndLabel)
	if s.Finally != nil {
		if err := c.compileBlock(fs, s.Finally); err != nil {
			return err
		}
	}
	fs.list.Emit(bytecode.OpJmp, endAllLabel)

	if s.Catch != nil {
		fs.list.MarkLabel(catchLabel)
		fs.pushScope()
		slot, err := fs.declareLocal(s.CatchVar, s.Pos)
		if err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpStLocF, int32(slot))
		if s.Finally != nil {
			fs.finallys = append(fs.finallys, s.Finally)
		}
		err = c.compileBlock(fs, s.Catch)
		if s.Finally != nil {
			fs.finallys = fs.finallys[:len(fs.finallys)-1]
		}
		fs.popScope()
		if err != nil {
			return err
		}
		fs.list.MarkLabel(catchEndLabel)
		if s.Finally != nil {
			if err := c.compileBlock(fs, s.Finally); err != nil {
				return err
			}
		}
		fs.list.Emit(bytecode.OpJmp, endAllLabel)
	}

	if s.Finally != nil {
		fs.list.MarkLabel(finallyLabel)
		saved := fs.hiddenLocal()
		fs.list.Emit(bytecode.OpStLocF, int32(saved))
		if err := c.compileBlock(fs, s.Finally); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpLdGlobalFld, c.stringIdx("error"))
		fs.list.Emit(bytecode.OpLdLocF, int32(saved))
		fs.list.Emit(bytecode.OpCall, 1)
		fs.list.Emit(bytecode.OpDrop)
	}

	fs.list.MarkLabel(endAllLabel)

	if s.Catch != nil {
		fs.handlers = append(fs.handlers, handlerLabels{
			start: startLabel, end: tryEndLabel, catch: catchLabel, finally: -1,
		})
	}
	if s.Finally != nil {
		end := tryEndLabel
		if s.Catch != nil {
			end = catchEndLabel
		}
		fs.handlers = append(fs.handlers, handlerLabels{
			start: startLabel, end: end, catch: -1, finally: finallyLabel,
		})
	}
	return nil
}

func (c *Compiler) compileExport(fs *funcState, s *ast.ExportStmt) error {
	if err := c.compileStmt(fs, s.Decl); err != nil {
		return err
	}
	// Mirror the declared names onto the global object so the embedder and
	// other modules can see them.
	var names []string
	switch d := s.Decl.(type) {
	case *ast.VarDecl:
		names = d.Names
	case *ast.ExprStmt:
		if fnExpr, ok := d.Expr.(*ast.FunctionExpr); ok && fnExpr.Name != "" {
			names = []string{fnExpr.Name}
		}
	}
	for _, name := range names {
		slot, ok := fs.lookupLocal(name)
		if !ok {
			return errorf(s.Pos, "cannot export undeclared %q", name)
		}
		fs.list.Emit(bytecode.OpLdLocF, int32(slot))
		fs.list.Emit(bytecode.OpLdGlobal)
		fs.list.Emit(bytecode.OpStFld, c.stringIdx(name))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Image assembly
// ---------------------------------------------------------------------------

// assemble concatenates every function's instruction list, links the whole
// stream, and resolves entry points and handler ranges through the label
// table.
func (c *Compiler) assemble() (*bytecode.Image, error) {
	master := bytecode.NewList()
	bases := make([]int32, len(c.funcs))
	for i, fs := range c.funcs {
		bases[i] = master.Append(fs.list)
	}

	linked, err := bytecode.Link(master)
	if err != nil {
		return nil, err
	}

	img := &bytecode.Image{
		Numbers: c.numbers,
		Strings: c.strings,
		Code:    linked.Code,
		Debug:   linked.Debug,
	}

	img.Functions = make([]bytecode.FuncDesc, len(c.funcs))
	for i, fs := range c.funcs {
		resolve := func(label int32) (uint32, error) {
			off, ok := linked.Labels[bases[i]+label]
			if !ok {
				return 0, fmt.Errorf("codegen: unresolved label in %s", fs.name)
			}
			return off, nil
		}

		entry, err := resolve(fs.entryLabel)
		if err != nil {
			return nil, err
		}
		desc := bytecode.FuncDesc{
			Entry:       entry,
			NumArgs:     fs.numArgs,
			NumLocals:   fs.nextLocal,
			NumUpvalues: uint16(len(fs.upvals)),
			HasVarArgs:  fs.hasVarArgs,
			IsSequence:  fs.isSequence,
			DebugName:   fs.name,
		}
		for _, u := range fs.upvals {
			desc.Captures = append(desc.Captures, u.ref)
		}
		for _, h := range fs.handlers {
			start, err := resolve(h.start)
			if err != nil {
				return nil, err
			}
			end, err := resolve(h.end)
			if err != nil {
				return nil, err
			}
			rec := bytecode.HandlerRecord{Start: start, End: end, Catch: -1, Finally: -1}
			if h.catch >= 0 {
				off, err := resolve(h.catch)
				if err != nil {
					return nil, err
				}
				rec.Catch = int32(off)
			}
			if h.finally >= 0 {
				off, err := resolve(h.finally)
				if err != nil {
					return nil, err
				}
				rec.Finally = int32(off)
			}
			desc.Handlers = append(desc.Handlers, rec)
		}
		img.Functions[i] = desc
	}

	return img, nil
}
