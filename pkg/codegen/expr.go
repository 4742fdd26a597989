package codegen

import (
	"github.com/vesper-lang/vesper/pkg/ast"
	"github.com/vesper-lang/vesper/pkg/bytecode"
)

// compileExpr emits code leaving the expression's value on the stack.
func (c *Compiler) compileExpr(fs *funcState, expr ast.Expr) error {
	expr = foldExpr(expr)

	switch e := expr.(type) {
	case *ast.NumberLit:
		fs.list.Emit(bytecode.OpLdNum, c.numberIdx(e.Value))
		return nil

	case *ast.StringLit:
		fs.list.Emit(bytecode.OpLdStr, c.stringIdx(e.Value))
		return nil

	case *ast.BoolLit:
		if e.Value {
			fs.list.Emit(bytecode.OpLdTrue)
		} else {
			fs.list.Emit(bytecode.OpLdFalse)
		}
		return nil

	case *ast.UndefinedLit:
		fs.list.Emit(bytecode.OpLdUndef)
		return nil

	case *ast.NullLit:
		fs.list.Emit(bytecode.OpLdNull)
		return nil

	case *ast.GlobalExpr:
		fs.list.Emit(bytecode.OpLdGlobal)
		return nil

	case *ast.Identifier:
		switch kind, slot := c.resolve(fs, e.Name); kind {
		case refLocal:
			fs.list.Emit(bytecode.OpLdLocF, int32(slot))
		case refArg:
			fs.list.Emit(bytecode.OpLdArgF, int32(slot))
		case refUpvalue:
			fs.list.Emit(bytecode.OpLdUpValue, int32(slot))
		case refGlobal:
			fs.list.Emit(bytecode.OpLdGlobalFld, c.stringIdx(e.Name))
		}
		return nil

	case *ast.BinaryExpr:
		return c.compileBinary(fs, e)

	case *ast.UnaryExpr:
		if err := c.compileExpr(fs, e.Operand); err != nil {
			return err
		}
		switch e.Op {
		case ast.OpNeg:
			fs.list.Emit(bytecode.OpNeg)
		case ast.OpNot:
			fs.list.Emit(bytecode.OpNot)
		case ast.OpBitNot:
			fs.list.Emit(bytecode.OpBitNot)
		}
		return nil

	case *ast.TernaryExpr:
		elseLabel := fs.list.NewLabel()
		endLabel := fs.list.NewLabel()
		if err := c.compileExpr(fs, e.Cond); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpJmpFalse, elseLabel)
		if err := c.compileExpr(fs, e.Then); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpJmp, endLabel)
		fs.list.MarkLabel(elseLabel)
		if err := c.compileExpr(fs, e.Else); err != nil {
			return err
		}
		fs.list.MarkLabel(endLabel)
		return nil

	case *ast.FieldExpr:
		if err := c.compileExpr(fs, e.Target); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpLdFld, c.stringIdx(e.Name))
		return nil

	case *ast.IndexExpr:
		if err := c.compileExpr(fs, e.Target); err != nil {
			return err
		}
		if err := c.compileExpr(fs, e.Index); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpLdArr)
		return nil

	case *ast.SliceExpr:
		if err := c.compileExpr(fs, e.Target); err != nil {
			return err
		}
		if e.Start != nil {
			if err := c.compileExpr(fs, e.Start); err != nil {
				return err
			}
		} else {
			fs.list.Emit(bytecode.OpLdUndef)
		}
		if e.End != nil {
			if err := c.compileExpr(fs, e.End); err != nil {
				return err
			}
		} else {
			fs.list.Emit(bytecode.OpLdUndef)
		}
		fs.list.Emit(bytecode.OpSlice)
		return nil

	case *ast.CallExpr:
		if err := c.compileExpr(fs, e.Callee); err != nil {
			return err
		}
		for _, a := range e.Args {
			if err := c.compileExpr(fs, a); err != nil {
				return err
			}
		}
		fs.list.Emit(bytecode.OpCall, int32(len(e.Args)))
		return nil

	case *ast.MethodCallExpr:
		if err := c.compileExpr(fs, e.Receiver); err != nil {
			return err
		}
		for _, a := range e.Args {
			if err := c.compileExpr(fs, a); err != nil {
				return err
			}
		}
		fs.list.Emit(bytecode.OpInstanceCall, c.stringIdx(e.Name), int32(len(e.Args)))
		return nil

	case *ast.AssignExpr:
		return c.compileAssign(fs, e, false)

	case *ast.IncDecExpr:
		return c.compileIncDec(fs, e)

	case *ast.FunctionExpr:
		return c.compileFunction(fs, e)

	case *ast.ObjectLit:
		fs.list.Emit(bytecode.OpNewObject)
		for _, entry := range e.Entries {
			fs.list.Emit(bytecode.OpDup)
			if err := c.compileExpr(fs, entry.Value); err != nil {
				return err
			}
			fs.list.Emit(bytecode.OpSwap)
			fs.list.Emit(bytecode.OpStFld, c.stringIdx(entry.Key))
		}
		return nil

	case *ast.ArrayLit:
		for _, elem := range e.Elems {
			if err := c.compileExpr(fs, elem); err != nil {
				return err
			}
		}
		fs.list.Emit(bytecode.OpNewArray, int32(len(e.Elems)))
		return nil

	case *ast.YieldExpr:
		if !fs.isSequence {
			return errorf(e.Pos, "yield outside sequence")
		}
		if e.Value != nil {
			if err := c.compileExpr(fs, e.Value); err != nil {
				return err
			}
		} else {
			fs.list.Emit(bytecode.OpLdUndef)
		}
		fs.list.Emit(bytecode.OpSeqSuspend)
		fs.list.Emit(bytecode.OpSeqResume)
		return nil

	default:
		return errorf(expr.Position(), "unsupported expression %T", expr)
	}
}

// compileBinary lowers operators; && and || short-circuit with peek-jumps.
func (c *Compiler) compileBinary(fs *funcState, e *ast.BinaryExpr) error {
	switch e.Op {
	case ast.OpAnd, ast.OpOr:
		if err := c.compileExpr(fs, e.Left); err != nil {
			return err
		}
		end := fs.list.NewLabel()
		if e.Op == ast.OpAnd {
			fs.list.Emit(bytecode.OpJmpFalseP, end)
		} else {
			fs.list.Emit(bytecode.OpJmpTrueP, end)
		}
		fs.list.Emit(bytecode.OpDrop)
		if err := c.compileExpr(fs, e.Right); err != nil {
			return err
		}
		fs.list.MarkLabel(end)
		return nil

	case ast.OpIn, ast.OpNotIn:
		if err := c.compileExpr(fs, e.Left); err != nil {
			return err
		}
		if err := c.compileExpr(fs, e.Right); err != nil {
			return err
		}
		if e.Op == ast.OpIn {
			fs.list.Emit(bytecode.OpIn)
		} else {
			fs.list.Emit(bytecode.OpNotIn)
		}
		return nil
	}

	if err := c.compileExpr(fs, e.Left); err != nil {
		return err
	}
	if err := c.compileExpr(fs, e.Right); err != nil {
		return err
	}

	var op bytecode.Opcode
	switch e.Op {
	case ast.OpAdd:
		op = bytecode.OpAdd
	case ast.OpSub:
		op = bytecode.OpSub
	case ast.OpMul:
		op = bytecode.OpMul
	case ast.OpDiv:
		op = bytecode.OpDiv
	case ast.OpMod:
		op = bytecode.OpMod
	case ast.OpExp:
		op = bytecode.OpExp
	case ast.OpEq:
		op = bytecode.OpEq
	case ast.OpNeq:
		op = bytecode.OpNeq
	case ast.OpGt:
		op = bytecode.OpGt
	case ast.OpGte:
		op = bytecode.OpGte
	case ast.OpLt:
		op = bytecode.OpLt
	case ast.OpLte:
		op = bytecode.OpLte
	case ast.OpBitLShift:
		op = bytecode.OpBitLShift
	case ast.OpBitRShift:
		op = bytecode.OpBitRShift
	case ast.OpBitAnd:
		op = bytecode.OpBitAnd
	case ast.OpBitOr:
		op = bytecode.OpBitOr
	case ast.OpBitXor:
		op = bytecode.OpBitXor
	default:
		return errorf(e.Pos, "unsupported operator %s", e.Op)
	}
	fs.list.Emit(op)
	return nil
}

// compileAssign writes to an identifier, field or index target. When
// discard is false the assigned value is left on the stack.
func (c *Compiler) compileAssign(fs *funcState, e *ast.AssignExpr, discard bool) error {
	if err := c.compileExpr(fs, e.Value); err != nil {
		return err
	}
	if !discard {
		fs.list.Emit(bytecode.OpDup)
	}

	switch target := e.Target.(type) {
	case *ast.Identifier:
		switch kind, slot := c.resolve(fs, target.Name); kind {
		case refLocal:
			fs.list.Emit(bytecode.OpStLocF, int32(slot))
		case refArg:
			fs.list.Emit(bytecode.OpStArgF, int32(slot))
		case refUpvalue:
			fs.list.Emit(bytecode.OpStUpValue, int32(slot))
		case refGlobal:
			fs.list.Emit(bytecode.OpLdGlobal)
			fs.list.Emit(bytecode.OpStFld, c.stringIdx(target.Name))
		}
		return nil

	case *ast.FieldExpr:
		if err := c.compileExpr(fs, target.Target); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpStFld, c.stringIdx(target.Name))
		return nil

	case *ast.IndexExpr:
		if err := c.compileExpr(fs, target.Target); err != nil {
			return err
		}
		if err := c.compileExpr(fs, target.Index); err != nil {
			return err
		}
		fs.list.Emit(bytecode.OpStArr)
		return nil

	default:
		return errorf(e.Pos, "invalid assignment target %T", e.Target)
	}
}

// compileIncDec lowers target++/target-- as an expression: the old value is
// left on the stack. Statement-level increments of locals take the IncF
// peephole in compileExprStmt instead.
func (c *Compiler) compileIncDec(fs *funcState, e *ast.IncDecExpr) error {
	kind, slot := c.resolve(fs, e.Target.Name)

	if kind == refLocal {
		fs.list.Emit(bytecode.OpLdLocF, int32(slot))
		if e.Decrement {
			fs.list.Emit(bytecode.OpDecF, int32(slot))
		} else {
			fs.list.Emit(bytecode.OpIncF, int32(slot))
		}
		return nil
	}

	// Generic form: load old, recompute, store back.
	load := func() {
		switch kind {
		case refArg:
			fs.list.Emit(bytecode.OpLdArgF, int32(slot))
		case refUpvalue:
			fs.list.Emit(bytecode.OpLdUpValue, int32(slot))
		case refGlobal:
			fs.list.Emit(bytecode.OpLdGlobalFld, c.stringIdx(e.Target.Name))
		}
	}
	load()
	load()
	fs.list.Emit(bytecode.OpLdNum, c.numberIdx(1))
	if e.Decrement {
		fs.list.Emit(bytecode.OpSub)
	} else {
		fs.list.Emit(bytecode.OpAdd)
	}
	switch kind {
	case refArg:
		fs.list.Emit(bytecode.OpStArgF, int32(slot))
	case refUpvalue:
		fs.list.Emit(bytecode.OpStUpValue, int32(slot))
	case refGlobal:
		fs.list.Emit(bytecode.OpLdGlobal)
		fs.list.Emit(bytecode.OpStFld, c.stringIdx(e.Target.Name))
	}
	return nil
}

// compileFunction compiles a nested function eagerly (so its free
// identifiers resolve against the scopes in force at the declaration site)
// and emits the Closure instruction referencing it.
func (c *Compiler) compileFunction(fs *funcState, e *ast.FunctionExpr) error {
	name := e.Name
	if name == "" {
		name = "<anonymous>"
	}
	child := c.newFunc(fs, name, e.Pos, e.Params, e.HasVarArgs, e.IsSequence)
	if err := c.compileFuncBody(child, e.Body); err != nil {
		return err
	}
	fs.list.Emit(bytecode.OpClosure, child.index)
	return nil
}
