package codegen

import (
	"math"

	"github.com/vesper-lang/vesper/pkg/ast"
)

// foldExpr simplifies literal subtrees: arithmetic and comparison on number
// literals, string concatenation, boolean logic, and constant ternaries.
// Semantically identical inputs fold to identical trees, so they compile to
// identical bytecode modulo label numbering.
func foldExpr(e ast.Expr) ast.Expr {
	switch x := e.(type) {
	case *ast.BinaryExpr:
		return foldBinary(x)
	case *ast.UnaryExpr:
		return foldUnary(x)
	case *ast.TernaryExpr:
		cond := foldExpr(x.Cond)
		if truthy, known := constTruthiness(cond); known {
			if truthy {
				return foldExpr(x.Then)
			}
			return foldExpr(x.Else)
		}
		return &ast.TernaryExpr{Pos: x.Pos, Cond: cond, Then: foldExpr(x.Then), Else: foldExpr(x.Else)}
	default:
		return e
	}
}

func foldBinary(x *ast.BinaryExpr) ast.Expr {
	left := foldExpr(x.Left)
	right := foldExpr(x.Right)
	out := &ast.BinaryExpr{Pos: x.Pos, Op: x.Op, Left: left, Right: right}

	if ln, lok := left.(*ast.NumberLit); lok {
		if rn, rok := right.(*ast.NumberLit); rok {
			if v, ok := foldNumeric(x.Op, ln.Value, rn.Value); ok {
				return &ast.NumberLit{Pos: x.Pos, Value: v}
			}
			if b, ok := foldNumericCompare(x.Op, ln.Value, rn.Value); ok {
				return &ast.BoolLit{Pos: x.Pos, Value: b}
			}
		}
	}

	if ls, lok := left.(*ast.StringLit); lok {
		if rs, rok := right.(*ast.StringLit); rok {
			switch x.Op {
			case ast.OpAdd:
				return &ast.StringLit{Pos: x.Pos, Value: ls.Value + rs.Value}
			case ast.OpEq:
				return &ast.BoolLit{Pos: x.Pos, Value: ls.Value == rs.Value}
			case ast.OpNeq:
				return &ast.BoolLit{Pos: x.Pos, Value: ls.Value != rs.Value}
			}
		}
	}

	if lb, lok := left.(*ast.BoolLit); lok {
		switch x.Op {
		case ast.OpAnd:
			if !lb.Value {
				return lb
			}
			return right
		case ast.OpOr:
			if lb.Value {
				return lb
			}
			return right
		}
		if rb, rok := right.(*ast.BoolLit); rok {
			switch x.Op {
			case ast.OpEq:
				return &ast.BoolLit{Pos: x.Pos, Value: lb.Value == rb.Value}
			case ast.OpNeq:
				return &ast.BoolLit{Pos: x.Pos, Value: lb.Value != rb.Value}
			}
		}
	}

	return out
}

func foldUnary(x *ast.UnaryExpr) ast.Expr {
	operand := foldExpr(x.Operand)
	switch x.Op {
	case ast.OpNeg:
		if n, ok := operand.(*ast.NumberLit); ok {
			return &ast.NumberLit{Pos: x.Pos, Value: -n.Value}
		}
	case ast.OpNot:
		if truthy, known := constTruthiness(operand); known {
			return &ast.BoolLit{Pos: x.Pos, Value: !truthy}
		}
	}
	return &ast.UnaryExpr{Pos: x.Pos, Op: x.Op, Operand: operand}
}

func foldNumeric(op ast.BinOp, a, b float64) (float64, bool) {
	switch op {
	case ast.OpAdd:
		return a + b, true
	case ast.OpSub:
		return a - b, true
	case ast.OpMul:
		return a * b, true
	case ast.OpDiv:
		return a / b, true
	case ast.OpMod:
		return math.Mod(a, b), true
	case ast.OpExp:
		return math.Pow(a, b), true
	}
	return 0, false
}

func foldNumericCompare(op ast.BinOp, a, b float64) (bool, bool) {
	switch op {
	case ast.OpEq:
		return a == b, true
	case ast.OpNeq:
		return a != b, true
	case ast.OpGt:
		return a > b, true
	case ast.OpGte:
		return a >= b, true
	case ast.OpLt:
		return a < b, true
	case ast.OpLte:
		return a <= b, true
	}
	return false, false
}

// constTruthiness evaluates the truthiness of a literal node. known is
// false for anything non-literal.
func constTruthiness(e ast.Expr) (truthy, known bool) {
	switch x := e.(type) {
	case *ast.BoolLit:
		return x.Value, true
	case *ast.NumberLit, *ast.StringLit:
		return true, true
	case *ast.NullLit, *ast.UndefinedLit:
		return false, true
	default:
		return false, false
	}
}
