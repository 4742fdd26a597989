package codegen

import "github.com/vesper-lang/vesper/pkg/ast"

// walk visits n and every node beneath it. fn returning false prunes the
// subtree.
func walk(n ast.Node, fn func(ast.Node) bool) {
	if n == nil || !fn(n) {
		return
	}
	switch x := n.(type) {
	case *ast.BinaryExpr:
		walk(x.Left, fn)
		walk(x.Right, fn)
	case *ast.UnaryExpr:
		walk(x.Operand, fn)
	case *ast.TernaryExpr:
		walk(x.Cond, fn)
		walk(x.Then, fn)
		walk(x.Else, fn)
	case *ast.FieldExpr:
		walk(x.Target, fn)
	case *ast.IndexExpr:
		walk(x.Target, fn)
		walk(x.Index, fn)
	case *ast.SliceExpr:
		walk(x.Target, fn)
		walk(x.Start, fn)
		walk(x.End, fn)
	case *ast.CallExpr:
		walk(x.Callee, fn)
		for _, a := range x.Args {
			walk(a, fn)
		}
	case *ast.MethodCallExpr:
		walk(x.Receiver, fn)
		for _, a := range x.Args {
			walk(a, fn)
		}
	case *ast.AssignExpr:
		walk(x.Target, fn)
		walk(x.Value, fn)
	case *ast.IncDecExpr:
		walk(x.Target, fn)
	case *ast.FunctionExpr:
		walk(x.Body, fn)
	case *ast.ObjectLit:
		for _, e := range x.Entries {
			walk(e.Value, fn)
		}
	case *ast.ArrayLit:
		for _, e := range x.Elems {
			walk(e, fn)
		}
	case *ast.YieldExpr:
		walk(x.Value, fn)
	case *ast.BlockStmt:
		for _, s := range x.Stmts {
			walk(s, fn)
		}
	case *ast.VarDecl:
		for _, init := range x.Inits {
			walk(init, fn)
		}
	case *ast.ExprStmt:
		walk(x.Expr, fn)
	case *ast.IfStmt:
		walk(x.Cond, fn)
		walk(x.Then, fn)
		walk(x.Else, fn)
	case *ast.WhileStmt:
		walk(x.Cond, fn)
		walk(x.Body, fn)
	case *ast.DoWhileStmt:
		walk(x.Body, fn)
		walk(x.Cond, fn)
	case *ast.ForStmt:
		walk(x.Init, fn)
		walk(x.Cond, fn)
		walk(x.Post, fn)
		walk(x.Body, fn)
	case *ast.ForeachStmt:
		walk(x.Expr, fn)
		walk(x.Body, fn)
	case *ast.ReturnStmt:
		walk(x.Value, fn)
	case *ast.TryStmt:
		walk(x.Body, fn)
		if x.Catch != nil {
			walk(x.Catch, fn)
		}
		if x.Finally != nil {
			walk(x.Finally, fn)
		}
	case *ast.ExportStmt:
		walk(x.Decl, fn)
	case *ast.Module:
		for _, s := range x.Stmts {
			walk(s, fn)
		}
	}
}

// nestedCapturedNames returns every identifier referenced inside function
// literals nested (at any depth) under the given body. A parameter whose
// name lands in this set must be promoted to a local so capture cells can
// form around it.
func nestedCapturedNames(body *ast.BlockStmt) map[string]bool {
	names := make(map[string]bool)
	walk(body, func(n ast.Node) bool {
		if fnExpr, ok := n.(*ast.FunctionExpr); ok {
			walk(fnExpr.Body, func(inner ast.Node) bool {
				if id, ok := inner.(*ast.Identifier); ok {
					names[id.Name] = true
				}
				return true
			})
			return false
		}
		return true
	})
	return names
}
