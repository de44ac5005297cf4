package scope

import "go.starlark.net/syntax"

// assignedNames lists the top-level bindings of stmts in execution order,
// one entry per binding site. Function, lambda and comprehension scopes are
// not descended into.
func assignedNames(stmts []syntax.Stmt) []string {
	var names []string
	var visit func([]syntax.Stmt)
	visit = func(stmts []syntax.Stmt) {
		for _, stmt := range stmts {
			switch s := stmt.(type) {
			case *syntax.AssignStmt:
				names = appendTargets(names, s.LHS)
			case *syntax.DefStmt:
				names = append(names, s.Name.Name)
			case *syntax.ForStmt:
				names = appendTargets(names, s.Vars)
				visit(s.Body)
			case *syntax.WhileStmt:
				visit(s.Body)
			case *syntax.IfStmt:
				visit(s.True)
				visit(s.False)
			}
		}
	}
	visit(stmts)
	return names
}

// appendTargets appends the identifiers bound by an assignment target.
// Index and attribute targets bind no name.
func appendTargets(names []string, target syntax.Expr) []string {
	switch t := target.(type) {
	case *syntax.Ident:
		return append(names, t.Name)
	case *syntax.ParenExpr:
		return appendTargets(names, t.X)
	case *syntax.TupleExpr:
		for _, e := range t.List {
			names = appendTargets(names, e)
		}
	case *syntax.ListExpr:
		for _, e := range t.List {
			names = appendTargets(names, e)
		}
	}
	return names
}
