// Package rewrite implements the statement transformer (C8, §4.8): given a
// parsed statement that has already type-checked via internal/eqltype, it
// rewrites operators and function calls on encrypted operands into
// server-side eql_v2.* index-function invocations, and replaces literals
// bound to encrypted columns with placeholder tokens the caller substitutes
// with ciphertext once C9 has encrypted them.
package rewrite

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/schema"
)

// LiteralPlaceholder names a token substituted for one encrypted literal
// in the rewritten SQL text. The caller encrypts Value under Config and
// replaces the quoted token in the deparsed SQL with the ciphertext's
// canonical JSON encoding, single-quote escaped.
type LiteralPlaceholder struct {
	Token  string
	Config *eql.ColumnConfig
	Value  *eql.Plaintext
}

// Result is C8's output: the rewritten statement text (not yet literal
// substituted) plus the placeholders found along the way, in the order
// encountered (post-order, per §4.8).
type Result struct {
	SQL          string
	Placeholders []LiteralPlaceholder
	Rewrote      bool
}

type transformer struct {
	scope *rewriteScope
	toks  []LiteralPlaceholder
	seq   int
	wrote bool
}

// Transform type-checks nothing itself — the caller must have already
// called eqltype.Infer successfully on the same tree — and mutates tree in
// place, then deparses it back to SQL.
func Transform(tree *pg_query.ParseResult, snap *schema.Snapshot) (*Result, error) {
	if len(tree.Stmts) == 0 {
		return &Result{}, nil
	}
	stmt := tree.Stmts[0].Stmt
	if stmt == nil {
		return &Result{}, nil
	}

	tr := &transformer{scope: newRewriteScope(snap)}

	switch n := stmt.Node.(type) {
	case *pg_query.Node_SelectStmt:
		tr.rewriteSelect(n.SelectStmt)
	case *pg_query.Node_InsertStmt:
		tr.rewriteInsert(n.InsertStmt)
	case *pg_query.Node_UpdateStmt:
		tr.rewriteUpdate(n.UpdateStmt)
	case *pg_query.Node_DeleteStmt:
		tr.rewriteDelete(n.DeleteStmt)
	default:
		sql, err := pg_query.Deparse(tree)
		if err != nil {
			return nil, fmt.Errorf("deparse statement: %w", err)
		}
		return &Result{SQL: sql}, nil
	}

	sql, err := pg_query.Deparse(tree)
	if err != nil {
		return nil, fmt.Errorf("deparse rewritten statement: %w", err)
	}
	return &Result{SQL: sql, Placeholders: tr.toks, Rewrote: tr.wrote}, nil
}

func (tr *transformer) nextToken() string {
	tr.seq++
	return fmt.Sprintf("__eql_literal_%d__", tr.seq)
}

func (tr *transformer) rewriteSelect(sel *pg_query.SelectStmt) {
	if sel == nil {
		return
	}
	for _, from := range sel.FromClause {
		tr.scope.addFromNode(from)
	}
	for _, target := range sel.TargetList {
		if rt, ok := target.Node.(*pg_query.Node_ResTarget); ok {
			tr.rewriteExpr(rt.ResTarget.Val)
		}
	}
	if sel.WhereClause != nil {
		tr.rewriteExpr(sel.WhereClause)
	}
}

func (tr *transformer) rewriteInsert(ins *pg_query.InsertStmt) {
	if ins == nil || ins.Relation == nil {
		return
	}
	tr.scope.addRangeVar(ins.Relation)

	var colNames []string
	for _, c := range ins.Cols {
		if rt, ok := c.Node.(*pg_query.Node_ResTarget); ok {
			colNames = append(colNames, rt.ResTarget.Name)
		}
	}

	sel, ok := ins.SelectStmt.Node.(*pg_query.Node_SelectStmt)
	if !ok || sel.SelectStmt == nil {
		return
	}
	for _, row := range sel.SelectStmt.ValuesLists {
		list, ok := row.Node.(*pg_query.Node_List)
		if !ok {
			continue
		}
		for i, item := range list.List.Items {
			if i >= len(colNames) {
				continue
			}
			col, cfg := tr.scope.resolveEncrypted([]string{colNames[i]})
			if col == nil || cfg == nil {
				continue
			}
			tr.maybeReplaceLiteral(item, cfg)
		}
	}
}

func (tr *transformer) rewriteUpdate(upd *pg_query.UpdateStmt) {
	if upd == nil || upd.Relation == nil {
		return
	}
	tr.scope.addRangeVar(upd.Relation)
	for _, from := range upd.FromClause {
		tr.scope.addFromNode(from)
	}
	for _, target := range upd.TargetList {
		rt, ok := target.Node.(*pg_query.Node_ResTarget)
		if !ok {
			continue
		}
		_, cfg := tr.scope.resolveEncrypted([]string{rt.ResTarget.Name})
		if cfg != nil {
			tr.maybeReplaceLiteral(rt.ResTarget.Val, cfg)
		} else {
			tr.rewriteExpr(rt.ResTarget.Val)
		}
	}
	if upd.WhereClause != nil {
		tr.rewriteExpr(upd.WhereClause)
	}
}

func (tr *transformer) rewriteDelete(del *pg_query.DeleteStmt) {
	if del == nil || del.Relation == nil {
		return
	}
	tr.scope.addRangeVar(del.Relation)
	if del.WhereClause != nil {
		tr.rewriteExpr(del.WhereClause)
	}
}

// rewriteExpr walks node in post-order (children before parent, per §4.8)
// and mutates A_Expr nodes whose operands are encrypted into eql_v2.*
// function calls.
func (tr *transformer) rewriteExpr(node *pg_query.Node) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			tr.rewriteExpr(arg)
		}
	case *pg_query.Node_AExpr:
		tr.rewriteAExprChildren(n.AExpr)
		tr.rewriteAExprNode(node, n.AExpr)
	case *pg_query.Node_FuncCall:
		for _, arg := range n.FuncCall.Args {
			tr.rewriteExpr(arg)
		}
	}
}

func (tr *transformer) rewriteAExprChildren(expr *pg_query.A_Expr) {
	tr.rewriteExpr(expr.Lexpr)
	tr.rewriteExpr(expr.Rexpr)
}

// rewriteAExprNode replaces node's payload with a FuncCall when one
// operand resolves to an encrypted column, mirroring the table in §4.8.
func (tr *transformer) rewriteAExprNode(node *pg_query.Node, expr *pg_query.A_Expr) {
	leftCfg := tr.scope.columnConfigOf(expr.Lexpr)
	rightCfg := tr.scope.columnConfigOf(expr.Rexpr)
	cfg := leftCfg
	if cfg == nil {
		cfg = rightCfg
	}
	if cfg == nil {
		return
	}

	// Substitute any literal operand with a placeholder token before the
	// function rewrite, so C4 can encrypt it post-deparse.
	if leftCfg == nil {
		tr.maybeReplaceLiteral(expr.Lexpr, cfg)
	}
	if rightCfg == nil {
		tr.maybeReplaceLiteral(expr.Rexpr, cfg)
	}

	var op string
	if len(expr.Name) > 0 {
		if s, ok := expr.Name[0].Node.(*pg_query.Node_String_); ok {
			op = s.String_.Sval
		}
	}

	fn := ""
	switch {
	case expr.Kind == pg_query.A_Expr_Kind_AEXPR_LIKE:
		fn = "match"
	case op == "=":
		fn = "eq"
	case op == "<":
		fn = "lt"
	case op == "<=":
		fn = "lte"
	case op == ">":
		fn = "gt"
	case op == ">=":
		fn = "gte"
	case op == "->" || op == "->>":
		fn = "jsonb_path_query"
	case op == "@>":
		fn = "jsonb_contains"
	case op == "<@":
		fn = "jsonb_contained_by"
	default:
		return
	}

	node.Node = &pg_query.Node_FuncCall{FuncCall: &pg_query.FuncCall{
		Funcname: []*pg_query.Node{
			strNode("eql_v2"),
			strNode(fn),
		},
		Args:     []*pg_query.Node{expr.Lexpr, expr.Rexpr},
		Location: expr.Location,
	}}
	tr.wrote = true
}

func (tr *transformer) maybeReplaceLiteral(node *pg_query.Node, cfg *eql.ColumnConfig) {
	if node == nil {
		return
	}
	c, ok := node.Node.(*pg_query.Node_AConst)
	if !ok || c.AConst.Isnull {
		return
	}
	value, err := literalToPlaintext(c.AConst, cfg.CastAs)
	if err != nil {
		return
	}
	token := tr.nextToken()
	c.AConst.Val = &pg_query.A_Const_Sval{Sval: &pg_query.String{Sval: token}}
	tr.toks = append(tr.toks, LiteralPlaceholder{Token: token, Config: cfg, Value: value})
	tr.wrote = true
}

func strNode(s string) *pg_query.Node {
	return &pg_query.Node{Node: &pg_query.Node_String_{String_: &pg_query.String{Sval: s}}}
}

func literalToPlaintext(c *pg_query.A_Const, castAs eql.PlaintextType) (*eql.Plaintext, error) {
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return &eql.Plaintext{Type: castAs, Int64: int64(v.Ival.Ival)}, nil
	case *pg_query.A_Const_Fval:
		var f float64
		if _, err := fmt.Sscanf(v.Fval.Fval, "%g", &f); err != nil {
			return nil, err
		}
		return &eql.Plaintext{Type: castAs, Float64: f}, nil
	case *pg_query.A_Const_Boolval:
		return &eql.Plaintext{Type: castAs, Bool: v.Boolval.Boolval}, nil
	case *pg_query.A_Const_Sval:
		if strings.HasPrefix(v.Sval.Sval, "__eql_literal_") {
			return nil, fmt.Errorf("already rewritten")
		}
		if castAs == eql.TypeJSONB {
			return &eql.Plaintext{Type: castAs, JSONBytes: []byte(v.Sval.Sval)}, nil
		}
		return &eql.Plaintext{Type: castAs, Str: v.Sval.Sval}, nil
	default:
		return nil, fmt.Errorf("unsupported literal kind")
	}
}
