package eqltype

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/schema"
)

// scope tracks which tables are in range for unqualified column references,
// built from the statement's FROM / INTO clause.
type scope struct {
	snap *schema.Snapshot

	// aliasToTable maps a range-var alias (or its own name, when unaliased)
	// to the underlying table name.
	aliasToTable map[string]string
}

func newScope(snap *schema.Snapshot) *scope {
	return &scope{snap: snap, aliasToTable: make(map[string]string)}
}

func (s *scope) addRangeVar(rv *pg_query.RangeVar) {
	if rv == nil {
		return
	}
	name := rv.Relname
	alias := name
	if rv.Alias != nil && rv.Alias.Aliasname != "" {
		alias = rv.Alias.Aliasname
	}
	s.aliasToTable[alias] = name
}

func (s *scope) addFromNode(node *pg_query.Node) {
	if node == nil {
		return
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_RangeVar:
		s.addRangeVar(n.RangeVar)
	case *pg_query.Node_JoinExpr:
		s.addFromNode(n.JoinExpr.Larg)
		s.addFromNode(n.JoinExpr.Rarg)
	}
}

// resolveColumn finds the (table, column) a possibly-qualified column
// reference names, using the single table in scope when unqualified and
// exactly one table is available.
func (s *scope) resolveColumn(parts []string) (string, string, *schema.Column, error) {
	var tableName, columnName string
	switch len(parts) {
	case 1:
		columnName = parts[0]
		if len(s.aliasToTable) == 1 {
			for _, t := range s.aliasToTable {
				tableName = t
			}
		}
	case 2:
		tableName = s.aliasToTable[parts[0]]
		if tableName == "" {
			tableName = parts[0]
		}
		columnName = parts[1]
	default:
		columnName = parts[len(parts)-1]
		tableName = parts[len(parts)-2]
	}

	if tableName == "" {
		return "", columnName, nil, &UnresolvedIdentifierError{Name: strings.Join(parts, ".")}
	}

	table, ok := s.snap.Table(tableName)
	if !ok {
		return tableName, columnName, nil, &UnresolvedIdentifierError{Name: tableName + "." + columnName}
	}
	col, ok := table.ColumnByName(columnName)
	if !ok {
		return tableName, columnName, nil, &UnresolvedIdentifierError{Name: tableName + "." + columnName}
	}
	return tableName, columnName, &col, nil
}

// inferencer accumulates the slots discovered while walking one statement.
type inferencer struct {
	scope  *scope
	params map[int]*ParamSlot
	lits   []LiteralSlot
	proj   []ProjSlot
	dirty  bool // any Eql type or unmodeled-but-tolerated operator was touched
}

// Infer type-checks the first statement in tree against snap, returning a
// TypedStatement or a TypeError-family error (§4.7).
func Infer(tree *pg_query.ParseResult, snap *schema.Snapshot) (*TypedStatement, error) {
	if len(tree.Stmts) == 0 {
		return &TypedStatement{}, nil
	}
	stmt := tree.Stmts[0].Stmt
	if stmt == nil {
		return &TypedStatement{}, nil
	}

	inf := &inferencer{scope: newScope(snap), params: make(map[int]*ParamSlot)}

	switch n := stmt.Node.(type) {
	case *pg_query.Node_SelectStmt:
		if err := inf.inferSelect(n.SelectStmt); err != nil {
			return nil, err
		}
	case *pg_query.Node_InsertStmt:
		if err := inf.inferInsert(n.InsertStmt); err != nil {
			return nil, err
		}
	case *pg_query.Node_UpdateStmt:
		if err := inf.inferUpdate(n.UpdateStmt); err != nil {
			return nil, err
		}
	case *pg_query.Node_DeleteStmt:
		if err := inf.inferDelete(n.DeleteStmt); err != nil {
			return nil, err
		}
	default:
		// Statements with no column-bearing payload (SET, BEGIN, DDL, ...)
		// are filtered out before reaching the inferencer by the Parse
		// handler (§4.4 step 2); anything else type-checks as a no-op.
		return &TypedStatement{}, nil
	}

	return inf.result(), nil
}

func (inf *inferencer) result() *TypedStatement {
	ts := &TypedStatement{Projection: inf.proj, Literals: inf.lits}
	maxOrdinal := 0
	for ord := range inf.params {
		if ord > maxOrdinal {
			maxOrdinal = ord
		}
	}
	ts.Parameters = make([]ParamSlot, maxOrdinal)
	for ord, slot := range inf.params {
		ts.Parameters[ord-1] = *slot
	}
	ts.RequiresTransform = inf.dirty || ts.HasEncryption()
	return ts
}

func (inf *inferencer) inferSelect(sel *pg_query.SelectStmt) error {
	if sel == nil {
		return nil
	}
	for _, from := range sel.FromClause {
		inf.scope.addFromNode(from)
	}
	for _, target := range sel.TargetList {
		rt, ok := target.Node.(*pg_query.Node_ResTarget)
		if !ok {
			continue
		}
		typ, cfg, err := inf.inferExpr(rt.ResTarget.Val)
		if err != nil {
			return err
		}
		inf.proj = append(inf.proj, ProjSlot{Alias: rt.ResTarget.Name, Type: typ, Config: cfg})
	}
	if sel.WhereClause != nil {
		if _, _, err := inf.inferExpr(sel.WhereClause); err != nil {
			return err
		}
	}
	return nil
}

func (inf *inferencer) inferInsert(ins *pg_query.InsertStmt) error {
	if ins == nil || ins.Relation == nil {
		return nil
	}
	inf.scope.addRangeVar(ins.Relation)

	var colNames []string
	for _, c := range ins.Cols {
		if rt, ok := c.Node.(*pg_query.Node_ResTarget); ok {
			colNames = append(colNames, rt.ResTarget.Name)
		}
	}

	sel, ok := ins.SelectStmt.Node.(*pg_query.Node_SelectStmt)
	if !ok || sel.SelectStmt == nil {
		return nil
	}
	for _, row := range sel.SelectStmt.ValuesLists {
		list, ok := row.Node.(*pg_query.Node_List)
		if !ok {
			continue
		}
		for i, item := range list.List.Items {
			if i >= len(colNames) {
				break
			}
			_, tableCol, col, err := inf.scope.resolveColumn([]string{colNames[i]})
			if err != nil {
				continue // column not in snapshot (e.g. generated/default) — leave native
			}
			var cfg *eql.ColumnConfig
			if col != nil && col.Encrypted {
				cfg = col.Config
			}
			if cfg == nil {
				continue
			}
			if err := inf.bindSlot(item, Eql(TermFull), cfg, tableCol); err != nil {
				return err
			}
		}
	}
	return nil
}

func (inf *inferencer) inferUpdate(upd *pg_query.UpdateStmt) error {
	if upd == nil || upd.Relation == nil {
		return nil
	}
	inf.scope.addRangeVar(upd.Relation)
	for _, from := range upd.FromClause {
		inf.scope.addFromNode(from)
	}

	for _, target := range upd.TargetList {
		rt, ok := target.Node.(*pg_query.Node_ResTarget)
		if !ok {
			continue
		}
		_, _, col, err := inf.scope.resolveColumn([]string{rt.ResTarget.Name})
		if err != nil {
			// Column not in the schema snapshot at all; nothing to encrypt.
			if _, _, err := inf.inferExpr(rt.ResTarget.Val); err != nil {
				return err
			}
			continue
		}
		if col != nil && col.Encrypted {
			if err := inf.bindSlot(rt.ResTarget.Val, Eql(TermFull), col.Config, rt.ResTarget.Name); err != nil {
				return err
			}
		} else if _, _, err := inf.inferExpr(rt.ResTarget.Val); err != nil {
			return err
		}
	}

	if upd.WhereClause != nil {
		if _, _, err := inf.inferExpr(upd.WhereClause); err != nil {
			return err
		}
	}
	return nil
}

func (inf *inferencer) inferDelete(del *pg_query.DeleteStmt) error {
	if del == nil || del.Relation == nil {
		return nil
	}
	inf.scope.addRangeVar(del.Relation)
	if del.WhereClause != nil {
		if _, _, err := inf.inferExpr(del.WhereClause); err != nil {
			return err
		}
	}
	return nil
}

// bindSlot records a ParamRef or A_Const node against an expected Eql
// type, either adding a parameter slot or a literal slot.
func (inf *inferencer) bindSlot(node *pg_query.Node, expected Type, cfg *eql.ColumnConfig, label string) error {
	if node == nil {
		return nil
	}
	switch n := node.Node.(type) {
	case *pg_query.Node_ParamRef:
		ord := int(n.ParamRef.Number)
		slot, ok := inf.params[ord]
		if !ok {
			slot = &ParamSlot{Ordinal: ord}
			inf.params[ord] = slot
		}
		unified, err := unify(slot.Type, expected, "parameter $"+label)
		if err != nil {
			return err
		}
		slot.Type = unified
		slot.Config = cfg
		inf.dirty = true
		return nil
	case *pg_query.Node_AConst:
		if n.AConst.Isnull {
			return nil
		}
		plain, err := literalToPlaintext(n.AConst, cfg.CastAs)
		if err != nil {
			return err
		}
		inf.lits = append(inf.lits, LiteralSlot{NodeID: n.AConst, Type: expected, Config: cfg, Value: plain})
		inf.dirty = true
		return nil
	case *pg_query.Node_TypeCast:
		return inf.bindSlot(n.TypeCast.Arg, expected, cfg, label)
	default:
		// An expression more complex than a literal/parameter assigned
		// directly to an encrypted column (e.g. a function call) has no
		// declared typing rule here.
		return &UnsupportedFeatureError{Feature: "non-literal expression bound to encrypted column " + label}
	}
}

// inferExpr walks an arbitrary expression node, returning its inferred
// type and, for a single-column Eql result, the resolved column config.
func (inf *inferencer) inferExpr(node *pg_query.Node) (Type, *eql.ColumnConfig, error) {
	if node == nil {
		return Native(), nil, nil
	}

	switch n := node.Node.(type) {
	case *pg_query.Node_ColumnRef:
		return inf.inferColumnRef(n.ColumnRef)

	case *pg_query.Node_ParamRef:
		ord := int(n.ParamRef.Number)
		slot, ok := inf.params[ord]
		if !ok {
			slot = &ParamSlot{Ordinal: ord, Type: Type{Kind: KindUnresolved}}
			inf.params[ord] = slot
		}
		return slot.Type, slot.Config, nil

	case *pg_query.Node_AConst:
		return Native(), nil, nil

	case *pg_query.Node_TypeCast:
		return inf.inferExpr(n.TypeCast.Arg)

	case *pg_query.Node_BoolExpr:
		for _, arg := range n.BoolExpr.Args {
			if _, _, err := inf.inferExpr(arg); err != nil {
				return Type{}, nil, err
			}
		}
		return Native(), nil, nil

	case *pg_query.Node_AExpr:
		return inf.inferAExpr(n.AExpr)

	case *pg_query.Node_FuncCall:
		return inf.inferFuncCall(n.FuncCall)

	default:
		return Native(), nil, nil
	}
}

func (inf *inferencer) inferColumnRef(ref *pg_query.ColumnRef) (Type, *eql.ColumnConfig, error) {
	var parts []string
	for _, f := range ref.Fields {
		switch fn := f.Node.(type) {
		case *pg_query.Node_String_:
			parts = append(parts, fn.String_.Sval)
		case *pg_query.Node_AStar:
			return Native(), nil, nil // wildcard: treated as native at this level
		}
	}
	if len(parts) == 0 {
		return Native(), nil, nil
	}

	tableName, columnName, col, err := inf.scope.resolveColumn(parts)
	if err != nil {
		return Type{}, nil, err
	}
	if col == nil || !col.Encrypted {
		return Native(), nil, nil
	}
	typ := Eql(TermFull)
	typ.Table, typ.Column = tableName, columnName
	return typ, col.Config, nil
}

// inferAExpr covers the representative rewrite table in §4.8: binary
// operators on Eql operands resolve to Native (the comparison's boolean
// result) when a typing rule is declared, and fail otherwise.
func (inf *inferencer) inferAExpr(expr *pg_query.A_Expr) (Type, *eql.ColumnConfig, error) {
	var op string
	if len(expr.Name) > 0 {
		if s, ok := expr.Name[0].Node.(*pg_query.Node_String_); ok {
			op = s.String_.Sval
		}
	}

	left, leftCfg, err := inf.inferExpr(expr.Lexpr)
	if err != nil {
		return Type{}, nil, err
	}

	// A literal directly compared against an encrypted column needs to
	// know the column's type to encrypt correctly; bind it before
	// recursing into the right side.
	if left.IsEql() && leftCfg != nil {
		if err := inf.bindComparisonLiteral(expr.Rexpr, left, leftCfg); err != nil {
			return Type{}, nil, err
		}
	}

	right, rightCfg, err := inf.inferExpr(expr.Rexpr)
	if err != nil {
		return Type{}, nil, err
	}
	if right.IsEql() && rightCfg != nil && !left.IsEql() {
		if err := inf.bindComparisonLiteral(expr.Lexpr, right, rightCfg); err != nil {
			return Type{}, nil, err
		}
	}

	if !left.IsEql() && !right.IsEql() {
		return Native(), nil, nil
	}

	cfg := leftCfg
	if cfg == nil {
		cfg = rightCfg
	}

	switch expr.Kind {
	case pg_query.A_Expr_Kind_AEXPR_LIKE:
		if cfg.HasIndex(eql.IndexMatch) {
			inf.dirty = true
			return Native(), nil, nil
		}
		return Type{}, nil, &UnsupportedFeatureError{Feature: "LIKE on column without match index"}
	case pg_query.A_Expr_Kind_AEXPR_IN:
		if cfg.HasIndex(eql.IndexEquality) {
			inf.dirty = true
			return Native(), nil, nil
		}
		return Type{}, nil, &UnsupportedFeatureError{Feature: "IN on column without unique index"}
	}

	switch op {
	case "=":
		if cfg.HasIndex(eql.IndexEquality) {
			inf.dirty = true
			return Native(), nil, nil
		}
		return Type{}, nil, &UnsupportedFeatureError{Feature: "= on column without unique index"}
	case "<", "<=", ">", ">=":
		if cfg.HasIndex(eql.IndexOrder) {
			inf.dirty = true
			return Native(), nil, nil
		}
		return Type{}, nil, &UnsupportedFeatureError{Feature: op + " on column without ore index"}
	case "->", "->>":
		if cfg.HasIndex(eql.IndexSteVec) {
			inf.dirty = true
			t := Eql(TermAccessor)
			t.Table, t.Column = cfg.Identifier.Table, cfg.Identifier.Column
			return t, cfg, nil
		}
		return Type{}, nil, &UnsupportedFeatureError{Feature: "json accessor on column without ste_vec index"}
	case "@>", "<@":
		if cfg.HasIndex(eql.IndexSteVec) {
			inf.dirty = true
			return Native(), nil, nil
		}
		return Type{}, nil, &UnsupportedFeatureError{Feature: "containment on column without ste_vec index"}
	default:
		return Type{}, nil, &UnsupportedFeatureError{Feature: "operator " + op}
	}
}

// bindComparisonLiteral attaches the comparison target's column
// configuration to a literal RHS/LHS operand so it can be encrypted.
func (inf *inferencer) bindComparisonLiteral(node *pg_query.Node, expected Type, cfg *eql.ColumnConfig) error {
	if node == nil {
		return nil
	}
	switch node.Node.(type) {
	case *pg_query.Node_ParamRef, *pg_query.Node_AConst, *pg_query.Node_TypeCast:
		return inf.bindSlot(node, expected, cfg, fmt.Sprintf("%s.%s", cfg.Identifier.Table, cfg.Identifier.Column))
	default:
		return nil
	}
}

// inferFuncCall permits aggregate functions over Eql operands only when
// the function name is in the schema's recognized aggregate set (§4.7);
// anything else applied to an Eql argument fails type-check.
func (inf *inferencer) inferFuncCall(call *pg_query.FuncCall) (Type, *eql.ColumnConfig, error) {
	var name string
	if len(call.Funcname) > 0 {
		if s, ok := call.Funcname[len(call.Funcname)-1].Node.(*pg_query.Node_String_); ok {
			name = s.String_.Sval
		}
	}

	sawEql := false
	for _, arg := range call.Args {
		typ, _, err := inf.inferExpr(arg)
		if err != nil {
			return Type{}, nil, err
		}
		if typ.IsEql() {
			sawEql = true
		}
	}
	if !sawEql {
		return Native(), nil, nil
	}
	if inf.scope.snap.IsAggregate(name) {
		inf.dirty = true
		return Native(), nil, nil
	}
	return Type{}, nil, &UnsupportedFeatureError{Feature: "function " + name + " on encrypted operand"}
}

// literalToPlaintext converts a parsed A_Const into a Plaintext of the
// target column's declared type.
func literalToPlaintext(c *pg_query.A_Const, castAs eql.PlaintextType) (*eql.Plaintext, error) {
	switch v := c.Val.(type) {
	case *pg_query.A_Const_Ival:
		return &eql.Plaintext{Type: castAs, Int64: int64(v.Ival.Ival)}, nil
	case *pg_query.A_Const_Fval:
		var f float64
		_, err := fmt.Sscanf(v.Fval.Fval, "%g", &f)
		if err != nil {
			return nil, fmt.Errorf("parse float literal %q: %w", v.Fval.Fval, err)
		}
		return &eql.Plaintext{Type: castAs, Float64: f}, nil
	case *pg_query.A_Const_Boolval:
		return &eql.Plaintext{Type: castAs, Bool: v.Boolval.Boolval}, nil
	case *pg_query.A_Const_Sval:
		if castAs == eql.TypeJSONB {
			return &eql.Plaintext{Type: castAs, JSONBytes: []byte(v.Sval.Sval)}, nil
		}
		return &eql.Plaintext{Type: castAs, Str: v.Sval.Sval}, nil
	default:
		return nil, fmt.Errorf("unsupported literal kind for encrypted column")
	}
}
