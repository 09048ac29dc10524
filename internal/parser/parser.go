// Package parser classifies a SQL statement's kind (§4.4 step 1) and
// recognizes the `SET cipherstash.keyset_id = <uuid>` verb that switches a
// session's active encryption keyset, without running the full C7/C8
// type-inference and rewrite pipeline on statements that can never touch an
// encrypted column.
package parser

import (
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// QueryType classifies the kind of SQL statement.
type QueryType int

const (
	QueryUnknown QueryType = iota
	QuerySelect
	QueryInsert
	QueryUpdate
	QueryDelete
	QueryDDL
	QueryUtility // SET, SHOW, BEGIN, COMMIT, ROLLBACK, etc.
)

func (q QueryType) String() string {
	switch q {
	case QuerySelect:
		return "SELECT"
	case QueryInsert:
		return "INSERT"
	case QueryUpdate:
		return "UPDATE"
	case QueryDelete:
		return "DELETE"
	case QueryDDL:
		return "DDL"
	case QueryUtility:
		return "UTILITY"
	default:
		return "UNKNOWN"
	}
}

// keysetGUC is the custom session variable the `SET` verb uses to switch
// the active encryption keyset (§4.4 step 2).
const keysetGUC = "cipherstash.keyset_id"

// Classify parses sql and reports the kind of its first statement. A
// multi-statement batch (simple-query messages may carry several,
// semicolon-separated) is classified by its first statement only — the
// frontend only needs to decide whether rewriting is worth attempting.
func Classify(sql string) (QueryType, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return QueryUnknown, fmt.Errorf("parse sql: %w", err)
	}
	if len(tree.Stmts) == 0 || tree.Stmts[0].Stmt == nil {
		return QueryUnknown, nil
	}

	switch tree.Stmts[0].Stmt.Node.(type) {
	case *pg_query.Node_SelectStmt:
		return QuerySelect, nil
	case *pg_query.Node_InsertStmt:
		return QueryInsert, nil
	case *pg_query.Node_UpdateStmt:
		return QueryUpdate, nil
	case *pg_query.Node_DeleteStmt:
		return QueryDelete, nil
	case *pg_query.Node_CreateStmt, *pg_query.Node_AlterTableStmt,
		*pg_query.Node_DropStmt, *pg_query.Node_IndexStmt:
		return QueryDDL, nil
	default:
		return QueryUtility, nil
	}
}

// RequiresTypeCheck reports whether Classify's result is a statement kind
// that can reference column values and therefore needs C7/C8 planning.
// DDL and utility statements (SET, SHOW, BEGIN, ...) never do.
func (q QueryType) RequiresTypeCheck() bool {
	switch q {
	case QuerySelect, QueryInsert, QueryUpdate, QueryDelete:
		return true
	default:
		return false
	}
}

// KeysetSetVerb reports whether sql is exactly `SET cipherstash.keyset_id =
// '<value>'` and, if so, returns the string literal value. It returns
// ok=false (not an error) for any other statement, including other SET
// verbs, so callers can fall through to normal handling.
func KeysetSetVerb(sql string) (value string, ok bool, err error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return "", false, fmt.Errorf("parse sql: %w", err)
	}
	if len(tree.Stmts) != 1 || tree.Stmts[0].Stmt == nil {
		return "", false, nil
	}

	setNode, isSet := tree.Stmts[0].Stmt.Node.(*pg_query.Node_VariableSetStmt)
	if !isSet {
		return "", false, nil
	}
	stmt := setNode.VariableSetStmt
	if stmt == nil || !strings.EqualFold(stmt.Name, keysetGUC) || len(stmt.Args) != 1 {
		return "", false, nil
	}

	constNode, isConst := stmt.Args[0].Node.(*pg_query.Node_AConst)
	if !isConst || constNode.AConst == nil {
		return "", false, nil
	}
	sval, isStr := constNode.AConst.Val.(*pg_query.A_Const_Sval)
	if !isStr || sval.Sval == nil {
		return "", false, nil
	}
	return sval.Sval.Sval, true, nil
}
