package rewrite

import (
	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/schema"
)

// rewriteScope mirrors internal/eqltype's scope; kept as a separate,
// smaller copy here since C8 only needs column-config lookups, not full
// type unification.
type rewriteScope struct {
	snap         *schema.Snapshot
	aliasToTable map[string]string
}

func newRewriteScope(snap *schema.Snapshot) *rewriteScope {
	return &rewriteScope{snap: snap, aliasToTable: make(map[string]string)}
}

func (s *rewriteScope) addRangeVar(rv *pg_query.RangeVar) {
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

func (s *rewriteScope) addFromNode(node *pg_query.Node) {
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

func (s *rewriteScope) resolveEncrypted(parts []string) (*schema.Column, *eql.ColumnConfig) {
	var tableName, columnName string
	switch len(parts) {
	case 1:
		columnName = parts[0]
		if len(s.aliasToTable) == 1 {
			for _, t := range s.aliasToTable {
				tableName = t
			}
		}
	default:
		tableName = s.aliasToTable[parts[0]]
		if tableName == "" {
			tableName = parts[0]
		}
		columnName = parts[len(parts)-1]
	}
	if tableName == "" {
		return nil, nil
	}
	table, ok := s.snap.Table(tableName)
	if !ok {
		return nil, nil
	}
	col, ok := table.ColumnByName(columnName)
	if !ok || !col.Encrypted {
		return nil, nil
	}
	return &col, col.Config
}

// columnConfigOf resolves a ColumnRef expression node to its column
// config, or nil for anything else (literal, param, function result).
func (s *rewriteScope) columnConfigOf(node *pg_query.Node) *eql.ColumnConfig {
	if node == nil {
		return nil
	}
	ref, ok := node.Node.(*pg_query.Node_ColumnRef)
	if !ok {
		return nil
	}
	var parts []string
	for _, f := range ref.ColumnRef.Fields {
		if sn, ok := f.Node.(*pg_query.Node_String_); ok {
			parts = append(parts, sn.String_.Sval)
		}
	}
	if len(parts) == 0 {
		return nil
	}
	_, cfg := s.resolveEncrypted(parts)
	return cfg
}
