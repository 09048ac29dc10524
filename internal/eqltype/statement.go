package eqltype

import "github.com/cipherstash/pgproxy/internal/eql"

// ParamSlot describes one bind parameter placeholder ($1, $2, ...),
// 1-indexed per the SQL convention, with its resolved column
// configuration when it targets an encrypted column.
type ParamSlot struct {
	Ordinal int
	Type    Type
	Config  *eql.ColumnConfig // nil for native parameters
}

// ProjSlot describes one projected (SELECT list) column.
type ProjSlot struct {
	Alias  string
	Type   Type
	Config *eql.ColumnConfig
}

// LiteralSlot describes one SQL literal that resolved to an Eql type —
// these must be encrypted by C4 before the rewritten statement is
// serialized (§4.4 step 3).
type LiteralSlot struct {
	// NodeID identifies the A_Const node within the AST so the transformer
	// (C8) can find it again after rewriting; implemented as a pointer
	// identity handed back to the caller, not serialized.
	NodeID any
	Type   Type
	Config *eql.ColumnConfig
	Value  *eql.Plaintext
}

// TypedStatement is C7's output: the original statement plus three
// ordered lists of resolved slots (§4.7).
type TypedStatement struct {
	Parameters []ParamSlot
	Projection []ProjSlot
	Literals   []LiteralSlot

	// RequiresTransform is true when C8 has anything to rewrite — any
	// parameter, projection column, or literal resolved to Eql, or any
	// operator touched an Eql operand.
	RequiresTransform bool
}

// HasEncryption reports whether any slot in the statement is encrypted.
func (ts *TypedStatement) HasEncryption() bool {
	for _, p := range ts.Parameters {
		if p.Config != nil {
			return true
		}
	}
	for _, p := range ts.Projection {
		if p.Config != nil {
			return true
		}
	}
	for _, l := range ts.Literals {
		if l.Config != nil {
			return true
		}
	}
	return false
}
