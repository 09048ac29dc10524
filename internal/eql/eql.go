// Package eql defines the wire-level data model for searchable encrypted
// values: plaintexts tagged with their target column, ciphertext records
// carrying index terms, and the column configuration that decides which
// index terms a given column maintains.
//
// The shapes here mirror the EQL ciphertext JSON contract so that a column
// encrypted by this proxy reads back correctly through any other EQL-aware
// client, and vice versa.
package eql

import "fmt"

// PlaintextType is the semantic type a plaintext value is cast to before
// encryption. This is independent of the database-native column type: a
// `text` column can carry an encrypted `int` if that's what the application
// configured.
type PlaintextType string

const (
	TypeBoolean   PlaintextType = "boolean"
	TypeSmallInt  PlaintextType = "smallint"
	TypeInt       PlaintextType = "int"
	TypeBigInt    PlaintextType = "bigint"
	TypeFloat8    PlaintextType = "float8"
	TypeNumeric   PlaintextType = "numeric"
	TypeDate      PlaintextType = "date"
	TypeTimestamp PlaintextType = "timestamp"
	TypeText      PlaintextType = "text"
	TypeJSONB     PlaintextType = "jsonb"
)

// IndexKind is a class of searchable index term a ciphertext may carry.
type IndexKind string

const (
	IndexEquality IndexKind = "unique"             // equality (HMAC-style term)
	IndexOrder    IndexKind = "ore"                // order-revealing, supports < <= > >=
	IndexMatch    IndexKind = "match"               // substring / LIKE tokenization
	IndexSteVec   IndexKind = "ste_vec"             // structured JSON containment
	IndexJSONPath IndexKind = "ste_vec_selector"    // JSON path accessor
)

// Identifier names the (table, column) pair a value belongs to.
type Identifier struct {
	Table  string `json:"t"`
	Column string `json:"c"`
}

func (id Identifier) String() string {
	return fmt.Sprintf("%s.%s", id.Table, id.Column)
}

// ColumnConfig is the encryption configuration for one (table, column):
// the semantic plaintext type plus the set of index kinds to maintain.
// Loaded from the eql_v2_configuration table by the schema cache (C6).
type ColumnConfig struct {
	Identifier Identifier
	CastAs     PlaintextType
	Indexes    map[IndexKind]bool
}

// HasIndex reports whether the column maintains the given index kind.
func (c *ColumnConfig) HasIndex(kind IndexKind) bool {
	if c == nil {
		return false
	}
	return c.Indexes[kind]
}

// Plaintext is a tagged, nullable value of one of the ten semantic types.
// Exactly one of the typed fields is meaningful, selected by Type; Null
// indicates a SQL NULL irrespective of Type.
type Plaintext struct {
	Type PlaintextType
	Null bool

	Bool      bool
	Int64     int64
	Float64   float64
	Str       string
	JSONBytes []byte // raw jsonb text, for Type == TypeJSONB
}
