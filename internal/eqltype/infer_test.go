package eqltype

import (
	"testing"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/schema"
)

func testSnapshot() *schema.Snapshot {
	snap := schema.New()
	cfg := &eql.ColumnConfig{
		Identifier: eql.Identifier{Table: "users", Column: "email"},
		CastAs:     eql.TypeText,
		Indexes: map[eql.IndexKind]bool{
			eql.IndexEquality: true,
			eql.IndexMatch:    true,
		},
	}
	snap.AddTable(&schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", DataType: "uuid"},
			{Name: "email", DataType: "eql_v2_encrypted", Encrypted: true, Config: cfg},
		},
	})
	snap.AddAggregate("count")
	return snap
}

func mustParse(t *testing.T, sql string) *pg_query.ParseResult {
	t.Helper()
	tree, err := pg_query.Parse(sql)
	if err != nil {
		t.Fatalf("parse %q: %v", sql, err)
	}
	return tree
}

func TestInferSelectParamEquality(t *testing.T) {
	tree := mustParse(t, "SELECT id FROM users WHERE email = $1")
	ts, err := Infer(tree, testSnapshot())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(ts.Parameters) != 1 {
		t.Fatalf("expected 1 parameter, got %d", len(ts.Parameters))
	}
	if ts.Parameters[0].Config == nil {
		t.Errorf("expected parameter $1 to resolve to an encrypted column config")
	}
	if !ts.RequiresTransform {
		t.Errorf("expected RequiresTransform to be true")
	}
}

func TestInferSelectNativeOnly(t *testing.T) {
	tree := mustParse(t, "SELECT id FROM users WHERE id = $1")
	ts, err := Infer(tree, testSnapshot())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if ts.HasEncryption() {
		t.Errorf("expected no encrypted slots for a native-only statement")
	}
}

func TestInferOrderingWithoutOreIndexFails(t *testing.T) {
	tree := mustParse(t, "SELECT id FROM users WHERE email > $1")
	_, err := Infer(tree, testSnapshot())
	if err == nil {
		t.Fatalf("expected an UnsupportedFeatureError, got nil")
	}
	if _, ok := err.(*UnsupportedFeatureError); !ok {
		t.Errorf("expected *UnsupportedFeatureError, got %T: %v", err, err)
	}
}

func TestInferInsertEncryptsLiteral(t *testing.T) {
	tree := mustParse(t, "INSERT INTO users (id, email) VALUES ($1, 'hello@example.com')")
	ts, err := Infer(tree, testSnapshot())
	if err != nil {
		t.Fatalf("Infer: %v", err)
	}
	if len(ts.Literals) != 1 {
		t.Fatalf("expected 1 literal slot, got %d", len(ts.Literals))
	}
	if ts.Literals[0].Config == nil {
		t.Errorf("expected the email literal to carry a column config")
	}
	if ts.Literals[0].Value == nil || ts.Literals[0].Value.Str != "hello@example.com" {
		t.Errorf("unexpected plaintext value: %+v", ts.Literals[0].Value)
	}
}

func TestUnifyNarrowsTerm(t *testing.T) {
	a := Eql(TermFull)
	a.Table, a.Column = "users", "email"
	b := Eql(TermAccessor)
	b.Table, b.Column = "users", "email"

	result, err := unify(a, b, "test")
	if err != nil {
		t.Fatalf("unify: %v", err)
	}
	if result.Term != TermAccessor {
		t.Errorf("expected narrower term TermAccessor to win over TermFull, got %v", result.Term)
	}
}

func TestUnifyConflictingColumns(t *testing.T) {
	a := Eql(TermFull)
	a.Table, a.Column = "users", "email"
	b := Eql(TermFull)
	b.Table, b.Column = "users", "name"

	if _, err := unify(a, b, "test"); err == nil {
		t.Errorf("expected a conflict between two distinct encrypted columns")
	}
}
