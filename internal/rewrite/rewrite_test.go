package rewrite

import (
	"strings"
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
		Indexes:    map[eql.IndexKind]bool{eql.IndexEquality: true},
	}
	snap.AddTable(&schema.Table{
		Name: "users",
		Columns: []schema.Column{
			{Name: "id", DataType: "uuid"},
			{Name: "email", DataType: "eql_v2_encrypted", Encrypted: true, Config: cfg},
		},
	})
	return snap
}

func TestTransformRewritesEqualityAndLiteral(t *testing.T) {
	tree, err := pg_query.Parse("SELECT id FROM users WHERE email = 'hello@example.com'")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	result, err := Transform(tree, testSnapshot())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !result.Rewrote {
		t.Errorf("expected Rewrote to be true")
	}
	if !strings.Contains(result.SQL, "eql_v2.eq") {
		t.Errorf("expected rewritten SQL to call eql_v2.eq, got %q", result.SQL)
	}
	if len(result.Placeholders) != 1 {
		t.Fatalf("expected 1 literal placeholder, got %d", len(result.Placeholders))
	}
	if result.Placeholders[0].Value.Str != "hello@example.com" {
		t.Errorf("unexpected placeholder value: %+v", result.Placeholders[0].Value)
	}
	if !strings.Contains(result.SQL, result.Placeholders[0].Token) {
		t.Errorf("expected rewritten SQL to contain the placeholder token")
	}
}

func TestTransformNoOpOnNativeColumns(t *testing.T) {
	tree, err := pg_query.Parse("SELECT id FROM users WHERE id = $1")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	result, err := Transform(tree, testSnapshot())
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if result.Rewrote {
		t.Errorf("expected no rewrite for a statement with no encrypted operands")
	}
	if len(result.Placeholders) != 0 {
		t.Errorf("expected no placeholders")
	}
}
