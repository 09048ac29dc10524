package proxy

import (
	"context"
	"strings"
	"testing"

	"github.com/cipherstash/pgproxy/internal/encrypt"
	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/schema"
)

func rewriterTestSnapshot() *schema.Snapshot {
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

func TestPlanStatementPassesThroughWhenNoEncryption(t *testing.T) {
	snap := rewriterTestSnapshot()
	svc := encrypt.New(encrypt.NewDevKMS([]byte("root-secret")))

	p, err := planStatement(context.Background(), snap, svc, eql.KeysetID("keyset-a"), "SELECT id FROM users WHERE id = $1")
	if err != nil {
		t.Fatalf("planStatement: %v", err)
	}
	if p.SQL != "SELECT id FROM users WHERE id = $1" {
		t.Errorf("SQL = %q, want unchanged", p.SQL)
	}
	if len(p.ParamConfigs) != 1 || p.ParamConfigs[0] != nil {
		t.Errorf("ParamConfigs = %v, want a single nil (native) slot", p.ParamConfigs)
	}
}

func TestPlanStatementRewritesLiteralEquality(t *testing.T) {
	snap := rewriterTestSnapshot()
	svc := encrypt.New(encrypt.NewDevKMS([]byte("root-secret")))

	p, err := planStatement(context.Background(), snap, svc, eql.KeysetID("keyset-a"), "SELECT id FROM users WHERE email = 'alice@example.com'")
	if err != nil {
		t.Fatalf("planStatement: %v", err)
	}
	if strings.Contains(p.SQL, "alice@example.com") {
		t.Errorf("rewritten SQL should not contain the plaintext literal, got %q", p.SQL)
	}
	if !strings.Contains(p.SQL, "eql_v2.eq") {
		t.Errorf("rewritten SQL should call eql_v2.eq, got %q", p.SQL)
	}
}

func TestPlanStatementTracksParamConfigForEncryptedColumn(t *testing.T) {
	snap := rewriterTestSnapshot()
	svc := encrypt.New(encrypt.NewDevKMS([]byte("root-secret")))

	p, err := planStatement(context.Background(), snap, svc, eql.KeysetID("keyset-a"), "SELECT id FROM users WHERE email = $1")
	if err != nil {
		t.Fatalf("planStatement: %v", err)
	}
	if len(p.ParamConfigs) != 1 || p.ParamConfigs[0] == nil {
		t.Fatalf("ParamConfigs = %v, want a single non-nil (encrypted) slot", p.ParamConfigs)
	}
	if p.ParamConfigs[0].Identifier.Column != "email" {
		t.Errorf("ParamConfigs[0].Identifier.Column = %q, want %q", p.ParamConfigs[0].Identifier.Column, "email")
	}
}

func TestPlanStatementTracksProjConfigs(t *testing.T) {
	snap := rewriterTestSnapshot()
	svc := encrypt.New(encrypt.NewDevKMS([]byte("root-secret")))

	p, err := planStatement(context.Background(), snap, svc, eql.KeysetID("keyset-a"), "SELECT id, email FROM users")
	if err != nil {
		t.Fatalf("planStatement: %v", err)
	}
	if len(p.ProjConfigs) != 2 {
		t.Fatalf("ProjConfigs = %v, want 2 entries", p.ProjConfigs)
	}
	if p.ProjConfigs[0] != nil {
		t.Errorf("ProjConfigs[0] (id) = %v, want nil (native)", p.ProjConfigs[0])
	}
	if p.ProjConfigs[1] == nil || p.ProjConfigs[1].Identifier.Column != "email" {
		t.Errorf("ProjConfigs[1] (email) = %v, want the email column config", p.ProjConfigs[1])
	}
}

func TestPlanStatementParseError(t *testing.T) {
	snap := rewriterTestSnapshot()
	svc := encrypt.New(encrypt.NewDevKMS([]byte("root-secret")))

	if _, err := planStatement(context.Background(), snap, svc, eql.KeysetID("keyset-a"), "SELECT FROM ("); err == nil {
		t.Error("expected a parse error for malformed SQL")
	}
}
