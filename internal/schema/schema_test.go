package schema

import (
	"encoding/json"
	"testing"

	"github.com/cipherstash/pgproxy/internal/eql"
)

func TestTableColumnByName(t *testing.T) {
	table := &Table{
		Name: "users",
		Columns: []Column{
			{Name: "id", DataType: "uuid"},
			{Name: "email", DataType: "eql_v2_encrypted", Encrypted: true},
		},
	}

	col, ok := table.ColumnByName("email")
	if !ok {
		t.Fatalf("expected to find column email")
	}
	if !col.Encrypted {
		t.Errorf("expected email to be encrypted")
	}

	if _, ok := table.ColumnByName("missing"); ok {
		t.Errorf("expected missing column to be absent")
	}
}

func TestSnapshotEqual(t *testing.T) {
	mk := func() *Snapshot {
		s := newSnapshot()
		s.tables["users"] = &Table{
			Name: "users",
			Columns: []Column{
				{Name: "id", DataType: "uuid"},
				{Name: "email", DataType: "eql_v2_encrypted", Encrypted: true},
			},
		}
		s.aggregates["count"] = struct{}{}
		s.aggregates["sum"] = struct{}{}
		return s
	}

	a, b := mk(), mk()
	if !a.Equal(b) {
		t.Errorf("expected two independently built snapshots with identical contents to be equal")
	}

	b.aggregates["avg"] = struct{}{}
	if a.Equal(b) {
		t.Errorf("expected snapshots with different aggregate sets to be unequal")
	}
}

func TestLookupConfig(t *testing.T) {
	doc := &configDocument{
		Tables: map[string]map[string]configColumn{
			"patients": {
				"pii": configColumn{
					CastAs:  "jsonb",
					Indexes: map[string]json.RawMessage{"ste_vec_index": json.RawMessage("{}")},
				},
			},
		},
	}

	cfg, ok := lookupConfig(doc, "patients", "pii")
	if !ok {
		t.Fatalf("expected config for patients.pii")
	}
	if cfg.CastAs != eql.TypeJSONB {
		t.Errorf("CastAs = %v, want jsonb", cfg.CastAs)
	}
	if !cfg.HasIndex(eql.IndexSteVec) {
		t.Errorf("expected ste_vec index to be set")
	}

	if _, ok := lookupConfig(doc, "patients", "missing"); ok {
		t.Errorf("expected no config for unknown column")
	}
}
