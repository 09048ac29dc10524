// Package schema maintains the periodically refreshed, atomically swapped
// snapshot of the database schema and searchable-encryption configuration
// that the frontend rewriter type-checks statements against (§4.6).
package schema

import (
	"strings"

	"github.com/cipherstash/pgproxy/internal/eql"
)

// Column describes one column of a table as seen by the proxy.
type Column struct {
	Name      string
	DataType  string // the database-native type name, e.g. "text", "int4"
	Encrypted bool
	Config    *eql.ColumnConfig // non-nil iff Encrypted
}

// Table is an ordered sequence of column descriptors.
type Table struct {
	Name    string
	Columns []Column
}

// ColumnByName looks up a column case-sensitively (SQL identifiers are
// folded to lowercase well before reaching the schema cache).
func (t *Table) ColumnByName(name string) (Column, bool) {
	for _, c := range t.Columns {
		if c.Name == name {
			return c, true
		}
	}
	return Column{}, false
}

// Snapshot is an immutable view of the schema and the set of
// aggregate-function names the database recognizes. A fresh Snapshot is
// built on every refresh tick and published by atomic pointer swap; readers
// that already hold a *Snapshot keep seeing consistent data even after a
// newer snapshot is published (§3, §9).
type Snapshot struct {
	tables     map[string]*Table // key: lowercased table name
	aggregates map[string]struct{}

	// configMissing records whether the encryption configuration table was
	// absent when this snapshot was built; the proxy runs in sentinel-type
	// pass-through mode in that case (§6).
	configMissing bool
}

// ConfigMissing reports whether this snapshot was built without an
// encryption configuration table.
func (s *Snapshot) ConfigMissing() bool { return s.configMissing }

func newSnapshot() *Snapshot {
	return &Snapshot{
		tables:     make(map[string]*Table),
		aggregates: make(map[string]struct{}),
	}
}

// New builds an empty, mutable snapshot for assembling in tests or
// bespoke tooling outside the periodic loader.
func New() *Snapshot { return newSnapshot() }

// AddTable registers a table, keyed case-insensitively.
func (s *Snapshot) AddTable(t *Table) {
	s.tables[strings.ToLower(t.Name)] = t
}

// AddAggregate registers a recognized aggregate-function name.
func (s *Snapshot) AddAggregate(name string) {
	s.aggregates[strings.ToLower(name)] = struct{}{}
}

// Table looks up a table by name, case-insensitively.
func (s *Snapshot) Table(name string) (*Table, bool) {
	t, ok := s.tables[strings.ToLower(name)]
	return t, ok
}

// IsAggregate reports whether name is a recognized aggregate function.
func (s *Snapshot) IsAggregate(name string) bool {
	_, ok := s.aggregates[strings.ToLower(name)]
	return ok
}

// Equal reports whether two snapshots describe the same tables and
// aggregates, used by tests asserting idempotent loads (§8 property 4).
func (s *Snapshot) Equal(other *Snapshot) bool {
	if other == nil {
		return false
	}
	if len(s.tables) != len(other.tables) || len(s.aggregates) != len(other.aggregates) {
		return false
	}
	for name, t := range s.tables {
		ot, ok := other.tables[name]
		if !ok || len(t.Columns) != len(ot.Columns) {
			return false
		}
		for i, c := range t.Columns {
			oc := ot.Columns[i]
			if c.Name != oc.Name || c.DataType != oc.DataType || c.Encrypted != oc.Encrypted {
				return false
			}
		}
	}
	for name := range s.aggregates {
		if _, ok := other.aggregates[name]; !ok {
			return false
		}
	}
	return true
}
