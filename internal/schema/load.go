package schema

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cipherstash/pgproxy/internal/eql"
)

// tableSchemaQuery mirrors information_schema.columns grouped per table,
// matching the shape the schema manager expects: one row per table with
// parallel column-name / column-type arrays (adapted from the teacher's
// per-column introspection query into a single aggregated round trip).
const tableSchemaQuery = `
SELECT
    c.table_name,
    array_agg(c.column_name ORDER BY c.ordinal_position) AS columns,
    array_agg(c.udt_name ORDER BY c.ordinal_position) AS column_type_names
FROM information_schema.columns c
JOIN information_schema.tables t
  ON t.table_schema = c.table_schema AND t.table_name = c.table_name
WHERE c.table_schema = 'public' AND t.table_type = 'BASE TABLE'
GROUP BY c.table_name
`

// aggregateQuery returns the names of aggregate functions the database
// recognizes, used by the type inferencer to decide whether an aggregate
// call on an encrypted column is permitted (§4.7).
const aggregateQuery = `
SELECT DISTINCT p.proname AS name
FROM pg_proc p
JOIN pg_aggregate a ON a.aggfnoid = p.oid
`

// configQueryTemplate loads the encryption configuration table. The table
// name is configurable (§9) so it is interpolated, not parameterized —
// it never carries user input.
const configQueryTemplate = `SELECT data FROM %s WHERE state = 'active' ORDER BY id DESC LIMIT 1`

// configDocument is the shape of the `data` JSON column in
// eql_v2_configuration: a map of table name to column name to column spec.
type configDocument struct {
	Tables map[string]map[string]configColumn `json:"tables"`
}

type configColumn struct {
	CastAs string              `json:"cast_as"`
	Indexes map[string]json.RawMessage `json:"indexes"`
}

var castAsToPlaintextType = map[string]eql.PlaintextType{
	"boolean":   eql.TypeBoolean,
	"small_int": eql.TypeSmallInt,
	"int":       eql.TypeInt,
	"big_int":   eql.TypeBigInt,
	"real":      eql.TypeFloat8,
	"double":    eql.TypeFloat8,
	"text":      eql.TypeText,
	"date":      eql.TypeDate,
	"jsonb":     eql.TypeJSONB,
}

var indexKeyToKind = map[string]eql.IndexKind{
	"unique_index": eql.IndexEquality,
	"ore_index":    eql.IndexOrder,
	"match_index":  eql.IndexMatch,
	"ste_vec_index": eql.IndexSteVec,
}

// Load runs the schema and aggregate queries against pool and folds a
// freshly queried encryption configuration document into column
// descriptors, marking a column encrypted when its native type name is one
// of encryptedTypeNames OR the configuration table names it explicitly.
func Load(ctx context.Context, pool *pgxpool.Pool, configTable string, encryptedTypeNames []string) (*Snapshot, error) {
	cfg, err := loadConfig(ctx, pool, configTable)
	var missing *MissingConfigTableError
	if err != nil && !errors.As(err, &missing) {
		return nil, fmt.Errorf("load encryption configuration: %w", err)
	}
	// A missing configuration table means pass-through: columns are still
	// detected via the type-name sentinel, just never via explicit config.
	configMissing := missing != nil

	snap := newSnapshot()
	snap.configMissing = configMissing

	rows, err := pool.Query(ctx, tableSchemaQuery)
	if err != nil {
		return nil, fmt.Errorf("query table schema: %w", err)
	}
	defer rows.Close()

	sentinel := make(map[string]struct{}, len(encryptedTypeNames))
	for _, n := range encryptedTypeNames {
		sentinel[n] = struct{}{}
	}

	for rows.Next() {
		var tableName string
		var columns, types []string
		if err := rows.Scan(&tableName, &columns, &types); err != nil {
			return nil, fmt.Errorf("scan table row: %w", err)
		}

		table := &Table{Name: tableName}
		for i, colName := range columns {
			var typeName string
			if i < len(types) {
				typeName = types[i]
			}

			col := Column{Name: colName, DataType: typeName}

			_, bySentinel := sentinel[typeName]
			colCfg, byConfig := lookupConfig(cfg, tableName, colName)

			switch {
			case byConfig:
				col.Encrypted = true
				col.Config = colCfg
			case bySentinel:
				col.Encrypted = true
				col.Config = &eql.ColumnConfig{
					Identifier: eql.Identifier{Table: tableName, Column: colName},
					CastAs:     eql.TypeText,
					Indexes: map[eql.IndexKind]bool{
						eql.IndexEquality: true,
						eql.IndexOrder:    true,
						eql.IndexMatch:    true,
						eql.IndexSteVec:   true,
					},
				}
			}

			table.Columns = append(table.Columns, col)
		}

		snap.tables[strings.ToLower(tableName)] = table
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	aggRows, err := pool.Query(ctx, aggregateQuery)
	if err != nil {
		return nil, fmt.Errorf("query aggregates: %w", err)
	}
	defer aggRows.Close()
	for aggRows.Next() {
		var name string
		if err := aggRows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan aggregate row: %w", err)
		}
		snap.aggregates[strings.ToLower(name)] = struct{}{}
	}
	if err := aggRows.Err(); err != nil {
		return nil, err
	}

	return snap, nil
}

// loadConfig loads the encryption configuration document. A missing
// configuration table is a recoverable condition (§6): the proxy runs in
// pass-through mode (sentinel-type detection only) and the caller is
// expected to log a warning.
func loadConfig(ctx context.Context, pool *pgxpool.Pool, configTable string) (*configDocument, error) {
	var raw []byte
	query := fmt.Sprintf(configQueryTemplate, configTable)
	err := pool.QueryRow(ctx, query).Scan(&raw)
	if err != nil {
		return nil, &MissingConfigTableError{Table: configTable, Cause: err}
	}

	var doc configDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse encryption configuration document: %w", err)
	}
	return &doc, nil
}

func lookupConfig(doc *configDocument, table, column string) (*eql.ColumnConfig, bool) {
	if doc == nil {
		return nil, false
	}
	cols, ok := doc.Tables[table]
	if !ok {
		return nil, false
	}
	spec, ok := cols[column]
	if !ok {
		return nil, false
	}

	plaintextType, ok := castAsToPlaintextType[spec.CastAs]
	if !ok {
		plaintextType = eql.TypeText
	}

	indexes := make(map[eql.IndexKind]bool, len(spec.Indexes))
	for key := range spec.Indexes {
		if kind, ok := indexKeyToKind[key]; ok {
			indexes[kind] = true
		}
	}

	return &eql.ColumnConfig{
		Identifier: eql.Identifier{Table: table, Column: column},
		CastAs:     plaintextType,
		Indexes:    indexes,
	}, true
}

// MissingConfigTableError marks loadConfig's failure as recoverable: the
// caller may continue with sentinel-type-only detection (§6).
type MissingConfigTableError struct {
	Table string
	Cause error
}

func (e *MissingConfigTableError) Error() string {
	return fmt.Sprintf("encryption configuration table %q not available: %v", e.Table, e.Cause)
}

func (e *MissingConfigTableError) Unwrap() error { return e.Cause }
