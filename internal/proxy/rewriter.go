package proxy

import (
	"context"
	"fmt"
	"strings"

	pg_query "github.com/pganalyze/pg_query_go/v6"

	"github.com/cipherstash/pgproxy/internal/encrypt"
	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/eqltype"
	"github.com/cipherstash/pgproxy/internal/rewrite"
	"github.com/cipherstash/pgproxy/internal/schema"
)

// plan is the result of type-checking and rewriting one statement: the SQL
// text to actually send upstream (literals already encrypted), plus the
// per-slot column configs the frontend/backend interceptors consult when a
// bound parameter or a result column needs encrypting/decrypting (§4.7,
// §4.8, §4.4 steps 3-4).
type plan struct {
	SQL          string
	ParamConfigs []*eql.ColumnConfig // ParamConfigs[i] is for $i+1; nil entries are native
	ProjConfigs  []*eql.ColumnConfig
}

// planStatement type-checks sql against snap (C7) and, if anything
// resolves to an encrypted operand, rewrites operators into eql_v2.*
// index-function calls and encrypts literal operands in place (C8 + C9).
func planStatement(ctx context.Context, snap *schema.Snapshot, svc *encrypt.Service, keyset eql.KeysetID, sql string) (*plan, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse statement: %w", err)
	}
	ts, err := eqltype.Infer(tree, snap)
	if err != nil {
		return nil, err
	}

	p := &plan{SQL: sql}

	maxOrdinal := 0
	for _, param := range ts.Parameters {
		if param.Ordinal > maxOrdinal {
			maxOrdinal = param.Ordinal
		}
	}
	p.ParamConfigs = make([]*eql.ColumnConfig, maxOrdinal)
	for _, param := range ts.Parameters {
		p.ParamConfigs[param.Ordinal-1] = param.Config
	}

	p.ProjConfigs = make([]*eql.ColumnConfig, len(ts.Projection))
	for i, proj := range ts.Projection {
		p.ProjConfigs[i] = proj.Config
	}

	if !ts.RequiresTransform {
		return p, nil
	}

	// Transform mutates its tree in place, so the rewrite pass works on a
	// fresh parse rather than the tree Infer walked.
	rewriteTree, err := pg_query.Parse(sql)
	if err != nil {
		return nil, fmt.Errorf("parse statement for rewrite: %w", err)
	}
	result, err := rewrite.Transform(rewriteTree, snap)
	if err != nil {
		return nil, err
	}
	p.SQL = result.SQL

	if len(result.Placeholders) == 0 {
		return p, nil
	}

	values := make([]*eql.Plaintext, len(result.Placeholders))
	cfgs := make([]*eql.ColumnConfig, len(result.Placeholders))
	for i, ph := range result.Placeholders {
		values[i] = ph.Value
		cfgs[i] = ph.Config
	}
	ciphertexts, err := svc.EncryptBatch(ctx, keyset, values, cfgs)
	if err != nil {
		return nil, fmt.Errorf("encrypt literals: %w", err)
	}

	for i, ph := range result.Placeholders {
		encoded, err := eql.EncodeColumnBytes(ciphertexts[i], false)
		if err != nil {
			return nil, fmt.Errorf("encode literal ciphertext: %w", err)
		}
		literal := "'" + escapeSQLString(string(encoded)) + "'"
		p.SQL = strings.Replace(p.SQL, "'"+ph.Token+"'", literal, 1)
	}

	return p, nil
}

func escapeSQLString(s string) string {
	return strings.ReplaceAll(s, "'", "''")
}
