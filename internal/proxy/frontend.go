package proxy

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cipherstash/pgproxy/internal/encrypt"
	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/parser"
	"github.com/cipherstash/pgproxy/internal/pgwire"
	"github.com/cipherstash/pgproxy/internal/schema"
	"github.com/cipherstash/pgproxy/internal/session"
	"github.com/cipherstash/pgproxy/pkg/logger"
)

// frontend is C4: it reads messages from the client, type-checks and
// rewrites statements against the current schema snapshot, encrypts
// literals and bound parameters, and relays the (possibly rewritten)
// message to the upstream connection (§4.4).
type frontend struct {
	client   net.Conn
	upstream net.Conn
	sess        *session.Context
	snapshot    func() *schema.Snapshot
	enc         *encrypt.Service
	idleTimeout time.Duration
}

func (f *frontend) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if f.idleTimeout > 0 {
			_ = f.client.SetReadDeadline(time.Now().Add(f.idleTimeout))
		}

		msgType, payload, err := pgwire.ReadMessage(f.client)
		if err != nil {
			return err
		}

		switch msgType {
		case pgwire.MsgQuery:
			handled, err := f.handleKeysetSet(payload)
			if err != nil {
				return fmt.Errorf("keyset set: %w", err)
			}
			if handled {
				continue
			}
			payload = f.handleQuery(ctx, payload)
		case pgwire.MsgParse:
			payload = f.handleParse(ctx, payload)
		case pgwire.MsgBind:
			out, err := f.handleBind(ctx, payload)
			if err != nil {
				return fmt.Errorf("bind: %w", err)
			}
			if out == nil {
				continue // bind-time error already answered locally; the Bind is not forwarded
			}
			payload = out
		case pgwire.MsgExecute:
			f.handleExecute(payload)
		case pgwire.MsgClose:
			f.handleClose(payload)
		}

		if err := pgwire.WriteMessage(f.upstream, msgType, payload); err != nil {
			return err
		}
	}
}

// handleKeysetSet intercepts `SET cipherstash.keyset_id = '<uuid>'` (§4.4
// step 2, §5 "keyset-scoped encryption"): it never reaches the upstream
// database, which has no such setting. A malformed UUID is reported to the
// client as an ErrorResponse rather than silently accepted.
func (f *frontend) handleKeysetSet(payload []byte) (handled bool, err error) {
	sql := strings.TrimSuffix(string(payload), "\x00")

	value, ok, err := parser.KeysetSetVerb(sql)
	if err != nil || !ok {
		return false, nil //nolint:nilerr // not a keyset SET verb; fall through to normal handling
	}

	if _, err := uuid.Parse(value); err != nil {
		_ = pgwire.WriteMessage(f.client, pgwire.MsgErrorResponse,
			pgwire.BuildErrorResponse("ERROR", pgwire.ErrCodeEncryptionError, fmt.Sprintf("invalid keyset id: %v", err)))
		return true, pgwire.WriteMessage(f.client, pgwire.MsgReadyForQuery, pgwire.BuildReadyForQuery(pgwire.TxStatusIdle))
	}

	f.sess.SetKeyset(eql.KeysetID(value))

	if err := pgwire.WriteMessage(f.client, pgwire.MsgCommandComplete, pgwire.BuildCommandComplete("SET")); err != nil {
		return true, err
	}
	return true, pgwire.WriteMessage(f.client, pgwire.MsgReadyForQuery, pgwire.BuildReadyForQuery(pgwire.TxStatusIdle))
}

// handleQuery rewrites a simple-query statement (§4.4 step 1). Statement
// kinds that can never touch a column value (DDL, other utility verbs) skip
// planning entirely. A planning failure is logged and the original
// statement forwarded unchanged — the upstream database will itself reject
// any comparison it can't satisfy, surfacing a normal ErrorResponse to the
// client without the proxy having to fabricate extended-query protocol
// framing.
func (f *frontend) handleQuery(ctx context.Context, payload []byte) []byte {
	sql := strings.TrimSuffix(string(payload), "\x00")

	if kind, err := parser.Classify(sql); err == nil && !kind.RequiresTypeCheck() {
		f.sess.SetSimpleQueryProjection(nil)
		return payload
	}

	p, err := planStatement(ctx, f.snapshot(), f.enc, f.sess.CurrentKeyset(), sql)
	if err != nil {
		logger.Warn("simple query rewrite failed, forwarding unchanged", "error", err)
		f.sess.SetSimpleQueryProjection(nil)
		return payload
	}

	f.sess.SetSimpleQueryProjection(p.ProjConfigs)
	buf := pgwire.NewBuffer(len(p.SQL) + 1)
	buf.WriteString(p.SQL)
	return buf.Bytes()
}

// handleParse rewrites a Parse statement and records its parameter and
// projection configs for the Bind/Execute/DataRow stages that follow
// (§4.4 step 2, §4.7).
func (f *frontend) handleParse(ctx context.Context, payload []byte) []byte {
	m, err := pgwire.ParseParseMessage(payload)
	if err != nil {
		logger.Warn("malformed Parse message, forwarding unchanged", "error", err)
		return payload
	}

	if kind, err := parser.Classify(m.Query); err == nil && !kind.RequiresTypeCheck() {
		f.sess.AddStatement(&session.PreparedStatement{
			Name:      m.Statement,
			SQL:       m.Query,
			ParamOIDs: m.ParamOIDs,
		})
		return payload
	}

	p, err := planStatement(ctx, f.snapshot(), f.enc, f.sess.CurrentKeyset(), m.Query)
	if err != nil {
		logger.Warn("parse rewrite failed, forwarding unchanged", "statement", m.Statement, "error", err)
		f.sess.AddStatement(&session.PreparedStatement{
			Name:      m.Statement,
			SQL:       m.Query,
			ParamOIDs: m.ParamOIDs,
		})
		return payload
	}

	f.sess.AddStatement(&session.PreparedStatement{
		Name:         m.Statement,
		SQL:          p.SQL,
		ParamOIDs:    m.ParamOIDs,
		TypeChecked:  true,
		ParamConfigs: p.ParamConfigs,
		ProjConfigs:  p.ProjConfigs,
	})

	return pgwire.BuildParseMessage(&pgwire.ParseMessage{
		Statement: m.Statement,
		Query:     p.SQL,
		ParamOIDs: m.ParamOIDs,
	})
}

// handleBind encrypts any bound parameter that targets an encrypted
// column, batched through C9 (§4.4 step 3), and records the portal. Each
// parameter is decoded using its own format code (text or binary, per
// Bind.ParamFormatCodes) rather than assuming text.
//
// A nil, nil return means a bind-time encryption failure was already
// reported to the client as an ErrorResponse/ReadyForQuery pair (§7
// "Bind-time encryption"); the caller must drop the Bind rather than
// forward it, without tearing down the session. A non-nil error means an
// I/O failure writing that response, which is genuinely session-fatal.
func (f *frontend) handleBind(ctx context.Context, payload []byte) ([]byte, error) {
	m, err := pgwire.ParseBindMessage(payload)
	if err != nil {
		return payload, nil //nolint:nilerr // malformed Bind: forward unchanged, let upstream reject it
	}

	stmt, ok := f.sess.GetStatement(m.Statement)
	if ok && stmt.TypeChecked {
		var idx []int
		var values []*eql.Plaintext
		var cfgs []*eql.ColumnConfig
		for i, v := range m.ParamValues {
			if i >= len(stmt.ParamConfigs) || stmt.ParamConfigs[i] == nil || v == nil {
				continue
			}
			formatCode := pgwire.FormatCodeAt(m.ParamFormatCodes, i)
			plain, err := eql.PlaintextFromWire(v, stmt.ParamConfigs[i].CastAs, formatCode)
			if err != nil {
				return f.bindError(fmt.Sprintf("parse parameter %d: %v", i+1, err))
			}
			idx = append(idx, i)
			values = append(values, plain)
			cfgs = append(cfgs, stmt.ParamConfigs[i])
		}
		if len(idx) > 0 {
			ciphertexts, err := f.enc.EncryptBatch(ctx, f.sess.CurrentKeyset(), values, cfgs)
			if err != nil {
				return f.bindError(fmt.Sprintf("encrypt parameters: %v", err))
			}

			// Expand to one format code per parameter so the rewritten
			// slots can be forced to text (EncodeColumnBytes always
			// produces a JSON text record) without disturbing the
			// format codes of untouched parameters.
			formatCodes := make([]int16, len(m.ParamValues))
			for i := range formatCodes {
				formatCodes[i] = pgwire.FormatCodeAt(m.ParamFormatCodes, i)
			}
			for j, i := range idx {
				encoded, err := eql.EncodeColumnBytes(ciphertexts[j], false)
				if err != nil {
					return f.bindError(fmt.Sprintf("encode parameter %d: %v", i+1, err))
				}
				m.ParamValues[i] = encoded
				formatCodes[i] = pgwire.FormatText
			}
			m.ParamFormatCodes = formatCodes
		}
	}

	portal := &session.Portal{Name: m.Portal, Statement: m.Statement}
	portal.SetResultFormatCodes(m.ResultFormatCodes)
	f.sess.AddPortal(portal)

	return pgwire.BuildBindMessage(m), nil
}

// bindError reports a bind-time encryption failure to the client as an
// ErrorResponse/ReadyForQuery pair, signaling the caller (via the nil
// payload) to drop the Bind without forwarding it or ending the session.
func (f *frontend) bindError(msg string) ([]byte, error) {
	if err := pgwire.WriteMessage(f.client, pgwire.MsgErrorResponse,
		pgwire.BuildErrorResponse("ERROR", pgwire.ErrCodeEncryptionError, msg)); err != nil {
		return nil, err
	}
	if err := pgwire.WriteMessage(f.client, pgwire.MsgReadyForQuery, pgwire.BuildReadyForQuery(pgwire.TxStatusIdle)); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *frontend) handleExecute(payload []byte) {
	portal, _, err := pgwire.ParseExecuteMessage(payload)
	if err != nil {
		return
	}
	f.sess.SetCurrentPortal(portal)
}

func (f *frontend) handleClose(payload []byte) {
	m, err := pgwire.ParseCloseMessage(payload)
	if err != nil {
		return
	}
	switch m.Kind {
	case 'S':
		f.sess.RemoveStatement(m.Name)
	case 'P':
		f.sess.RemovePortal(m.Name)
	}
}
