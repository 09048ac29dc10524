package proxy

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/cipherstash/pgproxy/internal/encrypt"
	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/pgwire"
	"github.com/cipherstash/pgproxy/internal/session"
	"github.com/cipherstash/pgproxy/pkg/logger"
)

// backend is C5: it reads messages from the upstream connection and
// decrypts any DataRow column whose statement resolved it to an
// encrypted projection, before relaying the message to the client
// (§4.5).
type backend struct {
	upstream net.Conn
	client   net.Conn
	sess        *session.Context
	enc         *encrypt.Service
	idleTimeout time.Duration
}

func (b *backend) run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		if b.idleTimeout > 0 {
			_ = b.upstream.SetReadDeadline(time.Now().Add(b.idleTimeout))
		}

		msgType, payload, err := pgwire.ReadMessage(b.upstream)
		if err != nil {
			return err
		}

		if msgType == pgwire.MsgDataRow {
			msgType, payload = b.handleDataRow(ctx, payload)
		}

		if err := pgwire.WriteMessage(b.client, msgType, payload); err != nil {
			return err
		}
	}
}

// projConfigs picks the column configs for the statement driving the
// in-flight response: an extended-query portal if one is current,
// otherwise the simple-query projection (§4.5, §9 "current portal name").
func (b *backend) projConfigs() []*eql.ColumnConfig {
	if cfgs := b.sess.CurrentPortalProjConfigs(); cfgs != nil {
		return cfgs
	}
	return b.sess.SimpleQueryProjection()
}

// resultFormatCodes returns the result format codes Bind published for
// the current portal, or nil for a simple-query response (which the
// wire protocol always carries as text).
func (b *backend) resultFormatCodes() []int16 {
	return b.sess.CurrentPortalResultFormatCodes()
}

// handleDataRow decrypts every column whose projection config is
// non-nil, batched through C9, encoding each decrypted value back into
// the format code the client's Bind requested for that column. If
// decoding or decrypting any column fails, the entire DataRow is
// replaced with an ErrorResponse rather than letting the raw ciphertext
// reach the client under the column's native projection (§4.5, §7
// "DataRow decryption" — no error silently downgrades an encrypted
// column to plaintext passthrough).
func (b *backend) handleDataRow(ctx context.Context, payload []byte) (byte, []byte) {
	cfgs := b.projConfigs()
	if len(cfgs) == 0 {
		return pgwire.MsgDataRow, payload
	}

	cols, err := pgwire.ParseDataRow(payload)
	if err != nil {
		return pgwire.MsgDataRow, payload
	}

	var idx []int
	var ciphertexts []*eql.Ciphertext
	for i, v := range cols {
		if i >= len(cfgs) || cfgs[i] == nil || v == nil {
			continue
		}
		ct, err := eql.DecodeColumnBytes(v, false)
		if err != nil {
			return b.decryptError(fmt.Sprintf("decode ciphertext column %d: %v", i, err))
		}
		idx = append(idx, i)
		ciphertexts = append(ciphertexts, ct)
	}
	if len(idx) == 0 {
		return pgwire.MsgDataRow, payload
	}

	plains, err := b.enc.DecryptBatch(ctx, b.sess.CurrentKeyset(), ciphertexts)
	if err != nil {
		return b.decryptError(fmt.Sprintf("decrypt row: %v", err))
	}

	resultFormats := b.resultFormatCodes()
	for j, i := range idx {
		encoded, err := eql.PlaintextToWire(plains[j], pgwire.FormatCodeAt(resultFormats, i))
		if err != nil {
			return b.decryptError(fmt.Sprintf("encode decrypted column %d: %v", i, err))
		}
		cols[i] = encoded
	}

	return pgwire.MsgDataRow, pgwire.BuildDataRow(cols)
}

// decryptError logs and reports a row-decryption failure to the client
// as the mandated ErrorResponse in place of the DataRow (§4.5, §7
// "DataRow decryption"); the session and result stream otherwise
// continue once the upstream server emits ReadyForQuery.
func (b *backend) decryptError(msg string) (byte, []byte) {
	logger.Warn("row decryption failed, replacing DataRow with an error", "error", msg)
	return pgwire.MsgErrorResponse, pgwire.BuildErrorResponse("ERROR", pgwire.ErrCodeEncryptionError, msg)
}
