// Package proxy implements the listener and per-connection relay: the
// bidirectional stream multiplexer (C2) and the frontend/backend
// rewriters (C4, C5) that sit on top of it.
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/cipherstash/pgproxy/internal/config"
	"github.com/cipherstash/pgproxy/internal/encrypt"
	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/pgwire"
	"github.com/cipherstash/pgproxy/internal/schema"
	"github.com/cipherstash/pgproxy/internal/session"
	"github.com/cipherstash/pgproxy/pkg/logger"
)

var (
	ErrProxyClosed    = errors.New("proxy server closed")
	ErrUpstreamClosed = errors.New("upstream connection closed")
)

// Authenticator validates a client's MD5 challenge response (§4.2, §6).
// The check is supplied by the caller; internal/server's implementation
// compares it against the configured upstream user and password.
type Authenticator func(user, database, response string, salt [4]byte) error

// Proxy is the Postgres wire protocol proxy server: it accepts client
// connections, authenticates them, opens a paired upstream connection,
// and relays traffic through the frontend/backend rewriters.
type Proxy struct {
	cfg      *config.Config
	schema   *schema.Cache
	enc      *encrypt.Service
	listener net.Listener
	tlsConf  *tls.Config

	Authenticate Authenticator

	connections sync.Map // client pgwire.ConnID -> *clientSession
	connCount   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

type clientSession struct {
	client   *pgwire.ClientConn
	upstream net.Conn
}

// New creates a proxy bound to cfg's upstream/listener settings, schema
// cache, and encryption service (§4.1).
func New(cfg *config.Config, schemaCache *schema.Cache, enc *encrypt.Service) (*Proxy, error) {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Proxy{
		cfg:    cfg,
		schema: schemaCache,
		enc:    enc,
		ctx:    ctx,
		cancel: cancel,
	}

	if cfg.Proxy.RequireClientTLS {
		cert, err := tls.LoadX509KeyPair(cfg.Proxy.TLSCertFile, cfg.Proxy.TLSKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load client-facing TLS certificate: %w", err)
		}
		p.tlsConf = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
	}

	return p, nil
}

// Start starts accepting client connections.
func (p *Proxy) Start() error {
	listener, err := net.Listen("tcp", p.cfg.Proxy.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", p.cfg.Proxy.ListenAddr, err)
	}
	p.listener = listener

	p.wg.Add(1)
	go p.acceptLoop()

	return nil
}

// Stop gracefully stops the proxy, closing all active connections.
func (p *Proxy) Stop() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	p.cancel()

	if p.listener != nil {
		_ = p.listener.Close()
	}

	p.connections.Range(func(_, value any) bool {
		if s, ok := value.(*clientSession); ok {
			_ = s.client.Close()
			if s.upstream != nil {
				_ = s.upstream.Close()
			}
		}
		return true
	})

	p.wg.Wait()
	return nil
}

// Addr returns the listener's address.
func (p *Proxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

// ConnectionCount returns the number of active client connections.
func (p *Proxy) ConnectionCount() int64 {
	return p.connCount.Load()
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()

	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.ctx.Done():
				return
			default:
				logger.Warn("accept error", "error", err)
				continue
			}
		}

		if p.cfg.Proxy.MaxConnections > 0 && p.connCount.Load() >= int64(p.cfg.Proxy.MaxConnections) {
			_ = conn.Close()
			continue
		}

		p.wg.Add(1)
		go p.handleConnection(conn)
	}
}

func (p *Proxy) handleConnection(conn net.Conn) {
	defer p.wg.Done()

	client := pgwire.NewClientConn(conn)
	p.connCount.Add(1)
	defer func() {
		p.connCount.Add(-1)
		p.connections.Delete(client.ID())
		_ = client.Close()
	}()

	if err := client.Handshake(pgwire.AuthenticateFunc(p.Authenticate), p.tlsConf, p.cfg.Proxy.RequireClientTLS); err != nil {
		logger.Warn("handshake failed", "remote", conn.RemoteAddr(), "error", err)
		return
	}

	upstream, err := p.connectUpstream(client.Database(), client.User())
	if err != nil {
		_ = client.SendError("FATAL", pgwire.ErrCodeConnectionFailure, fmt.Sprintf("upstream connection failed: %v", err))
		return
	}
	defer func() { _ = upstream.Close() }()

	sess := &clientSession{client: client, upstream: upstream}
	p.connections.Store(client.ID(), sess)

	p.relay(client, upstream)
}

func (p *Proxy) connectUpstream(database, user string) (net.Conn, error) {
	up := p.cfg.Upstream
	conn, err := net.DialTimeout("tcp", up.Addr, up.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial upstream: %w", err)
	}

	upstreamUser := up.User
	if upstreamUser == "" {
		upstreamUser = user
	}
	upstreamDB := up.Database
	if upstreamDB == "" {
		upstreamDB = database
	}

	startup := buildStartupMessage(upstreamDB, upstreamUser)
	if _, err := conn.Write(startup); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send startup: %w", err)
	}

	if err := p.handleUpstreamAuth(conn, upstreamUser, up.Password); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("upstream auth: %w", err)
	}

	return conn, nil
}

func buildStartupMessage(database, user string) []byte {
	buf := pgwire.NewBuffer(256)
	buf.WriteInt32(0) // length placeholder
	buf.WriteInt32(pgwire.ProtocolVersionNumber)
	buf.WriteString("user")
	buf.WriteString(user)
	buf.WriteString("database")
	buf.WriteString(database)
	buf.WriteString("application_name")
	buf.WriteString("pgproxy")
	buf.WriteByte(0)

	data := buf.Bytes()
	length := len(data)
	data[0] = byte(length >> 24)
	data[1] = byte(length >> 16)
	data[2] = byte(length >> 8)
	data[3] = byte(length)
	return data
}

// handleUpstreamAuth drives whatever authentication method the upstream
// server demands: trust (AuthOK), cleartext, MD5, or SASL/SCRAM-SHA-256
// (§4.2, §6).
func (p *Proxy) handleUpstreamAuth(conn net.Conn, user, password string) error {
	for {
		msgType, payload, err := pgwire.ReadMessage(conn)
		if err != nil {
			return err
		}

		switch msgType {
		case pgwire.MsgAuthentication:
			if len(payload) < 4 {
				return errors.New("invalid auth message")
			}
			authType := int32(payload[0])<<24 | int32(payload[1])<<16 | int32(payload[2])<<8 | int32(payload[3])

			switch authType {
			case pgwire.AuthOK:
				continue

			case pgwire.AuthCleartextPassword:
				passBuf := pgwire.NewBuffer(64)
				passBuf.WriteString(password)
				if err := pgwire.WriteMessage(conn, pgwire.MsgPassword, passBuf.Bytes()); err != nil {
					return err
				}

			case pgwire.AuthMD5Password:
				if len(payload) < 8 {
					return errors.New("invalid MD5 auth message")
				}
				var salt [4]byte
				copy(salt[:], payload[4:8])
				hash := pgwire.MD5Password(user, password, salt)

				passBuf := pgwire.NewBuffer(64)
				passBuf.WriteString(hash)
				if err := pgwire.WriteMessage(conn, pgwire.MsgPassword, passBuf.Bytes()); err != nil {
					return err
				}

			case pgwire.AuthSASL:
				mechanisms, err := pgwire.ParseAuthenticationSASL(payload[4:])
				if err != nil {
					return err
				}
				if err := session.ScramAuthenticate(conn, user, password, mechanisms); err != nil {
					return err
				}

			default:
				return fmt.Errorf("%w: type %d", pgwire.ErrUnsupportedAuth, authType)
			}

		case pgwire.MsgParameterStatus, pgwire.MsgBackendKeyData:
			continue

		case pgwire.MsgReadyForQuery:
			return nil

		case pgwire.MsgErrorResponse:
			return parseUpstreamError(payload)

		default:
			return fmt.Errorf("unexpected message type during auth: %c", msgType)
		}
	}
}

func parseUpstreamError(payload []byte) error {
	buf := pgwire.NewBuffer(len(payload))
	buf.WriteBytes(payload)
	buf.SetPosition(0)

	var message string
	for {
		fieldType, err := buf.ReadByte()
		if err != nil || fieldType == 0 {
			break
		}
		value, err := buf.ReadString()
		if err != nil {
			break
		}
		if fieldType == pgwire.FieldMessage {
			message = value
		}
	}
	if message == "" {
		message = "unknown upstream error"
	}
	return errors.New(message)
}

// relay runs the bidirectional stream multiplexer: the frontend (C4) and
// backend (C5) tasks share one session context and run until either
// direction fails, at which point both are torn down (§4.2, §5, §9
// "single-consumer shutdown notification").
func (p *Proxy) relay(client *pgwire.ClientConn, upstream net.Conn) {
	ctx, cancel := context.WithCancel(p.ctx)
	defer cancel()

	sess := session.NewContext(eql.KeysetID(p.cfg.Encrypt.DefaultKeyset))
	snapshot := func() *schema.Snapshot { return p.schema.Load() }

	fe := &frontend{client: client.NetConn(), upstream: upstream, sess: sess, snapshot: snapshot, enc: p.enc, idleTimeout: p.cfg.Upstream.IdleTimeout}
	be := &backend{upstream: upstream, client: client.NetConn(), sess: sess, enc: p.enc, idleTimeout: p.cfg.Upstream.IdleTimeout}

	done := make(chan error, 2)
	go func() { done <- fe.run(ctx) }()
	go func() { done <- be.run(ctx) }()

	<-done
	cancel()
	<-done
}
