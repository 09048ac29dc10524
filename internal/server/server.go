// Package server wires the proxy's collaborators together: the upstream
// connection pool, the schema/encryption-configuration cache (C6), the
// encryption service (C9), and the wire-protocol proxy itself (C2/C4/C5).
package server

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cipherstash/pgproxy/internal/config"
	"github.com/cipherstash/pgproxy/internal/encrypt"
	"github.com/cipherstash/pgproxy/internal/eql"
	"github.com/cipherstash/pgproxy/internal/pgwire"
	"github.com/cipherstash/pgproxy/internal/proxy"
	"github.com/cipherstash/pgproxy/internal/schema"
	"github.com/cipherstash/pgproxy/pkg/logger"
)

// Server orchestrates the proxy's collaborators: the schema cache, the
// encryption service, and the wire-protocol proxy.
type Server struct {
	cfg *config.Config

	pool       *pgxpool.Pool
	schema     *schema.Cache
	encryption *encrypt.Service
	proxy      *proxy.Proxy
}

// New creates a Server from cfg. Call Start to bring up its collaborators.
func New(cfg *config.Config) *Server {
	return &Server{cfg: cfg}
}

// Start connects the upstream pool, performs the initial schema load,
// builds the encryption service, and starts accepting client connections.
func (s *Server) Start(ctx context.Context) error {
	poolCfg, err := pgxpool.ParseConfig(upstreamDSN(s.cfg.Upstream))
	if err != nil {
		return fmt.Errorf("parsing upstream dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return fmt.Errorf("connecting to upstream: %w", err)
	}
	s.pool = pool

	schemaCache := schema.NewCache(
		pool,
		s.cfg.Schema.ConfigurationTable,
		s.cfg.Schema.EncryptedTypeNames,
		s.cfg.Schema.RefreshInterval,
		s.cfg.Schema.RetryBaseDelay,
		s.cfg.Schema.RetryMaxDelay,
		s.cfg.Schema.RetryAttempts,
	)
	if err := schemaCache.Start(ctx); err != nil {
		pool.Close()
		return fmt.Errorf("loading schema: %w", err)
	}
	s.schema = schemaCache

	kms, err := s.buildKMS()
	if err != nil {
		schemaCache.Stop()
		pool.Close()
		return fmt.Errorf("building kms client: %w", err)
	}
	if err := kms.ResolveKeyset(ctx, eql.KeysetID(s.cfg.Encrypt.DefaultKeyset)); err != nil {
		schemaCache.Stop()
		pool.Close()
		return fmt.Errorf("resolving default keyset: %w", err)
	}
	s.encryption = encrypt.New(kms)

	p, err := proxy.New(s.cfg, schemaCache, s.encryption)
	if err != nil {
		schemaCache.Stop()
		pool.Close()
		return fmt.Errorf("building proxy: %w", err)
	}
	p.Authenticate = s.authenticate
	s.proxy = p

	if err := p.Start(); err != nil {
		schemaCache.Stop()
		pool.Close()
		return fmt.Errorf("starting proxy: %w", err)
	}

	logger.Info("server started", "listen", p.Addr(), "upstream", s.cfg.Upstream.Addr)
	return nil
}

// Stop gracefully tears down the proxy and its collaborators.
func (s *Server) Stop() error {
	var firstErr error

	if s.proxy != nil {
		if err := s.proxy.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if s.schema != nil {
		s.schema.Stop()
	}
	if s.pool != nil {
		s.pool.Close()
	}

	return firstErr
}

// Addr returns the proxy's listen address.
func (s *Server) Addr() string {
	if s.proxy != nil && s.proxy.Addr() != nil {
		return s.proxy.Addr().String()
	}
	return ""
}

// ConnectionCount returns the number of active client connections.
func (s *Server) ConnectionCount() int64 {
	if s.proxy == nil {
		return 0
	}
	return s.proxy.ConnectionCount()
}

// EncryptionStats returns a snapshot of the encryption service's counters.
func (s *Server) EncryptionStats() encrypt.Stats {
	if s.encryption == nil {
		return encrypt.Stats{}
	}
	return s.encryption.Stats()
}

// authenticate validates a client's MD5 challenge response against the
// upstream credentials configured for the proxy. A real deployment would
// consult its own credential store independent of the upstream password;
// reusing the upstream credential here keeps the proxy runnable standalone
// without inventing a second credential store (§9 Open Questions).
func (s *Server) authenticate(user, database, response string, salt [4]byte) error {
	if s.cfg.Upstream.User != "" && user != s.cfg.Upstream.User {
		return fmt.Errorf("unknown user %q", user)
	}
	want := pgwire.MD5Password(user, s.cfg.Upstream.Password, salt)
	if response != want {
		return fmt.Errorf("password authentication failed for user %q", user)
	}
	return nil
}

// buildKMS constructs the development KMS client from the configured root
// secret file, or a process-local random secret if none is configured.
// Wiring a production KMS client is out of scope; DevKMS exists only so
// the proxy is runnable standalone (§6).
func (s *Server) buildKMS() (*encrypt.DevKMS, error) {
	if s.cfg.Encrypt.DevRootSecretFile == "" {
		logger.Warn("no dev_root_secret_file configured, using a random ephemeral root secret")
		secret := make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return nil, err
		}
		return encrypt.NewDevKMS(secret), nil
	}

	secret, err := os.ReadFile(s.cfg.Encrypt.DevRootSecretFile) //nolint:gosec // operator-configured path
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.cfg.Encrypt.DevRootSecretFile, err)
	}
	return encrypt.NewDevKMS([]byte(strings.TrimSpace(string(secret)))), nil
}

// upstreamDSN builds a pgx connection string from the upstream config.
func upstreamDSN(up config.UpstreamConfig) string {
	var b strings.Builder
	fmt.Fprintf(&b, "host=%s", hostOf(up.Addr))
	fmt.Fprintf(&b, " port=%s", portOf(up.Addr))
	if up.Database != "" {
		fmt.Fprintf(&b, " dbname=%s", up.Database)
	}
	if up.User != "" {
		fmt.Fprintf(&b, " user=%s", up.User)
	}
	if up.Password != "" {
		fmt.Fprintf(&b, " password=%s", up.Password)
	}
	if up.TLSMode != "" {
		fmt.Fprintf(&b, " sslmode=%s", up.TLSMode)
	}
	return b.String()
}

func hostOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[:i]
	}
	return addr
}

func portOf(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i+1:]
	}
	return "5432"
}
