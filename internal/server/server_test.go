package server

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/cipherstash/pgproxy/internal/config"
	"github.com/cipherstash/pgproxy/internal/pgwire"
)

func testConfig() *config.Config {
	return &config.Config{
		Upstream: config.UpstreamConfig{Addr: "localhost:5432", User: "app", Password: "secret"},
	}
}

func TestAuthenticateAcceptsCorrectPassword(t *testing.T) {
	s := New(testConfig())
	salt := [4]byte{1, 2, 3, 4}
	response := pgwire.MD5Password("app", "secret", salt)

	if err := s.authenticate("app", "mydb", response, salt); err != nil {
		t.Errorf("authenticate: %v", err)
	}
}

func TestAuthenticateRejectsWrongPassword(t *testing.T) {
	s := New(testConfig())
	salt := [4]byte{1, 2, 3, 4}
	response := pgwire.MD5Password("app", "wrong-secret", salt)

	if err := s.authenticate("app", "mydb", response, salt); err == nil {
		t.Error("expected authenticate to reject a response computed with the wrong password")
	}
}

func TestAuthenticateRejectsUnknownUser(t *testing.T) {
	s := New(testConfig())
	salt := [4]byte{1, 2, 3, 4}
	response := pgwire.MD5Password("someone-else", "secret", salt)

	if err := s.authenticate("someone-else", "mydb", response, salt); err == nil {
		t.Error("expected authenticate to reject a user other than the configured upstream user")
	}
}

func TestAuthenticateAllowsAnyUserWhenUnconfigured(t *testing.T) {
	cfg := testConfig()
	cfg.Upstream.User = ""
	s := New(cfg)
	salt := [4]byte{1, 2, 3, 4}
	response := pgwire.MD5Password("whoever", "secret", salt)

	if err := s.authenticate("whoever", "mydb", response, salt); err != nil {
		t.Errorf("authenticate: %v", err)
	}
}

func TestBuildKMSFromRootSecretFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "root-secret")
	if err := os.WriteFile(path, []byte("  my-root-secret\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg := testConfig()
	cfg.Encrypt.DevRootSecretFile = path
	s := New(cfg)

	kms, err := s.buildKMS()
	if err != nil {
		t.Fatalf("buildKMS: %v", err)
	}
	if kms == nil {
		t.Fatal("expected a non-nil DevKMS client")
	}
}

func TestBuildKMSFallsBackToEphemeralSecret(t *testing.T) {
	s := New(testConfig())
	kms, err := s.buildKMS()
	if err != nil {
		t.Fatalf("buildKMS: %v", err)
	}
	if kms == nil {
		t.Fatal("expected a non-nil DevKMS client")
	}
}

func TestBuildKMSMissingSecretFile(t *testing.T) {
	cfg := testConfig()
	cfg.Encrypt.DevRootSecretFile = filepath.Join(t.TempDir(), "does-not-exist")
	s := New(cfg)

	if _, err := s.buildKMS(); err == nil {
		t.Error("expected an error when the configured root secret file is missing")
	}
}

func TestUpstreamDSN(t *testing.T) {
	up := config.UpstreamConfig{Addr: "db.internal:5433", Database: "appdb", User: "app", Password: "secret", TLSMode: "require"}
	dsn := upstreamDSN(up)

	for _, want := range []string{"host=db.internal", "port=5433", "dbname=appdb", "user=app", "password=secret", "sslmode=require"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
}

func TestUpstreamDSNDefaultPort(t *testing.T) {
	dsn := upstreamDSN(config.UpstreamConfig{Addr: "db.internal"})
	if !strings.Contains(dsn, "port=5432") {
		t.Errorf("dsn %q should default to port 5432", dsn)
	}
}

func TestAddrAndConnectionCountBeforeStart(t *testing.T) {
	s := New(testConfig())
	if got := s.Addr(); got != "" {
		t.Errorf("Addr() before Start = %q, want empty", got)
	}
	if got := s.ConnectionCount(); got != 0 {
		t.Errorf("ConnectionCount() before Start = %d, want 0", got)
	}
	if got := s.EncryptionStats(); got.Requests != 0 {
		t.Errorf("EncryptionStats() before Start = %+v", got)
	}
}
