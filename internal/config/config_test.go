package config

import (
	"path/filepath"
	"testing"
)

func TestValidateRequiresUpstreamAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Addr = ""
	cfg.Proxy.ListenAddr = ":6432"

	if err := cfg.Validate(); err == nil {
		t.Error("expected an error when upstream.addr is empty")
	}
}

func TestValidateRequiresProxyListenAddr(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Addr = "localhost:5432"
	cfg.Proxy.ListenAddr = ""

	if err := cfg.Validate(); err == nil {
		t.Error("expected an error when proxy.listen_addr is empty")
	}
}

func TestValidateRequiresEncryptedTypeNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Addr = "localhost:5432"
	cfg.Schema.EncryptedTypeNames = nil

	if err := cfg.Validate(); err == nil {
		t.Error("expected an error when schema.encrypted_type_names is empty")
	}
}

func TestValidateAcceptsDefaultConfigPlusUpstream(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Upstream.Addr = "localhost:5432"

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(filepath.Join(dir, "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Proxy.ListenAddr != DefaultConfig().Proxy.ListenAddr {
		t.Errorf("ListenAddr = %q, want the default %q", cfg.Proxy.ListenAddr, DefaultConfig().Proxy.ListenAddr)
	}
	if cfg.Schema.ConfigurationTable != DefaultConfig().Schema.ConfigurationTable {
		t.Errorf("ConfigurationTable = %q, want the default", cfg.Schema.ConfigurationTable)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	cfg := DefaultConfig()
	cfg.Upstream.Addr = "db.internal:5432"
	cfg.Upstream.User = "app"
	cfg.Encrypt.DefaultKeyset = "11111111-1111-1111-1111-111111111111"

	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Upstream.Addr != cfg.Upstream.Addr {
		t.Errorf("Upstream.Addr = %q, want %q", loaded.Upstream.Addr, cfg.Upstream.Addr)
	}
	if loaded.Upstream.User != cfg.Upstream.User {
		t.Errorf("Upstream.User = %q, want %q", loaded.Upstream.User, cfg.Upstream.User)
	}
	if loaded.Encrypt.DefaultKeyset != cfg.Encrypt.DefaultKeyset {
		t.Errorf("Encrypt.DefaultKeyset = %q, want %q", loaded.Encrypt.DefaultKeyset, cfg.Encrypt.DefaultKeyset)
	}
}
