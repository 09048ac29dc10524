// Package config handles application configuration loading and validation.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// Upstream database the proxy authenticates to and relays traffic toward.
	Upstream UpstreamConfig `mapstructure:"upstream"`

	// Client-facing listener settings.
	Proxy ProxyConfig `mapstructure:"proxy"`

	// Schema and encryption-configuration snapshot refresh (C6).
	Schema SchemaConfig `mapstructure:"schema"`

	// Searchable-encryption pipeline (C9).
	Encrypt EncryptConfig `mapstructure:"encrypt"`

	// Logging
	Log LogConfig `mapstructure:"log"`
}

type UpstreamConfig struct {
	Addr           string        `mapstructure:"addr"`
	Database       string        `mapstructure:"database"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	IdleTimeout    time.Duration `mapstructure:"idle_timeout"`
	TLSMode        string        `mapstructure:"tls_mode"` // "disable", "prefer", "require", "verify-full"
}

type ProxyConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr"`
	MaxConnections  int           `mapstructure:"max_connections"`
	ConnectionTimeout time.Duration `mapstructure:"connection_timeout"`
	RequireClientTLS bool        `mapstructure:"require_client_tls"`
	TLSCertFile     string        `mapstructure:"tls_cert_file"`
	TLSKeyFile      string        `mapstructure:"tls_key_file"`
}

// SchemaConfig controls the background refresh of the schema and
// encryption-configuration snapshots (§4.6).
type SchemaConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`

	// RetryBaseDelay/RetryMaxDelay/RetryAttempts govern the startup retry
	// loop that tolerates the database starting concurrently with the proxy.
	RetryBaseDelay time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay  time.Duration `mapstructure:"retry_max_delay"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`

	// EncryptedTypeNames names the column type sentinels that mark a column
	// as encrypted. The source schema carries both a current and a legacy
	// name; treating this as configuration avoids silently treating
	// renamed or future sentinels as native (§9 Open Questions).
	EncryptedTypeNames []string `mapstructure:"encrypted_type_names"`

	// ConfigurationTable is the well-known table the encryption
	// configuration is loaded from.
	ConfigurationTable string `mapstructure:"configuration_table"`
}

// EncryptConfig controls the encryption service (C9) and its keyset
// handling.
type EncryptConfig struct {
	DefaultKeyset string `mapstructure:"default_keyset"`

	// DevRootSecretFile points at a file whose contents seed the built-in
	// development KMS client. A real deployment replaces the KMS client
	// entirely; this only exists so the proxy is runnable standalone.
	DevRootSecretFile string `mapstructure:"dev_root_secret_file"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Upstream: UpstreamConfig{
			ConnectTimeout: 10 * time.Second,
			IdleTimeout:    5 * time.Minute,
			TLSMode:        "prefer",
		},
		Proxy: ProxyConfig{
			ListenAddr:        ":6432",
			MaxConnections:    100,
			ConnectionTimeout: 30 * time.Second,
		},
		Schema: SchemaConfig{
			RefreshInterval:    30 * time.Second,
			RetryBaseDelay:     100 * time.Millisecond,
			RetryMaxDelay:      2 * time.Second,
			RetryAttempts:      10,
			EncryptedTypeNames: []string{"eql_v2_encrypted", "cs_encrypted_v1"},
			ConfigurationTable: "eql_v2_configuration",
		},
		Encrypt: EncryptConfig{
			DefaultKeyset: "",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pgproxy"
	}
	return filepath.Join(home, ".pgproxy")
}

// Load loads configuration from file, env vars, and flags.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("upstream.connect_timeout", defaults.Upstream.ConnectTimeout)
	v.SetDefault("upstream.idle_timeout", defaults.Upstream.IdleTimeout)
	v.SetDefault("upstream.tls_mode", defaults.Upstream.TLSMode)
	v.SetDefault("proxy.listen_addr", defaults.Proxy.ListenAddr)
	v.SetDefault("proxy.max_connections", defaults.Proxy.MaxConnections)
	v.SetDefault("proxy.connection_timeout", defaults.Proxy.ConnectionTimeout)
	v.SetDefault("schema.refresh_interval", defaults.Schema.RefreshInterval)
	v.SetDefault("schema.retry_base_delay", defaults.Schema.RetryBaseDelay)
	v.SetDefault("schema.retry_max_delay", defaults.Schema.RetryMaxDelay)
	v.SetDefault("schema.retry_attempts", defaults.Schema.RetryAttempts)
	v.SetDefault("schema.encrypted_type_names", defaults.Schema.EncryptedTypeNames)
	v.SetDefault("schema.configuration_table", defaults.Schema.ConfigurationTable)
	v.SetDefault("encrypt.default_keyset", defaults.Encrypt.DefaultKeyset)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.format", defaults.Log.Format)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath(defaultDataDir())
		v.AddConfigPath("/etc/pgproxy")
	}

	v.SetEnvPrefix("pgproxy")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var configFileNotFoundError viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFoundError) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	return &cfg, nil
}

// Save writes the config to a file.
func (c *Config) Save(path string) error {
	v := viper.New()
	v.Set("upstream", c.Upstream)
	v.Set("proxy", c.Proxy)
	v.Set("schema", c.Schema)
	v.Set("encrypt", c.Encrypt)
	v.Set("log", c.Log)

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	return v.WriteConfigAs(path)
}

// Validate checks if the config is valid.
func (c *Config) Validate() error {
	if c.Upstream.Addr == "" {
		return fmt.Errorf("upstream.addr is required")
	}
	if c.Proxy.ListenAddr == "" {
		return fmt.Errorf("proxy.listen_addr is required")
	}
	if len(c.Schema.EncryptedTypeNames) == 0 {
		return fmt.Errorf("schema.encrypted_type_names must not be empty")
	}
	return nil
}
