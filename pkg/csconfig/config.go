// Package csconfig loads the proxy's TOML configuration file and applies
// environment-variable overrides: every field has a compiled default,
// may be set in the file, and may be overridden per-field by an env var.
package csconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// Server holds the proxy's own listen-side settings.
type Server struct {
	Host                 string        `toml:"host"`
	Port                 int           `toml:"port"`
	WorkerThreads        int           `toml:"worker_threads"`
	ShutdownTimeout      time.Duration `toml:"shutdown_timeout"`
	IdleTimeout          time.Duration `toml:"idle_timeout"`
	CipherCacheSize      int64         `toml:"cipher_cache_size"`
	CipherCacheTTLSecond int           `toml:"cipher_cache_ttl_seconds"`
	RequireTLS           bool          `toml:"require_tls"`
}

// Database holds the upstream PostgreSQL connection settings.
type Database struct {
	Host                  string        `toml:"host"`
	Port                  int           `toml:"port"`
	Name                  string        `toml:"name"`
	Username              string        `toml:"username"`
	Password              string        `toml:"password"`
	WithTLSVerification   bool          `toml:"with_tls_verification"`
	ConfigReloadInterval  time.Duration `toml:"config_reload_interval"`
}

// TLS holds client-facing TLS material. Either the
// inline PEM or a filesystem path may be given for each of certificate
// and private key; the inline form wins if both are set.
type TLS struct {
	CertificatePEM  string `toml:"certificate_pem"`
	CertificatePath string `toml:"certificate_path"`
	PrivateKeyPEM   string `toml:"private_key_pem"`
	PrivateKeyPath  string `toml:"private_key_path"`
}

// Encrypt holds EQL/KMS related settings.
type Encrypt struct {
	ClientID             string `toml:"client_id"`
	ClientKey            string `toml:"client_key"`
	DefaultKeysetID       string `toml:"default_keyset_id"`
	MappingErrorsEnabled bool   `toml:"mapping_errors_enabled"`
	MappingDisabled      bool   `toml:"mapping_disabled"`
}

// Auth holds workspace-level credentials used to build the KMS client
// assertion.
type Auth struct {
	WorkspaceID     string `toml:"workspace_id"`
	ClientAccessKey string `toml:"client_access_key"`
}

// Config is the full decoded configuration surface.
type Config struct {
	Server   Server   `toml:"server"`
	Database Database `toml:"database"`
	TLS      TLS      `toml:"tls"`
	Encrypt  Encrypt  `toml:"encrypt"`
	Auth     Auth     `toml:"auth"`
}

// defaults returns a Config pre-populated with the proxy's compiled-in
// defaults, before TOML decode and env overrides are applied.
func defaults() Config {
	return Config{
		Server: Server{
			Host:                 "0.0.0.0",
			Port:                 6432,
			WorkerThreads:        0, // 0 == GOMAXPROCS
			ShutdownTimeout:      30 * time.Second,
			IdleTimeout:          0, // 0 disables the per-connection idle timeout
			CipherCacheSize:      10_000,
			CipherCacheTTLSecond: 300,
			RequireTLS:           false,
		},
		Database: Database{
			// Host is deliberately left empty: there is no sane default
			// upstream, so validate() rejects a config that never names one.
			Port:                 5432,
			ConfigReloadInterval: 60 * time.Second,
		},
	}
}

// Load decodes path into a Config seeded with defaults, then applies
// CSPROXY_<SECTION>_<KEY> environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaults()
	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, csproxyerr.Wrap(csproxyerr.KindConfiguration, "", "failed to decode config file "+path, err)
		}
	}
	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	if err := validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envOverrides lists every override this proxy recognizes, named
// CSPROXY_<SECTION>_<KEY> (uppercased, dots become underscores).
var envOverrides = []struct {
	name string
	set  func(*Config, string) error
}{
	{"CSPROXY_SERVER_HOST", func(c *Config, v string) error { c.Server.Host = v; return nil }},
	{"CSPROXY_SERVER_PORT", intSetter(func(c *Config) *int { return &c.Server.Port })},
	{"CSPROXY_SERVER_REQUIRE_TLS", boolSetter(func(c *Config) *bool { return &c.Server.RequireTLS })},
	{"CSPROXY_DATABASE_HOST", func(c *Config, v string) error { c.Database.Host = v; return nil }},
	{"CSPROXY_DATABASE_PORT", intSetter(func(c *Config) *int { return &c.Database.Port })},
	{"CSPROXY_DATABASE_NAME", func(c *Config, v string) error { c.Database.Name = v; return nil }},
	{"CSPROXY_DATABASE_USERNAME", func(c *Config, v string) error { c.Database.Username = v; return nil }},
	{"CSPROXY_DATABASE_PASSWORD", func(c *Config, v string) error { c.Database.Password = v; return nil }},
	{"CSPROXY_ENCRYPT_CLIENT_ID", func(c *Config, v string) error { c.Encrypt.ClientID = v; return nil }},
	{"CSPROXY_ENCRYPT_CLIENT_KEY", func(c *Config, v string) error { c.Encrypt.ClientKey = v; return nil }},
	{"CSPROXY_ENCRYPT_DEFAULT_KEYSET_ID", func(c *Config, v string) error { c.Encrypt.DefaultKeysetID = v; return nil }},
	{"CSPROXY_ENCRYPT_MAPPING_DISABLED", boolSetter(func(c *Config) *bool { return &c.Encrypt.MappingDisabled })},
	{"CSPROXY_AUTH_WORKSPACE_ID", func(c *Config, v string) error { c.Auth.WorkspaceID = v; return nil }},
	{"CSPROXY_AUTH_CLIENT_ACCESS_KEY", func(c *Config, v string) error { c.Auth.ClientAccessKey = v; return nil }},
	{"CSPROXY_TLS_CERTIFICATE_PATH", func(c *Config, v string) error { c.TLS.CertificatePath = v; return nil }},
	{"CSPROXY_TLS_PRIVATE_KEY_PATH", func(c *Config, v string) error { c.TLS.PrivateKeyPath = v; return nil }},
}

func intSetter(field func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("not an integer: %q", v)
		}
		*field(c) = n
		return nil
	}
}

func boolSetter(field func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("not a boolean: %q", v)
		}
		*field(c) = b
		return nil
	}
}

func applyEnvOverrides(cfg *Config) error {
	for _, o := range envOverrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.set(cfg, v); err != nil {
			return csproxyerr.Wrap(csproxyerr.KindConfiguration, "", "invalid value for "+o.name, err)
		}
	}
	return nil
}

func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return csproxyerr.New(csproxyerr.KindConfiguration, "", "server.port out of range").WithDetail(fmt.Sprintf("got %d", cfg.Server.Port))
	}
	if cfg.Database.Host == "" {
		return csproxyerr.ErrConfigMissingField.WithDetail("database.host")
	}
	if cfg.Server.RequireTLS && cfg.TLS.CertificatePEM == "" && cfg.TLS.CertificatePath == "" {
		return csproxyerr.ErrConfigMissingField.WithDetail("tls.certificate_pem or tls.certificate_path required when server.require_tls is set")
	}
	return nil
}

// NetworkSettingsChanged reports whether any field that requires a
// process restart to take effect differs
// between old and new.
func NetworkSettingsChanged(oldCfg, newCfg *Config) bool {
	return oldCfg.Server.Host != newCfg.Server.Host ||
		oldCfg.Server.Port != newCfg.Server.Port ||
		oldCfg.Server.WorkerThreads != newCfg.Server.WorkerThreads ||
		oldCfg.TLS != newCfg.TLS
}
