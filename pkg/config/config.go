// Package config loads the configuration of the txbridge binaries from an
// optional YAML file overlaid with TXBRIDGE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/sushant-115/txbridge/pkg/logger"
	"github.com/sushant-115/txbridge/pkg/telemetry"
)

// EnvPrefix prefixes every environment override: server.listen_addr is read
// from TXBRIDGE_SERVER_LISTEN_ADDR.
const EnvPrefix = "TXBRIDGE"

// TLS modes.
const (
	TLSOff  = "off"
	TLSDev  = "dev"
	TLSMTLS = "mtls"
)

type Config struct {
	Server    ServerConfig     `mapstructure:"server"`
	Storage   StorageConfig    `mapstructure:"storage"`
	Version   VersionConfig    `mapstructure:"version"`
	Identity  IdentityConfig   `mapstructure:"identity"`
	Cursor    CursorConfig     `mapstructure:"cursor"`
	TLS       TLSConfig        `mapstructure:"tls"`
	Client    ClientConfig     `mapstructure:"client"`
	Logger    logger.Config    `mapstructure:"logger"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
}

type ServerConfig struct {
	ListenAddr         string        `mapstructure:"listen_addr"`
	RateLimit          float64       `mapstructure:"rate_limit"`
	RateBurst          int           `mapstructure:"rate_burst"`
	SessionIdleTimeout time.Duration `mapstructure:"session_idle_timeout"`
	BackupDir          string        `mapstructure:"backup_dir"`
	BackupBytesPerSec  int64         `mapstructure:"backup_bytes_per_sec"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
}

type StorageConfig struct {
	Path    string        `mapstructure:"path"`
	Timeout time.Duration `mapstructure:"timeout"`
	NoSync  bool          `mapstructure:"no_sync"`
	// EncryptionKey enables encryption at rest: 32/48/64 hex digits are used
	// as a raw AES key, anything else as a passphrase.
	EncryptionKey string `mapstructure:"encryption_key"`
}

// VersionConfig describes the deployed version served by the bridge.
type VersionConfig struct {
	ID           string `mapstructure:"id"`
	TypesFile    string `mapstructure:"types_file"`
	PoliciesFile string `mapstructure:"policies_file"`
}

type IdentityConfig struct {
	// TokenSecret verifies HS256 bearer tokens; empty disables token identity.
	TokenSecret string `mapstructure:"token_secret"`
}

type CursorConfig struct {
	// Workers bounds concurrent cursor advances; zero or less is unbounded.
	Workers int `mapstructure:"workers"`
}

type TLSConfig struct {
	Mode   string `mapstructure:"mode"`
	CACert string `mapstructure:"ca_cert"`
	Cert   string `mapstructure:"cert"`
	Key    string `mapstructure:"key"`
}

type ClientConfig struct {
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", "127.0.0.1:7070")
	v.SetDefault("server.rate_limit", 0.0)
	v.SetDefault("server.rate_burst", 100)
	v.SetDefault("server.session_idle_timeout", 10*time.Minute)
	v.SetDefault("server.backup_dir", "/tmp/txbridge/backups")
	v.SetDefault("server.backup_bytes_per_sec", int64(0))
	v.SetDefault("server.shutdown_timeout", 5*time.Second)

	v.SetDefault("storage.path", "/tmp/txbridge/bridge.db")
	v.SetDefault("storage.timeout", time.Second)
	v.SetDefault("storage.no_sync", false)
	v.SetDefault("storage.encryption_key", "")

	v.SetDefault("version.id", "dev")
	v.SetDefault("version.types_file", "")
	v.SetDefault("version.policies_file", "")

	v.SetDefault("identity.token_secret", "")
	v.SetDefault("cursor.workers", 64)

	v.SetDefault("tls.mode", TLSOff)
	v.SetDefault("tls.ca_cert", "")
	v.SetDefault("tls.cert", "")
	v.SetDefault("tls.key", "")

	v.SetDefault("client.addr", "127.0.0.1:7070")
	v.SetDefault("client.timeout", 10*time.Second)

	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "json")
	v.SetDefault("logger.output_file", "stderr")
	v.SetDefault("logger.sample_initial", 0)
	v.SetDefault("logger.sample_thereafter", 0)

	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "txbridge")
	v.SetDefault("telemetry.prometheus_addr", ":9464")
	v.SetDefault("telemetry.trace_sample_ratio", 1.0)
}

// Load reads path (when non-empty) and applies environment overrides on top
// of the defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot start with.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if c.Storage.Path == "" {
		errs = append(errs, errors.New("storage.path is required"))
	}
	if c.Version.ID == "" {
		errs = append(errs, errors.New("version.id is required"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}
	switch c.TLS.Mode {
	case TLSOff, TLSDev:
	case TLSMTLS:
		if c.TLS.CACert == "" || c.TLS.Cert == "" || c.TLS.Key == "" {
			errs = append(errs, errors.New("tls.mode mtls needs tls.ca_cert, tls.cert and tls.key"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown tls.mode %q", c.TLS.Mode))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
