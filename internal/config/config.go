// Package config loads the relay daemon's configuration from a TOML file,
// with environment variables overriding the secret-bearing fields.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// DefaultConfigPath is where the daemon looks for its config when --config is
// not given.
const DefaultConfigPath = "/etc/simbridge/config.toml"

// Defaults applied for unset optional fields.
const (
	DefaultListenAddr    = ":8080"
	DefaultDatabasePath  = "/var/lib/simbridge/relay.db"
	DefaultRetentionDays = 90
	DefaultLogLevel      = "info"
)

// ErrMissingJWTSecret is returned by Load when no signing secret is
// configured. The daemon refuses to start without one.
var ErrMissingJWTSecret = errors.New("jwt secret is not configured (set auth.jwt_secret or JWT_SECRET)")

// Config is the top-level configuration for simbridged. It is persisted as a
// TOML file, normally written by `simbridged init`.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Auth     AuthConfig     `toml:"auth"`
	History  HistoryConfig  `toml:"history"`
	Log      LogConfig      `toml:"log"`
}

// ServerConfig controls the HTTP front door.
type ServerConfig struct {
	// ListenAddr is the address the REST and WebSocket listener binds to.
	ListenAddr string `toml:"listen_addr"`
}

// DatabaseConfig locates the SQLite database.
type DatabaseConfig struct {
	// Path is the SQLite database file. Parent directories must exist.
	Path string `toml:"path"`
}

// AuthConfig holds the token-signing secret and the optional external
// identity provider.
type AuthConfig struct {
	// JWTSecret signs session tokens. Required; there is no default.
	JWTSecret string `toml:"jwt_secret"`

	// GoogleClientID enables Google sign-in when set. Assertions are verified
	// against this audience.
	GoogleClientID string `toml:"google_client_id,omitempty"`
}

// HistoryConfig controls message log retention.
type HistoryConfig struct {
	// RetentionDays is how long forwarded messages stay queryable.
	RetentionDays int `toml:"retention_days"`
}

// LogConfig controls daemon logging.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `toml:"level"`
}

// DefaultConfig returns a Config populated with defaults. The JWT secret is
// left empty and must be supplied by the operator.
func DefaultConfig() *Config {
	return &Config{
		Server:   ServerConfig{ListenAddr: DefaultListenAddr},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		History:  HistoryConfig{RetentionDays: DefaultRetentionDays},
		Log:      LogConfig{Level: DefaultLogLevel},
	}
}

// Load reads the TOML file at path, applies environment overrides and
// defaults, and validates the result. A missing file is an error; a missing
// JWT secret is ErrMissingJWTSecret.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("config file not found: %w", err)
		}
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	applyEnv(cfg)
	applyDefaults(cfg)
	if cfg.Auth.JWTSecret == "" {
		return nil, ErrMissingJWTSecret
	}
	return cfg, nil
}

// Save encodes the config as TOML at path, creating parent directories. The
// file is written 0600 since it contains the signing secret.
func Save(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("creating config directory %s: %w", dir, err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("creating config file %s: %w", path, err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	return nil
}

// applyEnv overrides file values from the environment. Secrets are expected
// to arrive this way in containerized deployments.
func applyEnv(cfg *Config) {
	if v := os.Getenv("JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.GoogleClientID = v
	}
	if v := os.Getenv("DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("LOG_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil && days > 0 {
			cfg.History.RetentionDays = days
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.History.RetentionDays <= 0 {
		cfg.History.RetentionDays = DefaultRetentionDays
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}
