// Package config loads and validates the daemon configuration from
// defaults, an optional YAML file, and FORMGUARD_-prefixed environment
// variables, in increasing order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration for formguard-server.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Log        LogConfig        `mapstructure:"log"`
	Engine     EngineConfig     `mapstructure:"engine"`
	AI         AIConfig         `mapstructure:"ai"`
	ClickHouse ClickHouseConfig `mapstructure:"clickhouse"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Bolt       BoltConfig       `mapstructure:"bolt"`
	Session    SessionConfig    `mapstructure:"session"`
	Auth       AuthConfig       `mapstructure:"auth"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// LogConfig mirrors observability.LogConfig field for field; the daemon
// copies it over at startup so neither package imports the other.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// EngineConfig tunes the correlation side of the analysis pipeline. Input
// retention is a fixed property of the buffer, not a knob.
type EngineConfig struct {
	CorrelationWindow time.Duration `mapstructure:"correlation_window"`
}

// AIConfig controls the secondary Gemini classifier. Timeout bounds one
// classification round trip as seen by the orchestrator.
type AIConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	APIKey            string        `mapstructure:"api_key"`
	Model             string        `mapstructure:"model"`
	Endpoint          string        `mapstructure:"endpoint"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerMinute float64       `mapstructure:"requests_per_minute"`
	Burst             int           `mapstructure:"burst"`
}

// ClickHouseConfig points at the detection-event store. An empty DSN
// disables event persistence and the events/analytics API.
type ClickHouseConfig struct {
	DSN string `mapstructure:"dsn"`
}

// PostgresConfig points at the profile/allowlist/preferences store. An
// empty DSN falls back to the bbolt file store.
type PostgresConfig struct {
	DSN string `mapstructure:"dsn"`
}

// BoltConfig locates the embedded fallback store.
type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// SessionConfig tunes per-tab session lifetimes.
type SessionConfig struct {
	TTL           time.Duration `mapstructure:"ttl"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// AuthConfig controls client-key authentication.
type AuthConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
}

// SetDefaults seeds v with the complete default configuration. Every key
// the daemon reads has a default here, which is also what lets
// AutomaticEnv discover the key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8976")
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age_days", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("engine.correlation_window", "500ms")

	v.SetDefault("ai.enabled", false)
	v.SetDefault("ai.api_key", "")
	v.SetDefault("ai.model", "gemini-2.0-flash")
	v.SetDefault("ai.endpoint", "")
	v.SetDefault("ai.timeout", "5s")
	v.SetDefault("ai.requests_per_minute", 30)
	v.SetDefault("ai.burst", 5)

	v.SetDefault("clickhouse.dsn", "")
	v.SetDefault("postgres.dsn", "")
	v.SetDefault("bolt.path", "formguard.db")

	v.SetDefault("session.ttl", "10m")
	v.SetDefault("session.sweep_interval", "1m")

	v.SetDefault("auth.enabled", true)
	v.SetDefault("auth.cache_ttl", "30s")
}

// Load builds the effective configuration. path names an explicit YAML
// file and must exist when given; an empty path runs on defaults and
// environment alone. FORMGUARD_ environment variables override both, with
// dots mapped to underscores (server.addr becomes FORMGUARD_SERVER_ADDR).
func Load(path string) (*Config, error) {
	v := viper.New()
	SetDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	v.SetEnvPrefix("FORMGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks for values the daemon cannot run with.
func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return err
	}
	if err := c.Log.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.AI.Validate(); err != nil {
		return err
	}
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if err := c.Auth.Validate(); err != nil {
		return err
	}
	if c.Postgres.DSN == "" && c.Bolt.Path == "" {
		return fmt.Errorf("either postgres.dsn or bolt.path must be set")
	}
	return nil
}

func (c ServerConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("server.addr must not be empty")
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("server.shutdown_timeout must be a positive duration")
	}
	return nil
}

func (c LogConfig) Validate() error {
	switch c.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be one of debug, info, warn, error")
	}
	switch c.Format {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	if c.MaxSizeMB < 0 || c.MaxBackups < 0 || c.MaxAgeDays < 0 {
		return fmt.Errorf("log rotation limits must not be negative")
	}
	return nil
}

func (c EngineConfig) Validate() error {
	if c.CorrelationWindow <= 0 {
		return fmt.Errorf("engine.correlation_window must be a positive duration")
	}
	if c.CorrelationWindow > 10*time.Second {
		return fmt.Errorf("engine.correlation_window cannot exceed the 10s input retention window")
	}
	return nil
}

// Validate checks the classifier knobs. A disabled classifier is always
// valid; an empty api_key with ai.enabled is not an error either, the
// daemon falls back to the stub classifier in that case.
func (c AIConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("ai.timeout must be a positive duration")
	}
	if c.RequestsPerMinute <= 0 {
		return fmt.Errorf("ai.requests_per_minute must be positive")
	}
	if c.Burst < 1 {
		return fmt.Errorf("ai.burst must be at least 1")
	}
	return nil
}

func (c SessionConfig) Validate() error {
	if c.TTL <= 0 {
		return fmt.Errorf("session.ttl must be a positive duration")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("session.sweep_interval must be a positive duration")
	}
	return nil
}

func (c AuthConfig) Validate() error {
	if c.Enabled && c.CacheTTL <= 0 {
		return fmt.Errorf("auth.cache_ttl must be a positive duration")
	}
	return nil
}
