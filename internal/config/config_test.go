package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8976", cfg.Server.Addr)
	assert.Equal(t, 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 500*time.Millisecond, cfg.Engine.CorrelationWindow)
	assert.False(t, cfg.AI.Enabled)
	assert.Equal(t, "gemini-2.0-flash", cfg.AI.Model)
	assert.Equal(t, 5*time.Second, cfg.AI.Timeout)
	assert.Empty(t, cfg.ClickHouse.DSN)
	assert.Empty(t, cfg.Postgres.DSN)
	assert.Equal(t, "formguard.db", cfg.Bolt.Path)
	assert.Equal(t, 10*time.Minute, cfg.Session.TTL)
	assert.Equal(t, time.Minute, cfg.Session.SweepInterval)
	assert.True(t, cfg.Auth.Enabled)
	assert.Equal(t, 30*time.Second, cfg.Auth.CacheTTL)
}

func TestLoadYAMLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formguard.yaml")
	yaml := []byte(`
server:
  addr: "127.0.0.1:9000"
engine:
  correlation_window: 750ms
ai:
  enabled: true
  api_key: test-key
session:
  ttl: 30m
`)
	require.NoError(t, os.WriteFile(path, yaml, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Server.Addr)
	assert.Equal(t, 750*time.Millisecond, cfg.Engine.CorrelationWindow)
	assert.True(t, cfg.AI.Enabled)
	assert.Equal(t, "test-key", cfg.AI.APIKey)
	assert.Equal(t, 30*time.Minute, cfg.Session.TTL)
	// Keys the file does not mention keep their defaults.
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "formguard.db", cfg.Bolt.Path)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read config")
}

func TestEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "formguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  addr: \":7000\"\n"), 0o600))

	t.Setenv("FORMGUARD_SERVER_ADDR", ":7001")
	t.Setenv("FORMGUARD_POSTGRES_DSN", "postgres://env@localhost/formguard")
	t.Setenv("FORMGUARD_SESSION_TTL", "2m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":7001", cfg.Server.Addr, "env must override the config file")
	assert.Equal(t, "postgres://env@localhost/formguard", cfg.Postgres.DSN)
	assert.Equal(t, 2*time.Minute, cfg.Session.TTL)
}

func TestLoadValidationFailure(t *testing.T) {
	t.Setenv("FORMGUARD_LOG_FORMAT", "xml")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
	assert.Contains(t, err.Error(), "log.format")
}

func TestValidation(t *testing.T) {
	base, err := Load("")
	require.NoError(t, err)
	require.NoError(t, base.Validate())

	t.Run("empty addr", func(t *testing.T) {
		cfg := *base
		cfg.Server.Addr = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server.addr")
	})

	t.Run("non-positive correlation window", func(t *testing.T) {
		cfg := *base
		cfg.Engine.CorrelationWindow = 0
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "engine.correlation_window")
	})

	t.Run("correlation window past retention", func(t *testing.T) {
		cfg := *base
		cfg.Engine.CorrelationWindow = time.Minute
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "cannot exceed")
	})

	t.Run("unknown log level", func(t *testing.T) {
		cfg := *base
		cfg.Log.Level = "verbose"
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "log.level")
	})

	t.Run("ai knobs checked only when enabled", func(t *testing.T) {
		cfg := *base
		cfg.AI.Enabled = false
		cfg.AI.Timeout = 0
		assert.NoError(t, cfg.Validate(), "disabled classifier config should always be valid")

		cfg.AI.Enabled = true
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "ai.timeout")
	})

	t.Run("no store configured", func(t *testing.T) {
		cfg := *base
		cfg.Postgres.DSN = ""
		cfg.Bolt.Path = ""
		err := cfg.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bolt.path")
	})
}
