package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessiond/internal/domain"
)

func TestDefaultsValidate(t *testing.T) {
	assert.NoError(t, Validate(Defaults()))
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.Sessions.MaxSessions)
	assert.Equal(t, "claude-worker", cfg.Worker.Command)
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessiond.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logger:
  level: debug
  format: json
sessions:
  max_sessions: 42
  defaults:
    max_idle_time: 10m
worker:
  command: /usr/local/bin/worker
  response_timeout: 90s
recovery:
  retry:
    max_attempts: 5
queue:
  enabled: true
  path: /tmp/q.db
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logger.Level)
	assert.Equal(t, "json", cfg.Logger.Format)
	assert.Equal(t, 42, cfg.Sessions.MaxSessions)
	assert.Equal(t, 10*time.Minute, cfg.Sessions.Defaults.MaxIdleTime)
	assert.Equal(t, "/usr/local/bin/worker", cfg.Worker.Command)
	assert.Equal(t, 90*time.Second, cfg.Worker.ResponseTimeout)
	assert.Equal(t, 5, cfg.Recovery.Retry.MaxAttempts)
	assert.True(t, cfg.Queue.Enabled)
	assert.Equal(t, "/tmp/q.db", cfg.Queue.Path)

	// Untouched sections keep their defaults.
	assert.Equal(t, 30*time.Second, cfg.Recovery.Retry.MaxDelay)
	assert.Equal(t, 5, cfg.Recovery.BreakerThreshold)
}

func TestLoadMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logger: [not a mapping"), 0600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SESSIOND_LOGGER_LEVEL", "warn")
	t.Setenv("SESSIOND_WORKER_COMMAND", "/opt/worker")
	t.Setenv("SESSIOND_MAX_SESSIONS", "7")
	t.Setenv("SESSIOND_RESPONSE_TIMEOUT", "45s")
	t.Setenv("SESSIOND_QUEUE_PATH", "/var/lib/sessiond/q.db")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "warn", cfg.Logger.Level)
	assert.Equal(t, "/opt/worker", cfg.Worker.Command)
	assert.Equal(t, 7, cfg.Sessions.MaxSessions)
	assert.Equal(t, 45*time.Second, cfg.Worker.ResponseTimeout)
	assert.Equal(t, "/var/lib/sessiond/q.db", cfg.Queue.Path)
}

func TestEnvOverrideIgnoresGarbage(t *testing.T) {
	t.Setenv("SESSIOND_MAX_SESSIONS", "-3")
	t.Setenv("SESSIOND_RESPONSE_TIMEOUT", "soon")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Sessions.MaxSessions)
	assert.Equal(t, 5*time.Minute, cfg.Worker.ResponseTimeout)
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max sessions", func(c *Config) { c.Sessions.MaxSessions = 0 }},
		{"zero concurrency default", func(c *Config) { c.Sessions.Defaults.MaxConcurrentCommands = 0 }},
		{"bad permission mode", func(c *Config) { c.Sessions.Defaults.PermissionMode = "yolo" }},
		{"empty worker command", func(c *Config) { c.Worker.Command = "" }},
		{"zero retry attempts", func(c *Config) { c.Recovery.Retry.MaxAttempts = 0 }},
		{"multiplier below one", func(c *Config) { c.Recovery.Retry.BackoffMultiplier = 0.5 }},
		{"zero breaker threshold", func(c *Config) { c.Recovery.BreakerThreshold = 0 }},
		{"zero history limit", func(c *Config) { c.Recovery.HistoryLimit = 0 }},
		{"unknown cache backend", func(c *Config) { c.Cache.Backend = "memcached" }},
		{"redis without url", func(c *Config) {
			c.Cache.Enabled = true
			c.Cache.Backend = "redis"
			c.Cache.RedisURL = ""
		}},
		{"unknown recovery category", func(c *Config) {
			c.Recovery.Categories = map[string]CategoryConfig{"cosmic": {}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			assert.Error(t, Validate(cfg))
		})
	}
}

func TestKnownCategoryOverridesAccepted(t *testing.T) {
	cfg := Defaults()
	cfg.Recovery.Categories = map[string]CategoryConfig{
		"timeout": {MaxAttempts: 5},
		"system":  {Disabled: true},
	}
	assert.NoError(t, Validate(cfg))
}

func TestApplySessionDefaults(t *testing.T) {
	defaults := Defaults().Sessions.Defaults

	t.Run("fills zero fields", func(t *testing.T) {
		got := ApplySessionDefaults(domain.SessionConfig{}, defaults)
		assert.Equal(t, defaults, got)
	})

	t.Run("keeps caller values", func(t *testing.T) {
		in := domain.SessionConfig{
			WorkDir:               "/srv/project",
			PermissionMode:        domain.PermissionPlan,
			MaxIdleTime:           time.Minute,
			MaxLifetime:           time.Hour,
			MaxConcurrentCommands: 1,
		}
		assert.Equal(t, in, ApplySessionDefaults(in, defaults))
	})

	t.Run("fills per field", func(t *testing.T) {
		in := domain.SessionConfig{WorkDir: "/srv/project"}
		got := ApplySessionDefaults(in, defaults)
		assert.Equal(t, "/srv/project", got.WorkDir)
		assert.Equal(t, defaults.PermissionMode, got.PermissionMode)
		assert.Equal(t, defaults.MaxConcurrentCommands, got.MaxConcurrentCommands)
	})
}
