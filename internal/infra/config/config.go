package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"sessiond/internal/domain"
)

// Config is the top-level daemon configuration.
type Config struct {
	Logger   LoggerConfig   `yaml:"logger"`
	Tracer   TracerConfig   `yaml:"tracer"`
	Sessions SessionsConfig `yaml:"sessions"`
	Worker   WorkerConfig   `yaml:"worker"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Queue    QueueConfig    `yaml:"queue"`
	Cache    CacheConfig    `yaml:"cache"`
}

// LoggerConfig holds structured logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds OpenTelemetry settings.
type TracerConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // "stdout" or "noop"
}

// SessionsConfig holds the session pool settings.
type SessionsConfig struct {
	// MaxSessions caps active+idle sessions system-wide.
	MaxSessions int `yaml:"max_sessions"`
	// AutoCleanup enables the per-session idle/lifetime timers.
	AutoCleanup bool `yaml:"auto_cleanup"`
	// CleanupInterval is the period of the global cleanup sweep.
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	// Defaults are applied to session configs field-by-field where the
	// caller left the zero value.
	Defaults domain.SessionConfig `yaml:"defaults"`
	// CommandRate/CommandBurst bound system-wide command admission
	// (commands per second; 0 disables the limiter).
	CommandRate  float64 `yaml:"command_rate"`
	CommandBurst int     `yaml:"command_burst"`
	// SpawnBreaker guards worker process creation per working directory.
	SpawnBreaker SpawnBreakerConfig `yaml:"spawn_breaker"`
}

// SpawnBreakerConfig configures the worker-spawn circuit breaker.
type SpawnBreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// WorkerConfig describes how to launch and talk to worker subprocesses.
type WorkerConfig struct {
	Command         string        `yaml:"command"`
	Args            []string      `yaml:"args"`
	ReadyTimeout    time.Duration `yaml:"ready_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// ResponseTimeout bounds prompt commands; ControlTimeout bounds the
	// shorter status/shutdown round-trips.
	ResponseTimeout time.Duration `yaml:"response_timeout"`
	ControlTimeout  time.Duration `yaml:"control_timeout"`
	StderrBufferMax int           `yaml:"stderr_buffer_max"`
}

// RetryConfig parameterizes exponential backoff.
type RetryConfig struct {
	MaxAttempts       int           `yaml:"max_attempts"`
	InitialDelay      time.Duration `yaml:"initial_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	MaxDelay          time.Duration `yaml:"max_delay"`
	Jitter            bool          `yaml:"jitter"`
}

// CategoryConfig overrides recovery behavior for one error category.
type CategoryConfig struct {
	Disabled    bool   `yaml:"disabled"`
	Strategy    string `yaml:"strategy"`     // override, empty = table default
	MaxAttempts int    `yaml:"max_attempts"` // override, 0 = global retry config
}

// RecoveryConfig holds error-handling and circuit breaker settings.
type RecoveryConfig struct {
	Retry            RetryConfig               `yaml:"retry"`
	Categories       map[string]CategoryConfig `yaml:"categories"`
	HistoryLimit     int                       `yaml:"history_limit"`
	BreakerThreshold int                       `yaml:"breaker_threshold"`
	BreakerCooldown  time.Duration             `yaml:"breaker_cooldown"`
	// BreakerMaxIdle is how long a closed breaker entry may sit untouched
	// before periodic maintenance removes it.
	BreakerMaxIdle time.Duration `yaml:"breaker_max_idle"`
	RestartPause   time.Duration `yaml:"restart_pause"`
}

// QueueConfig holds durable job queue settings.
type QueueConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Path         string        `yaml:"path"` // sqlite database path
	PollInterval time.Duration `yaml:"poll_interval"`
}

// CacheConfig holds response/session cache settings.
type CacheConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Backend       string        `yaml:"backend"` // "memory" or "redis"
	RedisURL      string        `yaml:"redis_url"`
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // memory backend expiry sweep
}

// Defaults returns the baseline configuration.
func Defaults() *Config {
	return &Config{
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:  false,
			Exporter: "noop",
		},
		Sessions: SessionsConfig{
			MaxSessions:     10,
			AutoCleanup:     true,
			CleanupInterval: 30 * time.Second,
			Defaults: domain.SessionConfig{
				WorkDir:               ".",
				PermissionMode:        domain.PermissionDefault,
				MaxIdleTime:           30 * time.Minute,
				MaxLifetime:           4 * time.Hour,
				MaxConcurrentCommands: 3,
			},
			CommandRate:  0,
			CommandBurst: 1,
			SpawnBreaker: SpawnBreakerConfig{
				MaxFailures: 3,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Worker: WorkerConfig{
			Command:         "claude-worker",
			ReadyTimeout:    15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			ResponseTimeout: 5 * time.Minute,
			ControlTimeout:  10 * time.Second,
			StderrBufferMax: 256 * 1024,
		},
		Recovery: RecoveryConfig{
			Retry: RetryConfig{
				MaxAttempts:       3,
				InitialDelay:      time.Second,
				BackoffMultiplier: 2,
				MaxDelay:          30 * time.Second,
				Jitter:            true,
			},
			HistoryLimit:     500,
			BreakerThreshold: 5,
			BreakerCooldown:  time.Minute,
			BreakerMaxIdle:   30 * time.Minute,
			RestartPause:     2 * time.Second,
		},
		Queue: QueueConfig{
			Enabled:      false,
			Path:         "./sessiond.db",
			PollInterval: time.Second,
		},
		Cache: CacheConfig{
			Enabled:       false,
			Backend:       "memory",
			TTL:           5 * time.Minute,
			SweepInterval: time.Minute,
		},
	}
}

// Load reads a YAML config file over the defaults and applies env var
// overrides. A missing file is not an error; defaults are used.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps SESSIOND_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SESSIOND_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("SESSIOND_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("SESSIOND_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("SESSIOND_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("SESSIOND_WORKER_COMMAND"); v != "" {
		cfg.Worker.Command = v
	}
	if v := os.Getenv("SESSIOND_MAX_SESSIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Sessions.MaxSessions = n
		}
	}
	if v := os.Getenv("SESSIOND_RESPONSE_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Worker.ResponseTimeout = d
		}
	}
	if v := os.Getenv("SESSIOND_QUEUE_PATH"); v != "" {
		cfg.Queue.Path = v
	}
	if v := os.Getenv("SESSIOND_CACHE_REDIS_URL"); v != "" {
		cfg.Cache.RedisURL = v
	}
}

// Validate checks cross-field constraints that would otherwise surface as
// runtime failures deep inside the engine.
func Validate(cfg *Config) error {
	if cfg.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("config: sessions.max_sessions must be positive")
	}
	if cfg.Sessions.Defaults.MaxConcurrentCommands <= 0 {
		return fmt.Errorf("config: sessions.defaults.max_concurrent_commands must be positive")
	}
	if !domain.ValidPermissionMode(cfg.Sessions.Defaults.PermissionMode) {
		return fmt.Errorf("config: sessions.defaults.permission_mode %q unknown", cfg.Sessions.Defaults.PermissionMode)
	}
	if cfg.Worker.Command == "" {
		return fmt.Errorf("config: worker.command is required")
	}
	if cfg.Recovery.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config: recovery.retry.max_attempts must be at least 1")
	}
	if cfg.Recovery.Retry.BackoffMultiplier < 1 {
		return fmt.Errorf("config: recovery.retry.backoff_multiplier must be >= 1")
	}
	if cfg.Recovery.BreakerThreshold < 1 {
		return fmt.Errorf("config: recovery.breaker_threshold must be at least 1")
	}
	if cfg.Recovery.HistoryLimit < 1 {
		return fmt.Errorf("config: recovery.history_limit must be at least 1")
	}
	switch cfg.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: cache.backend %q unknown", cfg.Cache.Backend)
	}
	if cfg.Cache.Backend == "redis" && cfg.Cache.Enabled && cfg.Cache.RedisURL == "" {
		return fmt.Errorf("config: cache.redis_url required for redis backend")
	}
	for name := range cfg.Recovery.Categories {
		if !validCategoryName(name) {
			return fmt.Errorf("config: recovery.categories: unknown category %q", name)
		}
	}
	return nil
}

func validCategoryName(name string) bool {
	switch domain.ErrorCategory(name) {
	case domain.CategoryValidation, domain.CategoryTimeout, domain.CategoryCommunication,
		domain.CategoryResource, domain.CategoryCommand, domain.CategoryWrapper,
		domain.CategorySession, domain.CategorySystem:
		return true
	}
	return false
}

// ApplySessionDefaults fills zero-valued fields of a caller-supplied session
// config from the configured defaults, field by field.
func ApplySessionDefaults(cfg domain.SessionConfig, defaults domain.SessionConfig) domain.SessionConfig {
	if cfg.WorkDir == "" {
		cfg.WorkDir = defaults.WorkDir
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = defaults.PermissionMode
	}
	if cfg.MaxIdleTime == 0 {
		cfg.MaxIdleTime = defaults.MaxIdleTime
	}
	if cfg.MaxLifetime == 0 {
		cfg.MaxLifetime = defaults.MaxLifetime
	}
	if cfg.MaxConcurrentCommands == 0 {
		cfg.MaxConcurrentCommands = defaults.MaxConcurrentCommands
	}
	return cfg
}
