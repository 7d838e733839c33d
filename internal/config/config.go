// Package config loads and validates harvester configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Session    SessionConfig    `mapstructure:"session"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	RateLimit  RateLimitConfig  `mapstructure:"rate_limit"`
	Checkpoint CheckpointConfig `mapstructure:"checkpoint"`
	Redis      RedisConfig      `mapstructure:"redis"`
	DB         DBConfig         `mapstructure:"db"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// SessionConfig governs dispatcher and worker pool behavior.
type SessionConfig struct {
	Workers    int `mapstructure:"workers"`
	ChunkSize  int `mapstructure:"chunk_size"`
	QueueDepth int `mapstructure:"queue_depth"`
}

// HTTPConfig configures the outbound fetch client.
type HTTPConfig struct {
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
	MaxBodyBytes   int64  `mapstructure:"max_body_bytes"`
}

// RetryConfig controls the per-item retry engine.
type RetryConfig struct {
	MaxAttempts int `mapstructure:"max_attempts"`
	BaseDelayMs int `mapstructure:"base_delay_ms"`
	MaxDelayMs  int `mapstructure:"max_delay_ms"`
	ParseBudget int `mapstructure:"parse_budget"`
}

// PoolConfig governs the proxy pool and its persistence.
type PoolConfig struct {
	Path                   string `mapstructure:"path"`
	MaxConsecutiveFailures int    `mapstructure:"max_consecutive_failures"`
}

// BreakerConfig tunes the per-domain circuit breaker.
type BreakerConfig struct {
	FailureThreshold    int `mapstructure:"failure_threshold"`
	ResetTimeoutSeconds int `mapstructure:"reset_timeout_seconds"`
}

// RateLimitConfig selects the limiter variant and its budget.
type RateLimitConfig struct {
	// Mode is "local" or "redis".
	Mode               string `mapstructure:"mode"`
	PerDomainPerMinute int    `mapstructure:"per_domain_per_minute"`
}

// CheckpointConfig locates checkpoint files and sets the flush batch.
type CheckpointConfig struct {
	Dir       string `mapstructure:"dir"`
	BatchSize int    `mapstructure:"batch_size"`
}

// RedisConfig holds connection details for the shared rate limiter backend.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// DBConfig controls access to the outcome database. An empty DSN selects the
// no-op store.
type DBConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("session.workers", 4)
	v.SetDefault("session.chunk_size", 25)
	v.SetDefault("session.queue_depth", 64)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.user_agent", "listing-harvester/1.0")
	v.SetDefault("http.max_body_bytes", 8<<20)
	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.base_delay_ms", 250)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.parse_budget", 2)
	v.SetDefault("pool.path", "proxies.json")
	v.SetDefault("pool.max_consecutive_failures", 3)
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.reset_timeout_seconds", 300)
	v.SetDefault("rate_limit.mode", "local")
	v.SetDefault("rate_limit.per_domain_per_minute", 60)
	v.SetDefault("checkpoint.dir", "checkpoints")
	v.SetDefault("checkpoint.batch_size", 25)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("db.max_open_conns", 4)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Session.Workers <= 0 {
		return fmt.Errorf("session.workers must be > 0")
	}
	if c.Session.ChunkSize <= 0 {
		return fmt.Errorf("session.chunk_size must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be > 0")
	}
	if c.Breaker.FailureThreshold <= 0 {
		return fmt.Errorf("breaker.failure_threshold must be > 0")
	}
	if c.RateLimit.PerDomainPerMinute <= 0 {
		return fmt.Errorf("rate_limit.per_domain_per_minute must be > 0")
	}
	switch c.RateLimit.Mode {
	case "local", "redis":
	default:
		return fmt.Errorf("rate_limit.mode must be local or redis, got %q", c.RateLimit.Mode)
	}
	if c.RateLimit.Mode == "redis" && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr must be set when rate_limit.mode is redis")
	}
	if c.Checkpoint.BatchSize <= 0 {
		return fmt.Errorf("checkpoint.batch_size must be > 0")
	}
	return nil
}

// FetchTimeout converts the HTTP timeout config into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// BreakerResetTimeout converts the breaker cool-down into a duration.
func (c Config) BreakerResetTimeout() time.Duration {
	return time.Duration(c.Breaker.ResetTimeoutSeconds) * time.Second
}

// RetryBaseDelay converts the retry base delay into a duration.
func (c Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMs) * time.Millisecond
}

// RetryMaxDelay converts the retry delay cap into a duration.
func (c Config) RetryMaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMs) * time.Millisecond
}
