// Package config holds all configuration types and loading logic for EpochMQ.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for an EpochMQ server instance.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Redis     RedisConfig     `yaml:"redis"`
	Admin     AdminConfig     `yaml:"admin"`
	Auth      AuthConfig      `yaml:"auth"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Log       LogConfig       `yaml:"log"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Liveness  LivenessConfig  `yaml:"liveness"`
	Producers ProducerConfig  `yaml:"producers"`
	Webhook   WebhookConfig   `yaml:"webhook"`
}

// NodeConfig holds identity and network settings for this broker process.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate a fresh one on every start.
	ID   string `yaml:"id"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// RedisConfig points the broker at its Redis server. Redis is the only
// source of truth; every broker process of a deployment uses the same one.
type RedisConfig struct {
	Addr          string `yaml:"addr"`
	Username      string `yaml:"username"`
	Password      string `yaml:"password"`
	DB            int    `yaml:"db"`
	PoolSize      int    `yaml:"pool_size"`
	DialTimeoutMs int    `yaml:"dial_timeout_ms"`
	// Prefix namespaces every key of the deployment.
	Prefix string `yaml:"prefix"`
}

// AdminConfig controls the administrative HTTP API.
type AdminConfig struct {
	// EventsEnabled exposes the WebSocket event feed at /events.
	EventsEnabled bool `yaml:"events_enabled"`
	// MaxBodyKB caps request bodies.
	MaxBodyKB         int `yaml:"max_body_kb"`
	ShutdownTimeoutMs int `yaml:"shutdown_timeout_ms"`
}

// AuthConfig controls API key authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
}

// MetricsConfig controls the Prometheus metrics endpoint and the durable
// per-queue counters.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	// Counters keeps per-queue event counts in Redis.
	Counters bool `yaml:"counters"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Output string `yaml:"output"` // stdout | stderr
}

// QueueConfig sets defaults and limits that apply to every queue.
type QueueConfig struct {
	// Default consume options applied to messages that set none.
	DefaultTTLMs            int64 `yaml:"default_ttl_ms"`
	DefaultRetryThreshold   int   `yaml:"default_retry_threshold"`
	DefaultRetryDelayMs     int64 `yaml:"default_retry_delay_ms"`
	DefaultConsumeTimeoutMs int64 `yaml:"default_consume_timeout_ms"`

	MaxMessageSizeKB int `yaml:"max_message_size_kb"`

	// History caps; 0 disables storing, negative keeps everything.
	AcknowledgedHistory int64 `yaml:"acknowledged_history"`
	DeadLetteredHistory int64 `yaml:"dead_lettered_history"`

	LockTTLMs int `yaml:"lock_ttl_ms"`
}

// ScheduleMode selects the scheduled set layout.
type ScheduleMode string

const (
	ScheduleGlobal   ScheduleMode = "global"    // one scheduled set for all queues
	SchedulePerQueue ScheduleMode = "per-queue" // one scheduled set per queue
)

// SchedulerConfig controls the scheduling sweep.
type SchedulerConfig struct {
	Mode       ScheduleMode `yaml:"mode"`
	IntervalMs int          `yaml:"interval_ms"`
	BatchSize  int64        `yaml:"batch_size"`
	LockTTLMs  int          `yaml:"lock_ttl_ms"`
}

// LivenessConfig controls heartbeats and the recovery sweep.
type LivenessConfig struct {
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms"`
	RecoveryIntervalMs  int `yaml:"recovery_interval_ms"`
	LockTTLMs           int `yaml:"lock_ttl_ms"`
}

// ProducerConfig sets rate limiting applied to the produce endpoint.
type ProducerConfig struct {
	// MaxRate is messages per second per producer.
	MaxRate int `yaml:"max_rate"`
	// Burst allows temporary spikes above MaxRate.
	Burst int `yaml:"burst"`
}

// WebhookConfig controls behaviour when pushing messages to webhook subscribers.
type WebhookConfig struct {
	TimeoutMs int `yaml:"timeout_ms"`
	WaitMs    int `yaml:"wait_ms"`
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:   "auto",
			Host: "0.0.0.0",
			Port: 8080,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			DialTimeoutMs: 5_000,
			Prefix:        "epochmq",
		},
		Admin: AdminConfig{
			EventsEnabled:     true,
			MaxBodyKB:         1024,
			ShutdownTimeoutMs: 15_000,
		},
		Auth: AuthConfig{
			Enabled: false,
			APIKey:  "",
		},
		Metrics: MetricsConfig{
			Enabled:  true,
			Counters: true,
		},
		Log: LogConfig{
			Level:  "info",
			Output: "stdout",
		},
		Queue: QueueConfig{
			DefaultRetryThreshold:   3,
			MaxMessageSizeKB:        256,
			AcknowledgedHistory:     10_000,
			DeadLetteredHistory:     10_000,
			LockTTLMs:               10_000,
			DefaultConsumeTimeoutMs: 0,
		},
		Scheduler: SchedulerConfig{
			Mode:       ScheduleGlobal,
			IntervalMs: 1_000,
			BatchSize:  100,
			LockTTLMs:  10_000,
		},
		Liveness: LivenessConfig{
			HeartbeatIntervalMs: 1_000,
			RecoveryIntervalMs:  5_000,
			LockTTLMs:           30_000,
		},
		Producers: ProducerConfig{
			MaxRate: 10_000,
			Burst:   50_000,
		},
		Webhook: WebhookConfig{
			TimeoutMs: 5_000,
			WaitMs:    1_000,
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error,
// making it easy to run EpochMQ with no config file at all.
//
// After loading the file, environment variables are applied as overrides:
//
//	EPOCHMQ_REDIS_ADDR      sets redis.addr
//	EPOCHMQ_REDIS_PASSWORD  sets redis.password
//	EPOCHMQ_AUTH_API_KEY    sets auth.api_key and enables auth (auth.enabled = true)
//	EPOCHMQ_PORT            sets node.port
//	EPOCHMQ_LOG_LEVEL       sets log.level
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EPOCHMQ_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("EPOCHMQ_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("EPOCHMQ_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("EPOCHMQ_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("EPOCHMQ_LOG_LEVEL"); v != "" {
		cfg.Log.Level = strings.ToLower(v)
	}
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr must not be empty")
	}
	if c.Redis.Prefix == "" || strings.ContainsAny(c.Redis.Prefix, " {}") {
		return errors.New("redis.prefix must be non-empty and contain no spaces or braces")
	}
	if c.Redis.DB < 0 {
		return errors.New("redis.db must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return errors.New("auth.api_key must be set when auth is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	switch c.Log.Output {
	case "stdout", "stderr":
	default:
		return errors.New(`log.output must be "stdout" or "stderr"`)
	}
	if c.Queue.DefaultRetryThreshold < 1 {
		return errors.New("queue.default_retry_threshold must be at least 1")
	}
	if c.Queue.DefaultTTLMs < 0 || c.Queue.DefaultRetryDelayMs < 0 || c.Queue.DefaultConsumeTimeoutMs < 0 {
		return errors.New("queue default ttl, retry delay and consume timeout must be >= 0")
	}
	if c.Queue.MaxMessageSizeKB < 1 {
		return errors.New("queue.max_message_size_kb must be at least 1")
	}
	if c.Queue.LockTTLMs < 1 {
		return errors.New("queue.lock_ttl_ms must be at least 1")
	}
	switch c.Scheduler.Mode {
	case ScheduleGlobal, SchedulePerQueue:
		// valid
	default:
		return errors.New(`scheduler.mode must be "global" or "per-queue"`)
	}
	if c.Scheduler.IntervalMs < 1 || c.Scheduler.BatchSize < 1 || c.Scheduler.LockTTLMs < 1 {
		return errors.New("scheduler.interval_ms, batch_size and lock_ttl_ms must be at least 1")
	}
	if c.Liveness.HeartbeatIntervalMs < 1 || c.Liveness.RecoveryIntervalMs < 1 || c.Liveness.LockTTLMs < 1 {
		return errors.New("liveness intervals and lock_ttl_ms must be at least 1")
	}
	if c.Producers.MaxRate < 0 || c.Producers.Burst < 0 {
		return errors.New("producers.max_rate and burst must be >= 0")
	}
	if c.Producers.MaxRate > 0 && c.Producers.Burst < 1 {
		return errors.New("producers.burst must be at least 1 when max_rate is set")
	}
	return nil
}

// Ms converts a millisecond setting to a time.Duration.
func Ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }
