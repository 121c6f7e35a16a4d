package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/snehjoshi/epochmq/internal/config"
)

func TestDefault_HasSensibleValues(t *testing.T) {
	cfg := config.Default()

	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "0.0.0.0" {
		t.Errorf("expected default host 0.0.0.0, got %s", cfg.Node.Host)
	}
	if cfg.Redis.Addr != "localhost:6379" {
		t.Errorf("expected default redis addr localhost:6379, got %s", cfg.Redis.Addr)
	}
	if cfg.Redis.Prefix != "epochmq" {
		t.Errorf("expected default prefix epochmq, got %s", cfg.Redis.Prefix)
	}
	if cfg.Queue.DefaultRetryThreshold != 3 {
		t.Errorf("expected default retry threshold 3, got %d", cfg.Queue.DefaultRetryThreshold)
	}
	if cfg.Scheduler.Mode != config.ScheduleGlobal {
		t.Errorf("expected global schedule mode, got %s", cfg.Scheduler.Mode)
	}
	if cfg.Auth.Enabled {
		t.Error("auth must be disabled by default")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %s", cfg.Log.Level)
	}
}

func TestLoad_MissingFile_ReturnsDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got: %v", err)
	}
	if cfg.Node.Port != 8080 {
		t.Errorf("expected default port for missing file, got %d", cfg.Node.Port)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	yaml := `
node:
  port: 9999
  host: "127.0.0.1"
redis:
  addr: "redis:6380"
  prefix: "staging"
queue:
  default_retry_threshold: 5
  dead_lettered_history: -1
scheduler:
  mode: "per-queue"
`
	path := writeTempYAML(t, yaml)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Node.Port != 9999 {
		t.Errorf("expected port 9999, got %d", cfg.Node.Port)
	}
	if cfg.Node.Host != "127.0.0.1" {
		t.Errorf("expected host 127.0.0.1, got %s", cfg.Node.Host)
	}
	if cfg.Redis.Addr != "redis:6380" || cfg.Redis.Prefix != "staging" {
		t.Errorf("unexpected redis section %+v", cfg.Redis)
	}
	if cfg.Queue.DefaultRetryThreshold != 5 {
		t.Errorf("expected retry threshold 5, got %d", cfg.Queue.DefaultRetryThreshold)
	}
	if cfg.Queue.DeadLetteredHistory != -1 {
		t.Errorf("expected unbounded dead-lettered history, got %d", cfg.Queue.DeadLetteredHistory)
	}
	if cfg.Scheduler.Mode != config.SchedulePerQueue {
		t.Errorf("expected per-queue mode, got %s", cfg.Scheduler.Mode)
	}
	// Unset fields keep their defaults.
	if cfg.Scheduler.BatchSize != 100 {
		t.Errorf("expected default batch size 100 (unchanged), got %d", cfg.Scheduler.BatchSize)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("loaded config should be valid: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("EPOCHMQ_REDIS_ADDR", "10.0.0.1:6379")
	t.Setenv("EPOCHMQ_REDIS_PASSWORD", "pw")
	t.Setenv("EPOCHMQ_AUTH_API_KEY", "key")
	t.Setenv("EPOCHMQ_PORT", "7070")
	t.Setenv("EPOCHMQ_LOG_LEVEL", "DEBUG")

	cfg, err := config.Load(writeTempYAML(t, "redis:\n  addr: \"file:6379\"\n"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Redis.Addr != "10.0.0.1:6379" || cfg.Redis.Password != "pw" {
		t.Errorf("env must win over the file: %+v", cfg.Redis)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "key" {
		t.Errorf("api key env must enable auth: %+v", cfg.Auth)
	}
	if cfg.Node.Port != 7070 || cfg.Log.Level != "debug" {
		t.Errorf("unexpected port/log level %d/%s", cfg.Node.Port, cfg.Log.Level)
	}
}

func TestLoad_InvalidYAML_ReturnsError(t *testing.T) {
	path := writeTempYAML(t, "node: [invalid: yaml: {{{}}")
	_, err := config.Load(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := config.Default()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Default config should be valid, got: %v", err)
	}
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"port 0":             func(c *config.Config) { c.Node.Port = 0 },
		"port 99999":         func(c *config.Config) { c.Node.Port = 99999 },
		"empty redis addr":   func(c *config.Config) { c.Redis.Addr = "" },
		"prefix with brace":  func(c *config.Config) { c.Redis.Prefix = "a{b" },
		"auth without key":   func(c *config.Config) { c.Auth.Enabled = true },
		"unknown log level":  func(c *config.Config) { c.Log.Level = "trace" },
		"unknown log output": func(c *config.Config) { c.Log.Output = "file" },
		"zero threshold":     func(c *config.Config) { c.Queue.DefaultRetryThreshold = 0 },
		"negative ttl":       func(c *config.Config) { c.Queue.DefaultTTLMs = -1 },
		"unknown mode":       func(c *config.Config) { c.Scheduler.Mode = "magic" },
		"zero interval":      func(c *config.Config) { c.Scheduler.IntervalMs = 0 },
		"zero recovery":      func(c *config.Config) { c.Liveness.RecoveryIntervalMs = 0 },
		"rate without burst": func(c *config.Config) { c.Producers.Burst = 0 },
	}
	for name, mutate := range cases {
		cfg := config.Default()
		mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: expected validation error", name)
		}
	}
}

func TestMs(t *testing.T) {
	if config.Ms(1500) != 1500*time.Millisecond {
		t.Fatal("Ms must convert milliseconds")
	}
}

// writeTempYAML writes content to a temp file and returns its path.
func writeTempYAML(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("writeTempYAML: %v", err)
	}
	return path
}
