// Package config loads the dispatcher's runtime configuration: an optional
// config.yaml under DISPATCHER_HOME, overridden by environment variables
// (env always wins over the file).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds everything the dispatcher needs to run a worker process.
type Config struct {
	HomeDir string `yaml:"-"`

	// ConsumerID identifies this worker process to the store (lease owner,
	// audit trail). Defaults to hostname:pid if unset.
	ConsumerID string `yaml:"consumer_id"`

	// Env is normalized to "prod" unless exactly "dev".
	Env string `yaml:"env"`

	LogLevel string `yaml:"log_level"`

	// StorePath is the SQLite database file path for the reference store.
	StorePath string `yaml:"store_path"`

	// AgentOrch scopes which task types this worker claims. Empty claims
	// any orchestrator's tasks.
	AgentOrch string `yaml:"agent_orch"`

	IdlePollIntervalSeconds  int `yaml:"idle_poll_interval_sec"`
	CancelPollIntervalMillis int `yaml:"cancel_poll_interval_ms"`

	EventCoalesceDelaySeconds float64 `yaml:"event_coalesce_delay_sec"`
	EventCoalesceBatch        int     `yaml:"event_coalesce_batch"`

	WorkerCount int `yaml:"worker_count"`

	// LeaseSweepIntervalSeconds controls how often the schedule package
	// requeues expired leases. 0 disables the sweep.
	LeaseSweepIntervalSeconds int `yaml:"lease_sweep_interval_sec"`

	// Tracing/metrics (ambient, off by default).
	OTelEnabled    bool    `yaml:"otel_enabled"`
	OTelExporter   string  `yaml:"otel_exporter"`
	OTelSampleRate float64 `yaml:"otel_sample_rate"`
	MetricsEnabled bool    `yaml:"metrics_enabled"`
	MetricsPort    int     `yaml:"metrics_port"`
}

func defaultConfig() Config {
	return Config{
		Env:                       "prod",
		LogLevel:                  "info",
		IdlePollIntervalSeconds:   10,
		CancelPollIntervalMillis:  500,
		EventCoalesceDelaySeconds: 1.0,
		EventCoalesceBatch:        3,
		WorkerCount:               1,
		LeaseSweepIntervalSeconds: 60,
		OTelExporter:              "none",
		OTelSampleRate:            1.0,
		MetricsPort:               9090,
	}
}

// HomeDir resolves DISPATCHER_HOME, defaulting to ~/.agent-dispatcher.
func HomeDir() string {
	if override := os.Getenv("DISPATCHER_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".agent-dispatcher")
}

// Load reads config.yaml (if present) under HomeDir(), applies environment
// overrides, and fills in defaults for anything left unset.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create dispatcher home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.ConsumerID == "" {
		cfg.ConsumerID = defaultConsumerID()
	}
	if cfg.Env != "dev" {
		cfg.Env = "prod"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = filepath.Join(cfg.HomeDir, "dispatcher.db")
	}
	if cfg.IdlePollIntervalSeconds <= 0 {
		cfg.IdlePollIntervalSeconds = 10
	}
	if cfg.CancelPollIntervalMillis <= 0 {
		cfg.CancelPollIntervalMillis = 500
	}
	if cfg.EventCoalesceDelaySeconds <= 0 {
		cfg.EventCoalesceDelaySeconds = 1.0
	}
	if cfg.EventCoalesceBatch <= 0 {
		cfg.EventCoalesceBatch = 3
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 1
	}
	if cfg.OTelExporter == "" {
		cfg.OTelExporter = "none"
	}
	if cfg.OTelSampleRate <= 0 {
		cfg.OTelSampleRate = 1.0
	}
	if cfg.MetricsPort <= 0 {
		cfg.MetricsPort = 9090
	}
}

func defaultConsumerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("CONSUMER_ID"); v != "" {
		cfg.ConsumerID = v
	}
	if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("STORE_PATH"); v != "" {
		cfg.StorePath = v
	}
	if v := os.Getenv("AGENT_ORCH"); v != "" {
		cfg.AgentOrch = v
	}
	if raw := os.Getenv("IDLE_POLL_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.IdlePollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("CANCEL_POLL_INTERVAL_MS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.CancelPollIntervalMillis = v
		}
	}
	if raw := os.Getenv("EVENT_COALESCE_DELAY_SEC"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil {
			cfg.EventCoalesceDelaySeconds = v
		}
	}
	if raw := os.Getenv("EVENT_COALESCE_BATCH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.EventCoalesceBatch = v
		}
	}
	if raw := os.Getenv("WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("LEASE_SWEEP_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.LeaseSweepIntervalSeconds = v
		}
	}
	if raw := os.Getenv("OTEL_ENABLED"); raw != "" {
		cfg.OTelEnabled = strings.EqualFold(raw, "true") || raw == "1"
	}
	if v := os.Getenv("OTEL_EXPORTER"); v != "" {
		cfg.OTelExporter = v
	}
	if raw := os.Getenv("METRICS_ENABLED"); raw != "" {
		cfg.MetricsEnabled = strings.EqualFold(raw, "true") || raw == "1"
	}
	if raw := os.Getenv("METRICS_PORT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MetricsPort = v
		}
	}
}

// EventCoalesceDelay returns the coalesce window as a time.Duration.
func (c Config) EventCoalesceDelay() time.Duration {
	return time.Duration(c.EventCoalesceDelaySeconds * float64(time.Second))
}

// IdlePollInterval returns the idle-poll sleep as a time.Duration.
func (c Config) IdlePollInterval() time.Duration {
	return time.Duration(c.IdlePollIntervalSeconds) * time.Second
}

// CancelPollInterval returns the cancellation-watcher poll period.
func (c Config) CancelPollInterval() time.Duration {
	return time.Duration(c.CancelPollIntervalMillis) * time.Millisecond
}

// LeaseSweepInterval returns the lease-sweep period, or 0 if disabled.
func (c Config) LeaseSweepInterval() time.Duration {
	if c.LeaseSweepIntervalSeconds <= 0 {
		return 0
	}
	return time.Duration(c.LeaseSweepIntervalSeconds) * time.Second
}
