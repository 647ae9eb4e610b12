package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DISPATCHER_HOME", home)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %q, want prod", cfg.Env)
	}
	if cfg.IdlePollIntervalSeconds != 10 {
		t.Errorf("IdlePollIntervalSeconds = %d, want 10", cfg.IdlePollIntervalSeconds)
	}
	if cfg.EventCoalesceBatch != 3 {
		t.Errorf("EventCoalesceBatch = %d, want 3", cfg.EventCoalesceBatch)
	}
	if cfg.StorePath != filepath.Join(home, "dispatcher.db") {
		t.Errorf("StorePath = %q, want %q", cfg.StorePath, filepath.Join(home, "dispatcher.db"))
	}
	if cfg.ConsumerID == "" {
		t.Error("ConsumerID should default to hostname:pid, got empty string")
	}
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	home := t.TempDir()
	yamlContent := "worker_count: 2\nlog_level: warn\n"
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(yamlContent), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("DISPATCHER_HOME", home)
	t.Setenv("WORKER_COUNT", "9")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.WorkerCount != 9 {
		t.Errorf("WorkerCount = %d, want 9 (env should win over yaml's 2)", cfg.WorkerCount)
	}
	if cfg.LogLevel != "warn" {
		t.Errorf("LogLevel = %q, want warn (from yaml, no env override)", cfg.LogLevel)
	}
}

func TestLoad_EnvNotExactlyDevNormalizesToProd(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DISPATCHER_HOME", home)
	t.Setenv("ENV", "staging")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "prod" {
		t.Errorf("Env = %q, want prod for any non-dev value", cfg.Env)
	}
}

func TestLoad_EnvDevPreserved(t *testing.T) {
	home := t.TempDir()
	t.Setenv("DISPATCHER_HOME", home)
	t.Setenv("ENV", "dev")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Env != "dev" {
		t.Errorf("Env = %q, want dev", cfg.Env)
	}
}

func TestDurationHelpers(t *testing.T) {
	cfg := defaultConfig()
	if cfg.EventCoalesceDelay().Seconds() != 1.0 {
		t.Errorf("EventCoalesceDelay = %v, want 1s", cfg.EventCoalesceDelay())
	}
	if cfg.IdlePollInterval().Seconds() != 10 {
		t.Errorf("IdlePollInterval = %v, want 10s", cfg.IdlePollInterval())
	}
	if cfg.CancelPollInterval().Milliseconds() != 500 {
		t.Errorf("CancelPollInterval = %v, want 500ms", cfg.CancelPollInterval())
	}
}

func TestLeaseSweepInterval_ZeroDisables(t *testing.T) {
	cfg := defaultConfig()
	cfg.LeaseSweepIntervalSeconds = 0
	if d := cfg.LeaseSweepInterval(); d != 0 {
		t.Errorf("LeaseSweepInterval = %v, want 0 (disabled)", d)
	}
}
