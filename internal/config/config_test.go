package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := defaults()

	if cfg.Engine.LockTimeout != 5*time.Second {
		t.Errorf("expected lock_timeout 5s, got %v", cfg.Engine.LockTimeout)
	}
	if len(cfg.Engine.Resources) != 4 {
		t.Errorf("expected 4 default resources, got %v", cfg.Engine.Resources)
	}
	if cfg.Engine.MaxWorkers != 0 {
		t.Errorf("expected max_workers 0 (auto), got %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Runner.Kind != "auto" {
		t.Errorf("expected runner kind auto, got %s", cfg.Runner.Kind)
	}
	if cfg.Runner.Timeout != 30*time.Second {
		t.Errorf("expected runner timeout 30s, got %v", cfg.Runner.Timeout)
	}
	if cfg.Runner.SimulatedDelay != 500*time.Millisecond {
		t.Errorf("expected simulated delay 500ms, got %v", cfg.Runner.SimulatedDelay)
	}
	if cfg.NATS.Port != 4222 {
		t.Errorf("expected nats port 4222, got %d", cfg.NATS.Port)
	}
	if cfg.Web.Port != 8080 {
		t.Errorf("expected web port 8080, got %d", cfg.Web.Port)
	}
	if cfg.Store.Path != "data/phaserun.db" {
		t.Errorf("expected store path data/phaserun.db, got %s", cfg.Store.Path)
	}
	if cfg.Dependencies() != nil {
		t.Error("expected nil dependencies without agents")
	}
}

func TestLoadWithEnvOverrides(t *testing.T) {
	t.Setenv("PHASERUN_CONFIG", "/nonexistent/config.yaml")
	t.Setenv("PHASERUN_MAX_WORKERS", "6")
	t.Setenv("PHASERUN_LOCK_TIMEOUT", "2s")
	t.Setenv("PHASERUN_RUNNER", "simulate")
	t.Setenv("PHASERUN_WEB_PASSWORD", "secret")
	t.Setenv("PHASERUN_WEB_PORT", "9090")
	t.Setenv("PHASERUN_TELEGRAM_CHAT_ID", "-1001")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Engine.MaxWorkers != 6 {
		t.Errorf("expected max_workers 6, got %d", cfg.Engine.MaxWorkers)
	}
	if cfg.Engine.LockTimeout != 2*time.Second {
		t.Errorf("expected lock_timeout 2s, got %v", cfg.Engine.LockTimeout)
	}
	if cfg.Runner.Kind != "simulate" {
		t.Errorf("expected runner simulate, got %s", cfg.Runner.Kind)
	}
	if cfg.Web.Auth != "secret" {
		t.Errorf("expected web auth secret, got %s", cfg.Web.Auth)
	}
	if cfg.Web.Port != 9090 {
		t.Errorf("expected web port 9090, got %d", cfg.Web.Port)
	}
	if cfg.Telegram.ChatID != -1001 {
		t.Errorf("expected chat id -1001, got %d", cfg.Telegram.ChatID)
	}
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
engine:
  max_workers: 3
  lock_timeout: 1s
  resources: [database, cache]
agents:
  compile: {}
  build:
    depends_on: [compile]
    resources: [cache]
  test:
    depends_on: [build]
runner:
  kind: lua
  agents_dir: "${PHASERUN_TEST_AGENTS}"
web:
  port: 3000
  enabled: false
scheduler:
  runs:
    - name: nightly
      agents: [compile, build, test]
      schedule: '{"kind":"cron","cron_expr":"0 2 * * *"}'
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("PHASERUN_CONFIG", cfgPath)
	t.Setenv("PHASERUN_TEST_AGENTS", "/opt/agents")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Engine.MaxWorkers != 3 {
		t.Errorf("expected max_workers 3, got %d", cfg.Engine.MaxWorkers)
	}
	if len(cfg.Engine.Resources) != 2 || cfg.Engine.Resources[1] != "cache" {
		t.Errorf("expected resources [database cache], got %v", cfg.Engine.Resources)
	}
	if cfg.Runner.AgentsDir != "/opt/agents" {
		t.Errorf("expected expanded agents dir, got %s", cfg.Runner.AgentsDir)
	}
	// Unset keys keep their defaults.
	if cfg.Runner.Timeout != 30*time.Second {
		t.Errorf("expected default runner timeout, got %v", cfg.Runner.Timeout)
	}
	if cfg.Web.Port != 3000 || cfg.Web.Enabled {
		t.Errorf("unexpected web config %+v", cfg.Web)
	}

	deps := cfg.Dependencies()
	if len(deps) != 3 {
		t.Fatalf("expected 3 agents in graph, got %d", len(deps))
	}
	if len(deps["build"]) != 1 || deps["build"][0] != "compile" {
		t.Errorf("expected build <- compile, got %v", deps["build"])
	}
	res := cfg.AgentResources()
	if len(res) != 1 || res["build"][0] != "cache" {
		t.Errorf("expected only build tagged with cache, got %v", res)
	}
	if len(cfg.Scheduler.Runs) != 1 || cfg.Scheduler.Runs[0].Name != "nightly" {
		t.Errorf("expected nightly scheduled run, got %+v", cfg.Scheduler.Runs)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte("engine: [unterminated"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFile(cfgPath); err == nil {
		t.Fatal("expected parse error")
	}
}
