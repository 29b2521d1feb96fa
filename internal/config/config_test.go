// Copyright 2025 James Ross
package config

import (
	"os"
	"testing"
)

func TestLoadDefaultsRequiresWorkerName(t *testing.T) {
	os.Unsetenv("WORKER_NAME")
	if _, err := Load("nonexistent.yaml"); err == nil {
		t.Fatalf("expected error when worker.name is unset")
	}
}

func TestLoadDefaultsViaEnv(t *testing.T) {
	os.Setenv("WORKER_NAME", "email")
	defer os.Unsetenv("WORKER_NAME")

	cfg, err := Load("nonexistent.yaml")
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Namespace != "jobs" {
		t.Fatalf("expected default namespace jobs, got %q", cfg.Namespace)
	}
	if cfg.Worker.MaxLoops != 1000 {
		t.Fatalf("expected default max_loops 1000, got %d", cfg.Worker.MaxLoops)
	}
	if cfg.Redis.Addr == "" {
		t.Fatalf("expected default redis addr")
	}
}

func TestValidateFails(t *testing.T) {
	cfg := defaultConfig()
	cfg.Worker.Name = "email"
	if err := Validate(cfg); err != nil {
		t.Fatalf("expected default config with a name to validate, got %v", err)
	}

	cfg = defaultConfig()
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for empty worker.name")
	}

	cfg = defaultConfig()
	cfg.Worker.Name = "email"
	cfg.Worker.MaxLoops = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for worker.max_loops < 1")
	}

	cfg = defaultConfig()
	cfg.Worker.Name = "email"
	cfg.CircuitBreaker.FailureThreshold = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for failure_threshold out of range")
	}

	cfg = defaultConfig()
	cfg.Worker.Name = "email"
	cfg.Observability.MetricsPort = 0
	if err := Validate(cfg); err == nil {
		t.Fatalf("expected error for metrics_port out of range")
	}
}
