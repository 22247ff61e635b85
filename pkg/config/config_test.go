// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStdoutEnabledDefault(t *testing.T) {
	cfg := StdoutConfig{}
	if !cfg.StdoutEnabled() {
		t.Error("StdoutEnabled should default to true when Enabled is nil")
	}
}

func TestStdoutEnabledExplicitFalse(t *testing.T) {
	v := false
	cfg := StdoutConfig{Enabled: &v}
	if cfg.StdoutEnabled() {
		t.Error("StdoutEnabled should return false when set to false")
	}
}

func TestDefaultConfigValidates(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Flows.IdleTimeout != 5*time.Minute {
		t.Errorf("expected idle_timeout 5m, got %v", cfg.Flows.IdleTimeout)
	}
	if cfg.Flows.MaxBuffer != 1<<20 {
		t.Errorf("expected max_buffer 1MiB, got %d", cfg.Flows.MaxBuffer)
	}
	if cfg.Capture.ProbeWindow != 256 {
		t.Errorf("expected probe_window 256, got %d", cfg.Capture.ProbeWindow)
	}
}

func TestLoadYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpwatch.yaml")
	data := []byte(`
log_level: debug
capture:
  ports: [3000, 8080]
  auto_detect: true
flows:
  idle_timeout: 2m
exporters:
  stdout:
    enabled: false
    format: json
  otlp:
    enabled: true
    endpoint: collector:4317
health:
  enabled: true
  port: ":9090"
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if len(cfg.Capture.Ports) != 2 || cfg.Capture.Ports[0] != 3000 {
		t.Errorf("unexpected ports: %v", cfg.Capture.Ports)
	}
	if !cfg.Capture.AutoDetect {
		t.Error("expected auto_detect=true")
	}
	if cfg.Flows.IdleTimeout != 2*time.Minute {
		t.Errorf("expected idle_timeout=2m, got %v", cfg.Flows.IdleTimeout)
	}
	if cfg.Exporters.Stdout.StdoutEnabled() {
		t.Error("expected stdout disabled")
	}
	if cfg.Exporters.Stdout.Format != "json" {
		t.Errorf("expected format=json, got %q", cfg.Exporters.Stdout.Format)
	}
	if !cfg.Exporters.OTLP.Enabled || cfg.Exporters.OTLP.Endpoint != "collector:4317" {
		t.Errorf("unexpected OTLP config: %+v", cfg.Exporters.OTLP)
	}
	// Defaults survive a partial file.
	if cfg.Flows.MaxBuffer != 1<<20 {
		t.Errorf("expected default max_buffer, got %d", cfg.Flows.MaxBuffer)
	}
	if cfg.Health.Port != ":9090" {
		t.Errorf("expected health port :9090, got %q", cfg.Health.Port)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port out of range", func(c *Config) { c.Capture.Ports = []int{70000} }},
		{"zero probe window", func(c *Config) { c.Capture.ProbeWindow = 0 }},
		{"tiny idle timeout", func(c *Config) { c.Flows.IdleTimeout = 100 * time.Millisecond }},
		{"tiny max buffer", func(c *Config) { c.Flows.MaxBuffer = 100 }},
		{"zero workers", func(c *Config) { c.Pipeline.Workers = 0 }},
		{"bad stdout format", func(c *Config) { c.Exporters.Stdout.Format = "xml" }},
		{"otlp without endpoint", func(c *Config) {
			c.Exporters.OTLP.Enabled = true
			c.Exporters.OTLP.Endpoint = ""
		}},
		{"bad compression", func(c *Config) { c.Exporters.OTLP.Compression = "zstd" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("expected validation error, got nil")
			}
		})
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MCPWATCH_LOG_LEVEL", "warn")
	t.Setenv("MCPWATCH_CAPTURE_AUTO_DETECT", "true")
	t.Setenv("MCPWATCH_PIPELINE_WORKERS", "8")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.LogLevel != "warn" {
		t.Errorf("expected log_level=warn, got %q", cfg.LogLevel)
	}
	if !cfg.Capture.AutoDetect {
		t.Error("expected auto_detect override")
	}
	if cfg.Pipeline.Workers != 8 {
		t.Errorf("expected workers=8, got %d", cfg.Pipeline.Workers)
	}
}

func TestLoadBadDuration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "mcpwatch.yaml")
	data := []byte("flows:\n  idle_timeout: fivemins\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
