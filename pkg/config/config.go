// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration for the mcpwatch sniffer.
type Config struct {
	LogLevel  string          `yaml:"log_level" env:"MCPWATCH_LOG_LEVEL"`
	Capture   CaptureConfig   `yaml:"capture"`
	Flows     FlowsConfig     `yaml:"flows"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Exporters ExportersConfig `yaml:"exporters"`
	Health    HealthConfig    `yaml:"health"`
}

// CaptureConfig selects what traffic enters the pipeline.
type CaptureConfig struct {
	Interface   string `yaml:"interface"`    // empty = platform default loopback/any
	Ports       []int  `yaml:"ports"`        // TCP ports to monitor
	Filter      string `yaml:"filter"`       // raw BPF expression, overrides ports
	AutoDetect  bool   `yaml:"auto_detect"`  // promote flows that carry JSON-RPC
	ProbeWindow int    `yaml:"probe_window"` // bytes inspected before giving up framing detection
}

// FlowsConfig bounds per-flow reassembly state.
type FlowsConfig struct {
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	MaxBuffer     int           `yaml:"max_buffer"`
}

// UnmarshalYAML accepts durations in Go syntax ("30s", "5m"), which
// yaml.v3 does not decode into time.Duration on its own. Absent keys
// leave the pre-set defaults untouched.
func (f *FlowsConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		IdleTimeout   string `yaml:"idle_timeout"`
		SweepInterval string `yaml:"sweep_interval"`
		MaxBuffer     *int   `yaml:"max_buffer"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	if raw.IdleTimeout != "" {
		d, err := time.ParseDuration(raw.IdleTimeout)
		if err != nil {
			return fmt.Errorf("idle_timeout: %w", err)
		}
		f.IdleTimeout = d
	}
	if raw.SweepInterval != "" {
		d, err := time.ParseDuration(raw.SweepInterval)
		if err != nil {
			return fmt.Errorf("sweep_interval: %w", err)
		}
		f.SweepInterval = d
	}
	if raw.MaxBuffer != nil {
		f.MaxBuffer = *raw.MaxBuffer
	}
	return nil
}

// PipelineConfig sizes the extraction worker pool.
type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type ExportersConfig struct {
	Stdout StdoutConfig `yaml:"stdout"`
	OTLP   OTLPConfig   `yaml:"otlp"`
	Web    WebConfig    `yaml:"web"`
}

type StdoutConfig struct {
	Enabled *bool  `yaml:"enabled"` // default: true
	Format  string `yaml:"format"`  // "text" or "json"
}

// StdoutEnabled returns whether the stdout exporter is on.
// Defaults to true when not explicitly set.
func (s *StdoutConfig) StdoutEnabled() bool {
	if s.Enabled == nil {
		return true
	}
	return *s.Enabled
}

type OTLPConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Endpoint    string `yaml:"endpoint" env:"MCPWATCH_EXPORTERS_OTLP_ENDPOINT"`
	Insecure    bool   `yaml:"insecure"`
	Compression string `yaml:"compression"` // "gzip" or "none"
}

// WebConfig configures the live WebSocket push exporter.
type WebConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"` // e.g. "127.0.0.1:8765"
}

// HealthConfig configures the health HTTP server.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    string `yaml:"port" env:"MCPWATCH_HEALTH_PORT"` // e.g. ":8686"
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		Capture: CaptureConfig{
			AutoDetect:  false,
			ProbeWindow: 256,
		},
		Flows: FlowsConfig{
			IdleTimeout:   5 * time.Minute,
			SweepInterval: 30 * time.Second,
			MaxBuffer:     1 << 20,
		},
		Pipeline: PipelineConfig{
			Workers: 4,
		},
		Exporters: ExportersConfig{
			Stdout: StdoutConfig{
				Format: "text",
			},
			OTLP: OTLPConfig{
				Enabled:     false,
				Endpoint:    "localhost:4317",
				Insecure:    true,
				Compression: "gzip",
			},
			Web: WebConfig{
				Enabled: false,
				Addr:    "127.0.0.1:8765",
			},
		},
		Health: HealthConfig{
			Enabled: false,
			Port:    ":8686",
		},
	}
}

// ApplyEnvOverrides reads MCPWATCH_* environment variables and applies
// them to the config, overriding YAML values.
func (c *Config) ApplyEnvOverrides() {
	envOverrides := map[string]func(string){
		"MCPWATCH_LOG_LEVEL":               func(v string) { c.LogLevel = v },
		"MCPWATCH_CAPTURE_INTERFACE":       func(v string) { c.Capture.Interface = v },
		"MCPWATCH_CAPTURE_FILTER":          func(v string) { c.Capture.Filter = v },
		"MCPWATCH_HEALTH_PORT":             func(v string) { c.Health.Port = v },
		"MCPWATCH_EXPORTERS_OTLP_ENDPOINT": func(v string) { c.Exporters.OTLP.Endpoint = v },
		"MCPWATCH_EXPORTERS_WEB_ADDR":      func(v string) { c.Exporters.Web.Addr = v },
	}

	boolOverrides := map[string]*bool{
		"MCPWATCH_CAPTURE_AUTO_DETECT":    &c.Capture.AutoDetect,
		"MCPWATCH_HEALTH_ENABLED":         &c.Health.Enabled,
		"MCPWATCH_EXPORTERS_OTLP_ENABLED": &c.Exporters.OTLP.Enabled,
		"MCPWATCH_EXPORTERS_WEB_ENABLED":  &c.Exporters.Web.Enabled,
	}

	intOverrides := map[string]*int{
		"MCPWATCH_PIPELINE_WORKERS": &c.Pipeline.Workers,
		"MCPWATCH_FLOWS_MAX_BUFFER": &c.Flows.MaxBuffer,
	}

	for envKey, setter := range envOverrides {
		if val := os.Getenv(envKey); val != "" {
			setter(val)
		}
	}

	for envKey, target := range boolOverrides {
		if val := os.Getenv(envKey); val != "" {
			*target = parseBool(val)
		}
	}

	for envKey, target := range intOverrides {
		if val := os.Getenv(envKey); val != "" {
			if n, err := strconv.Atoi(strings.TrimSpace(val)); err == nil {
				*target = n
			}
		}
	}
}

func parseBool(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "true" || s == "1" || s == "yes"
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	for _, p := range c.Capture.Ports {
		if p < 1 || p > 65535 {
			return fmt.Errorf("capture.ports: port %d out of range", p)
		}
	}

	if c.Capture.ProbeWindow <= 0 {
		return fmt.Errorf("capture.probe_window must be positive")
	}

	if c.Flows.IdleTimeout < time.Second {
		return fmt.Errorf("flows.idle_timeout must be at least 1s")
	}

	if c.Flows.SweepInterval < time.Second {
		return fmt.Errorf("flows.sweep_interval must be at least 1s")
	}

	if c.Flows.MaxBuffer < 4096 {
		return fmt.Errorf("flows.max_buffer must be at least 4096")
	}

	if c.Pipeline.Workers < 1 {
		return fmt.Errorf("pipeline.workers must be at least 1")
	}

	if f := c.Exporters.Stdout.Format; f != "text" && f != "json" {
		return fmt.Errorf("exporters.stdout.format must be 'text' or 'json'")
	}

	if c.Exporters.OTLP.Enabled && c.Exporters.OTLP.Endpoint == "" {
		return fmt.Errorf("exporters.otlp.endpoint is required when OTLP is enabled")
	}

	if cmp := c.Exporters.OTLP.Compression; cmp != "" && cmp != "gzip" && cmp != "none" {
		return fmt.Errorf("exporters.otlp.compression must be 'gzip' or 'none'")
	}

	if c.Exporters.Web.Enabled && c.Exporters.Web.Addr == "" {
		return fmt.Errorf("exporters.web.addr is required when web exporter is enabled")
	}

	return nil
}
