// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/mcpwatch/pkg/agent"
	"github.com/mbeema/mcpwatch/pkg/capture"
	"github.com/mbeema/mcpwatch/pkg/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// portList collects repeated -port flags.
type portList []int

func (p *portList) String() string {
	parts := make([]string, len(*p))
	for i, v := range *p {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, ",")
}

func (p *portList) Set(s string) error {
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return fmt.Errorf("invalid port %q", part)
		}
		*p = append(*p, n)
	}
	return nil
}

func main() {
	var (
		configPath  string
		ports       portList
		filter      string
		iface       string
		autoDetect  bool
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "", "path to configuration file (enables auto-reload)")
	flag.Var(&ports, "port", "TCP port to monitor (repeatable, or comma-separated)")
	flag.StringVar(&filter, "filter", "", "raw BPF capture filter (overrides -port)")
	flag.StringVar(&iface, "iface", "", "capture interface (default: loopback)")
	flag.BoolVar(&autoDetect, "auto-detect", false, "watch all TCP traffic and promote flows carrying JSON-RPC")
	flag.StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	flag.BoolVar(&showVersion, "version", false, "show version and exit")
	flag.Usage = usage
	flag.Parse()

	if showVersion {
		fmt.Printf("mcpwatch %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Everything after "--" is a command to wrap: mcpwatch relays the
	// child's stdio transparently while tapping both directions.
	wrapCmd := flag.Args()

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// CLI flags override file config.
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	if len(ports) > 0 {
		cfg.Capture.Ports = ports
	}
	if filter != "" {
		cfg.Capture.Filter = filter
	}
	if iface != "" {
		cfg.Capture.Interface = iface
	}
	if autoDetect {
		cfg.Capture.AutoDetect = true
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid config: %v\n", err)
		os.Exit(1)
	}

	// In wrap mode stdout belongs to the relayed MCP stream; printing
	// records there would corrupt the client's protocol. Records still
	// flow to the OTLP and WebSocket sinks.
	stdoutSilenced := false
	if len(wrapCmd) > 0 && cfg.Exporters.Stdout.StdoutEnabled() {
		off := false
		cfg.Exporters.Stdout.Enabled = &off
		stdoutSilenced = true
	}

	sniffing := len(cfg.Capture.Ports) > 0 || cfg.Capture.Filter != "" || cfg.Capture.AutoDetect
	if !sniffing && len(wrapCmd) == 0 {
		fmt.Fprintln(os.Stderr, "nothing to observe: pass -port, -filter, -auto-detect, or a command after --")
		flag.Usage()
		os.Exit(2)
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("starting mcpwatch",
		zap.String("version", version),
		zap.String("commit", commit),
	)
	if stdoutSilenced {
		logger.Info("stdout exporter disabled in wrap mode; enable the OTLP or web exporter to collect records")
	}

	agent.Version = version
	a, err := agent.New(cfg, logger)
	if err != nil {
		logger.Fatal("failed to create agent", zap.Error(err))
	}

	var stdioSrc *capture.StdioSource
	if len(wrapCmd) > 0 {
		stdioSrc = capture.NewStdioSource(capture.StdioConfig{
			Command: wrapCmd,
			Logger:  logger,
		})
		a.AddSource(stdioSrc)
	}
	if sniffing {
		a.AddSource(capture.NewPcapSource(capture.PcapConfig{
			Interface: cfg.Capture.Interface,
			Filter:    buildFilter(cfg),
			Logger:    logger,
		}))
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		logger.Fatal("failed to start agent", zap.Error(err))
	}

	var watcher *config.Watcher
	if configPath != "" {
		watcher = config.NewWatcher(configPath, func(newCfg *config.Config) {
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply reloaded config", zap.Error(err))
			}
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			logger.Fatal("failed to start config watcher", zap.Error(err))
		}
	}

	// In wrap mode, the child's exit ends the run and sets the exit code.
	childDone := make(chan int, 1)
	if stdioSrc != nil {
		go func() { childDone <- stdioSrc.Wait() }()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			shutdown(a, watcher, cancel, logger)
			return

		case code := <-childDone:
			logger.Info("wrapped process exited", zap.Int("code", code))
			shutdown(a, watcher, cancel, logger)
			os.Exit(code)

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			if configPath == "" {
				logger.Warn("no config file to reload")
				continue
			}
			newCfg, err := config.Load(configPath)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			if err := a.Reload(newCfg); err != nil {
				logger.Error("failed to apply new config", zap.Error(err))
			}
		}
	}
}

func shutdown(a *agent.Agent, watcher *config.Watcher, cancel context.CancelFunc, logger *zap.Logger) {
	if watcher != nil {
		watcher.Stop()
	}
	cancel()

	done := make(chan struct{})
	go func() {
		if err := a.Stop(); err != nil {
			logger.Error("error during shutdown", zap.Error(err))
		}
		close(done)
	}()

	select {
	case <-done:
		logger.Info("mcpwatch stopped")
	case <-time.After(30 * time.Second):
		logger.Error("shutdown timed out after 30s, forcing exit")
		os.Exit(1)
	}
}

// buildFilter turns the capture config into a BPF expression. An explicit
// filter wins; a port list becomes a port disjunction; auto-detect alone
// falls back to all TCP.
func buildFilter(cfg *config.Config) string {
	if cfg.Capture.Filter != "" {
		return cfg.Capture.Filter
	}
	// Auto-detect widens capture beyond any listed ports.
	if cfg.Capture.AutoDetect || len(cfg.Capture.Ports) == 0 {
		return "tcp"
	}
	parts := make([]string, len(cfg.Capture.Ports))
	for i, p := range cfg.Capture.Ports {
		parts[i] = fmt.Sprintf("tcp port %d", p)
	}
	return strings.Join(parts, " or ")
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}

	defaults := []string{
		"configs/mcpwatch.yaml",
		"/etc/mcpwatch/mcpwatch.yaml",
		"/etc/mcpwatch.yaml",
	}
	for _, p := range defaults {
		if _, err := os.Stat(p); err == nil {
			return config.Load(p)
		}
	}

	return config.DefaultConfig(), nil
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

func usage() {
	fmt.Fprintf(os.Stderr, `mcpwatch — passive MCP traffic observer

Usage:
  mcpwatch -port 3000 [-port 8080]      monitor specific TCP ports
  mcpwatch -filter "tcp port 3000"      monitor with a raw BPF filter
  mcpwatch -auto-detect                 promote any flow carrying JSON-RPC
  mcpwatch -- node server.js            wrap a stdio MCP server

Flags:
`)
	flag.PrintDefaults()
}
