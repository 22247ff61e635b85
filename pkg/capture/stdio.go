// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/flow"
)

const stdioReadBuf = 32 * 1024

// StdioConfig configures a wrapped-process source.
type StdioConfig struct {
	Command []string
	Logger  *zap.Logger

	// Stdin/Stdout/Stderr default to the process's own streams; tests
	// substitute pipes.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// StdioSource spawns an MCP server and transparently relays its stdio
// while tapping both directions into the pipeline. The wrapped server and
// its client keep talking exactly as before; the tap sees every byte.
type StdioSource struct {
	baseSource

	cfg  StdioConfig
	cmd  *exec.Cmd
	wg   sync.WaitGroup
	done chan struct{}

	mu       sync.Mutex
	exitCode int
}

// NewStdioSource creates a wrapper source for the given command.
func NewStdioSource(cfg StdioConfig) *StdioSource {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Stdin == nil {
		cfg.Stdin = os.Stdin
	}
	if cfg.Stdout == nil {
		cfg.Stdout = os.Stdout
	}
	if cfg.Stderr == nil {
		cfg.Stderr = os.Stderr
	}
	return &StdioSource{
		baseSource: baseSource{logger: logger},
		cfg:        cfg,
		done:       make(chan struct{}),
	}
}

// Start launches the child and the two relay loops.
func (s *StdioSource) Start(ctx context.Context) error {
	if len(s.cfg.Command) == 0 {
		return fmt.Errorf("stdio capture: empty command")
	}

	cmd := exec.CommandContext(ctx, s.cfg.Command[0], s.cfg.Command[1:]...)
	cmd.Stderr = s.cfg.Stderr
	setProcAttrs(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", s.cfg.Command[0], err)
	}
	s.cmd = cmd
	pid := int32(cmd.Process.Pid)

	s.logger.Info("wrapped MCP server started",
		zap.Strings("command", s.cfg.Command),
		zap.Int32("pid", pid),
	)

	// Client -> server: our stdin into the child's stdin.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer stdin.Close()
		s.relay(s.cfg.Stdin, stdin, flow.PipeKey(pid, "stdin"), flow.DirOutbound)
	}()

	// Server -> client: the child's stdout onto ours.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.relay(stdout, s.cfg.Stdout, flow.PipeKey(pid, "stdout"), flow.DirInbound)
	}()

	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		s.mu.Lock()
		s.exitCode = code
		s.mu.Unlock()
		close(s.done)
		s.logger.Info("wrapped MCP server exited",
			zap.Int32("pid", pid),
			zap.Int("code", code),
		)
	}()
	return nil
}

// relay copies src to dst byte-for-byte, emitting each read as a chunk on
// the tap. EOF emits the flow-close signal.
func (s *StdioSource) relay(src io.Reader, dst io.Writer, key flow.Key, dir flow.Direction) {
	buf := make([]byte, stdioReadBuf)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if _, werr := dst.Write(buf[:n]); werr != nil {
				s.logger.Debug("stdio relay write failed",
					zap.String("flow", key.String()),
					zap.Error(werr),
				)
			}
			s.emit(&Chunk{
				Key:       key,
				Direction: dir,
				Data:      data,
				Timestamp: time.Now(),
			})
		}
		if err != nil {
			s.emit(&Chunk{
				Key:       key,
				Direction: dir,
				Timestamp: time.Now(),
				Close:     true,
			})
			return
		}
	}
}

// Wait blocks until the wrapped process exits and returns its exit code.
func (s *StdioSource) Wait() int {
	<-s.done
	s.wg.Wait()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// PID returns the wrapped process id, or 0 before Start.
func (s *StdioSource) PID() int32 {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return int32(s.cmd.Process.Pid)
}

// Stop terminates the wrapped process group and waits for the relays.
func (s *StdioSource) Stop() error {
	if s.cmd != nil && s.cmd.Process != nil {
		terminateProcess(s.cmd)
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	}
	return nil
}
