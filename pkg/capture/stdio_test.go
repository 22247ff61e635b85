// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"bytes"
	"context"
	"io"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mbeema/mcpwatch/pkg/flow"
)

type chunkCollector struct {
	mu     sync.Mutex
	chunks []*Chunk
}

func (c *chunkCollector) collect(ch *Chunk) {
	c.mu.Lock()
	c.chunks = append(c.chunks, ch)
	c.mu.Unlock()
}

func (c *chunkCollector) snapshot() []*Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Chunk(nil), c.chunks...)
}

func TestStdioSourceRelaysAndTaps(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs cat")
	}

	msg := `{"jsonrpc":"2.0","id":1,"method":"initialize"}` + "\n"
	var out bytes.Buffer
	src := NewStdioSource(StdioConfig{
		Command: []string{"cat"},
		Stdin:   strings.NewReader(msg),
		Stdout:  &out,
		Stderr:  io.Discard,
	})

	var col chunkCollector
	src.OnChunk(col.collect)

	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if code := src.Wait(); code != 0 {
		t.Fatalf("exit code = %d", code)
	}

	// The relay must pass bytes through untouched.
	if out.String() != msg {
		t.Errorf("relayed output = %q, want %q", out.String(), msg)
	}

	pid := src.PID()
	if pid == 0 {
		t.Fatal("PID not recorded")
	}

	var inData, outData []byte
	closes := map[string]bool{}
	for _, ch := range col.snapshot() {
		if ch.Close {
			closes[ch.Key.String()] = true
			continue
		}
		switch ch.Key {
		case flow.PipeKey(pid, "stdin"):
			if ch.Direction != flow.DirOutbound {
				t.Errorf("stdin chunk direction = %v", ch.Direction)
			}
			outData = append(outData, ch.Data...)
		case flow.PipeKey(pid, "stdout"):
			if ch.Direction != flow.DirInbound {
				t.Errorf("stdout chunk direction = %v", ch.Direction)
			}
			inData = append(inData, ch.Data...)
		default:
			t.Errorf("unexpected flow %s", ch.Key.String())
		}
	}

	if string(outData) != msg {
		t.Errorf("tapped client->server bytes = %q", outData)
	}
	if string(inData) != msg {
		t.Errorf("tapped server->client bytes = %q", inData)
	}
	if !closes[flow.PipeKey(pid, "stdin").String()] || !closes[flow.PipeKey(pid, "stdout").String()] {
		t.Errorf("missing close chunks, got %v", closes)
	}
}

func TestStdioSourceExitCode(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sh")
	}

	src := NewStdioSource(StdioConfig{
		Command: []string{"sh", "-c", "exit 3"},
		Stdin:   strings.NewReader(""),
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if code := src.Wait(); code != 3 {
		t.Errorf("exit code = %d, want 3", code)
	}
}

func TestStdioSourceEmptyCommand(t *testing.T) {
	src := NewStdioSource(StdioConfig{})
	if err := src.Start(context.Background()); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestStdioSourceStop(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("needs sleep")
	}

	stdinR, stdinW := io.Pipe()
	defer stdinW.Close()

	src := NewStdioSource(StdioConfig{
		Command: []string{"sleep", "60"},
		Stdin:   stdinR,
		Stdout:  io.Discard,
		Stderr:  io.Discard,
	})
	if err := src.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		src.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not return")
	}
}
