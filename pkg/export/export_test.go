// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
)

func testRecord() *Record {
	return &Record{
		Timestamp: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		FlowID:    "tcp/127.0.0.1:52000->127.0.0.1:3000",
		Transport: "streamable_http",
		Direction: "outgoing",
		SrcIP:     "127.0.0.1",
		SrcPort:   52000,
		DstIP:     "127.0.0.1",
		DstPort:   3000,
		Kind:      "request",
		Method:    "tools/call",
		RPCID:     "1",
		ToolName:  "search",
		Message:   `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`,
	}
}

func TestStdoutExporterText(t *testing.T) {
	var buf bytes.Buffer
	e := NewStdoutExporter("text", zap.NewNop())
	e.out = &buf

	if err := e.ExportRecords(context.Background(), []*Record{testRecord()}); err != nil {
		t.Fatal(err)
	}
	line := buf.String()
	for _, want := range []string{"request", "streamable_http", "tools/call", "127.0.0.1:52000->127.0.0.1:3000"} {
		if !strings.Contains(line, want) {
			t.Errorf("output missing %q: %s", want, line)
		}
	}
}

func TestStdoutExporterJSON(t *testing.T) {
	var buf bytes.Buffer
	e := NewStdoutExporter("json", zap.NewNop())
	e.out = &buf

	if err := e.ExportRecords(context.Background(), []*Record{testRecord()}); err != nil {
		t.Fatal(err)
	}

	var decoded Record
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not one JSON object per line: %v", err)
	}
	if decoded.Method != "tools/call" || decoded.ToolName != "search" {
		t.Errorf("round trip lost fields: %+v", decoded)
	}
}

func TestStdoutExporterPipeRecord(t *testing.T) {
	var buf bytes.Buffer
	e := NewStdoutExporter("text", zap.NewNop())
	e.out = &buf

	r := testRecord()
	r.SrcIP, r.DstIP = "", ""
	r.PID, r.Pipe = 42, "stdout"
	e.ExportRecords(context.Background(), []*Record{r})

	if !strings.Contains(buf.String(), "pid=42/stdout") {
		t.Errorf("pipe peer missing: %s", buf.String())
	}
}

// captureExporter records everything flushed to it.
type captureExporter struct {
	mu      sync.Mutex
	records []*Record
	flushes int
}

func (c *captureExporter) ExportRecords(_ context.Context, records []*Record) error {
	c.mu.Lock()
	c.records = append(c.records, records...)
	c.flushes++
	c.mu.Unlock()
	return nil
}

func (c *captureExporter) Shutdown(context.Context) error { return nil }

func (c *captureExporter) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestManagerFlushesOnStop(t *testing.T) {
	sink := &captureExporter{}
	m := NewManager([]Exporter{sink}, zap.NewNop())
	m.Start(context.Background())

	for i := 0; i < 5; i++ {
		m.Export(testRecord())
	}
	m.Stop()

	if got := sink.count(); got != 5 {
		t.Errorf("flushed %d records, want 5", got)
	}
	exported, dropped := m.Counts()
	if exported != 5 || dropped != 0 {
		t.Errorf("Counts = (%d, %d)", exported, dropped)
	}
}

func TestManagerBatchSizeFlush(t *testing.T) {
	sink := &captureExporter{}
	m := NewManager([]Exporter{sink}, zap.NewNop())
	m.batchSize = 2
	m.flushInterval = time.Hour // periodic flush never fires
	m.Start(context.Background())

	for i := 0; i < 4; i++ {
		m.Export(testRecord())
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 4 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	m.Stop()

	if got := sink.count(); got != 4 {
		t.Errorf("flushed %d records, want 4", got)
	}
}

func TestManagerDropsWhenFull(t *testing.T) {
	m := NewManager(nil, zap.NewNop())
	m.recordCh = make(chan *Record, 1)

	// No processing loop running: the second record has nowhere to go.
	m.Export(testRecord())
	m.Export(testRecord())

	_, dropped := m.Counts()
	if dropped != 1 {
		t.Errorf("dropped = %d, want 1", dropped)
	}
}

func TestConvertRecordAttributes(t *testing.T) {
	pl := convertRecord(testRecord())

	attrs := map[string]string{}
	for _, kv := range pl.Attributes {
		attrs[kv.Key] = kv.Value.GetStringValue()
	}
	if attrs["mcp.kind"] != "request" {
		t.Errorf("mcp.kind = %q", attrs["mcp.kind"])
	}
	if attrs["rpc.method"] != "tools/call" {
		t.Errorf("rpc.method = %q", attrs["rpc.method"])
	}
	if attrs["mcp.tool"] != "search" {
		t.Errorf("mcp.tool = %q", attrs["mcp.tool"])
	}
	if attrs["net.peer.dst"] != "127.0.0.1:3000" {
		t.Errorf("net.peer.dst = %q", attrs["net.peer.dst"])
	}
	if got := pl.Body.GetStringValue(); !strings.Contains(got, `"tools/call"`) {
		t.Errorf("body = %q", got)
	}
}

func TestConvertRecordPipe(t *testing.T) {
	r := testRecord()
	r.SrcIP, r.DstIP = "", ""
	r.PID, r.Pipe = 99, "stdin"
	pl := convertRecord(r)

	var pid int64
	var hasPipe bool
	for _, kv := range pl.Attributes {
		switch kv.Key {
		case "process.pid":
			pid = kv.Value.GetIntValue()
		case "mcp.pipe":
			hasPipe = true
		case "net.peer.src", "net.peer.dst":
			t.Errorf("pipe record must not carry %s", kv.Key)
		}
	}
	if pid != 99 || !hasPipe {
		t.Errorf("pid=%d hasPipe=%v", pid, hasPipe)
	}
}

func TestSanitizeUTF8(t *testing.T) {
	clean := sanitizeUTF8("hello")
	if clean != "hello" {
		t.Errorf("valid string changed: %q", clean)
	}
	dirty := sanitizeUTF8("a\xffb")
	if !strings.HasPrefix(dirty, "a") || strings.Contains(dirty, "\xff") {
		t.Errorf("invalid bytes survived: %q", dirty)
	}
}
