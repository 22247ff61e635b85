// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package flow

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/framing"
)

func testKey() Key {
	return NetworkKey("10.0.0.1", 52000, "10.0.0.2", 3000)
}

func TestKeyString(t *testing.T) {
	if got := testKey().String(); got != "tcp/10.0.0.1:52000->10.0.0.2:3000" {
		t.Errorf("String() = %q", got)
	}
	if got := PipeKey(42, "stdout").String(); got != "pipe/42/stdout" {
		t.Errorf("String() = %q", got)
	}
}

func TestPipeFlowDefaults(t *testing.T) {
	f := New(PipeKey(7, "stdin"), DirOutbound)
	if !f.Monitored() {
		t.Error("pipe flows are monitored from creation")
	}
	if f.Mode() != framing.ModeRaw {
		t.Errorf("Mode = %v, want ModeRaw", f.Mode())
	}
	if f.Transport() != framing.TransportStdio {
		t.Errorf("Transport = %v, want stdio", f.Transport())
	}
}

func TestAppendConsumeCompaction(t *testing.T) {
	f := New(testKey(), DirOutbound)
	f.Append([]byte("hello "), time.Now())
	f.Append([]byte("world"), time.Now())

	if got := string(f.Pending()); got != "hello world" {
		t.Fatalf("Pending = %q", got)
	}
	f.Consume(6)
	if got := string(f.Pending()); got != "world" {
		t.Errorf("Pending after consume = %q", got)
	}
	if f.BufferedLen() != 5 {
		t.Errorf("BufferedLen = %d", f.BufferedLen())
	}
	if f.TotalBytes() != 11 {
		t.Errorf("TotalBytes = %d", f.TotalBytes())
	}

	f.Consume(5)
	if f.BufferedLen() != 0 {
		t.Errorf("BufferedLen = %d, want 0", f.BufferedLen())
	}
}

func TestTransportNeverDowngrades(t *testing.T) {
	f := New(testKey(), DirOutbound)
	f.SetTransport(framing.TransportStreamableHTTP)
	f.SetTransport(framing.TransportUnknown)
	if f.Transport() != framing.TransportStreamableHTTP {
		t.Errorf("Transport = %v, unknown must not overwrite", f.Transport())
	}
}

func TestTableGetOrCreateIdempotent(t *testing.T) {
	tbl := NewTable(0, zap.NewNop())
	a := tbl.GetOrCreate(testKey(), DirOutbound)
	b := tbl.GetOrCreate(testKey(), DirInbound)
	if a != b {
		t.Error("GetOrCreate must return the same flow for the same key")
	}
	if tbl.Count() != 1 {
		t.Errorf("Count = %d", tbl.Count())
	}
}

func TestTableRemoveFiresEvict(t *testing.T) {
	tbl := NewTable(0, zap.NewNop())
	var evicted []Key
	tbl.OnEvict(func(f *Flow) { evicted = append(evicted, f.Key) })

	tbl.Append(testKey(), DirOutbound, []byte("x"), time.Now())
	tbl.Remove(testKey())

	if len(evicted) != 1 || evicted[0] != testKey() {
		t.Errorf("evicted = %v", evicted)
	}
	if tbl.Count() != 0 {
		t.Errorf("Count = %d", tbl.Count())
	}
	// Removing an absent key is a no-op.
	tbl.Remove(testKey())
	if len(evicted) != 1 {
		t.Errorf("evict callback fired for absent key")
	}
}

func TestTableEvictIdle(t *testing.T) {
	tbl := NewTable(0, zap.NewNop())
	now := time.Now()

	tbl.Append(testKey(), DirOutbound, []byte("x"), now)
	stale := NetworkKey("10.0.0.1", 52001, "10.0.0.2", 3000)
	tbl.Append(stale, DirOutbound, []byte("y"), now)

	// Refresh only the first flow.
	time.Sleep(10 * time.Millisecond)
	tbl.Append(testKey(), DirOutbound, []byte("x"), time.Now())

	n := tbl.EvictIdle(time.Now(), 5*time.Millisecond)
	if n != 1 {
		t.Fatalf("evicted %d flows, want 1", n)
	}
	if _, ok := tbl.Get(stale); ok {
		t.Error("stale flow survived idle eviction")
	}
	if _, ok := tbl.Get(testKey()); !ok {
		t.Error("active flow evicted")
	}
}

func TestTableEvictOversize(t *testing.T) {
	tbl := NewTable(64, zap.NewNop())
	tbl.Append(testKey(), DirOutbound, make([]byte, 100), time.Now())

	if n := tbl.EvictOversize(); n != 1 {
		t.Fatalf("evicted %d flows, want 1", n)
	}
	if tbl.Count() != 0 {
		t.Errorf("Count = %d", tbl.Count())
	}
}

func TestEndpointTracker(t *testing.T) {
	et := NewEndpointTracker()
	et.SetTransport("10.0.0.2", 3000, "http_sse")
	et.SetEndpointURL("10.0.0.2", 3000, "/messages")

	// Request flow: server is the destination.
	if name, ok := et.Transport(testKey()); !ok || name != "http_sse" {
		t.Errorf("Transport = %q ok=%v", name, ok)
	}
	// Response flow: server is the source.
	resp := NetworkKey("10.0.0.2", 3000, "10.0.0.1", 52000)
	if name, ok := et.Transport(resp); !ok || name != "http_sse" {
		t.Errorf("Transport = %q ok=%v", name, ok)
	}
	// Pipes are always stdio.
	if name, ok := et.Transport(PipeKey(1, "stdout")); !ok || name != "stdio" {
		t.Errorf("Transport = %q ok=%v", name, ok)
	}
	if url, ok := et.EndpointURL("10.0.0.2", 3000); !ok || url != "/messages" {
		t.Errorf("EndpointURL = %q ok=%v", url, ok)
	}
	if _, ok := et.Transport(NetworkKey("1.1.1.1", 1, "2.2.2.2", 2)); ok {
		t.Error("unknown endpoint should not resolve")
	}

	// "unknown" is not a recordable transport.
	et.SetTransport("3.3.3.3", 9, "unknown")
	if _, ok := et.Transport(NetworkKey("x", 0, "3.3.3.3", 9)); ok {
		t.Error("unknown transport must not be recorded")
	}
}

func TestBufferedLenCountsChunkTail(t *testing.T) {
	f := New(testKey(), DirOutbound)
	f.Append([]byte("abc"), time.Now())
	f.SetChunkTail(make([]byte, 40))

	if got := f.BufferedLen(); got != 43 {
		t.Errorf("BufferedLen = %d, want 43", got)
	}
	f.SetChunkTail(nil)
	if got := f.BufferedLen(); got != 3 {
		t.Errorf("BufferedLen after tail reset = %d, want 3", got)
	}
}

func TestTableEvictOversizeChunkTail(t *testing.T) {
	// A chunked stream whose inner payload never completes holds its
	// decoded bytes in the chunk tail while the wire buffer stays
	// consumed; the cap must still fire.
	tbl := NewTable(64, zap.NewNop())
	f := tbl.Append(testKey(), DirOutbound, []byte("x"), time.Now())
	f.Consume(1)
	f.SetChunkTail(make([]byte, 100))

	if n := tbl.EvictOversize(); n != 1 {
		t.Fatalf("evicted %d flows, want 1", n)
	}
	if tbl.Count() != 0 {
		t.Errorf("Count = %d", tbl.Count())
	}
}
