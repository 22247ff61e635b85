// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package flow owns the per-flow byte buffers the reassembly pipeline
// reads from. Each flow has exactly one writer (its capture loop); the
// extraction pass advances a cursor over the same buffer under the flow's
// lock, so no component ever holds a competing copy of undelivered bytes.
package flow

import (
	"fmt"
	"sync"
	"time"

	"github.com/mbeema/mcpwatch/pkg/framing"
)

// Direction labels a flow relative to the capture point.
type Direction string

const (
	DirInbound  Direction = "incoming"
	DirOutbound Direction = "outgoing"
	DirUnknown  Direction = "unknown"
)

// Key identifies a flow: a TCP 5-tuple for network traffic, or a
// (pid, pipe) pair for stdio capture.
type Key struct {
	Proto   string
	SrcIP   string
	SrcPort uint16
	DstIP   string
	DstPort uint16

	PID  int32
	Pipe string
}

// NetworkKey builds a key for a TCP flow.
func NetworkKey(srcIP string, srcPort uint16, dstIP string, dstPort uint16) Key {
	return Key{Proto: "tcp", SrcIP: srcIP, SrcPort: srcPort, DstIP: dstIP, DstPort: dstPort}
}

// PipeKey builds a key for one direction of a wrapped process's stdio.
func PipeKey(pid int32, pipe string) Key {
	return Key{Proto: "pipe", PID: pid, Pipe: pipe}
}

// IsPipe reports whether the key identifies a stdio flow.
func (k Key) IsPipe() bool { return k.Proto == "pipe" }

func (k Key) String() string {
	if k.IsPipe() {
		return fmt.Sprintf("pipe/%d/%s", k.PID, k.Pipe)
	}
	return fmt.Sprintf("%s/%s:%d->%s:%d", k.Proto, k.SrcIP, k.SrcPort, k.DstIP, k.DstPort)
}

// Flow is a single logical channel with its reassembly state.
type Flow struct {
	mu sync.Mutex

	Key       Key
	Direction Direction

	buf    []byte
	cursor int

	mode      framing.Mode
	transport framing.Transport

	// bodyRemaining counts Content-Length bytes still owed while the
	// flow is in ModeHTTPBody.
	bodyRemaining int

	// chunkTail holds decoded chunk bytes whose inner message is still
	// incomplete. Only the extraction goroutine touches it.
	chunkTail []byte

	monitored bool
	created   time.Time
	last      time.Time
	total     int64
}

// New creates a flow record. The first Append stamps activity.
func New(key Key, dir Direction) *Flow {
	now := time.Now()
	f := &Flow{
		Key:       key,
		Direction: dir,
		buf:       make([]byte, 0, 4096),
		mode:      framing.ModeUnknown,
		created:   now,
		last:      now,
	}
	if key.IsPipe() {
		f.transport = framing.TransportStdio
		f.mode = framing.ModeRaw
		f.monitored = true
	}
	return f
}

// Append adds captured bytes to the flow's buffer.
func (f *Flow) Append(data []byte, ts time.Time) {
	f.mu.Lock()
	f.buf = append(f.buf, data...)
	f.last = ts
	f.total += int64(len(data))
	f.mu.Unlock()
}

// Pending returns the unconsumed region of the buffer. The returned slice
// is a snapshot view: concurrent appends may grow the buffer but never
// mutate the bytes already visible, and only the extraction goroutine for
// this flow consumes, so the view stays valid until the next Consume.
func (f *Flow) Pending() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.buf[f.cursor:]
}

// Consume advances the cursor past n extracted bytes and compacts the
// consumed prefix so buffer growth stays bounded by in-flight data.
func (f *Flow) Consume(n int) {
	if n <= 0 {
		return
	}
	f.mu.Lock()
	f.cursor += n
	if f.cursor > len(f.buf) {
		f.cursor = len(f.buf)
	}
	if f.cursor > 0 {
		f.buf = append(f.buf[:0], f.buf[f.cursor:]...)
		f.cursor = 0
	}
	f.mu.Unlock()
}

// Mode returns the detected framing mode.
func (f *Flow) Mode() framing.Mode {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode
}

// SetMode records a framing detection or mid-stream transition.
func (f *Flow) SetMode(m framing.Mode) {
	f.mu.Lock()
	f.mode = m
	f.mu.Unlock()
}

// Transport returns the MCP transport tag.
func (f *Flow) Transport() framing.Transport {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.transport
}

// SetTransport tags the flow's transport once confirmed. Unknown never
// overwrites a confirmed tag.
func (f *Flow) SetTransport(t framing.Transport) {
	if t == framing.TransportUnknown {
		return
	}
	f.mu.Lock()
	f.transport = t
	f.mu.Unlock()
}

// BodyRemaining returns the Content-Length bytes still owed.
func (f *Flow) BodyRemaining() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bodyRemaining
}

// SetBodyRemaining records how many fixed-length body bytes are owed.
func (f *Flow) SetBodyRemaining(n int) {
	f.mu.Lock()
	f.bodyRemaining = n
	f.mu.Unlock()
}

// ChunkTail returns decoded-but-unfinished chunked payload bytes.
func (f *Flow) ChunkTail() []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chunkTail
}

// SetChunkTail replaces the decoded chunk remainder.
func (f *Flow) SetChunkTail(tail []byte) {
	f.mu.Lock()
	f.chunkTail = tail
	f.mu.Unlock()
}

// Monitored reports whether the flow feeds the extraction pipeline.
func (f *Flow) Monitored() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.monitored
}

// SetMonitored marks the flow as promoted into active monitoring.
func (f *Flow) SetMonitored(v bool) {
	f.mu.Lock()
	f.monitored = v
	f.mu.Unlock()
}

// BufferedLen returns the number of unconsumed bytes held for the flow:
// the wire buffer past the cursor plus decoded chunk bytes still waiting
// on a message boundary. The oversize guard keys off this total, so a
// chunked stream whose inner payload never completes still trips the cap.
func (f *Flow) BufferedLen() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.buf) - f.cursor + len(f.chunkTail)
}

// TotalBytes returns the lifetime byte count appended to the flow.
func (f *Flow) TotalBytes() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total
}

// LastActivity returns the timestamp of the most recent append.
func (f *Flow) LastActivity() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.last
}
