// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package autodetect discovers MCP-shaped traffic on ports nobody asked us
// to watch. The heuristic is a deliberately permissive substring search:
// over-promotion costs a little wasted monitoring, while under-promotion
// silently drops traffic, so recall wins over precision.
package autodetect

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/extract"
	"github.com/mbeema/mcpwatch/pkg/flow"
	"github.com/mbeema/mcpwatch/pkg/framing"
)

// jsonrpcMarker is what promotes a flow. Matching the quoted key rather
// than a full parse keeps the check cheap and catches payloads still
// wrapped in SSE lines or chunk framing.
var jsonrpcMarker = []byte(`"jsonrpc"`)

// Decision is the outcome of scanning one flow.
type Decision int

const (
	// DecisionWait means the observation window has not filled yet.
	DecisionWait Decision = iota
	// DecisionPromote moves the flow (and its server port) into active
	// monitoring.
	DecisionPromote
	// DecisionIgnore means the window filled without any MCP signal.
	DecisionIgnore
)

// Engine scans flows discovered through a broad capture filter and
// promotes the ones that look like JSON-RPC/MCP.
type Engine struct {
	window int
	logger *zap.Logger

	mu      sync.RWMutex
	enabled bool
	ports   map[uint16]bool
	ignored map[flow.Key]bool
}

// NewEngine creates an engine with the given observation window in bytes.
func NewEngine(window int, logger *zap.Logger) *Engine {
	if window <= 0 {
		window = framing.DefaultProbeWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		window:  window,
		logger:  logger,
		enabled: true,
		ports:   make(map[uint16]bool),
		ignored: make(map[flow.Key]bool),
	}
}

// SetEnabled toggles scanning at runtime.
func (e *Engine) SetEnabled(v bool) {
	e.mu.Lock()
	e.enabled = v
	e.mu.Unlock()
}

// Enabled reports whether scanning is active.
func (e *Engine) Enabled() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.enabled
}

// Scan inspects an unmonitored flow's buffered bytes for a JSON-RPC
// signature. Masked WebSocket payloads are peeked through the frame
// parser; everything else (raw JSON, SSE lines, chunk bodies, HTTP
// bodies) exposes the marker in the raw bytes.
func (e *Engine) Scan(f *flow.Flow) Decision {
	if !e.Enabled() {
		return DecisionIgnore
	}

	e.mu.RLock()
	done := e.ignored[f.Key]
	e.mu.RUnlock()
	if done {
		return DecisionIgnore
	}

	data := f.Pending()
	if e.matches(data) {
		e.promote(f)
		return DecisionPromote
	}

	if len(data) >= e.window && f.TotalBytes() > int64(e.window) {
		e.mu.Lock()
		if len(e.ignored) < maxIgnoredFlows {
			e.ignored[f.Key] = true
		}
		e.mu.Unlock()
		return DecisionIgnore
	}
	return DecisionWait
}

const maxIgnoredFlows = 100000

func (e *Engine) matches(data []byte) bool {
	if bytes.Contains(data, jsonrpcMarker) {
		return true
	}
	if framing.Detect(data) == framing.ModeWebSocket {
		return bytes.Contains(extract.PreviewText(data), jsonrpcMarker)
	}
	return false
}

// promote records the flow's server-side port so sibling flows of the
// same service are monitored from their first byte.
func (e *Engine) promote(f *flow.Flow) {
	f.SetMonitored(true)

	key := f.Key
	if key.IsPipe() {
		return
	}

	e.mu.Lock()
	newSrc := !e.ports[key.SrcPort]
	newDst := !e.ports[key.DstPort]
	e.ports[key.SrcPort] = true
	e.ports[key.DstPort] = true
	e.mu.Unlock()

	if newSrc || newDst {
		e.logger.Info("detected MCP traffic on unmonitored flow",
			zap.String("flow", key.String()),
		)
	}
}

// Promoted reports whether either port of a key has been promoted.
func (e *Engine) Promoted(key flow.Key) bool {
	if key.IsPipe() {
		return true
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.ports[key.SrcPort] || e.ports[key.DstPort]
}

// Ports returns the promoted port set.
func (e *Engine) Ports() []uint16 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	ports := make([]uint16, 0, len(e.ports))
	for p := range e.ports {
		ports = append(ports, p)
	}
	return ports
}

// Forget clears a flow's ignore mark when it is evicted, so a later flow
// with the same 5-tuple is scanned fresh.
func (e *Engine) Forget(key flow.Key) {
	e.mu.Lock()
	delete(e.ignored, key)
	e.mu.Unlock()
}
