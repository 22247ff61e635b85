// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package flow

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultMaxBuffer is the hard per-flow buffer cap. A flow that crosses it
// without ever yielding a message is evicted rather than allowed to grow.
const DefaultMaxBuffer = 1 << 20 // 1MB

// Table is the explicit registry of live flows, keyed by flow identity.
// It is the only owner of flow lifetimes: flows are created on first byte
// and destroyed by idle eviction, oversize eviction, or explicit close.
type Table struct {
	mu        sync.RWMutex
	flows     map[Key]*Flow
	maxBuffer int
	logger    *zap.Logger

	onEvict func(*Flow)
}

// NewTable creates an empty flow table.
func NewTable(maxBuffer int, logger *zap.Logger) *Table {
	if maxBuffer <= 0 {
		maxBuffer = DefaultMaxBuffer
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		flows:     make(map[Key]*Flow),
		maxBuffer: maxBuffer,
		logger:    logger,
	}
}

// OnEvict registers a callback invoked for every flow the table drops.
func (t *Table) OnEvict(fn func(*Flow)) {
	t.onEvict = fn
}

// GetOrCreate returns the flow for key, creating it if absent. Creation is
// idempotent under concurrent appends.
func (t *Table) GetOrCreate(key Key, dir Direction) *Flow {
	t.mu.RLock()
	f, ok := t.flows[key]
	t.mu.RUnlock()
	if ok {
		return f
	}

	t.mu.Lock()
	if f, ok = t.flows[key]; ok {
		t.mu.Unlock()
		return f
	}
	f = New(key, dir)
	t.flows[key] = f
	t.mu.Unlock()

	t.logger.Debug("flow created",
		zap.String("flow", key.String()),
		zap.String("direction", string(dir)),
	)
	return f
}

// Get returns the flow for key if present.
func (t *Table) Get(key Key) (*Flow, bool) {
	t.mu.RLock()
	f, ok := t.flows[key]
	t.mu.RUnlock()
	return f, ok
}

// Append routes captured bytes into the owning flow, creating it on first
// byte, and returns the flow.
func (t *Table) Append(key Key, dir Direction, data []byte, ts time.Time) *Flow {
	f := t.GetOrCreate(key, dir)
	f.Append(data, ts)
	return f
}

// Remove drops a flow on explicit teardown (connection reset, pipe close).
func (t *Table) Remove(key Key) {
	t.mu.Lock()
	f, ok := t.flows[key]
	delete(t.flows, key)
	t.mu.Unlock()

	if ok && t.onEvict != nil {
		t.onEvict(f)
	}
}

// EvictIdle removes flows with no activity since now-timeout and returns
// how many were dropped. Flows that never produced a message are evicted
// the same as any other; this is the table's primary leak guard.
func (t *Table) EvictIdle(now time.Time, timeout time.Duration) int {
	cutoff := now.Add(-timeout)
	var victims []*Flow

	t.mu.Lock()
	for key, f := range t.flows {
		if f.LastActivity().Before(cutoff) {
			delete(t.flows, key)
			victims = append(victims, f)
		}
	}
	t.mu.Unlock()

	for _, f := range victims {
		t.logger.Debug("flow evicted idle",
			zap.String("flow", f.Key.String()),
			zap.Int("buffered", f.BufferedLen()),
		)
		if t.onEvict != nil {
			t.onEvict(f)
		}
	}
	return len(victims)
}

// EvictOversize forcibly drops flows whose unconsumed buffer exceeds the
// hard cap. Such a flow is accumulating bytes the extractor can make no
// sense of (silent or binary traffic), so holding on only leaks memory.
func (t *Table) EvictOversize() int {
	var victims []*Flow

	t.mu.Lock()
	for key, f := range t.flows {
		if f.BufferedLen() > t.maxBuffer {
			delete(t.flows, key)
			victims = append(victims, f)
		}
	}
	t.mu.Unlock()

	for _, f := range victims {
		t.logger.Warn("flow evicted over buffer cap",
			zap.String("flow", f.Key.String()),
			zap.Int("buffered", f.BufferedLen()),
			zap.Int("cap", t.maxBuffer),
		)
		if t.onEvict != nil {
			t.onEvict(f)
		}
	}
	return len(victims)
}

// Count returns the number of live flows.
func (t *Table) Count() int {
	t.mu.RLock()
	n := len(t.flows)
	t.mu.RUnlock()
	return n
}

// Range calls fn for each live flow. fn must not call back into the table.
func (t *Table) Range(fn func(*Flow)) {
	t.mu.RLock()
	flows := make([]*Flow, 0, len(t.flows))
	for _, f := range t.flows {
		flows = append(flows, f)
	}
	t.mu.RUnlock()

	for _, f := range flows {
		fn(f)
	}
}
