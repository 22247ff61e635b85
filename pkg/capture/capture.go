// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package capture turns live packet captures and wrapped process pipes
// into a uniform stream of flow-tagged byte chunks. Sources tolerate
// arbitrary chunk sizes; reassembly downstream owns message boundaries.
package capture

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/flow"
)

// Chunk is one raw byte delivery tagged with its owning flow. A Chunk
// with Close set carries the flow-teardown signal (connection reset or
// pipe EOF) instead of data.
type Chunk struct {
	Key       flow.Key
	Direction flow.Direction
	Data      []byte
	Timestamp time.Time
	Close     bool
}

// Source is a capture input feeding the pipeline.
type Source interface {
	Start(ctx context.Context) error
	Stop() error
	OnChunk(fn func(*Chunk))
}

// baseSource provides callback fan-out shared by all sources.
type baseSource struct {
	logger *zap.Logger

	mu        sync.RWMutex
	callbacks []func(*Chunk)
}

func (s *baseSource) OnChunk(fn func(*Chunk)) {
	s.mu.Lock()
	s.callbacks = append(s.callbacks, fn)
	s.mu.Unlock()
}

func (s *baseSource) emit(ch *Chunk) {
	s.mu.RLock()
	cbs := s.callbacks
	s.mu.RUnlock()

	for _, cb := range cbs {
		cb(ch)
	}
}
