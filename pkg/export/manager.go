// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

const (
	defaultBatchSize     = 200
	defaultFlushInterval = 1 * time.Second
	defaultChannelSize   = 10000
)

// Manager fans records out to every configured exporter, batching so slow
// sinks never block the reassembly pipeline. A full channel drops the
// record and counts it; capture must not back up behind a sink.
type Manager struct {
	logger    *zap.Logger
	exporters []Exporter

	recordCh chan *Record

	exported atomic.Int64
	dropped  atomic.Int64

	batchSize     int
	flushInterval time.Duration

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewManager creates a manager over the given exporters.
func NewManager(exporters []Exporter, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		logger:        logger,
		exporters:     exporters,
		recordCh:      make(chan *Record, defaultChannelSize),
		batchSize:     defaultBatchSize,
		flushInterval: defaultFlushInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start launches the batching loop.
func (m *Manager) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.process(ctx)
}

// Stop flushes buffered records and shuts down the exporters.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range m.exporters {
		if err := e.Shutdown(ctx); err != nil {
			m.logger.Warn("exporter shutdown failed", zap.Error(err))
		}
	}
}

// Export enqueues one record, dropping when the channel is full.
func (m *Manager) Export(r *Record) {
	select {
	case m.recordCh <- r:
	default:
		m.dropped.Add(1)
	}
}

// Counts returns how many records were exported and dropped.
func (m *Manager) Counts() (exported, dropped int64) {
	return m.exported.Load(), m.dropped.Load()
}

func (m *Manager) process(ctx context.Context) {
	defer m.wg.Done()

	batch := make([]*Record, 0, m.batchSize)
	ticker := time.NewTicker(m.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-m.recordCh:
			batch = append(batch, r)
			if len(batch) >= m.batchSize {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				m.flush(ctx, batch)
				batch = batch[:0]
			}

		case <-m.stopCh:
			for {
				select {
				case r := <-m.recordCh:
					batch = append(batch, r)
				default:
					if len(batch) > 0 {
						m.flush(context.Background(), batch)
					}
					return
				}
			}

		case <-ctx.Done():
			for {
				select {
				case r := <-m.recordCh:
					batch = append(batch, r)
				default:
					if len(batch) > 0 {
						m.flush(context.Background(), batch)
					}
					return
				}
			}
		}
	}
}

func (m *Manager) flush(ctx context.Context, batch []*Record) {
	for _, e := range m.exporters {
		if err := e.ExportRecords(ctx, batch); err != nil {
			m.logger.Warn("record export failed",
				zap.Int("count", len(batch)),
				zap.Error(err),
			)
		}
	}
	m.exported.Add(int64(len(batch)))
}
