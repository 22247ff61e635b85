// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"runtime"
	"strconv"
	"sync/atomic"
	"time"
)

// Stats tracks self-monitoring counters for the sniffer.
type Stats struct {
	startTime time.Time

	ChunksReceived    atomic.Int64
	ChunksDropped     atomic.Int64
	BytesReceived     atomic.Int64
	MessagesExtracted atomic.Int64
	CorruptSpans      atomic.Int64
	FlowsCreated      atomic.Int64
	FlowsEvicted      atomic.Int64
	PortsPromoted     atomic.Int64
	RecordsExported   atomic.Int64
	RecordsDropped    atomic.Int64

	activeFlows func() int
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	return &Stats{
		startTime: time.Now(),
	}
}

// SetActiveFlowsFunc registers a callback that reports the number of
// tracked flows. Must be called before the health server starts.
func (s *Stats) SetActiveFlowsFunc(fn func() int) {
	s.activeFlows = fn
}

// Uptime returns sniffer uptime.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds     float64 `json:"uptime_seconds"`
	Goroutines        int     `json:"goroutines"`
	MemoryRSSBytes    uint64  `json:"memory_rss_bytes"`
	ActiveFlows       int     `json:"active_flows"`
	ChunksReceived    int64   `json:"chunks_received"`
	ChunksDropped     int64   `json:"chunks_dropped"`
	BytesReceived     int64   `json:"bytes_received"`
	MessagesExtracted int64   `json:"messages_extracted"`
	CorruptSpans      int64   `json:"corrupt_spans"`
	FlowsCreated      int64   `json:"flows_created"`
	FlowsEvicted      int64   `json:"flows_evicted"`
	PortsPromoted     int64   `json:"ports_promoted"`
	RecordsExported   int64   `json:"records_exported"`
	RecordsDropped    int64   `json:"records_dropped"`
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	active := 0
	if s.activeFlows != nil {
		active = s.activeFlows()
	}

	return Snapshot{
		UptimeSeconds:     s.Uptime().Seconds(),
		Goroutines:        runtime.NumGoroutine(),
		MemoryRSSBytes:    memStats.Sys,
		ActiveFlows:       active,
		ChunksReceived:    s.ChunksReceived.Load(),
		ChunksDropped:     s.ChunksDropped.Load(),
		BytesReceived:     s.BytesReceived.Load(),
		MessagesExtracted: s.MessagesExtracted.Load(),
		CorruptSpans:      s.CorruptSpans.Load(),
		FlowsCreated:      s.FlowsCreated.Load(),
		FlowsEvicted:      s.FlowsEvicted.Load(),
		PortsPromoted:     s.PortsPromoted.Load(),
		RecordsExported:   s.RecordsExported.Load(),
		RecordsDropped:    s.RecordsDropped.Load(),
	}
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	snap := s.Snapshot()
	return prometheusFormat(snap)
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "mcpwatch_uptime_seconds", "gauge", "Sniffer uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "mcpwatch_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "mcpwatch_memory_rss_bytes", "gauge", "Memory usage in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "mcpwatch_active_flows", "gauge", "Flows currently tracked", float64(snap.ActiveFlows))
	b = appendMetric(b, "mcpwatch_chunks_received_total", "counter", "Total capture chunks received", float64(snap.ChunksReceived))
	b = appendMetric(b, "mcpwatch_chunks_dropped_total", "counter", "Total capture chunks dropped by full worker queues", float64(snap.ChunksDropped))
	b = appendMetric(b, "mcpwatch_bytes_received_total", "counter", "Total payload bytes received", float64(snap.BytesReceived))
	b = appendMetric(b, "mcpwatch_messages_extracted_total", "counter", "Total JSON-RPC messages extracted", float64(snap.MessagesExtracted))
	b = appendMetric(b, "mcpwatch_corrupt_spans_total", "counter", "Total corrupt spans skipped", float64(snap.CorruptSpans))
	b = appendMetric(b, "mcpwatch_flows_created_total", "counter", "Total flows created", float64(snap.FlowsCreated))
	b = appendMetric(b, "mcpwatch_flows_evicted_total", "counter", "Total flows evicted", float64(snap.FlowsEvicted))
	b = appendMetric(b, "mcpwatch_ports_promoted_total", "counter", "Total ports promoted by auto-detection", float64(snap.PortsPromoted))
	b = appendMetric(b, "mcpwatch_records_exported_total", "counter", "Total records exported", float64(snap.RecordsExported))
	b = appendMetric(b, "mcpwatch_records_dropped_total", "counter", "Total records dropped", float64(snap.RecordsDropped))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = appendValue(b, value)
	b = append(b, '\n')
	return b
}

func appendValue(b []byte, f float64) []byte {
	if f == float64(int64(f)) {
		return strconv.AppendInt(b, int64(f), 10)
	}
	return strconv.AppendFloat(b, f, 'f', -1, 64)
}
