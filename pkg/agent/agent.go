// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package agent wires capture sources, the flow table, message extraction,
// classification, and the exporters into one observer pipeline. Chunks are
// sharded to workers by flow key so every flow is appended and drained by
// exactly one goroutine at a time.
package agent

import (
	"context"
	"fmt"
	"hash/fnv"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/autodetect"
	"github.com/mbeema/mcpwatch/pkg/capture"
	"github.com/mbeema/mcpwatch/pkg/classify"
	"github.com/mbeema/mcpwatch/pkg/config"
	"github.com/mbeema/mcpwatch/pkg/export"
	"github.com/mbeema/mcpwatch/pkg/extract"
	"github.com/mbeema/mcpwatch/pkg/flow"
	"github.com/mbeema/mcpwatch/pkg/health"
)

const (
	workerQueueSize = 1024
	maxTrackedPeers = 10000
)

// Agent is the main orchestrator that wires all subsystems together.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	table     *flow.Table
	endpoints *flow.EndpointTracker
	extractor *extract.Extractor
	detector  *autodetect.Engine
	exporter  *export.Manager
	wsExp     *export.WSExporter
	stats     *health.Stats
	healthSrv *health.Server

	sources []capture.Source

	// monitorAll is set when a raw capture filter is configured without
	// an explicit port list; everything the filter admits is observed.
	monitorAll atomic.Bool

	portMu sync.RWMutex
	ports  map[uint16]bool

	peerMu sync.Mutex
	peers  map[string]*peerPair

	workerChs []chan *capture.Chunk
	wg        sync.WaitGroup

	// Delta bases for mirroring exporter counts into stats.
	statMu       sync.Mutex
	prevExported int64
	prevDropped  int64

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	started bool
}

// peerPair remembers the initialize handshake identities seen for one
// server endpoint, so later records on the same session carry them.
type peerPair struct {
	client classify.PeerInfo
	server classify.PeerInfo
}

// New builds an agent from configuration. Capture sources are added
// separately with AddSource before Start.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		logger:    logger,
		endpoints: flow.NewEndpointTracker(),
		ports:     make(map[uint16]bool),
		peers:     make(map[string]*peerPair),
		stats:     health.NewStats(),
	}
	a.cfg.Store(cfg)

	a.table = flow.NewTable(cfg.Flows.MaxBuffer, logger)
	a.table.OnEvict(func(f *flow.Flow) {
		a.detector.Forget(f.Key)
	})

	a.extractor = extract.NewExtractor(cfg.Capture.ProbeWindow, a.endpoints, logger)

	a.detector = autodetect.NewEngine(cfg.Capture.ProbeWindow, logger)
	a.detector.SetEnabled(cfg.Capture.AutoDetect)

	for _, p := range cfg.Capture.Ports {
		a.ports[uint16(p)] = true
	}
	a.monitorAll.Store(cfg.Capture.Filter != "" && len(cfg.Capture.Ports) == 0)

	var exporters []export.Exporter
	if cfg.Exporters.Stdout.StdoutEnabled() {
		exporters = append(exporters, export.NewStdoutExporter(cfg.Exporters.Stdout.Format, logger))
	}
	if cfg.Exporters.OTLP.Enabled {
		otlp, err := export.NewOTLPExporter(export.OTLPConfig{
			Endpoint:    cfg.Exporters.OTLP.Endpoint,
			Insecure:    cfg.Exporters.OTLP.Insecure,
			Compression: cfg.Exporters.OTLP.Compression,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("create OTLP exporter: %w", err)
		}
		exporters = append(exporters, otlp)
	}
	if cfg.Exporters.Web.Enabled {
		a.wsExp = export.NewWSExporter(cfg.Exporters.Web.Addr, logger)
		exporters = append(exporters, a.wsExp)
	}
	a.exporter = export.NewManager(exporters, logger)

	if cfg.Health.Enabled {
		a.stats.SetActiveFlowsFunc(a.table.Count)
		a.healthSrv = health.NewServer(cfg.Health.Port, Version, a.stats, logger)
	}

	return a, nil
}

// Version is stamped by the build; the health endpoint reports it.
var Version = "dev"

// AddSource registers a capture source. Must be called before Start.
func (a *Agent) AddSource(src capture.Source) {
	a.sources = append(a.sources, src)
}

// Start begins all subsystems and wires them together.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.started {
		return fmt.Errorf("agent already started")
	}

	ctx, cancel := context.WithCancel(ctx)
	a.ctx = ctx
	a.cancel = cancel

	cfg := a.cfg.Load()

	a.exporter.Start(ctx)
	if a.wsExp != nil {
		if err := a.wsExp.Start(); err != nil {
			cancel()
			return fmt.Errorf("start websocket exporter: %w", err)
		}
	}
	if a.healthSrv != nil {
		if err := a.healthSrv.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start health server: %w", err)
		}
	}

	workers := cfg.Pipeline.Workers
	if workers < 1 {
		workers = 1
	}
	a.workerChs = make([]chan *capture.Chunk, workers)
	for i := range a.workerChs {
		ch := make(chan *capture.Chunk, workerQueueSize)
		a.workerChs[i] = ch
		a.wg.Add(1)
		go a.worker(ch)
	}

	for _, src := range a.sources {
		src.OnChunk(a.onChunk)
		if err := src.Start(ctx); err != nil {
			cancel()
			return fmt.Errorf("start capture source: %w", err)
		}
	}

	a.wg.Add(1)
	go a.cleanupLoop(ctx)

	if a.healthSrv != nil {
		a.healthSrv.SetReady(true)
	}
	a.started = true

	a.logger.Info("mcpwatch started",
		zap.Int("workers", workers),
		zap.Ints("ports", cfg.Capture.Ports),
		zap.Bool("auto_detect", a.detector.Enabled()),
	)
	return nil
}

// Stop shuts down sources, drains the workers, and flushes exporters.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.started {
		return nil
	}

	for _, src := range a.sources {
		if err := src.Stop(); err != nil {
			a.logger.Warn("capture source stop failed", zap.Error(err))
		}
	}

	a.cancel()
	for _, ch := range a.workerChs {
		close(ch)
	}
	a.wg.Wait()

	a.exporter.Stop()
	a.syncExportStats()

	if a.healthSrv != nil {
		a.healthSrv.SetReady(false)
		if err := a.healthSrv.Stop(); err != nil {
			a.logger.Warn("health server stop failed", zap.Error(err))
		}
	}

	a.started = false
	a.logger.Info("mcpwatch stopped",
		zap.Int64("messages", a.stats.MessagesExtracted.Load()),
		zap.Int64("corrupt_spans", a.stats.CorruptSpans.Load()),
	)
	return nil
}

// Reload applies a new configuration. Capture sources and listeners are
// not restarted; only the runtime-tunable settings change.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	a.cfg.Store(cfg)

	a.detector.SetEnabled(cfg.Capture.AutoDetect)

	a.portMu.Lock()
	a.ports = make(map[uint16]bool, len(cfg.Capture.Ports))
	for _, p := range cfg.Capture.Ports {
		a.ports[uint16(p)] = true
	}
	a.portMu.Unlock()
	a.monitorAll.Store(cfg.Capture.Filter != "" && len(cfg.Capture.Ports) == 0)

	a.logger.Info("configuration reloaded",
		zap.Ints("ports", cfg.Capture.Ports),
		zap.Bool("auto_detect", cfg.Capture.AutoDetect),
	)
	return nil
}

// MonitorPort adds a TCP port to the monitored set at runtime.
func (a *Agent) MonitorPort(port uint16) {
	a.portMu.Lock()
	a.ports[port] = true
	a.portMu.Unlock()
	a.logger.Info("port monitored", zap.Uint16("port", port))
}

// UnmonitorPort removes a TCP port from the monitored set. Flows already
// promoted stay monitored until they end.
func (a *Agent) UnmonitorPort(port uint16) {
	a.portMu.Lock()
	delete(a.ports, port)
	a.portMu.Unlock()
	a.logger.Info("port unmonitored", zap.Uint16("port", port))
}

// MonitoredPorts returns the static monitored port set, sorted.
func (a *Agent) MonitoredPorts() []uint16 {
	a.portMu.RLock()
	ports := make([]uint16, 0, len(a.ports))
	for p := range a.ports {
		ports = append(ports, p)
	}
	a.portMu.RUnlock()
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// DetectedPorts returns ports promoted by auto-detection.
func (a *Agent) DetectedPorts() []uint16 {
	ports := a.detector.Ports()
	sort.Slice(ports, func(i, j int) bool { return ports[i] < ports[j] })
	return ports
}

// SetAutoDetect toggles auto-detection at runtime.
func (a *Agent) SetAutoDetect(v bool) {
	a.detector.SetEnabled(v)
}

// Stats returns a snapshot of the pipeline counters.
func (a *Agent) Stats() health.Snapshot {
	a.syncExportStats()
	return a.stats.Snapshot()
}

// onChunk is the capture callback. It must stay cheap: count, shard,
// hand off. A full worker queue drops the chunk rather than stalling
// the capture loop.
func (a *Agent) onChunk(c *capture.Chunk) {
	a.stats.ChunksReceived.Add(1)
	a.stats.BytesReceived.Add(int64(len(c.Data)))

	h := fnv.New32a()
	h.Write([]byte(c.Key.String()))
	ch := a.workerChs[int(h.Sum32())%len(a.workerChs)]

	select {
	case ch <- c:
	default:
		a.stats.ChunksDropped.Add(1)
	}
}

func (a *Agent) worker(ch chan *capture.Chunk) {
	defer a.wg.Done()
	for c := range ch {
		a.handleChunk(c)
	}
}

func (a *Agent) handleChunk(c *capture.Chunk) {
	if c.Close {
		if f, ok := a.table.Get(c.Key); ok {
			if f.Monitored() {
				a.collect(f)
			}
			a.table.Remove(c.Key)
		}
		return
	}

	f := a.table.Append(c.Key, c.Direction, c.Data, c.Timestamp)
	if f.TotalBytes() == int64(len(c.Data)) {
		a.stats.FlowsCreated.Add(1)
	}

	if !f.Monitored() {
		switch {
		case a.monitorAll.Load(), a.portMonitored(c.Key), a.detector.Promoted(c.Key):
			f.SetMonitored(true)
		default:
			switch a.detector.Scan(f) {
			case autodetect.DecisionPromote:
				a.stats.PortsPromoted.Add(1)
			case autodetect.DecisionIgnore:
				// Not ours. Keep the flow (the ignore mark makes
				// rescans cheap) but stop buffering its bytes.
				f.Consume(f.BufferedLen())
				return
			default:
				return
			}
		}
	}

	a.collect(f)
}

func (a *Agent) portMonitored(key flow.Key) bool {
	if key.IsPipe() {
		return true
	}
	a.portMu.RLock()
	defer a.portMu.RUnlock()
	return a.ports[key.SrcPort] || a.ports[key.DstPort]
}

// collect drains the flow and exports every message that completed.
func (a *Agent) collect(f *flow.Flow) {
	res := a.extractor.Drain(f)
	if res.Corrupt > 0 {
		a.stats.CorruptSpans.Add(int64(res.Corrupt))
	}
	for _, raw := range res.Messages {
		for _, m := range classify.Classify(raw) {
			a.stats.MessagesExtracted.Add(1)
			a.notePeers(f, m)
			a.exporter.Export(a.buildRecord(f, m))
		}
	}
}

func (a *Agent) buildRecord(f *flow.Flow, m classify.Message) *export.Record {
	rec := &export.Record{
		Timestamp: time.Now(),
		FlowID:    f.Key.String(),
		Direction: string(f.Direction),
		Kind:      string(m.Kind),
		Method:    m.Method,
		RPCID:     m.ID,
		Message:   string(m.Raw),

		ToolName:    m.ToolName,
		ResourceURI: m.ResourceURI,
		PromptName:  m.PromptName,
	}

	if t, ok := a.endpoints.Transport(f.Key); ok {
		rec.Transport = t
	} else {
		rec.Transport = f.Transport().String()
	}

	if f.Key.IsPipe() {
		rec.PID = f.Key.PID
		rec.Pipe = f.Key.Pipe
		rec.ProcessName = capture.ProcessName(f.Key.PID)
	} else {
		rec.SrcIP = f.Key.SrcIP
		rec.SrcPort = f.Key.SrcPort
		rec.DstIP = f.Key.DstIP
		rec.DstPort = f.Key.DstPort
	}

	a.peerMu.Lock()
	if pair, ok := a.peers[a.serverEndpoint(f, m)]; ok {
		rec.ClientName = pair.client.Name
		rec.ClientVersion = pair.client.Version
		rec.ServerName = pair.server.Name
		rec.ServerVersion = pair.server.Version
	}
	a.peerMu.Unlock()

	return rec
}

// notePeers records initialize handshake identities keyed by the server
// endpoint, so every later message on the session carries them.
func (a *Agent) notePeers(f *flow.Flow, m classify.Message) {
	info, isClient, ok := classify.InitializeInfo(m)
	if !ok {
		return
	}

	endpoint := a.serverEndpoint(f, m)
	a.peerMu.Lock()
	defer a.peerMu.Unlock()

	pair := a.peers[endpoint]
	if pair == nil {
		if len(a.peers) >= maxTrackedPeers {
			return
		}
		pair = &peerPair{}
		a.peers[endpoint] = pair
	}
	if isClient {
		pair.client = info
	} else {
		pair.server = info
	}
}

// serverEndpoint names the server side of the flow: the destination of
// requests and notifications, the source of responses.
func (a *Agent) serverEndpoint(f *flow.Flow, m classify.Message) string {
	if f.Key.IsPipe() {
		return "pid:" + strconv.Itoa(int(f.Key.PID))
	}
	if m.Kind == classify.KindResponse || m.Kind == classify.KindError {
		return f.Key.SrcIP + ":" + strconv.Itoa(int(f.Key.SrcPort))
	}
	return f.Key.DstIP + ":" + strconv.Itoa(int(f.Key.DstPort))
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	defer a.wg.Done()

	cfg := a.cfg.Load()
	ticker := time.NewTicker(cfg.Flows.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cfg = a.cfg.Load()
			n := a.table.EvictIdle(time.Now(), cfg.Flows.IdleTimeout)
			n += a.table.EvictOversize()
			if n > 0 {
				a.stats.FlowsEvicted.Add(int64(n))
			}
			a.syncExportStats()

		case <-ctx.Done():
			return
		}
	}
}

// syncExportStats mirrors the export manager's counters into stats.
func (a *Agent) syncExportStats() {
	exported, dropped := a.exporter.Counts()
	a.statMu.Lock()
	de, dd := exported-a.prevExported, dropped-a.prevDropped
	a.prevExported, a.prevDropped = exported, dropped
	a.statMu.Unlock()
	if de > 0 {
		a.stats.RecordsExported.Add(de)
	}
	if dd > 0 {
		a.stats.RecordsDropped.Add(dd)
	}
}
