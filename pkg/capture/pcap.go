// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package capture

import (
	"context"
	"fmt"
	"runtime"
	"sync"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcap"
	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/flow"
)

const pcapSnapLen = 65535

// PcapConfig configures a live capture source.
type PcapConfig struct {
	Interface string // empty picks the platform loopback/default
	Filter    string // BPF expression, e.g. "tcp port 3000"
	Logger    *zap.Logger
}

// PcapSource captures TCP payloads off the wire with libpcap. Capture is
// non-promiscuous: this is a protocol observer, not a network analyzer.
type PcapSource struct {
	baseSource

	cfg    PcapConfig
	handle *pcap.Handle
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPcapSource creates a live capture source.
func NewPcapSource(cfg PcapConfig) *PcapSource {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PcapSource{
		baseSource: baseSource{logger: logger},
		cfg:        cfg,
	}
}

// defaultInterface returns the loopback device on macOS, where MCP dev
// traffic overwhelmingly lives, and lets libpcap pick elsewhere.
func defaultInterface() string {
	if runtime.GOOS == "darwin" {
		return "lo0"
	}
	return "any"
}

// Start opens the pcap handle and launches the capture loop.
func (s *PcapSource) Start(ctx context.Context) error {
	iface := s.cfg.Interface
	if iface == "" {
		iface = defaultInterface()
	}

	handle, err := pcap.OpenLive(iface, pcapSnapLen, false, pcap.BlockForever)
	if err != nil {
		return fmt.Errorf("open pcap on %s: %w", iface, err)
	}
	if s.cfg.Filter != "" {
		if err := handle.SetBPFFilter(s.cfg.Filter); err != nil {
			handle.Close()
			return fmt.Errorf("set bpf filter %q: %w", s.cfg.Filter, err)
		}
	}
	s.handle = handle

	ctx, s.cancel = context.WithCancel(ctx)

	s.logger.Info("live capture started",
		zap.String("interface", iface),
		zap.String("filter", s.cfg.Filter),
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer handle.Close()

		src := gopacket.NewPacketSource(handle, handle.LinkType())
		src.NoCopy = true
		src.Lazy = true

		for {
			select {
			case <-ctx.Done():
				return
			case pkt, ok := <-src.Packets():
				if !ok {
					return
				}
				s.processPacket(pkt)
			}
		}
	}()
	return nil
}

// Stop tears down the capture loop.
func (s *PcapSource) Stop() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return nil
}

// processPacket extracts the TCP payload and emits it tagged with its
// 5-tuple. Ordering within a connection is whatever the kernel delivered;
// severe reordering shows up downstream as corrupt spans and is accepted
// for a passive observer on loopback-dominated traffic.
func (s *PcapSource) processPacket(pkt gopacket.Packet) {
	tcpLayer := pkt.Layer(layers.LayerTypeTCP)
	if tcpLayer == nil {
		return
	}
	tcp := tcpLayer.(*layers.TCP)
	if len(tcp.Payload) == 0 && !tcp.RST && !tcp.FIN {
		return
	}

	var srcIP, dstIP string
	switch ip := pkt.NetworkLayer().(type) {
	case *layers.IPv4:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	case *layers.IPv6:
		srcIP, dstIP = ip.SrcIP.String(), ip.DstIP.String()
	default:
		return
	}

	key := flow.NetworkKey(srcIP, uint16(tcp.SrcPort), dstIP, uint16(tcp.DstPort))

	if len(tcp.Payload) > 0 {
		data := make([]byte, len(tcp.Payload))
		copy(data, tcp.Payload)
		s.emit(&Chunk{
			Key:       key,
			Direction: flow.DirUnknown,
			Data:      data,
			Timestamp: pkt.Metadata().Timestamp,
		})
	}
	if tcp.RST || tcp.FIN {
		s.emit(&Chunk{
			Key:       key,
			Direction: flow.DirUnknown,
			Timestamp: pkt.Metadata().Timestamp,
			Close:     true,
		})
	}
}
