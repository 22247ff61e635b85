// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package extract locates complete JSON-RPC messages inside per-flow byte
// buffers, across every supported wire framing. It is driven repeatedly as
// bytes arrive: each Drain call emits whatever messages have become
// complete and leaves partial data in the flow's buffer.
package extract

import (
	"encoding/json"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/mbeema/mcpwatch/pkg/flow"
	"github.com/mbeema/mcpwatch/pkg/framing"
)

// Result is the outcome of one Drain pass over a flow.
type Result struct {
	Messages [][]byte
	Corrupt  int
}

// Extractor reassembles messages from flow buffers. It keeps no per-flow
// state of its own; everything restartable lives in the flow record, so
// extraction may run on any worker as long as one flow is never drained
// concurrently.
type Extractor struct {
	probeWindow int
	endpoints   *flow.EndpointTracker
	logger      *zap.Logger
}

// NewExtractor creates an extractor. endpoints may be nil when transport
// memory is not wanted (tests).
func NewExtractor(probeWindow int, endpoints *flow.EndpointTracker, logger *zap.Logger) *Extractor {
	if probeWindow <= 0 {
		probeWindow = framing.DefaultProbeWindow
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		probeWindow: probeWindow,
		endpoints:   endpoints,
		logger:      logger,
	}
}

// Drain repeatedly attempts extraction at the flow's buffer head until no
// further progress is possible, returning every message that completed.
// Incomplete data is left buffered (NeedMoreData is the normal steady
// state, never an error); corrupt spans are counted, logged at debug and
// skipped so they cannot stall the flow.
func (x *Extractor) Drain(f *flow.Flow) Result {
	res := x.drain(f)
	if res.Corrupt > 0 {
		x.logger.Debug("corrupt spans skipped",
			zap.String("flow", f.Key.String()),
			zap.Int("count", res.Corrupt),
		)
	}
	return res
}

func (x *Extractor) drain(f *flow.Flow) Result {
	var res Result

	for {
		data := f.Pending()
		if len(data) == 0 {
			return res
		}

		mode := f.Mode()
		if mode == framing.ModeUnknown {
			mode = framing.Detect(data)
			if mode == framing.ModeUnknown {
				if len(data) < x.probeWindow {
					return res
				}
				// Probe window exhausted with no match: fall back to
				// best-effort raw extraction.
				mode = framing.ModeRaw
			}
			f.SetMode(mode)
		}

		var progressed bool
		switch mode {
		case framing.ModeHTTP:
			progressed = x.drainHTTPHeader(f, data)
		case framing.ModeHTTPBody:
			progressed = x.drainHTTPBody(f, data, &res)
		case framing.ModeSSE:
			progressed = x.drainSSE(f, data, &res)
		case framing.ModeChunked, framing.ModeChunkedSSE:
			progressed = x.drainChunked(f, data, mode, &res)
		case framing.ModeWebSocket:
			msgs, consumed, corrupt := extractWebSocket(data)
			res.Messages = append(res.Messages, msgs...)
			res.Corrupt += corrupt
			f.Consume(consumed)
			progressed = consumed > 0
		default: // ModeRaw
			msgs, consumed, corrupt := extractRaw(data)
			res.Messages = append(res.Messages, msgs...)
			res.Corrupt += corrupt
			f.Consume(consumed)
			progressed = consumed > 0
		}

		if !progressed {
			return res
		}
	}
}

// drainHTTPHeader consumes one HTTP header block and transitions the flow
// to the body framing it announces. HTTP envelopes also carry the MCP
// transport signal, which is tagged on the flow and remembered for the
// server endpoint.
func (x *Extractor) drainHTTPHeader(f *flow.Flow, data []byte) bool {
	info, consumed, ok := framing.ParseHTTPHeader(data)
	if !ok {
		return false
	}
	f.Consume(consumed)

	next := info.BodyMode()
	f.SetMode(next)
	if next == framing.ModeHTTPBody {
		f.SetBodyRemaining(info.ContentLength)
	}

	x.noteTransport(f, info)
	return true
}

// drainHTTPBody extracts JSON from a fixed Content-Length body and then
// repositions the flow at the next HTTP message.
func (x *Extractor) drainHTTPBody(f *flow.Flow, data []byte, res *Result) bool {
	owed := f.BodyRemaining()
	if len(data) < owed {
		return false
	}

	body := data[:owed]
	msgs, _, corrupt := extractRaw(body)
	res.Messages = append(res.Messages, msgs...)
	res.Corrupt += corrupt

	f.Consume(owed)
	f.SetBodyRemaining(0)
	f.SetMode(framing.ModeHTTP)
	return true
}

// drainSSE extracts terminated events from a text/event-stream body.
func (x *Extractor) drainSSE(f *flow.Flow, data []byte, res *Result) bool {
	events, consumed := extractSSE(data)
	if consumed == 0 {
		return false
	}
	f.Consume(consumed)
	x.collectSSE(f, events, res)
	return true
}

// drainChunked strips chunk framing and feeds the decoded payload to the
// inner extractor (SSE or raw JSON). Decoded bytes whose inner message is
// still incomplete ride along on the flow until the next pass. The
// terminal chunk returns the flow to ModeHTTP.
func (x *Extractor) drainChunked(f *flow.Flow, data []byte, mode framing.Mode, res *Result) bool {
	decoded, consumed, final, malformed := decodeChunks(data)
	if malformed {
		// Unparseable size line: skip one byte to resync rather than
		// stall behind the bad span.
		res.Corrupt++
		f.Consume(consumed + 1)
		return true
	}
	if consumed == 0 {
		return false
	}
	f.Consume(consumed)

	payload := append(f.ChunkTail(), decoded...)
	var innerConsumed int
	if mode == framing.ModeChunkedSSE {
		events, n := extractSSE(payload)
		x.collectSSE(f, events, res)
		innerConsumed = n
	} else {
		msgs, n, corrupt := extractRaw(payload)
		res.Messages = append(res.Messages, msgs...)
		res.Corrupt += corrupt
		innerConsumed = n
	}
	f.SetChunkTail(payload[innerConsumed:])

	if final {
		if len(f.ChunkTail()) > 0 {
			res.Corrupt++
		}
		f.SetChunkTail(nil)
		f.SetMode(framing.ModeHTTP)
	}
	return true
}

// collectSSE turns SSE events into messages and handles the HTTP+SSE
// "endpoint" announcement.
func (x *Extractor) collectSSE(f *flow.Flow, events []sseEvent, res *Result) {
	for _, ev := range events {
		if url, ok := framing.EndpointFromSSE(ev.Name, ev.Data); ok {
			f.SetTransport(framing.TransportHTTPSSE)
			if x.endpoints != nil && !f.Key.IsPipe() {
				x.endpoints.SetTransport(f.Key.SrcIP, f.Key.SrcPort, framing.TransportHTTPSSE.String())
				x.endpoints.SetEndpointURL(f.Key.SrcIP, f.Key.SrcPort, url)
			}
			continue
		}
		if len(ev.Data) == 0 || (ev.Data[0] != '{' && ev.Data[0] != '[') {
			continue
		}
		if utf8.Valid(ev.Data) && json.Valid(ev.Data) {
			res.Messages = append(res.Messages, ev.Data)
		} else {
			res.Corrupt++
		}
	}
}

// noteTransport derives the MCP transport from an HTTP envelope and
// records it on the flow and for the server endpoint, so later flows to
// the same server inherit the tag before their own handshake is seen.
func (x *Extractor) noteTransport(f *flow.Flow, info *framing.HTTPInfo) {
	t := framing.DetectTransport(info, !info.IsRequest && info.SSE)
	if t == framing.TransportUnknown && x.endpoints != nil {
		if name, ok := x.endpoints.Transport(f.Key); ok {
			switch name {
			case framing.TransportHTTPSSE.String():
				t = framing.TransportHTTPSSE
			case framing.TransportStreamableHTTP.String():
				t = framing.TransportStreamableHTTP
			}
		}
	}
	if t == framing.TransportUnknown {
		return
	}

	f.SetTransport(t)
	if x.endpoints == nil || f.Key.IsPipe() {
		return
	}
	// Requests point at the server; responses come from it.
	if info.IsRequest {
		x.endpoints.SetTransport(f.Key.DstIP, f.Key.DstPort, t.String())
	} else {
		x.endpoints.SetTransport(f.Key.SrcIP, f.Key.SrcPort, t.String())
	}
}
