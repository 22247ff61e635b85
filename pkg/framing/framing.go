// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package framing identifies the wire framing carried by a flow and parses
// the HTTP envelope that Streamable HTTP and legacy HTTP+SSE transports wrap
// around JSON-RPC payloads.
package framing

import (
	"bytes"
)

// Mode is the detected wire framing for a flow.
type Mode int

const (
	// ModeUnknown means no framing pattern has matched yet. Detection is
	// re-attempted on every append until the probe window fills, after
	// which raw extraction is used as a best-effort fallback.
	ModeUnknown Mode = iota

	// ModeRaw is newline- or concatenation-delimited JSON with no outer
	// envelope (stdio pipes, plain TCP).
	ModeRaw

	// ModeHTTP means the flow is positioned at an HTTP/1.x request or
	// response line. The extractor consumes the header block and
	// transitions to the body framing it announces.
	ModeHTTP

	// ModeHTTPBody is a fixed Content-Length body holding JSON.
	ModeHTTPBody

	// ModeSSE is a text/event-stream body.
	ModeSSE

	// ModeChunked is a chunked transfer-encoded body holding JSON.
	ModeChunked

	// ModeChunkedSSE is a chunked body whose decoded payload is SSE.
	ModeChunkedSSE

	// ModeWebSocket is RFC 6455 frame framing.
	ModeWebSocket
)

func (m Mode) String() string {
	switch m {
	case ModeRaw:
		return "raw"
	case ModeHTTP:
		return "http"
	case ModeHTTPBody:
		return "http-body"
	case ModeSSE:
		return "sse"
	case ModeChunked:
		return "chunked"
	case ModeChunkedSSE:
		return "chunked-sse"
	case ModeWebSocket:
		return "websocket"
	default:
		return "unknown"
	}
}

// DefaultProbeWindow is how many bytes a flow may accumulate before an
// unmatched flow falls back to raw extraction.
const DefaultProbeWindow = 256

// httpStarts are the tokens an HTTP/1.x message can open with.
var httpStarts = [][]byte{
	[]byte("GET "),
	[]byte("POST "),
	[]byte("PUT "),
	[]byte("DELETE "),
	[]byte("PATCH "),
	[]byte("HEAD "),
	[]byte("OPTIONS "),
	[]byte("CONNECT "),
	[]byte("TRACE "),
	[]byte("HTTP/1."),
}

// Detect inspects the head of a flow's buffer and returns the initial
// framing mode. Evaluation order is fixed: WebSocket frame layout first,
// then HTTP/1.x start lines, then bare JSON. ModeUnknown means no pattern
// matched yet; callers retry on subsequent appends.
func Detect(buf []byte) Mode {
	if len(buf) == 0 {
		return ModeUnknown
	}
	if looksLikeWebSocketFrame(buf) {
		return ModeWebSocket
	}
	if isHTTPStart(buf) {
		return ModeHTTP
	}
	if buf[0] == '{' || buf[0] == '[' {
		return ModeRaw
	}
	return ModeUnknown
}

// looksLikeWebSocketFrame reports whether buf begins with a plausible
// RFC 6455 frame header: reserved bits clear and a known opcode. ASCII
// text (HTTP lines, JSON) always has an RSV bit set, so the check cannot
// shadow the later detectors.
func looksLikeWebSocketFrame(buf []byte) bool {
	if len(buf) < 2 {
		return false
	}
	if buf[0]&0x70 != 0 {
		return false
	}
	switch buf[0] & 0x0F {
	case 0x0, 0x1, 0x2, 0x8, 0x9, 0xA:
	default:
		return false
	}
	// A zero-length unmasked continuation header is indistinguishable from
	// NUL padding; require either a payload length or a mask bit.
	return buf[1] != 0
}

// isHTTPStart reports whether buf begins with an HTTP method or status line
// token. A buffer shorter than the token never matches; it stays in
// ModeUnknown and is re-probed on the next append, which also keeps a lone
// "G" from being misread before the rest of "GET " arrives.
func isHTTPStart(buf []byte) bool {
	for _, tok := range httpStarts {
		if bytes.HasPrefix(buf, tok) {
			return true
		}
	}
	return false
}
