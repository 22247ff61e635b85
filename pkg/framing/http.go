// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package framing

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
)

// HTTPInfo is the parsed envelope of one HTTP/1.x header block.
type HTTPInfo struct {
	IsRequest  bool
	Method     string
	Path       string
	StatusCode int
	Headers    map[string]string // keys lower-cased

	ContentLength int // -1 when absent
	Chunked       bool
	SSE           bool
	Upgrade       bool // WebSocket upgrade
}

// Header returns a header value by canonical-insensitive name.
func (h *HTTPInfo) Header(name string) string {
	return h.Headers[strings.ToLower(name)]
}

// ParseHTTPHeader parses one HTTP header block starting at buf[0].
// It returns the parsed envelope and the number of bytes the block
// occupies including the terminating blank line. ok is false while the
// block is still incomplete.
func ParseHTTPHeader(buf []byte) (info *HTTPInfo, consumed int, ok bool) {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return nil, 0, false
	}
	consumed = headerEnd + 4

	lines := strings.Split(string(buf[:headerEnd]), "\r\n")
	if len(lines) == 0 {
		return nil, 0, false
	}

	info = &HTTPInfo{
		Headers:       make(map[string]string),
		ContentLength: -1,
	}

	first := lines[0]
	if strings.HasPrefix(first, "HTTP/1.") {
		parts := strings.Fields(first)
		if len(parts) >= 2 {
			info.StatusCode, _ = strconv.Atoi(parts[1])
		}
	} else {
		info.IsRequest = true
		parts := strings.Fields(first)
		if len(parts) >= 2 {
			info.Method = parts[0]
			info.Path = parts[1]
		}
	}

	for _, line := range lines[1:] {
		idx := strings.IndexByte(line, ':')
		if idx < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:idx]))
		val := strings.TrimSpace(line[idx+1:])
		info.Headers[key] = val
	}

	if cl := info.Headers["content-length"]; cl != "" {
		if n, err := strconv.Atoi(cl); err == nil && n >= 0 {
			info.ContentLength = n
		}
	}
	info.Chunked = strings.Contains(strings.ToLower(info.Headers["transfer-encoding"]), "chunked")
	info.SSE = strings.Contains(info.Headers["content-type"], "text/event-stream")
	info.Upgrade = strings.EqualFold(info.Headers["upgrade"], "websocket")

	return info, consumed, true
}

// BodyMode returns the framing mode the body following this header block
// uses. ModeHTTP means no body is expected and the flow is positioned at
// the next HTTP message.
func (h *HTTPInfo) BodyMode() Mode {
	switch {
	case h.Upgrade:
		return ModeWebSocket
	case h.Chunked && h.SSE:
		return ModeChunkedSSE
	case h.Chunked:
		return ModeChunked
	case h.SSE:
		return ModeSSE
	case h.ContentLength > 0:
		return ModeHTTPBody
	default:
		return ModeHTTP
	}
}

// Transport is the MCP transport carried by a flow.
type Transport int

const (
	TransportUnknown Transport = iota
	TransportStreamableHTTP
	TransportHTTPSSE
	TransportStdio
)

func (t Transport) String() string {
	switch t {
	case TransportStreamableHTTP:
		return "streamable_http"
	case TransportHTTPSSE:
		return "http_sse"
	case TransportStdio:
		return "stdio"
	default:
		return "unknown"
	}
}

// DetectTransport distinguishes the two HTTP-based MCP transports from an
// HTTP envelope.
//
// HTTP+SSE (legacy): GET with Accept: text/event-stream as the sole type;
// the server answers on a separate SSE endpoint and announces the POST URL
// via an "endpoint" event.
//
// Streamable HTTP (2025-03-26+): POST with a dual Accept of both
// application/json and text/event-stream against a single endpoint.
//
// A bare SSE response with no recognizable request envelope is attributed
// by method: SSE answering a POST is Streamable HTTP, answering a GET is
// legacy HTTP+SSE.
func DetectTransport(info *HTTPInfo, sseResponse bool) Transport {
	if info == nil {
		return TransportUnknown
	}
	accept := strings.ToLower(info.Header("Accept"))

	if info.Method == "GET" && accept == "text/event-stream" {
		return TransportHTTPSSE
	}
	if info.Method == "POST" &&
		strings.Contains(accept, "application/json") &&
		strings.Contains(accept, "text/event-stream") {
		return TransportStreamableHTTP
	}
	if sseResponse {
		if info.Method == "POST" {
			return TransportStreamableHTTP
		}
		return TransportHTTPSSE
	}
	return TransportUnknown
}

// EndpointFromSSE extracts the POST endpoint URL from an HTTP+SSE
// "endpoint" event payload. The event carries either a bare URL or a JSON
// object with a "url" field.
func EndpointFromSSE(event string, data []byte) (string, bool) {
	if event != "endpoint" || len(data) == 0 {
		return "", false
	}
	if data[0] != '{' {
		return string(bytes.TrimSpace(data)), true
	}
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.URL == "" {
		return "", false
	}
	return payload.URL, true
}
