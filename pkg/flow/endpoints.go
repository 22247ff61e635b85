// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package flow

import (
	"fmt"
	"sync"
)

// maxTrackedEndpoints bounds the endpoint map under connection storms.
const maxTrackedEndpoints = 100000

// EndpointTracker remembers, per server endpoint, what MCP transport it
// speaks and the POST URL announced by legacy HTTP+SSE servers. A later
// flow to a known server inherits the transport even before its own
// handshake is observed.
type EndpointTracker struct {
	mu         sync.RWMutex
	transports map[string]string // "ip:port" -> transport name
	endpoints  map[string]string // "ip:port" -> announced POST URL
}

// NewEndpointTracker creates an empty tracker.
func NewEndpointTracker() *EndpointTracker {
	return &EndpointTracker{
		transports: make(map[string]string),
		endpoints:  make(map[string]string),
	}
}

func endpointKey(ip string, port uint16) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// SetTransport records the transport a server endpoint speaks.
func (e *EndpointTracker) SetTransport(ip string, port uint16, transport string) {
	if transport == "" || transport == "unknown" {
		return
	}
	key := endpointKey(ip, port)

	e.mu.Lock()
	if len(e.transports) < maxTrackedEndpoints {
		e.transports[key] = transport
	}
	e.mu.Unlock()
}

// Transport returns the remembered transport for either end of a flow.
// Responses arrive with the server as source, so both sides are checked.
func (e *EndpointTracker) Transport(key Key) (string, bool) {
	if key.IsPipe() {
		return "stdio", true
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if t, ok := e.transports[endpointKey(key.DstIP, key.DstPort)]; ok {
		return t, true
	}
	if t, ok := e.transports[endpointKey(key.SrcIP, key.SrcPort)]; ok {
		return t, true
	}
	return "", false
}

// SetEndpointURL records the POST URL an HTTP+SSE server announced via its
// "endpoint" event.
func (e *EndpointTracker) SetEndpointURL(ip string, port uint16, url string) {
	if url == "" {
		return
	}
	key := endpointKey(ip, port)

	e.mu.Lock()
	if len(e.endpoints) < maxTrackedEndpoints {
		e.endpoints[key] = url
	}
	e.mu.Unlock()
}

// EndpointURL returns the announced POST URL for a server endpoint.
func (e *EndpointTracker) EndpointURL(ip string, port uint16) (string, bool) {
	e.mu.RLock()
	url, ok := e.endpoints[endpointKey(ip, port)]
	e.mu.RUnlock()
	return url, ok
}
