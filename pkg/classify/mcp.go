// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package classify

import (
	"encoding/json"
	"strings"
)

// mcpMethodPrefixes lists the MCP JSON-RPC method namespaces.
var mcpMethodPrefixes = []string{
	"tools/",
	"resources/",
	"prompts/",
	"notifications/",
	"completion/",
	"sampling/",
	"roots/",
	"logging/",
	"elicitation/",
}

var mcpMethodExact = map[string]bool{
	"initialize": true,
	"ping":       true,
}

// IsMCPMethod reports whether a JSON-RPC method name belongs to the MCP
// protocol surface.
func IsMCPMethod(method string) bool {
	if method == "" {
		return false
	}
	if mcpMethodExact[method] {
		return true
	}
	for _, prefix := range mcpMethodPrefixes {
		if strings.HasPrefix(method, prefix) {
			return true
		}
	}
	return false
}

// PeerInfo is the name+version a client or server announces during the
// initialize handshake.
type PeerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeInfo extracts the announced peer identity from an initialize
// request (clientInfo in params) or its response (serverInfo in result).
// ok is false when the message is not part of an initialize exchange or
// carries no identity.
func InitializeInfo(m Message) (info PeerInfo, isClient, ok bool) {
	switch m.Kind {
	case KindRequest:
		if m.Method != "initialize" {
			return info, false, false
		}
		var body struct {
			Params struct {
				ClientInfo PeerInfo `json:"clientInfo"`
			} `json:"params"`
		}
		if json.Unmarshal(m.Raw, &body) != nil || body.Params.ClientInfo.Name == "" {
			return info, false, false
		}
		return body.Params.ClientInfo, true, true
	case KindResponse:
		var body struct {
			Result struct {
				ServerInfo PeerInfo `json:"serverInfo"`
			} `json:"result"`
		}
		if json.Unmarshal(m.Raw, &body) != nil || body.Result.ServerInfo.Name == "" {
			return info, false, false
		}
		return body.Result.ServerInfo, false, true
	default:
		return info, false, false
	}
}
