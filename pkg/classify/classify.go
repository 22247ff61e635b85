// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package classify assigns JSON-RPC 2.0 message kinds. Classification is a
// pure function of which keys are present (method, id, result, error) and
// never looks at their values, so repeated calls always agree.
package classify

import (
	"bytes"
	"encoding/json"
)

// Kind is the JSON-RPC message kind.
type Kind string

const (
	KindRequest      Kind = "request"
	KindResponse     Kind = "response"
	KindNotification Kind = "notification"
	KindError        Kind = "error"
	KindUnknown      Kind = "unknown"
)

// Message is one classified JSON-RPC message.
type Message struct {
	Raw    []byte
	Kind   Kind
	Method string
	ID     string // raw JSON encoding of the id, "" when absent

	// MCP request detail, populated when the method carries it.
	ToolName    string
	ResourceURI string
	PromptName  string
}

// envelope decodes just the fields kind assignment depends on. RawMessage
// fields distinguish absent (nil) from present-but-null.
type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  *string         `json:"method"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
	Params  json.RawMessage `json:"params"`
}

// Classify parses raw JSON text and classifies it. A top-level batch array
// expands into one classified message per element; the caller stamps all
// of them with the same arrival time and flow.
func Classify(raw []byte) []Message {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			return []Message{{Raw: raw, Kind: KindUnknown}}
		}
		msgs := make([]Message, 0, len(batch))
		for _, el := range batch {
			msgs = append(msgs, classifyOne(el))
		}
		return msgs
	}
	return []Message{classifyOne(raw)}
}

func classifyOne(raw []byte) Message {
	msg := Message{Raw: raw, Kind: KindUnknown}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return msg
	}
	if env.JSONRPC != "2.0" {
		return msg
	}

	hasID := len(env.ID) > 0
	switch {
	case len(env.Error) > 0 && hasID:
		msg.Kind = KindError
	case len(env.Result) > 0 && hasID:
		msg.Kind = KindResponse
	case env.Method != nil && hasID:
		msg.Kind = KindRequest
	case env.Method != nil:
		msg.Kind = KindNotification
	}

	if env.Method != nil {
		msg.Method = *env.Method
	}
	if hasID {
		msg.ID = string(env.ID)
	}
	msg.annotateParams(env.Params)
	return msg
}

// annotateParams pulls the human-facing name out of the params of the MCP
// methods that carry one.
func (m *Message) annotateParams(params json.RawMessage) {
	if len(params) == 0 {
		return
	}
	switch m.Method {
	case "tools/call", "prompts/get":
		var p struct {
			Name string `json:"name"`
		}
		if json.Unmarshal(params, &p) == nil {
			if m.Method == "tools/call" {
				m.ToolName = p.Name
			} else {
				m.PromptName = p.Name
			}
		}
	case "resources/read", "resources/subscribe":
		var p struct {
			URI string `json:"uri"`
		}
		if json.Unmarshal(params, &p) == nil {
			m.ResourceURI = p.URI
		}
	}
}
