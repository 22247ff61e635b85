// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package classify

import "testing"

func TestClassifyKinds(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Kind
	}{
		{"request", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`, KindRequest},
		{"request string id", `{"jsonrpc":"2.0","id":"abc","method":"ping"}`, KindRequest},
		{"response", `{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`, KindResponse},
		{"null result is still a response", `{"jsonrpc":"2.0","id":1,"result":null}`, KindResponse},
		{"notification", `{"jsonrpc":"2.0","method":"notifications/initialized"}`, KindNotification},
		{"error", `{"jsonrpc":"2.0","id":1,"error":{"code":-32601,"message":"not found"}}`, KindError},
		{"error with null id", `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse"}}`, KindError},
		{"missing jsonrpc", `{"id":1,"method":"tools/list"}`, KindUnknown},
		{"wrong version", `{"jsonrpc":"1.0","id":1,"method":"x"}`, KindUnknown},
		{"not json", `hello`, KindUnknown},
		{"result without id", `{"jsonrpc":"2.0","result":{}}`, KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msgs := Classify([]byte(tt.raw))
			if len(msgs) != 1 {
				t.Fatalf("expected 1 message, got %d", len(msgs))
			}
			if msgs[0].Kind != tt.want {
				t.Errorf("Kind = %v, want %v", msgs[0].Kind, tt.want)
			}
		})
	}
}

func TestClassifyErrorWinsOverResult(t *testing.T) {
	// A malformed message carrying both error and result classifies as
	// an error response.
	raw := `{"jsonrpc":"2.0","id":1,"result":{},"error":{"code":-32000,"message":"x"}}`
	msgs := Classify([]byte(raw))
	if msgs[0].Kind != KindError {
		t.Errorf("Kind = %v, want KindError", msgs[0].Kind)
	}
}

func TestClassifyIsIdempotent(t *testing.T) {
	raw := []byte(`{"jsonrpc":"2.0","id":7,"method":"tools/call","params":{"name":"search"}}`)
	first := Classify(raw)
	second := Classify(raw)
	if first[0].Kind != second[0].Kind || first[0].Method != second[0].Method ||
		first[0].ID != second[0].ID || first[0].ToolName != second[0].ToolName {
		t.Errorf("classification not stable: %+v vs %+v", first[0], second[0])
	}
}

func TestClassifyBatch(t *testing.T) {
	raw := `[
		{"jsonrpc":"2.0","id":1,"method":"tools/list"},
		{"jsonrpc":"2.0","method":"notifications/progress"},
		{"jsonrpc":"2.0","id":2,"result":{}}
	]`
	msgs := Classify([]byte(raw))
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	wants := []Kind{KindRequest, KindNotification, KindResponse}
	for i, want := range wants {
		if msgs[i].Kind != want {
			t.Errorf("msgs[%d].Kind = %v, want %v", i, msgs[i].Kind, want)
		}
	}
}

func TestClassifyBadBatch(t *testing.T) {
	msgs := Classify([]byte(`[{"jsonrpc":`))
	if len(msgs) != 1 || msgs[0].Kind != KindUnknown {
		t.Errorf("malformed batch should yield one unknown message, got %+v", msgs)
	}
}

func TestClassifyFields(t *testing.T) {
	msgs := Classify([]byte(`{"jsonrpc":"2.0","id":"req-9","method":"tools/call","params":{"name":"fetch","arguments":{}}}`))
	m := msgs[0]
	if m.Method != "tools/call" {
		t.Errorf("Method = %q", m.Method)
	}
	if m.ID != `"req-9"` {
		t.Errorf("ID = %q, want raw JSON encoding", m.ID)
	}
	if m.ToolName != "fetch" {
		t.Errorf("ToolName = %q, want fetch", m.ToolName)
	}
}

func TestAnnotateParams(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		tool string
		uri  string
		prmt string
	}{
		{"tool call", `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"search"}}`, "search", "", ""},
		{"resource read", `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"file:///a.txt"}}`, "", "file:///a.txt", ""},
		{"resource subscribe", `{"jsonrpc":"2.0","id":1,"method":"resources/subscribe","params":{"uri":"file:///b"}}`, "", "file:///b", ""},
		{"prompt get", `{"jsonrpc":"2.0","id":1,"method":"prompts/get","params":{"name":"summarize"}}`, "", "", "summarize"},
		{"no params", `{"jsonrpc":"2.0","id":1,"method":"tools/call"}`, "", "", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := Classify([]byte(tt.raw))[0]
			if m.ToolName != tt.tool || m.ResourceURI != tt.uri || m.PromptName != tt.prmt {
				t.Errorf("got tool=%q uri=%q prompt=%q", m.ToolName, m.ResourceURI, m.PromptName)
			}
		})
	}
}

func TestIsMCPMethod(t *testing.T) {
	tests := []struct {
		method string
		want   bool
	}{
		{"initialize", true},
		{"ping", true},
		{"tools/list", true},
		{"tools/call", true},
		{"resources/read", true},
		{"prompts/get", true},
		{"notifications/initialized", true},
		{"sampling/createMessage", true},
		{"elicitation/create", true},
		{"eth_blockNumber", false},
		{"initialized", false},
		{"", false},
	}

	for _, tt := range tests {
		if got := IsMCPMethod(tt.method); got != tt.want {
			t.Errorf("IsMCPMethod(%q) = %v, want %v", tt.method, got, tt.want)
		}
	}
}

func TestInitializeInfo(t *testing.T) {
	req := Classify([]byte(`{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2025-03-26","clientInfo":{"name":"inspector","version":"0.8.0"}}}`))[0]
	info, isClient, ok := InitializeInfo(req)
	if !ok || !isClient {
		t.Fatalf("expected client info, got ok=%v isClient=%v", ok, isClient)
	}
	if info.Name != "inspector" || info.Version != "0.8.0" {
		t.Errorf("unexpected client info: %+v", info)
	}

	resp := Classify([]byte(`{"jsonrpc":"2.0","id":0,"result":{"protocolVersion":"2025-03-26","serverInfo":{"name":"filesystem","version":"1.2.3"}}}`))[0]
	info, isClient, ok = InitializeInfo(resp)
	if !ok || isClient {
		t.Fatalf("expected server info, got ok=%v isClient=%v", ok, isClient)
	}
	if info.Name != "filesystem" {
		t.Errorf("unexpected server info: %+v", info)
	}

	plain := Classify([]byte(`{"jsonrpc":"2.0","id":1,"result":{"tools":[]}}`))[0]
	if _, _, ok := InitializeInfo(plain); ok {
		t.Error("plain response should carry no peer identity")
	}
}
