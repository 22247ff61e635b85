// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package export delivers classified MCP message records to sinks: stdout
// for interactive use, OTLP logs for collectors, and a WebSocket hub for
// live dashboards. The Record type is the sole contract between the
// reassembly core and everything downstream.
package export

import (
	"context"
	"time"
)

// Record is one fully reconstructed, classified MCP message with its flow
// metadata.
type Record struct {
	Timestamp time.Time `json:"timestamp"`
	FlowID    string    `json:"flow_id"`
	Transport string    `json:"transport"`
	Direction string    `json:"direction"`

	SrcIP   string `json:"src_ip,omitempty"`
	SrcPort uint16 `json:"src_port,omitempty"`
	DstIP   string `json:"dst_ip,omitempty"`
	DstPort uint16 `json:"dst_port,omitempty"`

	PID         int32  `json:"pid,omitempty"`
	Pipe        string `json:"pipe,omitempty"`
	ProcessName string `json:"process_name,omitempty"`

	Kind    string `json:"kind"`
	Method  string `json:"method,omitempty"`
	RPCID   string `json:"rpc_id,omitempty"`
	Message string `json:"message"`

	ToolName    string `json:"tool_name,omitempty"`
	ResourceURI string `json:"resource_uri,omitempty"`
	PromptName  string `json:"prompt_name,omitempty"`

	ClientName    string `json:"client_name,omitempty"`
	ClientVersion string `json:"client_version,omitempty"`
	ServerName    string `json:"server_name,omitempty"`
	ServerVersion string `json:"server_version,omitempty"`
}

// Exporter is a sink for message records.
type Exporter interface {
	ExportRecords(ctx context.Context, records []*Record) error
	Shutdown(ctx context.Context) error
}
