// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"unicode/utf8"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

// OTLPExporter ships message records as OTLP log records over gRPC, one
// log record per MCP message with the raw JSON as the body and the flow
// metadata as attributes.
type OTLPExporter struct {
	logger   *zap.Logger
	endpoint string
	opts     []grpc.DialOption

	mu     sync.RWMutex
	conn   *grpc.ClientConn
	logSvc collogspb.LogsServiceClient
}

// OTLPConfig configures the OTLP exporter.
type OTLPConfig struct {
	Endpoint    string
	Insecure    bool
	Compression string // "gzip" (default) or "none"
}

// NewOTLPExporter creates and connects an OTLP gRPC exporter.
func NewOTLPExporter(cfg OTLPConfig, logger *zap.Logger) (*OTLPExporter, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	e := &OTLPExporter{
		logger:   logger,
		endpoint: cfg.Endpoint,
		opts:     opts,
	}
	if err := e.connect(); err != nil {
		return nil, err
	}
	return e, nil
}

func (e *OTLPExporter) connect() error {
	conn, err := grpc.Dial(e.endpoint, e.opts...)
	if err != nil {
		return fmt.Errorf("dial OTLP endpoint %s: %w", e.endpoint, err)
	}
	e.conn = conn
	e.logSvc = collogspb.NewLogsServiceClient(conn)
	return nil
}

func (e *OTLPExporter) ensureConnected() error {
	e.mu.RLock()
	conn := e.conn
	e.mu.RUnlock()

	if conn != nil {
		switch conn.GetState() {
		case connectivity.Ready, connectivity.Idle, connectivity.Connecting:
			return nil
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		_ = e.conn.Close()
	}
	return e.connect()
}

func (e *OTLPExporter) resource() *resourcepb.Resource {
	host, _ := os.Hostname()
	return &resourcepb.Resource{
		Attributes: []*commonpb.KeyValue{
			strAttr("service.name", "mcpwatch"),
			strAttr("host.name", host),
		},
	}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

// ExportRecords sends records as OTLP log records.
func (e *OTLPExporter) ExportRecords(ctx context.Context, records []*Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := e.ensureConnected(); err != nil {
		return fmt.Errorf("connection not ready: %w", err)
	}

	protoLogs := make([]*logspb.LogRecord, 0, len(records))
	for _, r := range records {
		protoLogs = append(protoLogs, convertRecord(r))
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{
			{
				Resource: e.resource(),
				ScopeLogs: []*logspb.ScopeLogs{
					{
						Scope: &commonpb.InstrumentationScope{
							Name:    "mcpwatch",
							Version: "0.1.0",
						},
						LogRecords: protoLogs,
					},
				},
			},
		},
	}

	e.mu.RLock()
	svc := e.logSvc
	e.mu.RUnlock()

	_, err := svc.Export(ctx, req)
	return err
}

func convertRecord(r *Record) *logspb.LogRecord {
	pl := &logspb.LogRecord{
		TimeUnixNano: uint64(r.Timestamp.UnixNano()),
		Body: &commonpb.AnyValue{
			Value: &commonpb.AnyValue_StringValue{StringValue: sanitizeUTF8(r.Message)},
		},
		SeverityText:   "INFO",
		SeverityNumber: logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
	}

	attrs := []*commonpb.KeyValue{
		strAttr("mcp.flow", r.FlowID),
		strAttr("mcp.transport", r.Transport),
		strAttr("mcp.direction", r.Direction),
		strAttr("mcp.kind", r.Kind),
	}
	if r.Method != "" {
		attrs = append(attrs, strAttr("rpc.method", r.Method))
	}
	if r.RPCID != "" {
		attrs = append(attrs, strAttr("rpc.id", r.RPCID))
	}
	if r.Pipe != "" {
		attrs = append(attrs, intAttr("process.pid", int64(r.PID)), strAttr("mcp.pipe", r.Pipe))
	} else {
		attrs = append(attrs,
			strAttr("net.peer.src", fmt.Sprintf("%s:%d", r.SrcIP, r.SrcPort)),
			strAttr("net.peer.dst", fmt.Sprintf("%s:%d", r.DstIP, r.DstPort)),
		)
	}
	if r.ToolName != "" {
		attrs = append(attrs, strAttr("mcp.tool", r.ToolName))
	}
	if r.ResourceURI != "" {
		attrs = append(attrs, strAttr("mcp.resource", r.ResourceURI))
	}
	if r.PromptName != "" {
		attrs = append(attrs, strAttr("mcp.prompt", r.PromptName))
	}
	if r.ServerName != "" {
		attrs = append(attrs, strAttr("mcp.server", r.ServerName))
	}
	pl.Attributes = attrs

	return pl
}

// Shutdown closes the gRPC connection.
func (e *OTLPExporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conn != nil {
		return e.conn.Close()
	}
	return nil
}

func sanitizeUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}
	return strings.ToValidUTF8(s, "�")
}
