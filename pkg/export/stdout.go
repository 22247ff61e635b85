// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
)

// StdoutExporter prints records for interactive use.
type StdoutExporter struct {
	format string // "text" or "json"
	out    io.Writer
	logger *zap.Logger
}

// NewStdoutExporter creates a stdout exporter.
func NewStdoutExporter(format string, logger *zap.Logger) *StdoutExporter {
	if format == "" {
		format = "text"
	}
	return &StdoutExporter{
		format: format,
		out:    os.Stdout,
		logger: logger,
	}
}

// ExportRecords prints each record on one line.
func (e *StdoutExporter) ExportRecords(ctx context.Context, records []*Record) error {
	for _, r := range records {
		if e.format == "json" {
			data, err := json.Marshal(r)
			if err != nil {
				continue
			}
			fmt.Fprintf(e.out, "%s\n", data)
			continue
		}

		peer := fmt.Sprintf("%s:%d->%s:%d", r.SrcIP, r.SrcPort, r.DstIP, r.DstPort)
		if r.Pipe != "" {
			peer = fmt.Sprintf("pid=%d/%s", r.PID, r.Pipe)
		}
		method := r.Method
		if method == "" {
			method = "-"
		}
		msg := r.Message
		if len(msg) > 120 {
			msg = msg[:120] + "..."
		}
		fmt.Fprintf(e.out,
			"[%s] %-12s %-16s %-28s %s %s\n",
			r.Timestamp.Format(time.RFC3339),
			r.Kind, r.Transport, method, peer, msg,
		)
	}
	return nil
}

// Shutdown is a no-op for stdout.
func (e *StdoutExporter) Shutdown(ctx context.Context) error { return nil }
