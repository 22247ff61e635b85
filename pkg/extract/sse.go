// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package extract

import (
	"bytes"
)

// sseEvent is one terminated server-sent event.
type sseEvent struct {
	Name string // "event:" field, empty for plain data events
	Data []byte // concatenated "data:" payload lines
}

var (
	sepCRLF = []byte("\r\n\r\n")
	sepLF   = []byte("\n\n")
)

// extractSSE pulls every terminated event out of a text/event-stream
// buffer. An event ends at a blank line (either \r\n\r\n or \n\n,
// whichever comes first); consecutive "data:" lines within one event are
// concatenated with a newline per the SSE spec. An unterminated trailing
// event stays in the buffer until its blank line arrives.
func extractSSE(buf []byte) (events []sseEvent, consumed int) {
	for consumed < len(buf) {
		rest := buf[consumed:]

		crlf := bytes.Index(rest, sepCRLF)
		lf := bytes.Index(rest, sepLF)

		var blockEnd, sepLen int
		switch {
		case crlf >= 0 && (lf < 0 || crlf < lf):
			blockEnd, sepLen = crlf, len(sepCRLF)
		case lf >= 0:
			blockEnd, sepLen = lf, len(sepLF)
		default:
			return events, consumed
		}

		block := rest[:blockEnd]
		consumed += blockEnd + sepLen

		if ev, ok := parseSSEBlock(block); ok {
			events = append(events, ev)
		}
	}
	return events, consumed
}

// parseSSEBlock parses one event block into its event name and payload.
// Blocks with no data lines (comments, heartbeats) are dropped.
func parseSSEBlock(block []byte) (sseEvent, bool) {
	var ev sseEvent
	var data [][]byte

	for _, line := range bytes.Split(block, []byte("\n")) {
		line = bytes.TrimSuffix(line, []byte("\r"))
		switch {
		case bytes.HasPrefix(line, []byte("event:")):
			ev.Name = string(bytes.TrimSpace(line[len("event:"):]))
		case bytes.HasPrefix(line, []byte("data:")):
			payload := line[len("data:"):]
			if len(payload) > 0 && payload[0] == ' ' {
				payload = payload[1:]
			}
			data = append(data, payload)
		}
	}

	if len(data) == 0 {
		return sseEvent{}, false
	}
	ev.Data = bytes.Join(data, []byte("\n"))
	return ev, true
}
