// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package extract

import (
	"encoding/binary"
	"encoding/json"
	"unicode/utf8"
)

const (
	opContinuation = 0x0
	opText         = 0x1
	opBinary       = 0x2
	opClose        = 0x8
)

// PreviewText returns the concatenated unmasked payloads of the complete
// frames at the head of a WebSocket buffer without consuming anything.
// The auto-detect engine uses it to peek inside masked client frames
// before a flow is promoted.
func PreviewText(buf []byte) []byte {
	var out []byte
	off := 0
	for off < len(buf) {
		f, ok, bad := parseWSFrame(buf, off)
		if !ok || bad {
			break
		}
		if f.opcode == opText || f.opcode == opContinuation {
			out = append(out, f.payload...)
		}
		off = f.end
	}
	return out
}

// wsFrame is one parsed WebSocket frame.
type wsFrame struct {
	fin     bool
	opcode  byte
	payload []byte
	end     int // offset just past this frame in the buffer
}

// parseWSFrame parses one frame header + payload starting at buf[off].
// ok is false while the frame is incomplete. bad is true when the header
// violates the RFC 6455 layout (reserved bits or unknown opcode), which
// the caller treats as a corrupt span.
func parseWSFrame(buf []byte, off int) (f wsFrame, ok, bad bool) {
	if off+2 > len(buf) {
		return f, false, false
	}

	b0 := buf[off]
	if b0&0x70 != 0 {
		return f, false, true
	}
	f.fin = b0&0x80 != 0
	f.opcode = b0 & 0x0F
	switch f.opcode {
	case 0x0, 0x1, 0x2, 0x8, 0x9, 0xA:
	default:
		return f, false, true
	}

	b1 := buf[off+1]
	masked := b1&0x80 != 0
	length := int(b1 & 0x7F)
	i := off + 2

	switch length {
	case 126:
		if i+2 > len(buf) {
			return f, false, false
		}
		length = int(binary.BigEndian.Uint16(buf[i:]))
		i += 2
	case 127:
		if i+8 > len(buf) {
			return f, false, false
		}
		v := binary.BigEndian.Uint64(buf[i:])
		if v > 1<<31 {
			return f, false, true
		}
		length = int(v)
		i += 8
	}

	var maskKey []byte
	if masked {
		if i+4 > len(buf) {
			return f, false, false
		}
		maskKey = buf[i : i+4]
		i += 4
	}

	if i+length > len(buf) {
		return f, false, false
	}

	payload := make([]byte, length)
	copy(payload, buf[i:i+length])
	if masked {
		for j := range payload {
			payload[j] ^= maskKey[j%4]
		}
	}

	f.payload = payload
	f.end = i + length
	return f, true, false
}

// validJSONText reports whether a reassembled payload is a syntactically
// valid JSON text. Text frames carrying anything else are not messages.
func validJSONText(p []byte) bool {
	return utf8.Valid(p) && json.Valid(p)
}

// extractWebSocket reassembles complete text messages from WebSocket
// framing. Client frames are unmasked with their 4-byte key; a message
// split across a fin=0 text frame and continuation frames is concatenated
// and emitted once the fin=1 continuation arrives. Only bytes up to the
// last frame that left no fragment sequence pending are consumed, so a
// partial fragment sequence survives in the buffer until it completes.
func extractWebSocket(buf []byte) (msgs [][]byte, consumed, corrupt int) {
	var frag []byte
	inFrag := false

	off := 0
	for off < len(buf) {
		f, ok, bad := parseWSFrame(buf, off)
		if bad {
			// Header violates the frame layout. Resync one byte at a
			// time; the buffer cap bounds the damage.
			corrupt++
			off++
			if !inFrag {
				consumed = off
			}
			continue
		}
		if !ok {
			break
		}
		off = f.end

		switch f.opcode {
		case opText:
			if f.fin {
				if inFrag {
					// A new text frame mid-fragment violates the
					// protocol; abandon the stale fragment.
					inFrag = false
					corrupt++
				}
				if validJSONText(f.payload) {
					msgs = append(msgs, f.payload)
				} else {
					corrupt++
				}
				consumed = off
			} else {
				frag = append(frag[:0], f.payload...)
				inFrag = true
			}
		case opContinuation:
			if !inFrag {
				// Continuation with no preceding fragment start.
				corrupt++
				consumed = off
				continue
			}
			frag = append(frag, f.payload...)
			if f.fin {
				msg := make([]byte, len(frag))
				copy(msg, frag)
				if validJSONText(msg) {
					msgs = append(msgs, msg)
				} else {
					corrupt++
				}
				inFrag = false
				consumed = off
			}
		default:
			// Control and binary frames carry no JSON-RPC text.
			if !inFrag {
				consumed = off
			}
		}
	}
	return msgs, consumed, corrupt
}
