// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package extract

import (
	"encoding/json"
	"unicode/utf8"
)

// scanValue finds the end of one balanced JSON value beginning at
// buf[start], which must be '{' or '['. It tracks brace/bracket nesting
// while honoring string and backslash-escape state, so braces inside
// string values never affect depth. ok is false while the value is still
// incomplete; the caller waits for more bytes.
func scanValue(buf []byte, start int) (end int, ok bool) {
	open := buf[start]
	var close byte = '}'
	if open == '[' {
		close = ']'
	}

	depth := 0
	inString := false
	escaped := false

	for i := start; i < len(buf); i++ {
		c := buf[i]

		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}

		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				if c != close {
					// Mismatched closer; report the span so the
					// caller can skip it as corrupt.
					return i + 1, true
				}
				return i + 1, true
			}
		}
	}
	return 0, false
}

// extractRaw pulls every complete JSON value out of a raw (stdio or bare
// TCP) buffer. Values may be newline-delimited or directly concatenated,
// and may be split at arbitrary byte boundaries; only fully balanced,
// parseable spans are emitted. Bytes before the next '{' or '[' are
// treated as interstitial (newlines, log noise) and skipped. A balanced
// span that fails to parse or is not valid UTF-8 counts as corrupt and is
// skipped so one bad span never stalls the flow.
func extractRaw(buf []byte) (msgs [][]byte, consumed, corrupt int) {
	i := 0
	for i < len(buf) {
		// Seek the next plausible value start.
		start := i
		for start < len(buf) && buf[start] != '{' && buf[start] != '[' {
			start++
		}
		if start == len(buf) {
			// Nothing but interstitial bytes; consume them all.
			return msgs, len(buf), corrupt
		}

		end, ok := scanValue(buf, start)
		if !ok {
			// Value still in flight. Consume the interstitial prefix
			// only, leaving the partial value at the buffer head.
			return msgs, start, corrupt
		}

		span := buf[start:end]
		if utf8.Valid(span) && json.Valid(span) {
			msg := make([]byte, len(span))
			copy(msg, span)
			msgs = append(msgs, msg)
		} else {
			corrupt++
		}
		i = end
	}
	return msgs, i, corrupt
}
