// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package extract

import (
	"bytes"
	"strconv"
	"strings"
)

// decodeChunks strips chunked transfer-encoding framing from the buffer
// head, returning the decoded payload of every chunk that is fully
// present. consumed covers only complete chunks (size line, data and the
// trailing CRLF); a partial chunk stays in the buffer untouched. final is
// true once the terminal zero-size chunk has been consumed. A malformed
// size line stops decoding with malformed=true so the caller can skip the
// span instead of stalling.
func decodeChunks(buf []byte) (decoded []byte, consumed int, final, malformed bool) {
	for consumed < len(buf) {
		rest := buf[consumed:]

		lineEnd := bytes.Index(rest, []byte("\r\n"))
		if lineEnd < 0 {
			return decoded, consumed, false, false
		}

		sizeStr := strings.TrimSpace(string(rest[:lineEnd]))
		// Chunk extensions (;key=value) are legal; ignore them.
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx]
		}

		size, err := strconv.ParseInt(sizeStr, 16, 32)
		if err != nil || size < 0 {
			return decoded, consumed, false, true
		}

		if size == 0 {
			// Terminal chunk: 0\r\n, optional trailer lines, then a
			// blank line ends the body.
			tail := rest[lineEnd+2:]
			if bytes.HasPrefix(tail, []byte("\r\n")) {
				consumed += lineEnd + 2 + 2
				return decoded, consumed, true, false
			}
			trailerEnd := bytes.Index(tail, []byte("\r\n\r\n"))
			if trailerEnd < 0 {
				return decoded, consumed, false, false
			}
			consumed += lineEnd + 2 + trailerEnd + 4
			return decoded, consumed, true, false
		}

		dataStart := lineEnd + 2
		dataEnd := dataStart + int(size)
		if dataEnd+2 > len(rest) {
			return decoded, consumed, false, false
		}

		decoded = append(decoded, rest[dataStart:dataEnd]...)
		consumed += dataEnd + 2
	}
	return decoded, consumed, false, false
}
