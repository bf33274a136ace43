// Package stream reassembles complete lines from a chunked byte stream.
package stream

import (
	"bytes"
	"strings"
)

// LineBuffer accumulates output chunks and hands back complete lines. A
// trailing partial line is held until its terminator arrives. Carriage
// returns are dropped before splitting, so CRLF and bare LF both work.
//
// LineBuffer is not safe for concurrent use.
type LineBuffer struct {
	pending []byte
}

// Feed appends chunk and returns every line it completed, without
// terminators. Blank lines are returned as empty strings.
func (b *LineBuffer) Feed(chunk []byte) []string {
	if len(chunk) == 0 {
		return nil
	}
	b.pending = append(b.pending, bytes.ReplaceAll(chunk, []byte{'\r'}, nil)...)

	idx := bytes.LastIndexByte(b.pending, '\n')
	if idx < 0 {
		return nil
	}

	complete := string(b.pending[:idx])
	rest := b.pending[idx+1:]
	b.pending = append(b.pending[:0:0], rest...)

	return strings.Split(complete, "\n")
}

// Flush returns whatever partial line is still buffered. It is called once
// the stream hits EOF.
func (b *LineBuffer) Flush() (string, bool) {
	if len(b.pending) == 0 {
		return "", false
	}
	line := string(b.pending)
	b.pending = nil
	return line, true
}

// Pending reports how many bytes are waiting for a terminator.
func (b *LineBuffer) Pending() int {
	return len(b.pending)
}
