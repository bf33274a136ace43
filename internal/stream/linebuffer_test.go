package stream

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineBuffer_CompleteLines(t *testing.T) {
	var b LineBuffer
	assert.Equal(t, []string{"one", "two"}, b.Feed([]byte("one\ntwo\n")))
	assert.Equal(t, 0, b.Pending())
}

func TestLineBuffer_RetainsPartial(t *testing.T) {
	var b LineBuffer
	assert.Nil(t, b.Feed([]byte("hel")))
	assert.Equal(t, 3, b.Pending())
	assert.Equal(t, []string{"hello"}, b.Feed([]byte("lo\nwor")))
	assert.Equal(t, []string{"world"}, b.Feed([]byte("ld\n")))
}

func TestLineBuffer_StripsCarriageReturns(t *testing.T) {
	var b LineBuffer
	assert.Equal(t, []string{"a", "b"}, b.Feed([]byte("a\r\nb\r")))
	assert.Equal(t, []string{""}, b.Feed([]byte("\n")))
}

func TestLineBuffer_CRLFSplitAcrossChunks(t *testing.T) {
	var b LineBuffer
	assert.Nil(t, b.Feed([]byte("line\r")))
	assert.Equal(t, []string{"line"}, b.Feed([]byte("\n")))
}

func TestLineBuffer_BlankLines(t *testing.T) {
	var b LineBuffer
	assert.Equal(t, []string{"a", "", "b"}, b.Feed([]byte("a\n\nb\n")))
}

func TestLineBuffer_Flush(t *testing.T) {
	var b LineBuffer
	b.Feed([]byte("done\ntail"))

	line, ok := b.Flush()
	require.True(t, ok)
	assert.Equal(t, "tail", line)

	_, ok = b.Flush()
	assert.False(t, ok)
}

func TestLineBuffer_ChunkingDoesNotChangeLines(t *testing.T) {
	input := "{\"type\":\"assistant\"}\r\nplain text\n\n{\"type\":\"result\",\"subtype\":\"success\"}\nlast"

	var whole LineBuffer
	want := whole.Feed([]byte(input))
	if tail, ok := whole.Flush(); ok {
		want = append(want, tail)
	}

	for size := 1; size <= len(input); size++ {
		var b LineBuffer
		var got []string
		for start := 0; start < len(input); start += size {
			end := min(start+size, len(input))
			got = append(got, b.Feed([]byte(input[start:end]))...)
		}
		if tail, ok := b.Flush(); ok {
			got = append(got, tail)
		}
		require.Equal(t, want, got, "chunk size %d", size)
	}

	assert.Equal(t, 5, len(want))
	assert.True(t, strings.HasPrefix(want[0], "{"))
}
