package event

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"  padded  ", 10, "padded"},
		{"exactly10!", 10, "exactly10!"},
		{"this is too long", 10, "this is..."},
		{"héllo wörld", 8, "héllo..."},
		{"abcdef", 2, "ab"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Truncate(tt.in, tt.n), "Truncate(%q, %d)", tt.in, tt.n)
	}
}

func TestTruncate_SummaryLimit(t *testing.T) {
	got := Truncate(strings.Repeat("a", 200), SummaryLimit)
	assert.Len(t, got, SummaryLimit)
	assert.Equal(t, strings.Repeat("a", SummaryLimit-3)+"...", got)
}

func TestCleanTerminalText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "hello", "hello"},
		{"ansi colour", "\x1b[1;31mred\x1b[0m text", "red text"},
		{"box drawing prefix", "╭── │ inside", "inside"},
		{"control chars", "bell\x07 and\x00 nul", "bell and nul"},
		{"tab", "a\tb", "a b"},
		{"drops empty lines", "one\n\n  \ntwo", "one\ntwo"},
		{"box only", "└────┘", ""},
		{"keeps inner box glyphs", "a │ b", "a │ b"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CleanTerminalText(tt.in))
		})
	}
}
