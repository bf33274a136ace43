package event

import (
	"strings"
	"unicode"

	"github.com/charmbracelet/x/ansi"
)

const ellipsis = "..."

// Truncate trims s and, when it is longer than n runes, keeps the first
// n-3 runes followed by an ellipsis.
func Truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	if n <= len(ellipsis) {
		return string(runes[:n])
	}
	return string(runes[:n-len(ellipsis)]) + ellipsis
}

// CleanTerminalText removes ANSI escape sequences, bare control characters
// and leading box-drawing glyphs from every line of s. Lines that end up
// empty are dropped.
func CleanTerminalText(s string) string {
	s = ansi.Strip(s)

	var lines []string
	for _, line := range strings.Split(s, "\n") {
		line = stripControl(line)
		line = strings.TrimLeftFunc(line, func(r rune) bool {
			return isBoxDrawing(r) || unicode.IsSpace(r)
		})
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return strings.Join(lines, "\n")
}

func stripControl(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r == '\t':
			return ' '
		case r < 0x20, r == 0x7f:
			return -1
		case r >= 0x80 && r < 0xa0:
			return -1
		}
		return r
	}, s)
}

// isBoxDrawing reports whether r is in the Unicode box-drawing block.
func isBoxDrawing(r rune) bool {
	return r >= 0x2500 && r <= 0x257f
}
