// Package state derives a session's visible state, either directly from
// classified events or heuristically from captured terminal text.
package state

import (
	"regexp"
	"strings"

	"cbos/internal/event"
	"cbos/internal/session"

	"github.com/charmbracelet/x/ansi"
)

const (
	tailLines     = 15
	recentLines   = 10
	contextLines  = 10
	promptMarker  = ">"
	promptCursor  = ">█"
	userInputMark = "> "
)

var (
	waitingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^>\s*$`),
		regexp.MustCompile(`>\x{2588}$`),
	}
	thinkingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`[●◐◑◒◓]`),
		regexp.MustCompile(`Thinking`),
	}
	workingPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^[✓✗⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏]`),
		regexp.MustCompile(`^\s*(Bash|Read|Write|Edit|Grep|Glob|Task|WebFetch)\(`),
		regexp.MustCompile(`Running in the background`),
	}
	errorPatterns = []*regexp.Regexp{
		regexp.MustCompile(`Error:`),
		regexp.MustCompile(`error:`),
		regexp.MustCompile(`FAILED`),
		regexp.MustCompile(`Exception:`),
	}

	noisePrefixes = []string{"Agent pid", "Identity added"}
)

// FromEvent maps a classified event to the state it implies. ok is false
// for categories that leave the state alone.
func FromEvent(ev *event.Event) (s session.State, ok bool) {
	if ev == nil {
		return "", false
	}
	switch ev.Category {
	case event.CategoryToolUse:
		return session.StateWorking, true
	case event.CategoryThinking, event.CategoryText:
		return session.StateThinking, true
	case event.CategoryResult:
		if ev.IsActionable {
			return session.StateWaiting, true
		}
	case event.CategoryQuestion:
		return session.StateWaiting, true
	case event.CategoryError:
		return session.StateError, true
	}
	return "", false
}

// Detect scans captured terminal text and returns the raw state it
// suggests. When the prompt is showing, context holds the lines the agent
// printed just before it.
func Detect(buffer string) (s session.State, context string) {
	lines := screenLines(buffer)
	if len(lines) == 0 {
		return session.StateIdle, ""
	}

	last := lines[len(lines)-1]
	if matchAny(waitingPatterns, last) {
		return session.StateWaiting, ExtractContext(lines)
	}
	switch strings.TrimSpace(last) {
	case promptMarker, userInputMark, promptCursor:
		return session.StateWaiting, ExtractContext(lines)
	}

	tail := strings.Join(lastN(lines, tailLines), "\n")
	if matchAny(thinkingPatterns, tail) {
		return session.StateThinking, ""
	}

	for _, line := range lastN(lines, recentLines) {
		if matchAny(workingPatterns, line) {
			return session.StateWorking, ""
		}
	}

	if matchAny(errorPatterns, tail) {
		return session.StateError, ""
	}
	return session.StateIdle, ""
}

// ExtractContext walks back from the line before the prompt and collects up
// to ten non-empty lines, stopping at the previous user input.
func ExtractContext(lines []string) string {
	if len(lines) < 2 {
		return ""
	}

	var collected []string
	for i := len(lines) - 2; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])

		if strings.HasPrefix(line, promptMarker) && !strings.HasPrefix(line, userInputMark) {
			break
		}
		if hasAnyPrefix(line, noisePrefixes) {
			continue
		}
		if line != "" {
			collected = append(collected, line)
		}
		if len(collected) >= contextLines {
			break
		}
	}

	for i, j := 0, len(collected)-1; i < j; i, j = i+1, j-1 {
		collected[i], collected[j] = collected[j], collected[i]
	}
	return strings.Join(collected, "\n")
}

// screenLines strips escape sequences and control bytes, trims outer blank
// space, and splits the buffer into lines.
func screenLines(buffer string) []string {
	buffer = ansi.Strip(buffer)
	buffer = strings.Map(func(r rune) rune {
		if r == '\n' {
			return r
		}
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, buffer)

	buffer = strings.TrimSpace(buffer)
	if buffer == "" {
		return nil
	}
	return strings.Split(buffer, "\n")
}

func lastN(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

func matchAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}
