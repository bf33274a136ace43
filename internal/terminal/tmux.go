// Package terminal drives agents that run interactively inside tmux and
// infers their state from what is on screen.
package terminal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"golang.org/x/sync/singleflight"
)

const sessionPrefix = "cbos-"

var ErrNoSession = errors.New("terminal session not found")

// Runner executes one tmux command and returns its stdout.
type Runner interface {
	Run(ctx context.Context, args ...string) ([]byte, error)
}

// ExecRunner runs the tmux binary.
type ExecRunner struct {
	Program string
}

func (r ExecRunner) Run(ctx context.Context, args ...string) ([]byte, error) {
	program := r.Program
	if program == "" {
		program = "tmux"
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, program, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
			return nil, fmt.Errorf("%w: %s", ErrNoSession, msg)
		}
		return nil, fmt.Errorf("tmux %s: %w: %s", args[0], err, msg)
	}
	return out, nil
}

// Tmux manages one tmux session per slug.
type Tmux struct {
	runner   Runner
	captures singleflight.Group
}

// NewTmux returns a Tmux that runs commands through runner, or the tmux
// binary when runner is nil.
func NewTmux(runner Runner) *Tmux {
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Tmux{runner: runner}
}

// SessionName is the tmux session name used for slug. tmux treats '.' and
// ':' as target separators, so they are replaced.
func SessionName(slug string) string {
	return sessionPrefix + strings.NewReplacer(".", "_", ":", "_").Replace(slug)
}

// Launch starts command in a detached tmux session rooted at dir.
func (t *Tmux) Launch(ctx context.Context, slug, dir, command string) error {
	args := []string{"new-session", "-d", "-s", SessionName(slug), "-c", dir}
	if command != "" {
		args = append(args, command)
	}
	if _, err := t.runner.Run(ctx, args...); err != nil {
		return fmt.Errorf("launching %s: %w", slug, err)
	}
	return nil
}

// SendKeys types text literally and presses Enter.
func (t *Tmux) SendKeys(ctx context.Context, slug, text string) error {
	name := SessionName(slug)
	if _, err := t.runner.Run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		return err
	}
	_, err := t.runner.Run(ctx, "send-keys", "-t", name, "Enter")
	return err
}

// Interrupt sends Ctrl-C.
func (t *Tmux) Interrupt(ctx context.Context, slug string) error {
	_, err := t.runner.Run(ctx, "send-keys", "-t", SessionName(slug), "C-c")
	return err
}

// Kill ends the tmux session. A session that is already gone is not an
// error.
func (t *Tmux) Kill(ctx context.Context, slug string) error {
	_, err := t.runner.Run(ctx, "kill-session", "-t", SessionName(slug))
	if errors.Is(err, ErrNoSession) {
		return nil
	}
	return err
}

// Exists reports whether the tmux session for slug is alive.
func (t *Tmux) Exists(ctx context.Context, slug string) bool {
	_, err := t.runner.Run(ctx, "has-session", "-t", SessionName(slug))
	return err == nil
}

// Capture returns the last lines of the pane with wrapped lines joined.
// Concurrent captures of the same slug share one tmux call.
func (t *Tmux) Capture(ctx context.Context, slug string, lines int) (string, error) {
	v, err, _ := t.captures.Do(slug, func() (any, error) {
		out, err := t.runner.Run(ctx, "capture-pane", "-p", "-J",
			"-t", SessionName(slug), "-S", "-"+strconv.Itoa(lines))
		return string(out), err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
