package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
)

const stderrLimit = 8 * 1024

// Spec describes one agent invocation.
type Spec struct {
	Slug        string
	Dir         string
	Prompt      string
	ResumeToken string
}

// Process is a running agent.
type Process interface {
	// Wait blocks until the process exits. It returns nil for exit status 0.
	Wait() error
	// Signal sends an OS signal to the process.
	Signal(sig os.Signal) error
}

// Spawner starts agent processes. The returned reader yields the agent's
// stdout; the supervisor drains it before calling Wait.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Process, io.ReadCloser, error)
}

// ExecSpawner runs the agent binary in print mode with structured output.
type ExecSpawner struct {
	Program         string
	Model           string
	MaxTurns        int
	SkipPermissions bool
	Env             []string
}

// Args returns the command-line arguments for spec.
func (e *ExecSpawner) Args(spec Spec) []string {
	args := []string{
		"-p", spec.Prompt,
		"--output-format", "stream-json",
		"--verbose",
	}
	if e.SkipPermissions {
		args = append(args, "--dangerously-skip-permissions")
	}
	if e.Model != "" {
		args = append(args, "--model", e.Model)
	}
	if e.MaxTurns > 0 {
		args = append(args, "--max-turns", strconv.Itoa(e.MaxTurns))
	}
	if spec.ResumeToken != "" {
		args = append(args, "--resume", spec.ResumeToken)
	}
	return args
}

// Spawn starts the agent in spec.Dir.
func (e *ExecSpawner) Spawn(ctx context.Context, spec Spec) (Process, io.ReadCloser, error) {
	program := e.Program
	if program == "" {
		program = "claude"
	}

	cmd := exec.CommandContext(ctx, program, e.Args(spec)...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), "NO_COLOR=1")
	cmd.Env = append(cmd.Env, e.Env...)

	stderr := &tailBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting %s: %w", program, err)
	}

	return &execProcess{cmd: cmd, stderr: stderr}, stdout, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stderr *tailBuffer
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *execProcess) Signal(sig os.Signal) error {
	if p.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return p.cmd.Process.Signal(sig)
}

// Stderr returns the tail of what the process wrote to stderr.
func (p *execProcess) Stderr() string {
	return p.stderr.String()
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	limit int
	buf   []byte
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.buf = append(t.buf, p...)
	if over := len(t.buf) - t.limit; over > 0 {
		t.buf = append(t.buf[:0:0], t.buf[over:]...)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
