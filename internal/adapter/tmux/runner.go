// Package tmux delivers text to agents running in tmux sessions.
package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"agentmux/internal/domain"
)

// Runner executes one tmux command. stdin may be nil.
type Runner interface {
	Run(ctx context.Context, stdin io.Reader, args ...string) (string, error)
}

// CommandError is returned when tmux exits non-zero.
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = "no output"
	}
	return fmt.Sprintf("tmux %s: exit %d: %s", strings.Join(e.Args, " "), e.ExitCode, msg)
}

// ExecRunner runs the tmux binary, optionally against a private server
// socket.
type ExecRunner struct {
	binary  string
	socket  string
	timeout time.Duration
}

// NewExecRunner creates a runner. An empty binary means "tmux".
func NewExecRunner(binary, socket string, timeout time.Duration) *ExecRunner {
	if binary == "" {
		binary = "tmux"
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &ExecRunner{binary: binary, socket: socket, timeout: timeout}
}

// Run implements Runner. A command that outlives the runner timeout fails
// with a tmux timeout error.
func (r *ExecRunner) Run(ctx context.Context, stdin io.Reader, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	full := args
	if r.socket != "" {
		full = append([]string{"-S", r.socket}, args...)
	}
	cmd := exec.CommandContext(ctx, r.binary, full...)
	cmd.Stdin = stdin

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if err == nil {
		return stdout.String(), nil
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return "", domain.NewSubSystemError("tmux", "tmux."+firstArg(args), domain.ErrTimeout, r.timeout.String())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return stdout.String(), &CommandError{Args: args, ExitCode: exitErr.ExitCode(), Stderr: stderr.String()}
	}
	return "", fmt.Errorf("run %s: %w", r.binary, err)
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return "run"
	}
	return args[0]
}
