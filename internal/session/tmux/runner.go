package tmux

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// Runner invokes the tmux binary. The backend never shells out directly so
// tests can substitute a fake.
type Runner interface {
	Run(ctx context.Context, args ...string) (string, error)
}

// CommandError is returned when tmux exits with a non-zero status
type CommandError struct {
	Args     []string
	ExitCode int
	Stderr   string
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	}
	return fmt.Sprintf("tmux %s: %s", strings.Join(e.Args, " "), msg)
}

// ExecRunner runs the real tmux binary
type ExecRunner struct {
	// Binary defaults to "tmux" on PATH
	Binary string
}

// Run executes tmux with args and returns its stdout
func (r ExecRunner) Run(ctx context.Context, args ...string) (string, error) {
	binary := r.Binary
	if binary == "" {
		binary = "tmux"
	}

	cmd := exec.CommandContext(ctx, binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return stdout.String(), &CommandError{
				Args:     args,
				ExitCode: exitErr.ExitCode(),
				Stderr:   stderr.String(),
			}
		}
		return stdout.String(), fmt.Errorf("running %s: %w", binary, err)
	}
	return stdout.String(), nil
}
