// Package shell runs external tools for the provisioning and fleet drivers.
//
// Commands are always executed as an argv vector through os/exec; nothing is
// ever interpolated into a shell string. A failed command surfaces as a
// *CommandError carrying the captured stdout and stderr for diagnostics.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
)

// CommandRunner defines the interface for executing external commands.
// Drivers accept a CommandRunner so tests can script tool output.
type CommandRunner interface {
	// Run executes name with args and returns stdout. A non-zero exit returns
	// a *CommandError.
	Run(ctx context.Context, name string, args ...string) (string, error)
}

// CommandError describes a failed external command.
type CommandError struct {
	Command  string
	ExitCode int
	Stdout   string
	Stderr   string
	Err      error
}

func (e *CommandError) Error() string {
	msg := strings.TrimSpace(e.Stderr)
	if msg == "" {
		msg = strings.TrimSpace(e.Stdout)
	}
	if msg != "" {
		return fmt.Sprintf("command %s failed (rc=%d): %s", e.Command, e.ExitCode, firstLine(msg))
	}
	return fmt.Sprintf("command %s failed (rc=%d): %v", e.Command, e.ExitCode, e.Err)
}

func (e *CommandError) Unwrap() error {
	return e.Err
}

// Output returns the combined captured output, stderr first.
func (e *CommandError) Output() string {
	var parts []string
	if s := strings.TrimSpace(e.Stderr); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(e.Stdout); s != "" {
		parts = append(parts, s)
	}
	return strings.Join(parts, "\n")
}

// AsCommandError extracts a *CommandError from an error chain.
func AsCommandError(err error) (*CommandError, bool) {
	var cmdErr *CommandError
	if errors.As(err, &cmdErr) {
		return cmdErr, true
	}
	return nil, false
}

// ExecRunner runs commands via os/exec.
// Env entries are appended to the daemon's own environment.
type ExecRunner struct {
	Env []string
}

func (er ExecRunner) Run(ctx context.Context, name string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	if len(er.Env) > 0 {
		cmd.Env = append(os.Environ(), er.Env...)
	}
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		exitCode := -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
		return stdout.String(), &CommandError{
			Command:  strings.Join(append([]string{name}, args...), " "),
			ExitCode: exitCode,
			Stdout:   stdout.String(),
			Stderr:   stderr.String(),
			Err:      err,
		}
	}
	return stdout.String(), nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
