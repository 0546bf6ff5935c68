// ABOUTME: Runs operator scripts on the agent host through bash or PowerShell.
// ABOUTME: Every outcome, including failures, is rendered as the text sent back to the hub.

package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"runtime"
	"time"
)

// Shells understood by the executor.
const (
	ShellBash       = "bash"
	ShellPowerShell = "powershell"
)

// ErrUnsupportedShell is returned for shells the host cannot run.
var ErrUnsupportedShell = errors.New("unsupported shell")

// DefaultTimeout bounds a single script run.
const DefaultTimeout = 5 * time.Minute

// Executor runs a script and renders the outcome as text.
type Executor interface {
	Execute(ctx context.Context, shell, script string) string
}

// Shell executes scripts as child processes.
type Shell struct {
	timeout  time.Duration
	goos     string
	lookPath func(string) (string, error)
	logger   *slog.Logger
}

// New creates a Shell executor. A non-positive timeout uses DefaultTimeout.
func New(timeout time.Duration, logger *slog.Logger) *Shell {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Shell{
		timeout:  timeout,
		goos:     runtime.GOOS,
		lookPath: exec.LookPath,
		logger:   logger,
	}
}

// Execute runs script under shell. Successful runs return stdout; a non-zero
// exit returns "Error: " followed by stderr.
func (s *Shell) Execute(ctx context.Context, shell, script string) string {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	cmd, err := s.command(ctx, shell, script)
	if err != nil {
		s.logger.Warn("refusing script", "shell", shell, "error", err)
		return "Error: " + err.Error()
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	// children that inherit the pipes must not hold Run open past the kill
	cmd.WaitDelay = time.Second

	start := time.Now()
	err = cmd.Run()
	elapsed := time.Since(start)

	var exitErr *exec.ExitError
	switch {
	case err == nil:
		s.logger.Debug("script finished", "shell", shell, "elapsed", elapsed)
		return stdout.String()
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		s.logger.Warn("script timed out", "shell", shell, "timeout", s.timeout)
		return fmt.Sprintf("Error: timed out after %s", s.timeout)
	case errors.As(err, &exitErr):
		s.logger.Debug("script failed", "shell", shell, "exit_code", exitErr.ExitCode(), "elapsed", elapsed)
		return "Error: " + stderr.String()
	default:
		s.logger.Warn("script could not run", "shell", shell, "error", err)
		return fmt.Sprintf("Execution error: %v", err)
	}
}

// command builds the process for shell on this platform.
func (s *Shell) command(ctx context.Context, shell, script string) (*exec.Cmd, error) {
	switch shell {
	case ShellBash:
		if s.goos == "windows" {
			return exec.CommandContext(ctx, "cmd.exe", "/c", script), nil
		}
		return exec.CommandContext(ctx, "/bin/bash", "-c", script), nil

	case ShellPowerShell:
		if s.goos == "windows" {
			return exec.CommandContext(ctx, "powershell.exe", "-NoProfile", "-Command", script), nil
		}
		pwsh, err := s.lookPath("pwsh")
		if err != nil {
			return nil, fmt.Errorf("%w: powershell is not installed on %s", ErrUnsupportedShell, s.goos)
		}
		return exec.CommandContext(ctx, pwsh, "-NoProfile", "-Command", script), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedShell, shell)
	}
}
