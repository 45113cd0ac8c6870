// ABOUTME: Runs shell commands with a hard timeout and tracks a working directory.
// ABOUTME: Used identically by agents and by the controller for local execution.

package shell

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

// DefaultTimeout is the hard execution limit applied when none is configured.
const DefaultTimeout = 60 * time.Second

// Executor runs shell commands and tracks the working directory across them,
// so that `cd` behaves like an interactive shell even though every command
// runs in a fresh subprocess.
//
// Execution is serialized: concurrent callers queue behind the mutex. This is
// a deliberate choice so that directory-changing commands observe a stable
// cwd instead of racing with last-write-wins semantics.
type Executor struct {
	mu      sync.Mutex
	cwd     string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates an executor rooted at the process working directory.
func New(timeout time.Duration, logger *slog.Logger) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	cwd, err := os.Getwd()
	if err != nil {
		cwd = string(os.PathSeparator)
	}
	return &Executor{
		cwd:     cwd,
		timeout: timeout,
		logger:  logger.With("component", "executor"),
	}
}

// Cwd returns the tracked working directory.
func (e *Executor) Cwd() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cwd
}

// Execute runs one command and always returns a result, never an error: spawn
// failures and timeouts are surfaced as StatusError results so they can cross
// the wire as ordinary payloads.
//
// A command beginning with "cd " changes the tracked directory without
// spawning a subprocess. A non-zero exit code from a real command is still
// StatusSuccess: the command completed, it just failed.
func (e *Executor) Execute(command string) *protocol.Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	trimmed := strings.TrimSpace(command)
	if strings.HasPrefix(trimmed, "cd ") {
		return e.changeDir(strings.TrimSpace(trimmed[3:]))
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.timeout)
	defer cancel()

	cmd := shellCommand(ctx, command)
	cmd.Dir = e.cwd

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		e.logger.Warn("command timed out", "command", command, "timeout", e.timeout)
		return &protocol.Result{
			Status: protocol.StatusError,
			Error:  fmt.Sprintf("Command timed out after %d seconds", int(e.timeout.Seconds())),
			Cwd:    e.cwd,
		}
	}

	exitCode := 0
	if err != nil {
		exitErr, ok := err.(*exec.ExitError)
		if !ok {
			// The command never ran (shell missing, fork failure).
			return &protocol.Result{
				Status: protocol.StatusError,
				Error:  err.Error(),
				Cwd:    e.cwd,
			}
		}
		exitCode = exitErr.ExitCode()
	}

	e.logger.Debug("command completed",
		"command", command,
		"exit_code", exitCode,
		"elapsed", elapsed,
	)

	return &protocol.Result{
		Status:   protocol.StatusSuccess,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Cwd:      e.cwd,
	}
}

// changeDir updates the tracked working directory. Holds e.mu via Execute.
func (e *Executor) changeDir(target string) *protocol.Result {
	expanded, err := expandHome(target)
	if err != nil {
		return &protocol.Result{Status: protocol.StatusError, Error: err.Error(), Cwd: e.cwd}
	}

	if !filepath.IsAbs(expanded) {
		expanded = filepath.Join(e.cwd, expanded)
	}
	expanded = filepath.Clean(expanded)

	info, err := os.Stat(expanded)
	if err != nil {
		return &protocol.Result{Status: protocol.StatusError, Error: err.Error(), Cwd: e.cwd}
	}
	if !info.IsDir() {
		return &protocol.Result{
			Status: protocol.StatusError,
			Error:  fmt.Sprintf("not a directory: %s", expanded),
			Cwd:    e.cwd,
		}
	}

	e.cwd = expanded
	return &protocol.Result{
		Status:   protocol.StatusSuccess,
		ExitCode: 0,
		Stdout:   fmt.Sprintf("Changed directory to %s", expanded),
		Cwd:      expanded,
	}
}

// expandHome resolves a leading ~ against the current user's home directory.
func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// shellCommand builds the platform shell invocation for a command line.
func shellCommand(ctx context.Context, command string) *exec.Cmd {
	if runtime.GOOS == "windows" {
		return exec.CommandContext(ctx, "cmd", "/C", command)
	}
	return exec.CommandContext(ctx, "/bin/sh", "-c", command)
}
