// ABOUTME: Tests for the command executor: cd tracking, exit codes, timeouts.

package shell

import (
	"log/slog"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cmdmesh/cmdmesh/internal/protocol"
)

func newTestExecutor(t *testing.T, timeout time.Duration) *Executor {
	t.Helper()
	return New(timeout, slog.Default())
}

func TestExecuteCapturesOutput(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	e := newTestExecutor(t, 0)

	res := e.Execute("echo hi")
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, "hi\n", res.Stdout)
	assert.NotEmpty(t, res.Cwd, "cwd is always populated on success")
}

func TestExecuteNonZeroExitIsSuccess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	e := newTestExecutor(t, 0)

	res := e.Execute("exit 3")
	require.Equal(t, protocol.StatusSuccess, res.Status, "completed commands are success, whatever the exit code")
	assert.Equal(t, 3, res.ExitCode)
}

func TestExecuteStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	e := newTestExecutor(t, 0)

	res := e.Execute("echo oops 1>&2")
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, "oops\n", res.Stderr)
}

func TestChangeDirectoryTracksAcrossCommands(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	e := newTestExecutor(t, 0)
	dir := t.TempDir()

	res := e.Execute("cd " + dir)
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Contains(t, res.Stdout, "Changed directory to ")
	assert.Equal(t, dir, res.Cwd)

	// The next command runs in, and reports, the tracked directory.
	res = e.Execute("pwd")
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, dir, res.Cwd)
	assert.Equal(t, dir, strings.TrimSpace(res.Stdout))
}

func TestChangeDirectoryRelative(t *testing.T) {
	e := newTestExecutor(t, 0)
	base := t.TempDir()

	res := e.Execute("cd " + base)
	require.Equal(t, protocol.StatusSuccess, res.Status)

	res = e.Execute("cd ..")
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.NotEqual(t, base, res.Cwd)
}

func TestChangeDirectoryMissing(t *testing.T) {
	e := newTestExecutor(t, 0)
	before := e.Cwd()

	res := e.Execute("cd /definitely/not/a/real/path")
	require.Equal(t, protocol.StatusError, res.Status)
	assert.NotEmpty(t, res.Error)
	assert.Equal(t, before, e.Cwd(), "failed cd must not move the tracked cwd")
}

func TestExecuteTimeout(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	e := newTestExecutor(t, 1*time.Second)

	start := time.Now()
	res := e.Execute("sleep 10")
	elapsed := time.Since(start)

	require.Equal(t, protocol.StatusError, res.Status)
	assert.Equal(t, "Command timed out after 1 seconds", res.Error)
	assert.Less(t, elapsed, 5*time.Second, "timeout must interrupt the wait")
}

func TestExecuteSpawnFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("unix shell semantics")
	}
	e := newTestExecutor(t, 0)

	// The shell itself runs but reports the missing binary via exit code 127,
	// which is still a completed command.
	res := e.Execute("definitely-not-a-binary-xyz")
	require.Equal(t, protocol.StatusSuccess, res.Status)
	assert.Equal(t, 127, res.ExitCode)
}
