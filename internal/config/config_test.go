// ABOUTME: Tests for YAML config loading, env expansion, durations, validation.

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadControllerDefaults(t *testing.T) {
	path := writeConfig(t, "host: 0.0.0.0\n")

	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultPort, cfg.Port)
	assert.Equal(t, 60*time.Second, cfg.Timeouts.Read)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.HealthInterval)
	assert.Equal(t, 120*time.Second, cfg.Timeouts.Staleness)
	assert.False(t, cfg.AllowCommandRequests, "command requests default to denied")
}

func TestLoadControllerParsesDurations(t *testing.T) {
	path := writeConfig(t, `
port: 6000
timeouts:
  read: 45s
  execution: 2m
  staleness: 3m
`)

	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Port)
	assert.Equal(t, 45*time.Second, cfg.Timeouts.Read)
	assert.Equal(t, 2*time.Minute, cfg.Timeouts.Execution)
	assert.Equal(t, 3*time.Minute, cfg.Timeouts.Staleness)
}

func TestLoadControllerBadDuration(t *testing.T) {
	path := writeConfig(t, "timeouts:\n  read: soon\n")

	_, err := LoadController(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeouts.read")
}

func TestLoadControllerExpandsEnv(t *testing.T) {
	t.Setenv("CMDMESH_TEST_SECRET", "hunter2")
	path := writeConfig(t, `
auth:
  mode: static
  secret: ${CMDMESH_TEST_SECRET}
`)

	cfg, err := LoadController(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Auth.Secret)
}

func TestLoadControllerTLSRequiresMaterial(t *testing.T) {
	path := writeConfig(t, "tls:\n  enabled: true\n")

	_, err := LoadController(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cert_file")
}

func TestLoadControllerTLSMissingFiles(t *testing.T) {
	path := writeConfig(t, `
tls:
  enabled: true
  cert_file: /nonexistent/server.crt
  key_file: /nonexistent/server.key
`)

	_, err := LoadController(path)
	require.Error(t, err)
}

func TestLoadControllerAuthValidation(t *testing.T) {
	path := writeConfig(t, "auth:\n  mode: jwt\n")
	_, err := LoadController(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "auth.secret")

	path = writeConfig(t, "auth:\n  mode: kerberos\n")
	_, err = LoadController(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown auth.mode")
}

func TestLoadAgent(t *testing.T) {
	path := writeConfig(t, `
host: controller.example.com
port: 5555
token: abc123
timeouts:
  reconnect_delay: 10s
`)

	cfg, err := LoadAgent(path)
	require.NoError(t, err)
	assert.Equal(t, "controller.example.com", cfg.Host)
	assert.Equal(t, "abc123", cfg.Token)
	assert.Equal(t, 10*time.Second, cfg.Timeouts.ReconnectDelay)
	assert.Equal(t, 30*time.Second, cfg.Timeouts.Read, "default preserved")
}

func TestLoadAgentRequiresHost(t *testing.T) {
	path := writeConfig(t, "port: 5555\n")
	_, err := LoadAgent(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "host")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := LoadController(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
