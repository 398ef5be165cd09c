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
	path := filepath.Join(t.TempDir(), "storyflow.hcl")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)

	cfg, err = Load("/nonexistent/storyflow.hcl")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
server {
  listen     = ":8080"
  log_level  = "debug"
  log_format = "json"
}

supervisor {
  task_timeout       = "2m"
  max_cycles         = 5
  heartbeat_interval = "1s"
  cleanup_interval   = "1h"
  retention          = "48h"
}

defaults {
  style  = "noir"
  length = "long"
  tone   = "wry"
}

service "search" {
  url          = "http://localhost:8000/api/search"
  timeout      = "10s"
  max_attempts = 3
  backoff      = "500ms"
}

service "writing" {
  url = "http://localhost:8001/api/writing"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.Listen)
	assert.Equal(t, "debug", cfg.Server.LogLevel)
	assert.Equal(t, "json", cfg.Server.LogFormat)

	assert.Equal(t, 2*time.Minute, cfg.Supervisor.TaskTimeout)
	assert.Equal(t, 5, cfg.Supervisor.MaxCycles)
	assert.Equal(t, time.Second, cfg.Supervisor.HeartbeatInterval)
	assert.Equal(t, time.Hour, cfg.Supervisor.CleanupInterval)
	assert.Equal(t, 48*time.Hour, cfg.Supervisor.Retention)

	assert.Equal(t, "noir", cfg.Defaults.Style)

	require.Len(t, cfg.Services, 2)
	search := cfg.Services["search"]
	assert.Equal(t, "http://localhost:8000/api/search", search.URL)
	assert.Equal(t, 10*time.Second, search.Timeout)
	assert.Equal(t, 3, search.MaxAttempts)
	assert.Equal(t, 500*time.Millisecond, search.Backoff)

	writing := cfg.Services["writing"]
	assert.Equal(t, 30*time.Second, writing.Timeout, "service defaults fill unset attributes")
	assert.Equal(t, 2, writing.MaxAttempts)
}

func TestLoad_PartialFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
server {
  listen = ":9000"
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.Listen)
	assert.Equal(t, "info", cfg.Server.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Supervisor.TaskTimeout)
	assert.Equal(t, "general", cfg.Defaults.Style)
}

func TestLoad_EnvInterpolation(t *testing.T) {
	t.Setenv("STORYFLOW_TEST_LEVEL", "warn")

	path := writeConfig(t, `
server {
  log_level = env.STORYFLOW_TEST_LEVEL
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Server.LogLevel)
}

func TestLoad_UnknownBlockFails(t *testing.T) {
	path := writeConfig(t, `
flux_capacitor {
  power = "1.21GW"
}
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "failed to decode")
}

func TestLoad_BadDurationFails(t *testing.T) {
	path := writeConfig(t, `
supervisor {
  task_timeout = "fortnight"
}
`)

	_, err := Load(path)
	require.ErrorContains(t, err, "task_timeout")
}

func TestLoad_ServiceValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
service "search" {
  url          = "http://localhost:8000"
  max_attempts = 0
}
`))
	require.ErrorContains(t, err, "max_attempts")

	_, err = Load(writeConfig(t, `
service "search" {
  url = "http://localhost:8000"
}

service "search" {
  url = "http://localhost:8001"
}
`))
	require.ErrorContains(t, err, "defined twice")
}

func TestLoad_MalformedHCLFails(t *testing.T) {
	_, err := Load(writeConfig(t, `server {`))
	require.ErrorContains(t, err, "failed to parse")
}
