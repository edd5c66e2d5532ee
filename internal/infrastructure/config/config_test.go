package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	assert.Equal(t, "/tmp/viyv-browser.sock", cfg.Socket.Path)
	assert.Equal(t, "default", cfg.Agent.Name)
	assert.False(t, cfg.Ops.Enabled)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("VIYV_BROWSER_SOCKET", "/tmp/alt.sock")
	t.Setenv("VIYV_AGENT_NAME", "researcher")
	t.Setenv("VIYV_LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/alt.sock", cfg.Socket.Path)
	assert.Equal(t, "researcher", cfg.Agent.Name)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "viyv.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"socket:\n  path: /tmp/from-file.sock\nops:\n  enabled: true\n"), 0o644))

	cfg := Default()
	require.NoError(t, LoadFile(cfg, path))
	assert.Equal(t, "/tmp/from-file.sock", cfg.Socket.Path)
	assert.True(t, cfg.Ops.Enabled)
}

func TestLoadFileMissingIsNotAnError(t *testing.T) {
	cfg := Default()
	require.NoError(t, LoadFile(cfg, "/nonexistent/viyv.yaml"))
	assert.Equal(t, "/tmp/viyv-browser.sock", cfg.Socket.Path)
}
