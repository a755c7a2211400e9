package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := LoadServerConfig("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, "127.0.0.1:8090", cfg.Relay.Listen)
	assert.Equal(t, 65*time.Second, cfg.Relay.Timeout)
	assert.Equal(t, 120*time.Second, cfg.Control.TokenTTL)
	assert.Equal(t, 5*time.Second, cfg.Control.AckTimeout)
	assert.Equal(t, 15*time.Second, cfg.Control.DedupeWindow)
	assert.Equal(t, 17100, cfg.Automation.BasePort)
	assert.Equal(t, 30*time.Minute, cfg.Automation.IdleTimeout)
}

func TestLoadServerConfig_EnvOverrides(t *testing.T) {
	t.Setenv("CREATOR_RELAY_LISTEN", "0.0.0.0:9000")
	t.Setenv("CREATOR_CONTROL_ACK_TIMEOUT", "2s")
	t.Setenv("CREATOR_LOG_FORMAT", "text")

	cfg, err := LoadServerConfig("")
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.Relay.Listen)
	assert.Equal(t, 2*time.Second, cfg.Control.AckTimeout)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadServerConfig_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creator.yaml")
	body := "state_dir: /srv/creator\ncontrol:\n  dedupe_window: 30s\nautomation:\n  command: /usr/bin/engine\n  args: [\"--headless\"]\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	cfg, err := LoadServerConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/creator", cfg.StateDir)
	assert.Equal(t, 30*time.Second, cfg.Control.DedupeWindow)
	assert.Equal(t, "/usr/bin/engine", cfg.Automation.Command)
	assert.Equal(t, []string{"--headless"}, cfg.Automation.Args)
}

func TestLoadServerConfig_RejectsInvalidValues(t *testing.T) {
	t.Setenv("CREATOR_CONTROL_ACK_TIMEOUT", "45s")
	_, err := LoadServerConfig("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "AckTimeout")
}

func TestLoadServerConfig_MissingFile(t *testing.T) {
	_, err := LoadServerConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	t.Setenv("CREATOR_CONFIG_DIR", "/tmp/creator-agent-test")
	t.Setenv("CREATOR_CONTROL_URL", "")
	t.Setenv("CREATOR_MAX_RETRIES", "")
	t.Setenv("CREATOR_HEALTH_INTERVAL", "")

	cfg := LoadAgentConfig()
	assert.Equal(t, "http://127.0.0.1:8080", cfg.ControlURL)
	assert.Equal(t, "ws://127.0.0.1:8090/ws/bridge", cfg.RelayURL)
	assert.Equal(t, "/tmp/creator-agent-test/workspace", cfg.WorkspaceDir)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 30*time.Second, cfg.HealthInterval)
	assert.Equal(t, "text", cfg.LogFormat)
}

func TestLoadAgentConfig_MalformedValuesFallBack(t *testing.T) {
	t.Setenv("CREATOR_MAX_RETRIES", "abc")
	t.Setenv("CREATOR_RETRY_STEP", "-1s")
	t.Setenv("CREATOR_ENGINE_ARGS", "gateway  --port 0")

	cfg := LoadAgentConfig()
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 5*time.Second, cfg.RetryStep)
	assert.Equal(t, []string{"gateway", "--port", "0"}, cfg.EngineArgs)
}
