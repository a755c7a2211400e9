package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// AgentConfig configures the local agent runtime. Values come from the
// environment; the user's opt-in and gateway endpoint live in the agent
// settings file instead.
type AgentConfig struct {
	UserID            string
	ControlURL        string
	RelayURL          string
	LogLevel          string
	LogFormat         string
	ConfigDir         string
	WorkspaceDir      string
	EngineCommand     string
	EngineArgs        []string
	GatewayHost       string
	HealthInterval    time.Duration
	ConnectCooldown   time.Duration
	RetryStep         time.Duration
	MaxRetries        int
	CrashLoopRestarts int
}

func LoadAgentConfig() AgentConfig {
	controlURL := envOr("CREATOR_CONTROL_URL", "http://127.0.0.1:8080")
	relayURL := envOr("CREATOR_RELAY_WS_URL", "ws://127.0.0.1:8090/ws/bridge")
	configDir := envOr("CREATOR_CONFIG_DIR", defaultAgentDir())
	workspaceDir := envOr("CREATOR_WORKSPACE_DIR", filepath.Join(configDir, "workspace"))

	var engineArgs []string
	if raw := strings.TrimSpace(os.Getenv("CREATOR_ENGINE_ARGS")); raw != "" {
		engineArgs = strings.Fields(raw)
	}

	return AgentConfig{
		UserID:            strings.TrimSpace(os.Getenv("CREATOR_USER")),
		ControlURL:        controlURL,
		RelayURL:          relayURL,
		LogLevel:          envOr("CREATOR_LOG_LEVEL", "info"),
		LogFormat:         envOr("CREATOR_LOG_FORMAT", "text"),
		ConfigDir:         configDir,
		WorkspaceDir:      workspaceDir,
		EngineCommand:     strings.TrimSpace(os.Getenv("CREATOR_ENGINE_COMMAND")),
		EngineArgs:        engineArgs,
		GatewayHost:       envOr("CREATOR_GATEWAY_HOST", "127.0.0.1"),
		HealthInterval:    durationOr("CREATOR_HEALTH_INTERVAL", 30*time.Second),
		ConnectCooldown:   durationOr("CREATOR_CONNECT_COOLDOWN", 60*time.Second),
		RetryStep:         durationOr("CREATOR_RETRY_STEP", 5*time.Second),
		MaxRetries:        intOr("CREATOR_MAX_RETRIES", 5),
		CrashLoopRestarts: intOr("CREATOR_CRASH_LOOP_RESTARTS", 5),
	}
}

func defaultAgentDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Clean(".creator")
	}
	return filepath.Join(home, ".config", "creator")
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// intOr falls back on malformed or non-positive values.
func intOr(key string, fallback int) int {
	n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func durationOr(key string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(strings.TrimSpace(os.Getenv(key)))
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
