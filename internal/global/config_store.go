package global

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	toml "github.com/pelletier/go-toml/v2"
)

const (
	configTOMLFileName = "config.toml"
	defaultGatewayPort = 18789
)

// GatewayConfig locates the local automation gateway.
type GatewayConfig struct {
	Port  int    `toml:"port"`
	Token string `toml:"token,omitempty"`
}

// AgentSettings is the user-editable state of the local agent.
type AgentSettings struct {
	BridgeEnabled bool          `toml:"bridge_enabled"`
	WorkspaceDir  string        `toml:"workspace_dir,omitempty"`
	Gateway       GatewayConfig `toml:"gateway"`
}

type ConfigStore struct {
	dir string
	mu  sync.Mutex
}

func NewConfigStore(dir string) *ConfigStore {
	return &ConfigStore{dir: dir}
}

func (s *ConfigStore) Path() string {
	return filepath.Join(s.dir, configTOMLFileName)
}

func (s *ConfigStore) LoadOrInit() (AgentSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return AgentSettings{}, err
	}

	path := s.Path()
	if b, err := os.ReadFile(path); err == nil {
		var cfg AgentSettings
		if err := toml.Unmarshal(b, &cfg); err != nil {
			return AgentSettings{}, err
		}
		return normalizeSettings(cfg), nil
	} else if !os.IsNotExist(err) {
		return AgentSettings{}, err
	}

	cfg := normalizeSettings(AgentSettings{})
	if err := writeTOMLAtomically(path, cfg); err != nil {
		return AgentSettings{}, err
	}
	return cfg, nil
}

func (s *ConfigStore) Save(cfg AgentSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	return writeTOMLAtomically(s.Path(), normalizeSettings(cfg))
}

// Update loads the settings, applies fn and saves the result.
func (s *ConfigStore) Update(fn func(*AgentSettings)) (AgentSettings, error) {
	cfg, err := s.LoadOrInit()
	if err != nil {
		return AgentSettings{}, err
	}
	fn(&cfg)
	if err := s.Save(cfg); err != nil {
		return AgentSettings{}, err
	}
	return normalizeSettings(cfg), nil
}

func normalizeSettings(cfg AgentSettings) AgentSettings {
	if cfg.Gateway.Port <= 0 || cfg.Gateway.Port > 65535 {
		cfg.Gateway.Port = defaultGatewayPort
	}
	cfg.Gateway.Token = strings.TrimSpace(cfg.Gateway.Token)
	cfg.WorkspaceDir = strings.TrimSpace(cfg.WorkspaceDir)
	return cfg
}

func writeTOMLAtomically(path string, v any) error {
	b, err := toml.Marshal(v)
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
