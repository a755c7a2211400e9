package global

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestConfigStore_LoadOrInit_CreatesDefaultFile(t *testing.T) {
	dir := t.TempDir()
	store := NewConfigStore(dir)

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if cfg.BridgeEnabled {
		t.Fatal("bridge should default to disabled")
	}
	if cfg.Gateway.Port != 18789 {
		t.Fatalf("expected default gateway port 18789, got %d", cfg.Gateway.Port)
	}

	b, err := os.ReadFile(filepath.Join(dir, "config.toml"))
	if err != nil {
		t.Fatalf("read config.toml failed: %v", err)
	}
	text := string(b)
	if !strings.Contains(text, "bridge_enabled = false") {
		t.Fatalf("expected bridge_enabled in toml, got: %s", text)
	}
	if !strings.Contains(text, "[gateway]") || !strings.Contains(text, "port = 18789") {
		t.Fatalf("expected gateway table in toml, got: %s", text)
	}
}

func TestConfigStore_SaveAndReload(t *testing.T) {
	store := NewConfigStore(t.TempDir())
	if err := store.Save(AgentSettings{BridgeEnabled: true, Gateway: GatewayConfig{Port: 19001, Token: " secret "}}); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	cfg, err := store.LoadOrInit()
	if err != nil {
		t.Fatalf("LoadOrInit failed: %v", err)
	}
	if !cfg.BridgeEnabled || cfg.Gateway.Port != 19001 || cfg.Gateway.Token != "secret" {
		t.Fatalf("unexpected reloaded settings: %#v", cfg)
	}
}

func TestConfigStore_Update(t *testing.T) {
	store := NewConfigStore(t.TempDir())
	cfg, err := store.Update(func(s *AgentSettings) {
		s.BridgeEnabled = true
		s.Gateway.Port = -1
	})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !cfg.BridgeEnabled || cfg.Gateway.Port != 18789 {
		t.Fatalf("unexpected settings after update: %#v", cfg)
	}
}

func TestConfigStore_RejectsMalformedFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.toml"), []byte("bridge_enabled = ["), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := NewConfigStore(dir).LoadOrInit(); err == nil {
		t.Fatal("expected parse error")
	}
}
