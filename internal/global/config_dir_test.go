package global

import "testing"

func TestDefaultConfigDir_UsesOverride(t *testing.T) {
	t.Setenv("CREATOR_CONFIG_DIR", "/tmp/creator-config-test")
	got, err := DefaultConfigDir()
	if err != nil {
		t.Fatalf("DefaultConfigDir returned error: %v", err)
	}
	if got != "/tmp/creator-config-test" {
		t.Fatalf("expected override path, got %q", got)
	}
}
