package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaultsAndValidates(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id":"alpha","command":["alpha-server"]}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Errorf("LogLevel = %q", cfg.LogLevel)
	}
	if cfg.Servers[0].ShutdownGrace != DefaultServerShutdownGrace {
		t.Errorf("ShutdownGrace = %d, want default", cfg.Servers[0].ShutdownGrace)
	}
}

func TestLoadPreservesExplicitZeroShutdownGrace(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id":"alpha","command":["alpha-server"],"shutdown_grace":0}]
	}`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Servers[0].ShutdownGrace != 0 {
		t.Errorf("ShutdownGrace = %d, want 0 (explicit)", cfg.Servers[0].ShutdownGrace)
	}
}

func TestLoadRejectsEmptyServers(t *testing.T) {
	path := writeConfig(t, `{"servers": []}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for empty servers")
	}
}

func TestLoadRejectsMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestLoadRejectsUnknownStdioMode(t *testing.T) {
	path := writeConfig(t, `{
		"servers": [{"id":"alpha","command":["x"],"stdio_mode":"xml-rpc"}]
	}`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unknown stdio_mode")
	}
}
