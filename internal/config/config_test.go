package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileFallsBackToDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.json5"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Port != 8791 {
		t.Fatalf("expected default gateway port, got %d", cfg.Gateway.Port)
	}
}

func TestLoadOverlaysFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{
		// trailing comment is valid json5
		gateway: { host: "0.0.0.0", port: 9000 },
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	t.Setenv("CLAUDIA_GATEWAY_PORT", "9500")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Host != "0.0.0.0" {
		t.Fatalf("expected file value to apply, got host %q", cfg.Gateway.Host)
	}
	if cfg.Gateway.Port != 9500 {
		t.Fatalf("expected env override to win, got port %d", cfg.Gateway.Port)
	}
}

func TestGatewayTokenNeverReadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json5")
	body := `{ gateway: { token: "leaked-from-file" } }`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Gateway.Token != "" {
		t.Fatalf("expected token field to ignore file content (json:\"-\"), got %q", cfg.Gateway.Token)
	}
}
