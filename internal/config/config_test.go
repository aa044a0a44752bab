package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrDefault_missingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	cfg, err := LoadOrDefault(path)
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:8787" {
		t.Fatalf("http_addr = %q", cfg.HTTPAddr)
	}
	if cfg.DBPath == "" || cfg.StandingOrdersPath == "" {
		t.Fatalf("derived paths missing: %+v", cfg)
	}
	if !cfg.Supervisor.ParserAutorun {
		t.Fatalf("edparser autorun default off")
	}
}

func TestLoad_overridesAndValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
http_addr: "127.0.0.1:9999"
udp_addr: "127.0.0.1:9452"
log_format: json
features:
  actuators_enabled: false
  keypress_enabled: false
  twitch_udp_enabled: true
  bridge_enabled: false
supervisor:
  memory_threshold: 0.8
  edparser_autorun: false
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != "127.0.0.1:9999" {
		t.Fatalf("http_addr = %q", cfg.HTTPAddr)
	}
	if cfg.Features.ActuatorsEnabled {
		t.Fatalf("actuators should be off")
	}
	if cfg.Supervisor.MemoryThreshold != 0.8 {
		t.Fatalf("memory_threshold = %v", cfg.Supervisor.MemoryThreshold)
	}
	// Untouched defaults survive a partial file.
	if cfg.Sammi.Port != 9450 {
		t.Fatalf("sammi port = %d", cfg.Sammi.Port)
	}
}

func TestLoad_invalidValuesRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	raw := `
http_addr: "127.0.0.1:9999"
log_format: xml
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatalf("invalid log_format accepted")
	}
}
