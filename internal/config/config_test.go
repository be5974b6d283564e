package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tandem.json")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file not created: %v", err)
	}
	if cfg.Transfer.ChunkSize != 16*1024 {
		t.Fatalf("chunk size = %d", cfg.Transfer.ChunkSize)
	}
	if !filepath.IsAbs(cfg.Paths.DataDir) {
		t.Fatalf("data dir not resolved: %q", cfg.Paths.DataDir)
	}
	if filepath.Dir(cfg.Paths.DataDir) != dir {
		t.Fatalf("data dir resolved outside config dir: %q", cfg.Paths.DataDir)
	}
}

func TestLoadExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tandem.json")

	content := `{"relay":{"url":"wss://relay.example:443/ws","listen_addr":"127.0.0.1:9999"},"paths":{"data_dir":"state"}}`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Relay.URL != "wss://relay.example:443/ws" {
		t.Fatalf("url = %q", cfg.Relay.URL)
	}
	if cfg.Paths.DataDir != filepath.Join(dir, "state") {
		t.Fatalf("data dir = %q", cfg.Paths.DataDir)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty relay url", func(c *Config) { c.Relay.URL = "" }},
		{"http relay url", func(c *Config) { c.Relay.URL = "http://example.com" }},
		{"empty data dir", func(c *Config) { c.Paths.DataDir = "" }},
		{"zero chunk size", func(c *Config) { c.Transfer.ChunkSize = 0 }},
		{"zero gap timeout", func(c *Config) { c.Transfer.GapTimeoutMs = 0 }},
		{"negative delay", func(c *Config) { c.Transfer.ChunkDelayMs = -1 }},
		{"negative tolerance", func(c *Config) { c.Player.SeekToleranceSec = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}

	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults invalid: %v", err)
	}
}
