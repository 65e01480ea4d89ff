package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := LoadFrom(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "8321" {
		t.Errorf("port = %q, want 8321", cfg.Server.Port)
	}
	if cfg.Sessions.Backend != "nats" {
		t.Errorf("backend = %q, want nats", cfg.Sessions.Backend)
	}
	if cfg.Batcher.Interval != 50*time.Millisecond {
		t.Errorf("batch interval = %v, want 50ms", cfg.Batcher.Interval)
	}
}

func TestLoadYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	data := []byte("server:\n  port: \"9000\"\npersist:\n  debounce: 1s\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("port = %q, want 9000", cfg.Server.Port)
	}
	if cfg.Persist.Debounce != time.Second {
		t.Errorf("debounce = %v, want 1s", cfg.Persist.Debounce)
	}
	// Untouched sections keep defaults.
	if cfg.NATS.URL != "nats://localhost:4222" {
		t.Errorf("nats url = %q", cfg.NATS.URL)
	}
}

func TestLoadEnvOverridesYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte("server:\n  port: \"9000\"\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PARLEY_PORT", "9100")
	t.Setenv("PARLEY_TOKEN_REFRESH_MARGIN", "5m")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Server.Port != "9100" {
		t.Errorf("port = %q, want 9100", cfg.Server.Port)
	}
	if cfg.Tokens.RefreshMargin != 5*time.Minute {
		t.Errorf("margin = %v, want 5m", cfg.Tokens.RefreshMargin)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "parley.yaml")
	if err := os.WriteFile(path, []byte("server: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadFrom(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Server.Port = "" }},
		{"empty dsn", func(c *Config) { c.Postgres.DSN = "" }},
		{"empty nats url", func(c *Config) { c.NATS.URL = "" }},
		{"zero batch interval", func(c *Config) { c.Batcher.Interval = 0 }},
		{"zero debounce", func(c *Config) { c.Persist.Debounce = 0 }},
		{"zero breaker failures", func(c *Config) { c.Breaker.MaxFailures = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			if err := validate(&cfg); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
