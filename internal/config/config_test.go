package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, key := range []string{"CONFIG_FILE", "PORT", "GEMINI_BASE_URL", "REVOCATION_BACKEND", "BALANCER_WINDOW"} {
		t.Setenv(key, "")
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "8080" {
		t.Fatalf("unexpected default port %q", cfg.Port)
	}
	if cfg.Upstream.BaseURL != "https://generativelanguage.googleapis.com" {
		t.Fatalf("unexpected default base url %q", cfg.Upstream.BaseURL)
	}
	if cfg.Balancer.Window != 10*time.Second {
		t.Fatalf("unexpected default window %v", cfg.Balancer.Window)
	}
	if cfg.Revocation.Backend != "memory" {
		t.Fatalf("unexpected default backend %q", cfg.Revocation.Backend)
	}
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	raw := []byte(`
port: "9000"
upstream:
  base_url: https://example.test
  timeout: 20s
keys:
  trusted: [k1]
  backup: [b1, b2]
revocation:
  backend: redis
  redis_addr: redis:6379
balancer:
  window: 30s
`)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PORT", "7777")
	t.Setenv("BACKUP_API_KEYS", "x1, x2, x3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != "7777" {
		t.Fatalf("env must override file, got %q", cfg.Port)
	}
	if cfg.Upstream.BaseURL != "https://example.test" || cfg.Upstream.Timeout != 20*time.Second {
		t.Fatalf("file values not applied: %+v", cfg.Upstream)
	}
	if len(cfg.Keys.Backup) != 3 || cfg.Keys.Backup[2] != "x3" {
		t.Fatalf("env list not parsed: %v", cfg.Keys.Backup)
	}
	if cfg.Balancer.Window != 30*time.Second {
		t.Fatalf("window not applied: %v", cfg.Balancer.Window)
	}
}
