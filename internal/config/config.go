// Package config loads gateway configuration from an optional YAML file with
// environment-variable overrides on top.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full gateway configuration.
type Config struct {
	Port string `yaml:"port"`

	Upstream struct {
		BaseURL string        `yaml:"base_url"`
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"upstream"`

	Keys struct {
		Trusted []string `yaml:"trusted"`
		Backup  []string `yaml:"backup"`
	} `yaml:"keys"`

	Revocation struct {
		Backend   string `yaml:"backend"` // "memory" or "redis"
		RedisAddr string `yaml:"redis_addr"`
		Prefix    string `yaml:"prefix"`
	} `yaml:"revocation"`

	Balancer struct {
		Window time.Duration `yaml:"window"`
	} `yaml:"balancer"`

	Models struct {
		Default string            `yaml:"default"`
		Aliases map[string]string `yaml:"aliases"`
	} `yaml:"models"`
}

func defaults() Config {
	var cfg Config
	cfg.Port = "8080"
	cfg.Upstream.BaseURL = "https://generativelanguage.googleapis.com"
	cfg.Upstream.Timeout = 45 * time.Second
	cfg.Revocation.Backend = "memory"
	cfg.Revocation.RedisAddr = "127.0.0.1:6379"
	cfg.Revocation.Prefix = "gemigate"
	cfg.Balancer.Window = 10 * time.Second
	return cfg
}

// Load reads the file named by CONFIG_FILE (when set), then applies
// environment overrides.
func Load() (Config, error) {
	cfg := defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("GEMINI_BASE_URL"); v != "" {
		cfg.Upstream.BaseURL = v
	}
	if v := os.Getenv("UPSTREAM_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Upstream.Timeout = d
		}
	}
	if v := os.Getenv("TRUSTED_API_KEYS"); v != "" {
		cfg.Keys.Trusted = splitList(v)
	}
	if v := os.Getenv("BACKUP_API_KEYS"); v != "" {
		cfg.Keys.Backup = splitList(v)
	}
	if v := os.Getenv("REVOCATION_BACKEND"); v != "" {
		cfg.Revocation.Backend = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Revocation.RedisAddr = v
	}
	if v := os.Getenv("BALANCER_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Balancer.Window = d
		}
	}
	if v := os.Getenv("DEFAULT_MODEL"); v != "" {
		cfg.Models.Default = v
	}
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
