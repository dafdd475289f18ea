package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
output_dir: /data/out
ipeds_dir: /data/ipeds
workers: 8
user_agent: test-agent
retries: 1
rate_limit:
  min_delay: 500ms
  max_delay: 2s
timeouts:
  connect: 5s
  read: 20s
logging:
  level: debug
  development: false
discovery:
  max_pages: 10
  max_depth: 2
catalog:
  follow_depth: 2
  max_followed: 5
render:
  enabled: true
  max_parallel: 3
  timeout: 45s
server:
  listen: 127.0.0.1:9090
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.OutputDir != "/data/out" || cfg.IPEDSDir != "/data/ipeds" {
		t.Fatalf("expected directories from file, got %q %q", cfg.OutputDir, cfg.IPEDSDir)
	}
	if cfg.Workers != 8 || cfg.Retries != 1 || cfg.UserAgent != "test-agent" {
		t.Fatalf("expected scalar overrides to apply: %+v", cfg)
	}
	if cfg.RateLimit.MinDelay != 500*time.Millisecond || cfg.RateLimit.MaxDelay != 2*time.Second {
		t.Fatalf("expected rate limit durations, got %+v", cfg.RateLimit)
	}
	if cfg.Timeouts.Connect != 5*time.Second || cfg.Timeouts.Read != 20*time.Second {
		t.Fatalf("expected timeouts, got %+v", cfg.Timeouts)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Development {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Discovery.MaxPages != 10 || cfg.Catalog.MaxFollowed != 5 {
		t.Fatalf("expected discovery and catalog overrides")
	}
	if !cfg.Render.Enabled || cfg.Render.MaxParallel != 3 || cfg.Render.Timeout != 45*time.Second {
		t.Fatalf("expected render overrides, got %+v", cfg.Render)
	}
	if cfg.Server.Listen != "127.0.0.1:9090" {
		t.Fatalf("expected listen address, got %q", cfg.Server.Listen)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 5 {
		t.Fatalf("expected 5 workers, got %d", cfg.Workers)
	}
	if cfg.RateLimit.MinDelay != time.Second || cfg.RateLimit.MaxDelay != 3*time.Second {
		t.Fatalf("unexpected rate limit defaults: %+v", cfg.RateLimit)
	}
	if cfg.Catalog.FollowDepth != 1 || cfg.Catalog.MaxFollowed != 20 {
		t.Fatalf("unexpected catalog defaults: %+v", cfg.Catalog)
	}
	if cfg.Render.Enabled {
		t.Fatalf("rendering should be off by default")
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SCRAPE_EDU_WORKERS", "12")
	t.Setenv("SCRAPE_EDU_RATE_LIMIT_MAX_DELAY", "9s")
	t.Setenv("IPEDS_DIR", "/legacy/ipeds")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Workers != 12 {
		t.Fatalf("expected env workers, got %d", cfg.Workers)
	}
	if cfg.RateLimit.MaxDelay != 9*time.Second {
		t.Fatalf("expected env max delay, got %v", cfg.RateLimit.MaxDelay)
	}
	if cfg.IPEDSDir != "/legacy/ipeds" {
		t.Fatalf("expected unprefixed IPEDS_DIR to apply, got %q", cfg.IPEDSDir)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("SCRAPE_EDU_OUTPUT_DIR=/from/dotenv\n"), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Setenv("SCRAPE_EDU_OUTPUT_DIR", "")
	if err := os.Unsetenv("SCRAPE_EDU_OUTPUT_DIR"); err != nil {
		t.Fatalf("unset: %v", err)
	}

	if err := LoadDotEnv(path, filepath.Join(dir, "missing.env")); err != nil {
		t.Fatalf("LoadDotEnv() error = %v", err)
	}
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.OutputDir != "/from/dotenv" {
		t.Fatalf("expected .env value, got %q", cfg.OutputDir)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "empty output dir", mutate: func(c *Config) { c.OutputDir = "" }, want: "output_dir"},
		{name: "invalid workers", mutate: func(c *Config) { c.Workers = 0 }, want: "workers"},
		{name: "negative retries", mutate: func(c *Config) { c.Retries = -1 }, want: "retries"},
		{name: "negative min delay", mutate: func(c *Config) { c.RateLimit.MinDelay = -time.Second }, want: "rate_limit.min_delay"},
		{
			name: "max below min",
			mutate: func(c *Config) {
				c.RateLimit.MinDelay = 3 * time.Second
				c.RateLimit.MaxDelay = time.Second
			},
			want: "rate_limit.max_delay",
		},
		{name: "zero timeout", mutate: func(c *Config) { c.Timeouts.Read = 0 }, want: "timeouts"},
		{name: "zero max pages", mutate: func(c *Config) { c.Discovery.MaxPages = 0 }, want: "discovery.max_pages"},
		{
			name: "render missing max parallel",
			mutate: func(c *Config) {
				c.Render.Enabled = true
				c.Render.MaxParallel = 0
			},
			want: "render.max_parallel",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
		})
	}
}
