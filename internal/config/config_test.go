package config

import (
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("EDGE_CACHE_HOSTNAME", "cache.example.com")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.HTTP.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.HTTP.Server.Port)
	}
	if cfg.Warmer.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", cfg.Warmer.Concurrency)
	}
	if !cfg.Warmer.SkipAfterFirstMiss {
		t.Error("expected skip-after-first-miss to default to true")
	}
	if cfg.Render.TileMatrixSet != "WebMercatorQuad" {
		t.Errorf("expected WebMercatorQuad, got %s", cfg.Render.TileMatrixSet)
	}
	if cfg.EdgeCache.Timeout != 30*time.Second {
		t.Errorf("expected 30s edge cache timeout, got %v", cfg.EdgeCache.Timeout)
	}
	if got := cfg.EdgeCacheBaseURL(); got != "https://cache.example.com" {
		t.Errorf("EdgeCacheBaseURL() = %s", got)
	}
	if cfg.Runs.Store != "memory" {
		t.Errorf("expected memory run store, got %s", cfg.Runs.Store)
	}
}

func TestParse_Overrides(t *testing.T) {
	t.Setenv("EDGE_CACHE_HOSTNAME", "localhost:9000/")
	t.Setenv("EDGE_CACHE_SCHEME", "http")
	t.Setenv("EDGE_CACHE_SECRET", "s3cret")
	t.Setenv("RENDER_ACCESS_TOKEN", "token")
	t.Setenv("WARMER_CONCURRENCY", "12")
	t.Setenv("WARMER_SKIP_AFTER_FIRST_MISS", "false")
	t.Setenv("APP_HOSTNAME", "tiles.example.com")

	cfg, err := Parse()
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := cfg.EdgeCacheBaseURL(); got != "http://localhost:9000" {
		t.Errorf("EdgeCacheBaseURL() = %s", got)
	}
	if cfg.EdgeCache.Secret != "s3cret" {
		t.Errorf("unexpected secret %q", cfg.EdgeCache.Secret)
	}
	if cfg.Render.AccessToken != "token" {
		t.Errorf("unexpected token %q", cfg.Render.AccessToken)
	}
	if cfg.Warmer.Concurrency != 12 {
		t.Errorf("expected concurrency 12, got %d", cfg.Warmer.Concurrency)
	}
	if cfg.Warmer.SkipAfterFirstMiss {
		t.Error("expected skip-after-first-miss disabled")
	}
	if got := cfg.PublicBaseURL(); got != "https://tiles.example.com" {
		t.Errorf("PublicBaseURL() = %s", got)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{
			name: "missing edge cache hostname",
			env:  map[string]string{},
		},
		{
			name: "zero concurrency",
			env: map[string]string{
				"EDGE_CACHE_HOSTNAME": "cache.example.com",
				"WARMER_CONCURRENCY":  "0",
			},
		},
		{
			name: "unknown run store",
			env: map[string]string{
				"EDGE_CACHE_HOSTNAME": "cache.example.com",
				"RUNS_STORE":          "etcd",
			},
		},
		{
			name: "bad scheme",
			env: map[string]string{
				"EDGE_CACHE_HOSTNAME": "cache.example.com",
				"EDGE_CACHE_SCHEME":   "ftp",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("EDGE_CACHE_HOSTNAME", "")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Parse(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}
