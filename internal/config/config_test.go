package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PROCSTREAM_UPSTREAM_URL", "http://registry.internal:9000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Fatalf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.CatalogCacheTTL != time.Minute {
		t.Fatalf("CatalogCacheTTL = %s", cfg.CatalogCacheTTL)
	}
	if cfg.RedisAddr != "" {
		t.Fatalf("RedisAddr = %q, want empty", cfg.RedisAddr)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PROCSTREAM_UPSTREAM_URL", "https://registry.example.com")
	t.Setenv("PROCSTREAM_LISTEN", "127.0.0.1:9090")
	t.Setenv("PROCSTREAM_HEARTBEAT_INTERVAL", "5s")
	t.Setenv("PROCSTREAM_CATALOG_CACHE_TTL", "90s")
	t.Setenv("PROCSTREAM_REDIS_ADDR", "localhost:6379")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9090" {
		t.Fatalf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 5*time.Second {
		t.Fatalf("HeartbeatInterval = %s", cfg.HeartbeatInterval)
	}
	if cfg.CatalogCacheTTL != 90*time.Second {
		t.Fatalf("CatalogCacheTTL = %s", cfg.CatalogCacheTTL)
	}
	if cfg.RedisAddr != "localhost:6379" {
		t.Fatalf("RedisAddr = %q", cfg.RedisAddr)
	}
}

func TestLoadMissingUpstream(t *testing.T) {
	t.Setenv("PROCSTREAM_UPSTREAM_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when upstream URL is unset")
	}
}

func TestLoadRejectsBadScheme(t *testing.T) {
	t.Setenv("PROCSTREAM_UPSTREAM_URL", "ftp://registry")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for non-HTTP scheme")
	}
}
