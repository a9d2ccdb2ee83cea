package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PYMEMAD_TOKEN_SECRET", "test-secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":8080" {
		t.Fatalf("unexpected addr: %s", cfg.Server.Addr)
	}
	if cfg.Resolver.CheckTimeout != 50*time.Millisecond {
		t.Fatalf("unexpected check timeout: %s", cfg.Resolver.CheckTimeout)
	}
	if cfg.Resolver.CacheTTL != 5*time.Second {
		t.Fatalf("unexpected cache ttl: %s", cfg.Resolver.CacheTTL)
	}
	if cfg.Database.DSN != "" {
		t.Fatalf("expected empty DSN by default")
	}
	if cfg.Auth.TokenIssuer != "pymemad" {
		t.Fatalf("unexpected issuer: %s", cfg.Auth.TokenIssuer)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PYMEMAD_TOKEN_SECRET", "test-secret")
	t.Setenv("PYMEMAD_ADDR", ":9999")
	t.Setenv("PYMEMAD_CHECK_TIMEOUT", "120ms")
	t.Setenv("PYMEMAD_CACHE_SIZE", "128")
	t.Setenv("PYMEMAD_PG_DSN", "postgres://localhost/pymemad")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Addr != ":9999" {
		t.Fatalf("addr override not applied: %s", cfg.Server.Addr)
	}
	if cfg.Resolver.CheckTimeout != 120*time.Millisecond {
		t.Fatalf("timeout override not applied: %s", cfg.Resolver.CheckTimeout)
	}
	if cfg.Resolver.CacheSize != 128 {
		t.Fatalf("cache size override not applied: %d", cfg.Resolver.CacheSize)
	}
	if cfg.Database.DSN != "postgres://localhost/pymemad" {
		t.Fatalf("dsn override not applied: %s", cfg.Database.DSN)
	}
}

func TestLoadRequiresSecret(t *testing.T) {
	t.Setenv("PYMEMAD_TOKEN_SECRET", "")
	if _, err := Load(); err == nil {
		t.Fatalf("expected missing secret to fail validation")
	}
}

func TestLoadRejectsBadDurations(t *testing.T) {
	t.Setenv("PYMEMAD_TOKEN_SECRET", "test-secret")
	t.Setenv("PYMEMAD_CHECK_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	// Unparseable values fall back to the default rather than failing boot.
	if cfg.Resolver.CheckTimeout != 50*time.Millisecond {
		t.Fatalf("expected fallback timeout, got %s", cfg.Resolver.CheckTimeout)
	}
}
