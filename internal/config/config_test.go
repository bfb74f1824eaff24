package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.PayPalBaseURL != "https://api-m.sandbox.paypal.com" {
		t.Fatalf("PayPalBaseURL = %q", cfg.PayPalBaseURL)
	}
	if cfg.PayPalConfigured() {
		t.Fatal("PayPalConfigured must be false without credentials")
	}
	if cfg.ShutdownTimeout != 10*time.Second {
		t.Fatalf("ShutdownTimeout = %v", cfg.ShutdownTimeout)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MARSLAND_ADDR", ":9090")
	t.Setenv("MARSLAND_RATE_LIMIT_RPS", "2.5")
	t.Setenv("MARSLAND_READ_TIMEOUT", "30s")
	t.Setenv("MARSLAND_PAYPAL_CLIENT_ID", "client")
	t.Setenv("MARSLAND_PAYPAL_CLIENT_SECRET", "secret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":9090" {
		t.Fatalf("Addr = %q", cfg.Addr)
	}
	if cfg.RateLimitRPS != 2.5 {
		t.Fatalf("RateLimitRPS = %v", cfg.RateLimitRPS)
	}
	if cfg.ReadTimeout != 30*time.Second {
		t.Fatalf("ReadTimeout = %v", cfg.ReadTimeout)
	}
	if !cfg.PayPalConfigured() {
		t.Fatal("PayPalConfigured must be true with credentials")
	}
}

func TestLoadRejectsLoneCredential(t *testing.T) {
	t.Setenv("MARSLAND_PAYPAL_CLIENT_ID", "client")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for client id without secret")
	}
}

func TestMalformedValuesFallBack(t *testing.T) {
	t.Setenv("MARSLAND_RATE_LIMIT_BURST", "not-a-number")
	t.Setenv("MARSLAND_IDLE_TIMEOUT", "forever")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RateLimitBurst != 20 {
		t.Fatalf("RateLimitBurst = %d", cfg.RateLimitBurst)
	}
	if cfg.IdleTimeout != 60*time.Second {
		t.Fatalf("IdleTimeout = %v", cfg.IdleTimeout)
	}
}
