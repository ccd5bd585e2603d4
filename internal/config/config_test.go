package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("DB_DSN", "")
	t.Setenv("WS_PING_INTERVAL", "")
	t.Setenv("WORKER_CONCURRENCY", "")

	cfg := Load()
	if cfg.HTTPAddr != ":8080" {
		t.Fatalf("unexpected http addr: %q", cfg.HTTPAddr)
	}
	if cfg.WSPingInterval != 30*time.Second {
		t.Fatalf("unexpected ping interval: %s", cfg.WSPingInterval)
	}
	if cfg.WorkerConcurrency != 2 {
		t.Fatalf("unexpected worker concurrency: %d", cfg.WorkerConcurrency)
	}
	if cfg.WSSelfSendRedirect {
		t.Fatalf("self-send redirect should be off by default")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("WS_PING_INTERVAL", "5")
	t.Setenv("WS_PONG_WAIT", "12s")
	t.Setenv("WORKER_CONCURRENCY", "500")
	t.Setenv("WS_ALLOWED_ORIGINS", "https://a.example, https://b.example,")
	t.Setenv("WS_SELF_SEND_REDIRECT", "true")

	cfg := Load()
	if cfg.WSPingInterval != 5*time.Second {
		t.Fatalf("expected plain seconds to parse, got %s", cfg.WSPingInterval)
	}
	if cfg.WSPongWait != 12*time.Second {
		t.Fatalf("expected duration to parse, got %s", cfg.WSPongWait)
	}
	if cfg.WorkerConcurrency != 50 {
		t.Fatalf("expected concurrency clamped to 50, got %d", cfg.WorkerConcurrency)
	}
	if len(cfg.WSAllowedOrigins) != 2 || cfg.WSAllowedOrigins[1] != "https://b.example" {
		t.Fatalf("unexpected origins: %v", cfg.WSAllowedOrigins)
	}
	if !cfg.WSSelfSendRedirect {
		t.Fatalf("expected self-send redirect enabled")
	}
}
