package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := Load()

	if cfg.ServerPort != "8080" {
		t.Fatalf("unexpected port %q", cfg.ServerPort)
	}
	if cfg.ProfilePath != "profiles/default.yaml" {
		t.Fatalf("unexpected profile path %q", cfg.ProfilePath)
	}
	if cfg.TargetLLMURL != "http://localhost:11434/v1/chat/completions" {
		t.Fatalf("unexpected target url %q", cfg.TargetLLMURL)
	}
	if cfg.UpstreamTimeout != 60*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.UpstreamTimeout)
	}
	if cfg.RateLimitPerMin != 60 {
		t.Fatalf("unexpected rate limit %d", cfg.RateLimitPerMin)
	}
	if cfg.AuditQueueSize != 1024 {
		t.Fatalf("unexpected queue size %d", cfg.AuditQueueSize)
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("SERVER_PORT", "9999")
	t.Setenv("USE_MOCK_LLM", "true")
	t.Setenv("UPSTREAM_TIMEOUT_SECONDS", "5")
	t.Setenv("APP_MODE", "prod")

	cfg := Load()
	if cfg.ServerPort != "9999" {
		t.Fatalf("unexpected port %q", cfg.ServerPort)
	}
	if !cfg.UseMockLLM {
		t.Fatal("mock flag not parsed")
	}
	if cfg.UpstreamTimeout != 5*time.Second {
		t.Fatalf("unexpected timeout %v", cfg.UpstreamTimeout)
	}
	if cfg.AppMode != "PROD" {
		t.Fatalf("app mode must be uppercased, got %q", cfg.AppMode)
	}
}

func TestLoad_AnthropicKeyAliases(t *testing.T) {
	t.Setenv("CLAUDE_API_KEY", "legacy-key")
	cfg := Load()
	if cfg.AnthropicKey != "legacy-key" {
		t.Fatalf("legacy var not honored, got %q", cfg.AnthropicKey)
	}

	t.Setenv("ANTHROPIC_API_KEY", "standard-key")
	cfg = Load()
	if cfg.AnthropicKey != "standard-key" {
		t.Fatalf("standard var must win, got %q", cfg.AnthropicKey)
	}
}

func TestLoad_InvalidIntFallsBack(t *testing.T) {
	t.Setenv("RATE_LIMIT_PER_MIN", "lots")
	cfg := Load()
	if cfg.RateLimitPerMin != 60 {
		t.Fatalf("invalid int must fall back to default, got %d", cfg.RateLimitPerMin)
	}
}
