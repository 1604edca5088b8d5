package config

import (
	"testing"
	"time"
)

func TestDefaults(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 4000 {
		t.Errorf("default port = %d, want 4000", cfg.Server.Port)
	}
	if cfg.Broadcast.MaxTPS != 20 {
		t.Errorf("default max_tps = %v, want 20", cfg.Broadcast.MaxTPS)
	}
	if cfg.Broadcast.TickHistoryLimit != 1000 {
		t.Errorf("default tick_history_limit = %d, want 1000", cfg.Broadcast.TickHistoryLimit)
	}
	if cfg.Engine.ExecutionLatency != 150*time.Millisecond {
		t.Errorf("default execution_latency = %v, want 150ms", cfg.Engine.ExecutionLatency)
	}
	if cfg.Engine.SLTPGrace != time.Second {
		t.Errorf("default sltp_grace = %v, want 1s", cfg.Engine.SLTPGrace)
	}
	if cfg.Engine.PriceStale != 5*time.Second {
		t.Errorf("default price_stale = %v, want 5s", cfg.Engine.PriceStale)
	}
	if cfg.Engine.DuplicateWindow != 500*time.Millisecond {
		t.Errorf("default duplicate_window = %v, want 500ms", cfg.Engine.DuplicateWindow)
	}
	if cfg.Engine.EnablePartialFills {
		t.Error("partial fills should default off")
	}
	if cfg.Engine.USDINRFallback != 83 {
		t.Errorf("default usdinr_fallback = %v, want 83", cfg.Engine.USDINRFallback)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "8081")
	t.Setenv("MAX_BROADCAST_TPS", "50")
	t.Setenv("EXECUTION_LATENCY_MS", "10")
	t.Setenv("ENABLE_PARTIAL_FILLS", "true")
	t.Setenv("FEED_API_KEY", "sekrit")
	t.Setenv("UPSTASH_REDIS_URL", "redis://upstash.example:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 8081 {
		t.Errorf("PORT override: got %d", cfg.Server.Port)
	}
	if cfg.Broadcast.MaxTPS != 50 {
		t.Errorf("MAX_BROADCAST_TPS override: got %v", cfg.Broadcast.MaxTPS)
	}
	if cfg.Engine.ExecutionLatency != 10*time.Millisecond {
		t.Errorf("EXECUTION_LATENCY_MS override: got %v", cfg.Engine.ExecutionLatency)
	}
	if !cfg.Engine.EnablePartialFills {
		t.Error("ENABLE_PARTIAL_FILLS override not applied")
	}
	if cfg.Server.APIKey != "sekrit" {
		t.Errorf("FEED_API_KEY override: got %q", cfg.Server.APIKey)
	}
	if cfg.Redis.URL != "redis://upstash.example:6379" {
		t.Errorf("UPSTASH_REDIS_URL override: got %q", cfg.Redis.URL)
	}
}

func TestRedisURLPrefersPrimaryName(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://primary:6379")
	t.Setenv("UPSTASH_REDIS_URL", "redis://upstash:6379")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Redis.URL != "redis://primary:6379" {
		t.Errorf("REDIS_URL should win over UPSTASH_REDIS_URL, got %q", cfg.Redis.URL)
	}
}

func TestBadEnvValueFallsBackWithWarning(t *testing.T) {
	t.Setenv("MAX_BROADCAST_TPS", "lots")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Broadcast.MaxTPS != 20 {
		t.Errorf("bad MAX_BROADCAST_TPS should keep default 20, got %v", cfg.Broadcast.MaxTPS)
	}
	if len(cfg.Warnings()) == 0 {
		t.Error("expected a warning for the unparseable value")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero port", func(c *Config) { c.Server.Port = 0 }},
		{"missing feed url", func(c *Config) { c.Feed.WSBaseURL = "" }},
		{"zero tps", func(c *Config) { c.Broadcast.MaxTPS = 0 }},
		{"ratio above one", func(c *Config) { c.Engine.PartialFillRatio = 1.5 }},
		{"negative latency", func(c *Config) { c.Engine.ExecutionLatency = -time.Second }},
		{"zero usdinr", func(c *Config) { c.Engine.USDINRFallback = 0 }},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		if err := cfg.Validate(); err == nil {
			t.Errorf("%s: Validate() passed, want error", tt.name)
		}
	}
}
