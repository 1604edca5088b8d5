// Package config defines all configuration for the execution core.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// fields overridable via PROPCORE_* environment variables. Deployment
// settings keep their bare legacy names (PORT, REDIS_URL, DATABASE_URL,
// FEED_WS_URL, MAX_BROADCAST_TPS, ...) and are read explicitly; a bad
// value falls back to its default and is reported once via Warnings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Broadcast BroadcastConfig `mapstructure:"broadcast"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Logging   LoggingConfig   `mapstructure:"logging"`

	warnings []string
}

// ServerConfig controls the HTTP/WS gateway.
type ServerConfig struct {
	Port           int      `mapstructure:"port"`
	APIKey         string   `mapstructure:"api_key"` // static key for /ws clients; FEED_API_KEY
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// FeedConfig points at the upstream exchange endpoints.
type FeedConfig struct {
	WSBaseURL       string        `mapstructure:"ws_base_url"`       // e.g. wss://stream.binance.com:9443/ws
	RESTBaseURL     string        `mapstructure:"rest_base_url"`     // e.g. https://api.binance.com
	ReconnectMax    time.Duration `mapstructure:"reconnect_max"`     // backoff cap
	WatchdogTimeout time.Duration `mapstructure:"watchdog_timeout"`  // reconnect if no frame within this window
}

// RedisConfig holds the KV connection. Empty URL disables the KV mirror;
// matching never depends on it.
type RedisConfig struct {
	URL string `mapstructure:"url"`
}

// DatabaseConfig holds the relational store DSN. postgres:// selects the
// Postgres driver, sqlite:// the embedded one.
type DatabaseConfig struct {
	URL string `mapstructure:"url"`
}

// EngineConfig tunes the simulated execution path.
//
//   - ExecutionLatency: artificial delay between accepting a fill and executing it.
//   - SLTPGrace: a trade is exempt from SL/TP scans until it is this old.
//   - PriceStale: cached last prices older than this force a REST fallback.
//   - DuplicateWindow: identical orders inside this window are rejected.
//   - PartialFillRatio: fixed fill fraction when partial fills are on; 0 draws
//     uniformly from [0.5, 1.0] per fill.
//   - USDINRFallback: conversion rate used when no live USDINR tick exists.
type EngineConfig struct {
	ExecutionLatency   time.Duration `mapstructure:"execution_latency"`
	SLTPGrace          time.Duration `mapstructure:"sltp_grace"`
	PriceStale         time.Duration `mapstructure:"price_stale"`
	DuplicateWindow    time.Duration `mapstructure:"duplicate_window"`
	EnablePartialFills bool          `mapstructure:"enable_partial_fills"`
	PartialFillRatio   float64       `mapstructure:"partial_fill_ratio"`
	ClosingCommission  bool          `mapstructure:"closing_commission"`
	MaxSlippage        float64       `mapstructure:"max_slippage"` // default cap when the instrument has none
	USDINRFallback     float64       `mapstructure:"usdinr_fallback"`
	TickBuffer         int           `mapstructure:"tick_buffer"` // matching channel depth
}

// BroadcastConfig tunes the downstream fan-out and KV publication cadence.
type BroadcastConfig struct {
	MaxTPS            float64       `mapstructure:"max_tps"` // process-wide price/depth frame budget
	TickHistoryLimit  int           `mapstructure:"tick_history_limit"`
	LatestPricesFlush time.Duration `mapstructure:"latest_prices_flush"`
	TickRingThrottle  time.Duration `mapstructure:"tick_ring_throttle"`
	DepthFlush        time.Duration `mapstructure:"depth_flush"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	ClientQueue       int           `mapstructure:"client_queue"`      // frames buffered per WS client
	ClientBufferMax   int           `mapstructure:"client_buffer_max"` // bytes buffered before frames are skipped
}

// RegistryConfig controls the instrument table refresh.
type RegistryConfig struct {
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides. A missing file
// is not an error; every field has a default.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROPCORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// Defaults cover a missing file; anything else is a real error.
			if !os.IsNotExist(err) {
				if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
					if _, pathErr := err.(*os.PathError); !pathErr {
						return nil, fmt.Errorf("read config: %w", err)
					}
				}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.applyEnvOverrides()

	return &cfg, nil
}

// Default returns the built-in defaults without reading files or env.
// Tests start from this and adjust what they exercise.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 4000)
	v.SetDefault("server.allowed_origins", []string{"*"})

	v.SetDefault("feed.ws_base_url", "wss://stream.binance.com:9443/ws")
	v.SetDefault("feed.rest_base_url", "https://api.binance.com")
	v.SetDefault("feed.reconnect_max", 30*time.Second)
	v.SetDefault("feed.watchdog_timeout", 15*time.Second)

	v.SetDefault("engine.execution_latency", 150*time.Millisecond)
	v.SetDefault("engine.sltp_grace", time.Second)
	v.SetDefault("engine.price_stale", 5*time.Second)
	v.SetDefault("engine.duplicate_window", 500*time.Millisecond)
	v.SetDefault("engine.enable_partial_fills", false)
	v.SetDefault("engine.partial_fill_ratio", 0.5)
	v.SetDefault("engine.closing_commission", false)
	v.SetDefault("engine.max_slippage", 5.0)
	v.SetDefault("engine.usdinr_fallback", 83.0)
	v.SetDefault("engine.tick_buffer", 4096)

	v.SetDefault("broadcast.max_tps", 20.0)
	v.SetDefault("broadcast.tick_history_limit", 1000)
	v.SetDefault("broadcast.latest_prices_flush", 200*time.Millisecond)
	v.SetDefault("broadcast.tick_ring_throttle", time.Second)
	v.SetDefault("broadcast.depth_flush", 500*time.Millisecond)
	v.SetDefault("broadcast.heartbeat_interval", 25*time.Second)
	v.SetDefault("broadcast.client_queue", 256)
	v.SetDefault("broadcast.client_buffer_max", 1<<20)

	v.SetDefault("registry.refresh_interval", 10*time.Minute)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
}

// applyEnvOverrides reads the bare deployment env names. Unparseable values
// keep the default and record a warning; callers log them once a logger exists.
func (c *Config) applyEnvOverrides() {
	if port, ok := c.envInt("PORT"); ok {
		c.Server.Port = port
	}
	if key := os.Getenv("FEED_API_KEY"); key != "" {
		c.Server.APIKey = key
	}
	if url := os.Getenv("FEED_WS_URL"); url != "" {
		c.Feed.WSBaseURL = url
	}
	if url := os.Getenv("FEED_REST_URL"); url != "" {
		c.Feed.RESTBaseURL = url
	}
	if url := os.Getenv("REDIS_URL"); url != "" {
		c.Redis.URL = url
	} else if url := os.Getenv("UPSTASH_REDIS_URL"); url != "" {
		c.Redis.URL = url
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		c.Database.URL = url
	}
	if tps, ok := c.envFloat("MAX_BROADCAST_TPS"); ok {
		c.Broadcast.MaxTPS = tps
	}
	if n, ok := c.envInt("TICK_HISTORY_LIMIT"); ok {
		c.Broadcast.TickHistoryLimit = n
	}
	if d, ok := c.envMs("EXECUTION_LATENCY_MS"); ok {
		c.Engine.ExecutionLatency = d
	}
	if d, ok := c.envMs("SLTP_GRACE_MS"); ok {
		c.Engine.SLTPGrace = d
	}
	if d, ok := c.envMs("PRICE_STALE_MS"); ok {
		c.Engine.PriceStale = d
	}
	if d, ok := c.envMs("DUPLICATE_ORDER_MS"); ok {
		c.Engine.DuplicateWindow = d
	}
	if raw := os.Getenv("ENABLE_PARTIAL_FILLS"); raw != "" {
		c.Engine.EnablePartialFills = raw == "true" || raw == "1"
	}
	if r, ok := c.envFloat("PARTIAL_FILL_RATIO"); ok {
		c.Engine.PartialFillRatio = r
	}
	if r, ok := c.envFloat("USDINR_FALLBACK"); ok {
		c.Engine.USDINRFallback = r
	}
}

func (c *Config) envInt(name string) (int, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("%s=%q is not an integer, using default", name, raw))
		return 0, false
	}
	return n, true
}

func (c *Config) envFloat(name string) (float64, bool) {
	raw := os.Getenv(name)
	if raw == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		c.warnings = append(c.warnings, fmt.Sprintf("%s=%q is not a number, using default", name, raw))
		return 0, false
	}
	return f, true
}

func (c *Config) envMs(name string) (time.Duration, bool) {
	n, ok := c.envInt(name)
	if !ok {
		return 0, false
	}
	return time.Duration(n) * time.Millisecond, true
}

// Warnings lists fallbacks taken during Load, for one-time logging at boot.
func (c *Config) Warnings() []string {
	return c.warnings
}

// Validate checks value ranges. URLs may legitimately be empty (the KV mirror
// and the relational store degrade to in-memory-only operation).
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in (0, 65535], got %d", c.Server.Port)
	}
	if c.Feed.WSBaseURL == "" {
		return fmt.Errorf("feed.ws_base_url is required")
	}
	if c.Broadcast.MaxTPS <= 0 {
		return fmt.Errorf("broadcast.max_tps must be > 0")
	}
	if c.Broadcast.TickHistoryLimit <= 0 {
		return fmt.Errorf("broadcast.tick_history_limit must be > 0")
	}
	if c.Engine.PartialFillRatio < 0 || c.Engine.PartialFillRatio > 1 {
		return fmt.Errorf("engine.partial_fill_ratio must be in [0, 1], got %v", c.Engine.PartialFillRatio)
	}
	if c.Engine.ExecutionLatency < 0 {
		return fmt.Errorf("engine.execution_latency must be >= 0")
	}
	if c.Engine.USDINRFallback <= 0 {
		return fmt.Errorf("engine.usdinr_fallback must be > 0")
	}
	if c.Engine.TickBuffer <= 0 {
		return fmt.Errorf("engine.tick_buffer must be > 0")
	}
	return nil
}
