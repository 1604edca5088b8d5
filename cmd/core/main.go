// Prop-firm execution core — a simulated trading backend: live upstream
// prices in, deterministic fills, prop-firm risk rules and fan-out to
// downstream clients.
//
// Architecture:
//
//	main.go              — entry point: config, logger, wiring, signal-driven shutdown
//	feed/hub.go          — upstream WS ingest: per-symbol streams, dedupe, lossless tick channel
//	engine/engine.go     — tick-driven matching: fills, slippage, SL/TP exits, per-account serialization
//	risk/engine.go       — prop-firm rule matrix: loss floors, trailing drawdown, liquidation
//	state/state.go       — shared in-memory accounts, open trades and pending orders
//	instrument/registry  — contract table: aliases, per-contract economics, trading hours
//	candles/candles.go   — OHLCV rings behind GET /candles
//	bus/bus.go           — in-process event fan-out, mirrored to Redis pub/sub
//	api/server.go        — HTTP/WS gateway: order intake, throttled price fan-out, metrics
//	store/store.go       — relational persistence (gorm): accounts, orders, trades, audit
//	kv/kv.go             — Redis mirrors: latest prices, tick rings, idempotency keys
//
// Degradation model:
//
//	In-process memory is authoritative. The relational store and the Redis
//	mirror are both optional: without DATABASE_URL nothing persists across
//	restarts, without REDIS_URL external observers see nothing, but matching
//	and risk enforcement run identically either way.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"propcore/internal/api"
	"propcore/internal/bus"
	"propcore/internal/candles"
	"propcore/internal/config"
	"propcore/internal/engine"
	"propcore/internal/feed"
	"propcore/internal/instrument"
	"propcore/internal/kv"
	"propcore/internal/market"
	"propcore/internal/risk"
	"propcore/internal/state"
	"propcore/internal/store"
)

const candleHistory = 1000

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("PROPCORE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	for _, w := range cfg.Warnings() {
		logger.Warn(w)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bootCtx, bootCancel := context.WithTimeout(ctx, 15*time.Second)
	defer bootCancel()

	// Relational store: optional, memory stays authoritative without it.
	var db *store.Store
	if cfg.Database.URL != "" {
		db, err = store.Open(cfg.Database.URL, logger)
		if err != nil {
			logger.Error("failed to open database", "error", err)
			os.Exit(1)
		}
	} else {
		logger.Warn("DATABASE_URL not set, running without persistence")
	}

	// KV mirror: optional, a dead Redis degrades mirrors, never matching.
	var kvc *kv.Client
	if cfg.Redis.URL != "" {
		kvc, err = kv.New(cfg.Redis.URL, cfg.Broadcast.TickHistoryLimit, logger)
		if err != nil {
			logger.Error("invalid redis url", "error", err)
			os.Exit(1)
		}
		if err := kvc.Ping(bootCtx); err != nil {
			logger.Warn("redis unreachable, running without the KV mirror", "error", err)
			kvc.Close()
			kvc = nil
		}
	} else {
		logger.Warn("REDIS_URL not set, running without the KV mirror")
	}

	// Interface wiring. The nil checks matter: a nil *store.Store assigned
	// into an interface would no longer compare equal to nil.
	var (
		mirror    bus.Mirror
		loader    instrument.Loader
		engStore  engine.Store
		riskStore risk.Store
		idem      api.IdemStore
	)
	if kvc != nil {
		mirror = kvc
		idem = kvc
	}
	if db != nil {
		loader = db
		engStore = db
		riskStore = db
	}

	b := bus.New(mirror, logger)

	reg := instrument.New(loader, cfg.Registry.RefreshInterval, logger)
	reg.Reload(bootCtx)

	st := state.New(b)
	if db != nil {
		accounts, err := db.LoadActiveAccounts(bootCtx)
		if err != nil {
			logger.Error("failed to load accounts", "error", err)
			os.Exit(1)
		}
		st.LoadAccounts(accounts)

		trades, err := db.OpenTrades(bootCtx)
		if err != nil {
			logger.Error("failed to recover open trades", "error", err)
			os.Exit(1)
		}
		for _, tr := range trades {
			st.AddOpenTrade(tr)
		}
		logger.Info("state recovered", "accounts", len(accounts), "open_trades", len(trades))
	}

	marks := market.NewMarks()
	depth := market.NewDepthBook()

	riskEng := risk.New(st, reg, marks, riskStore, logger)

	prices := feed.NewRestClient(cfg.Feed.RESTBaseURL, logger)
	feedHub := feed.NewHub(cfg, reg, marks, depth, kvc, b, logger)

	eng := engine.New(cfg, reg, st, marks, riskEng, engStore, prices, b, feedHub.Ticks(), logger)
	riskEng.BindClose(eng.CloseTrade)

	agg := candles.New(b, candleHistory, logger)
	audit := risk.NewAuditSink(riskStore, kvc, b, logger)

	go reg.Run(ctx)
	go b.Run(ctx)
	go agg.Run(ctx)
	go audit.Run(ctx)
	go riskEng.RunDailyReset(ctx)
	go func() {
		if err := feedHub.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("feed hub stopped", "error", err)
		}
	}()
	go func() {
		if err := eng.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("matching engine stopped", "error", err)
		}
	}()

	server := api.NewServer(cfg, reg, st, marks, depth, agg, eng, idem, b, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("gateway failed", "error", err)
		}
	}()

	logger.Info("execution core started",
		"port", cfg.Server.Port,
		"instruments", len(reg.All()),
		"partial_fills", cfg.Engine.EnablePartialFills,
		"store", db != nil,
		"kv", kvc != nil,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop intake first, then cancel the pipelines, then wait out the fills
	// still inside their latency window before releasing the stores.
	if err := server.Stop(); err != nil {
		logger.Error("failed to stop gateway", "error", err)
	}
	cancel()
	eng.Drain()

	if kvc != nil {
		kvc.Close()
	}
	if db != nil {
		db.Close()
	}
	logger.Info("shutdown complete")
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
