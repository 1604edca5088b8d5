// Package api is the downstream gateway: order intake over HTTP, price and
// candle reads, the Prometheus scrape and the WebSocket fan-out of live
// events to authenticated clients.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"propcore/internal/bus"
	"propcore/internal/candles"
	"propcore/internal/config"
	"propcore/internal/instrument"
	"propcore/internal/market"
	"propcore/internal/state"
)

// Server runs the HTTP listener and the WebSocket hub.
type Server struct {
	cfg      *config.Config
	hub      *Hub
	handlers *Handlers
	bus      *bus.Bus
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the gateway. idem may be nil when no KV store is
// configured; idempotency keys are then accepted but not enforced.
func NewServer(
	cfg *config.Config,
	reg *instrument.Registry,
	st *state.State,
	marks *market.Marks,
	depth *market.DepthBook,
	agg *candles.Aggregator,
	eng OrderPlacer,
	idem IdemStore,
	b *bus.Bus,
	logger *slog.Logger,
) *Server {
	hub := NewHub(cfg, reg, st, marks, depth, logger)
	handlers := NewHandlers(cfg, reg, marks, hub, eng, agg, idem, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/place-order", handlers.HandlePlaceOrder)
	mux.HandleFunc("/prices", handlers.HandlePrices)
	mux.HandleFunc("/candles", handlers.HandleCandles)
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", handlers.HandleWS)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		hub:      hub,
		handlers: handlers,
		bus:      b,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the bus consumer and the listener. Blocks until the
// listener stops.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.hub.ConsumeBus(ctx, s.bus)

	s.logger.Info("gateway listening", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop drains in-flight HTTP requests. WebSocket clients are torn down by
// the hub when the root context is cancelled.
func (s *Server) Stop() error {
	s.logger.Info("stopping gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}
