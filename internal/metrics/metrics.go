// Package metrics holds the Prometheus instruments for the execution core.
//
// Series exposed at /metrics:
//   - core_ticks_total{symbol}            feed ticks accepted after normalization
//   - core_ticks_deduped_total{symbol}    identical-price ticks suppressed from publication
//   - core_feed_reconnects_total{stream}  upstream reconnect attempts
//   - core_broadcasts_total{type}         frames fanned out to WS clients
//   - core_broadcasts_dropped_total{reason} frames dropped (rate limit, slow client, buffer cap)
//   - core_bus_dropped_total{channel}     bus events dropped on full subscriber queues
//   - core_orders_total{type,outcome}     order intake split by type and verdict
//   - core_fills_total{symbol}            executed fills (partials count individually)
//   - core_trades_closed_total{reason}    closes split by exit reason
//   - core_accounts_blown_total{rule}     breach liquidations by failing rule
//   - core_ws_clients                     currently connected WS clients (gauge)
//   - core_open_trades                    open trades across accounts (gauge)
//
// Registered in init() and served by the gateway at /metrics.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_ticks_total",
			Help: "Feed ticks accepted after normalization",
		},
		[]string{"symbol"},
	)

	TicksDeduped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_ticks_deduped_total",
			Help: "Ticks suppressed from publication because the price did not change",
		},
		[]string{"symbol"},
	)

	FeedReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_feed_reconnects_total",
			Help: "Upstream WebSocket reconnect attempts",
		},
		[]string{"stream"},
	)

	BroadcastsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_broadcasts_total",
			Help: "Frames fanned out to downstream WS clients",
		},
		[]string{"type"},
	)

	BroadcastsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_broadcasts_dropped_total",
			Help: "Frames dropped before reaching a client",
		},
		[]string{"reason"}, // rate_limit | slow_client | buffer_cap | hub_queue
	)

	BusDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_bus_dropped_total",
			Help: "Bus events dropped on full subscriber queues",
		},
		[]string{"channel"},
	)

	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_orders_total",
			Help: "Order intake split by type and verdict",
		},
		[]string{"type", "outcome"}, // outcome: filled | pending | rejected
	)

	FillsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_fills_total",
			Help: "Executed fills; partial fills count individually",
		},
		[]string{"symbol"},
	)

	TradesClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_trades_closed_total",
			Help: "Trade closes split by exit reason",
		},
		[]string{"reason"},
	)

	AccountsBlown = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "core_accounts_blown_total",
			Help: "Breach liquidations by failing rule",
		},
		[]string{"rule"},
	)

	WSClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_ws_clients",
			Help: "Currently connected WS clients",
		},
	)

	OpenTrades = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "core_open_trades",
			Help: "Open trades across all accounts",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TicksTotal,
		TicksDeduped,
		FeedReconnects,
		BroadcastsTotal,
		BroadcastsDropped,
		BusDropped,
		OrdersTotal,
		FillsTotal,
		TradesClosed,
		AccountsBlown,
		WSClients,
		OpenTrades,
	)
}
