package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"propcore/internal/candles"
	"propcore/internal/config"
	"propcore/internal/engine"
	"propcore/internal/instrument"
	"propcore/internal/market"
	"propcore/pkg/types"
)

// OrderPlacer is the slice of the matching engine the gateway calls.
type OrderPlacer interface {
	PlaceOrder(ctx context.Context, req engine.PlaceRequest) engine.PlaceResult
}

// IdemStore reserves idempotency keys. A nil store disables replay
// detection; keys are then accepted but not enforced.
type IdemStore interface {
	ReserveIdem(ctx context.Context, key, orderID string) (existing string, reserved bool, err error)
	ReleaseIdem(ctx context.Context, key string) error
}

// Handlers carries the HTTP endpoint dependencies.
type Handlers struct {
	cfg      *config.Config
	reg      *instrument.Registry
	marks    *market.Marks
	hub      *Hub
	eng      OrderPlacer
	agg      *candles.Aggregator
	idem     IdemStore
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers builds the endpoint set around the hub and engine.
func NewHandlers(cfg *config.Config, reg *instrument.Registry, marks *market.Marks, hub *Hub, eng OrderPlacer, agg *candles.Aggregator, idem IdemStore, logger *slog.Logger) *Handlers {
	h := &Handlers{
		cfg:    cfg,
		reg:    reg,
		marks:  marks,
		hub:    hub,
		eng:    eng,
		agg:    agg,
		idem:   idem,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Server, r.Host)
		},
	}
	return h
}

// isOriginAllowed applies the configured origin allowlist. "*" opens the
// gateway, an empty list admits only same-host and localhost origins, and
// non-browser clients (no Origin header) always pass.
func isOriginAllowed(origin string, cfg config.ServerConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range cfg.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(u.Host, reqHost) {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// presentedKey pulls the client key from ?key=, ?token= or the
// Sec-WebSocket-Protocol header, in that order.
func presentedKey(r *http.Request) (key string, viaProtocol bool) {
	q := r.URL.Query()
	if k := q.Get("key"); k != "" {
		return k, false
	}
	if k := q.Get("token"); k != "" {
		return k, false
	}
	if proto := r.Header.Get("Sec-WebSocket-Protocol"); proto != "" {
		return strings.TrimSpace(strings.Split(proto, ",")[0]), true
	}
	return "", false
}

// HandleWS authenticates, upgrades and boots a client: welcome frame first,
// then the full state sync, then live pushes.
func (h *Handlers) HandleWS(w http.ResponseWriter, r *http.Request) {
	key, viaProtocol := presentedKey(r)
	if h.cfg.Server.APIKey != "" && key != h.cfg.Server.APIKey {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var respHeader http.Header
	if viaProtocol {
		// the handshake fails client-side unless the subprotocol is echoed
		respHeader = http.Header{"Sec-WebSocket-Protocol": []string{key}}
	}

	conn, err := h.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	client := newClient(h.hub, conn)
	if fr, ok := h.hub.buildWelcome(); ok {
		client.enqueue(fr)
	}
	if fr, ok := h.hub.buildSync(); ok {
		client.enqueue(fr)
	}
	client.start()
}

// placeOrderRequest is the POST /place-order body.
type placeOrderRequest struct {
	UserID         string  `json:"user_id"`
	AccountID      string  `json:"account_id"`
	Symbol         string  `json:"symbol"`
	Side           string  `json:"side"`
	Quantity       float64 `json:"quantity"`
	OrderType      string  `json:"order_type"`
	StopLoss       float64 `json:"stop_loss"`
	TakeProfit     float64 `json:"take_profit"`
	LimitPrice     float64 `json:"limit_price"`
	IdempotencyKey string  `json:"idempotency_key"`
}

// validate maps the raw body onto an engine request. First failure wins;
// an empty order_type defaults to market.
func (req placeOrderRequest) validate() (engine.PlaceRequest, types.Code) {
	if req.UserID == "" || req.AccountID == "" || req.Symbol == "" || req.Side == "" || req.Quantity <= 0 {
		return engine.PlaceRequest{}, types.CodeMissingField
	}

	side := types.Side(strings.ToLower(req.Side))
	if !side.Valid() {
		return engine.PlaceRequest{}, types.CodeInvalidSide
	}

	var typ types.OrderType
	switch strings.ToLower(req.OrderType) {
	case "", "market":
		typ = types.OrderMarket
	case "limit":
		typ = types.OrderLimit
	default:
		return engine.PlaceRequest{}, types.CodeInvalidOrderType
	}
	if typ == types.OrderLimit && req.LimitPrice <= 0 {
		return engine.PlaceRequest{}, types.CodeLimitPriceRequired
	}

	return engine.PlaceRequest{
		ID:         uuid.NewString(),
		UserID:     req.UserID,
		AccountID:  req.AccountID,
		Symbol:     req.Symbol,
		Side:       side,
		Type:       typ,
		Quantity:   req.Quantity,
		LimitPrice: req.LimitPrice,
		SL:         req.StopLoss,
		TP:         req.TakeProfit,
	}, ""
}

// HandlePlaceOrder validates the body, claims the idempotency key and runs
// the submission. Market fills block through the execution latency, so a
// success response already carries the fill price.
func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body placeOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, types.CodeMissingField)
		return
	}
	req, code := body.validate()
	if code != "" {
		writeError(w, code)
		return
	}

	ctx := r.Context()
	if body.IdempotencyKey != "" && h.idem != nil {
		existing, reserved, err := h.idem.ReserveIdem(ctx, body.IdempotencyKey, req.ID)
		if err != nil {
			h.logger.Warn("idempotency reservation failed, proceeding", "err", err)
		} else if !reserved {
			writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "order_id": existing})
			return
		}
	}

	res := h.eng.PlaceOrder(ctx, req)
	if res.Rejected() {
		if body.IdempotencyKey != "" && h.idem != nil {
			if err := h.idem.ReleaseIdem(ctx, body.IdempotencyKey); err != nil {
				h.logger.Warn("idempotency release failed", "key", body.IdempotencyKey, "err", err)
			}
		}
		writeError(w, res.Code)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"order_id":     res.OrderID,
		"order_status": res.Status,
		"symbol":       res.Symbol,
		"price":        res.Price,
		"quantity":     res.Quantity,
	})
}

// HandlePrices returns the latest mark per requested symbol, or every mark
// when the symbols parameter is empty.
func (h *Handlers) HandlePrices(w http.ResponseWriter, r *http.Request) {
	snap := h.marks.Snapshot()
	out := make(map[string]pricePoint)

	if raw := r.URL.Query().Get("symbols"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			sym, ok := h.reg.Normalize(strings.TrimSpace(s))
			if !ok {
				continue
			}
			if m, ok := snap[sym]; ok {
				out[sym] = pricePoint{Price: m.Price, Ts: m.Ts}
			}
		}
	} else {
		for sym, m := range snap {
			out[sym] = pricePoint{Price: m.Price, Ts: m.Ts}
		}
	}

	writeJSON(w, http.StatusOK, out)
}

// HandleCandles serves the OHLCV rings: ?symbol=BTCUSD&interval=1m&limit=500.
func (h *Handlers) HandleCandles(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	symbol := q.Get("symbol")
	if symbol == "" {
		writeError(w, types.CodeMissingField)
		return
	}
	if canonical, ok := h.reg.Normalize(symbol); ok {
		symbol = canonical
	}

	interval := q.Get("interval")
	if interval == "" {
		interval = "1m"
	}
	if !candles.Supported(interval) {
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": "INVALID_INTERVAL"})
		return
	}

	limit := 500
	if raw := q.Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 1000 {
		limit = 1000
	}

	out := h.agg.Snapshot(symbol, interval, limit)
	if out == nil {
		out = []types.Candle{}
	}
	writeJSON(w, http.StatusOK, out)
}

// HandleHealth is the liveness probe.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError emits the uniform {"status":"error","error":CODE} rejection.
func writeError(w http.ResponseWriter, code types.Code) {
	writeJSON(w, http.StatusBadRequest, map[string]any{"status": "error", "error": code})
}
