package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"propcore/internal/candles"
	"propcore/internal/config"
	"propcore/internal/engine"
	"propcore/internal/instrument"
	"propcore/internal/market"
	"propcore/internal/state"
	"propcore/pkg/types"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakePlacer struct {
	mu   sync.Mutex
	reqs []engine.PlaceRequest
	res  engine.PlaceResult
}

func (f *fakePlacer) PlaceOrder(_ context.Context, req engine.PlaceRequest) engine.PlaceResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	res := f.res
	if res.OrderID == "" {
		res.OrderID = req.ID
	}
	if res.Symbol == "" {
		res.Symbol = req.Symbol
	}
	return res
}

func (f *fakePlacer) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.reqs)
}

func (f *fakePlacer) lastReq() engine.PlaceRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakeIdem struct {
	mu       sync.Mutex
	reserved map[string]string
	released []string
}

func (f *fakeIdem) ReserveIdem(_ context.Context, key, orderID string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserved == nil {
		f.reserved = make(map[string]string)
	}
	if prior, ok := f.reserved[key]; ok {
		return prior, false, nil
	}
	f.reserved[key] = orderID
	return "", true, nil
}

func (f *fakeIdem) ReleaseIdem(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.reserved, key)
	f.released = append(f.released, key)
	return nil
}

func (f *fakeIdem) releasedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.released...)
}

type gatewayRig struct {
	cfg      *config.Config
	reg      *instrument.Registry
	marks    *market.Marks
	depth    *market.DepthBook
	st       *state.State
	hub      *Hub
	agg      *candles.Aggregator
	placer   *fakePlacer
	idem     *fakeIdem
	handlers *Handlers
}

func newGatewayRig(t *testing.T) *gatewayRig {
	t.Helper()
	logger := quietLogger()

	cfg := config.Default()
	reg := instrument.New(nil, time.Hour, logger)
	marks := market.NewMarks()
	depth := market.NewDepthBook()
	st := state.New(nil)
	hub := NewHub(cfg, reg, st, marks, depth, logger)
	agg := candles.New(nil, 100, logger)
	placer := &fakePlacer{}
	idem := &fakeIdem{}

	return &gatewayRig{
		cfg:      cfg,
		reg:      reg,
		marks:    marks,
		depth:    depth,
		st:       st,
		hub:      hub,
		agg:      agg,
		placer:   placer,
		idem:     idem,
		handlers: NewHandlers(cfg, reg, marks, hub, placer, agg, idem, logger),
	}
}

func postOrder(t *testing.T, h *Handlers, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/place-order", strings.NewReader(body))
	w := httptest.NewRecorder()
	h.HandlePlaceOrder(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestIsOriginAllowed(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		origin  string
		cfg     config.ServerConfig
		reqHost string
		want    bool
	}{
		{
			name:    "empty origin is allowed",
			origin:  "",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:4000",
			want:    true,
		},
		{
			name:    "wildcard admits any origin",
			origin:  "https://anything.example",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"*"}},
			reqHost: "core.internal:4000",
			want:    true,
		},
		{
			name:    "localhost origin allowed by default",
			origin:  "http://localhost:4000",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:4000",
			want:    true,
		},
		{
			name:    "non-local origin denied by default",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{},
			reqHost: "localhost:4000",
			want:    false,
		},
		{
			name:    "allowlist permits exact origin",
			origin:  "https://dash.example.com",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:4000",
			want:    true,
		},
		{
			name:    "allowlist denies everything else",
			origin:  "https://evil.example",
			cfg:     config.ServerConfig{AllowedOrigins: []string{"https://dash.example.com"}},
			reqHost: "0.0.0.0:4000",
			want:    false,
		},
		{
			name:    "same host allowed when no allowlist",
			origin:  "https://core.internal:4000",
			cfg:     config.ServerConfig{},
			reqHost: "core.internal:4000",
			want:    true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := isOriginAllowed(tt.origin, tt.cfg, tt.reqHost); got != tt.want {
				t.Fatalf("isOriginAllowed(%q) = %v, want %v", tt.origin, got, tt.want)
			}
		})
	}
}

func TestPresentedKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		target    string
		protocol  string
		wantKey   string
		wantProto bool
	}{
		{"query key", "/ws?key=abc", "", "abc", false},
		{"query token", "/ws?token=xyz", "", "xyz", false},
		{"subprotocol header", "/ws", "abc, json", "abc", true},
		{"query wins over header", "/ws?key=abc", "zzz", "abc", false},
		{"nothing presented", "/ws", "", "", false},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			if tt.protocol != "" {
				r.Header.Set("Sec-WebSocket-Protocol", tt.protocol)
			}
			key, viaProto := presentedKey(r)
			if key != tt.wantKey || viaProto != tt.wantProto {
				t.Fatalf("presentedKey = (%q, %v), want (%q, %v)", key, viaProto, tt.wantKey, tt.wantProto)
			}
		})
	}
}

func TestPlaceOrderValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		want types.Code
	}{
		{
			name: "missing account",
			body: `{"user_id":"u1","symbol":"BTCUSD","side":"buy","quantity":1}`,
			want: types.CodeMissingField,
		},
		{
			name: "zero quantity",
			body: `{"user_id":"u1","account_id":"a1","symbol":"BTCUSD","side":"buy","quantity":0}`,
			want: types.CodeMissingField,
		},
		{
			name: "unknown side",
			body: `{"user_id":"u1","account_id":"a1","symbol":"BTCUSD","side":"hold","quantity":1}`,
			want: types.CodeInvalidSide,
		},
		{
			name: "unknown order type",
			body: `{"user_id":"u1","account_id":"a1","symbol":"BTCUSD","side":"buy","quantity":1,"order_type":"stop"}`,
			want: types.CodeInvalidOrderType,
		},
		{
			name: "limit without price",
			body: `{"user_id":"u1","account_id":"a1","symbol":"BTCUSD","side":"sell","quantity":1,"order_type":"limit"}`,
			want: types.CodeLimitPriceRequired,
		},
		{
			name: "malformed json",
			body: `{"user_id":`,
			want: types.CodeMissingField,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rig := newGatewayRig(t)

			w := postOrder(t, rig.handlers, tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", w.Code)
			}
			body := decodeBody(t, w)
			if body["status"] != "error" || body["error"] != string(tt.want) {
				t.Fatalf("body = %v, want error %s", body, tt.want)
			}
			if rig.placer.calls() != 0 {
				t.Fatal("engine must not be called for an invalid body")
			}
		})
	}
}

func TestPlaceOrderSuccess(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)
	rig.placer.res = engine.PlaceResult{Status: types.StatusFilled, Price: 30015, Quantity: 1}

	w := postOrder(t, rig.handlers, `{"user_id":"u1","account_id":"a1","symbol":"btcusd","side":"BUY","quantity":1,"order_type":"market"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}

	body := decodeBody(t, w)
	if body["status"] != "success" {
		t.Fatalf("status field = %v, want success", body["status"])
	}
	if body["order_id"] == "" || body["order_id"] == nil {
		t.Fatal("success response must carry the order id")
	}
	if body["order_status"] != string(types.StatusFilled) {
		t.Fatalf("order_status = %v, want filled", body["order_status"])
	}
	if body["price"] != 30015.0 {
		t.Fatalf("price = %v, want 30015", body["price"])
	}

	req := rig.placer.lastReq()
	if req.ID == "" {
		t.Fatal("gateway must pre-assign the order id")
	}
	if req.Side != types.BUY || req.Type != types.OrderMarket {
		t.Fatalf("request side/type = %s/%s, want buy/market", req.Side, req.Type)
	}
}

func TestPlaceOrderIdempotentReplay(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)
	rig.placer.res = engine.PlaceResult{Status: types.StatusFilled, Price: 30015, Quantity: 0.01}

	body := `{"user_id":"u1","account_id":"a1","symbol":"BTCUSD","side":"buy","quantity":0.01,"idempotency_key":"k1"}`

	first := decodeBody(t, postOrder(t, rig.handlers, body))
	if first["status"] != "success" {
		t.Fatalf("first submission = %v, want success", first)
	}

	second := decodeBody(t, postOrder(t, rig.handlers, body))
	if second["status"] != "duplicate" {
		t.Fatalf("second submission = %v, want duplicate", second)
	}
	if second["order_id"] != first["order_id"] {
		t.Fatalf("duplicate order_id = %v, want the original %v", second["order_id"], first["order_id"])
	}
	if rig.placer.calls() != 1 {
		t.Fatalf("engine calls = %d, want exactly 1", rig.placer.calls())
	}
}

func TestPlaceOrderRejectionReleasesKey(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)
	rig.placer.res = engine.PlaceResult{Code: types.CodeMaxLoss}

	body := `{"user_id":"u1","account_id":"a1","symbol":"BTCUSD","side":"buy","quantity":1,"idempotency_key":"k1"}`

	w := postOrder(t, rig.handlers, body)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
	if got := decodeBody(t, w); got["error"] != string(types.CodeMaxLoss) {
		t.Fatalf("error = %v, want MAX_LOSS", got["error"])
	}

	released := rig.idem.releasedKeys()
	if len(released) != 1 || released[0] != "k1" {
		t.Fatalf("released keys = %v, want [k1]", released)
	}

	// the key is free again, so a retry reaches the engine
	rig.placer.res = engine.PlaceResult{Status: types.StatusFilled}
	retry := decodeBody(t, postOrder(t, rig.handlers, body))
	if retry["status"] != "success" {
		t.Fatalf("retry after release = %v, want success", retry)
	}
	if rig.placer.calls() != 2 {
		t.Fatalf("engine calls = %d, want 2", rig.placer.calls())
	}
}

func TestPlaceOrderMethodNotAllowed(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	req := httptest.NewRequest(http.MethodGet, "/place-order", nil)
	w := httptest.NewRecorder()
	rig.handlers.HandlePlaceOrder(w, req)

	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want 405", w.Code)
	}
}

func TestHandlePrices(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)
	now := types.NowMs()
	rig.marks.Set("BTCUSD", 30000, now)
	rig.marks.Set("ETHUSD", 2000, now)

	get := func(target string) map[string]pricePoint {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		w := httptest.NewRecorder()
		rig.handlers.HandlePrices(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", w.Code)
		}
		var out map[string]pricePoint
		if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
			t.Fatalf("decode prices: %v", err)
		}
		return out
	}

	filtered := get("/prices?symbols=btcusd,unknown")
	if len(filtered) != 1 {
		t.Fatalf("filtered symbols = %d, want 1", len(filtered))
	}
	if filtered["BTCUSD"].Price != 30000 {
		t.Fatalf("BTCUSD price = %v, want 30000", filtered["BTCUSD"].Price)
	}

	all := get("/prices")
	if len(all) != 2 {
		t.Fatalf("unfiltered symbols = %d, want 2", len(all))
	}
}

func TestHandleCandles(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	base := int64(1_700_000_000_000)
	aligned := base - base%60_000
	rig.agg.Apply(types.Tick{Symbol: "BTCUSD", Price: 100, Ts: aligned})
	rig.agg.Apply(types.Tick{Symbol: "BTCUSD", Price: 105, Ts: aligned + 61_000})
	rig.agg.Apply(types.Tick{Symbol: "BTCUSD", Price: 95, Ts: aligned + 122_000})

	req := httptest.NewRequest(http.MethodGet, "/candles?symbol=BTCUSD&interval=1m&limit=2", nil)
	w := httptest.NewRecorder()
	rig.handlers.HandleCandles(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	var out []types.Candle
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode candles: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("candles = %d, want the last 2", len(out))
	}
	if out[0].Close != 105 || out[1].Close != 95 {
		t.Fatalf("closes = %v/%v, want 105/95 ascending", out[0].Close, out[1].Close)
	}

	req = httptest.NewRequest(http.MethodGet, "/candles?symbol=BTCUSD&interval=2m", nil)
	w = httptest.NewRecorder()
	rig.handlers.HandleCandles(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("unknown interval status = %d, want 400", w.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/candles", nil)
	w = httptest.NewRecorder()
	rig.handlers.HandleCandles(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing symbol status = %d, want 400", w.Code)
	}
}

func TestHandleHealth(t *testing.T) {
	t.Parallel()
	rig := newGatewayRig(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	rig.handlers.HandleHealth(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got := decodeBody(t, w); got["status"] != "ok" {
		t.Fatalf("body = %v, want status ok", got)
	}
}
