package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"propcore/internal/bus"
	"propcore/internal/config"
	"propcore/internal/instrument"
	"propcore/internal/market"
	"propcore/internal/metrics"
	"propcore/internal/state"
	"propcore/pkg/types"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 4 * 1024 // client frames are tiny subscribe/unsubscribe records
)

// Hub owns the downstream WebSocket clients and fans bus events out to them.
// Price and depth frames pass the process-wide token bucket; order, trade
// and material account frames bypass it. Tick-rate account_upnl refreshes
// are gated with prices since they carry no audit weight.
//
// The clients map is owned by the Run goroutine; registration, removal and
// fan-out all flow through its channels.
type Hub struct {
	cfg   *config.Config
	reg   *instrument.Registry
	st    *state.State
	marks *market.Marks
	depth *market.DepthBook

	clients    map[*Client]bool
	register   chan *Client
	unregister chan *Client
	broadcast  chan frame

	bucket *TokenBucket
	logger *slog.Logger
}

// NewHub wires the hub to the live state it snapshots for welcome and sync
// frames.
func NewHub(cfg *config.Config, reg *instrument.Registry, st *state.State, marks *market.Marks, depth *market.DepthBook, logger *slog.Logger) *Hub {
	return &Hub{
		cfg:        cfg,
		reg:        reg,
		st:         st,
		marks:      marks,
		depth:      depth,
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan frame, 512),
		bucket:     NewTokenBucket(cfg.Broadcast.MaxTPS, cfg.Broadcast.MaxTPS),
		logger:     logger.With("component", "ws-hub"),
	}
}

// Run is the hub's main loop; call it in a goroutine. On cancellation it
// closes every client and keeps serving unregisters until their read pumps
// have drained out.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case client := <-h.register:
			h.clients[client] = true
			metrics.WSClients.Set(float64(len(h.clients)))
			h.logger.Info("client connected", "client", client.id, "count", len(h.clients))

		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				close(client.send)
				metrics.WSClients.Set(float64(len(h.clients)))
				h.logger.Info("client disconnected", "client", client.id, "count", len(h.clients))
			}

		case fr := <-h.broadcast:
			for client := range h.clients {
				client.enqueue(fr)
			}
		}
	}
}

// shutdown closes every send queue, which makes each writePump emit a close
// frame and drop the connection, then waits for the read pumps to report
// back so no goroutine is left blocked on the unregister channel.
func (h *Hub) shutdown() {
	for client := range h.clients {
		close(client.send)
	}
	for len(h.clients) > 0 {
		client := <-h.unregister
		delete(h.clients, client)
	}
	metrics.WSClients.Set(0)
	h.logger.Info("hub stopped")
}

// ConsumeBus maps bus events onto client frames until ctx is cancelled.
func (h *Hub) ConsumeBus(ctx context.Context, b *bus.Bus) {
	events := b.Subscribe("ws-broadcast", 1024,
		bus.ChanPriceTicks, bus.ChanOrderbook, bus.ChanTradeEvents,
		bus.ChanOrderEvents, bus.ChanAccountEvents)
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			h.forward(ev)
		}
	}
}

// forward turns one bus event into a frame, applying the broadcast budget.
func (h *Hub) forward(ev bus.Event) {
	switch p := ev.Payload.(type) {
	case types.Tick:
		if !h.bucket.Allow() {
			metrics.BroadcastsDropped.WithLabelValues("rate_limit").Inc()
			return
		}
		h.push("price", p.Symbol, priceFrame{Type: "price", Symbol: p.Symbol, Price: p.Price, Ts: p.Ts})

	case types.DepthSnapshot:
		if !h.bucket.Allow() {
			metrics.BroadcastsDropped.WithLabelValues("rate_limit").Inc()
			return
		}
		h.push("orderbook", p.Symbol, depthFrame{Type: "orderbook", Symbol: p.Symbol, Bids: p.Bids, Asks: p.Asks, Ts: p.Ts})

	case types.TradeEvent:
		h.push(p.Type, "", p)

	case types.OrderEvent:
		h.push(p.Type, "", p)

	case types.AccountEvent:
		if p.Type == "account_upnl" && !h.bucket.Allow() {
			metrics.BroadcastsDropped.WithLabelValues("rate_limit").Inc()
			return
		}
		h.push(p.Type, "", p)
	}
}

// push marshals and hands the frame to the fan-out loop. A full broadcast
// queue drops the frame; clients recover from the KV mirrors or a sync.
func (h *Hub) push(kind, symbol string, v any) {
	fr, ok := marshalFrame(kind, symbol, v)
	if !ok {
		return
	}
	select {
	case h.broadcast <- fr:
	default:
		metrics.BroadcastsDropped.WithLabelValues("hub_queue").Inc()
	}
}

// buildWelcome snapshots the mark and depth mirrors for a connecting client.
func (h *Hub) buildWelcome() (frame, bool) {
	return marshalFrame("welcome", "", welcomeFrame{
		Type:       "welcome",
		Prices:     pricesFrom(h.marks.Snapshot()),
		Orderbooks: h.depth.Snapshot(),
	})
}

// buildSync snapshots accounts, pending orders and open trades. A client
// that applies this frame plus subsequent events holds the same trading
// state as the server.
func (h *Hub) buildSync() (frame, bool) {
	return marshalFrame("sync_state", "", syncStateFrame{
		Type:          "sync_state",
		Accounts:      h.st.Accounts(),
		PendingOrders: h.st.AllPendingOrders(),
		OpenTrades:    h.st.OpenTrades(),
	})
}

// Client is one downstream WebSocket connection.
type Client struct {
	id   string
	hub  *Hub
	conn *websocket.Conn

	send     chan frame
	buffered atomic.Int64 // bytes sitting in send

	mu   sync.Mutex
	subs map[string]struct{}

	lastPing atomic.Int64 // unix nanos of the last ping sent
	lastPong atomic.Int64 // unix nanos of the last pong received
}

// newClient wraps an upgraded connection. The caller enqueues the welcome
// and sync frames before start so they precede any broadcast.
func newClient(h *Hub, conn *websocket.Conn) *Client {
	c := &Client{
		id:   uuid.NewString(),
		hub:  h,
		conn: conn,
		send: make(chan frame, h.cfg.Broadcast.ClientQueue),
		subs: make(map[string]struct{}),
	}
	c.lastPong.Store(time.Now().UnixNano())
	return c
}

// start registers the client with the hub and begins its pumps.
func (c *Client) start() {
	c.hub.register <- c
	go c.writePump()
	go c.readPump()
}

// enqueue delivers one frame, applying the subscription filter and the
// slow-client buffer cap. Frames are skipped rather than the socket killed;
// the client recovers from the KV mirrors or by requesting a sync.
func (c *Client) enqueue(fr frame) {
	if fr.symbol != "" && !c.wants(fr.symbol) {
		return
	}
	if max := int64(c.hub.cfg.Broadcast.ClientBufferMax); max > 0 && c.buffered.Load() >= max {
		metrics.BroadcastsDropped.WithLabelValues("buffer_cap").Inc()
		return
	}
	select {
	case c.send <- fr:
		c.buffered.Add(int64(len(fr.data)))
		metrics.BroadcastsTotal.WithLabelValues(fr.kind).Inc()
	default:
		metrics.BroadcastsDropped.WithLabelValues("slow_client").Inc()
	}
}

// wants reports whether the client should receive frames for symbol. An
// empty subscription set means everything.
func (c *Client) wants(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs) == 0 {
		return true
	}
	_, ok := c.subs[symbol]
	return ok
}

func (c *Client) subscribe(symbol string) {
	c.mu.Lock()
	c.subs[symbol] = struct{}{}
	c.mu.Unlock()
}

func (c *Client) unsubscribe(symbol string) {
	c.mu.Lock()
	delete(c.subs, symbol)
	c.mu.Unlock()
}

// writePump drains the send queue onto the socket and drives the heartbeat.
// A client that has not answered the previous ping is terminated at the
// next ticker fire.
func (c *Client) writePump() {
	ticker := time.NewTicker(c.hub.cfg.Broadcast.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case fr, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.buffered.Add(-int64(len(fr.data)))
			if err := c.conn.WriteMessage(websocket.TextMessage, fr.data); err != nil {
				return
			}

		case <-ticker.C:
			if c.lastPing.Load() > c.lastPong.Load() {
				c.hub.logger.Warn("client missed heartbeat", "client", c.id)
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.lastPing.Store(time.Now().UnixNano())
		}
	}
}

// readPump consumes client frames and pong responses. It unregisters the
// client on any read failure, which also covers the connection drop the
// writePump performs on heartbeat misses.
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	readWait := 2*c.hub.cfg.Broadcast.HeartbeatInterval + writeWait
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readWait))
	c.conn.SetPongHandler(func(string) error {
		c.lastPong.Store(time.Now().UnixNano())
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.hub.logger.Warn("client read failed", "client", c.id, "err", err)
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(readWait))
		c.handleMessage(raw)
	}
}

// handleMessage applies one client frame. Unknown types and unknown symbols
// are ignored.
func (c *Client) handleMessage(raw []byte) {
	var msg clientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}
	switch msg.Type {
	case "subscribe":
		if sym, ok := c.hub.reg.Normalize(msg.Symbol); ok {
			c.subscribe(sym)
		}
	case "unsubscribe":
		if sym, ok := c.hub.reg.Normalize(msg.Symbol); ok {
			c.unsubscribe(sym)
		}
	case "sync":
		if fr, ok := c.hub.buildSync(); ok {
			c.enqueue(fr)
		}
	}
}
