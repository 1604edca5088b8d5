package api

import (
	"encoding/json"

	"propcore/internal/market"
	"propcore/pkg/types"
)

// frame is one outgoing WS message, already marshaled. Frames that carry a
// symbol are subject to the per-client subscription filter; lifecycle frames
// have no symbol and reach every client. kind labels the broadcast metrics.
type frame struct {
	kind   string
	symbol string
	data   []byte
}

// pricePoint is the {price, ts} pair used by welcome frames and /prices.
type pricePoint struct {
	Price float64 `json:"price"`
	Ts    int64   `json:"ts"`
}

type priceFrame struct {
	Type   string  `json:"type"`
	Symbol string  `json:"symbol"`
	Price  float64 `json:"price"`
	Ts     int64   `json:"ts"`
}

type depthFrame struct {
	Type   string             `json:"type"`
	Symbol string             `json:"symbol"`
	Bids   []types.DepthLevel `json:"bids"`
	Asks   []types.DepthLevel `json:"asks"`
	Ts     int64              `json:"ts"`
}

// welcomeFrame is the first message a connecting client receives: the full
// mark and depth mirrors, so it can render before any push arrives.
type welcomeFrame struct {
	Type       string                         `json:"type"`
	Prices     map[string]pricePoint          `json:"prices"`
	Orderbooks map[string]types.DepthSnapshot `json:"orderbooks"`
}

// syncStateFrame carries the authoritative in-memory trading state. Sent
// after welcome and again whenever the client asks for a sync.
type syncStateFrame struct {
	Type          string          `json:"type"`
	Accounts      []types.Account `json:"accounts"`
	PendingOrders []types.Order   `json:"pendingOrders"`
	OpenTrades    []types.Trade   `json:"openTrades"`
}

// clientMessage is the only shape clients send: subscribe/unsubscribe to
// filter price and depth pushes, sync to re-request the state frame.
type clientMessage struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol,omitempty"`
}

func marshalFrame(kind, symbol string, v any) (frame, bool) {
	data, err := json.Marshal(v)
	if err != nil {
		return frame{}, false
	}
	return frame{kind: kind, symbol: symbol, data: data}, true
}

// pricesFrom converts a mark snapshot to the wire shape.
func pricesFrom(snap map[string]market.Mark) map[string]pricePoint {
	out := make(map[string]pricePoint, len(snap))
	for sym, m := range snap {
		out[sym] = pricePoint{Price: m.Price, Ts: m.Ts}
	}
	return out
}
