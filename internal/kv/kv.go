// Package kv is the Redis-backed mirror of live state: the latest-price
// hash, per-symbol tick rings, order-book snapshots with TTL, idempotency
// keys, the order audit list and pub/sub channels.
//
// Everything here is best-effort. A Redis outage degrades the mirrors and
// external observers; matching and risk never read from this package on
// their hot paths.
package kv

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"propcore/pkg/types"
)

const (
	latestPricesKey = "latest_prices"
	orderAuditKey   = "audit:orders"

	depthTTL      = 10 * time.Second
	idemTTL       = 300 * time.Second
	orderAuditCap = 10000
)

func tickKey(symbol string) string  { return "ticks:" + symbol }
func depthKey(symbol string) string { return "orderbook:" + symbol }
func idemKey(key string) string     { return "idem:" + key }

// Client wraps the Redis connection with the shapes the core writes.
type Client struct {
	rdb          *redis.Client
	historyLimit int64
	logger       *slog.Logger
}

// New connects to the Redis at url. historyLimit caps the per-symbol tick
// rings.
func New(url string, historyLimit int, logger *slog.Logger) (*Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return &Client{
		rdb:          redis.NewClient(opt),
		historyLimit: int64(historyLimit),
		logger:       logger.With("component", "kv"),
	}, nil
}

// Ping verifies the connection at boot.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// SetLatestPrices writes a batch of symbol -> price pairs into the
// latest-price hash. The feed hub coalesces updates and flushes on a timer.
func (c *Client) SetLatestPrices(ctx context.Context, prices map[string]float64) error {
	if len(prices) == 0 {
		return nil
	}
	fields := make([]any, 0, len(prices)*2)
	for sym, px := range prices {
		fields = append(fields, sym, strconv.FormatFloat(px, 'f', -1, 64))
	}
	return c.rdb.HSet(ctx, latestPricesKey, fields...).Err()
}

// PushTick prepends the tick to its symbol ring and trims to the history
// limit.
func (c *Client) PushTick(ctx context.Context, t types.Tick) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := tickKey(t.Symbol)
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, c.historyLimit-1)
	_, err = pipe.Exec(ctx)
	return err
}

// SetDepth stores the order-book snapshot with its staleness TTL.
func (c *Client) SetDepth(ctx context.Context, d types.DepthSnapshot) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return c.rdb.Set(ctx, depthKey(d.Symbol), raw, depthTTL).Err()
}

// Depth reads back a snapshot; ok is false when the key expired.
func (c *Client) Depth(ctx context.Context, symbol string) (types.DepthSnapshot, bool, error) {
	raw, err := c.rdb.Get(ctx, depthKey(symbol)).Bytes()
	if err == redis.Nil {
		return types.DepthSnapshot{}, false, nil
	}
	if err != nil {
		return types.DepthSnapshot{}, false, err
	}
	var d types.DepthSnapshot
	if err := json.Unmarshal(raw, &d); err != nil {
		return types.DepthSnapshot{}, false, err
	}
	return d, true, nil
}

// Publish mirrors a bus event to the external pub/sub channel. Satisfies
// bus.Mirror.
func (c *Client) Publish(ctx context.Context, channel string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.rdb.Publish(ctx, channel, raw).Err()
}

// ReserveIdem claims an idempotency key for orderID. When the key is already
// held, reserved is false and existing carries the original order id.
func (c *Client) ReserveIdem(ctx context.Context, key, orderID string) (existing string, reserved bool, err error) {
	ok, err := c.rdb.SetNX(ctx, idemKey(key), orderID, idemTTL).Result()
	if err != nil {
		return "", false, err
	}
	if ok {
		return "", true, nil
	}
	existing, err = c.rdb.Get(ctx, idemKey(key)).Result()
	if err == redis.Nil {
		// Reservation expired between SETNX and GET; treat as fresh.
		return "", true, nil
	}
	if err != nil {
		return "", false, err
	}
	return existing, false, nil
}

// ReleaseIdem frees a reservation after a rejected order so the client may
// retry with the same key.
func (c *Client) ReleaseIdem(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, idemKey(key)).Err()
}

// AppendOrderAudit prepends an entry to the rolling order audit list.
func (c *Client) AppendOrderAudit(ctx context.Context, entry any) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, orderAuditKey, raw)
	pipe.LTrim(ctx, orderAuditKey, 0, orderAuditCap-1)
	_, err = pipe.Exec(ctx)
	return err
}
