// ratelimit.go implements the token-bucket governor for the downstream
// frame fan-out. The budget (MAX_BROADCAST_TPS, default 20/s) is
// process-wide: price and depth frames take a token before fan-out and are
// dropped, not queued, when the bucket is empty. The KV latest-price hash
// keeps the authoritative current price, so a dropped frame loses nothing
// durable.
package api

import (
	"sync"
	"time"
)

// TokenBucket is a token-bucket limiter with continuous refill. Allow never
// blocks; the broadcaster drops what the bucket refuses.
type TokenBucket struct {
	mu       sync.Mutex
	tokens   float64   // current available tokens (fractional allowed)
	capacity float64   // maximum burst size
	rate     float64   // tokens refilled per second
	lastTime time.Time // last time tokens were calculated
}

// NewTokenBucket creates a limiter with the given burst capacity and refill
// rate per second.
func NewTokenBucket(capacity, ratePerSecond float64) *TokenBucket {
	return &TokenBucket{
		tokens:   capacity,
		capacity: capacity,
		rate:     ratePerSecond,
		lastTime: time.Now(),
	}
}

// Allow takes a token if one is available. A false return means the caller
// should drop its message.
func (tb *TokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(tb.lastTime).Seconds()
	tb.tokens += elapsed * tb.rate
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	tb.lastTime = now

	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
