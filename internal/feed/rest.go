package feed

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// RestClient fetches spot prices over REST. The engine falls back to it
// when the cached mark for a symbol has gone stale.
type RestClient struct {
	http   *resty.Client
	logger *slog.Logger
}

// NewRestClient creates a REST fallback client with retry on 5xx.
func NewRestClient(baseURL string, logger *slog.Logger) *RestClient {
	httpClient := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(5 * time.Second).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})

	return &RestClient{
		http:   httpClient,
		logger: logger.With("component", "feed_rest"),
	}
}

// LastPrice fetches the current price for an upstream pair, e.g. "btcusdt".
func (c *RestClient) LastPrice(ctx context.Context, priceKey string) (float64, error) {
	var result struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}

	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParam("symbol", strings.ToUpper(priceKey)).
		SetResult(&result).
		Get("/api/v3/ticker/price")
	if err != nil {
		return 0, fmt.Errorf("ticker price: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return 0, fmt.Errorf("ticker price: status %d: %s", resp.StatusCode(), resp.String())
	}

	px, err := strconv.ParseFloat(result.Price, 64)
	if err != nil {
		return 0, fmt.Errorf("parse price %q: %w", result.Price, err)
	}
	return px, nil
}
