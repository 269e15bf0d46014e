// Package pricing fetches pricing snapshots from the price engine when a
// quote request arrives without one. Fetches go through a circuit breaker so
// a flapping engine degrades into STALE_PRICING rejections instead of
// hammering a dead upstream.
package pricing

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sony/gobreaker"

	"aqua-agent/pkg/types"
)

type Client struct {
	http    *resty.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	log := logger.With("component", "pricing")

	http := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(100*time.Millisecond).
		SetHeader("Accept", "application/json")

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "price-engine",
		MaxRequests: 1,
		Interval:    30 * time.Second,
		Timeout:     15 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	})

	return &Client{http: http, breaker: breaker, logger: log}
}

// Snapshot fetches the pricing snapshot for a pair and size. BUY sizes are
// in the output token, so the engine receives the side to interpret amount.
func (c *Client) Snapshot(ctx context.Context, req *types.QuoteRequest) (*types.PricingSnapshot, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		var snap types.PricingSnapshot
		resp, err := c.http.R().
			SetContext(ctx).
			SetQueryParams(map[string]string{
				"chainId":  fmt.Sprintf("%d", req.ChainID),
				"tokenIn":  req.TokenIn,
				"tokenOut": req.TokenOut,
				"side":     string(req.Side),
				"amount":   req.Amount.String(),
			}).
			SetResult(&snap).
			Get("/price")
		if err != nil {
			return nil, err
		}
		if resp.IsError() {
			return nil, fmt.Errorf("price engine returned %s", resp.Status())
		}
		return &snap, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch pricing for %s: %w", req.PairKey(), err)
	}
	return out.(*types.PricingSnapshot), nil
}
