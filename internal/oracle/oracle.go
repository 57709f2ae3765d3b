// Package oracle reads cached reference prices. The market-data
// ingestion source owns the keys; this package only consumes the cache
// contract: `market:{market}:price` holds a scalar for crypto markets or
// a {yes, no} pair for prediction markets.
package oracle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/propdesk/propdesk/internal/domain"
)

// ErrUnavailable is returned when no price is cached for a market. The
// order path surfaces it as a retriable upstream failure.
var ErrUnavailable = errors.New("market data unavailable")

// Price is a resolved reference price.
type Price struct {
	Prediction bool
	Scalar     float64
	Yes        float64
	No         float64
}

// BySide returns the reference price for an order side.
func (p *Price) BySide(side string) float64 {
	if !p.Prediction {
		return p.Scalar
	}
	if side == domain.SideYes {
		return p.Yes
	}
	return p.No
}

// Oracle reads prices from the shared cache.
type Oracle struct {
	rdb *redis.Client
}

// New creates an oracle over the Redis client.
func New(rdb *redis.Client) *Oracle {
	return &Oracle{rdb: rdb}
}

// Price returns the cached reference price for a market, or
// ErrUnavailable when absent.
func (o *Oracle) Price(ctx context.Context, market string) (*Price, error) {
	raw, err := o.rdb.Get(ctx, fmt.Sprintf("market:%s:price", market)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read price for %s: %w", market, err)
	}
	return Parse(market, raw)
}

// Parse decodes a cached price value. Crypto values are bare numbers;
// prediction values are a {yes, no} JSON object with both legs in [0, 1].
func Parse(market, raw string) (*Price, error) {
	if domain.IsPredictionMarket(market) {
		var pair struct {
			Yes float64 `json:"yes"`
			No  float64 `json:"no"`
		}
		if err := json.Unmarshal([]byte(raw), &pair); err != nil {
			return nil, fmt.Errorf("corrupt prediction price for %s: %w", market, err)
		}
		return &Price{Prediction: true, Yes: pair.Yes, No: pair.No}, nil
	}

	scalar, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt price for %s: %w", market, err)
	}
	return &Price{Scalar: scalar}, nil
}
