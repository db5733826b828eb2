package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"perpbot/internal/domain"
)

// Tickers go stale in seconds; the TTL only smooths bursts where the opener
// and the reconciler price the same symbol back to back.
const tickerTTL = 2 * time.Second

// TickerCache implements domain.TickerCache using Redis strings with
// JSON-serialized ticker snapshots.
//
// Key schema:
//
//	ticker:{symbol} - JSON Ticker
type TickerCache struct {
	rdb *redis.Client
}

// NewTickerCache creates a TickerCache backed by the given Client.
func NewTickerCache(c *Client) *TickerCache {
	return &TickerCache{rdb: c.Underlying()}
}

func tickerKey(symbol string) string { return "ticker:" + symbol }

// Get retrieves the cached ticker for a symbol. It returns domain.ErrNotFound
// when the key does not exist.
func (tc *TickerCache) Get(ctx context.Context, symbol string) (domain.Ticker, error) {
	data, err := tc.rdb.Get(ctx, tickerKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Ticker{}, domain.ErrNotFound
		}
		return domain.Ticker{}, fmt.Errorf("redis: get ticker %s: %w", symbol, err)
	}

	var t domain.Ticker
	if err := json.Unmarshal(data, &t); err != nil {
		return domain.Ticker{}, fmt.Errorf("redis: unmarshal ticker %s: %w", symbol, err)
	}
	return t, nil
}

// Set stores a ticker snapshot with the package TTL.
func (tc *TickerCache) Set(ctx context.Context, t domain.Ticker) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("redis: marshal ticker %s: %w", t.Symbol, err)
	}
	if err := tc.rdb.Set(ctx, tickerKey(t.Symbol), data, tickerTTL).Err(); err != nil {
		return fmt.Errorf("redis: set ticker %s: %w", t.Symbol, err)
	}
	return nil
}

var _ domain.TickerCache = (*TickerCache)(nil)
