// Package cache provides fallbacks used when Redis is disabled. Every Get
// misses, so callers go straight to the exchange.
package cache

import (
	"context"

	"perpbot/internal/domain"
)

// NoContractCache is a ContractCache that never holds anything.
type NoContractCache struct{}

func (NoContractCache) Get(context.Context, string) (domain.ContractMeta, error) {
	return domain.ContractMeta{}, domain.ErrNotFound
}

func (NoContractCache) Set(context.Context, domain.ContractMeta) error { return nil }

// NoTickerCache is a TickerCache that never holds anything.
type NoTickerCache struct{}

func (NoTickerCache) Get(context.Context, string) (domain.Ticker, error) {
	return domain.Ticker{}, domain.ErrNotFound
}

func (NoTickerCache) Set(context.Context, domain.Ticker) error { return nil }

var (
	_ domain.ContractCache = NoContractCache{}
	_ domain.TickerCache   = NoTickerCache{}
)
