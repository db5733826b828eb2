package domain

import (
	"context"
	"time"
)

// ContractCache caches per-symbol contract metadata so the opener and the
// reconciler do not refetch precision data on every pass. Implementations
// return ErrNotFound on miss; callers fall back to the exchange.
type ContractCache interface {
	Get(ctx context.Context, symbol string) (ContractMeta, error)
	Set(ctx context.Context, meta ContractMeta) error
}

// TickerCache caches very short-lived ticker snapshots.
type TickerCache interface {
	Get(ctx context.Context, symbol string) (Ticker, error)
	Set(ctx context.Context, t Ticker) error
}

// DedupGuard provides webhook idempotency: the first caller to claim a key
// within the TTL wins, later callers are duplicates.
type DedupGuard interface {
	// Claim returns true when the key was not seen within ttl.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}
