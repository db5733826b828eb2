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

// Contract metadata changes when the exchange relists a symbol, which is
// rare; one hour keeps precision data warm across reconciliation cycles.
const contractTTL = time.Hour

// ContractCache implements domain.ContractCache using Redis strings with
// JSON-serialized contract metadata.
//
// Key schema:
//
//	contract:{symbol} - JSON ContractMeta
type ContractCache struct {
	rdb *redis.Client
}

// NewContractCache creates a ContractCache backed by the given Client.
func NewContractCache(c *Client) *ContractCache {
	return &ContractCache{rdb: c.Underlying()}
}

func contractKey(symbol string) string { return "contract:" + symbol }

// Get retrieves contract metadata for a symbol. It returns domain.ErrNotFound
// when the key does not exist.
func (cc *ContractCache) Get(ctx context.Context, symbol string) (domain.ContractMeta, error) {
	data, err := cc.rdb.Get(ctx, contractKey(symbol)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ContractMeta{}, domain.ErrNotFound
		}
		return domain.ContractMeta{}, fmt.Errorf("redis: get contract %s: %w", symbol, err)
	}

	var meta domain.ContractMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return domain.ContractMeta{}, fmt.Errorf("redis: unmarshal contract %s: %w", symbol, err)
	}
	return meta, nil
}

// Set stores contract metadata with the package TTL.
func (cc *ContractCache) Set(ctx context.Context, meta domain.ContractMeta) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("redis: marshal contract %s: %w", meta.Symbol, err)
	}
	if err := cc.rdb.Set(ctx, contractKey(meta.Symbol), data, contractTTL).Err(); err != nil {
		return fmt.Errorf("redis: set contract %s: %w", meta.Symbol, err)
	}
	return nil
}

var _ domain.ContractCache = (*ContractCache)(nil)
