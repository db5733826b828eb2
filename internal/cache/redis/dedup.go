package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"perpbot/internal/domain"
)

// DedupGuard implements domain.DedupGuard using SETNX with a TTL: the first
// webhook to claim a key wins, retries and indicator double-fires lose.
//
// Key schema:
//
//	dedup:{key} - "1" while the claim is live
type DedupGuard struct {
	rdb *redis.Client
}

// NewDedupGuard creates a DedupGuard backed by the given Client.
func NewDedupGuard(c *Client) *DedupGuard {
	return &DedupGuard{rdb: c.Underlying()}
}

// Claim returns true when the key was not seen within ttl.
func (d *DedupGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, "dedup:"+key, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	return ok, nil
}

var _ domain.DedupGuard = (*DedupGuard)(nil)
