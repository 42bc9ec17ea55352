package answer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSentCache implements SentCache against a shared Redis instance, so
// the idempotent-send guarantee holds across multiple agentd processes
// drawing from the same job queue. Keys expire after TTL so the set never
// grows unbounded.
type RedisSentCache struct {
	Client *redis.Client
	TTL    time.Duration
}

// NewRedisSentCache wraps an already-connected client.
func NewRedisSentCache(client *redis.Client, ttl time.Duration) *RedisSentCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisSentCache{Client: client, TTL: ttl}
}

func (c *RedisSentCache) cacheKey(key string) string {
	return "caseforge:sent:" + key
}

func (c *RedisSentCache) Seen(ctx context.Context, key string) (bool, error) {
	n, err := c.Client.Exists(ctx, c.cacheKey(key)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records key as sent. SetNX is used even though the send already
// happened, so a racing duplicate delivery never overwrites an earlier TTL.
func (c *RedisSentCache) Mark(ctx context.Context, key string) error {
	return c.Client.SetNX(ctx, c.cacheKey(key), "1", c.TTL).Err()
}
