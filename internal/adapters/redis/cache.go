// Package redis holds the Redis-backed rate-limit counters and idempotent
// response store.
package redis

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const rateLimitPrefix = "rl:"

type Cache struct {
	client *redis.Client
}

func NewCache(client *redis.Client) *Cache {
	return &Cache{client: client}
}

func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// IncrWindow counts one hit against key and returns the total for the
// current window. The window starts with the first hit.
func (c *Cache) IncrWindow(ctx context.Context, key string, period time.Duration) (int64, error) {
	fullKey := rateLimitPrefix + key

	pipe := c.client.Pipeline()
	incr := pipe.Incr(ctx, fullKey)
	pipe.ExpireNX(ctx, fullKey, period)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}
