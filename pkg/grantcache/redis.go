package grantcache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "grant:"

// RedisCache is the production grant cache. Entries are written with NX so
// a concurrent mint cannot overwrite an existing token, and the key TTL
// equals the grant's remaining lifetime.
type RedisCache struct {
	client goredis.UniversalClient
}

// NewRedisCache wraps a connected client.
func NewRedisCache(client goredis.UniversalClient) *RedisCache {
	return &RedisCache{client: client}
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := c.client.Get(ctx, redisKeyPrefix+key).Result()
	if err == goredis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("grant cache get: %w", err)
	}

	var entry Entry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return nil, false, fmt.Errorf("grant cache decode: %w", err)
	}
	if !entry.ExpiresAt.After(time.Now()) {
		return nil, false, nil
	}
	return &entry, true, nil
}

// Put implements Cache. Writes happen only on mint; TTL derives from the
// entry's absolute expiry.
func (c *RedisCache) Put(ctx context.Context, key string, entry *Entry) error {
	ttl := time.Until(entry.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("grant cache encode: %w", err)
	}
	if err := c.client.SetNX(ctx, redisKeyPrefix+key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("grant cache put: %w", err)
	}
	return nil
}
