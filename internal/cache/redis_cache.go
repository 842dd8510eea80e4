package cache

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisCache shares results between API and worker processes. Redis errors
// degrade to cache misses.
type RedisCache struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.SugaredLogger
}

func NewRedisCache(client *redis.Client, prefix string, ttl time.Duration, logger *zap.SugaredLogger) *RedisCache {
	if prefix == "" {
		prefix = "docflow:ai:"
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (c *RedisCache) Get(ctx context.Context, signature string) (Entry, bool) {
	raw, err := c.client.Get(ctx, c.prefix+signature).Bytes()
	if err != nil {
		if err != redis.Nil {
			c.logger.Warnw("ai cache read failed", "error", err)
		}
		return Entry{}, false
	}
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, false
	}
	return entry, true
}

func (c *RedisCache) Set(ctx context.Context, signature string, entry Entry) {
	now := time.Now().UTC()
	entry.CreatedAt = now
	entry.ExpiresAt = now.Add(c.ttl)
	encoded, err := json.Marshal(entry)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, c.prefix+signature, encoded, c.ttl).Err(); err != nil {
		c.logger.Warnw("ai cache write failed", "error", err)
	}
}
