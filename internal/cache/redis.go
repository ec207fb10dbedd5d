package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "accessgate:decision:"

// RedisCache is a DecisionCache backed by Redis, for deployments running
// more than one engine node. Keys carry a fixed namespace prefix; scoped
// clears walk matching keys with SCAN. Hit and miss counters are local to
// the node.
type RedisCache struct {
	client *redis.Client
	hits   atomic.Int64
	misses atomic.Int64
}

func NewRedisCache(addr string) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return &RedisCache{client: client}, nil
}

func (c *RedisCache) Get(ctx context.Context, key Key) (*Value, bool, error) {
	data, err := c.client.Get(ctx, redisKeyPrefix+key.String()).Bytes()
	if err == redis.Nil {
		c.misses.Add(1)
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	var value Value
	if err := json.Unmarshal(data, &value); err != nil {
		return nil, false, fmt.Errorf("decode cached decision: %w", err)
	}
	c.hits.Add(1)
	return &value, true, nil
}

func (c *RedisCache) Set(ctx context.Context, key Key, value *Value, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode decision: %w", err)
	}
	if err := c.client.Set(ctx, redisKeyPrefix+key.String(), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, redisKeyPrefix+key.String()).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

func (c *RedisCache) Clear(ctx context.Context, scope string) error {
	pattern := redisKeyPrefix + scope + "*"
	iter := c.client.Scan(ctx, 0, pattern, 0).Iterator()

	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
		if len(keys) >= 500 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis clear: %w", err)
			}
			keys = keys[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan: %w", err)
	}
	if len(keys) > 0 {
		if err := c.client.Del(ctx, keys...).Err(); err != nil {
			return fmt.Errorf("redis clear: %w", err)
		}
	}
	return nil
}

func (c *RedisCache) Stats(ctx context.Context) (Stats, error) {
	var size int64
	iter := c.client.Scan(ctx, 0, redisKeyPrefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		size++
	}
	if err := iter.Err(); err != nil {
		return Stats{}, fmt.Errorf("redis scan: %w", err)
	}

	hits, misses := c.hits.Load(), c.misses.Load()
	return Stats{
		Hits:    hits,
		Misses:  misses,
		Size:    size,
		HitRate: hitRate(hits, misses),
	}, nil
}
