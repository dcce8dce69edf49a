// Package sources gathers deterministic evidence for research: a shared
// cache, an embedded knowledge base and an optional literature search.
package sources

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/redis/go-redis/v9"
)

// EvidenceCache stores evidence under a pattern dedup key.
type EvidenceCache interface {
	Get(ctx context.Context, patternKey string) ([]biomech.Evidence, error)
	Put(ctx context.Context, patternKey string, items []biomech.Evidence) error
}

const cachePrefix = "kinetiq:evidence:v1:"

// RedisCache is an EvidenceCache backed by redis string keys with a TTL.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Get returns cached evidence for a pattern key. A miss is (nil, nil).
func (c *RedisCache) Get(ctx context.Context, patternKey string) ([]biomech.Evidence, error) {
	val, err := c.client.Get(ctx, cachePrefix+patternKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("evidence cache get: %w", err)
	}
	var items []biomech.Evidence
	if err := json.Unmarshal([]byte(val), &items); err != nil {
		return nil, fmt.Errorf("evidence cache decode: %w", err)
	}
	return items, nil
}

// Put replaces the cached evidence for a pattern key and refreshes its TTL.
func (c *RedisCache) Put(ctx context.Context, patternKey string, items []biomech.Evidence) error {
	if len(items) == 0 {
		return nil
	}
	data, err := json.Marshal(items)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, cachePrefix+patternKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("evidence cache set: %w", err)
	}
	return nil
}

var _ EvidenceCache = (*RedisCache)(nil)
