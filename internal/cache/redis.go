package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/marketfoundry/storefront-engine/internal/adapter"
	"github.com/marketfoundry/storefront-engine/internal/domain"
)

// scopeIndexPrefix keys the per-scope set of cache keys used for eager
// invalidation. The set itself carries no TTL; stale members are harmless
// because deleting an already-expired key is a no-op.
const scopeIndexPrefix = "storefront:cache:scope:"

const entryPrefix = "storefront:cache:"

// redisCache stores snapshots as JSON values in Redis so several API
// processes share one result cache
type redisCache struct {
	redis adapter.RedisClient
	json  adapter.JSON
}

// NewRedis creates a Redis-backed cache
func NewRedis(redis adapter.RedisClient, json adapter.JSON) Cache {
	return &redisCache{
		redis: redis,
		json:  json,
	}
}

func (c *redisCache) Get(ctx context.Context, spec KeySpec) (*domain.CollectionSnapshot, bool, error) {
	key, err := spec.Key()
	if err != nil {
		return nil, false, err
	}

	value, found, err := c.redis.Get(ctx, entryPrefix+key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if !found {
		return nil, false, nil
	}

	var snapshot domain.CollectionSnapshot
	if err := c.json.Unmarshal([]byte(value), &snapshot); err != nil {
		return nil, false, fmt.Errorf("failed to decode cache entry: %w", err)
	}
	return &snapshot, true, nil
}

func (c *redisCache) Put(ctx context.Context, spec KeySpec, snapshot *domain.CollectionSnapshot, ttl time.Duration) error {
	key, err := spec.Key()
	if err != nil {
		return err
	}
	scope := spec.Normalize().Scope

	raw, err := c.json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	if err := c.redis.Set(ctx, entryPrefix+key, string(raw), ttl); err != nil {
		return fmt.Errorf("failed to write cache entry: %w", err)
	}
	if err := c.redis.SAdd(ctx, scopeIndexPrefix+scope, entryPrefix+key); err != nil {
		return fmt.Errorf("failed to index cache entry: %w", err)
	}
	return nil
}

func (c *redisCache) InvalidateCollection(ctx context.Context, collectionID string) error {
	scope := domain.NormalizeAddress(collectionID)
	indexKey := scopeIndexPrefix + scope

	keys, err := c.redis.SMembers(ctx, indexKey)
	if err != nil {
		return fmt.Errorf("failed to list cache entries for %s: %w", collectionID, err)
	}

	if err := c.redis.Del(ctx, append(keys, indexKey)...); err != nil {
		return fmt.Errorf("failed to invalidate cache for %s: %w", collectionID, err)
	}
	return nil
}
