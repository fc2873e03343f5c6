package redis

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/meridianhealth/platform/pkg/json"
)

// Cache provides a read-aside cache for hot projection lookups. Projection
// handlers never touch the cache themselves; invalidation runs in the event
// store's post-projection hook so handlers stay free of external I/O.
type Cache struct {
	client *Client
	kb     *KeyBuilder
	log    *zap.Logger
}

// NewCache creates a new Cache instance scoped to a namespace.
func NewCache(client *Client, namespace string) *Cache {
	return &Cache{
		client: client,
		kb:     NewKeyBuilder(namespace),
		log:    client.log.With(zap.String("module", "cache")),
	}
}

// Set stores a value in the cache with the given TTL.
func (c *Cache) Set(ctx context.Context, entity, id string, value interface{}, ttl time.Duration) error {
	key := c.kb.Build(entity, id)
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Error("failed to set cache", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Get retrieves a value from the cache. Returns redis.Nil on a miss.
func (c *Cache) Get(ctx context.Context, entity, id string, value interface{}) error {
	key := c.kb.Build(entity, id)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return redis.Nil
		}
		c.log.Error("failed to get cache", zap.String("key", key), zap.Error(err))
		return err
	}
	return json.Unmarshal(data, value)
}

// Delete removes a value from the cache.
func (c *Cache) Delete(ctx context.Context, entity, id string) error {
	key := c.kb.Build(entity, id)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Error("failed to delete cache", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// DeletePattern removes all keys matching the entity pattern. Used by the
// post-projection hook to drop per-org listings after a write.
func (c *Cache) DeletePattern(ctx context.Context, entity, pattern string) error {
	match := c.kb.Build(entity, pattern)
	iter := c.client.Scan(ctx, 0, match, 0).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return err
		}
	}
	return iter.Err()
}

// KeyBuilder builds cache keys following the namespace:entity:id convention.
type KeyBuilder struct {
	namespace string
}

// NewKeyBuilder creates a new KeyBuilder with the given namespace.
func NewKeyBuilder(namespace string) *KeyBuilder {
	return &KeyBuilder{namespace: strings.ToLower(namespace)}
}

// Build creates a cache key.
func (kb *KeyBuilder) Build(entity, id string) string {
	parts := []string{kb.namespace, strings.ToLower(entity)}
	if id != "" {
		parts = append(parts, id)
	}
	return strings.Join(parts, ":")
}
