package cache

import (
	"context"
	"time"
)

// Tier is a shared cache behind the local LRU, typically one per
// deployment. Keys arrive already namespaced by the owning cache.
// *redis.Client from pkg/redis implements it.
type Tier interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	DeletePattern(ctx context.Context, pattern string) error
}
