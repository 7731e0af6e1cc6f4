// Package cache is the record cache: an LRU with per-entry TTL, an
// invalidation epoch that keeps computed values from outliving a write, an
// optional shared second tier and predictive warming.
package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"path"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/lakeraven/filebot/pkg/metrics"
)

const aggressiveFactor = 4

type entry[V any] struct {
	key     string
	value   V
	expires time.Time
}

// Stats is a point-in-time view of cache counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Size      int
}

type settings struct {
	now        func() time.Time
	metrics    *metrics.Metrics
	tier       Tier
	aggressive bool
}

type Option func(*settings)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *settings) { s.now = now }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *settings) { s.metrics = m }
}

// WithTier consults t on local misses and propagates writes and deletes.
func WithTier(t Tier) Option {
	return func(s *settings) { s.tier = t }
}

// WithAggressive lengthens the default TTL.
func WithAggressive(on bool) Option {
	return func(s *settings) { s.aggressive = on }
}

// Cache maps string keys to values of type V.
type Cache[V any] struct {
	name       string
	maxSize    int
	defaultTTL time.Duration
	settings

	mu    sync.Mutex
	ll    *list.List
	items map[string]*list.Element
	epoch uint64

	group  singleflight.Group
	warm   atomic.Pointer[warming]
	logger *slog.Logger

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache holding at most maxSize entries. Entries set without
// an explicit TTL live for defaultTTL.
func New[V any](name string, maxSize int, defaultTTL time.Duration, opts ...Option) *Cache[V] {
	s := settings{now: time.Now}
	for _, opt := range opts {
		opt(&s)
	}
	if maxSize <= 0 {
		maxSize = 1
	}
	if s.aggressive {
		defaultTTL *= aggressiveFactor
	}
	return &Cache[V]{
		name:       name,
		maxSize:    maxSize,
		defaultTTL: defaultTTL,
		settings:   s,
		ll:         list.New(),
		items:      make(map[string]*list.Element, maxSize),
		logger:     slog.Default().With("component", "cache", "cache", name),
	}
}

// DefaultTTL is the TTL applied when Set is given zero.
func (c *Cache[V]) DefaultTTL() time.Duration { return c.defaultTTL }

// Get returns the live value for key, marking it most recently used.
func (c *Cache[V]) Get(ctx context.Context, key string) (V, bool) {
	if v, ok := c.getLocal(key); ok {
		c.hits.Add(1)
		c.metrics.CacheHit("local")
		c.predict(key)
		return v, true
	}
	c.metrics.CacheMiss("local")
	if v, ok := c.getTier(ctx, key); ok {
		c.hits.Add(1)
		return v, true
	}
	c.misses.Add(1)
	var zero V
	return zero, false
}

func (c *Cache[V]) getLocal(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	e := el.Value.(*entry[V])
	if !c.now().Before(e.expires) {
		c.removeElement(el)
		c.evictions.Add(1)
		c.metrics.CacheEviction("expired")
		return zero, false
	}
	c.ll.MoveToFront(el)
	return e.value, true
}

func (c *Cache[V]) getTier(ctx context.Context, key string) (V, bool) {
	var zero V
	if c.tier == nil {
		return zero, false
	}
	epoch := c.currentEpoch()
	raw, ok, err := c.tier.Get(ctx, c.tierKey(key))
	if err != nil {
		c.logger.Warn("cache tier get failed", "key", key, "error", err)
		c.metrics.CacheMiss("tier")
		return zero, false
	}
	if !ok {
		c.metrics.CacheMiss("tier")
		return zero, false
	}
	var v V
	if err := json.Unmarshal(raw, &v); err != nil {
		c.logger.Error("cache tier unmarshal failed", "key", key, "error", err)
		c.metrics.CacheMiss("tier")
		return zero, false
	}
	c.metrics.CacheHit("tier")
	c.storeLocal(key, v, c.defaultTTL, epoch)
	return v, true
}

// Set stores value under key. A zero ttl means the default TTL.
func (c *Cache[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.storeLocal(key, value, ttl, c.currentEpoch())
	c.setTier(ctx, key, value, ttl)
}

func (c *Cache[V]) setTier(ctx context.Context, key string, value V, ttl time.Duration) {
	if c.tier == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	if err := c.tier.Set(ctx, c.tierKey(key), data, ttl); err != nil {
		c.logger.Warn("cache tier set failed", "key", key, "error", err)
	}
}

// storeLocal inserts the entry unless an invalidation happened since epoch
// was read.
func (c *Cache[V]) storeLocal(key string, value V, ttl time.Duration, epoch uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.epoch != epoch {
		return false
	}
	expires := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		e := el.Value.(*entry[V])
		e.value, e.expires = value, expires
		c.ll.MoveToFront(el)
		return true
	}
	for c.ll.Len() >= c.maxSize {
		c.removeElement(c.ll.Back())
		c.evictions.Add(1)
		c.metrics.CacheEviction("capacity")
	}
	c.items[key] = c.ll.PushFront(&entry[V]{key: key, value: value, expires: expires})
	return true
}

// Epoch identifies the current invalidation generation. Pass it to SetAt
// when a value is read from the store outside GetOrCompute.
func (c *Cache[V]) Epoch() uint64 { return c.currentEpoch() }

// SetAt stores value only if no invalidation happened since epoch was
// taken, reporting whether it was stored.
func (c *Cache[V]) SetAt(ctx context.Context, key string, value V, ttl time.Duration, epoch uint64) bool {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	if !c.storeLocal(key, value, ttl, epoch) {
		c.logger.Debug("discarding value read across invalidation", "key", key)
		return false
	}
	c.setTier(ctx, key, value, ttl)
	return true
}

// GetOrCompute returns the cached value for key, or runs compute once for
// all concurrent callers and caches its result. A result computed while an
// invalidation happened is returned but not cached.
func (c *Cache[V]) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func(ctx context.Context) (V, error)) (V, bool, error) {
	if v, ok := c.Get(ctx, key); ok {
		return v, true, nil
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	epoch := c.currentEpoch()
	flight := key + "\x00" + strconv.FormatUint(epoch, 10)
	val, err, _ := c.group.Do(flight, func() (interface{}, error) {
		if v, ok := c.getLocal(key); ok {
			return v, nil
		}
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		if c.storeLocal(key, v, ttl, epoch) {
			c.setTier(ctx, key, v, ttl)
		} else {
			c.logger.Debug("discarding value computed across invalidation", "key", key)
		}
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, false, err
	}
	return val.(V), false, nil
}

// Delete removes key.
func (c *Cache[V]) Delete(ctx context.Context, key string) {
	c.mu.Lock()
	c.epoch++
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	c.mu.Unlock()
	if c.tier != nil {
		if err := c.tier.Delete(ctx, c.tierKey(key)); err != nil {
			c.logger.Warn("cache tier delete failed", "key", key, "error", err)
		}
	}
}

// DeleteByPattern removes every key matching the glob pattern and returns
// how many local entries were dropped.
func (c *Cache[V]) DeleteByPattern(ctx context.Context, pattern string) (int, error) {
	if _, err := path.Match(pattern, ""); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.epoch++
	removed := 0
	for key, el := range c.items {
		if ok, _ := path.Match(pattern, key); ok {
			c.removeElement(el)
			removed++
		}
	}
	c.mu.Unlock()
	if c.tier != nil {
		if err := c.tier.DeletePattern(ctx, c.tierKey(pattern)); err != nil {
			c.logger.Warn("cache tier pattern delete failed", "pattern", pattern, "error", err)
		}
	}
	return removed, nil
}

// Clear drops every entry.
func (c *Cache[V]) Clear(ctx context.Context) {
	c.mu.Lock()
	c.epoch++
	c.ll.Init()
	clear(c.items)
	c.mu.Unlock()
	if c.tier != nil {
		if err := c.tier.DeletePattern(ctx, c.tierKey("*")); err != nil {
			c.logger.Warn("cache tier clear failed", "error", err)
		}
	}
}

// Len counts stored entries, expired ones included until they are read.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *Cache[V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      c.Len(),
	}
}

func (c *Cache[V]) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

func (c *Cache[V]) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*entry[V]).key)
}

func (c *Cache[V]) tierKey(key string) string {
	return c.name + ":" + key
}
