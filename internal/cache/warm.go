package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Warmer loads entries related to key, typically into another cache. It
// runs off the request path.
type Warmer func(ctx context.Context, key string) error

type warming struct {
	fn       Warmer
	limiter  *rate.Limiter
	timeout  time.Duration
	inflight sync.Map
	wg       sync.WaitGroup
}

// Predict enables predictive warming: after a local hit, fn is started in
// the background for that key, at most perSecond times per second and
// never twice concurrently for the same key. Passing nil disables it.
func (c *Cache[V]) Predict(fn Warmer, perSecond float64, timeout time.Duration) {
	if fn == nil {
		c.warm.Store(nil)
		return
	}
	burst := max(1, int(perSecond))
	c.warm.Store(&warming{
		fn:      fn,
		limiter: rate.NewLimiter(rate.Limit(perSecond), burst),
		timeout: timeout,
	})
}

func (c *Cache[V]) predict(key string) {
	w := c.warm.Load()
	if w == nil {
		return
	}
	if !w.limiter.Allow() {
		c.metrics.CacheWarmup("throttled")
		return
	}
	if _, busy := w.inflight.LoadOrStore(key, struct{}{}); busy {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.inflight.Delete(key)
		ctx := context.Background()
		if w.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, w.timeout)
			defer cancel()
		}
		if err := w.fn(ctx, key); err != nil {
			c.logger.Debug("cache warmup failed", "key", key, "error", err)
			c.metrics.CacheWarmup("error")
			return
		}
		c.metrics.CacheWarmup("ok")
	}()
}

// WaitWarm blocks until in-flight warmups finish.
func (c *Cache[V]) WaitWarm() {
	if w := c.warm.Load(); w != nil {
		w.wg.Wait()
	}
}
