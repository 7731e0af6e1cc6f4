// Package router decides how searches and batch reads reach the store.
package router

import (
	"sync/atomic"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/pkg/metrics"
)

type Strategy int

const (
	// CachedScan walks indexes with primitives behind the search cache.
	CachedScan Strategy = iota
	// BulkQuery asks the adapter for the whole range in one structured query.
	BulkQuery
	// PrimitiveScan walks with primitives and skips the cache.
	PrimitiveScan
)

func (s Strategy) String() string {
	switch s {
	case BulkQuery:
		return "bulk_query"
	case PrimitiveScan:
		return "primitive_scan"
	default:
		return "cached_scan"
	}
}

// QueryKind names the operation being routed.
type QueryKind string

const (
	KindFind QueryKind = "find"
	KindList QueryKind = "list"
)

// Options are the per-call inputs to a routing decision.
type Options struct {
	Limit        int
	Capabilities globals.Capabilities
}

type Config struct {
	PreferBulk       bool
	BulkThreshold    int
	MinPatternLength int
}

type Router struct {
	cfg     atomic.Pointer[Config]
	metrics *metrics.Metrics
}

func New(cfg Config, m *metrics.Metrics) *Router {
	r := &Router{metrics: m}
	r.cfg.Store(&cfg)
	return r
}

func (r *Router) Config() Config { return *r.cfg.Load() }

// Reconfigure replaces the whole configuration.
func (r *Router) Reconfigure(cfg Config) { r.cfg.Store(&cfg) }

func (r *Router) SetPreferBulk(on bool) {
	r.update(func(c *Config) { c.PreferBulk = on })
}

func (r *Router) SetBulkThreshold(n int) {
	r.update(func(c *Config) { c.BulkThreshold = n })
}

func (r *Router) update(fn func(*Config)) {
	for {
		old := r.cfg.Load()
		next := *old
		fn(&next)
		if r.cfg.CompareAndSwap(old, &next) {
			return
		}
	}
}

// ChooseStrategy picks the fetch path for one query. Bulk wins when it is
// preferred, the result is large and the adapter can do it; a pattern
// shorter than the minimum goes straight to primitives; everything else is
// a cached scan.
func (r *Router) ChooseStrategy(kind QueryKind, pattern string, opts Options) Strategy {
	cfg := r.cfg.Load()
	s := CachedScan
	switch {
	case cfg.PreferBulk && opts.Limit > cfg.BulkThreshold && opts.Capabilities.Bulk:
		s = BulkQuery
	case len(pattern) < cfg.MinPatternLength:
		s = PrimitiveScan
	}
	r.metrics.CountStrategy(s.String())
	return s
}
