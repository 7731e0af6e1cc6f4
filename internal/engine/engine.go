// Package engine is the FileMan record engine: CRUD, search, listing and
// record locks over a pooled global store, with cross-references kept by
// internal/xref and reads served through internal/cache.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/lakeraven/filebot/internal/cache"
	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/pool"
	"github.com/lakeraven/filebot/internal/router"
	"github.com/lakeraven/filebot/internal/schema"
	"github.com/lakeraven/filebot/internal/xref"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
	"github.com/lakeraven/filebot/pkg/metrics"
)

const (
	DefaultFindLimit   = 20
	DefaultLockTimeout = 30 * time.Second
)

// ChangeNotifier is told about every committed write.
type ChangeNotifier interface {
	RecordChanged(ctx context.Context, file, ien, op string)
}

// Record is one record in internal form.
type Record struct {
	File   string        `json:"file"`
	IEN    string        `json:"ien"`
	Values schema.Values `json:"values"`
}

type Engine struct {
	reg    *schema.Registry
	pool   *pool.Pool
	xref   *xref.Manager
	router *router.Router

	records   *cache.Cache[schema.Values]
	searches  *cache.Cache[[]xref.Match]
	summaries *cache.Cache[Summary]

	notifier    ChangeNotifier
	metrics     *metrics.Metrics
	now         func() time.Time
	instance    string
	lockTimeout time.Duration
	batch       router.BatchConfig
	warmRate    float64

	locks   *lockTable
	filesMu sync.Mutex
	fileMu  map[string]*sync.Mutex
	logger  *slog.Logger
}

type Option func(*Engine)

func WithRecordCache(c *cache.Cache[schema.Values]) Option {
	return func(e *Engine) { e.records = c }
}

func WithSearchCache(c *cache.Cache[[]xref.Match]) Option {
	return func(e *Engine) { e.searches = c }
}

// WithSummaryCache enables summary caching; when the record cache is also
// set, record hits warm the summary of the same patient.
func WithSummaryCache(c *cache.Cache[Summary]) Option {
	return func(e *Engine) { e.summaries = c }
}

func WithNotifier(n ChangeNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithInstance names this process; it is the default lock holder.
func WithInstance(id string) Option {
	return func(e *Engine) { e.instance = id }
}

func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

func WithBatch(cfg router.BatchConfig) Option {
	return func(e *Engine) { e.batch = cfg }
}

// WithPredictiveWarming warms patient summaries after record cache hits, at
// most perSecond times per second.
func WithPredictiveWarming(perSecond float64) Option {
	return func(e *Engine) { e.warmRate = perSecond }
}

func New(reg *schema.Registry, p *pool.Pool, x *xref.Manager, r *router.Router, opts ...Option) *Engine {
	e := &Engine{
		reg:         reg,
		pool:        p,
		xref:        x,
		router:      r,
		now:         time.Now,
		instance:    "filebot",
		lockTimeout: DefaultLockTimeout,
		batch:       router.BatchConfig{ParallelThreshold: 5, Workers: 4},
		fileMu:      make(map[string]*sync.Mutex),
		logger:      slog.Default().With("component", "engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.locks = newLockTable(e.now)
	if e.warmRate > 0 && e.records != nil && e.summaries != nil {
		e.records.Predict(e.warmSummary, e.warmRate, 5*time.Second)
	}
	return e
}

// Registry exposes the file definitions the engine serves.
func (e *Engine) Registry() *schema.Registry { return e.reg }

// TestConnection round-trips a scratch node through a pooled connection.
func (e *Engine) TestConnection(ctx context.Context) error {
	return e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		return globals.TestConnection(ctx, conn)
	})
}

// Capabilities reports what the store behind the pool supports.
func (e *Engine) Capabilities() globals.Capabilities { return e.pool.Capabilities() }

// Invalidate drops every cached entry derived from a record.
func (e *Engine) Invalidate(ctx context.Context, file, ien string) {
	if e.records != nil {
		e.records.Delete(ctx, recordKey(file, ien))
	}
	if e.summaries != nil {
		e.summaries.Delete(ctx, summaryKey(file, ien))
	}
	if e.searches != nil {
		if _, err := e.searches.DeleteByPattern(ctx, searchPattern(file)); err != nil {
			e.logger.Warn("search cache invalidation failed", "file", file, "error", err)
		}
	}
}

func (e *Engine) file(number string) (*schema.File, error) {
	return e.reg.File(number)
}

// lockFile serialises header updates for one file within this process.
func (e *Engine) lockFile(number string) func() {
	e.filesMu.Lock()
	mu, ok := e.fileMu[number]
	if !ok {
		mu = &sync.Mutex{}
		e.fileMu[number] = mu
	}
	e.filesMu.Unlock()
	mu.Lock()
	return mu.Unlock
}

func (e *Engine) observe(file, op string, start time.Time, errp *error) {
	e.metrics.ObserveRecordOp(file, op, *errp, time.Since(start))
}

func (e *Engine) notify(ctx context.Context, file, ien, op string) {
	if e.notifier != nil {
		e.notifier.RecordChanged(ctx, file, ien, op)
	}
}

// internalize converts caller input keyed by field number or name into
// internal values. Conversion problems come back as validation messages.
func (e *Engine) internalize(f *schema.File, input map[string]string) (schema.Values, []string) {
	vals := make(schema.Values, len(input))
	var msgs []string
	now := e.now()
	for ref, raw := range input {
		fd, err := f.Field(ref)
		if err != nil {
			msgs = append(msgs, fmt.Sprintf("Unknown field %s", ref))
			continue
		}
		v, err := fd.Internal(raw, now)
		if err != nil {
			msgs = append(msgs, strings.TrimPrefix(err.Error(), fberrors.ErrInvalidInput.Error()+": "))
			continue
		}
		vals[fd.Number] = v
	}
	return vals, msgs
}

// pointerCheck resolves pointer targets through conn.
func (e *Engine) pointerCheck(ctx context.Context, conn globals.Store) schema.PointerCheck {
	return func(file, ien string) bool {
		pf, err := e.reg.File(file)
		if err != nil || !schema.IsIEN(ien) {
			return false
		}
		d, err := conn.Data(ctx, pf.Global, pf.Path(ien, "0")...)
		return err == nil && d%10 == globals.DataValue
	}
}

func recordKey(file, ien string) string  { return "rec:" + file + ":" + ien }
func summaryKey(file, ien string) string { return "sum:" + file + ":" + ien }
func searchPattern(file string) string   { return "find:" + file + ":*" }

func searchKey(file, index, value string, limit int) string {
	return fmt.Sprintf("find:%s:%s:%s:%d", file, index, url.PathEscape(value), limit)
}

// recordFromKey parses a record cache key.
func recordFromKey(key string) (file, ien string, ok bool) {
	rest, found := strings.CutPrefix(key, "rec:")
	if !found {
		return "", "", false
	}
	return strings.Cut(rest, ":")
}
