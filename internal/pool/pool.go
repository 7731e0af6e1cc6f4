// Package pool keeps a fixed set of global store connections and lends one
// connection to one caller at a time.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lakeraven/filebot/internal/globals"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
	"github.com/lakeraven/filebot/pkg/metrics"
	"github.com/lakeraven/filebot/pkg/resilience"
)

type Config struct {
	Size            int
	CheckoutTimeout time.Duration
	// Fallback lends a single shared connection instead of waiting when
	// every pooled connection is out.
	Fallback bool
	Retry    resilience.RetryConfig
}

type Pool struct {
	dial    globals.Dialer
	cfg     Config
	caps    globals.Capabilities
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	idle     []globals.Conn
	size     int
	inUse    int
	closed   bool
	released chan struct{}

	fallback   globals.Conn
	fallbackMu sync.Mutex
}

// New dials cfg.Size connections, retrying each dial with backoff.
func New(ctx context.Context, dial globals.Dialer, cfg Config, m *metrics.Metrics) (*Pool, error) {
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("%w: pool size must be positive, got %d", fberrors.ErrInvalidInput, cfg.Size)
	}
	p := &Pool{
		dial:     dial,
		cfg:      cfg,
		metrics:  m,
		logger:   slog.Default().With("component", "pool"),
		size:     cfg.Size,
		released: make(chan struct{}),
	}
	conns, err := p.dialN(ctx, cfg.Size)
	if err != nil {
		return nil, err
	}
	p.idle = conns
	p.caps = globals.CapabilitiesOf(conns[0])
	if cfg.Fallback {
		fb, err := p.dialOne(ctx)
		if err != nil {
			closeAll(conns)
			return nil, fmt.Errorf("dialing fallback connection: %w", err)
		}
		p.fallback = fb
	}
	p.metrics.PoolState(0, p.size)
	p.logger.Info("connection pool ready", "size", p.size, "fallback", cfg.Fallback, "bulk", p.caps.Bulk)
	return p, nil
}

func (p *Pool) dialOne(ctx context.Context) (globals.Conn, error) {
	var conn globals.Conn
	err := resilience.Retry(ctx, "pool-dial", p.cfg.Retry, func() error {
		c, err := p.dial(ctx)
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return fmt.Errorf("%w: %w", resilience.ErrPermanent, err)
		}
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", fberrors.ErrAdapter, err)
	}
	return conn, nil
}

func (p *Pool) dialN(ctx context.Context, n int) ([]globals.Conn, error) {
	conns := make([]globals.Conn, 0, n)
	for range n {
		c, err := p.dialOne(ctx)
		if err != nil {
			closeAll(conns)
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}

// Capabilities reports what the pooled connections support.
func (p *Pool) Capabilities() globals.Capabilities { return p.caps }

// WithConnection runs fn with a checked-out connection and always returns
// it to the pool.
func (p *Pool) WithConnection(ctx context.Context, fn func(conn globals.Conn) error) error {
	conn, shared, err := p.checkout(ctx)
	if err != nil {
		return err
	}
	if shared {
		p.fallbackMu.Lock()
		defer p.fallbackMu.Unlock()
		return fn(conn)
	}
	defer p.checkin(conn)
	return fn(conn)
}

func (p *Pool) checkout(ctx context.Context) (globals.Conn, bool, error) {
	start := time.Now()
	var deadline <-chan time.Time
	if p.cfg.CheckoutTimeout > 0 {
		timer := time.NewTimer(p.cfg.CheckoutTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false, fberrors.ErrClosed
		}
		if n := len(p.idle); n > 0 {
			conn := p.idle[n-1]
			p.idle = p.idle[:n-1]
			p.inUse++
			inUse, size := p.inUse, p.size
			p.mu.Unlock()
			p.metrics.PoolState(inUse, size)
			p.metrics.PoolWait(time.Since(start), false)
			return conn, false, nil
		}
		if p.fallback != nil {
			p.mu.Unlock()
			p.logger.Debug("pool empty, lending fallback connection")
			return p.fallback, true, nil
		}
		wait := p.released
		p.mu.Unlock()

		select {
		case <-wait:
		case <-deadline:
			p.metrics.PoolWait(time.Since(start), true)
			return nil, false, fmt.Errorf("%w after %s", fberrors.ErrPoolExhausted, p.cfg.CheckoutTimeout)
		case <-ctx.Done():
			p.metrics.PoolWait(time.Since(start), true)
			return nil, false, fmt.Errorf("%w: %w", fberrors.ErrPoolExhausted, ctx.Err())
		}
	}
}

func (p *Pool) checkin(conn globals.Conn) {
	p.mu.Lock()
	p.inUse--
	surplus := p.closed || len(p.idle)+p.inUse >= p.size
	if !surplus {
		p.idle = append(p.idle, conn)
	}
	close(p.released)
	p.released = make(chan struct{})
	inUse, size := p.inUse, p.size
	p.mu.Unlock()

	if surplus {
		if err := conn.Close(); err != nil {
			p.logger.Warn("closing surplus connection", "error", err)
		}
	}
	p.metrics.PoolState(inUse, size)
}

// Utilization is the percentage of pooled connections currently lent out.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.size == 0 {
		return 0
	}
	return float64(p.size-len(p.idle)) / float64(p.size) * 100
}

// Stats returns the pool size, connections lent out and connections idle.
func (p *Pool) Stats() (size, inUse, idle int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.size, p.inUse, len(p.idle)
}

// Resize grows the pool by dialling or shrinks it by closing idle
// connections; connections lent out beyond the new size are closed when
// they come back.
func (p *Pool) Resize(ctx context.Context, size int) error {
	if size <= 0 {
		return fmt.Errorf("%w: pool size must be positive, got %d", fberrors.ErrInvalidInput, size)
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return fberrors.ErrClosed
	}
	grow := size - (len(p.idle) + p.inUse)
	var drop []globals.Conn
	if grow < 0 {
		n := min(-grow, len(p.idle))
		drop = append(drop, p.idle[len(p.idle)-n:]...)
		p.idle = p.idle[:len(p.idle)-n]
	}
	p.size = size
	p.mu.Unlock()

	closeAll(drop)
	if grow > 0 {
		conns, err := p.dialN(ctx, grow)
		if err != nil {
			return fmt.Errorf("growing pool to %d: %w", size, err)
		}
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			closeAll(conns)
			return fberrors.ErrClosed
		}
		p.idle = append(p.idle, conns...)
		close(p.released)
		p.released = make(chan struct{})
		p.mu.Unlock()
	}
	p.logger.Info("connection pool resized", "size", size)
	p.metrics.PoolState(p.inUseNow(), size)
	return nil
}

func (p *Pool) inUseNow() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inUse
}

// Close closes idle connections now and lent ones as they are returned.
// Waiting callers fail with ErrClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	close(p.released)
	p.released = make(chan struct{})
	p.mu.Unlock()

	var errs []error
	for _, c := range idle {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if p.fallback != nil {
		p.fallbackMu.Lock()
		if err := p.fallback.Close(); err != nil {
			errs = append(errs, err)
		}
		p.fallbackMu.Unlock()
	}
	p.logger.Info("connection pool closed", "closed", len(idle))
	return errors.Join(errs...)
}

// Ping checks one pooled connection.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConnection(ctx, func(conn globals.Conn) error {
		if pg, ok := conn.(globals.Pinger); ok {
			return pg.Ping(ctx)
		}
		return globals.TestConnection(ctx, conn)
	})
}

func closeAll(conns []globals.Conn) {
	for _, c := range conns {
		c.Close()
	}
}
