// Package memstore is an in-process global store backed by a B-tree. It is
// the default development backend and the fake used throughout the tests.
package memstore

import (
	"bytes"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/btree"

	"github.com/lakeraven/filebot/internal/globals"
)

type item struct {
	key   []byte
	value string
}

func less(a, b item) bool { return bytes.Compare(a.key, b.key) < 0 }

// Tree holds the data shared by every connection dialled from it.
type Tree struct {
	mu      sync.RWMutex
	tree    *btree.BTreeG[item]
	caps    globals.Capabilities
	latency time.Duration
	dials   atomic.Int64
	fail    atomic.Pointer[error]
}

type Option func(*Tree)

// WithCapabilities overrides what dialled connections advertise.
func WithCapabilities(c globals.Capabilities) Option {
	return func(t *Tree) { t.caps = c }
}

// WithLatency adds a fixed delay to every primitive, to make round trips
// visible in tests and benchmarks.
func WithLatency(d time.Duration) Option {
	return func(t *Tree) { t.latency = d }
}

func New(opts ...Option) *Tree {
	t := &Tree{tree: btree.NewG[item](32, less)}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Dial returns a new connection to the tree.
func (t *Tree) Dial(ctx context.Context) (globals.Conn, error) {
	t.dials.Add(1)
	return globals.NewOrdered(&session{t: t}, globals.WithCapabilities(t.caps)), nil
}

// Dials counts connections opened so far.
func (t *Tree) Dials() int64 { return t.dials.Load() }

// Len is the number of stored nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tree.Len()
}

// FailWith makes every subsequent primitive return err until called with nil.
func (t *Tree) FailWith(err error) {
	if err == nil {
		t.fail.Store(nil)
		return
	}
	t.fail.Store(&err)
}

func (t *Tree) pause(ctx context.Context) error {
	if p := t.fail.Load(); p != nil {
		return *p
	}
	if t.latency <= 0 {
		return ctx.Err()
	}
	select {
	case <-time.After(t.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type session struct {
	t      *Tree
	closed atomic.Bool
}

func (s *session) GetKey(ctx context.Context, key []byte) (string, bool, error) {
	if err := s.t.pause(ctx); err != nil {
		return "", false, err
	}
	s.t.mu.RLock()
	defer s.t.mu.RUnlock()
	it, ok := s.t.tree.Get(item{key: key})
	return it.value, ok, nil
}

func (s *session) PutKey(ctx context.Context, key []byte, value string) error {
	if err := s.t.pause(ctx); err != nil {
		return err
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.tree.ReplaceOrInsert(item{key: bytes.Clone(key), value: value})
	return nil
}

func (s *session) DeleteRange(ctx context.Context, lo, hi []byte) error {
	if err := s.t.pause(ctx); err != nil {
		return err
	}
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	var doomed []item
	s.t.tree.AscendRange(item{key: lo}, item{key: hi}, func(it item) bool {
		doomed = append(doomed, it)
		return true
	})
	for _, it := range doomed {
		s.t.tree.Delete(it)
	}
	return nil
}

func (s *session) Ascend(ctx context.Context, lo, hi []byte, limit int, fn func([]byte, string) bool) error {
	if err := s.t.pause(ctx); err != nil {
		return err
	}
	// Copy out under the lock so fn may call back into the store.
	s.t.mu.RLock()
	var batch []item
	s.t.tree.AscendRange(item{key: lo}, item{key: hi}, func(it item) bool {
		batch = append(batch, it)
		return limit <= 0 || len(batch) < limit
	})
	s.t.mu.RUnlock()
	for _, it := range batch {
		if !fn(it.key, it.value) {
			return nil
		}
	}
	return nil
}

func (s *session) Close() error {
	s.closed.Store(true)
	return nil
}
