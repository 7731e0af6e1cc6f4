package engine

import (
	"context"
	"sync"
	"time"

	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

type holderKey struct{}

// WithHolder names the caller that owns locks taken with ctx.
func WithHolder(ctx context.Context, holder string) context.Context {
	return context.WithValue(ctx, holderKey{}, holder)
}

func (e *Engine) holder(ctx context.Context) string {
	if h, ok := ctx.Value(holderKey{}).(string); ok && h != "" {
		return h
	}
	return e.instance
}

type lockKey struct {
	file string
	ien  string
}

type lockEntry struct {
	holder   string
	acquired time.Time
	timeout  time.Duration
}

func (l lockEntry) expired(now time.Time) bool {
	return now.Sub(l.acquired) >= l.timeout
}

// lockTable is the record lock table. Acquisition never waits: a live lock
// held by someone else is a conflict, an expired one is overwritten.
type lockTable struct {
	mu    sync.Mutex
	now   func() time.Time
	locks map[lockKey]lockEntry
}

func newLockTable(now func() time.Time) *lockTable {
	return &lockTable{now: now, locks: make(map[lockKey]lockEntry)}
}

// acquire returns fresh=false when holder already owned a live lock, which
// is renewed only when renew is set.
func (t *lockTable) acquire(file, ien, holder string, timeout time.Duration, renew bool) (fresh bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	k := lockKey{file, ien}
	cur, held := t.locks[k]
	if held && !cur.expired(now) {
		if cur.holder != holder {
			return false, &fberrors.LockConflictError{File: file, IEN: ien, Holder: cur.holder, Acquired: cur.acquired}
		}
		if renew {
			t.locks[k] = lockEntry{holder: holder, acquired: now, timeout: timeout}
		}
		return false, nil
	}
	t.locks[k] = lockEntry{holder: holder, acquired: now, timeout: timeout}
	return true, nil
}

// release removes the lock if holder owns it or it has expired.
func (t *lockTable) release(file, ien, holder string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	k := lockKey{file, ien}
	cur, held := t.locks[k]
	if !held {
		return nil
	}
	if cur.holder != holder && !cur.expired(t.now()) {
		return &fberrors.LockConflictError{File: file, IEN: ien, Holder: cur.holder, Acquired: cur.acquired}
	}
	delete(t.locks, k)
	return nil
}

// LockInfo describes a held record lock.
type LockInfo struct {
	Holder   string    `json:"holder"`
	Acquired time.Time `json:"acquired"`
	Expires  time.Time `json:"expires"`
}

func (t *lockTable) get(file, ien string) (LockInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cur, held := t.locks[lockKey{file, ien}]
	if !held || cur.expired(t.now()) {
		return LockInfo{}, false
	}
	return LockInfo{Holder: cur.holder, Acquired: cur.acquired, Expires: cur.acquired.Add(cur.timeout)}, true
}

// Lock takes the record lock for the holder named in ctx. A zero timeout
// uses the configured default. A lock older than its timeout is taken over.
func (e *Engine) Lock(ctx context.Context, file, ien string, timeout time.Duration) (err error) {
	defer e.observe(file, "lock", time.Now(), &err)
	if _, err := e.file(file); err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = e.lockTimeout
	}
	holder := e.holder(ctx)
	if _, err := e.locks.acquire(file, ien, holder, timeout, true); err != nil {
		e.metrics.LockConflict()
		return err
	}
	e.logger.Debug("record locked", "file", file, "ien", ien, "holder", holder, "timeout", timeout)
	return nil
}

// Unlock releases the holder's lock. Unlocking a record that is not locked
// succeeds.
func (e *Engine) Unlock(ctx context.Context, file, ien string) (err error) {
	defer e.observe(file, "unlock", time.Now(), &err)
	if _, err := e.file(file); err != nil {
		return err
	}
	return e.locks.release(file, ien, e.holder(ctx))
}

// LockStatus reports the live lock on a record, if any.
func (e *Engine) LockStatus(file, ien string) (LockInfo, bool) {
	return e.locks.get(file, ien)
}

// withRecordLock runs fn holding the record lock. A lock the caller
// already holds is reused and left in place; one taken here is released on
// every exit path.
func (e *Engine) withRecordLock(ctx context.Context, file, ien string, fn func() error) error {
	holder := e.holder(ctx)
	fresh, err := e.locks.acquire(file, ien, holder, e.lockTimeout, false)
	if err != nil {
		e.metrics.LockConflict()
		return err
	}
	if fresh {
		defer func() {
			if err := e.locks.release(file, ien, holder); err != nil {
				e.logger.Warn("releasing record lock", "file", file, "ien", ien, "error", err)
			}
		}()
	}
	return fn()
}
