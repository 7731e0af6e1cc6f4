package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/router"
	"github.com/lakeraven/filebot/internal/schema"
	"github.com/lakeraven/filebot/internal/xref"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// Get returns a record's internal values, from the cache when possible.
func (e *Engine) Get(ctx context.Context, file, ien string) (rec *Record, err error) {
	defer e.observe(file, "get", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return nil, err
	}
	vals, err := e.values(ctx, f, ien)
	if err != nil {
		return nil, err
	}
	return &Record{File: file, IEN: ien, Values: vals}, nil
}

func (e *Engine) values(ctx context.Context, f *schema.File, ien string) (schema.Values, error) {
	if !schema.IsIEN(ien) {
		return nil, fmt.Errorf("%w: %q is not a record number", fberrors.ErrNotFound, ien)
	}
	load := func(ctx context.Context) (schema.Values, error) { return e.load(ctx, f, ien) }
	if e.records == nil {
		return load(ctx)
	}
	vals, _, err := e.records.GetOrCompute(ctx, recordKey(f.Number, ien), 0, load)
	return vals, err
}

func (e *Engine) load(ctx context.Context, f *schema.File, ien string) (schema.Values, error) {
	var nodes map[string]string
	var found bool
	err := e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		var err error
		nodes, found, err = f.Load(ctx, conn, ien)
		return fberrors.Adapter("load", err)
	})
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, fmt.Errorf("%w: file %s record %s", fberrors.ErrNotFound, f.Number, ien)
	}
	return f.Decode(nodes), nil
}

// GetBatch reads several records. Records that are missing or fail to load
// are left out; the result follows the order of iens.
func (e *Engine) GetBatch(ctx context.Context, file string, iens []string) (out []*Record, err error) {
	defer e.observe(file, "get_batch", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return nil, err
	}

	found := make(map[string]schema.Values, len(iens))
	var mu sync.Mutex
	collect := func(ien string, vals schema.Values) {
		mu.Lock()
		found[ien] = vals
		mu.Unlock()
	}

	if e.pool.Capabilities().Bulk && len(iens) > 1 {
		if err := e.loadBulk(ctx, f, iens, collect); err != nil {
			return nil, err
		}
	} else {
		plan := router.PlanBatch(len(iens), e.batch)
		get := func(ctx context.Context, ien string) {
			vals, err := e.values(ctx, f, ien)
			if err != nil {
				if !errors.Is(err, fberrors.ErrNotFound) {
					e.logger.Warn("batch read skipped record", "file", file, "ien", ien, "error", err)
				}
				return
			}
			collect(ien, vals)
		}
		if plan.Parallel {
			g, gctx := errgroup.WithContext(ctx)
			g.SetLimit(plan.Workers)
			for _, ien := range iens {
				g.Go(func() error {
					get(gctx, ien)
					return nil
				})
			}
			g.Wait()
		} else {
			for _, ien := range iens {
				get(ctx, ien)
			}
		}
	}

	out = make([]*Record, 0, len(found))
	for _, ien := range iens {
		if vals, ok := found[ien]; ok {
			out = append(out, &Record{File: file, IEN: ien, Values: vals})
			delete(found, ien)
		}
	}
	return out, nil
}

// loadBulk serves cached records locally and fetches the rest in one
// structured read.
func (e *Engine) loadBulk(ctx context.Context, f *schema.File, iens []string, collect func(string, schema.Values)) error {
	var missing []string
	for _, ien := range iens {
		if !schema.IsIEN(ien) {
			continue
		}
		if e.records != nil {
			if vals, ok := e.records.Get(ctx, recordKey(f.Number, ien)); ok {
				collect(ien, vals)
				continue
			}
		}
		missing = append(missing, ien)
	}
	if len(missing) == 0 {
		return nil
	}
	var epoch uint64
	if e.records != nil {
		epoch = e.records.Epoch()
	}
	return e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		sc, ok := conn.(globals.Scanner)
		if !ok {
			return fmt.Errorf("%w: connection advertises bulk reads but cannot scan", fberrors.ErrAdapter)
		}
		rows, err := f.LoadMany(ctx, sc, missing)
		if err != nil {
			return fberrors.Adapter("load many", err)
		}
		for i, nodes := range rows {
			if nodes == nil {
				continue
			}
			vals := f.Decode(nodes)
			collect(missing[i], vals)
			if e.records != nil {
				e.records.SetAt(ctx, recordKey(f.Number, missing[i]), vals, 0, epoch)
			}
		}
		return nil
	})
}

// Format selects which representation GetFields returns.
type Format int

const (
	External Format = 1 << iota
	Internal
)

// ParseFormat reads legacy flags: "I" internal, "E" external, both for both.
// No flag means external.
func ParseFormat(flags string) Format {
	var f Format
	for _, c := range flags {
		switch c {
		case 'I', 'i':
			f |= Internal
		case 'E', 'e':
			f |= External
		}
	}
	if f == 0 {
		f = External
	}
	return f
}

// FieldValue is one field of a record in the requested representations.
type FieldValue struct {
	Number   string `json:"field"`
	Name     string `json:"name"`
	Internal string `json:"internal,omitempty"`
	External string `json:"external,omitempty"`
}

// GetFields returns the requested fields of a record; no fields or "*"
// means every field.
func (e *Engine) GetFields(ctx context.Context, file, ien string, fields []string, format Format) (out []FieldValue, err error) {
	defer e.observe(file, "get_fields", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return nil, err
	}
	defs, err := resolveFields(f, fields)
	if err != nil {
		return nil, err
	}
	vals, err := e.values(ctx, f, ien)
	if err != nil {
		return nil, err
	}
	resolve := e.resolver(ctx)
	out = make([]FieldValue, 0, len(defs))
	for _, fd := range defs {
		v := FieldValue{Number: fd.Number, Name: fd.Name}
		if format&Internal != 0 {
			v.Internal = vals[fd.Number]
		}
		if format&External != 0 {
			v.External = fd.External(vals[fd.Number], resolve)
		}
		out = append(out, v)
	}
	return out, nil
}

func resolveFields(f *schema.File, refs []string) ([]*schema.Field, error) {
	if len(refs) == 0 || (len(refs) == 1 && refs[0] == "*") {
		return f.Fields, nil
	}
	out := make([]*schema.Field, 0, len(refs))
	for _, ref := range refs {
		fd, err := f.Field(ref)
		if err != nil {
			return nil, err
		}
		out = append(out, fd)
	}
	return out, nil
}

// resolver names pointed-to records by their .01 field.
func (e *Engine) resolver(ctx context.Context) schema.Resolver {
	return func(file, ien string) (string, bool) {
		pf, err := e.file(file)
		if err != nil {
			return "", false
		}
		vals, err := e.values(ctx, pf, ien)
		if err != nil {
			return "", false
		}
		return vals[".01"], true
	}
}

// Validate checks input as a complete new record without writing it.
func (e *Engine) Validate(ctx context.Context, file string, input map[string]string) error {
	f, err := e.file(file)
	if err != nil {
		return err
	}
	vals, msgs := e.internalize(f, input)
	if len(msgs) > 0 {
		return fberrors.Validation(msgs...)
	}
	return e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		return fberrors.Validation(f.Validate(vals, e.now(), e.pointerCheck(ctx, conn))...)
	})
}

// Create files a new record and returns its IEN.
func (e *Engine) Create(ctx context.Context, file string, input map[string]string) (ien string, err error) {
	defer e.observe(file, "create", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return "", err
	}
	vals, msgs := e.internalize(f, input)
	if len(msgs) > 0 {
		return "", fberrors.Validation(msgs...)
	}

	var rep xref.Report
	err = e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		if err := fberrors.Validation(f.Validate(vals, e.now(), e.pointerCheck(ctx, conn))...); err != nil {
			return err
		}
		unlock := e.lockFile(f.Number)
		defer unlock()

		h, err := f.LoadHeader(ctx, conn)
		if err != nil {
			return fberrors.Adapter("header", err)
		}
		next := h.LastIEN + 1
		for {
			d, err := conn.Data(ctx, f.Global, f.Path(strconv.FormatInt(next, 10))...)
			if err != nil {
				return fberrors.Adapter("allocate", err)
			}
			if d == globals.DataNone {
				break
			}
			next++
		}
		ien = strconv.FormatInt(next, 10)
		if err := f.Store(ctx, conn, ien, f.Encode(vals)); err != nil {
			return fberrors.Adapter("store", err)
		}
		h.LastIEN, h.Count = next, h.Count+1
		if err := f.StoreHeader(ctx, conn, h); err != nil {
			return fberrors.Adapter("header", err)
		}
		rep = e.xref.Build(ctx, conn, f, ien, vals)
		return nil
	})
	if err != nil {
		return "", err
	}
	e.Invalidate(ctx, file, ien)
	e.notify(ctx, file, ien, "create")
	e.logger.Info("record created", "file", file, "ien", ien, "xref_failures", len(rep.Failures))
	return ien, nil
}

// UpdateFields changes the given fields under the record lock, validating
// the whole resulting record before anything is written. It returns the
// record's new internal values.
func (e *Engine) UpdateFields(ctx context.Context, file, ien string, input map[string]string) (next schema.Values, err error) {
	defer e.observe(file, "update", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return nil, err
	}
	changes, msgs := e.internalize(f, input)
	if len(msgs) > 0 {
		return nil, fberrors.Validation(msgs...)
	}
	if !schema.IsIEN(ien) {
		return nil, fmt.Errorf("%w: %q is not a record number", fberrors.ErrNotFound, ien)
	}

	err = e.withRecordLock(ctx, file, ien, func() error {
		return e.pool.WithConnection(ctx, func(conn globals.Conn) error {
			release, err := e.nativeLock(ctx, conn, f, ien)
			if err != nil {
				return err
			}
			defer release()

			nodes, found, err := f.Load(ctx, conn, ien)
			if err != nil {
				return fberrors.Adapter("load", err)
			}
			if !found {
				return fmt.Errorf("%w: file %s record %s", fberrors.ErrNotFound, file, ien)
			}
			old := f.Decode(nodes)
			written := f.Apply(nodes, changes)
			next = f.Decode(written)
			if err := fberrors.Validation(f.Validate(next, e.now(), e.pointerCheck(ctx, conn))...); err != nil {
				return err
			}
			if err := f.Store(ctx, conn, ien, changedNodes(nodes, written)); err != nil {
				return fberrors.Adapter("store", err)
			}
			e.xref.Update(ctx, conn, f, ien, old, next)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.Invalidate(ctx, file, ien)
	e.notify(ctx, file, ien, "update")
	return next, nil
}

// Update is UpdateFields returning the updated record.
func (e *Engine) Update(ctx context.Context, file, ien string, input map[string]string) (*Record, error) {
	vals, err := e.UpdateFields(ctx, file, ien, input)
	if err != nil {
		return nil, err
	}
	return &Record{File: file, IEN: ien, Values: vals}, nil
}

// Delete removes a record, its cross-references and one from the file's
// record count.
func (e *Engine) Delete(ctx context.Context, file, ien string) (err error) {
	defer e.observe(file, "delete", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return err
	}
	if !schema.IsIEN(ien) {
		return fmt.Errorf("%w: %q is not a record number", fberrors.ErrNotFound, ien)
	}
	err = e.withRecordLock(ctx, file, ien, func() error {
		return e.pool.WithConnection(ctx, func(conn globals.Conn) error {
			release, err := e.nativeLock(ctx, conn, f, ien)
			if err != nil {
				return err
			}
			defer release()

			nodes, found, err := f.Load(ctx, conn, ien)
			if err != nil {
				return fberrors.Adapter("load", err)
			}
			if !found {
				return fmt.Errorf("%w: file %s record %s", fberrors.ErrNotFound, file, ien)
			}
			e.xref.Remove(ctx, conn, f, ien, f.Decode(nodes))
			if err := conn.Kill(ctx, f.Global, f.Path(ien)...); err != nil {
				return fberrors.Adapter("kill", err)
			}

			unlock := e.lockFile(f.Number)
			defer unlock()
			h, err := f.LoadHeader(ctx, conn)
			if err != nil {
				return fberrors.Adapter("header", err)
			}
			h.Count = max(0, h.Count-1)
			return fberrors.Adapter("header", f.StoreHeader(ctx, conn, h))
		})
	})
	if err != nil {
		return err
	}
	e.Invalidate(ctx, file, ien)
	e.notify(ctx, file, ien, "delete")
	return nil
}

// Rebuild repairs a record's cross-references from its stored values.
func (e *Engine) Rebuild(ctx context.Context, file, ien string) (rep xref.Report, err error) {
	defer e.observe(file, "rebuild", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return xref.Report{}, err
	}
	err = e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		var err error
		rep, err = e.xref.Rebuild(ctx, conn, f, ien)
		return fberrors.Adapter("rebuild", err)
	})
	if err == nil {
		e.Invalidate(ctx, file, ien)
	}
	return rep, err
}

// nativeLock takes the store's own lock on the record for the duration of
// one write when the connection supports it.
func (e *Engine) nativeLock(ctx context.Context, conn globals.Conn, f *schema.File, ien string) (func(), error) {
	lk, ok := conn.(globals.Locker)
	if !ok {
		return func() {}, nil
	}
	subs := f.Path(ien)
	got, err := lk.LockNode(ctx, f.Global, subs, 0)
	if err != nil {
		return nil, fberrors.Adapter("lock", err)
	}
	if !got {
		e.metrics.LockConflict()
		return nil, &fberrors.LockConflictError{File: f.Number, IEN: ien, Holder: "another process", Acquired: e.now()}
	}
	return func() {
		if err := lk.UnlockNode(ctx, f.Global, subs); err != nil {
			e.logger.Warn("releasing native lock", "ref", globals.Ref(f.Global, subs...), "error", err)
		}
	}, nil
}

// changedNodes returns the nodes of next that differ from prev.
func changedNodes(prev, next map[string]string) map[string]string {
	out := make(map[string]string)
	for node, v := range next {
		if old, ok := prev[node]; !ok || old != v {
			out[node] = v
		}
	}
	return out
}
