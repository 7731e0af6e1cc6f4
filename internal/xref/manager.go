// Package xref maintains FileMan cross-references: exact ("B"-style),
// phonetic (Soundex), bitmap and full-text indexes stored as their own
// subscripted nodes next to the records they describe.
//
// Index maintenance never aborts the primary mutation. Every entry that
// cannot be written or removed is collected into a Report as an
// EntryError, logged, and counted; Rebuild repairs a record afterwards.
package xref

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/schema"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
	"github.com/lakeraven/filebot/pkg/metrics"
)

const bitmapStripes = 64

// EntryError describes one index entry that could not be maintained.
type EntryError struct {
	File  string
	Index string
	Key   string
	IEN   string
	Op    string
	Err   error
}

func (e *EntryError) Error() string {
	return fmt.Sprintf("%s: %s file %s index %s key %q ien %s: %v",
		fberrors.ErrIndexInconsistency.Error(), e.Op, e.File, e.Index, e.Key, e.IEN, e.Err)
}

func (e *EntryError) Unwrap() []error {
	return []error{fberrors.ErrIndexInconsistency, e.Err}
}

// Report summarises one maintenance call.
type Report struct {
	Written  int
	Removed  int
	Failures []*EntryError
}

// Err joins every failure, or returns nil.
func (r Report) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

func (r *Report) merge(o Report) {
	r.Written += o.Written
	r.Removed += o.Removed
	r.Failures = append(r.Failures, o.Failures...)
}

// Manager owns index maintenance for every file.
type Manager struct {
	phonetic *phonetics
	stripes  [bitmapStripes]sync.Mutex
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

func NewManager(m *metrics.Metrics) *Manager {
	return &Manager{
		phonetic: newPhonetics(4096),
		metrics:  m,
		logger:   slog.Default().With("component", "xref"),
	}
}

// Derive returns the index keys produced by one value.
func (m *Manager) Derive(ix schema.Index, value string) []string {
	if value == "" {
		return nil
	}
	switch ix.Kind {
	case schema.Exact:
		return []string{strings.ToUpper(value)}
	case schema.Phonetic:
		return m.phonetic.variants(value)
	case schema.Bitmap:
		return []string{value}
	case schema.FullText:
		return Tokenize(value)
	default:
		return nil
	}
}

// Build writes every entry derived from vals.
func (m *Manager) Build(ctx context.Context, s globals.Store, f *schema.File, ien string, vals schema.Values) Report {
	var rep Report
	for _, fd := range f.IndexedFields() {
		for _, ix := range fd.Indexes {
			rep.merge(m.add(ctx, s, f, ix, ien, m.Derive(ix, vals[fd.Number])))
		}
	}
	m.finish("build", f, ien, rep)
	return rep
}

// Update rewrites entries for fields whose value changed. Old entries are
// removed before new ones are added; unchanged fields are not touched.
func (m *Manager) Update(ctx context.Context, s globals.Store, f *schema.File, ien string, old, next schema.Values) Report {
	var rep Report
	for _, fd := range f.IndexedFields() {
		before, after := old[fd.Number], next[fd.Number]
		if before == after {
			continue
		}
		for _, ix := range fd.Indexes {
			oldKeys := m.Derive(ix, before)
			newKeys := m.Derive(ix, after)
			rep.merge(m.remove(ctx, s, f, ix, ien, without(oldKeys, newKeys)))
			rep.merge(m.add(ctx, s, f, ix, ien, without(newKeys, oldKeys)))
		}
	}
	m.finish("update", f, ien, rep)
	return rep
}

// Remove deletes every entry derived from vals.
func (m *Manager) Remove(ctx context.Context, s globals.Store, f *schema.File, ien string, vals schema.Values) Report {
	var rep Report
	for _, fd := range f.IndexedFields() {
		for _, ix := range fd.Indexes {
			rep.merge(m.remove(ctx, s, f, ix, ien, m.Derive(ix, vals[fd.Number])))
		}
	}
	m.finish("remove", f, ien, rep)
	return rep
}

// Rebuild re-derives a record's entries from its stored values, removing
// any entry that references ien under a key the current values no longer
// produce. A record that no longer exists ends up with no entries.
func (m *Manager) Rebuild(ctx context.Context, s globals.Store, f *schema.File, ien string) (Report, error) {
	nodes, _, err := f.Load(ctx, s, ien)
	if err != nil {
		return Report{}, fmt.Errorf("loading record %s/%s for rebuild: %w", f.Number, ien, err)
	}
	vals := f.Decode(nodes)
	var rep Report
	for _, fd := range f.IndexedFields() {
		for _, ix := range fd.Indexes {
			want := m.Derive(ix, vals[fd.Number])
			stale, err := m.referencing(ctx, s, f, ix, ien)
			if err != nil {
				return rep, fmt.Errorf("scanning index %s: %w", ix.Name, err)
			}
			rep.merge(m.remove(ctx, s, f, ix, ien, without(stale, want)))
			rep.merge(m.add(ctx, s, f, ix, ien, want))
		}
	}
	m.finish("rebuild", f, ien, rep)
	return rep, nil
}

func (m *Manager) add(ctx context.Context, s globals.Store, f *schema.File, ix schema.Index, ien string, keys []string) Report {
	var rep Report
	for _, key := range keys {
		var err error
		if ix.Kind == schema.Bitmap {
			err = m.setBit(ctx, s, f, ix, key, ien, true)
		} else {
			err = s.Set(ctx, "", f.Global, f.Path(ix.Name, key, ien)...)
		}
		if err != nil {
			rep.Failures = append(rep.Failures, &EntryError{File: f.Number, Index: ix.Name, Key: key, IEN: ien, Op: "add", Err: err})
			continue
		}
		rep.Written++
	}
	return rep
}

func (m *Manager) remove(ctx context.Context, s globals.Store, f *schema.File, ix schema.Index, ien string, keys []string) Report {
	var rep Report
	for _, key := range keys {
		var err error
		if ix.Kind == schema.Bitmap {
			err = m.setBit(ctx, s, f, ix, key, ien, false)
		} else {
			err = s.Kill(ctx, f.Global, f.Path(ix.Name, key, ien)...)
		}
		if err != nil {
			rep.Failures = append(rep.Failures, &EntryError{File: f.Number, Index: ix.Name, Key: key, IEN: ien, Op: "remove", Err: err})
			continue
		}
		rep.Removed++
	}
	return rep
}

// referencing lists the keys of ix that currently point at ien.
func (m *Manager) referencing(ctx context.Context, s globals.Store, f *schema.File, ix schema.Index, ien string) ([]string, error) {
	var keys []string
	err := globals.Children(ctx, s, f.Global, f.Path(ix.Name), "", func(key string) (bool, error) {
		if ix.Kind == schema.Bitmap {
			bm, err := m.loadBitmap(ctx, s, f, ix, key)
			if err != nil {
				return false, err
			}
			id, err := bitFor(ien)
			if err == nil && bm.Contains(id) {
				keys = append(keys, key)
			}
			return true, nil
		}
		d, err := s.Data(ctx, f.Global, f.Path(ix.Name, key, ien)...)
		if err != nil {
			return false, err
		}
		if d%10 == globals.DataValue {
			keys = append(keys, key)
		}
		return true, nil
	})
	return keys, err
}

func (m *Manager) finish(op string, f *schema.File, ien string, rep Report) {
	for _, fail := range rep.Failures {
		m.metrics.XrefFailure(fail.Index)
		m.logger.Warn("cross-reference entry not maintained",
			"op", op,
			"file", f.Number,
			"ien", ien,
			"index", fail.Index,
			"key", fail.Key,
			"error", fail.Err,
		)
	}
	if len(rep.Failures) == 0 {
		m.logger.Debug("cross-references maintained", "op", op, "file", f.Number, "ien", ien,
			"written", rep.Written, "removed", rep.Removed)
	}
}

func (m *Manager) stripe(parts ...string) *sync.Mutex {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return &m.stripes[h.Sum32()%bitmapStripes]
}

// without returns the elements of a not present in b.
func without(a, b []string) []string {
	var out []string
	for _, k := range a {
		if !slices.Contains(b, k) {
			out = append(out, k)
		}
	}
	return out
}
