package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"time"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/router"
	"github.com/lakeraven/filebot/internal/schema"
	"github.com/lakeraven/filebot/internal/xref"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// Hit is one search result.
type Hit struct {
	IEN string `json:"ien"`
	Key string `json:"key"`
}

// Find searches a cross-reference. field names either an index ("B",
// "SDX") or a field, in which case the field's first index is used; empty
// means the name field. Exact indexes match by prefix, phonetic and
// full-text indexes by derived key, bitmap indexes by value. At most limit
// distinct records are returned, DefaultFindLimit when limit is not
// positive.
func (e *Engine) Find(ctx context.Context, file, value, field string, limit int) (hits []Hit, err error) {
	defer e.observe(file, "find", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return nil, err
	}
	fd, ix, err := resolveIndex(f, field)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	if fd.Type == schema.Date {
		if v, err := schema.ToInternalDate(value, e.now()); err == nil {
			value = v
		}
	}

	if ix.Kind == schema.Bitmap {
		if v, err := fd.Internal(value, e.now()); err == nil && v != "" {
			value = v
		}
		return e.findBitmap(ctx, f, ix, value, limit)
	}

	strategy := e.router.ChooseStrategy(router.KindFind, value, router.Options{
		Limit:        limit,
		Capabilities: e.pool.Capabilities(),
	})
	// Derived keys are filtered to whole matches and full-text terms are
	// intersected, so those scans run unbounded and limit applies after.
	whole := ix.Kind != schema.Exact
	scanLimit := limit
	if whole {
		scanLimit = 0
	}
	var matches []xref.Match
	for i, key := range e.xref.SearchKeys(ix, value) {
		var found []xref.Match
		switch {
		case strategy == router.BulkQuery:
			found, err = e.scanBulk(ctx, f, ix.Name, key, scanLimit)
		case strategy == router.CachedScan && e.searches != nil:
			found, _, err = e.searches.GetOrCompute(ctx, searchKey(file, ix.Name, key, scanLimit), 0, func(ctx context.Context) ([]xref.Match, error) {
				return e.scan(ctx, f, ix.Name, key, scanLimit)
			})
		default:
			found, err = e.scan(ctx, f, ix.Name, key, scanLimit)
		}
		if err != nil {
			return nil, err
		}
		if whole {
			found = slices.DeleteFunc(slices.Clone(found), func(m xref.Match) bool { return m.Key != key })
		}
		matches = combine(matches, found, i > 0 && ix.Kind == schema.FullText)
	}
	return dedupe(matches, limit), nil
}

func resolveIndex(f *schema.File, ref string) (*schema.Field, schema.Index, error) {
	if ref == "" {
		ref = ".01"
	}
	if fd, ix, ok := f.IndexByName(ref); ok {
		return fd, ix, nil
	}
	fd, err := f.Field(ref)
	if err != nil {
		return nil, schema.Index{}, err
	}
	if len(fd.Indexes) == 0 {
		return nil, schema.Index{}, fmt.Errorf("%w: field %s of file %s is not indexed", fberrors.ErrInvalidInput, fd.Name, f.Number)
	}
	return fd, fd.Indexes[0], nil
}

func (e *Engine) scan(ctx context.Context, f *schema.File, index, prefix string, limit int) ([]xref.Match, error) {
	var out []xref.Match
	err := e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		var err error
		out, err = e.xref.Find(ctx, conn, f, index, prefix, limit)
		return fberrors.Adapter("find", err)
	})
	return out, err
}

func (e *Engine) scanBulk(ctx context.Context, f *schema.File, index, prefix string, limit int) ([]xref.Match, error) {
	var out []xref.Match
	err := e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		sc, ok := conn.(globals.Scanner)
		if !ok {
			var err error
			out, err = e.xref.Find(ctx, conn, f, index, prefix, limit)
			return fberrors.Adapter("find", err)
		}
		var err error
		out, err = e.xref.FindBulk(ctx, sc, f, index, prefix, limit)
		return fberrors.Adapter("bulk find", err)
	})
	return out, err
}

func (e *Engine) findBitmap(ctx context.Context, f *schema.File, ix schema.Index, value string, limit int) ([]Hit, error) {
	var hits []Hit
	err := e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		bm, err := e.xref.Members(ctx, conn, f, ix.Name, value)
		if err != nil {
			return fberrors.Adapter("bitmap", err)
		}
		it := bm.Iterator()
		for it.HasNext() && len(hits) < limit {
			hits = append(hits, Hit{IEN: strconv.FormatUint(uint64(it.Next()), 10), Key: value})
		}
		return nil
	})
	return hits, err
}

// combine merges the matches of one search key into the running result.
// Full-text terms must all match, so later keys intersect.
func combine(acc, next []xref.Match, intersect bool) []xref.Match {
	if !intersect {
		return append(acc, next...)
	}
	keep := make(map[string]bool, len(next))
	for _, m := range next {
		keep[m.IEN] = true
	}
	return slices.DeleteFunc(acc, func(m xref.Match) bool { return !keep[m.IEN] })
}

func dedupe(matches []xref.Match, limit int) []Hit {
	seen := make(map[string]struct{}, len(matches))
	hits := make([]Hit, 0, min(len(matches), limit))
	for _, m := range matches {
		if _, dup := seen[m.IEN]; dup {
			continue
		}
		seen[m.IEN] = struct{}{}
		hits = append(hits, Hit{IEN: m.IEN, Key: m.Key})
		if len(hits) == limit {
			break
		}
	}
	return hits
}

// Screen decides whether a record's zero-node passes a LIST filter.
type Screen func(zero string) (bool, error)

// Row is one LIST result with external field values.
type Row struct {
	IEN    string            `json:"ien"`
	Fields map[string]string `json:"fields"`
}

// List walks records in IEN order after from ("" for the start), returning
// up to limit rows that pass screen with the requested fields formatted.
func (e *Engine) List(ctx context.Context, file, from string, fields []string, limit int, screen Screen) (rows []Row, err error) {
	defer e.observe(file, "list", time.Now(), &err)
	f, err := e.file(file)
	if err != nil {
		return nil, err
	}
	defs, err := resolveFields(f, fields)
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = DefaultFindLimit
	}
	strategy := e.router.ChooseStrategy(router.KindList, from, router.Options{Limit: limit, Capabilities: e.pool.Capabilities()})

	nodeNames := []string{"0"}
	for _, fd := range defs {
		if !slices.Contains(nodeNames, fd.Node) {
			nodeNames = append(nodeNames, fd.Node)
		}
	}
	l := &lister{f: f, nodes: nodeNames, limit: limit, screen: screen}
	err = e.pool.WithConnection(ctx, func(conn globals.Conn) error {
		var err error
		if sc, ok := conn.(globals.Scanner); ok && strategy == router.BulkQuery {
			err = l.bulk(ctx, conn, sc, from)
		} else {
			err = l.walk(ctx, conn, from)
		}
		if err != nil && !errors.Is(err, fberrors.ErrInvalidInput) {
			return fberrors.Adapter("list", err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	resolve := e.resolver(ctx)
	rows = make([]Row, 0, len(l.matched))
	for _, m := range l.matched {
		vals := f.Decode(m.nodes)
		row := Row{IEN: m.ien, Fields: make(map[string]string, len(defs))}
		for _, fd := range defs {
			row.Fields[fd.Number] = fd.External(vals[fd.Number], resolve)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

type listMatch struct {
	ien   string
	nodes map[string]string
}

// lister collects LIST rows, reading the nodes each row needs.
type lister struct {
	f       *schema.File
	nodes   []string
	limit   int
	screen  Screen
	matched []listMatch
}

// accept screens one record and reports whether more rows are wanted.
func (l *lister) accept(ien string, nodes map[string]string) (bool, error) {
	zero, ok := nodes["0"]
	if !ok {
		return true, nil
	}
	if l.screen != nil {
		pass, err := l.screen(zero)
		if err != nil {
			return false, fmt.Errorf("%w: screen: %w", fberrors.ErrInvalidInput, err)
		}
		if !pass {
			return true, nil
		}
	}
	l.matched = append(l.matched, listMatch{ien: ien, nodes: nodes})
	return len(l.matched) < l.limit, nil
}

// walk reads record by record with primitives.
func (l *lister) walk(ctx context.Context, conn globals.Conn, from string) error {
	return globals.Children(ctx, conn, l.f.Global, l.f.Path(), from, func(sub string) (bool, error) {
		if !globals.IsCanonicalNumber(sub) {
			return false, nil
		}
		if !schema.IsIEN(sub) {
			return true, nil
		}
		nodes := make(map[string]string, len(l.nodes))
		for _, node := range l.nodes {
			v, ok, err := conn.Get(ctx, l.f.Global, l.f.Path(sub, node)...)
			if err != nil {
				return false, err
			}
			if !ok && node == "0" {
				return true, nil
			}
			if ok {
				nodes[node] = v
			}
		}
		return l.accept(sub, nodes)
	})
}

// bulk pages through record numbers and fetches each page's nodes in one
// structured read.
func (l *lister) bulk(ctx context.Context, conn globals.Conn, sc globals.Scanner, from string) error {
	cursor := from
	for {
		var page []string
		done := true
		err := globals.Children(ctx, conn, l.f.Global, l.f.Path(), cursor, func(sub string) (bool, error) {
			if !globals.IsCanonicalNumber(sub) {
				return false, nil
			}
			cursor = sub
			if schema.IsIEN(sub) {
				page = append(page, sub)
			}
			if len(page) == l.limit {
				done = false
				return false, nil
			}
			return true, nil
		})
		if err != nil || len(page) == 0 {
			return err
		}
		paths := make([][]string, 0, len(page)*len(l.nodes))
		for _, ien := range page {
			for _, node := range l.nodes {
				paths = append(paths, l.f.Path(ien, node))
			}
		}
		vals, err := sc.GetMany(ctx, l.f.Global, paths)
		if err != nil {
			return err
		}
		for i, ien := range page {
			nodes := make(map[string]string, len(l.nodes))
			for j, node := range l.nodes {
				if v := vals[i*len(l.nodes)+j]; v.OK {
					nodes[node] = v.Value
				}
			}
			more, err := l.accept(ien, nodes)
			if err != nil || !more {
				return err
			}
		}
		if done {
			return nil
		}
	}
}
