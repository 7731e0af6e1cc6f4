package schema

import (
	"context"
	"fmt"
	"strconv"

	"github.com/lakeraven/filebot/internal/globals"
)

// Load reads every declared node of a record. found is false when the
// record has no zero-node.
func (f *File) Load(ctx context.Context, s globals.Store, ien string) (map[string]string, bool, error) {
	nodes := make(map[string]string, len(f.nodes))
	for _, node := range f.nodes {
		v, ok, err := s.Get(ctx, f.Global, f.Path(ien, node)...)
		if err != nil {
			return nil, false, fmt.Errorf("reading %s: %w", globals.Ref(f.Global, f.Path(ien, node)...), err)
		}
		if ok {
			nodes[node] = v
		}
	}
	_, found := nodes["0"]
	return nodes, found, nil
}

// LoadMany reads the nodes of several records in one round trip.
func (f *File) LoadMany(ctx context.Context, sc globals.Scanner, iens []string) ([]map[string]string, error) {
	paths := make([][]string, 0, len(iens)*len(f.nodes))
	for _, ien := range iens {
		for _, node := range f.nodes {
			paths = append(paths, f.Path(ien, node))
		}
	}
	vals, err := sc.GetMany(ctx, f.Global, paths)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]string, len(iens))
	i := 0
	for r := range iens {
		nodes := make(map[string]string, len(f.nodes))
		for _, node := range f.nodes {
			if vals[i].OK {
				nodes[node] = vals[i].Value
			}
			i++
		}
		if _, found := nodes["0"]; found {
			out[r] = nodes
		}
	}
	return out, nil
}

// Store writes nodes for a record. Nodes missing from nodes are left alone.
func (f *File) Store(ctx context.Context, s globals.Store, ien string, nodes map[string]string) error {
	for _, node := range f.nodes {
		v, ok := nodes[node]
		if !ok {
			continue
		}
		if err := s.Set(ctx, v, f.Global, f.Path(ien, node)...); err != nil {
			return fmt.Errorf("writing %s: %w", globals.Ref(f.Global, f.Path(ien, node)...), err)
		}
	}
	return nil
}

// Header is the parsed ROOT(0) node: NAME^number^last ien^count.
type Header struct {
	Name    string
	Number  string
	LastIEN int64
	Count   int64
}

func (h Header) String() string {
	return Join([]string{h.Name, h.Number, strconv.FormatInt(h.LastIEN, 10), strconv.FormatInt(h.Count, 10)})
}

// LoadHeader reads the file header, defaulting it when absent.
func (f *File) LoadHeader(ctx context.Context, s globals.Store) (Header, error) {
	v, ok, err := s.Get(ctx, f.Global, f.HeaderPath()...)
	if err != nil {
		return Header{}, fmt.Errorf("reading header of file %s: %w", f.Number, err)
	}
	h := Header{Name: f.Name, Number: f.Number}
	if !ok {
		return h, nil
	}
	h.LastIEN, _ = strconv.ParseInt(Piece(v, 3), 10, 64)
	h.Count, _ = strconv.ParseInt(Piece(v, 4), 10, 64)
	return h, nil
}

// StoreHeader writes the file header.
func (f *File) StoreHeader(ctx context.Context, s globals.Store, h Header) error {
	if err := s.Set(ctx, h.String(), f.Global, f.HeaderPath()...); err != nil {
		return fmt.Errorf("writing header of file %s: %w", f.Number, err)
	}
	return nil
}

// IsIEN reports whether sub names a record rather than an index or header.
func IsIEN(sub string) bool {
	n, err := strconv.ParseFloat(sub, 64)
	return err == nil && n > 0 && globals.IsCanonicalNumber(sub)
}
