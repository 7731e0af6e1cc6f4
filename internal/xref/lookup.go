package xref

import (
	"context"
	"fmt"
	"strings"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/schema"
)

// Match is one index hit.
type Match struct {
	Key string
	IEN string
}

// Walk visits the entries of an index in collation order starting at key
// from (inclusive), calling fn until it returns false. It uses only the
// order and data primitives.
func (m *Manager) Walk(ctx context.Context, s globals.Store, f *schema.File, index, from string, fn func(Match) (bool, error)) error {
	base := f.Path(index)
	visitKey := func(key string) (bool, error) {
		more := true
		err := globals.Children(ctx, s, f.Global, f.Path(index, key), "", func(ien string) (bool, error) {
			var err error
			more, err = fn(Match{Key: key, IEN: ien})
			return more, err
		})
		return more, err
	}
	if from != "" {
		d, err := s.Data(ctx, f.Global, f.Path(index, from)...)
		if err != nil {
			return err
		}
		if d >= globals.DataChildren {
			more, err := visitKey(from)
			if err != nil || !more {
				return err
			}
		}
	}
	return globals.Children(ctx, s, f.Global, base, from, visitKey)
}

// Find collects up to limit entries whose key starts with prefix by
// walking the index with primitives.
func (m *Manager) Find(ctx context.Context, s globals.Store, f *schema.File, index, prefix string, limit int) ([]Match, error) {
	var out []Match
	numeric := prefix != "" && strings.Trim(prefix, "0123456789.-") == ""
	err := m.Walk(ctx, s, f, index, prefix, func(mt Match) (bool, error) {
		if !strings.HasPrefix(mt.Key, prefix) {
			// numbers sharing a prefix are not contiguous in collation
			if numeric && globals.IsCanonicalNumber(mt.Key) {
				return true, nil
			}
			return false, nil
		}
		out = append(out, mt)
		return limit <= 0 || len(out) < limit, nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking index %s of file %s: %w", index, f.Number, err)
	}
	return out, nil
}

// FindBulk answers the same question as Find in a single structured query.
func (m *Manager) FindBulk(ctx context.Context, sc globals.Scanner, f *schema.File, index, prefix string, limit int) ([]Match, error) {
	nodes, err := sc.Scan(ctx, f.Global, f.Path(index), prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("scanning index %s of file %s: %w", index, f.Number, err)
	}
	out := make([]Match, 0, len(nodes))
	for _, n := range nodes {
		if len(n.Subs) != 2 {
			continue
		}
		out = append(out, Match{Key: n.Subs[0], IEN: n.Subs[1]})
	}
	return out, nil
}

// SearchKeys turns a caller's search term into the keys to look up in ix.
// Exact indexes take the upper-cased term as a prefix; phonetic and
// full-text indexes look up each derived key exactly.
func (m *Manager) SearchKeys(ix schema.Index, term string) []string {
	switch ix.Kind {
	case schema.Exact:
		return []string{strings.ToUpper(term)}
	case schema.Phonetic:
		// a search term is usually a single name part
		code := Soundex(term)
		if code == "" {
			return nil
		}
		return []string{code}
	default:
		return m.Derive(ix, term)
	}
}
