package xref

import (
	"context"
	"fmt"
	"strconv"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/lakeraven/filebot/internal/globals"
	"github.com/lakeraven/filebot/internal/schema"
)

func bitFor(ien string) (uint32, error) {
	n, err := strconv.ParseUint(ien, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("ien %q cannot address a bitmap: %w", ien, err)
	}
	return uint32(n), nil
}

func (m *Manager) loadBitmap(ctx context.Context, s globals.Store, f *schema.File, ix schema.Index, key string) (*roaring.Bitmap, error) {
	raw, ok, err := s.Get(ctx, f.Global, f.Path(ix.Name, key)...)
	if err != nil {
		return nil, err
	}
	bm := roaring.New()
	if !ok || raw == "" {
		return bm, nil
	}
	if err := bm.UnmarshalBinary([]byte(raw)); err != nil {
		return nil, fmt.Errorf("decoding bitmap %s: %w", globals.Ref(f.Global, f.Path(ix.Name, key)...), err)
	}
	return bm, nil
}

// setBit is a read-modify-write of one bitmap node, serialised per key
// within this process. An emptied bitmap is killed.
func (m *Manager) setBit(ctx context.Context, s globals.Store, f *schema.File, ix schema.Index, key, ien string, on bool) error {
	id, err := bitFor(ien)
	if err != nil {
		return err
	}
	mu := m.stripe(f.Global, ix.Name, key)
	mu.Lock()
	defer mu.Unlock()

	bm, err := m.loadBitmap(ctx, s, f, ix, key)
	if err != nil {
		return err
	}
	if on {
		bm.Add(id)
	} else {
		bm.Remove(id)
	}
	if bm.IsEmpty() {
		return s.Kill(ctx, f.Global, f.Path(ix.Name, key)...)
	}
	raw, err := bm.ToBytes()
	if err != nil {
		return fmt.Errorf("encoding bitmap: %w", err)
	}
	return s.Set(ctx, string(raw), f.Global, f.Path(ix.Name, key)...)
}

// Members returns the records whose indexed value equals value.
func (m *Manager) Members(ctx context.Context, s globals.Store, f *schema.File, index, value string) (*roaring.Bitmap, error) {
	_, ix, ok := f.IndexByName(index)
	if !ok || ix.Kind != schema.Bitmap {
		return nil, fmt.Errorf("file %s has no bitmap index %q", f.Number, index)
	}
	return m.loadBitmap(ctx, s, f, ix, value)
}

// Has reports whether ien is set in a bitmap without scanning records.
func (m *Manager) Has(ctx context.Context, s globals.Store, f *schema.File, index, value, ien string) (bool, error) {
	bm, err := m.Members(ctx, s, f, index, value)
	if err != nil {
		return false, err
	}
	id, err := bitFor(ien)
	if err != nil {
		return false, err
	}
	return bm.Contains(id), nil
}
