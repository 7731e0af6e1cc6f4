// Package pebblestore keeps globals in an embedded Pebble LSM. All
// connections share one DB; Pebble handles concurrent readers and writers.
package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"

	"github.com/lakeraven/filebot/internal/globals"
)

// DB owns the Pebble instance.
type DB struct {
	db     *pebble.DB
	sync   *pebble.WriteOptions
	logger *slog.Logger
}

// Open opens (or creates) a store in dir. An empty dir keeps everything in
// memory.
func Open(dir string) (*DB, error) {
	opts := &pebble.Options{}
	path := dir
	if dir == "" {
		opts.FS = vfs.NewMem()
		path = "globals"
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("opening pebble at %q: %w", dir, err)
	}
	return &DB{
		db:     db,
		sync:   pebble.Sync,
		logger: slog.Default().With("component", "pebble-store", "dir", dir),
	}, nil
}

// Dial returns a connection sharing the DB.
func (d *DB) Dial(ctx context.Context) (globals.Conn, error) {
	return globals.NewOrdered(&session{d: d}, globals.WithCapabilities(globals.Capabilities{
		Bulk: true,
	})), nil
}

// Close flushes and closes the DB.
func (d *DB) Close() error {
	if err := d.db.Flush(); err != nil {
		d.logger.Warn("flush before close failed", "error", err)
	}
	return d.db.Close()
}

type session struct {
	d *DB
}

func (s *session) GetKey(ctx context.Context, key []byte) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	val, closer, err := s.d.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("pebble get: %w", err)
	}
	out := string(val)
	closer.Close()
	return out, true, nil
}

func (s *session) PutKey(ctx context.Context, key []byte, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.d.db.Set(key, []byte(value), s.d.sync); err != nil {
		return fmt.Errorf("pebble set: %w", err)
	}
	return nil
}

func (s *session) DeleteRange(ctx context.Context, lo, hi []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := s.d.db.DeleteRange(lo, hi, s.d.sync); err != nil {
		return fmt.Errorf("pebble delete range: %w", err)
	}
	return nil
}

func (s *session) Ascend(ctx context.Context, lo, hi []byte, limit int, fn func([]byte, string) bool) error {
	it, err := s.d.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return fmt.Errorf("pebble iterator: %w", err)
	}
	defer it.Close()
	n := 0
	for valid := it.First(); valid; valid = it.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		key := append([]byte(nil), it.Key()...)
		if !fn(key, string(it.Value())) {
			break
		}
		n++
		if limit > 0 && n >= limit {
			break
		}
	}
	return it.Error()
}

func (s *session) Close() error { return nil }
