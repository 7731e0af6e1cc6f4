package globals

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"
)

// KV is an ordered byte-keyed map. Backends implement it and get the full
// Store surface from Ordered.
type KV interface {
	GetKey(ctx context.Context, key []byte) (string, bool, error)
	PutKey(ctx context.Context, key []byte, value string) error
	DeleteRange(ctx context.Context, lo, hi []byte) error
	// Ascend visits keys in [lo, hi) in order until fn returns false or
	// limit keys were visited (0 means no limit).
	Ascend(ctx context.Context, lo, hi []byte, limit int, fn func(key []byte, value string) bool) error
	Close() error
}

// Observer receives the latency of every primitive call.
type Observer func(primitive string, elapsed time.Duration)

// Ordered implements Conn and Scanner on top of a KV.
type Ordered struct {
	kv       KV
	caps     Capabilities
	observer Observer
}

type Option func(*Ordered)

func WithCapabilities(c Capabilities) Option {
	return func(o *Ordered) { o.caps = c }
}

func WithObserver(fn Observer) Option {
	return func(o *Ordered) { o.observer = fn }
}

func NewOrdered(kv KV, opts ...Option) *Ordered {
	o := &Ordered{kv: kv}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Ordered) Capabilities() Capabilities { return o.caps }

// SetObserver replaces the latency observer.
func (o *Ordered) SetObserver(fn Observer) { o.observer = fn }

func (o *Ordered) observe(primitive string, start time.Time) {
	if o.observer != nil {
		o.observer(primitive, time.Since(start))
	}
}

func (o *Ordered) Get(ctx context.Context, global string, subs ...string) (string, bool, error) {
	defer o.observe("get", time.Now())
	return o.kv.GetKey(ctx, EncodeKey(global, subs...))
}

func (o *Ordered) Set(ctx context.Context, value string, global string, subs ...string) error {
	defer o.observe("set", time.Now())
	if err := checkSubs(subs); err != nil {
		return fmt.Errorf("set %s: %w", Ref(global, subs...), err)
	}
	return o.kv.PutKey(ctx, EncodeKey(global, subs...), value)
}

func (o *Ordered) Kill(ctx context.Context, global string, subs ...string) error {
	defer o.observe("kill", time.Now())
	key := EncodeKey(global, subs...)
	return o.kv.DeleteRange(ctx, key, subtreeEnd(key))
}

func (o *Ordered) Order(ctx context.Context, global string, subs ...string) (string, error) {
	defer o.observe("order", time.Now())
	if len(subs) == 0 {
		return "", fmt.Errorf("order %s: no subscript", global)
	}
	parent := EncodeKey(global, subs[:len(subs)-1]...)
	last := subs[len(subs)-1]
	var lo []byte
	if last == "" {
		lo = childrenStart(parent)
	} else {
		lo = subtreeEnd(appendSub(bytes.Clone(parent), last))
	}
	var next string
	var decodeErr error
	err := o.kv.Ascend(ctx, lo, subtreeEnd(parent), 1, func(key []byte, _ string) bool {
		rel, err := decodeSubsAfter(parent, key)
		if err != nil {
			decodeErr = err
			return false
		}
		next = rel[0]
		return false
	})
	if err != nil {
		return "", err
	}
	return next, decodeErr
}

func (o *Ordered) Data(ctx context.Context, global string, subs ...string) (int, error) {
	defer o.observe("data", time.Now())
	key := EncodeKey(global, subs...)
	_, hasValue, err := o.kv.GetKey(ctx, key)
	if err != nil {
		return 0, err
	}
	hasChildren := false
	err = o.kv.Ascend(ctx, childrenStart(key), subtreeEnd(key), 1, func([]byte, string) bool {
		hasChildren = true
		return false
	})
	if err != nil {
		return 0, err
	}
	d := DataNone
	if hasValue {
		d += DataValue
	}
	if hasChildren {
		d += DataChildren
	}
	return d, nil
}

func (o *Ordered) Scan(ctx context.Context, global string, path []string, prefix string, limit int) ([]Node, error) {
	defer o.observe("scan", time.Now())
	parent := EncodeKey(global, path...)
	var nodes []Node
	var decodeErr error
	visit := func(filter bool) func([]byte, string) bool {
		return func(key []byte, value string) bool {
			rel, err := decodeSubsAfter(parent, key)
			if err != nil {
				decodeErr = err
				return false
			}
			if filter && !strings.HasPrefix(rel[0], prefix) {
				return true
			}
			nodes = append(nodes, Node{Subs: rel, Value: value})
			return limit <= 0 || len(nodes) < limit
		}
	}

	if prefix == "" {
		if err := o.kv.Ascend(ctx, childrenStart(parent), subtreeEnd(parent), limit, visit(false)); err != nil {
			return nil, err
		}
		return nodes, decodeErr
	}
	if couldPrefixNumber(prefix) {
		lo, hi := numberRange(parent)
		if err := o.kv.Ascend(ctx, lo, hi, 0, visit(true)); err != nil {
			return nil, err
		}
		if decodeErr != nil {
			return nil, decodeErr
		}
		if limit > 0 && len(nodes) >= limit {
			return nodes, nil
		}
	}
	lo, hi := stringPrefixRange(parent, prefix)
	remaining := 0
	if limit > 0 {
		remaining = limit - len(nodes)
	}
	if err := o.kv.Ascend(ctx, lo, hi, remaining, visit(false)); err != nil {
		return nil, err
	}
	return nodes, decodeErr
}

func (o *Ordered) GetMany(ctx context.Context, global string, paths [][]string) ([]Value, error) {
	defer o.observe("get_many", time.Now())
	if bg, ok := o.kv.(interface {
		GetKeys(ctx context.Context, keys [][]byte) ([]Value, error)
	}); ok {
		keys := make([][]byte, len(paths))
		for i, p := range paths {
			keys[i] = EncodeKey(global, p...)
		}
		return bg.GetKeys(ctx, keys)
	}
	out := make([]Value, len(paths))
	for i, p := range paths {
		v, ok, err := o.kv.GetKey(ctx, EncodeKey(global, p...))
		if err != nil {
			return nil, err
		}
		out[i] = Value{Value: v, OK: ok}
	}
	return out, nil
}

func (o *Ordered) Ping(ctx context.Context) error {
	if p, ok := o.kv.(Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

func (o *Ordered) Close() error {
	return o.kv.Close()
}

// KV exposes the underlying map to backends that extend Ordered.
func (o *Ordered) KV() KV { return o.kv }

func couldPrefixNumber(prefix string) bool {
	for i := 0; i < len(prefix); i++ {
		c := prefix[i]
		if (c < '0' || c > '9') && c != '.' && c != '-' {
			return false
		}
	}
	return true
}
