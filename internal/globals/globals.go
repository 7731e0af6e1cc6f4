// Package globals defines the contract between the engine and a
// hierarchical global store: sparse, ordered trees of string values
// addressed by a global name and a subscript path.
//
// Every backend stores nodes in one ordered key space produced by
// EncodeKey, so collation (canonical numbers first, in numeric order, then
// strings bytewise) is identical no matter where the data lives.
package globals

import (
	"context"
	"errors"
	"time"
)

// $DATA results.
const (
	DataNone        = 0
	DataValue       = 1
	DataChildren    = 10
	DataValueAndSub = 11
)

var ErrEmptySubscript = errors.New("empty subscript")

// Store is the primitive surface every adapter provides.
type Store interface {
	// Get returns the value at a node and whether the node holds one.
	Get(ctx context.Context, global string, subs ...string) (string, bool, error)
	// Set stores value at a node. An empty value is stored, not deleted.
	Set(ctx context.Context, value string, global string, subs ...string) error
	// Kill removes a node and everything below it.
	Kill(ctx context.Context, global string, subs ...string) error
	// Order returns the next sibling subscript after the last element of
	// subs, or "" when there is none. An empty last element starts at the
	// first child.
	Order(ctx context.Context, global string, subs ...string) (string, error)
	// Data reports DataNone, DataValue, DataChildren or DataValueAndSub.
	Data(ctx context.Context, global string, subs ...string) (int, error)
}

// Conn is one checked-out session against a backend.
type Conn interface {
	Store
	Close() error
}

// Dialer opens a new Conn.
type Dialer func(ctx context.Context) (Conn, error)

// Node is one leaf returned by a structured scan. Subs is relative to the
// scanned path.
type Node struct {
	Subs  []string
	Value string
}

// Scanner is implemented by connections able to answer structured range
// queries in one round trip.
type Scanner interface {
	// Scan returns value-bearing nodes below path whose first relative
	// subscript starts with prefix, in collation order, at most limit
	// nodes (0 means no limit).
	Scan(ctx context.Context, global string, path []string, prefix string, limit int) ([]Node, error)
	// GetMany fetches several nodes at once. Missing nodes come back with
	// ok=false in the matching slot.
	GetMany(ctx context.Context, global string, paths [][]string) ([]Value, error)
}

// Value is one GetMany slot.
type Value struct {
	Value string
	OK    bool
}

// Locker is implemented by connections with native record locks.
type Locker interface {
	LockNode(ctx context.Context, global string, subs []string, timeout time.Duration) (bool, error)
	UnlockNode(ctx context.Context, global string, subs []string) error
}

// Pinger is implemented by connections that can check liveness cheaply.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Capabilities describes what an adapter can do natively.
type Capabilities struct {
	Transactions bool `json:"transactions"`
	Locking      bool `json:"locking"`
	Bulk         bool `json:"bulk"`
}

// CapabilityReporter lets a connection advertise Capabilities explicitly.
type CapabilityReporter interface {
	Capabilities() Capabilities
}

// CapabilitiesOf inspects c.
func CapabilitiesOf(c Store) Capabilities {
	if r, ok := c.(CapabilityReporter); ok {
		return r.Capabilities()
	}
	_, bulk := c.(Scanner)
	_, lock := c.(Locker)
	return Capabilities{Bulk: bulk, Locking: lock}
}

func checkSubs(subs []string) error {
	for _, s := range subs {
		if s == "" {
			return ErrEmptySubscript
		}
	}
	return nil
}
