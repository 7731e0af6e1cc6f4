// Package events publishes record changes to Kafka and applies changes
// published by other instances to the local caches.
package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lakeraven/filebot/pkg/kafka"
	"github.com/lakeraven/filebot/pkg/metrics"
)

// Change is one committed write.
type Change struct {
	Instance string    `json:"instance"`
	File     string    `json:"file"`
	IEN      string    `json:"ien"`
	Op       string    `json:"op"`
	At       time.Time `json:"at"`
}

// Key partitions changes by record.
func (c Change) Key() string { return c.File + "," + c.IEN }

// Publisher is the producer side of the change stream.
type Publisher interface {
	Publish(ctx context.Context, events ...kafka.Event) error
}

const maxBatch = 100

// Notifier queues changes and publishes them in the background. Writes
// never wait on the broker: a full queue drops the change.
type Notifier struct {
	pub      Publisher
	instance string
	metrics  *metrics.Metrics
	now      func() time.Time
	logger   *slog.Logger

	mu     sync.RWMutex
	closed bool
	ch     chan Change
	done   chan struct{}
}

// NewNotifier creates a Notifier with room for bufferSize pending changes.
func NewNotifier(pub Publisher, instance string, bufferSize int, m *metrics.Metrics) *Notifier {
	if bufferSize <= 0 {
		bufferSize = 10000
	}
	return &Notifier{
		pub:      pub,
		instance: instance,
		metrics:  m,
		now:      time.Now,
		logger:   slog.Default().With("component", "change-notifier"),
		ch:       make(chan Change, bufferSize),
		done:     make(chan struct{}),
	}
}

// RecordChanged queues a change for publication.
func (n *Notifier) RecordChanged(_ context.Context, file, ien, op string) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return
	}
	select {
	case n.ch <- Change{Instance: n.instance, File: file, IEN: ien, Op: op, At: n.now().UTC()}:
	default:
		n.metrics.EventPublished("dropped")
		n.logger.Warn("change dropped, queue full", "file", file, "ien", ien, "op", op)
	}
}

// Start publishes queued changes until ctx is done or Close is called.
func (n *Notifier) Start(ctx context.Context) {
	go func() {
		defer close(n.done)
		for {
			select {
			case c, ok := <-n.ch:
				if !ok {
					return
				}
				n.publish(ctx, n.batch(c))
			case <-ctx.Done():
				n.drain()
				return
			}
		}
	}()
	n.logger.Info("change notifier started", "buffer_size", cap(n.ch))
}

// batch collects whatever else is already queued behind first.
func (n *Notifier) batch(first Change) []Change {
	out := []Change{first}
	for len(out) < maxBatch {
		select {
		case c, ok := <-n.ch:
			if !ok {
				return out
			}
			out = append(out, c)
		default:
			return out
		}
	}
	return out
}

func (n *Notifier) publish(ctx context.Context, changes []Change) {
	evs := make([]kafka.Event, len(changes))
	for i, c := range changes {
		evs[i] = kafka.Event{Key: c.Key(), Value: c, Origin: c.Instance}
	}
	outcome := "ok"
	if err := n.pub.Publish(ctx, evs...); err != nil {
		outcome = "error"
		n.logger.Error("publishing changes", "count", len(changes), "error", err)
	}
	for range changes {
		n.metrics.EventPublished(outcome)
	}
}

func (n *Notifier) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		select {
		case c, ok := <-n.ch:
			if !ok {
				return
			}
			n.publish(ctx, n.batch(c))
		default:
			return
		}
	}
}

// Close stops accepting changes and waits for the queue to be published.
// Start must have been called.
func (n *Notifier) Close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.ch)
	n.mu.Unlock()
	<-n.done
}
