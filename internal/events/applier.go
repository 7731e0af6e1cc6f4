package events

import (
	"context"
	"log/slog"

	"github.com/lakeraven/filebot/pkg/kafka"
)

// Invalidator drops cached state for a record.
type Invalidator interface {
	Invalidate(ctx context.Context, file, ien string)
}

// Applier turns changes made on other instances into local cache
// invalidations.
type Applier struct {
	target   Invalidator
	instance string
	logger   *slog.Logger
}

// NewApplier creates an Applier that ignores changes published by instance.
func NewApplier(target Invalidator, instance string) *Applier {
	return &Applier{
		target:   target,
		instance: instance,
		logger:   slog.Default().With("component", "change-applier"),
	}
}

// Handle is a kafka.Handler.
func (a *Applier) Handle(ctx context.Context, msg kafka.Message) error {
	if msg.Origin != "" && msg.Origin == a.instance {
		return nil
	}
	c, err := kafka.Decode[Change](msg.Value)
	if err != nil {
		// a malformed message would otherwise be redelivered forever
		a.logger.Warn("skipping undecodable change", "key", msg.Key, "error", err)
		return nil
	}
	if c.Instance == a.instance {
		return nil
	}
	a.target.Invalidate(ctx, c.File, c.IEN)
	a.logger.Debug("applied remote change", "file", c.File, "ien", c.IEN, "op", c.Op, "from", c.Instance)
	return nil
}
