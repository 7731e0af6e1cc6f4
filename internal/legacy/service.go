// Package legacy is the FileMan-style call surface: each operation returns
// a Result envelope with a success flag, a payload and readable error
// strings instead of a Go error.
package legacy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/lakeraven/filebot/internal/engine"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// Result is the envelope every call returns.
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`

	err error
}

// Err returns the error behind a failed Result.
func (r Result) Err() error { return r.err }

func ok(data any) Result { return Result{Success: true, Data: data} }

func fail(err error) Result {
	return Result{Errors: fberrors.Messages(err), err: err}
}

// Service adapts the engine to the legacy calls.
type Service struct {
	eng     *engine.Engine
	screens *screens
	logger  *slog.Logger
}

// NewService wraps eng.
func NewService(eng *engine.Engine) *Service {
	return &Service{
		eng:     eng,
		screens: newScreens(256),
		logger:  slog.Default().With("component", "legacy"),
	}
}

// call runs fn and turns a panic into a failed Result.
func (s *Service) call(op string, fn func() Result) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operation panicked", "op", op, "panic", r)
			res = fail(fmt.Errorf("internal error in %s", op))
		}
	}()
	return fn()
}

// SplitFields parses a FileMan field list: ".01;.02;.03", or "*" for all.
func SplitFields(fields string) []string {
	if fields == "" || fields == "*" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(fields, ";") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

// Gets returns fields of a record; flags "I", "E" or both.
func (s *Service) Gets(ctx context.Context, file, ien, fields, flags string) Result {
	return s.call("gets", func() Result {
		vals, err := s.eng.GetFields(ctx, file, ien, SplitFields(fields), engine.ParseFormat(flags))
		if err != nil {
			return fail(err)
		}
		return ok(vals)
	})
}

// Create adds a record and returns its IEN.
func (s *Service) Create(ctx context.Context, file string, data map[string]string) Result {
	return s.call("create", func() Result {
		ien, err := s.eng.Create(ctx, file, data)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]string{"ien": ien})
	})
}

// Update changes fields of an existing record.
func (s *Service) Update(ctx context.Context, file, ien string, data map[string]string) Result {
	return s.call("update", func() Result {
		rec, err := s.eng.Update(ctx, file, ien, data)
		if err != nil {
			return fail(err)
		}
		return ok(rec)
	})
}

// Find searches an index or indexed field.
func (s *Service) Find(ctx context.Context, file, value, field string, limit int) Result {
	return s.call("find", func() Result {
		hits, err := s.eng.Find(ctx, file, value, field, limit)
		if err != nil {
			return fail(err)
		}
		return ok(hits)
	})
}

// List walks a file in IEN order, filtered by a screen expression.
func (s *Service) List(ctx context.Context, file, from, fields string, limit int, screen string) Result {
	return s.call("list", func() Result {
		sc, err := s.screens.compile(ctx, screen)
		if err != nil {
			return fail(err)
		}
		rows, err := s.eng.List(ctx, file, from, SplitFields(fields), limit, sc)
		if err != nil {
			return fail(err)
		}
		return ok(rows)
	})
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, file, ien string) Result {
	return s.call("delete", func() Result {
		if err := s.eng.Delete(ctx, file, ien); err != nil {
			return fail(err)
		}
		return ok(nil)
	})
}

// Lock takes the record lock for timeout seconds; zero uses the default.
func (s *Service) Lock(ctx context.Context, file, ien string, timeout int) Result {
	return s.call("lock", func() Result {
		if err := s.eng.Lock(ctx, file, ien, time.Duration(timeout)*time.Second); err != nil {
			return fail(err)
		}
		info, _ := s.eng.LockStatus(file, ien)
		return ok(info)
	})
}

// Unlock releases the record lock.
func (s *Service) Unlock(ctx context.Context, file, ien string) Result {
	return s.call("unlock", func() Result {
		if err := s.eng.Unlock(ctx, file, ien); err != nil {
			return fail(err)
		}
		return ok(nil)
	})
}

// Summary returns a patient's demographic summary.
func (s *Service) Summary(ctx context.Context, ien string) Result {
	return s.call("summary", func() Result {
		sum, err := s.eng.Summary(ctx, ien)
		if err != nil {
			return fail(err)
		}
		return ok(sum)
	})
}
