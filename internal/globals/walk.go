package globals

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Ref renders a node reference in M syntax, e.g. ^DPT(1,0) or ^DPT("B","SMITH,JOHN",1).
func Ref(global string, subs ...string) string {
	var b strings.Builder
	b.WriteByte('^')
	b.WriteString(global)
	if len(subs) == 0 {
		return b.String()
	}
	b.WriteByte('(')
	for i, s := range subs {
		if i > 0 {
			b.WriteByte(',')
		}
		if IsCanonicalNumber(s) {
			b.WriteString(s)
			continue
		}
		b.WriteString(strconv.Quote(s))
	}
	b.WriteByte(')')
	return b.String()
}

// Children calls fn with each child subscript of path in collation order,
// starting after from ("" for the first). It stops when fn returns false.
func Children(ctx context.Context, s Store, global string, path []string, from string, fn func(sub string) (bool, error)) error {
	subs := append(append(make([]string, 0, len(path)+1), path...), from)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := s.Order(ctx, global, subs...)
		if err != nil {
			return err
		}
		if next == "" {
			return nil
		}
		more, err := fn(next)
		if err != nil || !more {
			return err
		}
		subs[len(subs)-1] = next
	}
}

// TestConnection round-trips a scratch node through s.
func TestConnection(ctx context.Context, s Store) error {
	global := fmt.Sprintf("FILEBOTTEST%d", time.Now().UnixNano())
	want := "ok"
	if err := s.Set(ctx, want, global, "probe"); err != nil {
		return fmt.Errorf("writing probe: %w", err)
	}
	defer s.Kill(ctx, global)
	got, ok, err := s.Get(ctx, global, "probe")
	if err != nil {
		return fmt.Errorf("reading probe: %w", err)
	}
	if !ok || got != want {
		return fmt.Errorf("probe mismatch: got %q", got)
	}
	return nil
}
