package legacy

import (
	"context"
	"fmt"
	"strconv"

	"github.com/PaesslerAG/gval"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/lakeraven/filebot/internal/engine"
	"github.com/lakeraven/filebot/internal/schema"
	fberrors "github.com/lakeraven/filebot/pkg/errors"
)

// Screens are boolean expressions over a record's zero-node, for example
//
//	piece(zero, 2) == "F" && piece(zero, 3) < "2700101"
//
// zero is the raw node and piece(node, n) its n-th caret piece.
var screenLanguage = gval.Full(
	gval.Function("piece", func(args ...any) (any, error) {
		if len(args) != 2 {
			return nil, fmt.Errorf("piece takes 2 arguments, got %d", len(args))
		}
		node, ok := args[0].(string)
		if !ok {
			return nil, fmt.Errorf("piece: node must be a string")
		}
		n, err := pieceNumber(args[1])
		if err != nil {
			return nil, err
		}
		return schema.Piece(node, n), nil
	}),
)

func pieceNumber(v any) (int, error) {
	switch n := v.(type) {
	case float64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	}
	return 0, fmt.Errorf("piece: position must be a number, got %T", v)
}

type screens struct {
	compiled *lru.Cache[string, gval.Evaluable]
}

func newScreens(size int) *screens {
	c, _ := lru.New[string, gval.Evaluable](size)
	return &screens{compiled: c}
}

// compile turns an expression into an engine.Screen. Compiled expressions
// are memoized; the empty expression screens nothing out.
func (s *screens) compile(ctx context.Context, expr string) (engine.Screen, error) {
	if expr == "" {
		return nil, nil
	}
	eval, ok := s.compiled.Get(expr)
	if !ok {
		var err error
		eval, err = screenLanguage.NewEvaluable(expr)
		if err != nil {
			return nil, fmt.Errorf("%w: screen %q: %w", fberrors.ErrInvalidInput, expr, err)
		}
		s.compiled.Add(expr, eval)
	}
	return func(zero string) (bool, error) {
		return eval.EvalBool(ctx, map[string]any{"zero": zero})
	}, nil
}
