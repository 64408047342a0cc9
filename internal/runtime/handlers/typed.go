package handlers

import (
	"context"
	"fmt"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// TypedFunc is the body of a step that consumes a T and produces an S.
type TypedFunc[T, S any] func(ctx context.Context, base *Base, in T) (S, error)

// TypedHandler casts the incoming payload to T before calling Run. A nil
// payload is passed as the zero T.
type TypedHandler[T, S any] struct {
	Base
	Run TypedFunc[T, S]
}

func (h *TypedHandler[T, S]) Execute(ctx context.Context, payload any) (any, error) {
	in, err := cast[T](payload)
	if err != nil {
		return nil, err
	}
	return h.Run(ctx, &h.Base, in)
}

// Typed returns a constructor producing a fresh TypedHandler per step.
func Typed[T, S any](run TypedFunc[T, S], opts ...Option) runtimepkg.Constructor {
	return func(args []any) (runtimepkg.Handler, error) {
		if run == nil {
			return nil, errspkg.ErrNilHandler
		}
		return &TypedHandler[T, S]{Base: NewBase(opts...), Run: run}, nil
	}
}

// Func returns a constructor for an untyped step body.
func Func(run func(ctx context.Context, base *Base, payload any) (any, error), opts ...Option) runtimepkg.Constructor {
	return Typed[any, any](run, opts...)
}

func cast[T any](payload any) (T, error) {
	var zero T
	if payload == nil {
		return zero, nil
	}
	in, ok := payload.(T)
	if !ok {
		return zero, fmt.Errorf("%w: got %T, want %T", errspkg.ErrPayloadType, payload, zero)
	}
	return in, nil
}
