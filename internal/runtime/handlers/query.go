package handlers

import (
	"context"
	"fmt"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// SourceFunc opens the default collection of T on a resource. It is used when
// a query is the first step of a chain.
type SourceFunc[T any] func(ctx context.Context, resource runtimepkg.Resource) (*Lazy[T], error)

// QueryFunc refines a sequence of T.
type QueryFunc[T any] func(ctx context.Context, base *Base, in *Lazy[T]) (*Lazy[T], error)

// QueryHandler runs a QueryFunc over the incoming sequence. A nil payload
// starts from the resource's default source; a []T or *Lazy[T] payload
// continues from the previous step.
type QueryHandler[T any] struct {
	Base
	Source SourceFunc[T]
	Apply  QueryFunc[T]
}

func (h *QueryHandler[T]) Execute(ctx context.Context, payload any) (any, error) {
	var in *Lazy[T]
	switch p := payload.(type) {
	case nil:
		if h.Source == nil {
			return nil, fmt.Errorf("%w: %s has no default source", errspkg.ErrPayloadType, h.Request.Operation)
		}
		src, err := h.Source(ctx, h.Resource)
		if err != nil {
			return nil, err
		}
		in = src
	case *Lazy[T]:
		in = p
	case []T:
		in = FromSlice(p)
	default:
		var zero T
		return nil, fmt.Errorf("%w: got %T, want []%T", errspkg.ErrPayloadType, payload, zero)
	}

	if h.Apply == nil {
		return in, nil
	}
	return h.Apply(ctx, &h.Base, in)
}

// Query returns a constructor producing a fresh QueryHandler per step. A nil
// apply passes the sequence through unchanged.
func Query[T any](source SourceFunc[T], apply QueryFunc[T], opts ...Option) runtimepkg.Constructor {
	return func(args []any) (runtimepkg.Handler, error) {
		return &QueryHandler[T]{Base: NewBase(opts...), Source: source, Apply: apply}, nil
	}
}
