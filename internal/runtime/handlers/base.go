// Package handlers provides building blocks for chain step handlers: a Base
// that records what the step was set up with, typed steps, lazy sequences
// and queries over a resource's default source.
package handlers

import (
	"context"
	"fmt"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// AuthorizeFunc inspects the request headers of a step.
type AuthorizeFunc func(ctx context.Context, headers runtimepkg.Headers) error

// Option configures a handler built by this package.
type Option func(*Base)

// WithAuthorize installs fn as the handler's Authorize phase.
func WithAuthorize(fn AuthorizeFunc) Option {
	return func(b *Base) {
		b.authorize = fn
	}
}

// Base implements Setup by storing the resource and request, and Authorize by
// allowing everything unless an AuthorizeFunc was installed. Embed it and
// implement Execute.
type Base struct {
	Resource runtimepkg.Resource
	Request  runtimepkg.Request

	authorize AuthorizeFunc
}

// NewBase applies opts to a fresh Base.
func NewBase(opts ...Option) Base {
	var b Base
	for _, opt := range opts {
		if opt != nil {
			opt(&b)
		}
	}
	return b
}

func (b *Base) Setup(_ context.Context, resource runtimepkg.Resource, req runtimepkg.Request) error {
	b.Resource = resource
	b.Request = req
	return nil
}

func (b *Base) Authorize(ctx context.Context, headers runtimepkg.Headers) error {
	if b.authorize == nil {
		return nil
	}
	return b.authorize(ctx, headers)
}

// Args returns the arguments of the request the handler was set up with.
func (b *Base) Args() []any {
	return b.Request.Args
}

// Arg returns the argument at index i converted to T.
func Arg[T any](b *Base, i int) (T, error) {
	var zero T
	if i < 0 || i >= len(b.Request.Args) {
		return zero, fmt.Errorf("%w: %s needs argument %d, got %d", errspkg.ErrMissingArgument, b.Request.Operation, i, len(b.Request.Args))
	}
	v, ok := b.Request.Args[i].(T)
	if !ok {
		return zero, fmt.Errorf("%w: argument %d of %s is %T, want %T", errspkg.ErrPayloadType, i, b.Request.Operation, b.Request.Args[i], zero)
	}
	return v, nil
}

// ResourceAs returns the step's resource as R.
func ResourceAs[R any](b *Base) (R, error) {
	r, ok := b.Resource.(R)
	if !ok {
		var zero R
		return zero, fmt.Errorf("%w: resource is %T, want %T", errspkg.ErrPayloadType, b.Resource, zero)
	}
	return r, nil
}
