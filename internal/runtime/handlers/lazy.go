package handlers

import (
	"context"
	"sync"
)

// Lazy is a deferred sequence of T. Nothing runs until Items or Materialize
// is called; the result is computed once and reused afterwards.
type Lazy[T any] struct {
	produce func(ctx context.Context) ([]T, error)

	once  sync.Once
	items []T
	err   error
}

// NewLazy wraps produce.
func NewLazy[T any](produce func(ctx context.Context) ([]T, error)) *Lazy[T] {
	return &Lazy[T]{produce: produce}
}

// FromSlice returns an already evaluated Lazy over items.
func FromSlice[T any](items []T) *Lazy[T] {
	l := &Lazy[T]{items: items}
	l.once.Do(func() {})
	return l
}

// Items evaluates the sequence.
func (l *Lazy[T]) Items(ctx context.Context) ([]T, error) {
	l.once.Do(func() {
		if l.produce == nil {
			return
		}
		l.items, l.err = l.produce(ctx)
		l.produce = nil
	})
	return l.items, l.err
}

// Materialize implements runtime.Materializable and returns a []T.
func (l *Lazy[T]) Materialize(ctx context.Context) (any, error) {
	items, err := l.Items(ctx)
	if err != nil {
		return nil, err
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// Filter keeps the items for which keep returns true.
func Filter[T any](src *Lazy[T], keep func(T) bool) *Lazy[T] {
	return NewLazy(func(ctx context.Context) ([]T, error) {
		items, err := src.Items(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]T, 0, len(items))
		for _, item := range items {
			if keep(item) {
				out = append(out, item)
			}
		}
		return out, nil
	})
}

// Map converts every item with fn. The first error stops evaluation.
func Map[T, U any](src *Lazy[T], fn func(T) (U, error)) *Lazy[U] {
	return NewLazy(func(ctx context.Context) ([]U, error) {
		items, err := src.Items(ctx)
		if err != nil {
			return nil, err
		}
		out := make([]U, 0, len(items))
		for _, item := range items {
			u, err := fn(item)
			if err != nil {
				return nil, err
			}
			out = append(out, u)
		}
		return out, nil
	})
}

// Take keeps at most n items.
func Take[T any](src *Lazy[T], n int) *Lazy[T] {
	return NewLazy(func(ctx context.Context) ([]T, error) {
		items, err := src.Items(ctx)
		if err != nil {
			return nil, err
		}
		if n < 0 {
			n = 0
		}
		if n < len(items) {
			items = items[:n]
		}
		return items, nil
	})
}
