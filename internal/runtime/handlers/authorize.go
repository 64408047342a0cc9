package handlers

import (
	"context"
	"fmt"
	"slices"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
)

// AuthorizeHeader allows a step only when header key carries one of allowed.
// With no allowed values the header merely has to be present and non-empty.
func AuthorizeHeader(key string, allowed ...string) AuthorizeFunc {
	return func(_ context.Context, headers runtimepkg.Headers) error {
		values := headers.Values(key)
		if len(allowed) == 0 {
			if slices.ContainsFunc(values, func(v string) bool { return v != "" }) {
				return nil
			}
			return fmt.Errorf("%w: header %q is required", errspkg.ErrUnauthorized, key)
		}
		for _, v := range values {
			if slices.Contains(allowed, v) {
				return nil
			}
		}
		return fmt.Errorf("%w: header %q does not allow this operation", errspkg.ErrUnauthorized, key)
	}
}

// AuthorizeAll combines checks; every one must pass.
func AuthorizeAll(checks ...AuthorizeFunc) AuthorizeFunc {
	return func(ctx context.Context, headers runtimepkg.Headers) error {
		for _, check := range checks {
			if check == nil {
				continue
			}
			if err := check(ctx, headers); err != nil {
				return err
			}
		}
		return nil
	}
}
