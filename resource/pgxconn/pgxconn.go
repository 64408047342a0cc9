// Package pgxconn provides a chunk resource holding one pgxpool connection.
package pgxconn

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	"github.com/drblury/chainflow/internal/runtime/handlers"
)

// ErrNotPgx is returned when a handler receives a resource of another kind.
var ErrNotPgx = errors.New("pgxconn: resource is not a pgx connection")

// Acquirer is satisfied by *pgxpool.Pool.
type Acquirer interface {
	Acquire(ctx context.Context) (*pgxpool.Conn, error)
}

// Resource holds a pooled connection for the chains of a chunk.
type Resource struct {
	Conn *pgxpool.Conn
}

// Release returns the connection to the pool.
func (r *Resource) Release() error {
	r.Conn.Release()
	return nil
}

// NewPool parses url and creates a pool. Connections are opened lazily.
func NewPool(ctx context.Context, url string, maxConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("pgxconn: parse url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}
	return pgxpool.NewWithConfig(ctx, cfg)
}

// Factory acquires a connection from pool for every chunk.
func Factory(pool Acquirer) runtimepkg.ResourceFactory {
	return func(ctx context.Context) (runtimepkg.Resource, error) {
		conn, err := pool.Acquire(ctx)
		if err != nil {
			return nil, fmt.Errorf("pgxconn: acquire connection: %w", err)
		}
		return &Resource{Conn: conn}, nil
	}
}

// Conn returns the connection held by res.
func Conn(res runtimepkg.Resource) (*pgxpool.Conn, error) {
	r, ok := res.(*Resource)
	if !ok || r == nil || r.Conn == nil {
		return nil, ErrNotPgx
	}
	return r.Conn, nil
}

// Rows returns a source for handlers.Query that runs query on the chunk's
// connection once the chain materializes its result. Rows can be scanned with
// pgx.RowTo, pgx.RowToStructByName and friends.
func Rows[T any](query string, scan pgx.RowToFunc[T], args ...any) handlers.SourceFunc[T] {
	return func(_ context.Context, res runtimepkg.Resource) (*handlers.Lazy[T], error) {
		conn, err := Conn(res)
		if err != nil {
			return nil, err
		}
		return handlers.NewLazy(func(ctx context.Context) ([]T, error) {
			rows, err := conn.Query(ctx, query, args...)
			if err != nil {
				return nil, err
			}
			return pgx.CollectRows(rows, scan)
		}), nil
	}
}
