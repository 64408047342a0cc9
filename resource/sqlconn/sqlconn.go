// Package sqlconn provides a chunk resource holding one database/sql
// connection.
package sqlconn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	"github.com/drblury/chainflow/internal/runtime/handlers"
)

// ErrNotSQL is returned when a handler receives a resource of another kind.
var ErrNotSQL = errors.New("sqlconn: resource is not a SQL connection")

// Resource pins one connection of a pool for the chains of a chunk, so they
// observe the same session state.
type Resource struct {
	Conn *sql.Conn
}

// Release returns the connection to the pool.
func (r *Resource) Release() error {
	return r.Conn.Close()
}

// Factory acquires a connection from db for every chunk.
func Factory(db *sql.DB) runtimepkg.ResourceFactory {
	return func(ctx context.Context) (runtimepkg.Resource, error) {
		conn, err := db.Conn(ctx)
		if err != nil {
			return nil, fmt.Errorf("sqlconn: acquire connection: %w", err)
		}
		return &Resource{Conn: conn}, nil
	}
}

// Conn returns the connection held by res.
func Conn(res runtimepkg.Resource) (*sql.Conn, error) {
	r, ok := res.(*Resource)
	if !ok || r == nil || r.Conn == nil {
		return nil, ErrNotSQL
	}
	return r.Conn, nil
}

// ScanFunc reads the current row.
type ScanFunc[T any] func(rows *sql.Rows) (T, error)

// Rows returns a source for handlers.Query that runs query on the chunk's
// connection once the chain materializes its result.
func Rows[T any](query string, scan ScanFunc[T], args ...any) handlers.SourceFunc[T] {
	return func(_ context.Context, res runtimepkg.Resource) (*handlers.Lazy[T], error) {
		conn, err := Conn(res)
		if err != nil {
			return nil, err
		}
		return handlers.NewLazy(func(ctx context.Context) ([]T, error) {
			return Query(ctx, conn, query, scan, args...)
		}), nil
	}
}

// Query runs query on conn and scans every row.
func Query[T any](ctx context.Context, conn *sql.Conn, query string, scan ScanFunc[T], args ...any) ([]T, error) {
	rows, err := conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []T
	for rows.Next() {
		item, err := scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
