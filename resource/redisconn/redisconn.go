// Package redisconn provides a chunk resource holding one dedicated go-redis
// connection.
package redisconn

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	runtimepkg "github.com/drblury/chainflow/internal/runtime"
	"github.com/drblury/chainflow/internal/runtime/handlers"
)

// ErrNotRedis is returned when a handler receives a resource of another kind.
var ErrNotRedis = errors.New("redisconn: resource is not a redis connection")

// Resource holds a connection taken out of the client's pool. Commands on
// it see the same session, including SELECT and WATCH.
type Resource struct {
	Conn *redis.Conn
}

// Release returns the connection to the pool.
func (r *Resource) Release() error {
	return r.Conn.Close()
}

// Factory takes a dedicated connection from client for every chunk and
// checks it with PING.
func Factory(client *redis.Client) runtimepkg.ResourceFactory {
	return func(ctx context.Context) (runtimepkg.Resource, error) {
		conn := client.Conn()
		if err := conn.Ping(ctx).Err(); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("redisconn: acquire connection: %w", err)
		}
		return &Resource{Conn: conn}, nil
	}
}

// Conn returns the connection held by res.
func Conn(res runtimepkg.Resource) (*redis.Conn, error) {
	r, ok := res.(*Resource)
	if !ok || r == nil || r.Conn == nil {
		return nil, ErrNotRedis
	}
	return r.Conn, nil
}

// Source returns a source for handlers.Query that calls fetch on the chunk's
// connection once the chain materializes its result.
func Source[T any](fetch func(ctx context.Context, conn *redis.Conn) ([]T, error)) handlers.SourceFunc[T] {
	return func(_ context.Context, res runtimepkg.Resource) (*handlers.Lazy[T], error) {
		conn, err := Conn(res)
		if err != nil {
			return nil, err
		}
		return handlers.NewLazy(func(ctx context.Context) ([]T, error) {
			return fetch(ctx, conn)
		}), nil
	}
}

// List is a Source over the elements of the list at key.
func List(key string) handlers.SourceFunc[string] {
	return Source(func(ctx context.Context, conn *redis.Conn) ([]string, error) {
		return conn.LRange(ctx, key, 0, -1).Result()
	})
}
