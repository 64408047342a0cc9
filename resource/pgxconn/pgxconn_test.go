package pgxconn

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopResource struct{}

func (noopResource) Release() error { return nil }

type failingPool struct{ err error }

func (f failingPool) Acquire(context.Context) (*pgxpool.Conn, error) { return nil, f.err }

func TestFactoryWrapsAcquireError(t *testing.T) {
	_, err := Factory(failingPool{err: assert.AnError})(context.Background())
	require.ErrorIs(t, err, assert.AnError)
	assert.Contains(t, err.Error(), "acquire connection")
}

func TestFactoryUnreachableServer(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, "postgres://chainflow@127.0.0.1:1/chainflow?connect_timeout=1", 2)
	require.NoError(t, err)
	defer pool.Close()
	assert.EqualValues(t, 2, pool.Config().MaxConns)

	_, err = Factory(pool)(ctx)
	require.Error(t, err)
}

func TestNewPoolRejectsBadURL(t *testing.T) {
	_, err := NewPool(context.Background(), "postgres://%zz", 0)
	require.Error(t, err)
}

func TestConnRejectsOtherResources(t *testing.T) {
	_, err := Conn(noopResource{})
	require.ErrorIs(t, err, ErrNotPgx)
	_, err = Conn(&Resource{})
	require.ErrorIs(t, err, ErrNotPgx)

	_, err = Rows("SELECT 1", pgx.RowTo[int])(context.Background(), noopResource{})
	require.ErrorIs(t, err, ErrNotPgx)
}
