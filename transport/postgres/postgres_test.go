package postgres

import (
	"context"
	"database/sql"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	for _, name := range []string{TransportName, Alias} {
		require.True(t, reg.Has(name), name)
		caps := reg.Capabilities(name)
		assert.Equal(t, Capabilities(), caps)
		assert.True(t, caps.SupportsCompetingConsumers)
		assert.True(t, caps.SupportsDeadLetter)
	}
}

func TestBuildRequiresURL(t *testing.T) {
	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "URL is required")
}

func TestBuildRejectsInvalidSchema(t *testing.T) {
	original := Schema
	defer func() { Schema = original }()
	Schema = "bad-schema; DROP"

	_, err := Build(context.Background(), &transporttest.Config{PostgresURL: "postgres://localhost/db"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid schema")
}

func TestBuildPassesURLToOpen(t *testing.T) {
	original := Open
	defer func() { Open = original }()

	var seen string
	Open = func(_ context.Context, url string) (*sql.DB, error) {
		seen = url
		return nil, assert.AnError
	}

	_, err := Build(context.Background(), &transporttest.Config{PostgresURL: "postgres://user@db:5432/chainflow"}, watermill.NopLogger{})
	require.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, "postgres://user@db:5432/chainflow", seen)
}
