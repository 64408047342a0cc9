package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/sqlqueue"
	"github.com/drblury/chainflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	require.True(t, reg.Has(TransportName))
	caps := reg.Capabilities(TransportName)
	assert.Equal(t, Capabilities(), caps)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, caps.SupportsDeadLetter)
}

func TestDSN(t *testing.T) {
	assert.Equal(t, MemoryPath, DSN(MemoryPath))
	assert.Equal(t, "file::memory:?cache=shared", DSN("file::memory:?cache=shared"))
	assert.Equal(t, DefaultFilePath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", DSN(""))
	assert.Equal(t, "q.db?mode=rwc&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", DSN("q.db?mode=rwc"))
}

func TestBuildUsesConfiguredFile(t *testing.T) {
	original := Open
	defer func() { Open = original }()

	var seen string
	Open = func(path string) (*sql.DB, error) {
		seen = path
		return original(MemoryPath)
	}

	path := filepath.Join(t.TempDir(), "queue.db")
	tr, err := Build(context.Background(), &transporttest.Config{SQLiteFile: path}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, path, seen)

	_, ok := tr.Publisher.(*sqlqueue.Queue)
	assert.True(t, ok)
}

func TestBuildAndRoundTrip(t *testing.T) {
	originalConfig := QueueConfig
	defer func() { QueueConfig = originalConfig }()
	QueueConfig = sqlqueue.Config{PollInterval: 5 * time.Millisecond}

	path := filepath.Join(t.TempDir(), "queue.db")
	tr, err := Build(context.Background(), &transporttest.Config{SQLiteFile: path}, watermill.NopLogger{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := tr.Subscriber.Subscribe(ctx, "batches")
	require.NoError(t, err)

	msg := message.NewMessage("m-1", []byte("payload"))
	msg.Metadata.Set("chainflow_batch_id", "b-1")
	require.NoError(t, tr.Publisher.Publish("batches", msg))

	select {
	case got := <-messages:
		assert.Equal(t, "m-1", got.UUID)
		assert.Equal(t, "payload", string(got.Payload))
		assert.Equal(t, "b-1", got.Metadata.Get("chainflow_batch_id"))
		got.Ack()
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}

	cancel()
	require.NoError(t, tr.Close())
}

func TestBuildOpenError(t *testing.T) {
	original := Open
	defer func() { Open = original }()
	Open = func(string) (*sql.DB, error) { return nil, assert.AnError }

	_, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.ErrorIs(t, err, assert.AnError)
}
