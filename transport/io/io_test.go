package io

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func receive(t *testing.T, messages <-chan *message.Message) *message.Message {
	t.Helper()
	select {
	case msg, ok := <-messages:
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
		return nil
	}
}

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	caps := reg.Capabilities(TransportName)
	assert.Equal(t, Capabilities(), caps)
	assert.True(t, caps.SupportsOrdering)
}

func TestBuildUsesConfiguredFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")

	original := PublisherFactory
	defer func() { PublisherFactory = original }()
	var seen string
	PublisherFactory = func(filePath string, logger watermill.LoggerAdapter) (message.Publisher, error) {
		seen = filePath
		return NewPublisher(filePath, logger), nil
	}

	tr, err := Build(context.Background(), &transporttest.Config{IOFile: path}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()
	assert.Equal(t, path, seen)
}

func TestPublishAndSubscribe(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	path := filepath.Join(t.TempDir(), "messages.jsonl")
	pub := NewPublisher(path, nil)
	sub := NewSubscriber(path, nil)

	first := message.NewMessage("m1", []byte(`{"batch":1}`))
	first.Metadata.Set(transport.MetadataBatchID, "b1")
	require.NoError(t, pub.Publish("batches", first))
	require.NoError(t, pub.Publish("other", message.NewMessage("x", []byte("skip"))))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := sub.Subscribe(ctx, "batches")
	require.NoError(t, err)

	got := receive(t, messages)
	assert.Equal(t, "m1", got.UUID)
	assert.Equal(t, `{"batch":1}`, string(got.Payload))
	assert.Equal(t, "b1", got.Metadata.Get(transport.MetadataBatchID))
	got.Ack()

	// Lines appended after subscribing are picked up.
	require.NoError(t, pub.Publish("batches", message.NewMessage("m2", []byte(`{"batch":2}`))))
	got = receive(t, messages)
	assert.Equal(t, "m2", got.UUID)
	got.Ack()

	require.NoError(t, sub.Close())
	_, open := <-messages
	assert.False(t, open)
}

func TestSubscribeSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")
	require.NoError(t, os.WriteFile(path, []byte("not json\n"), 0o600))
	require.NoError(t, NewPublisher(path, nil).Publish("batches", message.NewMessage("ok", nil)))

	sub := NewSubscriber(path, nil)
	defer sub.Close()
	messages, err := sub.Subscribe(context.Background(), "batches")
	require.NoError(t, err)

	got := receive(t, messages)
	assert.Equal(t, "ok", got.UUID)
	got.Ack()
}

func TestClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "messages.jsonl")

	pub := NewPublisher(path, nil)
	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Publish("t", message.NewMessage("m", nil)), ErrClosed)

	sub := NewSubscriber(path, nil)
	require.NoError(t, sub.Close())
	_, err := sub.Subscribe(context.Background(), "t")
	assert.ErrorIs(t, err, ErrClosed)
}
