package channel

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func TestRegister(t *testing.T) {
	reg := transport.NewRegistry()
	Register(reg)

	caps := reg.Capabilities(TransportName)
	assert.Equal(t, Capabilities(), caps)
	assert.True(t, caps.SupportsOrdering)
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
}

func TestBuildDeliversMessages(t *testing.T) {
	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	messages, err := tr.Subscriber.Subscribe(ctx, "batches")
	require.NoError(t, err)

	require.NoError(t, tr.Publisher.Publish("batches", message.NewMessage("m1", []byte(`{"requests":[]}`))))

	select {
	case msg := <-messages:
		assert.Equal(t, "m1", msg.UUID)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("message not delivered")
	}
}

func TestBuildUsesFactory(t *testing.T) {
	original := Factory
	defer func() { Factory = original }()

	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	var seen gochannel.Config
	Factory = func(cfg gochannel.Config, _ watermill.LoggerAdapter) (message.Publisher, message.Subscriber) {
		seen = cfg
		return pub, sub
	}

	tr, err := Build(context.Background(), &transporttest.Config{}, watermill.NopLogger{})
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)
	assert.Same(t, sub, tr.Subscriber)
	assert.Equal(t, int64(OutputBuffer), seen.OutputChannelBuffer)
}
