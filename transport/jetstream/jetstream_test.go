package jetstream

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/nats-io/nats.go"
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
	assert.Equal(t, "jetstream", caps.Name)
	assert.True(t, caps.ReliableDelivery())
}

func TestBuildConnectError(t *testing.T) {
	original := Connect
	defer func() { Connect = original }()

	var url string
	Connect = func(u string) (*nats.Conn, error) {
		url = u
		return nil, errors.New("no servers available")
	}

	_, err := Build(context.Background(), &transporttest.Config{NATSURL: "nats://broker:4222"}, watermill.NopLogger{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no servers available")
	assert.Equal(t, "nats://broker:4222", url)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultStreamName, cfg.StreamName)
	assert.Equal(t, DefaultMaxDeliver, cfg.MaxDeliver)
	assert.Equal(t, DefaultAckWait, cfg.AckWait)
	assert.Equal(t, 1, cfg.Replicas)

	custom := Config{StreamName: "S", MaxDeliver: 9, AckWait: time.Second, Replicas: 3}.withDefaults()
	assert.Equal(t, "S", custom.StreamName)
	assert.Equal(t, 9, custom.MaxDeliver)
	assert.Equal(t, time.Second, custom.AckWait)
	assert.Equal(t, 3, custom.Replicas)
}

func TestStreamConfig(t *testing.T) {
	tests := map[string]nats.RetentionPolicy{
		"":          nats.LimitsPolicy,
		"limits":    nats.LimitsPolicy,
		"interest":  nats.InterestPolicy,
		"workqueue": nats.WorkQueuePolicy,
	}
	for policy, want := range tests {
		t.Run(policy, func(t *testing.T) {
			sc := Config{RetentionPolicy: policy}.withDefaults().streamConfig()
			assert.Equal(t, want, sc.Retention)
			assert.Equal(t, []string{"CHAINFLOW.>"}, sc.Subjects)
			assert.Equal(t, DefaultMaxAge, sc.MaxAge)
		})
	}
}

func TestConsumerConfig(t *testing.T) {
	cc := Config{}.withDefaults().consumerConfig("orders.batches")
	assert.Equal(t, "chainflow_orders_batches", cc.Durable)
	assert.Equal(t, "CHAINFLOW.orders.batches", cc.FilterSubject)
	assert.Equal(t, nats.AckExplicitPolicy, cc.AckPolicy)
	assert.Equal(t, DefaultMaxDeliver, cc.MaxDeliver)
}

func TestMessageConversion(t *testing.T) {
	msg := message.NewMessage("01HZX", []byte(`{"id":"r1"}`))
	msg.Metadata.Set(transport.MetadataBatchID, "b1")

	natsMsg := toNATS("CHAINFLOW.responses", msg)
	assert.Equal(t, "CHAINFLOW.responses", natsMsg.Subject)
	assert.Equal(t, "01HZX", natsMsg.Header.Get(HeaderUUID))

	back := toWatermill(natsMsg)
	assert.Equal(t, "01HZX", back.UUID)
	assert.Equal(t, msg.Payload, back.Payload)
	assert.Equal(t, "b1", back.Metadata.Get(transport.MetadataBatchID))
	assert.Empty(t, back.Metadata.Get(HeaderUUID))
}

func TestToWatermillGeneratesUUID(t *testing.T) {
	msg := toWatermill(&nats.Msg{Data: []byte("x"), Header: nats.Header{}})
	assert.NotEmpty(t, msg.UUID)
}
