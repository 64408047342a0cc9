package transport

import (
	"context"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/chainflow/internal/runtime/config"
	roottransport "github.com/drblury/chainflow/transport"
	"github.com/drblury/chainflow/transport/transporttest"
)

func TestDefaultFactoryBuildsChannel(t *testing.T) {
	factory := DefaultFactory()

	tr, err := factory.Build(context.Background(), &config.Config{PubSubSystem: "channel"}, watermill.NopLogger{})
	require.NoError(t, err)
	defer tr.Close()

	assert.NotNil(t, tr.Publisher)
	assert.NotNil(t, tr.Subscriber)
}

func TestDefaultFactoryRegistersBuiltins(t *testing.T) {
	for _, name := range []string{"aws", "channel", "http", "io", "jetstream", "kafka", "nats", "rabbitmq"} {
		assert.True(t, roottransport.DefaultRegistry.Has(name), name)
	}
}

func TestFactoryBuildErrors(t *testing.T) {
	factory := DefaultFactory()

	_, err := factory.Build(context.Background(), nil, nil)
	assert.EqualError(t, err, "config is required")

	_, err = factory.Build(context.Background(), &config.Config{PubSubSystem: "carrier-pigeon"}, nil)
	assert.ErrorIs(t, err, roottransport.ErrUnknownTransport)
}

func TestRegistryFactory(t *testing.T) {
	pub, sub := &transporttest.Publisher{}, &transporttest.Subscriber{}
	reg := roottransport.NewRegistry()
	reg.RegisterWithCapabilities("fake", func(context.Context, roottransport.Config, watermill.LoggerAdapter) (roottransport.Transport, error) {
		return roottransport.Transport{Publisher: pub, Subscriber: sub}, nil
	}, roottransport.Capabilities{Name: "fake", SupportsOrdering: true})

	factory := RegistryFactory(reg)
	conf := &config.Config{PubSubSystem: "fake"}

	tr, err := factory.Build(context.Background(), conf, nil)
	require.NoError(t, err)
	assert.Same(t, pub, tr.Publisher)

	caps := CapabilitiesOf(factory, conf)
	assert.True(t, caps.SupportsOrdering)
	assert.Equal(t, Capabilities{}, CapabilitiesOf(factory, nil))
}

type bareFactory struct{}

func (bareFactory) Build(context.Context, *config.Config, watermill.LoggerAdapter) (Transport, error) {
	return Transport{}, nil
}

func TestCapabilitiesOfUnknownFactory(t *testing.T) {
	caps := CapabilitiesOf(bareFactory{}, &config.Config{PubSubSystem: "custom"})
	assert.Equal(t, Capabilities{Name: "custom"}, caps)
}
