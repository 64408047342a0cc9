// Package transport connects the runtime configuration to the transport
// registry.
package transport

import (
	"context"
	"errors"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/chainflow/internal/runtime/config"
	"github.com/drblury/chainflow/transport"

	// Register all built-in transports.
	_ "github.com/drblury/chainflow/transport/transports"
)

// Transport is the publisher and subscriber pair used by the Service.
type Transport = transport.Transport

// Capabilities describes what a transport guarantees.
type Capabilities = transport.Capabilities

// Factory abstracts how chainflow initialises message transports.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error)
}

// CapabilityReporter is implemented by factories that know the capabilities
// of what they build.
type CapabilityReporter interface {
	Capabilities(conf *config.Config) Capabilities
}

// DefaultFactory returns a factory backed by transport.DefaultRegistry.
func DefaultFactory() Factory {
	return RegistryFactory(transport.DefaultRegistry)
}

// RegistryFactory returns a factory backed by r.
func RegistryFactory(r *transport.Registry) Factory {
	return registryFactory{registry: r}
}

type registryFactory struct {
	registry *transport.Registry
}

func (f registryFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (Transport, error) {
	if conf == nil {
		return Transport{}, errors.New("config is required")
	}
	return f.registry.Build(ctx, conf, logger)
}

func (f registryFactory) Capabilities(conf *config.Config) Capabilities {
	if conf == nil {
		return Capabilities{}
	}
	return f.registry.Capabilities(conf.GetPubSubSystem())
}

// CapabilitiesOf asks factory for the capabilities of the configured
// transport. Factories that cannot tell report only the name.
func CapabilitiesOf(factory Factory, conf *config.Config) Capabilities {
	if reporter, ok := factory.(CapabilityReporter); ok {
		return reporter.Capabilities(conf)
	}
	if conf == nil {
		return Capabilities{}
	}
	return Capabilities{Name: conf.GetPubSubSystem()}
}
