// Package transports imports all built-in transports for auto-registration.
// Import this package to have all transports registered with the default registry.
package transports

import (
	// Import all transports for side-effect registration
	_ "github.com/drblury/chainflow/transport/aws"
	_ "github.com/drblury/chainflow/transport/channel"
	_ "github.com/drblury/chainflow/transport/http"
	_ "github.com/drblury/chainflow/transport/io"
	_ "github.com/drblury/chainflow/transport/jetstream"
	_ "github.com/drblury/chainflow/transport/kafka"
	_ "github.com/drblury/chainflow/transport/nats"
	_ "github.com/drblury/chainflow/transport/postgres"
	_ "github.com/drblury/chainflow/transport/rabbitmq"
	_ "github.com/drblury/chainflow/transport/sqlite"
)
