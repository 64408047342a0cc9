package transport

// Capabilities describes what a transport guarantees to chainflow.
type Capabilities struct {
	Name string

	// SupportsOrdering is set when messages published to one topic, or one
	// partition of it, are delivered in publish order. Without it responses
	// of a batch may reach consumers out of completion order.
	SupportsOrdering bool

	// SupportsPartitioning is set when the transport routes by a key taken
	// from MetadataBatchID, keeping the responses of one batch together.
	SupportsPartitioning bool

	// SupportsAck and SupportsNack describe explicit acknowledgement.
	SupportsAck  bool
	SupportsNack bool

	// SupportsCompetingConsumers is set when several service replicas can
	// share one batch topic, each batch going to exactly one of them.
	SupportsCompetingConsumers bool

	// SupportsDeadLetter is set when messages that keep failing are moved to
	// a dead letter store the transport can count, list and replay.
	SupportsDeadLetter bool

	// MaxMessageSize in bytes, 0 when unknown.
	MaxMessageSize int64
}

// ReliableDelivery reports at-least-once delivery of batches.
func (c Capabilities) ReliableDelivery() bool {
	return c.SupportsAck && c.SupportsNack
}

// Fits reports whether a payload of size bytes can be published.
func (c Capabilities) Fits(size int) bool {
	return c.MaxMessageSize <= 0 || int64(size) <= c.MaxMessageSize
}

var (
	ChannelCapabilities = Capabilities{
		Name:             "channel",
		SupportsOrdering: true,
		SupportsAck:      true,
		SupportsNack:     true,
	}

	KafkaCapabilities = Capabilities{
		Name:                       "kafka",
		SupportsOrdering:           true,
		SupportsPartitioning:       true,
		SupportsAck:                true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1 << 20,
	}

	RabbitMQCapabilities = Capabilities{
		Name:                       "rabbitmq",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
	}

	NATSCapabilities = Capabilities{
		Name:                       "nats",
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1 << 20,
	}

	JetStreamCapabilities = Capabilities{
		Name:                       "jetstream",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             1 << 20,
	}

	AWSCapabilities = Capabilities{
		Name:                       "aws",
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		MaxMessageSize:             256 << 10,
	}

	HTTPCapabilities = Capabilities{
		Name: "http",
	}

	IOCapabilities = Capabilities{
		Name:             "io",
		SupportsOrdering: true,
	}

	SQLiteCapabilities = Capabilities{
		Name:               "sqlite",
		SupportsOrdering:   true,
		SupportsAck:        true,
		SupportsNack:       true,
		SupportsDeadLetter: true,
	}

	PostgresCapabilities = Capabilities{
		Name:                       "postgres",
		SupportsOrdering:           true,
		SupportsAck:                true,
		SupportsNack:               true,
		SupportsCompetingConsumers: true,
		SupportsDeadLetter:         true,
	}
)
