// Package transport defines the broker abstraction chainflow uses to receive
// request batches and forward responses. Each backend lives in its own
// sub-package and registers itself with a Registry.
package transport

import (
	"context"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
)

// Metadata keys set on messages that carry chainflow payloads. Transports may
// use them for routing, e.g. as partition keys.
const (
	MetadataBatchID = "chainflow_batch_id"
	MetadataChainID = "chainflow_chain_id"
	MetadataKind    = "chainflow_kind"
)

// Transport combines a publisher and subscriber pair produced by a builder.
type Transport struct {
	Publisher  message.Publisher
	Subscriber message.Subscriber
}

// Close closes the publisher and the subscriber. When both are the same value
// it is closed once.
func (t Transport) Close() error {
	var pubErr, subErr error
	if t.Publisher != nil {
		pubErr = t.Publisher.Close()
	}
	if t.Subscriber != nil && any(t.Subscriber) != any(t.Publisher) {
		subErr = t.Subscriber.Close()
	}
	if pubErr != nil {
		return pubErr
	}
	return subErr
}

// Builder creates a transport from config.
type Builder func(ctx context.Context, cfg Config, logger watermill.LoggerAdapter) (Transport, error)

// Config is the subset of the chainflow configuration transports read.
type Config interface {
	// GetPubSubSystem returns the registered transport name.
	GetPubSubSystem() string

	GetKafkaBrokers() []string
	GetKafkaClientID() string
	GetKafkaConsumerGroup() string

	GetRabbitMQURL() string

	GetNATSURL() string

	GetHTTPServerAddress() string
	GetHTTPPublisherURL() string

	GetIOFile() string

	GetSQLiteFile() string
	GetPostgresURL() string

	GetAWSRegion() string
	GetAWSAccountID() string
	GetAWSAccessKeyID() string
	GetAWSSecretAccessKey() string
	GetAWSEndpoint() string
}

// CapabilitiesProvider is implemented by transports that can report their capabilities.
type CapabilitiesProvider interface {
	Capabilities() Capabilities
}

// DLQManager is implemented by transports that keep a dead letter store.
type DLQManager interface {
	GetDLQCount(topic string) (int64, error)
	ReplayDLQMessage(dlqID int64) error
	ReplayAllDLQ(topic string) (int64, error)
	PurgeDLQ(topic string) (int64, error)
}

// DLQLister is implemented by transports that can list dead letters.
type DLQLister interface {
	ListDLQMessages(topic string, limit, offset int) ([]DLQMessage, error)
}

// DLQMessage is a message in the dead letter store.
type DLQMessage struct {
	ID            int64             `json:"id"`
	UUID          string            `json:"uuid"`
	OriginalTopic string            `json:"original_topic"`
	Payload       []byte            `json:"payload"`
	Metadata      map[string]string `json:"metadata"`
	ErrorMessage  string            `json:"error_message"`
	FailedAt      time.Time         `json:"failed_at"`
	RetryCount    int               `json:"retry_count"`
}

// DeadLetter describes a message that was just moved to the dead letter
// store.
type DeadLetter struct {
	Topic      string
	UUID       string
	RetryCount int
	// Age is the time since the message was first published.
	Age time.Duration
}

// DeadLetterNotifier is implemented by transports that report dead letters
// as they happen.
type DeadLetterNotifier interface {
	OnDeadLetter(fn func(DeadLetter))
}

// QueueIntrospector is implemented by transports that can report queue depth.
type QueueIntrospector interface {
	GetPendingCount(topic string) (int64, error)
}
