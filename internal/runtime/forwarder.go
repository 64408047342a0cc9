package runtime

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ThreeDotsLabs/watermill/message"

	configpkg "github.com/drblury/chainflow/internal/runtime/config"
	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/chainflow/internal/runtime/logging"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/transport"
)

// Values of the transport.MetadataKind metadata key.
const (
	KindBatch     = "batch"
	KindResponse  = "response"
	KindCompleted = "completed"
	KindFailed    = "failed"
)

// BatchCompletion is the payload of the marker published after the last
// Response of a batch.
type BatchCompletion struct {
	BatchID   string `json:"batchId"`
	Responses int    `json:"responses"`
	Error     string `json:"error,omitempty"`
}

// ResponseForwarderConfig configures a ResponseForwarder.
type ResponseForwarderConfig struct {
	Publisher message.Publisher
	Topic     string
	// Encoding is "json" or "protojson"; empty means json.
	Encoding string
	BatchID  string
	// Headers are copied onto every published message.
	Headers Headers
	Logger  loggingpkg.ServiceLogger
	// SkipCompletion suppresses the BatchCompletion marker. Used for
	// forwarders of fire-and-forget chunks, whose batch already completed.
	SkipCompletion bool
}

// ResponseForwarder is an Observer that publishes each Response it receives
// to a topic, followed by a BatchCompletion marker on OnCompleted or OnError.
//
// Publishing order is not delivery order: transports such as the in-memory
// channel may hand the marker to a subscriber before some Responses. A
// consumer must wait until it has the marker and BatchCompletion.Responses
// responses for the batch, correlating them by the chain id metadata.
type ResponseForwarder struct {
	cfg ResponseForwarderConfig

	forwarded atomic.Int64
	mu        sync.Mutex
	err       error
}

var _ Observer = (*ResponseForwarder)(nil)

// NewResponseForwarder validates cfg and returns a forwarder.
func NewResponseForwarder(cfg ResponseForwarderConfig) (*ResponseForwarder, error) {
	if cfg.Publisher == nil {
		return nil, errspkg.ErrPublisherRequired
	}
	if cfg.Topic == "" {
		return nil, errspkg.ErrTopicRequired
	}
	cfg.Encoding = normalizeEncoding(cfg.Encoding)
	if cfg.Encoding != configpkg.EncodingJSON && cfg.Encoding != configpkg.EncodingProtoJSON {
		return nil, fmt.Errorf("%w: %q", errspkg.ErrUnknownEncoding, cfg.Encoding)
	}
	if cfg.Logger == nil {
		cfg.Logger = loggingpkg.NewNopServiceLogger()
	}
	return &ResponseForwarder{cfg: cfg}, nil
}

func (f *ResponseForwarder) OnNext(resp Response) {
	payload, err := EncodeResponse(resp, f.cfg.Encoding)
	if err != nil {
		f.fail(fmt.Errorf("encode response %s: %w", resp.ID, err))
		return
	}
	if f.publish(payload, KindResponse, resp.ID) {
		f.forwarded.Add(1)
	}
}

func (f *ResponseForwarder) OnError(err error) {
	f.complete(KindFailed, err)
}

func (f *ResponseForwarder) OnCompleted() {
	f.complete(KindCompleted, nil)
}

func (f *ResponseForwarder) complete(kind string, cause error) {
	if f.cfg.SkipCompletion {
		return
	}
	marker := BatchCompletion{BatchID: f.cfg.BatchID, Responses: f.Forwarded()}
	if cause != nil {
		marker.Error = cause.Error()
	}
	payload, err := jsoncodec.Marshal(marker)
	if err != nil {
		f.fail(fmt.Errorf("encode completion of batch %s: %w", f.cfg.BatchID, err))
		return
	}
	f.publish(payload, kind, "")
}

func (f *ResponseForwarder) publish(payload []byte, kind, chainID string) bool {
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	metadatapkg.CopyToWatermill(msg, f.cfg.Headers)
	msg.Metadata.Set(transport.MetadataKind, kind)
	if f.cfg.BatchID != "" {
		msg.Metadata.Set(transport.MetadataBatchID, f.cfg.BatchID)
	}
	if chainID != "" {
		msg.Metadata.Set(transport.MetadataChainID, chainID)
	}

	if err := f.cfg.Publisher.Publish(f.cfg.Topic, msg); err != nil {
		f.fail(fmt.Errorf("publish %s to %s: %w", kind, f.cfg.Topic, err))
		return false
	}
	return true
}

func (f *ResponseForwarder) fail(err error) {
	f.cfg.Logger.Error("Failed to forward", err, loggingpkg.LogFields{
		"batch_id": f.cfg.BatchID,
		"topic":    f.cfg.Topic,
	})
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err == nil {
		f.err = err
	}
}

// Forwarded returns how many Responses were published.
func (f *ResponseForwarder) Forwarded() int {
	return int(f.forwarded.Load())
}

// Err returns the first encode or publish failure.
func (f *ResponseForwarder) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
