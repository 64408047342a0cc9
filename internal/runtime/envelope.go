package runtime

import (
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"

	errspkg "github.com/drblury/chainflow/internal/runtime/errors"
	idspkg "github.com/drblury/chainflow/internal/runtime/ids"
	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
	"github.com/drblury/chainflow/transport"
)

// BatchEnvelope is the message payload consumed by Service batch consumers.
type BatchEnvelope struct {
	BatchID  string    `json:"batchId,omitempty"`
	Requests []Request `json:"requests"`
	Headers  Headers   `json:"headers,omitempty"`
	// Sync runs the chunks one at a time, in order.
	Sync bool `json:"sync,omitempty"`
}

// UnprocessableBatchError marks a batch message that can never succeed, such
// as one whose payload does not decode. It is not retried.
type UnprocessableBatchError struct {
	MessageUUID string
	Err         error
}

func (e *UnprocessableBatchError) Error() string {
	return fmt.Sprintf("unprocessable batch message %s: %v", e.MessageUUID, e.Err)
}

func (e *UnprocessableBatchError) Unwrap() error {
	return e.Err
}

// IsUnprocessable reports whether err wraps an UnprocessableBatchError.
func IsUnprocessable(err error) bool {
	var target *UnprocessableBatchError
	return errors.As(err, &target)
}

// NewBatchMessage encodes env as a message for a batch topic. A missing
// BatchID is generated. Headers travel in the payload; the batch id is also
// set as metadata so partitioning transports keep a batch together.
func NewBatchMessage(env BatchEnvelope) (*message.Message, error) {
	if env.BatchID == "" {
		env.BatchID = idspkg.CreateULID()
	}
	payload, err := jsoncodec.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode batch %s: %w", env.BatchID, err)
	}
	msg := message.NewMessage(idspkg.CreateULID(), payload)
	msg.Metadata.Set(transport.MetadataBatchID, env.BatchID)
	msg.Metadata.Set(transport.MetadataKind, KindBatch)
	return msg, nil
}

// DecodeBatchMessage reads a BatchEnvelope from msg. Headers carried as
// message metadata are merged under the payload headers. The batch id falls
// back to the metadata value, then to the message UUID.
func DecodeBatchMessage(msg *message.Message) (BatchEnvelope, error) {
	var env BatchEnvelope
	if len(msg.Payload) == 0 {
		return env, &UnprocessableBatchError{MessageUUID: msg.UUID, Err: errspkg.ErrEmptyBatch}
	}
	if err := jsoncodec.Unmarshal(msg.Payload, &env); err != nil {
		return env, &UnprocessableBatchError{MessageUUID: msg.UUID, Err: err}
	}

	env.Headers = metadatapkg.FromWatermill(msg.Metadata).WithAll(env.Headers)
	if env.BatchID == "" {
		env.BatchID = msg.Metadata.Get(transport.MetadataBatchID)
	}
	if env.BatchID == "" {
		env.BatchID = msg.UUID
	}
	return env, nil
}
