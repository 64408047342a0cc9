package runtime

import (
	"context"
	"time"

	"github.com/drblury/chainflow/internal/runtime/jsoncodec"
	metadatapkg "github.com/drblury/chainflow/internal/runtime/metadata"
)

// DefaultOperation is used when a request does not name an operation.
const DefaultOperation = "query"

// Headers is the opaque header mapping passed to every Authorize call.
type Headers = metadatapkg.Headers

// Request names one step of a chain. Continue links it to the next request in
// the batch; the first request with Continue=false ends the chain.
type Request struct {
	ID            string `json:"id"`
	Operation     string `json:"run"`
	Args          []any  `json:"args,omitempty"`
	Continue      bool   `json:"continue"`
	Evaluate      bool   `json:"evaluate"`
	FireAndForget bool   `json:"fireAndForget"`
	Cache         bool   `json:"cache"`
}

// NewRequest returns a terminating request with Evaluate set.
func NewRequest(id, operation string, args ...any) Request {
	if operation == "" {
		operation = DefaultOperation
	}
	return Request{
		ID:        id,
		Operation: operation,
		Args:      args,
		Evaluate:  true,
	}
}

// UnmarshalJSON applies the NewRequest defaults to fields missing on the wire.
func (r *Request) UnmarshalJSON(data []byte) error {
	type wire Request
	decoded := wire{Operation: DefaultOperation, Evaluate: true}
	if err := jsoncodec.Unmarshal(data, &decoded); err != nil {
		return err
	}
	if decoded.Operation == "" {
		decoded.Operation = DefaultOperation
	}
	*r = Request(decoded)
	return nil
}

// Statistics describes how a chain ran.
type Statistics struct {
	Elapsed time.Duration `json:"elapsedNs"`
	// Steps counts the steps that completed successfully.
	Steps  int  `json:"steps"`
	Cached bool `json:"cached,omitempty"`
}

// Response is the single result of a chain. ID is the id of the chain's first
// request. Exactly one of Value and Error is meaningful.
type Response struct {
	ID         string     `json:"id"`
	Value      any        `json:"value,omitempty"`
	Error      any        `json:"error,omitempty"`
	Statistics Statistics `json:"statistics"`
}

// Failed reports whether the chain ended with an error.
func (r Response) Failed() bool {
	return r.Error != nil
}

// MarshalJSON renders an error held in Error as its message.
func (r Response) MarshalJSON() ([]byte, error) {
	type wire Response
	out := wire(r)
	if err, ok := out.Error.(error); ok {
		out.Error = err.Error()
	}
	return jsoncodec.Marshal(out)
}

// Resource is the scoped handle shared by the chains of one chunk, typically a
// connection or unit of work. Release is called exactly once.
type Resource interface {
	Release() error
}

// ResourceFactory acquires a fresh Resource.
type ResourceFactory func(ctx context.Context) (Resource, error)

// Handler performs one step of a chain. A new Handler is resolved for every
// step; Setup, Authorize and Execute are called once each, in that order.
// Execute receives nil on the first step of a chain.
type Handler interface {
	Setup(ctx context.Context, resource Resource, req Request) error
	Authorize(ctx context.Context, headers Headers) error
	Execute(ctx context.Context, payload any) (any, error)
}

// HandlerFactory resolves the handler for an operation, its arguments and the
// payload produced by the previous step.
type HandlerFactory interface {
	Resolve(operation string, args []any, payload any) (Handler, error)
}

// HandlerFactoryFunc adapts a function to HandlerFactory.
type HandlerFactoryFunc func(operation string, args []any, payload any) (Handler, error)

func (f HandlerFactoryFunc) Resolve(operation string, args []any, payload any) (Handler, error) {
	return f(operation, args, payload)
}

// Materializable is implemented by lazily evaluated results. Materialize
// forces evaluation and returns the concrete value; calling it on an already
// materialized value returns the same result.
type Materializable interface {
	Materialize(ctx context.Context) (any, error)
}

// FormatErrorFunc turns a step failure into the value stored in Response.Error.
type FormatErrorFunc func(error) any

func identityFormatError(err error) any {
	return err
}
