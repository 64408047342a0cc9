package errors

import (
	sterrors "errors"
)

var (
	ErrHandlerFactoryRequired  = sterrors.New("chainflow: handler factory is required")
	ErrResourceFactoryRequired = sterrors.New("chainflow: resource factory is required")
	ErrUnknownOperation        = sterrors.New("chainflow: unknown operation")
	ErrOperationRequired       = sterrors.New("chainflow: operation name is required")
	ErrConstructorRequired     = sterrors.New("chainflow: handler constructor is required")
	ErrNilHandler              = sterrors.New("chainflow: handler factory returned a nil handler")
	ErrNilResource             = sterrors.New("chainflow: resource factory returned a nil resource")
	ErrPayloadType             = sterrors.New("chainflow: unexpected payload type")
	ErrPublisherRequired       = sterrors.New("chainflow: publisher is required")
	ErrTopicRequired           = sterrors.New("chainflow: topic is required")
	ErrConfigRequired          = sterrors.New("chainflow: configuration is required")
	ErrLoggerRequired          = sterrors.New("chainflow: logger is required")
	ErrServiceRequired         = sterrors.New("chainflow: service is required")
	ErrObserverRequired        = sterrors.New("chainflow: observer is required")
	ErrUnknownEncoding         = sterrors.New("chainflow: unknown response encoding")
	ErrProcessorClosed         = sterrors.New("chainflow: processor is closed")
	ErrUnauthorized            = sterrors.New("chainflow: unauthorized")
	ErrMissingArgument         = sterrors.New("chainflow: missing argument")
	ErrEmptyBatch              = sterrors.New("chainflow: empty batch message")
)

// ConfigValidationError wraps the aggregated configuration problems reported by
// Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "chainflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
