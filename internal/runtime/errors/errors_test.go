package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		wantMsg string
	}{
		{"ErrHandlerFactoryRequired", ErrHandlerFactoryRequired, "chainflow: handler factory is required"},
		{"ErrResourceFactoryRequired", ErrResourceFactoryRequired, "chainflow: resource factory is required"},
		{"ErrUnknownOperation", ErrUnknownOperation, "chainflow: unknown operation"},
		{"ErrPayloadType", ErrPayloadType, "chainflow: unexpected payload type"},
		{"ErrPublisherRequired", ErrPublisherRequired, "chainflow: publisher is required"},
		{"ErrTopicRequired", ErrTopicRequired, "chainflow: topic is required"},
		{"ErrConfigRequired", ErrConfigRequired, "chainflow: configuration is required"},
		{"ErrLoggerRequired", ErrLoggerRequired, "chainflow: logger is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.wantMsg, tt.err.Error())
		})
	}
}

func TestConfigValidationError(t *testing.T) {
	inner := errors.New("invalid port")
	err := ConfigValidationError{Err: inner}

	assert.Equal(t, "chainflow: invalid configuration: invalid port", err.Error())
	assert.Same(t, inner, err.Unwrap())
}

func TestNewConfigValidationError(t *testing.T) {
	t.Run("nil error returns nil", func(t *testing.T) {
		assert.NoError(t, NewConfigValidationError(nil))
	})

	t.Run("wraps error", func(t *testing.T) {
		inner := errors.New("bad config")
		err := NewConfigValidationError(inner)

		var cfgErr ConfigValidationError
		require.ErrorAs(t, err, &cfgErr)
		assert.Same(t, inner, cfgErr.Err)
		assert.ErrorIs(t, err, inner)
	})
}
