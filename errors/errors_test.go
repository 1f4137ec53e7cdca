package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClass_String(t *testing.T) {
	tests := []struct {
		class    ErrorClass
		expected string
	}{
		{ErrorTransient, "transient"},
		{ErrorInvalid, "invalid"},
		{ErrorFatal, "fatal"},
		{ErrorClass(42), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.class.String())
		})
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"nil error", nil, false},
		{"connection timeout", ErrConnectionTimeout, true},
		{"connection lost", ErrConnectionLost, true},
		{"no connection", ErrNoConnection, true},
		{"deadline", context.DeadlineExceeded, true},
		{"canceled", context.Canceled, true},
		{"message pattern", fmt.Errorf("nats: no responders available"), true},
		{"invalid filter", ErrInvalidFilter, false},
		{"classified fatal", &ClassifiedError{Class: ErrorFatal, Err: fmt.Errorf("x")}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, IsTransient(tt.err))
		})
	}
}

func TestIsInvalid(t *testing.T) {
	assert.False(t, IsInvalid(nil))
	assert.True(t, IsInvalid(ErrInvalidFilter))
	assert.True(t, IsInvalid(ErrIncompatibleNodes))
	assert.True(t, IsInvalid(fmt.Errorf("wrapped: %w", ErrIndexOutOfRange)))
	assert.True(t, IsInvalid(ErrUnknownContentType))
	assert.False(t, IsInvalid(ErrConnectionLost))
}

func TestIsFatal(t *testing.T) {
	assert.False(t, IsFatal(nil))
	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrDisposed))
	assert.False(t, IsFatal(ErrInvalidData))
}

func TestClassify(t *testing.T) {
	assert.Equal(t, ErrorInvalid, Classify(ErrInvalidArgument))
	assert.Equal(t, ErrorFatal, Classify(ErrMissingConfig))
	assert.Equal(t, ErrorTransient, Classify(ErrConnectionTimeout))
	assert.Equal(t, ErrorTransient, Classify(fmt.Errorf("something odd")))
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "Registry", "Register", "store entry"))

	err := Wrap(ErrNotRegistered, "Registry", "Unregister", "lookup certificate")
	assert.Equal(t, "Registry.Unregister: lookup certificate failed: not registered", err.Error())
	assert.True(t, stderrors.Is(err, ErrNotRegistered))
}

func TestWrapClassified(t *testing.T) {
	t.Run("invalid", func(t *testing.T) {
		err := WrapInvalid(ErrInvalidFilter, "Descriptor", "Filter", "parse")
		require.Error(t, err)

		var ce *ClassifiedError
		require.True(t, stderrors.As(err, &ce))
		assert.Equal(t, ErrorInvalid, ce.Class)
		assert.Equal(t, "Descriptor", ce.Component)
		assert.Equal(t, "Filter", ce.Operation)
		assert.True(t, IsInvalid(err))
		assert.True(t, stderrors.Is(err, ErrInvalidFilter))
	})

	t.Run("transient", func(t *testing.T) {
		err := WrapTransient(fmt.Errorf("boom"), "Sender", "Send", "publish")
		assert.True(t, IsTransient(err))
		assert.False(t, IsInvalid(err))
	})

	t.Run("fatal", func(t *testing.T) {
		err := WrapFatal(fmt.Errorf("boom"), "Server", "Start", "listen")
		assert.True(t, IsFatal(err))
	})

	t.Run("nil passthrough", func(t *testing.T) {
		assert.Nil(t, WrapInvalid(nil, "a", "b", "c"))
		assert.Nil(t, WrapTransient(nil, "a", "b", "c"))
		assert.Nil(t, WrapFatal(nil, "a", "b", "c"))
	})
}

func TestInvalidf(t *testing.T) {
	err := Invalidf("BindingBuilder", "Build", "dependency %q has no class", "camera")
	assert.True(t, IsInvalid(err))
	assert.True(t, stderrors.Is(err, ErrInvalidArgument))
	assert.Contains(t, err.Error(), `dependency "camera" has no class`)
}

func TestClassifiedError_NoMessage(t *testing.T) {
	ce := &ClassifiedError{Class: ErrorTransient, Err: fmt.Errorf("inner")}
	assert.Equal(t, "inner", ce.Error())
	assert.Equal(t, "inner", ce.Unwrap().Error())
}

func BenchmarkClassify(b *testing.B) {
	err := Wrap(ErrConnectionLost, "Receiver", "loop", "receive")
	for i := 0; i < b.N; i++ {
		_ = Classify(err)
	}
}
