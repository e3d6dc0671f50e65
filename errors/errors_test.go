package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "event-source", "OnEventPayloadReceived", "device lookup")
	require.Error(t, err)
	assert.Equal(t, "event-source.OnEventPayloadReceived: device lookup failed: boom", err.Error())
	assert.True(t, stderrors.Is(err, base))

	assert.Nil(t, Wrap(nil, "c", "m", "a"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	tr := WrapTransient(base, "c", "m", "a")
	assert.True(t, IsTransient(tr))
	assert.False(t, IsInvalid(tr))
	assert.False(t, IsFatal(tr))

	inv := WrapInvalid(base, "c", "m", "a")
	assert.True(t, IsInvalid(inv))
	assert.False(t, IsTransient(inv))

	fat := WrapFatal(base, "c", "m", "a")
	assert.True(t, IsFatal(fat))
	assert.Equal(t, ErrorFatal, Classify(fat))
}

func TestClassifiedErrorUnwrap(t *testing.T) {
	err := WrapInvalid(ErrDecodeFailed, "decoder", "Decode", "frame parsing")
	assert.True(t, stderrors.Is(err, ErrDecodeFailed))

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, "decoder", ce.Component)
	assert.Equal(t, "Decode", ce.Operation)
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsInvalid(ErrDecodeFailed))
	assert.True(t, IsInvalid(fmt.Errorf("wrapped: %w", ErrInvalidMetadata)))
	assert.True(t, IsTransient(ErrLookupUnavailable))
	assert.True(t, IsTransient(context.DeadlineExceeded))
	assert.True(t, IsFatal(ErrInvalidConfig))
}

func TestClassifyUnknownDefaultsTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("some unknown condition")))
}

func TestTransientMessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: i/o timeout")))
	assert.True(t, IsTransient(stderrors.New("service unavailable")))
	assert.False(t, IsTransient(nil))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
