package errors

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestWrap_Format(t *testing.T) {
	base := stderrors.New("boom")
	err := Wrap(base, "Ingestor", "Ingest", "schema validation")

	assert.Equal(t, "Ingestor.Ingest: schema validation failed: boom", err.Error())
	assert.ErrorIs(t, err, base)

	assert.Nil(t, Wrap(nil, "x", "y", "z"))
}

func TestClassifiedWrappers(t *testing.T) {
	base := stderrors.New("boom")

	assert.True(t, IsTransient(WrapTransient(base, "c", "m", "a")))
	assert.True(t, IsInvalid(WrapInvalid(base, "c", "m", "a")))
	assert.True(t, IsFatal(WrapFatal(base, "c", "m", "a")))

	// Classification survives further wrapping.
	deep := fmt.Errorf("outer: %w", WrapInvalid(base, "c", "m", "a"))
	assert.True(t, IsInvalid(deep))
	assert.Equal(t, ErrorInvalid, Classify(deep))
}

func TestSentinelClassification(t *testing.T) {
	assert.True(t, IsInvalid(ErrSchemaViolation))
	assert.True(t, IsInvalid(ErrCausalityViolated))
	assert.True(t, IsInvalid(ErrLateArrival))

	assert.True(t, IsTransient(ErrConnectionTimeout))
	assert.True(t, IsTransient(ErrRevisionConflict))
	assert.True(t, IsTransient(context.DeadlineExceeded))

	assert.True(t, IsFatal(ErrInvalidConfig))
	assert.True(t, IsFatal(ErrMaxRetriesExceeded))
}

func TestClassify_DefaultsToTransient(t *testing.T) {
	assert.Equal(t, ErrorTransient, Classify(stderrors.New("mystery failure")))
}

func TestIsTransient_MessagePatterns(t *testing.T) {
	assert.True(t, IsTransient(stderrors.New("dial tcp: i/o timeout")))
	assert.False(t, IsTransient(stderrors.New("malformed payload")))
	assert.False(t, IsTransient(nil))
}

func TestErrorClassString(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(99).String())
}
