package natsclient

import (
	"context"
	stderrors "errors"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectionStatusString(t *testing.T) {
	assert.Equal(t, "disconnected", StatusDisconnected.String())
	assert.Equal(t, "connected", StatusConnected.String())
	assert.Equal(t, "circuit_open", StatusCircuitOpen.String())
	assert.Equal(t, "unknown", ConnectionStatus(42).String())
}

func TestNewClient_OptionValidation(t *testing.T) {
	_, err := NewClient("nats://localhost:4222", WithTimeout(-time.Second))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithCircuitThreshold(0))
	assert.Error(t, err)

	_, err = NewClient("nats://localhost:4222", WithLogger(nil))
	assert.Error(t, err)

	c, err := NewClient("nats://localhost:4222",
		WithName("conflux"),
		WithTimeout(time.Second),
		WithCircuitThreshold(3),
		WithMaxBackoff(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "nats://localhost:4222", c.URL())
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.False(t, c.IsHealthy())
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	c, err := NewClient("nats://localhost:4222",
		WithCircuitThreshold(3),
		WithMaxBackoff(time.Second))
	require.NoError(t, err)

	var transitions []ConnectionStatus
	c.OnStateChange(func(s ConnectionStatus) {
		transitions = append(transitions, s)
	})

	c.recordFailure()
	c.recordFailure()
	assert.NotEqual(t, StatusCircuitOpen, c.Status())

	c.recordFailure()
	assert.Equal(t, StatusCircuitOpen, c.Status())
	require.NotEmpty(t, transitions)
	assert.Equal(t, StatusCircuitOpen, transitions[len(transitions)-1])

	// Operations fail fast while open.
	_, opErr := c.CreateStream(t.Context(), jetstream.StreamConfig{Name: "x"})
	assert.ErrorIs(t, opErr, ErrCircuitOpen)

	c.resetCircuit()
	assert.Equal(t, StatusDisconnected, c.Status())
	assert.Equal(t, int32(0), c.circuitFailures.Load())
}

func TestKVErrorHelpers(t *testing.T) {
	assert.True(t, IsKVNotFoundError(fmt.Errorf("wrap: %w", ErrKVKeyNotFound)))
	assert.True(t, IsKVNotFoundError(jetstream.ErrKeyNotFound))
	assert.False(t, IsKVNotFoundError(stderrors.New("other")))
	assert.False(t, IsKVNotFoundError(nil))

	assert.True(t, IsKVConflictError(ErrKVRevisionMismatch))
	assert.True(t, IsKVConflictError(ErrKVKeyExists))
	assert.True(t, IsKVConflictError(jetstream.ErrKeyExists))
	assert.True(t, IsKVConflictError(stderrors.New("nats: wrong last sequence: 7")))
	assert.False(t, IsKVConflictError(stderrors.New("other")))
}

func TestPublish_NotConnected(t *testing.T) {
	c, err := NewClient("nats://localhost:4222")
	require.NoError(t, err)

	assert.ErrorIs(t, c.Publish(t.Context(), "ops.test", []byte("x")), ErrNotConnected)
	assert.ErrorIs(t, c.Subscribe(t.Context(), "ops.test", func(_ context.Context, _ []byte) {}), ErrNotConnected)
}
