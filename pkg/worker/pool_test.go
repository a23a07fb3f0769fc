package worker

import (
	"context"
	stderrors "errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPool_ProcessesSubmittedWork(t *testing.T) {
	var sum atomic.Int64
	done := make(chan struct{}, 10)

	p := NewPool(2, 10, func(_ context.Context, n int64) error {
		sum.Add(n)
		done <- struct{}{}
		return nil
	})
	require.NoError(t, p.Start(t.Context()))

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, p.Submit(i))
	}
	for i := 0; i < 5; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("work not processed within 2s")
		}
	}

	assert.Equal(t, int64(15), sum.Load())
	require.NoError(t, p.Stop(time.Second))

	stats := p.Stats()
	assert.Equal(t, int64(5), stats.Submitted)
	assert.Equal(t, int64(5), stats.Processed)
	assert.Equal(t, int64(0), stats.Failed)
}

func TestPool_SubmitBeforeStart(t *testing.T) {
	p := NewPool(1, 1, func(_ context.Context, _ int) error { return nil })
	assert.ErrorIs(t, p.Submit(1), ErrPoolNotStarted)
}

func TestPool_QueueFullDrops(t *testing.T) {
	block := make(chan struct{})
	p := NewPool(1, 1, func(_ context.Context, _ int) error {
		<-block
		return nil
	})
	require.NoError(t, p.Start(t.Context()))

	// One item occupies the worker, one fills the queue; the next is dropped.
	require.NoError(t, p.Submit(1))
	require.Eventually(t, func() bool {
		return p.Submit(2) == nil
	}, time.Second, 5*time.Millisecond)

	var dropped bool
	for i := 0; i < 3; i++ {
		if stderrors.Is(p.Submit(3), ErrQueueFull) {
			dropped = true
			break
		}
	}
	assert.True(t, dropped)
	assert.Positive(t, p.Stats().Dropped)

	close(block)
	require.NoError(t, p.Stop(time.Second))
}

func TestPool_FailedWorkCounted(t *testing.T) {
	done := make(chan struct{}, 1)
	p := NewPool(1, 4, func(_ context.Context, _ string) error {
		defer func() { done <- struct{}{} }()
		return stderrors.New("boom")
	})
	require.NoError(t, p.Start(t.Context()))
	require.NoError(t, p.Submit("x"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("work not processed")
	}

	require.NoError(t, p.Stop(time.Second))
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestPool_DoubleStartAndSubmitAfterStop(t *testing.T) {
	p := NewPool(1, 4, func(_ context.Context, _ int) error { return nil })
	require.NoError(t, p.Start(t.Context()))
	assert.ErrorIs(t, p.Start(t.Context()), ErrPoolAlreadyStarted)

	require.NoError(t, p.Stop(time.Second))
	assert.ErrorIs(t, p.Submit(1), ErrPoolStopped)

	// Stop is idempotent.
	require.NoError(t, p.Stop(time.Second))
}
