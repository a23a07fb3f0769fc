package dlq

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/testutil"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *fakePublisher) PublishToStream(_ context.Context, subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

type fakeResubmitter struct {
	mu        sync.Mutex
	calls     []resubmitCall
	failUntil int
}

type resubmitCall struct {
	stream   event.Stream
	backfill bool
}

func (r *fakeResubmitter) Resubmit(_ context.Context, stream event.Stream, _ []byte, backfill bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, resubmitCall{stream: stream, backfill: backfill})
	if len(r.calls) <= r.failUntil {
		return stderrors.New("still unreachable")
	}
	return nil
}

func (r *fakeResubmitter) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type managerEnv struct {
	manager  *Manager
	kv       *testutil.MemKV
	pub      *fakePublisher
	resubmit *fakeResubmitter
	now      time.Time
	mu       sync.Mutex
}

func newManagerEnv(t *testing.T, cfg Config) *managerEnv {
	t.Helper()
	env := &managerEnv{
		kv:       testutil.NewMemKV(),
		pub:      &fakePublisher{},
		resubmit: &fakeResubmitter{},
		now:      t0,
	}
	m, err := NewManager(cfg, Options{
		KV:          env.kv,
		Publisher:   env.pub,
		Resubmitter: env.resubmit,
		Clock: func() time.Time {
			env.mu.Lock()
			defer env.mu.Unlock()
			return env.now
		},
	})
	require.NoError(t, err)
	env.manager = m
	return env
}

func (env *managerEnv) advance(d time.Duration) {
	env.mu.Lock()
	env.now = env.now.Add(d)
	env.mu.Unlock()
}

func TestCategoryFor(t *testing.T) {
	assert.Equal(t, CategorySchemaViolation, CategoryFor(errors.ErrSchemaViolation))
	assert.Equal(t, CategoryCausalityViolation,
		CategoryFor(errors.WrapInvalid(errors.ErrCausalityViolated, "c", "m", "a")))
	assert.Equal(t, CategoryLateArrival, CategoryFor(errors.ErrLateArrival))
	assert.Equal(t, CategoryTransientNetwork, CategoryFor(stderrors.New("dial tcp: i/o timeout")))
	assert.Equal(t, CategoryPermanentError,
		CategoryFor(errors.WrapInvalid(stderrors.New("bad"), "c", "m", "a")))
}

func TestQuarantine_PersistsAndNotifies(t *testing.T) {
	env := newManagerEnv(t, DefaultConfig())

	err := env.manager.Quarantine(t.Context(), event.StreamBehavior, "evt-1",
		[]byte(`{"event_id":"evt-1"}`), CategoryLateArrival, "10m behind watermark")
	require.NoError(t, err)

	entries, err := env.manager.List(t.Context(), Selector{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-1", entries[0].EventID)
	assert.Equal(t, CategoryLateArrival, entries[0].Category)
	assert.Equal(t, 0, entries[0].RetryCount)

	assert.Equal(t, []string{"conflux.dlq.LATE_ARRIVAL"}, env.pub.subjects)

	// Quarantining the same event again bumps the retry count.
	env.advance(time.Minute)
	require.NoError(t, env.manager.Quarantine(t.Context(), event.StreamBehavior, "evt-1",
		[]byte(`{"event_id":"evt-1"}`), CategoryLateArrival, "again"))

	entries, err = env.manager.List(t.Context(), Selector{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
	assert.Equal(t, t0, entries[0].FirstFailedAt, "first failure time preserved")
}

func TestList_FiltersByCategoryAndTime(t *testing.T) {
	env := newManagerEnv(t, DefaultConfig())
	ctx := t.Context()

	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-1",
		[]byte(`{}`), CategorySchemaViolation, "missing field"))
	env.advance(time.Hour)
	require.NoError(t, env.manager.Quarantine(ctx, event.StreamBehavior, "evt-2",
		[]byte(`{}`), CategoryTransientNetwork, "timeout"))

	schema := CategorySchemaViolation
	entries, err := env.manager.List(ctx, Selector{Category: &schema})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-1", entries[0].EventID)

	entries, err = env.manager.List(ctx, Selector{From: t0.Add(30 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "evt-2", entries[0].EventID)
}

func TestReplay_RemovesEntryOnSuccess(t *testing.T) {
	env := newManagerEnv(t, DefaultConfig())
	ctx := t.Context()

	require.NoError(t, env.manager.Quarantine(ctx, event.StreamBehavior, "evt-1",
		[]byte(`{"event_id":"evt-1"}`), CategoryLateArrival, "late"))
	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-2",
		[]byte(`{"event_id":"evt-2"}`), CategoryTransientNetwork, "timeout"))

	results, err := env.manager.Replay(ctx, Selector{}, false)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, OutcomeReplayed, r.Outcome)
	}

	// Late arrivals replay via the backfill path, others do not.
	env.resubmit.mu.Lock()
	byStream := map[event.Stream]bool{}
	for _, c := range env.resubmit.calls {
		byStream[c.stream] = c.backfill
	}
	env.resubmit.mu.Unlock()
	assert.True(t, byStream[event.StreamBehavior])
	assert.False(t, byStream[event.StreamExecution])

	entries, err := env.manager.List(ctx, Selector{})
	require.NoError(t, err)
	assert.Empty(t, entries, "successful replay removes entries")
}

func TestReplay_FailureKeepsEntry(t *testing.T) {
	env := newManagerEnv(t, DefaultConfig())
	env.resubmit.failUntil = 1
	ctx := t.Context()

	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-1",
		[]byte(`{}`), CategoryTransientNetwork, "timeout"))

	results, err := env.manager.Replay(ctx, Selector{}, false)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeFailed, results[0].Outcome)

	entries, err := env.manager.List(ctx, Selector{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 1, entries[0].RetryCount)
}

func TestReplay_DryRun(t *testing.T) {
	env := newManagerEnv(t, DefaultConfig())
	ctx := t.Context()

	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-1",
		[]byte(`{}`), CategoryPermanentError, "boom"))

	results, err := env.manager.Replay(ctx, Selector{}, true)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, OutcomeWouldReplay, results[0].Outcome)
	assert.Equal(t, 0, env.resubmit.callCount(), "dry run touches nothing")

	entries, err := env.manager.List(ctx, Selector{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAutoRetry_OnlyTransientWithBackoff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxAutoRetries = 2
	cfg.AutoRetryBaseDelay = time.Minute
	env := newManagerEnv(t, cfg)
	env.resubmit.failUntil = 100 // always fail
	ctx := t.Context()

	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-t",
		[]byte(`{}`), CategoryTransientNetwork, "timeout"))
	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-s",
		[]byte(`{}`), CategorySchemaViolation, "bad"))
	require.NoError(t, env.manager.Quarantine(ctx, event.StreamExecution, "evt-c",
		[]byte(`{}`), CategoryCausalityViolation, "order"))

	// Backoff not elapsed yet: nothing replays.
	require.NoError(t, env.manager.AutoRetryPass(ctx))
	assert.Equal(t, 0, env.resubmit.callCount())

	env.advance(2 * time.Minute)
	require.NoError(t, env.manager.AutoRetryPass(ctx))
	assert.Equal(t, 1, env.resubmit.callCount(), "only the transient entry retried")

	// Second retry after doubled backoff.
	env.advance(5 * time.Minute)
	require.NoError(t, env.manager.AutoRetryPass(ctx))
	assert.Equal(t, 2, env.resubmit.callCount())

	// Retry budget exhausted: entry left for manual replay.
	env.advance(time.Hour)
	require.NoError(t, env.manager.AutoRetryPass(ctx))
	assert.Equal(t, 2, env.resubmit.callCount())

	entries, err := env.manager.List(ctx, Selector{})
	require.NoError(t, err)
	assert.Len(t, entries, 3, "nothing removed, nothing lost")
}

func TestBackoffDelay(t *testing.T) {
	env := newManagerEnv(t, DefaultConfig())
	assert.Equal(t, time.Second, env.manager.backoffDelay(0))
	assert.Equal(t, 2*time.Second, env.manager.backoffDelay(1))
	assert.Equal(t, time.Minute, env.manager.backoffDelay(10), "capped at max")
}
