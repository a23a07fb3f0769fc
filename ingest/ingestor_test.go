package ingest

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxd/conflux/correlate"
	"github.com/confluxd/conflux/dlq"
	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/idempotency"
	"github.com/confluxd/conflux/testutil"
	"github.com/confluxd/conflux/watermark"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeCorrelator struct {
	mu     sync.Mutex
	events []*event.Event
	err    error
}

func (c *fakeCorrelator) Process(_ context.Context, ev *event.Event) (correlate.Outcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return correlate.Outcome{}, c.err
	}
	c.events = append(c.events, ev)
	return correlate.Outcome{GroupID: "grp-1", Action: correlate.ActionLinked}, nil
}

func (c *fakeCorrelator) seen() []*event.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*event.Event(nil), c.events...)
}

type quarantineCall struct {
	eventID  string
	category dlq.Category
}

type fakeQuarantiner struct {
	mu    sync.Mutex
	calls []quarantineCall
	err   error
}

func (q *fakeQuarantiner) Quarantine(_ context.Context, _ event.Stream, eventID string, _ []byte, category dlq.Category, _ string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.calls = append(q.calls, quarantineCall{eventID: eventID, category: category})
	return nil
}

func (q *fakeQuarantiner) all() []quarantineCall {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]quarantineCall(nil), q.calls...)
}

type ingestEnv struct {
	ingestor    *Ingestor
	buffer      *watermark.Buffer
	correlator  *fakeCorrelator
	quarantiner *fakeQuarantiner
	ledger      *idempotency.Store
}

func newIngestEnv(t *testing.T, lateness time.Duration) *ingestEnv {
	t.Helper()

	buffer, err := watermark.NewBuffer(event.StreamBehavior, watermark.Config{
		AllowedLateness: lateness,
		Discipline:      watermark.Session,
		Gap:             time.Minute,
	})
	require.NoError(t, err)

	ledger, err := idempotency.NewStore(t.Context(), testutil.NewMemKV(), idempotency.Options{})
	require.NoError(t, err)
	t.Cleanup(ledger.Close)

	env := &ingestEnv{
		buffer:      buffer,
		correlator:  &fakeCorrelator{},
		quarantiner: &fakeQuarantiner{},
		ledger:      ledger,
	}

	ing, err := NewIngestor(Config{
		Stream:        event.StreamBehavior,
		StreamName:    "CONFLUX_EVENTS",
		Subject:       "conflux.events.bdv",
		DrainInterval: 10 * time.Millisecond,
	}, Options{
		Buffer:      buffer,
		Ledger:      ledger,
		Correlator:  env.correlator,
		Quarantiner: env.quarantiner,
	})
	require.NoError(t, err)
	env.ingestor = ing
	return env
}

func suiteResult(id string, eventTime time.Time) []byte {
	return []byte(fmt.Sprintf(`{
		"event_id": %q,
		"stream": "bdv",
		"event_type": "suite_result",
		"event_time": %q,
		"entity_id": "contract-1",
		"payload": {"suite": "checkout", "passed": 10, "failed": 0, "status": "passed"}
	}`, id, eventTime.Format(time.RFC3339)))
}

func TestIngest_AcceptsValidEvent(t *testing.T) {
	env := newIngestEnv(t, 5*time.Minute)

	d, err := env.ingestor.Ingest(t.Context(), suiteResult("evt-1", t0))
	require.NoError(t, err)
	assert.Equal(t, Accepted, d)
	assert.Equal(t, 1, env.buffer.Len())
}

func TestIngest_SchemaViolationQuarantined(t *testing.T) {
	env := newIngestEnv(t, 5*time.Minute)

	// Missing entity_id. Quarantined, disposition Rejected, no error so the
	// message is acked rather than redelivered forever.
	raw := []byte(`{
		"event_id": "evt-bad",
		"stream": "bdv",
		"event_type": "suite_result",
		"event_time": "2026-03-01T12:00:00Z",
		"payload": {"suite": "checkout", "passed": 1, "failed": 0, "status": "passed"}
	}`)

	d, err := env.ingestor.Ingest(t.Context(), raw)
	require.NoError(t, err)
	assert.Equal(t, Rejected, d)

	calls := env.quarantiner.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "evt-bad", calls[0].eventID)
	assert.Equal(t, dlq.CategorySchemaViolation, calls[0].category)
	assert.Equal(t, 0, env.buffer.Len())
}

func TestIngest_UnparsableMessageGetsSyntheticID(t *testing.T) {
	env := newIngestEnv(t, 5*time.Minute)

	d, err := env.ingestor.Ingest(t.Context(), []byte(`not json at all`))
	require.NoError(t, err)
	assert.Equal(t, Rejected, d)

	calls := env.quarantiner.all()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0].eventID, "unparsed-")
}

func TestIngest_DuplicateDropped(t *testing.T) {
	env := newIngestEnv(t, 5*time.Minute)
	ctx := t.Context()

	d, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	require.Equal(t, Accepted, d)

	// Same stream, type, entity and event time: the redelivery is dropped
	// before it reaches the buffer.
	d, err = env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	assert.Equal(t, Duplicate, d)
	assert.Equal(t, 1, env.buffer.Len())
}

func TestIngest_LateArrivalQuarantined(t *testing.T) {
	env := newIngestEnv(t, 5*time.Minute)
	ctx := t.Context()

	d, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	require.Equal(t, Accepted, d)

	// An event 10 minutes behind the newest is below the 5 minute watermark.
	d, err = env.ingestor.Ingest(ctx, suiteResult("evt-old", t0.Add(-10*time.Minute)))
	require.NoError(t, err)
	assert.Equal(t, Late, d)

	calls := env.quarantiner.all()
	require.Len(t, calls, 1)
	assert.Equal(t, dlq.CategoryLateArrival, calls[0].category)
	assert.Equal(t, 1, env.buffer.Len(), "late event never buffered")
}

func TestIngest_QuarantineFailurePropagates(t *testing.T) {
	env := newIngestEnv(t, 5*time.Minute)
	env.quarantiner.err = stderrors.New("kv unavailable")

	// If the DLQ write fails the error surfaces so the message is nacked and
	// redelivered instead of being lost.
	_, err := env.ingestor.Ingest(t.Context(), []byte(`broken`))
	require.Error(t, err)
}

func TestDrainOnce_FeedsCorrelator(t *testing.T) {
	env := newIngestEnv(t, time.Minute)
	ctx := t.Context()

	_, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	// Advancing event time past t0+lateness makes evt-1 ready.
	_, err = env.ingestor.Ingest(ctx, suiteResult("evt-2", t0.Add(5*time.Minute)))
	require.NoError(t, err)

	env.ingestor.DrainOnce(ctx)

	seen := env.correlator.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "evt-1", seen[0].EventID)
	assert.Equal(t, 1, env.buffer.Len(), "evt-2 still waiting on the watermark")
}

func TestDrainOnce_CausalityViolationQuarantined(t *testing.T) {
	env := newIngestEnv(t, time.Minute)
	ctx := t.Context()
	env.correlator.err = errors.WrapInvalid(errors.ErrCausalityViolated,
		"Engine", "Process", "gate causal order")

	_, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	_, err = env.ingestor.Ingest(ctx, suiteResult("evt-2", t0.Add(5*time.Minute)))
	require.NoError(t, err)

	env.ingestor.DrainOnce(ctx)

	calls := env.quarantiner.all()
	require.Len(t, calls, 1)
	assert.Equal(t, "evt-1", calls[0].eventID)
	assert.Equal(t, dlq.CategoryCausalityViolation, calls[0].category)
}

func TestResubmit_BackfillBypassesWatermark(t *testing.T) {
	env := newIngestEnv(t, time.Minute)
	ctx := t.Context()

	_, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)

	// Normal resubmission of an old event would be late again.
	err = env.ingestor.Resubmit(ctx, event.StreamBehavior, suiteResult("evt-old", t0.Add(-time.Hour)), false)
	require.Error(t, err)

	// Backfill admits it without moving the watermark.
	before := env.buffer.Watermark("contract-1")
	err = env.ingestor.Resubmit(ctx, event.StreamBehavior, suiteResult("evt-old", t0.Add(-time.Hour)), true)
	require.NoError(t, err)
	assert.True(t, env.buffer.Watermark("contract-1").Equal(before), "backfill never advances the watermark")

	// Replay failures stay with the DLQ manager; nothing re-quarantined here.
	assert.Empty(t, env.quarantiner.all())
}

func TestResubmit_ReplaysQuarantinedProvisionalEvent(t *testing.T) {
	env := newIngestEnv(t, time.Minute)
	ctx := t.Context()

	// evt-1 is accepted and marked provisional, drains, and then fails
	// correlation transiently, landing in quarantine.
	env.correlator.err = errors.WrapTransient(stderrors.New("nats timeout"),
		"Engine", "Process", "enqueue event")
	_, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	_, err = env.ingestor.Ingest(ctx, suiteResult("evt-2", t0.Add(5*time.Minute)))
	require.NoError(t, err)
	env.ingestor.DrainOnce(ctx)

	calls := env.quarantiner.all()
	require.Len(t, calls, 1)
	require.Equal(t, dlq.CategoryTransientNetwork, calls[0].category)
	require.Empty(t, env.correlator.seen())

	// The provisional ledger mark from first sight must not swallow the
	// replay: the event has to reach the correlator again.
	env.correlator.err = nil
	require.NoError(t, env.ingestor.Resubmit(ctx, event.StreamBehavior, suiteResult("evt-1", t0), false))
	env.ingestor.DrainOnce(ctx)

	seen := env.correlator.seen()
	require.Len(t, seen, 1)
	assert.Equal(t, "evt-1", seen[0].EventID)
}

func TestResubmit_ProcessedEventIsDuplicate(t *testing.T) {
	env := newIngestEnv(t, time.Minute)
	ctx := t.Context()

	_, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)

	ev, err := event.Decode(event.StreamBehavior, suiteResult("evt-1", t0), t0)
	require.NoError(t, err)
	require.NoError(t, env.ledger.MarkProcessed(ctx, idempotency.Key(ev)))

	// A replay of an already-resolved event succeeds as a duplicate so the
	// DLQ entry can be cleaned up, without re-feeding the correlator.
	require.NoError(t, env.ingestor.Resubmit(ctx, event.StreamBehavior, suiteResult("evt-1", t0), false))
	env.ingestor.DrainOnce(ctx)
	assert.Empty(t, env.correlator.seen())
}

func TestResubmit_WrongStreamRejected(t *testing.T) {
	env := newIngestEnv(t, time.Minute)

	err := env.ingestor.Resubmit(t.Context(), event.StreamExecution, suiteResult("evt-1", t0), false)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStartStop(t *testing.T) {
	env := newIngestEnv(t, time.Minute)
	ctx := t.Context()

	require.NoError(t, env.ingestor.Start(ctx))
	assert.ErrorIs(t, env.ingestor.Start(ctx), errors.ErrAlreadyStarted)

	_, err := env.ingestor.Ingest(ctx, suiteResult("evt-1", t0))
	require.NoError(t, err)
	_, err = env.ingestor.Ingest(ctx, suiteResult("evt-2", t0.Add(5*time.Minute)))
	require.NoError(t, err)

	// The drain loop picks up the ready event without an explicit drain.
	require.Eventually(t, func() bool {
		return len(env.correlator.seen()) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, env.ingestor.Stop(time.Second))
	require.NoError(t, env.ingestor.Stop(time.Second), "stop is idempotent")
}
