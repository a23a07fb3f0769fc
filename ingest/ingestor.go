// Package ingest runs the per-stream consumer loop: schema validation,
// early deduplication, watermark buffering, and the drain loop feeding the
// correlation engine. One ingestor per stream keeps in-partition order.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/confluxd/conflux/correlate"
	"github.com/confluxd/conflux/dlq"
	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/idempotency"
	"github.com/confluxd/conflux/metric"
	"github.com/confluxd/conflux/watermark"
)

// Disposition is the outcome of ingesting one raw message.
type Disposition string

// Ingest outcomes.
const (
	// Accepted means the event entered the watermark buffer.
	Accepted Disposition = "accepted"
	// Duplicate means the event was already known. Benign, not an error.
	Duplicate Disposition = "duplicate"
	// Rejected means the message failed schema validation and was
	// quarantined.
	Rejected Disposition = "rejected"
	// Late means the event arrived below the watermark and was quarantined.
	Late Disposition = "late"
)

// Correlator consumes ready events.
type Correlator interface {
	Process(ctx context.Context, ev *event.Event) (correlate.Outcome, error)
}

// Quarantiner is the slice of the DLQ manager the ingestor needs.
type Quarantiner interface {
	Quarantine(ctx context.Context, stream event.Stream, eventID string, raw []byte, category dlq.Category, detail string) error
}

// Ledger is the slice of the idempotency store used for the cheap early
// check.
type Ledger interface {
	Seen(ctx context.Context, key string) (idempotency.State, bool, error)
	MarkProvisional(ctx context.Context, key string) (bool, error)
}

// StreamConsumer attaches a durable consumer to the event stream.
type StreamConsumer interface {
	ConsumeStream(ctx context.Context, streamName, durable, subject string, handler func(context.Context, []byte) error) error
	StopConsumer(streamName, subject string)
}

// Config binds one ingestor to its stream.
type Config struct {
	Stream event.Stream
	// StreamName and Subject locate the JetStream source.
	StreamName string
	Subject    string
	Durable    string
	// DrainInterval paces the ready-event drain loop.
	DrainInterval time.Duration
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.Stream.Valid() {
		return fmt.Errorf("unknown stream %q", c.Stream)
	}
	if c.Subject == "" {
		return fmt.Errorf("subject is required")
	}
	return nil
}

// Options carries the ingestor's collaborators.
type Options struct {
	Buffer      *watermark.Buffer
	Ledger      Ledger
	Correlator  Correlator
	Quarantiner Quarantiner
	Consumer    StreamConsumer
	Logger      *slog.Logger
	Metrics     *metric.PipelineMetrics
	Clock       func() time.Time
}

// Ingestor is the consumer loop for one stream.
type Ingestor struct {
	cfg         Config
	buffer      *watermark.Buffer
	ledger      Ledger
	correlator  Correlator
	quarantiner Quarantiner
	consumer    StreamConsumer
	logger      *slog.Logger
	metrics     *metric.PipelineMetrics
	clock       func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewIngestor creates the ingestor for one stream.
func NewIngestor(cfg Config, opts Options) (*Ingestor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Ingestor", "NewIngestor", "validate config")
	}
	if opts.Buffer == nil || opts.Ledger == nil || opts.Correlator == nil || opts.Quarantiner == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("buffer, ledger, correlator and quarantiner are required"),
			"Ingestor", "NewIngestor", "validate options")
	}
	if cfg.Durable == "" {
		cfg.Durable = fmt.Sprintf("conflux-%s", cfg.Stream)
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = time.Second
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("stream", cfg.Stream)
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Ingestor{
		cfg:         cfg,
		buffer:      opts.Buffer,
		ledger:      opts.Ledger,
		correlator:  opts.Correlator,
		quarantiner: opts.Quarantiner,
		consumer:    opts.Consumer,
		logger:      logger,
		metrics:     opts.Metrics,
		clock:       clock,
	}, nil
}

// Ingest validates, deduplicates and buffers one raw message. Quarantinable
// failures return a nil error with the matching disposition: the message is
// accounted for and must be acked. A non-nil error is transient; the caller
// nacks for redelivery.
func (i *Ingestor) Ingest(ctx context.Context, raw []byte) (Disposition, error) {
	return i.ingest(ctx, raw, false, true)
}

func (i *Ingestor) ingest(ctx context.Context, raw []byte, backfill, quarantine bool) (Disposition, error) {
	stream := i.cfg.Stream
	if i.metrics != nil {
		i.metrics.EventsReceived.WithLabelValues(string(stream)).Inc()
	}

	ev, err := event.Decode(stream, raw, i.clock())
	if err != nil {
		if !stderrors.Is(err, errors.ErrSchemaViolation) {
			return "", errors.Wrap(err, "Ingestor", "Ingest", "decode message")
		}
		if i.metrics != nil {
			i.metrics.EventsRejected.WithLabelValues(string(stream), "schema").Inc()
		}
		if !quarantine {
			return Rejected, err
		}
		if qerr := i.quarantiner.Quarantine(ctx, stream, rawEventID(raw), raw,
			dlq.CategorySchemaViolation, err.Error()); qerr != nil {
			return "", qerr
		}
		return Rejected, nil
	}

	if ev.ClockSkewed() {
		if i.metrics != nil {
			i.metrics.ClockSkew.WithLabelValues(string(stream)).Inc()
		}
		i.logger.Warn("clock skew: event observed before it occurred",
			"event_id", ev.EventID, "event_time", ev.EventTime, "observed_at", ev.ObservedAt)
	}
	if i.metrics != nil {
		i.metrics.RecordLag(string(stream), ev.Lag())
	}

	key := idempotency.Key(ev)
	state, seen, err := i.ledger.Seen(ctx, key)
	if err != nil {
		return "", errors.WrapTransient(err, "Ingestor", "Ingest", "early dedup check")
	}
	if seen {
		// On the consumer path any known key is a redelivery: the event is
		// either buffered or already in the DLQ. On the replay path only a
		// terminal state counts; a provisional key means the event was
		// quarantined mid-pipeline and is exactly what the replay must
		// re-process.
		if quarantine || state == idempotency.StateProcessed {
			if i.metrics != nil {
				i.metrics.EventsDuplicate.WithLabelValues(string(stream), "ingest").Inc()
			}
			i.logger.Debug("duplicate event dropped at ingest", "event_id", ev.EventID)
			return Duplicate, nil
		}
		// The event cleared the lateness gate before it was quarantined;
		// re-running the gate against the since-advanced watermark would
		// misclassify it as late. Re-buffer past the gate and let the
		// engine's authoritative check settle any real duplicate.
		backfill = true
	}

	if backfill {
		i.buffer.AddBackfill(ev)
	} else if i.buffer.Add(ev) == watermark.Late {
		if i.metrics != nil {
			i.metrics.LateArrivals.WithLabelValues(string(stream)).Inc()
		}
		if !quarantine {
			return Late, fmt.Errorf("event %s: %w", ev.EventID, errors.ErrLateArrival)
		}
		detail := fmt.Sprintf("event_time %s below watermark %s",
			ev.EventTime.Format(time.RFC3339),
			i.buffer.Watermark(ev.EntityID).Format(time.RFC3339))
		if qerr := i.quarantiner.Quarantine(ctx, stream, ev.EventID, raw,
			dlq.CategoryLateArrival, detail); qerr != nil {
			return "", qerr
		}
		return Late, nil
	}

	if fresh, err := i.ledger.MarkProvisional(ctx, key); err != nil {
		return "", errors.WrapTransient(err, "Ingestor", "Ingest", "mark provisional")
	} else if !fresh {
		// Raced another delivery between Seen and MarkProvisional. The
		// event is buffered once either way; report the duplicate.
		i.logger.Debug("duplicate detected on provisional mark", "event_id", ev.EventID)
	}

	if i.metrics != nil {
		i.metrics.EventsAccepted.WithLabelValues(string(stream)).Inc()
		i.metrics.BufferDepth.WithLabelValues(string(stream)).Set(float64(i.buffer.Len()))
	}
	return Accepted, nil
}

// Resubmit implements the DLQ replay contract. Quarantine management stays
// with the DLQ manager: failures return an error instead of re-entering the
// DLQ, and backfill bypasses the lateness check so the original event time
// survives into a bi-temporal correction.
func (i *Ingestor) Resubmit(ctx context.Context, stream event.Stream, raw []byte, backfill bool) error {
	if stream != i.cfg.Stream {
		return errors.WrapInvalid(
			fmt.Errorf("stream %q routed to %q ingestor", stream, i.cfg.Stream),
			"Ingestor", "Resubmit", "check routing")
	}

	disposition, err := i.ingest(ctx, raw, backfill, false)
	if err != nil {
		return err
	}
	if disposition == Accepted || disposition == Duplicate {
		return nil
	}
	return fmt.Errorf("replay disposition %s", disposition)
}

// Start attaches the durable consumer and launches the drain loop.
func (i *Ingestor) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	i.cancel = cancel
	i.done = make(chan struct{})

	if i.consumer != nil {
		err := i.consumer.ConsumeStream(runCtx, i.cfg.StreamName, i.cfg.Durable, i.cfg.Subject,
			func(msgCtx context.Context, raw []byte) error {
				_, err := i.Ingest(msgCtx, raw)
				return err
			})
		if err != nil {
			cancel()
			return errors.Wrap(err, "Ingestor", "Start", "attach consumer")
		}
	}

	go i.drainLoop(runCtx)
	i.started = true
	i.logger.Info("ingestor started", "subject", i.cfg.Subject,
		"drain_interval", i.cfg.DrainInterval)
	return nil
}

// Stop detaches the consumer and drains the current ready batch before
// returning.
func (i *Ingestor) Stop(timeout time.Duration) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if !i.started {
		return nil
	}
	i.started = false

	if i.consumer != nil {
		i.consumer.StopConsumer(i.cfg.StreamName, i.cfg.Subject)
	}
	i.cancel()

	select {
	case <-i.done:
	case <-time.After(timeout):
		return fmt.Errorf("Ingestor.Stop: drain loop did not exit within %v", timeout)
	}

	// Final drain so ready events are not stranded in the buffer.
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	i.DrainOnce(ctx)
	return nil
}

func (i *Ingestor) drainLoop(ctx context.Context) {
	defer close(i.done)

	ticker := time.NewTicker(i.cfg.DrainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			i.DrainOnce(ctx)
			i.updateGauges()
		}
	}
}

// DrainOnce pulls the ready windows and feeds them to the correlator in
// event-time order. Called from the drain loop; tests call it directly.
func (i *Ingestor) DrainOnce(ctx context.Context) {
	for _, window := range i.buffer.DrainReady() {
		for _, ev := range window.Events {
			i.deliver(ctx, ev)
		}
	}
}

func (i *Ingestor) deliver(ctx context.Context, ev *event.Event) {
	start := i.clock()
	outcome, err := i.correlator.Process(ctx, ev)
	if i.metrics != nil {
		i.metrics.RecordDuration("correlate", "process", i.clock().Sub(start))
	}

	if err == nil {
		i.logger.Debug("event correlated",
			"event_id", ev.EventID, "group_id", outcome.GroupID, "action", outcome.Action)
		return
	}

	category := dlq.CategoryFor(err)
	if qerr := i.quarantiner.Quarantine(ctx, ev.Stream, ev.EventID, ev.Raw,
		category, err.Error()); qerr != nil {
		// Both correlation and quarantine failed. The event is out of the
		// buffer, so this is the one path that must not give up silently.
		i.logger.Error("failed to quarantine after correlation failure",
			"event_id", ev.EventID, "category", category,
			"process_error", err, "quarantine_error", qerr)
	}
}

func (i *Ingestor) updateGauges() {
	if i.metrics == nil {
		return
	}
	stream := string(i.cfg.Stream)
	i.metrics.BufferDepth.WithLabelValues(stream).Set(float64(i.buffer.Len()))
	if low := i.buffer.LowWatermark(); !low.IsZero() {
		i.metrics.WatermarkAge.WithLabelValues(stream).Set(i.clock().Sub(low).Seconds())
	}
}

// rawEventID best-effort extracts the event id from an invalid message so
// its DLQ entry is addressable.
func rawEventID(raw []byte) string {
	var probe struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(raw, &probe); err == nil && probe.EventID != "" {
		return probe.EventID
	}
	sum := sha256.Sum256(raw)
	return "unparsed-" + hex.EncodeToString(sum[:6])
}
