// Package dlq implements the dead-letter manager: every event the pipeline
// cannot process lands here, categorized, and leaves only through a
// successful replay. Nothing is ever silently dropped.
package dlq

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/metric"
	"github.com/confluxd/conflux/natsclient"
	"github.com/confluxd/conflux/pkg/worker"
)

// Category classifies why an event was quarantined.
type Category string

// Quarantine categories.
const (
	CategorySchemaViolation    Category = "SCHEMA_VIOLATION"
	CategoryTransientNetwork   Category = "TRANSIENT_NETWORK"
	CategoryCausalityViolation Category = "CAUSALITY_VIOLATION"
	CategoryLateArrival        Category = "LATE_ARRIVAL"
	CategoryPermanentError     Category = "PERMANENT_ERROR"
)

// Categories lists all quarantine categories.
func Categories() []Category {
	return []Category{
		CategorySchemaViolation, CategoryTransientNetwork,
		CategoryCausalityViolation, CategoryLateArrival, CategoryPermanentError,
	}
}

// autoRetryable reports whether the category is eligible for automatic
// replay. Schema and causality violations always need manual intervention.
func (c Category) autoRetryable() bool {
	return c == CategoryTransientNetwork
}

// CategoryFor maps a pipeline error onto its quarantine category.
func CategoryFor(err error) Category {
	switch {
	case stderrors.Is(err, errors.ErrSchemaViolation):
		return CategorySchemaViolation
	case stderrors.Is(err, errors.ErrCausalityViolated):
		return CategoryCausalityViolation
	case stderrors.Is(err, errors.ErrLateArrival):
		return CategoryLateArrival
	case errors.IsTransient(err):
		return CategoryTransientNetwork
	default:
		return CategoryPermanentError
	}
}

// Entry is one quarantined event.
type Entry struct {
	EventID       string       `json:"event_id"`
	Stream        event.Stream `json:"stream"`
	Raw           []byte       `json:"raw"`
	Category      Category     `json:"category"`
	ErrorDetail   string       `json:"error_detail"`
	RetryCount    int          `json:"retry_count"`
	FirstFailedAt time.Time    `json:"first_failed_at"`
	LastAttemptAt time.Time    `json:"last_attempt_at"`
}

// KV is the slice of the KV store the manager needs.
type KV interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context, filters ...string) ([]string, error)
}

// Publisher publishes category-tagged quarantine notifications.
type Publisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Resubmitter re-feeds an original raw message through the full ingest
// path. backfill preserves the original event time past the lateness check,
// so replayed late arrivals become bi-temporal corrections.
type Resubmitter interface {
	Resubmit(ctx context.Context, stream event.Stream, raw []byte, backfill bool) error
}

// Config tunes the manager.
type Config struct {
	SubjectPrefix   string
	ReplayBatchSize int
	// ReplayRate caps replays per second across a Replay call.
	ReplayRate float64
	// ReplayWorkers fan one batch out concurrently.
	ReplayWorkers int

	// Auto-retry of transient entries.
	MaxAutoRetries     int
	AutoRetryInterval  time.Duration
	AutoRetryBaseDelay time.Duration
	AutoRetryMaxDelay  time.Duration
}

// DefaultConfig returns the manager defaults.
func DefaultConfig() Config {
	return Config{
		SubjectPrefix:      "conflux.dlq",
		ReplayBatchSize:    64,
		ReplayRate:         50,
		ReplayWorkers:      4,
		MaxAutoRetries:     5,
		AutoRetryInterval:  30 * time.Second,
		AutoRetryBaseDelay: time.Second,
		AutoRetryMaxDelay:  time.Minute,
	}
}

// Manager owns the quarantine store and the replay paths.
type Manager struct {
	cfg      Config
	kv       KV
	pub      Publisher
	resubmit Resubmitter
	limiter  *rate.Limiter
	logger   *slog.Logger
	metrics  *metric.PipelineMetrics
	clock    func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Options carries the manager's collaborators.
type Options struct {
	KV          KV
	Publisher   Publisher
	Resubmitter Resubmitter
	Logger      *slog.Logger
	Metrics     *metric.PipelineMetrics
	Clock       func() time.Time
}

// NewManager creates a DLQ manager.
func NewManager(cfg Config, opts Options) (*Manager, error) {
	if opts.KV == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("kv bucket is required"), "Manager", "NewManager", "validate options")
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "conflux.dlq"
	}
	if cfg.ReplayBatchSize <= 0 {
		cfg.ReplayBatchSize = 64
	}
	if cfg.ReplayRate <= 0 {
		cfg.ReplayRate = 50
	}
	if cfg.ReplayWorkers <= 0 {
		cfg.ReplayWorkers = 4
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	return &Manager{
		cfg:      cfg,
		kv:       opts.KV,
		pub:      opts.Publisher,
		resubmit: opts.Resubmitter,
		limiter:  rate.NewLimiter(rate.Limit(cfg.ReplayRate), cfg.ReplayBatchSize),
		logger:   logger,
		metrics:  opts.Metrics,
		clock:    clock,
	}, nil
}

// SetResubmitter wires the replay target after construction. The ingest
// pipeline depends on the manager, so the cycle is closed here at startup.
func (m *Manager) SetResubmitter(r Resubmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resubmit = r
}

var keySafe = regexp.MustCompile(`^[-_a-zA-Z0-9]+$`)

func entryKey(category Category, eventID string) string {
	id := eventID
	if !keySafe.MatchString(id) {
		sum := sha256.Sum256([]byte(id))
		id = hex.EncodeToString(sum[:16])
	}
	return fmt.Sprintf("dlq.%s.%s", category, id)
}

// Quarantine records a failed event. Repeated quarantines of the same event
// bump its retry count instead of duplicating the entry. An error here
// propagates so the caller can refuse to ack the message: the DLQ accounts
// for every discarded event or the event is not discarded.
func (m *Manager) Quarantine(ctx context.Context, stream event.Stream, eventID string, raw []byte, category Category, detail string) error {
	key := entryKey(category, eventID)
	now := m.clock()

	entry := Entry{
		EventID:       eventID,
		Stream:        stream,
		Raw:           raw,
		Category:      category,
		ErrorDetail:   detail,
		FirstFailedAt: now,
		LastAttemptAt: now,
	}
	if existing, err := m.kv.Get(ctx, key); err == nil {
		var prev Entry
		if json.Unmarshal(existing.Value, &prev) == nil {
			entry.FirstFailedAt = prev.FirstFailedAt
			entry.RetryCount = prev.RetryCount + 1
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "Quarantine", "encode entry")
	}
	if _, err := m.kv.Put(ctx, key, data); err != nil {
		return errors.WrapTransient(err, "Manager", "Quarantine", "persist entry")
	}

	if m.metrics != nil {
		m.metrics.RecordQuarantine(string(category))
	}
	m.logger.Warn("event quarantined",
		"event_id", eventID, "stream", stream, "category", category, "detail", detail)

	if m.pub != nil {
		subject := fmt.Sprintf("%s.%s", m.cfg.SubjectPrefix, category)
		if err := m.pub.PublishToStream(ctx, subject, data); err != nil {
			// The entry is durable; the notification is best effort.
			m.logger.Warn("failed to publish quarantine notification",
				"event_id", eventID, "subject", subject, "error", err)
		}
	}
	return nil
}

// Selector filters DLQ entries for List and Replay.
type Selector struct {
	Category *Category
	From     time.Time
	To       time.Time
}

func (s Selector) matches(e Entry) bool {
	if s.Category != nil && e.Category != *s.Category {
		return false
	}
	if !s.From.IsZero() && e.FirstFailedAt.Before(s.From) {
		return false
	}
	if !s.To.IsZero() && e.FirstFailedAt.After(s.To) {
		return false
	}
	return true
}

// List returns matching entries ordered by first failure time.
func (m *Manager) List(ctx context.Context, sel Selector) ([]Entry, error) {
	filter := "dlq.>"
	if sel.Category != nil {
		filter = fmt.Sprintf("dlq.%s.>", *sel.Category)
	}

	keys, err := m.kv.Keys(ctx, filter)
	if err != nil {
		return nil, errors.WrapTransient(err, "Manager", "List", "list entries")
	}

	var entries []Entry
	for _, key := range keys {
		kvEntry, err := m.kv.Get(ctx, key)
		if err != nil {
			if natsclient.IsKVNotFoundError(err) {
				continue // removed between Keys and Get
			}
			return nil, errors.WrapTransient(err, "Manager", "List", "read entry")
		}
		var e Entry
		if err := json.Unmarshal(kvEntry.Value, &e); err != nil {
			m.logger.Warn("skipping corrupt dlq entry", "key", key, "error", err)
			continue
		}
		if sel.matches(e) {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].FirstFailedAt.Before(entries[j].FirstFailedAt)
	})
	return entries, nil
}

// ReplayOutcome is the per-entry result of a replay pass.
type ReplayOutcome string

// Replay outcomes.
const (
	OutcomeReplayed    ReplayOutcome = "replayed"
	OutcomeFailed      ReplayOutcome = "failed"
	OutcomeWouldReplay ReplayOutcome = "would_replay"
)

// ReplayResult reports what happened to one entry.
type ReplayResult struct {
	EventID  string        `json:"event_id"`
	Category Category      `json:"category"`
	Outcome  ReplayOutcome `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// Replay re-submits matching entries through the full ingest path, rate
// limited and fanned out over a worker pool. Entries are removed only on
// success; replay of an already-resolved entry is a no-op downstream thanks
// to idempotent ingest and upsert. dryRun reports what would happen without
// touching anything.
func (m *Manager) Replay(ctx context.Context, sel Selector, dryRun bool) ([]ReplayResult, error) {
	m.mu.Lock()
	resubmit := m.resubmit
	m.mu.Unlock()
	if resubmit == nil && !dryRun {
		return nil, errors.WrapInvalid(
			fmt.Errorf("no resubmitter configured"), "Manager", "Replay", "check wiring")
	}

	entries, err := m.List(ctx, sel)
	if err != nil {
		return nil, err
	}

	if dryRun {
		results := make([]ReplayResult, 0, len(entries))
		for _, e := range entries {
			results = append(results, ReplayResult{
				EventID: e.EventID, Category: e.Category, Outcome: OutcomeWouldReplay,
			})
		}
		return results, nil
	}

	var (
		resultsMu sync.Mutex
		results   []ReplayResult
	)
	record := func(r ReplayResult) {
		resultsMu.Lock()
		results = append(results, r)
		resultsMu.Unlock()
		if m.metrics != nil {
			m.metrics.DLQReplays.WithLabelValues(string(r.Outcome)).Inc()
		}
	}

	pool := worker.NewPool(m.cfg.ReplayWorkers, m.cfg.ReplayBatchSize,
		func(ctx context.Context, e Entry) error {
			result := m.replayOne(ctx, resubmit, e)
			record(result)
			if result.Outcome == OutcomeFailed {
				return fmt.Errorf("replay %s: %s", e.EventID, result.Error)
			}
			return nil
		})
	if err := pool.Start(ctx); err != nil {
		return nil, errors.Wrap(err, "Manager", "Replay", "start replay pool")
	}

	for start := 0; start < len(entries); start += m.cfg.ReplayBatchSize {
		end := start + m.cfg.ReplayBatchSize
		if end > len(entries) {
			end = len(entries)
		}
		for _, e := range entries[start:end] {
			if err := m.limiter.Wait(ctx); err != nil {
				_ = pool.Stop(10 * time.Second)
				return results, errors.WrapTransient(err, "Manager", "Replay", "rate limit wait")
			}
			for {
				if err := pool.Submit(e); err == nil {
					break
				} else if stderrors.Is(err, worker.ErrQueueFull) {
					select {
					case <-time.After(10 * time.Millisecond):
					case <-ctx.Done():
						_ = pool.Stop(10 * time.Second)
						return results, errors.WrapTransient(ctx.Err(), "Manager", "Replay", "submit entry")
					}
				} else {
					_ = pool.Stop(10 * time.Second)
					return results, errors.Wrap(err, "Manager", "Replay", "submit entry")
				}
			}
		}
	}

	if err := pool.Stop(time.Minute); err != nil {
		return results, errors.Wrap(err, "Manager", "Replay", "drain replay pool")
	}
	return results, nil
}

func (m *Manager) replayOne(ctx context.Context, resubmit Resubmitter, e Entry) ReplayResult {
	// Late arrivals replay through the backfill path so the original event
	// time survives and persistence records a correction.
	backfill := e.Category == CategoryLateArrival

	if err := resubmit.Resubmit(ctx, e.Stream, e.Raw, backfill); err != nil {
		m.bumpRetry(ctx, e)
		return ReplayResult{
			EventID: e.EventID, Category: e.Category,
			Outcome: OutcomeFailed, Error: err.Error(),
		}
	}

	if err := m.kv.Delete(ctx, entryKey(e.Category, e.EventID)); err != nil {
		m.logger.Warn("replayed entry could not be removed",
			"event_id", e.EventID, "error", err)
	}
	m.logger.Info("dlq entry replayed", "event_id", e.EventID, "category", e.Category)
	return ReplayResult{EventID: e.EventID, Category: e.Category, Outcome: OutcomeReplayed}
}

func (m *Manager) bumpRetry(ctx context.Context, e Entry) {
	e.RetryCount++
	e.LastAttemptAt = m.clock()
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := m.kv.Put(ctx, entryKey(e.Category, e.EventID), data); err != nil {
		m.logger.Warn("failed to update retry count", "event_id", e.EventID, "error", err)
	}
}

// Start launches the auto-retry loop for transient entries. Entries past
// MaxAutoRetries are left for manual replay.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return errors.ErrAlreadyStarted
	}
	if m.cfg.AutoRetryInterval <= 0 || m.cfg.MaxAutoRetries <= 0 {
		m.started = true
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.started = true

	go m.autoRetryLoop(runCtx)
	return nil
}

// Stop halts the auto-retry loop.
func (m *Manager) Stop(timeout time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started || m.cancel == nil {
		return nil
	}
	m.cancel()

	select {
	case <-m.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("Manager.Stop: auto-retry loop did not exit within %v", timeout)
	}
}

func (m *Manager) autoRetryLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.cfg.AutoRetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.AutoRetryPass(ctx); err != nil {
				m.logger.Warn("auto-retry pass failed", "error", err)
			}
		}
	}
}

// AutoRetryPass replays due transient entries once. The background loop
// calls this on a ticker; tests call it directly.
func (m *Manager) AutoRetryPass(ctx context.Context) error {
	category := CategoryTransientNetwork
	entries, err := m.List(ctx, Selector{Category: &category})
	if err != nil {
		return err
	}

	m.mu.Lock()
	resubmit := m.resubmit
	m.mu.Unlock()
	if resubmit == nil {
		return nil
	}

	now := m.clock()
	for _, e := range entries {
		if !e.Category.autoRetryable() || e.RetryCount >= m.cfg.MaxAutoRetries {
			continue
		}
		if now.Before(e.LastAttemptAt.Add(m.backoffDelay(e.RetryCount))) {
			continue
		}
		if err := m.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(err, "Manager", "AutoRetryPass", "rate limit wait")
		}
		result := m.replayOne(ctx, resubmit, e)
		if m.metrics != nil {
			m.metrics.DLQReplays.WithLabelValues(string(result.Outcome)).Inc()
		}
	}
	return nil
}

// backoffDelay doubles per attempt from the base, capped at the max.
func (m *Manager) backoffDelay(retryCount int) time.Duration {
	delay := m.cfg.AutoRetryBaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if m.cfg.AutoRetryMaxDelay > 0 && delay >= m.cfg.AutoRetryMaxDelay {
			return m.cfg.AutoRetryMaxDelay
		}
	}
	return delay
}
