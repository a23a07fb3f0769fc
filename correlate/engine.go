package correlate

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/idempotency"
	"github.com/confluxd/conflux/metric"
)

// Action describes what Process did with an event.
type Action string

// Process outcomes.
const (
	ActionOpened    Action = "opened"
	ActionLinked    Action = "linked"
	ActionCompleted Action = "completed"
	ActionDuplicate Action = "duplicate"
)

// Outcome reports the disposition of one processed event.
type Outcome struct {
	GroupID    string
	Action     Action
	Confidence float64
	Provenance Provenance
}

// Ledger is the slice of the idempotency store the engine needs for its
// authoritative dedup check and terminal marking.
type Ledger interface {
	Seen(ctx context.Context, key string) (idempotency.State, bool, error)
	MarkProcessed(ctx context.Context, key string) error
}

// Config tunes the engine.
type Config struct {
	// MinConfidence is the threshold a candidate link and a completing
	// group's aggregate confidence must clear.
	MinConfidence float64
	// GroupTimeout moves groups still OPEN after this long to TIMED_OUT.
	GroupTimeout time.Duration
	// HeuristicWindow bounds the time-proximity fallback match.
	HeuristicWindow time.Duration
	Shards          int
	SweepInterval   time.Duration
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		MinConfidence:   0.5,
		GroupTimeout:    time.Hour,
		HeuristicWindow: 2 * time.Minute,
		Shards:          16,
		SweepInterval:   time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min_confidence must be in [0, 1], got %v", c.MinConfidence)
	}
	if c.GroupTimeout <= 0 {
		return fmt.Errorf("group_timeout must be positive")
	}
	if c.Shards <= 0 {
		return fmt.Errorf("shards must be positive")
	}
	return nil
}

// Options carries the engine's collaborators.
type Options struct {
	Ledger Ledger
	// OnComplete persists a completed group. Called on the owning shard, so
	// completion is atomic from the group's perspective. An error keeps the
	// group OPEN for a later retry.
	OnComplete func(ctx context.Context, g *Group) error
	// OnTimeout is notified when a group times out. Observability only.
	OnTimeout func(g *Group)
	Logger    *slog.Logger
	Metrics   *metric.PipelineMetrics
	Clock     func() time.Time
}

// Engine routes events to single-owner shards selected by canonical key and
// manages group lifecycle.
type Engine struct {
	cfg        Config
	ledger     Ledger
	onComplete func(ctx context.Context, g *Group) error
	onTimeout  func(g *Group)
	logger     *slog.Logger
	metrics    *metric.PipelineMetrics
	clock      func() time.Time

	shards []*shard

	mu      sync.Mutex
	started bool
	stopped bool
	cancel  context.CancelFunc
	eg      *errgroup.Group
}

type shard struct {
	requests chan shardMsg
	// open groups owned by this shard, by group id
	groups map[string]*Group
}

type shardMsg interface{ isShardMsg() }

type processMsg struct {
	ctx   context.Context
	ev    *event.Event
	reply chan processReply
}

type sweepMsg struct {
	now  time.Time
	done chan struct{}
}

type countMsg struct {
	reply chan int
}

func (processMsg) isShardMsg() {}
func (sweepMsg) isShardMsg()   {}
func (countMsg) isShardMsg()   {}

type processReply struct {
	outcome Outcome
	err     error
}

// NewEngine creates the engine. Start must be called before Process.
func NewEngine(cfg Config, opts Options) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Engine", "NewEngine", "validate config")
	}
	if opts.Ledger == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("ledger is required"), "Engine", "NewEngine", "validate options")
	}
	if opts.OnComplete == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("completion sink is required"), "Engine", "NewEngine", "validate options")
	}
	if cfg.HeuristicWindow <= 0 {
		cfg.HeuristicWindow = 2 * time.Minute
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Minute
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := opts.Clock
	if clock == nil {
		clock = time.Now
	}

	e := &Engine{
		cfg:        cfg,
		ledger:     opts.Ledger,
		onComplete: opts.OnComplete,
		onTimeout:  opts.OnTimeout,
		logger:     logger,
		metrics:    opts.Metrics,
		clock:      clock,
		shards:     make([]*shard, cfg.Shards),
	}
	for i := range e.shards {
		e.shards[i] = &shard{
			requests: make(chan shardMsg, 64),
			groups:   make(map[string]*Group),
		}
	}
	return e, nil
}

// Start launches the shard owners and the timeout sweep.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	eg, runCtx := errgroup.WithContext(runCtx)
	e.cancel = cancel
	e.eg = eg

	for _, s := range e.shards {
		eg.Go(func() error {
			e.runShard(runCtx, s)
			return nil
		})
	}
	eg.Go(func() error {
		e.runSweep(runCtx)
		return nil
	})

	e.started = true
	return nil
}

// Stop cancels the shards and waits up to timeout for them to exit.
func (e *Engine) Stop(timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.started || e.stopped {
		return nil
	}
	e.stopped = true
	e.cancel()

	done := make(chan struct{})
	go func() {
		_ = e.eg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("Engine.Stop: shards did not exit within %v", timeout)
	}
}

func (e *Engine) shardFor(canonicalKey string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(canonicalKey))
	return e.shards[int(h.Sum32())%len(e.shards)]
}

// Process routes the event to its owning shard and waits for the outcome.
// A causality violation is reported as errors.ErrCausalityViolated; the
// caller quarantines the event.
func (e *Engine) Process(ctx context.Context, ev *event.Event) (Outcome, error) {
	e.mu.Lock()
	if !e.started || e.stopped {
		e.mu.Unlock()
		return Outcome{}, errors.ErrNotStarted
	}
	e.mu.Unlock()

	reply := make(chan processReply, 1)
	msg := processMsg{ctx: ctx, ev: ev, reply: reply}

	select {
	case e.shardFor(CanonicalKey(ev)).requests <- msg:
	case <-ctx.Done():
		return Outcome{}, errors.WrapTransient(ctx.Err(), "Engine", "Process", "enqueue event")
	}

	select {
	case r := <-reply:
		return r.outcome, r.err
	case <-ctx.Done():
		return Outcome{}, errors.WrapTransient(ctx.Err(), "Engine", "Process", "await outcome")
	}
}

// Sweep forces a timeout pass on all shards. The background sweep calls
// this on a ticker; tests call it directly.
func (e *Engine) Sweep(now time.Time) {
	for _, s := range e.shards {
		done := make(chan struct{})
		select {
		case s.requests <- sweepMsg{now: now, done: done}:
			<-done
		default:
			// Shard busy or stopped; the next tick catches up.
		}
	}
}

// OpenGroups returns the number of OPEN groups across shards. Metrics and
// tests only; the count is approximate under concurrent processing.
func (e *Engine) OpenGroups() int {
	total := 0
	for _, s := range e.shards {
		reply := make(chan int, 1)
		select {
		case s.requests <- countMsg{reply: reply}:
			total += <-reply
		default:
		}
	}
	return total
}

func (e *Engine) runSweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Sweep(e.clock())
		}
	}
}

func (e *Engine) runShard(ctx context.Context, s *shard) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.requests:
			switch m := msg.(type) {
			case processMsg:
				outcome, err := e.handle(m.ctx, s, m.ev)
				m.reply <- processReply{outcome: outcome, err: err}
			case sweepMsg:
				e.expire(s, m.now)
				close(m.done)
			case countMsg:
				m.reply <- len(s.groups)
			}
		}
	}
}

// handle runs on the owning shard goroutine; it is the only code that
// touches this shard's groups.
func (e *Engine) handle(ctx context.Context, s *shard, ev *event.Event) (Outcome, error) {
	ikey := idempotency.Key(ev)
	state, seen, err := e.ledger.Seen(ctx, ikey)
	if err != nil {
		return Outcome{}, errors.WrapTransient(err, "Engine", "handle", "authoritative dedup check")
	}
	if seen && state == idempotency.StateProcessed {
		return Outcome{Action: ActionDuplicate}, nil
	}

	// Reprocessing after a failed completion: the event may already be a
	// member. Re-attempt completion instead of re-linking.
	for _, g := range s.groups {
		if m := g.Members[ev.Stream]; m != nil && m.Event.EventID == ev.EventID {
			return e.maybeComplete(ctx, s, g, Outcome{
				GroupID:    g.GroupID,
				Action:     ActionLinked,
				Confidence: m.Link.Confidence,
				Provenance: m.Link.Provenance,
			})
		}
	}

	best, found := e.bestCandidate(s, ev)
	if !found {
		g := newGroup(ev, e.clock())
		s.groups[g.GroupID] = g
		if e.metrics != nil {
			e.metrics.GroupsOpened.Inc()
		}
		e.logger.Debug("opened convergence group",
			"group_id", g.GroupID, "canonical_key", g.CanonicalKey,
			"stream", ev.Stream, "event_id", ev.EventID)
		return Outcome{GroupID: g.GroupID, Action: ActionOpened, Confidence: confidenceExplicitID,
			Provenance: ProvenanceFounding}, nil
	}

	g := best.group
	if err := e.causalGate(g, ev); err != nil {
		return Outcome{}, err
	}

	now := e.clock()
	g.Members[ev.Stream] = &Member{
		Event: ev,
		Link: Link{
			SourceEventID: ev.EventID,
			TargetEventID: best.target.EventID,
			Confidence:    best.confidence,
			Provenance:    best.provenance,
			CreatedAt:     now,
		},
	}
	if e.metrics != nil {
		e.metrics.RecordLink(string(best.provenance), best.confidence)
	}
	e.logger.Debug("linked event into group",
		"group_id", g.GroupID, "stream", ev.Stream, "event_id", ev.EventID,
		"provenance", best.provenance, "confidence", best.confidence)

	return e.maybeComplete(ctx, s, g, Outcome{
		GroupID:    g.GroupID,
		Action:     ActionLinked,
		Confidence: best.confidence,
		Provenance: best.provenance,
	})
}

// bestCandidate scores ev against every open group on the shard. Highest
// confidence wins; ties break by provenance priority, then earliest
// OpenedAt. Groups whose slot for the stream is already occupied are skipped
// unless the incoming event upgrades a start to its completion.
func (e *Engine) bestCandidate(s *shard, ev *event.Event) (candidate, bool) {
	var best candidate
	found := false

	better := func(c candidate) bool {
		if !found {
			return true
		}
		if c.confidence != best.confidence {
			return c.confidence > best.confidence
		}
		pa, pb := provenancePriority(c.provenance), provenancePriority(best.provenance)
		if pa != pb {
			return pa < pb
		}
		return c.group.OpenedAt.Before(best.group.OpenedAt)
	}

	for _, g := range s.groups {
		if g.State != StateOpen {
			continue
		}
		if existing := g.Members[ev.Stream]; existing != nil && !upgrades(existing.Event, ev) {
			continue
		}
		c, ok := score(ev, g, e.cfg.HeuristicWindow)
		if !ok || c.confidence < e.cfg.MinConfidence {
			continue
		}
		if better(c) {
			best = c
			found = true
		}
	}
	return best, found
}

// upgrades reports whether incoming replaces existing in the same stream
// slot: a completion supersedes the start it follows.
func upgrades(existing, incoming *event.Event) bool {
	return existing.Type == event.TypeRunStarted &&
		incoming.Type == event.TypeRunCompleted &&
		!incoming.EventTime.Before(existing.EventTime)
}

// causalGate rejects events that would violate causal ordering inside the
// group. A child whose parent is absent may still join; the group simply
// cannot complete until the parent shows up or the group times out.
func (e *Engine) causalGate(g *Group, ev *event.Event) error {
	if parentStream, ok := ev.Type.CausalParent(); ok && parentStream != ev.Stream {
		if parent := g.Members[parentStream]; parent != nil &&
			ev.EventTime.Before(parent.Event.EventTime) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: %s event %s at %s precedes its %s dependency at %s",
					errors.ErrCausalityViolated, ev.Type, ev.EventID,
					ev.EventTime.Format(time.RFC3339),
					parentStream, parent.Event.EventTime.Format(time.RFC3339)),
				"Engine", "causalGate", "order check")
		}
	}

	// The arriving event may itself be the dependency of members already in
	// the group; an earlier child means the ordering can never hold.
	for stream, m := range g.Members {
		parentStream, ok := m.Event.Type.CausalParent()
		if !ok || parentStream != ev.Stream || parentStream == stream {
			continue
		}
		if m.Event.EventTime.Before(ev.EventTime) {
			return errors.WrapInvalid(
				fmt.Errorf("%w: dependency %s at %s arrives after dependent %s event %s at %s",
					errors.ErrCausalityViolated, ev.EventID,
					ev.EventTime.Format(time.RFC3339),
					stream, m.Event.EventID, m.Event.EventTime.Format(time.RFC3339)),
				"Engine", "causalGate", "order check")
		}
	}
	return nil
}

func (e *Engine) maybeComplete(ctx context.Context, s *shard, g *Group, linked Outcome) (Outcome, error) {
	if !g.readyToComplete(e.cfg.MinConfidence) {
		return linked, nil
	}

	if err := e.onComplete(ctx, g); err != nil {
		// Group stays OPEN; redelivery retries completion.
		return Outcome{}, errors.WrapTransient(err, "Engine", "maybeComplete", "persist completed group")
	}

	now := e.clock()
	g.State = StateComplete
	g.CompletedAt = &now
	delete(s.groups, g.GroupID)

	for _, m := range g.Members {
		if err := e.ledger.MarkProcessed(ctx, idempotency.Key(m.Event)); err != nil {
			// The group is persisted; a stale provisional entry only costs a
			// redundant dedup hit later.
			e.logger.Warn("failed to mark member processed",
				"group_id", g.GroupID, "event_id", m.Event.EventID, "error", err)
		}
	}

	if e.metrics != nil {
		e.metrics.GroupsCompleted.Inc()
	}
	e.logger.Info("convergence group complete",
		"group_id", g.GroupID, "canonical_key", g.CanonicalKey,
		"aggregate_confidence", g.AggregateConfidence())

	linked.Action = ActionCompleted
	return linked, nil
}

func (e *Engine) expire(s *shard, now time.Time) {
	if now.IsZero() {
		return
	}
	for id, g := range s.groups {
		if g.State != StateOpen || now.Sub(g.OpenedAt) < e.cfg.GroupTimeout {
			continue
		}
		g.State = StateTimedOut
		delete(s.groups, id)

		if e.metrics != nil {
			e.metrics.GroupsTimedOut.Inc()
		}
		e.logger.Warn("convergence group timed out",
			"group_id", g.GroupID, "canonical_key", g.CanonicalKey,
			"opened_at", g.OpenedAt, "members", len(g.Members))
		if e.onTimeout != nil {
			e.onTimeout(g)
		}
	}
}
