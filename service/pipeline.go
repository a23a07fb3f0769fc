// Package service assembles the pipeline: NATS client, buckets, stores,
// watermark buffers, correlation engine, DLQ, per-stream ingestors and the
// ops gateway, with ordered startup and reverse-order shutdown.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/confluxd/conflux/config"
	"github.com/confluxd/conflux/correlate"
	"github.com/confluxd/conflux/dlq"
	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/gateway"
	"github.com/confluxd/conflux/graphstore"
	"github.com/confluxd/conflux/idempotency"
	"github.com/confluxd/conflux/ingest"
	"github.com/confluxd/conflux/metric"
	"github.com/confluxd/conflux/natsclient"
	"github.com/confluxd/conflux/watermark"
)

// VerdictSubject carries completed convergence groups to downstream
// deployability consumers.
const VerdictSubject = "conflux.verdicts"

// verdictPublisher is the slice of the NATS client the completion path needs.
type verdictPublisher interface {
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Pipeline owns every component of the service and their lifecycle.
type Pipeline struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *metric.Registry

	client    *natsclient.Client
	verdicts  verdictPublisher
	ledger    *idempotency.Store
	graph     *graphstore.Store
	engine    *correlate.Engine
	dlqMgr    *dlq.Manager
	gateway   *gateway.Server
	ingestors map[event.Stream]*ingest.Ingestor

	initialized bool
	started     bool
}

// NewPipeline creates an unassembled pipeline. Initialize must be called
// before Start.
func NewPipeline(cfg *config.Config, logger *slog.Logger) (*Pipeline, error) {
	if cfg == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("config is required"), "Pipeline", "NewPipeline", "validate input")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Pipeline", "NewPipeline", "validate config")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		logger:    logger,
		registry:  metric.NewRegistry(),
		ingestors: make(map[event.Stream]*ingest.Ingestor),
	}, nil
}

// natsPublisher adapts the client to the gateway's fire-and-forget publish.
type natsPublisher struct {
	client *natsclient.Client
}

func (p natsPublisher) Publish(subject string, data []byte) error {
	return p.client.Publish(context.Background(), subject, data)
}

// notifyingQuarantiner forwards quarantines to the DLQ manager and mirrors
// them as ops events.
type notifyingQuarantiner struct {
	mgr *dlq.Manager
	ops *gateway.Server
}

func (q notifyingQuarantiner) Quarantine(ctx context.Context, stream event.Stream, eventID string, raw []byte, category dlq.Category, detail string) error {
	if err := q.mgr.Quarantine(ctx, stream, eventID, raw, category, detail); err != nil {
		return err
	}
	q.ops.Notify(gateway.OpsEvent{
		Kind:     gateway.OpsQuarantine,
		Stream:   string(stream),
		EventID:  eventID,
		Category: string(category),
		Detail:   detail,
	})
	return nil
}

// Initialize connects to NATS, provisions the stream and buckets, and wires
// every component together. Safe to call once.
func (p *Pipeline) Initialize(ctx context.Context) error {
	if p.initialized {
		return errors.ErrAlreadyStarted
	}

	metrics := p.registry.Pipeline

	client, err := natsclient.NewClient(p.cfg.NATS.URL,
		natsclient.WithName(fmt.Sprintf("conflux-%s-%s", p.cfg.Platform.Org, p.cfg.Platform.ID)),
		natsclient.WithLogger(p.logger),
		natsclient.WithMaxReconnects(p.cfg.NATS.MaxReconnects),
		natsclient.WithMetrics(metrics),
	)
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create nats client")
	}
	p.client = client

	ops, err := gateway.NewServer(gateway.Config{Addr: p.cfg.Gateway.Addr}, gateway.Options{
		Registry:  p.registry,
		Publisher: natsPublisher{client: client},
		Logger:    p.logger,
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create ops server")
	}
	p.gateway = ops

	// Registered before Connect: every later status transition becomes an
	// ops event.
	client.OnStateChange(func(status natsclient.ConnectionStatus) {
		ops.Notify(gateway.OpsEvent{
			Kind:   gateway.OpsCircuit,
			Detail: status.String(),
		})
	})

	if err := client.Connect(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "connect to nats")
	}
	if err := client.WaitForConnection(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "wait for nats")
	}

	streamName := p.cfg.NATS.StreamName
	if streamName == "" {
		streamName = "CONFLUX_EVENTS"
	}
	subjects := make([]string, 0, len(p.cfg.Streams)+2)
	for _, sc := range p.cfg.Streams {
		subjects = append(subjects, sc.Subject)
	}
	subjects = append(subjects, p.cfg.DLQ.SubjectPrefix+".>", VerdictSubject)
	if _, err := client.CreateStream(ctx, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  subjects,
		Retention: jetstream.LimitsPolicy,
		Storage:   jetstream.FileStorage,
	}); err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create event stream")
	}
	p.verdicts = client

	idemKV, err := natsclient.NewKVStore(ctx, client, natsclient.KVOptions{
		Bucket:      p.cfg.Idempotency.Bucket,
		Description: "idempotency ledger",
		TTL:         p.cfg.Idempotency.TTL.D(),
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create idempotency bucket")
	}
	ledger, err := idempotency.NewStore(ctx, idemKV, idempotency.Options{
		FrontCacheTTL: p.cfg.Idempotency.TTL.D(),
		Logger:        p.logger,
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create idempotency ledger")
	}
	p.ledger = ledger

	graphKV, err := natsclient.NewKVStore(ctx, client, natsclient.KVOptions{
		Bucket:      p.cfg.Graph.Bucket,
		Description: "bi-temporal entity store",
		History:     1,
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create graph bucket")
	}
	graph, err := graphstore.NewStore(graphKV, graphstore.Options{
		Logger:  p.logger,
		Metrics: metrics,
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create graph store")
	}
	p.graph = graph

	dlqKV, err := natsclient.NewKVStore(ctx, client, natsclient.KVOptions{
		Bucket:      p.cfg.DLQ.Bucket,
		Description: "dead letter queue",
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create dlq bucket")
	}
	dlqMgr, err := dlq.NewManager(dlq.Config{
		SubjectPrefix:      p.cfg.DLQ.SubjectPrefix,
		ReplayBatchSize:    p.cfg.DLQ.ReplayBatchSize,
		ReplayRate:         p.cfg.DLQ.ReplayRate,
		ReplayWorkers:      p.cfg.DLQ.ReplayWorkers,
		MaxAutoRetries:     p.cfg.DLQ.AutoRetry.MaxAttempts,
		AutoRetryInterval:  30 * time.Second,
		AutoRetryBaseDelay: p.cfg.DLQ.AutoRetry.InitialDelay.D(),
		AutoRetryMaxDelay:  p.cfg.DLQ.AutoRetry.MaxDelay.D(),
	}, dlq.Options{
		KV:        dlqKV,
		Publisher: client,
		Logger:    p.logger,
		Metrics:   metrics,
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create dlq manager")
	}
	p.dlqMgr = dlqMgr

	engine, err := correlate.NewEngine(correlate.Config{
		MinConfidence:   p.cfg.Correlation.MinConfidence,
		GroupTimeout:    p.cfg.Correlation.GroupTimeout.D(),
		HeuristicWindow: p.cfg.Correlation.HeuristicWindow.D(),
		Shards:          p.cfg.Correlation.Shards,
	}, correlate.Options{
		Ledger:     ledger,
		OnComplete: p.persistGroup,
		OnTimeout: func(g *correlate.Group) {
			ops.Notify(gateway.OpsEvent{
				Kind:    gateway.OpsGroupTimeout,
				GroupID: g.GroupID,
				Detail:  g.CanonicalKey,
			})
		},
		Logger:  p.logger,
		Metrics: metrics,
	})
	if err != nil {
		return errors.Wrap(err, "Pipeline", "Initialize", "create correlation engine")
	}
	p.engine = engine

	quarantiner := notifyingQuarantiner{mgr: dlqMgr, ops: ops}
	for name, sc := range p.cfg.Streams {
		stream := event.Stream(name)
		buffer, err := watermark.NewBuffer(stream, watermark.Config{
			AllowedLateness: sc.AllowedLateness.D(),
			Discipline:      windowDiscipline(sc.Window.Discipline),
			Width:           sc.Window.Width.D(),
			Step:            sc.Window.Step.D(),
			Gap:             sc.Window.Gap.D(),
		})
		if err != nil {
			return errors.Wrap(err, "Pipeline", "Initialize",
				fmt.Sprintf("create %s watermark buffer", stream))
		}

		ingestor, err := ingest.NewIngestor(ingest.Config{
			Stream:        stream,
			StreamName:    streamName,
			Subject:       sc.Subject,
			Durable:       sc.Durable,
			DrainInterval: sc.DrainInterval.D(),
		}, ingest.Options{
			Buffer:      buffer,
			Ledger:      ledger,
			Correlator:  engine,
			Quarantiner: quarantiner,
			Consumer:    client,
			Logger:      p.logger,
			Metrics:     metrics,
		})
		if err != nil {
			return errors.Wrap(err, "Pipeline", "Initialize",
				fmt.Sprintf("create %s ingestor", stream))
		}
		p.ingestors[stream] = ingestor
	}

	// DLQ replays route back through the owning stream's ingestor.
	dlqMgr.SetResubmitter(streamRouter{ingestors: p.ingestors})

	ops.RegisterCheck("nats", func(context.Context) error {
		if status := client.Status(); status != natsclient.StatusConnected {
			return fmt.Errorf("nats %s", status)
		}
		return nil
	})
	ops.RegisterCheck("graph", func(checkCtx context.Context) error {
		_, err := graph.Entities(checkCtx)
		return err
	})

	p.initialized = true
	return nil
}

// streamRouter fans DLQ resubmissions out to the per-stream ingestors.
type streamRouter struct {
	ingestors map[event.Stream]*ingest.Ingestor
}

func (r streamRouter) Resubmit(ctx context.Context, stream event.Stream, raw []byte, backfill bool) error {
	ingestor, ok := r.ingestors[stream]
	if !ok {
		return errors.WrapInvalid(
			fmt.Errorf("no ingestor for stream %q", stream), "Pipeline", "Resubmit", "route replay")
	}
	return ingestor.Resubmit(ctx, stream, raw, backfill)
}

func windowDiscipline(name string) watermark.Discipline {
	switch name {
	case "tumbling":
		return watermark.Tumbling
	case "sliding":
		return watermark.Sliding
	default:
		return watermark.Session
	}
}

// groupDocument is the graph representation of a completed convergence group.
type groupDocument struct {
	GroupID    string                  `json:"group_id"`
	Key        string                  `json:"canonical_key"`
	Confidence float64                 `json:"confidence"`
	Members    map[string]memberRecord `json:"members"`
}

type memberRecord struct {
	EventID    string    `json:"event_id"`
	Type       string    `json:"event_type"`
	EventTime  time.Time `json:"event_time"`
	Confidence float64   `json:"confidence"`
	Provenance string    `json:"provenance"`
}

// verdictMessage announces a completed group on VerdictSubject: the same
// document the graph stores, plus when convergence became true.
type verdictMessage struct {
	groupDocument
	ValidFrom time.Time `json:"valid_from"`
}

// persistGroup writes a completed group into the bi-temporal store, then
// announces it to downstream verdict consumers. The validity window opens at
// the latest member event time: that is when the converged state became true.
func (p *Pipeline) persistGroup(ctx context.Context, g *correlate.Group) error {
	doc := groupDocument{
		GroupID:    g.GroupID,
		Key:        g.CanonicalKey,
		Confidence: g.AggregateConfidence(),
		Members:    make(map[string]memberRecord, len(g.Members)),
	}

	var validFrom time.Time
	for stream, m := range g.Members {
		doc.Members[string(stream)] = memberRecord{
			EventID:    m.Event.EventID,
			Type:       string(m.Event.Type),
			EventTime:  m.Event.EventTime,
			Confidence: m.Link.Confidence,
			Provenance: string(m.Link.Provenance),
		}
		if m.Event.EventTime.After(validFrom) {
			validFrom = m.Event.EventTime
		}
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return errors.WrapInvalid(err, "Pipeline", "persistGroup", "encode group")
	}

	if _, err := p.graph.Upsert(ctx, g.CanonicalKey, validFrom, data); err != nil {
		return err
	}

	if p.verdicts != nil {
		verdict, err := json.Marshal(verdictMessage{groupDocument: doc, ValidFrom: validFrom})
		if err != nil {
			return errors.WrapInvalid(err, "Pipeline", "persistGroup", "encode verdict")
		}
		// A failed publish keeps the group OPEN and the redelivery retries
		// the whole completion; the upsert above is an idempotent no-op then.
		if err := p.verdicts.PublishToStream(ctx, VerdictSubject, verdict); err != nil {
			return errors.WrapTransient(err, "Pipeline", "persistGroup", "publish verdict")
		}
	}
	return nil
}

// Start brings the pipeline up: engine and DLQ first, then the consumers,
// the ops surface last.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.initialized {
		return errors.ErrNotStarted
	}
	if p.started {
		return errors.ErrAlreadyStarted
	}

	if err := p.engine.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "start correlation engine")
	}
	if err := p.dlqMgr.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "start dlq manager")
	}
	for stream, ingestor := range p.ingestors {
		if err := ingestor.Start(ctx); err != nil {
			return errors.Wrap(err, "Pipeline", "Start",
				fmt.Sprintf("start %s ingestor", stream))
		}
	}
	if err := p.gateway.Start(ctx); err != nil {
		return errors.Wrap(err, "Pipeline", "Start", "start ops server")
	}

	p.started = true
	p.logger.Info("pipeline started",
		"streams", len(p.ingestors), "gateway", p.cfg.Gateway.Addr)
	return nil
}

// Stop shuts down in reverse order: stop intake, drain what is ready, then
// the engine, the DLQ, the ops surface, and finally the connection.
func (p *Pipeline) Stop(timeout time.Duration) error {
	if !p.started {
		return nil
	}
	p.started = false

	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	for stream, ingestor := range p.ingestors {
		if err := ingestor.Stop(timeout); err != nil {
			p.logger.Warn("ingestor stop", "stream", stream, "error", err)
			keep(err)
		}
	}
	keep(p.engine.Stop(timeout))
	keep(p.dlqMgr.Stop(timeout))
	keep(p.gateway.Stop(timeout))
	p.ledger.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	keep(p.client.Close(ctx))

	p.logger.Info("pipeline stopped")
	return firstErr
}

// Registry exposes the metrics registry, mainly for tests.
func (p *Pipeline) Registry() *metric.Registry {
	return p.registry
}

// DLQ exposes the dead letter queue manager for operational tooling.
func (p *Pipeline) DLQ() *dlq.Manager {
	return p.dlqMgr
}

// Graph exposes the bi-temporal store for operational tooling.
func (p *Pipeline) Graph() *graphstore.Store {
	return p.graph
}
