// Package worker provides a bounded generic worker pool. The DLQ replay
// path uses it to fan replayed events back into the pipeline without
// overwhelming downstream stores.
package worker

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/confluxd/conflux/metric"
)

// Pool sentinel errors.
var (
	ErrNilProcessor       = stderrors.New("processor function is required")
	ErrPoolNotStarted     = stderrors.New("pool not started")
	ErrPoolAlreadyStarted = stderrors.New("pool already started")
	ErrPoolStopped        = stderrors.New("pool stopped")
	ErrQueueFull          = stderrors.New("work queue full")
	ErrStopTimeout        = stderrors.New("timed out waiting for workers")
)

// Pool is a fixed-size worker pool processing items of type T. Submission is
// non-blocking: when the queue is full the item is dropped and ErrQueueFull
// returned, leaving backpressure decisions to the caller.
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error

	workChan chan T
	wg       sync.WaitGroup

	mu      sync.Mutex
	started bool
	stopped bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64

	metrics  *poolMetrics
	registry *metric.Registry
	prefix   string
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	processing *prometheus.HistogramVec
}

// Option configures a Pool.
type Option[T any] func(*Pool[T])

// WithMetrics registers queue depth and processing duration metrics under
// the given prefix.
func WithMetrics[T any](registry *metric.Registry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.registry = registry
		p.prefix = prefix
	}
}

// NewPool creates a pool. Zero or negative sizes fall back to defaults.
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) *Pool[T] {
	if workers <= 0 {
		workers = 4
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if processor == nil {
		panic(ErrNilProcessor)
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		workChan:  make(chan T, queueSize),
	}

	for _, opt := range opts {
		opt(p)
	}

	if p.registry != nil && p.prefix != "" {
		p.initMetrics()
	}

	return p
}

func (p *Pool[T]) initMetrics() {
	queueDepth := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: p.prefix + "_queue_depth",
		Help: "Items waiting in the worker pool queue",
	})
	processing := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    p.prefix + "_processing_duration_seconds",
		Help:    "Time spent processing one work item",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
	}, []string{"status"})

	// Registration conflicts only happen when two pools share a prefix,
	// which is a programming error surfaced at startup.
	_ = p.registry.Register("worker_pool", p.prefix+"_queue_depth", queueDepth)
	_ = p.registry.Register("worker_pool", p.prefix+"_processing_duration_seconds", processing)

	p.metrics = &poolMetrics{queueDepth: queueDepth, processing: processing}
}

// Start launches the workers. The pool runs until Stop or ctx cancellation.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}

	p.started = true
	return nil
}

// Submit enqueues one work item without blocking.
func (p *Pool[T]) Submit(work T) error {
	p.mu.Lock()
	started, stopped := p.started, p.stopped
	p.mu.Unlock()

	if !started {
		return ErrPoolNotStarted
	}
	if stopped {
		return ErrPoolStopped
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits up to timeout for in-flight work.
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return ErrStopTimeout
	}
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Workers    int   `json:"workers"`
	QueueDepth int   `json:"queue_depth"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
}

// Stats returns current pool counters.
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueDepth: len(p.workChan),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			start := time.Now()
			err := p.processor(ctx, work)

			p.processed.Add(1)
			status := "success"
			if err != nil {
				p.failed.Add(1)
				status = "error"
			}
			if p.metrics != nil {
				p.metrics.processing.WithLabelValues(status).Observe(time.Since(start).Seconds())
				p.metrics.queueDepth.Set(float64(len(p.workChan)))
			}
		}
	}
}
