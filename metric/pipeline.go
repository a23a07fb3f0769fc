package metric

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "conflux"

// PipelineMetrics holds the metric set shared by all pipeline stages: the
// ingest path, the watermark buffers, the correlation engine, the graph
// store, and the DLQ.
type PipelineMetrics struct {
	// Ingest
	EventsReceived  *prometheus.CounterVec // stream
	EventsAccepted  *prometheus.CounterVec // stream
	EventsDuplicate *prometheus.CounterVec // stream, stage
	EventsRejected  *prometheus.CounterVec // stream, reason
	IngestLag       *prometheus.GaugeVec   // stream: observed_at - event_time
	ClockSkew       *prometheus.CounterVec // stream: observed_at < event_time

	// Watermark buffer
	BufferDepth  *prometheus.GaugeVec // stream
	WatermarkAge *prometheus.GaugeVec // stream: now - watermark
	LateArrivals *prometheus.CounterVec // stream

	// Correlation
	GroupsOpened    prometheus.Counter
	GroupsCompleted prometheus.Counter
	GroupsTimedOut  prometheus.Counter
	LinkConfidence  *prometheus.HistogramVec // provenance

	// Graph store
	GraphWrites *prometheus.CounterVec // kind: insert, correction, noop

	// DLQ
	DLQEntries *prometheus.CounterVec // category
	DLQReplays *prometheus.CounterVec // outcome

	// Shared infrastructure
	ProcessingDuration *prometheus.HistogramVec // component, operation
	NATSConnected      prometheus.Gauge
	NATSCircuitState   prometheus.Gauge // 0=closed, 1=open
	NATSReconnects     prometheus.Counter
}

// NewPipelineMetrics creates the unregistered pipeline metric set.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_received_total",
			Help: "Raw messages pulled from each stream",
		}, []string{"stream"}),

		EventsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_accepted_total",
			Help: "Events that passed validation and entered the watermark buffer",
		}, []string{"stream"}),

		EventsDuplicate: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_duplicate_total",
			Help: "Events rejected as duplicates, by pipeline stage",
		}, []string{"stream", "stage"}),

		EventsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "events_rejected_total",
			Help: "Events rejected before buffering, by reason",
		}, []string{"stream", "reason"}),

		IngestLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "lag_seconds",
			Help: "observed_at minus event_time of the most recent event",
		}, []string{"stream"}),

		ClockSkew: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "ingest", Name: "clock_skew_total",
			Help: "Events whose observed_at preceded their event_time",
		}, []string{"stream"}),

		BufferDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watermark", Name: "buffer_depth",
			Help: "Events held in the watermark buffer",
		}, []string{"stream"}),

		WatermarkAge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "watermark", Name: "age_seconds",
			Help: "Wall-clock age of the stream's low watermark",
		}, []string{"stream"}),

		LateArrivals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "watermark", Name: "late_arrivals_total",
			Help: "Events that arrived below the watermark",
		}, []string{"stream"}),

		GroupsOpened: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "correlate", Name: "groups_opened_total",
			Help: "Convergence groups opened",
		}),

		GroupsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "correlate", Name: "groups_completed_total",
			Help: "Convergence groups that reached COMPLETE",
		}),

		GroupsTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "correlate", Name: "groups_timed_out_total",
			Help: "Convergence groups that timed out while OPEN",
		}),

		LinkConfidence: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "correlate", Name: "link_confidence",
			Help:    "Confidence distribution of accepted correlation links",
			Buckets: []float64{0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		}, []string{"provenance"}),

		GraphWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "graph", Name: "writes_total",
			Help: "Graph store writes by kind (insert, correction, noop)",
		}, []string{"kind"}),

		DLQEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dlq", Name: "entries_total",
			Help: "Events quarantined, by category",
		}, []string{"category"}),

		DLQReplays: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "dlq", Name: "replays_total",
			Help: "DLQ replay attempts, by outcome",
		}, []string{"outcome"}),

		ProcessingDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "processing", Name: "duration_seconds",
			Help:    "Per-operation processing duration",
			Buckets: prometheus.DefBuckets,
		}, []string{"component", "operation"}),

		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "connected",
			Help: "NATS connection status (0=disconnected, 1=connected)",
		}),

		NATSCircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "nats", Name: "circuit_breaker",
			Help: "NATS circuit breaker state (0=closed, 1=open)",
		}),

		NATSReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "nats", Name: "reconnects_total",
			Help: "NATS reconnections",
		}),
	}
}

func (m *PipelineMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.EventsReceived, m.EventsAccepted, m.EventsDuplicate, m.EventsRejected,
		m.IngestLag, m.ClockSkew,
		m.BufferDepth, m.WatermarkAge, m.LateArrivals,
		m.GroupsOpened, m.GroupsCompleted, m.GroupsTimedOut, m.LinkConfidence,
		m.GraphWrites,
		m.DLQEntries, m.DLQReplays,
		m.ProcessingDuration,
		m.NATSConnected, m.NATSCircuitState, m.NATSReconnects,
	}
}

// RecordLag records the observed ingest lag for a stream.
func (m *PipelineMetrics) RecordLag(stream string, lag time.Duration) {
	m.IngestLag.WithLabelValues(stream).Set(lag.Seconds())
}

// RecordDuration observes the duration of one operation.
func (m *PipelineMetrics) RecordDuration(component, operation string, d time.Duration) {
	m.ProcessingDuration.WithLabelValues(component, operation).Observe(d.Seconds())
}

// RecordQuarantine counts one DLQ entry in the given category.
func (m *PipelineMetrics) RecordQuarantine(category string) {
	m.DLQEntries.WithLabelValues(category).Inc()
}

// RecordLink observes the confidence of an accepted correlation link.
func (m *PipelineMetrics) RecordLink(provenance string, confidence float64) {
	m.LinkConfidence.WithLabelValues(provenance).Observe(confidence)
}
