// Package conflux ingests three independently ordered event streams,
// deduplicates and reorders them under per-partition watermarks, correlates
// them into confidence-scored convergence groups, and persists the result
// into a bi-temporal entity store.
//
// # Streams
//
// Three sources report on the same logical contracts from different angles:
//
//   - dde: workflow execution events (run_started, run_completed)
//   - bdv: behavioral test suite results (suite_result)
//   - acc: architecture conformance checks (check_result)
//
// Each stream is consumed by its own ingestor, so ordering guarantees are
// per stream and per entity, never global.
//
// # Pipeline
//
//	JetStream ──► ingest ──► watermark ──► correlate ──► graphstore
//	                 │            │             │
//	                 └────────────┴──────► dlq ◄┘
//
// Invalid, late and causally impossible events are quarantined into a
// categorized dead letter queue with operator-driven and automatic replay.
// Completed convergence groups land in the graph store bi-temporally:
// record time says when the system learned something, the validity window
// says when it was true, and corrections supersede instead of overwrite.
//
// # Packages
//
// Domain:
//   - event: envelope decoding and JSON Schema validation
//   - idempotency: deterministic event keys and the dedup ledger
//   - watermark: lateness-tolerant reordering and window chunking
//   - correlate: convergence groups, link confidence, causal gating
//   - graphstore: append-only bi-temporal entity versions
//   - dlq: quarantine categories, replay, auto-retry
//   - ingest: the per-stream consumer loop tying the above together
//
// Infrastructure:
//   - natsclient: NATS/JetStream client with circuit breaker and KV helpers
//   - metric: Prometheus registry and the pipeline metric set
//   - errors: classified errors (transient, invalid, fatal)
//   - config: JSON/YAML configuration with env overrides
//   - gateway: /metrics, /healthz and the live ops WebSocket
//   - service: assembly and lifecycle
//   - pkg/retry, pkg/cache, pkg/worker: small shared utilities
package conflux
