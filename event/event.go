// Package event defines the envelope and payload types for the three source
// streams, plus schema validation and decoding. Every message entering the
// pipeline passes through Decode before anything else looks at it.
package event

import (
	"fmt"
	"time"
)

// Stream identifies one of the three event sources.
type Stream string

// The three source streams.
const (
	// StreamExecution carries workflow execution events.
	StreamExecution Stream = "dde"
	// StreamBehavior carries behavioral test results.
	StreamBehavior Stream = "bdv"
	// StreamConformance carries architecture conformance checks.
	StreamConformance Stream = "acc"
)

// Streams lists all known streams in a fixed order.
func Streams() []Stream {
	return []Stream{StreamExecution, StreamBehavior, StreamConformance}
}

// Valid reports whether s is a known stream.
func (s Stream) Valid() bool {
	switch s {
	case StreamExecution, StreamBehavior, StreamConformance:
		return true
	}
	return false
}

// Type is a stream-scoped event type.
type Type string

// Event types per stream.
const (
	TypeRunStarted   Type = "run_started"   // execution
	TypeRunCompleted Type = "run_completed" // execution
	TypeSuiteResult  Type = "suite_result"  // behavior
	TypeCheckResult  Type = "check_result"  // conformance
)

// StreamOf returns the stream a type belongs to.
func (t Type) StreamOf() (Stream, bool) {
	switch t {
	case TypeRunStarted, TypeRunCompleted:
		return StreamExecution, true
	case TypeSuiteResult:
		return StreamBehavior, true
	case TypeCheckResult:
		return StreamConformance, true
	}
	return "", false
}

// CausalParent returns the stream whose member must causally precede events
// of this type inside a convergence group. Verdict events depend on the
// execution they verify; a completion depends on its start.
func (t Type) CausalParent() (Stream, bool) {
	switch t {
	case TypeSuiteResult, TypeCheckResult, TypeRunCompleted:
		return StreamExecution, true
	}
	return "", false
}

// TraceContext carries propagated distributed-trace identifiers.
type TraceContext struct {
	TraceID    string `json:"trace_id"`
	SpanID     string `json:"span_id"`
	TraceFlags string `json:"trace_flags,omitempty"`
}

// Event is the decoded envelope common to all streams.
type Event struct {
	EventID         string            `json:"event_id"`
	Stream          Stream            `json:"stream"`
	Type            Type              `json:"event_type"`
	EventTime       time.Time         `json:"event_time"`
	ObservedAt      time.Time         `json:"observed_at"`
	EntityID        string            `json:"entity_id"`
	CorrelationHint string            `json:"correlation_hint,omitempty"`
	TraceContext    *TraceContext     `json:"trace_context,omitempty"`
	Payload         Payload           `json:"payload"`
	Metadata        map[string]string `json:"metadata,omitempty"`

	// Raw preserves the original message bytes for DLQ quarantine and replay.
	Raw []byte `json:"-"`
}

// ContractTagKey is the metadata key carrying the producer-supplied contract
// tag used for tag-based correlation.
const ContractTagKey = "contract_tag"

// ContractTag returns the producer-supplied contract tag, if any.
func (e *Event) ContractTag() string {
	return e.Metadata[ContractTagKey]
}

// ContractPath returns the payload's contract path, or "" when absent.
func (e *Event) ContractPath() string {
	if e.Payload == nil {
		return ""
	}
	return e.Payload.ContractPath()
}

// ClockSkewed reports whether the event was observed before it nominally
// occurred. Tolerated but logged.
func (e *Event) ClockSkewed() bool {
	return !e.ObservedAt.IsZero() && e.ObservedAt.Before(e.EventTime)
}

// Lag is how far behind real time the event arrived.
func (e *Event) Lag() time.Duration {
	return e.ObservedAt.Sub(e.EventTime)
}

// Validate checks envelope-level invariants after decoding.
func (e *Event) Validate() error {
	if e.EventID == "" {
		return fmt.Errorf("event_id is required")
	}
	if !e.Stream.Valid() {
		return fmt.Errorf("unknown stream %q", e.Stream)
	}
	typeStream, ok := e.Type.StreamOf()
	if !ok {
		return fmt.Errorf("unknown event_type %q", e.Type)
	}
	if typeStream != e.Stream {
		return fmt.Errorf("event_type %q does not belong to stream %q", e.Type, e.Stream)
	}
	if e.EventTime.IsZero() {
		return fmt.Errorf("event_time is required")
	}
	if e.EntityID == "" {
		return fmt.Errorf("entity_id is required")
	}
	if e.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if e.Payload.Kind() != e.Type {
		return fmt.Errorf("payload kind %q does not match event_type %q", e.Payload.Kind(), e.Type)
	}
	return e.Payload.Validate()
}
