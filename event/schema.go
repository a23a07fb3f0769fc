package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/confluxd/conflux/errors"
)

const timeLayout = time.RFC3339Nano

const envelopeDefs = `
	"defs": {
		"timestamp": {"type": "string", "format": "date-time"},
		"trace_context": {
			"type": "object",
			"properties": {
				"trace_id": {"type": "string", "minLength": 1},
				"span_id": {"type": "string", "minLength": 1},
				"trace_flags": {"type": "string"}
			},
			"required": ["trace_id", "span_id"]
		},
		"status": {"enum": ["passed", "failed"]}
	}`

func envelopeSchema(stream Stream, types []string, payloadSchemas string) string {
	quoted := make([]string, len(types))
	for i, t := range types {
		quoted[i] = fmt.Sprintf("%q", t)
	}
	return fmt.Sprintf(`{
	"$schema": "http://json-schema.org/draft-07/schema#",
	%s,
	"type": "object",
	"properties": {
		"event_id": {"type": "string", "minLength": 1},
		"stream": {"const": %q},
		"event_type": {"enum": [%s]},
		"event_time": {"$ref": "#/defs/timestamp"},
		"observed_at": {"$ref": "#/defs/timestamp"},
		"entity_id": {"type": "string", "minLength": 1},
		"correlation_hint": {"type": "string"},
		"trace_context": {"$ref": "#/defs/trace_context"},
		"payload": {"type": "object"},
		"metadata": {"type": "object", "additionalProperties": {"type": "string"}}
	},
	"required": ["event_id", "stream", "event_type", "event_time", "entity_id", "payload"],
	"allOf": [%s]
}`, envelopeDefs, stream, strings.Join(quoted, ", "), payloadSchemas)
}

var executionSchema = envelopeSchema(StreamExecution,
	[]string{string(TypeRunStarted), string(TypeRunCompleted)}, `
	{
		"if": {"properties": {"event_type": {"const": "run_started"}}},
		"then": {"properties": {"payload": {
			"type": "object",
			"properties": {
				"workflow_id": {"type": "string", "minLength": 1},
				"contract_path": {"type": "string"},
				"trigger": {"type": "string"}
			},
			"required": ["workflow_id"]
		}}}
	},
	{
		"if": {"properties": {"event_type": {"const": "run_completed"}}},
		"then": {"properties": {"payload": {
			"type": "object",
			"properties": {
				"workflow_id": {"type": "string", "minLength": 1},
				"contract_path": {"type": "string"},
				"status": {"$ref": "#/defs/status"},
				"duration_ms": {"type": "integer", "minimum": 0}
			},
			"required": ["workflow_id", "status"]
		}}}
	}`)

var behaviorSchema = envelopeSchema(StreamBehavior,
	[]string{string(TypeSuiteResult)}, `
	{"properties": {"payload": {
		"type": "object",
		"properties": {
			"suite": {"type": "string", "minLength": 1},
			"contract_path": {"type": "string"},
			"passed": {"type": "integer", "minimum": 0},
			"failed": {"type": "integer", "minimum": 0},
			"skipped": {"type": "integer", "minimum": 0},
			"status": {"$ref": "#/defs/status"}
		},
		"required": ["suite", "status"]
	}}}`)

var conformanceSchema = envelopeSchema(StreamConformance,
	[]string{string(TypeCheckResult)}, `
	{"properties": {"payload": {
		"type": "object",
		"properties": {
			"rule_set": {"type": "string", "minLength": 1},
			"contract_path": {"type": "string"},
			"violations": {"type": "array", "items": {
				"type": "object",
				"properties": {
					"rule": {"type": "string", "minLength": 1},
					"severity": {"type": "string"},
					"path": {"type": "string"},
					"detail": {"type": "string"}
				},
				"required": ["rule"]
			}},
			"status": {"$ref": "#/defs/status"}
		},
		"required": ["rule_set", "status"]
	}}}`)

var streamSchemas = map[Stream]*gojsonschema.Schema{}

func init() {
	for stream, raw := range map[Stream]string{
		StreamExecution:   executionSchema,
		StreamBehavior:    behaviorSchema,
		StreamConformance: conformanceSchema,
	} {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(raw))
		if err != nil {
			panic(fmt.Sprintf("compile %s schema: %v", stream, err))
		}
		streamSchemas[stream] = schema
	}
}

// ValidationError reports every field-level schema failure for one message.
type ValidationError struct {
	Stream Stream
	Issues []string
}

// Error implements error.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("stream %s: %d schema violations: %s",
		e.Stream, len(e.Issues), strings.Join(e.Issues, "; "))
}

// Unwrap lets callers classify validation failures with errors.Is.
func (e *ValidationError) Unwrap() error {
	return errors.ErrSchemaViolation
}

// Decode validates raw against the stream's schema and decodes the typed
// envelope. Validation happens before anything downstream sees the message,
// in particular before idempotency-key computation.
func Decode(stream Stream, raw []byte, observedAt time.Time) (*Event, error) {
	schema, ok := streamSchemas[stream]
	if !ok {
		return nil, fmt.Errorf("%w: %q", errors.ErrUnknownStream, stream)
	}

	result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		// Unparseable JSON never gets a retry.
		return nil, &ValidationError{Stream: stream, Issues: []string{err.Error()}}
	}
	if !result.Valid() {
		issues := make([]string, 0, len(result.Errors()))
		for _, issue := range result.Errors() {
			issues = append(issues, issue.String())
		}
		return nil, &ValidationError{Stream: stream, Issues: issues}
	}

	var wire struct {
		EventID         string            `json:"event_id"`
		Stream          Stream            `json:"stream"`
		Type            Type              `json:"event_type"`
		EventTime       time.Time         `json:"event_time"`
		ObservedAt      time.Time         `json:"observed_at"`
		EntityID        string            `json:"entity_id"`
		CorrelationHint string            `json:"correlation_hint"`
		TraceContext    *TraceContext     `json:"trace_context"`
		Payload         json.RawMessage   `json:"payload"`
		Metadata        map[string]string `json:"metadata"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, &ValidationError{Stream: stream, Issues: []string{err.Error()}}
	}

	payload, err := decodePayload(wire.Type, wire.Payload)
	if err != nil {
		return nil, &ValidationError{Stream: stream, Issues: []string{err.Error()}}
	}

	ev := &Event{
		EventID:         wire.EventID,
		Stream:          wire.Stream,
		Type:            wire.Type,
		EventTime:       wire.EventTime,
		ObservedAt:      wire.ObservedAt,
		EntityID:        wire.EntityID,
		CorrelationHint: wire.CorrelationHint,
		TraceContext:    wire.TraceContext,
		Payload:         payload,
		Metadata:        wire.Metadata,
		Raw:             raw,
	}
	if ev.ObservedAt.IsZero() {
		ev.ObservedAt = observedAt
	}

	if err := ev.Validate(); err != nil {
		return nil, &ValidationError{Stream: stream, Issues: []string{err.Error()}}
	}
	return ev, nil
}
