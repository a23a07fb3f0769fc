package event

import (
	"encoding/json"
	"fmt"
)

// Payload is the stream-specific body of an event. Decoding switches
// exhaustively on the event type; adding a variant means extending the
// switch in decodePayload.
type Payload interface {
	Kind() Type
	ContractPath() string
	Validate() error
}

// ResultStatus is the terminal outcome a verdict payload reports.
type ResultStatus string

// Verdict statuses.
const (
	StatusPassed ResultStatus = "passed"
	StatusFailed ResultStatus = "failed"
)

func (s ResultStatus) valid() bool {
	return s == StatusPassed || s == StatusFailed
}

// RunStarted marks the start of a workflow execution.
type RunStarted struct {
	WorkflowID string `json:"workflow_id"`
	Contract   string `json:"contract_path"`
	Trigger    string `json:"trigger,omitempty"`
}

// Kind implements Payload.
func (p *RunStarted) Kind() Type { return TypeRunStarted }

// ContractPath implements Payload.
func (p *RunStarted) ContractPath() string { return p.Contract }

// Validate implements Payload.
func (p *RunStarted) Validate() error {
	if p.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	return nil
}

// RunCompleted marks the end of a workflow execution.
type RunCompleted struct {
	WorkflowID string       `json:"workflow_id"`
	Contract   string       `json:"contract_path"`
	Status     ResultStatus `json:"status"`
	DurationMS int64        `json:"duration_ms,omitempty"`
}

// Kind implements Payload.
func (p *RunCompleted) Kind() Type { return TypeRunCompleted }

// ContractPath implements Payload.
func (p *RunCompleted) ContractPath() string { return p.Contract }

// Validate implements Payload.
func (p *RunCompleted) Validate() error {
	if p.WorkflowID == "" {
		return fmt.Errorf("workflow_id is required")
	}
	if !p.Status.valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// SuiteResult reports one behavioral test suite run.
type SuiteResult struct {
	Suite    string       `json:"suite"`
	Contract string       `json:"contract_path"`
	Passed   int          `json:"passed"`
	Failed   int          `json:"failed"`
	Skipped  int          `json:"skipped,omitempty"`
	Status   ResultStatus `json:"status"`
}

// Kind implements Payload.
func (p *SuiteResult) Kind() Type { return TypeSuiteResult }

// ContractPath implements Payload.
func (p *SuiteResult) ContractPath() string { return p.Contract }

// Validate implements Payload.
func (p *SuiteResult) Validate() error {
	if p.Suite == "" {
		return fmt.Errorf("suite is required")
	}
	if p.Passed < 0 || p.Failed < 0 || p.Skipped < 0 {
		return fmt.Errorf("test counts cannot be negative")
	}
	if !p.Status.valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

// Violation is one architecture rule breach.
type Violation struct {
	Rule     string `json:"rule"`
	Severity string `json:"severity"`
	Path     string `json:"path,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// CheckResult reports one architecture conformance check run.
type CheckResult struct {
	RuleSet    string       `json:"rule_set"`
	Contract   string       `json:"contract_path"`
	Violations []Violation  `json:"violations,omitempty"`
	Status     ResultStatus `json:"status"`
}

// Kind implements Payload.
func (p *CheckResult) Kind() Type { return TypeCheckResult }

// ContractPath implements Payload.
func (p *CheckResult) ContractPath() string { return p.Contract }

// Validate implements Payload.
func (p *CheckResult) Validate() error {
	if p.RuleSet == "" {
		return fmt.Errorf("rule_set is required")
	}
	if !p.Status.valid() {
		return fmt.Errorf("invalid status %q", p.Status)
	}
	return nil
}

func decodePayload(t Type, raw json.RawMessage) (Payload, error) {
	var p Payload
	switch t {
	case TypeRunStarted:
		p = &RunStarted{}
	case TypeRunCompleted:
		p = &RunCompleted{}
	case TypeSuiteResult:
		p = &SuiteResult{}
	case TypeCheckResult:
		p = &CheckResult{}
	default:
		return nil, fmt.Errorf("unknown event_type %q", t)
	}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", t, err)
	}
	return p, nil
}

// MarshalJSON emits the envelope with the payload inlined as its concrete
// type. The inverse of Decode for replay and test fixtures.
func (e *Event) MarshalJSON() ([]byte, error) {
	type alias struct {
		EventID         string            `json:"event_id"`
		Stream          Stream            `json:"stream"`
		Type            Type              `json:"event_type"`
		EventTime       string            `json:"event_time"`
		ObservedAt      string            `json:"observed_at,omitempty"`
		EntityID        string            `json:"entity_id"`
		CorrelationHint string            `json:"correlation_hint,omitempty"`
		TraceContext    *TraceContext     `json:"trace_context,omitempty"`
		Payload         Payload           `json:"payload"`
		Metadata        map[string]string `json:"metadata,omitempty"`
	}
	a := alias{
		EventID:         e.EventID,
		Stream:          e.Stream,
		Type:            e.Type,
		EventTime:       e.EventTime.UTC().Format(timeLayout),
		EntityID:        e.EntityID,
		CorrelationHint: e.CorrelationHint,
		TraceContext:    e.TraceContext,
		Payload:         e.Payload,
		Metadata:        e.Metadata,
	}
	if !e.ObservedAt.IsZero() {
		a.ObservedAt = e.ObservedAt.UTC().Format(timeLayout)
	}
	return json.Marshal(a)
}
