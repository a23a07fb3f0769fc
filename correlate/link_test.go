package correlate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxd/conflux/event"
)

func TestCanonicalKey_Precedence(t *testing.T) {
	ev := &event.Event{
		EntityID:        "contract-1",
		CorrelationHint: "conv-9",
		Metadata:        map[string]string{event.ContractTagKey: "orders-v2"},
	}
	assert.Equal(t, "conv-9", CanonicalKey(ev))

	ev.CorrelationHint = ""
	assert.Equal(t, "orders-v2", CanonicalKey(ev))

	ev.Metadata = nil
	assert.Equal(t, "contract-1", CanonicalKey(ev))
}

func TestScore_DeterministicPerProvenance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	founder := &event.Event{
		EventID:         "dde-1",
		Stream:          event.StreamExecution,
		Type:            event.TypeRunStarted,
		EventTime:       now,
		EntityID:        "contract-1",
		CorrelationHint: "conv-1",
		Payload:         &event.RunStarted{WorkflowID: "wf", Contract: "contracts/orders/v2.yaml"},
		Metadata:        map[string]string{event.ContractTagKey: "orders-v2"},
	}
	g := newGroup(founder, now)

	cases := []struct {
		name       string
		ev         *event.Event
		confidence float64
		provenance Provenance
	}{
		{
			name: "explicit id wins at 1.0",
			ev: &event.Event{
				EventID: "bdv-1", Stream: event.StreamBehavior, Type: event.TypeSuiteResult,
				EventTime: now, EntityID: "other", CorrelationHint: "conv-1",
				Payload: &event.SuiteResult{Suite: "s", Status: event.StatusPassed},
			},
			confidence: 1.0,
			provenance: ProvenanceExplicitID,
		},
		{
			name: "exact path at 0.9",
			ev: &event.Event{
				EventID: "bdv-2", Stream: event.StreamBehavior, Type: event.TypeSuiteResult,
				EventTime: now, EntityID: "other",
				Payload: &event.SuiteResult{Suite: "s", Status: event.StatusPassed,
					Contract: "contracts/orders/v2.yaml"},
			},
			confidence: 0.9,
			provenance: ProvenancePathExact,
		},
		{
			name: "tag match at 0.8",
			ev: &event.Event{
				EventID: "bdv-3", Stream: event.StreamBehavior, Type: event.TypeSuiteResult,
				EventTime: now, EntityID: "other",
				Payload:  &event.SuiteResult{Suite: "s", Status: event.StatusPassed},
				Metadata: map[string]string{event.ContractTagKey: "orders-v2"},
			},
			confidence: 0.8,
			provenance: ProvenanceTagMatch,
		},
		{
			name: "heuristic time proximity at 0.5",
			ev: &event.Event{
				EventID: "bdv-4", Stream: event.StreamBehavior, Type: event.TypeSuiteResult,
				EventTime: now.Add(time.Minute), EntityID: "contract-1",
				Payload: &event.SuiteResult{Suite: "s", Status: event.StatusPassed},
			},
			confidence: 0.5,
			provenance: ProvenanceHeuristic,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c, ok := score(tc.ev, g, 2*time.Minute)
			require.True(t, ok)
			assert.InDelta(t, tc.confidence, c.confidence, 1e-9)
			assert.Equal(t, tc.provenance, c.provenance)

			// Deterministic: scoring twice gives the same answer.
			again, _ := score(tc.ev, g, 2*time.Minute)
			assert.Equal(t, c.confidence, again.confidence)
		})
	}
}

func TestScore_FuzzyPathBounded(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	founder := &event.Event{
		EventID: "dde-1", Stream: event.StreamExecution, Type: event.TypeRunStarted,
		EventTime: now, EntityID: "contract-1",
		Payload: &event.RunStarted{WorkflowID: "wf", Contract: "contracts/orders/v2.yaml"},
	}
	g := newGroup(founder, now)

	ev := &event.Event{
		EventID: "bdv-1", Stream: event.StreamBehavior, Type: event.TypeSuiteResult,
		EventTime: now.Add(time.Hour), EntityID: "other",
		Payload: &event.SuiteResult{Suite: "s", Status: event.StatusPassed,
			Contract: "contracts/orders/v2.json"},
	}

	c, ok := score(ev, g, 2*time.Minute)
	require.True(t, ok)
	assert.Equal(t, ProvenancePathFuzzy, c.provenance)
	assert.GreaterOrEqual(t, c.confidence, 0.5)
	assert.Less(t, c.confidence, 0.9)
}

func TestScore_NoMatch(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	founder := &event.Event{
		EventID: "dde-1", Stream: event.StreamExecution, Type: event.TypeRunStarted,
		EventTime: now, EntityID: "contract-1",
		Payload: &event.RunStarted{WorkflowID: "wf"},
	}
	g := newGroup(founder, now)

	// Different entity, no hint, no tag, no path, outside heuristic window.
	ev := &event.Event{
		EventID: "bdv-1", Stream: event.StreamBehavior, Type: event.TypeSuiteResult,
		EventTime: now.Add(time.Hour), EntityID: "contract-2",
		Payload: &event.SuiteResult{Suite: "s", Status: event.StatusPassed},
	}
	_, ok := score(ev, g, 2*time.Minute)
	assert.False(t, ok)
}

func TestPathSimilarity(t *testing.T) {
	assert.Equal(t, 1.0, pathSimilarity("contracts/orders/v2.yaml", "CONTRACTS/Orders/V2.json"),
		"normalization ignores case and extension")
	assert.GreaterOrEqual(t, pathSimilarity("contracts/orders/v2.yaml", "contracts/orders/v3.yaml"), 0.5)
	assert.Less(t, pathSimilarity("contracts/orders/v2.yaml", "lib/util/strings.go"), 0.3)
}

func TestGroupAggregateConfidence(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	founder := &event.Event{
		EventID: "dde-1", Stream: event.StreamExecution, Type: event.TypeRunStarted,
		EventTime: now, EntityID: "c1", Payload: &event.RunStarted{WorkflowID: "wf"},
	}
	g := newGroup(founder, now)
	assert.Equal(t, 1.0, g.AggregateConfidence())

	g.Members[event.StreamBehavior] = &Member{
		Event: &event.Event{EventID: "bdv-1", Stream: event.StreamBehavior},
		Link:  Link{Confidence: 0.8},
	}
	assert.Equal(t, 0.8, g.AggregateConfidence(), "the weakest link bounds the star")
}
