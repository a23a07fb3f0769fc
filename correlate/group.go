package correlate

import (
	"time"

	"github.com/google/uuid"

	"github.com/confluxd/conflux/event"
)

// GroupState is the lifecycle state of a convergence group. Transitions are
// one-way: OPEN to COMPLETE or OPEN to TIMED_OUT, exactly once, never back.
type GroupState string

// Group states.
const (
	StateOpen     GroupState = "OPEN"
	StateComplete GroupState = "COMPLETE"
	StateTimedOut GroupState = "TIMED_OUT"
)

// Member is one stream's slot in a group.
type Member struct {
	Event *event.Event `json:"event"`
	Link  Link         `json:"link"`
}

// Group is a set of correlated events, at most one member per stream,
// believed to reference the same logical contract.
type Group struct {
	GroupID      string                   `json:"group_id"`
	CanonicalKey string                   `json:"canonical_key"`
	Members      map[event.Stream]*Member `json:"members"`
	State        GroupState               `json:"state"`
	OpenedAt     time.Time                `json:"opened_at"`
	CompletedAt  *time.Time               `json:"completed_at,omitempty"`
}

func newGroup(ev *event.Event, now time.Time) *Group {
	g := &Group{
		GroupID:      uuid.NewString(),
		CanonicalKey: CanonicalKey(ev),
		Members:      make(map[event.Stream]*Member, len(event.Streams())),
		State:        StateOpen,
		OpenedAt:     now,
	}
	g.Members[ev.Stream] = &Member{
		Event: ev,
		Link: Link{
			SourceEventID: ev.EventID,
			TargetEventID: ev.EventID,
			Confidence:    confidenceExplicitID,
			Provenance:    ProvenanceFounding,
			CreatedAt:     now,
		},
	}
	return g
}

// AggregateConfidence is the minimum of the member link confidences, the
// weakest link in the star.
func (g *Group) AggregateConfidence() float64 {
	agg := 1.0
	for _, m := range g.Members {
		if m.Link.Confidence < agg {
			agg = m.Link.Confidence
		}
	}
	return agg
}

// causallyOrdered reports whether every member whose type declares a causal
// parent stream has that parent present with an event time at or before its
// own.
func (g *Group) causallyOrdered() bool {
	for stream, m := range g.Members {
		parentStream, ok := m.Event.Type.CausalParent()
		if !ok || parentStream == stream {
			continue
		}
		parent, present := g.Members[parentStream]
		if !present {
			return false
		}
		if m.Event.EventTime.Before(parent.Event.EventTime) {
			return false
		}
	}
	return true
}

// readyToComplete reports whether all three stream slots are filled, causal
// ordering holds among members, and the aggregate confidence clears the
// threshold.
func (g *Group) readyToComplete(minConfidence float64) bool {
	if g.State != StateOpen {
		return false
	}
	for _, stream := range event.Streams() {
		if g.Members[stream] == nil {
			return false
		}
	}
	return g.causallyOrdered() && g.AggregateConfidence() >= minConfidence
}
