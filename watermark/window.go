package watermark

import (
	"time"

	"github.com/confluxd/conflux/event"
)

// Discipline selects how drained events are chunked into windows.
type Discipline string

// Window disciplines. The discipline only affects chunking for correlation,
// never whether an event is ready.
const (
	Tumbling Discipline = "tumbling"
	Sliding  Discipline = "sliding"
	Session  Discipline = "session"
)

// Window is one ordered chunk of ready events from a single partition.
// Events are delivered exactly once even under overlapping (sliding)
// window ranges: each event lands in the most recent window containing it.
type Window struct {
	Partition string
	Start     time.Time
	End       time.Time
	Events    []*event.Event
}

func chunk(partitionKey string, ordered []*event.Event, cfg Config) []Window {
	switch cfg.Discipline {
	case Session:
		return chunkSession(partitionKey, ordered, cfg.Gap)
	case Sliding:
		return chunkAligned(partitionKey, ordered, cfg.Width, cfg.Step)
	default:
		return chunkAligned(partitionKey, ordered, cfg.Width, cfg.Width)
	}
}

// chunkAligned buckets events into epoch-aligned windows of the given width
// whose starts are multiples of step. Tumbling is the step == width case.
func chunkAligned(partitionKey string, ordered []*event.Event, width, step time.Duration) []Window {
	var windows []Window
	var cur *Window

	for _, ev := range ordered {
		start := ev.EventTime.Truncate(step)
		if cur == nil || !cur.Start.Equal(start) {
			windows = append(windows, Window{
				Partition: partitionKey,
				Start:     start,
				End:       start.Add(width),
			})
			cur = &windows[len(windows)-1]
		}
		cur.Events = append(cur.Events, ev)
	}
	return windows
}

// chunkSession starts a new window whenever the gap between consecutive
// events exceeds the configured session gap.
func chunkSession(partitionKey string, ordered []*event.Event, gap time.Duration) []Window {
	var windows []Window
	var cur *Window

	for _, ev := range ordered {
		if cur == nil || ev.EventTime.Sub(cur.Events[len(cur.Events)-1].EventTime) > gap {
			windows = append(windows, Window{
				Partition: partitionKey,
				Start:     ev.EventTime,
			})
			cur = &windows[len(windows)-1]
		}
		cur.Events = append(cur.Events, ev)
		cur.End = ev.EventTime.Add(gap)
	}
	return windows
}
