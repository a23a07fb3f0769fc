// Package watermark implements per-stream reordering with lateness-tolerant
// windowing. Events wait in per-partition buffers until the partition
// watermark (max event time seen minus allowed lateness) passes them, then
// drain in ascending event-time order, chunked into windows for correlation.
package watermark

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
)

// Disposition is the outcome of offering an event to the buffer.
type Disposition int

// Add outcomes.
const (
	// Added means the event is buffered and will drain when ready.
	Added Disposition = iota
	// Late means the event's time is at or below the partition watermark;
	// the caller must quarantine it, never silently merge it.
	Late
)

// Config controls lateness tolerance and window chunking for one stream.
type Config struct {
	// AllowedLateness is subtracted from the max event time seen to form
	// the watermark.
	AllowedLateness time.Duration
	Discipline      Discipline
	// Width is the window size for tumbling and sliding disciplines.
	Width time.Duration
	// Step is the slide interval; sliding only.
	Step time.Duration
	// Gap closes a session window when exceeded; session only.
	Gap time.Duration
}

// Validate checks the configuration is internally consistent.
func (c Config) Validate() error {
	if c.AllowedLateness < 0 {
		return fmt.Errorf("allowed_lateness cannot be negative")
	}
	switch c.Discipline {
	case Tumbling:
		if c.Width <= 0 {
			return fmt.Errorf("tumbling windows need a positive width")
		}
	case Sliding:
		if c.Width <= 0 || c.Step <= 0 {
			return fmt.Errorf("sliding windows need positive width and step")
		}
		if c.Step > c.Width {
			return fmt.Errorf("sliding step %v exceeds width %v", c.Step, c.Width)
		}
	case Session:
		if c.Gap <= 0 {
			return fmt.Errorf("session windows need a positive gap")
		}
	default:
		return fmt.Errorf("unknown window discipline %q", c.Discipline)
	}
	return nil
}

type partition struct {
	pending []*event.Event
	// maxEventTime persists across drains so the watermark never regresses.
	maxEventTime time.Time
}

func (p *partition) watermark(lateness time.Duration) time.Time {
	if p.maxEventTime.IsZero() {
		return time.Time{}
	}
	return p.maxEventTime.Add(-lateness)
}

// Buffer is the reordering buffer for one stream.
type Buffer struct {
	stream event.Stream
	cfg    Config

	mu         sync.Mutex
	partitions map[string]*partition
	size       int
}

// NewBuffer creates a buffer for the given stream.
func NewBuffer(stream event.Stream, cfg Config) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Buffer", "NewBuffer", "validate config")
	}
	return &Buffer{
		stream:     stream,
		cfg:        cfg,
		partitions: make(map[string]*partition),
	}, nil
}

// Stream returns the stream this buffer serves.
func (b *Buffer) Stream() event.Stream {
	return b.stream
}

func partitionKey(ev *event.Event) string {
	return ev.EntityID
}

// Add offers an event to its partition. Events at or below the current
// partition watermark are reported Late and NOT buffered; the watermark is
// unaffected by them.
func (b *Buffer) Add(ev *event.Event) Disposition {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.partition(partitionKey(ev))

	if wm := p.watermark(b.cfg.AllowedLateness); !wm.IsZero() && !ev.EventTime.After(wm) {
		return Late
	}

	p.pending = append(p.pending, ev)
	b.size++
	if ev.EventTime.After(p.maxEventTime) {
		p.maxEventTime = ev.EventTime
	}
	return Added
}

// AddBackfill buffers an event regardless of the watermark. Operator replay
// path: the original event time is preserved, so downstream persistence
// records a bi-temporal correction instead of a fresh insert. Backfilled
// events never advance the watermark.
func (b *Buffer) AddBackfill(ev *event.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	p := b.partition(partitionKey(ev))
	p.pending = append(p.pending, ev)
	b.size++
}

func (b *Buffer) partition(key string) *partition {
	p, ok := b.partitions[key]
	if !ok {
		p = &partition{}
		b.partitions[key] = p
	}
	return p
}

// DrainReady removes and returns all ready events (event_time <= partition
// watermark, and every backfilled event) in ascending event-time order,
// chunked into windows by the configured discipline. Partitions drain
// independently; events within a window share a partition.
func (b *Buffer) DrainReady() []Window {
	b.mu.Lock()
	defer b.mu.Unlock()

	var windows []Window
	for key, p := range b.partitions {
		wm := p.watermark(b.cfg.AllowedLateness)
		if wm.IsZero() {
			continue
		}

		var ready, still []*event.Event
		for _, ev := range p.pending {
			if !ev.EventTime.After(wm) {
				ready = append(ready, ev)
			} else {
				still = append(still, ev)
			}
		}
		if len(ready) == 0 {
			continue
		}

		p.pending = still
		b.size -= len(ready)

		sort.SliceStable(ready, func(i, j int) bool {
			return ready[i].EventTime.Before(ready[j].EventTime)
		})
		windows = append(windows, chunk(key, ready, b.cfg)...)
	}

	sort.SliceStable(windows, func(i, j int) bool {
		if !windows[i].Start.Equal(windows[j].Start) {
			return windows[i].Start.Before(windows[j].Start)
		}
		return windows[i].Partition < windows[j].Partition
	})
	return windows
}

// Watermark returns the current watermark for a partition, zero when the
// partition has seen no events.
func (b *Buffer) Watermark(partitionKey string) time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, ok := b.partitions[partitionKey]
	if !ok {
		return time.Time{}
	}
	return p.watermark(b.cfg.AllowedLateness)
}

// LowWatermark returns the minimum watermark across partitions, zero when
// nothing has been seen. Feeds the watermark-age gauge.
func (b *Buffer) LowWatermark() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()

	var low time.Time
	for _, p := range b.partitions {
		wm := p.watermark(b.cfg.AllowedLateness)
		if wm.IsZero() {
			continue
		}
		if low.IsZero() || wm.Before(low) {
			low = wm
		}
	}
	return low
}

// Len returns the number of buffered events across all partitions.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}
