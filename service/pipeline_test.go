package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxd/conflux/config"
	"github.com/confluxd/conflux/correlate"
	"github.com/confluxd/conflux/event"
	"github.com/confluxd/conflux/graphstore"
	"github.com/confluxd/conflux/testutil"
	"github.com/confluxd/conflux/watermark"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestNewPipeline_RejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.NATS.URL = ""
	_, err := NewPipeline(cfg, slog.Default())
	require.Error(t, err)

	_, err = NewPipeline(nil, nil)
	require.Error(t, err)
}

func TestWindowDiscipline(t *testing.T) {
	assert.Equal(t, watermark.Tumbling, windowDiscipline("tumbling"))
	assert.Equal(t, watermark.Sliding, windowDiscipline("sliding"))
	assert.Equal(t, watermark.Session, windowDiscipline("session"))
}

func member(stream event.Stream, typ event.Type, id string, at time.Time, conf float64) *correlate.Member {
	return &correlate.Member{
		Event: &event.Event{
			EventID:   id,
			Stream:    stream,
			Type:      typ,
			EventTime: at,
			EntityID:  "contract-1",
		},
		Link: correlate.Link{Confidence: conf, Provenance: correlate.ProvenanceExplicitID},
	}
}

func TestPersistGroup_WritesGroupDocument(t *testing.T) {
	graph, err := graphstore.NewStore(testutil.NewMemKV(), graphstore.Options{})
	require.NoError(t, err)

	p := &Pipeline{graph: graph, logger: slog.Default()}

	g := &correlate.Group{
		GroupID:      "grp-1",
		CanonicalKey: "conv-7",
		Members: map[event.Stream]*correlate.Member{
			event.StreamExecution:   member(event.StreamExecution, event.TypeRunCompleted, "e1", t0, 1.0),
			event.StreamBehavior:    member(event.StreamBehavior, event.TypeSuiteResult, "e2", t0.Add(time.Minute), 0.9),
			event.StreamConformance: member(event.StreamConformance, event.TypeCheckResult, "e3", t0.Add(2*time.Minute), 0.8),
		},
	}

	require.NoError(t, p.persistGroup(t.Context(), g))

	// Valid from the latest member event time: that is when convergence
	// became true.
	rec, err := graph.QueryAtEventTime(t.Context(), "conv-7", t0.Add(2*time.Minute))
	require.NoError(t, err)

	var doc groupDocument
	require.NoError(t, json.Unmarshal(rec.Data, &doc))
	assert.Equal(t, "grp-1", doc.GroupID)
	assert.InDelta(t, 0.8, doc.Confidence, 1e-9, "aggregate is the weakest link")
	assert.Len(t, doc.Members, 3)
	assert.True(t, rec.ValidFrom.Equal(t0.Add(2*time.Minute)))

	// Before the last member arrived the group did not exist.
	_, err = graph.QueryAtEventTime(t.Context(), "conv-7", t0.Add(time.Minute))
	require.Error(t, err)
}

func TestPersistGroup_Idempotent(t *testing.T) {
	graph, err := graphstore.NewStore(testutil.NewMemKV(), graphstore.Options{})
	require.NoError(t, err)
	p := &Pipeline{graph: graph, logger: slog.Default()}

	g := &correlate.Group{
		GroupID:      "grp-1",
		CanonicalKey: "conv-7",
		Members: map[event.Stream]*correlate.Member{
			event.StreamExecution: member(event.StreamExecution, event.TypeRunCompleted, "e1", t0, 1.0),
		},
	}

	require.NoError(t, p.persistGroup(t.Context(), g))
	require.NoError(t, p.persistGroup(t.Context(), g), "redelivered completion is a no-op")

	hist, err := graph.History(t.Context(), "conv-7")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
}

type publishedVerdict struct {
	subject string
	data    []byte
}

type verdictSink struct {
	mu   sync.Mutex
	err  error
	msgs []publishedVerdict
}

func (s *verdictSink) PublishToStream(_ context.Context, subject string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, publishedVerdict{subject: subject, data: data})
	return nil
}

func (s *verdictSink) all() []publishedVerdict {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]publishedVerdict(nil), s.msgs...)
}

func completedGroup() *correlate.Group {
	return &correlate.Group{
		GroupID:      "grp-1",
		CanonicalKey: "conv-7",
		Members: map[event.Stream]*correlate.Member{
			event.StreamExecution:   member(event.StreamExecution, event.TypeRunCompleted, "e1", t0, 1.0),
			event.StreamBehavior:    member(event.StreamBehavior, event.TypeSuiteResult, "e2", t0.Add(time.Minute), 0.9),
			event.StreamConformance: member(event.StreamConformance, event.TypeCheckResult, "e3", t0.Add(2*time.Minute), 0.8),
		},
	}
}

func TestPersistGroup_PublishesVerdict(t *testing.T) {
	graph, err := graphstore.NewStore(testutil.NewMemKV(), graphstore.Options{})
	require.NoError(t, err)
	sink := &verdictSink{}
	p := &Pipeline{graph: graph, verdicts: sink, logger: slog.Default()}

	require.NoError(t, p.persistGroup(t.Context(), completedGroup()))

	msgs := sink.all()
	require.Len(t, msgs, 1)
	assert.Equal(t, VerdictSubject, msgs[0].subject)

	var v verdictMessage
	require.NoError(t, json.Unmarshal(msgs[0].data, &v))
	assert.Equal(t, "grp-1", v.GroupID)
	assert.Equal(t, "conv-7", v.Key)
	assert.InDelta(t, 0.8, v.Confidence, 1e-9)
	assert.Len(t, v.Members, 3)
	assert.True(t, v.ValidFrom.Equal(t0.Add(2*time.Minute)),
		"verdict carries when convergence became true")
}

func TestPersistGroup_PublishFailureRetriesCompletion(t *testing.T) {
	graph, err := graphstore.NewStore(testutil.NewMemKV(), graphstore.Options{})
	require.NoError(t, err)
	sink := &verdictSink{err: stderrors.New("nats down")}
	p := &Pipeline{graph: graph, verdicts: sink, logger: slog.Default()}

	g := completedGroup()
	require.Error(t, p.persistGroup(t.Context(), g), "failed publish keeps the completion retryable")

	// The redelivered completion finds the upsert a no-op and the verdict
	// goes out exactly once.
	sink.err = nil
	require.NoError(t, p.persistGroup(t.Context(), g))

	hist, err := graph.History(t.Context(), "conv-7")
	require.NoError(t, err)
	assert.Len(t, hist, 1)
	assert.Len(t, sink.all(), 1)
}

func TestStreamRouter_UnknownStream(t *testing.T) {
	r := streamRouter{ingestors: nil}
	err := r.Resubmit(t.Context(), event.StreamExecution, []byte(`{}`), false)
	require.Error(t, err)
}
