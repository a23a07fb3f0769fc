package gateway

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/metric"
)

type capturePublisher struct {
	mu       sync.Mutex
	subjects []string
}

func (p *capturePublisher) Publish(subject string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subjects = append(p.subjects, subject)
	return nil
}

func (p *capturePublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.subjects)
}

func startTestServer(t *testing.T) (*Server, *capturePublisher) {
	t.Helper()

	pub := &capturePublisher{}
	srv, err := NewServer(Config{Addr: "127.0.0.1:0"}, Options{
		Registry:  metric.NewRegistry(),
		Publisher: pub,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, srv.Start(ctx))
	t.Cleanup(func() { _ = srv.Stop(time.Second) })

	return srv, pub
}

func TestNewServer_RequiresRegistry(t *testing.T) {
	_, err := NewServer(Config{}, Options{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestStart_AlreadyStarted(t *testing.T) {
	srv, _ := startTestServer(t)
	assert.ErrorIs(t, srv.Start(context.Background()), errors.ErrAlreadyStarted)
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := startTestServer(t)

	resp, err := http.Get(fmt.Sprintf("http://%s/metrics", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestHealthz_AggregatesChecks(t *testing.T) {
	srv, _ := startTestServer(t)
	srv.RegisterCheck("nats", func(context.Context) error { return nil })
	srv.RegisterCheck("graph", func(context.Context) error { return nil })

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body struct {
		Status     string `json:"status"`
		Components []struct {
			Component string `json:"component"`
			Healthy   bool   `json:"healthy"`
		} `json:"components"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
	require.Len(t, body.Components, 2)
}

func TestHealthz_UnhealthyComponent(t *testing.T) {
	srv, _ := startTestServer(t)
	srv.RegisterCheck("nats", func(context.Context) error {
		return stderrors.New("connection refused")
	})

	resp, err := http.Get(fmt.Sprintf("http://%s/healthz", srv.Addr()))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWS_ReceivesOpsEvents(t *testing.T) {
	srv, pub := startTestServer(t)

	url := fmt.Sprintf("ws://%s/ws/events", srv.Addr())
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	srv.Notify(OpsEvent{
		Kind:     OpsQuarantine,
		Stream:   "bdv",
		EventID:  "evt-1",
		Category: "LATE_ARRIVAL",
	})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var ev OpsEvent
	require.NoError(t, json.Unmarshal(data, &ev))
	assert.Equal(t, OpsQuarantine, ev.Kind)
	assert.Equal(t, "evt-1", ev.EventID)
	assert.False(t, ev.At.IsZero(), "timestamp assigned on notify")

	// The event is mirrored to NATS as well.
	require.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, 10*time.Millisecond)
}

func TestNotify_NeverBlocks(t *testing.T) {
	srv, err := NewServer(Config{Addr: "127.0.0.1:0", EventBuffer: 1}, Options{
		Registry: metric.NewRegistry(),
	})
	require.NoError(t, err)

	// Not started: no broadcast loop draining. Both calls must return.
	srv.Notify(OpsEvent{Kind: OpsCircuit})
	srv.Notify(OpsEvent{Kind: OpsCircuit})
}
