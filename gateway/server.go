// Package gateway is the HTTP ops surface: Prometheus scrapes, component
// health, and a live WebSocket feed of operational events.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/metric"
)

// OpsSubject is the NATS subject operational events are mirrored to.
const OpsSubject = "conflux.ops.events"

// OpsKind classifies an operational event.
type OpsKind string

// Operational event kinds.
const (
	OpsQuarantine   OpsKind = "quarantine"
	OpsGroupTimeout OpsKind = "group_timeout"
	OpsCircuit      OpsKind = "circuit"
)

// OpsEvent is one operational event pushed to WebSocket subscribers and
// mirrored to NATS.
type OpsEvent struct {
	Kind   OpsKind   `json:"kind"`
	At     time.Time `json:"at"`
	Stream string    `json:"stream,omitempty"`
	// EventID, GroupID and Category identify the subject of the event;
	// which are set depends on Kind.
	EventID  string `json:"event_id,omitempty"`
	GroupID  string `json:"group_id,omitempty"`
	Category string `json:"category,omitempty"`
	Detail   string `json:"detail,omitempty"`
}

// CheckFunc reports the health of one component. A nil error means healthy.
type CheckFunc func(ctx context.Context) error

// Publisher mirrors ops events onto NATS. Optional.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config configures the ops server.
type Config struct {
	Addr string
	// ReadHeaderTimeout guards against slowloris on the ops port.
	ReadHeaderTimeout time.Duration
	// WriteTimeout bounds a single WebSocket write.
	WriteTimeout time.Duration
	// EventBuffer is the depth of the broadcast queue; events beyond it are
	// dropped rather than blocking the pipeline.
	EventBuffer int
}

// DefaultConfig returns the default ops server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		EventBuffer:       256,
	}
}

// Server serves /metrics, /healthz and /ws/events.
type Server struct {
	cfg       Config
	logger    *slog.Logger
	registry  *metric.Registry
	publisher Publisher
	upgrader  websocket.Upgrader

	checksMu sync.RWMutex
	checks   map[string]CheckFunc

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]*wsClient

	events chan OpsEvent

	mu       sync.Mutex
	started  bool
	listener net.Listener
	server   *http.Server
	done     chan struct{}
}

type wsClient struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

// Options carries the server's collaborators.
type Options struct {
	Registry  *metric.Registry
	Publisher Publisher
	Logger    *slog.Logger
}

// NewServer creates the ops server. The metrics registry is required; the
// publisher is optional.
func NewServer(cfg Config, opts Options) (*Server, error) {
	if opts.Registry == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metrics registry is required"), "Server", "NewServer", "validate options")
	}
	def := DefaultConfig()
	if cfg.Addr == "" {
		cfg.Addr = def.Addr
	}
	if cfg.ReadHeaderTimeout <= 0 {
		cfg.ReadHeaderTimeout = def.ReadHeaderTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = def.EventBuffer
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		cfg:       cfg,
		logger:    logger.With("component", "gateway"),
		registry:  opts.Registry,
		publisher: opts.Publisher,
		checks:    make(map[string]CheckFunc),
		clients:   make(map[*websocket.Conn]*wsClient),
		events:    make(chan OpsEvent, cfg.EventBuffer),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
	}, nil
}

// RegisterCheck adds a named component health check.
func (s *Server) RegisterCheck(name string, check CheckFunc) {
	s.checksMu.Lock()
	defer s.checksMu.Unlock()
	s.checks[name] = check
}

// Notify enqueues an operational event for broadcast. Never blocks; under
// backpressure the event is dropped with a warning.
func (s *Server) Notify(ev OpsEvent) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("ops event dropped, broadcast queue full", "kind", ev.Kind)
	}
}

// Addr returns the bound listen address. Valid after Start; useful when the
// configured address is ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.cfg.Addr
	}
	return s.listener.Addr().String()
}

// Start binds the listener and begins serving.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}

	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("listen on %s", s.cfg.Addr))
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.registry.Handler())
	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/ws/events", s.handleWS)

	s.listener = listener
	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	s.done = make(chan struct{})
	s.started = true

	go s.broadcastLoop(ctx)
	go func() {
		if err := s.server.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("ops server stopped", "error", err)
		}
	}()

	s.logger.Info("ops server listening", "addr", listener.Addr().String())
	return nil
}

// Stop shuts the server down, closing WebSocket clients first.
func (s *Server) Stop(timeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.started {
		return nil
	}
	s.started = false

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
			time.Now().Add(time.Second))
		_ = conn.Close()
	}
	s.clients = make(map[*websocket.Conn]*wsClient)
	s.clientsMu.Unlock()

	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Stop", "shutdown http server")
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	type componentStatus struct {
		Component string `json:"component"`
		Healthy   bool   `json:"healthy"`
		Error     string `json:"error,omitempty"`
	}

	s.checksMu.RLock()
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)
	checks := make(map[string]CheckFunc, len(s.checks))
	for name, check := range s.checks {
		checks[name] = check
	}
	s.checksMu.RUnlock()

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	healthy := true
	components := make([]componentStatus, 0, len(names))
	for _, name := range names {
		status := componentStatus{Component: name, Healthy: true}
		if err := checks[name](ctx); err != nil {
			status.Healthy = false
			status.Error = err.Error()
			healthy = false
		}
		components = append(components, status)
	}

	overall := "healthy"
	code := http.StatusOK
	if !healthy {
		overall = "unhealthy"
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":     overall,
		"timestamp":  time.Now().UTC(),
		"components": components,
	})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	client := &wsClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[conn] = client
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Info("ops subscriber connected", "remote", r.RemoteAddr, "subscribers", count)

	// Read loop exists only to notice the client going away.
	go func() {
		defer s.dropClient(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (s *Server) dropClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		_ = conn.Close()
	}
	s.clientsMu.Unlock()
}

func (s *Server) broadcastLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case ev := <-s.events:
			s.broadcast(ev)
		}
	}
}

func (s *Server) broadcast(ev OpsEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.logger.Error("marshal ops event", "kind", ev.Kind, "error", err)
		return
	}

	if s.publisher != nil {
		if err := s.publisher.Publish(OpsSubject, data); err != nil {
			s.logger.Warn("publish ops event", "kind", ev.Kind, "error", err)
		}
	}

	s.clientsMu.Lock()
	targets := make([]*wsClient, 0, len(s.clients))
	for _, c := range s.clients {
		targets = append(targets, c)
	}
	s.clientsMu.Unlock()

	for _, c := range targets {
		c.mu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		err := c.conn.WriteMessage(websocket.TextMessage, data)
		c.mu.Unlock()
		if err != nil {
			s.dropClient(c.conn)
		}
	}
}
