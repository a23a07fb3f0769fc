// Package config loads and validates the service configuration from JSON or
// YAML, with environment overrides for deployment-specific settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/confluxd/conflux/errors"
	"github.com/confluxd/conflux/event"
)

// Environment variable overrides.
const (
	EnvConfig   = "CONFLUX_CONFIG"
	EnvNATSURL  = "CONFLUX_NATS_URL"
	EnvLogLevel = "CONFLUX_LOG_LEVEL"
)

// Duration is a time.Duration that marshals as a string ("5m", "30s") in
// both JSON and YAML.
type Duration time.Duration

// D returns the underlying time.Duration.
func (d Duration) D() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"5m\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Config is the complete service configuration.
type Config struct {
	Platform    PlatformConfig          `json:"platform"              yaml:"platform"`
	NATS        NATSConfig              `json:"nats"                  yaml:"nats"`
	Streams     map[string]StreamConfig `json:"streams"               yaml:"streams"`
	Idempotency IdempotencyConfig       `json:"idempotency"           yaml:"idempotency"`
	Graph       GraphConfig             `json:"graph"                 yaml:"graph"`
	Correlation CorrelationConfig       `json:"correlation"           yaml:"correlation"`
	DLQ         DLQConfig               `json:"dlq"                   yaml:"dlq"`
	Gateway     GatewayConfig           `json:"gateway"               yaml:"gateway"`
	LogLevel    string                  `json:"log_level,omitempty"   yaml:"log_level,omitempty"`
	LogFormat   string                  `json:"log_format,omitempty"  yaml:"log_format,omitempty"`
}

// PlatformConfig identifies the deployment.
type PlatformConfig struct {
	Org string `json:"org" yaml:"org"`
	ID  string `json:"id"  yaml:"id"`
}

// NATSConfig configures the messaging layer.
type NATSConfig struct {
	URL           string   `json:"url"                      yaml:"url"`
	Name          string   `json:"name,omitempty"           yaml:"name,omitempty"`
	MaxReconnects int      `json:"max_reconnects"           yaml:"max_reconnects"`
	ReconnectWait Duration `json:"reconnect_wait,omitempty" yaml:"reconnect_wait,omitempty"`
	StreamName    string   `json:"stream_name,omitempty"    yaml:"stream_name,omitempty"`
}

// WindowConfig selects the chunking discipline for a stream's drain windows.
type WindowConfig struct {
	Discipline string   `json:"discipline"        yaml:"discipline"`
	Width      Duration `json:"width,omitempty"   yaml:"width,omitempty"`
	Step       Duration `json:"step,omitempty"    yaml:"step,omitempty"`
	Gap        Duration `json:"gap,omitempty"     yaml:"gap,omitempty"`
}

// StreamConfig configures one ingest stream.
type StreamConfig struct {
	Subject         string       `json:"subject"          yaml:"subject"`
	Durable         string       `json:"durable,omitempty" yaml:"durable,omitempty"`
	AllowedLateness Duration     `json:"allowed_lateness" yaml:"allowed_lateness"`
	Window          WindowConfig `json:"window"           yaml:"window"`
	DrainInterval   Duration     `json:"drain_interval,omitempty" yaml:"drain_interval,omitempty"`
}

// IdempotencyConfig configures the dedup ledger.
type IdempotencyConfig struct {
	Bucket string   `json:"bucket" yaml:"bucket"`
	TTL    Duration `json:"ttl"    yaml:"ttl"`
}

// GraphConfig configures the bi-temporal store.
type GraphConfig struct {
	Bucket string `json:"bucket" yaml:"bucket"`
}

// CorrelationConfig configures the convergence engine.
type CorrelationConfig struct {
	MinConfidence   float64  `json:"min_confidence"   yaml:"min_confidence"`
	GroupTimeout    Duration `json:"group_timeout"    yaml:"group_timeout"`
	HeuristicWindow Duration `json:"heuristic_window" yaml:"heuristic_window"`
	Shards          int      `json:"shards"           yaml:"shards"`
}

// AutoRetryConfig configures automatic DLQ replay of transient failures.
type AutoRetryConfig struct {
	MaxAttempts  int      `json:"max_attempts"  yaml:"max_attempts"`
	InitialDelay Duration `json:"initial_delay" yaml:"initial_delay"`
	MaxDelay     Duration `json:"max_delay"     yaml:"max_delay"`
}

// DLQConfig configures the dead letter queue.
type DLQConfig struct {
	Bucket          string          `json:"bucket"            yaml:"bucket"`
	SubjectPrefix   string          `json:"subject_prefix"    yaml:"subject_prefix"`
	ReplayBatchSize int             `json:"replay_batch_size" yaml:"replay_batch_size"`
	ReplayRate      float64         `json:"replay_rate"       yaml:"replay_rate"`
	ReplayWorkers   int             `json:"replay_workers,omitempty" yaml:"replay_workers,omitempty"`
	AutoRetry       AutoRetryConfig `json:"auto_retry"        yaml:"auto_retry"`
}

// GatewayConfig configures the HTTP ops surface.
type GatewayConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

// Default returns the baseline configuration: all three streams on their
// conventional subjects with session windows and five minutes of tolerated
// lateness.
func Default() *Config {
	streams := make(map[string]StreamConfig, 3)
	for _, s := range event.Streams() {
		streams[string(s)] = StreamConfig{
			Subject:         fmt.Sprintf("conflux.events.%s", s),
			AllowedLateness: Duration(5 * time.Minute),
			Window: WindowConfig{
				Discipline: "session",
				Gap:        Duration(30 * time.Second),
			},
			DrainInterval: Duration(time.Second),
		}
	}

	return &Config{
		Platform: PlatformConfig{Org: "conflux", ID: "local"},
		NATS: NATSConfig{
			URL:           "nats://localhost:4222",
			MaxReconnects: -1,
			StreamName:    "CONFLUX_EVENTS",
		},
		Streams: streams,
		Idempotency: IdempotencyConfig{
			Bucket: "conflux-idempotency",
			TTL:    Duration(24 * time.Hour),
		},
		Graph: GraphConfig{Bucket: "conflux-graph"},
		Correlation: CorrelationConfig{
			MinConfidence:   0.5,
			GroupTimeout:    Duration(time.Hour),
			HeuristicWindow: Duration(2 * time.Minute),
			Shards:          16,
		},
		DLQ: DLQConfig{
			Bucket:          "conflux-dlq",
			SubjectPrefix:   "conflux.dlq",
			ReplayBatchSize: 64,
			ReplayRate:      50,
			ReplayWorkers:   4,
			AutoRetry: AutoRetryConfig{
				MaxAttempts:  5,
				InitialDelay: Duration(time.Second),
				MaxDelay:     Duration(time.Minute),
			},
		},
		Gateway:   GatewayConfig{Addr: ":8080"},
		LogLevel:  "info",
		LogFormat: "text",
	}
}

// Load reads the configuration file at path, layered over defaults, then
// applies environment overrides. An empty path falls back to CONFLUX_CONFIG;
// if that is also empty, defaults plus overrides are returned.
func Load(path string) (*Config, error) {
	if path == "" {
		path = os.Getenv(EnvConfig)
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
		if err != nil {
			return nil, errors.WrapFatal(err, "Config", "Load", "read config file")
		}
		if err := decodeInto(cfg, path, data); err != nil {
			return nil, errors.WrapInvalid(err, "Config", "Load", "parse config file")
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Config", "Load", "validate config")
	}
	return cfg, nil
}

func decodeInto(cfg *Config, path string, data []byte) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	default:
		return json.Unmarshal(data, cfg)
	}
}

func (c *Config) applyEnv() {
	if url := os.Getenv(EnvNATSURL); url != "" {
		c.NATS.URL = url
	}
	if level := os.Getenv(EnvLogLevel); level != "" {
		c.LogLevel = level
	}
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.NATS.URL == "" {
		return fmt.Errorf("nats.url is required")
	}
	if len(c.Streams) == 0 {
		return fmt.Errorf("at least one stream must be configured")
	}
	for name, sc := range c.Streams {
		if !event.Stream(name).Valid() {
			return fmt.Errorf("streams.%s: unknown stream", name)
		}
		if sc.Subject == "" {
			return fmt.Errorf("streams.%s: subject is required", name)
		}
		if sc.AllowedLateness < 0 {
			return fmt.Errorf("streams.%s: allowed_lateness cannot be negative", name)
		}
		switch sc.Window.Discipline {
		case "tumbling":
			if sc.Window.Width <= 0 {
				return fmt.Errorf("streams.%s: tumbling window needs a positive width", name)
			}
		case "sliding":
			if sc.Window.Width <= 0 || sc.Window.Step <= 0 {
				return fmt.Errorf("streams.%s: sliding window needs positive width and step", name)
			}
			if sc.Window.Step > sc.Window.Width {
				return fmt.Errorf("streams.%s: sliding step exceeds width", name)
			}
		case "session":
			if sc.Window.Gap <= 0 {
				return fmt.Errorf("streams.%s: session window needs a positive gap", name)
			}
		default:
			return fmt.Errorf("streams.%s: unknown window discipline %q", name, sc.Window.Discipline)
		}
	}
	if c.Idempotency.Bucket == "" {
		return fmt.Errorf("idempotency.bucket is required")
	}
	if c.Graph.Bucket == "" {
		return fmt.Errorf("graph.bucket is required")
	}
	if c.Correlation.MinConfidence < 0 || c.Correlation.MinConfidence > 1 {
		return fmt.Errorf("correlation.min_confidence must be within [0, 1]")
	}
	if c.Correlation.Shards <= 0 {
		return fmt.Errorf("correlation.shards must be positive")
	}
	if c.Correlation.GroupTimeout <= 0 {
		return fmt.Errorf("correlation.group_timeout must be positive")
	}
	if c.DLQ.Bucket == "" {
		return fmt.Errorf("dlq.bucket is required")
	}
	if c.DLQ.ReplayRate <= 0 {
		return fmt.Errorf("dlq.replay_rate must be positive")
	}
	if c.DLQ.AutoRetry.MaxAttempts < 0 {
		return fmt.Errorf("dlq.auto_retry.max_attempts cannot be negative")
	}
	if c.Gateway.Addr == "" {
		return fmt.Errorf("gateway.addr is required")
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	switch c.LogFormat {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	return nil
}
