package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Len(t, cfg.Streams, 3)
	assert.Equal(t, "conflux.events.dde", cfg.Streams["dde"].Subject)
	assert.Equal(t, 5*time.Minute, cfg.Streams["dde"].AllowedLateness.D())
	assert.Equal(t, 0.5, cfg.Correlation.MinConfidence)
}

func TestLoad_JSONOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "conflux.json", `{
		"nats": {"url": "nats://broker:4222", "max_reconnects": -1},
		"correlation": {"min_confidence": 0.8, "group_timeout": "30m",
			"heuristic_window": "2m", "shards": 8},
		"streams": {
			"dde": {"subject": "events.dde", "allowed_lateness": "10m",
				"window": {"discipline": "tumbling", "width": "1m"}},
			"bdv": {"subject": "events.bdv", "allowed_lateness": "5m",
				"window": {"discipline": "session", "gap": "30s"}},
			"acc": {"subject": "events.acc", "allowed_lateness": "5m",
				"window": {"discipline": "sliding", "width": "2m", "step": "1m"}}
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 0.8, cfg.Correlation.MinConfidence)
	assert.Equal(t, 30*time.Minute, cfg.Correlation.GroupTimeout.D())
	assert.Equal(t, 10*time.Minute, cfg.Streams["dde"].AllowedLateness.D())
	assert.Equal(t, "tumbling", cfg.Streams["dde"].Window.Discipline)
	// Sections absent from the file keep their defaults.
	assert.Equal(t, "conflux-graph", cfg.Graph.Bucket)
	assert.Equal(t, ":8080", cfg.Gateway.Addr)
}

func TestLoad_YAML(t *testing.T) {
	path := writeFile(t, "conflux.yaml", `
nats:
  url: nats://broker:4222
  max_reconnects: 10
idempotency:
  bucket: custom-idem
  ttl: 12h
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "nats://broker:4222", cfg.NATS.URL)
	assert.Equal(t, 10, cfg.NATS.MaxReconnects)
	assert.Equal(t, "custom-idem", cfg.Idempotency.Bucket)
	assert.Equal(t, 12*time.Hour, cfg.Idempotency.TTL.D())
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvNATSURL, "nats://from-env:4222")
	t.Setenv(EnvLogLevel, "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "nats://from-env:4222", cfg.NATS.URL)
	assert.Equal(t, "debug", cfg.LogLevel)
}

func TestLoad_BadDuration(t *testing.T) {
	path := writeFile(t, "bad.json", `{"idempotency": {"bucket": "b", "ttl": "soonish"}}`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soonish")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/does/not/exist.json")
	require.Error(t, err)
}

func TestValidate_Failures(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing nats url", func(c *Config) { c.NATS.URL = "" }, "nats.url"},
		{"unknown stream", func(c *Config) {
			c.Streams["xyz"] = c.Streams["dde"]
		}, "unknown stream"},
		{"missing subject", func(c *Config) {
			sc := c.Streams["dde"]
			sc.Subject = ""
			c.Streams["dde"] = sc
		}, "subject"},
		{"bad discipline", func(c *Config) {
			sc := c.Streams["dde"]
			sc.Window.Discipline = "hopping"
			c.Streams["dde"] = sc
		}, "discipline"},
		{"sliding step too large", func(c *Config) {
			sc := c.Streams["dde"]
			sc.Window = WindowConfig{Discipline: "sliding",
				Width: Duration(time.Minute), Step: Duration(2 * time.Minute)}
			c.Streams["dde"] = sc
		}, "step"},
		{"confidence out of range", func(c *Config) { c.Correlation.MinConfidence = 1.5 }, "min_confidence"},
		{"zero shards", func(c *Config) { c.Correlation.Shards = 0 }, "shards"},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestDuration_RoundTrip(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"90s"`)))
	assert.Equal(t, 90*time.Second, d.D())

	out, err := d.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(out))
}
