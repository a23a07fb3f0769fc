package natsclient

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// natsImage pins the server version used by integration tests.
const natsImage = "nats:2.11.7-alpine"

// TestServer is a throwaway NATS server in a container plus a connected
// Client, for integration tests.
type TestServer struct {
	Client    *Client
	URL       string
	container testcontainers.Container
}

// TestServerOption customizes the test server before the client connects.
type TestServerOption func(*testServerConfig)

type testServerConfig struct {
	kvBuckets []jetstream.KeyValueConfig
	streams   []jetstream.StreamConfig
}

// WithTestKVBucket pre-creates a KV bucket on the test server.
func WithTestKVBucket(cfg jetstream.KeyValueConfig) TestServerOption {
	return func(c *testServerConfig) {
		c.kvBuckets = append(c.kvBuckets, cfg)
	}
}

// WithTestStream pre-creates a JetStream stream on the test server.
func WithTestStream(cfg jetstream.StreamConfig) TestServerOption {
	return func(c *testServerConfig) {
		c.streams = append(c.streams, cfg)
	}
}

// NewTestServer starts a containerized NATS server with JetStream enabled
// and returns a connected client. Cleanup is registered on t.
func NewTestServer(t *testing.T, opts ...TestServerOption) *TestServer {
	t.Helper()

	cfg := &testServerConfig{}
	for _, opt := range opts {
		opt(cfg)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        natsImage,
			ExposedPorts: []string{"4222/tcp"},
			Cmd:          []string{"--jetstream"},
			WaitingFor:   wait.ForLog("Server is ready").WithStartupTimeout(30 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start NATS container: %v", err)
	}
	t.Cleanup(func() {
		termCtx, termCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer termCancel()
		_ = container.Terminate(termCtx)
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatalf("container host: %v", err)
	}
	port, err := container.MappedPort(ctx, "4222/tcp")
	if err != nil {
		t.Fatalf("container port: %v", err)
	}
	url := fmt.Sprintf("nats://%s:%s", host, port.Port())

	client, err := NewClient(url, WithName("conflux-test"))
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	if err := client.Connect(ctx); err != nil {
		t.Fatalf("connect to test server: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, closeCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer closeCancel()
		_ = client.Close(closeCtx)
	})

	for _, bucket := range cfg.kvBuckets {
		if _, err := client.CreateKeyValueBucket(ctx, bucket); err != nil {
			t.Fatalf("create test bucket %s: %v", bucket.Bucket, err)
		}
	}
	for _, stream := range cfg.streams {
		if _, err := client.CreateStream(ctx, stream); err != nil {
			t.Fatalf("create test stream %s: %v", stream.Name, err)
		}
	}

	return &TestServer{
		Client:    client,
		URL:       url,
		container: container,
	}
}
