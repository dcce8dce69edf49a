package worker

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/queue/streams"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.uber.org/zap"
)

type recordingPipeline struct {
	mu    sync.Mutex
	calls []string
	seen  chan string
}

func (p *recordingPipeline) record(call string) core.PipelineResult {
	p.mu.Lock()
	p.calls = append(p.calls, call)
	p.mu.Unlock()
	p.seen <- call
	return core.PipelineResult{Success: true, Status: core.StatusComplete}
}

func (p *recordingPipeline) RunPipeline(_ context.Context, req core.PipelineRequest) core.PipelineResult {
	return p.record("run:" + req.SessionID)
}

func (p *recordingPipeline) RetryFromStart(_ context.Context, sessionID string) core.PipelineResult {
	return p.record("retry:" + sessionID)
}

func (p *recordingPipeline) Resume(_ context.Context, sessionID string) core.PipelineResult {
	return p.record("resume:" + sessionID)
}

func runRequest(id string) *core.PipelineRequest {
	return &core.PipelineRequest{SessionID: id, Metrics: biomech.SessionMetrics{SessionID: id, OverallScore: 75}}
}

func TestSessionRequestValidate(t *testing.T) {
	cases := []struct {
		name string
		req  SessionRequest
		ok   bool
	}{
		{"run", SessionRequest{SessionID: "s1", Action: ActionRun, Request: runRequest("s1")}, true},
		{"retry", SessionRequest{SessionID: "s1", Action: ActionRetry}, true},
		{"resume", SessionRequest{SessionID: "s1", Action: ActionResume}, true},
		{"missing session", SessionRequest{Action: ActionRetry}, false},
		{"run without request", SessionRequest{SessionID: "s1", Action: ActionRun}, false},
		{"mismatched request", SessionRequest{SessionID: "s1", Action: ActionRun, Request: runRequest("s2")}, false},
		{"unknown action", SessionRequest{SessionID: "s1", Action: "cancel"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.req.validate()
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	c, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Skipf("redis container unavailable: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	require.NoError(t, err)
	port, err := c.MappedPort(ctx, "6379")
	require.NoError(t, err)
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func awaitCall(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case call := <-ch:
		return call
	case <-time.After(10 * time.Second):
		t.Fatal("pipeline was not called")
		return ""
	}
}

func TestProcessorRunsQueuedSessions(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const stream, group = "kinetiq:test", "workers"

	require.NoError(t, streams.EnsureGroup(ctx, client, stream, group))
	registry := streams.NewSchemaRegistry()
	queue := NewQueue(streams.NewPublisher(client, registry, 0), stream)

	_, err := queue.Enqueue(ctx, SessionRequest{SessionID: "s1", Action: ActionRun})
	require.Error(t, err)

	_, err = queue.Enqueue(ctx, SessionRequest{SessionID: "s1", Action: ActionRun, Request: runRequest("s1")})
	require.NoError(t, err)
	_, err = queue.Enqueue(ctx, SessionRequest{SessionID: "s2", Action: ActionResume})
	require.NoError(t, err)

	pipeline := &recordingPipeline{seen: make(chan string, 4)}
	proc := NewProcessor(zap.NewNop(), pipeline, streams.NewConsumer(client, registry, group, "w1"),
		Options{Stream: stream, Block: 200 * time.Millisecond}, metricnoop.NewMeterProvider().Meter("test"), nil)
	done := make(chan error, 1)
	go func() { done <- proc.Start(ctx) }()

	assert.Equal(t, "run:s1", awaitCall(t, pipeline.seen))
	assert.Equal(t, "resume:s2", awaitCall(t, pipeline.seen))

	require.Eventually(t, func() bool {
		m, err := streams.GroupLag(ctx, client, stream, group)
		return err == nil && m.Pending == 0
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("processor did not stop")
	}
}

func TestProcessorReclaimsAbandonedEntries(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	const stream, group = "kinetiq:test", "workers"

	require.NoError(t, streams.EnsureGroup(ctx, client, stream, group))
	registry := streams.NewSchemaRegistry()
	queue := NewQueue(streams.NewPublisher(client, registry, 0), stream)
	_, err := queue.Enqueue(ctx, SessionRequest{SessionID: "s1", Action: ActionRetry})
	require.NoError(t, err)

	// a consumer takes the entry and dies before acking
	dead := streams.NewConsumer(client, registry, group, "dead")
	msgs, err := dead.Read(ctx, stream, time.Second, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	time.Sleep(100 * time.Millisecond)

	pipeline := &recordingPipeline{seen: make(chan string, 1)}
	proc := NewProcessor(nil, pipeline, streams.NewConsumer(client, registry, group, "w2"),
		Options{Stream: stream, Block: 100 * time.Millisecond, ClaimIdle: 50 * time.Millisecond}, nil, nil)
	go func() { _ = proc.Start(ctx) }()

	assert.Equal(t, "retry:s1", awaitCall(t, pipeline.seen))
	require.Eventually(t, func() bool {
		m, err := streams.GroupLag(ctx, client, stream, group)
		return err == nil && m.Pending == 0
	}, 5*time.Second, 50*time.Millisecond)
}
