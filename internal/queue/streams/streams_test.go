package streams

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func TestSchemaRegistryValidatesSessionRequests(t *testing.T) {
	r := NewSchemaRegistry()
	cases := []struct {
		name    string
		payload string
		ok      bool
	}{
		{"run", `{"session_id": "s1", "action": "run", "request": {"metrics": {}}}`, true},
		{"retry", `{"session_id": "s1", "action": "retry"}`, true},
		{"run without request", `{"session_id": "s1", "action": "run"}`, false},
		{"unknown action", `{"session_id": "s1", "action": "delete"}`, false},
		{"empty session", `{"session_id": "", "action": "resume"}`, false},
		{"extra field", `{"session_id": "s1", "action": "resume", "priority": 1}`, false},
		{"not json", `{`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Validate(EventSessionRequested, VersionV1, []byte(tc.payload))
			if tc.ok && err != nil {
				t.Fatalf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
	if err := r.Validate("session.unknown", VersionV1, []byte(`{}`)); err == nil {
		t.Fatalf("expected error for unregistered event")
	}
}

func TestUnmarshalEnvelope(t *testing.T) {
	good := `{"event_id": "e1", "event_type": "session.requested", "payload_version": "v1", "data": {"session_id": "s1"}}`
	env, err := unmarshalEnvelope([]byte(good))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	var payload struct {
		SessionID string `json:"session_id"`
	}
	if err := env.Decode(&payload); err != nil || payload.SessionID != "s1" {
		t.Fatalf("decode: %+v %v", payload, err)
	}

	for _, bad := range []string{
		`{"event_type": "session.requested", "payload_version": "v1", "data": {}}`,
		`{"event_id": "e1", "payload_version": "v1", "data": {}}`,
		`{"event_id": "e1", "event_type": "session.requested", "data": {}}`,
		`{"event_id": "e1", "event_type": "session.requested", "payload_version": "v1"}`,
		`{"event_id": "e1", "event_type": "session.requested", "payload_version": "v1", "attempt": -1, "data": {}}`,
	} {
		if _, err := unmarshalEnvelope([]byte(bad)); err == nil {
			t.Fatalf("expected error for %s", bad)
		}
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
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishConsumeClaim(t *testing.T) {
	client := startRedis(t)
	ctx := context.Background()
	const stream, group = "test:sessions", "test-group"

	if err := EnsureGroup(ctx, client, stream, group); err != nil {
		t.Fatalf("ensure group: %v", err)
	}
	if err := EnsureGroup(ctx, client, stream, group); err != nil {
		t.Fatalf("ensure group twice: %v", err)
	}

	reg := NewSchemaRegistry()
	pub := NewPublisher(client, reg, 100)
	if _, err := pub.PublishJSON(ctx, stream, EventSessionRequested, VersionV1, map[string]string{"session_id": "s1"}); err == nil {
		t.Fatalf("expected schema rejection for missing action")
	}
	id, err := pub.PublishJSON(ctx, stream, EventSessionRequested, VersionV1, map[string]string{"session_id": "s1", "action": "retry"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	// an entry without an envelope is acknowledged and skipped
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: map[string]interface{}{"junk": "1"}}).Err(); err != nil {
		t.Fatalf("xadd junk: %v", err)
	}

	first := NewConsumer(client, reg, group, "c1")
	msgs, err := first.Read(ctx, stream, time.Second, 10)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ID != id || msgs[0].Envelope.Attempt != 0 {
		t.Fatalf("unexpected messages: %+v", msgs)
	}
	var payload map[string]string
	if err := msgs[0].Envelope.Decode(&payload); err != nil || payload["action"] != "retry" {
		t.Fatalf("decode payload: %v %v", payload, err)
	}

	lag, err := GroupLag(ctx, client, stream, group)
	if err != nil {
		t.Fatalf("group lag: %v", err)
	}
	if lag.Pending != 1 || lag.Consumers != 1 {
		t.Fatalf("unexpected lag: %+v", lag)
	}

	time.Sleep(50 * time.Millisecond)
	second := NewConsumer(client, reg, group, "c2")
	claimed, err := second.Claim(ctx, stream, 10*time.Millisecond, 10)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].ID != id || claimed[0].Envelope.Attempt != 1 {
		t.Fatalf("unexpected claim: %+v", claimed)
	}
	if err := second.Ack(ctx, stream, id); err != nil {
		t.Fatalf("ack: %v", err)
	}
	lag, err = GroupLag(ctx, client, stream, group)
	if err != nil || lag.Pending != 0 {
		t.Fatalf("expected nothing pending: %+v %v", lag, err)
	}

	msgs, err = second.Read(ctx, stream, 100*time.Millisecond, 10)
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected empty read: %+v %v", msgs, err)
	}
}
