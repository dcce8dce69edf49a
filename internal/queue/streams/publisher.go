package streams

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const envelopeField = "envelope"

// Publisher appends validated envelopes to a stream.
type Publisher struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	maxLen   int64
}

// NewPublisher builds a publisher. A positive maxLen trims the stream
// approximately on every append.
func NewPublisher(client redis.Cmdable, registry *SchemaRegistry, maxLen int64) *Publisher {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &Publisher{client: client, registry: registry, maxLen: maxLen}
}

// Publish appends env to stream and returns the entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, env Envelope) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if env.EventID == "" {
		env.EventID = uuid.NewString()
	}
	if env.OccurredAt.IsZero() {
		env.OccurredAt = time.Now().UTC()
	}
	if err := env.validate(); err != nil {
		return "", err
	}
	if err := p.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
		return "", err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{envelopeField: raw},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	return id, nil
}

// PublishJSON marshals payload into a fresh envelope and publishes it.
func (p *Publisher) PublishJSON(ctx context.Context, stream, eventType, version string, payload interface{}) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	return p.Publish(ctx, stream, Envelope{EventType: eventType, PayloadVersion: version, Data: data})
}
