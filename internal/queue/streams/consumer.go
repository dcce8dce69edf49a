package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes as one member of a consumer group.
type Consumer struct {
	client   redis.Cmdable
	registry *SchemaRegistry
	group    string
	name     string
}

// Message is a consumed stream entry.
type Message struct {
	ID       string
	Envelope Envelope
}

func NewConsumer(client redis.Cmdable, registry *SchemaRegistry, group, name string) *Consumer {
	if registry == nil {
		registry = NewSchemaRegistry()
	}
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the consumer group, and the stream with it, unless it
// already exists.
func EnsureGroup(ctx context.Context, client redis.Cmdable, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Read returns new entries for this consumer, waiting up to block for at
// most count of them. A timeout with nothing to read is (nil, nil).
func (c *Consumer) Read(ctx context.Context, stream string, block time.Duration, count int64) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  []string{stream, ">"},
		Count:    count,
		Block:    block,
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			if decoded, ok := c.decode(ctx, stream, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

// Claim takes over entries left pending by other consumers for longer than
// minIdle. Reclaimed envelopes have their Attempt bumped.
func (c *Consumer) Claim(ctx context.Context, stream string, minIdle time.Duration, count int64) ([]Message, error) {
	if err := c.check(stream); err != nil {
		return nil, err
	}
	var out []Message
	start := "0-0"
	for {
		args := &redis.XAutoClaimArgs{
			Stream:   stream,
			Group:    c.group,
			Consumer: c.name,
			MinIdle:  minIdle,
			Start:    start,
			Count:    count,
		}
		msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
		if err != nil {
			return out, fmt.Errorf("xautoclaim: %w", err)
		}
		for _, msg := range msgs {
			if decoded, ok := c.decode(ctx, stream, msg); ok {
				decoded.Envelope.Attempt++
				out = append(out, decoded)
			}
		}
		if next == "" || next == "0-0" || (count > 0 && int64(len(out)) >= count) {
			return out, nil
		}
		start = next
	}
}

// Ack acknowledges processed entries.
func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	return nil
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

// decode turns an entry into a Message. Entries that can never be processed
// are acknowledged so they do not come back.
func (c *Consumer) decode(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	drop := func() (Message, bool) {
		_ = c.client.XAck(ctx, stream, c.group, msg.ID).Err()
		return Message{}, false
	}
	raw, ok := msg.Values[envelopeField]
	if !ok {
		return drop()
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return drop()
		}
		data = b
	}
	env, err := unmarshalEnvelope(data)
	if err != nil {
		return drop()
	}
	if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
		return drop()
	}
	return Message{ID: msg.ID, Envelope: env}, true
}
