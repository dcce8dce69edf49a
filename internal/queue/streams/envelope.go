// Package streams carries session events over redis streams with consumer
// groups. Every payload is checked against a registered JSON schema on both
// publish and consume.
package streams

import (
	"encoding/json"
	"fmt"
	"time"
)

// Envelope wraps one event as stored in the stream entry.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	PayloadVersion string          `json:"payload_version"`
	OccurredAt     time.Time       `json:"occurred_at"`
	// Attempt counts deliveries after the first; it is bumped when an
	// entry is reclaimed from a dead consumer.
	Attempt int             `json:"attempt"`
	Data    json.RawMessage `json:"data"`
}

func (e *Envelope) validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.PayloadVersion == "":
		return fmt.Errorf("payload_version is required")
	case e.Attempt < 0:
		return fmt.Errorf("attempt must be >= 0")
	case len(e.Data) == 0:
		return fmt.Errorf("data payload is required")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v interface{}) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

func unmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.validate(); err != nil {
		return env, err
	}
	return env, nil
}
