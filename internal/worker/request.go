package worker

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/queue/streams"
)

// Action selects the orchestrator entry point a queued request runs.
type Action string

const (
	ActionRun    Action = "run"
	ActionRetry  Action = "retry"
	ActionResume Action = "resume"
)

// SessionRequest is the payload of a session.requested event.
type SessionRequest struct {
	SessionID string                `json:"session_id"`
	Action    Action                `json:"action"`
	Request   *core.PipelineRequest `json:"request,omitempty"`
}

func (r SessionRequest) validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	switch r.Action {
	case ActionRun:
		if r.Request == nil {
			return fmt.Errorf("run requires a pipeline request")
		}
		if r.Request.SessionID != r.SessionID {
			return fmt.Errorf("request session %q does not match %q", r.Request.SessionID, r.SessionID)
		}
		return r.Request.Validate()
	case ActionRetry, ActionResume:
		return nil
	default:
		return fmt.Errorf("unknown action %q", r.Action)
	}
}

// Queue publishes session requests for workers to pick up.
type Queue struct {
	publisher *streams.Publisher
	stream    string
}

func NewQueue(publisher *streams.Publisher, stream string) *Queue {
	return &Queue{publisher: publisher, stream: stream}
}

// Enqueue validates req and appends it to the stream, returning the entry id.
func (q *Queue) Enqueue(ctx context.Context, req SessionRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}
	id, err := q.publisher.PublishJSON(ctx, q.stream, streams.EventSessionRequested, streams.VersionV1, req)
	if err != nil {
		return "", fmt.Errorf("enqueue %s %s: %w", req.Action, req.SessionID, err)
	}
	return id, nil
}
