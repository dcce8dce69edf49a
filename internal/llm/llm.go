// Package llm defines the model-inference collaborator used by the agents and
// an OpenAI-compatible implementation of it.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// TokenUsage accumulates monotonically across a run.
type TokenUsage struct {
	InputTokens   int64   `json:"inputTokens"`
	OutputTokens  int64   `json:"outputTokens"`
	TotalTokens   int64   `json:"totalTokens"`
	EstimatedCost float64 `json:"estimatedCost"`
}

// Add returns the sum of u and o.
func (u TokenUsage) Add(o TokenUsage) TokenUsage {
	return TokenUsage{
		InputTokens:   u.InputTokens + o.InputTokens,
		OutputTokens:  u.OutputTokens + o.OutputTokens,
		TotalTokens:   u.TotalTokens + o.TotalTokens,
		EstimatedCost: u.EstimatedCost + o.EstimatedCost,
	}
}

// IsZero reports whether nothing was consumed.
func (u TokenUsage) IsZero() bool { return u == TokenUsage{} }

// ResponseSchema asks the provider for output conforming to a JSON Schema.
type ResponseSchema struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
}

// Request is a single chat completion.
type Request struct {
	Model           string
	System          string
	User            string
	Temperature     float64
	MaxOutputTokens int
	Schema          *ResponseSchema
}

// Response carries the model text and what it cost.
type Response struct {
	Text  string
	Model string
	Usage TokenUsage
}

// Invoker performs a blocking round-trip to a text-generation service.
type Invoker interface {
	Invoke(ctx context.Context, req Request) (Response, error)
}

// Embedder turns texts into vectors.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ErrEmptyResponse is returned when the provider answered without choices.
var ErrEmptyResponse = errors.New("llm: empty response")

// StatusError is a non-2xx provider answer.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("llm: provider status %d", e.Code)
	}
	return fmt.Sprintf("llm: provider status %d: %s", e.Code, e.Body)
}

// Retryable reports whether the provider signalled a transient condition.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// IsRetryable reports whether err is worth re-running the pipeline for.
// Context deadlines, rate limits and server errors are; malformed requests are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return !errors.Is(err, ErrEmptyResponse)
}
