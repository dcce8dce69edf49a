package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/mohammad-safakhou/kinetiq/internal/agent/parse"
	"github.com/mohammad-safakhou/kinetiq/internal/budget"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
)

// ErrorKind classifies a pipeline failure.
type ErrorKind string

const (
	KindParseFailure       ErrorKind = "parse_failure"
	KindSchemaViolation    ErrorKind = "schema_violation"
	KindAgentFailure       ErrorKind = "agent_failure"
	KindValidationFailure  ErrorKind = "validation_failure"
	KindPersistenceFailure ErrorKind = "persistence_failure"
	KindInvalidInput       ErrorKind = "invalid_input"
	KindBudgetExceeded     ErrorKind = "budget_exceeded"
)

// PipelineError is the single error shape surfaced by a run.
type PipelineError struct {
	Agent     string
	Kind      ErrorKind
	Message   string
	Retryable bool
	Cause     error
}

func (e *PipelineError) Error() string {
	if e.Agent == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("%s %s: %s", e.Agent, e.Kind, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Cause }

// Info is the public projection of the error.
func (e *PipelineError) Info() *ErrorInfo {
	if e == nil {
		return nil
	}
	return &ErrorInfo{Agent: e.Agent, Kind: e.Kind, Message: e.Message, Retryable: e.Retryable}
}

// ErrorInfo is what callers see of a failed run.
type ErrorInfo struct {
	Agent     string    `json:"agent,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

func newError(agent string, kind ErrorKind, retryable bool, cause error, format string, args ...interface{}) *PipelineError {
	return &PipelineError{Agent: agent, Kind: kind, Message: fmt.Sprintf(format, args...), Retryable: retryable, Cause: cause}
}

// classify maps an error raised while running agent onto a PipelineError.
// Parse and schema failures are retryable since a fresh model call may
// conform; provider errors follow the provider's own signal.
func classify(agent string, err error) *PipelineError {
	if err == nil {
		return nil
	}
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe
	}
	var exceeded budget.ErrExceeded
	switch {
	case errors.As(err, &exceeded):
		return newError(agent, KindBudgetExceeded, false, err, "%s", err.Error())
	case parse.IsSchemaViolation(err):
		return newError(agent, KindSchemaViolation, true, err, "%s", err.Error())
	case errors.Is(err, parse.ErrMalformed):
		return newError(agent, KindParseFailure, true, err, "%s", err.Error())
	case errors.Is(err, context.Canceled):
		return newError(agent, KindAgentFailure, false, err, "cancelled: %s", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return newError(agent, KindAgentFailure, true, err, "timed out: %s", err.Error())
	}
	return newError(agent, KindAgentFailure, llm.IsRetryable(err), err, "%s", err.Error())
}
