package core

import (
	"context"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/parse"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/telemetry"
	"github.com/mohammad-safakhou/kinetiq/internal/budget"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Envelope is the uniform result of one agent invocation.
type Envelope[T any] struct {
	Success    bool
	Output     T
	Err        *PipelineError
	TokenUsage llm.TokenUsage
	DurationMs int64
}

// agentCall is one prompt addressed to one agent.
type agentCall struct {
	agent  string
	kind   parse.Kind
	system string
	user   string
}

// invoker holds what every agent invocation shares.
type invoker struct {
	model        llm.Invoker
	agents       map[string]config.AgentConfig
	defaultModel string
	timeout      time.Duration
	usage        UsageRecorder
	telemetry    *telemetry.Telemetry
	logger       *zap.Logger
}

func (inv *invoker) request(call agentCall) llm.Request {
	ac := inv.agents[call.agent]
	model := ac.Model
	if model == "" {
		model = inv.defaultModel
	}
	return llm.Request{
		Model:           model,
		System:          call.system,
		User:            call.user,
		Temperature:     ac.Temperature,
		MaxOutputTokens: ac.MaxOutputTokens,
		Schema:          parse.ResponseSchema(call.kind),
	}
}

// invoke sends call to the model and parses the answer with decode. Usage
// is recorded whenever the provider answered, including when parsing
// fails afterwards. The envelope never carries both an output and an error.
func invoke[T any](ctx context.Context, inv *invoker, sessionID string, ledger *budget.Ledger, call agentCall, decode func(string) (T, error)) Envelope[T] {
	var env Envelope[T]
	start := time.Now()
	req := inv.request(call)

	ctx, span := coreTracer.Start(ctx, "agent."+call.agent,
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("agent.name", call.agent),
			attribute.String("agent.model", req.Model),
		))
	defer span.End()

	fail := func(err error) Envelope[T] {
		env.Err = classify(call.agent, err)
		env.DurationMs = time.Since(start).Milliseconds()
		span.RecordError(err)
		span.SetStatus(codes.Error, env.Err.Message)
		inv.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
			SessionID: sessionID,
			Agent:     call.agent,
			Model:     req.Model,
			Duration:  time.Since(start),
			Usage:     env.TokenUsage,
			ErrorKind: string(env.Err.Kind),
		})
		return env
	}

	if err := ledger.CheckTime(); err != nil {
		return fail(err)
	}

	callCtx := ctx
	if inv.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, inv.timeout)
		defer cancel()
	}
	resp, err := inv.model.Invoke(callCtx, req)
	if err != nil {
		return fail(err)
	}

	env.TokenUsage = resp.Usage
	budgetErr := ledger.Record(call.agent, resp.Usage)
	if inv.usage != nil {
		if err := inv.usage.RecordUsage(context.WithoutCancel(ctx), sessionID, call.agent, resp.Usage); err != nil {
			inv.logger.Warn("usage persistence failed", zap.String("session_id", sessionID), zap.String("agent", call.agent), zap.Error(err))
		}
	}
	span.SetAttributes(
		attribute.Int64("llm.tokens.input", resp.Usage.InputTokens),
		attribute.Int64("llm.tokens.output", resp.Usage.OutputTokens),
		attribute.Float64("llm.cost", resp.Usage.EstimatedCost),
	)

	out, err := decode(resp.Text)
	if err != nil {
		inv.logger.Debug("agent output rejected", zap.String("session_id", sessionID), zap.String("agent", call.agent), zap.Error(err))
		return fail(err)
	}
	if budgetErr != nil {
		return fail(budgetErr)
	}

	env.Success = true
	env.Output = out
	env.DurationMs = time.Since(start).Milliseconds()
	span.SetStatus(codes.Ok, "")
	inv.telemetry.RecordAgentEvent(ctx, telemetry.AgentEvent{
		SessionID: sessionID,
		Agent:     call.agent,
		Model:     req.Model,
		Success:   true,
		Duration:  time.Since(start),
		Usage:     env.TokenUsage,
	})
	return env
}

// errOf returns the envelope failure as an error, or nil.
func (e Envelope[T]) errOf() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}
