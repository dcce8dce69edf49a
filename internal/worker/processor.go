package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/queue/streams"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"
)

// Pipeline is the orchestrator surface a worker drives.
type Pipeline interface {
	RunPipeline(ctx context.Context, req core.PipelineRequest) core.PipelineResult
	RetryFromStart(ctx context.Context, sessionID string) core.PipelineResult
	Resume(ctx context.Context, sessionID string) core.PipelineResult
}

// Options tunes the read loop.
type Options struct {
	Stream string
	// Block is how long one read waits for new entries.
	Block time.Duration
	// ClaimIdle is how long an entry may sit unacknowledged with another
	// consumer before this one takes it over.
	ClaimIdle time.Duration
	Count     int64
}

// Processor consumes session.requested events and runs them through the
// pipeline. Delivery is at least once: an entry taken by a consumer that
// dies before acking is reclaimed and run again.
type Processor struct {
	logger   *zap.Logger
	pipeline Pipeline
	consumer *streams.Consumer
	opts     Options
	tracer   trace.Tracer

	processed otelmetric.Int64Counter
	failed    otelmetric.Int64Counter
	reclaimed otelmetric.Int64Counter
}

func NewProcessor(logger *zap.Logger, pipeline Pipeline, consumer *streams.Consumer, opts Options, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if tracer == nil {
		tracer = noop.NewTracerProvider().Tracer("worker")
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Count <= 0 {
		opts.Count = 4
	}
	p := &Processor{
		logger:   logger.Named("worker"),
		pipeline: pipeline,
		consumer: consumer,
		opts:     opts,
		tracer:   tracer,
	}
	if meter != nil {
		var err error
		if p.processed, err = meter.Int64Counter("kinetiq_worker_sessions_processed"); err != nil {
			p.logger.Warn("create processed counter", zap.Error(err))
		}
		if p.failed, err = meter.Int64Counter("kinetiq_worker_sessions_failed"); err != nil {
			p.logger.Warn("create failed counter", zap.Error(err))
		}
		if p.reclaimed, err = meter.Int64Counter("kinetiq_worker_sessions_reclaimed"); err != nil {
			p.logger.Warn("create reclaimed counter", zap.Error(err))
		}
	}
	return p
}

// Start blocks processing entries until ctx is cancelled.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Info("worker starting", zap.String("stream", p.opts.Stream))
	lastClaim := time.Time{}
	for {
		if ctx.Err() != nil {
			p.logger.Info("worker stopping", zap.Error(ctx.Err()))
			return nil
		}
		if p.opts.ClaimIdle > 0 && time.Since(lastClaim) >= p.opts.ClaimIdle {
			p.reclaim(ctx)
			lastClaim = time.Now()
		}

		msgs, err := p.consumer.Read(ctx, p.opts.Stream, p.opts.Block, p.opts.Count)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Error("read stream", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			p.process(ctx, msg)
		}
	}
}

func (p *Processor) reclaim(ctx context.Context) {
	msgs, err := p.consumer.Claim(ctx, p.opts.Stream, p.opts.ClaimIdle, p.opts.Count)
	if err != nil {
		p.logger.Warn("reclaim pending entries", zap.Error(err))
	}
	for _, msg := range msgs {
		if p.reclaimed != nil {
			p.reclaimed.Add(ctx, 1)
		}
		p.process(ctx, msg)
	}
}

// process handles one entry and acknowledges it whatever the pipeline
// outcome; failures are already persisted on the session status.
func (p *Processor) process(ctx context.Context, msg streams.Message) {
	res, err := p.handle(ctx, msg)
	switch {
	case err != nil:
		p.logger.Error("drop session request", zap.String("entry", msg.ID), zap.Error(err))
	case !res.Success:
		if p.failed != nil {
			p.failed.Add(ctx, 1)
		}
		p.logger.Warn("session failed",
			zap.String("session_id", res.SessionID),
			zap.String("status", string(res.Status)),
			zap.Any("error", res.Error))
	default:
		if p.processed != nil {
			p.processed.Add(ctx, 1)
		}
	}
	if err := p.consumer.Ack(ctx, p.opts.Stream, msg.ID); err != nil {
		p.logger.Warn("ack", zap.String("entry", msg.ID), zap.Error(err))
	}
}

func (p *Processor) handle(ctx context.Context, msg streams.Message) (core.PipelineResult, error) {
	var req SessionRequest
	if err := msg.Envelope.Decode(&req); err != nil {
		return core.PipelineResult{}, err
	}
	if err := req.validate(); err != nil {
		return core.PipelineResult{}, fmt.Errorf("invalid request: %w", err)
	}

	ctx, span := p.tracer.Start(ctx, "worker.handle_session", trace.WithAttributes(
		attribute.String("session.id", req.SessionID),
		attribute.String("session.action", string(req.Action)),
		attribute.Int("delivery.attempt", msg.Envelope.Attempt),
	))
	defer span.End()

	p.logger.Info("session request",
		zap.String("session_id", req.SessionID),
		zap.String("action", string(req.Action)),
		zap.Int("attempt", msg.Envelope.Attempt))

	var res core.PipelineResult
	switch req.Action {
	case ActionRun:
		res = p.pipeline.RunPipeline(ctx, *req.Request)
	case ActionRetry:
		res = p.pipeline.RetryFromStart(ctx, req.SessionID)
	case ActionResume:
		res = p.pipeline.Resume(ctx, req.SessionID)
	}
	if !res.Success {
		span.SetStatus(codes.Error, string(res.Status))
	}
	return res, nil
}
