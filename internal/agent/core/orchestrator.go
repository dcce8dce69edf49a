package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/sources"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/telemetry"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/budget"
	"github.com/mohammad-safakhou/kinetiq/internal/executor"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/mohammad-safakhou/kinetiq/internal/memory/semantic"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Step names double as checkpoint keys.
const (
	stepDecomposition = "decomposition"
	stepResearch      = "research"
	stepAnalysis      = "analysis"
	stepProgress      = "progress"
)

// Reasons recorded when the progress phase does not run.
const (
	SkipSingleMode   = "single_phase_mode"
	SkipNoPatient    = "no_patient_id"
	SkipNoPriors     = "no_prior_sessions"
	SkipPhaseFailed  = "progress_failed"
	SkipPhaseAborted = "phase_one_failed"
)

var coreTracer trace.Tracer = otel.Tracer("kinetiq/internal/agent/core")

// Dependencies are the collaborators of an Orchestrator. LLM and Store are
// required; the rest are optional.
type Dependencies struct {
	LLM       llm.Invoker
	Store     Store
	Memory    SemanticMemory
	Sources   *sources.Collector
	Telemetry *telemetry.Telemetry
	Logger    *zap.Logger
}

// Orchestrator drives the fixed agent sequence for one session at a time.
// It does not fence concurrent runs of the same session.
type Orchestrator struct {
	cfg       *config.Config
	store     Store
	memory    SemanticMemory
	sources   *sources.Collector
	telemetry *telemetry.Telemetry
	invoker   *invoker
	budget    budget.Config
	logger    *zap.Logger
	executor  *executor.Executor
}

// NewOrchestrator wires the pipeline.
func NewOrchestrator(cfg *config.Config, deps Dependencies) (*Orchestrator, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("llm invoker is required")
	}
	if deps.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("orchestrator")

	pipeline := cfg.Pipeline.Normalize()
	cfg.Pipeline = pipeline
	limits := budget.FromSettings(cfg.Budget)
	if err := limits.Validate(); err != nil {
		return nil, fmt.Errorf("budget: %w", err)
	}

	o := &Orchestrator{
		cfg:       cfg,
		store:     deps.Store,
		memory:    deps.Memory,
		sources:   deps.Sources,
		telemetry: deps.Telemetry,
		budget:    limits,
		logger:    logger,
		invoker: &invoker{
			model:        deps.LLM,
			agents:       pipeline.Agents,
			defaultModel: cfg.LLM.DefaultModel,
			timeout:      pipeline.AgentTimeout,
			usage:        deps.Store,
			telemetry:    deps.Telemetry,
			logger:       logger,
		},
	}
	o.executor = executor.New(
		executor.WithCheckpointManager(executor.NewStoreCheckpointManager(deps.Store)),
		executor.WithMetrics(executor.Metrics{
			Duration: func(_ context.Context, task executor.Task, d time.Duration) {
				logger.Debug("step finished", zap.String("step", task.ID), zap.Duration("duration", d))
			},
			Restored: func(_ context.Context, task executor.Task) {
				logger.Info("step restored from checkpoint", zap.String("step", task.ID))
			},
		}),
	)
	return o, nil
}

func (o *Orchestrator) graph() executor.Graph {
	if o.cfg.Pipeline.Mode == config.ModeSingle {
		return executor.Linear(stepDecomposition, stepResearch, stepAnalysis)
	}
	return executor.Linear(stepDecomposition, stepResearch, stepAnalysis, stepProgress)
}

// RunPipeline runs every phase for req. It never returns an error: failures
// are reported through the result.
func (o *Orchestrator) RunPipeline(ctx context.Context, req PipelineRequest) PipelineResult {
	return o.run(ctx, req, false)
}

// RetryFromStart reruns a stored session from the first phase, discarding
// the error state and any checkpoints of the previous run.
func (o *Orchestrator) RetryFromStart(ctx context.Context, sessionID string) PipelineResult {
	req, perr := o.loadInput(ctx, sessionID)
	if perr != nil {
		return o.rejected(ctx, sessionID, perr)
	}
	return o.run(ctx, req, false)
}

// Resume reruns a stored session from its first incomplete phase, restoring
// completed phases from their checkpoints.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) PipelineResult {
	req, perr := o.loadInput(ctx, sessionID)
	if perr != nil {
		return o.rejected(ctx, sessionID, perr)
	}
	return o.run(ctx, req, true)
}

func (o *Orchestrator) loadInput(ctx context.Context, sessionID string) (PipelineRequest, *PipelineError) {
	in, ok, err := o.store.GetInput(ctx, sessionID)
	if err != nil {
		return PipelineRequest{}, newError("", KindPersistenceFailure, true, err, "load input: %s", err.Error())
	}
	if !ok {
		return PipelineRequest{}, newError("", KindInvalidInput, false, nil, "no stored input for session %s", sessionID)
	}
	return PipelineRequest{SessionID: in.SessionID, PatientID: in.PatientID, Metrics: in.Metrics, Prior: in.Prior}, nil
}

// rejected reports a failure that happened before a run could start. The
// status record is left untouched when there is nothing to run.
func (o *Orchestrator) rejected(ctx context.Context, sessionID string, perr *PipelineError) PipelineResult {
	o.logger.Warn("pipeline rejected", zap.String("session_id", sessionID), zap.Error(perr))
	o.telemetry.RecordProcessingEvent(ctx, telemetry.ProcessingEvent{SessionID: sessionID, ErrorKind: string(perr.Kind)})
	return PipelineResult{SessionID: sessionID, Status: StatusError, Error: perr.Info()}
}

func (o *Orchestrator) run(ctx context.Context, req PipelineRequest, resume bool) (result PipelineResult) {
	start := time.Now()
	s := o.newSession(req)
	result = PipelineResult{SessionID: req.SessionID, Status: StatusPending}

	ctx, span := coreTracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("session.id", req.SessionID),
			attribute.String("pipeline.mode", o.cfg.Pipeline.Mode),
			attribute.Bool("pipeline.resume", resume),
		))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			_, agent, _ := s.tracker.current()
			perr := newError(agent, KindAgentFailure, false, nil, "panic: %v", r)
			s.logger.Error("pipeline panicked", zap.Any("panic", r), zap.Stack("stack"))
			s.tracker.fail(ctx, perr)
			result = s.result(StatusError, perr, start)
		}
		if result.Error != nil {
			span.SetStatus(codes.Error, result.Error.Message)
		}
		o.telemetry.RecordProcessingEvent(ctx, telemetry.ProcessingEvent{
			SessionID: req.SessionID,
			Success:   result.Success,
			Duration:  time.Since(start),
			Usage:     s.ledger.Total(),
			Revisions: revisionsOf(result.Validation),
			ErrorKind: errorKindOf(result.Error),
		})
	}()

	if err := req.Validate(); err != nil {
		perr := newError("", KindInvalidInput, false, err, "%s", err.Error())
		s.tracker.fail(ctx, perr)
		return s.result(StatusError, perr, start)
	}
	if req.Metrics.SessionID == "" {
		s.req.Metrics.SessionID = req.SessionID
	}

	ctx, cancel := context.WithTimeout(ctx, o.cfg.Pipeline.TotalTimeout)
	defer cancel()

	s.tracker.start(ctx)
	if !resume {
		err := o.store.SaveInput(ctx, store.PipelineInput{
			SessionID: s.req.SessionID,
			PatientID: s.req.PatientID,
			Metrics:   s.req.Metrics,
			Prior:     s.req.Prior,
		})
		if err != nil {
			perr := newError("", KindPersistenceFailure, true, err, "save input: %s", err.Error())
			s.tracker.fail(ctx, perr)
			return s.result(StatusError, perr, start)
		}
	}

	s.logger.Info("pipeline started", zap.String("mode", o.cfg.Pipeline.Mode), zap.Bool("resume", resume), zap.Int("prior_sessions", len(req.Prior)))
	var err error
	if resume {
		_, err = o.executor.Resume(ctx, req.SessionID, o.graph(), s)
	} else {
		_, err = o.executor.Execute(ctx, req.SessionID, o.graph(), s)
	}

	if err != nil {
		var se *stepError
		if errors.As(err, &se) && se.step == stepProgress {
			// phase one already succeeded and was persisted
			s.logger.Warn("progress phase failed", zap.Error(se.err))
			s.progress = nil
			s.progressSkipped = SkipPhaseFailed
		} else {
			_, agent, _ := s.tracker.current()
			perr := classify(agent, unwrapStep(err))
			s.tracker.fail(ctx, perr)
			s.logger.Error("pipeline failed", zap.String("agent", perr.Agent), zap.String("kind", string(perr.Kind)), zap.Bool("retryable", perr.Retryable), zap.Error(err))
			if s.progressSkipped == "" && o.cfg.Pipeline.Mode != config.ModeSingle {
				s.progressSkipped = SkipPhaseAborted
			}
			return s.result(StatusError, perr, start)
		}
	}
	if o.cfg.Pipeline.Mode == config.ModeSingle {
		s.progressSkipped = SkipSingleMode
	}

	if err := s.tracker.advance(ctx, StatusComplete, "", 0); err != nil {
		s.logger.Warn("status transition rejected", zap.Error(err))
	}
	res := s.result(StatusComplete, nil, start)
	s.logger.Info("pipeline complete",
		zap.Int64("tokens", res.TotalTokens),
		zap.Float64("cost", res.TotalCost),
		zap.Int64("duration_ms", res.DurationMs),
		zap.String("progress_skipped", res.ProgressSkipped))
	return res
}

func (o *Orchestrator) newSession(req PipelineRequest) *session {
	logger := o.logger.With(zap.String("session_id", req.SessionID))
	return &session{
		o:       o,
		req:     req,
		ledger:  budget.NewLedger(req.SessionID, o.budget),
		tracker: newTracker(req.SessionID, o.store, logger),
		logger:  logger,
	}
}

// session is the state of one run. It implements executor.TaskRunner and
// executor.TaskRestorer over the fixed step list.
type session struct {
	o       *Orchestrator
	req     PipelineRequest
	ledger  *budget.Ledger
	tracker *tracker
	logger  *zap.Logger

	decomposition   *biomech.DecompositionReport
	research        *biomech.ResearchReport
	analysis        *biomech.AnalysisReport
	validation      *biomech.ValidatorOutcome
	progress        *biomech.ProgressReport
	progressSkipped string
}

// analysisCheckpoint is the stored output of the analysis step.
type analysisCheckpoint struct {
	Analysis   biomech.AnalysisReport   `json:"analysis"`
	Validation biomech.ValidatorOutcome `json:"validation"`
}

// progressCheckpoint is the stored output of the progress step.
type progressCheckpoint struct {
	Progress *biomech.ProgressReport `json:"progress,omitempty"`
	Skipped  string                  `json:"skipped,omitempty"`
}

// stepError marks which step failed.
type stepError struct {
	step string
	err  error
}

func (e *stepError) Error() string { return fmt.Sprintf("step %s: %v", e.step, e.err) }
func (e *stepError) Unwrap() error { return e.err }

func unwrapStep(err error) error {
	var se *stepError
	if errors.As(err, &se) {
		return se.err
	}
	return err
}

// RunTask executes one step and returns its checkpoint payload.
func (s *session) RunTask(ctx context.Context, _ string, task executor.Task) ([]byte, error) {
	ctx, span := coreTracer.Start(ctx, "pipeline."+task.ID)
	defer span.End()
	out, err := s.runStep(ctx, task.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, &stepError{step: task.ID, err: err}
	}
	return out, nil
}

func (s *session) runStep(ctx context.Context, step string) ([]byte, error) {
	switch step {
	case stepDecomposition:
		if err := s.tracker.advance(ctx, StatusDecomposition, config.AgentDecomposition, 0); err != nil {
			return nil, err
		}
		report, err := s.decompose(ctx)
		if err != nil {
			return nil, err
		}
		s.decomposition = &report
		return json.Marshal(report)

	case stepResearch:
		if s.decomposition == nil {
			return nil, fmt.Errorf("research requires a decomposition")
		}
		if err := s.tracker.advance(ctx, StatusResearch, config.AgentResearch, 0); err != nil {
			return nil, err
		}
		report, err := s.investigate(ctx, *s.decomposition)
		if err != nil {
			return nil, err
		}
		s.research = &report
		return json.Marshal(report)

	case stepAnalysis:
		if s.decomposition == nil || s.research == nil {
			return nil, fmt.Errorf("analysis requires decomposition and research")
		}
		res, err := s.validate(ctx, *s.decomposition, *s.research)
		if err != nil {
			return nil, err
		}
		s.analysis = &res.Analysis
		s.validation = &res.Outcome
		if err := s.persistResults(ctx); err != nil {
			return nil, err
		}
		s.saveEmbedding(ctx, store.EmbeddingKindAnalysis)
		return json.Marshal(analysisCheckpoint{Analysis: res.Analysis, Validation: res.Outcome})

	case stepProgress:
		if s.analysis == nil {
			return nil, fmt.Errorf("progress requires an analysis")
		}
		prior, skip := s.gate(ctx)
		if skip != "" {
			s.progressSkipped = skip
			s.logger.Info("progress phase skipped", zap.String("reason", skip))
			return json.Marshal(progressCheckpoint{Skipped: skip})
		}
		if err := s.tracker.advance(ctx, StatusProgress, config.AgentProgress, 0); err != nil {
			return nil, err
		}
		report, err := s.chart(ctx, prior, *s.analysis)
		if err != nil {
			return nil, err
		}
		if err := s.o.store.UpsertProgress(ctx, s.req.PatientID, report, priorSessionIDs(s.req.SessionID, prior)); err != nil {
			return nil, newError(config.AgentProgress, KindPersistenceFailure, true, err, "persist progress: %s", err.Error())
		}
		s.progress = &report
		s.saveEmbedding(ctx, store.EmbeddingKindProgress)
		return json.Marshal(progressCheckpoint{Progress: &report})
	}
	return nil, fmt.Errorf("unknown step %q", step)
}

// RestoreTask reloads a completed step from its checkpoint payload.
func (s *session) RestoreTask(_ context.Context, _ string, task executor.Task, output []byte) error {
	switch task.ID {
	case stepDecomposition:
		var report biomech.DecompositionReport
		if err := json.Unmarshal(output, &report); err != nil {
			return err
		}
		s.decomposition = &report
	case stepResearch:
		var report biomech.ResearchReport
		if err := json.Unmarshal(output, &report); err != nil {
			return err
		}
		s.research = &report
	case stepAnalysis:
		var cp analysisCheckpoint
		if err := json.Unmarshal(output, &cp); err != nil {
			return err
		}
		s.analysis = &cp.Analysis
		s.validation = &cp.Validation
	case stepProgress:
		var cp progressCheckpoint
		if err := json.Unmarshal(output, &cp); err != nil {
			return err
		}
		s.progress = cp.Progress
		s.progressSkipped = cp.Skipped
	default:
		return fmt.Errorf("unknown step %q", task.ID)
	}
	return nil
}

// gate decides whether the progress phase runs. It needs a patient and at
// least one prior session, taken from the request or else from the store.
func (s *session) gate(ctx context.Context) ([]biomech.SessionMetrics, string) {
	if s.req.PatientID == "" {
		return nil, SkipNoPatient
	}
	prior := s.req.Prior
	if len(prior) == 0 {
		found, err := s.o.store.PriorSessions(ctx, s.req.PatientID, s.req.SessionID, s.o.cfg.Pipeline.HistoryLimit)
		if err != nil {
			s.logger.Warn("prior session lookup failed", zap.Error(err))
		}
		prior = found
	}
	if len(prior) == 0 {
		return nil, SkipNoPriors
	}
	return prior, ""
}

func (s *session) persistResults(ctx context.Context) error {
	err := s.o.store.UpsertResults(ctx, store.AnalysisResult{
		SessionID:     s.req.SessionID,
		Decomposition: *s.decomposition,
		Research:      *s.research,
		Analysis:      *s.analysis,
		Validation:    *s.validation,
		TotalCost:     s.ledger.Total().EstimatedCost,
	})
	if err != nil {
		return newError(config.AgentAnalysis, KindPersistenceFailure, true, err, "persist results: %s", err.Error())
	}
	return nil
}

// saveEmbedding stores a summary for later similarity search. It is
// best-effort and needs a patient to scope the search.
func (s *session) saveEmbedding(ctx context.Context, kind string) {
	if s.o.memory == nil || s.req.PatientID == "" {
		return
	}
	var (
		text     string
		findings []string
	)
	switch kind {
	case store.EmbeddingKindAnalysis:
		text, findings = semantic.AnalysisSummary(*s.analysis)
	case store.EmbeddingKindProgress:
		text, findings = semantic.ProgressSummary(*s.progress)
	}
	metadata := map[string]interface{}{"kind": kind}
	if s.validation != nil {
		metadata["revision"] = s.validation.RevisionNumber
	}
	if err := s.o.memory.SaveEmbedding(ctx, s.req.SessionID, s.req.PatientID, kind, text, findings, metadata); err != nil {
		s.logger.Warn("embedding save failed", zap.String("kind", kind), zap.Error(err))
	}
}

func (s *session) result(status Status, perr *PipelineError, start time.Time) PipelineResult {
	total := s.ledger.Total()
	res := PipelineResult{
		Success:         perr == nil,
		SessionID:       s.req.SessionID,
		Status:          status,
		Decomposition:   s.decomposition,
		Research:        s.research,
		Analysis:        s.analysis,
		Validation:      s.validation,
		Progress:        s.progress,
		ProgressSkipped: s.progressSkipped,
		Error:           perr.Info(),
		TotalTokens:     total.TotalTokens,
		TotalCost:       total.EstimatedCost,
		DurationMs:      time.Since(start).Milliseconds(),
		Usage:           s.ledger.ByAgent(),
	}
	if perr != nil {
		// partial phase outputs are not part of a failed result
		res.Decomposition, res.Research = nil, nil
		res.Analysis, res.Validation, res.Progress = nil, nil, nil
	}
	return res
}

func revisionsOf(o *biomech.ValidatorOutcome) int {
	if o == nil {
		return 0
	}
	return o.RevisionNumber
}

func errorKindOf(info *ErrorInfo) string {
	if info == nil {
		return ""
	}
	return string(info.Kind)
}
