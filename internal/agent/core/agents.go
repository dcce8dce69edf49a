package core

import (
	"context"
	"fmt"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/merge"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/parse"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/precompute"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/qa"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/sources"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/memory/semantic"
	"go.uber.org/zap"
)

// decompose runs the Decomposition agent. Deterministic patterns, asymmetry
// readings and categories come from the metrics; the model may only add.
func (s *session) decompose(ctx context.Context) (biomech.DecompositionReport, error) {
	hints := precompute.Decomposition(s.req.Metrics)
	system, user := decompositionPrompt(s.req.Metrics, hints)
	env := invoke(ctx, s.o.invoker, s.req.SessionID, s.ledger, agentCall{
		agent: config.AgentDecomposition, kind: parse.KindDecomposition, system: system, user: user,
	}, parse.Decomposition)
	if !env.Success {
		return biomech.DecompositionReport{}, env.errOf()
	}
	report := biomech.DecompositionReport{
		Patterns:    merge.Patterns(hints.Patterns, env.Output.Patterns),
		Asymmetries: hints.Asymmetries,
		Categories:  hints.Categories,
		Summary:     env.Output.Summary,
	}
	s.logger.Info("decomposition finished",
		zap.Int("patterns", len(report.Patterns)),
		zap.Int("deterministic", len(hints.Patterns)),
		zap.Int64("duration_ms", env.DurationMs))
	return report, nil
}

// investigate runs the Research agent over the collected evidence.
func (s *session) investigate(ctx context.Context, decomposition biomech.DecompositionReport) (biomech.ResearchReport, error) {
	patterns := decomposition.Patterns
	var collected sources.Collected
	if s.o.sources != nil && len(patterns) > 0 {
		collected = s.o.sources.Collect(ctx, patterns)
		s.logger.Debug("evidence collected", zap.Int("items", len(collected.Evidence)), zap.Int("cache_hits", collected.CacheHits))
	}

	ids := make(map[string]struct{}, len(patterns))
	for _, p := range patterns {
		ids[p.ID] = struct{}{}
	}
	system, user := researchPrompt(patterns, collected.Evidence)
	env := invoke(ctx, s.o.invoker, s.req.SessionID, s.ledger, agentCall{
		agent: config.AgentResearch, kind: parse.KindResearch, system: system, user: user,
	}, func(text string) (biomech.ResearchReport, error) {
		return parse.Research(text, ids)
	})
	if !env.Success {
		return biomech.ResearchReport{}, env.errOf()
	}

	model := env.Output.Evidence
	for i := range model {
		// only the collector may claim the cache as a source
		if model[i].Source == biomech.SourceCache {
			model[i].Source = biomech.SourceEmbeddedKnowledge
		}
	}
	report := biomech.ResearchReport{
		Evidence: merge.Evidence(collected.Evidence, model),
		Summary:  env.Output.Summary,
	}
	if s.o.sources != nil {
		s.o.sources.WriteBack(ctx, patterns, report.Evidence, collected.Cached)
	}
	s.logger.Info("research finished",
		zap.Int("evidence", len(report.Evidence)),
		zap.Int("collected", len(collected.Evidence)),
		zap.Int64("duration_ms", env.DurationMs))
	return report, nil
}

// analyze runs one Analysis revision. Every revision sees the same inputs.
func (s *session) analyze(ctx context.Context, decomposition biomech.DecompositionReport, research biomech.ResearchReport, revision int) (biomech.AnalysisReport, error) {
	if err := s.tracker.advance(ctx, StatusAnalysis, config.AgentAnalysis, revision); err != nil {
		return biomech.AnalysisReport{}, err
	}
	hints := precompute.Analysis(s.req.Metrics)
	system, user := analysisPrompt(s.req.Metrics, decomposition, research, hints)
	env := invoke(ctx, s.o.invoker, s.req.SessionID, s.ledger, agentCall{
		agent: config.AgentAnalysis, kind: parse.KindAnalysis, system: system, user: user,
	}, parse.Analysis)
	if !env.Success {
		return biomech.AnalysisReport{}, env.errOf()
	}

	report := env.Output
	report.Benchmarks = merge.Benchmarks(hints.Benchmarks, report.Benchmarks)
	added := merge.EnsureCorrelatives(&report)
	if n := len(report.CorrelativeInsights); n < merge.MinCorrelatives {
		return biomech.AnalysisReport{}, newError(config.AgentAnalysis, KindSchemaViolation, true, nil,
			"analysis has %d correlative insights after fallback, need %d", n, merge.MinCorrelatives)
	}
	s.logger.Info("analysis revision finished",
		zap.Int("revision", revision),
		zap.Int("insights", len(report.Insights)),
		zap.Int("generated_correlatives", added),
		zap.Int64("duration_ms", env.DurationMs))
	return report, nil
}

// review runs the Validator agent on one revision.
func (s *session) review(ctx context.Context, report biomech.AnalysisReport, revision int) (qa.Review, error) {
	if err := s.tracker.advance(ctx, StatusValidation, config.AgentValidator, revision); err != nil {
		return qa.Review{}, err
	}
	ids := report.InsightIDs()
	system, user := validatorPrompt(report, precompute.Benchmarks(s.req.Metrics))
	env := invoke(ctx, s.o.invoker, s.req.SessionID, s.ledger, agentCall{
		agent: config.AgentValidator, kind: parse.KindValidator, system: system, user: user,
	}, func(text string) (parse.ValidatorOutput, error) {
		return parse.Validator(text, ids)
	})
	if !env.Success {
		return qa.Review{}, env.errOf()
	}
	return qa.Review{Issues: env.Output.Issues, Summary: env.Output.Summary}, nil
}

// validate drives the bounded Analysis and Validator loop.
func (s *session) validate(ctx context.Context, decomposition biomech.DecompositionReport, research biomech.ResearchReport) (qa.Result, error) {
	loop := qa.Loop{
		Analyzer: qa.AnalyzerFunc(func(ctx context.Context, revision int) (biomech.AnalysisReport, error) {
			return s.analyze(ctx, decomposition, research, revision)
		}),
		Reviewer: qa.ReviewerFunc(s.review),
		Options: qa.PrecheckOptions{
			MinEvidence:       1,
			EvidenceAvailable: len(research.Evidence) > 0,
		},
		OnOutcome: func(o biomech.ValidatorOutcome) {
			s.logger.Info("validation outcome",
				zap.Int("revision", o.RevisionNumber),
				zap.Bool("passed", o.Passed),
				zap.Int("errors", o.ErrorCount),
				zap.Int("warnings", o.WarningCount),
				zap.Bool("short_circuited", o.ShortCircuited))
		},
	}
	res, err := loop.Run(ctx)
	if err != nil {
		_, agent, _ := s.tracker.current()
		return res, classify(agent, err)
	}
	return res, nil
}

// chart runs the Progress agent against prior sessions and any historical
// summaries semantic memory returns.
func (s *session) chart(ctx context.Context, prior []biomech.SessionMetrics, analysis biomech.AnalysisReport) (biomech.ProgressReport, error) {
	var history []biomech.HistoricalSummary
	if s.o.memory != nil {
		query, _ := semantic.AnalysisSummary(analysis)
		found, err := s.o.memory.SearchSimilar(ctx, s.req.PatientID, query, s.o.cfg.Pipeline.HistoryLimit, s.req.SessionID)
		if err != nil {
			s.logger.Warn("historical search failed", zap.Error(err))
		} else {
			history = found
		}
	}

	hints := precompute.Progress(s.req.Metrics, prior)
	system, user := progressPrompt(s.req.Metrics, prior, history, hints)
	env := invoke(ctx, s.o.invoker, s.req.SessionID, s.ledger, agentCall{
		agent: config.AgentProgress, kind: parse.KindProgress, system: system, user: user,
	}, parse.Progress)
	if !env.Success {
		return biomech.ProgressReport{}, env.errOf()
	}
	deterministic := biomech.ProgressReport{
		Trends:      hints.Trends,
		Milestones:  hints.Milestones,
		Regressions: hints.Regressions,
		Projections: hints.Projections,
	}
	report := merge.Progress(deterministic, env.Output)
	s.logger.Info("progress finished",
		zap.Int("prior_sessions", len(prior)),
		zap.Int("historical", len(history)),
		zap.Int("trends", len(report.Trends)),
		zap.Int64("duration_ms", env.DurationMs))
	return report, nil
}

func priorSessionIDs(current string, prior []biomech.SessionMetrics) []string {
	ids := []string{current}
	for i, p := range prior {
		id := p.SessionID
		if id == "" {
			id = fmt.Sprintf("%s-prior-%d", current, i+1)
		}
		ids = append(ids, id)
	}
	return ids
}
