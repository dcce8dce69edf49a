package telemetry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Telemetry exports pipeline and agent metrics to prometheus and keeps a
// per-agent cost tally for the process lifetime.
type Telemetry struct {
	registry    *prometheus.Registry
	logger      *zap.Logger
	costTracker *CostTracker

	invocations *prometheus.CounterVec
	tokens      *prometheus.CounterVec
	cost        *prometheus.CounterVec
	runs        *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	revisions   prometheus.Histogram
}

// CostTracker tracks cost and tokens per agent.
type CostTracker struct {
	mu          sync.RWMutex
	AgentCosts  map[string]float64
	AgentTokens map[string]int64
	TotalCost   float64
	TotalTokens int64
}

// ProcessingEvent is one finished pipeline run.
type ProcessingEvent struct {
	SessionID string
	Success   bool
	Duration  time.Duration
	Usage     llm.TokenUsage
	Revisions int
	ErrorKind string
}

// AgentEvent is one agent invocation.
type AgentEvent struct {
	SessionID string
	Agent     string
	Model     string
	Success   bool
	Duration  time.Duration
	Usage     llm.TokenUsage
	ErrorKind string
}

// NewTelemetry registers the collectors on reg. A nil reg gets a private
// registry, which keeps tests independent.
func NewTelemetry(reg *prometheus.Registry, logger *zap.Logger) *Telemetry {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Telemetry{
		registry: reg,
		logger:   logger.Named("telemetry"),
		costTracker: &CostTracker{
			AgentCosts:  make(map[string]float64),
			AgentTokens: make(map[string]int64),
		},
		invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinetiq_agent_invocations_total",
			Help: "Agent invocations by outcome.",
		}, []string{"agent", "outcome"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinetiq_agent_tokens_total",
			Help: "Model tokens consumed by agents.",
		}, []string{"agent", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinetiq_agent_cost_usd_total",
			Help: "Estimated model cost in USD.",
		}, []string{"agent"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "kinetiq_pipeline_runs_total",
			Help: "Pipeline runs by outcome.",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "kinetiq_agent_duration_seconds",
			Help:    "Agent invocation latency.",
			Buckets: []float64{0.5, 1, 2, 5, 10, 20, 40, 80, 160},
		}, []string{"agent"}),
		revisions: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kinetiq_validation_revisions",
			Help:    "Analysis revisions needed per run.",
			Buckets: []float64{1, 2, 3},
		}),
	}
	reg.MustRegister(t.invocations, t.tokens, t.cost, t.runs, t.duration, t.revisions)
	return t
}

// Registry exposes the registry for the /metrics handler.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// RecordProcessingEvent records a complete pipeline run.
func (t *Telemetry) RecordProcessingEvent(_ context.Context, event ProcessingEvent) {
	if t == nil {
		return
	}
	t.runs.WithLabelValues(outcome(event.Success)).Inc()
	if event.Revisions > 0 {
		t.revisions.Observe(float64(event.Revisions))
	}
	t.logger.Info("pipeline run finished",
		zap.String("session_id", event.SessionID),
		zap.Bool("success", event.Success),
		zap.Duration("duration", event.Duration),
		zap.Int64("tokens", event.Usage.TotalTokens),
		zap.Float64("cost", event.Usage.EstimatedCost),
		zap.Int("revisions", event.Revisions),
		zap.String("error_kind", event.ErrorKind))
}

// RecordAgentEvent records an agent invocation.
func (t *Telemetry) RecordAgentEvent(_ context.Context, event AgentEvent) {
	if t == nil {
		return
	}
	t.invocations.WithLabelValues(event.Agent, outcome(event.Success)).Inc()
	t.duration.WithLabelValues(event.Agent).Observe(event.Duration.Seconds())
	t.tokens.WithLabelValues(event.Agent, "input").Add(float64(event.Usage.InputTokens))
	t.tokens.WithLabelValues(event.Agent, "output").Add(float64(event.Usage.OutputTokens))
	t.cost.WithLabelValues(event.Agent).Add(event.Usage.EstimatedCost)

	t.costTracker.mu.Lock()
	t.costTracker.AgentCosts[event.Agent] += event.Usage.EstimatedCost
	t.costTracker.AgentTokens[event.Agent] += event.Usage.TotalTokens
	t.costTracker.TotalCost += event.Usage.EstimatedCost
	t.costTracker.TotalTokens += event.Usage.TotalTokens
	t.costTracker.mu.Unlock()

	t.logger.Debug("agent event",
		zap.String("session_id", event.SessionID),
		zap.String("agent", event.Agent),
		zap.String("model", event.Model),
		zap.Bool("success", event.Success),
		zap.Duration("duration", event.Duration),
		zap.Float64("cost", event.Usage.EstimatedCost))
}

// CostSummary is a snapshot of the cost tracker.
type CostSummary struct {
	TotalCost   float64
	TotalTokens int64
	AgentCosts  map[string]float64
	AgentTokens map[string]int64
}

// GetCostSummary returns the current cost summary.
func (t *Telemetry) GetCostSummary() CostSummary {
	t.costTracker.mu.RLock()
	defer t.costTracker.mu.RUnlock()
	summary := CostSummary{
		TotalCost:   t.costTracker.TotalCost,
		TotalTokens: t.costTracker.TotalTokens,
		AgentCosts:  make(map[string]float64, len(t.costTracker.AgentCosts)),
		AgentTokens: make(map[string]int64, len(t.costTracker.AgentTokens)),
	}
	for k, v := range t.costTracker.AgentCosts {
		summary.AgentCosts[k] = v
	}
	for k, v := range t.costTracker.AgentTokens {
		summary.AgentTokens[k] = v
	}
	return summary
}

// Shutdown logs a final cost report.
func (t *Telemetry) Shutdown() {
	if t == nil {
		return
	}
	costs := t.GetCostSummary()
	agents := make([]string, 0, len(costs.AgentCosts))
	for a := range costs.AgentCosts {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	fields := []zap.Field{zap.Float64("total_cost", costs.TotalCost), zap.Int64("total_tokens", costs.TotalTokens)}
	for _, a := range agents {
		fields = append(fields, zap.Float64("cost_"+a, costs.AgentCosts[a]))
	}
	t.logger.Info("final cost report", fields...)
}

func outcome(success bool) string {
	if success {
		return "success"
	}
	return "failure"
}
