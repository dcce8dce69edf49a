package core

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/sources"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"github.com/stretchr/testify/require"
)

type reply struct {
	text string
	err  error
}

// scriptedModel answers by agent. Each agent's replies are consumed in
// order and the last one repeats.
type scriptedModel struct {
	mu      sync.Mutex
	replies map[string][]reply
	calls   []string
}

func newScriptedModel() *scriptedModel {
	return &scriptedModel{replies: map[string][]reply{
		config.AgentDecomposition: {{text: decompositionReply}},
		config.AgentResearch:      {{text: researchReply}},
		config.AgentAnalysis:      {{text: analysisReply("Range deficit with preserved power.")}},
		config.AgentValidator:     {{text: `{"issues": [], "summary": "sound"}`}},
		config.AgentProgress:      {{text: progressReply}},
	}}
}

func (m *scriptedModel) script(agent string, replies ...reply) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[agent] = replies
}

func (m *scriptedModel) Invoke(_ context.Context, req llm.Request) (llm.Response, error) {
	agent := agentOf(req.System)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, agent)
	queue := m.replies[agent]
	if len(queue) == 0 {
		return llm.Response{}, errors.New("no reply scripted for " + agent)
	}
	r := queue[0]
	if len(queue) > 1 {
		m.replies[agent] = queue[1:]
	}
	if r.err != nil {
		return llm.Response{}, r.err
	}
	return llm.Response{
		Text:  r.text,
		Model: req.Model,
		Usage: llm.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150, EstimatedCost: 0.01},
	}, nil
}

func (m *scriptedModel) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *scriptedModel) count(agent string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == agent {
			n++
		}
	}
	return n
}

func agentOf(system string) string {
	for agent, role := range map[string]string{
		config.AgentDecomposition: decompositionRole,
		config.AgentResearch:      researchRole,
		config.AgentAnalysis:      analysisRole,
		config.AgentValidator:     validatorRole,
		config.AgentProgress:      progressRole,
	} {
		if strings.HasPrefix(system, role) {
			return agent
		}
	}
	return "unknown"
}

const decompositionReply = "```json\n{\"patterns\": [], \"summary\": \"Range deficit on one side.\"}\n```"

const researchReply = `{"evidence": [], "summary": "Curated evidence covers the patterns."}`

const progressReply = `{"trends": [], "milestones": [], "regressions": [], "projections": [], "summary": "Range is improving."}`

func analysisReply(summary string) string {
	return `{
  "insights": [
    {"id": "ins-1", "domain": "range", "classification": "weakness", "title": "Reduced knee range",
     "description": "Average range of motion sits below the normative band.", "metrics": ["average_rom"],
     "evidence": ["Noyes FR et al. 1991"]},
    {"id": "ins-2", "domain": "power", "classification": "strength", "title": "Strong concentric drive",
     "description": "Concentric explosiveness exceeds the normative band.", "metrics": ["explosiveness_concentric"],
     "evidence": ["Noyes FR et al. 1991"]}
  ],
  "correlativeInsights": [
    {"id": "corr-1", "primaryInsightId": "ins-1", "relatedInsightIds": ["ins-2"], "explanation": "Range limits how much power is usable."},
    {"id": "corr-2", "primaryInsightId": "ins-2", "relatedInsightIds": ["ins-1"], "explanation": "Power output masks the range deficit."}
  ],
  "benchmarks": [],
  "summary": "` + summary + `"
}`
}

const validatorErrors = `{"issues": [
  {"severity": "error", "ruleType": "numerical_accuracy", "insightIds": ["ins-1"], "description": "Range value misquoted", "suggestedFix": "Quote the benchmark value"},
  {"severity": "error", "ruleType": "terminology", "insightIds": ["ins-2"], "description": "Non-standard term", "suggestedFix": "Use catalog terms"}
], "summary": "two errors"}`

// knowledge returns one curated citation per pattern.
type knowledge struct{}

func (knowledge) Search(_ context.Context, p biomech.Pattern, _ int) ([]biomech.Evidence, error) {
	return []biomech.Evidence{{
		PatternID: p.ID,
		Citation:  "Noyes FR et al. 1991",
		Finding:   "Range deficits alter loading.",
		Tier:      biomech.TierB,
		Source:    biomech.SourceEmbeddedKnowledge,
		Relevance: 0.8,
	}}, nil
}

type savedEmbedding struct {
	sessionID, patientID, kind string
}

type fakeMemory struct {
	mu      sync.Mutex
	saved   []savedEmbedding
	history []biomech.HistoricalSummary
	saveErr error
}

func (f *fakeMemory) SaveEmbedding(_ context.Context, sessionID, patientID, kind, _ string, _ []string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, savedEmbedding{sessionID, patientID, kind})
	return f.saveErr
}

func (f *fakeMemory) SearchSimilar(context.Context, string, string, int, string) ([]biomech.HistoricalSummary, error) {
	return f.history, nil
}

func testMetrics(sessionID string, recorded time.Time, averageROM float64) biomech.SessionMetrics {
	limb := biomech.LimbMetrics{
		PeakFlexion:             125,
		PeakExtension:           4,
		AverageROM:              averageROM,
		MaxROM:                  132,
		PeakAngularVelocity:     420,
		ExplosivenessLoading:    1600,
		ExplosivenessConcentric: 1900,
		RMSJerk:                 4500,
		ROMCoV:                  8,
	}
	right := limb
	right.AverageROM = 105
	return biomech.SessionMetrics{
		SessionID:  sessionID,
		RecordedAt: recorded,
		Left:       limb,
		Right:      right,
		Bilateral: biomech.BilateralMetrics{
			ROMAsymmetry:       8,
			VelocityAsymmetry:  6,
			CrossCorrelation:   0.93,
			NetGlobalAsymmetry: 7,
			PhaseShift:         6,
			TemporalLag:        30,
		},
		OverallScore: 72,
	}
}

type fixture struct {
	model  *scriptedModel
	store  *store.MemoryStore
	memory *fakeMemory
	orch   *Orchestrator
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := &config.Config{
		LLM:      config.LLMConfig{DefaultModel: "test-model"},
		Pipeline: config.PipelineConfig{Mode: config.ModeTwoPhase},
	}
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{model: newScriptedModel(), store: store.NewMemoryStore(), memory: &fakeMemory{}}
	orch, err := NewOrchestrator(cfg, Dependencies{
		LLM:     f.model,
		Store:   f.store,
		Memory:  f.memory,
		Sources: &sources.Collector{Knowledge: knowledge{}},
	})
	require.NoError(t, err)
	f.orch = orch
	return f
}

func (f *fixture) request(sessionID, patientID string, prior ...biomech.SessionMetrics) PipelineRequest {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return PipelineRequest{
		SessionID: sessionID,
		PatientID: patientID,
		Metrics:   testMetrics(sessionID, now, 60),
		Prior:     prior,
	}
}
