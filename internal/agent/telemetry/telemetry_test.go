package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAgentEventUpdatesCountersAndCosts(t *testing.T) {
	tel := NewTelemetry(nil, nil)
	ctx := context.Background()
	usage := llm.TokenUsage{InputTokens: 100, OutputTokens: 40, TotalTokens: 140, EstimatedCost: 0.02}
	tel.RecordAgentEvent(ctx, AgentEvent{Agent: "analysis", Success: true, Duration: time.Second, Usage: usage})
	tel.RecordAgentEvent(ctx, AgentEvent{Agent: "analysis", Success: false, Duration: time.Second, Usage: usage})

	assert.Equal(t, 1.0, testutil.ToFloat64(tel.invocations.WithLabelValues("analysis", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.invocations.WithLabelValues("analysis", "failure")))
	assert.Equal(t, 200.0, testutil.ToFloat64(tel.tokens.WithLabelValues("analysis", "input")))
	assert.InDelta(t, 0.04, testutil.ToFloat64(tel.cost.WithLabelValues("analysis")), 1e-9)

	summary := tel.GetCostSummary()
	assert.InDelta(t, 0.04, summary.TotalCost, 1e-9)
	assert.Equal(t, int64(280), summary.AgentTokens["analysis"])
}

func TestRecordProcessingEvent(t *testing.T) {
	tel := NewTelemetry(nil, nil)
	tel.RecordProcessingEvent(context.Background(), ProcessingEvent{SessionID: "s1", Success: true, Revisions: 2})
	tel.RecordProcessingEvent(context.Background(), ProcessingEvent{SessionID: "s2", Success: false})
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.runs.WithLabelValues("success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(tel.runs.WithLabelValues("failure")))

	families, err := tel.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["kinetiq_pipeline_runs_total"])
	assert.True(t, names["kinetiq_validation_revisions"])
}

func TestNilTelemetryIsNoop(t *testing.T) {
	var tel *Telemetry
	tel.RecordAgentEvent(context.Background(), AgentEvent{Agent: "x"})
	tel.RecordProcessingEvent(context.Background(), ProcessingEvent{})
	tel.Shutdown()
}
