package store

import (
	"context"
	"testing"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreStatusAndResults(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()

	require.NoError(t, m.UpsertStatus(ctx, StatusRecord{SessionID: "s1", Status: "research", CurrentAgent: "research"}))
	require.NoError(t, m.UpsertStatus(ctx, StatusRecord{SessionID: "s1", Status: "complete"}))
	rec, ok, err := m.GetStatus(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "complete", rec.Status)
	assert.Empty(t, rec.CurrentAgent)

	_, ok, err = m.GetResults(ctx, "s1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, m.UpsertResults(ctx, AnalysisResult{SessionID: "s1", TotalCost: 0.3}))
	res, ok, err := m.GetResults(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.3, res.TotalCost)
}

func TestMemoryStorePriorSessionsNewestFirst(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"s1", "s2", "s3"} {
		require.NoError(t, m.SaveInput(ctx, PipelineInput{
			SessionID: id,
			PatientID: "p1",
			Metrics:   biomech.SessionMetrics{SessionID: id, RecordedAt: base.AddDate(0, 0, i)},
		}))
	}
	require.NoError(t, m.SaveInput(ctx, PipelineInput{SessionID: "other", PatientID: "p2"}))

	prior, err := m.PriorSessions(ctx, "p1", "s3", 5)
	require.NoError(t, err)
	require.Len(t, prior, 2)
	assert.Equal(t, "s2", prior[0].SessionID)
	assert.Equal(t, "s1", prior[1].SessionID)
}

func TestMemoryStoreUsageAggregates(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.RecordUsage(ctx, "s1", "analysis", llm.TokenUsage{TotalTokens: 100, EstimatedCost: 0.1}))
	require.NoError(t, m.RecordUsage(ctx, "s1", "validator", llm.TokenUsage{TotalTokens: 10}))
	require.NoError(t, m.RecordUsage(ctx, "s1", "analysis", llm.TokenUsage{TotalTokens: 50, EstimatedCost: 0.05}))

	usage, err := m.ListUsage(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "analysis", usage[0].Agent)
	assert.Equal(t, 2, usage[0].Invocations)
	assert.Equal(t, int64(150), usage[0].Usage.TotalTokens)
}

func TestMemoryStoreCheckpointsKeepOutput(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore()
	require.NoError(t, m.UpsertCheckpoint(ctx, Checkpoint{SessionID: "s1", Step: "decomposition", Status: CheckpointStatusCompleted, Output: []byte(`{}`)}))
	require.NoError(t, m.UpsertCheckpoint(ctx, Checkpoint{SessionID: "s1", Step: "decomposition", Status: CheckpointStatusRunning}))

	cps, err := m.ListCheckpoints(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, cps, 1)
	assert.Equal(t, []byte(`{}`), cps[0].Output)

	require.NoError(t, m.DeleteCheckpoints(ctx, "s1"))
	cps, err = m.ListCheckpoints(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, cps)
}
