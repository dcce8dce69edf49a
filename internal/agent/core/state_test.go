package core

import (
	"context"
	"errors"
	"testing"

	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		ok       bool
	}{
		{StatusPending, StatusDecomposition, true},
		{StatusDecomposition, StatusResearch, true},
		{StatusResearch, StatusAnalysis, true},
		{StatusAnalysis, StatusValidation, true},
		{StatusValidation, StatusAnalysis, true},
		{StatusAnalysis, StatusAnalysis, true},
		{StatusValidation, StatusProgress, true},
		{StatusValidation, StatusComplete, true},
		{StatusProgress, StatusComplete, true},
		{StatusPending, StatusAnalysis, true},
		{StatusResearch, StatusDecomposition, false},
		{StatusProgress, StatusAnalysis, false},
		{StatusComplete, StatusAnalysis, false},
		{StatusComplete, StatusComplete, false},
		{StatusResearch, StatusError, true},
		{StatusError, StatusError, false},
		{StatusComplete, StatusPending, true},
		{StatusError, StatusPending, true},
		{StatusResearch, StatusPending, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.ok, tc.from.CanTransition(tc.to), "%s -> %s", tc.from, tc.to)
	}
}

type failingStatusStore struct{ calls int }

func (f *failingStatusStore) UpsertStatus(context.Context, store.StatusRecord) error {
	f.calls++
	return errors.New("db down")
}

func TestTrackerPersistsEveryTransition(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	tr := newTracker("s1", st, zap.NewNop())

	tr.start(ctx)
	require.NoError(t, tr.advance(ctx, StatusDecomposition, "decomposition", 0))
	require.NoError(t, tr.advance(ctx, StatusResearch, "research", 0))
	require.NoError(t, tr.advance(ctx, StatusAnalysis, "analysis", 1))
	require.NoError(t, tr.advance(ctx, StatusValidation, "validator", 1))
	require.NoError(t, tr.advance(ctx, StatusAnalysis, "analysis", 2))

	rec, ok, err := st.GetStatus(ctx, "s1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, string(StatusAnalysis), rec.Status)
	assert.Equal(t, "analysis", rec.CurrentAgent)
	assert.Equal(t, 2, rec.RevisionCount)

	assert.Error(t, tr.advance(ctx, StatusDecomposition, "decomposition", 0))

	tr.fail(ctx, newError("analysis", KindAgentFailure, true, nil, "timeout"))
	rec, _, err = st.GetStatus(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusError), rec.Status)
	require.NotNil(t, rec.Error)
	assert.Equal(t, "agent_failure", rec.Error.Kind)
	assert.True(t, rec.Error.Retryable)

	// a second failure does not overwrite the first
	tr.fail(ctx, newError("validator", KindParseFailure, true, nil, "late"))
	rec, _, _ = st.GetStatus(ctx, "s1")
	assert.Equal(t, "analysis", rec.Error.Agent)
}

func TestTrackerToleratesStoreFailures(t *testing.T) {
	st := &failingStatusStore{}
	tr := newTracker("s1", st, zap.NewNop())
	tr.start(context.Background())
	require.NoError(t, tr.advance(context.Background(), StatusDecomposition, "decomposition", 0))
	status, agent, _ := tr.current()
	assert.Equal(t, StatusDecomposition, status)
	assert.Equal(t, "decomposition", agent)
	assert.Equal(t, 2, st.calls)
}
