package executor

import (
	"context"

	"github.com/mohammad-safakhou/kinetiq/internal/store"
)

type checkpointStore interface {
	UpsertCheckpoint(ctx context.Context, cp store.Checkpoint) error
	ListCheckpoints(ctx context.Context, sessionID string) ([]store.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, sessionID string) error
}

// StoreCheckpointManager persists step checkpoints in the pipeline_checkpoints table.
type StoreCheckpointManager struct {
	store checkpointStore
}

// NewStoreCheckpointManager constructs a CheckpointManager backed by the store.
func NewStoreCheckpointManager(st checkpointStore) *StoreCheckpointManager {
	return &StoreCheckpointManager{store: st}
}

func (m *StoreCheckpointManager) StartRun(ctx context.Context, runID string) error {
	if m.store == nil {
		return nil
	}
	return m.store.DeleteCheckpoints(ctx, runID)
}

func (m *StoreCheckpointManager) SaveTaskStart(ctx context.Context, runID string, task Task, attempt int) error {
	if m.store == nil {
		return nil
	}
	return m.store.UpsertCheckpoint(ctx, store.Checkpoint{
		SessionID: runID,
		Step:      task.ID,
		Status:    store.CheckpointStatusRunning,
		Attempts:  attempt,
	})
}

func (m *StoreCheckpointManager) SaveTaskSuccess(ctx context.Context, runID string, task Task, attempt int, output []byte) error {
	if m.store == nil {
		return nil
	}
	return m.store.UpsertCheckpoint(ctx, store.Checkpoint{
		SessionID: runID,
		Step:      task.ID,
		Status:    store.CheckpointStatusCompleted,
		Output:    output,
		Attempts:  attempt,
	})
}

func (m *StoreCheckpointManager) SaveTaskFailure(ctx context.Context, runID string, task Task, attempt int, err error) error {
	if m.store == nil {
		return nil
	}
	cp := store.Checkpoint{
		SessionID: runID,
		Step:      task.ID,
		Status:    store.CheckpointStatusFailed,
		Attempts:  attempt,
	}
	if err != nil {
		cp.Error = err.Error()
	}
	return m.store.UpsertCheckpoint(ctx, cp)
}

func (m *StoreCheckpointManager) Completed(ctx context.Context, runID string) (map[string][]byte, error) {
	if m.store == nil {
		return nil, nil
	}
	cps, err := m.store.ListCheckpoints(ctx, runID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(cps))
	for _, cp := range cps {
		if cp.Status == store.CheckpointStatusCompleted {
			out[cp.Step] = cp.Output
		}
	}
	return out, nil
}

var _ CheckpointManager = (*StoreCheckpointManager)(nil)
