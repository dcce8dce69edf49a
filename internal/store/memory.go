package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
)

// MemoryStore keeps pipeline state in process. It backs the offline run
// command and tests; contents are lost on exit.
type MemoryStore struct {
	mu          sync.RWMutex
	statuses    map[string]StatusRecord
	inputs      map[string]PipelineInput
	results     map[string]AnalysisResult
	progress    map[string]ProgressResult
	usage       map[string][]UsageRecord
	checkpoints map[string]map[string]Checkpoint
	clock       func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		statuses:    map[string]StatusRecord{},
		inputs:      map[string]PipelineInput{},
		results:     map[string]AnalysisResult{},
		progress:    map[string]ProgressResult{},
		usage:       map[string][]UsageRecord{},
		checkpoints: map[string]map[string]Checkpoint{},
		clock:       time.Now,
	}
}

func (m *MemoryStore) UpsertStatus(_ context.Context, rec StatusRecord) error {
	if rec.SessionID == "" || rec.Status == "" {
		return fmt.Errorf("session_id and status are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec.UpdatedAt = m.clock()
	if rec.Error != nil {
		e := *rec.Error
		rec.Error = &e
	}
	m.statuses[rec.SessionID] = rec
	return nil
}

func (m *MemoryStore) GetStatus(_ context.Context, sessionID string) (StatusRecord, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.statuses[sessionID]
	return rec, ok, nil
}

func (m *MemoryStore) SaveInput(_ context.Context, in PipelineInput) error {
	if in.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.inputs[in.SessionID]; ok {
		in.CreatedAt = prev.CreatedAt
	} else {
		in.CreatedAt = m.clock()
	}
	in.Prior = append([]biomech.SessionMetrics(nil), in.Prior...)
	m.inputs[in.SessionID] = in
	return nil
}

func (m *MemoryStore) GetInput(_ context.Context, sessionID string) (PipelineInput, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	in, ok := m.inputs[sessionID]
	return in, ok, nil
}

func (m *MemoryStore) PriorSessions(_ context.Context, patientID, excludeSessionID string, limit int) ([]biomech.SessionMetrics, error) {
	if patientID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []biomech.SessionMetrics
	for id, in := range m.inputs {
		if in.PatientID == patientID && id != excludeSessionID {
			out = append(out, in.Metrics)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].RecordedAt.After(out[j].RecordedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemoryStore) UpsertResults(_ context.Context, res AnalysisResult) error {
	if res.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	res.UpdatedAt = m.clock()
	m.results[res.SessionID] = res
	return nil
}

func (m *MemoryStore) GetResults(_ context.Context, sessionID string) (AnalysisResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.results[sessionID]
	return res, ok, nil
}

func (m *MemoryStore) UpsertProgress(_ context.Context, patientID string, progress biomech.ProgressReport, sessionIDs []string) error {
	if patientID == "" || len(sessionIDs) == 0 {
		return fmt.Errorf("patient_id and at least one session id are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[sessionIDs[0]] = ProgressResult{
		PatientID:  patientID,
		SessionIDs: append([]string(nil), sessionIDs...),
		Progress:   progress,
		UpdatedAt:  m.clock(),
	}
	return nil
}

func (m *MemoryStore) GetProgress(_ context.Context, sessionID string) (ProgressResult, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	res, ok := m.progress[sessionID]
	return res, ok, nil
}

func (m *MemoryStore) RecordUsage(_ context.Context, sessionID, agent string, usage llm.TokenUsage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.usage[sessionID]
	for i := range recs {
		if recs[i].Agent == agent {
			recs[i].Invocations++
			recs[i].Usage = recs[i].Usage.Add(usage)
			return nil
		}
	}
	m.usage[sessionID] = append(recs, UsageRecord{SessionID: sessionID, Agent: agent, Invocations: 1, Usage: usage})
	return nil
}

func (m *MemoryStore) ListUsage(_ context.Context, sessionID string) ([]UsageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]UsageRecord(nil), m.usage[sessionID]...), nil
}

func (m *MemoryStore) UpsertCheckpoint(_ context.Context, cp Checkpoint) error {
	if cp.SessionID == "" || cp.Step == "" {
		return fmt.Errorf("session_id and step are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	steps, ok := m.checkpoints[cp.SessionID]
	if !ok {
		steps = map[string]Checkpoint{}
		m.checkpoints[cp.SessionID] = steps
	}
	if len(cp.Output) == 0 {
		cp.Output = steps[cp.Step].Output
	}
	cp.UpdatedAt = m.clock()
	steps[cp.Step] = cp
	return nil
}

func (m *MemoryStore) ListCheckpoints(_ context.Context, sessionID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Checkpoint, 0, len(m.checkpoints[sessionID]))
	for _, cp := range m.checkpoints[sessionID] {
		out = append(out, cp)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].Step < out[j].Step
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out, nil
}

func (m *MemoryStore) DeleteCheckpoints(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checkpoints, sessionID)
	return nil
}
