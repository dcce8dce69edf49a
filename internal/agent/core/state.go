package core

import (
	"context"
	"fmt"
	"sync"

	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"go.uber.org/zap"
)

// Status is the pipeline state of a session run.
type Status string

const (
	StatusPending       Status = "pending"
	StatusDecomposition Status = "decomposition"
	StatusResearch      Status = "research"
	StatusAnalysis      Status = "analysis"
	StatusValidation    Status = "validation"
	StatusProgress      Status = "progress"
	StatusComplete      Status = "complete"
	StatusError         Status = "error"
)

var statusRank = map[Status]int{
	StatusPending:       0,
	StatusDecomposition: 1,
	StatusResearch:      2,
	StatusAnalysis:      3,
	StatusValidation:    4,
	StatusProgress:      5,
	StatusComplete:      6,
}

// Terminal reports whether no further phase runs after s.
func (s Status) Terminal() bool { return s == StatusComplete || s == StatusError }

// CanTransition reports whether a run may move from s to next. Phases only
// move forward (skipping is allowed for resumed runs and skipped progress),
// validation may loop back to analysis, any live state may fail, and a
// finished run may restart from pending.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.Terminal()
	}
	switch next {
	case StatusError:
		return !s.Terminal()
	case StatusPending:
		return s.Terminal()
	case StatusAnalysis:
		if s == StatusValidation {
			return true
		}
	}
	if s.Terminal() {
		return false
	}
	from, ok := statusRank[s]
	to, ok2 := statusRank[next]
	return ok && ok2 && to > from
}

// tracker is the single writer of a session's status record. Persistence
// failures are logged; the status projection is advisory.
type tracker struct {
	mu        sync.Mutex
	sessionID string
	status    Status
	agent     string
	revision  int
	store     StatusStore
	logger    *zap.Logger
}

func newTracker(sessionID string, st StatusStore, logger *zap.Logger) *tracker {
	return &tracker{sessionID: sessionID, status: StatusPending, store: st, logger: logger}
}

// start resets the record to pending, which a finished run must pass
// through before it can run again.
func (t *tracker) start(ctx context.Context) {
	t.mu.Lock()
	t.status = StatusPending
	t.agent = ""
	t.revision = 0
	t.mu.Unlock()
	t.persist(ctx, nil)
}

func (t *tracker) advance(ctx context.Context, next Status, agent string, revision int) error {
	t.mu.Lock()
	if !t.status.CanTransition(next) {
		cur := t.status
		t.mu.Unlock()
		return fmt.Errorf("invalid status transition %s -> %s", cur, next)
	}
	t.status = next
	t.agent = agent
	if revision > 0 {
		t.revision = revision
	}
	t.mu.Unlock()
	t.persist(ctx, nil)
	return nil
}

func (t *tracker) fail(ctx context.Context, perr *PipelineError) {
	t.mu.Lock()
	if t.status.Terminal() {
		t.mu.Unlock()
		return
	}
	t.status = StatusError
	if perr.Agent != "" {
		t.agent = perr.Agent
	}
	t.mu.Unlock()
	t.persist(ctx, perr)
}

func (t *tracker) current() (Status, string, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status, t.agent, t.revision
}

func (t *tracker) persist(ctx context.Context, perr *PipelineError) {
	if t.store == nil {
		return
	}
	status, agent, revision := t.current()
	rec := store.StatusRecord{
		SessionID:     t.sessionID,
		Status:        string(status),
		CurrentAgent:  agent,
		RevisionCount: revision,
	}
	if perr != nil {
		rec.Error = &store.ErrorInfo{Agent: perr.Agent, Kind: string(perr.Kind), Message: perr.Message, Retryable: perr.Retryable}
	}
	// the record must land even when the run context has expired
	if err := t.store.UpsertStatus(context.WithoutCancel(ctx), rec); err != nil {
		t.logger.Warn("status persistence failed", zap.String("session_id", t.sessionID), zap.String("status", string(status)), zap.Error(err))
	}
}
