package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/budget"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
)

// PipelineRequest starts a run for one session.
type PipelineRequest struct {
	SessionID string                   `json:"sessionId"`
	PatientID string                   `json:"patientId,omitempty"`
	Metrics   biomech.SessionMetrics   `json:"metrics"`
	Prior     []biomech.SessionMetrics `json:"priorSessions,omitempty"`
}

// Validate checks the request once at ingress.
func (r PipelineRequest) Validate() error {
	if strings.TrimSpace(r.SessionID) == "" {
		return fmt.Errorf("session id is required")
	}
	if r.Metrics.SessionID != "" && r.Metrics.SessionID != r.SessionID {
		return fmt.Errorf("metrics belong to session %q, not %q", r.Metrics.SessionID, r.SessionID)
	}
	if err := r.Metrics.Validate(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	for i, p := range r.Prior {
		if err := p.Validate(); err != nil {
			return fmt.Errorf("prior session %d: %w", i, err)
		}
	}
	return nil
}

// PipelineResult always describes a finished run; Success tells whether the
// analysis phase completed.
type PipelineResult struct {
	Success       bool                         `json:"success"`
	SessionID     string                       `json:"sessionId"`
	Status        Status                       `json:"status"`
	Decomposition *biomech.DecompositionReport `json:"decomposition,omitempty"`
	Research      *biomech.ResearchReport      `json:"research,omitempty"`
	Analysis      *biomech.AnalysisReport      `json:"analysis,omitempty"`
	Validation    *biomech.ValidatorOutcome    `json:"validation,omitempty"`
	Progress      *biomech.ProgressReport      `json:"progress,omitempty"`
	// ProgressSkipped explains why the progress phase did not run.
	ProgressSkipped string             `json:"progressSkipped,omitempty"`
	Error           *ErrorInfo         `json:"error,omitempty"`
	TotalTokens     int64              `json:"totalTokens"`
	TotalCost       float64            `json:"totalCost"`
	DurationMs      int64              `json:"durationMs"`
	Usage           []budget.AgentUsage `json:"usage,omitempty"`
}

// StatusStore receives the status projection.
type StatusStore interface {
	UpsertStatus(ctx context.Context, rec store.StatusRecord) error
}

// UsageRecorder receives per-invocation usage.
type UsageRecorder interface {
	RecordUsage(ctx context.Context, sessionID, agent string, usage llm.TokenUsage) error
}

// Store is every persistence operation a run needs. Both *store.Store and
// *store.MemoryStore satisfy it.
type Store interface {
	StatusStore
	UsageRecorder
	SaveInput(ctx context.Context, in store.PipelineInput) error
	GetInput(ctx context.Context, sessionID string) (store.PipelineInput, bool, error)
	PriorSessions(ctx context.Context, patientID, excludeSessionID string, limit int) ([]biomech.SessionMetrics, error)
	UpsertResults(ctx context.Context, res store.AnalysisResult) error
	UpsertProgress(ctx context.Context, patientID string, progress biomech.ProgressReport, sessionIDs []string) error
	UpsertCheckpoint(ctx context.Context, cp store.Checkpoint) error
	ListCheckpoints(ctx context.Context, sessionID string) ([]store.Checkpoint, error)
	DeleteCheckpoints(ctx context.Context, sessionID string) error
}

// SemanticMemory saves and searches session summaries. Both calls are
// best-effort from the pipeline's point of view.
type SemanticMemory interface {
	SaveEmbedding(ctx context.Context, sessionID, patientID, kind, summaryText string, keyFindings []string, metadata map[string]interface{}) error
	SearchSimilar(ctx context.Context, patientID, queryText string, limit int, excludeSessionID string) ([]biomech.HistoricalSummary, error)
}
