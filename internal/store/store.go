package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Store persists pipeline state in Postgres.
type Store struct {
	DB *sql.DB
}

// Checkpoint statuses persisted per pipeline step.
const (
	CheckpointStatusRunning   = "running"
	CheckpointStatusCompleted = "completed"
	CheckpointStatusFailed    = "failed"
)

// ErrorInfo is the failure recorded on a status row.
type ErrorInfo struct {
	Agent     string `json:"agent"`
	Kind      string `json:"kind,omitempty"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// StatusRecord is the single authoritative status row of a session run.
type StatusRecord struct {
	SessionID     string     `json:"sessionId"`
	Status        string     `json:"status"`
	CurrentAgent  string     `json:"currentAgent,omitempty"`
	RevisionCount int        `json:"revisionCount"`
	Error         *ErrorInfo `json:"error,omitempty"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

// PipelineInput is the original request of a run, kept for retries.
type PipelineInput struct {
	SessionID string                   `json:"sessionId"`
	PatientID string                   `json:"patientId,omitempty"`
	Metrics   biomech.SessionMetrics   `json:"metrics"`
	Prior     []biomech.SessionMetrics `json:"prior,omitempty"`
	CreatedAt time.Time                `json:"createdAt"`
}

// AnalysisResult holds the final phase-1 payloads of a session.
type AnalysisResult struct {
	SessionID     string                      `json:"sessionId"`
	Decomposition biomech.DecompositionReport `json:"decomposition"`
	Research      biomech.ResearchReport      `json:"research"`
	Analysis      biomech.AnalysisReport      `json:"analysis"`
	Validation    biomech.ValidatorOutcome    `json:"validation"`
	TotalCost     float64                     `json:"totalCost"`
	UpdatedAt     time.Time                   `json:"updatedAt"`
}

// ProgressResult is the longitudinal report produced for a patient. The
// first session id is the session that produced it.
type ProgressResult struct {
	PatientID  string                 `json:"patientId"`
	SessionIDs []string               `json:"sessionIds"`
	Progress   biomech.ProgressReport `json:"progress"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}

// UsageRecord is the usage of one agent within a session, summed over its
// invocations.
type UsageRecord struct {
	SessionID   string         `json:"sessionId"`
	Agent       string         `json:"agent"`
	Invocations int            `json:"invocations"`
	Usage       llm.TokenUsage `json:"usage"`
}

// Checkpoint captures the outcome of one named step of a session run.
type Checkpoint struct {
	SessionID string
	Step      string
	Status    string
	Output    []byte
	Attempts  int
	Error     string
	UpdatedAt time.Time
}

var (
	metricsOnce    sync.Once
	costCounter    otelmetric.Float64Counter
	tokenCounter   otelmetric.Int64Counter
	metricsInitErr error
)

func initStoreMetrics() {
	meter := otel.Meter("store")
	var err error
	costCounter, err = meter.Float64Counter("kinetiq_recorded_cost_total")
	if err != nil {
		metricsInitErr = err
		return
	}
	tokenCounter, err = meter.Int64Counter("kinetiq_recorded_tokens_total")
	if err != nil {
		metricsInitErr = err
	}
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.DB.PingContext(ctx) }

// UpsertStatus projects the current state of a run. Writes are idempotent.
func (s *Store) UpsertStatus(ctx context.Context, rec StatusRecord) error {
	if rec.SessionID == "" || rec.Status == "" {
		return fmt.Errorf("session_id and status are required")
	}
	var errBytes []byte
	if rec.Error != nil {
		b, err := json.Marshal(rec.Error)
		if err != nil {
			return fmt.Errorf("marshal status error: %w", err)
		}
		errBytes = b
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO pipeline_status (session_id, status, current_agent, revision_count, error, updated_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (session_id) DO UPDATE SET
  status         = EXCLUDED.status,
  current_agent  = EXCLUDED.current_agent,
  revision_count = EXCLUDED.revision_count,
  error          = EXCLUDED.error,
  updated_at     = NOW();
`, rec.SessionID, rec.Status, rec.CurrentAgent, rec.RevisionCount, errBytes)
	return err
}

// GetStatus returns the status row for a session. The bool indicates whether a record was found.
func (s *Store) GetStatus(ctx context.Context, sessionID string) (StatusRecord, bool, error) {
	var (
		rec      StatusRecord
		errBytes []byte
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT session_id, status, current_agent, revision_count, error, updated_at
FROM pipeline_status
WHERE session_id = $1`, sessionID)
	if err := row.Scan(&rec.SessionID, &rec.Status, &rec.CurrentAgent, &rec.RevisionCount, &errBytes, &rec.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return StatusRecord{}, false, nil
		}
		return StatusRecord{}, false, err
	}
	if len(errBytes) > 0 {
		var info ErrorInfo
		if err := json.Unmarshal(errBytes, &info); err != nil {
			return StatusRecord{}, false, fmt.Errorf("decode status error: %w", err)
		}
		rec.Error = &info
	}
	return rec, true, nil
}

// SaveInput stores the request of a run so it can be re-run from the start.
func (s *Store) SaveInput(ctx context.Context, in PipelineInput) error {
	if in.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	metrics, err := json.Marshal(in.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	prior, err := json.Marshal(in.Prior)
	if err != nil {
		return fmt.Errorf("marshal prior metrics: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO pipeline_inputs (session_id, patient_id, metrics, prior_metrics, recorded_at, created_at)
VALUES ($1,$2,$3,$4,$5,NOW())
ON CONFLICT (session_id) DO UPDATE SET
  patient_id    = EXCLUDED.patient_id,
  metrics       = EXCLUDED.metrics,
  prior_metrics = EXCLUDED.prior_metrics,
  recorded_at   = EXCLUDED.recorded_at;
`, in.SessionID, in.PatientID, metrics, prior, in.Metrics.RecordedAt)
	return err
}

// GetInput loads the stored request of a run.
func (s *Store) GetInput(ctx context.Context, sessionID string) (PipelineInput, bool, error) {
	var (
		in                  PipelineInput
		metrics, priorBytes []byte
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT session_id, patient_id, metrics, prior_metrics, created_at
FROM pipeline_inputs
WHERE session_id = $1`, sessionID)
	if err := row.Scan(&in.SessionID, &in.PatientID, &metrics, &priorBytes, &in.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return PipelineInput{}, false, nil
		}
		return PipelineInput{}, false, err
	}
	if err := json.Unmarshal(metrics, &in.Metrics); err != nil {
		return PipelineInput{}, false, fmt.Errorf("decode metrics: %w", err)
	}
	if len(priorBytes) > 0 {
		if err := json.Unmarshal(priorBytes, &in.Prior); err != nil {
			return PipelineInput{}, false, fmt.Errorf("decode prior metrics: %w", err)
		}
	}
	return in, true, nil
}

// PriorSessions returns up to limit earlier sessions of a patient, newest
// first, excluding excludeSessionID.
func (s *Store) PriorSessions(ctx context.Context, patientID, excludeSessionID string, limit int) ([]biomech.SessionMetrics, error) {
	if patientID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT metrics
FROM pipeline_inputs
WHERE patient_id = $1 AND session_id <> $2
ORDER BY recorded_at DESC
LIMIT $3`, patientID, excludeSessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []biomech.SessionMetrics
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var m biomech.SessionMetrics
		if err := json.Unmarshal(raw, &m); err != nil {
			return nil, fmt.Errorf("decode prior session: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// UpsertResults persists the final phase-1 payloads of a session.
func (s *Store) UpsertResults(ctx context.Context, res AnalysisResult) error {
	if res.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	var blobs [4][]byte
	for i, v := range []interface{}{res.Decomposition, res.Research, res.Analysis, res.Validation} {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("marshal result payload: %w", err)
		}
		blobs[i] = b
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO analysis_results (session_id, decomposition, research, analysis, validation, total_cost, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (session_id) DO UPDATE SET
  decomposition = EXCLUDED.decomposition,
  research      = EXCLUDED.research,
  analysis      = EXCLUDED.analysis,
  validation    = EXCLUDED.validation,
  total_cost    = EXCLUDED.total_cost,
  updated_at    = NOW();
`, res.SessionID, blobs[0], blobs[1], blobs[2], blobs[3], res.TotalCost)
	return err
}

// GetResults loads the persisted phase-1 payloads.
func (s *Store) GetResults(ctx context.Context, sessionID string) (AnalysisResult, bool, error) {
	var (
		res   AnalysisResult
		blobs [4][]byte
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT session_id, decomposition, research, analysis, validation, total_cost, updated_at
FROM analysis_results
WHERE session_id = $1`, sessionID)
	if err := row.Scan(&res.SessionID, &blobs[0], &blobs[1], &blobs[2], &blobs[3], &res.TotalCost, &res.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return AnalysisResult{}, false, nil
		}
		return AnalysisResult{}, false, err
	}
	targets := []interface{}{&res.Decomposition, &res.Research, &res.Analysis, &res.Validation}
	for i, target := range targets {
		if len(blobs[i]) == 0 {
			continue
		}
		if err := json.Unmarshal(blobs[i], target); err != nil {
			return AnalysisResult{}, false, fmt.Errorf("decode result payload: %w", err)
		}
	}
	return res, true, nil
}

// UpsertProgress persists a patient's longitudinal report. sessionIDs[0] is
// the session that produced it.
func (s *Store) UpsertProgress(ctx context.Context, patientID string, progress biomech.ProgressReport, sessionIDs []string) error {
	if patientID == "" || len(sessionIDs) == 0 {
		return fmt.Errorf("patient_id and at least one session id are required")
	}
	payload, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("marshal progress: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO progress_results (patient_id, session_id, session_ids, progress, updated_at)
VALUES ($1,$2,$3,$4,NOW())
ON CONFLICT (patient_id, session_id) DO UPDATE SET
  session_ids = EXCLUDED.session_ids,
  progress    = EXCLUDED.progress,
  updated_at  = NOW();
`, patientID, sessionIDs[0], pq.Array(sessionIDs), payload)
	return err
}

// GetProgress loads the longitudinal report produced by a session.
func (s *Store) GetProgress(ctx context.Context, sessionID string) (ProgressResult, bool, error) {
	var (
		res     ProgressResult
		payload []byte
	)
	row := s.DB.QueryRowContext(ctx, `
SELECT patient_id, session_ids, progress, updated_at
FROM progress_results
WHERE session_id = $1
ORDER BY updated_at DESC
LIMIT 1`, sessionID)
	if err := row.Scan(&res.PatientID, pq.Array(&res.SessionIDs), &payload, &res.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ProgressResult{}, false, nil
		}
		return ProgressResult{}, false, err
	}
	if err := json.Unmarshal(payload, &res.Progress); err != nil {
		return ProgressResult{}, false, fmt.Errorf("decode progress: %w", err)
	}
	return res, true, nil
}

// RecordUsage appends one agent invocation's usage.
func (s *Store) RecordUsage(ctx context.Context, sessionID, agent string, usage llm.TokenUsage) error {
	metricsOnce.Do(initStoreMetrics)
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO agent_usage (session_id, agent, input_tokens, output_tokens, total_tokens, estimated_cost, created_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())`,
		sessionID, agent, usage.InputTokens, usage.OutputTokens, usage.TotalTokens, usage.EstimatedCost)
	if err != nil {
		return err
	}
	if metricsInitErr == nil {
		attrs := otelmetric.WithAttributes(attribute.String("agent", agent))
		costCounter.Add(ctx, usage.EstimatedCost, attrs)
		tokenCounter.Add(ctx, usage.TotalTokens, attrs)
	}
	return nil
}

// ListUsage sums recorded usage per agent for a session.
func (s *Store) ListUsage(ctx context.Context, sessionID string) ([]UsageRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT agent, COUNT(*), SUM(input_tokens), SUM(output_tokens), SUM(total_tokens), SUM(estimated_cost)
FROM agent_usage
WHERE session_id = $1
GROUP BY agent
ORDER BY MIN(created_at)`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []UsageRecord
	for rows.Next() {
		rec := UsageRecord{SessionID: sessionID}
		if err := rows.Scan(&rec.Agent, &rec.Invocations, &rec.Usage.InputTokens, &rec.Usage.OutputTokens, &rec.Usage.TotalTokens, &rec.Usage.EstimatedCost); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpsertCheckpoint persists the state of one step.
func (s *Store) UpsertCheckpoint(ctx context.Context, cp Checkpoint) error {
	if cp.SessionID == "" || cp.Step == "" {
		return fmt.Errorf("session_id and step are required")
	}
	var output []byte
	if len(cp.Output) > 0 {
		output = cp.Output
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO pipeline_checkpoints (session_id, step, status, output, attempts, error, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,NOW())
ON CONFLICT (session_id, step) DO UPDATE SET
  status     = EXCLUDED.status,
  output     = COALESCE(EXCLUDED.output, pipeline_checkpoints.output),
  attempts   = EXCLUDED.attempts,
  error      = EXCLUDED.error,
  updated_at = NOW();
`, cp.SessionID, cp.Step, cp.Status, output, cp.Attempts, cp.Error)
	return err
}

// ListCheckpoints returns the checkpoints of a session in write order.
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]Checkpoint, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT session_id, step, status, output, attempts, error, updated_at
FROM pipeline_checkpoints
WHERE session_id = $1
ORDER BY updated_at`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Checkpoint
	for rows.Next() {
		var cp Checkpoint
		if err := rows.Scan(&cp.SessionID, &cp.Step, &cp.Status, &cp.Output, &cp.Attempts, &cp.Error, &cp.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// DeleteCheckpoints clears a session's checkpoints before a fresh run.
func (s *Store) DeleteCheckpoints(ctx context.Context, sessionID string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM pipeline_checkpoints WHERE session_id = $1`, sessionID)
	return err
}
