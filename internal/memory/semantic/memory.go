// Package semantic keeps summary embeddings of past sessions so the progress
// phase can retrieve similar history for a patient.
package semantic

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"go.uber.org/zap"
)

// Record is one summary to embed and keep.
type Record struct {
	SessionID   string
	PatientID   string
	Kind        string
	SummaryText string
	KeyFindings []string
	Metadata    map[string]interface{}
	Vector      []float32
}

// Query selects summaries of one patient near a vector.
type Query struct {
	PatientID        string
	Kind             string
	ExcludeSessionID string
	Vector           []float32
	Limit            int
	// MinScore drops matches below this similarity when positive.
	MinScore float64
}

// Match is a retrieved summary with its similarity in [0,1].
type Match struct {
	SessionID   string
	Kind        string
	SummaryText string
	KeyFindings []string
	Score       float64
}

// Backend stores and searches summary vectors.
type Backend interface {
	Upsert(ctx context.Context, rec Record) error
	Search(ctx context.Context, q Query) ([]Match, error)
}

// Memory embeds summaries and searches them through a Backend.
type Memory struct {
	embedder llm.Embedder
	backend  Backend
	cfg      config.SemanticMemoryConfig
	logger   *zap.Logger
}

// New builds a semantic memory. Returns nil when disabled.
func New(embedder llm.Embedder, backend Backend, cfg config.SemanticMemoryConfig, logger *zap.Logger) (*Memory, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if embedder == nil {
		return nil, errors.New("semantic memory requires an embedding-capable LLM client")
	}
	if backend == nil {
		return nil, errors.New("semantic memory requires a backend")
	}
	if cfg.Dimensions <= 0 {
		cfg.Dimensions = store.DefaultEmbeddingDimensions
	}
	if cfg.SearchTopK <= 0 {
		cfg.SearchTopK = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{embedder: embedder, backend: backend, cfg: cfg, logger: logger.Named("semantic")}, nil
}

// SaveEmbedding embeds summaryText and stores it for the session.
func (m *Memory) SaveEmbedding(ctx context.Context, sessionID, patientID, kind, summaryText string, keyFindings []string, metadata map[string]interface{}) error {
	if m == nil {
		return nil
	}
	if sessionID == "" {
		return fmt.Errorf("save embedding requires a session id")
	}
	vec, err := m.embed(ctx, summaryText)
	if err != nil {
		return fmt.Errorf("embed %s: %w", kind, err)
	}
	meta := map[string]interface{}{
		"created_at": time.Now().UTC().Format(time.RFC3339),
	}
	for k, v := range metadata {
		meta[k] = v
	}
	rec := Record{
		SessionID:   sessionID,
		PatientID:   patientID,
		Kind:        kind,
		SummaryText: summaryText,
		KeyFindings: keyFindings,
		Metadata:    meta,
		Vector:      vec,
	}
	if err := m.backend.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("store %s embedding: %w", kind, err)
	}
	return nil
}

// SearchSimilar returns up to limit prior analysis summaries of the patient
// most similar to queryText, best first.
func (m *Memory) SearchSimilar(ctx context.Context, patientID, queryText string, limit int, excludeSessionID string) ([]biomech.HistoricalSummary, error) {
	if m == nil || patientID == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = m.cfg.SearchTopK
	}
	vec, err := m.embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	matches, err := m.backend.Search(ctx, Query{
		PatientID:        patientID,
		Kind:             store.EmbeddingKindAnalysis,
		ExcludeSessionID: excludeSessionID,
		Vector:           vec,
		Limit:            limit,
		MinScore:         m.cfg.SearchThreshold,
	})
	if err != nil {
		return nil, err
	}
	out := make([]biomech.HistoricalSummary, 0, len(matches))
	for _, hit := range matches {
		out = append(out, biomech.HistoricalSummary{
			SessionID:   hit.SessionID,
			SummaryText: hit.SummaryText,
			KeyFindings: hit.KeyFindings,
			Score:       hit.Score,
		})
	}
	return out, nil
}

func (m *Memory) embed(ctx context.Context, text string) ([]float32, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("nothing to embed")
	}
	vectors, err := m.embedder.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 || len(vectors[0]) == 0 {
		return nil, fmt.Errorf("provider returned no vectors")
	}
	vec := vectors[0]
	if len(vec) != m.cfg.Dimensions {
		m.logger.Warn("embedding dimensions mismatch", zap.Int("got", len(vec)), zap.Int("want", m.cfg.Dimensions))
	}
	return vec, nil
}
