package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// DefaultEmbeddingDimensions indicates the expected length of semantic vectors stored in pgvector columns.
const DefaultEmbeddingDimensions = 1536

// Embedding kinds saved per session.
const (
	EmbeddingKindAnalysis = "analysis_summary"
	EmbeddingKindProgress = "progress_summary"
)

// SessionEmbeddingRecord is a summary vector for one session artifact.
type SessionEmbeddingRecord struct {
	ID          string
	SessionID   string
	PatientID   string
	Kind        string
	SummaryText string
	KeyFindings []string
	Metadata    map[string]interface{}
	Vector      []float32
	CreatedAt   time.Time
}

// SessionEmbeddingMatch is a semantic search hit.
type SessionEmbeddingMatch struct {
	SessionID   string
	Kind        string
	SummaryText string
	KeyFindings []string
	Distance    float64
	CreatedAt   time.Time
}

// UpsertSessionEmbedding stores or replaces the vector of a session artifact.
func (s *Store) UpsertSessionEmbedding(ctx context.Context, rec SessionEmbeddingRecord) error {
	if rec.SessionID == "" {
		return fmt.Errorf("session_id required")
	}
	if len(rec.Vector) == 0 {
		return fmt.Errorf("embedding vector required")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Kind == "" {
		rec.Kind = EmbeddingKindAnalysis
	}
	vectorLiteral, err := encodeVectorLiteral(rec.Vector)
	if err != nil {
		return err
	}
	meta := rec.Metadata
	if meta == nil {
		meta = map[string]interface{}{}
	}
	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO session_embeddings (id, session_id, patient_id, kind, summary_text, key_findings, metadata, embedding, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::vector,NOW())
ON CONFLICT (session_id, kind) DO UPDATE SET
  patient_id   = EXCLUDED.patient_id,
  summary_text = EXCLUDED.summary_text,
  key_findings = EXCLUDED.key_findings,
  metadata     = EXCLUDED.metadata,
  embedding    = EXCLUDED.embedding,
  created_at   = NOW();
`, rec.ID, rec.SessionID, rec.PatientID, rec.Kind, rec.SummaryText, pq.Array(rec.KeyFindings), metaBytes, vectorLiteral)
	return err
}

// SearchSessionEmbeddings returns the closest summaries of a patient by
// cosine distance. kind and excludeSessionID are optional filters; a
// positive threshold drops hits farther than it.
func (s *Store) SearchSessionEmbeddings(ctx context.Context, patientID, kind, excludeSessionID string, vector []float32, topK int, threshold float64) ([]SessionEmbeddingMatch, error) {
	if len(vector) == 0 {
		return nil, fmt.Errorf("vector must not be empty")
	}
	if topK <= 0 {
		topK = 5
	}
	vecLiteral, err := encodeVectorLiteral(vector)
	if err != nil {
		return nil, err
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT session_id, kind, summary_text, key_findings, created_at, embedding <=> $1::vector AS distance
FROM session_embeddings
WHERE patient_id = $2
  AND ($3 = '' OR kind = $3)
  AND ($4 = '' OR session_id <> $4)
ORDER BY embedding <=> $1::vector
LIMIT $5
`, vecLiteral, patientID, kind, excludeSessionID, topK)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var results []SessionEmbeddingMatch
	for rows.Next() {
		var m SessionEmbeddingMatch
		if err := rows.Scan(&m.SessionID, &m.Kind, &m.SummaryText, pq.Array(&m.KeyFindings), &m.CreatedAt, &m.Distance); err != nil {
			return nil, err
		}
		if threshold > 0 && m.Distance > threshold {
			continue
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

func encodeVectorLiteral(vec []float32) (string, error) {
	if len(vec) == 0 {
		return "", fmt.Errorf("vector must not be empty")
	}
	var builder strings.Builder
	builder.WriteByte('[')
	for i, f := range vec {
		if i > 0 {
			builder.WriteByte(',')
		}
		builder.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	builder.WriteByte(']')
	return builder.String(), nil
}
