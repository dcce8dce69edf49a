package semantic

import (
	"context"

	"github.com/mohammad-safakhou/kinetiq/internal/store"
)

type embeddingStore interface {
	UpsertSessionEmbedding(ctx context.Context, rec store.SessionEmbeddingRecord) error
	SearchSessionEmbeddings(ctx context.Context, patientID, kind, excludeSessionID string, vector []float32, topK int, threshold float64) ([]store.SessionEmbeddingMatch, error)
}

// PGVectorBackend keeps vectors in the session_embeddings table.
type PGVectorBackend struct {
	store embeddingStore
}

// NewPGVectorBackend wraps a store exposing the session embedding queries.
func NewPGVectorBackend(st embeddingStore) *PGVectorBackend {
	return &PGVectorBackend{store: st}
}

func (b *PGVectorBackend) Upsert(ctx context.Context, rec Record) error {
	return b.store.UpsertSessionEmbedding(ctx, store.SessionEmbeddingRecord{
		SessionID:   rec.SessionID,
		PatientID:   rec.PatientID,
		Kind:        rec.Kind,
		SummaryText: rec.SummaryText,
		KeyFindings: rec.KeyFindings,
		Metadata:    rec.Metadata,
		Vector:      rec.Vector,
	})
}

// Search converts cosine distance to similarity (1 - distance).
func (b *PGVectorBackend) Search(ctx context.Context, q Query) ([]Match, error) {
	var maxDistance float64
	if q.MinScore > 0 {
		maxDistance = 1 - q.MinScore
		if maxDistance <= 0 {
			// exact matches only; a zero threshold would disable the filter
			maxDistance = 1e-9
		}
	}
	hits, err := b.store.SearchSessionEmbeddings(ctx, q.PatientID, q.Kind, q.ExcludeSessionID, q.Vector, q.Limit, maxDistance)
	if err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(hits))
	for _, h := range hits {
		out = append(out, Match{
			SessionID:   h.SessionID,
			Kind:        h.Kind,
			SummaryText: h.SummaryText,
			KeyFindings: h.KeyFindings,
			Score:       clampScore(1 - h.Distance),
		})
	}
	return out, nil
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
