package semantic

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/philippgille/chromem-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

const (
	chromemCollection = "session_summaries"
	findingsSeparator = "\n"
)

var chromemTracer = otel.Tracer("kinetiq/semantic/chromem")

// ChromemBackend keeps vectors in an embedded chromem-go database. With an
// empty path the database lives in memory only.
type ChromemBackend struct {
	db         *chromem.DB
	collection *chromem.Collection
	logger     *zap.Logger
}

// NewChromemBackend opens (or creates) the summary collection.
func NewChromemBackend(path string, logger *zap.Logger) (*ChromemBackend, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var db *chromem.DB
	if strings.TrimSpace(path) == "" {
		db = chromem.NewDB()
	} else {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %s: %w", path, err)
		}
		var err error
		db, err = chromem.NewPersistentDB(path, false)
		if err != nil {
			return nil, fmt.Errorf("creating chromem DB: %w", err)
		}
	}
	// vectors are always supplied by the caller
	collection, err := db.GetOrCreateCollection(chromemCollection, nil, refuseEmbedding)
	if err != nil {
		return nil, fmt.Errorf("getting/creating collection %s: %w", chromemCollection, err)
	}
	logger.Info("chromem semantic backend ready", zap.String("path", path), zap.Int("documents", collection.Count()))
	return &ChromemBackend{db: db, collection: collection, logger: logger}, nil
}

func refuseEmbedding(context.Context, string) ([]float32, error) {
	return nil, fmt.Errorf("chromem backend requires precomputed embeddings")
}

func (b *ChromemBackend) Upsert(ctx context.Context, rec Record) error {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Upsert")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", rec.SessionID), attribute.String("kind", rec.Kind))

	meta := map[string]string{
		"session_id":   rec.SessionID,
		"patient_id":   rec.PatientID,
		"kind":         rec.Kind,
		"key_findings": strings.Join(rec.KeyFindings, findingsSeparator),
	}
	for k, v := range rec.Metadata {
		if _, taken := meta[k]; !taken {
			meta[k] = fmt.Sprint(v)
		}
	}
	doc := chromem.Document{
		ID:        rec.SessionID + ":" + rec.Kind,
		Metadata:  meta,
		Embedding: append([]float32(nil), rec.Vector...),
		Content:   rec.SummaryText,
	}
	if err := b.collection.AddDocument(ctx, doc); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("adding document %s: %w", doc.ID, err)
	}
	span.SetStatus(codes.Ok, "success")
	return nil
}

func (b *ChromemBackend) Search(ctx context.Context, q Query) ([]Match, error) {
	ctx, span := chromemTracer.Start(ctx, "ChromemBackend.Search")
	defer span.End()

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}
	// one extra slot for the excluded session
	k := limit + 1
	docCount := b.collection.Count()
	if docCount == 0 {
		return nil, nil
	}
	if k > docCount {
		k = docCount
	}
	where := map[string]string{"patient_id": q.PatientID}
	if q.Kind != "" {
		where["kind"] = q.Kind
	}
	results, err := b.collection.QueryEmbedding(ctx, q.Vector, k, where, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, fmt.Errorf("querying collection %s: %w", chromemCollection, err)
	}
	out := make([]Match, 0, len(results))
	for _, r := range results {
		sessionID := r.Metadata["session_id"]
		if q.ExcludeSessionID != "" && sessionID == q.ExcludeSessionID {
			continue
		}
		score := clampScore(float64(r.Similarity))
		if q.MinScore > 0 && score < q.MinScore {
			continue
		}
		var findings []string
		if raw := r.Metadata["key_findings"]; raw != "" {
			findings = strings.Split(raw, findingsSeparator)
		}
		out = append(out, Match{
			SessionID:   sessionID,
			Kind:        r.Metadata["kind"],
			SummaryText: r.Content,
			KeyFindings: findings,
			Score:       score,
		})
		if len(out) == limit {
			break
		}
	}
	span.SetAttributes(attribute.Int("results_count", len(out)))
	span.SetStatus(codes.Ok, "success")
	b.logger.Debug("searched chromem collection", zap.String("patient_id", q.PatientID), zap.Int("k", k), zap.Int("results", len(out)))
	return out, nil
}
