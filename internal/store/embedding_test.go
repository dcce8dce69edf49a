package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
)

func TestUpsertSessionEmbedding(t *testing.T) {
	st, mock := newMockStore(t)
	rec := SessionEmbeddingRecord{
		ID:          "emb-1",
		SessionID:   "sess-1",
		PatientID:   "pat-9",
		Kind:        EmbeddingKindAnalysis,
		SummaryText: "Range deficits with moderate asymmetry.",
		KeyFindings: []string{"Reduced knee range"},
		Vector:      []float32{0.1, 0.2},
	}
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO session_embeddings")).
		WithArgs("emb-1", "sess-1", "pat-9", EmbeddingKindAnalysis, rec.SummaryText, sqlmock.AnyArg(), sqlmock.AnyArg(), "[0.1,0.2]").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := st.UpsertSessionEmbedding(context.Background(), rec); err != nil {
		t.Fatalf("UpsertSessionEmbedding: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestUpsertSessionEmbeddingRequiresVector(t *testing.T) {
	st, _ := newMockStore(t)
	if err := st.UpsertSessionEmbedding(context.Background(), SessionEmbeddingRecord{SessionID: "sess-1"}); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}

func TestSearchSessionEmbeddingsAppliesThreshold(t *testing.T) {
	st, mock := newMockStore(t)
	rows := sqlmock.NewRows([]string{"session_id", "kind", "summary_text", "key_findings", "created_at", "distance"}).
		AddRow("sess-1", EmbeddingKindAnalysis, "close", "{a,b}", time.Now(), 0.12).
		AddRow("sess-0", EmbeddingKindAnalysis, "far", "{}", time.Now(), 0.8)
	mock.ExpectQuery(regexp.QuoteMeta("FROM session_embeddings")).
		WithArgs("[0.5,0.25]", "pat-9", EmbeddingKindAnalysis, "sess-2", 3).
		WillReturnRows(rows)

	got, err := st.SearchSessionEmbeddings(context.Background(), "pat-9", EmbeddingKindAnalysis, "sess-2", []float32{0.5, 0.25}, 3, 0.5)
	if err != nil {
		t.Fatalf("SearchSessionEmbeddings: %v", err)
	}
	if len(got) != 1 || got[0].SessionID != "sess-1" || len(got[0].KeyFindings) != 2 {
		t.Fatalf("unexpected matches: %+v", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestEncodeVectorLiteral(t *testing.T) {
	lit, err := encodeVectorLiteral([]float32{1, -0.5, 0.125})
	if err != nil {
		t.Fatalf("encodeVectorLiteral: %v", err)
	}
	if lit != "[1,-0.5,0.125]" {
		t.Fatalf("unexpected literal %q", lit)
	}
	if _, err := encodeVectorLiteral(nil); err == nil {
		t.Fatalf("expected error for empty vector")
	}
}
