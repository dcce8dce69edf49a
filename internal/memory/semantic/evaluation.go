package semantic

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// QueryExpectation captures the sessions a query against one patient's
// history is expected to retrieve.
type QueryExpectation struct {
	Query            string   `json:"query" yaml:"query"`
	PatientID        string   `json:"patient_id" yaml:"patient_id"`
	ExcludeSessionID string   `json:"exclude_session_id,omitempty" yaml:"exclude_session_id,omitempty"`
	RelevantSessions []string `json:"relevant_sessions" yaml:"relevant_sessions"`
}

// QueryEvaluation summarises metrics for a single query execution.
type QueryEvaluation struct {
	Query          string        `json:"query"`
	PatientID      string        `json:"patient_id"`
	Recall         float64       `json:"recall"`
	Latency        time.Duration `json:"latency"`
	Hits           []string      `json:"hits"`
	MissedSessions []string      `json:"missed_sessions,omitempty"`
}

// EvaluationSummary aggregates recall/latency across all expectations.
type EvaluationSummary struct {
	Results          []QueryEvaluation `json:"results"`
	MeanRecall       float64           `json:"mean_recall"`
	MeanLatency      time.Duration     `json:"mean_latency"`
	QueriesEvaluated int               `json:"queries_evaluated"`
}

// Evaluate runs each expectation through SearchSimilar and computes recall
// and latency. Latency includes query embedding.
func Evaluate(ctx context.Context, mem *Memory, limit int, expectations []QueryExpectation) (EvaluationSummary, error) {
	if mem == nil {
		return EvaluationSummary{}, fmt.Errorf("semantic memory disabled")
	}
	if len(expectations) == 0 {
		return EvaluationSummary{}, fmt.Errorf("no query expectations supplied")
	}
	var summary EvaluationSummary
	for _, exp := range expectations {
		q := strings.TrimSpace(exp.Query)
		if q == "" {
			continue
		}
		start := time.Now()
		hits, err := mem.SearchSimilar(ctx, exp.PatientID, q, limit, exp.ExcludeSessionID)
		if err != nil {
			return EvaluationSummary{}, fmt.Errorf("search %q: %w", q, err)
		}
		eval := QueryEvaluation{Query: exp.Query, PatientID: exp.PatientID, Latency: time.Since(start)}
		for _, h := range hits {
			eval.Hits = append(eval.Hits, h.SessionID)
		}
		eval.Recall, eval.MissedSessions = computeRecall(exp.RelevantSessions, eval.Hits)

		summary.Results = append(summary.Results, eval)
		summary.MeanLatency += eval.Latency
		if len(exp.RelevantSessions) > 0 {
			summary.MeanRecall += eval.Recall
			summary.QueriesEvaluated++
		}
	}
	if summary.QueriesEvaluated > 0 {
		summary.MeanRecall /= float64(summary.QueriesEvaluated)
	}
	if n := len(summary.Results); n > 0 {
		summary.MeanLatency /= time.Duration(n)
	}
	return summary, nil
}

func computeRecall(relevant, hits []string) (float64, []string) {
	if len(relevant) == 0 {
		return 0, nil
	}
	relevantSet := make(map[string]struct{}, len(relevant))
	for _, id := range relevant {
		relevantSet[strings.TrimSpace(id)] = struct{}{}
	}
	hitSet := make(map[string]struct{}, len(hits))
	for _, id := range hits {
		hitSet[strings.TrimSpace(id)] = struct{}{}
	}
	var matches int
	var missed []string
	for id := range relevantSet {
		if _, ok := hitSet[id]; ok {
			matches++
		} else {
			missed = append(missed, id)
		}
	}
	sort.Strings(missed)
	return float64(matches) / float64(len(relevantSet)), missed
}
