package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"github.com/mohammad-safakhou/kinetiq/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

type stubPipeline struct {
	mu      sync.Mutex
	st      *store.MemoryStore
	result  core.PipelineResult
	runs    []core.PipelineRequest
	retries []string
	resumes []string
	done    chan struct{}
}

func (p *stubPipeline) RunPipeline(ctx context.Context, req core.PipelineRequest) core.PipelineResult {
	p.mu.Lock()
	p.runs = append(p.runs, req)
	p.mu.Unlock()
	_ = p.st.UpsertStatus(ctx, store.StatusRecord{SessionID: req.SessionID, Status: string(p.result.Status)})
	if p.done != nil {
		close(p.done)
	}
	res := p.result
	res.SessionID = req.SessionID
	return res
}

func (p *stubPipeline) RetryFromStart(_ context.Context, sessionID string) core.PipelineResult {
	p.mu.Lock()
	p.retries = append(p.retries, sessionID)
	p.mu.Unlock()
	res := p.result
	res.SessionID = sessionID
	return res
}

func (p *stubPipeline) Resume(_ context.Context, sessionID string) core.PipelineResult {
	p.mu.Lock()
	p.resumes = append(p.resumes, sessionID)
	p.mu.Unlock()
	res := p.result
	res.SessionID = sessionID
	return res
}

func newTestServer(t *testing.T, async bool, result core.PipelineResult) (http.Handler, *stubPipeline, *store.MemoryStore, *SessionsHandler) {
	t.Helper()
	st := store.NewMemoryStore()
	p := &stubPipeline{st: st, result: result}
	e, h := New(Options{
		Config:   config.ServerConfig{RunAsync: async},
		Pipeline: p,
		Store:    st,
		Registry: prometheus.NewRegistry(),
	})
	return e, p, st, h
}

const validBody = `{"patientId": "p1", "metrics": {
  "left": {"peakFlexion": 120, "averageRom": 90, "maxRom": 125, "peakAngularVelocity": 400},
  "right": {"peakFlexion": 118, "averageRom": 88, "maxRom": 122, "peakAngularVelocity": 390},
  "bilateral": {"crossCorrelation": 0.95},
  "overallScore": 80
}}`

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestRunPipelineSync(t *testing.T) {
	h, p, _, _ := newTestServer(t, false, core.PipelineResult{Success: true, Status: core.StatusComplete, ProgressSkipped: core.SkipNoPriors})

	rec := do(h, http.MethodPost, "/api/sessions/s1/pipeline", validBody)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var res core.PipelineResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !res.Success || res.SessionID != "s1" || res.ProgressSkipped != core.SkipNoPriors {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(p.runs) != 1 {
		t.Fatalf("expected one run, got %d", len(p.runs))
	}
	req := p.runs[0]
	if req.PatientID != "p1" || req.Metrics.SessionID != "s1" || req.Metrics.Left.AverageROM != 90 {
		t.Fatalf("request not forwarded: %+v", req)
	}
}

func TestRunPipelineRejectsInvalidMetrics(t *testing.T) {
	h, p, _, _ := newTestServer(t, false, core.PipelineResult{Success: true})

	body := `{"metrics": {"overallScore": 140}}`
	rec := do(h, http.MethodPost, "/api/sessions/s1/pipeline", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "overall_score") {
		t.Fatalf("expected error to name the metric, got %s", rec.Body.String())
	}
	if len(p.runs) != 0 {
		t.Fatalf("pipeline should not run for invalid input")
	}

	rec = do(h, http.MethodPost, "/api/sessions/s1/pipeline", `{"metrics": {"sessionId": "other"}}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for mismatched session, got %d", rec.Code)
	}
}

func TestRunPipelineFailureStatusCodes(t *testing.T) {
	cases := []struct {
		kind core.ErrorKind
		code int
	}{
		{core.KindBudgetExceeded, http.StatusUnprocessableEntity},
		{core.KindAgentFailure, http.StatusInternalServerError},
		{core.KindInvalidInput, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(string(tc.kind), func(t *testing.T) {
			h, _, _, _ := newTestServer(t, false, core.PipelineResult{
				Status: core.StatusError,
				Error:  &core.ErrorInfo{Agent: "research", Kind: tc.kind, Message: "boom"},
			})
			rec := do(h, http.MethodPost, "/api/sessions/s1/pipeline", validBody)
			if rec.Code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, rec.Code)
			}
			var res core.PipelineResult
			if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if res.Error == nil || res.Error.Kind != tc.kind {
				t.Fatalf("error not surfaced: %+v", res)
			}
		})
	}
}

func TestRunPipelineAsync(t *testing.T) {
	h, p, _, handler := newTestServer(t, true, core.PipelineResult{Success: true, Status: core.StatusComplete})
	p.done = make(chan struct{})

	rec := do(h, http.MethodPost, "/api/sessions/s1/pipeline", validBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	var accepted AcceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.SessionID != "s1" || accepted.Status != core.StatusPending {
		t.Fatalf("unexpected response: %+v", accepted)
	}
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
		t.Fatal("background run did not start")
	}
	handler.Wait()
}

func TestRetryAndResumeRequireKnownSession(t *testing.T) {
	h, p, st, _ := newTestServer(t, false, core.PipelineResult{Success: true, Status: core.StatusComplete})

	for _, path := range []string{"/api/sessions/missing/retry", "/api/sessions/missing/resume"} {
		rec := do(h, http.MethodPost, path, "")
		if rec.Code != http.StatusNotFound {
			t.Fatalf("%s: expected 404, got %d", path, rec.Code)
		}
	}

	_ = st.UpsertStatus(context.Background(), store.StatusRecord{SessionID: "s1", Status: string(core.StatusError)})
	if rec := do(h, http.MethodPost, "/api/sessions/s1/retry", ""); rec.Code != http.StatusOK {
		t.Fatalf("retry: expected 200, got %d", rec.Code)
	}
	if rec := do(h, http.MethodPost, "/api/sessions/s1/resume", ""); rec.Code != http.StatusOK {
		t.Fatalf("resume: expected 200, got %d", rec.Code)
	}
	if len(p.retries) != 1 || p.retries[0] != "s1" {
		t.Fatalf("unexpected retries: %v", p.retries)
	}
	if len(p.resumes) != 1 || p.resumes[0] != "s1" {
		t.Fatalf("unexpected resumes: %v", p.resumes)
	}
}

func TestStatusAndResult(t *testing.T) {
	h, _, st, _ := newTestServer(t, false, core.PipelineResult{})
	ctx := context.Background()

	if rec := do(h, http.MethodGet, "/api/sessions/s1/status", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	_ = st.UpsertStatus(ctx, store.StatusRecord{SessionID: "s1", Status: string(core.StatusValidation), CurrentAgent: "validator", RevisionCount: 2})
	rec := do(h, http.MethodGet, "/api/sessions/s1/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status store.StatusRecord
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if status.Status != "validation" || status.RevisionCount != 2 {
		t.Fatalf("unexpected status: %+v", status)
	}

	rec = do(h, http.MethodGet, "/api/sessions/s1/result", "")
	var partial SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &partial); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if partial.Results != nil || partial.Progress != nil {
		t.Fatalf("expected no reports yet: %+v", partial)
	}

	_ = st.UpsertResults(ctx, store.AnalysisResult{SessionID: "s1", Analysis: biomech.AnalysisReport{Summary: "done"}})
	_ = st.UpsertProgress(ctx, "p1", biomech.ProgressReport{Summary: "improving"}, []string{"s1", "s0"})
	rec = do(h, http.MethodGet, "/api/sessions/s1/result", "")
	var full SessionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &full); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if full.Results == nil || full.Results.Analysis.Summary != "done" {
		t.Fatalf("missing analysis: %+v", full)
	}
	if full.Progress == nil || full.Progress.Progress.Summary != "improving" {
		t.Fatalf("missing progress: %+v", full)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h, _, _, _ := newTestServer(t, false, core.PipelineResult{})
	if rec := do(h, http.MethodGet, "/healthz", ""); rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Fatalf("healthz: %d %q", rec.Code, rec.Body.String())
	}
	if rec := do(h, http.MethodGet, "/metrics", ""); rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
}

type fakeQueue struct {
	jobs []worker.SessionRequest
	err  error
}

func (q *fakeQueue) Enqueue(_ context.Context, req worker.SessionRequest) (string, error) {
	if q.err != nil {
		return "", q.err
	}
	q.jobs = append(q.jobs, req)
	return "1-0", nil
}

func TestQueuedDispatch(t *testing.T) {
	st := store.NewMemoryStore()
	p := &stubPipeline{st: st, result: core.PipelineResult{Success: true}}
	q := &fakeQueue{}
	h, _ := New(Options{Pipeline: p, Store: st, Registry: prometheus.NewRegistry(), Queue: q})

	rec := do(h, http.MethodPost, "/api/sessions/s1/pipeline", validBody)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var accepted AcceptedResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &accepted); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if accepted.EntryID != "1-0" || accepted.Status != core.StatusPending {
		t.Fatalf("unexpected response: %+v", accepted)
	}

	_ = st.UpsertStatus(context.Background(), store.StatusRecord{SessionID: "s1", Status: string(core.StatusError)})
	if rec := do(h, http.MethodPost, "/api/sessions/s1/resume", ""); rec.Code != http.StatusAccepted {
		t.Fatalf("resume: expected 202, got %d", rec.Code)
	}
	if len(p.runs) != 0 || len(p.resumes) != 0 {
		t.Fatalf("pipeline must not run in process when queued")
	}
	if len(q.jobs) != 2 {
		t.Fatalf("expected two queued jobs, got %d", len(q.jobs))
	}
	if q.jobs[0].Action != worker.ActionRun || q.jobs[0].Request == nil || q.jobs[0].Request.PatientID != "p1" {
		t.Fatalf("unexpected run job: %+v", q.jobs[0])
	}
	if q.jobs[1].Action != worker.ActionResume || q.jobs[1].SessionID != "s1" {
		t.Fatalf("unexpected resume job: %+v", q.jobs[1])
	}

	q.err = errors.New("redis down")
	if rec := do(h, http.MethodPost, "/api/sessions/s1/retry", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}
