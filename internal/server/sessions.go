package server

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/labstack/echo/v4"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/biomech"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"github.com/mohammad-safakhou/kinetiq/internal/worker"
	"go.uber.org/zap"
)

// SessionsHandler serves pipeline runs and their persisted outcome.
type SessionsHandler struct {
	Pipeline Pipeline
	Store    SessionStore
	Async    bool
	// Queue, when set, hands runs to workers instead of running them here.
	Queue  Enqueuer
	Logger *zap.Logger

	wg sync.WaitGroup
}

// PipelineBody is the payload of POST /api/sessions/:session_id/pipeline.
// The session id comes from the path.
type PipelineBody struct {
	PatientID string                   `json:"patientId,omitempty"`
	Metrics   biomech.SessionMetrics   `json:"metrics"`
	Prior     []biomech.SessionMetrics `json:"priorSessions,omitempty"`
}

// AcceptedResponse is returned when a run continues in the background.
type AcceptedResponse struct {
	SessionID string      `json:"sessionId"`
	Status    core.Status `json:"status"`
	// EntryID is the stream entry of a queued run.
	EntryID string `json:"entryId,omitempty"`
}

// SessionResult combines everything persisted for a session.
type SessionResult struct {
	Status   store.StatusRecord    `json:"status"`
	Results  *store.AnalysisResult `json:"results,omitempty"`
	Progress *store.ProgressResult `json:"progress,omitempty"`
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.POST("/:session_id/pipeline", h.run)
	g.POST("/:session_id/retry", h.retry)
	g.POST("/:session_id/resume", h.resume)
	g.GET("/:session_id/status", h.status)
	g.GET("/:session_id/result", h.result)
}

// Wait blocks until background runs started by this handler return.
func (h *SessionsHandler) Wait() { h.wg.Wait() }

func (h *SessionsHandler) run(c echo.Context) error {
	sessionID := strings.TrimSpace(c.Param("session_id"))
	var body PipelineBody
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid body")
	}
	if body.Metrics.SessionID == "" {
		body.Metrics.SessionID = sessionID
	}
	req := core.PipelineRequest{
		SessionID: sessionID,
		PatientID: strings.TrimSpace(body.PatientID),
		Metrics:   body.Metrics,
		Prior:     body.Prior,
	}
	if err := req.Validate(); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	job := worker.SessionRequest{SessionID: sessionID, Action: worker.ActionRun, Request: &req}
	return h.dispatch(c, job, func(ctx context.Context) core.PipelineResult {
		return h.Pipeline.RunPipeline(ctx, req)
	})
}

func (h *SessionsHandler) retry(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := h.requireSession(c, sessionID); err != nil {
		return err
	}
	job := worker.SessionRequest{SessionID: sessionID, Action: worker.ActionRetry}
	return h.dispatch(c, job, func(ctx context.Context) core.PipelineResult {
		return h.Pipeline.RetryFromStart(ctx, sessionID)
	})
}

func (h *SessionsHandler) resume(c echo.Context) error {
	sessionID := c.Param("session_id")
	if err := h.requireSession(c, sessionID); err != nil {
		return err
	}
	job := worker.SessionRequest{SessionID: sessionID, Action: worker.ActionResume}
	return h.dispatch(c, job, func(ctx context.Context) core.PipelineResult {
		return h.Pipeline.Resume(ctx, sessionID)
	})
}

func (h *SessionsHandler) status(c echo.Context) error {
	rec, ok, err := h.Store.GetStatus(c.Request().Context(), c.Param("session_id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *SessionsHandler) result(c echo.Context) error {
	ctx := c.Request().Context()
	sessionID := c.Param("session_id")
	rec, ok, err := h.Store.GetStatus(ctx, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	out := SessionResult{Status: rec}
	res, ok, err := h.Store.GetResults(ctx, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if ok {
		out.Results = &res
	}
	prog, ok, err := h.Store.GetProgress(ctx, sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if ok {
		out.Progress = &prog
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionsHandler) requireSession(c echo.Context, sessionID string) error {
	_, ok, err := h.Store.GetStatus(c.Request().Context(), sessionID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return nil
}

// dispatch queues job when a queue is configured. Otherwise it runs fn
// inline, or in the background when the handler is async. Background runs
// are detached from the request but keep its values.
func (h *SessionsHandler) dispatch(c echo.Context, job worker.SessionRequest, fn func(context.Context) core.PipelineResult) error {
	sessionID := job.SessionID
	if h.Queue != nil {
		id, err := h.Queue.Enqueue(c.Request().Context(), job)
		if err != nil {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "queue unavailable").SetInternal(err)
		}
		return c.JSON(http.StatusAccepted, AcceptedResponse{SessionID: sessionID, Status: core.StatusPending, EntryID: id})
	}
	if !h.Async {
		res := fn(c.Request().Context())
		return c.JSON(statusCode(res), res)
	}
	ctx := context.WithoutCancel(c.Request().Context())
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		res := fn(ctx)
		if !res.Success && h.Logger != nil {
			h.Logger.Warn("background run failed", zap.String("session_id", sessionID), zap.Any("error", res.Error))
		}
	}()
	return c.JSON(http.StatusAccepted, AcceptedResponse{SessionID: sessionID, Status: core.StatusPending})
}

func statusCode(res core.PipelineResult) int {
	if res.Success {
		return http.StatusOK
	}
	if res.Error != nil {
		switch res.Error.Kind {
		case core.KindInvalidInput:
			return http.StatusBadRequest
		case core.KindBudgetExceeded:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}
