package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"github.com/mohammad-safakhou/kinetiq/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Pipeline is the orchestrator surface exposed over HTTP.
type Pipeline interface {
	RunPipeline(ctx context.Context, req core.PipelineRequest) core.PipelineResult
	RetryFromStart(ctx context.Context, sessionID string) core.PipelineResult
	Resume(ctx context.Context, sessionID string) core.PipelineResult
}

// SessionStore is the read side of persisted runs.
type SessionStore interface {
	GetStatus(ctx context.Context, sessionID string) (store.StatusRecord, bool, error)
	GetResults(ctx context.Context, sessionID string) (store.AnalysisResult, bool, error)
	GetProgress(ctx context.Context, sessionID string) (store.ProgressResult, bool, error)
}

// Enqueuer hands session requests to background workers.
type Enqueuer interface {
	Enqueue(ctx context.Context, req worker.SessionRequest) (string, error)
}

// Pinger is implemented by stores that can report their health.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Options configures New.
type Options struct {
	Config   config.ServerConfig
	Pipeline Pipeline
	Store    SessionStore
	// Registry is served on /metrics; the default gatherer is used when nil.
	Registry *prometheus.Registry
	// Queue routes runs through the session stream when set.
	Queue  Enqueuer
	Logger *zap.Logger
}

// New builds the echo instance with every route registered. The returned
// handler must be closed with Wait after the server stops so background
// runs can finish.
func New(opts Options) (*echo.Echo, *SessionsHandler) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("http")

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Warn("request failed",
			zap.Int("status", code),
			zap.String("method", req.Method),
			zap.String("path", req.URL.Path),
			zap.String("remote", c.RealIP()),
			zap.Error(err))
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders: []string{echo.HeaderContentType},
	}))

	e.GET("/healthz", func(c echo.Context) error {
		if p, ok := opts.Store.(Pinger); ok {
			if err := p.Ping(c.Request().Context()); err != nil {
				return echo.NewHTTPError(http.StatusServiceUnavailable, "store unavailable")
			}
		}
		return c.String(http.StatusOK, "ok")
	})
	if opts.Registry != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{})))
	} else {
		e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	}

	h := &SessionsHandler{
		Pipeline: opts.Pipeline,
		Store:    opts.Store,
		Async:    opts.Config.RunAsync,
		Queue:    opts.Queue,
		Logger:   logger,
	}
	h.Register(e.Group("/api/sessions"))
	return e, h
}
