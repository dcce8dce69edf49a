package main

import (
	"context"
	"fmt"
	"os"

	"github.com/mohammad-safakhou/kinetiq/config"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/core"
	"github.com/mohammad-safakhou/kinetiq/internal/agent/sources"
	agenttele "github.com/mohammad-safakhou/kinetiq/internal/agent/telemetry"
	"github.com/mohammad-safakhou/kinetiq/internal/llm"
	"github.com/mohammad-safakhou/kinetiq/internal/memory/semantic"
	"github.com/mohammad-safakhou/kinetiq/internal/queue/streams"
	"github.com/mohammad-safakhou/kinetiq/internal/store"
	"github.com/mohammad-safakhou/kinetiq/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// pipelineStore is what the orchestrator and the HTTP API need from storage.
type pipelineStore interface {
	core.Store
	GetStatus(ctx context.Context, sessionID string) (store.StatusRecord, bool, error)
	GetResults(ctx context.Context, sessionID string) (store.AnalysisResult, bool, error)
	GetProgress(ctx context.Context, sessionID string) (store.ProgressResult, bool, error)
}

// app holds the wired dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     pipelineStore
	pg        *store.Store
	llm       *llm.OpenAIClient
	memory    *semantic.Memory
	telemetry *agenttele.Telemetry
	registry  *prometheus.Registry
	orch      *core.Orchestrator
	redis     *redis.Client

	// queue is set when cfg.Queue is enabled.
	queue          *worker.Queue
	schemaRegistry *streams.SchemaRegistry

	closers []func()
}

type appOptions struct {
	// inMemory forces the in-process store even when postgres is configured.
	inMemory bool
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}

	if cfg.Storage.Postgres.Enabled() && !opts.inMemory {
		pg, err := store.NewWithDSN(ctx, cfg.Storage.Postgres.DSN())
		if err != nil {
			return nil, fmt.Errorf("postgres: %w", err)
		}
		a.pg = pg
		a.store = pg
		a.closers = append(a.closers, func() { _ = pg.Close() })
	} else {
		logger.Info("postgres not configured, using in-memory store")
		a.store = store.NewMemoryStore()
	}

	if err := a.connectRedis(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.llm = llm.NewOpenAIClient(cfg.LLM, logger)
	a.telemetry = agenttele.NewTelemetry(a.registry, logger)
	a.closers = append(a.closers, a.telemetry.Shutdown)

	collector, err := a.collector()
	if err != nil {
		a.Close()
		return nil, err
	}

	mem, err := a.semanticMemory()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.memory = mem

	deps := core.Dependencies{
		LLM:       a.llm,
		Store:     a.store,
		Sources:   collector,
		Telemetry: a.telemetry,
		Logger:    logger,
	}
	if mem != nil {
		deps.Memory = mem
	}
	orch, err := core.NewOrchestrator(cfg, deps)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.orch = orch

	if cfg.Queue.Enabled {
		if err := streams.EnsureGroup(ctx, a.redis, cfg.Queue.Stream, cfg.Queue.Group); err != nil {
			a.Close()
			return nil, err
		}
		a.queue = worker.NewQueue(streams.NewPublisher(a.redis, a.schemas(), cfg.Queue.MaxLen), cfg.Queue.Stream)
		a.registry.MustRegister(worker.NewLagCollector(a.redis, cfg.Queue.Stream, cfg.Queue.Group))
	}
	return a, nil
}

// connectRedis dials redis when configured. Without the queue redis only
// backs the evidence cache, so an unreachable server is tolerated.
func (a *app) connectRedis(ctx context.Context) error {
	rc := a.cfg.Storage.Redis
	if !rc.Enabled() {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     rc.Addr(),
		Password: rc.Password,
		DB:       rc.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		if a.cfg.Queue.Enabled {
			return fmt.Errorf("redis %s: %w", rc.Addr(), err)
		}
		a.logger.Warn("redis unavailable, evidence cache disabled", zap.String("addr", rc.Addr()), zap.Error(err))
		return nil
	}
	a.redis = rdb
	a.closers = append(a.closers, func() { _ = rdb.Close() })
	return nil
}

func (a *app) schemas() *streams.SchemaRegistry {
	if a.schemaRegistry == nil {
		a.schemaRegistry = streams.NewSchemaRegistry()
	}
	return a.schemaRegistry
}

// consumer joins the session consumer group under this process's name.
func (a *app) consumer() *streams.Consumer {
	name := a.cfg.Queue.Consumer
	if name == "" {
		host, _ := os.Hostname()
		name = fmt.Sprintf("%s-%d", host, os.Getpid())
	}
	return streams.NewConsumer(a.redis, a.schemas(), a.cfg.Queue.Group, name)
}

func (a *app) collector() (*sources.Collector, error) {
	kb, err := sources.LoadKnowledgeBase(a.cfg.Research.KnowledgeBase)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = kb.Close() })
	c := &sources.Collector{Knowledge: kb, Logger: a.logger}

	if a.redis != nil {
		c.Cache = sources.NewRedisCache(a.redis, a.cfg.Research.CacheTTL)
	}

	switch a.cfg.Research.Search.Provider {
	case "", "none":
	default:
		c.Literature = sources.NewLiteratureSearch(a.cfg.Research.Search, sources.NewHTTPClient(0, 2, 0), a.logger)
	}
	return c, nil
}

func (a *app) semanticMemory() (*semantic.Memory, error) {
	cfg := a.cfg.Memory.Semantic
	if !cfg.Enabled {
		return nil, nil
	}
	var backend semantic.Backend
	switch cfg.Backend {
	case config.BackendPGVector:
		if a.pg == nil {
			return nil, fmt.Errorf("memory.semantic.backend %q requires postgres", cfg.Backend)
		}
		backend = semantic.NewPGVectorBackend(a.pg)
	case config.BackendChromem:
		b, err := semantic.NewChromemBackend(cfg.ChromemPath, a.logger)
		if err != nil {
			return nil, err
		}
		backend = b
	default:
		return nil, fmt.Errorf("unknown semantic backend %q", cfg.Backend)
	}
	return semantic.New(a.llm, backend, cfg, a.logger)
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
