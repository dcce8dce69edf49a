package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the pipeline service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	Server    ServerConfig    `mapstructure:"server"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Budget    BudgetConfig    `mapstructure:"budget"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Research  ResearchConfig  `mapstructure:"research"`
	Queue     QueueConfig     `mapstructure:"queue"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	LogLevel    string `mapstructure:"log_level"`
	Development bool   `mapstructure:"development"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	Address string `mapstructure:"address"`
	// RunAsync makes POST /pipeline return 202 and run in the background.
	RunAsync bool `mapstructure:"run_async"`
}

// LLMConfig describes the OpenAI-compatible inference endpoint.
type LLMConfig struct {
	BaseURL           string              `mapstructure:"base_url"`
	APIKey            string              `mapstructure:"api_key"`
	Timeout           time.Duration       `mapstructure:"timeout"`
	RequestsPerSecond float64             `mapstructure:"requests_per_second"`
	Burst             int                 `mapstructure:"burst"`
	DefaultModel      string              `mapstructure:"default_model"`
	EmbeddingModel    string              `mapstructure:"embedding_model"`
	Models            map[string]LLMModel `mapstructure:"models"`
}

// LLMModel represents a specific model configuration
type LLMModel struct {
	APIName         string  `mapstructure:"api_name"`
	MaxTokens       int     `mapstructure:"max_tokens"`
	CostPer1KInput  float64 `mapstructure:"cost_per_1k_input"`
	CostPer1KOutput float64 `mapstructure:"cost_per_1k_output"`
}

func (c LLMConfig) Validate() error {
	if strings.TrimSpace(c.BaseURL) == "" {
		return fmt.Errorf("llm.base_url is required")
	}
	if strings.TrimSpace(c.DefaultModel) == "" {
		return fmt.Errorf("llm.default_model is required")
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("llm.requests_per_second cannot be negative")
	}
	for name, m := range c.Models {
		if m.CostPer1KInput < 0 || m.CostPer1KOutput < 0 {
			return fmt.Errorf("llm.models.%s: costs cannot be negative", name)
		}
	}
	return nil
}

// Agent names used as keys under pipeline.agents.
const (
	AgentDecomposition = "decomposition"
	AgentResearch      = "research"
	AgentAnalysis      = "analysis"
	AgentValidator     = "validator"
	AgentProgress      = "progress"
)

// Pipeline modes.
const (
	ModeSingle   = "single"
	ModeTwoPhase = "two_phase"
)

// PipelineConfig governs orchestration.
type PipelineConfig struct {
	Mode         string                 `mapstructure:"mode"`
	TotalTimeout time.Duration          `mapstructure:"total_timeout"`
	AgentTimeout time.Duration          `mapstructure:"agent_timeout"`
	HistoryLimit int                    `mapstructure:"history_limit"`
	Agents       map[string]AgentConfig `mapstructure:"agents"`
}

// AgentConfig is the per-agent inference profile.
type AgentConfig struct {
	Model           string  `mapstructure:"model"`
	Temperature     float64 `mapstructure:"temperature"`
	MaxOutputTokens int     `mapstructure:"max_output_tokens"`
}

// DefaultAgents returns the per-agent temperature and output ceilings.
func DefaultAgents() map[string]AgentConfig {
	return map[string]AgentConfig{
		AgentDecomposition: {Temperature: 0.2, MaxOutputTokens: 4096},
		AgentResearch:      {Temperature: 0.3, MaxOutputTokens: 8192},
		AgentAnalysis:      {Temperature: 0.3, MaxOutputTokens: 8192},
		AgentValidator:     {Temperature: 0.1, MaxOutputTokens: 2048},
		AgentProgress:      {Temperature: 0.2, MaxOutputTokens: 4096},
	}
}

// Normalize fills unset values with defaults.
func (c PipelineConfig) Normalize() PipelineConfig {
	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if c.Mode == "" {
		c.Mode = ModeTwoPhase
	}
	if c.TotalTimeout <= 0 {
		c.TotalTimeout = 5 * time.Minute
	}
	if c.AgentTimeout <= 0 {
		c.AgentTimeout = 2 * time.Minute
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 5
	}
	agents := DefaultAgents()
	for name, override := range c.Agents {
		base := agents[name]
		if override.Model != "" {
			base.Model = override.Model
		}
		if override.Temperature > 0 {
			base.Temperature = override.Temperature
		}
		if override.MaxOutputTokens > 0 {
			base.MaxOutputTokens = override.MaxOutputTokens
		}
		agents[name] = base
	}
	c.Agents = agents
	return c
}

func (c PipelineConfig) Validate() error {
	switch c.Mode {
	case ModeSingle, ModeTwoPhase:
	default:
		return fmt.Errorf("pipeline.mode must be %q or %q, got %q", ModeSingle, ModeTwoPhase, c.Mode)
	}
	if c.AgentTimeout > c.TotalTimeout {
		return fmt.Errorf("pipeline.agent_timeout (%s) exceeds pipeline.total_timeout (%s)", c.AgentTimeout, c.TotalTimeout)
	}
	for name, a := range c.Agents {
		switch name {
		case AgentDecomposition, AgentResearch, AgentAnalysis, AgentValidator, AgentProgress:
		default:
			return fmt.Errorf("pipeline.agents: unknown agent %q", name)
		}
		if a.Temperature < 0 || a.Temperature > 2 {
			return fmt.Errorf("pipeline.agents.%s.temperature out of range", name)
		}
	}
	return nil
}

// BudgetConfig holds optional per-run ceilings. Zero means unlimited.
type BudgetConfig struct {
	MaxCost        float64 `mapstructure:"max_cost"`
	MaxTokens      int64   `mapstructure:"max_tokens"`
	MaxTimeSeconds int64   `mapstructure:"max_time_seconds"`
}

// TelemetryConfig contains tracing settings
type TelemetryConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func (t TelemetryConfig) Validate() error {
	if t.Enabled && strings.TrimSpace(t.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is enabled")
	}
	return nil
}

// StorageConfig groups persistence backends.
type StorageConfig struct {
	Postgres PostgresConfig `mapstructure:"postgres"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// PostgresConfig accepts either a URL or discrete fields.
type PostgresConfig struct {
	URL      string `mapstructure:"url"`
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
	SSLMode  string `mapstructure:"sslmode"`
}

// Enabled reports whether any connection information was supplied.
func (p PostgresConfig) Enabled() bool {
	return p.URL != "" || p.Host != ""
}

// DSN builds a connection string.
func (p PostgresConfig) DSN() string {
	if p.URL != "" {
		return p.URL
	}
	port := p.Port
	if port == "" {
		port = "5432"
	}
	ssl := p.SSLMode
	if ssl == "" {
		ssl = "disable"
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", p.User, p.Password, p.Host, port, p.DBName, ssl)
}

func (p PostgresConfig) Validate() error {
	if p.URL == "" && p.Host != "" && p.DBName == "" {
		return fmt.Errorf("storage.postgres.dbname is required when host is set")
	}
	return nil
}

// RedisConfig configures the evidence cache.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Enabled reports whether a redis host is configured.
func (r RedisConfig) Enabled() bool { return r.Host != "" }

// Addr returns host:port.
func (r RedisConfig) Addr() string {
	port := r.Port
	if port == "" {
		port = "6379"
	}
	return r.Host + ":" + port
}

func (r RedisConfig) Validate() error {
	if r.DB < 0 {
		return fmt.Errorf("storage.redis.db cannot be negative")
	}
	return nil
}

// MemoryConfig groups long-term memory settings.
type MemoryConfig struct {
	Semantic SemanticMemoryConfig `mapstructure:"semantic"`
}

// Semantic memory backends.
const (
	BackendPGVector = "pgvector"
	BackendChromem  = "chromem"
)

// SemanticMemoryConfig configures summary embeddings.
type SemanticMemoryConfig struct {
	Enabled         bool    `mapstructure:"enabled"`
	Backend         string  `mapstructure:"backend"`
	Dimensions      int     `mapstructure:"dimensions"`
	SearchTopK      int     `mapstructure:"search_top_k"`
	SearchThreshold float64 `mapstructure:"search_threshold"`
	ChromemPath     string  `mapstructure:"chromem_path"`
}

func (s SemanticMemoryConfig) Validate() error {
	if !s.Enabled {
		return nil
	}
	switch s.Backend {
	case BackendPGVector, BackendChromem:
	default:
		return fmt.Errorf("memory.semantic.backend must be %q or %q", BackendPGVector, BackendChromem)
	}
	if s.Dimensions <= 0 {
		return fmt.Errorf("memory.semantic.dimensions must be > 0")
	}
	if s.SearchThreshold < 0 || s.SearchThreshold > 1 {
		return fmt.Errorf("memory.semantic.search_threshold must be within [0,1]")
	}
	return nil
}

// ResearchConfig configures evidence gathering.
type ResearchConfig struct {
	CacheTTL      time.Duration          `mapstructure:"cache_ttl"`
	KnowledgeBase string                 `mapstructure:"knowledge_base"`
	Search        LiteratureSearchConfig `mapstructure:"search"`
}

// LiteratureSearchConfig configures the external search provider.
type LiteratureSearchConfig struct {
	Provider          string  `mapstructure:"provider"`
	APIKey            string  `mapstructure:"api_key"`
	Endpoint          string  `mapstructure:"endpoint"`
	MaxResults        int     `mapstructure:"max_results"`
	FetchAbstracts    bool    `mapstructure:"fetch_abstracts"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

func (r ResearchConfig) Validate() error {
	switch r.Search.Provider {
	case "", "none":
	case "brave":
		if strings.TrimSpace(r.Search.APIKey) == "" {
			return fmt.Errorf("research.search.api_key is required for provider brave")
		}
	default:
		return fmt.Errorf("research.search.provider %q is not supported", r.Search.Provider)
	}
	return nil
}

// QueueConfig configures the redis stream that carries background runs
// from the API to workers.
type QueueConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
	// Block is how long one read waits for new entries.
	Block time.Duration `mapstructure:"block"`
	// ClaimIdle is how long an unacknowledged entry stays with a dead
	// consumer before another worker takes it over.
	ClaimIdle time.Duration `mapstructure:"claim_idle"`
	MaxLen    int64         `mapstructure:"max_len"`
}

func (q QueueConfig) Validate(redis RedisConfig) error {
	if !q.Enabled {
		return nil
	}
	if !redis.Enabled() {
		return fmt.Errorf("queue.enabled requires storage.redis.host")
	}
	if strings.TrimSpace(q.Stream) == "" || strings.TrimSpace(q.Group) == "" {
		return fmt.Errorf("queue.stream and queue.group are required")
	}
	if q.ClaimIdle < 0 || q.Block < 0 {
		return fmt.Errorf("queue durations cannot be negative")
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("general.log_level", "info")
	v.SetDefault("server.address", ":8080")
	v.SetDefault("llm.base_url", "https://api.openai.com/v1")
	v.SetDefault("llm.timeout", 90*time.Second)
	v.SetDefault("llm.requests_per_second", 2.0)
	v.SetDefault("llm.burst", 2)
	v.SetDefault("llm.default_model", "gpt-4o-mini")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("pipeline.mode", ModeTwoPhase)
	v.SetDefault("pipeline.total_timeout", 5*time.Minute)
	v.SetDefault("pipeline.agent_timeout", 2*time.Minute)
	v.SetDefault("pipeline.history_limit", 5)
	v.SetDefault("telemetry.service_name", "kinetiq")
	v.SetDefault("memory.semantic.backend", BackendPGVector)
	v.SetDefault("memory.semantic.dimensions", 1536)
	v.SetDefault("memory.semantic.search_top_k", 5)
	v.SetDefault("memory.semantic.search_threshold", 0.0)
	v.SetDefault("memory.semantic.chromem_path", "./data/chromem")
	v.SetDefault("research.cache_ttl", 7*24*time.Hour)
	v.SetDefault("research.search.provider", "none")
	v.SetDefault("research.search.endpoint", "https://api.search.brave.com/res/v1/web/search")
	v.SetDefault("research.search.max_results", 3)
	v.SetDefault("research.search.requests_per_second", 1.0)
	v.SetDefault("queue.stream", "kinetiq:sessions")
	v.SetDefault("queue.group", "kinetiq-workers")
	v.SetDefault("queue.block", 5*time.Second)
	v.SetDefault("queue.claim_idle", 10*time.Minute)
	v.SetDefault("queue.max_len", 10000)
}

// LoadConfig reads config from path (or the usual search paths when empty),
// applies KINETIQ_* environment overrides and validates every section.
func LoadConfig(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	setDefaults(v)

	if path == "" {
		v.AddConfigPath("./config")
		v.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			v.AddConfigPath(exeDir)
			v.AddConfigPath(filepath.Join(exeDir, "..", "config"))
		}
	} else {
		v.SetConfigFile(path)
	}

	v.SetEnvPrefix("KINETIQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	cfg.Pipeline = cfg.Pipeline.Normalize()

	validators := []func() error{
		cfg.LLM.Validate,
		cfg.Pipeline.Validate,
		cfg.Telemetry.Validate,
		cfg.Storage.Postgres.Validate,
		cfg.Storage.Redis.Validate,
		cfg.Memory.Semantic.Validate,
		cfg.Research.Validate,
		func() error { return cfg.Queue.Validate(cfg.Storage.Redis) },
	}
	for _, validate := range validators {
		if err := validate(); err != nil {
			return nil, err
		}
	}
	return &cfg, nil
}
