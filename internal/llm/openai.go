package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mohammad-safakhou/kinetiq/config"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// OpenAIClient talks to an OpenAI-compatible chat completions API.
type OpenAIClient struct {
	cfg     config.LLMConfig
	client  *http.Client
	limiter *rate.Limiter
	logger  *zap.Logger
}

// NewOpenAIClient builds a client from config. A zero requests_per_second
// disables client-side rate limiting.
func NewOpenAIClient(cfg config.LLMConfig, logger *zap.Logger) *OpenAIClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &OpenAIClient{
		cfg:     cfg,
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.Named("llm"),
	}
}

func (c *OpenAIClient) apiKey() string {
	if c.cfg.APIKey != "" {
		return c.cfg.APIKey
	}
	return os.Getenv("OPENAI_API_KEY")
}

func (c *OpenAIClient) baseURL() string {
	base := strings.TrimRight(c.cfg.BaseURL, "/")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	return base
}

// resolveModel maps a configured alias to its API name and pricing. Names
// that are not configured are passed through unpriced.
func (c *OpenAIClient) resolveModel(name string) (string, config.LLMModel) {
	if name == "" {
		name = c.cfg.DefaultModel
	}
	m, ok := c.cfg.Models[name]
	if !ok {
		return name, config.LLMModel{}
	}
	if m.APIName == "" {
		m.APIName = name
	}
	return m.APIName, m
}

// CalculateCost prices token counts for a configured model.
func (c *OpenAIClient) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	_, m := c.resolveModel(model)
	inputCost := float64(inputTokens) / 1000.0 * m.CostPer1KInput
	outputCost := float64(outputTokens) / 1000.0 * m.CostPer1KOutput
	return inputCost + outputCost
}

type chatMsg struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type jsonSchemaFormat struct {
	Name   string          `json:"name"`
	Schema json.RawMessage `json:"schema"`
	Strict bool            `json:"strict"`
}

type responseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *jsonSchemaFormat `json:"json_schema,omitempty"`
}

type chatReq struct {
	Model          string          `json:"model"`
	Messages       []chatMsg       `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResp struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
		TotalTokens      int64 `json:"total_tokens"`
	} `json:"usage"`
}

// Invoke sends one chat completion and waits for the answer.
func (c *OpenAIClient) Invoke(ctx context.Context, req Request) (Response, error) {
	key := c.apiKey()
	if key == "" {
		return Response{}, fmt.Errorf("llm: api key not configured")
	}
	apiModel, _ := c.resolveModel(req.Model)

	messages := make([]chatMsg, 0, 2)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, chatMsg{Role: "system", Content: req.System})
	}
	messages = append(messages, chatMsg{Role: "user", Content: req.User})
	body := chatReq{
		Model:       apiModel,
		Messages:    messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxOutputTokens,
	}
	if req.Schema != nil && len(req.Schema.Schema) > 0 {
		body.ResponseFormat = &responseFormat{
			Type:       "json_schema",
			JSONSchema: &jsonSchemaFormat{Name: req.Schema.Name, Schema: req.Schema.Schema},
		}
	}

	var out chatResp
	if err := c.post(ctx, "/chat/completions", key, body, &out); err != nil {
		return Response{}, err
	}
	if len(out.Choices) == 0 {
		return Response{}, ErrEmptyResponse
	}

	usage := TokenUsage{
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		TotalTokens:  out.Usage.TotalTokens,
	}
	if usage.TotalTokens == 0 {
		usage.TotalTokens = usage.InputTokens + usage.OutputTokens
	}
	usage.EstimatedCost = c.CalculateCost(usage.InputTokens, usage.OutputTokens, req.Model)

	c.logger.Debug("completion",
		zap.String("model", apiModel),
		zap.Int64("input_tokens", usage.InputTokens),
		zap.Int64("output_tokens", usage.OutputTokens))

	model := out.Model
	if model == "" {
		model = apiModel
	}
	return Response{Text: out.Choices[0].Message.Content, Model: model, Usage: usage}, nil
}

// Embed generates vector embeddings with the configured embedding model.
func (c *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	key := c.apiKey()
	if key == "" {
		return nil, fmt.Errorf("llm: api key not configured")
	}
	reqBody := map[string]interface{}{
		"model": c.cfg.EmbeddingModel,
		"input": texts,
	}
	var out struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}
	if err := c.post(ctx, "/embeddings", key, reqBody, &out); err != nil {
		return nil, err
	}
	if len(out.Data) != len(texts) {
		return nil, fmt.Errorf("llm: expected %d embeddings, got %d", len(texts), len(out.Data))
	}
	vecs := make([][]float32, len(texts))
	for _, d := range out.Data {
		if d.Index < 0 || d.Index >= len(vecs) {
			return nil, fmt.Errorf("llm: embedding index %d out of range", d.Index)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

func (c *OpenAIClient) post(ctx context.Context, path, key string, body, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("llm: rate limit wait: %w", err)
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("llm: marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL()+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("llm: request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+key)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("llm: do: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(snippet))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("llm: decode: %w", err)
	}
	return nil
}

var (
	_ Invoker  = (*OpenAIClient)(nil)
	_ Embedder = (*OpenAIClient)(nil)
)
