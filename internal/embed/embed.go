// Package embed provides text-to-vector embedding for claim cards.
//
// Remote providers speak the OpenAI-compatible /v1/embeddings API:
// - ollama: http://localhost:11434/v1
// - openai: https://api.openai.com/v1
// - openrouter: https://openrouter.ai/api/v1
// - deepseek: https://api.deepseek.com/v1
// - custom: user-specified base URL
//
// The onnx provider runs a sentence-transformer model locally (see onnx.go).
package embed

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/llm"
)

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dimensions() int
	// ModelID identifies the model as "provider/model".
	ModelID() string
}

// EmbedConfig holds embedding provider configuration.
type EmbedConfig struct {
	Provider    string // "ollama", "openai", "deepseek", "openrouter", "custom", "onnx"
	Model       string // model name (for onnx: directory holding model.onnx and tokenizer.json)
	BaseURL     string // OpenAI-compatible API root
	APIKey      string
	Dimensions  int           // expected vector size (0 = detect on first call)
	MaxRetries  int           // default: 3
	TimeoutSecs int           // per-request timeout (default: 60)
	BackoffBase time.Duration // first retry wait (default: 1s)
}

// Client implements Embedder with OpenAI-compatible API calls.
type Client struct {
	config EmbedConfig
	api    *openai.Client

	mu   sync.Mutex
	dims int // guarded by mu
}

// ParseEmbedFlag parses "--embed provider/model" format.
// Handles model names with slashes and colons like "openrouter/sentence-transformers/all-MiniLM-L6-v2"
func ParseEmbedFlag(flag string) (*EmbedConfig, error) {
	if flag == "" {
		return nil, fmt.Errorf("empty embedding flag")
	}

	slashIdx := strings.Index(flag, "/")
	if slashIdx == -1 {
		return nil, fmt.Errorf("invalid --embed format: expected 'provider/model', got %q", flag)
	}

	provider := flag[:slashIdx]
	model := flag[slashIdx+1:]

	if provider == "" {
		return nil, fmt.Errorf("empty provider in --embed flag: %q", flag)
	}
	if model == "" {
		return nil, fmt.Errorf("empty model in --embed flag: %q", flag)
	}

	config := &EmbedConfig{
		Provider:    provider,
		Model:       model,
		MaxRetries:  3,
		TimeoutSecs: 60,
	}

	switch provider {
	case "ollama":
		config.BaseURL = "http://localhost:11434/v1"
		// No API key needed for Ollama
	case "openai":
		config.BaseURL = "https://api.openai.com/v1"
		config.APIKey = os.Getenv("OPENAI_API_KEY")
	case "deepseek":
		config.BaseURL = "https://api.deepseek.com/v1"
		config.APIKey = os.Getenv("DEEPSEEK_API_KEY")
	case "openrouter":
		config.BaseURL = "https://openrouter.ai/api/v1"
		config.APIKey = os.Getenv("OPENROUTER_API_KEY")
	case "custom":
		config.BaseURL = os.Getenv("CLAIMLEDGER_EMBED_ENDPOINT")
		config.APIKey = os.Getenv("CLAIMLEDGER_EMBED_API_KEY")
	case "onnx":
		// Local model; no endpoint.
	default:
		return nil, fmt.Errorf("unknown provider %q. Supported: ollama, openai, deepseek, openrouter, custom, onnx", provider)
	}

	return config, nil
}

// ModelID returns "provider/model".
func (c *EmbedConfig) ModelID() string {
	return c.Provider + "/" + c.Model
}

// Validate checks if the embedding configuration is valid and complete.
func (c *EmbedConfig) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("provider is required")
	}
	if c.Model == "" {
		return fmt.Errorf("model is required")
	}
	if c.Provider == "onnx" {
		return nil
	}
	if c.BaseURL == "" {
		return fmt.Errorf("base URL is required")
	}

	// API key validation (except for Ollama and test providers which don't need one)
	if c.Provider != "ollama" && c.Provider != "test" && c.APIKey == "" {
		return fmt.Errorf("API key is required for provider %q (set via environment variable)", c.Provider)
	}

	if c.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}
	if c.TimeoutSecs <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Dimensions < 0 {
		return fmt.Errorf("dimensions cannot be negative")
	}

	return nil
}

// New builds the Embedder named by config: a local ONNX model for the onnx
// provider, an API client otherwise.
func New(config *EmbedConfig) (Embedder, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if config.Provider == "onnx" {
		return NewONNX(ONNXConfig{
			ModelDir:    config.Model,
			LibraryPath: os.Getenv("ONNXRUNTIME_LIB"),
			Dimensions:  config.Dimensions,
		})
	}
	return NewClient(config)
}

// NewClient creates a new embedding client with the given configuration.
func NewClient(config *EmbedConfig) (*Client, error) {
	if config == nil {
		return nil, fmt.Errorf("config is required")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	key := config.APIKey
	if key == "" {
		key = "none"
	}
	apiCfg := openai.DefaultConfig(key)
	apiCfg.BaseURL = strings.TrimRight(config.BaseURL, "/")

	return &Client{
		config: *config,
		api:    openai.NewClientWithConfig(apiCfg),
		dims:   config.Dimensions,
	}, nil
}

// Embed generates an embedding vector for a single text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}

	embeddings, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}

	if len(embeddings) != 1 {
		return nil, fmt.Errorf("expected 1 embedding, got %d", len(embeddings))
	}

	return embeddings[0], nil
}

// EmbedBatch generates embedding vectors for multiple texts in a single API call.
// Empty texts get a nil vector at their position.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	nonEmptyTexts := make([]string, 0, len(texts))
	indexMap := make([]int, 0, len(texts)) // Maps result index to original index
	for i, text := range texts {
		if strings.TrimSpace(text) != "" {
			nonEmptyTexts = append(nonEmptyTexts, text)
			indexMap = append(indexMap, i)
		}
	}

	if len(nonEmptyTexts) == 0 {
		return make([][]float32, len(texts)), nil
	}

	backoff := c.config.BackoffBase
	if backoff <= 0 {
		backoff = time.Second
	}

	// Retry logic with exponential backoff
	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		embeddings, err := c.attemptEmbedBatch(ctx, nonEmptyTexts)
		if err == nil {
			result := make([][]float32, len(texts))
			for i, embedding := range embeddings {
				result[indexMap[i]] = embedding
			}
			return result, nil
		}

		lastErr = err
		classified := llm.Classify(err)
		if !classified.Retryable || attempt == c.config.MaxRetries {
			break
		}

		// Exponential backoff: 1s, 2s, 4s
		wait := backoff * time.Duration(1<<attempt)
		if classified.RetryAfter > 0 {
			wait = classified.RetryAfter
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}

	return nil, fmt.Errorf("embedding failed: %w", lastErr)
}

// Dimensions returns the dimensionality of embeddings from this client.
// Returns 0 if not configured and no embeddings have been generated yet.
func (c *Client) Dimensions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dims
}

// ModelID returns "provider/model".
func (c *Client) ModelID() string {
	return c.config.ModelID()
}

// attemptEmbedBatch makes a single embedding attempt.
func (c *Client) attemptEmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(c.config.TimeoutSecs)*time.Second)
	defer cancel()

	resp, err := c.api.CreateEmbeddings(reqCtx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(c.config.Model),
	})
	if err != nil {
		return nil, llm.Classify(err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	embeddings := make([][]float32, len(texts))
	for _, data := range resp.Data {
		if data.Index < 0 || data.Index >= len(embeddings) {
			return nil, fmt.Errorf("invalid embedding index: %d", data.Index)
		}
		embeddings[data.Index] = data.Embedding
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for i, emb := range embeddings {
		if len(emb) == 0 {
			return nil, fmt.Errorf("missing embedding for input %d", i)
		}
		if c.dims == 0 {
			c.dims = len(emb)
		}
		if len(emb) != c.dims {
			return nil, fmt.Errorf("embedding %d has %d dimensions, expected %d", i, len(emb), c.dims)
		}
	}

	return embeddings, nil
}
