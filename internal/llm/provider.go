// Package llm provides the completion capability used by both pipeline
// stages: a provider-agnostic request/response shape, provider adapters, an
// error taxonomy, and a Service that adds concurrency caps, rate limiting
// and retries on top of a Provider.
package llm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Role names for chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// FormatJSON requests a JSON object response.
const FormatJSON = "json"

// Provider is the interface for chat completions.
type Provider interface {
	// Complete sends one request and returns the model response.
	Complete(ctx context.Context, req Request) (*Response, error)
	// Name returns a human-readable provider name (e.g., "google/gemini-2.5-flash").
	Name() string
}

// Message is one chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request configures a single completion.
type Request struct {
	Model       string        `json:"model,omitempty"` // Override model for this request (empty = provider default)
	Messages    []Message     `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Format      string        `json:"response_format,omitempty"` // "json" for structured output
	Timeout     time.Duration `json:"-"`                         // Per-attempt timeout (0 = none)
}

// Usage is token accounting for one completion.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the result of one completion.
type Response struct {
	Text      string `json:"text"`
	Model     string `json:"model"`
	Usage     Usage  `json:"usage"`
	LatencyMS int64  `json:"latency_ms"`
}

// Config holds provider configuration.
type Config struct {
	Provider string // "google", "openai", "openrouter", "ollama", "deepseek", "custom"
	Model    string // e.g., "gemini-2.5-flash", "openai/gpt-4o-mini"
	APIKey   string // API key (empty = read from env)
	BaseURL  string // Optional URL override
}

// openAICompatible lists providers served through the OpenAI chat API, with
// their default base URL, API key env var and default model.
var openAICompatible = map[string]struct {
	baseURL string
	keyEnv  string
	model   string
}{
	"openai":     {"https://api.openai.com/v1", "OPENAI_API_KEY", "gpt-4o-mini"},
	"openrouter": {"https://openrouter.ai/api/v1", "OPENROUTER_API_KEY", "openai/gpt-4o-mini"},
	"deepseek":   {"https://api.deepseek.com/v1", "DEEPSEEK_API_KEY", "deepseek-chat"},
	"ollama":     {"http://localhost:11434/v1", "", "llama3.2"},
	"custom":     {"", "LLM_API_KEY", ""},
}

// NewProvider creates an LLM provider from the given config.
func NewProvider(cfg Config) (Provider, error) {
	name := strings.ToLower(cfg.Provider)
	if name == "google" {
		key := cfg.APIKey
		if key == "" {
			key = os.Getenv("GEMINI_API_KEY")
		}
		if key == "" {
			key = os.Getenv("GOOGLE_API_KEY")
		}
		if key == "" {
			return nil, fmt.Errorf("google provider requires GEMINI_API_KEY or GOOGLE_API_KEY env var")
		}
		model := cfg.Model
		if model == "" {
			model = "gemini-2.5-flash"
		}
		baseURL := cfg.BaseURL
		if baseURL == "" {
			baseURL = "https://generativelanguage.googleapis.com/v1beta"
		}
		return newGoogleProvider(key, model, baseURL), nil
	}

	def, ok := openAICompatible[name]
	if !ok {
		return nil, fmt.Errorf("unknown LLM provider: %q (supported: %s)", cfg.Provider, strings.Join(SupportedProviders(), ", "))
	}
	key := cfg.APIKey
	if key == "" && def.keyEnv != "" {
		key = os.Getenv(def.keyEnv)
	}
	if key == "" {
		if name != "ollama" {
			return nil, fmt.Errorf("%s provider requires %s env var", name, def.keyEnv)
		}
		key = "ollama"
	}
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = def.baseURL
	}
	if baseURL == "" {
		return nil, fmt.Errorf("%s provider requires a base URL", name)
	}
	model := cfg.Model
	if model == "" {
		model = def.model
	}
	if model == "" {
		return nil, fmt.Errorf("%s provider requires a model", name)
	}
	return newOpenAIProvider(name, key, model, baseURL), nil
}

// SupportedProviders lists the provider names accepted by NewProvider.
func SupportedProviders() []string {
	return []string{"custom", "deepseek", "google", "ollama", "openai", "openrouter"}
}

// ParseLLMFlag parses a --llm flag value into a Config.
// Format: "provider/model" e.g., "google/gemini-2.5-flash", "openrouter/openai/gpt-4o-mini"
func ParseLLMFlag(flag string) (Config, error) {
	if flag == "" {
		return Config{Provider: "google", Model: "gemini-2.5-flash"}, nil
	}

	parts := strings.SplitN(flag, "/", 2)
	if len(parts) < 2 || parts[1] == "" {
		return Config{}, fmt.Errorf("invalid --llm format %q: expected provider/model (e.g., google/gemini-2.5-flash)", flag)
	}

	provider := strings.ToLower(parts[0])
	for _, p := range SupportedProviders() {
		if p == provider {
			return Config{Provider: provider, Model: parts[1]}, nil
		}
	}
	return Config{}, fmt.Errorf("unknown provider %q in --llm flag (supported: %s)", provider, strings.Join(SupportedProviders(), ", "))
}

// ModelID returns the "provider/model" identity used in cache signatures.
func (c Config) ModelID() string {
	return strings.ToLower(c.Provider) + "/" + c.Model
}
