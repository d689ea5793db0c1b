package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLLMFlag(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		wantProv string
		wantMod  string
		wantErr  bool
	}{
		{"empty defaults to google", "", "google", "gemini-2.5-flash", false},
		{"google pro", "google/gemini-2.5-pro", "google", "gemini-2.5-pro", false},
		{"openrouter model", "openrouter/openai/gpt-4o-mini", "openrouter", "openai/gpt-4o-mini", false},
		{"openai", "openai/gpt-4o-mini", "openai", "gpt-4o-mini", false},
		{"ollama", "ollama/llama3.2", "ollama", "llama3.2", false},
		{"unknown provider", "anthropic/claude-4", "", "", true},
		{"no slash", "gemini-3-flash", "", "", true},
		{"empty model", "openai/", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := ParseLLMFlag(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Provider != tt.wantProv {
				t.Errorf("provider: got %q, want %q", cfg.Provider, tt.wantProv)
			}
			if cfg.Model != tt.wantMod {
				t.Errorf("model: got %q, want %q", cfg.Model, tt.wantMod)
			}
		})
	}
}

func TestNewProviderErrors(t *testing.T) {
	_, err := NewProvider(Config{Provider: "unknown"})
	assert.Error(t, err)

	t.Setenv("GEMINI_API_KEY", "")
	t.Setenv("GOOGLE_API_KEY", "")
	_, err = NewProvider(Config{Provider: "google"})
	assert.Error(t, err, "google without API key")

	t.Setenv("OPENROUTER_API_KEY", "")
	_, err = NewProvider(Config{Provider: "openrouter"})
	assert.Error(t, err, "openrouter without API key")

	t.Setenv("LLM_API_KEY", "k")
	_, err = NewProvider(Config{Provider: "custom", Model: "m"})
	assert.Error(t, err, "custom without base URL")
}

func TestNewProviderDefaults(t *testing.T) {
	p, err := NewProvider(Config{Provider: "ollama"})
	require.NoError(t, err)
	assert.Equal(t, "ollama/llama3.2", p.Name())

	t.Setenv("GEMINI_API_KEY", "k")
	p, err = NewProvider(Config{Provider: "google"})
	require.NoError(t, err)
	assert.Equal(t, "google/gemini-2.5-flash", p.Name())

	assert.Equal(t, "openai/gpt-4o-mini", Config{Provider: "OpenAI", Model: "gpt-4o-mini"}.ModelID())
}

func chatServer(t *testing.T, handle func(req openai.ChatCompletionRequest) (int, any)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		var req openai.ChatCompletionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		status, body := handle(req)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		json.NewEncoder(w).Encode(body)
	}))
	t.Cleanup(server.Close)
	return server
}

func TestOpenAIProviderComplete(t *testing.T) {
	var got openai.ChatCompletionRequest
	server := chatServer(t, func(req openai.ChatCompletionRequest) (int, any) {
		got = req
		return http.StatusOK, openai.ChatCompletionResponse{
			Model: req.Model,
			Choices: []openai.ChatCompletionChoice{
				{Message: openai.ChatCompletionMessage{Role: RoleAssistant, Content: `{"claims":[]}`}},
			},
			Usage: openai.Usage{PromptTokens: 12, CompletionTokens: 3, TotalTokens: 15},
		}
	})

	p := newOpenAIProvider("openrouter", "test-key", "openai/gpt-4o-mini", server.URL)
	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "be strict"},
			{Role: RoleUser, Content: "extract"},
		},
		Temperature: 0,
		MaxTokens:   4096,
		Format:      FormatJSON,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"claims":[]}`, resp.Text)
	assert.Equal(t, Usage{InputTokens: 12, OutputTokens: 3, TotalTokens: 15}, resp.Usage)
	assert.Equal(t, "openai/gpt-4o-mini", got.Model)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, RoleSystem, got.Messages[0].Role)
	assert.Equal(t, 4096, got.MaxTokens)
	assert.Greater(t, got.Temperature, float32(0), "zero temperature must still be sent")
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, openai.ChatCompletionResponseFormatTypeJSONObject, got.ResponseFormat.Type)
}

func TestOpenAIProviderModelOverride(t *testing.T) {
	var gotModel string
	server := chatServer(t, func(req openai.ChatCompletionRequest) (int, any) {
		gotModel = req.Model
		return http.StatusOK, openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: "ok"}}},
		}
	})
	p := newOpenAIProvider("openai", "k", "default-model", server.URL)
	_, err := p.Complete(context.Background(), Request{Model: "other", Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.NoError(t, err)
	assert.Equal(t, "other", gotModel)
	assert.Equal(t, "openai/default-model", p.Name())
}

func TestOpenAIProviderErrors(t *testing.T) {
	tests := []struct {
		status    int
		wantCode  ErrorCode
		retryable bool
	}{
		{http.StatusTooManyRequests, CodeRateLimited, true},
		{http.StatusUnauthorized, CodeAuth, false},
		{http.StatusBadRequest, CodeBadRequest, false},
		{http.StatusServiceUnavailable, CodeUnavailable, true},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			server := chatServer(t, func(openai.ChatCompletionRequest) (int, any) {
				return tt.status, map[string]any{"error": map[string]any{"message": "nope", "type": "x"}}
			})
			p := newOpenAIProvider("openai", "k", "m", server.URL)
			_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			require.Error(t, err)

			var e *Error
			require.True(t, errors.As(err, &e))
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.retryable, e.Retryable)
			assert.Equal(t, tt.status, e.StatusCode)
		})
	}
}

func googleOK(text string) googleResponse {
	resp := googleResponse{
		Candidates: []struct {
			Content struct {
				Parts []googlePart `json:"parts"`
			} `json:"content"`
		}{{}},
		UsageMetadata: &googleUsage{PromptTokenCount: 7, CandidatesTokenCount: 2, TotalTokenCount: 9},
	}
	resp.Candidates[0].Content.Parts = []googlePart{{Text: text}}
	return resp
}

func TestGoogleProviderComplete(t *testing.T) {
	var got googleRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.URL.Path != "/models/gemini-2.5-flash:generateContent" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		json.NewEncoder(w).Encode(googleOK(`{"kind":"REJECT"}`))
	}))
	defer server.Close()

	p := newGoogleProvider("test-key", "gemini-2.5-flash", server.URL)
	resp, err := p.Complete(context.Background(), Request{
		Messages: []Message{
			{Role: RoleSystem, Content: "you are strict"},
			{Role: RoleUser, Content: "decide"},
		},
		MaxTokens:   2048,
		Temperature: 0.1,
		Format:      FormatJSON,
	})
	require.NoError(t, err)

	assert.Equal(t, `{"kind":"REJECT"}`, resp.Text)
	assert.Equal(t, 9, resp.Usage.TotalTokens)
	require.NotNil(t, got.SystemInstruction)
	assert.Equal(t, "you are strict", got.SystemInstruction.Parts[0].Text)
	require.Len(t, got.Contents, 1)
	assert.Equal(t, "user", got.Contents[0].Role)
	assert.Equal(t, "application/json", got.GenerationConfig.ResponseMimeType)
	assert.Equal(t, 2048, got.GenerationConfig.MaxOutputTokens)
}

func TestGoogleProviderError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "3")
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"code":429,"message":"quota","status":"RESOURCE_EXHAUSTED"}}`))
	}))
	defer server.Close()

	p := newGoogleProvider("test", "test", server.URL)
	_, err := p.Complete(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, CodeRateLimited, e.Code)
	assert.Equal(t, 3*time.Second, e.RetryAfter)
}

func TestContextCancellation(t *testing.T) {
	serverDone := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(5 * time.Second):
		case <-serverDone:
		}
	}))
	defer func() {
		close(serverDone)
		server.Close()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	p := newGoogleProvider("test", "test", server.URL)
	_, err := p.Complete(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, Classify(err).Code)
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"deadline", context.DeadlineExceeded, CodeTimeout},
		{"canceled", context.Canceled, CodeUnknown},
		{"api 429", &openai.APIError{HTTPStatusCode: 429, Message: "slow down"}, CodeRateLimited},
		{"api 403", &openai.APIError{HTTPStatusCode: 403}, CodeAuth},
		{"request 502", &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")}, CodeUnavailable},
		{"plain", errors.New("boom"), CodeUnknown},
		{"already classified", HTTPError(408, "", ""), CodeTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err).Code)
		})
	}
	assert.Nil(t, Classify(nil))
	assert.True(t, IsRetryable(HTTPError(503, "", "")))
	assert.False(t, IsRetryable(HTTPError(400, "", "")))
}

// scriptedProvider returns the queued results in order.
type scriptedProvider struct {
	calls   atomic.Int32
	results []error
}

func (p *scriptedProvider) Name() string { return "fake/model" }

func (p *scriptedProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	n := int(p.calls.Add(1)) - 1
	if n < len(p.results) && p.results[n] != nil {
		return nil, p.results[n]
	}
	return &Response{Text: "ok", Model: "model"}, nil
}

func TestServiceRetriesRetryable(t *testing.T) {
	p := &scriptedProvider{results: []error{HTTPError(503, "down", ""), HTTPError(429, "slow", "")}}
	s := NewService(p, ServiceConfig{MaxRetries: 2, BackoffBase: time.Millisecond})

	resp, err := s.Complete(context.Background(), Request{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.EqualValues(t, 3, p.calls.Load())
	assert.Equal(t, "fake/model", s.Name())
}

func TestServiceDoesNotRetryBadRequest(t *testing.T) {
	p := &scriptedProvider{results: []error{HTTPError(400, "bad", "")}}
	s := NewService(p, ServiceConfig{MaxRetries: 3, BackoffBase: time.Millisecond})

	_, err := s.Complete(context.Background(), Request{})
	var e *Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, CodeBadRequest, e.Code)
	assert.EqualValues(t, 1, p.calls.Load())
}

func TestServiceGivesUp(t *testing.T) {
	p := &scriptedProvider{results: []error{
		HTTPError(503, "down", ""), HTTPError(503, "down", ""), HTTPError(503, "down", ""),
	}}
	s := NewService(p, ServiceConfig{MaxRetries: 1, BackoffBase: time.Millisecond})

	_, err := s.Complete(context.Background(), Request{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 2 attempts")
	assert.EqualValues(t, 2, p.calls.Load())
}

type slowProvider struct{}

func (slowProvider) Name() string { return "slow/model" }

func (slowProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestServicePerAttemptTimeout(t *testing.T) {
	s := NewService(slowProvider{}, ServiceConfig{MaxRetries: 1, BackoffBase: time.Millisecond})
	start := time.Now()
	_, err := s.Complete(context.Background(), Request{Timeout: 20 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, CodeTimeout, Classify(err).Code)
	assert.Less(t, time.Since(start), 2*time.Second)
}
