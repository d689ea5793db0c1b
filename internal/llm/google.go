package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// googleProvider implements Provider using Google AI Studio (Gemini) REST API.
type googleProvider struct {
	apiKey  string
	model   string
	baseURL string
	client  http.Client
}

func newGoogleProvider(apiKey, model, baseURL string) *googleProvider {
	return &googleProvider{apiKey: apiKey, model: model, baseURL: strings.TrimRight(baseURL, "/")}
}

// Google AI request/response types.
type googleRequest struct {
	Contents          []googleContent  `json:"contents"`
	SystemInstruction *googleContent   `json:"systemInstruction,omitempty"`
	GenerationConfig  *googleGenConfig `json:"generationConfig,omitempty"`
}

type googleContent struct {
	Parts []googlePart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type googlePart struct {
	Text string `json:"text"`
}

type googleGenConfig struct {
	MaxOutputTokens  int     `json:"maxOutputTokens,omitempty"`
	Temperature      float64 `json:"temperature"`
	ResponseMimeType string  `json:"responseMimeType,omitempty"`
}

type googleResponse struct {
	Candidates []struct {
		Content struct {
			Parts []googlePart `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
	UsageMetadata *googleUsage `json:"usageMetadata,omitempty"`
	Error         *googleError `json:"error,omitempty"`
}

type googleUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type googleError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (g *googleProvider) Name() string {
	return "google/" + g.model
}

func (g *googleProvider) Complete(ctx context.Context, req Request) (*Response, error) {
	model := g.model
	if req.Model != "" {
		model = req.Model
	}

	// Gemini takes system text separately and calls the assistant "model".
	var greq googleRequest
	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			greq.Contents = append(greq.Contents, googleContent{Parts: []googlePart{{Text: m.Content}}, Role: "model"})
		default:
			greq.Contents = append(greq.Contents, googleContent{Parts: []googlePart{{Text: m.Content}}, Role: "user"})
		}
	}
	if len(system) > 0 {
		greq.SystemInstruction = &googleContent{Parts: []googlePart{{Text: strings.Join(system, "\n\n")}}}
	}

	genConfig := &googleGenConfig{Temperature: req.Temperature}
	if req.MaxTokens > 0 {
		genConfig.MaxOutputTokens = req.MaxTokens
	}
	if req.Format == FormatJSON {
		genConfig.ResponseMimeType = "application/json"
	}
	greq.GenerationConfig = genConfig

	body, err := json.Marshal(greq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/models/%s:generateContent?key=%s", g.baseURL, model, g.apiKey)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, Classify(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return nil, Classify(fmt.Errorf("reading response: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		return nil, HTTPError(resp.StatusCode, string(respBody), resp.Header.Get("Retry-After"))
	}

	var gResp googleResponse
	if err := json.Unmarshal(respBody, &gResp); err != nil {
		return nil, newError(CodeUnknown, resp.StatusCode, "parsing response: "+err.Error(), err)
	}
	if gResp.Error != nil {
		return nil, newError(CodeForStatus(gResp.Error.Code), gResp.Error.Code, gResp.Error.Message, nil)
	}

	out := &Response{Model: model, LatencyMS: latency}
	if gResp.UsageMetadata != nil {
		out.Usage = Usage{
			InputTokens:  gResp.UsageMetadata.PromptTokenCount,
			OutputTokens: gResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  gResp.UsageMetadata.TotalTokenCount,
		}
	}
	if len(gResp.Candidates) > 0 {
		var parts []string
		for _, p := range gResp.Candidates[0].Content.Parts {
			parts = append(parts, p.Text)
		}
		out.Text = strings.Join(parts, "")
	}
	return out, nil
}
