package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/upb/llm-router/services/providers"
)

const (
	defaultBaseURL = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel   = "gemini-1.5-flash"
)

// GeminiAdapter implements the Provider interface for Google's generateContent API
type GeminiAdapter struct {
	config     providers.ProviderConfig
	httpClient *http.Client
}

// NewGeminiAdapter creates a new Gemini adapter
func NewGeminiAdapter(config providers.ProviderConfig) *GeminiAdapter {
	if config.BaseURL == "" {
		config.BaseURL = defaultBaseURL
	}
	config.BaseURL = strings.TrimRight(config.BaseURL, "/")

	if config.Model == "" {
		config.Model = defaultModel
	}
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}

	return &GeminiAdapter{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
	}
}

// Builder adapts NewGeminiAdapter to providers.ProviderBuilder
func Builder(config providers.ProviderConfig) (providers.Provider, error) {
	return NewGeminiAdapter(config), nil
}

// Name returns the provider name
func (a *GeminiAdapter) Name() string {
	if a.config.Name == "" {
		return "gemini"
	}
	return a.config.Name
}

// Kind returns providers.KindGemini
func (a *GeminiAdapter) Kind() providers.Kind {
	return providers.KindGemini
}

// Model returns the default model
func (a *GeminiAdapter) Model() string {
	return a.config.Model
}

// Complete performs one generateContent call
func (a *GeminiAdapter) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	startTime := time.Now()

	model := req.Model
	if model == "" {
		model = a.config.Model
	}

	reqBody, err := json.Marshal(a.buildRequest(req))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.ErrorKindInvalidResponse, "MARSHAL_ERROR", "failed to marshal request", 0, err)
	}

	endpoint := fmt.Sprintf("%s/models/%s:generateContent", a.config.BaseURL, url.PathEscape(model))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.ErrorKindInvalidResponse, "REQUEST_ERROR", "failed to create request", 0, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", a.config.APIKey)
	for k, v := range a.config.Headers {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := a.httpClient.Do(httpReq)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.ClassifyTransportError(err), "HTTP_ERROR", "HTTP request failed", 0, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.ClassifyTransportError(err), "READ_ERROR", "failed to read response", httpResp.StatusCode, err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, a.handleErrorResponse(httpResp.StatusCode, respBody)
	}

	var genResp GenerateContentResponse
	if err := json.Unmarshal(respBody, &genResp); err != nil {
		return nil, providers.NewProviderError(a.Name(), providers.ErrorKindInvalidResponse, "UNMARSHAL_ERROR", "failed to unmarshal response", httpResp.StatusCode, err)
	}
	if len(genResp.Candidates) == 0 {
		reason := "response contained no candidates"
		if genResp.PromptFeedback != nil && genResp.PromptFeedback.BlockReason != "" {
			reason = "prompt blocked: " + genResp.PromptFeedback.BlockReason
		}
		return nil, providers.NewProviderError(a.Name(), providers.ErrorKindInvalidResponse, "NO_CANDIDATES", reason, httpResp.StatusCode, nil)
	}

	return a.convertToUnifiedResponse(&genResp, model, time.Since(startTime)), nil
}

// buildRequest maps chat messages onto Gemini contents. System messages become the
// system instruction; assistant turns use the "model" role.
func (a *GeminiAdapter) buildRequest(req *providers.ChatRequest) *GenerateContentRequest {
	out := &GenerateContentRequest{}

	var system []Part
	for _, msg := range req.Messages {
		switch msg.Role {
		case providers.RoleSystem:
			system = append(system, Part{Text: msg.Content})
		case providers.RoleAssistant:
			out.Contents = append(out.Contents, Content{Role: "model", Parts: []Part{{Text: msg.Content}}})
		default:
			out.Contents = append(out.Contents, Content{Role: "user", Parts: []Part{{Text: msg.Content}}})
		}
	}
	if len(system) > 0 {
		out.SystemInstruction = &Content{Parts: system}
	}

	temperature := a.config.Temperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = a.config.MaxTokens
	}
	out.GenerationConfig = &GenerationConfig{Temperature: &temperature}
	if maxTokens > 0 {
		out.GenerationConfig.MaxOutputTokens = maxTokens
	}

	return out
}

func (a *GeminiAdapter) convertToUnifiedResponse(genResp *GenerateContentResponse, model string, latency time.Duration) *providers.ChatResponse {
	resp := &providers.ChatResponse{
		ID:       genResp.ResponseID,
		Model:    model,
		Provider: a.Name(),
		Choices:  make([]providers.Choice, len(genResp.Candidates)),
		Usage: providers.Usage{
			PromptTokens:     genResp.UsageMetadata.PromptTokenCount,
			CompletionTokens: genResp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      genResp.UsageMetadata.TotalTokenCount,
		},
		Latency: latency,
		Created: time.Now(),
	}
	if genResp.ModelVersion != "" {
		resp.Model = genResp.ModelVersion
	}

	for i, cand := range genResp.Candidates {
		var sb strings.Builder
		for _, part := range cand.Content.Parts {
			sb.WriteString(part.Text)
		}
		resp.Choices[i] = providers.Choice{
			Index:        cand.Index,
			Message:      providers.Message{Role: providers.RoleAssistant, Content: sb.String()},
			FinishReason: strings.ToLower(cand.FinishReason),
		}
	}

	return resp
}

// handleErrorResponse maps Google API errors. An invalid key is reported as
// 400 INVALID_ARGUMENT with reason API_KEY_INVALID, so it is checked before
// the status fallback.
func (a *GeminiAdapter) handleErrorResponse(statusCode int, body []byte) error {
	kind := providers.ClassifyStatus(statusCode)

	var errResp ErrorResponse
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error.Message == "" {
		return providers.NewProviderError(a.Name(), kind, "UNKNOWN_ERROR", strings.TrimSpace(string(body)), statusCode, nil)
	}

	switch errResp.Error.Status {
	case "UNAUTHENTICATED", "PERMISSION_DENIED":
		kind = providers.ErrorKindAuth
	case "RESOURCE_EXHAUSTED":
		kind = providers.ErrorKindRateLimited
	case "DEADLINE_EXCEEDED":
		kind = providers.ErrorKindTimeout
	case "UNAVAILABLE":
		kind = providers.ErrorKindNetwork
	}
	for _, d := range errResp.Error.Details {
		if d.Reason == "API_KEY_INVALID" {
			kind = providers.ErrorKindAuth
		}
	}

	return providers.NewProviderError(a.Name(), kind, errResp.Error.Status, errResp.Error.Message, statusCode, nil)
}

// Gemini wire types

type GenerateContentRequest struct {
	Contents          []Content         `json:"contents"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
}

type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts"`
}

type Part struct {
	Text string `json:"text"`
}

type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
}

type GenerateContentResponse struct {
	Candidates     []Candidate     `json:"candidates"`
	PromptFeedback *PromptFeedback `json:"promptFeedback,omitempty"`
	UsageMetadata  UsageMetadata   `json:"usageMetadata"`
	ModelVersion   string          `json:"modelVersion,omitempty"`
	ResponseID     string          `json:"responseId,omitempty"`
}

type Candidate struct {
	Index        int     `json:"index"`
	Content      Content `json:"content"`
	FinishReason string  `json:"finishReason"`
}

type PromptFeedback struct {
	BlockReason string `json:"blockReason"`
}

type UsageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type ErrorResponse struct {
	Error APIError `json:"error"`
}

type APIError struct {
	Code    int           `json:"code"`
	Message string        `json:"message"`
	Status  string        `json:"status"`
	Details []ErrorDetail `json:"details,omitempty"`
}

type ErrorDetail struct {
	Type   string `json:"@type"`
	Reason string `json:"reason,omitempty"`
}
