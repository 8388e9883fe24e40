package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/upb/llm-router/services/providers"
)

func groqConfig(baseURL string) providers.ProviderConfig {
	return providers.ProviderConfig{
		Name:        "groq_llama",
		Kind:        providers.KindOpenAI,
		APIKey:      "test-key",
		BaseURL:     baseURL,
		Model:       "llama3-70b-8192",
		MaxTokens:   4096,
		Temperature: 0.3,
		Timeout:     2 * time.Second,
	}
}

func successResponse(content string) OpenAIChatResponse {
	return OpenAIChatResponse{
		ID:      "chatcmpl-test123",
		Created: time.Now().Unix(),
		Model:   "llama3-70b-8192",
		Choices: []OpenAIChoice{
			{
				Index:        0,
				Message:      OpenAIMessage{Role: "assistant", Content: content},
				FinishReason: "stop",
			},
		},
		Usage: OpenAIUsage{PromptTokens: 10, CompletionTokens: 20, TotalTokens: 30},
	}
}

func TestNewOpenAIAdapter(t *testing.T) {
	adapter := NewOpenAIAdapter(providers.ProviderConfig{APIKey: "test-key"})

	if adapter == nil {
		t.Fatal("NewOpenAIAdapter() returned nil")
	}
	if adapter.Name() != "openai" {
		t.Errorf("Name() = %s, want openai", adapter.Name())
	}
	if adapter.config.BaseURL != defaultBaseURL {
		t.Errorf("BaseURL = %s, want %s", adapter.config.BaseURL, defaultBaseURL)
	}
	if adapter.Kind() != providers.KindOpenAI {
		t.Errorf("Kind() = %s", adapter.Kind())
	}

	named := NewOpenAIAdapter(groqConfig("https://api.groq.com/openai/v1/"))
	if named.Name() != "groq_llama" {
		t.Errorf("Name() = %s, want groq_llama", named.Name())
	}
	if named.config.BaseURL != "https://api.groq.com/openai/v1" {
		t.Errorf("trailing slash not trimmed: %s", named.config.BaseURL)
	}
}

func TestBuilder(t *testing.T) {
	if _, err := Builder(providers.ProviderConfig{Name: "x"}); err == nil {
		t.Error("Builder() should require a model")
	}
	p, err := Builder(groqConfig("http://localhost"))
	if err != nil || p.Model() != "llama3-70b-8192" {
		t.Errorf("Builder() = %v, %v", p, err)
	}
}

func TestOpenAIAdapter_Complete(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer test-key" {
			t.Errorf("Authorization = %s", r.Header.Get("Authorization"))
		}

		var req OpenAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Model != "llama3-70b-8192" {
			t.Errorf("model = %s", req.Model)
		}
		if req.MaxTokens == nil || *req.MaxTokens != 4096 {
			t.Errorf("max_tokens = %v", req.MaxTokens)
		}
		if req.Temperature == nil || *req.Temperature != 0.3 {
			t.Errorf("temperature = %v", req.Temperature)
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(successResponse("This is a test response"))
	}))
	defer server.Close()

	adapter := NewOpenAIAdapter(groqConfig(server.URL))
	resp, err := adapter.Complete(context.Background(), providers.NewPromptRequest("test"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	if resp.Provider != "groq_llama" {
		t.Errorf("Provider = %s, want groq_llama", resp.Provider)
	}
	if resp.Text() != "This is a test response" {
		t.Errorf("Unexpected response content: %s", resp.Text())
	}
	if resp.Usage.TotalTokens != 30 {
		t.Errorf("TotalTokens = %d, want 30", resp.Usage.TotalTokens)
	}
}

func TestOpenAIAdapter_Complete_RequestOverrides(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req OpenAIChatRequest
		json.NewDecoder(r.Body).Decode(&req)
		if req.Model != "llama3-8b-8192" {
			t.Errorf("model = %s", req.Model)
		}
		if *req.Temperature != 0 {
			t.Errorf("explicit zero temperature must be sent, got %v", *req.Temperature)
		}
		json.NewEncoder(w).Encode(successResponse("ok"))
	}))
	defer server.Close()

	zero := 0.0
	req := providers.NewPromptRequest("test")
	req.Model = "llama3-8b-8192"
	req.Temperature = &zero

	if _, err := NewOpenAIAdapter(groqConfig(server.URL)).Complete(context.Background(), req); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
}

func TestOpenAIAdapter_Complete_Errors(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      interface{}
		wantKind  providers.ErrorKind
		retryable bool
	}{
		{
			name:      "unauthorized",
			status:    http.StatusUnauthorized,
			body:      OpenAIErrorResponse{Error: OpenAIError{Message: "Invalid API Key", Type: "invalid_request_error"}},
			wantKind:  providers.ErrorKindAuth,
			retryable: false,
		},
		{
			name:      "invalid key code on bad request",
			status:    http.StatusBadRequest,
			body:      OpenAIErrorResponse{Error: OpenAIError{Message: "Invalid request", Code: "invalid_api_key"}},
			wantKind:  providers.ErrorKindAuth,
			retryable: false,
		},
		{
			name:      "rate limited",
			status:    http.StatusTooManyRequests,
			body:      OpenAIErrorResponse{Error: OpenAIError{Message: "Rate limit reached", Code: "rate_limit_exceeded"}},
			wantKind:  providers.ErrorKindRateLimited,
			retryable: true,
		},
		{
			name:      "service unavailable",
			status:    http.StatusServiceUnavailable,
			body:      "upstream overloaded",
			wantKind:  providers.ErrorKindNetwork,
			retryable: true,
		},
		{
			name:      "bad request",
			status:    http.StatusBadRequest,
			body:      OpenAIErrorResponse{Error: OpenAIError{Message: "context too long", Type: "invalid_request_error"}},
			wantKind:  providers.ErrorKindInvalidResponse,
			retryable: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if s, ok := tt.body.(string); ok {
					w.Write([]byte(s))
					return
				}
				json.NewEncoder(w).Encode(tt.body)
			}))
			defer server.Close()

			_, err := NewOpenAIAdapter(groqConfig(server.URL)).Complete(context.Background(), providers.NewPromptRequest("test"))
			if err == nil {
				t.Fatal("Expected error but got none")
			}

			var provErr *providers.ProviderError
			if !errors.As(err, &provErr) {
				t.Fatalf("Expected ProviderError, got %T", err)
			}
			if provErr.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", provErr.StatusCode, tt.status)
			}
			if provErr.Kind != tt.wantKind {
				t.Errorf("Kind = %s, want %s", provErr.Kind, tt.wantKind)
			}
			if provErr.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", provErr.Retryable, tt.retryable)
			}
		})
	}
}

func TestOpenAIAdapter_Complete_NoRetry(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewOpenAIAdapter(groqConfig(server.URL)).Complete(context.Background(), providers.NewPromptRequest("test"))
	if err == nil {
		t.Fatal("Expected error")
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Errorf("adapter made %d calls, want exactly 1", calls)
	}
}

func TestOpenAIAdapter_Complete_InvalidBody(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed json", "{not json"},
		{"no choices", `{"id":"x","choices":[]}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewOpenAIAdapter(groqConfig(server.URL)).Complete(context.Background(), providers.NewPromptRequest("test"))
			if providers.KindOf(err) != providers.ErrorKindInvalidResponse {
				t.Errorf("KindOf(err) = %s, want invalid_response (err=%v)", providers.KindOf(err), err)
			}
			if providers.IsRetryable(err) {
				t.Error("invalid response must not be retryable")
			}
		})
	}
}

func TestOpenAIAdapter_Complete_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	cfg := groqConfig(server.URL)
	cfg.Timeout = 50 * time.Millisecond

	_, err := NewOpenAIAdapter(cfg).Complete(context.Background(), providers.NewPromptRequest("test"))
	if providers.KindOf(err) != providers.ErrorKindTimeout {
		t.Errorf("KindOf(err) = %s, want timeout (err=%v)", providers.KindOf(err), err)
	}
}

func TestOpenAIAdapter_Complete_ContextCanceled(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := NewOpenAIAdapter(groqConfig(server.URL)).Complete(ctx, providers.NewPromptRequest("test"))
	if providers.KindOf(err) != providers.ErrorKindTimeout {
		t.Errorf("KindOf(err) = %s, want timeout", providers.KindOf(err))
	}
}

func TestOpenAIAdapter_Complete_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := NewOpenAIAdapter(groqConfig(url)).Complete(context.Background(), providers.NewPromptRequest("test"))
	if providers.KindOf(err) != providers.ErrorKindNetwork {
		t.Errorf("KindOf(err) = %s, want network", providers.KindOf(err))
	}
	if !providers.IsRetryable(err) {
		t.Error("network errors should be retryable")
	}
}
