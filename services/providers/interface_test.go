package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/upb/llm-router/services"
)

// MockProvider is a test implementation of the Provider interface
type MockProvider struct {
	name string
	kind Kind
}

func NewMockProvider(name string) *MockProvider {
	return &MockProvider{name: name, kind: KindOpenAI}
}

func (m *MockProvider) Name() string  { return m.name }
func (m *MockProvider) Kind() Kind    { return m.kind }
func (m *MockProvider) Model() string { return "mock-model" }

func (m *MockProvider) Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return &ChatResponse{
		ID:       "mock-response-123",
		Model:    m.Model(),
		Provider: m.name,
		Choices:  []Choice{{Message: Message{Role: RoleAssistant, Content: " mock answer \n"}}},
	}, nil
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestErrorKind_Retryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{ErrorKindAuth, false},
		{ErrorKindInvalidResponse, false},
		{ErrorKindRateLimited, true},
		{ErrorKindTimeout, true},
		{ErrorKindNetwork, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			if got := tt.kind.Retryable(); got != tt.want {
				t.Errorf("Retryable() = %v, want %v", got, tt.want)
			}
			err := NewProviderError("p", tt.kind, "", "msg", 0, nil)
			if IsRetryable(err) != tt.want {
				t.Errorf("IsRetryable(%s) = %v, want %v", tt.kind, !tt.want, tt.want)
			}
			if IsRetryable(fmt.Errorf("wrapped: %w", err)) != tt.want {
				t.Error("IsRetryable should see through wrapping")
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorKind
	}{
		{http.StatusUnauthorized, ErrorKindAuth},
		{http.StatusForbidden, ErrorKindAuth},
		{http.StatusTooManyRequests, ErrorKindRateLimited},
		{http.StatusRequestTimeout, ErrorKindTimeout},
		{http.StatusGatewayTimeout, ErrorKindTimeout},
		{http.StatusInternalServerError, ErrorKindNetwork},
		{http.StatusServiceUnavailable, ErrorKindNetwork},
		{http.StatusBadRequest, ErrorKindInvalidResponse},
		{http.StatusNotFound, ErrorKindInvalidResponse},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			if got := ClassifyStatus(tt.status); got != tt.want {
				t.Errorf("ClassifyStatus(%d) = %s, want %s", tt.status, got, tt.want)
			}
		})
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, ErrorKindTimeout},
		{"canceled", fmt.Errorf("do: %w", context.Canceled), ErrorKindTimeout},
		{"net timeout", timeoutErr{}, ErrorKindTimeout},
		{"connection refused", errors.New("dial tcp: connection refused"), ErrorKindNetwork},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ClassifyTransportError(tt.err); got != tt.want {
				t.Errorf("ClassifyTransportError() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestToDomainError(t *testing.T) {
	transient := ToDomainError(NewProviderError("groq_llama", ErrorKindRateLimited, "", "slow down", 429, nil))
	if transient.Type != services.ErrorTypeRemoteTransient {
		t.Errorf("rate limited mapped to %s", transient.Type)
	}

	permanent := ToDomainError(NewProviderError("groq_llama", ErrorKindAuth, "", "bad key", 401, nil))
	if permanent.Type != services.ErrorTypeRemotePermanent {
		t.Errorf("auth mapped to %s", permanent.Type)
	}
	if permanent.Details["kind"] != "auth" {
		t.Errorf("kind detail = %v", permanent.Details["kind"])
	}

	var provErr *ProviderError
	if !errors.As(permanent, &provErr) {
		t.Error("domain error should wrap the provider error")
	}
}

func TestProviderError_Error(t *testing.T) {
	err := NewProviderError("together_ai", ErrorKindNetwork, "", "request failed", 503, errors.New("upstream"))
	want := "together_ai network: request failed (status 503): upstream"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}

func TestChatResponse_Text(t *testing.T) {
	resp, _ := NewMockProvider("m").Complete(context.Background(), NewPromptRequest("hi"))
	if resp.Text() != "mock answer" {
		t.Errorf("Text() = %q", resp.Text())
	}

	var nilResp *ChatResponse
	if nilResp.Text() != "" {
		t.Error("nil response should have empty text")
	}
}

func TestEstimateCost(t *testing.T) {
	cfg := ProviderConfig{CostPerKPromptTokens: 0.2, CostPerKCompletionTokens: 0.6}
	got := EstimateCost(cfg, Usage{PromptTokens: 1000, CompletionTokens: 500})
	if got < 0.4999 || got > 0.5001 {
		t.Errorf("EstimateCost() = %v, want 0.5", got)
	}

	if EstimateCost(ProviderConfig{}, Usage{PromptTokens: 10}) != 0 {
		t.Error("free tier should cost nothing")
	}
}

func TestDefaultProviderConfig(t *testing.T) {
	cfg := DefaultProviderConfig()
	if cfg.Timeout != 30*time.Second {
		t.Errorf("Timeout = %v", cfg.Timeout)
	}
	if !cfg.Kind.Valid() {
		t.Error("default kind should be valid")
	}
	if Kind("anthropic").Valid() {
		t.Error("unknown kind should not be valid")
	}
}
