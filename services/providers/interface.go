package providers

import (
	"context"
	"strings"
	"time"
)

// Kind tags the closed set of wire protocols a provider can speak.
type Kind string

const (
	// KindOpenAI covers every OpenAI compatible /chat/completions endpoint (Groq, Together, ...)
	KindOpenAI Kind = "openai"

	// KindGemini is Google's generateContent API
	KindGemini Kind = "gemini"
)

// Valid reports whether k is a known provider kind
func (k Kind) Valid() bool {
	switch k {
	case KindOpenAI, KindGemini:
		return true
	}
	return false
}

// Provider represents a unified LLM provider interface
type Provider interface {
	// Name returns the configured provider name (e.g., "google_gemini", "groq_llama")
	Name() string

	// Kind returns the wire protocol variant
	Kind() Kind

	// Model returns the default model used when a request does not name one
	Model() string

	// Complete performs a single completion call. Implementations never retry;
	// failures are returned as *ProviderError.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)
}

// ChatRequest represents a unified chat completion request
type ChatRequest struct {
	// Model identifier; empty means the provider default
	Model string `json:"model"`

	// Messages in the conversation
	Messages []Message `json:"messages"`

	// MaxTokens limits the response length
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature controls randomness; nil means the provider default
	Temperature *float64 `json:"temperature,omitempty"`

	// Metadata for tracking and logging
	Metadata map[string]string `json:"metadata,omitempty"`
}

// NewPromptRequest builds a single user-message request.
func NewPromptRequest(prompt string) *ChatRequest {
	return &ChatRequest{
		Messages: []Message{{Role: RoleUser, Content: prompt}},
	}
}

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message represents a single message in a conversation
type Message struct {
	// Role can be "system", "user", or "assistant"
	Role string `json:"role"`

	// Content is the message text
	Content string `json:"content"`
}

// ChatResponse represents a unified chat completion response
type ChatResponse struct {
	// ID is the unique identifier for this completion
	ID string `json:"id"`

	// Model used for the completion
	Model string `json:"model"`

	// Choices contains the completion results
	Choices []Choice `json:"choices"`

	// Usage statistics
	Usage Usage `json:"usage"`

	// Provider that handled the request
	Provider string `json:"provider"`

	// Latency of the request
	Latency time.Duration `json:"latency"`

	// Created timestamp
	Created time.Time `json:"created"`
}

// Text returns the content of the first choice.
func (r *ChatResponse) Text() string {
	if r == nil || len(r.Choices) == 0 {
		return ""
	}
	return strings.TrimSpace(r.Choices[0].Message.Content)
}

// Choice represents a completion choice
type Choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// Usage represents token usage statistics
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ProviderConfig holds the static description of one configured provider
type ProviderConfig struct {
	// Name is the unique provider identifier used in priority lists and task mappings
	Name string

	// Kind selects the adapter
	Kind Kind

	// APIKey for authentication (resolved from the environment at startup)
	APIKey string

	// BaseURL for the API
	BaseURL string

	// Model is the default model
	Model string

	// MaxTokens default for requests that do not set one
	MaxTokens int

	// Temperature default for requests that do not set one
	Temperature float64

	// Timeout bounds a single call
	Timeout time.Duration

	// Additional headers
	Headers map[string]string

	// Pricing in USD per 1K tokens; zero for free tiers
	CostPerKPromptTokens     float64
	CostPerKCompletionTokens float64
}

// DefaultProviderConfig returns a sensible default configuration
func DefaultProviderConfig() ProviderConfig {
	return ProviderConfig{
		Kind:        KindOpenAI,
		MaxTokens:   2048,
		Temperature: 0.7,
		Timeout:     30 * time.Second,
		Headers:     make(map[string]string),
	}
}

// EstimateCost prices a call from its reported token usage.
func EstimateCost(cfg ProviderConfig, usage Usage) float64 {
	return float64(usage.PromptTokens)/1000*cfg.CostPerKPromptTokens +
		float64(usage.CompletionTokens)/1000*cfg.CostPerKCompletionTokens
}
