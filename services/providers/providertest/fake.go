// Package providertest provides a scripted Provider for tests of packages that
// drive providers without talking to a real API.
package providertest

import (
	"context"
	"sync"
	"time"

	"github.com/upb/llm-router/services/providers"
)

// Step is one scripted outcome. Exactly one of Text or Err is meaningful.
type Step struct {
	Text  string
	Err   error
	Usage providers.Usage
	Delay time.Duration
}

// Fake replays Steps in order; once exhausted it repeats Default.
type Fake struct {
	name  string
	model string

	mu       sync.Mutex
	steps    []Step
	Default  Step
	requests []*providers.ChatRequest
}

// New returns a fake that answers every call with text.
func New(name, text string) *Fake {
	return &Fake{
		name:    name,
		model:   name + "-model",
		Default: Step{Text: text, Usage: providers.Usage{PromptTokens: 5, CompletionTokens: 5, TotalTokens: 10}},
	}
}

// Failing returns a fake whose every call fails with err.
func Failing(name string, err error) *Fake {
	f := New(name, "")
	f.Default = Step{Err: err}
	return f
}

// Script queues outcomes consumed before Default applies.
func (f *Fake) Script(steps ...Step) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.steps = append(f.steps, steps...)
	return f
}

// SetDefault replaces the outcome used once the script is exhausted.
func (f *Fake) SetDefault(step Step) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Default = step
}

func (f *Fake) Name() string         { return f.name }
func (f *Fake) Kind() providers.Kind { return providers.KindOpenAI }
func (f *Fake) Model() string        { return f.model }

// Complete records the request and plays the next step.
func (f *Fake) Complete(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req)
	step := f.Default
	if len(f.steps) > 0 {
		step = f.steps[0]
		f.steps = f.steps[1:]
	}
	f.mu.Unlock()

	if step.Delay > 0 {
		select {
		case <-time.After(step.Delay):
		case <-ctx.Done():
			return nil, providers.NewProviderError(f.name, providers.ErrorKindTimeout, "", "request canceled", 0, ctx.Err())
		}
	}
	if step.Err != nil {
		return nil, step.Err
	}

	return &providers.ChatResponse{
		ID:       "fake",
		Model:    f.model,
		Provider: f.name,
		Choices:  []providers.Choice{{Message: providers.Message{Role: providers.RoleAssistant, Content: step.Text}}},
		Usage:    step.Usage,
		Created:  time.Now(),
	}, nil
}

// Calls returns how many times Complete was invoked.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// Requests returns the recorded requests in call order.
func (f *Fake) Requests() []*providers.ChatRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*providers.ChatRequest, len(f.requests))
	copy(out, f.requests)
	return out
}

// Err builds a ProviderError of the given kind for this fake.
func Err(provider string, kind providers.ErrorKind) error {
	return providers.NewProviderError(provider, kind, "", string(kind), 0, nil)
}
