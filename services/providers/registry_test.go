package providers

import (
	"errors"
	"testing"
)

func TestRegistry_RegisterProvider(t *testing.T) {
	registry := NewRegistry()

	if err := registry.RegisterProvider(NewMockProvider("google_gemini")); err != nil {
		t.Fatalf("RegisterProvider() error = %v", err)
	}
	if err := registry.RegisterProvider(NewMockProvider("google_gemini")); !errors.Is(err, ErrProviderAlreadyRegistered) {
		t.Errorf("duplicate register error = %v", err)
	}
	if err := registry.RegisterProvider(nil); err == nil {
		t.Error("nil provider should be rejected")
	}
	if err := registry.RegisterProvider(NewMockProvider("")); err == nil {
		t.Error("empty name should be rejected")
	}

	if registry.GetProviderCount() != 1 {
		t.Errorf("GetProviderCount() = %d, want 1", registry.GetProviderCount())
	}
}

func TestRegistry_OrderIsPriority(t *testing.T) {
	registry := NewRegistry()
	for _, name := range []string{"google_gemini", "groq_llama", "together_ai"} {
		if err := registry.RegisterProvider(NewMockProvider(name)); err != nil {
			t.Fatal(err)
		}
	}

	got := registry.ListProviders()
	want := []string{"google_gemini", "groq_llama", "together_ai"}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ListProviders() = %v, want %v", got, want)
		}
	}

	got[0] = "mutated"
	if registry.ListProviders()[0] != "google_gemini" {
		t.Error("ListProviders must return a copy")
	}
}

func TestRegistry_GetProvider(t *testing.T) {
	registry := NewRegistry()
	_ = registry.RegisterProvider(NewMockProvider("groq_llama"))

	p, err := registry.GetProvider("groq_llama")
	if err != nil || p.Name() != "groq_llama" {
		t.Errorf("GetProvider() = %v, %v", p, err)
	}

	if _, err := registry.GetProvider("missing"); !errors.Is(err, ErrProviderNotFound) {
		t.Errorf("GetProvider(missing) error = %v", err)
	}
}

func TestRegistryBuilder_Build(t *testing.T) {
	builder := NewRegistryBuilder().WithProviderBuilder(KindOpenAI, func(cfg ProviderConfig) (Provider, error) {
		return NewMockProvider(cfg.Name), nil
	})

	registry, err := builder.Build([]ProviderConfig{
		{Name: "groq_llama", Kind: KindOpenAI},
		{Name: "together_ai", Kind: KindOpenAI},
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if names := registry.ListProviders(); len(names) != 2 || names[0] != "groq_llama" {
		t.Errorf("ListProviders() = %v", names)
	}
}

func TestRegistryBuilder_UnknownKind(t *testing.T) {
	_, err := NewRegistryBuilder().Build([]ProviderConfig{{Name: "x", Kind: KindGemini}})
	if !errors.Is(err, ErrUnsupportedKind) {
		t.Errorf("Build() error = %v, want ErrUnsupportedKind", err)
	}
}

func TestRegistryBuilder_BuilderError(t *testing.T) {
	boom := errors.New("boom")
	_, err := NewRegistryBuilder().
		WithProviderBuilder(KindOpenAI, func(ProviderConfig) (Provider, error) { return nil, boom }).
		Build([]ProviderConfig{{Name: "x", Kind: KindOpenAI}})
	if !errors.Is(err, boom) {
		t.Errorf("Build() error = %v", err)
	}
}
