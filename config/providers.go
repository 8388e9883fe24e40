package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/upb/llm-router/services/providers"
	"github.com/upb/llm-router/services/quota"
)

// ProviderConfig is one entry of the provider table
type ProviderConfig struct {
	Name        string        `toml:"name" yaml:"name"`
	Kind        string        `toml:"kind" yaml:"kind"`
	Model       string        `toml:"model" yaml:"model"`
	BaseURL     string        `toml:"base_url" yaml:"base_url"`
	APIKeyEnv   string        `toml:"api_key_env" yaml:"api_key_env"`
	MaxTokens   int           `toml:"max_tokens" yaml:"max_tokens"`
	Temperature float64       `toml:"temperature" yaml:"temperature"`
	Timeout     time.Duration `toml:"timeout" yaml:"timeout"`
	Limits      quota.Limits  `toml:"limits" yaml:"limits"`

	CostPerKPromptTokens     float64 `toml:"cost_per_1k_prompt_tokens" yaml:"cost_per_1k_prompt_tokens"`
	CostPerKCompletionTokens float64 `toml:"cost_per_1k_completion_tokens" yaml:"cost_per_1k_completion_tokens"`

	// APIKey is resolved from APIKeyEnv at startup and never read from files
	APIKey string `toml:"-" yaml:"-"`
}

// Validate checks a single provider entry
func (p ProviderConfig) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("provider name is required")
	}
	if !providers.Kind(p.Kind).Valid() {
		return fmt.Errorf("provider %q has unknown kind %q", p.Name, p.Kind)
	}
	if p.Model == "" {
		return fmt.Errorf("provider %q has no model", p.Name)
	}
	if p.APIKeyEnv == "" {
		return fmt.Errorf("provider %q has no api_key_env", p.Name)
	}
	if err := p.Limits.Validate(); err != nil {
		return fmt.Errorf("provider %q: %w", p.Name, err)
	}
	if p.MaxTokens < 0 {
		return fmt.Errorf("provider %q has negative max_tokens", p.Name)
	}
	return nil
}

// AdapterConfig converts the entry to what provider adapters consume
func (p ProviderConfig) AdapterConfig() providers.ProviderConfig {
	cfg := providers.DefaultProviderConfig()
	cfg.Name = p.Name
	cfg.Kind = providers.Kind(p.Kind)
	cfg.APIKey = p.APIKey
	cfg.BaseURL = p.BaseURL
	cfg.Model = p.Model
	if p.MaxTokens > 0 {
		cfg.MaxTokens = p.MaxTokens
	}
	cfg.Temperature = p.Temperature
	if p.Timeout > 0 {
		cfg.Timeout = p.Timeout
	}
	cfg.CostPerKPromptTokens = p.CostPerKPromptTokens
	cfg.CostPerKCompletionTokens = p.CostPerKCompletionTokens
	return cfg
}

// ProviderTable is the file-loadable part of the configuration
type ProviderTable struct {
	Providers   []ProviderConfig  `toml:"providers" yaml:"providers"`
	Priority    []string          `toml:"priority" yaml:"priority"`
	TaskMapping map[string]string `toml:"task_mapping" yaml:"task_mapping"`
}

// DefaultProviderTable returns the three built-in free-tier providers
func DefaultProviderTable() ProviderTable {
	return ProviderTable{
		Providers: []ProviderConfig{
			{
				Name:        "google_gemini",
				Kind:        string(providers.KindGemini),
				Model:       "gemini-1.5-flash",
				APIKeyEnv:   "GOOGLE_API_KEY",
				MaxTokens:   2048,
				Temperature: 0.7,
				Limits:      quota.Limits{PerMinute: 60, PerDay: 1500, PerMonth: 45000},
			},
			{
				Name:        "groq_llama",
				Kind:        string(providers.KindOpenAI),
				Model:       "llama3-70b-8192",
				BaseURL:     "https://api.groq.com/openai/v1",
				APIKeyEnv:   "GROQ_API_KEY",
				MaxTokens:   4096,
				Temperature: 0.3,
				Limits:      quota.Limits{PerMinute: 30, PerDay: 14400, PerMonth: 432000},
			},
			{
				Name:        "together_ai",
				Kind:        string(providers.KindOpenAI),
				Model:       "meta-llama/Llama-3-8b-chat-hf",
				BaseURL:     "https://api.together.xyz/v1",
				APIKeyEnv:   "TOGETHER_API_KEY",
				MaxTokens:   2048,
				Temperature: 0.5,
				Limits:      quota.Limits{PerMinute: 10, PerDay: 200, PerMonth: 200},
			},
		},
		Priority: []string{"google_gemini", "groq_llama", "together_ai"},
		TaskMapping: map[string]string{
			"code_generation":   "groq_llama",
			"complex_reasoning": "google_gemini",
			"simple_task":       "together_ai",
			"general":           "google_gemini",
		},
	}
}

// LoadProviderFile reads a provider table from a .toml, .yaml or .yml file.
// An empty priority list defaults to file order.
func LoadProviderFile(path string) (ProviderTable, error) {
	var table ProviderTable

	data, err := os.ReadFile(path)
	if err != nil {
		return table, fmt.Errorf("read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), &table); err != nil {
			return table, fmt.Errorf("decode toml: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &table); err != nil {
			return table, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		return table, fmt.Errorf("unsupported provider file extension %q", filepath.Ext(path))
	}

	if len(table.Priority) == 0 {
		for _, p := range table.Providers {
			table.Priority = append(table.Priority, p.Name)
		}
	}
	if table.TaskMapping == nil {
		table.TaskMapping = make(map[string]string)
	}
	return table, nil
}
