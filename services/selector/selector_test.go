package selector

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upb/llm-router/services"
)

type staticAvailability map[string]bool

func (a staticAvailability) Available(name string) bool {
	down, ok := a[name]
	return !ok || !down
}

func defaultSelector(down staticAvailability) *Selector {
	return New(
		[]string{"google_gemini", "groq_llama", "together_ai"},
		map[string]string{
			TaskCodeGeneration:   "groq_llama",
			TaskComplexReasoning: "google_gemini",
			TaskSimple:           "together_ai",
			TaskGeneral:          "google_gemini",
		},
		down,
	)
}

func TestSelector_Select(t *testing.T) {
	tests := []struct {
		name     string
		taskType string
		excluded map[string]bool
		down     staticAvailability
		want     string
		wantOK   bool
	}{
		{
			name:     "mapped provider",
			taskType: TaskCodeGeneration,
			want:     "groq_llama",
			wantOK:   true,
		},
		{
			name:     "unknown task uses general mapping",
			taskType: "poetry",
			want:     "google_gemini",
			wantOK:   true,
		},
		{
			name:     "excluded mapped provider falls back to priority",
			taskType: TaskSimple,
			excluded: map[string]bool{"together_ai": true},
			want:     "google_gemini",
			wantOK:   true,
		},
		{
			name:     "breaker open skips provider",
			taskType: TaskCodeGeneration,
			down:     staticAvailability{"groq_llama": true},
			want:     "google_gemini",
			wantOK:   true,
		},
		{
			name:     "priority order after exclusions",
			taskType: TaskGeneral,
			excluded: map[string]bool{"google_gemini": true},
			want:     "groq_llama",
			wantOK:   true,
		},
		{
			name:     "mapped exhausted and open falls to first priority",
			taskType: TaskCodeGeneration,
			excluded: map[string]bool{"groq_llama": true},
			down:     staticAvailability{"groq_llama": true},
			want:     "google_gemini",
			wantOK:   true,
		},
		{
			name:     "nothing left",
			taskType: TaskGeneral,
			excluded: map[string]bool{"google_gemini": true, "groq_llama": true},
			down:     staticAvailability{"together_ai": true},
			wantOK:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := defaultSelector(tt.down)
			got, ok := s.Select(tt.taskType, tt.excluded)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelector_Deterministic(t *testing.T) {
	s := defaultSelector(nil)
	first, _ := s.Select(TaskAnalysis, nil)
	for i := 0; i < 50; i++ {
		got, _ := s.Select(TaskAnalysis, nil)
		require.Equal(t, first, got)
	}
}

func TestSelector_NilAvailability(t *testing.T) {
	s := New([]string{"a", "b"}, nil, nil)
	got, ok := s.Select(TaskGeneral, map[string]bool{"a": true})
	assert.True(t, ok)
	assert.Equal(t, "b", got)
}

func TestSelector_Validate(t *testing.T) {
	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, defaultSelector(nil).Validate())
	})

	t.Run("unknown provider in mapping", func(t *testing.T) {
		s := New([]string{"a"}, map[string]string{TaskGeneral: "b"}, nil)
		err := s.Validate()
		require.Error(t, err)
		assert.True(t, services.IsConfigurationError(err))
		assert.Equal(t, "b", services.GetErrorDetails(err)["provider"])
	})

	t.Run("mapping-only provider marked known", func(t *testing.T) {
		s := New([]string{"a"}, map[string]string{TaskSimple: "b"}, nil).WithKnown("b")
		require.NoError(t, s.Validate())
		got, ok := s.Select(TaskSimple, nil)
		assert.True(t, ok)
		assert.Equal(t, "b", got)
	})
}
