package selector

import "github.com/upb/llm-router/services"

// Task types understood by the default mapping. The set is open: unknown
// types route like TaskGeneral.
const (
	TaskCodeGeneration   = "code_generation"
	TaskComplexReasoning = "complex_reasoning"
	TaskSimple           = "simple_task"
	TaskGeneral          = "general"
	TaskTranslation      = "translation"
	TaskSummarization    = "summarization"
	TaskAnalysis         = "analysis"
)

// Availability reports whether a provider may be tried right now
type Availability interface {
	Available(provider string) bool
}

// Selector picks the provider for a task: the mapped provider first, then
// the priority list in order.
type Selector struct {
	priority     []string
	mapping      map[string]string
	known        map[string]bool
	availability Availability
}

// New creates a selector. availability may be nil, in which case every
// provider is considered available.
func New(priority []string, mapping map[string]string, availability Availability) *Selector {
	s := &Selector{
		priority:     append([]string(nil), priority...),
		mapping:      make(map[string]string, len(mapping)),
		known:        make(map[string]bool, len(priority)),
		availability: availability,
	}
	for task, provider := range mapping {
		s.mapping[task] = provider
	}
	for _, name := range priority {
		s.known[name] = true
	}
	return s
}

// WithKnown marks providers that exist but are not in the priority list,
// e.g. ones reachable only through the mapping
func (s *Selector) WithKnown(names ...string) *Selector {
	for _, name := range names {
		s.known[name] = true
	}
	return s
}

// Validate rejects mappings that reference unknown providers
func (s *Selector) Validate() error {
	for task, provider := range s.mapping {
		if !s.known[provider] {
			return services.ErrUnknownProvider.
				WithDetail("task_type", task).
				WithDetail("provider", provider)
		}
	}
	return nil
}

// Preferred returns the mapped provider of taskType, falling back to the
// general mapping
func (s *Selector) Preferred(taskType string) (string, bool) {
	if p, ok := s.mapping[taskType]; ok {
		return p, true
	}
	p, ok := s.mapping[TaskGeneral]
	return p, ok
}

// Select returns the first usable provider for taskType, skipping excluded
// providers and ones whose breaker is unavailable. Deterministic for a given
// input and breaker state.
func (s *Selector) Select(taskType string, excluded map[string]bool) (string, bool) {
	if preferred, ok := s.Preferred(taskType); ok && s.usable(preferred, excluded) {
		return preferred, true
	}
	for _, name := range s.priority {
		if s.usable(name, excluded) {
			return name, true
		}
	}
	return "", false
}

func (s *Selector) usable(name string, excluded map[string]bool) bool {
	if excluded[name] || !s.known[name] {
		return false
	}
	return s.availability == nil || s.availability.Available(name)
}

// Priority returns a copy of the priority list
func (s *Selector) Priority() []string {
	return append([]string(nil), s.priority...)
}
