package models

import (
	"errors"
	"slices"
)

var (
	ErrInvalidPayload        = errors.New("invalid image payload")
	ErrUnsupportedLanguage   = errors.New("unsupported language")
	ErrCapabilityUnavailable = errors.New("capability unavailable")
	ErrCapabilityError       = errors.New("capability error")
	ErrEmptyResult           = errors.New("empty result")
	ErrInvalidProficiency    = errors.New("invalid proficiency level")
	ErrInvalidQuestionRange  = errors.New("invalid question count range")
)

type ProviderType string

const (
	ProviderOpenAI ProviderType = "openai"
	ProviderGemini ProviderType = "gemini"
)

func ValidProviders() []ProviderType {
	return []ProviderType{ProviderOpenAI, ProviderGemini}
}

func (p ProviderType) IsValid() bool {
	return slices.Contains(ValidProviders(), p)
}

func (p ProviderType) String() string {
	return string(p)
}

// EnvVar is the environment variable holding the provider's API key.
func (p ProviderType) EnvVar() string {
	switch p {
	case ProviderOpenAI:
		return "OPENAI_API_KEY"
	case ProviderGemini:
		return "GEMINI_API_KEY"
	default:
		return ""
	}
}

type CostInfo struct {
	PerRequest float64
	Total      float64
	Currency   string
}

// Usage is the token accounting reported by a capability call.
type Usage struct {
	Provider     ProviderType
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         *CostInfo
}

func (u *Usage) TotalCost() float64 {
	if u == nil || u.Cost == nil {
		return 0
	}
	return u.Cost.Total
}

type ModelCapabilities struct {
	Name             string
	Provider         ProviderType
	SupportsImages   bool
	SupportsSchema   bool
	DefaultMaxTokens int
}

type ModelRegistry struct {
	models map[string]*ModelCapabilities
}

func NewModelRegistry() *ModelRegistry {
	return &ModelRegistry{
		models: make(map[string]*ModelCapabilities),
	}
}

func (r *ModelRegistry) Register(cap *ModelCapabilities) {
	r.models[cap.Name] = cap
}

func (r *ModelRegistry) Get(name string) (*ModelCapabilities, bool) {
	cap, ok := r.models[name]
	return cap, ok
}

func (r *ModelRegistry) List() []string {
	names := make([]string, 0, len(r.models))
	for name := range r.models {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (r *ModelRegistry) ListByProvider(provider ProviderType) []string {
	var names []string
	for name, cap := range r.models {
		if cap.Provider == provider {
			names = append(names, name)
		}
	}
	slices.Sort(names)
	return names
}

// DefaultModel returns the model used for a provider when none is configured.
func (r *ModelRegistry) DefaultModel(provider ProviderType) string {
	switch provider {
	case ProviderOpenAI:
		return "gpt-5-mini"
	case ProviderGemini:
		return "gemini-2.5-flash"
	default:
		return ""
	}
}

func DefaultRegistry() *ModelRegistry {
	r := NewModelRegistry()

	r.Register(&ModelCapabilities{
		Name:             "gpt-5.2",
		Provider:         ProviderOpenAI,
		SupportsImages:   true,
		SupportsSchema:   true,
		DefaultMaxTokens: 16384,
	})

	r.Register(&ModelCapabilities{
		Name:             "gpt-5-mini",
		Provider:         ProviderOpenAI,
		SupportsImages:   true,
		SupportsSchema:   true,
		DefaultMaxTokens: 16384,
	})

	r.Register(&ModelCapabilities{
		Name:             "gpt-5-nano",
		Provider:         ProviderOpenAI,
		SupportsImages:   true,
		SupportsSchema:   true,
		DefaultMaxTokens: 8192,
	})

	r.Register(&ModelCapabilities{
		Name:             "gemini-2.5-pro",
		Provider:         ProviderGemini,
		SupportsImages:   true,
		SupportsSchema:   true,
		DefaultMaxTokens: 8192,
	})

	r.Register(&ModelCapabilities{
		Name:             "gemini-2.5-flash",
		Provider:         ProviderGemini,
		SupportsImages:   true,
		SupportsSchema:   true,
		DefaultMaxTokens: 8192,
	})

	r.Register(&ModelCapabilities{
		Name:             "gemini-2.0-flash",
		Provider:         ProviderGemini,
		SupportsImages:   true,
		SupportsSchema:   true,
		DefaultMaxTokens: 8192,
	})

	return r
}
