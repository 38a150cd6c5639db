// Package capability defines the narrow interfaces the learning pipeline uses
// to reach a vision language model and a translator, plus the request and
// response types shared by every provider.
package capability

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/sirupsen/logrus"

	"github.com/manash/lingolens/pkg/models"
)

var (
	ErrProviderNotFound  = errors.New("provider not found")
	ErrModelNotSupported = errors.New("model not supported by provider")
	ErrAPIKeyRequired    = errors.New("API key is required")
)

// LanguageCapability is a multimodal model that can look at an image.
type LanguageCapability interface {
	Describe(ctx context.Context, img *models.Image) (*DescribeResponse, error)
	GenerateQuestions(ctx context.Context, req *QuestionsRequest) (*QuestionsResponse, error)
	EvaluateAnswer(ctx context.Context, req *EvaluateRequest) (*EvaluateResponse, error)
}

// TranslationCapability translates short texts between supported languages.
type TranslationCapability interface {
	Supports(ctx context.Context, source, target models.LanguageCode) (models.Availability, error)
	Translate(ctx context.Context, req *TranslateRequest) (*TranslateResponse, error)
}

// Provider is a backend that offers both capabilities.
type Provider interface {
	LanguageCapability
	TranslationCapability
	Name() models.ProviderType
	Model() string
	SupportsModel(model string) bool
	ListModels() []string
}

type DescribeResponse struct {
	Text  string
	Usage *models.Usage
}

type QuestionsRequest struct {
	Description string
	Image       *models.Image
	Proficiency models.Proficiency
	Language    models.LanguageCode
	Range       models.QuestionRange
}

func (r *QuestionsRequest) Validate() error {
	if r.Description == "" {
		return fmt.Errorf("%w: description is required", models.ErrCapabilityError)
	}
	if err := r.Image.Validate(); err != nil {
		return err
	}
	if !r.Language.IsSupported() {
		return fmt.Errorf("%w: %q", models.ErrUnsupportedLanguage, r.Language)
	}
	return r.Range.Validate()
}

type QuestionsResponse struct {
	Questions []string
	Usage     *models.Usage
}

type EvaluateRequest struct {
	Question    string
	Answer      string
	Description string
	Image       *models.Image
	Proficiency models.Proficiency
	Language    models.LanguageCode
}

func (r *EvaluateRequest) Validate() error {
	if r.Question == "" {
		return fmt.Errorf("%w: question is required", models.ErrCapabilityError)
	}
	return r.Image.Validate()
}

type EvaluateResponse struct {
	Evaluation models.Evaluation
	Usage      *models.Usage
}

type TranslateRequest struct {
	Text   string
	Source models.LanguageCode
	Target models.LanguageCode
}

func (r *TranslateRequest) Validate() error {
	if !r.Source.IsSupported() {
		return fmt.Errorf("%w: source %q", models.ErrUnsupportedLanguage, r.Source)
	}
	if !r.Target.IsSupported() {
		return fmt.Errorf("%w: target %q", models.ErrUnsupportedLanguage, r.Target)
	}
	return nil
}

type TranslateResponse struct {
	Text  string
	Usage *models.Usage
}

type Config struct {
	APIKey     string
	BaseURL    string
	Model      string
	TimeoutSec int
	Logger     logrus.FieldLogger
}

// PairAvailability answers Supports for providers that can translate between
// any two languages of the table once their model is reachable.
func PairAvailability(source, target models.LanguageCode) (models.Availability, bool) {
	if !source.IsSupported() || !target.IsSupported() {
		return models.Unavailable, true
	}
	if source == target {
		return models.Available, true
	}
	return models.Unavailable, false
}

type Factory struct {
	registry  *models.ModelRegistry
	configs   map[models.ProviderType]*Config
	providers map[models.ProviderType]Provider
}

func NewFactory(registry *models.ModelRegistry) *Factory {
	return &Factory{
		registry:  registry,
		configs:   make(map[models.ProviderType]*Config),
		providers: make(map[models.ProviderType]Provider),
	}
}

func (f *Factory) Configure(providerType models.ProviderType, cfg *Config) {
	f.configs[providerType] = cfg
}

func (f *Factory) Register(provider Provider) {
	f.providers[provider.Name()] = provider
}

func (f *Factory) Get(providerType models.ProviderType) (Provider, error) {
	provider, ok := f.providers[providerType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, providerType)
	}
	return provider, nil
}

func (f *Factory) GetForModel(model string) (Provider, error) {
	cap, ok := f.registry.Get(model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrModelNotSupported, model)
	}

	provider, ok := f.providers[cap.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s (required by model %s)", ErrProviderNotFound, cap.Provider, model)
	}

	return provider, nil
}

func (f *Factory) GetConfig(providerType models.ProviderType) (*Config, bool) {
	cfg, ok := f.configs[providerType]
	return cfg, ok
}

func (f *Factory) ListProviders() []models.ProviderType {
	types := make([]models.ProviderType, 0, len(f.providers))
	for t := range f.providers {
		types = append(types, t)
	}
	slices.Sort(types)
	return types
}
