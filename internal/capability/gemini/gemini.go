// Package gemini implements the language and translation capabilities with
// the Google Generative AI SDK.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/manash/lingolens/internal/capability"
	"github.com/manash/lingolens/internal/cost"
	"github.com/manash/lingolens/pkg/models"
)

// call is one GenerateContent invocation with its model configuration.
type call struct {
	model  string
	system string
	schema *genai.Schema
	parts  []genai.Part
}

type generateFunc func(ctx context.Context, c call) (*genai.GenerateContentResponse, error)

type probeFunc func(ctx context.Context, model string) error

type Provider struct {
	apiKey   string
	model    string
	registry *models.ModelRegistry
	costCalc *cost.Calculator
	logger   logrus.FieldLogger
	opts     []option.ClientOption

	generate generateFunc
	probe    probeFunc

	probeMu  sync.Mutex
	probed   bool
	probeRes models.Availability
}

func New(cfg *capability.Config, registry *models.ModelRegistry) (*Provider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, capability.ErrAPIKeyRequired
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = registry.DefaultModel(models.ProviderGemini)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &Provider{
		apiKey:   apiKey,
		model:    model,
		registry: registry,
		costCalc: cost.NewCalculator(),
		logger:   logger.WithField("provider", models.ProviderGemini),
	}
	p.opts = []option.ClientOption{option.WithAPIKey(apiKey)}
	if cfg.BaseURL != "" {
		p.opts = append(p.opts, option.WithEndpoint(cfg.BaseURL))
	}
	if cfg.TimeoutSec > 0 {
		p.opts = append(p.opts, option.WithHTTPClient(&http.Client{Timeout: time.Duration(cfg.TimeoutSec) * time.Second}))
	}
	p.generate = p.sdkGenerate
	p.probe = p.sdkProbe

	if !p.SupportsModel(model) {
		return nil, fmt.Errorf("%w: %s", capability.ErrModelNotSupported, model)
	}
	return p, nil
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderGemini
}

func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) SupportsModel(model string) bool {
	cap, ok := p.registry.Get(model)
	if !ok {
		return false
	}
	return cap.Provider == models.ProviderGemini
}

func (p *Provider) ListModels() []string {
	return p.registry.ListByProvider(models.ProviderGemini)
}

func (p *Provider) Describe(ctx context.Context, img *models.Image) (*capability.DescribeResponse, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	text, usage, err := p.run(ctx, call{
		model: p.model,
		parts: []genai.Part{
			genai.Text(capability.DescribePrompt),
			&genai.Blob{MIMEType: img.MIMEType, Data: img.Data},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("describe: %w", models.ErrEmptyResult)
	}
	return &capability.DescribeResponse{Text: text, Usage: usage}, nil
}

func (p *Provider) GenerateQuestions(ctx context.Context, qr *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
	if err := qr.Validate(); err != nil {
		return nil, err
	}

	text, usage, err := p.run(ctx, call{
		model:  p.model,
		system: capability.QuestionsPrompt(qr.Proficiency, qr.Language, qr.Range),
		schema: questionsSchema,
		parts: []genai.Part{
			&genai.Blob{MIMEType: qr.Image.MIMEType, Data: qr.Image.Data},
			genai.Text(capability.WrapDescription(qr.Description)),
			genai.Text(capability.LanguageConstraint(qr.Language)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	questions, err := capability.DecodeQuestions(text)
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	return &capability.QuestionsResponse{Questions: questions, Usage: usage}, nil
}

func (p *Provider) EvaluateAnswer(ctx context.Context, er *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
	if err := er.Validate(); err != nil {
		return nil, err
	}

	text, usage, err := p.run(ctx, call{
		model:  p.model,
		system: capability.EvaluatePrompt(er),
		schema: evaluationSchema,
		parts: []genai.Part{
			&genai.Blob{MIMEType: er.Image.MIMEType, Data: er.Image.Data},
			genai.Text(capability.WrapDescription(er.Description)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("evaluate answer: %w", err)
	}

	ev, err := capability.DecodeEvaluation(text)
	if err != nil {
		return nil, fmt.Errorf("evaluate answer: %w", err)
	}
	return &capability.EvaluateResponse{Evaluation: ev, Usage: usage}, nil
}

// Supports probes model metadata once and reuses the answer for every pair
// of table languages.
func (p *Provider) Supports(ctx context.Context, source, target models.LanguageCode) (models.Availability, error) {
	if a, decided := capability.PairAvailability(source, target); decided {
		return a, nil
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	if p.probed {
		return p.probeRes, nil
	}

	err := p.probe(ctx, p.model)
	switch {
	case err == nil:
		p.probeRes = models.Available
	case httpStatus(err) == http.StatusNotFound:
		p.probeRes = models.Unavailable
	default:
		return models.Unavailable, classify(err)
	}
	p.probed = true
	return p.probeRes, nil
}

func (p *Provider) Translate(ctx context.Context, tr *capability.TranslateRequest) (*capability.TranslateResponse, error) {
	if err := tr.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(tr.Text) == "" {
		return nil, fmt.Errorf("translate: %w", models.ErrEmptyResult)
	}
	if tr.Source == tr.Target {
		return &capability.TranslateResponse{Text: tr.Text}, nil
	}

	text, usage, err := p.run(ctx, call{
		model:  p.model,
		schema: translationSchema,
		parts:  []genai.Part{genai.Text(capability.TranslatePrompt(tr))},
	})
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	out, err := capability.DecodeTranslation(text)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}
	return &capability.TranslateResponse{Text: out, Usage: usage}, nil
}

// run makes a single GenerateContent attempt and returns the first text part.
func (p *Provider) run(ctx context.Context, c call) (string, *models.Usage, error) {
	log := p.logger.WithFields(logrus.Fields{"model": c.model, "parts": len(c.parts), "structured": c.schema != nil})

	start := time.Now()
	resp, err := p.generate(ctx, c)
	if err != nil {
		log.WithError(err).Debug("generate failed")
		return "", nil, classify(err)
	}
	log.WithField("elapsed", time.Since(start).Round(time.Millisecond)).Debug("generated content")
	return firstText(resp), p.usage(resp), nil
}

func (p *Provider) usage(resp *genai.GenerateContentResponse) *models.Usage {
	if resp == nil || resp.UsageMetadata == nil {
		return nil
	}
	return p.costCalc.Usage(models.ProviderGemini, p.model,
		int(resp.UsageMetadata.PromptTokenCount), int(resp.UsageMetadata.CandidatesTokenCount))
}

func (p *Provider) sdkGenerate(ctx context.Context, c call) (*genai.GenerateContentResponse, error) {
	cl, err := genai.NewClient(ctx, p.opts...)
	if err != nil {
		return nil, err
	}
	defer cl.Close()

	m := cl.GenerativeModel(c.model)
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: ptrFloat32(0.2),
	}
	if c.schema != nil {
		m.GenerationConfig.ResponseMIMEType = "application/json"
		m.GenerationConfig.ResponseSchema = c.schema
	}
	if c.system != "" {
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(c.system)}}
	}
	return m.GenerateContent(ctx, c.parts...)
}

func (p *Provider) sdkProbe(ctx context.Context, model string) error {
	cl, err := genai.NewClient(ctx, p.opts...)
	if err != nil {
		return err
	}
	defer cl.Close()

	_, err = cl.GenerativeModel(model).Info(ctx)
	return err
}

// classify maps SDK errors onto the capability error kinds.
func classify(err error) error {
	if errors.Is(err, models.ErrCapabilityError) || errors.Is(err, models.ErrCapabilityUnavailable) {
		return err
	}
	switch httpStatus(err) {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return fmt.Errorf("%w: %w", models.ErrCapabilityUnavailable, err)
	}
	return fmt.Errorf("%w: %w", models.ErrCapabilityError, err)
}

func httpStatus(err error) int {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return gerr.Code
	}
	return 0
}

func firstText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 {
		return ""
	}
	for _, c := range resp.Candidates {
		if c.Content == nil {
			continue
		}
		for _, p := range c.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				return string(t)
			}
		}
	}
	return ""
}

func ptrFloat32(v float32) *float32 { return &v }
