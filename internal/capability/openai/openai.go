// Package openai implements the language and translation capabilities on top
// of the OpenAI chat completions API with strict structured outputs.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/manash/lingolens/internal/capability"
	"github.com/manash/lingolens/internal/cost"
	"github.com/manash/lingolens/pkg/models"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultTimeout   = 120 * time.Second
	maxResponseBytes = 4 << 20
)

type Provider struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
	registry   *models.ModelRegistry
	costCalc   *cost.Calculator
	logger     logrus.FieldLogger

	probeMu  sync.Mutex
	probed   bool
	probeRes models.Availability
}

func New(cfg *capability.Config, registry *models.ModelRegistry) (*Provider, error) {
	if cfg.APIKey == "" {
		return nil, capability.ErrAPIKeyRequired
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = registry.DefaultModel(models.ProviderOpenAI)
	}

	timeout := defaultTimeout
	if cfg.TimeoutSec > 0 {
		timeout = time.Duration(cfg.TimeoutSec) * time.Second
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	p := &Provider{
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		registry: registry,
		costCalc: cost.NewCalculator(),
		logger:   logger.WithField("provider", models.ProviderOpenAI),
	}
	if !p.SupportsModel(model) {
		return nil, fmt.Errorf("%w: %s", capability.ErrModelNotSupported, model)
	}
	return p, nil
}

func (p *Provider) Name() models.ProviderType {
	return models.ProviderOpenAI
}

func (p *Provider) Model() string {
	return p.model
}

func (p *Provider) SupportsModel(model string) bool {
	cap, ok := p.registry.Get(model)
	if !ok {
		return false
	}
	return cap.Provider == models.ProviderOpenAI
}

func (p *Provider) ListModels() []string {
	return p.registry.ListByProvider(models.ProviderOpenAI)
}

func (p *Provider) Describe(ctx context.Context, img *models.Image) (*capability.DescribeResponse, error) {
	if err := img.Validate(); err != nil {
		return nil, err
	}

	req := &chatRequest{
		Model:    p.model,
		Messages: []chatMessage{userMessage(textContent(capability.DescribePrompt), imageContent(img))},
	}

	content, usage, err := p.chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("describe: %w", err)
	}

	text := strings.TrimSpace(content)
	if text == "" {
		return nil, fmt.Errorf("describe: %w", models.ErrEmptyResult)
	}
	return &capability.DescribeResponse{Text: text, Usage: usage}, nil
}

func (p *Provider) GenerateQuestions(ctx context.Context, qr *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
	if err := qr.Validate(); err != nil {
		return nil, err
	}

	req := &chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			systemMessage(capability.QuestionsPrompt(qr.Proficiency, qr.Language, qr.Range)),
			userMessage(
				imageContent(qr.Image),
				textContent(capability.WrapDescription(qr.Description)),
				textContent(capability.LanguageConstraint(qr.Language)),
			),
		},
		ResponseFormat: structuredFormat("questions", capability.QuestionsSchema),
	}

	content, usage, err := p.chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}

	questions, err := capability.DecodeQuestions(content)
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	return &capability.QuestionsResponse{Questions: questions, Usage: usage}, nil
}

func (p *Provider) EvaluateAnswer(ctx context.Context, er *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
	if err := er.Validate(); err != nil {
		return nil, err
	}

	req := &chatRequest{
		Model: p.model,
		Messages: []chatMessage{
			systemMessage(capability.EvaluatePrompt(er)),
			userMessage(
				imageContent(er.Image),
				textContent(capability.WrapDescription(er.Description)),
			),
		},
		ResponseFormat: structuredFormat("evaluation", capability.EvaluationSchema),
	}

	content, usage, err := p.chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("evaluate answer: %w", err)
	}

	ev, err := capability.DecodeEvaluation(content)
	if err != nil {
		return nil, fmt.Errorf("evaluate answer: %w", err)
	}
	return &capability.EvaluateResponse{Evaluation: ev, Usage: usage}, nil
}

// Supports reports Available for any pair of table languages once the
// configured model answers a metadata probe. The probe result is cached.
func (p *Provider) Supports(ctx context.Context, source, target models.LanguageCode) (models.Availability, error) {
	if a, decided := capability.PairAvailability(source, target); decided {
		return a, nil
	}

	p.probeMu.Lock()
	defer p.probeMu.Unlock()
	if p.probed {
		return p.probeRes, nil
	}

	a, err := p.probeModel(ctx)
	if err != nil {
		return models.Unavailable, err
	}
	p.probed = true
	p.probeRes = a
	return a, nil
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

	req := &chatRequest{
		Model:          p.model,
		Messages:       []chatMessage{userMessage(textContent(capability.TranslatePrompt(tr)))},
		ResponseFormat: structuredFormat("translation", capability.TranslationSchema),
	}

	content, usage, err := p.chat(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}

	text, err := capability.DecodeTranslation(content)
	if err != nil {
		return nil, fmt.Errorf("translate: %w", err)
	}
	return &capability.TranslateResponse{Text: text, Usage: usage}, nil
}

func (p *Provider) probeModel(ctx context.Context) (models.Availability, error) {
	endpoint := p.baseURL + "/models/" + url.PathEscape(p.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return models.Unavailable, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	p.logger.WithFields(logrus.Fields{"method": http.MethodGet, "url": endpoint}).Debug("probing model")

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return models.Unavailable, fmt.Errorf("%w: probe failed: %w", models.ErrCapabilityError, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode == http.StatusOK:
		return models.Available, nil
	case resp.StatusCode == http.StatusNotFound:
		return models.Unavailable, nil
	default:
		return models.Unavailable, statusError(resp.StatusCode, "")
	}
}

// chat sends one chat completion and returns the first choice's content.
func (p *Provider) chat(ctx context.Context, req *chatRequest) (string, *models.Usage, error) {
	jsonData, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	endpoint := p.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewBuffer(jsonData))
	if err != nil {
		return "", nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	log := p.logger.WithFields(logrus.Fields{"method": http.MethodPost, "url": endpoint})
	log.WithField("body", redactRequest(req)).Debug("sending request")

	start := time.Now()
	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to send request: %w", models.ErrCapabilityError, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", nil, fmt.Errorf("%w: failed to read response: %w", models.ErrCapabilityError, err)
	}

	log.WithFields(logrus.Fields{
		"status":  resp.StatusCode,
		"bytes":   len(body),
		"elapsed": time.Since(start).Round(time.Millisecond),
	}).Debug("received response")

	var chatResp chatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		if resp.StatusCode != http.StatusOK {
			return "", nil, statusError(resp.StatusCode, "")
		}
		return "", nil, fmt.Errorf("%w: failed to parse response: %v", models.ErrCapabilityError, err)
	}

	if resp.StatusCode != http.StatusOK || chatResp.Error != nil {
		msg := ""
		if chatResp.Error != nil {
			msg = chatResp.Error.Message
		}
		return "", nil, statusError(resp.StatusCode, msg)
	}

	if len(chatResp.Choices) == 0 {
		return "", nil, fmt.Errorf("%w: no response choices", models.ErrCapabilityError)
	}

	msg := chatResp.Choices[0].Message
	if msg.Refusal != "" {
		return "", nil, fmt.Errorf("%w: model refused: %s", models.ErrCapabilityError, msg.Refusal)
	}

	var usage *models.Usage
	if chatResp.Usage != nil {
		usage = p.costCalc.Usage(models.ProviderOpenAI, p.model, chatResp.Usage.PromptTokens, chatResp.Usage.CompletionTokens)
	}

	return msg.Content, usage, nil
}

// statusError maps auth and missing-model failures to ErrCapabilityUnavailable
// and everything else to ErrCapabilityError.
func statusError(status int, msg string) error {
	kind := models.ErrCapabilityError
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		kind = models.ErrCapabilityUnavailable
	}
	if msg == "" {
		return fmt.Errorf("%w: status %d", kind, status)
	}
	return fmt.Errorf("%w: status %d: %s", kind, status, msg)
}
