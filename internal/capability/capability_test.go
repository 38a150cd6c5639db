package capability

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/lingolens/pkg/models"
)

type stubProvider struct {
	name  models.ProviderType
	model string
}

func (s *stubProvider) Name() models.ProviderType       { return s.name }
func (s *stubProvider) Model() string                   { return s.model }
func (s *stubProvider) SupportsModel(model string) bool { return model == s.model }
func (s *stubProvider) ListModels() []string            { return []string{s.model} }

func (s *stubProvider) Describe(context.Context, *models.Image) (*DescribeResponse, error) {
	return &DescribeResponse{Text: "a cat"}, nil
}

func (s *stubProvider) GenerateQuestions(context.Context, *QuestionsRequest) (*QuestionsResponse, error) {
	return &QuestionsResponse{}, nil
}

func (s *stubProvider) EvaluateAnswer(context.Context, *EvaluateRequest) (*EvaluateResponse, error) {
	return &EvaluateResponse{}, nil
}

func (s *stubProvider) Supports(context.Context, models.LanguageCode, models.LanguageCode) (models.Availability, error) {
	return models.Available, nil
}

func (s *stubProvider) Translate(_ context.Context, req *TranslateRequest) (*TranslateResponse, error) {
	return &TranslateResponse{Text: req.Text}, nil
}

func TestFactory_GetForModel(t *testing.T) {
	factory := NewFactory(models.DefaultRegistry())
	factory.Register(&stubProvider{name: models.ProviderOpenAI, model: "gpt-5-mini"})

	p, err := factory.GetForModel("gpt-5-mini")
	require.NoError(t, err)
	assert.Equal(t, models.ProviderOpenAI, p.Name())

	_, err = factory.GetForModel("gemini-2.5-flash")
	assert.ErrorIs(t, err, ErrProviderNotFound)

	_, err = factory.GetForModel("llama")
	assert.ErrorIs(t, err, ErrModelNotSupported)
}

func TestFactory_GetAndConfigure(t *testing.T) {
	factory := NewFactory(models.DefaultRegistry())
	factory.Register(&stubProvider{name: models.ProviderGemini, model: "gemini-2.5-flash"})
	factory.Register(&stubProvider{name: models.ProviderOpenAI, model: "gpt-5-mini"})
	factory.Configure(models.ProviderGemini, &Config{APIKey: "k"})

	_, err := factory.Get(models.ProviderGemini)
	require.NoError(t, err)

	cfg, ok := factory.GetConfig(models.ProviderGemini)
	require.True(t, ok)
	assert.Equal(t, "k", cfg.APIKey)

	_, ok = factory.GetConfig(models.ProviderOpenAI)
	assert.False(t, ok)

	assert.Equal(t, []models.ProviderType{models.ProviderGemini, models.ProviderOpenAI}, factory.ListProviders())

	_, err = NewFactory(models.DefaultRegistry()).Get(models.ProviderOpenAI)
	assert.ErrorIs(t, err, ErrProviderNotFound)
}

func TestPairAvailability(t *testing.T) {
	tests := []struct {
		name    string
		src     models.LanguageCode
		tgt     models.LanguageCode
		want    models.Availability
		decided bool
	}{
		{"unsupported source", "zh", models.LangFrench, models.Unavailable, true},
		{"unsupported target", models.LangEnglish, "xx", models.Unavailable, true},
		{"same language", models.LangGerman, models.LangGerman, models.Available, true},
		{"needs probe", models.LangEnglish, models.LangFrench, models.Unavailable, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, decided := PairAvailability(tt.src, tt.tgt)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.decided, decided)
		})
	}
}

func TestRequestValidation(t *testing.T) {
	img := &models.Image{Data: []byte{1}, MIMEType: "image/png"}

	q := &QuestionsRequest{Description: "d", Image: img, Language: models.LangEnglish, Range: models.DefaultQuestionRange()}
	assert.NoError(t, q.Validate())

	q.Description = ""
	assert.ErrorIs(t, q.Validate(), models.ErrCapabilityError)

	q.Description = "d"
	q.Language = "xx"
	assert.ErrorIs(t, q.Validate(), models.ErrUnsupportedLanguage)

	q.Language = models.LangEnglish
	q.Image = nil
	assert.ErrorIs(t, q.Validate(), models.ErrInvalidPayload)

	e := &EvaluateRequest{Question: "q", Image: img}
	assert.NoError(t, e.Validate())
	e.Question = ""
	assert.ErrorIs(t, e.Validate(), models.ErrCapabilityError)

	tr := &TranslateRequest{Text: "x", Source: models.LangEnglish, Target: "ja"}
	assert.ErrorIs(t, tr.Validate(), models.ErrUnsupportedLanguage)
}

func TestPrompts(t *testing.T) {
	p := QuestionsPrompt(models.ProficiencyBeginner, models.LangEnglish, models.DefaultQuestionRange())
	assert.Contains(t, p, "helping a beginner")
	assert.Contains(t, p, "Generate 20 to 30 questions in English")

	assert.Equal(t, "<description>red bike</description>", WrapDescription("red bike"))
	assert.Equal(t, "The questions MUST be in French", LanguageConstraint(models.LangFrench))

	ev := EvaluatePrompt(&EvaluateRequest{Question: "Q?", Answer: "rouge", Language: models.LangFrench})
	assert.True(t, strings.HasPrefix(ev, "The user is a beginner learning French"))
	assert.Contains(t, ev, "Their answer in (French) is: rouge")

	tp := TranslatePrompt(&TranslateRequest{Text: "Hello?", Source: models.LangEnglish, Target: models.LangItalian})
	assert.Contains(t, tp, "from English to Italian")
	assert.Contains(t, tp, "<text>Hello?</text>")
}

func TestStubProviderSatisfiesInterfaces(t *testing.T) {
	var p Provider = &stubProvider{name: models.ProviderOpenAI, model: "m"}
	_, err := p.Translate(context.Background(), &TranslateRequest{Text: "x"})
	assert.False(t, errors.Is(err, models.ErrCapabilityError))
}
