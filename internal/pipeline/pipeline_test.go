package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/lingolens/internal/capability"
	"github.com/manash/lingolens/pkg/models"
)

type fakeLanguage struct {
	describe  func(ctx context.Context, img *models.Image) (*capability.DescribeResponse, error)
	questions func(ctx context.Context, req *capability.QuestionsRequest) (*capability.QuestionsResponse, error)
	evaluate  func(ctx context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error)
}

func (f *fakeLanguage) Describe(ctx context.Context, img *models.Image) (*capability.DescribeResponse, error) {
	return f.describe(ctx, img)
}

func (f *fakeLanguage) GenerateQuestions(ctx context.Context, req *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
	return f.questions(ctx, req)
}

func (f *fakeLanguage) EvaluateAnswer(ctx context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
	return f.evaluate(ctx, req)
}

type fakeTranslator struct {
	mu           sync.Mutex
	availability models.Availability
	supportsErr  error
	dict         map[string]string
	failOn       map[string]bool
	calls        int
}

func (f *fakeTranslator) Supports(context.Context, models.LanguageCode, models.LanguageCode) (models.Availability, error) {
	return f.availability, f.supportsErr
}

func (f *fakeTranslator) Translate(_ context.Context, req *capability.TranslateRequest) (*capability.TranslateResponse, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.failOn[req.Text] {
		return nil, fmt.Errorf("%w: boom", models.ErrCapabilityError)
	}
	if out, ok := f.dict[req.Text]; ok {
		return &capability.TranslateResponse{Text: out}, nil
	}
	return &capability.TranslateResponse{Text: "[" + string(req.Target) + "] " + req.Text}, nil
}

type fakeHandle struct {
	mu       sync.Mutex
	released int
}

func (h *fakeHandle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.released++
	return nil
}

func (h *fakeHandle) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.released
}

type usageRecorder struct {
	mu  sync.Mutex
	ops []string
}

func (r *usageRecorder) Record(_ context.Context, sessionID, operation string, usage *models.Usage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops = append(r.ops, operation)
	return nil
}

const bicycleDescription = "A red bicycle leaning against a blue wall."

var testImage = &models.Image{Data: []byte{0x89, 0x50, 0x4E, 0x47}, MIMEType: "image/png", Source: "bike.png"}

func bicycleLanguage() *fakeLanguage {
	return &fakeLanguage{
		describe: func(context.Context, *models.Image) (*capability.DescribeResponse, error) {
			return &capability.DescribeResponse{Text: bicycleDescription, Usage: &models.Usage{InputTokens: 1}}, nil
		},
		questions: func(_ context.Context, req *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
			return &capability.QuestionsResponse{Questions: []string{
				"What color is the bicycle?",
				"Where is the bicycle leaning?",
			}}, nil
		},
		evaluate: func(_ context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
			correct := strings.Contains(strings.ToLower(req.Answer), "rouge")
			reason := ""
			if !correct {
				reason = "The bicycle is red (rouge)."
			}
			return &capability.EvaluateResponse{Evaluation: models.Evaluation{Correct: correct, Reason: reason}}, nil
		},
	}
}

func bicycleTranslator() *fakeTranslator {
	return &fakeTranslator{
		availability: models.Available,
		dict: map[string]string{
			"What color is the bicycle?":    "De quelle couleur est le vélo ?",
			"Where is the bicycle leaning?": "Contre quoi le vélo est-il appuyé ?",
		},
	}
}

func quietLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newPipeline(t *testing.T, lang capability.LanguageCapability, tr capability.TranslationCapability, opts ...Option) *Pipeline {
	t.Helper()
	opts = append([]Option{WithLogger(quietLogger())}, opts...)
	p, err := New(lang, tr, opts...)
	require.NoError(t, err)
	return p
}

func readyPipeline(t *testing.T, lang *fakeLanguage, tr *fakeTranslator) *Pipeline {
	t.Helper()
	p := newPipeline(t, lang, tr)
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	return p
}

func TestNew(t *testing.T) {
	_, err := New(nil, bicycleTranslator())
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = New(bicycleLanguage(), bicycleTranslator(), WithConfig(Config{QuestionRange: models.QuestionRange{Min: 5, Max: 2}}))
	assert.ErrorIs(t, err, models.ErrInvalidQuestionRange)

	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())
	snap := p.Snapshot()
	assert.NotEmpty(t, snap.ID)
	assert.Equal(t, models.LangEnglish, snap.Source)
	assert.Equal(t, models.LangFrench, snap.Target)
	assert.Equal(t, models.ProficiencyBeginner, snap.Proficiency)
	assert.Equal(t, StatusChecking, snap.Status)
	assert.False(t, snap.HasImage)
	assert.Equal(t, models.DefaultQuestionRange(), p.Config().QuestionRange)
}

func TestRedBicycleScenario(t *testing.T) {
	ctx := context.Background()
	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())

	gen, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), gen)

	a, err := p.CheckLanguagePairSupported(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.Available, a)

	desc, err := p.GenerateDescription(ctx)
	require.NoError(t, err)
	assert.Equal(t, bicycleDescription, desc)

	qs, err := p.GenerateQuestions(ctx)
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.NotEqual(t, qs[0].ID, qs[1].ID)

	report, err := p.TranslateQuestions(ctx)
	require.NoError(t, err)
	assert.Equal(t, TranslateReport{Translated: 2}, report)

	snap := p.Snapshot()
	assert.Equal(t, "De quelle couleur est le vélo ?", snap.Questions[0].DisplayText())
	assert.Equal(t, "Contre quoi le vélo est-il appuyé ?", snap.Questions[1].DisplayText())

	ev, err := p.EvaluateAnswer(ctx, 0, "rouge")
	require.NoError(t, err)
	assert.True(t, ev.Correct)

	ev, err = p.EvaluateAnswer(ctx, 1, "le mur bleu")
	require.NoError(t, err)
	assert.False(t, ev.Correct)
	assert.NotEmpty(t, ev.Reason)

	snap = p.Snapshot()
	answered, correct := snap.Answered()
	assert.Equal(t, 2, answered)
	assert.Equal(t, 1, correct)
	assert.Equal(t, StatusAvailable, snap.Status)
	assert.Equal(t, "bike.png", snap.ImageSource)
}

func TestEvaluateUsesDisplayedQuestion(t *testing.T) {
	lang := bicycleLanguage()
	var got *capability.EvaluateRequest
	lang.evaluate = func(_ context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
		got = req
		return &capability.EvaluateResponse{Evaluation: models.Evaluation{Correct: true}}, nil
	}
	p := readyPipeline(t, lang, bicycleTranslator())

	_, err := p.EvaluateAnswer(context.Background(), 0, "  rouge  ")
	require.NoError(t, err)
	assert.Equal(t, "De quelle couleur est le vélo ?", got.Question)
	assert.Equal(t, "rouge", got.Answer)
	assert.Equal(t, bicycleDescription, got.Description)
	assert.Equal(t, models.LangFrench, got.Language)
	assert.Equal(t, testImage.Data, got.Image.Data)
}

func TestDescribeFailureBlocksQuestions(t *testing.T) {
	lang := bicycleLanguage()
	lang.describe = func(context.Context, *models.Image) (*capability.DescribeResponse, error) {
		return nil, fmt.Errorf("%w: model offline", models.ErrCapabilityUnavailable)
	}
	p := newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	_, err = p.GenerateDescription(context.Background())
	require.Error(t, err)
	var f *Failure
	require.ErrorAs(t, err, &f)
	assert.Equal(t, OpDescribe, f.Op)
	assert.ErrorIs(t, err, models.ErrCapabilityUnavailable)
	assert.Empty(t, p.Snapshot().Description)

	_, err = p.GenerateQuestions(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDescribeEmptyText(t *testing.T) {
	lang := bicycleLanguage()
	lang.describe = func(context.Context, *models.Image) (*capability.DescribeResponse, error) {
		return &capability.DescribeResponse{Text: "   "}, nil
	}
	p := newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	_, err = p.GenerateDescription(context.Background())
	assert.ErrorIs(t, err, models.ErrEmptyResult)
}

func TestDescribeWithoutImage(t *testing.T) {
	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())
	_, err := p.GenerateDescription(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestPartialTranslationFailure(t *testing.T) {
	lang := bicycleLanguage()
	lang.questions = func(context.Context, *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		return &capability.QuestionsResponse{Questions: []string{"one?", "two?", "three?"}}, nil
	}
	tr := bicycleTranslator()
	tr.failOn = map[string]bool{"two?": true}

	p := readyPipeline(t, lang, tr)

	snap := p.Snapshot()
	require.Len(t, snap.Questions, 3)
	assert.Equal(t, "[fr] one?", snap.Questions[0].TranslatedText)
	assert.False(t, snap.Questions[0].TranslationFailed)
	assert.Equal(t, "two?", snap.Questions[1].TranslatedText)
	assert.True(t, snap.Questions[1].TranslationFailed)
	assert.Equal(t, "[fr] three?", snap.Questions[2].TranslatedText)
	assert.False(t, snap.Questions[2].TranslationFailed)

	for _, q := range snap.Questions {
		assert.NotEmpty(t, q.TranslatedText)
	}
}

func TestTranslateReport(t *testing.T) {
	lang := bicycleLanguage()
	tr := bicycleTranslator()
	tr.failOn = map[string]bool{"Where is the bicycle leaning?": true}
	p := newPipeline(t, lang, tr, WithConfig(Config{QuestionRange: models.DefaultQuestionRange()}))
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, p.Snapshot().Questions[0].TranslatedText, "translation should not run when TranslateOnGenerate is off")

	report, err := p.TranslateQuestions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, TranslateReport{Translated: 1, Failed: 1}, report)
}

func TestTranslateUnavailablePair(t *testing.T) {
	tr := bicycleTranslator()
	p := readyPipeline(t, bicycleLanguage(), tr)
	tr.availability = models.Unavailable

	_, err := p.TranslateQuestions(context.Background())
	assert.ErrorIs(t, err, models.ErrUnsupportedLanguage)
}

func TestTranslateWithoutQuestions(t *testing.T) {
	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())
	_, err := p.TranslateQuestions(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestDeleteShiftsQuestions(t *testing.T) {
	lang := bicycleLanguage()
	lang.questions = func(context.Context, *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		return &capability.QuestionsResponse{Questions: []string{"a?", "b?", "c?", "d?"}}, nil
	}
	p := readyPipeline(t, lang, bicycleTranslator())
	before := p.Snapshot().Questions

	assert.True(t, p.DeleteQuestion(1))
	after := p.Snapshot().Questions
	require.Len(t, after, 3)
	assert.Equal(t, []string{before[0].ID, before[2].ID, before[3].ID},
		[]string{after[0].ID, after[1].ID, after[2].ID})

	assert.False(t, p.DeleteQuestion(3))
	assert.False(t, p.DeleteQuestion(-1))
	assert.Len(t, p.Snapshot().Questions, 3)
}

func TestEvaluateOutOfRangeMutatesNothing(t *testing.T) {
	p := readyPipeline(t, bicycleLanguage(), bicycleTranslator())
	before := p.Snapshot()

	for _, idx := range []int{-1, 2, 100} {
		_, err := p.EvaluateAnswer(context.Background(), idx, "rouge")
		assert.ErrorIs(t, err, ErrQuestionIndex)
	}
	assert.Equal(t, before, p.Snapshot())
}

func TestEvaluateOnce(t *testing.T) {
	p := readyPipeline(t, bicycleLanguage(), bicycleTranslator())

	_, err := p.EvaluateAnswer(context.Background(), 0, "rouge")
	require.NoError(t, err)

	_, err = p.EvaluateAnswer(context.Background(), 0, "bleu")
	assert.ErrorIs(t, err, ErrAlreadyEvaluated)
	assert.True(t, p.Snapshot().Questions[0].Evaluation.Correct)

	_, err = p.EvaluateAnswer(context.Background(), 1, "   ")
	assert.ErrorIs(t, err, models.ErrInvalidPayload)
}

func TestEvaluateFailureIsRetryable(t *testing.T) {
	lang := bicycleLanguage()
	calls := 0
	good := lang.evaluate
	lang.evaluate = func(ctx context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
		calls++
		if calls == 1 {
			return nil, fmt.Errorf("%w: malformed", models.ErrCapabilityError)
		}
		return good(ctx, req)
	}
	p := readyPipeline(t, lang, bicycleTranslator())

	_, err := p.EvaluateAnswer(context.Background(), 0, "rouge")
	assert.ErrorIs(t, err, models.ErrCapabilityError)
	assert.Nil(t, p.Snapshot().Questions[0].Evaluation)

	ev, err := p.EvaluateAnswer(context.Background(), 0, "rouge")
	require.NoError(t, err)
	assert.True(t, ev.Correct)
}

func TestConcurrentEvaluation(t *testing.T) {
	lang := bicycleLanguage()
	release := make(chan struct{})
	started := make(chan struct{}, 2)
	lang.evaluate = func(_ context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
		started <- struct{}{}
		<-release
		return &capability.EvaluateResponse{Evaluation: models.Evaluation{Correct: true, Reason: req.Question}}, nil
	}
	p := readyPipeline(t, lang, bicycleTranslator())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = p.EvaluateAnswer(context.Background(), i, "answer")
		}(i)
	}
	<-started
	<-started

	_, err := p.EvaluateAnswer(context.Background(), 0, "again")
	assert.ErrorIs(t, err, ErrEvaluationInFlight)

	close(release)
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	snap := p.Snapshot()
	assert.Equal(t, "De quelle couleur est le vélo ?", snap.Questions[0].Evaluation.Reason)
	assert.Equal(t, "Contre quoi le vélo est-il appuyé ?", snap.Questions[1].Evaluation.Reason)
}

func TestEvaluateDeletedQuestion(t *testing.T) {
	lang := bicycleLanguage()
	release := make(chan struct{})
	started := make(chan struct{})
	lang.evaluate = func(context.Context, *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
		close(started)
		<-release
		return &capability.EvaluateResponse{Evaluation: models.Evaluation{Correct: true}}, nil
	}
	p := readyPipeline(t, lang, bicycleTranslator())

	done := make(chan error)
	go func() {
		_, err := p.EvaluateAnswer(context.Background(), 0, "rouge")
		done <- err
	}()
	<-started
	require.True(t, p.DeleteQuestion(0))
	close(release)

	assert.ErrorIs(t, <-done, ErrQuestionIndex)
	snap := p.Snapshot()
	require.Len(t, snap.Questions, 1)
	assert.Nil(t, snap.Questions[0].Evaluation)
}

func TestRepeatedPairChecksAgree(t *testing.T) {
	p := newPipeline(t, bicycleLanguage(), &fakeTranslator{availability: models.AvailableAfterDownload})

	var statuses []Status
	cancel := p.Subscribe(func(ev Event) {
		if ev.Kind == EventStatus {
			statuses = append(statuses, ev.Status)
		}
	})
	defer cancel()

	first, err := p.CheckLanguagePairSupported(context.Background())
	require.NoError(t, err)
	second, err := p.CheckLanguagePairSupported(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, models.AvailableAfterDownload, first)
	assert.Equal(t, []Status{StatusChecking, StatusAvailable, StatusChecking, StatusAvailable}, statuses)
}

func TestPairCheckError(t *testing.T) {
	tr := &fakeTranslator{supportsErr: fmt.Errorf("%w: probe failed", models.ErrCapabilityError)}
	p := newPipeline(t, bicycleLanguage(), tr)

	a, err := p.CheckLanguagePairSupported(context.Background())
	assert.Equal(t, models.Unavailable, a)
	assert.ErrorIs(t, err, models.ErrCapabilityError)
	assert.Equal(t, StatusError, p.Snapshot().Status)
}

func TestRunBlocksOnUnavailablePair(t *testing.T) {
	described := false
	lang := bicycleLanguage()
	lang.describe = func(context.Context, *models.Image) (*capability.DescribeResponse, error) {
		described = true
		return &capability.DescribeResponse{Text: "x"}, nil
	}
	p := newPipeline(t, lang, &fakeTranslator{availability: models.Unavailable})
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, models.ErrUnsupportedLanguage)
	assert.False(t, described)
	assert.Equal(t, StatusUnavailable, p.Snapshot().Status)
}

func TestIngestClearsState(t *testing.T) {
	first := &fakeHandle{}
	second := &fakeHandle{}

	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())
	_, err := p.IngestImage(testImage, first)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, p.Snapshot().Questions)

	gen, err := p.IngestImage(&models.Image{Data: []byte{0xFF, 0xD8, 0xFF}, MIMEType: "image/jpeg", Source: "cat.jpg"}, second)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), gen)

	snap := p.Snapshot()
	assert.Empty(t, snap.Description)
	assert.Empty(t, snap.Questions)
	assert.Equal(t, "cat.jpg", snap.ImageSource)
	assert.Equal(t, 1, first.count())
	assert.Equal(t, 0, second.count())

	require.NoError(t, p.Close())
	assert.Equal(t, 1, second.count())
}

func TestIngestInvalidPayloadLeavesState(t *testing.T) {
	handle := &fakeHandle{}
	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())
	_, err := p.IngestImage(testImage, handle)
	require.NoError(t, err)
	before := p.Snapshot()

	tests := []*models.Image{
		nil,
		{MIMEType: "image/png"},
		{Data: []byte("%PDF-1.7"), MIMEType: "application/pdf"},
	}
	for _, img := range tests {
		_, err := p.IngestImage(img, &fakeHandle{})
		assert.ErrorIs(t, err, models.ErrInvalidPayload)
	}
	assert.Equal(t, before, p.Snapshot())
	assert.Equal(t, 0, handle.count())
}

func TestIngestCopiesImage(t *testing.T) {
	var seen []byte
	lang := bicycleLanguage()
	lang.describe = func(_ context.Context, img *models.Image) (*capability.DescribeResponse, error) {
		seen = img.Data
		return &capability.DescribeResponse{Text: "x"}, nil
	}
	p := newPipeline(t, lang, bicycleTranslator())

	img := &models.Image{Data: []byte{1, 2, 3}, MIMEType: "image/png"}
	_, err := p.IngestImage(img, nil)
	require.NoError(t, err)
	img.Data[0] = 9

	_, err = p.GenerateDescription(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, seen)
}

func TestStaleDescriptionRejected(t *testing.T) {
	lang := bicycleLanguage()
	release := make(chan struct{})
	started := make(chan struct{})
	lang.describe = func(context.Context, *models.Image) (*capability.DescribeResponse, error) {
		close(started)
		<-release
		return &capability.DescribeResponse{Text: "old image"}, nil
	}
	p := newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	done := make(chan error)
	go func() {
		_, err := p.GenerateDescription(context.Background())
		done <- err
	}()
	<-started
	_, err = p.IngestImage(testImage, nil)
	require.NoError(t, err)
	close(release)

	assert.ErrorIs(t, <-done, ErrStale)
	assert.Empty(t, p.Snapshot().Description)
}

func TestStaleQuestionsRejected(t *testing.T) {
	lang := bicycleLanguage()
	var p *Pipeline
	lang.questions = func(context.Context, *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		_, err := p.IngestImage(testImage, nil)
		require.NoError(t, err)
		return &capability.QuestionsResponse{Questions: []string{"late?"}}, nil
	}
	p = newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.GenerateDescription(context.Background())
	require.NoError(t, err)

	_, err = p.GenerateQuestions(context.Background())
	assert.ErrorIs(t, err, ErrStale)
	assert.Empty(t, p.Snapshot().Questions)
}

func TestFailedDescribeOfReplacedImageIsStale(t *testing.T) {
	lang := bicycleLanguage()
	var p *Pipeline
	lang.describe = func(context.Context, *models.Image) (*capability.DescribeResponse, error) {
		_, err := p.IngestImage(testImage, nil)
		require.NoError(t, err)
		return nil, fmt.Errorf("%w: timeout", models.ErrCapabilityError)
	}
	p = newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	_, err = p.GenerateDescription(context.Background())
	assert.ErrorIs(t, err, ErrStale)
}

func TestRunGenerationOfReplacedImage(t *testing.T) {
	lang := bicycleLanguage()
	described := 0
	inner := lang.describe
	lang.describe = func(ctx context.Context, img *models.Image) (*capability.DescribeResponse, error) {
		described++
		return inner(ctx, img)
	}
	p := newPipeline(t, lang, bicycleTranslator())
	first, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	second, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	_, err = p.RunGeneration(context.Background(), first)
	assert.ErrorIs(t, err, ErrStale)
	assert.Zero(t, described)
	assert.Empty(t, p.Snapshot().Questions)

	snap, err := p.RunGeneration(context.Background(), second)
	require.NoError(t, err)
	assert.Equal(t, second, snap.Generation)
	assert.Len(t, snap.Questions, 2)
}

func TestRunStopsWhenImageReplacedMidway(t *testing.T) {
	lang := bicycleLanguage()
	var p *Pipeline
	asked := 0
	inner := lang.describe
	lang.describe = func(ctx context.Context, img *models.Image) (*capability.DescribeResponse, error) {
		resp, err := inner(ctx, img)
		_, ingestErr := p.IngestImage(testImage, nil)
		require.NoError(t, ingestErr)
		return resp, err
	}
	lang.questions = func(context.Context, *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		asked++
		return &capability.QuestionsResponse{Questions: []string{"late?"}}, nil
	}
	p = newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	snap, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrStale)
	assert.Nil(t, snap)
	assert.Zero(t, asked, "questions must not be generated for the newer image")
}

func TestRunWithoutImage(t *testing.T) {
	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())
	_, err := p.Run(context.Background())
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestQuestionNormalization(t *testing.T) {
	lang := bicycleLanguage()
	lang.questions = func(context.Context, *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		return &capability.QuestionsResponse{Questions: []string{"  Qu'est-ce que c'est ?  ", "", "   ", "Un café ?"}}, nil
	}
	p := newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.GenerateDescription(context.Background())
	require.NoError(t, err)

	qs, err := p.GenerateQuestions(context.Background())
	require.NoError(t, err)
	require.Len(t, qs, 2)
	assert.Equal(t, "Qu'est-ce que c'est ?", qs[0].SourceText)
	assert.Equal(t, "Un café ?", qs[1].SourceText)
}

func TestEmptyQuestionList(t *testing.T) {
	lang := bicycleLanguage()
	lang.questions = func(context.Context, *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		return &capability.QuestionsResponse{Questions: []string{" "}}, nil
	}
	p := newPipeline(t, lang, bicycleTranslator())
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.ErrorIs(t, err, models.ErrEmptyResult)
}

func TestQuestionsRequestCarriesSettings(t *testing.T) {
	lang := bicycleLanguage()
	var got *capability.QuestionsRequest
	inner := lang.questions
	lang.questions = func(ctx context.Context, req *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
		got = req
		return inner(ctx, req)
	}
	r := models.QuestionRange{Min: 3, Max: 5}
	p := newPipeline(t, lang, bicycleTranslator(), WithConfig(Config{QuestionRange: r, TranslateOnGenerate: true}))
	require.NoError(t, p.SetLanguages("es", "de"))
	require.NoError(t, p.SetProficiency("advanced"))
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, models.LangSpanish, got.Language)
	assert.Equal(t, models.ProficiencyAdvanced, got.Proficiency)
	assert.Equal(t, r, got.Range)
	assert.Equal(t, bicycleDescription, got.Description)
}

func TestSetLanguages(t *testing.T) {
	p := readyPipeline(t, bicycleLanguage(), bicycleTranslator())

	err := p.SetLanguages("en", "zh")
	assert.ErrorIs(t, err, models.ErrUnsupportedLanguage)
	snap := p.Snapshot()
	assert.Equal(t, models.LangFrench, snap.Target)
	assert.True(t, snap.Questions[0].IsTranslated())

	err = p.SetProficiency("expert")
	assert.ErrorIs(t, err, models.ErrInvalidProficiency)
	assert.Equal(t, models.ProficiencyBeginner, p.Snapshot().Proficiency)

	require.NoError(t, p.SetLanguages("en", "it"))
	snap = p.Snapshot()
	assert.Equal(t, models.LangItalian, snap.Target)
	assert.False(t, snap.Questions[0].IsTranslated())

	require.NoError(t, p.SetLanguages("de", "de"))
	assert.Equal(t, models.LangGerman, p.Snapshot().Source)
}

func TestRecorderReceivesUsage(t *testing.T) {
	rec := &usageRecorder{}
	lang := bicycleLanguage()
	p := newPipeline(t, lang, bicycleTranslator(), WithRecorder(rec))
	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{string(OpDescribe)}, rec.ops)
}

func TestObserversAndCancel(t *testing.T) {
	p := newPipeline(t, bicycleLanguage(), bicycleTranslator())

	var mu sync.Mutex
	var kinds []EventKind
	cancel := p.Subscribe(func(ev Event) {
		mu.Lock()
		kinds = append(kinds, ev.Kind)
		mu.Unlock()
	})

	_, err := p.IngestImage(testImage, nil)
	require.NoError(t, err)
	_, err = p.Run(context.Background())
	require.NoError(t, err)
	cancel()
	cancel()
	p.DeleteQuestion(0)

	assert.Equal(t, []EventKind{
		EventImage,
		EventStatus, EventStatus,
		EventDescription,
		EventQuestions,
		EventTranslation, EventTranslation,
	}, kinds)
}

func TestFailureError(t *testing.T) {
	f := &Failure{Op: OpEvaluate, Kind: ErrQuestionIndex, Reason: "index 5"}
	assert.Equal(t, "evaluate: question index out of range: index 5", f.Error())
	assert.True(t, errors.Is(f, ErrQuestionIndex))

	cause := fmt.Errorf("%w: status 500", models.ErrCapabilityError)
	f = wrap(OpDescribe, cause)
	assert.Equal(t, "describe: capability error: status 500", f.Error())
	assert.ErrorIs(t, f, models.ErrCapabilityError)
	assert.Same(t, f, wrap(OpQuestions, f))

	f = wrap(OpTranslate, errors.New("plain"))
	assert.Equal(t, models.ErrCapabilityError, f.Kind)

	assert.Equal(t, "translation", EventTranslation.String())
}
