// Package pipeline owns a learning session and runs it through
// image -> description -> questions -> translation -> evaluation.
//
// A Pipeline serialises access to its session with a mutex and never holds
// the lock across a capability call. Every call captures the image
// generation it started under; a result that arrives after the image was
// replaced is discarded with ErrStale.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"golang.org/x/text/unicode/norm"

	"github.com/manash/lingolens/internal/capability"
	"github.com/manash/lingolens/pkg/models"
)

type Config struct {
	QuestionRange models.QuestionRange `mapstructure:"questions"`
	// TranslateOnGenerate makes Run translate right after question generation.
	TranslateOnGenerate bool `mapstructure:"translate_on_generate"`
	// CheckPairBeforeRun makes Run refuse to start on an unavailable pair.
	CheckPairBeforeRun bool `mapstructure:"check_pair_before_run"`
}

func DefaultConfig() Config {
	return Config{
		QuestionRange:       models.DefaultQuestionRange(),
		TranslateOnGenerate: true,
		CheckPairBeforeRun:  true,
	}
}

// Recorder receives the usage of every successful capability call.
type Recorder interface {
	Record(ctx context.Context, sessionID, operation string, usage *models.Usage) error
}

type Option func(*Pipeline)

func WithConfig(cfg Config) Option {
	return func(p *Pipeline) { p.cfg = cfg }
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithRecorder(r Recorder) Option {
	return func(p *Pipeline) { p.recorder = r }
}

type Pipeline struct {
	lang     capability.LanguageCapability
	tr       capability.TranslationCapability
	cfg      Config
	logger   logrus.FieldLogger
	recorder Recorder

	mu         sync.Mutex
	s          session
	evaluating map[string]struct{}

	obs observers
}

// TranslateReport summarises one TranslateQuestions pass.
type TranslateReport struct {
	Translated int
	Failed     int
	// Skipped counts questions deleted while their translation was in flight.
	Skipped int
}

func New(lang capability.LanguageCapability, tr capability.TranslationCapability, opts ...Option) (*Pipeline, error) {
	if lang == nil || tr == nil {
		return nil, fmt.Errorf("%w: both capabilities are required", ErrNotReady)
	}

	p := &Pipeline{
		lang:       lang,
		tr:         tr,
		cfg:        DefaultConfig(),
		logger:     logrus.StandardLogger(),
		s:          newSession(),
		evaluating: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	if err := p.cfg.QuestionRange.Validate(); err != nil {
		return nil, err
	}
	p.logger = p.logger.WithField("session", p.s.id)
	return p, nil
}

func (p *Pipeline) Config() Config {
	return p.cfg
}

// Subscribe registers an observer; the returned func unregisters it.
func (p *Pipeline) Subscribe(fn Observer) (cancel func()) {
	return p.obs.add(fn)
}

func (p *Pipeline) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s.snapshot()
}

// CheckLanguagePairSupported asks the translator whether the session's pair
// can be served. A probe error reports Unavailable together with the error.
func (p *Pipeline) CheckLanguagePairSupported(ctx context.Context) (models.Availability, error) {
	p.mu.Lock()
	src, tgt := p.s.source, p.s.target
	p.mu.Unlock()

	p.setStatus(StatusChecking)

	a, err := p.tr.Supports(ctx, src, tgt)
	if err != nil {
		p.setStatus(StatusError)
		f := wrap(OpCheck, err)
		p.logger.WithError(err).WithFields(logrus.Fields{"source": src, "target": tgt}).Warn("language pair check failed")
		p.obs.publish(Event{Kind: EventFailure, Err: f})
		return models.Unavailable, f
	}

	if a.Usable() {
		p.setStatus(StatusAvailable)
	} else {
		p.setStatus(StatusUnavailable)
	}
	p.logger.WithFields(logrus.Fields{"source": src, "target": tgt, "availability": a}).Debug("language pair checked")
	return a, nil
}

func (p *Pipeline) setStatus(st Status) {
	p.mu.Lock()
	p.s.status = st
	gen := p.s.generation
	p.mu.Unlock()
	p.obs.publish(Event{Kind: EventStatus, Status: st, Generation: gen})
}

// SetLanguages changes the pair. Existing translations are dropped because
// they no longer match the pair.
func (p *Pipeline) SetLanguages(source, target string) error {
	src, err := models.ParseLanguage(source)
	if err != nil {
		return wrap(OpConfigure, err)
	}
	tgt, err := models.ParseLanguage(target)
	if err != nil {
		return wrap(OpConfigure, err)
	}

	p.mu.Lock()
	changed := src != p.s.source || tgt != p.s.target
	if changed {
		p.s.source, p.s.target = src, tgt
		p.s.resetTranslations()
	}
	gen := p.s.generation
	p.mu.Unlock()

	if changed {
		p.logger.WithFields(logrus.Fields{"source": src, "target": tgt}).Info("languages changed")
		p.obs.publish(Event{Kind: EventConfig, Generation: gen})
	}
	return nil
}

func (p *Pipeline) SetProficiency(level string) error {
	prof, err := models.ParseProficiency(level)
	if err != nil {
		return wrap(OpConfigure, err)
	}

	p.mu.Lock()
	changed := prof != p.s.proficiency
	p.s.proficiency = prof
	gen := p.s.generation
	p.mu.Unlock()

	if changed {
		p.obs.publish(Event{Kind: EventConfig, Generation: gen})
	}
	return nil
}

// IngestImage replaces the session image, bumps the generation and clears
// derived state. The previous handle is released before returning; handle
// may be nil.
func (p *Pipeline) IngestImage(img *models.Image, handle Handle) (uint64, error) {
	if err := img.Validate(); err != nil {
		return 0, wrap(OpIngest, err)
	}
	owned := img.Clone()

	p.mu.Lock()
	old := p.s.handle
	p.s.image = owned
	p.s.handle = handle
	p.s.generation++
	p.s.description = ""
	p.s.questions = nil
	p.s.questionsGen = 0
	p.evaluating = make(map[string]struct{})
	gen := p.s.generation
	p.mu.Unlock()

	if old != nil && old != handle {
		if err := old.Release(); err != nil {
			p.logger.WithError(err).Warn("failed to release previous image handle")
		}
	}

	p.logger.WithFields(logrus.Fields{
		"generation": gen,
		"mime":       owned.MIMEType,
		"bytes":      len(owned.Data),
	}).Info("image ingested")
	p.obs.publish(Event{Kind: EventImage, Generation: gen})
	return gen, nil
}

// Close releases the current image handle.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	h := p.s.handle
	p.s.handle = nil
	p.mu.Unlock()
	if h == nil {
		return nil
	}
	return h.Release()
}

// anyGeneration lets a step run against whatever image is current.
const anyGeneration = 0

// staleLocked reports whether the session moved past want. p.mu must be held.
func (p *Pipeline) staleLocked(want uint64) bool {
	return want != anyGeneration && p.s.generation != want
}

func (p *Pipeline) GenerateDescription(ctx context.Context) (string, error) {
	return p.describe(ctx, anyGeneration)
}

func (p *Pipeline) describe(ctx context.Context, want uint64) (string, error) {
	p.mu.Lock()
	if p.s.image == nil {
		p.mu.Unlock()
		return "", p.failed(fail(OpDescribe, ErrNotReady, "no image"))
	}
	if p.staleLocked(want) {
		p.mu.Unlock()
		return "", p.failed(fail(OpDescribe, ErrStale, "image replaced before describe"))
	}
	gen, img := p.s.generation, p.s.image
	p.mu.Unlock()

	resp, err := p.lang.Describe(ctx, img)
	if err == nil && strings.TrimSpace(resp.Text) == "" {
		err = fmt.Errorf("%w: empty description", models.ErrEmptyResult)
	}
	if err != nil {
		p.mu.Lock()
		stale := p.s.generation != gen
		if !stale {
			p.s.description = ""
		}
		p.mu.Unlock()
		if stale {
			return "", p.failed(&Failure{Op: OpDescribe, Kind: ErrStale, Reason: "image replaced during describe", Err: err})
		}
		return "", p.failed(wrap(OpDescribe, err))
	}
	p.record(ctx, OpDescribe, resp.Usage)

	text := norm.NFC.String(strings.TrimSpace(resp.Text))

	p.mu.Lock()
	if p.s.generation != gen {
		p.mu.Unlock()
		return "", p.failed(fail(OpDescribe, ErrStale, "image replaced during describe"))
	}
	p.s.description = text
	p.mu.Unlock()

	p.logger.WithField("generation", gen).Debug("description generated")
	p.obs.publish(Event{Kind: EventDescription, Generation: gen})
	return text, nil
}

func (p *Pipeline) GenerateQuestions(ctx context.Context) ([]models.Question, error) {
	return p.generateQuestions(ctx, anyGeneration)
}

func (p *Pipeline) generateQuestions(ctx context.Context, want uint64) ([]models.Question, error) {
	p.mu.Lock()
	if p.staleLocked(want) {
		p.mu.Unlock()
		return nil, p.failed(fail(OpQuestions, ErrStale, "image replaced before question generation"))
	}
	if p.s.image == nil || p.s.description == "" {
		p.mu.Unlock()
		return nil, p.failed(fail(OpQuestions, ErrNotReady, "no description"))
	}
	gen := p.s.generation
	req := &capability.QuestionsRequest{
		Description: p.s.description,
		Image:       p.s.image,
		Proficiency: p.s.proficiency,
		Language:    p.s.source,
		Range:       p.cfg.QuestionRange,
	}
	p.mu.Unlock()

	resp, err := p.lang.GenerateQuestions(ctx, req)
	if err != nil {
		if p.generationIs(gen) {
			return nil, p.failed(wrap(OpQuestions, err))
		}
		return nil, p.failed(&Failure{Op: OpQuestions, Kind: ErrStale, Reason: "image replaced during question generation", Err: err})
	}
	p.record(ctx, OpQuestions, resp.Usage)

	texts := normalizeQuestions(resp.Questions)
	if len(texts) == 0 {
		return nil, p.failed(fail(OpQuestions, models.ErrEmptyResult, "model returned no questions"))
	}

	questions := lo.Map(texts, func(text string, _ int) models.Question {
		return models.Question{ID: uuid.NewString(), SourceText: text}
	})

	p.mu.Lock()
	if p.s.generation != gen {
		p.mu.Unlock()
		return nil, p.failed(fail(OpQuestions, ErrStale, "image replaced during question generation"))
	}
	p.s.questions = questions
	p.s.questionsGen = gen
	p.evaluating = make(map[string]struct{})
	out := copyQuestions(p.s.questions)
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"generation": gen, "count": len(out)}).Info("questions generated")
	p.obs.publish(Event{Kind: EventQuestions, Generation: gen})
	return out, nil
}

// normalizeQuestions trims, NFC-normalises and drops empty entries.
func normalizeQuestions(raw []string) []string {
	trimmed := lo.Map(raw, func(s string, _ int) string {
		return norm.NFC.String(strings.TrimSpace(s))
	})
	return lo.Filter(trimmed, func(s string, _ int) bool { return s != "" })
}

type translation struct {
	id     string
	text   string
	failed bool
}

// TranslateQuestions translates every question into the target language. A
// question whose translation fails shows its source text and is flagged.
func (p *Pipeline) TranslateQuestions(ctx context.Context) (TranslateReport, error) {
	return p.translate(ctx, anyGeneration)
}

func (p *Pipeline) translate(ctx context.Context, want uint64) (TranslateReport, error) {
	p.mu.Lock()
	if p.staleLocked(want) {
		p.mu.Unlock()
		return TranslateReport{}, p.failed(fail(OpTranslate, ErrStale, "image replaced before translation"))
	}
	if len(p.s.questions) == 0 {
		p.mu.Unlock()
		return TranslateReport{}, p.failed(fail(OpTranslate, ErrNotReady, "no questions"))
	}
	if p.s.questionsGen != p.s.generation {
		p.mu.Unlock()
		return TranslateReport{}, p.failed(fail(OpTranslate, ErrStale, "questions belong to a replaced image"))
	}
	gen, src, tgt := p.s.generation, p.s.source, p.s.target
	pending := lo.Map(p.s.questions, func(q models.Question, _ int) translation {
		return translation{id: q.ID, text: q.SourceText}
	})
	p.mu.Unlock()

	a, err := p.tr.Supports(ctx, src, tgt)
	if err != nil {
		return TranslateReport{}, p.failed(wrap(OpTranslate, err))
	}
	if !a.Usable() {
		return TranslateReport{}, p.failed(fail(OpTranslate, models.ErrUnsupportedLanguage,
			fmt.Sprintf("%s -> %s is unavailable", src, tgt)))
	}

	for i := range pending {
		if err := ctx.Err(); err != nil {
			return TranslateReport{}, p.failed(&Failure{Op: OpTranslate, Kind: models.ErrCapabilityError, Err: err})
		}
		resp, err := p.tr.Translate(ctx, &capability.TranslateRequest{Text: pending[i].text, Source: src, Target: tgt})
		if err == nil && strings.TrimSpace(resp.Text) == "" {
			err = models.ErrEmptyResult
		}
		if err != nil {
			p.logger.WithError(err).WithField("index", i).Warn("translation failed, showing source text")
			pending[i].failed = true
			continue
		}
		p.record(ctx, OpTranslate, resp.Usage)
		pending[i].text = norm.NFC.String(strings.TrimSpace(resp.Text))
	}

	var report TranslateReport
	var events []Event

	p.mu.Lock()
	if p.s.generation != gen {
		p.mu.Unlock()
		return TranslateReport{}, p.failed(fail(OpTranslate, ErrStale, "image replaced during translation"))
	}
	for _, t := range pending {
		idx := p.s.indexOf(t.id)
		if idx < 0 {
			report.Skipped++
			continue
		}
		q := &p.s.questions[idx]
		q.TranslatedText = t.text
		q.TranslationFailed = t.failed
		if t.failed {
			report.Failed++
		} else {
			report.Translated++
		}
		events = append(events, Event{Kind: EventTranslation, Generation: gen, Index: idx, QuestionID: t.id})
	}
	p.mu.Unlock()

	for _, ev := range events {
		p.obs.publish(ev)
	}
	p.logger.WithFields(logrus.Fields{
		"translated": report.Translated,
		"failed":     report.Failed,
		"skipped":    report.Skipped,
	}).Info("questions translated")
	return report, nil
}

// EvaluateAnswer grades an answer to the question at index. Distinct
// questions can be evaluated concurrently.
func (p *Pipeline) EvaluateAnswer(ctx context.Context, index int, answer string) (models.Evaluation, error) {
	answer = strings.TrimSpace(answer)

	p.mu.Lock()
	if p.s.image == nil {
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, ErrNotReady, "no image"))
	}
	if index < 0 || index >= len(p.s.questions) {
		n := len(p.s.questions)
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, ErrQuestionIndex, fmt.Sprintf("index %d, have %d questions", index, n)))
	}
	q := p.s.questions[index]
	if q.IsAnswered() {
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, ErrAlreadyEvaluated, fmt.Sprintf("question %d", index)))
	}
	if _, busy := p.evaluating[q.ID]; busy {
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, ErrEvaluationInFlight, fmt.Sprintf("question %d", index)))
	}
	if answer == "" {
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, models.ErrInvalidPayload, "answer is empty"))
	}
	evaluating := p.evaluating
	evaluating[q.ID] = struct{}{}

	lang := p.s.source
	if q.IsTranslated() && !q.TranslationFailed {
		lang = p.s.target
	}
	gen := p.s.generation
	req := &capability.EvaluateRequest{
		Question:    q.DisplayText(),
		Answer:      answer,
		Description: p.s.description,
		Image:       p.s.image,
		Proficiency: p.s.proficiency,
		Language:    lang,
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		delete(evaluating, q.ID)
		p.mu.Unlock()
	}()

	resp, err := p.lang.EvaluateAnswer(ctx, req)
	if err != nil {
		return models.Evaluation{}, p.failed(wrap(OpEvaluate, err))
	}
	p.record(ctx, OpEvaluate, resp.Usage)

	ev := resp.Evaluation

	p.mu.Lock()
	if p.s.generation != gen {
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, ErrStale, "image replaced during evaluation"))
	}
	idx := p.s.indexOf(q.ID)
	if idx < 0 {
		p.mu.Unlock()
		return models.Evaluation{}, p.failed(fail(OpEvaluate, ErrQuestionIndex, "question deleted during evaluation"))
	}
	stored := ev
	p.s.questions[idx].Evaluation = &stored
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{"index": idx, "correct": ev.Correct}).Info("answer evaluated")
	p.obs.publish(Event{Kind: EventEvaluation, Generation: gen, Index: idx, QuestionID: q.ID})
	return ev, nil
}

// DeleteQuestion removes the question at index and shifts later ones down.
// It reports false, and changes nothing, when index is out of range.
func (p *Pipeline) DeleteQuestion(index int) bool {
	p.mu.Lock()
	if index < 0 || index >= len(p.s.questions) {
		p.mu.Unlock()
		return false
	}
	id := p.s.questions[index].ID
	p.s.questions = append(p.s.questions[:index:index], p.s.questions[index+1:]...)
	gen := p.s.generation
	p.mu.Unlock()

	p.obs.publish(Event{Kind: EventDeleted, Generation: gen, Index: index, QuestionID: id})
	return true
}

func (p *Pipeline) generationIs(gen uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.s.generation == gen
}

// Run processes the current image end to end: optional pair check,
// description, questions and, when configured, translation. The run is
// pinned to the image current at entry.
func (p *Pipeline) Run(ctx context.Context) (*Snapshot, error) {
	p.mu.Lock()
	gen := p.s.generation
	p.mu.Unlock()
	return p.RunGeneration(ctx, gen)
}

// RunGeneration is Run for the image ingested as generation gen. It fails
// with ErrStale as soon as a newer image replaces that one.
func (p *Pipeline) RunGeneration(ctx context.Context, gen uint64) (*Snapshot, error) {
	if gen == anyGeneration {
		return nil, p.failed(fail(OpDescribe, ErrNotReady, "no image"))
	}
	if !p.generationIs(gen) {
		return nil, p.failed(fail(OpDescribe, ErrStale, "image replaced before run"))
	}

	if p.cfg.CheckPairBeforeRun {
		a, err := p.CheckLanguagePairSupported(ctx)
		if err != nil {
			return nil, err
		}
		if !a.Usable() {
			snap := p.Snapshot()
			return nil, p.failed(fail(OpCheck, models.ErrUnsupportedLanguage,
				fmt.Sprintf("%s -> %s is unavailable", snap.Source, snap.Target)))
		}
	}

	if _, err := p.describe(ctx, gen); err != nil {
		return nil, err
	}
	if _, err := p.generateQuestions(ctx, gen); err != nil {
		return nil, err
	}
	var translateErr error
	if p.cfg.TranslateOnGenerate {
		if _, err := p.translate(ctx, gen); err != nil {
			if errors.Is(err, ErrStale) {
				return nil, err
			}
			translateErr = err
		}
	}

	snap := p.Snapshot()
	if snap.Generation != gen {
		return nil, p.failed(fail(OpTranslate, ErrStale, "image replaced after run"))
	}
	return &snap, translateErr
}

func (p *Pipeline) failed(f *Failure) *Failure {
	p.logger.WithFields(logrus.Fields{"op": f.Op, "kind": f.Kind}).WithError(f).Debug("operation failed")
	p.obs.publish(Event{Kind: EventFailure, Err: f})
	return f
}

func (p *Pipeline) record(ctx context.Context, op Op, usage *models.Usage) {
	if p.recorder == nil || usage == nil {
		return
	}
	if err := p.recorder.Record(ctx, p.s.id, string(op), usage); err != nil {
		p.logger.WithError(err).Warn("failed to record usage")
	}
}
