package telegram

import (
	"bytes"
	"context"
	"errors"
	stdimage "image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/manash/lingolens/internal/capability"
	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/internal/logging"
	"github.com/manash/lingolens/internal/pipeline"
	"github.com/manash/lingolens/internal/security"
	"github.com/manash/lingolens/pkg/models"
)

func TestMain(m *testing.M) {
	security.SetSkipValidation(true)
	code := m.Run()
	security.SetSkipValidation(false)
	os.Exit(code)
}

type fakeBot struct {
	mu      sync.Mutex
	sent    map[int64][]string
	fileURL string
	sendErr error
	// beforeSend runs outside the lock and may block.
	beforeSend func(text string)
}

func (b *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if b.sendErr != nil {
		return tgbotapi.Message{}, b.sendErr
	}
	msg := c.(tgbotapi.MessageConfig)
	if b.beforeSend != nil {
		b.beforeSend(msg.Text)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.sent == nil {
		b.sent = make(map[int64][]string)
	}
	b.sent[msg.ChatID] = append(b.sent[msg.ChatID], msg.Text)
	return tgbotapi.Message{}, nil
}

func (b *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	if fileID == "missing" {
		return "", errors.New("file not found")
	}
	return b.fileURL + "/file/" + fileID, nil
}

func (b *fakeBot) last(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	msgs := b.sent[chatID]
	if len(msgs) == 0 {
		return ""
	}
	return msgs[len(msgs)-1]
}

func (b *fakeBot) all(chatID int64) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.sent[chatID], "\n---\n")
}

type fakeModel struct{}

func (fakeModel) Describe(_ context.Context, _ *models.Image) (*capability.DescribeResponse, error) {
	return &capability.DescribeResponse{Text: "A red bicycle."}, nil
}

func (fakeModel) GenerateQuestions(_ context.Context, _ *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
	return &capability.QuestionsResponse{Questions: []string{"What color is the bicycle?", "How many wheels?"}}, nil
}

func (fakeModel) EvaluateAnswer(_ context.Context, req *capability.EvaluateRequest) (*capability.EvaluateResponse, error) {
	correct := strings.Contains(strings.ToLower(req.Answer), "rouge")
	return &capability.EvaluateResponse{Evaluation: models.Evaluation{Correct: correct, Reason: "It is red."}}, nil
}

// sourceModel asks one question naming the image it was generated for.
type sourceModel struct {
	fakeModel
	mu        sync.Mutex
	generated int
}

func (m *sourceModel) GenerateQuestions(_ context.Context, req *capability.QuestionsRequest) (*capability.QuestionsResponse, error) {
	m.mu.Lock()
	m.generated++
	m.mu.Unlock()
	return &capability.QuestionsResponse{Questions: []string{"What is in " + req.Image.Source + "?"}}, nil
}

type fakeTranslator struct{}

func (fakeTranslator) Supports(_ context.Context, _, tgt models.LanguageCode) (models.Availability, error) {
	if tgt == models.LangJapanese {
		return models.Unavailable, nil
	}
	return models.Available, nil
}

func (fakeTranslator) Translate(_ context.Context, req *capability.TranslateRequest) (*capability.TranslateResponse, error) {
	return &capability.TranslateResponse{Text: "(" + string(req.Target) + ") " + req.Text}, nil
}

func pngServer(t *testing.T) *httptest.Server {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, stdimage.NewRGBA(stdimage.Rect(0, 0, 2, 2))))
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/text") {
			w.Write([]byte("not an image"))
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.Write(buf.Bytes())
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestRouter(t *testing.T) (*Router, *fakeBot) {
	t.Helper()
	srv := pngServer(t)
	bot := &fakeBot{fileURL: srv.URL}
	factory := func(opts ...pipeline.Option) (*pipeline.Pipeline, error) {
		return pipeline.New(fakeModel{}, fakeTranslator{}, opts...)
	}
	loader := image.NewLoader(image.LoaderOptions{Logger: logging.Discard()})
	r := NewRouter(bot, factory, loader, Options{Source: "en", Target: "fr", Logger: logging.Discard()})
	t.Cleanup(func() { r.Close() })
	return r, bot
}

func command(chatID int64, text string) tgbotapi.Update {
	name := strings.Fields(text)[0]
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:     &tgbotapi.Chat{ID: chatID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(name)}},
	}}
}

func text(chatID int64, body string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: chatID}, Text: body}}
}

func photo(chatID int64, fileID string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		Chat:  &tgbotapi.Chat{ID: chatID},
		Photo: []tgbotapi.PhotoSize{{FileID: "thumb"}, {FileID: fileID}},
	}}
}

func TestRouter_PhotoThenAnswer(t *testing.T) {
	r, bot := newTestRouter(t)
	ctx := context.Background()

	r.HandleUpdate(ctx, photo(1, "big"))
	out := bot.last(1)
	assert.Contains(t, out, "A red bicycle.")
	assert.Contains(t, out, "1. (fr) What color is the bicycle?")
	assert.Contains(t, out, "2. (fr) How many wheels?")

	r.HandleUpdate(ctx, text(1, "1. C'est rouge"))
	assert.Equal(t, "✅ Correct! It is red.", bot.last(1))

	r.HandleUpdate(ctx, text(1, "1 bleu"))
	assert.Equal(t, "You already answered that question.", bot.last(1))

	r.HandleUpdate(ctx, text(1, "2) deux"))
	assert.Equal(t, "❌ Not quite. It is red.", bot.last(1))

	r.HandleUpdate(ctx, command(1, "/score"))
	assert.Equal(t, "Score: 1/2 correct, 0 question(s) left.", bot.last(1))

	r.HandleUpdate(ctx, command(1, "/questions"))
	assert.Contains(t, bot.last(1), "What color is the bicycle? ✅")
}

func TestRouter_ChatsAreIndependent(t *testing.T) {
	r, bot := newTestRouter(t)
	ctx := context.Background()

	r.HandleUpdate(ctx, photo(1, "big"))
	r.HandleUpdate(ctx, text(2, "1 rouge"))
	assert.Equal(t, "Send a photo first.", bot.last(2))

	r.HandleUpdate(ctx, text(1, "9 rouge"))
	assert.Equal(t, "There is no question with that number.", bot.last(1))

	r.HandleUpdate(ctx, command(2, "/lang en es"))
	r.HandleUpdate(ctx, command(1, "/questions"))
	assert.Contains(t, bot.last(1), "(fr)")
}

func TestRouter_Lang(t *testing.T) {
	r, bot := newTestRouter(t)
	ctx := context.Background()

	r.HandleUpdate(ctx, command(1, "/lang en de"))
	assert.Equal(t, "Now learning German from English.", bot.last(1))

	r.HandleUpdate(ctx, command(1, "/lang en jp"))
	assert.Contains(t, bot.last(1), "is not available right now")

	r.HandleUpdate(ctx, command(1, "/lang en xx"))
	assert.Contains(t, bot.last(1), "isn't supported")

	r.HandleUpdate(ctx, command(1, "/lang"))
	assert.Contains(t, bot.last(1), "Learning Japanese from English.")
}

func TestRouter_LevelAndDelete(t *testing.T) {
	r, bot := newTestRouter(t)
	ctx := context.Background()

	r.HandleUpdate(ctx, command(1, "/level advanced"))
	assert.Contains(t, bot.last(1), "Level set to advanced")
	r.HandleUpdate(ctx, command(1, "/level wizard"))
	assert.Equal(t, "Unknown level. Use beginner, intermediate or advanced.", bot.last(1))

	r.HandleUpdate(ctx, photo(1, "big"))
	r.HandleUpdate(ctx, command(1, "/delete 1"))
	assert.Equal(t, "Deleted question 1.", bot.last(1))
	r.HandleUpdate(ctx, command(1, "/delete 5"))
	assert.Equal(t, "There is no question 5.", bot.last(1))
	r.HandleUpdate(ctx, command(1, "/delete x"))
	assert.Equal(t, "Usage: /delete <number>", bot.last(1))

	r.HandleUpdate(ctx, command(1, "/questions"))
	assert.Equal(t, "1. (fr) How many wheels?", bot.last(1))
}

func TestRouter_BadPhotos(t *testing.T) {
	r, bot := newTestRouter(t)
	ctx := context.Background()

	r.HandleUpdate(ctx, photo(1, "missing"))
	assert.Equal(t, "Something went wrong, please try again.", bot.last(1))

	r.HandleUpdate(ctx, photo(1, "text"))
	assert.Equal(t, "I couldn't read that image. Please send another photo.", bot.last(1))
}

func TestRouter_MiscMessages(t *testing.T) {
	r, bot := newTestRouter(t)
	ctx := context.Background()

	r.HandleUpdate(ctx, command(1, "/start"))
	assert.Contains(t, bot.last(1), "Send me a photo")
	assert.Contains(t, bot.last(1), "en -> fr")

	r.HandleUpdate(ctx, command(1, "/bogus"))
	assert.Equal(t, "Unknown command. Try /help.", bot.last(1))

	r.HandleUpdate(ctx, text(1, "hello"))
	assert.Contains(t, bot.last(1), "Send a photo to start")

	r.HandleUpdate(ctx, command(1, "/questions"))
	assert.Equal(t, "No questions yet. Send a photo first.", bot.last(1))

	before := bot.all(1)
	r.HandleUpdate(ctx, tgbotapi.Update{})
	assert.Equal(t, before, bot.all(1))
}

func TestRouter_SendFailureIsLogged(t *testing.T) {
	r, bot := newTestRouter(t)
	bot.sendErr = errors.New("network down")
	r.HandleUpdate(context.Background(), command(1, "/start"))
	assert.Empty(t, bot.all(1))
}

func TestSplitAnswer(t *testing.T) {
	tests := []struct {
		in     string
		n      int
		answer string
		ok     bool
	}{
		{"1 red", 1, "red", true},
		{"12. a big dog", 12, "a big dog", true},
		{"3) yes", 3, "yes", true},
		{"4:no", 4, "no", true},
		{"0 zero", 0, "", false},
		{"5", 0, "", false},
		{"red", 0, "", false},
		{"", 0, "", false},
	}

	for _, tt := range tests {
		n, answer, ok := splitAnswer(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		if tt.ok {
			assert.Equal(t, tt.n, n, tt.in)
			assert.Equal(t, tt.answer, answer, tt.in)
		}
	}
}

func TestSplitMessage(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitMessage("short", 10))
	assert.Equal(t, []string{""}, splitMessage("", 10))

	parts := splitMessage("line one\nline two\nline three", 12)
	assert.Equal(t, []string{"line one", "line two", "line three"}, parts)

	parts = splitMessage(strings.Repeat("é", 10), 5)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 5)
		assert.True(t, strings.ToValidUTF8(p, "?") == p, "part %q is not valid UTF-8", p)
	}
	assert.Equal(t, strings.Repeat("é", 10), strings.Join(parts, ""))
}

func TestUserMessage(t *testing.T) {
	f := &pipeline.Failure{Op: pipeline.OpEvaluate, Kind: pipeline.ErrEvaluationInFlight}
	assert.Equal(t, "Still checking your previous answer to that question.", userMessage(f))
	assert.Equal(t, "The language model is not available right now.", userMessage(models.ErrCapabilityUnavailable))
	assert.Equal(t, "Something went wrong, please try again.", userMessage(errors.New("x")))
}

func TestRouter_SupersededPhotoSendsNoQuestions(t *testing.T) {
	srv := pngServer(t)
	reached := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	bot := &fakeBot{fileURL: srv.URL}
	bot.beforeSend = func(text string) {
		if !strings.HasPrefix(text, "Got it") {
			return
		}
		first := false
		once.Do(func() { first = true })
		if first {
			close(reached)
			<-gate
		}
	}
	model := &sourceModel{}
	factory := func(opts ...pipeline.Option) (*pipeline.Pipeline, error) {
		return pipeline.New(model, fakeTranslator{}, opts...)
	}
	loader := image.NewLoader(image.LoaderOptions{Logger: logging.Discard()})
	r := NewRouter(bot, factory, loader, Options{Source: "en", Target: "fr", Logger: logging.Discard()})
	t.Cleanup(func() { r.Close() })
	ctx := context.Background()

	doneA := make(chan struct{})
	go func() {
		defer close(doneA)
		r.HandleUpdate(ctx, photo(1, "photoA"))
	}()
	<-reached
	r.HandleUpdate(ctx, photo(1, "photoB"))
	close(gate)
	<-doneA

	out := bot.all(1)
	assert.Equal(t, 1, strings.Count(out, "Reply with"), out)
	assert.Contains(t, out, "1. (fr) What is in telegram:photoB?")
	assert.NotContains(t, out, "photoA")
	assert.Equal(t, 1, model.generated)

	r.HandleUpdate(ctx, command(1, "/questions"))
	assert.Equal(t, "1. (fr) What is in telegram:photoB?", bot.last(1))
}

func TestRouter_EvictIdle(t *testing.T) {
	r, bot := newTestRouter(t)
	r.opts.IdleTimeout = time.Hour
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start
	r.now = func() time.Time { return now }
	ctx := context.Background()

	r.HandleUpdate(ctx, photo(1, "big"))
	now = start.Add(50 * time.Minute)
	r.HandleUpdate(ctx, command(2, "/score"))

	now = start.Add(70 * time.Minute)
	assert.Equal(t, 1, r.EvictIdle())
	assert.Len(t, r.chats, 1)
	assert.Contains(t, r.chats, int64(2))

	r.HandleUpdate(ctx, text(1, "1 rouge"))
	assert.Equal(t, "Send a photo first.", bot.last(1))
}

func TestRouter_EvictIdleDisabled(t *testing.T) {
	r, _ := newTestRouter(t)
	r.now = func() time.Time { return time.Now().Add(1000 * time.Hour) }
	r.HandleUpdate(context.Background(), command(1, "/score"))
	r.now = func() time.Time { return time.Now().Add(2000 * time.Hour) }

	assert.Zero(t, r.EvictIdle())
	assert.Len(t, r.chats, 1)
}

func TestSweepInterval(t *testing.T) {
	assert.Equal(t, time.Second, sweepInterval(time.Second))
	assert.Equal(t, 225*time.Second, sweepInterval(15*time.Minute))
	assert.Equal(t, 10*time.Minute, sweepInterval(24*time.Hour))
}
