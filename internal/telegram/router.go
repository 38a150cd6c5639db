// Package telegram serves learning sessions over a Telegram bot, one
// pipeline per chat.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"

	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/internal/pipeline"
	"github.com/manash/lingolens/pkg/models"
)

// maxMessageLen stays under Telegram's 4096 character limit.
const maxMessageLen = 3900

// Bot is the part of *tgbotapi.BotAPI the router needs.
type Bot interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

type PipelineFactory func(opts ...pipeline.Option) (*pipeline.Pipeline, error)

type Options struct {
	Source      string
	Target      string
	Proficiency string
	// Recorder receives usage of every chat; may be nil.
	Recorder pipeline.Recorder
	Logger   logrus.FieldLogger
	// IdleTimeout evicts chats with no update for this long; zero keeps them.
	IdleTimeout time.Duration
}

type chat struct {
	pipeline *pipeline.Pipeline
	lastSeen time.Time
}

type Router struct {
	bot         Bot
	newPipeline PipelineFactory
	loader      *image.Loader
	opts        Options
	logger      logrus.FieldLogger

	mu    sync.Mutex
	chats map[int64]*chat
	now   func() time.Time
}

func NewRouter(bot Bot, factory PipelineFactory, loader *image.Loader, opts Options) *Router {
	logger := opts.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Router{
		bot:         bot,
		newPipeline: factory,
		loader:      loader,
		opts:        opts,
		logger:      logger.WithField("component", "telegram"),
		chats:       make(map[int64]*chat),
		now:         time.Now,
	}
}

// session returns the chat's pipeline, creating it with the defaults.
func (r *Router) session(chatID int64) (*pipeline.Pipeline, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if c, ok := r.chats[chatID]; ok {
		c.lastSeen = now
		return c.pipeline, nil
	}

	logger := r.logger.WithField("chat", chatID)
	opts := []pipeline.Option{pipeline.WithLogger(logger)}
	if r.opts.Recorder != nil {
		opts = append(opts, pipeline.WithRecorder(r.opts.Recorder))
	}
	p, err := r.newPipeline(opts...)
	if err != nil {
		return nil, err
	}
	if r.opts.Source != "" && r.opts.Target != "" {
		if err := p.SetLanguages(r.opts.Source, r.opts.Target); err != nil {
			return nil, err
		}
	}
	if r.opts.Proficiency != "" {
		if err := p.SetProficiency(r.opts.Proficiency); err != nil {
			return nil, err
		}
	}
	r.chats[chatID] = &chat{pipeline: p, lastSeen: now}
	return p, nil
}

// EvictIdle drops chats idle for longer than Options.IdleTimeout and releases
// their pipelines. It returns the number of evicted chats.
func (r *Router) EvictIdle() int {
	if r.opts.IdleTimeout <= 0 {
		return 0
	}

	r.mu.Lock()
	cutoff := r.now().Add(-r.opts.IdleTimeout)
	var idle []*pipeline.Pipeline
	for id, c := range r.chats {
		if c.lastSeen.Before(cutoff) {
			idle = append(idle, c.pipeline)
			delete(r.chats, id)
		}
	}
	r.mu.Unlock()

	for _, p := range idle {
		if err := p.Close(); err != nil {
			r.logger.WithError(err).Warn("failed to release idle chat")
		}
	}
	if len(idle) > 0 {
		r.logger.WithField("chats", len(idle)).Debug("evicted idle chats")
	}
	return len(idle)
}

// Close releases every chat's pipeline.
func (r *Router) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errs []error
	for id, c := range r.chats {
		errs = append(errs, c.pipeline.Close())
		delete(r.chats, id)
	}
	return errors.Join(errs...)
}

// Serve long-polls for updates until ctx is done. Each update is handled in
// its own goroutine; idle chats are swept while serving.
func Serve(ctx context.Context, api *tgbotapi.BotAPI, r *Router, timeout int) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = timeout
	updates := api.GetUpdatesChan(u)

	var wg sync.WaitGroup
	defer wg.Wait()

	var sweep <-chan time.Time
	if r.opts.IdleTimeout > 0 {
		ticker := time.NewTicker(sweepInterval(r.opts.IdleTimeout))
		defer ticker.Stop()
		sweep = ticker.C
	}

	for {
		select {
		case <-sweep:
			r.EvictIdle()
		case <-ctx.Done():
			api.StopReceivingUpdates()
			return ctx.Err()
		case upd, ok := <-updates:
			if !ok {
				return nil
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				r.HandleUpdate(ctx, upd)
			}()
		}
	}
}

func sweepInterval(idle time.Duration) time.Duration {
	return min(max(idle/4, time.Second), 10*time.Minute)
}

func (r *Router) HandleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg := upd.Message
	if msg == nil || msg.Chat == nil {
		return
	}
	cid := msg.Chat.ID

	p, err := r.session(cid)
	if err != nil {
		r.sendError(cid, err)
		return
	}

	switch {
	case msg.IsCommand():
		r.handleCommand(ctx, cid, p, msg.Command(), strings.Fields(msg.CommandArguments()))
	case len(msg.Photo) > 0:
		r.acceptPhoto(ctx, cid, p, msg.Photo)
	case strings.TrimSpace(msg.Text) != "":
		r.handleText(ctx, cid, p, msg.Text)
	}
}

func (r *Router) handleCommand(ctx context.Context, cid int64, p *pipeline.Pipeline, cmd string, args []string) {
	switch strings.ToLower(cmd) {
	case "start", "help":
		r.send(cid, helpText(p.Snapshot()))
	case "lang":
		r.handleLang(ctx, cid, p, args)
	case "level":
		if len(args) != 1 {
			r.send(cid, "Your level: "+p.Snapshot().Proficiency.String()+"\nUsage: /level beginner|intermediate|advanced")
			return
		}
		if err := p.SetProficiency(args[0]); err != nil {
			r.sendError(cid, err)
			return
		}
		r.send(cid, "Level set to "+strings.ToLower(args[0])+". It applies to the next photo.")
	case "questions", "list":
		snap := p.Snapshot()
		if len(snap.Questions) == 0 {
			r.send(cid, "No questions yet. Send a photo first.")
			return
		}
		r.send(cid, formatQuestions(snap))
	case "delete":
		n, err := parseNumber(args)
		if err != nil {
			r.send(cid, "Usage: /delete <number>")
			return
		}
		if !p.DeleteQuestion(n - 1) {
			r.send(cid, fmt.Sprintf("There is no question %d.", n))
			return
		}
		r.send(cid, fmt.Sprintf("Deleted question %d.", n))
	case "score":
		snap := p.Snapshot()
		answered, correct := snap.Answered()
		r.send(cid, fmt.Sprintf("Score: %d/%d correct, %d question(s) left.", correct, answered, len(snap.Questions)-answered))
	default:
		r.send(cid, "Unknown command. Try /help.")
	}
}

func (r *Router) handleLang(ctx context.Context, cid int64, p *pipeline.Pipeline, args []string) {
	if len(args) != 2 {
		snap := p.Snapshot()
		codes := make([]string, 0, len(models.SupportedLanguages()))
		for _, c := range models.SupportedLanguages() {
			codes = append(codes, fmt.Sprintf("%s (%s)", c, c.DisplayName()))
		}
		r.send(cid, fmt.Sprintf("Learning %s from %s.\nUsage: /lang <source> <target>\nLanguages: %s",
			snap.Target.DisplayName(), snap.Source.DisplayName(), strings.Join(codes, ", ")))
		return
	}

	if err := p.SetLanguages(args[0], args[1]); err != nil {
		r.sendError(cid, err)
		return
	}
	a, err := p.CheckLanguagePairSupported(ctx)
	if err != nil {
		r.sendError(cid, err)
		return
	}
	snap := p.Snapshot()
	if !a.Usable() {
		r.send(cid, fmt.Sprintf("%s -> %s is not available right now. Questions will stay in %s.",
			snap.Source.DisplayName(), snap.Target.DisplayName(), snap.Source.DisplayName()))
		return
	}
	r.send(cid, fmt.Sprintf("Now learning %s from %s.", snap.Target.DisplayName(), snap.Source.DisplayName()))
}

func (r *Router) acceptPhoto(ctx context.Context, cid int64, p *pipeline.Pipeline, photos []tgbotapi.PhotoSize) {
	largest := photos[len(photos)-1]
	url, err := r.bot.GetFileDirectURL(largest.FileID)
	if err != nil {
		r.sendError(cid, err)
		return
	}

	img, err := r.loader.Load(ctx, url)
	if err != nil {
		r.sendError(cid, err)
		return
	}
	img.Source = "telegram:" + largest.FileID

	gen, err := p.IngestImage(img, nil)
	if err != nil {
		r.sendError(cid, err)
		return
	}
	r.send(cid, "Got it, looking at your photo...")

	snap, err := p.RunGeneration(ctx, gen)
	if errors.Is(err, pipeline.ErrStale) {
		// a newer photo replaced this one; its own run will answer
		return
	}
	if snap == nil {
		r.sendError(cid, err)
		return
	}
	r.send(cid, snap.Description+"\n\n"+formatQuestions(*snap)+"\n\nReply with \"<number> <answer>\", e.g. \"1 it is red\".")
	if err != nil {
		r.sendError(cid, err)
	}
}

func (r *Router) handleText(ctx context.Context, cid int64, p *pipeline.Pipeline, text string) {
	n, answer, ok := splitAnswer(text)
	if !ok {
		r.send(cid, "Send a photo to start, or answer with \"<number> <answer>\".")
		return
	}

	ev, err := p.EvaluateAnswer(ctx, n-1, answer)
	if err != nil {
		r.sendError(cid, err)
		return
	}
	verdict := "❌ Not quite."
	if ev.Correct {
		verdict = "✅ Correct!"
	}
	r.send(cid, strings.TrimSpace(verdict+" "+ev.Reason))
}

// splitAnswer parses "3 answer", "3. answer" or "3) answer".
func splitAnswer(text string) (int, string, bool) {
	text = strings.TrimSpace(text)
	end := strings.IndexFunc(text, func(r rune) bool { return !unicode.IsDigit(r) })
	if end <= 0 {
		return 0, "", false
	}
	n, err := strconv.Atoi(text[:end])
	if err != nil || n < 1 {
		return 0, "", false
	}
	answer := strings.TrimSpace(strings.TrimLeft(text[end:], ".):"))
	if answer == "" {
		return 0, "", false
	}
	return n, answer, true
}

func parseNumber(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n, nil
}

func helpText(snap pipeline.Snapshot) string {
	return fmt.Sprintf(`Send me a photo and I will ask you questions about it in %s.

Answer with "<number> <answer>".

/lang <source> <target>  change languages (now %s -> %s)
/level <level>  beginner, intermediate or advanced
/questions  show the questions again
/delete <number>  drop a question
/score  your progress`, snap.Target.DisplayName(), snap.Source, snap.Target)
}

func formatQuestions(snap pipeline.Snapshot) string {
	var b strings.Builder
	for i, q := range snap.Questions {
		mark := ""
		if q.Evaluation != nil {
			mark = map[bool]string{true: " ✅", false: " ❌"}[q.Evaluation.Correct]
		}
		fmt.Fprintf(&b, "%d. %s%s\n", i+1, q.DisplayText(), mark)
	}
	return strings.TrimRight(b.String(), "\n")
}

// userMessage maps pipeline failures to text a learner can act on.
func userMessage(err error) string {
	switch {
	case errors.Is(err, models.ErrUnsupportedLanguage):
		return "That language isn't supported. Try /lang to see the options."
	case errors.Is(err, models.ErrInvalidProficiency):
		return "Unknown level. Use beginner, intermediate or advanced."
	case errors.Is(err, models.ErrInvalidPayload):
		return "I couldn't read that image. Please send another photo."
	case errors.Is(err, pipeline.ErrQuestionIndex):
		return "There is no question with that number."
	case errors.Is(err, pipeline.ErrAlreadyEvaluated):
		return "You already answered that question."
	case errors.Is(err, pipeline.ErrEvaluationInFlight):
		return "Still checking your previous answer to that question."
	case errors.Is(err, pipeline.ErrNotReady):
		return "Send a photo first."
	case errors.Is(err, models.ErrCapabilityUnavailable):
		return "The language model is not available right now."
	default:
		return "Something went wrong, please try again."
	}
}

func (r *Router) sendError(cid int64, err error) {
	r.logger.WithError(err).WithField("chat", cid).Warn("request failed")
	r.send(cid, userMessage(err))
}

func (r *Router) send(cid int64, text string) {
	for _, part := range splitMessage(text, maxMessageLen) {
		if _, err := r.bot.Send(tgbotapi.NewMessage(cid, part)); err != nil {
			r.logger.WithError(err).WithField("chat", cid).Warn("failed to send message")
			return
		}
	}
}

// splitMessage cuts text into parts of at most limit bytes, preferring line
// breaks and never splitting a UTF-8 sequence.
func splitMessage(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := strings.LastIndex(text[:limit], "\n")
		if cut <= 0 {
			cut = limit
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" || len(parts) == 0 {
		parts = append(parts, text)
	}
	return parts
}
