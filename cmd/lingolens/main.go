package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/manash/lingolens/internal/batch"
	"github.com/manash/lingolens/internal/capability"
	"github.com/manash/lingolens/internal/capability/gemini"
	"github.com/manash/lingolens/internal/capability/openai"
	"github.com/manash/lingolens/internal/config"
	"github.com/manash/lingolens/internal/display"
	"github.com/manash/lingolens/internal/image"
	"github.com/manash/lingolens/internal/keys"
	"github.com/manash/lingolens/internal/ledger"
	"github.com/manash/lingolens/internal/logging"
	"github.com/manash/lingolens/internal/pipeline"
	"github.com/manash/lingolens/internal/repl"
	"github.com/manash/lingolens/internal/telegram"
	"github.com/manash/lingolens/pkg/models"
)

var (
	version = "dev"
	commit  = "none"
)

var (
	flagConfig string
	flagAPIKey string
	flagShow   bool
)

type App struct {
	In          io.Reader
	Out         io.Writer
	Err         io.Writer
	Registry    *models.ModelRegistry
	NewProvider func(providerType models.ProviderType, cfg *capability.Config, registry *models.ModelRegistry) (capability.Provider, error)
	NewKeyStore func() (*keys.Store, error)
	NewLedger   func(cfg config.LedgerConfig) (*ledger.Store, error)
	NewBotAPI   func(token string) (*tgbotapi.BotAPI, error)
	NewLogger   func(cfg config.LogConfig) *logrus.Logger

	cfg *config.Config
}

func DefaultApp() *App {
	return &App{
		In:          os.Stdin,
		Out:         os.Stdout,
		Err:         os.Stderr,
		Registry:    models.DefaultRegistry(),
		NewProvider: newProvider,
		NewKeyStore: keys.NewStore,
		NewLedger:   openLedger,
		NewBotAPI:   tgbotapi.NewBotAPI,
		NewLogger:   logging.New,
	}
}

func newProvider(providerType models.ProviderType, cfg *capability.Config, registry *models.ModelRegistry) (capability.Provider, error) {
	switch providerType {
	case models.ProviderOpenAI:
		p, err := openai.New(cfg, registry)
		if err != nil {
			return nil, err
		}
		return p, nil
	case models.ProviderGemini:
		p, err := gemini.New(cfg, registry)
		if err != nil {
			return nil, err
		}
		return p, nil
	default:
		return nil, fmt.Errorf("%w: %s", capability.ErrProviderNotFound, providerType)
	}
}

func openLedger(cfg config.LedgerConfig) (*ledger.Store, error) {
	if cfg.Path != "" {
		return ledger.NewStoreWithPath(cfg.Path)
	}
	return ledger.NewStore()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	app := DefaultApp()
	rootCmd := newRootCmd(app)
	return rootCmd.Execute()
}

func newRootCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lingolens",
		Short: "Learn a language by answering questions about pictures",
		Long: `lingolens turns any image into a short language lesson.

A vision model describes the picture, writes questions about it at your
level, translates them into the language you are learning and grades your
answers.

Supported providers:
  - OpenAI (gpt-5.2, gpt-5-mini, gpt-5-nano)
  - Google Gemini (gemini-2.5-pro, gemini-2.5-flash)

Examples:
  lingolens quiz photo.jpg
  lingolens quiz --target es --level intermediate https://example.com/market.jpg
  lingolens repl
  lingolens batch images.txt --output-dir worksheets`,
		Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return app.loadConfig(cmd)
		},
	}
	cmd.SetIn(app.In)
	cmd.SetOut(app.Out)
	cmd.SetErr(app.Err)

	pf := cmd.PersistentFlags()
	pf.StringVar(&flagConfig, "config", "", "config file (default is $LINGOLENS_CONFIG_DIR/config.yaml)")
	pf.StringVar(&flagAPIKey, "api-key", "", "API key for the provider (defaults to the stored key or environment)")
	pf.StringP("provider", "p", "openai", "provider to use (openai, gemini)")
	pf.StringP("model", "m", "", "model to use (defaults to the provider's default)")
	pf.StringP("source", "s", "en", "language of the description and questions")
	pf.StringP("target", "t", "fr", "language you are learning")
	pf.StringP("level", "l", "beginner", "proficiency (beginner, intermediate, advanced)")
	pf.Int("min", 20, "minimum number of questions")
	pf.Int("max", 30, "maximum number of questions")
	pf.Int("max-dim", 1024, "downscale images so the longest side fits (0 keeps the original)")
	pf.Bool("strict", false, "only download images from trusted hosts")
	pf.Int("timeout", 120, "request timeout in seconds")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.String("log-format", "text", "log format (text, json)")
	pf.Bool("no-ledger", false, "do not record usage in the cost ledger")

	cmd.AddCommand(newQuizCmd(app))
	cmd.AddCommand(newREPLCmd(app))
	cmd.AddCommand(newBatchCmd(app))
	cmd.AddCommand(newKeysCmd(app))
	cmd.AddCommand(newCostCmd(app))
	cmd.AddCommand(newLanguagesCmd(app))
	cmd.AddCommand(newModelsCmd(app))
	cmd.AddCommand(newBotCmd(app))

	return cmd
}

func (app *App) loadConfig(cmd *cobra.Command) error {
	cfg, err := config.Load(flagConfig, cmd.Flags())
	if err != nil {
		return err
	}
	app.cfg = cfg
	return nil
}

// env is everything a learning session needs, built from the loaded config.
type env struct {
	cfg      *config.Config
	logger   *logrus.Logger
	provider capability.Provider
	loader   *image.Loader
	ledger   *ledger.Store
}

func (app *App) newEnv() (*env, error) {
	cfg := app.cfg
	if cfg == nil {
		return nil, errors.New("configuration not loaded")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger := app.NewLogger(cfg.Log)

	prov, err := app.buildProvider(cfg, logger)
	if err != nil {
		return nil, err
	}

	e := &env{
		cfg:      cfg,
		logger:   logger,
		provider: prov,
		loader: image.NewLoader(image.LoaderOptions{
			MaxDimension: cfg.MaxImageDimension,
			StrictURLs:   cfg.StrictURLs,
			Timeout:      time.Duration(cfg.TimeoutSec) * time.Second,
			Logger:       logger,
		}),
	}

	if cfg.Ledger.Enabled {
		store, err := app.NewLedger(cfg.Ledger)
		if err != nil {
			logger.WithError(err).Warn("usage ledger unavailable, costs will not be recorded")
		} else {
			e.ledger = store
		}
	}
	return e, nil
}

func (app *App) buildProvider(cfg *config.Config, logger logrus.FieldLogger) (capability.Provider, error) {
	ep := cfg.Endpoint()

	explicit := flagAPIKey
	if explicit == "" {
		explicit = ep.APIKey
	}
	store, err := app.NewKeyStore()
	if err != nil {
		store = nil
	}
	apiKey, source, err := store.Resolve(explicit, cfg.Provider.String())
	if err != nil {
		return nil, err
	}
	logger.WithFields(logrus.Fields{"provider": cfg.Provider, "key_source": source}).Debug("API key resolved")

	pcfg := &capability.Config{
		APIKey:     apiKey,
		BaseURL:    ep.BaseURL,
		Model:      cfg.Model,
		TimeoutSec: cfg.TimeoutSec,
		Logger:     logger,
	}

	factory := capability.NewFactory(app.Registry)
	factory.Configure(cfg.Provider, pcfg)
	prov, err := app.NewProvider(cfg.Provider, pcfg, app.Registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create provider: %w", err)
	}
	factory.Register(prov)

	if cfg.Model != "" {
		return factory.GetForModel(cfg.Model)
	}
	return factory.Get(cfg.Provider)
}

// recorder returns the ledger as a pipeline.Recorder, or nil when disabled.
func (e *env) recorder() pipeline.Recorder {
	if e.ledger == nil {
		return nil
	}
	return e.ledger
}

// newPipeline builds a pipeline on the shared provider with the configured
// languages and level. Later options override the defaults.
func (e *env) newPipeline(opts ...pipeline.Option) (*pipeline.Pipeline, error) {
	base := []pipeline.Option{
		pipeline.WithConfig(e.cfg.Pipeline),
		pipeline.WithLogger(e.logger),
	}
	if rec := e.recorder(); rec != nil {
		base = append(base, pipeline.WithRecorder(rec))
	}

	p, err := pipeline.New(e.provider, e.provider, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	if err := p.SetLanguages(e.cfg.SourceLanguage, e.cfg.TargetLanguage); err != nil {
		return nil, err
	}
	if err := p.SetProficiency(e.cfg.Proficiency); err != nil {
		return nil, err
	}
	return p, nil
}

func (e *env) Close() error {
	if e.ledger != nil {
		return e.ledger.Close()
	}
	return nil
}

func newQuizCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "quiz <image>",
		Short: "Describe an image and print questions about it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuiz(app, args[0])
		},
	}
	cmd.Flags().BoolVar(&flagShow, "show", false, "display the image in the terminal (Kitty graphics protocol)")
	return cmd
}

func runQuiz(app *App, src string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := app.newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	img, err := e.loader.Load(ctx, src)
	if err != nil {
		return fmt.Errorf("failed to load image: %w", err)
	}

	if flagShow {
		d := display.New(app.Out)
		if d.Supported() {
			if err := d.Show(img); err != nil {
				fmt.Fprintf(app.Err, "Warning: could not display image: %v\n", err)
			}
		}
	}

	p, err := e.newPipeline()
	if err != nil {
		return err
	}
	defer p.Close()

	if _, err := p.IngestImage(img, nil); err != nil {
		return err
	}

	cfg := p.Config()
	snap := p.Snapshot()
	fmt.Fprintf(app.Out, "Generating %d-%d %s questions (%s -> %s) with %s...\n",
		cfg.QuestionRange.Min, cfg.QuestionRange.Max, snap.Proficiency,
		snap.Source, snap.Target, e.provider.Model())

	final, err := p.Run(ctx)
	if final == nil {
		return err
	}

	fmt.Fprintf(app.Out, "\n%s\n\n", final.Description)
	failed := 0
	for i, q := range final.Questions {
		fmt.Fprintf(app.Out, "%2d. %s\n", i+1, q.DisplayText())
		if q.TranslationFailed {
			failed++
		}
	}
	if failed > 0 {
		fmt.Fprintf(app.Err, "Warning: %d question(s) could not be translated and are shown in %s\n",
			failed, final.Source.DisplayName())
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(app.Out, "\nDone!")
	return nil
}

func newREPLCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "repl",
		Aliases: []string{"interactive", "i"},
		Short:   "Start an interactive learning session",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runREPL(app)
		},
	}
}

func runREPL(app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	e, err := app.newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	p, err := e.newPipeline()
	if err != nil {
		return err
	}

	var led repl.Ledger
	if e.ledger != nil {
		led = e.ledger
	}

	r := repl.New(&repl.Config{
		In:        app.In,
		Out:       app.Out,
		Err:       app.Err,
		Pipeline:  p,
		Loader:    e.loader,
		Displayer: display.New(app.Out),
		Ledger:    led,
	})
	defer r.Close()

	return r.Run(ctx)
}

var (
	flagOutputDir   string
	flagStopOnError bool
	flagDelayMs     int
)

func newBatchCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch <file>",
		Short: "Write question worksheets for every image listed in a file",
		Long: `Process a list of images and write one JSON worksheet per image.

The file is either plain text with one image path or URL per line, or a
JSON array of objects:

  [{"image": "market.jpg", "target": "es", "level": "intermediate"}]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBatch(app, args[0])
		},
	}
	cmd.Flags().StringVarP(&flagOutputDir, "output-dir", "o", "worksheets", "directory for the worksheets")
	cmd.Flags().IntP("workers", "w", 4, "number of images processed in parallel")
	cmd.Flags().BoolVar(&flagStopOnError, "stop-on-error", false, "stop at the first failed image")
	cmd.Flags().IntVar(&flagDelayMs, "delay", 0, "delay between images in milliseconds (sequential mode)")
	return cmd
}

func runBatch(app *App, file string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	items, err := batch.ParseFile(file)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		return fmt.Errorf("no images found in %s", file)
	}

	e, err := app.newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	proc := batch.NewProcessor(e.newPipeline, e.loader, e.recorder(), e.logger, app.Out, app.Err)
	results, err := proc.Process(ctx, items, &batch.Options{
		OutputDir:   flagOutputDir,
		Source:      e.cfg.SourceLanguage,
		Target:      e.cfg.TargetLanguage,
		Proficiency: e.cfg.Proficiency,
		Parallel:    e.cfg.Batch.Workers,
		StopOnError: flagStopOnError,
		DelayMs:     flagDelayMs,
	})
	proc.PrintSummary(results)
	if err != nil {
		return err
	}

	if failed := lo.CountBy(results, func(r batch.Result) bool { return r.Error != nil }); failed > 0 {
		return fmt.Errorf("%d of %d images failed", failed, len(results))
	}
	return nil
}

func newLanguagesCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:     "languages",
		Aliases: []string{"langs"},
		Short:   "List supported languages",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runLanguages(app)
		},
	}
}

func runLanguages(app *App) error {
	src, tgt := "", ""
	if app.cfg != nil {
		src, tgt = app.cfg.SourceLanguage, app.cfg.TargetLanguage
	}
	fmt.Fprintln(app.Out, "Supported languages:")
	for _, code := range models.SupportedLanguages() {
		var marks []string
		if string(code) == src {
			marks = append(marks, "source")
		}
		if string(code) == tgt {
			marks = append(marks, "target")
		}
		line := fmt.Sprintf("  %-4s %s", code, code.DisplayName())
		if len(marks) > 0 {
			line += " (" + strings.Join(marks, ", ") + ")"
		}
		fmt.Fprintln(app.Out, line)
	}
	return nil
}

func newModelsCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models by provider",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, pt := range models.ValidProviders() {
				fmt.Fprintf(app.Out, "%s (default: %s)\n", pt, app.Registry.DefaultModel(pt))
				for _, name := range app.Registry.ListByProvider(pt) {
					fmt.Fprintf(app.Out, "  %s\n", name)
				}
			}
			return nil
		},
	}
}

var flagBotToken string

func newBotCmd(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Serve learning sessions through a Telegram bot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runBot(app)
		},
	}
	cmd.Flags().StringVar(&flagBotToken, "token", "", "Telegram bot token (defaults to the stored key or TELEGRAM_BOT_TOKEN)")
	return cmd
}

func runBot(app *App) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	explicit := flagBotToken
	if explicit == "" && app.cfg != nil {
		explicit = app.cfg.Telegram.Token
	}
	store, err := app.NewKeyStore()
	if err != nil {
		store = nil
	}
	token, _, err := store.Resolve(explicit, "telegram")
	if err != nil {
		return err
	}

	e, err := app.newEnv()
	if err != nil {
		return err
	}
	defer e.Close()

	api, err := app.NewBotAPI(token)
	if err != nil {
		return fmt.Errorf("failed to connect to Telegram: %w", err)
	}
	api.Debug = e.logger.IsLevelEnabled(logrus.DebugLevel)
	e.logger.WithField("bot", api.Self.UserName).Info("telegram bot started")

	router := telegram.NewRouter(api, e.newPipeline, e.loader, telegram.Options{
		Source:      e.cfg.SourceLanguage,
		Target:      e.cfg.TargetLanguage,
		Proficiency: e.cfg.Proficiency,
		Recorder:    e.recorder(),
		Logger:      e.logger,
		IdleTimeout: time.Duration(e.cfg.Telegram.IdleMinutes) * time.Minute,
	})
	defer router.Close()

	fmt.Fprintf(app.Out, "Bot @%s is running. Press Ctrl+C to stop.\n", api.Self.UserName)
	err = telegram.Serve(ctx, api, router, e.cfg.Telegram.PollTimeout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// configPath is shown by "keys path" and in errors.
func configPath() string {
	if flagConfig != "" {
		return flagConfig
	}
	p, err := config.DefaultPath()
	if err != nil {
		return filepath.Join("~", ".config", "lingolens", "config.yaml")
	}
	return p
}
