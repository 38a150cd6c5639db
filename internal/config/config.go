package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/manash/lingolens/internal/keys"
	"github.com/manash/lingolens/internal/pipeline"
	"github.com/manash/lingolens/pkg/models"
)

var ErrInvalidConfig = errors.New("invalid configuration")

const EnvPrefix = "LINGOLENS"

// Config holds all lingolens settings.
type Config struct {
	Provider       models.ProviderType `mapstructure:"provider"`
	Model          string              `mapstructure:"model"`
	SourceLanguage string              `mapstructure:"source_language"`
	TargetLanguage string              `mapstructure:"target_language"`
	Proficiency    string              `mapstructure:"proficiency"`

	Pipeline pipeline.Config `mapstructure:",squash"`

	MaxImageDimension int  `mapstructure:"max_image_dimension"`
	StrictURLs        bool `mapstructure:"strict_urls"`
	TimeoutSec        int  `mapstructure:"timeout_sec"`

	OpenAI   EndpointConfig `mapstructure:"openai"`
	Gemini   EndpointConfig `mapstructure:"gemini"`
	Log      LogConfig      `mapstructure:"log"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Batch    BatchConfig    `mapstructure:"batch"`
}

type EndpointConfig struct {
	BaseURL string `mapstructure:"base_url"`
	APIKey  string `mapstructure:"api_key"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type LedgerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TelegramConfig struct {
	Token string `mapstructure:"token"`
	// PollTimeout is the long-polling timeout in seconds.
	PollTimeout int `mapstructure:"poll_timeout"`
	// IdleMinutes drops a chat's session after this long without updates.
	IdleMinutes int `mapstructure:"idle_minutes"`
}

type BatchConfig struct {
	Workers int `mapstructure:"workers"`
}

// flagKeys maps command-line flag names to configuration keys.
var flagKeys = map[string]string{
	"provider":   "provider",
	"model":      "model",
	"source":     "source_language",
	"target":     "target_language",
	"level":      "proficiency",
	"min":        "questions.min",
	"max":        "questions.max",
	"max-dim":    "max_image_dimension",
	"strict":     "strict_urls",
	"timeout":    "timeout_sec",
	"log-level":  "log.level",
	"log-format": "log.format",
	"workers":    "batch.workers",
}

func setDefaults(v *viper.Viper) {
	def := pipeline.DefaultConfig()

	v.SetDefault("provider", string(models.ProviderOpenAI))
	v.SetDefault("model", "")
	v.SetDefault("source_language", string(models.LangEnglish))
	v.SetDefault("target_language", string(models.LangFrench))
	v.SetDefault("proficiency", string(models.ProficiencyBeginner))

	v.SetDefault("questions.min", def.QuestionRange.Min)
	v.SetDefault("questions.max", def.QuestionRange.Max)
	v.SetDefault("translate_on_generate", def.TranslateOnGenerate)
	v.SetDefault("check_pair_before_run", def.CheckPairBeforeRun)

	v.SetDefault("max_image_dimension", 1024)
	v.SetDefault("strict_urls", false)
	v.SetDefault("timeout_sec", 120)

	v.SetDefault("openai.base_url", "")
	v.SetDefault("openai.api_key", "")
	v.SetDefault("gemini.base_url", "")
	v.SetDefault("gemini.api_key", "")

	v.SetDefault("log.level", "warn")
	v.SetDefault("log.format", "text")

	v.SetDefault("ledger.enabled", true)
	v.SetDefault("ledger.path", "")

	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.poll_timeout", 60)
	v.SetDefault("telegram.idle_minutes", 24*60)

	v.SetDefault("batch.workers", 4)
}

// DefaultPath is config.yaml inside the lingolens config directory.
func DefaultPath() (string, error) {
	dir, err := keys.ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

// Load reads defaults, then the YAML file at path (or the default location
// when path is empty), then LINGOLENS_* environment variables, then any
// changed flags in fs. A missing default file is not an error.
func Load(path string, fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	explicit := path != ""
	if !explicit {
		if p, err := DefaultPath(); err == nil {
			path = p
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if explicit || !isNotExist(err) {
				return nil, fmt.Errorf("error reading config file: %w", err)
			}
		}
	}

	if fs != nil {
		if err := bindFlags(v, fs); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if fs != nil {
		if f := fs.Lookup("no-ledger"); f != nil && f.Changed && f.Value.String() == "true" {
			cfg.Ledger.Enabled = false
		}
	}

	cfg.Provider = models.ProviderType(strings.ToLower(string(cfg.Provider)))
	return &cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		if f := fs.Lookup(name); f != nil {
			if err := v.BindPFlag(key, f); err != nil {
				return fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	return nil
}

func isNotExist(err error) bool {
	var notFound viper.ConfigFileNotFoundError
	return errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)
}

// Validate checks every value the pipeline depends on.
func (c *Config) Validate() error {
	var errs []error
	if !c.Provider.IsValid() {
		errs = append(errs, fmt.Errorf("provider %q (valid: openai, gemini)", c.Provider))
	}
	if _, err := models.ParseLanguage(c.SourceLanguage); err != nil {
		errs = append(errs, fmt.Errorf("source_language: %w", err))
	}
	if _, err := models.ParseLanguage(c.TargetLanguage); err != nil {
		errs = append(errs, fmt.Errorf("target_language: %w", err))
	}
	if _, err := models.ParseProficiency(c.Proficiency); err != nil {
		errs = append(errs, fmt.Errorf("proficiency: %w", err))
	}
	if err := c.Pipeline.QuestionRange.Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.MaxImageDimension < 0 {
		errs = append(errs, fmt.Errorf("max_image_dimension must not be negative"))
	}
	if c.TimeoutSec < 0 {
		errs = append(errs, fmt.Errorf("timeout_sec must not be negative"))
	}
	if c.Telegram.IdleMinutes < 0 {
		errs = append(errs, fmt.Errorf("telegram.idle_minutes must not be negative"))
	}
	if c.Batch.Workers < 1 {
		errs = append(errs, fmt.Errorf("batch.workers must be at least 1"))
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q (valid: text, json)", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// Endpoint returns the endpoint settings of the configured provider.
func (c *Config) Endpoint() EndpointConfig {
	if c.Provider == models.ProviderGemini {
		return c.Gemini
	}
	return c.OpenAI
}
