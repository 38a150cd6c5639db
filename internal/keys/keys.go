package keys

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"time"
)

var (
	ErrUnknownProvider = errors.New("unknown provider")
	ErrKeyNotFound     = errors.New("no key stored")
	ErrKeyRequired     = errors.New("API key required")
)

// envVars maps each credential name to the environment variable consulted
// when no key is stored.
var envVars = map[string]string{
	"openai":   "OPENAI_API_KEY",
	"gemini":   "GEMINI_API_KEY",
	"telegram": "TELEGRAM_BOT_TOKEN",
}

// Providers returns the credential names the store accepts, sorted.
func Providers() []string {
	names := make([]string, 0, len(envVars))
	for name := range envVars {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// EnvVar returns the environment variable for a credential name.
func EnvVar(provider string) (string, error) {
	env, ok := envVars[strings.ToLower(provider)]
	if !ok {
		return "", fmt.Errorf("%w: %q (known: %s)", ErrUnknownProvider, provider, strings.Join(Providers(), ", "))
	}
	return env, nil
}

// Store keeps API keys in a JSON file readable only by its owner.
type Store struct {
	configDir string
}

// Entry is one stored credential.
type Entry struct {
	Key       string    `json:"key"`
	UpdatedAt time.Time `json:"updated_at,omitzero"`
}

type keyFile map[string]Entry

func NewStore() (*Store, error) {
	dir, err := ConfigDir()
	if err != nil {
		return nil, err
	}
	return &Store{configDir: dir}, nil
}

// NewStoreAt creates a store rooted at dir.
func NewStoreAt(dir string) *Store {
	return &Store{configDir: dir}
}

// ConfigDir returns the per-user lingolens directory. LINGOLENS_CONFIG_DIR
// overrides the platform default.
func ConfigDir() (string, error) {
	if dir := os.Getenv("LINGOLENS_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		return filepath.Join(home, "Library", "Application Support", "lingolens"), nil
	case "windows":
		appData := os.Getenv("APPDATA")
		if appData == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			appData = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(appData, "lingolens"), nil
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, err := os.UserHomeDir()
			if err != nil {
				return "", err
			}
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "lingolens"), nil
	}
}

func (s *Store) Path() string {
	return filepath.Join(s.configDir, "keys.json")
}

func (s *Store) load() (keyFile, error) {
	data, err := os.ReadFile(s.Path())
	if err != nil {
		if os.IsNotExist(err) {
			return make(keyFile), nil
		}
		return nil, err
	}

	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", s.Path(), err)
	}
	if kf == nil {
		kf = make(keyFile)
	}
	return kf, nil
}

func (s *Store) save(kf keyFile) error {
	if err := os.MkdirAll(s.configDir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(kf, "", "  ")
	if err != nil {
		return err
	}

	// write then rename so a crash never leaves a truncated file
	tmp := s.Path() + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write keys: %w", err)
	}
	if err := os.Rename(tmp, s.Path()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write keys: %w", err)
	}
	return nil
}

// Set stores a key. Only known provider names are accepted.
func (s *Store) Set(provider, key string) error {
	provider = strings.ToLower(provider)
	if _, err := EnvVar(provider); err != nil {
		return err
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("%w: empty key for %s", ErrKeyRequired, provider)
	}

	kf, err := s.load()
	if err != nil {
		return err
	}
	kf[provider] = Entry{Key: key, UpdatedAt: time.Now().UTC()}
	return s.save(kf)
}

// Get returns the stored key, or "" when none is stored.
func (s *Store) Get(provider string) (string, error) {
	kf, err := s.load()
	if err != nil {
		return "", err
	}
	return kf[strings.ToLower(provider)].Key, nil
}

func (s *Store) Delete(provider string) error {
	provider = strings.ToLower(provider)
	kf, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := kf[provider]; !ok {
		return fmt.Errorf("%w for %s", ErrKeyNotFound, provider)
	}
	delete(kf, provider)
	return s.save(kf)
}

// List returns the stored provider names, sorted.
func (s *Store) List() ([]string, error) {
	kf, err := s.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(kf))
	for name := range kf {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func (s *Store) Exists(provider string) (bool, error) {
	kf, err := s.load()
	if err != nil {
		return false, err
	}
	_, ok := kf[strings.ToLower(provider)]
	return ok, nil
}

// MaskKey hides all but the first and last four characters.
func MaskKey(key string) string {
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}

// Resolve finds a key in priority order: explicit value, stored key,
// environment variable. The second return value names where it came from.
func (s *Store) Resolve(explicit, provider string) (string, string, error) {
	if explicit = strings.TrimSpace(explicit); explicit != "" {
		return explicit, "command-line flag", nil
	}

	env, err := EnvVar(provider)
	if err != nil {
		return "", "", err
	}

	if s != nil {
		if stored, err := s.Get(provider); err == nil && stored != "" {
			return stored, "stored key (" + s.Path() + ")", nil
		}
	}

	if v := strings.TrimSpace(os.Getenv(env)); v != "" {
		return v, "environment variable (" + env + ")", nil
	}

	return "", "", fmt.Errorf("%w: run 'lingolens keys set %s' or set %s", ErrKeyRequired, strings.ToLower(provider), env)
}

// GetAPIKey resolves a key against the default store.
func GetAPIKey(explicit, provider string) (string, string, error) {
	store, err := NewStore()
	if err != nil {
		store = nil
	}
	return store.Resolve(explicit, provider)
}
