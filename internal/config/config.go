package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"

	"github.com/nbcon/assistant/internal/session"
)

// Config is the on-disk configuration for the nbcon assistant service.
type Config struct {
	// ListenAddr is the HTTP API bind address.
	ListenAddr string `json:"listen_addr,omitempty"`

	// DataDir holds the SQLite stores. If empty, a default under the user
	// home dir is used.
	DataDir string `json:"data_dir,omitempty"`

	// ModesPath points at the YAML service-mode catalog. Optional; the
	// built-in modes always exist.
	ModesPath string `json:"modes_path,omitempty"`

	AI AIConfig `json:"ai"`

	// Session is the identity this daemon serves. Auth happens upstream;
	// the assistant trusts this block.
	Session session.Meta `json:"session"`

	Retention RetentionConfig `json:"retention,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `json:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `json:"log_level,omitempty"`
}

type AIConfig struct {
	// Provider is "anthropic" or "openai".
	Provider string `json:"provider"`
	// Model is the default model id for completions.
	Model string `json:"model"`
	// BaseURL overrides the provider endpoint (e.g. a proxy).
	BaseURL string `json:"base_url,omitempty"`
	// APIKeyEnv names the environment variable holding the API key.
	// Defaults: ANTHROPIC_API_KEY / OPENAI_API_KEY.
	APIKeyEnv string `json:"api_key_env,omitempty"`
}

type RetentionConfig struct {
	Enabled bool `json:"enabled"`
	// Cron is a standard 5-field cron expression. Empty means daily at 02:00.
	Cron string `json:"cron,omitempty"`
	// ArchiveWindowDays is how long archived threads are kept before the
	// sweeper hard-deletes them.
	ArchiveWindowDays int `json:"archive_window_days,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(strings.ToLower(c.AI.Provider)) {
	case "anthropic", "openai":
	case "":
		return errors.New("missing ai.provider")
	default:
		return fmt.Errorf("unsupported ai.provider: %s", c.AI.Provider)
	}
	if strings.TrimSpace(c.AI.Model) == "" {
		return errors.New("missing ai.model")
	}
	if !c.Session.Valid() {
		return errors.New("missing session.user_public_id")
	}
	if c.Retention.Enabled && c.Retention.ArchiveWindowDays <= 0 {
		return errors.New("retention.archive_window_days must be > 0 when retention is enabled")
	}
	return nil
}

// APIKey resolves the provider API key from the environment.
func (c *Config) APIKey() string {
	name := strings.TrimSpace(c.AI.APIKeyEnv)
	if name == "" {
		switch strings.TrimSpace(strings.ToLower(c.AI.Provider)) {
		case "openai":
			name = "OPENAI_API_KEY"
		default:
			name = "ANTHROPIC_API_KEY"
		}
	}
	return strings.TrimSpace(os.Getenv(name))
}

func (c *Config) EffectiveDataDir() string {
	if d := strings.TrimSpace(c.DataDir); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".nbcon-assistant"
	}
	return filepath.Join(home, ".nbcon-assistant")
}

func (c *Config) ThreadsDBPath() string {
	return filepath.Join(c.EffectiveDataDir(), "threads.sqlite")
}

func (c *Config) UsageDBPath() string {
	return filepath.Join(c.EffectiveDataDir(), "usage.sqlite")
}

func (c *Config) EffectiveListenAddr() string {
	if a := strings.TrimSpace(c.ListenAddr); a != "" {
		return a
	}
	return "127.0.0.1:8787"
}

// DefaultConfigPath returns the default config path:
//
//	~/.nbcon-assistant/config.json
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "nbcon-assistant.config.json"
	}
	return filepath.Join(home, ".nbcon-assistant", "config.json")
}

// LoadEnv overlays a .env file if present. Missing files are not an error.
func LoadEnv(path string) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ".env"
	}
	_ = godotenv.Load(path)
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}

	// Write atomically.
	tmp := path + ".tmp"
	b, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
