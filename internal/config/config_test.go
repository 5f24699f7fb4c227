package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nbcon/assistant/internal/session"
)

func validConfig() *Config {
	return &Config{
		AI: AIConfig{Provider: "anthropic", Model: "claude-sonnet-4-5"},
		Session: session.Meta{
			UserPublicID: "usr_1",
			Role:         "engineer",
			Language:     "ar",
			Plan:         "pro",
		},
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	c := validConfig()
	c.AI.Provider = ""
	if err := c.Validate(); err == nil {
		t.Fatal("missing provider accepted")
	}

	c = validConfig()
	c.AI.Provider = "bard"
	if err := c.Validate(); err == nil {
		t.Fatal("unknown provider accepted")
	}

	c = validConfig()
	c.AI.Model = " "
	if err := c.Validate(); err == nil {
		t.Fatal("missing model accepted")
	}

	c = validConfig()
	c.Session.UserPublicID = ""
	if err := c.Validate(); err == nil {
		t.Fatal("missing session accepted")
	}

	c = validConfig()
	c.Retention.Enabled = true
	if err := c.Validate(); err == nil {
		t.Fatal("retention without window accepted")
	}
}

func TestSaveLoadRoundtrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "config.json")
	want := validConfig()
	want.ListenAddr = "127.0.0.1:9999"
	want.Retention = RetentionConfig{Enabled: true, Cron: "0 4 * * *", ArchiveWindowDays: 30}

	if err := Save(path, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.ListenAddr != want.ListenAddr || got.AI.Model != want.AI.Model {
		t.Fatalf("roundtrip mismatch: %+v", got)
	}
	if got.Retention.ArchiveWindowDays != 30 {
		t.Fatalf("retention lost: %+v", got.Retention)
	}
	if got.Session.UserPublicID != "usr_1" {
		t.Fatalf("session lost: %+v", got.Session)
	}

	// No stray tmp file left behind.
	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Fatal("temp file left behind")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"ai":{"provider":"anthropic"}}`), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("invalid config accepted")
	}
}

func TestAPIKeyResolution(t *testing.T) {
	c := validConfig()
	c.AI.APIKeyEnv = "NBCON_TEST_KEY"
	t.Setenv("NBCON_TEST_KEY", "  sk-custom  ")
	if got := c.APIKey(); got != "sk-custom" {
		t.Fatalf("APIKey = %q", got)
	}

	c.AI.APIKeyEnv = ""
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	if got := c.APIKey(); got != "sk-ant" {
		t.Fatalf("APIKey = %q", got)
	}

	c.AI.Provider = "openai"
	t.Setenv("OPENAI_API_KEY", "sk-oai")
	if got := c.APIKey(); got != "sk-oai" {
		t.Fatalf("APIKey = %q", got)
	}
}

func TestEffectiveDefaults(t *testing.T) {
	t.Parallel()
	c := validConfig()
	if c.EffectiveListenAddr() != "127.0.0.1:8787" {
		t.Fatalf("listen default = %q", c.EffectiveListenAddr())
	}
	c.DataDir = "/tmp/nbcon-data"
	if c.ThreadsDBPath() != filepath.Join("/tmp/nbcon-data", "threads.sqlite") {
		t.Fatalf("threads path = %q", c.ThreadsDBPath())
	}
}
