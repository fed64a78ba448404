package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/deepshell/deepshell/pkg/models"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Provider != "deepseek" {
		t.Errorf("expected deepseek, got %s", cfg.Provider)
	}
	if cfg.MaxRetries != 3 {
		t.Errorf("expected 3 retries, got %d", cfg.MaxRetries)
	}
	if !cfg.EnableCache {
		t.Error("expected cache enabled by default")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("TEST_API_KEY", "sk-test-123")

	content := `
provider: openai
api_keys:
  openai: ${TEST_API_KEY}
default_model: gpt-4o-mini
cache_length: 2
chat_cache_length: 5
request_timeout: 30s
max_retries: 5
routes:
  - alias: fast
    model: gpt-4o-mini
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}

	if cfg.Provider != "openai" {
		t.Errorf("expected openai, got %s", cfg.Provider)
	}
	if cfg.APIKey("openai") != "sk-test-123" {
		t.Errorf("env var not expanded: got %s", cfg.APIKey("openai"))
	}
	if cfg.CacheLength != 2 || cfg.ChatCacheLength != 5 {
		t.Errorf("unexpected cache lengths %d/%d", cfg.CacheLength, cfg.ChatCacheLength)
	}
	if cfg.RequestTimeout != 30*time.Second {
		t.Errorf("expected 30s timeout, got %v", cfg.RequestTimeout)
	}
	if len(cfg.Routes) != 1 || cfg.Routes[0].Alias != "fast" {
		t.Errorf("unexpected routes: %+v", cfg.Routes)
	}
}

func TestLoadMissingUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DefaultModel != "deepseek-chat" {
		t.Errorf("expected default model, got %s", cfg.DefaultModel)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PROVIDER", "Anthropic")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant")
	t.Setenv("ENABLE_CACHE", "false")
	t.Setenv("CACHE_LENGTH", "7")
	t.Setenv("REQUEST_TIMEOUT", "15")
	t.Setenv("DISABLE_STREAMING", "true")

	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("expected anthropic, got %s", cfg.Provider)
	}
	if cfg.APIKey("anthropic") != "sk-ant" {
		t.Errorf("expected key from env, got %q", cfg.APIKey("anthropic"))
	}
	if cfg.EnableCache {
		t.Error("expected cache disabled")
	}
	if cfg.CacheLength != 7 {
		t.Errorf("expected 7, got %d", cfg.CacheLength)
	}
	if cfg.RequestTimeout != 15*time.Second {
		t.Errorf("expected 15s, got %v", cfg.RequestTimeout)
	}
	if !cfg.DisableStreaming {
		t.Error("expected streaming disabled")
	}
}

func TestEnvOverrideInvalid(t *testing.T) {
	t.Setenv("MAX_RETRIES", "many")
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for non-numeric MAX_RETRIES")
	}
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.CacheLength = 0
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for zero cache_length")
	}
	cfg = Default()
	cfg.MaxRetries = -1
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for negative max_retries")
	}
}

func TestBudgetDefaults(t *testing.T) {
	content := `
budgets:
  - max_tokens: 50000
  - provider: openai
    model: gpt-4o
    max_tokens: 1000000
    period: monthly
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(cfg.Budgets) != 2 {
		t.Fatalf("expected 2 budgets, got %d", len(cfg.Budgets))
	}
	if cfg.Budgets[0].Provider != "*" || cfg.Budgets[0].Period != models.BudgetDaily {
		t.Errorf("unexpected defaults %+v", cfg.Budgets[0])
	}
	if cfg.Budgets[1].Period != models.BudgetMonthly {
		t.Errorf("unexpected period %q", cfg.Budgets[1].Period)
	}

	cfg = Default()
	cfg.Budgets = []models.BudgetPolicy{{MaxTokens: 10, Period: "weekly"}}
	if err := cfg.Validate(); err == nil {
		t.Error("expected error for unknown period")
	}
}
