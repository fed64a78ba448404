package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deepshell/deepshell/pkg/models"
)

// Config holds all deepshell configuration.
type Config struct {
	Provider         string                `yaml:"provider"`
	APIKeys          map[string]string     `yaml:"api_keys"`
	BaseURLs         map[string]string     `yaml:"base_urls"`
	DefaultModel     string                `yaml:"default_model"`
	PrettifyMarkdown bool                  `yaml:"prettify_markdown"`
	DisableStreaming bool                  `yaml:"disable_streaming"`
	EnableCache      bool                  `yaml:"enable_cache"`
	CacheLength      int                   `yaml:"cache_length"`
	ChatCacheLength  int                   `yaml:"chat_cache_length"`
	RequestTimeout   time.Duration         `yaml:"request_timeout"`
	MaxRetries       int                   `yaml:"max_retries"`
	RetryDelay       time.Duration         `yaml:"retry_delay"`
	UseFunctions     bool                  `yaml:"use_functions"`
	FunctionsPath    string                `yaml:"functions_path"`
	DataDir          string                `yaml:"data_dir"`
	ContextMessages  int                   `yaml:"context_messages"`
	Routes           []RouteConfig         `yaml:"routes"`
	Budgets          []models.BudgetPolicy `yaml:"budgets"`
}

// RouteConfig maps a model alias to a concrete model.
type RouteConfig struct {
	Alias string `yaml:"alias"`
	Model string `yaml:"model"`
}

// Default returns a Config with sensible defaults.
func Default() *Config {
	return &Config{
		Provider:        "deepseek",
		APIKeys:         map[string]string{},
		BaseURLs:        map[string]string{},
		DefaultModel:    "deepseek-chat",
		EnableCache:     true,
		CacheLength:     100,
		ChatCacheLength: 100,
		RequestTimeout:  60 * time.Second,
		MaxRetries:      3,
		RetryDelay:      time.Second,
		DataDir:         defaultDataDir(),
		ContextMessages: 20,
	}
}

// DefaultPath is the config file used when none is given.
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "deepshell.yaml"
	}
	return filepath.Join(dir, "deepshell", "config.yaml")
}

func defaultDataDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ".deepshell"
	}
	return filepath.Join(dir, "deepshell")
}

// Load reads a YAML config file, expands environment variables and applies
// upper-case environment overrides. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// APIKey returns the credential configured for provider.
func (c *Config) APIKey(provider string) string {
	return c.APIKeys[strings.ToLower(provider)]
}

// BaseURL returns the base URL override configured for provider, if any.
func (c *Config) BaseURL(provider string) string {
	return c.BaseURLs[strings.ToLower(provider)]
}

// Validate rejects settings the core cannot run with.
func (c *Config) Validate() error {
	if c.Provider == "" {
		return fmt.Errorf("config: provider is required")
	}
	if c.CacheLength <= 0 {
		return fmt.Errorf("config: cache_length must be positive, got %d", c.CacheLength)
	}
	if c.ChatCacheLength <= 0 {
		return fmt.Errorf("config: chat_cache_length must be positive, got %d", c.ChatCacheLength)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("config: request_timeout must be positive, got %s", c.RequestTimeout)
	}
	if c.ContextMessages < 0 {
		return fmt.Errorf("config: context_messages must not be negative, got %d", c.ContextMessages)
	}
	for i := range c.Budgets {
		b := &c.Budgets[i]
		if b.Provider == "" {
			b.Provider = "*"
		}
		if b.Period == "" {
			b.Period = models.BudgetDaily
		}
		if b.Period != models.BudgetDaily && b.Period != models.BudgetMonthly {
			return fmt.Errorf("config: budgets[%d]: unknown period %q", i, b.Period)
		}
		if b.MaxTokens <= 0 {
			return fmt.Errorf("config: budgets[%d]: max_tokens must be positive", i)
		}
	}
	return nil
}

var providerKeyEnv = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"gemini":    "GEMINI_API_KEY",
	"deepseek":  "DEEPSEEK_API_KEY",
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if c.APIKeys == nil {
		c.APIKeys = map[string]string{}
	}
	if c.BaseURLs == nil {
		c.BaseURLs = map[string]string{}
	}
	for provider, env := range providerKeyEnv {
		if v, ok := lookup(env); ok && v != "" {
			c.APIKeys[provider] = v
		}
	}

	if v, ok := lookup("PROVIDER"); ok && v != "" {
		c.Provider = strings.ToLower(v)
	}
	if v, ok := lookup("DEFAULT_MODEL"); ok && v != "" {
		c.DefaultModel = v
	}

	bools := []struct {
		env string
		dst *bool
	}{
		{"PRETTIFY_MARKDOWN", &c.PrettifyMarkdown},
		{"DISABLE_STREAMING", &c.DisableStreaming},
		{"ENABLE_CACHE", &c.EnableCache},
		{"USE_FUNCTIONS", &c.UseFunctions},
	}
	for _, b := range bools {
		v, ok := lookup(b.env)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", b.env, err)
		}
		*b.dst = parsed
	}

	ints := []struct {
		env string
		dst *int
	}{
		{"CACHE_LENGTH", &c.CacheLength},
		{"CHAT_CACHE_LENGTH", &c.ChatCacheLength},
		{"MAX_RETRIES", &c.MaxRetries},
	}
	for _, i := range ints {
		v, ok := lookup(i.env)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", i.env, err)
		}
		*i.dst = parsed
	}

	// REQUEST_TIMEOUT accepts plain seconds as well as a Go duration.
	if v, ok := lookup("REQUEST_TIMEOUT"); ok && v != "" {
		d, err := parseSeconds(v)
		if err != nil {
			return fmt.Errorf("config: REQUEST_TIMEOUT: %w", err)
		}
		c.RequestTimeout = d
	}
	return nil
}

func parseSeconds(v string) (time.Duration, error) {
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second, nil
	}
	return time.ParseDuration(v)
}
