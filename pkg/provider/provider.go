// Package provider implements the uniform call contract over the supported
// LLM backends. A Client is chosen once at startup from configuration.
package provider

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
)

// Call is one generation request as seen by a backend.
type Call struct {
	System      string
	History     []models.ChatMessage
	Prompt      string
	Model       string
	Temperature float64
	TopP        float64
	MaxTokens   int
	Functions   bool
}

// Messages returns the system prompt, history and prompt as chat messages.
func (c Call) Messages() []models.ChatMessage {
	msgs := make([]models.ChatMessage, 0, len(c.History)+2)
	if c.System != "" {
		msgs = append(msgs, models.ChatMessage{Role: "system", Content: c.System})
	}
	msgs = append(msgs, c.History...)
	return append(msgs, models.ChatMessage{Role: "user", Content: c.Prompt})
}

// Completion is a complete batch response.
type Completion struct {
	Text  string
	Usage *models.Usage
}

// ChunkReader is a finite, non-restartable sequence of text chunks. Recv
// returns io.EOF once the backend has signalled a complete response; any
// other error means the response is incomplete.
type ChunkReader interface {
	Recv() (string, error)
	// Usage is available after Recv has returned io.EOF.
	Usage() *models.Usage
	Close() error
}

// Client is implemented once per backend.
type Client interface {
	Name() string
	Complete(ctx context.Context, call Call) (*Completion, error)
	Stream(ctx context.Context, call Call) (ChunkReader, error)
}

// Options configures a backend client.
type Options struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Tools are sent when a call enables functions. Only the
	// OpenAI-compatible backends support them.
	Tools  []models.Tool
	Logger *zap.Logger
}

func (o Options) httpClient() *http.Client {
	if o.HTTPClient != nil {
		return o.HTTPClient
	}
	// No client-wide timeout: it would cut long streams. Calls carry a
	// context deadline for the connection phase instead.
	return &http.Client{}
}

func (o Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// New returns the client for the named backend. A missing credential is an
// Auth error.
func New(ctx context.Context, name string, opts Options) (Client, error) {
	name = strings.ToLower(name)
	if opts.APIKey == "" {
		return nil, llmerr.Errorf(llmerr.KindAuth, "provider", "no API key configured for %s", name)
	}
	switch name {
	case "openai":
		return newOpenAI("openai", defaultString(opts.BaseURL, "https://api.openai.com/v1"), opts), nil
	case "deepseek":
		return newOpenAI("deepseek", defaultString(opts.BaseURL, "https://api.deepseek.com/v1"), opts), nil
	case "anthropic":
		return newAnthropic(defaultString(opts.BaseURL, "https://api.anthropic.com"), opts), nil
	case "gemini":
		return newGemini(ctx, opts)
	default:
		return nil, llmerr.Errorf(llmerr.KindValidation, "provider", "unknown provider %q", name)
	}
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return strings.TrimRight(v, "/")
}

func opName(provider, mode string) string {
	return fmt.Sprintf("%s %s", provider, mode)
}
