package router

import (
	"fmt"
	"strings"

	"github.com/deepshell/deepshell/pkg/config"
	"github.com/deepshell/deepshell/pkg/llmerr"
)

// Route is a resolved provider and model.
type Route struct {
	Provider string
	Model    string
}

// catalog lists the models each provider accepts. Entries ending in '*'
// match by prefix.
var catalog = map[string][]string{
	"deepseek":  {"deepseek-chat", "deepseek-reasoner", "deepseek-coder"},
	"openai":    {"gpt-*", "o1*", "o3*", "o4*", "chatgpt-*"},
	"anthropic": {"claude-*"},
	"gemini":    {"gemini-*"},
}

// Providers returns the names of the supported backends.
func Providers() []string {
	return []string{"anthropic", "deepseek", "gemini", "openai"}
}

// Router resolves requested model names for the configured provider.
type Router struct {
	cfg *config.Config
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return &Router{cfg: cfg}
}

// Resolve maps requestedModel through the configured aliases and checks it
// against the provider's catalog. An empty model means the default model.
func (r *Router) Resolve(requestedModel string) (Route, error) {
	provider := strings.ToLower(r.cfg.Provider)
	if _, ok := catalog[provider]; !ok {
		return Route{}, llmerr.Errorf(llmerr.KindValidation, "route", "unknown provider %q", r.cfg.Provider)
	}

	model := requestedModel
	if model == "" {
		model = r.cfg.DefaultModel
	}
	for _, alias := range r.cfg.Routes {
		if alias.Alias == model && alias.Model != "" {
			model = alias.Model
			break
		}
	}
	if model == "" {
		return Route{}, llmerr.Errorf(llmerr.KindValidation, "route", "no model configured")
	}
	if !Supports(provider, model) {
		return Route{}, llmerr.Errorf(llmerr.KindValidation, "route", "model %q is not available on %s", model, provider)
	}
	return Route{Provider: provider, Model: model}, nil
}

// Supports reports whether provider serves model.
func Supports(provider, model string) bool {
	for _, pattern := range catalog[provider] {
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
			if strings.HasPrefix(model, prefix) {
				return true
			}
			continue
		}
		if pattern == model {
			return true
		}
	}
	return false
}

// Models lists the catalog entries for provider.
func Models(provider string) ([]string, error) {
	models, ok := catalog[provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider %q", provider)
	}
	return append([]string(nil), models...), nil
}
