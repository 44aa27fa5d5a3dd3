package provider

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/troupe/internal/config"
)

// Registry owns the configured backends and routes model names to them.
type Registry struct {
	providers       map[string]Provider
	defaultProvider string
	defaultModel    string
}

// NewRegistry builds backends for every configured credential. At least
// one backend must come up.
func NewRegistry(cfg config.LLMConfig) (*Registry, error) {
	r := &Registry{
		providers:       make(map[string]Provider),
		defaultProvider: cfg.DefaultProvider,
		defaultModel:    cfg.DefaultModel,
	}

	for name, pc := range cfg.Providers {
		if pc.APIKey == "" {
			continue
		}
		var p Provider
		var err error
		switch name {
		case "anthropic":
			p, err = NewAnthropic(AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		case "openai":
			p, err = NewOpenAI(OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
		case "google":
			p, err = NewGoogle(GoogleConfig{
				APIKey:       pc.APIKey,
				DefaultModel: pc.DefaultModel,
			})
		default:
			return nil, fmt.Errorf("unknown llm provider %q", name)
		}
		if err != nil {
			return nil, err
		}
		r.Register(p)
	}

	if len(r.providers) == 0 {
		return nil, fmt.Errorf("no llm provider configured; set an api key for at least one of anthropic, openai, google")
	}
	if _, ok := r.providers[r.defaultProvider]; !ok {
		// Fall back to whichever backend is configured.
		for name := range r.providers {
			r.defaultProvider = name
			break
		}
	}

	return r, nil
}

// Register adds or replaces a backend, keyed by its name.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Provider returns a backend by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	p, ok := r.providers[name]
	return p, ok
}

// DefaultModel returns the model a request without one resolves to. May
// be empty, in which case the backend's own default applies.
func (r *Registry) DefaultModel() string {
	return r.defaultModel
}

// ForModel routes a model name to its backend and returns the resolved
// model string. An empty model selects the default provider and model.
// Unrecognized names go to the default provider unchanged.
func (r *Registry) ForModel(model string) (Provider, string, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		p, ok := r.providers[r.defaultProvider]
		if !ok {
			return nil, "", fmt.Errorf("default provider %q not configured", r.defaultProvider)
		}
		return p, r.defaultModel, nil
	}

	name := routeModel(model)
	if name == "" {
		name = r.defaultProvider
	}
	p, ok := r.providers[name]
	if !ok {
		return nil, "", fmt.Errorf("model %q needs provider %q, which has no api key configured", model, name)
	}
	return p, model, nil
}

// routeModel maps a model name prefix to a backend name. Unrecognized
// prefixes return "".
func routeModel(model string) string {
	switch {
	case strings.HasPrefix(model, "claude"):
		return "anthropic"
	case strings.HasPrefix(model, "gpt"), isOSeries(model):
		return "openai"
	case strings.HasPrefix(model, "gemini"):
		return "google"
	default:
		return ""
	}
}

// isOSeries matches reasoning model names like o1, o3-mini, o4.
func isOSeries(model string) bool {
	if len(model) < 2 || model[0] != 'o' {
		return false
	}
	if model[1] < '0' || model[1] > '9' {
		return false
	}
	return len(model) == 2 || model[2] == '-' || model[2] == '.'
}
