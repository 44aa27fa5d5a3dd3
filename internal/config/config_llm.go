package config

import "fmt"

// LLMConfig selects chat model providers and their credentials.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	DefaultModel    string                       `yaml:"default_model"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig is one provider's credentials and model defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

func applyLLMDefaults(cfg *LLMConfig) {
	if cfg.DefaultProvider == "" {
		cfg.DefaultProvider = "anthropic"
	}
	if cfg.Providers == nil {
		cfg.Providers = map[string]LLMProviderConfig{}
	}
}

func validateLLM(cfg *LLMConfig) error {
	switch cfg.DefaultProvider {
	case "anthropic", "openai", "google":
	default:
		return fmt.Errorf("llm.default_provider %q is not a known provider", cfg.DefaultProvider)
	}
	return nil
}
