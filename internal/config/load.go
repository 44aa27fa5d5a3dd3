package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads the configuration file at path, applies environment
// overrides and defaults, and validates the result. An empty path or a
// missing file yields the environment-only configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			// Fall through to env-only config.
		case err != nil:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		default:
			expanded := os.ExpandEnv(string(data))
			cfg, err = decode([]byte(expanded))
			if err != nil {
				return nil, err
			}
		}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func decode(data []byte) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return &Config{}, nil
		}
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: expected single document")
	}
	return &cfg, nil
}

// applyEnvOverrides lets deploy environments win over the file. TROUPE_ENV
// takes precedence over the legacy ENV name.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TROUPE_ENV"); v != "" {
		cfg.Env = v
	} else if v := os.Getenv("ENV"); v != "" {
		cfg.Env = v
	}
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("BASE_URL"); v != "" {
		cfg.Server.BaseURL = v
	}
	if v := os.Getenv("SESSION_STATE_SECRET"); v != "" {
		cfg.Auth.StateSecret = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_ID"); v != "" {
		cfg.Auth.OAuth.Google.ClientID = v
	}
	if v := os.Getenv("GOOGLE_CLIENT_SECRET"); v != "" {
		cfg.Auth.OAuth.Google.ClientSecret = v
	}
	if v := os.Getenv("GITHUB_CLIENT_ID"); v != "" {
		cfg.Auth.OAuth.GitHub.ClientID = v
	}
	if v := os.Getenv("GITHUB_CLIENT_SECRET"); v != "" {
		cfg.Auth.OAuth.GitHub.ClientSecret = v
	}
	setProviderKey(cfg, "anthropic", os.Getenv("ANTHROPIC_API_KEY"))
	setProviderKey(cfg, "openai", os.Getenv("OPENAI_API_KEY"))
	setProviderKey(cfg, "google", os.Getenv("GOOGLE_API_KEY"))
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Endpoint = v
	}
}

func setProviderKey(cfg *Config, name, key string) {
	if key == "" {
		return
	}
	if cfg.LLM.Providers == nil {
		cfg.LLM.Providers = map[string]LLMProviderConfig{}
	}
	pc := cfg.LLM.Providers[name]
	if pc.APIKey == "" {
		pc.APIKey = key
	}
	cfg.LLM.Providers[name] = pc
}
