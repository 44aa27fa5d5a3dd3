// Package config loads and validates the Troupe configuration tree.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Environment names accepted for Env.
const (
	EnvDevelopment = "development"
	EnvTest        = "test"
	EnvProduction  = "production"
)

// Config is the root configuration for the Troupe server.
type Config struct {
	Env     string        `yaml:"env"`
	DataDir string        `yaml:"data_dir"`
	Server  ServerConfig  `yaml:"server"`
	Auth    AuthConfig    `yaml:"auth"`
	LLM     LLMConfig     `yaml:"llm"`
	Chat    ChatConfig    `yaml:"chat"`
	MCP     MCPConfig     `yaml:"mcp"`
	Jobs    JobsConfig    `yaml:"jobs"`
	Viewer  ViewerConfig  `yaml:"viewer"`
	Skills  SkillsConfig  `yaml:"skills"`
	Logging LoggingConfig `yaml:"logging"`
	Tracing TracingConfig `yaml:"tracing"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// BaseURL is the externally visible origin, used for OAuth redirect
	// URIs and viewer preview links. Defaults to http://<host>:<port>.
	BaseURL string `yaml:"base_url"`
}

// AuthConfig covers login sessions and the OAuth broker.
type AuthConfig struct {
	SessionTTL time.Duration `yaml:"session_ttl"`
	// StateSecret signs the short-lived OAuth state tokens. Generated at
	// startup when empty, which invalidates in-flight flows on restart.
	StateSecret string      `yaml:"state_secret"`
	OAuth       OAuthConfig `yaml:"oauth"`
}

// OAuthConfig lists broker provider credentials.
type OAuthConfig struct {
	Google OAuthProviderConfig `yaml:"google"`
	GitHub OAuthProviderConfig `yaml:"github"`
}

// OAuthProviderConfig is one provider's client credential pair.
type OAuthProviderConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
}

func (c *Config) IsDevelopment() bool { return c.Env == EnvDevelopment }

func (c *Config) IsTest() bool { return c.Env == EnvTest }

func (c *Config) IsProduction() bool { return c.Env == EnvProduction }

func applyDefaults(cfg *Config) {
	if cfg.Env == "" {
		cfg.Env = EnvDevelopment
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "127.0.0.1"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.BaseURL == "" {
		cfg.Server.BaseURL = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if cfg.Auth.SessionTTL == 0 {
		cfg.Auth.SessionTTL = 30 * 24 * time.Hour
	}
	applyLLMDefaults(&cfg.LLM)
	applyChatDefaults(&cfg.Chat)
	applyMCPDefaults(&cfg.MCP)
	applyJobsDefaults(&cfg.Jobs)
	applyViewerDefaults(&cfg.Viewer)
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "troupe"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

func validate(cfg *Config) error {
	switch cfg.Env {
	case EnvDevelopment, EnvTest, EnvProduction:
	default:
		return fmt.Errorf("env must be one of development, test, production; got %q", cfg.Env)
	}
	if cfg.Server.Port < 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", cfg.Server.Port)
	}
	if err := validateLLM(&cfg.LLM); err != nil {
		return err
	}
	if cfg.Chat.MaxToolCalls <= 0 {
		return fmt.Errorf("chat.max_tool_calls must be positive")
	}
	if cfg.Jobs.TickInterval < time.Second {
		return fmt.Errorf("jobs.tick_interval must be at least 1s")
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		return fmt.Errorf("logging.format must be json or text; got %q", cfg.Logging.Format)
	}
	return nil
}
