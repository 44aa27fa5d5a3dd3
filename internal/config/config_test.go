package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, `
server:
  host: 0.0.0.0
  extra: true
`)

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for unknown field")
	}
}

func TestLoadValidatesEnv(t *testing.T) {
	t.Setenv("TROUPE_ENV", "")
	t.Setenv("ENV", "")
	path := writeConfig(t, `
env: staging
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "env") {
		t.Fatalf("expected env error, got %v", err)
	}
}

func TestLoadValidatesDefaultProvider(t *testing.T) {
	path := writeConfig(t, `
llm:
  default_provider: watson
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "default_provider") {
		t.Fatalf("expected default_provider error, got %v", err)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	t.Setenv("TROUPE_ENV", "")
	t.Setenv("ENV", "")
	t.Setenv("DATA_DIR", "")

	cfg, err := Load(writeConfig(t, `
server:
  port: 9200
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != EnvDevelopment {
		t.Errorf("Env = %q, want %q", cfg.Env, EnvDevelopment)
	}
	if cfg.DataDir != "./data" {
		t.Errorf("DataDir = %q, want ./data", cfg.DataDir)
	}
	if cfg.Server.Port != 9200 {
		t.Errorf("Port = %d, want 9200", cfg.Server.Port)
	}
	if cfg.Auth.SessionTTL != 30*24*time.Hour {
		t.Errorf("SessionTTL = %v, want 720h", cfg.Auth.SessionTTL)
	}
	if cfg.Chat.HistoryWindow != 50 {
		t.Errorf("HistoryWindow = %d, want 50", cfg.Chat.HistoryWindow)
	}
	if cfg.Chat.MaxToolCalls != 16 {
		t.Errorf("MaxToolCalls = %d, want 16", cfg.Chat.MaxToolCalls)
	}
	if cfg.Jobs.TickInterval != 30*time.Second {
		t.Errorf("TickInterval = %v, want 30s", cfg.Jobs.TickInterval)
	}
	if cfg.Jobs.MaxRuntime != 15*time.Minute {
		t.Errorf("MaxRuntime = %v, want 15m", cfg.Jobs.MaxRuntime)
	}
}

func TestLoadMissingFileUsesEnvOnly(t *testing.T) {
	t.Setenv("TROUPE_ENV", "test")
	t.Setenv("DATA_DIR", "/tmp/troupe-test")
	t.Setenv("PORT", "9100")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Env != EnvTest {
		t.Errorf("Env = %q, want %q", cfg.Env, EnvTest)
	}
	if cfg.DataDir != "/tmp/troupe-test" {
		t.Errorf("DataDir = %q, want /tmp/troupe-test", cfg.DataDir)
	}
	if cfg.Server.Port != 9100 {
		t.Errorf("Port = %d, want 9100", cfg.Server.Port)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	t.Setenv("TROUPE_ENV", "production")
	t.Setenv("ENV", "development")

	cfg, err := Load(writeConfig(t, `
env: test
`))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env != EnvProduction {
		t.Errorf("Env = %q, want production (TROUPE_ENV wins)", cfg.Env)
	}
}

func TestLoadLegacyEnvFallback(t *testing.T) {
	t.Setenv("TROUPE_ENV", "")
	t.Setenv("ENV", "test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Env != EnvTest {
		t.Errorf("Env = %q, want test (ENV fallback)", cfg.Env)
	}
}

func TestLoadProviderKeyFromEnv(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-test")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.Providers["anthropic"].APIKey != "sk-test" {
		t.Errorf("anthropic APIKey = %q, want sk-test", cfg.LLM.Providers["anthropic"].APIKey)
	}
}

func TestJSONSchema(t *testing.T) {
	data, err := JSONSchema()
	if err != nil {
		t.Fatalf("JSONSchema() error = %v", err)
	}
	if !strings.Contains(string(data), "data_dir") {
		t.Errorf("schema should use yaml field names, got %s", data[:min(len(data), 200)])
	}
}

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "troupe.yaml")
	if err := os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}
