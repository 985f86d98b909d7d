package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigMissingFile(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v, want nil for missing file", err)
	}
	if cfg.BaseURL != "" || cfg.MaxRetries != 0 {
		t.Errorf("cfg = %+v, want zero config", cfg)
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	data := `base_url: https://staging.arclight.dev/v1
api_key_env: ARCLIGHT_STAGING_KEY
timeout_seconds: 45
max_retries: 5
`
	if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.BaseURL != "https://staging.arclight.dev/v1" {
		t.Errorf("BaseURL = %q", cfg.BaseURL)
	}
	if cfg.APIKeyEnv != "ARCLIGHT_STAGING_KEY" {
		t.Errorf("APIKeyEnv = %q", cfg.APIKeyEnv)
	}
	if cfg.Timeout() != 45*time.Second {
		t.Errorf("Timeout() = %v, want 45s", cfg.Timeout())
	}
	if cfg.MaxRetries != 5 {
		t.Errorf("MaxRetries = %d, want 5", cfg.MaxRetries)
	}
}

func TestLoadConfigInvalidYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("base_url: [broken"), 0o600); err != nil {
		t.Fatal(err)
	}

	if _, err := LoadConfig(path); err == nil {
		t.Error("LoadConfig() error = nil, want parse error")
	}
}

func TestAPIKeyEnvFallback(t *testing.T) {
	t.Setenv(DefaultAPIKeyEnv, "sk-from-default")

	cfg := &Config{}
	if got := cfg.APIKey(); got != "sk-from-default" {
		t.Errorf("APIKey() = %q, want sk-from-default", got)
	}

	t.Setenv("OTHER_KEY", "sk-other")
	cfg.APIKeyEnv = "OTHER_KEY"
	if got := cfg.APIKey(); got != "sk-other" {
		t.Errorf("APIKey() = %q, want sk-other", got)
	}
}
