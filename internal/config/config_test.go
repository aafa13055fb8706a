package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Sandbox.Backend != "interpreter" {
		t.Errorf("Sandbox.Backend = %q, want interpreter", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.DefaultTimeout != 30*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 30s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.MemoryMB != 500 {
		t.Errorf("Sandbox.MemoryMB = %d, want 500", cfg.Sandbox.MemoryMB)
	}
	if cfg.Sandbox.MaxOutputBytes != 100*1024 {
		t.Errorf("Sandbox.MaxOutputBytes = %d, want %d", cfg.Sandbox.MaxOutputBytes, 100*1024)
	}
	if cfg.Sandbox.Container.Image != "localhost/analysis-python:3.12" {
		t.Errorf("Sandbox.Container.Image = %q, want localhost/analysis-python:3.12", cfg.Sandbox.Container.Image)
	}
	if cfg.LLM.Retries != 3 {
		t.Errorf("LLM.Retries = %d, want 3", cfg.LLM.Retries)
	}
	if cfg.Pipeline.SessionTTL != time.Hour {
		t.Errorf("Pipeline.SessionTTL = %s, want 1h", cfg.Pipeline.SessionTTL)
	}
	if cfg.Pipeline.Binding != "df" {
		t.Errorf("Pipeline.Binding = %q, want df", cfg.Pipeline.Binding)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return DefaultConfig()
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid defaults", func(c *Config) {}, false},
		{"server port 0", func(c *Config) { c.Server.Port = 0 }, true},
		{"server port 99999", func(c *Config) { c.Server.Port = 99999 }, true},
		{"unknown backend", func(c *Config) { c.Sandbox.Backend = "docker" }, true},
		{"container backend", func(c *Config) { c.Sandbox.Backend = "container" }, false},
		{"default_timeout > max_timeout", func(c *Config) {
			c.Sandbox.DefaultTimeout = 5 * time.Minute
			c.Sandbox.MaxTimeout = 1 * time.Minute
		}, true},
		{"max_concurrent 0", func(c *Config) { c.Sandbox.MaxConcurrent = 0 }, true},
		{"memory_mb < 16", func(c *Config) { c.Sandbox.MemoryMB = 8 }, true},
		{"tiny output cap", func(c *Config) { c.Sandbox.MaxOutputBytes = 10 }, true},
		{"temperature 3", func(c *Config) { c.LLM.Temperature = 3 }, true},
		{"max_tokens 0", func(c *Config) { c.LLM.MaxTokens = 0 }, true},
		{"empty model", func(c *Config) { c.LLM.Model = "" }, true},
		{"negative retries", func(c *Config) { c.LLM.Retries = -1 }, true},
		{"session ttl 0", func(c *Config) { c.Pipeline.SessionTTL = 0 }, true},
		{"binding not identifier", func(c *Config) { c.Pipeline.Binding = "my-data" }, true},
		{"TLS enabled without cert", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = ""
			c.TLS.KeyFile = ""
		}, true},
		{"TLS enabled with cert+key", func(c *Config) {
			c.TLS.Enabled = true
			c.TLS.CertFile = "/etc/ssl/cert.pem"
			c.TLS.KeyFile = "/etc/ssl/key.pem"
		}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("LLM_BASE_URL", "")

	yamlContent := `
server:
  host: "127.0.0.1"
  port: 9090
sandbox:
  max_concurrent: 4
  default_timeout: 15s
  memory_mb: 256
llm:
  model: "local-model"
  base_url: "http://localhost:11434/v1"
  retries: 5
  stop: ["</python>"]
pipeline:
  binding: data
  session_ttl: 30m
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Host != "127.0.0.1" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "127.0.0.1")
	}
	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.MaxConcurrent != 4 {
		t.Errorf("Sandbox.MaxConcurrent = %d, want 4", cfg.Sandbox.MaxConcurrent)
	}
	if cfg.Sandbox.DefaultTimeout != 15*time.Second {
		t.Errorf("Sandbox.DefaultTimeout = %s, want 15s", cfg.Sandbox.DefaultTimeout)
	}
	if cfg.Sandbox.MemoryMB != 256 {
		t.Errorf("Sandbox.MemoryMB = %d, want 256", cfg.Sandbox.MemoryMB)
	}
	if cfg.LLM.Model != "local-model" {
		t.Errorf("LLM.Model = %q, want local-model", cfg.LLM.Model)
	}
	if cfg.LLM.Retries != 5 {
		t.Errorf("LLM.Retries = %d, want 5", cfg.LLM.Retries)
	}
	if len(cfg.LLM.Stop) != 1 || cfg.LLM.Stop[0] != "</python>" {
		t.Errorf("LLM.Stop = %v, want [</python>]", cfg.LLM.Stop)
	}
	if cfg.Pipeline.Binding != "data" {
		t.Errorf("Pipeline.Binding = %q, want data", cfg.Pipeline.Binding)
	}
	if cfg.Pipeline.SessionTTL != 30*time.Minute {
		t.Errorf("Pipeline.SessionTTL = %s, want 30m", cfg.Pipeline.SessionTTL)
	}
	// Unset keys keep their defaults.
	if cfg.LLM.MaxTokens != 2000 {
		t.Errorf("LLM.MaxTokens = %d, want 2000", cfg.LLM.MaxTokens)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err == nil {
		t.Error("expected error for missing file, got nil")
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	t.Setenv("LLM_API_KEY", "sk-test")
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "nonexistent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault: %v", err)
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("LLM.APIKey = %q, want sk-test", cfg.LLM.APIKey)
	}
}

func TestApplyEnv(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-openai")
	t.Setenv("LLM_BASE_URL", "http://gateway:8000/v1")
	t.Setenv("LLM_MODEL", "")
	t.Setenv("DATABASE_URL", "postgres://localhost/audit")

	cfg := DefaultConfig()
	cfg.ApplyEnv()

	if cfg.LLM.APIKey != "sk-openai" {
		t.Errorf("LLM.APIKey = %q, want sk-openai", cfg.LLM.APIKey)
	}
	if cfg.LLM.BaseURL != "http://gateway:8000/v1" {
		t.Errorf("LLM.BaseURL = %q", cfg.LLM.BaseURL)
	}
	if cfg.LLM.Model != "gpt-4o-mini" {
		t.Errorf("LLM.Model = %q, want default", cfg.LLM.Model)
	}
	if cfg.Database.DSN != "postgres://localhost/audit" {
		t.Errorf("Database.DSN = %q", cfg.Database.DSN)
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	want := "0.0.0.0:8080"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}

	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 3000
	want = "127.0.0.1:3000"
	if got := cfg.Address(); got != want {
		t.Errorf("Address() = %q, want %q", got, want)
	}
}
