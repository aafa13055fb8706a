package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// Config holds all application configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Sandbox  SandboxConfig  `yaml:"sandbox"`
	LLM      LLMConfig      `yaml:"llm"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Database DatabaseConfig `yaml:"database"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
	Security SecurityConfig `yaml:"security"`
	TLS      TLSConfig      `yaml:"tls"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxRequestBody  int64         `yaml:"max_request_body_bytes"`
}

type SandboxConfig struct {
	Backend        string          `yaml:"backend"` // "interpreter" (default) or "container"
	DefaultTimeout time.Duration   `yaml:"default_timeout"`
	MaxTimeout     time.Duration   `yaml:"max_timeout"`
	MemoryMB       int64           `yaml:"memory_mb"`
	MaxOutputBytes int             `yaml:"max_output_bytes"`
	MaxConcurrent  int             `yaml:"max_concurrent"`
	Container      ContainerConfig `yaml:"container"`
}

// ContainerConfig configures the containerd backend.
type ContainerConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"`
	// Image needs python3 with numpy and pandas; deploy/analysis-image
	// builds one.
	Image     string `yaml:"image"`
	CPUShares int64  `yaml:"cpu_shares"`
	PidsLimit int64  `yaml:"pids_limit"`
	DiskMB    int64  `yaml:"disk_mb"`
}

// LLMConfig configures the chat-completion gateway.
type LLMConfig struct {
	Model            string        `yaml:"model"`
	BaseURL          string        `yaml:"base_url"`
	APIKey           string        `yaml:"api_key"`
	Temperature      float64       `yaml:"temperature"`
	MaxTokens        int           `yaml:"max_tokens"`
	Timeout          time.Duration `yaml:"timeout"`
	Retries          int           `yaml:"retries"`
	TopP             float64       `yaml:"top_p"`
	FrequencyPenalty float64       `yaml:"frequency_penalty"`
	PresencePenalty  float64       `yaml:"presence_penalty"`
	Stop             []string      `yaml:"stop"`
}

type PipelineConfig struct {
	SessionTTL      time.Duration `yaml:"session_ttl"`
	JanitorInterval time.Duration `yaml:"janitor_interval"`
	Binding         string        `yaml:"binding"`
	MaxUploadRows   int           `yaml:"max_upload_rows"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type TracingConfig struct {
	Enabled  bool    `yaml:"enabled"`
	Endpoint string  `yaml:"endpoint"`
	Sample   float64 `yaml:"sample_rate"`
}

type SecurityConfig struct {
	APIKeyHeader         string   `yaml:"api_key_header"`
	AllowedKeys          []string `yaml:"allowed_keys"`
	AllowUnauthenticated bool     `yaml:"allow_unauthenticated"`
	RateLimitRPS         float64  `yaml:"rate_limit_rps"`
	RateLimitBurst       int      `yaml:"rate_limit_burst"`
	MaxConcurrentStages  int      `yaml:"max_concurrent_stages"` // model-backed requests; 0 is unlimited
}

// TLSConfig controls HTTPS/TLS termination.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

var identRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load reads configuration from a YAML file, then applies environment
// overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path)) // #nosec G304 -- path comes from CLI flag or hardcoded default
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	cfg.ApplyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault loads path when it exists and falls back to defaults plus
// environment otherwise.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			return Load(path)
		}
		log.Warn().Str("path", path).Msg("config file not found, using defaults")
	}
	cfg := DefaultConfig()
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overrides secrets and endpoints from the environment.
func (c *Config) ApplyEnv() {
	for _, key := range []string{"LLM_API_KEY", "OPENAI_API_KEY"} {
		if v := os.Getenv(key); v != "" && c.LLM.APIKey == "" {
			c.LLM.APIKey = v
		}
	}
	if v := os.Getenv("LLM_BASE_URL"); v != "" {
		c.LLM.BaseURL = v
	}
	if v := os.Getenv("LLM_MODEL"); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.DSN = v
	}
}

// DefaultConfig returns sensible defaults for all configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    10 * time.Minute, // stages wait on the model, retries included
			ShutdownTimeout: 30 * time.Second,
			MaxRequestBody:  32 << 20, // uploads
		},
		Sandbox: SandboxConfig{
			Backend:        "interpreter",
			DefaultTimeout: 30 * time.Second,
			MaxTimeout:     120 * time.Second,
			MemoryMB:       500,
			MaxOutputBytes: 100 * 1024,
			MaxConcurrent:  16,
			Container: ContainerConfig{
				Socket:    "/run/containerd/containerd.sock",
				Namespace: "analysis",
				Image:     "localhost/analysis-python:3.12",
				CPUShares: 1024,
				PidsLimit: 64,
				DiskMB:    100,
			},
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-mini",
			BaseURL:     "https://api.openai.com/v1",
			Temperature: 0.2,
			MaxTokens:   2000,
			Timeout:     60 * time.Second,
			Retries:     3,
			TopP:        1,
		},
		Pipeline: PipelineConfig{
			SessionTTL:      time.Hour,
			JanitorInterval: time.Minute,
			Binding:         "df",
			MaxUploadRows:   200000,
		},
		Database: DatabaseConfig{
			DSN:             "",
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled: false,
			Sample:  0.1,
		},
		Security: SecurityConfig{
			APIKeyHeader:        "X-API-Key",
			RateLimitRPS:        20,
			RateLimitBurst:      40,
			MaxConcurrentStages: 8,
		},
		TLS: TLSConfig{
			Enabled: false,
		},
	}
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be 1-65535, got %d", c.Server.Port)
	}
	switch c.Sandbox.Backend {
	case "interpreter", "container":
	default:
		return fmt.Errorf("sandbox.backend must be interpreter or container, got %q", c.Sandbox.Backend)
	}
	if c.Sandbox.DefaultTimeout <= 0 {
		return fmt.Errorf("sandbox.default_timeout must be positive")
	}
	if c.Sandbox.DefaultTimeout > c.Sandbox.MaxTimeout {
		return fmt.Errorf("sandbox.default_timeout (%s) must be <= max_timeout (%s)",
			c.Sandbox.DefaultTimeout, c.Sandbox.MaxTimeout)
	}
	if c.Sandbox.MaxConcurrent < 1 {
		return fmt.Errorf("sandbox.max_concurrent must be >= 1")
	}
	if c.Sandbox.MemoryMB < 16 {
		return fmt.Errorf("sandbox.memory_mb must be >= 16")
	}
	if c.Sandbox.MaxOutputBytes < 1024 {
		return fmt.Errorf("sandbox.max_output_bytes must be >= 1024")
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("llm.model is required")
	}
	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		return fmt.Errorf("llm.temperature must be 0-2, got %g", c.LLM.Temperature)
	}
	if c.LLM.MaxTokens <= 0 {
		return fmt.Errorf("llm.max_tokens must be > 0")
	}
	if c.LLM.Retries < 0 {
		return fmt.Errorf("llm.retries must be >= 0")
	}
	if c.Pipeline.SessionTTL <= 0 {
		return fmt.Errorf("pipeline.session_ttl must be positive")
	}
	if !identRe.MatchString(c.Pipeline.Binding) {
		return fmt.Errorf("pipeline.binding %q is not a valid identifier", c.Pipeline.Binding)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}
	}
	if c.LLM.APIKey == "" {
		log.Warn().Msg("no LLM API key configured; model-assisted stages will fail")
	}
	if c.Database.DSN != "" && strings.Contains(c.Database.DSN, "sslmode=disable") {
		log.Warn().Msg("database DSN has sslmode=disable; connections to Postgres are unencrypted")
	}
	return nil
}

// Address returns the listen address string.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
