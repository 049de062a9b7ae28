// Package config provides application configuration.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ashureev/quantchat/internal/domain"
)

// LLM providers.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// Config holds all application configuration.
type Config struct {
	Port           string   `env:"PORT" envDefault:"8080"`
	AppBaseURL     string   `env:"APP_BASE_URL" envDefault:"http://localhost:8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	DBPath         string   `env:"DB_PATH" envDefault:"./data/quantchat.db"`
	LogLevel       string   `env:"LOG_LEVEL" envDefault:"info"`
	LogFile        string   `env:"LOG_FILE"`

	LLM     LLMConfig
	Sandbox SandboxConfig

	MaxSteps            int    `env:"MAX_STEPS" envDefault:"42"`
	XAPIKey             string `env:"X_API_KEY"`
	AdminToken          string `env:"ADMIN_TOKEN"`
	RateLimitPerMinute  int    `env:"RATE_LIMIT_PER_MINUTE" envDefault:"20"`
	MaxRequestBodyBytes int64  `env:"MAX_REQUEST_BODY_BYTES" envDefault:"8388608"`
}

// LLMConfig selects the model provider and the model of each persona.
type LLMConfig struct {
	Provider        string        `env:"LLM_PROVIDER" envDefault:"openai"`
	APIKey          string        `env:"LLM_API_KEY"`
	XAIAPIKey       string        `env:"XAI_API_KEY"`
	AnthropicAPIKey string        `env:"ANTHROPIC_API_KEY"`
	BaseURL         string        `env:"LLM_BASE_URL"`
	Timeout         time.Duration `env:"LLM_TIMEOUT" envDefault:"10m"`
	MaxTokens       int           `env:"LLM_MAX_TOKENS"`

	ModelStockNoob     string `env:"MODEL_STOCK_NOOB" envDefault:"grok-4-1-fast-non-reasoning"`
	ModelQuantPro      string `env:"MODEL_QUANT_PRO" envDefault:"grok-4-1-fast-reasoning"`
	ModelQuantProHeavy string `env:"MODEL_QUANT_PRO_HEAVY" envDefault:"grok-4"`
}

// SandboxConfig configures the Docker sandbox backend.
type SandboxConfig struct {
	Template        string        `env:"SANDBOX_TEMPLATE_ALIAS" envDefault:"quantchat-sandbox:latest"`
	IdleTimeout     time.Duration `env:"SANDBOX_IDLE_TIMEOUT" envDefault:"1h"`
	RequestTimeout  time.Duration `env:"SANDBOX_REQUEST_TIMEOUT" envDefault:"60s"`
	ExecTimeout     time.Duration `env:"SANDBOX_EXEC_TIMEOUT" envDefault:"5m"`
	PausedRetention time.Duration `env:"SANDBOX_PAUSED_RETENTION" envDefault:"24h"`
	ReapInterval    time.Duration `env:"SANDBOX_REAP_INTERVAL" envDefault:"5m"`
	Runtime         string        `env:"SANDBOX_RUNTIME"` // "" = default (runc), "runsc" = gVisor
	Network         string        `env:"SANDBOX_NETWORK" envDefault:"quantchat-sandbox"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return errors.New("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return errors.New("DB_PATH cannot be empty")
	}
	if _, err := url.ParseRequestURI(c.AppBaseURL); err != nil {
		return fmt.Errorf("APP_BASE_URL is not a valid URL: %w", err)
	}
	switch c.LLM.Provider {
	case ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("LLM_PROVIDER must be %q or %q, got %q", ProviderOpenAI, ProviderAnthropic, c.LLM.Provider)
	}
	if c.MaxSteps <= 0 {
		return errors.New("MAX_STEPS must be > 0")
	}
	if c.RateLimitPerMinute <= 0 {
		return errors.New("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return errors.New("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.Sandbox.Template == "" {
		return errors.New("SANDBOX_TEMPLATE_ALIAS cannot be empty")
	}
	if c.Sandbox.IdleTimeout <= 0 {
		return errors.New("SANDBOX_IDLE_TIMEOUT must be > 0")
	}
	if c.Sandbox.ReapInterval <= 0 {
		return errors.New("SANDBOX_REAP_INTERVAL must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return strings.Contains(c.AppBaseURL, "localhost") ||
		strings.Contains(c.AppBaseURL, "127.0.0.1")
}

// LLMAPIKey returns the key for the selected provider. LLM_API_KEY wins over
// the provider-specific variable.
func (c *Config) LLMAPIKey() string {
	if c.LLM.APIKey != "" {
		return c.LLM.APIKey
	}
	if c.LLM.Provider == ProviderAnthropic {
		return c.LLM.AnthropicAPIKey
	}
	return c.LLM.XAIAPIKey
}

// PersonaModels maps each persona to its configured model id.
func (c *Config) PersonaModels() map[domain.Persona]string {
	return map[domain.Persona]string{
		domain.PersonaStockNoob:     c.LLM.ModelStockNoob,
		domain.PersonaQuantPro:      c.LLM.ModelQuantPro,
		domain.PersonaQuantProHeavy: c.LLM.ModelQuantProHeavy,
	}
}

// SandboxAPIURL is the base URL code inside a sandbox uses to reach this
// server. Loopback hosts are rewritten to the Docker host gateway when the
// server itself runs on the host.
func (c *Config) SandboxAPIURL() string {
	u, err := url.Parse(c.AppBaseURL)
	if err != nil || IsContainer() {
		return c.AppBaseURL
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1":
		host := "host.docker.internal"
		if port := u.Port(); port != "" {
			host += ":" + port
		}
		u.Host = host
	}
	return strings.TrimSuffix(u.String(), "/")
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
