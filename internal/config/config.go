package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

var (
	// ErrTopPRange indicates that top_p is outside [0.0, 1.0].
	ErrTopPRange = errors.New("LUNA_TOP_P must be between 0.0 and 1.0")
	// ErrRepetitionPenaltyRange indicates that repetition_penalty is below 1.0.
	ErrRepetitionPenaltyRange = errors.New("LUNA_REPETITION_PENALTY must be >= 1.0")
	// ErrInvalidBaseURL indicates that the base URL is not an http(s) URL.
	ErrInvalidBaseURL = errors.New("LUNA_BASE_URL must be an http or https URL")
	// ErrInvalidTimeout indicates a non-positive timeout.
	ErrInvalidTimeout = errors.New("timeouts must be positive")
)

// Config holds all configuration for the Luna TTS client
type Config struct {
	// Luna TTS API configuration
	BaseURL           string  `envconfig:"LUNA_BASE_URL" default:"https://hindi.heypixa.ai"`
	TopP              float64 `envconfig:"LUNA_TOP_P" default:"0.95"`              // Nucleus sampling (0.0-1.0)
	RepetitionPenalty float64 `envconfig:"LUNA_REPETITION_PENALTY" default:"1.3"` // Repetition penalty (1.0-2.0)

	// Transport configuration
	ConnectTimeout int `envconfig:"LUNA_CONNECT_TIMEOUT" default:"10"` // seconds
	HealthTimeout  int `envconfig:"LUNA_HEALTH_TIMEOUT" default:"10"`  // seconds, config and health endpoints
	StreamBuffer   int `envconfig:"LUNA_STREAM_BUFFER" default:"64"`   // Queued text fragments per duplex stream

	// Retry configuration (used by callers around transport failures)
	RetryMaxAttempts    int `envconfig:"RETRY_MAX_ATTEMPTS" default:"3"`      // Maximum retry attempts
	RetryInitialBackoff int `envconfig:"RETRY_INITIAL_BACKOFF" default:"100"` // Initial backoff in milliseconds

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`        // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`      // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"false"` // Serve Prometheus metrics from the CLI
	MetricsPort    string `envconfig:"METRICS_PORT" default:"9090"`
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	return LoadFromEnv()
}

// LoadFromEnv loads configuration directly from environment variables
// without attempting to load .env file (useful for containerized deployments)
func LoadFromEnv() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks ranges that envconfig cannot express.
func (c *Config) Validate() error {
	if c.TopP < 0 || c.TopP > 1 {
		return fmt.Errorf("%w (got %v)", ErrTopPRange, c.TopP)
	}
	if c.RepetitionPenalty < 1 {
		return fmt.Errorf("%w (got %v)", ErrRepetitionPenaltyRange, c.RepetitionPenalty)
	}
	if c.ConnectTimeout <= 0 || c.HealthTimeout <= 0 {
		return ErrInvalidTimeout
	}

	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w (got %q)", ErrInvalidBaseURL, c.BaseURL)
	}

	return nil
}

// ConnectTimeoutDuration returns the connect timeout as a time.Duration
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// HealthTimeoutDuration returns the discovery endpoint timeout as a time.Duration
func (c *Config) HealthTimeoutDuration() time.Duration {
	return time.Duration(c.HealthTimeout) * time.Second
}
