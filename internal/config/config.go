package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all configuration for the voice assistant service
type Config struct {
	// Server configuration
	Port string `envconfig:"PORT" default:"8080"`

	// Gemini Live API configuration. The API key may be left empty here and
	// supplied later through the control connection.
	GeminiAPIKey string `envconfig:"GEMINI_API_KEY" default:""`
	GeminiHost   string `envconfig:"GEMINI_HOST" default:"generativelanguage.googleapis.com"`
	GeminiModel  string `envconfig:"GEMINI_MODEL" default:"models/gemini-2.0-flash-exp"`
	GeminiVoice  string `envconfig:"GEMINI_VOICE" default:"Puck"`
	SystemPrompt string `envconfig:"SYSTEM_PROMPT" default:"You are a helpful voice assistant. Keep your answers short and conversational."`

	// Audio processing configuration
	FrameSize         int `envconfig:"FRAME_SIZE" default:"1024"`          // Samples per microphone frame
	PendingFrameLimit int `envconfig:"PENDING_FRAME_LIMIT" default:"64"`   // Frames buffered while the session is opening

	// Resilience configuration
	ReconnectDelay   time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`    // Delay before a single reconnection attempt
	HandshakeTimeout time.Duration `envconfig:"HANDSHAKE_TIMEOUT" default:"15s"` // WebSocket handshake timeout

	// UI configuration
	ErrorTTL     time.Duration `envconfig:"ERROR_TTL" default:"8s"` // How long surfaced errors stay visible
	HistoryLimit int           `envconfig:"HISTORY_LIMIT" default:"6"`

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
}

// Load reads configuration from environment variables
// It first attempts to load from .env file if it exists, then from environment
func Load() (*Config, error) {
	// Try to load .env file (ignore error if it doesn't exist)
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
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

// Validate checks the configuration for values the service cannot run with
func (c *Config) Validate() error {
	if c.GeminiModel == "" {
		return fmt.Errorf("GEMINI_MODEL must not be empty")
	}
	if c.FrameSize <= 0 {
		return fmt.Errorf("FRAME_SIZE must be positive, got %d", c.FrameSize)
	}
	if c.PendingFrameLimit <= 0 {
		return fmt.Errorf("PENDING_FRAME_LIMIT must be positive, got %d", c.PendingFrameLimit)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}
	if c.HistoryLimit <= 0 {
		return fmt.Errorf("HISTORY_LIMIT must be positive, got %d", c.HistoryLimit)
	}
	return nil
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
