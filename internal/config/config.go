package config

import (
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// DefaultServiceURL is used when DOCTALK_WS_URL is not set.
const DefaultServiceURL = "wss://doc-talk-u97i.onrender.com"

// Config holds all configuration for the doctalk client
type Config struct {
	// Remote processing service endpoint (ws:// or wss://)
	ServiceURL     string `envconfig:"DOCTALK_WS_URL" default:"wss://doc-talk-u97i.onrender.com"`
	ConnectTimeout int    `envconfig:"CONNECT_TIMEOUT" default:"10"` // seconds

	// Identity. A static user id wins over the access token.
	UserID      string `envconfig:"DOCTALK_USER_ID" default:""`
	AccessToken string `envconfig:"DOCTALK_ACCESS_TOKEN" default:""`
	JWTSecret   string `envconfig:"DOCTALK_JWT_SECRET" default:""` // Optional HMAC secret; empty skips verification

	// Resilience configuration
	ReconnectMaxAttempts int `envconfig:"RECONNECT_MAX_ATTEMPTS" default:"5"`    // Retry budget for automatic reconnects
	ReconnectBackoff     int `envconfig:"RECONNECT_BACKOFF" default:"2000"`      // Base reconnect delay in milliseconds
	ReconnectMaxBackoff  int `envconfig:"RECONNECT_MAX_BACKOFF" default:"30000"` // Reconnect delay cap in milliseconds
	StoreRetryAttempts   int `envconfig:"STORE_RETRY_ATTEMPTS" default:"3"`      // Document store put attempts
	StoreRetryBackoff    int `envconfig:"STORE_RETRY_BACKOFF" default:"100"`     // Initial store retry backoff in milliseconds

	// Audio configuration
	CaptureFlushInterval int    `envconfig:"CAPTURE_FLUSH_INTERVAL" default:"3000"` // milliseconds
	PlaybackQueueSeconds int    `envconfig:"PLAYBACK_QUEUE_SECONDS" default:"120"`  // Output ring buffer capacity
	FFmpegPath           string `envconfig:"FFMPEG_PATH" default:"ffmpeg"`
	FFplayPath           string `envconfig:"FFPLAY_PATH" default:"ffplay"`

	// Document ingestion
	IngestionTimeout int    `envconfig:"INGESTION_TIMEOUT" default:"5000"` // milliseconds
	DocStorePath     string `envconfig:"DOCSTORE_PATH" default:""`          // SQLite file; empty sends documents inline
	WatchDir         string `envconfig:"WATCH_DIR" default:""`              // Folder to auto-upload PDFs from

	// Observability configuration
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`       // Log level: debug, info, warn, error
	LogPretty      bool   `envconfig:"LOG_PRETTY" default:"false"`     // Pretty print logs (for development)
	MetricsEnabled bool   `envconfig:"METRICS_ENABLED" default:"true"` // Enable Prometheus metrics
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`
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

// Validate checks values envconfig cannot express as tags.
func (c *Config) Validate() error {
	if c.ServiceURL == "" {
		c.ServiceURL = DefaultServiceURL
	}
	u, err := url.Parse(c.ServiceURL)
	if err != nil {
		return fmt.Errorf("invalid DOCTALK_WS_URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("DOCTALK_WS_URL must use ws:// or wss://, got %q", c.ServiceURL)
	}
	if c.ReconnectMaxAttempts < 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must not be negative")
	}
	if c.ReconnectBackoff <= 0 {
		return fmt.Errorf("RECONNECT_BACKOFF must be positive")
	}
	if c.ReconnectMaxBackoff < c.ReconnectBackoff {
		return fmt.Errorf("RECONNECT_MAX_BACKOFF must be >= RECONNECT_BACKOFF")
	}
	if c.CaptureFlushInterval <= 0 {
		return fmt.Errorf("CAPTURE_FLUSH_INTERVAL must be positive")
	}
	if c.IngestionTimeout <= 0 {
		return fmt.Errorf("INGESTION_TIMEOUT must be positive")
	}
	return nil
}

// ConnectTimeoutDuration returns the dial handshake timeout.
func (c *Config) ConnectTimeoutDuration() time.Duration {
	return time.Duration(c.ConnectTimeout) * time.Second
}

// FlushInterval returns the capture flush cadence.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.CaptureFlushInterval) * time.Millisecond
}

// AckTimeout returns how long an ingestion request waits for acknowledgement.
func (c *Config) AckTimeout() time.Duration {
	return time.Duration(c.IngestionTimeout) * time.Millisecond
}

// GetEnv returns the value of an environment variable or a default value
func GetEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
