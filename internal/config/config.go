// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds the messaging server configuration.
type Config struct {
	Port               string        `envconfig:"PORT" default:"8080"`
	FrontendURL        string        `envconfig:"FRONTEND_URL"`
	DBPath             string        `envconfig:"DB_PATH" default:"./data/messages.db"`
	JWTSecret          string        `envconfig:"JWT_SECRET"`
	WSPath             string        `envconfig:"WS_PATH" default:"/ws/messages"`
	WSPingInterval     time.Duration `envconfig:"WS_PING_INTERVAL" default:"30s"`
	WSWriteTimeout     time.Duration `envconfig:"WS_WRITE_TIMEOUT" default:"10s"`
	HistoryPageSize    int           `envconfig:"HISTORY_PAGE_SIZE" default:"50"`
	LogLevel           string        `envconfig:"LOG_LEVEL" default:"info"`
	CORSAllowedOrigins []string      `envconfig:"CORS_ALLOWED_ORIGINS" default:"*"`
}

// ClientConfig holds configuration for the terminal chat client.
type ClientConfig struct {
	ServerURL  string        `envconfig:"CHAT_SERVER_URL" default:"http://localhost:8080"`
	WSPath     string        `envconfig:"CHAT_WS_PATH" default:"/ws/messages"`
	Token      string        `envconfig:"CHAT_TOKEN"`
	MaxRetries uint          `envconfig:"CHAT_MAX_RETRIES" default:"5"`
	AckTimeout time.Duration `envconfig:"CHAT_ACK_TIMEOUT" default:"10s"`
	LogLevel   string        `envconfig:"LOG_LEVEL" default:"info"`
}

// Load reads server configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET cannot be empty")
	}
	if !strings.HasPrefix(c.WSPath, "/") {
		return fmt.Errorf("WS_PATH must start with /")
	}
	if c.WSPingInterval <= 0 {
		return fmt.Errorf("WS_PING_INTERVAL must be > 0")
	}
	if c.WSWriteTimeout <= 0 {
		return fmt.Errorf("WS_WRITE_TIMEOUT must be > 0")
	}
	if c.HistoryPageSize <= 0 {
		return fmt.Errorf("HISTORY_PAGE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

// LoadClient reads client configuration from environment variables.
func LoadClient() (*ClientConfig, error) {
	var cfg ClientConfig
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("invalid configuration: CHAT_TOKEN cannot be empty")
	}
	if cfg.AckTimeout <= 0 {
		return nil, fmt.Errorf("invalid configuration: CHAT_ACK_TIMEOUT must be > 0")
	}
	return &cfg, nil
}

// ParseLogLevel maps LOG_LEVEL values onto slog levels, defaulting to info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}
