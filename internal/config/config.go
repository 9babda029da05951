package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	Host     string        `env:"SOCKFEED_HOST" default:"127.0.0.1"`
	Port     int           `env:"SOCKFEED_PORT" default:"3333"`
	Type     string        `env:"SOCKFEED_TYPE" default:"websockets"`
	SSEPath  string        `env:"SOCKFEED_SSE_PATH" default:"/sse"`
	Interval time.Duration `env:"SOCKFEED_INTERVAL" default:"5s"`
	DataFile string        `env:"SOCKFEED_DATA_FILE"`

	// WriteTimeout bounds one websocket frame write.
	WriteTimeout time.Duration `env:"SOCKFEED_WRITE_TIMEOUT" default:"5s"`

	// Zero disables the connection accept limiter.
	MaxConnectsPerSecond float64 `env:"SOCKFEED_MAX_CONNECTS_PER_SECOND" default:"0"`

	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks ranges only. The transport type is validated by the
// server at start so an unknown type fails there, loudly.
func (c *Config) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("SOCKFEED_HOST is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("SOCKFEED_PORT must be between 1 and 65535, got %d", c.Port)
	}
	if c.Interval <= 0 {
		return fmt.Errorf("SOCKFEED_INTERVAL must be positive, got %s", c.Interval)
	}
	if c.WriteTimeout <= 0 {
		return fmt.Errorf("SOCKFEED_WRITE_TIMEOUT must be positive, got %s", c.WriteTimeout)
	}
	if c.MaxConnectsPerSecond < 0 {
		return fmt.Errorf("SOCKFEED_MAX_CONNECTS_PER_SECOND must not be negative")
	}
	if c.SSEPath == "" || c.SSEPath[0] != '/' {
		return fmt.Errorf("SOCKFEED_SSE_PATH must start with /, got %q", c.SSEPath)
	}
	return nil
}

// Addr returns host:port.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}
