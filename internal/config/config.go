// Package config loads vibelink configuration from the environment.
//
// Priority: ENV vars > .env file > defaults. Both binaries fail fast on
// invalid configuration; a misconfigured client must not reach the gateway.
package config

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Client holds configuration for the acquisition client (cmd/vibelink) and
// for the per-gateway session workers run by the API service.
type Client struct {
	// Gateway endpoint and login identity
	GatewayURL string `env:"GATEWAY_URL"`
	Email      string `env:"GATEWAY_EMAIL"`
	Password   string `env:"GATEWAY_PASSWORD"`

	// Sensor selection. Empty means "first live sensor reported".
	SensorSerial string `env:"SENSOR_SERIAL"`

	// Timeouts
	ConnectTimeout     time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	CommandTimeout     time.Duration `env:"COMMAND_TIMEOUT" envDefault:"30s"`
	AcquisitionTimeout time.Duration `env:"ACQUISITION_TIMEOUT" envDefault:"60s"`

	// Heartbeat
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout  time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	// Optional NATS output. Empty keeps the console sink.
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadClient reads client configuration from .env and environment variables.
//
// Optional logger parameter for structured logging. If nil, load messages
// are suppressed.
func LoadClient(logger *zerolog.Logger) (*Client, error) {
	loadDotenv(logger)

	cfg := &Client{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks client configuration for errors.
func (c *Client) Validate() error {
	if c.GatewayURL == "" {
		return fmt.Errorf("GATEWAY_URL is required")
	}
	u, err := url.Parse(c.GatewayURL)
	if err != nil {
		return fmt.Errorf("GATEWAY_URL is not a valid URL: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("GATEWAY_URL must use ws:// or wss:// (got: %s)", u.Scheme)
	}
	if c.Email == "" {
		return fmt.Errorf("GATEWAY_EMAIL is required")
	}
	if c.Password == "" {
		return fmt.Errorf("GATEWAY_PASSWORD is required")
	}

	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be > 0, got %s", c.ConnectTimeout)
	}
	if c.CommandTimeout <= 0 {
		return fmt.Errorf("COMMAND_TIMEOUT must be > 0, got %s", c.CommandTimeout)
	}
	if c.AcquisitionTimeout <= 0 {
		return fmt.Errorf("ACQUISITION_TIMEOUT must be > 0, got %s", c.AcquisitionTimeout)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval)
	}
	if c.HeartbeatTimeout <= 0 || c.HeartbeatTimeout >= c.HeartbeatInterval {
		return fmt.Errorf("HEARTBEAT_TIMEOUT must be > 0 and < HEARTBEAT_INTERVAL, got %s", c.HeartbeatTimeout)
	}

	return validateLogging(c.LogLevel, c.LogFormat)
}

// LogConfig logs client configuration using structured logging.
// The password is never written out, only whether one is set.
func (c *Client) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("gateway_url", c.GatewayURL).
		Str("email", c.Email).
		Bool("password_set", c.Password != "").
		Str("sensor_serial", c.SensorSerial).
		Dur("connect_timeout", c.ConnectTimeout).
		Dur("command_timeout", c.CommandTimeout).
		Dur("acquisition_timeout", c.AcquisitionTimeout).
		Dur("heartbeat_interval", c.HeartbeatInterval).
		Dur("heartbeat_timeout", c.HeartbeatTimeout).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("Client configuration loaded")
}

// API holds configuration for the management service (cmd/vibelink-api).
type API struct {
	Port        int    `env:"API_PORT" envDefault:"8080"`
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Comma-separated allow-list used in production. Development and test
	// reflect the request origin.
	CORSOrigin string `env:"CORS_ORIGIN"`

	// Storage
	DBPath string `env:"DB_PATH" envDefault:"vibelink.db"`

	// Base64-encoded 32-byte AES key for credentials at rest.
	EncryptionKey string `env:"ENCRYPTION_KEY"`

	// Per-gateway session workers
	WorkersEnabled bool          `env:"WORKERS_ENABLED" envDefault:"true"`
	PollInterval   time.Duration `env:"POLL_INTERVAL" envDefault:"5m"`

	// Session timeouts shared with the workers
	ConnectTimeout     time.Duration `env:"CONNECT_TIMEOUT" envDefault:"10s"`
	CommandTimeout     time.Duration `env:"COMMAND_TIMEOUT" envDefault:"30s"`
	AcquisitionTimeout time.Duration `env:"ACQUISITION_TIMEOUT" envDefault:"60s"`
	HeartbeatInterval  time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"30s"`
	HeartbeatTimeout   time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"5s"`

	// Rate limiting (per client IP)
	RateLimitRPS   float64 `env:"RATE_LIMIT_RPS" envDefault:"20"`
	RateLimitBurst int     `env:"RATE_LIMIT_BURST" envDefault:"40"`

	// Optional NATS output for worker readings. Empty keeps the console sink.
	NATSURL string `env:"NATS_URL"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// LoadAPI reads API configuration from .env and environment variables.
func LoadAPI(logger *zerolog.Logger) (*API, error) {
	loadDotenv(logger)

	cfg := &API{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks API configuration for errors.
func (c *API) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("API_PORT must be 1-65535, got %d", c.Port)
	}

	validEnvs := map[string]bool{"development": true, "test": true, "production": true}
	if !validEnvs[c.Environment] {
		return fmt.Errorf("ENVIRONMENT must be one of: development, test, production (got: %s)", c.Environment)
	}
	if c.Environment == "production" && c.CORSOrigin == "" {
		return fmt.Errorf("CORS_ORIGIN is required in production")
	}

	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH is required")
	}

	if _, err := c.Key(); err != nil {
		return err
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be > 0, got %s", c.PollInterval)
	}
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPS must be > 0, got %.1f", c.RateLimitRPS)
	}
	if c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be >= 1, got %d", c.RateLimitBurst)
	}

	return validateLogging(c.LogLevel, c.LogFormat)
}

// Key decodes the configured encryption key. The key must be exactly 32
// bytes after base64 decoding (AES-256).
func (c *API) Key() ([]byte, error) {
	if c.EncryptionKey == "" {
		return nil, fmt.Errorf("ENCRYPTION_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("ENCRYPTION_KEY is not valid base64: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("ENCRYPTION_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// AllowedOrigins splits the CORS allow-list.
func (c *API) AllowedOrigins() []string {
	if c.CORSOrigin == "" {
		return nil
	}
	parts := strings.Split(c.CORSOrigin, ",")
	origins := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}

// LogConfig logs API configuration using structured logging.
// The encryption key is never written out, only whether one is set.
func (c *API) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Int("port", c.Port).
		Str("environment", c.Environment).
		Str("cors_origin", c.CORSOrigin).
		Str("db_path", c.DBPath).
		Bool("encryption_key_set", c.EncryptionKey != "").
		Bool("workers_enabled", c.WorkersEnabled).
		Dur("poll_interval", c.PollInterval).
		Dur("command_timeout", c.CommandTimeout).
		Dur("acquisition_timeout", c.AcquisitionTimeout).
		Float64("rate_limit_rps", c.RateLimitRPS).
		Int("rate_limit_burst", c.RateLimitBurst).
		Str("nats_url", c.NATSURL).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("API configuration loaded")
}

func loadDotenv(logger *zerolog.Logger) {
	// .env is a development convenience; containers set real env vars.
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Debug().Msg("No .env file found (using environment variables only)")
		}
		return
	}
	if logger != nil {
		logger.Info().Msg("Loaded configuration from .env file")
	}
}

func validateLogging(level, format string) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[level] {
		return fmt.Errorf("LOG_LEVEL must be one of: debug, info, warn, error (got: %s)", level)
	}
	validLogFormats := map[string]bool{"json": true, "pretty": true}
	if !validLogFormats[format] {
		return fmt.Errorf("LOG_FORMAT must be one of: json, pretty (got: %s)", format)
	}
	return nil
}
