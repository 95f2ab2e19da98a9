package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// Environment variable names used by the server.
const (
	APIKeyEnvVar        = "DEEPGRAM_API_KEY"
	SessionSecretEnvVar = "SESSION_SECRET"
	HostEnvVar          = "HOST"
	PortEnvVar          = "PORT"
	MetadataFileEnvVar  = "METADATA_FILE"
	ShapeResultsEnvVar  = "SHAPE_RESULTS"
	LogLevelEnvVar      = "LOG_LEVEL"
)

// Defaults applied when the corresponding environment variable is unset.
const (
	DefaultHost         = "0.0.0.0"
	DefaultPort         = 8081
	DefaultMetadataFile = "deepgram.toml"
	DefaultTokenTTL     = time.Hour
	DefaultReadyTimeout = 5 * time.Second
)

// Config holds the server configuration resolved from the environment.
type Config struct {
	Host          string
	Port          int
	APIKey        string
	SessionSecret string
	// SecretGenerated is true when no SESSION_SECRET was configured and an
	// ephemeral one was minted at startup. Tokens do not survive a restart
	// in that mode.
	SecretGenerated bool
	MetadataFile    string
	// ShapeResults selects the normalized client envelope instead of raw
	// pass-through of upstream frames.
	ShapeResults bool
	TokenTTL     time.Duration
	ReadyTimeout time.Duration
	LogLevel     slog.Level
}

// Load resolves the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Host:         envOr(HostEnvVar, DefaultHost),
		APIKey:       os.Getenv(APIKeyEnvVar),
		MetadataFile: envOr(MetadataFileEnvVar, DefaultMetadataFile),
		TokenTTL:     DefaultTokenTTL,
		ReadyTimeout: DefaultReadyTimeout,
	}

	port := envOr(PortEnvVar, strconv.Itoa(DefaultPort))
	p, err := strconv.Atoi(port)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", PortEnvVar, port, err)
	}
	cfg.Port = p

	if v := os.Getenv(ShapeResultsEnvVar); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q: %w", ShapeResultsEnvVar, v, err)
		}
		cfg.ShapeResults = b
	}

	cfg.SessionSecret = os.Getenv(SessionSecretEnvVar)
	if cfg.SessionSecret == "" {
		secret, err := generateSecret()
		if err != nil {
			return nil, fmt.Errorf("generating session secret: %w", err)
		}
		cfg.SessionSecret = secret
		cfg.SecretGenerated = true
	}

	switch level := os.Getenv(LogLevelEnvVar); level {
	case "", "info":
		cfg.LogLevel = slog.LevelInfo
	case "debug":
		cfg.LogLevel = slog.LevelDebug
	case "warn":
		cfg.LogLevel = slog.LevelWarn
	case "error":
		cfg.LogLevel = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid %s %q: must be one of [debug, info, warn, error]", LogLevelEnvVar, level)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values the server cannot run with.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("%s is required; get an API key at https://console.deepgram.com", APIKeyEnvVar)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	if c.Host == "" {
		return fmt.Errorf("host cannot be empty")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token ttl must be positive, got %s", c.TokenTTL)
	}
	if c.ReadyTimeout <= 0 {
		return fmt.Errorf("ready timeout must be positive, got %s", c.ReadyTimeout)
	}
	return nil
}

// Addr returns the host:port the HTTP server binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func generateSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
