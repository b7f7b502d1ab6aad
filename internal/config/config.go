package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
)

// Config is the process configuration, read once at cold start.
type Config struct {
	JWKSURI            string `env:"JWKS_URI,required"`
	Issuer             string `env:"ISSUER,required"`
	Audience           string `env:"AUDIENCE,required"`
	AssistantID        string `env:"ASSISTANT_ID,required"`
	APIGatewayEndpoint string `env:"API_GW_ENDPOINT,required"`

	Region         string `env:"REGION"`
	OpenAIKeyName  string `env:"OPENAI_API_KEY_NAME,default=OpenAIAPIKeyName"`
	OpenAIBaseURL  string `env:"OPENAI_BASE_URL,default=https://api.openai.com/v1"`
	ThreadTable    string `env:"THREAD_TABLE,default=AssistantThreadTable"`
	HistoryTable   string `env:"HISTORY_TABLE,default=conversationhistory"`
	LogLevel       string `env:"LOG_LEVEL,default=info"`
	MaxPromptLen   int    `env:"MAX_PROMPT_LENGTH,default=4000"`
	RelayQueueSize int    `env:"RELAY_QUEUE_SIZE,default=64"`

	JWKSRefreshInterval time.Duration `env:"JWKS_REFRESH_INTERVAL,default=1m"`
	JWKSTimeout         time.Duration `env:"JWKS_TIMEOUT,default=5s"`
	TokenLeeway         time.Duration `env:"TOKEN_LEEWAY,default=30s"`
}

// Load decodes the environment into a Config and validates it.
func Load() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: decode environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks values envdecode cannot express as tags.
func (c Config) Validate() error {
	if !strings.HasPrefix(c.JWKSURI, "https://") && !strings.HasPrefix(c.JWKSURI, "http://") {
		return fmt.Errorf("config: JWKS_URI must be an http(s) URL, got %q", c.JWKSURI)
	}
	if c.MaxPromptLen <= 0 {
		return errors.New("config: MAX_PROMPT_LENGTH must be positive")
	}
	if c.RelayQueueSize <= 0 {
		return errors.New("config: RELAY_QUEUE_SIZE must be positive")
	}
	if c.JWKSRefreshInterval < 0 {
		return errors.New("config: JWKS_REFRESH_INTERVAL must not be negative")
	}
	return nil
}

// SlogLevel maps LOG_LEVEL onto a slog level, defaulting to info.
func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(strings.TrimSpace(c.LogLevel)) {
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
