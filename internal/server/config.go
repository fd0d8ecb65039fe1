// Package server provides configuration helpers that define runtime defaults,
// validation, and rate-limiting parameters for the chatrelay service.
package server

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	defaultPort            = ":8080"
	defaultMaxMessageSize  = 4096
	defaultBurst           = 5
	defaultRefillInterval  = time.Second
	defaultSendBuffer      = 256
	defaultCommandTimeout  = 5 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultNicknameTTL     = time.Minute
)

// RateLimitConfig defines the parameters for per-connection message rate limiting.
type RateLimitConfig struct {
	Burst          int           `env:"RATE_LIMIT_BURST" envDefault:"5"`
	RefillInterval time.Duration `env:"RATE_LIMIT_REFILL_INTERVAL" envDefault:"1s"`
}

// BrokerConfig selects and addresses the fanout broker.
type BrokerConfig struct {
	Backend   string `env:"CHAT_BROKER" envDefault:"memory"`
	Topic     string `env:"CHAT_TOPIC" envDefault:"chat"`
	RedisAddr string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	NATSURL   string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
}

// LogConfig controls the process logger.
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Config holds the service configuration settings including security controls.
type Config struct {
	Port           string   `env:"SERVER_PORT" envDefault:":8080"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:8080"`
	MaxMessageSize int64    `env:"MAX_MESSAGE_SIZE" envDefault:"4096"`
	RateLimit      RateLimitConfig

	// SendBuffer is the per-connection outbound queue length.
	SendBuffer int `env:"CHAT_SEND_BUFFER" envDefault:"256"`
	// CommandTimeout bounds store and broker calls made for one inbound frame.
	CommandTimeout time.Duration `env:"CHAT_COMMAND_TIMEOUT" envDefault:"5s"`
	NicknameTTL    time.Duration `env:"CHAT_NICKNAME_TTL" envDefault:"1m"`

	Broker          BrokerConfig
	DatabasePath    string        `env:"DATABASE_PATH" envDefault:"chatrelay.db"`
	JWTSecret       string        `env:"JWT_SECRET"`
	Log             LogConfig
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() Config {
	return sanitizeConfig(Config{
		AllowedOrigins: []string{"http://localhost:8080"},
		NicknameTTL:    defaultNicknameTTL,
	})
}

// NewConfigFromEnv loads a Config from environment variables. Unset variables
// take their defaults; malformed values are an error.
func NewConfigFromEnv() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	return sanitizeConfig(cfg), nil
}

// sanitizeConfig replaces zero or negative values with defaults so a Config
// built in code behaves like one loaded from the environment.
func sanitizeConfig(cfg Config) Config {
	if cfg.Port == "" {
		cfg.Port = defaultPort
	}
	if !strings.Contains(cfg.Port, ":") {
		cfg.Port = ":" + cfg.Port
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	if cfg.RateLimit.RefillInterval <= 0 {
		cfg.RateLimit.RefillInterval = defaultRefillInterval
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = defaultSendBuffer
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = defaultCommandTimeout
	}
	if cfg.NicknameTTL < 0 {
		cfg.NicknameTTL = 0
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if cfg.Broker.Backend == "" {
		cfg.Broker.Backend = "memory"
	}
	if cfg.Broker.Topic == "" {
		cfg.Broker.Topic = "chat"
	}
	if cfg.Broker.RedisAddr == "" {
		cfg.Broker.RedisAddr = "localhost:6379"
	}
	if cfg.Broker.NATSURL == "" {
		cfg.Broker.NATSURL = "nats://127.0.0.1:4222"
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = "chatrelay.db"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}

	origins := make([]string, 0, len(cfg.AllowedOrigins))
	for _, origin := range cfg.AllowedOrigins {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	cfg.AllowedOrigins = origins

	return cfg
}
