package config

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"
)

type Config struct {
	AppEnv    string `env:"APP_ENV" default:"development"`
	Port      string `env:"PORT" default:"8080"`
	AppURL    string `env:"APP_URL" default:"http://localhost:8080"`
	LogLevel  string `env:"LOG_LEVEL" default:"info"`
	LogFormat string `env:"LOG_FORMAT" default:"text"`

	MaxConnections      int     `env:"MAX_CONNECTIONS" default:"10000"`
	MaxConnectionsPerIP int     `env:"MAX_CONNECTIONS_PER_IP" default:"32"`
	UpgradesPerSecond   float64 `env:"UPGRADES_PER_SECOND" default:"10"`
	UpgradeBurst        int     `env:"UPGRADE_BURST" default:"20"`

	SendBufferSize int   `env:"SEND_BUFFER_SIZE" default:"256"`
	MaxMessageSize int64 `env:"MAX_MESSAGE_SIZE" default:"4096"`

	PingInterval    time.Duration `env:"PING_INTERVAL" default:"30s"`
	PongTimeout     time.Duration `env:"PONG_TIMEOUT" default:"60s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" default:"5s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" default:"10s"`
}

func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	var cfg Config
	if err := env.Load(&cfg, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *Config) error {
	if cfg.MaxConnections <= 0 {
		return errors.New("MAX_CONNECTIONS must be positive")
	}
	if cfg.MaxConnectionsPerIP <= 0 {
		return errors.New("MAX_CONNECTIONS_PER_IP must be positive")
	}
	if cfg.SendBufferSize <= 0 {
		return errors.New("SEND_BUFFER_SIZE must be positive")
	}
	if cfg.MaxMessageSize <= 0 {
		return errors.New("MAX_MESSAGE_SIZE must be positive")
	}
	if cfg.UpgradesPerSecond <= 0 {
		return errors.New("UPGRADES_PER_SECOND must be positive")
	}
	if cfg.PingInterval <= 0 || cfg.PongTimeout <= 0 || cfg.WriteTimeout <= 0 {
		return errors.New("PING_INTERVAL, PONG_TIMEOUT and WRITE_TIMEOUT must be positive")
	}
	if cfg.PongTimeout <= cfg.PingInterval {
		return fmt.Errorf("PONG_TIMEOUT (%v) must be greater than PING_INTERVAL (%v)", cfg.PongTimeout, cfg.PingInterval)
	}
	return nil
}

// IsDevelopment reports whether the app runs in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv != "production"
}
