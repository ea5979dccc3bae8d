// Package config loads process configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"go-simpler.org/env"

	"github.com/sroej/mini/internal/domain"
)

type Config struct {
	AppEnv          string        `env:"APP_ENV" default:"development"`
	Port            string        `env:"PORT" default:"10000"`
	DataDir         string        `env:"DATA_DIR" default:"./data"`
	SessionBasePath string        `env:"SESSION_BASE_PATH" default:"./session"`
	GatewayURL      string        `env:"GATEWAY_URL" default:"ws://127.0.0.1:8765/socket"`
	BlobStoreURL    string        `env:"BLOB_STORE_URL"`
	BlobStoreUser   string        `env:"BLOB_STORE_USER"`
	BlobStorePass   string        `env:"BLOB_STORE_PASS"`
	AdminNumber     string        `env:"ADMIN_NUMBER"`
	OwnerNumbers    string        `env:"OWNER_NUMBERS"`
	ConnectTimeout  time.Duration `env:"CONNECT_TIMEOUT" default:"60s"`
	LogLevel        string        `env:"LOG_LEVEL" default:"info"`
	LogFormat       string        `env:"LOG_FORMAT" default:"text"`

	// Per-IP rate limit on the pairing trigger endpoint.
	TriggerRatePerSecond float64 `env:"TRIGGER_RATE_PER_SECOND" default:"1"`
	TriggerBurst         int     `env:"TRIGGER_BURST" default:"3"`
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
	if cfg.BlobStoreURL == "" {
		return fmt.Errorf("BLOB_STORE_URL is required")
	}

	// Blob store credentials: both must be set together.
	if (cfg.BlobStoreUser == "") != (cfg.BlobStorePass == "") {
		return fmt.Errorf("BLOB_STORE_USER and BLOB_STORE_PASS must be set together")
	}

	if cfg.ConnectTimeout <= 0 {
		return fmt.Errorf("CONNECT_TIMEOUT must be positive")
	}

	return nil
}

// Owners returns the configured owner phone numbers, sanitized and with
// empty entries dropped. Owners receive a copy of every new-connection
// notice.
func (c *Config) Owners() []string {
	var owners []string
	for _, n := range strings.Split(c.OwnerNumbers, ",") {
		if s := domain.SanitizeNumber(n); s != "" {
			owners = append(owners, s)
		}
	}
	return owners
}
