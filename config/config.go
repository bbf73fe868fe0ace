package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

type Config struct {
	Env      string `env:"BUGBANK_ENV" envDefault:"development" validate:"oneof=development production test"`
	Port     string `env:"PORT" envDefault:"5200" validate:"required,numeric"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=trace debug info warn error"`

	// Shared secret the gateway presents as a bearer token.
	GatewayToken   string   `env:"GATEWAY_TOKEN"`
	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:"," envDefault:"http://localhost:3000"`

	Store    StoreConfig
	Redis    RedisConfig
	Identity IdentityConfig

	LeaderboardRefresh time.Duration `env:"LEADERBOARD_REFRESH" envDefault:"1m" validate:"min=1s"`
}

type StoreConfig struct {
	Driver        string `env:"STORE_DRIVER" envDefault:"postgres" validate:"oneof=postgres mongo memory"`
	DatabaseURL   string `env:"DATABASE_URL" validate:"required_if=Driver postgres"`
	MongoURI      string `env:"MONGO_URI" validate:"required_if=Driver mongo"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"bugbank"`
	UpdateRetries int    `env:"STORE_UPDATE_RETRIES" envDefault:"5" validate:"min=1,max=50"`
}

type RedisConfig struct {
	// Empty disables the leaderboard cache.
	URL string `env:"REDIS_URL"`
}

type IdentityConfig struct {
	// Empty disables the user sync worker.
	SyncURL      string        `env:"IDENTITY_SYNC_URL" validate:"omitempty,url"`
	SyncPath     string        `env:"IDENTITY_SYNC_PATH" envDefault:"/api/v1/public/profiles"`
	ServiceToken string        `env:"IDENTITY_SERVICE_TOKEN" validate:"required_with=SyncURL"`
	SyncInterval time.Duration `env:"IDENTITY_SYNC_INTERVAL" envDefault:"1m"`
}

func (c Config) IsProduction() bool { return c.Env == "production" }

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return err
	}
	if c.IsProduction() && c.GatewayToken == "" {
		return fmt.Errorf("GATEWAY_TOKEN is required in production")
	}
	return nil
}

// Load reads .env (development only), parses the environment and validates.
func Load() (Config, error) {
	if strings.ToLower(os.Getenv("BUGBANK_ENV")) != "production" {
		_ = godotenv.Load()
	}

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
