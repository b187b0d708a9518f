package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port        string `envconfig:"PORT" default:"3333"`
	Environment string `envconfig:"ENV" default:"production"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=trace debug info warn error"`

	DatabaseURL string `envconfig:"DATABASE_URL" required:"true" validate:"required"`
	DBMaxConns  int32  `envconfig:"DB_MAX_CONNS" default:"25" validate:"gte=1"`
	DBMinConns  int32  `envconfig:"DB_MIN_CONNS" default:"5" validate:"gte=0,ltefield=DBMaxConns"`

	StripeSecretKey     string `envconfig:"STRIPE_SECRET_KEY" required:"true" validate:"required"`
	StripeWebhookSecret string `envconfig:"STRIPE_WEBHOOK_SECRET" required:"true" validate:"required"`

	// Pending associations live in memory unless a Redis URL is given.
	RedisURL              string        `envconfig:"REDIS_URL" validate:"omitempty,url"`
	PendingAssociationTTL time.Duration `envconfig:"PENDING_ASSOCIATION_TTL" default:"24h" validate:"gt=0"`

	MetricsUser string `envconfig:"METRICS_USER"`
	MetricsPass string `envconfig:"METRICS_PASS"`

	RateLimitRPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"20" validate:"gt=0"`
	RateLimitBurst int     `envconfig:"RATE_LIMIT_BURST" default:"60" validate:"gte=1"`

	// Only enable behind a proxy that overwrites X-Forwarded-For.
	TrustProxyHeaders bool `envconfig:"TRUST_PROXY_HEADERS" default:"false"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

func (c *Config) IsDevelopment() bool {
	return c.Environment == "development"
}
