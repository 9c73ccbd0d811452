package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"routecash/backend/internal/money"
	"routecash/backend/internal/service"
)

type Config struct {
	Port          string `env:"PORT" envDefault:"8080"`
	AllowedOrigin string `env:"ALLOWED_ORIGIN" envDefault:"http://127.0.0.1:3000"`
	LogLevel      string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL   string `env:"DATABASE_URL"`
	MongoURI      string `env:"MONGO_URI"`
	MongoDatabase string `env:"MONGO_DATABASE" envDefault:"routecash"`
	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`

	AuthSecret string `env:"AUTH_SECRET"`
	ManagerPIN string `env:"MANAGER_PIN"`

	BusinessTimezone        string `env:"BUSINESS_TIMEZONE" envDefault:"UTC"`
	ReconciliationTolerance string `env:"RECONCILIATION_TOLERANCE" envDefault:"1.00"`
	LargeVarianceThreshold  string `env:"LARGE_VARIANCE_THRESHOLD" envDefault:"10.00"`
	ReorderTargetMultiplier int    `env:"REORDER_TARGET_MULTIPLIER" envDefault:"2"`
	ReorderMinimumBatch     int    `env:"REORDER_MINIMUM_BATCH" envDefault:"10"`

	NotifyWebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	NotifyChannel    string `env:"NOTIFY_CHANNEL" envDefault:"routecash.events"`
	AutoCloseCron    string `env:"AUTO_CLOSE_CRON"`
	SeedDemoData     bool   `env:"SEED_DEMO_DATA" envDefault:"false"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.AuthSecret = strings.TrimSpace(cfg.AuthSecret)
	cfg.ManagerPIN = strings.TrimSpace(cfg.ManagerPIN)
	cfg.AutoCloseCron = strings.TrimSpace(cfg.AutoCloseCron)

	if _, err := cfg.Policy(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Address() string {
	return fmt.Sprintf(":%s", c.Port)
}

// Policy turns the business settings into the values the service enforces.
func (c Config) Policy() (service.Policy, error) {
	location, err := time.LoadLocation(c.BusinessTimezone)
	if err != nil {
		return service.Policy{}, fmt.Errorf("BUSINESS_TIMEZONE: %w", err)
	}
	tolerance, err := money.Parse(c.ReconciliationTolerance)
	if err != nil || tolerance <= 0 {
		return service.Policy{}, fmt.Errorf("RECONCILIATION_TOLERANCE must be a positive amount, got %q", c.ReconciliationTolerance)
	}
	large, err := money.Parse(c.LargeVarianceThreshold)
	if err != nil || large <= 0 {
		return service.Policy{}, fmt.Errorf("LARGE_VARIANCE_THRESHOLD must be a positive amount, got %q", c.LargeVarianceThreshold)
	}
	if c.ReorderTargetMultiplier < 1 {
		return service.Policy{}, fmt.Errorf("REORDER_TARGET_MULTIPLIER must be at least 1")
	}
	if c.ReorderMinimumBatch < 1 {
		return service.Policy{}, fmt.Errorf("REORDER_MINIMUM_BATCH must be at least 1")
	}

	return service.Policy{
		ToleranceCents:          tolerance,
		LargeVarianceCents:      large,
		ReorderTargetMultiplier: c.ReorderTargetMultiplier,
		ReorderMinimumBatch:     c.ReorderMinimumBatch,
		Location:                location,
	}, nil
}
